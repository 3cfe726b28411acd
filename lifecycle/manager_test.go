// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/absmach/queueprobe/message"
	"github.com/absmach/queueprobe/track"
	"github.com/absmach/queueprobe/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sharedFilter = "$share/group/test/shared/messages"
const pubTopic = "test/shared/messages"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newConsumer(t *testing.T, b *transport.FakeBroker, id string) (*Manager, *track.Tracker) {
	t.Helper()
	tr := track.New()
	m, err := New(Options{
		SubscriberID:   id,
		ClientID:       "test-subscriber-" + id,
		Factory:        b.Factory("test-subscriber-"+id, false),
		SharedFilter:   sharedFilter,
		ConnectTimeout: time.Second,
		Tracker:        tr,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)
	return m, tr
}

func publish(t *testing.T, b *transport.FakeBroker, sender string, sequences ...uint64) []message.Message {
	t.Helper()
	pub := b.NewTransport(sender, true, transport.Callbacks{})
	_, err := pub.Connect(context.Background())
	require.NoError(t, err)

	msgs := make([]message.Message, 0, len(sequences))
	for _, seq := range sequences {
		msg := message.New(sender, seq)
		data, err := msg.Encode()
		require.NoError(t, err)
		pub.Publish(pubTopic, transport.QoS1, data, nil)
		msgs = append(msgs, msg)
	}
	require.NoError(t, pub.Disconnect(context.Background()))
	return msgs
}

func TestNewValidatesOptions(t *testing.T) {
	b := transport.NewFakeBroker()

	_, err := New(Options{ClientID: "c", SharedFilter: "f"})
	assert.ErrorIs(t, err, ErrNoFactory)

	_, err = New(Options{Factory: b.Factory("c", false)})
	assert.ErrorIs(t, err, ErrNoClientID)

	_, err = New(Options{ClientID: "c", Factory: b.Factory("c", false), SharedFilter: "f"})
	assert.Error(t, err) // consumer mode without tracker
}

func TestConnectedConsumerReceivesAllMessages(t *testing.T) {
	b := transport.NewFakeBroker()
	m, tr := newConsumer(t, b, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	info, err := m.Connect(ctx)
	require.NoError(t, err)
	assert.False(t, info.SessionPresent)
	assert.Equal(t, StateConnected, m.State())

	publish(t, b, "pub", 1, 2, 3, 4, 5)

	assert.Eventually(t, func() bool {
		return tr.Total() == 5 && tr.Distinct() == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectWhileConnectedFails(t *testing.T) {
	b := transport.NewFakeBroker()
	m, _ := newConsumer(t, b, "01")

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	_, err = m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	b := transport.NewFakeBroker()
	m, _ := newConsumer(t, b, "01")

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	assert.NoError(t, m.Disconnect(context.Background()))
	assert.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.IsConnected())
}

func TestInterruptAndResume(t *testing.T) {
	b := transport.NewFakeBroker()
	m, _ := newConsumer(t, b, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	_, err := m.Connect(ctx)
	require.NoError(t, err)

	b.Interrupt(m.ClientID(), assert.AnError)
	assert.Eventually(t, func() bool {
		return m.State() == StateInterrupted
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, m.IsConnected())

	b.Restore(m.ClientID())
	assert.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectWhileInterruptedStaysDown(t *testing.T) {
	b := transport.NewFakeBroker()
	m, _ := newConsumer(t, b, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	_, err := m.Connect(ctx)
	require.NoError(t, err)

	b.Interrupt(m.ClientID(), assert.AnError)
	assert.Eventually(t, func() bool {
		return m.State() == StateInterrupted
	}, 2*time.Second, 10*time.Millisecond)

	// Shutdown while the transport would be reconnecting: the disconnect
	// must reach the transport, not short-circuit on the dropped link.
	require.NoError(t, m.Disconnect(ctx))
	assert.Equal(t, StateDisconnected, m.State())

	// The transport-level reconnect must not bring the session back.
	b.Restore(m.ClientID())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.IsConnected())
	assert.False(t, b.Connected(m.ClientID()))
}

func TestInterruptWhileDisconnectedIsNoop(t *testing.T) {
	b := transport.NewFakeBroker()
	m, _ := newConsumer(t, b, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// Never connected; a stray interrupt must not change the state.
	m.events <- interruptedEvent{err: assert.AnError}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestQueuedMessagesDeliveredAfterOutage(t *testing.T) {
	b := transport.NewFakeBroker()
	m, tr := newConsumer(t, b, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	_, err := m.Connect(ctx)
	require.NoError(t, err)

	// Simulated outage: deliberate disconnect with a reconnect to follow.
	require.True(t, m.BeginOutage())
	require.NoError(t, m.Disconnect(ctx))
	m.MarkReconnectPending()
	assert.Equal(t, StateReconnectPending, m.State())

	// Sequences 10..14 published into the outage window are queued by the
	// broker for the persistent session.
	published := publish(t, b, "pub", 10, 11, 12, 13, 14)
	assert.Equal(t, 5, b.QueuedCount(m.ClientID()))

	info, err := m.Connect(ctx)
	require.NoError(t, err)
	assert.True(t, info.SessionPresent)
	m.EndOutage()

	assert.Eventually(t, func() bool {
		return tr.Distinct() == len(published)
	}, 2*time.Second, 10*time.Millisecond)

	// No gaps: every queued sequence arrived.
	snap := tr.Snapshot()
	var sequences []uint64
	for _, rec := range snap.Records {
		sequences = append(sequences, rec.Message.Sequence)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })
	assert.Equal(t, []uint64{10, 11, 12, 13, 14}, sequences)
}

func TestOutageClaimIsExclusive(t *testing.T) {
	b := transport.NewFakeBroker()
	m, _ := newConsumer(t, b, "01")

	require.True(t, m.BeginOutage())
	assert.False(t, m.BeginOutage())
	m.EndOutage()
	assert.True(t, m.BeginOutage())
}

func TestRedeliveryCountsOnceInDistinctSet(t *testing.T) {
	b := transport.NewFakeBroker()
	m, tr := newConsumer(t, b, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	_, err := m.Connect(ctx)
	require.NoError(t, err)

	publish(t, b, "pub", 1)
	assert.Eventually(t, func() bool { return tr.Total() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Redeliver(m.ClientID())
	assert.Eventually(t, func() bool { return tr.Total() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, tr.Distinct())
}
