// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/queueprobe/message"
	"github.com/absmach/queueprobe/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	ackErr    error
	payloads  [][]byte
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *fakeConn) Publish(topic string, qos byte, payload []byte, done func(error)) {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	err := c.ackErr
	c.mu.Unlock()
	done(err)
}

func (c *fakeConn) published() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPublisher(conn *fakeConn, maxMessages int) *Publisher {
	return New(Config{
		Topic:       "test/shared/messages",
		Sender:      "test-publisher",
		Interval:    time.Millisecond,
		MaxMessages: maxMessages,
	}, conn, quietLogger(), nil)
}

func TestRunPublishesSequencedMessages(t *testing.T) {
	conn := &fakeConn{connected: true}
	p := newPublisher(conn, 5)

	require.NoError(t, p.Run(context.Background()))

	sum := p.Summary()
	assert.Equal(t, uint64(5), sum.Attempted)
	assert.Equal(t, uint64(5), sum.Acked)
	assert.Equal(t, uint64(0), sum.Failed)
	assert.Equal(t, uint64(0), sum.Skipped)
	assert.Equal(t, uint64(5), sum.LastSequence)

	payloads := conn.published()
	require.Len(t, payloads, 5)
	ids := map[string]bool{}
	for i, payload := range payloads {
		msg, err := message.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), msg.Sequence)
		assert.Equal(t, "test-publisher", msg.Sender)
		assert.False(t, ids[msg.MessageID], "message IDs must be unique")
		ids[msg.MessageID] = true
	}
}

func TestDisconnectedAttemptsAreSkipped(t *testing.T) {
	conn := &fakeConn{connected: false}
	p := newPublisher(conn, 3)

	require.NoError(t, p.Run(context.Background()))

	sum := p.Summary()
	assert.Equal(t, uint64(3), sum.Attempted)
	assert.Equal(t, uint64(3), sum.Skipped)
	assert.Equal(t, uint64(0), sum.Acked)
	// Sequence numbers are consumed even when nothing goes out.
	assert.Equal(t, uint64(3), sum.LastSequence)
	assert.Empty(t, conn.published())
}

func TestNotConnectedAckIsSkippedNotFailed(t *testing.T) {
	conn := &fakeConn{connected: true, ackErr: transport.ErrNotConnected}
	p := newPublisher(conn, 2)

	require.NoError(t, p.Run(context.Background()))

	sum := p.Summary()
	assert.Equal(t, uint64(2), sum.Skipped)
	assert.Equal(t, uint64(0), sum.Failed)
}

func TestFailedAcksAreCounted(t *testing.T) {
	conn := &fakeConn{connected: true, ackErr: errors.New("puback timeout")}
	p := newPublisher(conn, 4)

	require.NoError(t, p.Run(context.Background()))

	sum := p.Summary()
	assert.Equal(t, uint64(4), sum.Attempted)
	assert.Equal(t, uint64(4), sum.Failed)
	assert.Equal(t, uint64(0), sum.Acked)
}

func TestCancellationStopsRun(t *testing.T) {
	conn := &fakeConn{connected: true}
	p := newPublisher(conn, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return p.Summary().Attempted >= 2
	}, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.GreaterOrEqual(t, p.Summary().Attempted, uint64(2))
}

func TestReconnectResumesPublishing(t *testing.T) {
	conn := &fakeConn{connected: false}
	p := newPublisher(conn, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return p.Summary().Skipped >= 2
	}, 2*time.Second, time.Millisecond)

	conn.setConnected(true)
	assert.Eventually(t, func() bool {
		return p.Summary().Acked >= 2
	}, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// Sequences keep climbing across the outage.
	sum := p.Summary()
	assert.Equal(t, sum.Attempted, sum.LastSequence)
}
