// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chaos

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/queueprobe/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	id string

	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	pending     bool

	outage atomic.Bool
}

func newFakeTarget(id string) *fakeTarget {
	return &fakeTarget{id: id, connected: true}
}

func (t *fakeTarget) SubscriberID() string { return t.id }

func (t *fakeTarget) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTarget) BeginOutage() bool { return t.outage.CompareAndSwap(false, true) }
func (t *fakeTarget) EndOutage()        { t.outage.Store(false) }

func (t *fakeTarget) MarkReconnectPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = true
}

func (t *fakeTarget) Connect(context.Context) (lifecycle.SessionInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	t.pending = false
	t.connects++
	return lifecycle.SessionInfo{SessionPresent: true}, nil
}

func (t *fakeTarget) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.disconnects++
	return nil
}

func (t *fakeTarget) counts() (connects, disconnects int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects, t.disconnects
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		MinWait:   time.Millisecond,
		MaxWait:   5 * time.Millisecond,
		MinOutage: time.Millisecond,
		MaxOutage: 5 * time.Millisecond,
		Seed:      1,
	}
}

func TestOutageCycleDisconnectsThenReconnects(t *testing.T) {
	target := newFakeTarget("01")
	s := New(fastConfig(), quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, []Target{target})
		close(done)
	}()

	assert.Eventually(t, func() bool {
		connects, disconnects := target.counts()
		return disconnects >= 1 && connects >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.True(t, s.Outages() >= 1)
	// Every begun outage was released.
	assert.True(t, target.BeginOutage())
}

func TestStrikeSkipsTargetMidOutage(t *testing.T) {
	target := newFakeTarget("01")
	require.True(t, target.BeginOutage())

	s := New(fastConfig(), quietLogger(), nil)
	s.strike(context.Background(), []Target{target})
	s.wg.Wait()

	_, disconnects := target.counts()
	assert.Equal(t, 0, disconnects)
	assert.Equal(t, uint64(0), s.Outages())
}

func TestStrikeIgnoresDisconnectedTargets(t *testing.T) {
	target := newFakeTarget("01")
	target.mu.Lock()
	target.connected = false
	target.mu.Unlock()

	s := New(fastConfig(), quietLogger(), nil)
	s.strike(context.Background(), []Target{target})
	s.wg.Wait()

	_, disconnects := target.counts()
	assert.Equal(t, 0, disconnects)
}

func TestCancelDuringOutageLeavesNoDanglingReconnect(t *testing.T) {
	target := newFakeTarget("01")
	cfg := fastConfig()
	cfg.MinOutage = time.Hour
	cfg.MaxOutage = time.Hour

	s := New(cfg, quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, []Target{target})
		close(done)
	}()

	// Wait for the forced disconnect; the reconnect is now an hour out.
	assert.Eventually(t, func() bool {
		_, disconnects := target.counts()
		return disconnects == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// The scheduled reconnect was cancelled, not deferred.
	connects, _ := target.counts()
	assert.Equal(t, 0, connects)
	assert.False(t, target.IsConnected())
	// And its outage claim was released on the way out.
	assert.True(t, target.BeginOutage())
}

func TestRandDurationBounds(t *testing.T) {
	s := New(Config{Seed: 42}, quietLogger(), nil)
	for i := 0; i < 100; i++ {
		d := s.randDuration(5*time.Second, 15*time.Second)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.Less(t, d, 15*time.Second)
	}
	assert.Equal(t, time.Second, s.randDuration(time.Second, time.Second))
}
