// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/absmach/queueprobe/topics"
)

// FakeBroker is a deterministic in-memory broker for tests. It implements
// the semantics the harness depends on: persistent sessions keyed by client
// ID, shared subscriptions with strict round-robin dispatch, and queuing of
// messages routed to a disconnected persistent member until it reconnects.
//
// Round-robin runs over all persistent group members, connected or not, so
// tests can provoke queuing deterministically.
type FakeBroker struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	groups   map[string]*topics.Group
}

type fakeSession struct {
	clientID   string
	persistent bool
	connected  bool
	// detached is set by a deliberate Disconnect. Restore imitates a
	// transport's auto-reconnect, and a deliberate disconnect disarms
	// that, so detached sessions stay down until an explicit Connect.
	detached bool
	cb       Callbacks
	subs     []string
	queue    []fakeDelivery
	last     *fakeDelivery
}

type fakeDelivery struct {
	topic     string
	payload   []byte
	qos       byte
	duplicate bool
}

// NewFakeBroker creates an empty fake broker.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		sessions: make(map[string]*fakeSession),
		groups:   make(map[string]*topics.Group),
	}
}

// Factory returns a transport Factory for one client of this broker.
func (b *FakeBroker) Factory(clientID string, cleanSession bool) Factory {
	return func(cb Callbacks) (Transport, error) {
		return b.NewTransport(clientID, cleanSession, cb), nil
	}
}

// NewTransport creates a transport bound to the given client identity.
func (b *FakeBroker) NewTransport(clientID string, cleanSession bool, cb Callbacks) *FakeTransport {
	return &FakeTransport{broker: b, clientID: clientID, cleanSession: cleanSession, cb: cb}
}

// Connected reports whether the client currently holds a connection.
func (b *FakeBroker) Connected(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[clientID]
	return ok && sess.connected
}

// QueuedCount returns the number of messages queued for a disconnected
// persistent session.
func (b *FakeBroker) QueuedCount(clientID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[clientID]
	if !ok {
		return 0
	}
	return len(sess.queue)
}

// Interrupt drops the client's connection from the broker side, firing its
// OnInterrupted callback. The session survives if persistent.
func (b *FakeBroker) Interrupt(clientID string, err error) {
	b.mu.Lock()
	sess, ok := b.sessions[clientID]
	if !ok || !sess.connected {
		b.mu.Unlock()
		return
	}
	sess.connected = false
	cb := sess.cb
	b.mu.Unlock()

	if cb.OnInterrupted != nil {
		cb.OnInterrupted(err)
	}
}

// Restore re-establishes an interrupted connection the way a transport's
// auto-reconnect would: OnResumed fires, then any queued messages flow.
func (b *FakeBroker) Restore(clientID string) {
	b.mu.Lock()
	sess, ok := b.sessions[clientID]
	if !ok || sess.connected || sess.detached {
		b.mu.Unlock()
		return
	}
	sess.connected = true
	cb := sess.cb
	present := sess.persistent
	pending := sess.queue
	sess.queue = nil
	if n := len(pending); n > 0 {
		last := pending[n-1]
		sess.last = &last
	}
	b.mu.Unlock()

	if cb.OnResumed != nil {
		cb.OnResumed(present)
	}
	deliver(cb, pending)
}

// Redeliver re-sends the last message delivered to the client with the
// duplicate flag set, imitating a QoS1 retransmission.
func (b *FakeBroker) Redeliver(clientID string) {
	b.mu.Lock()
	sess, ok := b.sessions[clientID]
	if !ok || !sess.connected || sess.last == nil {
		b.mu.Unlock()
		return
	}
	d := *sess.last
	d.duplicate = true
	cb := sess.cb
	b.mu.Unlock()

	deliver(cb, []fakeDelivery{d})
}

// FakeTransport is one client's view of a FakeBroker.
type FakeTransport struct {
	broker       *FakeBroker
	clientID     string
	cleanSession bool
	cb           Callbacks
}

// Connect registers the session. A persistent session left behind by a
// previous connection is resumed: SessionPresent is true and queued
// messages are delivered.
func (t *FakeTransport) Connect(ctx context.Context) (ConnectResult, error) {
	if err := ctx.Err(); err != nil {
		return ConnectResult{}, err
	}

	b := t.broker
	b.mu.Lock()
	sess, existed := b.sessions[t.clientID]
	present := existed && sess.persistent && !t.cleanSession
	if !present {
		if existed {
			b.removeFromGroupsLocked(t.clientID)
		}
		sess = &fakeSession{clientID: t.clientID, persistent: !t.cleanSession}
		b.sessions[t.clientID] = sess
	}
	sess.connected = true
	sess.detached = false
	sess.cb = t.cb
	pending := sess.queue
	sess.queue = nil
	if n := len(pending); n > 0 {
		last := pending[n-1]
		sess.last = &last
	}
	cb := sess.cb
	b.mu.Unlock()

	deliver(cb, pending)
	return ConnectResult{SessionPresent: present}, nil
}

// Subscribe joins a shared group or registers a plain filter.
func (t *FakeTransport) Subscribe(ctx context.Context, filter string, qos byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[t.clientID]
	if !ok || !sess.connected {
		return ErrNotConnected
	}

	if group, plain, shared := topics.ParseShared(filter); shared {
		key := group + "/" + plain
		g, ok := b.groups[key]
		if !ok {
			g = topics.NewGroup(group, plain)
			b.groups[key] = g
		}
		g.Add(t.clientID)
		return nil
	}

	sess.subs = append(sess.subs, filter)
	return nil
}

// Publish routes the message: round-robin within each matching shared
// group, fan-out to matching plain subscriptions. Messages routed to a
// disconnected persistent session are queued.
func (t *FakeTransport) Publish(topic string, qos byte, payload []byte, done func(error)) {
	b := t.broker
	b.mu.Lock()

	sess, ok := b.sessions[t.clientID]
	if !ok || !sess.connected {
		b.mu.Unlock()
		if done != nil {
			done(ErrNotConnected)
		}
		return
	}

	d := fakeDelivery{topic: topic, payload: payload, qos: qos}
	var out []struct {
		cb Callbacks
		d  fakeDelivery
	}

	route := func(target *fakeSession) {
		if target.connected {
			copied := d
			target.last = &copied
			out = append(out, struct {
				cb Callbacks
				d  fakeDelivery
			}{target.cb, copied})
			return
		}
		if target.persistent {
			target.queue = append(target.queue, d)
		}
	}

	for _, g := range b.groups {
		if !topics.Match(g.Filter, topic) {
			continue
		}
		if member := g.NextMember(); member != "" {
			if target, ok := b.sessions[member]; ok {
				route(target)
			}
		}
	}

	for _, target := range b.sessions {
		for _, filter := range target.subs {
			if topics.Match(filter, topic) {
				route(target)
				break
			}
		}
	}
	b.mu.Unlock()

	for _, o := range out {
		deliver(o.cb, []fakeDelivery{o.d})
	}
	if done != nil {
		done(nil)
	}
}

// Disconnect closes the connection. The session and its queue survive when
// persistent; clean sessions are discarded entirely. A session that is
// already down (interrupted) is still detached, so a pending Restore can
// no longer bring it back.
func (t *FakeTransport) Disconnect(ctx context.Context) error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[t.clientID]
	if !ok {
		return nil
	}
	sess.detached = true
	if !sess.connected {
		return nil
	}
	sess.connected = false
	if !sess.persistent {
		b.removeFromGroupsLocked(t.clientID)
		delete(b.sessions, t.clientID)
	}
	return nil
}

func (b *FakeBroker) removeFromGroupsLocked(clientID string) {
	for key, g := range b.groups {
		g.Remove(clientID)
		if g.Empty() {
			delete(b.groups, key)
		}
	}
}

func deliver(cb Callbacks, deliveries []fakeDelivery) {
	if cb.OnMessage == nil {
		return
	}
	for _, d := range deliveries {
		cb.OnMessage(d.topic, d.payload, d.qos, d.duplicate)
	}
}

var _ Transport = (*FakeTransport)(nil)
