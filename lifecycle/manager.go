// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle implements the connection lifecycle manager: one per
// shared-subscription consumer and one for the publisher. A manager owns a
// single transport, drives its connect/disconnect cycle, and feeds inbound
// messages into its tracker.
//
// The transport's asynchronous callbacks do not mutate manager state
// directly. They push typed events onto the manager's channel, and Run
// drains that channel on a single goroutine, so handler logic never races
// with itself even though the transport is multi-threaded.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/queueprobe/message"
	"github.com/absmach/queueprobe/otel"
	"github.com/absmach/queueprobe/track"
	"github.com/absmach/queueprobe/transport"
)

// Manager errors.
var (
	ErrAlreadyConnected = errors.New("manager already connected")
	ErrNoFactory        = errors.New("transport factory is required")
	ErrNoClientID       = errors.New("client ID is required")
)

// eventBuffer must stay comfortably above the largest backlog a resumed
// session can flush at once (the publisher's whole message budget, 20 by
// default). Past the buffer, transport delivery goroutines block behind
// the per-message processing delay until Run catches up.
const eventBuffer = 256

// SessionInfo reports the outcome of a successful connect.
type SessionInfo struct {
	SessionPresent bool
}

// Options configures a Manager.
type Options struct {
	// SubscriberID is the human-readable ordinal ("01"). Empty for the
	// publisher.
	SubscriberID string
	// ClientID must be stable across reconnects so the broker resumes the
	// same persistent session.
	ClientID string
	Factory  transport.Factory

	// SharedFilter, when non-empty, is subscribed to at QoS1 during
	// Connect. Empty selects producer mode.
	SharedFilter string

	ConnectTimeout time.Duration
	// ProcessingDelay simulates consumer work per message. It runs on the
	// manager's event goroutine, off the transport's delivery path.
	ProcessingDelay time.Duration

	// Tracker receives every decoded message. Required in consumer mode.
	Tracker *track.Tracker
	Logger  *slog.Logger
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *otel.Metrics
}

type interruptedEvent struct{ err error }

type resumedEvent struct{ sessionPresent bool }

type messageEvent struct {
	topic     string
	payload   []byte
	qos       byte
	duplicate bool
}

// Manager owns one transport and its connection state machine.
type Manager struct {
	opts    Options
	tr      transport.Transport
	state   *stateManager
	tracker *track.Tracker
	logger  *slog.Logger

	events chan any

	// connMu serializes Connect and Disconnect against each other. The
	// transport's callbacks never take it.
	connMu sync.Mutex

	// outage guards against overlapping simulated outages.
	outage atomic.Bool
}

// New creates a manager and its transport. The transport stays closed until
// Connect.
func New(opts Options) (*Manager, error) {
	if opts.Factory == nil {
		return nil, ErrNoFactory
	}
	if opts.ClientID == "" {
		return nil, ErrNoClientID
	}
	if opts.SharedFilter != "" && opts.Tracker == nil {
		return nil, errors.New("consumer mode requires a tracker")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		opts:    opts,
		state:   newStateManager(),
		tracker: opts.Tracker,
		logger:  opts.Logger.With("client_id", opts.ClientID),
		events:  make(chan any, eventBuffer),
	}

	tr, err := opts.Factory(transport.Callbacks{
		OnInterrupted: func(err error) { m.events <- interruptedEvent{err: err} },
		OnResumed:     func(present bool) { m.events <- resumedEvent{sessionPresent: present} },
		OnMessage: func(topic string, payload []byte, qos byte, dup bool) {
			m.events <- messageEvent{topic: topic, payload: payload, qos: qos, duplicate: dup}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	m.tr = tr

	return m, nil
}

// Run drains transport events until the context is cancelled. It must be
// running for interruptions, resumptions, and message arrivals to take
// effect.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case interruptedEvent:
		// An interrupt arriving while already disconnected (or mid
		// simulated outage) carries no new information.
		if m.state.transitionFrom(StateInterrupted, StateConnected, StateConnecting) {
			m.consumerGauge(ctx, -1)
			m.logger.Warn("Connection interrupted", "error", e.err)
		}
	case resumedEvent:
		m.state.set(StateConnected)
		m.consumerGauge(ctx, 1)
		m.logger.Info("Connection resumed", "session_present", e.sessionPresent)
		if e.sessionPresent {
			m.logger.Info("Expecting queued messages on resumed session")
		}
	case messageEvent:
		m.handleMessage(ctx, e)
	}
}

func (m *Manager) handleMessage(ctx context.Context, e messageEvent) {
	if m.tracker == nil {
		return
	}

	msg, err := message.Decode(e.payload)
	if err != nil {
		m.logger.Error("Failed to decode message", "topic", e.topic, "error", err)
		return
	}

	if m.opts.ProcessingDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.ProcessingDelay):
		}
	}

	out := m.tracker.Record(e.topic, e.qos, msg)
	m.opts.Metrics.MessageReceived(ctx, m.opts.SubscriberID, !out.IsNew || e.duplicate)
	m.logger.Info("Message received",
		"message_id", msg.MessageID,
		"sequence", msg.Sequence,
		"sender", msg.Sender,
		"total", out.Total,
		"redelivery", !out.IsNew || e.duplicate)
}

// Connect establishes the connection, bounded by the configured timeout,
// and in consumer mode subscribes to the shared filter at QoS1 within the
// same bound. On failure the manager is left Disconnected.
func (m *Manager) Connect(ctx context.Context) (SessionInfo, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if !m.state.transitionFrom(StateConnecting,
		StateDisconnected, StateInterrupted, StateReconnectPending) {
		return SessionInfo{}, ErrAlreadyConnected
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	res, err := m.tr.Connect(cctx)
	if err != nil {
		m.state.set(StateDisconnected)
		m.logger.Error("Connect failed", "error", err)
		return SessionInfo{}, err
	}

	if m.opts.SharedFilter != "" {
		if err := m.tr.Subscribe(cctx, m.opts.SharedFilter, transport.QoS1); err != nil {
			_ = m.tr.Disconnect(cctx)
			m.state.set(StateDisconnected)
			m.logger.Error("Subscribe failed", "filter", m.opts.SharedFilter, "error", err)
			return SessionInfo{}, err
		}
		m.logger.Info("Shared subscription registered",
			"filter", m.opts.SharedFilter, "session_present", res.SessionPresent)
	}

	m.state.set(StateConnected)
	m.consumerGauge(ctx, 1)
	m.logger.Info("Connected", "session_present", res.SessionPresent)
	return SessionInfo{SessionPresent: res.SessionPresent}, nil
}

// Disconnect tears the connection down. Calling it on an already
// disconnected manager is success, and a transport that reports "not
// connected" is treated the same way.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	prev := m.state.get()
	switch prev {
	case StateDisconnected, StateReconnectPending:
		return nil
	}

	err := m.tr.Disconnect(ctx)
	m.state.set(StateDisconnected)
	if prev == StateConnected || prev == StateConnecting {
		// An Interrupted manager already left the gauge.
		m.consumerGauge(ctx, -1)
	}
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		m.logger.Error("Disconnect failed", "error", err)
		return fmt.Errorf("disconnect: %w", err)
	}
	m.logger.Info("Disconnected")
	return nil
}

// Publish forwards to the transport; producer mode only.
func (m *Manager) Publish(topic string, qos byte, payload []byte, done func(error)) {
	m.tr.Publish(topic, qos, payload, done)
}

// consumerGauge moves the connected-consumers gauge; producer connections
// are not counted.
func (m *Manager) consumerGauge(ctx context.Context, delta int64) {
	if m.opts.SharedFilter == "" {
		return
	}
	m.opts.Metrics.ConsumersConnected(ctx, delta)
}

// BeginOutage claims the manager for one simulated outage. It fails when an
// outage is already in flight, so the chaos driver never schedules two
// overlapping reconnects for the same manager.
func (m *Manager) BeginOutage() bool {
	return m.outage.CompareAndSwap(false, true)
}

// MarkReconnectPending flags that a scheduled reconnect will follow the
// forced disconnect of a simulated outage.
func (m *Manager) MarkReconnectPending() {
	m.state.transition(StateDisconnected, StateReconnectPending)
}

// EndOutage releases the outage claim.
func (m *Manager) EndOutage() {
	m.outage.Store(false)
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.state.get()
}

// IsConnected reports whether the manager is currently connected.
func (m *Manager) IsConnected() bool {
	return m.state.isConnected()
}

// SubscriberID returns the human-readable ordinal, empty for the publisher.
func (m *Manager) SubscriberID() string {
	return m.opts.SubscriberID
}

// ClientID returns the stable client identity.
func (m *Manager) ClientID() string {
	return m.opts.ClientID
}

// Tracker returns the manager's tracker, nil in producer mode.
func (m *Manager) Tracker() *track.Tracker {
	return m.tracker
}
