// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport abstracts one logical broker connection. The harness
// core only sees this interface; the production implementation sits on
// paho.mqtt.golang and the tests use the deterministic in-memory broker in
// fake.go.
package transport

import (
	"context"
	"errors"
)

// QoS levels. The harness publishes and subscribes at QoS1 only.
const (
	QoS0 byte = 0
	QoS1 byte = 1
)

// Transport errors.
var (
	ErrConnectTimeout = errors.New("connect timed out")
	ErrNotConnected   = errors.New("transport not connected")
	ErrPublishTimeout = errors.New("publish acknowledgement timed out")
)

// ConnectResult reports the outcome of a successful connect.
type ConnectResult struct {
	// SessionPresent is true when the broker resumed a prior persistent
	// session for this client ID.
	SessionPresent bool
}

// Callbacks are the asynchronous notifications a transport delivers into
// the core. They are invoked from the transport's own goroutines, at any
// time, concurrently with Transport method calls.
type Callbacks struct {
	// OnInterrupted fires when an established connection is lost
	// unexpectedly. Deliberate disconnects do not fire it.
	OnInterrupted func(err error)
	// OnResumed fires when the transport's own reconnect restores the
	// connection.
	OnResumed func(sessionPresent bool)
	// OnMessage fires for every inbound publish.
	OnMessage func(topic string, payload []byte, qos byte, duplicate bool)
}

// Transport is one logical connection to the broker.
type Transport interface {
	// Connect establishes the connection, blocking until the broker
	// acknowledges or the context deadline passes.
	Connect(ctx context.Context) (ConnectResult, error)

	// Subscribe registers a topic filter, blocking until the subscribe is
	// acknowledged or the context deadline passes.
	Subscribe(ctx context.Context, filter string, qos byte) error

	// Publish sends a message without blocking. The done callback is
	// invoked from another goroutine once the broker acknowledges the
	// publish or it fails; done may be nil.
	Publish(topic string, qos byte, payload []byte, done func(error))

	// Disconnect tears the connection down. Returns nil when already
	// disconnected.
	Disconnect(ctx context.Context) error
}

// Factory builds a transport wired to the given callbacks. The lifecycle
// manager owns the callbacks, so transports are created through a factory
// rather than handed in directly.
type Factory func(cb Callbacks) (Transport, error)
