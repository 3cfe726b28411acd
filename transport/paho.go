// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config holds the settings for a paho-backed transport.
type Config struct {
	// BrokerURL is the full broker URL, e.g. tls://host:8883 or
	// tcp://host:1883.
	BrokerURL string
	// ClientID must be stable across reconnects so the broker associates
	// the connection with the same persistent session.
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// CleanSession false requests a persistent session.
	CleanSession bool
	TLS          *tls.Config
}

// NewTLSConfig builds a mutual-TLS configuration from PEM files.
func NewTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Paho implements Transport over github.com/eclipse/paho.mqtt.golang.
type Paho struct {
	client  paho.Client
	cfg     Config
	cb      Callbacks
	timeout time.Duration

	// expectConnect marks a connect initiated through Connect, so the
	// library's OnConnect handler can tell it apart from an automatic
	// reconnect.
	expectConnect atomic.Bool
}

// NewPahoFactory returns a Factory producing paho transports for the given
// configuration.
func NewPahoFactory(cfg Config) Factory {
	return func(cb Callbacks) (Transport, error) {
		return NewPaho(cfg, cb)
	}
}

// NewPaho creates a paho-backed transport. The connection is not opened
// until Connect is called.
func NewPaho(cfg Config, cb Callbacks) (*Paho, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker URL cannot be empty")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID cannot be empty")
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	t := &Paho{cfg: cfg, cb: cb, timeout: timeout}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(cfg.CleanSession).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetResumeSubs(true).
		SetOrderMatters(false)

	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		if t.cb.OnInterrupted != nil {
			t.cb.OnInterrupted(err)
		}
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		// The connect initiated by Connect reports its result through the
		// token; only automatic reconnects surface as a resume. The library
		// does not expose the CONNACK session-present flag here, but with a
		// persistent session requested the broker retains state across the
		// gap, which is what the flag would report.
		if t.expectConnect.CompareAndSwap(true, false) {
			return
		}
		if t.cb.OnResumed != nil {
			t.cb.OnResumed(!t.cfg.CleanSession)
		}
	})

	t.client = paho.NewClient(opts)
	return t, nil
}

// Connect opens the connection and waits for the broker's CONNACK.
func (t *Paho) Connect(ctx context.Context) (ConnectResult, error) {
	t.expectConnect.Store(true)

	token := t.client.Connect()
	if !t.wait(ctx, token) {
		t.expectConnect.Store(false)
		return ConnectResult{}, ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		t.expectConnect.Store(false)
		return ConnectResult{}, fmt.Errorf("connect: %w", err)
	}

	res := ConnectResult{}
	if ct, ok := token.(*paho.ConnectToken); ok {
		res.SessionPresent = ct.SessionPresent()
	}
	return res, nil
}

// Subscribe registers the filter and waits for the SUBACK.
func (t *Paho) Subscribe(ctx context.Context, filter string, qos byte) error {
	token := t.client.Subscribe(filter, qos, func(_ paho.Client, m paho.Message) {
		if t.cb.OnMessage != nil {
			t.cb.OnMessage(m.Topic(), m.Payload(), m.Qos(), m.Duplicate())
		}
	})
	if !t.wait(ctx, token) {
		return ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Publish sends the payload and reports the acknowledgement asynchronously
// through done.
func (t *Paho) Publish(topic string, qos byte, payload []byte, done func(error)) {
	token := t.client.Publish(topic, qos, false, payload)
	if done == nil {
		return
	}
	go func() {
		if !token.WaitTimeout(t.timeout) {
			done(ErrPublishTimeout)
			return
		}
		done(token.Error())
	}()
}

// Disconnect closes the connection, allowing a short quiesce for in-flight
// acknowledgements. The call is unconditional: the library's Disconnect
// also aborts an automatic reconnect in progress, and without that a
// session could resurface after the harness reported this client stopped.
// Disconnecting a never-connected transport is harmless.
func (t *Paho) Disconnect(ctx context.Context) error {
	t.client.Disconnect(250)
	return nil
}

// wait blocks on a token until completion, context cancellation, or the
// configured timeout.
func (t *Paho) wait(ctx context.Context, token paho.Token) bool {
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	select {
	case <-token.Done():
		return true
	case <-ctx.Done():
		return false
	case <-time.After(time.Until(deadline)):
		return false
	}
}
