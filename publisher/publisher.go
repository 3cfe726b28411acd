// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package publisher emits sequenced probe messages at a fixed pace over an
// MQTT connection, tracking the fate of every attempt so a run can be
// reconciled against what the consumer side recorded.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/queueprobe/message"
	"github.com/absmach/queueprobe/otel"
	"github.com/absmach/queueprobe/transport"
	"golang.org/x/time/rate"
)

// Conn is the slice of the connection lifecycle the publisher needs.
type Conn interface {
	IsConnected() bool
	Publish(topic string, qos byte, payload []byte, done func(error))
}

// Config configures a publishing loop.
type Config struct {
	// Topic is the concrete topic messages are published to.
	Topic string
	// Sender identifies this publisher in message payloads.
	Sender string
	// Interval is the pacing between publish attempts.
	Interval time.Duration
	// MaxMessages stops the loop after that many attempts. Zero means
	// run until the context is cancelled.
	MaxMessages int
}

// Summary is a point-in-time snapshot of publish outcomes.
type Summary struct {
	Attempted uint64
	Acked     uint64
	Failed    uint64
	Skipped   uint64
	// LastSequence is the sequence number of the most recent attempt.
	LastSequence uint64
}

// Publisher drives a paced loop of QoS1 publishes. Every attempt consumes a
// sequence number and carries a fresh message ID, so a skipped or failed
// attempt leaves a visible gap on the consumer side rather than being
// silently retried under the same identity.
type Publisher struct {
	cfg     Config
	conn    Conn
	logger  *slog.Logger
	metrics *otel.Metrics
	limiter *rate.Limiter

	seq       atomic.Uint64
	attempted atomic.Uint64
	acked     atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64

	wg sync.WaitGroup
}

// New creates a publisher over conn. The logger must not be nil; metrics may
// be.
func New(cfg Config, conn Conn, logger *slog.Logger, metrics *otel.Metrics) *Publisher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{
		cfg:     cfg,
		conn:    conn,
		logger:  logger.With(slog.String("component", "publisher")),
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Run publishes until the context is cancelled or MaxMessages attempts have
// been made. It waits for outstanding acks before returning, so Summary is
// stable once Run comes back. Cancellation is a normal way to stop and is
// not reported as an error.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.wg.Wait()

	for {
		if p.cfg.MaxMessages > 0 && p.attempted.Load() >= uint64(p.cfg.MaxMessages) {
			p.logger.Info("publish budget exhausted", slog.Int("max_messages", p.cfg.MaxMessages))
			return nil
		}
		if err := p.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		p.publishOnce(ctx)
	}
}

// publishOnce makes a single attempt. The sequence number advances whether or
// not the attempt goes out on the wire.
func (p *Publisher) publishOnce(ctx context.Context) {
	seq := p.seq.Add(1)
	p.attempted.Add(1)

	if !p.conn.IsConnected() {
		p.skipped.Add(1)
		p.metrics.PublishOutcome(ctx, otel.PublishSkipped)
		p.logger.Debug("skipping publish, not connected", slog.Uint64("sequence", seq))
		return
	}

	msg := message.New(p.cfg.Sender, seq)
	payload, err := msg.Encode()
	if err != nil {
		p.failed.Add(1)
		p.metrics.PublishOutcome(ctx, otel.PublishFailed)
		p.logger.Error("failed to encode message", slog.Uint64("sequence", seq), slog.Any("error", err))
		return
	}

	p.wg.Add(1)
	p.conn.Publish(p.cfg.Topic, transport.QoS1, payload, func(err error) {
		defer p.wg.Done()
		switch {
		case err == nil:
			p.acked.Add(1)
			p.metrics.PublishOutcome(ctx, otel.PublishAcked)
			p.logger.Info("published message",
				slog.String("message_id", msg.MessageID),
				slog.Uint64("sequence", seq),
			)
		case errors.Is(err, transport.ErrNotConnected):
			// The connection dropped between the check and the send.
			// Same as the pre-flight skip: the sequence gap is the record.
			p.skipped.Add(1)
			p.metrics.PublishOutcome(ctx, otel.PublishSkipped)
			p.logger.Warn("publish raced a disconnect", slog.Uint64("sequence", seq))
		default:
			p.failed.Add(1)
			p.metrics.PublishOutcome(ctx, otel.PublishFailed)
			p.logger.Error("publish failed", slog.Uint64("sequence", seq), slog.Any("error", err))
		}
	})
}

// Summary returns the outcome counters so far.
func (p *Publisher) Summary() Summary {
	return Summary{
		Attempted:    p.attempted.Load(),
		Acked:        p.acked.Load(),
		Failed:       p.failed.Load(),
		Skipped:      p.skipped.Load(),
		LastSequence: p.seq.Load(),
	}
}
