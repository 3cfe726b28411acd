// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package chaos injects connection failures into the consumer pool. At
// randomized intervals it picks one connected consumer, forces a
// disconnect, and schedules a reconnect after a second random delay. That
// window is where the broker must queue the consumer's share of the
// traffic.
package chaos

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/queueprobe/lifecycle"
	"github.com/absmach/queueprobe/otel"
)

// Target is the surface the simulator needs from a lifecycle manager.
type Target interface {
	SubscriberID() string
	IsConnected() bool
	BeginOutage() bool
	MarkReconnectPending()
	EndOutage()
	Connect(ctx context.Context) (lifecycle.SessionInfo, error)
	Disconnect(ctx context.Context) error
}

// Config holds the simulator's timing ranges.
type Config struct {
	// Wait range between injection attempts.
	MinWait time.Duration
	MaxWait time.Duration
	// Duration range of one simulated outage.
	MinOutage time.Duration
	MaxOutage time.Duration
	// Seed fixes the random source; 0 seeds from the clock.
	Seed int64
}

// Simulator drives random disconnect/reconnect cycles across a pool.
type Simulator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *otel.Metrics

	rngMu sync.Mutex
	rng   *rand.Rand

	// wg tracks scheduled reconnects so Run never returns while one is
	// still pending.
	wg      sync.WaitGroup
	outages atomic.Uint64
}

// New creates a simulator.
func New(cfg Config, logger *slog.Logger, metrics *otel.Metrics) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		cfg:     cfg,
		logger:  logger.With("component", "chaos"),
		metrics: metrics,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Outages returns the number of outages injected so far.
func (s *Simulator) Outages() uint64 {
	return s.outages.Load()
}

// Run injects outages until the context is cancelled, then waits for every
// scheduled reconnect goroutine to finish. No reconnect fires after Run
// returns.
func (s *Simulator) Run(ctx context.Context, targets []Target) {
	defer s.wg.Wait()

	s.logger.Info("Disconnect simulation started",
		"targets", len(targets),
		"min_wait", s.cfg.MinWait,
		"max_wait", s.cfg.MaxWait)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Disconnect simulation stopping")
			return
		case <-time.After(s.randDuration(s.cfg.MinWait, s.cfg.MaxWait)):
			s.strike(ctx, targets)
		}
	}
}

// strike picks one connected target and starts an outage cycle on it. A
// cycle with no eligible target is a no-op.
func (s *Simulator) strike(ctx context.Context, targets []Target) {
	var connected []Target
	for _, t := range targets {
		if t.IsConnected() {
			connected = append(connected, t)
		}
	}
	if len(connected) == 0 {
		return
	}

	target := connected[s.randIntn(len(connected))]
	if !target.BeginOutage() {
		// A previous outage on this target is still in flight.
		return
	}

	duration := s.randDuration(s.cfg.MinOutage, s.cfg.MaxOutage)
	s.logger.Info("Simulating outage",
		"subscriber", target.SubscriberID(),
		"duration", duration)

	if err := target.Disconnect(ctx); err != nil {
		s.logger.Error("Forced disconnect failed",
			"subscriber", target.SubscriberID(), "error", err)
		target.EndOutage()
		return
	}
	target.MarkReconnectPending()
	s.outages.Add(1)
	s.metrics.OutageInjected(ctx, target.SubscriberID())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer target.EndOutage()

		select {
		case <-ctx.Done():
			// Shutdown cancels the pending reconnect; the pool's StopAll
			// owns the final state.
			return
		case <-time.After(duration):
		}

		s.logger.Info("Reconnecting after outage", "subscriber", target.SubscriberID())
		if _, err := target.Connect(ctx); err != nil {
			s.logger.Error("Reconnect after outage failed",
				"subscriber", target.SubscriberID(), "error", err)
		}
	}()
}

func (s *Simulator) randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return min + time.Duration(s.rng.Int63n(int64(max-min)))
}

func (s *Simulator) randIntn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}
