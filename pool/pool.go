// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool manages the fleet of shared-subscription consumers: it
// brings them up with paced connects, reports their delivery counters on an
// interval, and tears them down together.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/queueprobe/chaos"
	"github.com/absmach/queueprobe/lifecycle"
	"github.com/absmach/queueprobe/otel"
	"github.com/absmach/queueprobe/track"
	"github.com/absmach/queueprobe/transport"
	"golang.org/x/time/rate"
)

// Pool errors.
var (
	ErrAlreadyStarted = errors.New("pool already started")
	ErrNoFactory      = errors.New("transport factory builder is required")
)

// Status classifies the fleet at report time.
type Status string

const (
	// StatusQueuing means at least one consumer is offline, so its share
	// of the group's messages is accumulating in its persistent session.
	StatusQueuing Status = "queuing"
	// StatusHealthy means every consumer is connected and messages have
	// been delivered.
	StatusHealthy Status = "healthy"
	// StatusIdle means every consumer is connected but nothing has
	// arrived yet.
	StatusIdle Status = "idle"
)

// Options configures a consumer pool.
type Options struct {
	// Count is the number of consumers in the shared group.
	Count int
	// ClientIDPrefix forms each client identity as
	// "<prefix>-subscriber-<NN>".
	ClientIDPrefix string
	// SharedFilter is the shared-subscription filter every consumer
	// subscribes to.
	SharedFilter string

	// NewFactory builds a transport factory for one client identity.
	NewFactory func(clientID string) transport.Factory

	ConnectTimeout  time.Duration
	ProcessingDelay time.Duration
	// StartPacing spaces out the initial connects so the broker sees the
	// group members join one at a time.
	StartPacing time.Duration
	// ReportInterval paces RunReporter. Defaults to 10s.
	ReportInterval time.Duration

	Logger  *slog.Logger
	Metrics *otel.Metrics
}

type consumer struct {
	id      string
	mgr     *lifecycle.Manager
	tracker *track.Tracker
}

// ConsumerReport is one consumer's slice of a Report.
type ConsumerReport struct {
	SubscriberID string
	ClientID     string
	Connected    bool
	State        string
	Total        uint64
	Distinct     int
}

// Report is a point-in-time view of the fleet.
type Report struct {
	Status    Status
	Connected int
	Total     uint64
	// Distinct counts unique message IDs across the whole group. With a
	// shared subscription it should track the publisher's output even
	// while individual consumers are offline.
	Distinct  int
	Consumers []ConsumerReport
}

// Pool owns Count consumer managers and their trackers.
type Pool struct {
	opts      Options
	consumers []*consumer
	logger    *slog.Logger
	limiter   *rate.Limiter

	mu        sync.Mutex
	started   bool
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New builds the pool's managers. Nothing connects until StartAll.
func New(opts Options) (*Pool, error) {
	if opts.NewFactory == nil {
		return nil, ErrNoFactory
	}
	if opts.Count < 1 {
		return nil, fmt.Errorf("consumer count must be at least 1, got %d", opts.Count)
	}
	if opts.ClientIDPrefix == "" {
		return nil, errors.New("client ID prefix is required")
	}
	if opts.StartPacing <= 0 {
		opts.StartPacing = time.Second
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pool{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "pool")),
		limiter: rate.NewLimiter(rate.Every(opts.StartPacing), 1),
	}

	for i := 0; i < opts.Count; i++ {
		id := fmt.Sprintf("%02d", i+1)
		clientID := fmt.Sprintf("%s-subscriber-%s", opts.ClientIDPrefix, id)
		tracker := track.New()
		mgr, err := lifecycle.New(lifecycle.Options{
			SubscriberID:    id,
			ClientID:        clientID,
			Factory:         opts.NewFactory(clientID),
			SharedFilter:    opts.SharedFilter,
			ConnectTimeout:  opts.ConnectTimeout,
			ProcessingDelay: opts.ProcessingDelay,
			Tracker:         tracker,
			Logger:          opts.Logger,
			Metrics:         opts.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", id, err)
		}
		p.consumers = append(p.consumers, &consumer{id: id, mgr: mgr, tracker: tracker})
	}

	return p, nil
}

// StartAll starts every consumer's event loop and connects them one by one,
// paced by StartPacing. A consumer that fails to connect is logged and left
// behind; the rest still come up. The returned count is how many connected.
func (p *Pool) StartAll(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return 0, ErrAlreadyStarted
	}
	p.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	p.runCancel = cancel
	p.mu.Unlock()

	connected := 0
	for _, c := range p.consumers {
		if err := p.limiter.Wait(ctx); err != nil {
			return connected, err
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			c.mgr.Run(runCtx)
		}()

		info, err := c.mgr.Connect(ctx)
		if err != nil {
			p.logger.Error("Consumer failed to connect",
				slog.String("subscriber_id", c.id), slog.Any("error", err))
			continue
		}
		connected++
		p.logger.Info("Consumer started",
			slog.String("subscriber_id", c.id),
			slog.String("client_id", c.mgr.ClientID()),
			slog.Bool("session_present", info.SessionPresent))
	}

	p.logger.Info("Consumer pool started",
		slog.Int("connected", connected), slog.Int("total", len(p.consumers)))
	return connected, nil
}

// StopAll disconnects every consumer and stops their event loops. Consumers
// that are already disconnected are fine; errors from the rest are joined.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.runCancel
	p.runCancel = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range p.consumers {
		if err := c.mgr.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("consumer %s: %w", c.id, err))
		}
	}

	if cancel != nil {
		cancel()
		p.wg.Wait()
	}

	p.logger.Info("Consumer pool stopped")
	return errors.Join(errs...)
}

// Targets exposes the consumers to the disconnect simulator.
func (p *Pool) Targets() []chaos.Target {
	targets := make([]chaos.Target, 0, len(p.consumers))
	for _, c := range p.consumers {
		targets = append(targets, c.mgr)
	}
	return targets
}

// Managers returns the underlying lifecycle managers, in subscriber order.
func (p *Pool) Managers() []*lifecycle.Manager {
	mgrs := make([]*lifecycle.Manager, 0, len(p.consumers))
	for _, c := range p.consumers {
		mgrs = append(mgrs, c.mgr)
	}
	return mgrs
}

// Report snapshots every tracker and classifies the fleet.
func (p *Pool) Report() Report {
	r := Report{Consumers: make([]ConsumerReport, 0, len(p.consumers))}
	distinct := make(map[string]struct{})

	for _, c := range p.consumers {
		snap := c.tracker.Snapshot()
		conn := c.mgr.IsConnected()
		if conn {
			r.Connected++
		}
		for _, id := range snap.MessageIDs {
			distinct[id] = struct{}{}
		}
		r.Total += snap.Total
		r.Consumers = append(r.Consumers, ConsumerReport{
			SubscriberID: c.id,
			ClientID:     c.mgr.ClientID(),
			Connected:    conn,
			State:        c.mgr.State().String(),
			Total:        snap.Total,
			Distinct:     len(snap.MessageIDs),
		})
	}

	r.Distinct = len(distinct)
	switch {
	case r.Connected < len(p.consumers):
		r.Status = StatusQueuing
	case r.Total > 0:
		r.Status = StatusHealthy
	default:
		r.Status = StatusIdle
	}
	return r
}

// RunReporter logs a delivery report every ReportInterval until the context
// is cancelled, then logs a final one.
func (p *Pool) RunReporter(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logReport("Final delivery report")
			return
		case <-ticker.C:
			p.logReport("Delivery report")
		}
	}
}

func (p *Pool) logReport(msg string) {
	r := p.Report()
	p.logger.Info(msg,
		slog.String("status", string(r.Status)),
		slog.Int("connected", r.Connected),
		slog.Int("consumers", len(r.Consumers)),
		slog.Uint64("total_received", r.Total),
		slog.Int("distinct_messages", r.Distinct))
	for _, c := range r.Consumers {
		p.logger.Info("Subscriber stats",
			slog.String("subscriber_id", c.SubscriberID),
			slog.Bool("connected", c.Connected),
			slog.String("state", c.State),
			slog.Uint64("total", c.Total),
			slog.Int("distinct", c.Distinct))
	}
}
