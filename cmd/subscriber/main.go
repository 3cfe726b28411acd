// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/queueprobe/chaos"
	"github.com/absmach/queueprobe/config"
	"github.com/absmach/queueprobe/internal/bootstrap"
	"github.com/absmach/queueprobe/otel"
	"github.com/absmach/queueprobe/pool"
	"github.com/absmach/queueprobe/transport"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := bootstrap.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting shared-subscription consumers",
		"broker", cfg.BrokerAddr(),
		"filter", cfg.SharedTopic(),
		"subscribers", cfg.Harness.Subscribers,
		"chaos_enabled", cfg.Chaos.Enabled,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry export is optional; the harness runs fine without a
	// collector.
	var metrics *otel.Metrics
	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Otel, "subscriber")
		if err != nil {
			slog.Error("Failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("Telemetry shutdown failed", "error", err)
			}
		}()
		if cfg.Otel.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}
	}

	// Persistent sessions are the point: the broker must queue each
	// consumer's share while it is offline.
	transportCfg, err := bootstrap.TransportConfig(cfg, false)
	if err != nil {
		slog.Error("Failed to build transport configuration", "error", err)
		os.Exit(1)
	}

	p, err := pool.New(pool.Options{
		Count:          cfg.Harness.Subscribers,
		ClientIDPrefix: cfg.Harness.ClientIDPrefix,
		SharedFilter:   cfg.SharedTopic(),
		NewFactory: func(clientID string) transport.Factory {
			tc := transportCfg
			tc.ClientID = clientID
			return transport.NewPahoFactory(tc)
		},
		ConnectTimeout:  cfg.Broker.ConnectTimeout,
		ProcessingDelay: cfg.Harness.ProcessingDelay,
		StartPacing:     cfg.Harness.StartPacing,
		ReportInterval:  cfg.Harness.ReportInterval,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		slog.Error("Failed to create consumer pool", "error", err)
		os.Exit(1)
	}

	connected, err := p.StartAll(ctx)
	if err != nil {
		slog.Error("Failed to start consumer pool", "error", err)
		os.Exit(1)
	}
	if connected == 0 {
		slog.Error("No consumers connected, aborting")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.RunReporter(ctx)
	}()

	if cfg.Chaos.Enabled {
		sim := chaos.New(chaos.Config{
			MinWait:   cfg.Chaos.MinWait,
			MaxWait:   cfg.Chaos.MaxWait,
			MinOutage: cfg.Chaos.MinOutage,
			MaxOutage: cfg.Chaos.MaxOutage,
		}, logger, metrics)

		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.Run(ctx, p.Targets())
			slog.Info("Disconnect simulator stopped", "outages", sim.Outages())
		}()
	}

	slog.Info("Consumer harness running, press Ctrl+C to stop")
	<-ctx.Done()
	slog.Info("Shutting down")

	wg.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.StopAll(sctx); err != nil {
		slog.Error("Consumer pool shutdown failed", "error", err)
	}
	slog.Info("Consumer harness stopped")
}
