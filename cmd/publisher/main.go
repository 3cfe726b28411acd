// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/queueprobe/config"
	"github.com/absmach/queueprobe/internal/bootstrap"
	"github.com/absmach/queueprobe/lifecycle"
	"github.com/absmach/queueprobe/otel"
	"github.com/absmach/queueprobe/publisher"
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

	slog.Info("Starting publisher",
		"broker", cfg.BrokerAddr(),
		"topic", cfg.PublishTopic(),
		"interval", cfg.Publish.Interval,
		"max_messages", cfg.Publish.MaxMessages,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *otel.Metrics
	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Otel, "publisher")
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

	transportCfg, err := bootstrap.TransportConfig(cfg, true)
	if err != nil {
		slog.Error("Failed to build transport configuration", "error", err)
		os.Exit(1)
	}
	clientID := fmt.Sprintf("%s-publisher", cfg.Harness.ClientIDPrefix)
	transportCfg.ClientID = clientID

	mgr, err := lifecycle.New(lifecycle.Options{
		ClientID:       clientID,
		Factory:        transport.NewPahoFactory(transportCfg),
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		slog.Error("Failed to create connection manager", "error", err)
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go mgr.Run(runCtx)

	if _, err := mgr.Connect(ctx); err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}

	pub := publisher.New(publisher.Config{
		Topic:       cfg.PublishTopic(),
		Sender:      clientID,
		Interval:    cfg.Publish.Interval,
		MaxMessages: cfg.Publish.MaxMessages,
	}, mgr, logger, metrics)

	if err := pub.Run(ctx); err != nil {
		slog.Error("Publisher loop failed", "error", err)
	}

	sum := pub.Summary()
	slog.Info("Publish summary",
		"attempted", sum.Attempted,
		"acked", sum.Acked,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"last_sequence", sum.LastSequence)

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Disconnect(sctx); err != nil {
		slog.Error("Disconnect failed", "error", err)
	}
	slog.Info("Publisher stopped")
}
