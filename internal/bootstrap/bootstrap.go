// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap holds the wiring shared by the harness binaries:
// logger construction from the log section and transport settings derived
// from the broker section.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/absmach/queueprobe/config"
	"github.com/absmach/queueprobe/transport"
)

// NewLogger builds an slog logger from the configured level and format.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// TransportConfig derives the paho transport settings from the broker
// section, without a client ID; each caller stamps its own. The consumers
// pass cleanSession false so the broker queues their share while offline;
// the publisher has no subscription state worth resuming and passes true.
func TransportConfig(cfg *config.Config, cleanSession bool) (transport.Config, error) {
	tc := transport.Config{
		BrokerURL:      fmt.Sprintf("tcp://%s", cfg.BrokerAddr()),
		KeepAlive:      cfg.Broker.KeepAlive,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		CleanSession:   cleanSession,
	}
	if cfg.Broker.TLSEnabled {
		tlsCfg, err := transport.NewTLSConfig(
			cfg.Broker.TLSCAFile, cfg.Broker.TLSCertFile, cfg.Broker.TLSKeyFile)
		if err != nil {
			return transport.Config{}, err
		}
		tc.BrokerURL = fmt.Sprintf("ssl://%s", cfg.BrokerAddr())
		tc.TLS = tlsCfg
	}
	return tc, nil
}
