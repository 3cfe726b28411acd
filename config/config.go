// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the queueprobe harness.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Harness HarnessConfig `yaml:"harness"`
	Chaos   ChaosConfig   `yaml:"chaos"`
	Publish PublishConfig `yaml:"publish"`
	Log     LogConfig     `yaml:"log"`
	Otel    OtelConfig    `yaml:"otel"`
}

// BrokerConfig holds connection settings for the broker under test.
type BrokerConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Port           int           `yaml:"port"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCAFile   string `yaml:"tls_ca_file"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// HarnessConfig holds the shared-subscription test parameters.
type HarnessConfig struct {
	ClientIDPrefix string `yaml:"client_id_prefix"`
	TopicPrefix    string `yaml:"topic_prefix"`
	SharedGroup    string `yaml:"shared_group"`

	Subscribers    int           `yaml:"subscribers"`
	StartPacing    time.Duration `yaml:"start_pacing"`
	ReportInterval time.Duration `yaml:"report_interval"`

	// ProcessingDelay simulates per-message consumer work. It runs on the
	// consumer's own event goroutine, never on the transport's delivery
	// goroutine.
	ProcessingDelay time.Duration `yaml:"processing_delay"`
}

// ChaosConfig controls the disconnect simulator.
type ChaosConfig struct {
	Enabled bool `yaml:"enabled"`

	// Wait range between injected outages.
	MinWait time.Duration `yaml:"min_wait"`
	MaxWait time.Duration `yaml:"max_wait"`

	// Duration range of one simulated outage.
	MinOutage time.Duration `yaml:"min_outage"`
	MaxOutage time.Duration `yaml:"max_outage"`
}

// PublishConfig controls the publisher loop.
type PublishConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxMessages int           `yaml:"max_messages"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// OtelConfig holds OpenTelemetry export settings.
type OtelConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	Endpoint        string  `yaml:"endpoint"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Endpoint:       "localhost",
			Port:           1883,
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			TLSEnabled:     false,
		},
		Harness: HarnessConfig{
			ClientIDPrefix:  "message-queuing-test",
			TopicPrefix:     "test/shared",
			SharedGroup:     "message-queuing-group",
			Subscribers:     3,
			StartPacing:     time.Second,
			ReportInterval:  10 * time.Second,
			ProcessingDelay: 100 * time.Millisecond,
		},
		Chaos: ChaosConfig{
			Enabled:   true,
			MinWait:   5 * time.Second,
			MaxWait:   15 * time.Second,
			MinOutage: 8 * time.Second,
			MaxOutage: 20 * time.Second,
		},
		Publish: PublishConfig{
			Interval:    time.Second,
			MaxMessages: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false,
			Endpoint:        "localhost:4317",
			ServiceName:     "queueprobe",
			ServiceVersion:  "0.1.0",
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file, then applies environment
// overrides. If the file doesn't exist, defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with environment variables, so the harness
// can be pointed at a broker without editing the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("BROKER_ENDPOINT"); v != "" {
		c.Broker.Endpoint = v
	}
	if v := os.Getenv("ROOT_CA_PATH"); v != "" {
		c.Broker.TLSCAFile = v
		c.Broker.TLSEnabled = true
	}
	if v := os.Getenv("CERT_PATH"); v != "" {
		c.Broker.TLSCertFile = v
		c.Broker.TLSEnabled = true
	}
	if v := os.Getenv("PRIVATE_KEY_PATH"); v != "" {
		c.Broker.TLSKeyFile = v
		c.Broker.TLSEnabled = true
	}
	if v := os.Getenv("CLIENT_ID_PREFIX"); v != "" {
		c.Harness.ClientIDPrefix = v
	}
	if v := os.Getenv("TOPIC_PREFIX"); v != "" {
		c.Harness.TopicPrefix = v
	}
	if v := os.Getenv("SHARED_GROUP"); v != "" {
		c.Harness.SharedGroup = v
	}
}

// Validate checks if the configuration is valid. Certificate files are
// checked for existence here, before any connection attempt is made.
func (c *Config) Validate() error {
	if c.Broker.Endpoint == "" {
		return fmt.Errorf("broker.endpoint cannot be empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be between 1 and 65535")
	}
	if c.Broker.ConnectTimeout < time.Second {
		return fmt.Errorf("broker.connect_timeout must be at least 1 second")
	}

	if c.Broker.TLSEnabled {
		for name, path := range map[string]string{
			"broker.tls_ca_file":   c.Broker.TLSCAFile,
			"broker.tls_cert_file": c.Broker.TLSCertFile,
			"broker.tls_key_file":  c.Broker.TLSKeyFile,
		} {
			if path == "" {
				return fmt.Errorf("%s required when TLS is enabled", name)
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("%s: certificate file not found: %s", name, path)
			}
		}
	}

	if c.Harness.ClientIDPrefix == "" {
		return fmt.Errorf("harness.client_id_prefix cannot be empty")
	}
	if c.Harness.TopicPrefix == "" {
		return fmt.Errorf("harness.topic_prefix cannot be empty")
	}
	if c.Harness.SharedGroup == "" {
		return fmt.Errorf("harness.shared_group cannot be empty")
	}
	if c.Harness.Subscribers < 1 {
		return fmt.Errorf("harness.subscribers must be at least 1")
	}
	if c.Harness.ProcessingDelay < 0 {
		return fmt.Errorf("harness.processing_delay cannot be negative")
	}

	if c.Chaos.Enabled {
		if c.Chaos.MinWait <= 0 || c.Chaos.MaxWait < c.Chaos.MinWait {
			return fmt.Errorf("chaos wait range is invalid")
		}
		if c.Chaos.MinOutage <= 0 || c.Chaos.MaxOutage < c.Chaos.MinOutage {
			return fmt.Errorf("chaos outage range is invalid")
		}
	}

	if c.Publish.Interval <= 0 {
		return fmt.Errorf("publish.interval must be positive")
	}
	if c.Publish.MaxMessages < 1 {
		return fmt.Errorf("publish.max_messages must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Otel.MetricsEnabled || c.Otel.TracesEnabled {
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint cannot be empty when export is enabled")
		}
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when export is enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// SharedTopic returns the shared-subscription filter the consumers
// subscribe to.
func (c *Config) SharedTopic() string {
	return fmt.Sprintf("$share/%s/%s/messages", c.Harness.SharedGroup, c.Harness.TopicPrefix)
}

// PublishTopic returns the topic the publisher sends to.
func (c *Config) PublishTopic() string {
	return fmt.Sprintf("%s/messages", c.Harness.TopicPrefix)
}

// BrokerAddr returns the broker address in host:port form.
func (c *Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.Broker.Endpoint, c.Broker.Port)
}
