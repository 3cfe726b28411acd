// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the harness's metric instruments. All recording methods are
// safe on a nil receiver, so components can carry an optional *Metrics
// without guarding every call site.
type Metrics struct {
	meter metric.Meter

	messagesReceived    metric.Int64Counter
	duplicateDeliveries metric.Int64Counter
	publishes           metric.Int64Counter
	outagesInjected     metric.Int64Counter
	consumersConnected  metric.Int64UpDownCounter
}

// Publish outcome attribute values.
const (
	PublishAcked   = "acked"
	PublishFailed  = "failed"
	PublishSkipped = "skipped"
)

// NewMetrics creates a Metrics instance with all instruments registered on
// the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{meter: otel.Meter("queueprobe")}

	var err error

	m.messagesReceived, err = m.meter.Int64Counter(
		"queueprobe.messages.received.total",
		metric.WithDescription("Total messages delivered to consumers, redeliveries included"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.duplicateDeliveries, err = m.meter.Int64Counter(
		"queueprobe.messages.duplicate.total",
		metric.WithDescription("Deliveries whose message ID had been seen before"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duplicateDeliveries counter: %w", err)
	}

	m.publishes, err = m.meter.Int64Counter(
		"queueprobe.publishes.total",
		metric.WithDescription("Publish attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishes counter: %w", err)
	}

	m.outagesInjected, err = m.meter.Int64Counter(
		"queueprobe.outages.injected.total",
		metric.WithDescription("Simulated outages injected by the disconnect simulator"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outagesInjected counter: %w", err)
	}

	m.consumersConnected, err = m.meter.Int64UpDownCounter(
		"queueprobe.consumers.connected",
		metric.WithDescription("Consumers currently connected"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersConnected gauge: %w", err)
	}

	return m, nil
}

// MessageReceived records one delivery for a consumer.
func (m *Metrics) MessageReceived(ctx context.Context, subscriberID string, redelivery bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("subscriber", subscriberID))
	m.messagesReceived.Add(ctx, 1, attrs)
	if redelivery {
		m.duplicateDeliveries.Add(ctx, 1, attrs)
	}
}

// PublishOutcome records one publish attempt.
func (m *Metrics) PublishOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.publishes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// OutageInjected records one simulated outage.
func (m *Metrics) OutageInjected(ctx context.Context, subscriberID string) {
	if m == nil {
		return
	}
	m.outagesInjected.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriberID)))
}

// ConsumersConnected adjusts the connected-consumer gauge.
func (m *Metrics) ConsumersConnected(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.consumersConnected.Add(ctx, delta)
}
