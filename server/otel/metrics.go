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

// Metrics holds OpenTelemetry metric instruments for the delivery core.
// All Record methods are nil-receiver safe so disabled telemetry costs a
// single branch.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal metric.Int64Counter
	messagesTotal    metric.Int64Counter
	eventsDelivered  metric.Int64Counter
	eventsDropped    metric.Int64Counter
	queueOverflows   metric.Int64Counter
	catchupReplays   metric.Int64Counter
	busErrors        metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	messageSize     metric.Int64Histogram
	publishDuration metric.Float64Histogram
	catchupMessages metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("courier"),
	}

	var err error

	// Initialize counters
	m.connectionsTotal, err = m.meter.Int64Counter(
		"courier.connections.total",
		metric.WithDescription("Total number of client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.messagesTotal, err = m.meter.Int64Counter(
		"courier.messages.total",
		metric.WithDescription("Total messages accepted into the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesTotal counter: %w", err)
	}

	m.eventsDelivered, err = m.meter.Int64Counter(
		"courier.events.delivered.total",
		metric.WithDescription("Events enqueued to client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsDelivered counter: %w", err)
	}

	m.eventsDropped, err = m.meter.Int64Counter(
		"courier.events.dropped.total",
		metric.WithDescription("Events dropped on closed connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsDropped counter: %w", err)
	}

	m.queueOverflows, err = m.meter.Int64Counter(
		"courier.queue.overflows.total",
		metric.WithDescription("Slow consumer evictions from a full outbound queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueOverflows counter: %w", err)
	}

	m.catchupReplays, err = m.meter.Int64Counter(
		"courier.catchup.replays.total",
		metric.WithDescription("Catch-up replays performed on subscribe"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create catchupReplays counter: %w", err)
	}

	m.busErrors, err = m.meter.Int64Counter(
		"courier.bus.errors.total",
		metric.WithDescription("Fan-out bus publish failures by operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create busErrors counter: %w", err)
	}

	// Initialize up/down counters (gauges)
	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"courier.connections.current",
		metric.WithDescription("Current number of live client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"courier.subscriptions.active",
		metric.WithDescription("Number of active channel subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	// Initialize histograms
	m.messageSize, err = m.meter.Int64Histogram(
		"courier.message.size.bytes",
		metric.WithDescription("Message content size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishDuration, err = m.meter.Float64Histogram(
		"courier.publish.duration.ms",
		metric.WithDescription("Append-to-bus-publish duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	m.catchupMessages, err = m.meter.Int64Histogram(
		"courier.catchup.messages",
		metric.WithDescription("Messages replayed per catch-up"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create catchupMessages histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new client connection.
func (m *Metrics) RecordConnection() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a client disconnection.
func (m *Metrics) RecordDisconnection() {
	if m == nil {
		return
	}
	m.connectionsCurrent.Add(context.Background(), -1)
}

// RecordSubscription records a new channel subscription.
func (m *Metrics) RecordSubscription() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordUnsubscription records a dropped channel subscription.
func (m *Metrics) RecordUnsubscription() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), -1)
}

// RecordMessageIn records a message accepted into the durable log.
func (m *Metrics) RecordMessageIn(sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesTotal.Add(ctx, 1)
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordEventDelivered records an event enqueued to one connection.
func (m *Metrics) RecordEventDelivered(kind string) {
	if m == nil {
		return
	}
	m.eventsDelivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordEventDropped records an event lost to a closed connection.
func (m *Metrics) RecordEventDropped(kind string) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordQueueOverflow records a slow consumer eviction.
func (m *Metrics) RecordQueueOverflow() {
	if m == nil {
		return
	}
	m.queueOverflows.Add(context.Background(), 1)
}

// RecordCatchupReplay records one catch-up replay and its size.
func (m *Metrics) RecordCatchupReplay(messages int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.catchupReplays.Add(ctx, 1)
	m.catchupMessages.Record(ctx, int64(messages))
}

// RecordPublishDuration records how long a persisted event took to reach
// the bus, retries included.
func (m *Metrics) RecordPublishDuration(durationMs float64) {
	if m == nil {
		return
	}
	m.publishDuration.Record(context.Background(), durationMs)
}

// RecordBusError records a fan-out publish failure.
func (m *Metrics) RecordBusError(op string) {
	if m == nil {
		return
	}
	m.busErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
	))
}
