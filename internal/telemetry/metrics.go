// ABOUTME: OpenTelemetry instruments for gateway calls, rate limiting, sessions and sweeps
// ABOUTME: A nil *Metrics is valid and records nothing

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for every pairline instrument.
const MeterName = "github.com/2389/pairline"

// Metrics holds the OpenTelemetry instruments.
type Metrics struct {
	gatewayCalls    metric.Int64Counter
	gatewayDuration metric.Float64Histogram
	pollDenials     metric.Int64Counter
	activeSessions  metric.Int64UpDownCounter
	transitions     metric.Int64Counter
	webhooks        metric.Int64Counter
	droppedEvents   metric.Int64Counter
	findings        metric.Int64Counter
	sweepDuration   metric.Float64Histogram
}

// NewMetrics creates the instruments with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(MeterName)
	m := &Metrics{}
	var err error

	if m.gatewayCalls, err = meter.Int64Counter(
		"pairline_gateway_calls_total",
		metric.WithDescription("Gateway API calls by operation and outcome"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}

	if m.gatewayDuration, err = meter.Float64Histogram(
		"pairline_gateway_call_duration_seconds",
		metric.WithDescription("Latency of gateway API calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.pollDenials, err = meter.Int64Counter(
		"pairline_poll_denials_total",
		metric.WithDescription("Poll slots denied by the rate guard"),
		metric.WithUnit("{denial}"),
	); err != nil {
		return nil, err
	}

	if m.activeSessions, err = meter.Int64UpDownCounter(
		"pairline_stream_sessions",
		metric.WithDescription("Live push stream sessions"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}

	if m.transitions, err = meter.Int64Counter(
		"pairline_transitions_total",
		metric.WithDescription("Persisted instance status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	if m.webhooks, err = meter.Int64Counter(
		"pairline_webhooks_total",
		metric.WithDescription("Inbound webhooks by result"),
		metric.WithUnit("{webhook}"),
	); err != nil {
		return nil, err
	}

	if m.droppedEvents, err = meter.Int64Counter(
		"pairline_push_events_dropped_total",
		metric.WithDescription("Push events dropped for slow subscribers"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if m.findings, err = meter.Int64Counter(
		"pairline_reconcile_findings_total",
		metric.WithDescription("Reconciliation findings by kind"),
		metric.WithUnit("{finding}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"pairline_reconcile_duration_seconds",
		metric.WithDescription("Duration of reconciliation sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordGatewayCall records one gateway API call.
func (m *Metrics) RecordGatewayCall(ctx context.Context, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	m.gatewayCalls.Add(ctx, 1, attrs)
	m.gatewayDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordPollDenied counts a denied poll slot.
func (m *Metrics) RecordPollDenied(ctx context.Context) {
	if m == nil {
		return
	}
	m.pollDenials.Add(ctx, 1)
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}

// RecordTransition counts a persisted status change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to, actor string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("actor", actor),
	))
}

// RecordWebhook counts an inbound webhook by its result.
func (m *Metrics) RecordWebhook(ctx context.Context, channelType, result string) {
	if m == nil {
		return
	}
	m.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel_type", channelType),
		attribute.String("result", result),
	))
}

// RecordDroppedEvent counts a push event dropped for a slow subscriber.
func (m *Metrics) RecordDroppedEvent(ctx context.Context) {
	if m == nil {
		return
	}
	m.droppedEvents.Add(ctx, 1)
}

// RecordFinding counts a reconciliation finding.
func (m *Metrics) RecordFinding(ctx context.Context, kind string, dryRun bool) {
	if m == nil {
		return
	}
	m.findings.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("dry_run", dryRun),
	))
}

// RecordSweep records the duration of a reconciliation sweep.
func (m *Metrics) RecordSweep(ctx context.Context, d time.Duration, dryRun bool) {
	if m == nil {
		return
	}
	m.sweepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("dry_run", dryRun)))
}
