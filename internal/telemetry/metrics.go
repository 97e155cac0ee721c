// Package telemetry holds the engine's OpenTelemetry instruments.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics counts the engine's batch work. All methods are nil-safe so
// callers can run without telemetry wired (e.g. in tests).
type EngineMetrics struct {
	eventsProcessed      metric.Int64Counter
	notificationsCreated metric.Int64Counter
	actionsAppended      metric.Int64Counter
	batchDuration        metric.Float64Histogram
}

// NewEngineMetrics registers the engine instruments on meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	events, err := meter.Int64Counter("notifier.events.processed",
		metric.WithDescription("Feed events processed across all batches"))
	if err != nil {
		return nil, err
	}
	created, err := meter.Int64Counter("notifier.notifications.created",
		metric.WithDescription("Notification header rows created"))
	if err != nil {
		return nil, err
	}
	appended, err := meter.Int64Counter("notifier.actions.appended",
		metric.WithDescription("Actions appended, including those on fresh notifications"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("notifier.batch.duration",
		metric.WithDescription("End-to-end batch processing time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &EngineMetrics{
		eventsProcessed:      events,
		notificationsCreated: created,
		actionsAppended:      appended,
		batchDuration:        duration,
	}, nil
}

// RecordBatch records the outcome of one committed batch.
func (m *EngineMetrics) RecordBatch(ctx context.Context, events, created int, actions int64, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", "committed"))
	m.eventsProcessed.Add(ctx, int64(events), attrs)
	m.notificationsCreated.Add(ctx, int64(created), attrs)
	m.actionsAppended.Add(ctx, actions, attrs)
	m.batchDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFailure records a batch that rolled back.
func (m *EngineMetrics) RecordFailure(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", "rolled_back")))
}
