package receiver

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Span attribute keys
const (
	spanKeyMessageID     = "receiver.message.id"
	spanKeyCorrelationID = "receiver.message.correlation_id"
	spanKeyListener      = "receiver.listener"
	spanKeyReceiver      = "receiver.name"
)

// metrics holds the receiver's OpenTelemetry instruments. Instrument
// creation errors are ignored the same way the global meter does: a broken
// instrument no-ops.
type metrics struct {
	processed  metric.Int64Counter
	duplicates metric.Int64Counter
	rejected   metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram

	listener attribute.KeyValue
}

func newMetrics(name, listenerName string) *metrics {
	meter := otel.Meter(name)

	m := &metrics{listener: attribute.String("listener", listenerName)}
	m.processed, _ = meter.Int64Counter("receiver.processed",
		metric.WithDescription("Total number of messages processed successfully"))
	m.duplicates, _ = meter.Int64Counter("receiver.duplicates",
		metric.WithDescription("Total number of duplicate messages skipped"))
	m.rejected, _ = meter.Int64Counter("receiver.rejected",
		metric.WithDescription("Total number of messages rejected for exceeding the delivery ceiling"))
	m.failures, _ = meter.Int64Counter("receiver.failures",
		metric.WithDescription("Total number of messages that failed processing"))
	m.duration, _ = meter.Float64Histogram("receiver.duration",
		metric.WithDescription("Message processing duration in seconds"),
		metric.WithUnit("s"))
	return m
}

func (m *metrics) recordProcessed(ctx context.Context) {
	if m == nil {
		return
	}
	m.processed.Add(ctx, 1, metric.WithAttributes(m.listener))
}

func (m *metrics) recordDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1, metric.WithAttributes(m.listener))
}

func (m *metrics) recordRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(m.listener))
}

func (m *metrics) recordFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(m.listener))
}

func (m *metrics) recordDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(m.listener))
}
