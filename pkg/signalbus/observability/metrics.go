package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records signal bus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an appended signal and its fan-out.
	RecordPublish(ctx context.Context, signalType string, subscribers int)

	// RecordDispatch records a delivery attempt with its duration and
	// error status.
	RecordDispatch(ctx context.Context, targetKind string, duration time.Duration, err error)

	// RecordDeadLetter records a delivery that exhausted its attempts.
	RecordDeadLetter(ctx context.Context, signalType string)

	// RecordQueueDepth records a subscription's pending delivery count.
	RecordQueueDepth(ctx context.Context, subscriptionID string, depth int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	dispatchErrors  metric.Int64Counter
	deadLetters     metric.Int64Counter
	queueDepth      metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("signalbus")

	publishes, err := meter.Int64Counter("signalbus.signal.publishes",
		metric.WithDescription("Number of signals appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter("signalbus.dispatch.attempts",
		metric.WithDescription("Number of delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("signalbus.dispatch.latency_ms",
		metric.WithDescription("Delivery attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	dispatchErrors, err := meter.Int64Counter("signalbus.dispatch.errors",
		metric.WithDescription("Number of failed delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("signalbus.dispatch.dead_letters",
		metric.WithDescription("Number of dead-lettered deliveries"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Histogram("signalbus.subscription.queue_depth",
		metric.WithDescription("Pending deliveries per subscription"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:       publishes,
		dispatches:      dispatches,
		dispatchLatency: dispatchLatency,
		dispatchErrors:  dispatchErrors,
		deadLetters:     deadLetters,
		queueDepth:      queueDepth,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records an appended signal.
func (m *otelMetrics) RecordPublish(ctx context.Context, signalType string, subscribers int) {
	m.publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("signal_type", signalType),
		attribute.Int("subscribers", subscribers),
	))
}

// RecordDispatch records a delivery attempt.
func (m *otelMetrics) RecordDispatch(ctx context.Context, targetKind string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("target_kind", targetKind),
	}

	m.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDeadLetter records a dead-lettered delivery.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, signalType string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("signal_type", signalType),
	))
}

// RecordQueueDepth records a subscription's pending delivery count.
func (m *otelMetrics) RecordQueueDepth(ctx context.Context, subscriptionID string, depth int) {
	m.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(
		attribute.String("subscription_id", subscriptionID),
	))
}
