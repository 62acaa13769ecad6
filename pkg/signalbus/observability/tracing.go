package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the signal bus tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("signalbus")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a span for a publish batch.
	// Returns the context with span and the span itself.
	StartPublishSpan(ctx context.Context, streamID string, count int) (context.Context, trace.Span)

	// StartDispatchSpan starts a span for one delivery attempt.
	// The dispatch span should be a child of the publish span.
	StartDispatchSpan(ctx context.Context, subscriptionID, signalID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartPublishSpan starts a span for a publish batch.
func (m *otelSpanManager) StartPublishSpan(ctx context.Context, streamID string, count int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "signalbus.publish",
		trace.WithAttributes(
			attribute.String("stream.id", streamID),
			attribute.Int("signal.count", count),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartDispatchSpan starts a span for one delivery attempt.
func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, subscriptionID, signalID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "signalbus.dispatch",
		trace.WithAttributes(
			attribute.String("subscription.id", subscriptionID),
			attribute.String("signal.id", signalID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
