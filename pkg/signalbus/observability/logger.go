// Package observability provides production-grade observability features
// for the signal bus: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds delivery context to a logger.
// Returns a new logger with subscription_id, signal_id, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "sub-a1b2", sig.ID, 1)
//	enriched.Info("delivering") // includes subscription_id, signal_id, attempt
func EnrichLogger(logger *slog.Logger, subscriptionID, signalID string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("subscription_id", subscriptionID),
		slog.String("signal_id", signalID),
		slog.Int("attempt", attempt),
	)
}

// LogPublish logs a completed publish.
func LogPublish(logger *slog.Logger, signalType string, version uint64, subscribers int) {
	if logger == nil {
		return
	}
	logger.Debug("signal published",
		slog.String("signal_type", signalType),
		slog.Uint64("stream_version", version),
		slog.Int("subscribers", subscribers),
	)
}

// LogDispatchError logs a failed delivery attempt.
func LogDispatchError(logger *slog.Logger, subscriptionID, signalID string, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("dispatch failed",
		slog.String("subscription_id", subscriptionID),
		slog.String("signal_id", signalID),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// LogDeadLetter logs a delivery that exhausted its attempts.
func LogDeadLetter(logger *slog.Logger, subscriptionID, signalID string, attempts int, lastErr string) {
	if logger == nil {
		return
	}
	logger.Error("delivery dead-lettered",
		slog.String("subscription_id", subscriptionID),
		slog.String("signal_id", signalID),
		slog.Int("attempts", attempts),
		slog.String("last_error", lastErr),
	)
}

// LogOverflowDrop logs a delivery evicted under the drop-oldest policy.
// Drops are never silent.
func LogOverflowDrop(logger *slog.Logger, subscriptionID, signalID string) {
	if logger == nil {
		return
	}
	logger.Warn("delivery dropped on overflow",
		slog.String("subscription_id", subscriptionID),
		slog.String("signal_id", signalID),
	)
}

// LogHookTimeout logs a middleware hook that exceeded its deadline and was
// abandoned (non-fatal).
func LogHookTimeout(logger *slog.Logger, stage string, timeout time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("hook timed out",
		slog.String("stage", stage),
		slog.Duration("timeout", timeout),
	)
}

// LogHookError logs a middleware hook failure (non-fatal).
func LogHookError(logger *slog.Logger, stage string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("hook failed",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

// LogCheckpointError logs checkpoint persistence failure (non-fatal).
func LogCheckpointError(logger *slog.Logger, subscriptionID string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("subscription_id", subscriptionID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
