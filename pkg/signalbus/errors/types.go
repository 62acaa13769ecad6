// Package errors provides error types, categorization, and retry policy for
// the signal bus.
//
// The package implements a layered error handling approach:
//   - Typed errors: capacity, dispatch, timeout, not-found
//   - Categorization: classify errors as transient or permanent
//   - Retry policy: backoff schedules for redelivery and dead-lettering
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrSubscriptionNotFound is returned for operations on unknown subscriptions.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ErrSnapshotNotFound is returned when reading or deleting an unknown snapshot.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrBusClosed is returned for operations on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// CapacityError indicates a subscription's pending limit was exceeded.
// Returned only under the Reject overflow policy; the default policy blocks
// the publisher instead.
type CapacityError struct {
	SubscriptionID string
	Pending        int
	Limit          int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("subscription %s at capacity: %d pending, limit %d",
		e.SubscriptionID, e.Pending, e.Limit)
}

// DispatchError indicates a delivery attempt to a subscriber failed.
// Dispatch failures are isolated per subscriber and never escalate to a
// publish-level failure.
type DispatchError struct {
	SubscriptionID string
	SignalID       string
	Attempt        int
	Err            error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed for signal %s (attempt %d): %v",
		e.SubscriptionID, e.SignalID, e.Attempt, e.Err)
}

// Unwrap returns the underlying error.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates a hook or dispatch exceeded its time budget.
// Timeouts count as failures for retry and dead-letter accounting.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}
