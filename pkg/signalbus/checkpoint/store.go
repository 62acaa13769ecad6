// Package checkpoint provides durable checkpoint storage for persistent
// subscription recovery across restarts.
//
// A checkpoint records the last acknowledged log position of a persistent
// subscription. On restart the bus reloads checkpoints and resumes delivery
// from the recorded position instead of relying on an external supervisor's
// restart semantics.
package checkpoint

import (
	"errors"
	"time"
)

// Checkpoint is the durable record for one subscription.
type Checkpoint struct {
	// SubscriptionID identifies the subscription.
	SubscriptionID string

	// Pattern is the subscription's route pattern, kept so operators can
	// inspect stored state without the owning process.
	Pattern string

	// Position is the last acknowledged stream version.
	Position uint64

	// UpdatedAt is when the checkpoint was last advanced.
	UpdatedAt time.Time
}

// Store persists subscription checkpoints.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores a checkpoint, overwriting any previous one for the
	// same subscription.
	Save(cp Checkpoint) error

	// Load retrieves a subscription's checkpoint.
	// Returns ErrNotFound if none exists.
	Load(subscriptionID string) (Checkpoint, error)

	// List returns all stored checkpoints, ordered by subscription id.
	List() ([]Checkpoint, error)

	// Delete removes a subscription's checkpoint.
	// Returns nil if none exists.
	Delete(subscriptionID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates no checkpoint exists for the subscription.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")
)
