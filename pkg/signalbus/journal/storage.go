package journal

import (
	"context"
	"errors"

	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// ErrSignalNotFound is returned when a signal id is unknown to the storage.
var ErrSignalNotFound = errors.New("signal not found in journal")

// Storage is the minimal CRUD adapter the journal runs on.
//
// Implementations only store and retrieve; all causality validation lives in
// the Journal. A cause lookup for a root signal returns "" with no error.
type Storage interface {
	// PutSignal stores a signal by id.
	PutSignal(ctx context.Context, sig *signal.Signal) error

	// GetSignal retrieves a signal by id, or ErrSignalNotFound.
	GetSignal(ctx context.Context, id string) (*signal.Signal, error)

	// PutCause stores the edge causeID → effectID.
	PutCause(ctx context.Context, causeID, effectID string) error

	// GetCause returns the direct cause of a signal, "" if it has none.
	GetCause(ctx context.Context, effectID string) (string, error)

	// GetEffects returns the direct effects of a signal.
	GetEffects(ctx context.Context, causeID string) ([]string, error)

	// PutConversation appends a signal to a subject's conversation.
	PutConversation(ctx context.Context, subject, signalID string) error

	// GetConversation returns the signal ids recorded for a subject.
	GetConversation(ctx context.Context, subject string) ([]string, error)

	// AllSignals returns every stored signal.
	AllSignals(ctx context.Context) ([]*signal.Signal, error)

	// Close releases storage resources.
	Close() error
}
