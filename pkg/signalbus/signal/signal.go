// Package signal defines the structured signal envelope exchanged over the
// bus.
//
// Signals are CloudEvents-like structured messages: a unique time-orderable
// id, a dot-segmented hierarchical type, a source, a timestamp, an optional
// subject for conversation correlation, an opaque payload, and an open
// extensions map. Signals are immutable once constructed - the log, journal,
// and snapshots reference them, never copy them.
//
// Design Influences:
//   - CloudEvents v1.0 (envelope shape, extensions)
//   - Apache Kafka (stream versions, correlation/causation IDs)
package signal

import (
	"time"

	"github.com/google/uuid"
)

// Signal is an immutable structured message value.
type Signal struct {
	// ID uniquely identifies the signal. IDs are time-orderable.
	ID string `json:"id"`

	// Type is the dot-segmented hierarchical signal type
	// (e.g., "order.created").
	Type string `json:"type"`

	// Source identifies the producer (URI-like string).
	Source string `json:"source"`

	// Time is when the signal occurred.
	Time time.Time `json:"time"`

	// Subject is an optional correlation/conversation key.
	Subject string `json:"subject,omitempty"`

	// Data is the opaque payload.
	Data any `json:"data"`

	// Extensions is an open string-keyed attribute map.
	Extensions map[string]string `json:"extensions,omitempty"`
}

// ValidationError indicates a malformed signal, pattern, or option value.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "validation error on " + e.Field + ": " + e.Message
	}
	return "validation error: " + e.Message
}

// Option configures signal creation.
type Option func(*Signal)

// WithID sets a specific signal ID (default: auto-generated, time-ordered).
func WithID(id string) Option {
	return func(s *Signal) {
		s.ID = id
	}
}

// WithTime sets a specific timestamp (default: time.Now()).
func WithTime(t time.Time) Option {
	return func(s *Signal) {
		s.Time = t
	}
}

// WithSubject sets the conversation key.
func WithSubject(subject string) Option {
	return func(s *Signal) {
		s.Subject = subject
	}
}

// WithExtension sets a single extension attribute.
func WithExtension(key, value string) Option {
	return func(s *Signal) {
		if s.Extensions == nil {
			s.Extensions = make(map[string]string)
		}
		s.Extensions[key] = value
	}
}

// New creates a signal with the given type, source, and payload.
func New(sigType, source string, data any, opts ...Option) *Signal {
	s := &Signal{
		ID:     NewID(),
		Type:   sigType,
		Source: source,
		Time:   time.Now(),
		Data:   data,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewID returns a unique, time-orderable signal ID.
func NewID() string {
	// UUIDv7 embeds a millisecond timestamp, keeping IDs sortable by
	// creation time. Fall back to v4 if the entropy source fails.
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// Validate checks the required envelope fields.
func (s *Signal) Validate() error {
	if s == nil {
		return &ValidationError{Message: "signal is nil"}
	}
	if s.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if s.Type == "" {
		return &ValidationError{Field: "type", Message: "is required"}
	}
	if s.Source == "" {
		return &ValidationError{Field: "source", Message: "is required"}
	}
	return nil
}

// Recorded is a signal plus its durable log coordinates.
type Recorded struct {
	// Signal is the immutable envelope, referenced as-is.
	Signal *Signal `json:"signal"`

	// StreamID identifies the log stream the signal was appended to.
	StreamID string `json:"stream_id"`

	// StreamVersion is the monotonic per-stream sequence number.
	StreamVersion uint64 `json:"stream_version"`

	// CausationID is the ID of the signal that directly caused this one.
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID groups related signals across a whole interaction.
	CorrelationID string `json:"correlation_id,omitempty"`
}
