// Package journal records cause→effect edges between signals and answers
// graph queries over them.
//
// The journal is independent of the bus: it consumes signals and maintains a
// directed acyclic causality graph plus a per-subject conversation index.
// Storage is pluggable behind a minimal CRUD adapter; the journal logic
// itself is storage-agnostic.
//
// Invariants:
//   - No cycles: recording an edge that would close a cycle is rejected.
//   - Temporal order: cause.Time <= effect.Time for every edge.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// Kind classifies causality violations.
type Kind int

const (
	// KindCycle indicates the edge would close a causality cycle.
	KindCycle Kind = iota

	// KindTemporalOrder indicates the effect predates its cause.
	KindTemporalOrder

	// KindCauseNotFound indicates the referenced cause is unknown.
	KindCauseNotFound
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCycle:
		return "causality_cycle"
	case KindTemporalOrder:
		return "invalid_temporal_order"
	case KindCauseNotFound:
		return "cause_not_found"
	default:
		return "unknown"
	}
}

// CausalityError indicates a rejected edge. Record fails atomically: no
// partial edge is written.
type CausalityError struct {
	Kind     Kind
	CauseID  string
	EffectID string
}

// Error implements the error interface.
func (e *CausalityError) Error() string {
	return fmt.Sprintf("%s: cause %s, effect %s", e.Kind, e.CauseID, e.EffectID)
}

// Direction selects which way TraceChain walks the graph.
type Direction int

const (
	// Backward walks from a signal towards its root cause.
	Backward Direction = iota

	// Forward walks from a signal towards its transitive effects.
	Forward
)

// DefaultMaxDepth bounds chain traversal to guarantee termination.
const DefaultMaxDepth = 1000

// Journal maintains the causality graph.
type Journal struct {
	storage  Storage
	logger   *slog.Logger
	maxDepth int
}

// JournalOption configures a journal.
type JournalOption func(*Journal)

// WithLogger sets the journal's logger.
func WithLogger(logger *slog.Logger) JournalOption {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithMaxDepth caps chain traversal depth.
func WithMaxDepth(depth int) JournalOption {
	return func(j *Journal) {
		if depth > 0 {
			j.maxDepth = depth
		}
	}
}

// New creates a journal over the given storage.
func New(storage Storage, opts ...JournalOption) *Journal {
	j := &Journal{
		storage:  storage,
		logger:   slog.Default(),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record stores a signal and, when causeID is non-empty, the edge
// causeID → signal.ID. Validation happens before any write: the cause must
// exist, cause.Time must not exceed the effect's time, and the edge must not
// introduce a cycle (checked by walking the cause's backward chain for the
// proposed effect id).
func (j *Journal) Record(ctx context.Context, sig *signal.Signal, causeID string) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	if causeID != "" {
		cause, err := j.storage.GetSignal(ctx, causeID)
		if err != nil {
			if err == ErrSignalNotFound {
				return &CausalityError{Kind: KindCauseNotFound, CauseID: causeID, EffectID: sig.ID}
			}
			return fmt.Errorf("lookup cause: %w", err)
		}

		if sig.Time.Before(cause.Time) {
			return &CausalityError{Kind: KindTemporalOrder, CauseID: causeID, EffectID: sig.ID}
		}

		cyclic, err := j.chainContains(ctx, causeID, sig.ID)
		if err != nil {
			return err
		}
		if cyclic {
			return &CausalityError{Kind: KindCycle, CauseID: causeID, EffectID: sig.ID}
		}
	}

	if err := j.storage.PutSignal(ctx, sig); err != nil {
		return fmt.Errorf("store signal: %w", err)
	}
	if causeID != "" {
		if err := j.storage.PutCause(ctx, causeID, sig.ID); err != nil {
			return fmt.Errorf("store edge: %w", err)
		}
	}
	if sig.Subject != "" {
		if err := j.storage.PutConversation(ctx, sig.Subject, sig.ID); err != nil {
			return fmt.Errorf("index conversation: %w", err)
		}
	}

	j.logger.Debug("signal journaled",
		"signal_id", sig.ID,
		"signal_type", sig.Type,
		"cause_id", causeID,
	)

	return nil
}

// chainContains walks the backward chain from startID looking for target.
// The chain is an existing DAG, so equality with the not-yet-inserted target
// is the only way the new edge could close a cycle. A visited set and depth
// cap guard against storage anomalies.
func (j *Journal) chainContains(ctx context.Context, startID, target string) (bool, error) {
	visited := make(map[string]bool)
	cur := startID
	for depth := 0; cur != "" && depth < j.maxDepth; depth++ {
		if cur == target {
			return true, nil
		}
		if visited[cur] {
			return false, nil
		}
		visited[cur] = true

		next, err := j.storage.GetCause(ctx, cur)
		if err != nil {
			return false, fmt.Errorf("walk backward chain: %w", err)
		}
		cur = next
	}
	return false, nil
}

// Conversation returns all signals sharing a subject key, sorted by time.
func (j *Journal) Conversation(ctx context.Context, subject string) ([]*signal.Signal, error) {
	ids, err := j.storage.GetConversation(ctx, subject)
	if err != nil {
		return nil, err
	}
	signals, err := j.resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortByTime(signals)
	return signals, nil
}

// Cause returns the direct cause of a signal, or nil for a root signal.
func (j *Journal) Cause(ctx context.Context, id string) (*signal.Signal, error) {
	causeID, err := j.storage.GetCause(ctx, id)
	if err != nil {
		return nil, err
	}
	if causeID == "" {
		return nil, nil
	}
	return j.storage.GetSignal(ctx, causeID)
}

// Effects returns the direct effects of a signal.
func (j *Journal) Effects(ctx context.Context, id string) ([]*signal.Signal, error) {
	ids, err := j.storage.GetEffects(ctx, id)
	if err != nil {
		return nil, err
	}
	return j.resolve(ctx, ids)
}

// TraceChain walks the causality graph from a signal, backward toward its
// root cause or forward through its transitive effects. The walk is guarded
// by a visited set and capped at the journal's max depth, so it always
// terminates. The starting signal is included first.
func (j *Journal) TraceChain(ctx context.Context, id string, dir Direction) ([]*signal.Signal, error) {
	start, err := j.storage.GetSignal(ctx, id)
	if err != nil {
		return nil, err
	}

	chain := []*signal.Signal{start}
	visited := map[string]bool{id: true}

	if dir == Backward {
		cur := id
		for depth := 0; depth < j.maxDepth; depth++ {
			causeID, err := j.storage.GetCause(ctx, cur)
			if err != nil {
				return nil, err
			}
			if causeID == "" || visited[causeID] {
				break
			}
			visited[causeID] = true

			cause, err := j.storage.GetSignal(ctx, causeID)
			if err != nil {
				return nil, err
			}
			chain = append(chain, cause)
			cur = causeID
		}
		return chain, nil
	}

	// Forward: breadth-first over effects.
	frontier := []string{id}
	for depth := 0; len(frontier) > 0 && depth < j.maxDepth; depth++ {
		var next []string
		for _, cur := range frontier {
			effectIDs, err := j.storage.GetEffects(ctx, cur)
			if err != nil {
				return nil, err
			}
			for _, eid := range effectIDs {
				if visited[eid] {
					continue
				}
				visited[eid] = true

				effect, err := j.storage.GetSignal(ctx, eid)
				if err != nil {
					return nil, err
				}
				chain = append(chain, effect)
				next = append(next, eid)
			}
		}
		frontier = next
	}
	return chain, nil
}

// Filter selects signals in Query.
type Filter struct {
	// Type, when non-empty, matches the exact signal type.
	Type string

	// Source, when non-empty, matches the exact signal source.
	Source string

	// After, when non-zero, excludes signals at or before this time.
	After time.Time

	// Before, when non-zero, excludes signals at or after this time.
	Before time.Time
}

// Query returns journaled signals matching the filter, sorted by time.
func (j *Journal) Query(ctx context.Context, f Filter) ([]*signal.Signal, error) {
	all, err := j.storage.AllSignals(ctx)
	if err != nil {
		return nil, err
	}

	var out []*signal.Signal
	for _, sig := range all {
		if f.Type != "" && sig.Type != f.Type {
			continue
		}
		if f.Source != "" && sig.Source != f.Source {
			continue
		}
		if !f.After.IsZero() && !sig.Time.After(f.After) {
			continue
		}
		if !f.Before.IsZero() && !sig.Time.Before(f.Before) {
			continue
		}
		out = append(out, sig)
	}
	sortByTime(out)
	return out, nil
}

func (j *Journal) resolve(ctx context.Context, ids []string) ([]*signal.Signal, error) {
	signals := make([]*signal.Signal, 0, len(ids))
	for _, id := range ids {
		sig, err := j.storage.GetSignal(ctx, id)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

func sortByTime(signals []*signal.Signal) {
	sort.SliceStable(signals, func(i, k int) bool {
		return signals[i].Time.Before(signals[k].Time)
	})
}
