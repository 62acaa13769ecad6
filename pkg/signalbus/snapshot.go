package signalbus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/router"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// SnapshotRef identifies a stored snapshot.
type SnapshotRef struct {
	// ID uniquely identifies the snapshot.
	ID string

	// Pattern is the route pattern the snapshot was taken over.
	Pattern string

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time

	// Version is the log version the snapshot observed. Signals appended
	// after it are invisible to the snapshot.
	Version uint64

	// Count is the number of signals captured.
	Count int
}

// SnapshotData is an immutable point-in-time capture of matching signals,
// keyed by signal id. Readers must not mutate it.
type SnapshotData struct {
	Ref SnapshotRef

	// Signals maps signal id to its log record.
	Signals map[string]*signal.Recorded

	// Order lists signal ids in log order.
	Order []string
}

// Get returns a captured record by signal id.
func (d *SnapshotData) Get(signalID string) (*signal.Recorded, bool) {
	rec, ok := d.Signals[signalID]
	return rec, ok
}

// Records returns the captured records in log order.
func (d *SnapshotData) Records() []*signal.Recorded {
	out := make([]*signal.Recorded, 0, len(d.Order))
	for _, id := range d.Order {
		out = append(out, d.Signals[id])
	}
	return out
}

// SnapshotOptions restrict what a snapshot captures.
type SnapshotOptions struct {
	// Since, when set, excludes signals that occurred before it.
	Since *time.Time

	// Subject, when non-empty, captures only signals with this subject.
	Subject string

	// Limit caps the number of captured signals, keeping the newest.
	// Zero means no cap.
	Limit int
}

// snapshotStore holds snapshots behind an atomically published map. Reads
// are lock-free; writes copy the map and are serialized by the bus loop.
type snapshotStore struct {
	snapshots atomic.Pointer[map[string]*SnapshotData]
}

func newSnapshotStore() *snapshotStore {
	s := &snapshotStore{}
	empty := make(map[string]*SnapshotData)
	s.snapshots.Store(&empty)
	return s
}

// capture builds and stores a snapshot over the given log view.
// Called only from the bus loop.
func (s *snapshotStore) capture(pattern string, view []*signal.Recorded, opts SnapshotOptions) *SnapshotRef {
	data := &SnapshotData{
		Signals: make(map[string]*signal.Recorded),
	}

	var version uint64
	for _, rec := range view {
		version = rec.StreamVersion
		if !router.MatchType(pattern, rec.Signal.Type) {
			continue
		}
		if opts.Since != nil && rec.Signal.Time.Before(*opts.Since) {
			continue
		}
		if opts.Subject != "" && rec.Signal.Subject != opts.Subject {
			continue
		}
		data.Signals[rec.Signal.ID] = rec
		data.Order = append(data.Order, rec.Signal.ID)
	}

	if opts.Limit > 0 && len(data.Order) > opts.Limit {
		evict := data.Order[:len(data.Order)-opts.Limit]
		for _, id := range evict {
			delete(data.Signals, id)
		}
		data.Order = data.Order[len(data.Order)-opts.Limit:]
	}

	data.Ref = SnapshotRef{
		ID:        fmt.Sprintf("snap-%s", uuid.New().String()[:8]),
		Pattern:   pattern,
		CreatedAt: time.Now(),
		Version:   version,
		Count:     len(data.Order),
	}

	cur := *s.snapshots.Load()
	next := make(map[string]*SnapshotData, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[data.Ref.ID] = data
	s.snapshots.Store(&next)

	ref := data.Ref
	return &ref
}

// read returns a snapshot's data. Lock-free.
func (s *snapshotStore) read(id string) (*SnapshotData, error) {
	data, ok := (*s.snapshots.Load())[id]
	if !ok {
		return nil, sberrors.ErrSnapshotNotFound
	}
	return data, nil
}

// list returns refs for all stored snapshots. Lock-free.
func (s *snapshotStore) list() []SnapshotRef {
	cur := *s.snapshots.Load()
	refs := make([]SnapshotRef, 0, len(cur))
	for _, data := range cur {
		refs = append(refs, data.Ref)
	}
	sortRefs(refs)
	return refs
}

// delete removes a snapshot. Called only from the bus loop.
func (s *snapshotStore) delete(id string) error {
	cur := *s.snapshots.Load()
	if _, ok := cur[id]; !ok {
		return sberrors.ErrSnapshotNotFound
	}
	next := make(map[string]*SnapshotData, len(cur)-1)
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	s.snapshots.Store(&next)
	return nil
}

// cleanup removes every snapshot the keep function rejects. A nil keep
// removes everything. Returns the number removed. Called only from the bus
// loop.
func (s *snapshotStore) cleanup(keep func(SnapshotRef) bool) int {
	cur := *s.snapshots.Load()
	next := make(map[string]*SnapshotData)
	removed := 0
	for k, v := range cur {
		if keep != nil && keep(v.Ref) {
			next[k] = v
			continue
		}
		removed++
	}
	s.snapshots.Store(&next)
	return removed
}

func sortRefs(refs []SnapshotRef) {
	// Oldest first; insertion sort over a small set.
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && refs[j].CreatedAt.Before(refs[j-1].CreatedAt); j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}
}
