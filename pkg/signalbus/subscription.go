package signalbus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/signalbus/pkg/signalbus/dispatch"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/router"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// DeliveryStatus is the state of one (subscription, signal) delivery.
type DeliveryStatus string

// Delivery states. Acked and dead-lettered are terminal.
const (
	StatusPending      DeliveryStatus = "pending"
	StatusInFlight     DeliveryStatus = "in_flight"
	StatusRetryWait    DeliveryStatus = "retry_wait"
	StatusAcked        DeliveryStatus = "acked"
	StatusDeadLettered DeliveryStatus = "dead_lettered"
)

// OverflowPolicy selects what happens when a subscription's pending limit is
// exceeded. Silent dropping is deliberately not an option.
type OverflowPolicy int

const (
	// OverflowBlock blocks the publisher until capacity frees (default).
	OverflowBlock OverflowPolicy = iota

	// OverflowDropOldest evicts the oldest waiting delivery to admit the
	// new one. The eviction is counted and logged, never silent.
	OverflowDropOldest

	// OverflowReject returns a CapacityError to the publisher.
	OverflowReject
)

// PendingDelivery tracks one outstanding delivery for a persistent
// subscription. It exists from the moment a signal matches until the
// delivery is acked or dead-lettered.
type PendingDelivery struct {
	SignalID      string
	StreamVersion uint64
	AttemptCount  int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	Status        DeliveryStatus
}

// DeadLetter is the terminal record of a delivery that exhausted its
// attempts.
type DeadLetter struct {
	SubscriptionID string
	Record         *signal.Recorded
	Attempts       int
	LastError      string
	DeadLetteredAt time.Time
}

// SubscribeOptions configure a subscription.
type SubscribeOptions struct {
	// SubscriptionID fixes the subscription's identity. Required for
	// checkpoint rehydration across restarts; auto-generated when empty.
	SubscriptionID string

	// Persistent subscriptions require an explicit Ack per signal and
	// get retry and dead-letter handling. Transient subscriptions treat
	// dispatch success as final.
	Persistent bool

	// Priority orders this subscription against others of equal pattern
	// specificity, higher first.
	Priority int

	// Predicate optionally restricts matching beyond the pattern.
	Predicate router.Predicate

	// MaxInFlight bounds concurrent unacked dispatches. Default 1.
	MaxInFlight int

	// MaxPending bounds pending + in-flight + retry-wait deliveries.
	// Default 1024.
	MaxPending int

	// MaxAttempts bounds delivery attempts before dead-lettering.
	// Default 3.
	MaxAttempts int

	// RetryInterval is the delay before redelivery. Default 1s.
	RetryInterval time.Duration

	// Retry, when set, replaces the fixed RetryInterval schedule with a
	// full backoff configuration. MaxAttempts still comes from above.
	Retry *sberrors.RetryConfig

	// ReplaySince, when set, delivers historical matching signals from
	// the log before live ones. The cursor is fixed atomically at
	// subscribe time: no gaps or duplicates against concurrent publishes.
	ReplaySince *time.Time

	// Overflow selects the backpressure behavior at MaxPending.
	Overflow OverflowPolicy
}

// withDefaults fills zero values and validates the options.
func (o SubscribeOptions) withDefaults() (SubscribeOptions, error) {
	if o.MaxInFlight == 0 {
		o.MaxInFlight = 1
	}
	if o.MaxPending == 0 {
		o.MaxPending = 1024
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = time.Second
	}

	if o.MaxInFlight < 1 {
		return o, &signal.ValidationError{Field: "max_in_flight", Message: "must be at least 1"}
	}
	if o.MaxPending < 1 {
		return o, &signal.ValidationError{Field: "max_pending", Message: "must be at least 1"}
	}
	if o.MaxAttempts < 1 {
		return o, &signal.ValidationError{Field: "max_attempts", Message: "must be at least 1"}
	}
	if o.RetryInterval < 0 {
		return o, &signal.ValidationError{Field: "retry_interval", Message: "must not be negative"}
	}
	if o.MaxInFlight > o.MaxPending {
		return o, &signal.ValidationError{Field: "max_in_flight", Message: "must not exceed max_pending"}
	}
	return o, nil
}

// retryConfig returns the effective redelivery schedule.
func (o SubscribeOptions) retryConfig() sberrors.RetryConfig {
	if o.Retry != nil {
		cfg := *o.Retry
		cfg.MaxAttempts = o.MaxAttempts
		return cfg
	}
	return sberrors.FixedRetry(o.MaxAttempts, o.RetryInterval)
}

// blocker tracks a publisher waiting for overflow admissions.
type blocker struct {
	remaining int
	done      chan struct{}
}

func (b *blocker) admit() {
	b.remaining--
	if b.remaining == 0 {
		close(b.done)
	}
}

// parked is a delivery waiting for capacity under OverflowBlock.
type parked struct {
	rec     *signal.Recorded
	blocker *blocker
}

// subscription is the per-subscriber state machine. All fields are owned by
// the bus loop; no method takes a lock.
type subscription struct {
	id      string
	pattern string
	target  dispatch.TargetConfig
	opts    SubscribeOptions
	retry   sberrors.RetryConfig

	// checkpoint is the last acknowledged stream version.
	checkpoint uint64

	// fifo holds signal ids in pending state, in log order.
	fifo []string

	// deliveries tracks every non-terminal delivery by signal id.
	deliveries map[string]*PendingDelivery

	// records keeps the matched log entries for redelivery and DLQ.
	records map[string]*signal.Recorded

	// overflow holds deliveries parked by OverflowBlock.
	overflow []parked

	inFlight    int
	dropped     uint64
	deadLetters []*DeadLetter
}

func newSubscription(pattern string, target dispatch.TargetConfig, opts SubscribeOptions) *subscription {
	id := opts.SubscriptionID
	if id == "" {
		id = fmt.Sprintf("sub-%s", uuid.New().String()[:8])
	}
	return &subscription{
		id:         id,
		pattern:    pattern,
		target:     target,
		opts:       opts,
		retry:      opts.retryConfig(),
		deliveries: make(map[string]*PendingDelivery),
		records:    make(map[string]*signal.Recorded),
	}
}

// size is the backpressure-relevant delivery count:
// pending + in_flight + retry_wait.
func (s *subscription) size() int {
	return len(s.deliveries)
}

// hasCapacity reports whether another delivery can be admitted.
func (s *subscription) hasCapacity() bool {
	return s.size() < s.opts.MaxPending
}

// onPublished admits a matched signal as a pending delivery.
// The caller must have checked capacity.
func (s *subscription) onPublished(rec *signal.Recorded) {
	if _, exists := s.deliveries[rec.Signal.ID]; exists {
		return
	}
	s.deliveries[rec.Signal.ID] = &PendingDelivery{
		SignalID:      rec.Signal.ID,
		StreamVersion: rec.StreamVersion,
		Status:        StatusPending,
	}
	s.records[rec.Signal.ID] = rec
	s.fifo = append(s.fifo, rec.Signal.ID)
}

// dropOldest evicts the oldest waiting delivery (pending first, then
// retry_wait) to make room. Returns the evicted signal id, or "" when every
// delivery is in flight and nothing can be evicted.
func (s *subscription) dropOldest() string {
	if len(s.fifo) > 0 {
		id := s.fifo[0]
		s.fifo = s.fifo[1:]
		s.forget(id)
		s.dropped++
		return id
	}

	var oldest *PendingDelivery
	for _, d := range s.deliveries {
		if d.Status != StatusRetryWait {
			continue
		}
		if oldest == nil || d.StreamVersion < oldest.StreamVersion {
			oldest = d
		}
	}
	if oldest == nil {
		return ""
	}
	s.forget(oldest.SignalID)
	s.dropped++
	return oldest.SignalID
}

// promote moves pending deliveries to in_flight up to MaxInFlight, in FIFO
// order, preserving first-attempt log ordering. Returns the records to
// dispatch.
func (s *subscription) promote(now time.Time) []*signal.Recorded {
	var out []*signal.Recorded
	for s.inFlight < s.opts.MaxInFlight && len(s.fifo) > 0 {
		id := s.fifo[0]
		s.fifo = s.fifo[1:]

		d, ok := s.deliveries[id]
		if !ok || d.Status != StatusPending {
			continue
		}
		d.Status = StatusInFlight
		d.AttemptCount++
		d.LastAttemptAt = now
		s.inFlight++
		out = append(out, s.records[id])
	}
	return out
}

// onDispatchResult folds a delivery attempt outcome back into the state
// machine. A failure either schedules a retry or dead-letters the delivery
// once MaxAttempts is reached. Success leaves the delivery in_flight until
// the subscriber acks. Returns the dead letter, if one was created.
func (s *subscription) onDispatchResult(signalID string, dispatchErr error, now time.Time) *DeadLetter {
	d, ok := s.deliveries[signalID]
	if !ok || d.Status != StatusInFlight {
		// Already acked, dropped, or the subscription saw a concurrent
		// transition; nothing to fold.
		return nil
	}

	if dispatchErr == nil {
		// Stay in_flight awaiting the subscriber's ack.
		return nil
	}

	s.inFlight--

	if d.AttemptCount >= s.opts.MaxAttempts {
		d.Status = StatusDeadLettered
		rec := s.records[signalID]
		s.forget(signalID)

		dl := &DeadLetter{
			SubscriptionID: s.id,
			Record:         rec,
			Attempts:       d.AttemptCount,
			LastError:      dispatchErr.Error(),
			DeadLetteredAt: now,
		}
		s.deadLetters = append(s.deadLetters, dl)
		return dl
	}

	d.Status = StatusRetryWait
	d.NextRetryAt = now.Add(s.retry.Backoff(d.AttemptCount))
	return nil
}

// tick promotes retry_wait deliveries whose backoff has elapsed, oldest
// stream version first, bounded by MaxInFlight. Returns the records to
// redispatch.
func (s *subscription) tick(now time.Time) []*signal.Recorded {
	if s.inFlight >= s.opts.MaxInFlight {
		return nil
	}

	var due []*PendingDelivery
	for _, d := range s.deliveries {
		if d.Status == StatusRetryWait && !d.NextRetryAt.After(now) {
			due = append(due, d)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sortDeliveries(due)

	var out []*signal.Recorded
	for _, d := range due {
		if s.inFlight >= s.opts.MaxInFlight {
			break
		}
		d.Status = StatusInFlight
		d.AttemptCount++
		d.LastAttemptAt = now
		s.inFlight++
		out = append(out, s.records[d.SignalID])
	}
	return out
}

// onAck acknowledges a delivery and advances the checkpoint. Acking an
// unknown or already-acked id is a no-op; a dead-lettered entry is never
// resurrected. Reports whether capacity was freed.
func (s *subscription) onAck(signalID string) bool {
	d, ok := s.deliveries[signalID]
	if !ok {
		return false
	}

	if d.Status == StatusInFlight {
		s.inFlight--
	}
	if d.Status == StatusPending {
		s.removeFromFIFO(signalID)
	}
	d.Status = StatusAcked

	if d.StreamVersion > s.checkpoint {
		s.checkpoint = d.StreamVersion
	}
	s.forget(signalID)
	return true
}

// forget destroys a delivery's tracking state.
func (s *subscription) forget(signalID string) {
	delete(s.deliveries, signalID)
	delete(s.records, signalID)
}

func (s *subscription) removeFromFIFO(signalID string) {
	for i, id := range s.fifo {
		if id == signalID {
			s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
			return
		}
	}
}

// Stats summarizes a subscription's delivery state.
type Stats struct {
	SubscriptionID string
	Pattern        string
	Checkpoint     uint64
	Pending        int
	InFlight       int
	RetryWait      int
	DeadLettered   int
	Dropped        uint64
}

func (s *subscription) stats() Stats {
	st := Stats{
		SubscriptionID: s.id,
		Pattern:        s.pattern,
		Checkpoint:     s.checkpoint,
		DeadLettered:   len(s.deadLetters),
		Dropped:        s.dropped,
	}
	for _, d := range s.deliveries {
		switch d.Status {
		case StatusPending:
			st.Pending++
		case StatusInFlight:
			st.InFlight++
		case StatusRetryWait:
			st.RetryWait++
		}
	}
	return st
}

func sortDeliveries(due []*PendingDelivery) {
	// Insertion sort: the due set is tiny and almost always ordered.
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].StreamVersion < due[j-1].StreamVersion; j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
}
