package signalbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/signalbus/pkg/signalbus/checkpoint"
	"github.com/randalmurphal/signalbus/pkg/signalbus/dispatch"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/journal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/observability"
	"github.com/randalmurphal/signalbus/pkg/signalbus/router"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// Defaults for bus configuration.
const (
	DefaultStreamID        = "signals"
	DefaultWorkers         = 8
	DefaultDispatchTimeout = 30 * time.Second
	DefaultHookTimeout     = 100 * time.Millisecond
	DefaultTickInterval    = 25 * time.Millisecond
)

// PublishHook runs before a batch is appended. Hook failures and timeouts
// are logged and skipped; they never veto the publish.
type PublishHook func(ctx context.Context, sigs []*signal.Signal) error

// RecordHook runs after a batch is appended, with the log records.
type RecordHook func(ctx context.Context, recs []*signal.Recorded) error

// Config configures a Bus. The zero value is usable; New fills defaults.
type Config struct {
	// StreamID names the log stream. Default "signals".
	StreamID string

	// Logger receives structured bus logs. Default slog.Default().
	Logger *slog.Logger

	// Dispatcher resolves delivery targets. Default dispatch.NewRegistry().
	Dispatcher dispatch.Dispatcher

	// Journal, when set, records every published signal and its causality
	// edge.
	Journal *journal.Journal

	// Checkpoints, when set, persists subscription checkpoints on ack and
	// rehydrates them at subscribe time.
	Checkpoints checkpoint.Store

	// Workers bounds concurrent delivery attempts. Default 8.
	Workers int

	// DispatchTimeout bounds a single delivery attempt. Default 30s.
	DispatchTimeout time.Duration

	// HookTimeout bounds a single middleware hook. An overrunning hook is
	// abandoned and logged; processing continues. Default 100ms.
	HookTimeout time.Duration

	// TickInterval drives retry promotion. Default 25ms.
	TickInterval time.Duration

	// Metrics records bus metrics. Default observability.NoopMetrics{}.
	Metrics observability.MetricsRecorder

	// Spans traces publishes and deliveries.
	// Default observability.NoopSpanManager{}.
	Spans observability.SpanManager

	// BeforePublish hooks run before each batch is appended.
	BeforePublish []PublishHook

	// AfterPublish hooks run after each batch is appended.
	AfterPublish []RecordHook
}

// DefaultConfig is the standard bus configuration.
var DefaultConfig = Config{
	StreamID:        DefaultStreamID,
	Workers:         DefaultWorkers,
	DispatchTimeout: DefaultDispatchTimeout,
	HookTimeout:     DefaultHookTimeout,
	TickInterval:    DefaultTickInterval,
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.StreamID == "" {
		c.StreamID = DefaultStreamID
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dispatcher == nil {
		c.Dispatcher = dispatch.NewRegistry()
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = DefaultHookTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	return c
}

// dispatchJob is one delivery attempt handed to the worker pool.
type dispatchJob struct {
	subID      string
	persistent bool
	attempt    int
	target     dispatch.TargetConfig
	rec        *signal.Recorded
}

// dispatchResult is a completed attempt folded back into the loop.
type dispatchResult struct {
	job dispatchJob
	err error
}

// Bus is a structured in-process signal bus: an append-only log with
// pattern-routed fan-out, persistent subscriptions with retry and
// dead-lettering, and point-in-time snapshots.
//
// All bus state is owned by a single command loop; public methods submit
// commands and wait for their completion. Log and snapshot reads bypass the
// loop via atomically published views.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	cmdCh    chan func()
	jobCh    chan dispatchJob
	resultCh chan dispatchResult
	closeCh  chan struct{}
	loopDone chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	// log is the published view of the append-only stream. Readers load
	// it atomically and only ever observe a committed prefix.
	log atomic.Pointer[[]*signal.Recorded]

	snapshots *snapshotStore

	// Loop-owned state. Touched only by commands running on the loop.
	version  uint64
	subs     map[string]*subscription
	routes   *router.Router[string]
	jobQueue []dispatchJob
}

// New creates and starts a bus.
func New(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:       cfg,
		logger:    cfg.Logger,
		cmdCh:     make(chan func(), 64),
		jobCh:     make(chan dispatchJob),
		resultCh:  make(chan dispatchResult, cfg.Workers),
		closeCh:   make(chan struct{}),
		loopDone:  make(chan struct{}),
		snapshots: newSnapshotStore(),
		subs:      make(map[string]*subscription),
		routes:    router.New[string](),
	}
	empty := make([]*signal.Recorded, 0)
	b.log.Store(&empty)

	b.wg.Add(1 + cfg.Workers)
	go b.loop()
	for i := 0; i < cfg.Workers; i++ {
		go b.worker()
	}
	return b
}

// Close stops the bus. Queued commands are drained, in-flight deliveries are
// abandoned, and blocked publishers are released with ErrBusClosed.
// Injected stores (journal, checkpoints) are not closed; their owner is.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closeCh)
	b.wg.Wait()
	return nil
}

// loop is the single writer for all bus state.
func (b *Bus) loop() {
	defer b.wg.Done()
	defer close(b.loopDone)

	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		// Offer the head of the job queue only when one exists; a nil
		// channel never sends.
		var jobOut chan dispatchJob
		var next dispatchJob
		if len(b.jobQueue) > 0 {
			jobOut = b.jobCh
			next = b.jobQueue[0]
		}

		select {
		case cmd := <-b.cmdCh:
			cmd()
		case jobOut <- next:
			b.jobQueue = b.jobQueue[1:]
		case res := <-b.resultCh:
			b.onResult(res)
		case <-ticker.C:
			b.onTick(time.Now())
		case <-b.closeCh:
			// Drain already-accepted commands so no caller is left
			// waiting on a command that never ran.
			for {
				select {
				case cmd := <-b.cmdCh:
					cmd()
				default:
					return
				}
			}
		}
	}
}

// worker performs delivery attempts and reports results to the loop.
func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case job := <-b.jobCh:
			res := dispatchResult{job: job, err: b.dispatchOne(job)}
			select {
			case b.resultCh <- res:
			case <-b.loopDone:
				return
			}
		case <-b.closeCh:
			return
		}
	}
}

// dispatchOne performs a single delivery attempt under the dispatch timeout.
// Delivery contexts are detached from the publisher's context: a publisher
// going away must not cancel subscriber deliveries.
func (b *Bus) dispatchOne(job dispatchJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DispatchTimeout)
	defer cancel()

	ctx, span := b.cfg.Spans.StartDispatchSpan(ctx, job.subID, job.rec.Signal.ID)
	start := time.Now()
	err := b.cfg.Dispatcher.Dispatch(ctx, job.rec.Signal, job.target)
	b.cfg.Metrics.RecordDispatch(ctx, string(job.target.Kind), time.Since(start), err)
	b.cfg.Spans.EndSpanWithError(span, err)

	if err != nil {
		return &sberrors.DispatchError{
			SubscriptionID: job.subID,
			SignalID:       job.rec.Signal.ID,
			Attempt:        job.attempt,
			Err:            err,
		}
	}
	return nil
}

// do submits a command to the loop and waits for it to run.
func (b *Bus) do(ctx context.Context, fn func()) error {
	if b.closed.Load() {
		return sberrors.ErrBusClosed
	}

	done := make(chan struct{})
	select {
	case b.cmdCh <- func() { fn(); close(done) }:
	case <-b.loopDone:
		return sberrors.ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted, the loop's close-drain guarantees the command runs,
	// so waiting on done is bounded. The loopDone branch only fires for a
	// command that raced past the drain and was never picked up.
	select {
	case <-done:
		return nil
	case <-b.loopDone:
		select {
		case <-done:
			return nil
		default:
			return sberrors.ErrBusClosed
		}
	}
}

// logView returns the committed log prefix. Lock-free.
func (b *Bus) logView() []*signal.Recorded {
	return *b.log.Load()
}

// appendLog publishes new records to readers. Loop only.
func (b *Bus) appendLog(recs []*signal.Recorded) {
	next := append(*b.log.Load(), recs...)
	b.log.Store(&next)
}

// Version returns the current stream version: the number of signals
// appended so far.
func (b *Bus) Version() uint64 {
	return uint64(len(b.logView()))
}

// publishOptions carry per-batch causality metadata.
type publishOptions struct {
	causeID       string
	correlationID string
}

// PublishOption configures a publish batch.
type PublishOption func(*publishOptions)

// WithCause marks every signal in the batch as caused by the given signal.
// The edge is validated and recorded when a journal is attached.
func WithCause(causeID string) PublishOption {
	return func(o *publishOptions) {
		o.causeID = causeID
	}
}

// WithCorrelation groups the batch under a correlation id. Defaults to each
// signal's own id when unset.
func WithCorrelation(correlationID string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = correlationID
	}
}

// PublishSignal publishes a single signal. See Publish.
func (b *Bus) PublishSignal(ctx context.Context, sig *signal.Signal, opts ...PublishOption) (*signal.Recorded, error) {
	recs, err := b.Publish(ctx, []*signal.Signal{sig}, opts...)
	if len(recs) == 1 {
		return recs[0], err
	}
	return nil, err
}

// Publish validates, journals, and appends a batch of signals, then fans
// them out to matching subscriptions. Deliveries are asynchronous; the
// returned records carry the assigned stream versions.
//
// Validation failures and journal rejections abort the publish with nothing
// appended. After the append, per-subscriber conditions never fail the
// batch: Reject-policy overflows are reported in the returned error
// alongside the records, and dispatch failures stay isolated per
// subscriber. Under the default Block policy, Publish waits for parked
// deliveries to be admitted; it returns early with the context's error or
// ErrBusClosed while the deliveries remain parked.
func (b *Bus) Publish(ctx context.Context, sigs []*signal.Signal, opts ...PublishOption) ([]*signal.Recorded, error) {
	if len(sigs) == 0 {
		return nil, nil
	}
	for _, sig := range sigs {
		if err := sig.Validate(); err != nil {
			return nil, err
		}
	}

	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}

	ctx, span := b.cfg.Spans.StartPublishSpan(ctx, b.cfg.StreamID, len(sigs))
	defer func() { b.cfg.Spans.EndSpanWithError(span, nil) }()

	for _, hook := range b.cfg.BeforePublish {
		h := hook
		b.runHook(ctx, "before_publish", func(hctx context.Context) error {
			return h(hctx, sigs)
		})
	}

	var (
		recs     []*signal.Recorded
		blockers []*blocker
		pubErr   error
	)
	err := b.do(ctx, func() {
		recs, blockers, pubErr = b.publishLocked(ctx, sigs, po)
	})
	if err != nil {
		return nil, err
	}
	if recs == nil && pubErr != nil {
		return nil, pubErr
	}

	for _, bl := range blockers {
		select {
		case <-bl.done:
		case <-b.loopDone:
			return recs, sberrors.ErrBusClosed
		case <-ctx.Done():
			return recs, ctx.Err()
		}
	}

	for _, hook := range b.cfg.AfterPublish {
		h := hook
		b.runHook(ctx, "after_publish", func(hctx context.Context) error {
			return h(hctx, recs)
		})
	}

	return recs, pubErr
}

// publishLocked performs the append and fan-out. Loop only.
func (b *Bus) publishLocked(ctx context.Context, sigs []*signal.Signal, po publishOptions) ([]*signal.Recorded, []*blocker, error) {
	// Journal first: a rejected causality edge aborts the batch before
	// anything reaches the log.
	if b.cfg.Journal != nil {
		for _, sig := range sigs {
			if err := b.cfg.Journal.Record(ctx, sig, po.causeID); err != nil {
				return nil, nil, err
			}
		}
	}

	now := time.Now()
	recs := make([]*signal.Recorded, len(sigs))
	for i, sig := range sigs {
		b.version++
		correlation := po.correlationID
		if correlation == "" {
			correlation = sig.ID
		}
		recs[i] = &signal.Recorded{
			Signal:        sig,
			StreamID:      b.cfg.StreamID,
			StreamVersion: b.version,
			CausationID:   po.causeID,
			CorrelationID: correlation,
		}
	}
	b.appendLog(recs)

	var (
		rejections []error
		bl         *blocker
		touched    = make(map[string]*subscription)
	)
	for _, rec := range recs {
		subIDs := b.routes.Route(rec.Signal)
		b.cfg.Metrics.RecordPublish(ctx, rec.Signal.Type, len(subIDs))
		observability.LogPublish(b.logger, rec.Signal.Type, rec.StreamVersion, len(subIDs))

		for _, subID := range subIDs {
			sub, ok := b.subs[subID]
			if !ok {
				continue
			}

			if !sub.opts.Persistent {
				b.jobQueue = append(b.jobQueue, dispatchJob{
					subID:   sub.id,
					attempt: 1,
					target:  sub.target,
					rec:     rec,
				})
				continue
			}

			touched[sub.id] = sub

			if sub.hasCapacity() {
				sub.onPublished(rec)
				continue
			}

			switch sub.opts.Overflow {
			case OverflowDropOldest:
				if evicted := sub.dropOldest(); evicted != "" {
					observability.LogOverflowDrop(b.logger, sub.id, evicted)
					sub.onPublished(rec)
					continue
				}
				// Everything is in flight; nothing to evict.
				rejections = append(rejections, &sberrors.CapacityError{
					SubscriptionID: sub.id,
					Pending:        sub.size(),
					Limit:          sub.opts.MaxPending,
				})
			case OverflowReject:
				rejections = append(rejections, &sberrors.CapacityError{
					SubscriptionID: sub.id,
					Pending:        sub.size(),
					Limit:          sub.opts.MaxPending,
				})
			default: // OverflowBlock
				if bl == nil {
					bl = &blocker{done: make(chan struct{})}
				}
				bl.remaining++
				sub.overflow = append(sub.overflow, parked{rec: rec, blocker: bl})
			}
		}
	}

	for _, sub := range touched {
		b.enqueue(sub, sub.promote(now))
		b.cfg.Metrics.RecordQueueDepth(ctx, sub.id, sub.size())
	}

	var blockers []*blocker
	if bl != nil {
		blockers = append(blockers, bl)
	}
	return recs, blockers, errors.Join(rejections...)
}

// enqueue turns promoted records into worker jobs. Loop only.
func (b *Bus) enqueue(sub *subscription, recs []*signal.Recorded) {
	for _, rec := range recs {
		attempt := 1
		if d, ok := sub.deliveries[rec.Signal.ID]; ok {
			attempt = d.AttemptCount
		}
		b.jobQueue = append(b.jobQueue, dispatchJob{
			subID:      sub.id,
			persistent: true,
			attempt:    attempt,
			target:     sub.target,
			rec:        rec,
		})
	}
}

// onResult folds a completed delivery attempt into its subscription.
// Loop only.
func (b *Bus) onResult(res dispatchResult) {
	sub, ok := b.subs[res.job.subID]
	if !ok {
		// Unsubscribed while the attempt was in flight; discard.
		return
	}

	if !res.job.persistent {
		// Fire-and-forget: failures are isolated and only observable.
		if res.err != nil {
			observability.LogDispatchError(b.logger, sub.id, res.job.rec.Signal.ID, res.job.attempt, res.err)
		}
		return
	}

	now := time.Now()
	if res.err != nil {
		observability.LogDispatchError(b.logger, sub.id, res.job.rec.Signal.ID, res.job.attempt, res.err)
	}

	if dl := sub.onDispatchResult(res.job.rec.Signal.ID, res.err, now); dl != nil {
		observability.LogDeadLetter(b.logger, sub.id, dl.Record.Signal.ID, dl.Attempts, dl.LastError)
		b.cfg.Metrics.RecordDeadLetter(context.Background(), dl.Record.Signal.Type)
		// Dead-lettering frees capacity.
		b.admitParked(sub, now)
	}

	b.enqueue(sub, sub.promote(now))
}

// onTick promotes due retries across all subscriptions. Loop only.
func (b *Bus) onTick(now time.Time) {
	for _, sub := range b.subs {
		if !sub.opts.Persistent {
			continue
		}
		b.enqueue(sub, sub.tick(now))
	}
}

// admitParked moves parked deliveries into the subscription as capacity
// frees, releasing their blocked publishers. Loop only.
func (b *Bus) admitParked(sub *subscription, now time.Time) {
	for len(sub.overflow) > 0 && sub.hasCapacity() {
		p := sub.overflow[0]
		sub.overflow = sub.overflow[1:]
		sub.onPublished(p.rec)
		if p.blocker != nil {
			p.blocker.admit()
		}
	}
	b.enqueue(sub, sub.promote(now))
}

// Subscribe registers a subscription for a pattern and returns its id.
// Delivery starts immediately for live signals; a ReplaySince option or a
// rehydrated checkpoint also delivers the matching backlog, in log order.
// The replay cursor is fixed atomically against concurrent publishes: no
// gaps, no duplicates.
func (b *Bus) Subscribe(ctx context.Context, pattern string, target dispatch.TargetConfig, opts SubscribeOptions) (string, error) {
	if err := router.ValidatePattern(pattern); err != nil {
		return "", err
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return "", err
	}
	if err := validateTarget(target); err != nil {
		return "", err
	}

	sub := newSubscription(pattern, target, opts)

	var subErr error
	err = b.do(ctx, func() {
		subErr = b.subscribeLocked(sub)
	})
	if err != nil {
		return "", err
	}
	if subErr != nil {
		return "", subErr
	}
	return sub.id, nil
}

func validateTarget(target dispatch.TargetConfig) error {
	switch target.Kind {
	case dispatch.KindProcess:
		if target.Handler == nil {
			return &signal.ValidationError{Field: "target", Message: "process target requires a handler"}
		}
	case dispatch.KindWebhook:
		if target.URL == "" {
			return &signal.ValidationError{Field: "target", Message: "webhook target requires a URL"}
		}
	case dispatch.KindPubSub, dispatch.KindLogger:
	case "":
		return &signal.ValidationError{Field: "target", Message: "kind is required"}
	}
	return nil
}

// subscribeLocked registers the subscription and replays its backlog.
// Loop only.
func (b *Bus) subscribeLocked(sub *subscription) error {
	if _, exists := b.subs[sub.id]; exists {
		return &signal.ValidationError{
			Field:   "subscription_id",
			Message: fmt.Sprintf("%q is already subscribed", sub.id),
		}
	}

	rehydrated := false
	if sub.opts.Persistent && b.cfg.Checkpoints != nil {
		cp, err := b.cfg.Checkpoints.Load(sub.id)
		switch {
		case err == nil:
			sub.checkpoint = cp.Position
			rehydrated = true
		case errors.Is(err, checkpoint.ErrNotFound):
		default:
			observability.LogCheckpointError(b.logger, sub.id, "load", err)
		}
	}

	if err := b.routes.Add(router.Route[string]{
		Pattern:   sub.pattern,
		Priority:  sub.opts.Priority,
		Handler:   sub.id,
		Predicate: sub.opts.Predicate,
	}); err != nil {
		return err
	}
	b.subs[sub.id] = sub

	// Backlog replay: the cursor is the log view at this instant. Later
	// publishes run on this same loop and see the registered route, so
	// the backlog and live deliveries are gap- and duplicate-free.
	now := time.Now()
	for _, rec := range b.logView() {
		if !b.backlogMatch(sub, rec, rehydrated) {
			continue
		}
		if !sub.opts.Persistent {
			b.jobQueue = append(b.jobQueue, dispatchJob{
				subID:   sub.id,
				attempt: 1,
				target:  sub.target,
				rec:     rec,
			})
			continue
		}
		if sub.hasCapacity() {
			sub.onPublished(rec)
		} else {
			// Admitted later as capacity frees; Subscribe never blocks
			// on its own backlog.
			sub.overflow = append(sub.overflow, parked{rec: rec})
		}
	}
	b.enqueue(sub, sub.promote(now))
	return nil
}

// backlogMatch decides whether a historical record is owed to a new
// subscription.
func (b *Bus) backlogMatch(sub *subscription, rec *signal.Recorded, rehydrated bool) bool {
	if !router.MatchType(sub.pattern, rec.Signal.Type) {
		return false
	}
	if sub.opts.Predicate != nil && !sub.opts.Predicate(rec.Signal) {
		return false
	}
	if sub.opts.Persistent && rec.StreamVersion <= sub.checkpoint {
		return false
	}
	if sub.opts.ReplaySince != nil && !rec.Signal.Time.Before(*sub.opts.ReplaySince) {
		return true
	}
	return rehydrated
}

// Unsubscribe removes a subscription. In-flight delivery results are
// discarded on arrival; publishers blocked on the subscription's capacity
// are released. A persisted checkpoint is kept so a later Subscribe with the
// same id resumes where it left off.
func (b *Bus) Unsubscribe(ctx context.Context, subscriptionID string) error {
	var opErr error
	err := b.do(ctx, func() {
		sub, ok := b.subs[subscriptionID]
		if !ok {
			opErr = sberrors.ErrSubscriptionNotFound
			return
		}
		b.routes.Remove(subscriptionID)
		for _, p := range sub.overflow {
			if p.blocker != nil {
				p.blocker.admit()
			}
		}
		delete(b.subs, subscriptionID)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Ack acknowledges a delivered signal, advancing the subscription's
// checkpoint and freeing capacity. Acking an unknown or already-acked id is
// a no-op; a dead-lettered delivery is never resurrected.
func (b *Bus) Ack(ctx context.Context, subscriptionID, signalID string) error {
	var opErr error
	err := b.do(ctx, func() {
		sub, ok := b.subs[subscriptionID]
		if !ok {
			opErr = sberrors.ErrSubscriptionNotFound
			return
		}
		if !sub.opts.Persistent {
			opErr = &signal.ValidationError{
				Field:   "subscription_id",
				Message: "ack is only valid for persistent subscriptions",
			}
			return
		}
		if !sub.onAck(signalID) {
			return
		}

		if b.cfg.Checkpoints != nil {
			saveErr := b.cfg.Checkpoints.Save(checkpoint.Checkpoint{
				SubscriptionID: sub.id,
				Pattern:        sub.pattern,
				Position:       sub.checkpoint,
				UpdatedAt:      time.Now().UTC(),
			})
			if saveErr != nil {
				observability.LogCheckpointError(b.logger, sub.id, "save", saveErr)
			}
		}

		b.admitParked(sub, time.Now())
	})
	if err != nil {
		return err
	}
	return opErr
}

// Replay returns historical records matching a pattern since a time, oldest
// first, without side effects on subscriptions. A limit of zero means no
// cap.
func (b *Bus) Replay(ctx context.Context, pattern string, since time.Time, limit int) ([]*signal.Recorded, error) {
	if err := router.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*signal.Recorded
	for _, rec := range b.logView() {
		if !router.MatchType(pattern, rec.Signal.Type) {
			continue
		}
		if !since.IsZero() && rec.Signal.Time.Before(since) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeadLetters returns the subscription's dead-letter queue, oldest first.
func (b *Bus) DeadLetters(ctx context.Context, subscriptionID string) ([]*DeadLetter, error) {
	var (
		out   []*DeadLetter
		opErr error
	)
	err := b.do(ctx, func() {
		sub, ok := b.subs[subscriptionID]
		if !ok {
			opErr = sberrors.ErrSubscriptionNotFound
			return
		}
		out = make([]*DeadLetter, len(sub.deadLetters))
		copy(out, sub.deadLetters)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// SubscriptionStats returns a point-in-time summary of a subscription's
// delivery state.
func (b *Bus) SubscriptionStats(ctx context.Context, subscriptionID string) (Stats, error) {
	var (
		st    Stats
		opErr error
	)
	err := b.do(ctx, func() {
		sub, ok := b.subs[subscriptionID]
		if !ok {
			opErr = sberrors.ErrSubscriptionNotFound
			return
		}
		st = sub.stats()
	})
	if err != nil {
		return Stats{}, err
	}
	return st, opErr
}

// CreateSnapshot captures a point-in-time view of matching signals. The
// snapshot observes a single consistent log version.
func (b *Bus) CreateSnapshot(ctx context.Context, pattern string, opts SnapshotOptions) (*SnapshotRef, error) {
	if err := router.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	var ref *SnapshotRef
	err := b.do(ctx, func() {
		ref = b.snapshots.capture(pattern, b.logView(), opts)
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// Snapshot returns a snapshot's captured data. The data is immutable;
// signals published after the snapshot are invisible to it. Lock-free.
func (b *Bus) Snapshot(id string) (*SnapshotData, error) {
	return b.snapshots.read(id)
}

// Snapshots lists stored snapshots, oldest first. Lock-free.
func (b *Bus) Snapshots() []SnapshotRef {
	return b.snapshots.list()
}

// DeleteSnapshot removes a snapshot.
func (b *Bus) DeleteSnapshot(ctx context.Context, id string) error {
	var opErr error
	err := b.do(ctx, func() {
		opErr = b.snapshots.delete(id)
	})
	if err != nil {
		return err
	}
	return opErr
}

// CleanupSnapshots removes every snapshot the keep function rejects and
// returns the number removed. A nil keep removes all snapshots.
func (b *Bus) CleanupSnapshots(ctx context.Context, keep func(SnapshotRef) bool) (int, error) {
	var removed int
	err := b.do(ctx, func() {
		removed = b.snapshots.cleanup(keep)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// runHook runs one middleware hook under the hook timeout. An overrunning
// hook is abandoned, a failing one logged; neither stops processing.
func (b *Bus) runHook(ctx context.Context, stage string, run func(context.Context) error) {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(hctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			observability.LogHookError(b.logger, stage, err)
		}
	case <-hctx.Done():
		observability.LogHookTimeout(b.logger, stage, b.cfg.HookTimeout)
	}
}
