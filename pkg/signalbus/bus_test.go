package signalbus_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/signalbus/pkg/signalbus"
	"github.com/randalmurphal/signalbus/pkg/signalbus/checkpoint"
	"github.com/randalmurphal/signalbus/pkg/signalbus/dispatch"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/journal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestBus(t *testing.T, cfg signalbus.Config) *signalbus.Bus {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	bus := signalbus.New(cfg)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestBus_PublishAssignsVersions(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	recs, err := bus.Publish(ctx, []*signal.Signal{
		signal.New("order.created", "/billing", nil),
		signal.New("order.paid", "/billing", nil),
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, uint64(1), recs[0].StreamVersion)
	assert.Equal(t, uint64(2), recs[1].StreamVersion)
	assert.Equal(t, signalbus.DefaultStreamID, recs[0].StreamID)
	assert.Equal(t, uint64(2), bus.Version())
}

func TestBus_PublishRejectsInvalidSignal(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})

	_, err := bus.Publish(context.Background(), []*signal.Signal{
		{ID: "x", Type: "order.created"}, // missing source
	})
	require.Error(t, err)
	assert.Zero(t, bus.Version(), "nothing appended")
}

func TestBus_TransientDelivery(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	var got atomic.Int32
	_, err := bus.Subscribe(ctx, "order.*", dispatch.Process(
		func(_ context.Context, _ *signal.Signal) error {
			got.Add(1)
			return nil
		}), signalbus.SubscribeOptions{})
	require.NoError(t, err)

	_, err = bus.PublishSignal(ctx, signal.New("order.created", "/billing", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.Load() == 1 }, waitFor, tick)

	// Non-matching type is not delivered.
	_, err = bus.PublishSignal(ctx, signal.New("payment.created", "/billing", nil))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestBus_FaultIsolation(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	var healthy atomic.Int32
	_, err := bus.Subscribe(ctx, "order.*", dispatch.Process(
		func(_ context.Context, _ *signal.Signal) error {
			return fmt.Errorf("subscriber bug")
		}), signalbus.SubscribeOptions{})
	require.NoError(t, err)

	_, err = bus.Subscribe(ctx, "order.*", dispatch.Process(
		func(_ context.Context, _ *signal.Signal) error {
			healthy.Add(1)
			return nil
		}), signalbus.SubscribeOptions{})
	require.NoError(t, err)

	// The failing subscriber never fails the publish or starves the other.
	recs, err := bus.Publish(ctx, []*signal.Signal{signal.New("order.created", "/billing", nil)})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.Eventually(t, func() bool { return healthy.Load() == 1 }, waitFor, tick)
}

func TestBus_PersistentRetryThenAck(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	const subID = "billing"
	var attempts atomic.Int32

	_, err := bus.Subscribe(ctx, "order.*", dispatch.Process(
		func(hctx context.Context, sig *signal.Signal) error {
			n := attempts.Add(1)
			if n < 3 {
				return fmt.Errorf("transient failure %d", n)
			}
			return bus.Ack(hctx, subID, sig.ID)
		}), signalbus.SubscribeOptions{
		SubscriptionID: subID,
		Persistent:     true,
		MaxAttempts:    5,
		RetryInterval:  20 * time.Millisecond,
	})
	require.NoError(t, err)

	rec, err := bus.PublishSignal(ctx, signal.New("order.created", "/billing", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := bus.SubscriptionStats(ctx, subID)
		return err == nil && st.Checkpoint == rec.StreamVersion
	}, waitFor, tick)

	assert.Equal(t, int32(3), attempts.Load())

	dls, err := bus.DeadLetters(ctx, subID)
	require.NoError(t, err)
	assert.Empty(t, dls)
}

func TestBus_DeadLetterAfterExhaustion(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	const subID = "flaky"
	_, err := bus.Subscribe(ctx, "order.*", dispatch.Process(
		func(_ context.Context, _ *signal.Signal) error {
			return fmt.Errorf("always fails")
		}), signalbus.SubscribeOptions{
		SubscriptionID: subID,
		Persistent:     true,
		MaxAttempts:    2,
		RetryInterval:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	rec, err := bus.PublishSignal(ctx, signal.New("order.created", "/billing", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dls, err := bus.DeadLetters(ctx, subID)
		return err == nil && len(dls) == 1
	}, waitFor, tick)

	dls, err := bus.DeadLetters(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, rec.Signal.ID, dls[0].Record.Signal.ID)
	assert.Equal(t, 2, dls[0].Attempts)
	assert.Contains(t, dls[0].LastError, "always fails")

	// The checkpoint never advances past a dead-lettered delivery by ack.
	st, err := bus.SubscriptionStats(ctx, subID)
	require.NoError(t, err)
	assert.Zero(t, st.Checkpoint)
	assert.Equal(t, 1, st.DeadLettered)
}

func TestBus_MaxInFlightSerializesDeliveries(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	const subID = "serial"
	var (
		inFlight    atomic.Int32
		maxObserved atomic.Int32
		order       []string
		mu          sync.Mutex
	)

	_, err := bus.Subscribe(ctx, "order.*", dispatch.Process(
		func(hctx context.Context, sig *signal.Signal) error {
			cur := inFlight.Add(1)
			for {
				prev := maxObserved.Load()
				if cur <= prev || maxObserved.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			order = append(order, sig.Type)
			mu.Unlock()
			inFlight.Add(-1)
			return bus.Ack(hctx, subID, sig.ID)
		}), signalbus.SubscribeOptions{
		SubscriptionID: subID,
		Persistent:     true,
		MaxInFlight:    1,
	})
	require.NoError(t, err)

	recs, err := bus.Publish(ctx, []*signal.Signal{
		signal.New("order.a", "/t", nil),
		signal.New("order.b", "/t", nil),
		signal.New("order.c", "/t", nil),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := bus.SubscriptionStats(ctx, subID)
		return err == nil && st.Checkpoint == recs[2].StreamVersion
	}, waitFor, tick)

	assert.Equal(t, int32(1), maxObserved.Load(), "never more than MaxInFlight concurrent")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"order.a", "order.b", "order.c"}, order,
		"first-attempt deliveries preserve log order")
}

func TestBus_OverflowReject(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	// Handler never acks, so capacity never frees.
	_, err := bus.Subscribe(ctx, "order.*", dispatch.Process(
		func(_ context.Context, _ *signal.Signal) error { return nil },
	), signalbus.SubscribeOptions{
		SubscriptionID: "tiny",
		Persistent:     true,
		MaxPending:     1,
		Overflow:       signalbus.OverflowReject,
	})
	require.NoError(t, err)

	_, err = bus.PublishSignal(ctx, signal.New("order.created", "/t", nil))
	require.NoError(t, err)

	recs, err := bus.Publish(ctx, []*signal.Signal{signal.New("order.created", "/t", nil)})
	require.Error(t, err)

	var capErr *sberrors.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "tiny", capErr.SubscriptionID)

	// The signal itself was still appended; only this subscriber rejected it.
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].StreamVersion)
}

func TestBus_OverflowBlockReleasesOnAck(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	const subID = "blocking"
	delivered := make(chan string, 8)

	_, err := bus.Subscribe(ctx, "order.*", dispatch.Process(
		func(_ context.Context, sig *signal.Signal) error {
			delivered <- sig.ID
			return nil
		}), signalbus.SubscribeOptions{
		SubscriptionID: subID,
		Persistent:     true,
		MaxPending:     1,
		Overflow:       signalbus.OverflowBlock,
	})
	require.NoError(t, err)

	first, err := bus.PublishSignal(ctx, signal.New("order.created", "/t", nil))
	require.NoError(t, err)

	// The second publish must block until the first delivery is acked.
	published := make(chan struct{})
	go func() {
		defer close(published)
		_, err := bus.PublishSignal(ctx, signal.New("order.created", "/t", nil))
		assert.NoError(t, err)
	}()

	select {
	case <-published:
		t.Fatal("publish returned before capacity freed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, bus.Ack(ctx, subID, first.Signal.ID))

	select {
	case <-published:
	case <-time.After(waitFor):
		t.Fatal("publish still blocked after ack freed capacity")
	}
}

func TestBus_ReplaySinceDeliversBacklogInOrder(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	// Explicit timestamps keep the cursor boundary unambiguous.
	base := time.Now().Add(-time.Minute)
	var history []*signal.Recorded
	for i := 0; i < 3; i++ {
		rec, err := bus.PublishSignal(ctx, signal.New(fmt.Sprintf("order.n%d", i), "/t", nil,
			signal.WithTime(base.Add(time.Duration(i)*time.Second))))
		require.NoError(t, err)
		history = append(history, rec)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	since := history[1].Signal.Time
	_, err := bus.Subscribe(ctx, "order.**", dispatch.Process(
		func(_ context.Context, sig *signal.Signal) error {
			mu.Lock()
			got = append(got, sig.Type)
			mu.Unlock()
			return nil
		}), signalbus.SubscribeOptions{ReplaySince: &since})
	require.NoError(t, err)

	// Backlog from the cursor, then live signals, no gaps or duplicates.
	_, err = bus.PublishSignal(ctx, signal.New("order.live", "/t", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"order.n1", "order.n2", "order.live"}, got)
}

func TestBus_Replay(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	for _, st := range []string{"order.created", "payment.created", "order.paid"} {
		_, err := bus.PublishSignal(ctx, signal.New(st, "/t", nil))
		require.NoError(t, err)
	}

	recs, err := bus.Replay(ctx, "order.**", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "order.created", recs[0].Signal.Type)
	assert.Equal(t, "order.paid", recs[1].Signal.Type)

	limited, err := bus.Replay(ctx, "**", time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = bus.Replay(ctx, "bad..pattern", time.Time{}, 0)
	assert.Error(t, err)
}

func TestBus_CheckpointRehydration(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	bus := newTestBus(t, signalbus.Config{Checkpoints: store})
	ctx := context.Background()

	const subID = "durable"
	acked := make(chan string, 8)

	subscribe := func() {
		_, err := bus.Subscribe(ctx, "order.*", dispatch.Process(
			func(hctx context.Context, sig *signal.Signal) error {
				if err := bus.Ack(hctx, subID, sig.ID); err != nil {
					return err
				}
				acked <- sig.Type
				return nil
			}), signalbus.SubscribeOptions{
			SubscriptionID: subID,
			Persistent:     true,
		})
		require.NoError(t, err)
	}

	subscribe()
	_, err := bus.PublishSignal(ctx, signal.New("order.first", "/t", nil))
	require.NoError(t, err)
	require.Equal(t, "order.first", <-acked)

	require.NoError(t, bus.Unsubscribe(ctx, subID))

	// Published while unsubscribed; owed after resubscribing.
	_, err = bus.PublishSignal(ctx, signal.New("order.second", "/t", nil))
	require.NoError(t, err)

	subscribe()
	select {
	case got := <-acked:
		assert.Equal(t, "order.second", got, "resumes past the checkpoint, no duplicate of order.first")
	case <-time.After(waitFor):
		t.Fatal("backlog after checkpoint was not delivered")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	var got atomic.Int32
	subID, err := bus.Subscribe(ctx, "order.*", dispatch.Process(
		func(_ context.Context, _ *signal.Signal) error {
			got.Add(1)
			return nil
		}), signalbus.SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, bus.Unsubscribe(ctx, subID))
	assert.ErrorIs(t, bus.Unsubscribe(ctx, subID), sberrors.ErrSubscriptionNotFound)

	_, err = bus.PublishSignal(ctx, signal.New("order.created", "/t", nil))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, got.Load())
}

func TestBus_AckValidation(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	assert.ErrorIs(t, bus.Ack(ctx, "missing", "sig"), sberrors.ErrSubscriptionNotFound)

	subID, err := bus.Subscribe(ctx, "order.*", dispatch.Logger(), signalbus.SubscribeOptions{})
	require.NoError(t, err)

	// Transient subscriptions have no ack protocol.
	err = bus.Ack(ctx, subID, "sig")
	require.Error(t, err)
	var verr *signal.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestBus_JournalCausality(t *testing.T) {
	j := journal.New(journal.NewMemoryStorage())
	bus := newTestBus(t, signalbus.Config{Journal: j})
	ctx := context.Background()

	root, err := bus.PublishSignal(ctx, signal.New("task.started", "/planner", nil))
	require.NoError(t, err)

	effectSig := signal.New("task.step", "/worker", nil,
		signal.WithTime(root.Signal.Time.Add(time.Second)))
	effect, err := bus.PublishSignal(ctx, effectSig, signalbus.WithCause(root.Signal.ID))
	require.NoError(t, err)
	assert.Equal(t, root.Signal.ID, effect.CausationID)

	chain, err := j.TraceChain(ctx, effect.Signal.ID, journal.Backward)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, root.Signal.ID, chain[1].ID)
}

func TestBus_JournalRejectionAbortsPublish(t *testing.T) {
	j := journal.New(journal.NewMemoryStorage())
	bus := newTestBus(t, signalbus.Config{Journal: j})
	ctx := context.Background()

	_, err := bus.PublishSignal(ctx, signal.New("task.step", "/worker", nil),
		signalbus.WithCause("no-such-cause"))
	require.Error(t, err)

	var cerr *journal.CausalityError
	assert.ErrorAs(t, err, &cerr)
	assert.Zero(t, bus.Version(), "rejected publish appends nothing")
}

func TestBus_HookTimeoutNeverBlocksPublish(t *testing.T) {
	stall := make(chan struct{})
	bus := newTestBus(t, signalbus.Config{
		HookTimeout: 30 * time.Millisecond,
		BeforePublish: []signalbus.PublishHook{
			func(ctx context.Context, _ []*signal.Signal) error {
				<-stall // never closes during the test window
				return nil
			},
		},
	})
	defer close(stall)

	start := time.Now()
	_, err := bus.PublishSignal(context.Background(), signal.New("order.created", "/t", nil))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "overrunning hook is abandoned")
}

func TestBus_HookFailureIsNonFatal(t *testing.T) {
	var afterCount atomic.Int32
	bus := newTestBus(t, signalbus.Config{
		BeforePublish: []signalbus.PublishHook{
			func(context.Context, []*signal.Signal) error {
				return fmt.Errorf("hook bug")
			},
		},
		AfterPublish: []signalbus.RecordHook{
			func(_ context.Context, recs []*signal.Recorded) error {
				afterCount.Add(int32(len(recs)))
				return nil
			},
		},
	})

	recs, err := bus.Publish(context.Background(), []*signal.Signal{
		signal.New("order.created", "/t", nil),
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int32(1), afterCount.Load())
}

func TestBus_ClosedRejectsOperations(t *testing.T) {
	bus := signalbus.New(signalbus.Config{})
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close(), "close is idempotent")

	ctx := context.Background()
	_, err := bus.PublishSignal(ctx, signal.New("order.created", "/t", nil))
	assert.ErrorIs(t, err, sberrors.ErrBusClosed)

	_, err = bus.Subscribe(ctx, "order.*", dispatch.Logger(), signalbus.SubscribeOptions{})
	assert.ErrorIs(t, err, sberrors.ErrBusClosed)
}

func TestBus_DuplicateSubscriptionID(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{})
	ctx := context.Background()

	opts := signalbus.SubscribeOptions{SubscriptionID: "dup"}
	_, err := bus.Subscribe(ctx, "order.*", dispatch.Logger(), opts)
	require.NoError(t, err)

	_, err = bus.Subscribe(ctx, "order.*", dispatch.Logger(), opts)
	assert.Error(t, err)
}

func TestBus_PriorityOrdersFanOut(t *testing.T) {
	bus := newTestBus(t, signalbus.Config{Workers: 1})
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []string
	)
	record := func(name string) dispatch.TargetConfig {
		return dispatch.Process(func(_ context.Context, _ *signal.Signal) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		})
	}

	_, err := bus.Subscribe(ctx, "order.created", record("exact"), signalbus.SubscribeOptions{})
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "order.*", record("wildcard"), signalbus.SubscribeOptions{})
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "order.**", record("multi"), signalbus.SubscribeOptions{})
	require.NoError(t, err)

	_, err = bus.PublishSignal(ctx, signal.New("order.created", "/t", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"exact", "wildcard", "multi"}, got,
		"fan-out follows specificity ordering")
}
