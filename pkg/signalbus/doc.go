/*
Package signalbus provides a structured in-process signal bus for
multi-agent runtimes.

# Overview

signalbus is a Go library for publishing structured signals to an
append-only log and fanning them out to pattern-matched subscribers with
delivery guarantees. It combines four pieces:

  - an append-only signal log with monotonic stream versions
  - a pattern trie router ("order.created", "order.*", "order.**")
  - persistent subscriptions with acks, retry, and dead-lettering
  - a causality journal and point-in-time snapshots

All bus state is owned by a single command loop, so there are no locks on
the hot path; log and snapshot reads bypass the loop entirely via
atomically published views.

# Basic Usage

Create a bus, subscribe, and publish:

	bus := signalbus.New(signalbus.Config{})
	defer bus.Close()

	ctx := context.Background()
	_, err := bus.Subscribe(ctx, "order.*", dispatch.Process(
	    func(ctx context.Context, sig *signal.Signal) error {
	        fmt.Println("got", sig.Type)
	        return nil
	    },
	), signalbus.SubscribeOptions{})
	if err != nil {
	    log.Fatal(err)
	}

	rec, err := bus.PublishSignal(ctx, signal.New("order.created", "/billing", payload))
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Println(rec.StreamVersion)

# Persistent Subscriptions

A persistent subscription requires an explicit Ack per signal. Failed or
unacked deliveries are retried on a schedule; once MaxAttempts is exhausted
the delivery moves to the subscription's dead-letter queue:

	subID, _ := bus.Subscribe(ctx, "order.**", dispatch.Process(handle),
	    signalbus.SubscribeOptions{
	        SubscriptionID: "billing",
	        Persistent:     true,
	        MaxAttempts:    5,
	        RetryInterval:  time.Second,
	    })

	// inside the handler, after the work is durable:
	bus.Ack(ctx, subID, sig.ID)

With a checkpoint store configured, a persistent subscription that
resubscribes under the same id resumes from its last acknowledged position.

# Backpressure

Each persistent subscription bounds its pending deliveries. At the limit
the publisher blocks by default; OverflowDropOldest and OverflowReject make
the pressure visible instead. Nothing is ever dropped silently.

# Causality and Snapshots

Attach a journal to record cause and effect between signals:

	j := journal.New(journal.NewMemoryStorage())
	bus := signalbus.New(signalbus.Config{Journal: j})

	rec, _ := bus.PublishSignal(ctx, first)
	bus.PublishSignal(ctx, followup, signalbus.WithCause(rec.Signal.ID))

	chain, _ := j.TraceChain(ctx, followup.ID, journal.Backward)

Snapshots capture an immutable view of matching signals at a single log
version:

	ref, _ := bus.CreateSnapshot(ctx, "order.**", signalbus.SnapshotOptions{})
	data, _ := bus.Snapshot(ref.ID)

Design Influences:
  - NATS JetStream (subject wildcards, consumer acks, replay)
  - Apache Kafka (append-only log, consumer checkpoints)
  - CloudEvents v1.0 (signal envelope)
*/
package signalbus
