// Package dispatch provides pluggable delivery adapters for the signal bus.
//
// A delivery target is described by a tagged TargetConfig; adapters form a
// closed set of variants behind the Dispatcher interface, resolved via a
// Registry rather than dynamic construction:
//   - process: invoke an in-process handler function
//   - pubsub: bridge into an external publisher
//   - webhook: HTTP POST of the serialized signal
//   - logger: structured log sink
//
// For transient subscriptions a successful dispatch is final; for persistent
// subscriptions it only marks the delivery in flight - acknowledgment is a
// separate, subscriber-driven confirmation.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// TargetKind tags a delivery target variant.
type TargetKind string

// Supported target kinds.
const (
	KindProcess TargetKind = "process"
	KindPubSub  TargetKind = "pubsub"
	KindWebhook TargetKind = "webhook"
	KindLogger  TargetKind = "logger"
)

// Handler is an in-process delivery function.
type Handler func(ctx context.Context, sig *signal.Signal) error

// TargetConfig describes where and how a signal is delivered.
// Kind selects the adapter; the remaining fields configure it.
type TargetConfig struct {
	Kind TargetKind

	// Handler is the in-process function for KindProcess.
	Handler Handler

	// Topic is the destination topic for KindPubSub.
	Topic string

	// URL is the endpoint for KindWebhook.
	URL string

	// Headers are additional HTTP headers for KindWebhook.
	Headers map[string]string
}

// Process builds a process target around a handler.
func Process(h Handler) TargetConfig {
	return TargetConfig{Kind: KindProcess, Handler: h}
}

// PubSub builds a pubsub bridge target for a topic.
func PubSub(topic string) TargetConfig {
	return TargetConfig{Kind: KindPubSub, Topic: topic}
}

// Webhook builds a webhook target for a URL.
func Webhook(url string) TargetConfig {
	return TargetConfig{Kind: KindWebhook, URL: url}
}

// Logger builds a log sink target.
func Logger() TargetConfig {
	return TargetConfig{Kind: KindLogger}
}

// Dispatcher delivers a signal to a target.
type Dispatcher interface {
	// Dispatch performs one delivery attempt.
	Dispatch(ctx context.Context, sig *signal.Signal, target TargetConfig) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, sig *signal.Signal, target TargetConfig) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, sig *signal.Signal, target TargetConfig) error {
	return f(ctx, sig, target)
}

// Registry resolves target kinds to adapters. It implements Dispatcher by
// delegating to the adapter registered for the target's kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[TargetKind]Dispatcher
}

// NewRegistry creates a registry with the process and logger adapters
// pre-registered. Webhook and pubsub adapters carry configuration of their
// own and are registered explicitly.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[TargetKind]Dispatcher)}
	r.Register(KindProcess, ProcessDispatcher{})
	r.Register(KindLogger, NewLoggerDispatcher(nil))
	return r
}

// Register binds an adapter to a target kind, replacing any previous one.
func (r *Registry) Register(kind TargetKind, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[kind] = d
}

// Resolve returns the adapter for a kind.
func (r *Registry) Resolve(kind TargetKind) (Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.adapters[kind]
	return d, ok
}

// Dispatch implements Dispatcher.
func (r *Registry) Dispatch(ctx context.Context, sig *signal.Signal, target TargetConfig) error {
	d, ok := r.Resolve(target.Kind)
	if !ok {
		return fmt.Errorf("no dispatch adapter registered for target kind %q", target.Kind)
	}
	return d.Dispatch(ctx, sig, target)
}

// Handle tracks an asynchronous dispatch.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the dispatch completes or the context is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Async starts a dispatch on its own goroutine and returns a handle.
func Async(ctx context.Context, d Dispatcher, sig *signal.Signal, target TargetConfig) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = d.Dispatch(ctx, sig, target)
	}()
	return h
}
