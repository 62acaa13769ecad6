package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// ProcessDispatcher invokes the target's in-process handler.
type ProcessDispatcher struct{}

// Dispatch implements Dispatcher.
func (ProcessDispatcher) Dispatch(ctx context.Context, sig *signal.Signal, target TargetConfig) error {
	if target.Handler == nil {
		return fmt.Errorf("process target has no handler")
	}
	return target.Handler(ctx, sig)
}

// LoggerDispatcher writes each signal to a structured log.
type LoggerDispatcher struct {
	logger *slog.Logger
}

// NewLoggerDispatcher creates a log sink adapter. A nil logger uses
// slog.Default().
func NewLoggerDispatcher(logger *slog.Logger) *LoggerDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerDispatcher{logger: logger}
}

// Dispatch implements Dispatcher.
func (d *LoggerDispatcher) Dispatch(_ context.Context, sig *signal.Signal, _ TargetConfig) error {
	d.logger.Info("signal",
		"signal_id", sig.ID,
		"signal_type", sig.Type,
		"source", sig.Source,
		"subject", sig.Subject,
	)
	return nil
}

// Publisher is the external pub/sub system a PubSubDispatcher bridges into.
type Publisher interface {
	Publish(ctx context.Context, topic string, sig *signal.Signal) error
}

// PubSubDispatcher forwards signals to an external publisher.
type PubSubDispatcher struct {
	publisher Publisher
}

// NewPubSubDispatcher creates a bridge adapter over a publisher.
func NewPubSubDispatcher(publisher Publisher) *PubSubDispatcher {
	return &PubSubDispatcher{publisher: publisher}
}

// Dispatch implements Dispatcher. The target's Topic defaults to the
// signal's type when empty.
func (d *PubSubDispatcher) Dispatch(ctx context.Context, sig *signal.Signal, target TargetConfig) error {
	topic := target.Topic
	if topic == "" {
		topic = sig.Type
	}
	return d.publisher.Publish(ctx, topic, sig)
}

// DefaultWebhookTimeout bounds a single webhook delivery attempt.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookDispatcher POSTs the serialized signal to the target URL.
type WebhookDispatcher struct {
	client     *http.Client
	serializer signal.Serializer
}

// WebhookOption configures a webhook dispatcher.
type WebhookOption func(*WebhookDispatcher)

// WithHTTPClient sets the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(d *WebhookDispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithSerializer sets the wire serializer.
func WithSerializer(s signal.Serializer) WebhookOption {
	return func(d *WebhookDispatcher) {
		if s != nil {
			d.serializer = s
		}
	}
}

// NewWebhookDispatcher creates a webhook adapter with a JSON serializer and
// a bounded-timeout HTTP client by default.
func NewWebhookDispatcher(opts ...WebhookOption) *WebhookDispatcher {
	d := &WebhookDispatcher{
		client:     &http.Client{Timeout: DefaultWebhookTimeout},
		serializer: signal.JSONSerializer{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch implements Dispatcher.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, sig *signal.Signal, target TargetConfig) error {
	if target.URL == "" {
		return fmt.Errorf("webhook target has no URL")
	}

	body, err := d.serializer.Serialize(sig)
	if err != nil {
		return fmt.Errorf("serialize signal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return sberrors.Transient(err, "webhook delivery")
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			return sberrors.Transient(err, "webhook delivery")
		}
		return sberrors.Permanent(err, "webhook delivery")
	}
	return nil
}
