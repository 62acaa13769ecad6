// Package config loads declarative bus and subscription configuration from
// YAML or JSON files and turns it into runtime values.
//
// A config file declares the bus settings (stream id, worker pool, timeouts,
// storage backends) and a set of subscriptions to establish at startup.
// Process targets hold function values and cannot be declared in a file;
// they are registered in code.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/signalbus/pkg/signalbus"
	"github.com/randalmurphal/signalbus/pkg/signalbus/checkpoint"
	"github.com/randalmurphal/signalbus/pkg/signalbus/dispatch"
	"github.com/randalmurphal/signalbus/pkg/signalbus/journal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/router"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// Duration is a time.Duration that unmarshals from strings like "250ms" and
// from bare numbers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration at line %d", value.Line)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		s := string(data[1 : len(data)-1])
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if _, err := fmt.Sscanf(string(data), "%g", &secs); err != nil {
		return fmt.Errorf("invalid duration %q", string(data))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// File is the root of a bus configuration file.
type File struct {
	Bus           BusConfig            `yaml:"bus" json:"bus"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`
}

// BusConfig declares bus-level settings.
type BusConfig struct {
	StreamID        string         `yaml:"stream_id" json:"stream_id"`
	Workers         int            `yaml:"workers" json:"workers"`
	DispatchTimeout Duration       `yaml:"dispatch_timeout" json:"dispatch_timeout"`
	HookTimeout     Duration       `yaml:"hook_timeout" json:"hook_timeout"`
	TickInterval    Duration       `yaml:"tick_interval" json:"tick_interval"`
	Checkpoints     StorageConfig  `yaml:"checkpoints" json:"checkpoints"`
	Journal         StorageConfig  `yaml:"journal" json:"journal"`
}

// StorageConfig selects a storage backend.
type StorageConfig struct {
	// Backend is "", "memory", or "sqlite". Empty disables the subsystem.
	Backend string `yaml:"backend" json:"backend"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path" json:"path"`
}

// SubscriptionConfig declares one subscription to establish at startup.
type SubscriptionConfig struct {
	ID            string       `yaml:"id" json:"id"`
	Pattern       string       `yaml:"pattern" json:"pattern"`
	Target        TargetConfig `yaml:"target" json:"target"`
	Persistent    bool         `yaml:"persistent" json:"persistent"`
	Priority      int          `yaml:"priority" json:"priority"`
	MaxInFlight   int          `yaml:"max_in_flight" json:"max_in_flight"`
	MaxPending    int          `yaml:"max_pending" json:"max_pending"`
	MaxAttempts   int          `yaml:"max_attempts" json:"max_attempts"`
	RetryInterval Duration     `yaml:"retry_interval" json:"retry_interval"`

	// Overflow is "block", "drop_oldest", or "reject". Default "block".
	Overflow string `yaml:"overflow" json:"overflow"`
}

// TargetConfig declares a delivery target. Kind is "pubsub", "webhook", or
// "logger"; process targets are registered in code.
type TargetConfig struct {
	Kind    string            `yaml:"kind" json:"kind"`
	Topic   string            `yaml:"topic" json:"topic"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Validate checks the whole file.
func (f *File) Validate() error {
	if f.Bus.Workers < 0 {
		return &signal.ValidationError{Field: "bus.workers", Message: "must not be negative"}
	}
	if err := f.Bus.Checkpoints.validate("bus.checkpoints"); err != nil {
		return err
	}
	if err := f.Bus.Journal.validate("bus.journal"); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for i, sc := range f.Subscriptions {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("subscription %d: %w", i, err)
		}
		if sc.ID != "" && seen[sc.ID] {
			return &signal.ValidationError{
				Field:   "subscriptions",
				Message: fmt.Sprintf("duplicate subscription id %q", sc.ID),
			}
		}
		seen[sc.ID] = true
	}
	return nil
}

func (s StorageConfig) validate(field string) error {
	switch s.Backend {
	case "", "memory":
	case "sqlite":
		if s.Path == "" {
			return &signal.ValidationError{Field: field + ".path", Message: "sqlite backend requires a path"}
		}
	default:
		return &signal.ValidationError{
			Field:   field + ".backend",
			Message: fmt.Sprintf("unknown backend %q", s.Backend),
		}
	}
	return nil
}

// Validate checks one subscription declaration.
func (s SubscriptionConfig) Validate() error {
	if err := router.ValidatePattern(s.Pattern); err != nil {
		return err
	}
	switch s.Target.Kind {
	case "pubsub", "logger":
	case "webhook":
		if s.Target.URL == "" {
			return &signal.ValidationError{Field: "target.url", Message: "webhook target requires a URL"}
		}
	case "process":
		return &signal.ValidationError{
			Field:   "target.kind",
			Message: "process targets hold function values and cannot be declared in a file",
		}
	default:
		return &signal.ValidationError{
			Field:   "target.kind",
			Message: fmt.Sprintf("unknown target kind %q", s.Target.Kind),
		}
	}
	switch s.Overflow {
	case "", "block", "drop_oldest", "reject":
	default:
		return &signal.ValidationError{
			Field:   "overflow",
			Message: fmt.Sprintf("unknown overflow policy %q", s.Overflow),
		}
	}
	return nil
}

// Options converts the declaration into subscribe options.
func (s SubscriptionConfig) Options() (signalbus.SubscribeOptions, error) {
	if err := s.Validate(); err != nil {
		return signalbus.SubscribeOptions{}, err
	}
	opts := signalbus.SubscribeOptions{
		SubscriptionID: s.ID,
		Persistent:     s.Persistent,
		Priority:       s.Priority,
		MaxInFlight:    s.MaxInFlight,
		MaxPending:     s.MaxPending,
		MaxAttempts:    s.MaxAttempts,
		RetryInterval:  s.RetryInterval.Std(),
	}
	switch s.Overflow {
	case "drop_oldest":
		opts.Overflow = signalbus.OverflowDropOldest
	case "reject":
		opts.Overflow = signalbus.OverflowReject
	}
	return opts, nil
}

// DispatchTarget converts the declaration into a dispatch target.
func (s SubscriptionConfig) DispatchTarget() dispatch.TargetConfig {
	switch s.Target.Kind {
	case "pubsub":
		return dispatch.PubSub(s.Target.Topic)
	case "webhook":
		t := dispatch.Webhook(s.Target.URL)
		t.Headers = s.Target.Headers
		return t
	default:
		return dispatch.Logger()
	}
}

// Build constructs a runtime bus configuration, creating the declared
// storage backends. The returned closer releases them; it is safe to call
// even when Build fails.
func (f *File) Build() (signalbus.Config, func() error, error) {
	cfg := signalbus.Config{
		StreamID:        f.Bus.StreamID,
		Workers:         f.Bus.Workers,
		DispatchTimeout: f.Bus.DispatchTimeout.Std(),
		HookTimeout:     f.Bus.HookTimeout.Std(),
		TickInterval:    f.Bus.TickInterval.Std(),
	}

	var closers []func() error
	closer := func() error {
		var firstErr error
		for _, c := range closers {
			if err := c(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	switch f.Bus.Checkpoints.Backend {
	case "memory":
		cfg.Checkpoints = checkpoint.NewMemoryStore()
	case "sqlite":
		store, err := checkpoint.NewSQLiteStore(f.Bus.Checkpoints.Path)
		if err != nil {
			return signalbus.Config{}, closer, fmt.Errorf("open checkpoint store: %w", err)
		}
		closers = append(closers, store.Close)
		cfg.Checkpoints = store
	}

	switch f.Bus.Journal.Backend {
	case "memory":
		cfg.Journal = journal.New(journal.NewMemoryStorage())
	case "sqlite":
		storage, err := journal.NewSQLiteStorage(f.Bus.Journal.Path)
		if err != nil {
			return signalbus.Config{}, closer, fmt.Errorf("open journal storage: %w", err)
		}
		closers = append(closers, storage.Close)
		cfg.Journal = journal.New(storage)
	}

	return cfg, closer, nil
}
