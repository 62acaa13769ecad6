package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/signalbus/pkg/signalbus"
)

// FromFile loads a config file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a validated File.
func FromYAML(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// FromJSON parses JSON data into a validated File.
func FromJSON(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Apply establishes the file's declared subscriptions on a running bus.
// Returns the subscription ids in declaration order. Fails on the first
// rejected declaration, leaving earlier ones subscribed.
func (f *File) Apply(ctx context.Context, bus *signalbus.Bus) ([]string, error) {
	ids := make([]string, 0, len(f.Subscriptions))
	for i, sc := range f.Subscriptions {
		opts, err := sc.Options()
		if err != nil {
			return ids, fmt.Errorf("subscription %d: %w", i, err)
		}
		id, err := bus.Subscribe(ctx, sc.Pattern, sc.DispatchTarget(), opts)
		if err != nil {
			return ids, fmt.Errorf("subscription %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
