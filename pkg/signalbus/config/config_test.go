package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/signalbus/pkg/signalbus"
	"github.com/randalmurphal/signalbus/pkg/signalbus/config"
	"github.com/randalmurphal/signalbus/pkg/signalbus/dispatch"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

const sampleYAML = `
bus:
  stream_id: agent-signals
  workers: 4
  dispatch_timeout: 5s
  hook_timeout: 50ms
  tick_interval: 10ms
  checkpoints:
    backend: memory
  journal:
    backend: memory
subscriptions:
  - id: audit
    pattern: "**"
    target:
      kind: logger
  - id: billing
    pattern: order.**
    persistent: true
    priority: 5
    max_in_flight: 2
    max_pending: 64
    max_attempts: 4
    retry_interval: 250ms
    overflow: reject
    target:
      kind: webhook
      url: https://billing.internal/hooks
      headers:
        X-Tenant: acme
`

func TestFromYAML(t *testing.T) {
	f, err := config.FromYAML([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "agent-signals", f.Bus.StreamID)
	assert.Equal(t, 4, f.Bus.Workers)
	assert.Equal(t, 5*time.Second, f.Bus.DispatchTimeout.Std())
	assert.Equal(t, 50*time.Millisecond, f.Bus.HookTimeout.Std())
	assert.Equal(t, "memory", f.Bus.Checkpoints.Backend)

	require.Len(t, f.Subscriptions, 2)
	billing := f.Subscriptions[1]
	assert.Equal(t, "order.**", billing.Pattern)
	assert.True(t, billing.Persistent)
	assert.Equal(t, 250*time.Millisecond, billing.RetryInterval.Std())
	assert.Equal(t, "acme", billing.Target.Headers["X-Tenant"])
}

func TestFromYAML_NumericDuration(t *testing.T) {
	f, err := config.FromYAML([]byte("bus:\n  dispatch_timeout: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, f.Bus.DispatchTimeout.Std())

	f, err = config.FromYAML([]byte("bus:\n  dispatch_timeout: 0.5\n"))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, f.Bus.DispatchTimeout.Std())
}

func TestFromYAML_InvalidDuration(t *testing.T) {
	_, err := config.FromYAML([]byte("bus:\n  dispatch_timeout: fast\n"))
	assert.Error(t, err)
}

func TestFromJSON(t *testing.T) {
	data := `{
		"bus": {"stream_id": "s", "dispatch_timeout": "3s"},
		"subscriptions": [
			{"id": "a", "pattern": "order.*", "target": {"kind": "logger"}}
		]
	}`
	f, err := config.FromJSON([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, f.Bus.DispatchTimeout.Std())
	require.Len(t, f.Subscriptions, 1)
}

func TestFromFile_ByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "bus.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(sampleYAML), 0o644))

	f, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "agent-signals", f.Bus.StreamID)

	_, err = config.FromFile(filepath.Join(dir, "bus.toml"))
	assert.Error(t, err)

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad pattern",
			yaml: "subscriptions:\n  - pattern: \"a..b\"\n    target: {kind: logger}\n",
		},
		{
			name: "process target in file",
			yaml: "subscriptions:\n  - pattern: \"a.b\"\n    target: {kind: process}\n",
		},
		{
			name: "unknown target kind",
			yaml: "subscriptions:\n  - pattern: \"a.b\"\n    target: {kind: smoke}\n",
		},
		{
			name: "webhook without url",
			yaml: "subscriptions:\n  - pattern: \"a.b\"\n    target: {kind: webhook}\n",
		},
		{
			name: "unknown overflow",
			yaml: "subscriptions:\n  - pattern: \"a.b\"\n    overflow: spill\n    target: {kind: logger}\n",
		},
		{
			name: "duplicate ids",
			yaml: "subscriptions:\n  - {id: x, pattern: \"a.b\", target: {kind: logger}}\n  - {id: x, pattern: \"a.c\", target: {kind: logger}}\n",
		},
		{
			name: "sqlite without path",
			yaml: "bus:\n  checkpoints: {backend: sqlite}\n",
		},
		{
			name: "unknown backend",
			yaml: "bus:\n  journal: {backend: etcd}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestSubscriptionConfig_Options(t *testing.T) {
	sc := config.SubscriptionConfig{
		ID:          "billing",
		Pattern:     "order.**",
		Persistent:  true,
		MaxAttempts: 4,
		Overflow:    "drop_oldest",
		Target:      config.TargetConfig{Kind: "logger"},
	}

	opts, err := sc.Options()
	require.NoError(t, err)
	assert.Equal(t, "billing", opts.SubscriptionID)
	assert.True(t, opts.Persistent)
	assert.Equal(t, 4, opts.MaxAttempts)
	assert.Equal(t, signalbus.OverflowDropOldest, opts.Overflow)

	target := sc.DispatchTarget()
	assert.Equal(t, dispatch.KindLogger, target.Kind)
}

func TestBuild_MemoryBackends(t *testing.T) {
	f, err := config.FromYAML([]byte(sampleYAML))
	require.NoError(t, err)

	cfg, closer, err := f.Build()
	require.NoError(t, err)
	defer closer()

	assert.Equal(t, "agent-signals", cfg.StreamID)
	assert.NotNil(t, cfg.Checkpoints)
	assert.NotNil(t, cfg.Journal)
}

func TestBuild_SQLiteBackends(t *testing.T) {
	dir := t.TempDir()
	yaml := "bus:\n" +
		"  checkpoints: {backend: sqlite, path: " + filepath.Join(dir, "cp.db") + "}\n" +
		"  journal: {backend: sqlite, path: " + filepath.Join(dir, "journal.db") + "}\n"

	f, err := config.FromYAML([]byte(yaml))
	require.NoError(t, err)

	cfg, closer, err := f.Build()
	require.NoError(t, err)
	assert.NotNil(t, cfg.Checkpoints)
	assert.NotNil(t, cfg.Journal)
	assert.NoError(t, closer())
}

func TestApply_EstablishesSubscriptions(t *testing.T) {
	f, err := config.FromYAML([]byte(sampleYAML))
	require.NoError(t, err)

	cfg, closer, err := f.Build()
	require.NoError(t, err)
	defer closer()
	cfg.TickInterval = 5 * time.Millisecond

	bus := signalbus.New(cfg)
	defer bus.Close()

	ctx := context.Background()
	ids, err := f.Apply(ctx, bus)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "billing"}, ids)

	// The declared audit subscription (logger target) receives everything.
	var delivered atomic.Int32
	_, err = bus.Subscribe(ctx, "**", dispatch.Process(
		func(_ context.Context, _ *signal.Signal) error {
			delivered.Add(1)
			return nil
		}), signalbus.SubscribeOptions{})
	require.NoError(t, err)

	_, err = bus.PublishSignal(ctx, signal.New("order.created", "/t", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return delivered.Load() == 1 },
		3*time.Second, 5*time.Millisecond)
}
