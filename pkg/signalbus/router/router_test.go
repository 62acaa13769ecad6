package router_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/signalbus/pkg/signalbus/router"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

func sig(sigType string) *signal.Signal {
	return signal.New(sigType, "/test", nil)
}

func TestValidatePattern(t *testing.T) {
	valid := []string{"order", "order.created", "order.*", "order.**", "*", "**", "a.*.c"}
	for _, p := range valid {
		assert.NoError(t, router.ValidatePattern(p), p)
	}

	invalid := []string{"", ".", "order.", ".order", "order..created", "order.**.created", "**.order", "ord*er", "order.cr*"}
	for _, p := range invalid {
		assert.Error(t, router.ValidatePattern(p), p)
	}
}

func TestRouter_ExactMatch(t *testing.T) {
	r := router.New[string]()
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.created", Handler: "h1"}))

	assert.Equal(t, []string{"h1"}, r.Route(sig("order.created")))
	assert.Empty(t, r.Route(sig("order.cancelled")))
	assert.Empty(t, r.Route(sig("order")))
	assert.Empty(t, r.Route(sig("order.created.eu")))
}

func TestRouter_SingleWildcard(t *testing.T) {
	r := router.New[string]()
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.*", Handler: "h1"}))

	assert.Equal(t, []string{"h1"}, r.Route(sig("order.created")))
	assert.Equal(t, []string{"h1"}, r.Route(sig("order.cancelled")))
	// "*" matches exactly one segment.
	assert.Empty(t, r.Route(sig("order")))
	assert.Empty(t, r.Route(sig("order.created.eu")))
}

func TestRouter_MultiWildcard(t *testing.T) {
	r := router.New[string]()
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.**", Handler: "h1"}))

	// "**" matches zero or more trailing segments.
	assert.Equal(t, []string{"h1"}, r.Route(sig("order")))
	assert.Equal(t, []string{"h1"}, r.Route(sig("order.created")))
	assert.Equal(t, []string{"h1"}, r.Route(sig("order.created.eu.west")))
	assert.Empty(t, r.Route(sig("payment.created")))
}

func TestRouter_SpecificityOrdering(t *testing.T) {
	r := router.New[string]()
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.*", Handler: "A"}))
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.created", Handler: "B"}))
	require.NoError(t, r.Add(router.Route[string]{Pattern: "**", Handler: "C"}))

	// Exact beats single wildcard beats multi wildcard, regardless of
	// registration order.
	assert.Equal(t, []string{"B", "A", "C"}, r.Route(sig("order.created")))
	assert.Equal(t, []string{"A", "C"}, r.Route(sig("order.cancelled")))
	assert.Equal(t, []string{"C"}, r.Route(sig("payment.created")))
}

func TestRouter_PriorityWithinSpecificity(t *testing.T) {
	r := router.New[string]()
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.created", Handler: "low", Priority: 1}))
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.created", Handler: "high", Priority: 10}))

	assert.Equal(t, []string{"high", "low"}, r.Route(sig("order.created")))
}

func TestRouter_RegistrationOrderTieBreak(t *testing.T) {
	r := router.New[string]()
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.created", Handler: "first"}))
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.created", Handler: "second"}))
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.created", Handler: "third"}))

	assert.Equal(t, []string{"first", "second", "third"}, r.Route(sig("order.created")))
}

func TestRouter_DeduplicatesByHandler(t *testing.T) {
	r := router.New[string]()
	// Same handler registered under overlapping patterns matches once,
	// at its best rank.
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.**", Handler: "h1"}))
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.created", Handler: "h1"}))
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.*", Handler: "h2"}))

	assert.Equal(t, []string{"h1", "h2"}, r.Route(sig("order.created")))
}

func TestRouter_Predicate(t *testing.T) {
	r := router.New[string]()
	require.NoError(t, r.Add(router.Route[string]{
		Pattern: "order.*",
		Handler: "big-orders",
		Predicate: func(s *signal.Signal) bool {
			amount, _ := s.Data.(int)
			return amount >= 100
		},
	}))

	big := signal.New("order.created", "/test", 500)
	small := signal.New("order.created", "/test", 5)

	assert.Equal(t, []string{"big-orders"}, r.Route(big))
	assert.Empty(t, r.Route(small))
}

func TestRouter_Remove(t *testing.T) {
	r := router.New[string]()
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.*", Handler: "h1"}))
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.**", Handler: "h1"}))
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.*", Handler: "h2"}))

	assert.True(t, r.Remove("h1"))
	assert.Equal(t, []string{"h2"}, r.Route(sig("order.created")))

	// Second removal finds nothing.
	assert.False(t, r.Remove("h1"))
}

func TestRouter_AddRejectsMalformed(t *testing.T) {
	r := router.New[string]()
	err := r.Add(router.Route[string]{Pattern: "order.**.created", Handler: "h1"})
	require.Error(t, err)

	var verr *signal.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCompile_AllOrNothing(t *testing.T) {
	_, err := router.Compile([]router.Route[string]{
		{Pattern: "order.created", Handler: "ok"},
		{Pattern: "bad..pattern", Handler: "bad"},
	})
	assert.Error(t, err)

	r, err := router.Compile([]router.Route[string]{
		{Pattern: "order.created", Handler: "ok"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, r.Route(sig("order.created")))
}

func TestMatchType(t *testing.T) {
	tests := []struct {
		pattern string
		sigType string
		want    bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.cancelled", false},
		{"order.*", "order.created", true},
		{"order.*", "order", false},
		{"order.*", "order.created.eu", false},
		{"order.**", "order", true},
		{"order.**", "order.created.eu", true},
		{"**", "anything.at.all", true},
		{"*", "order", true},
		{"*", "order.created", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, router.MatchType(tt.pattern, tt.sigType),
			"%s vs %s", tt.pattern, tt.sigType)
	}
}

func TestRouter_Match(t *testing.T) {
	r := router.New[string]()
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.*", Handler: "wildcard"}))
	require.NoError(t, r.Add(router.Route[string]{Pattern: "order.created", Handler: "exact"}))
	require.NoError(t, r.Add(router.Route[string]{
		Pattern:   "order.created",
		Handler:   "guarded",
		Predicate: func(_ *signal.Signal) bool { return true },
	}))

	// Predicate routes are excluded: Match has no signal to hand them.
	assert.Equal(t, []string{"exact", "wildcard"}, r.Match("order.created"))
	assert.Empty(t, r.Match("payment.created"))
}
