// Package router compiles route patterns into a trie and resolves the
// ordered set of handlers matching a signal type.
//
// Patterns are dot-segmented: "order.created" matches exactly, "order.*"
// matches any single segment in that position, and "order.**" matches zero
// or more trailing segments. "**" is permitted at most once and only as the
// final segment.
//
// The router is pure and stateless after compilation: routing never fails at
// runtime, an unmatched type simply yields an empty result.
package router

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// Wildcard segments.
const (
	// WildcardOne matches exactly one segment.
	WildcardOne = "*"

	// WildcardAny matches zero or more trailing segments.
	WildcardAny = "**"
)

// Specificity classes, most specific first. Exact matches outrank
// single-segment wildcards, which outrank trailing multi-segment wildcards.
const (
	specExact  = 2
	specSingle = 1
	specMulti  = 0
)

// Predicate is an arbitrary match function over a signal. Predicates are
// opaque to the trie and evaluated by linear scan after trie resolution.
type Predicate func(sig *signal.Signal) bool

// Route binds a pattern to a handler with a priority.
type Route[H comparable] struct {
	// Pattern is the dot-segmented match pattern.
	Pattern string

	// Priority orders handlers within the same specificity class,
	// higher first.
	Priority int

	// Handler is the opaque handler reference. Results are deduplicated
	// by handler identity.
	Handler H

	// Predicate optionally restricts the route beyond its pattern.
	Predicate Predicate
}

// entry is a compiled route with its rank inputs.
type entry[H comparable] struct {
	route Route[H]
	spec  int
	seq   int
}

// node is a trie node keyed by pattern segment.
type node[H comparable] struct {
	children map[string]*node[H]
	star     *node[H]

	// terminal holds routes whose pattern ends at this node.
	terminal []*entry[H]

	// multi holds routes whose pattern ends with "**" at this node.
	multi []*entry[H]
}

func newNode[H comparable]() *node[H] {
	return &node[H]{children: make(map[string]*node[H])}
}

// Router resolves signal types to ordered handler lists.
type Router[H comparable] struct {
	mu         sync.RWMutex
	root       *node[H]
	predicates []*entry[H]
	seq        int
}

// New creates an empty router.
func New[H comparable]() *Router[H] {
	return &Router[H]{root: newNode[H]()}
}

// Compile builds a router from a route set. Patterns are validated; a
// malformed pattern fails the whole compilation and nothing is kept.
func Compile[H comparable](routes []Route[H]) (*Router[H], error) {
	r := New[H]()
	for _, rt := range routes {
		if err := r.Add(rt); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ValidatePattern checks pattern syntax.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return &signal.ValidationError{Field: "pattern", Message: "is required"}
	}
	segments := strings.Split(pattern, ".")
	for i, seg := range segments {
		if seg == "" {
			return &signal.ValidationError{
				Field:   "pattern",
				Message: "empty segment in " + strconv.Quote(pattern),
			}
		}
		if seg == WildcardAny && i != len(segments)-1 {
			return &signal.ValidationError{
				Field:   "pattern",
				Message: `"**" is only permitted as the final segment`,
			}
		}
		if strings.Contains(seg, "*") && seg != WildcardOne && seg != WildcardAny {
			return &signal.ValidationError{
				Field:   "pattern",
				Message: "wildcard must occupy a whole segment in " + strconv.Quote(pattern),
			}
		}
	}
	return nil
}

// Add registers a route. Registration order is remembered for tie-breaking.
func (r *Router[H]) Add(rt Route[H]) error {
	if err := ValidatePattern(rt.Pattern); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := &entry[H]{
		route: rt,
		spec:  specificity(rt.Pattern),
		seq:   r.seq,
	}

	if rt.Predicate != nil {
		r.predicates = append(r.predicates, e)
		return nil
	}

	cur := r.root
	segments := strings.Split(rt.Pattern, ".")
	for _, seg := range segments {
		switch seg {
		case WildcardAny:
			cur.multi = append(cur.multi, e)
			return nil
		case WildcardOne:
			if cur.star == nil {
				cur.star = newNode[H]()
			}
			cur = cur.star
		default:
			next, ok := cur.children[seg]
			if !ok {
				next = newNode[H]()
				cur.children[seg] = next
			}
			cur = next
		}
	}
	cur.terminal = append(cur.terminal, e)
	return nil
}

// Remove deletes every route registered for the handler.
// Returns true if at least one route was removed.
func (r *Router[H]) Remove(handler H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := removeFromNode(r.root, handler)

	kept := r.predicates[:0]
	for _, e := range r.predicates {
		if e.route.Handler == handler {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	r.predicates = kept

	return removed
}

func removeFromNode[H comparable](n *node[H], handler H) bool {
	removed := false
	n.terminal, removed = removeEntries(n.terminal, handler, removed)
	n.multi, removed = removeEntries(n.multi, handler, removed)
	if n.star != nil {
		if removeFromNode(n.star, handler) {
			removed = true
		}
	}
	for _, child := range n.children {
		if removeFromNode(child, handler) {
			removed = true
		}
	}
	return removed
}

func removeEntries[H comparable](entries []*entry[H], handler H, removed bool) ([]*entry[H], bool) {
	kept := entries[:0]
	for _, e := range entries {
		if e.route.Handler == handler {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	return kept, removed
}

// Route returns the ordered handlers matching a signal. Never fails at
// runtime; an unmatched signal yields an empty list.
//
// Ordering: exact matches first, then "*" matches, then "**" matches;
// within equal specificity higher priority wins; ties break by registration
// order. Results are deduplicated by handler identity, keeping each
// handler's best rank.
func (r *Router[H]) Route(sig *signal.Signal) []H {
	r.mu.RLock()
	defer r.mu.RUnlock()

	segments := strings.Split(sig.Type, ".")

	var matched []*entry[H]
	collect(r.root, segments, 0, &matched)

	// Predicate routes: linear scan after trie resolution.
	for _, e := range r.predicates {
		if MatchType(e.route.Pattern, sig.Type) && e.route.Predicate(sig) {
			matched = append(matched, e)
		}
	}

	return rank(matched)
}

// Match resolves a bare signal type to its ordered handler list.
// Predicate routes are skipped; without a signal there is nothing for
// them to inspect.
func (r *Router[H]) Match(sigType string) []H {
	r.mu.RLock()
	defer r.mu.RUnlock()

	segments := strings.Split(sigType, ".")

	var matched []*entry[H]
	collect(r.root, segments, 0, &matched)

	return rank(matched)
}

// collect walks the trie gathering matching entries.
func collect[H comparable](n *node[H], segments []string, depth int, out *[]*entry[H]) {
	// A trailing "**" at this node matches zero or more remaining segments.
	*out = append(*out, n.multi...)

	if depth == len(segments) {
		*out = append(*out, n.terminal...)
		return
	}

	if child, ok := n.children[segments[depth]]; ok {
		collect(child, segments, depth+1, out)
	}
	if n.star != nil {
		collect(n.star, segments, depth+1, out)
	}
}

// rank deduplicates by handler identity and applies the specificity /
// priority / registration ordering.
func rank[H comparable](matched []*entry[H]) []H {
	best := make(map[H]*entry[H], len(matched))
	for _, e := range matched {
		cur, ok := best[e.route.Handler]
		if !ok || less(e, cur) {
			best[e.route.Handler] = e
		}
	}

	ranked := make([]*entry[H], 0, len(best))
	for _, e := range best {
		ranked = append(ranked, e)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return less(ranked[i], ranked[j])
	})

	handlers := make([]H, len(ranked))
	for i, e := range ranked {
		handlers[i] = e.route.Handler
	}
	return handlers
}

// less orders entries by specificity desc, priority desc, registration asc.
func less[H comparable](a, b *entry[H]) bool {
	if a.spec != b.spec {
		return a.spec > b.spec
	}
	if a.route.Priority != b.route.Priority {
		return a.route.Priority > b.route.Priority
	}
	return a.seq < b.seq
}

// specificity classifies a pattern: exact > "*" > "**".
func specificity(pattern string) int {
	if strings.HasSuffix(pattern, WildcardAny) {
		return specMulti
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == WildcardOne {
			return specSingle
		}
	}
	return specExact
}

// MatchType reports whether a signal type matches a pattern. The pattern is
// assumed valid; use ValidatePattern first for untrusted input.
func MatchType(pattern, sigType string) bool {
	psegs := strings.Split(pattern, ".")
	tsegs := strings.Split(sigType, ".")

	for i, p := range psegs {
		if p == WildcardAny {
			return true
		}
		if i >= len(tsegs) {
			return false
		}
		if p != WildcardOne && p != tsegs[i] {
			return false
		}
	}
	return len(psegs) == len(tsegs)
}
