package market

import (
	"sort"
	"sync"
)

// Registry is the reference-counted subscription table shared by every
// consumer of the multiplexer. A symbol's wire-level subscription exists
// exactly while its count is above zero.
type Registry struct {
	mu     sync.Mutex
	counts map[Category]map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{counts: make(map[Category]map[string]int)}
}

// Acquire increments each symbol's count and returns, in call order, the
// symbols whose count went from 0 to 1.
func (r *Registry) Acquire(category Category, symbols ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts, ok := r.counts[category]
	if !ok {
		counts = make(map[string]int)
		r.counts[category] = counts
	}
	var added []string
	for _, s := range symbols {
		counts[s]++
		if counts[s] == 1 {
			added = append(added, s)
		}
	}
	return added
}

// Release decrements each symbol's count and returns, in call order, the
// symbols whose count went from 1 to 0. Releasing a symbol at zero is a no-op.
func (r *Registry) Release(category Category, symbols ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := r.counts[category]
	if counts == nil {
		return nil
	}
	var removed []string
	for _, s := range symbols {
		n := counts[s]
		if n == 0 {
			continue
		}
		if n == 1 {
			delete(counts, s)
			removed = append(removed, s)
			continue
		}
		counts[s] = n - 1
	}
	if len(counts) == 0 {
		delete(r.counts, category)
	}
	return removed
}

// Count returns the current reference count of a symbol.
func (r *Registry) Count(category Category, symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[category][symbol]
}

// Symbols returns the sorted symbols with a positive count.
func (r *Registry) Symbols(category Category) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.counts[category]))
	for s := range r.counts[category] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the category's subscriptions with their counts, sorted by symbol.
func (r *Registry) Snapshot(category Category) []SubscriptionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SubscriptionInfo, 0, len(r.counts[category]))
	for s, n := range r.counts[category] {
		out = append(out, SubscriptionInfo{Symbol: s, RefCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
