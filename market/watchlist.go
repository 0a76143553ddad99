package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Subscriber is the subscription half of the Multiplexer.
type Subscriber interface {
	Subscribe(category Category, symbols ...string) error
	Unsubscribe(category Category, symbols ...string) error
}

// Watchlist is a consumer holding a desired set of symbols per category.
// Apply diffs the new set against what the watchlist currently holds, so
// re-applying an unchanged set sends nothing.
type Watchlist struct {
	sub Subscriber

	mu   sync.Mutex
	held map[Category]map[string]struct{}
}

// NewWatchlist returns an empty watchlist subscribing through sub.
func NewWatchlist(sub Subscriber) *Watchlist {
	return &Watchlist{sub: sub, held: make(map[Category]map[string]struct{})}
}

// Apply makes the watchlist hold exactly want. Categories missing from want
// are released. Errors for individual categories are joined.
func (w *Watchlist) Apply(want map[Category][]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applyLocked(want)
}

// Add holds symbols on category in addition to the current set.
func (w *Watchlist) Add(category Category, symbols ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	want := w.snapshotLocked()
	want[category] = append(want[category], symbols...)
	return w.applyLocked(want)
}

// Remove stops holding symbols on category. Symbols not held are ignored.
func (w *Watchlist) Remove(category Category, symbols ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	drop := make(map[string]bool)
	for _, s := range normalizeSymbols(symbols) {
		drop[s] = true
	}
	want := w.snapshotLocked()
	kept := want[category][:0]
	for _, s := range want[category] {
		if !drop[s] {
			kept = append(kept, s)
		}
	}
	want[category] = kept
	return w.applyLocked(want)
}

// Holds reports whether the watchlist holds symbol on category.
func (w *Watchlist) Holds(category Category, symbol string) bool {
	syms := normalizeSymbols([]string{symbol})
	if len(syms) == 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.held[category][syms[0]]
	return ok
}

func (w *Watchlist) applyLocked(want map[Category][]string) error {
	var errs []error
	cats := make(map[Category]struct{}, len(want)+len(w.held))
	for c := range want {
		cats[c] = struct{}{}
	}
	for c := range w.held {
		cats[c] = struct{}{}
	}

	for _, cat := range sortedCategories(cats) {
		next := make(map[string]struct{})
		for _, s := range normalizeSymbols(want[cat]) {
			next[s] = struct{}{}
		}
		cur := w.held[cat]

		var add, drop []string
		for s := range next {
			if _, ok := cur[s]; !ok {
				add = append(add, s)
			}
		}
		for s := range cur {
			if _, ok := next[s]; !ok {
				drop = append(drop, s)
			}
		}
		sort.Strings(add)
		sort.Strings(drop)

		if len(drop) > 0 {
			if err := w.sub.Unsubscribe(cat, drop...); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe %s: %w", cat, err))
				continue
			}
		}
		if len(add) > 0 {
			if err := w.sub.Subscribe(cat, add...); err != nil {
				errs = append(errs, fmt.Errorf("subscribe %s: %w", cat, err))
				// Keep what was held minus the dropped symbols.
				for _, s := range drop {
					delete(cur, s)
				}
				continue
			}
		}
		if len(next) == 0 {
			delete(w.held, cat)
		} else {
			w.held[cat] = next
		}
	}
	return errors.Join(errs...)
}

// Clear releases every held symbol.
func (w *Watchlist) Clear() error {
	return w.Apply(nil)
}

// Symbols returns a copy of the held symbols, sorted per category.
func (w *Watchlist) Symbols() map[Category][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Watchlist) snapshotLocked() map[Category][]string {
	out := make(map[Category][]string, len(w.held))
	for cat, set := range w.held {
		syms := make([]string, 0, len(set))
		for s := range set {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		out[cat] = syms
	}
	return out
}

func sortedCategories(set map[Category]struct{}) []Category {
	out := make([]Category, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
