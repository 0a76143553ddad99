package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRegistryTransitions(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, []string{"BTC"}, r.Acquire(Crypto, "BTC"))
	assert.Empty(t, r.Acquire(Crypto, "BTC"))
	assert.Equal(t, 2, r.Count(Crypto, "BTC"))

	assert.Empty(t, r.Release(Crypto, "BTC"))
	assert.Equal(t, []string{"BTC"}, r.Release(Crypto, "BTC"))
	assert.Empty(t, r.Release(Crypto, "BTC"), "release at zero is a no-op")
	assert.Equal(t, 0, r.Count(Crypto, "BTC"))
	assert.Empty(t, r.Symbols(Crypto))
}

func TestRegistryCategoriesAreIndependent(t *testing.T) {
	r := NewRegistry()
	r.Acquire(Crypto, "BTC")
	assert.Equal(t, []string{"BTC"}, r.Acquire(Stocks, "BTC"))
	assert.Equal(t, []SubscriptionInfo{{Symbol: "BTC", RefCount: 1}}, r.Snapshot(Stocks))
}

// Random acquire/release sequences must match a plain counter model: counts
// never go negative and transitions are reported exactly at 0->1 and 1->0.
func TestRegistryMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry()
		model := map[string]int{}
		symbol := rapid.SampledFrom([]string{"BTC", "ETH", "SOL", "AAPL"})

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			syms := rapid.SliceOfN(symbol, 1, 3).Draw(t, "symbols")
			if rapid.Bool().Draw(t, "acquire") {
				var want []string
				for _, s := range syms {
					model[s]++
					if model[s] == 1 {
						want = append(want, s)
					}
				}
				got := r.Acquire(Crypto, syms...)
				if !equalStrings(got, want) {
					t.Fatalf("acquire %v: got %v, want %v", syms, got, want)
				}
			} else {
				var want []string
				for _, s := range syms {
					switch model[s] {
					case 0:
					case 1:
						delete(model, s)
						want = append(want, s)
					default:
						model[s]--
					}
				}
				got := r.Release(Crypto, syms...)
				if !equalStrings(got, want) {
					t.Fatalf("release %v: got %v, want %v", syms, got, want)
				}
			}
			for s, n := range model {
				if r.Count(Crypto, s) != n {
					t.Fatalf("count %s: got %d, want %d", s, r.Count(Crypto, s), n)
				}
			}
			if len(r.Symbols(Crypto)) != len(model) {
				t.Fatalf("symbols: got %v, model %v", r.Symbols(Crypto), model)
			}
		}
	})
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
