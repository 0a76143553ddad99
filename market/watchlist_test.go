package market

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerodha/trade-stream/wire/wiretest"
)

type call struct {
	op       string
	category Category
	symbols  []string
}

type recordingSubscriber struct {
	calls []call
	fail  Category
}

func (r *recordingSubscriber) Subscribe(c Category, symbols ...string) error {
	if c == r.fail {
		return errors.New("refused")
	}
	r.calls = append(r.calls, call{"subscribe", c, symbols})
	return nil
}

func (r *recordingSubscriber) Unsubscribe(c Category, symbols ...string) error {
	r.calls = append(r.calls, call{"unsubscribe", c, symbols})
	return nil
}

func TestWatchlistApplyDiffs(t *testing.T) {
	sub := &recordingSubscriber{}
	w := NewWatchlist(sub)

	require.NoError(t, w.Apply(map[Category][]string{
		Crypto: {"btc", "ETH"},
		Stocks: {"AAPL"},
	}))
	assert.Equal(t, []call{
		{"subscribe", Crypto, []string{"BTC", "ETH"}},
		{"subscribe", Stocks, []string{"AAPL"}},
	}, sub.calls)

	sub.calls = nil
	require.NoError(t, w.Apply(map[Category][]string{
		Crypto: {"ETH", "SOL"},
		Stocks: {"AAPL"},
	}))
	assert.Equal(t, []call{
		{"unsubscribe", Crypto, []string{"BTC"}},
		{"subscribe", Crypto, []string{"SOL"}},
	}, sub.calls)

	sub.calls = nil
	require.NoError(t, w.Clear())
	assert.Equal(t, []call{
		{"unsubscribe", Crypto, []string{"ETH", "SOL"}},
		{"unsubscribe", Stocks, []string{"AAPL"}},
	}, sub.calls)
	assert.Empty(t, w.Symbols())
}

func TestWatchlistJoinsErrors(t *testing.T) {
	sub := &recordingSubscriber{fail: Options}
	w := NewWatchlist(sub)

	err := w.Apply(map[Category][]string{Options: {"X"}, ETFs: {"SPY"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscribe options")
	assert.Equal(t, map[Category][]string{ETFs: {"SPY"}}, w.Symbols())
}

// A watchlist is one consumer among many: it never releases symbols other
// consumers hold.
func TestWatchlistSharesMultiplexer(t *testing.T) {
	d := &wiretest.Dialer{}
	m := newTestMux(t, d)
	w := NewWatchlist(m)

	require.NoError(t, m.Subscribe(Crypto, "BTC"))
	require.NoError(t, w.Apply(map[Category][]string{Crypto: {"BTC", "ETH"}}))
	assert.Equal(t, 2, m.RefCount(Crypto, "BTC"))

	require.NoError(t, w.Clear())
	assert.Equal(t, 1, m.RefCount(Crypto, "BTC"))
	assert.Equal(t, 0, m.RefCount(Crypto, "ETH"))
}

func TestWatchlistAddRemove(t *testing.T) {
	sub := &recordingSubscriber{}
	w := NewWatchlist(sub)

	require.NoError(t, w.Add(Crypto, "btc"))
	require.NoError(t, w.Add(Crypto, "BTC", "eth"))
	require.NoError(t, w.Add(Stocks, "AAPL"))
	assert.True(t, w.Holds(Crypto, " eth "))
	assert.False(t, w.Holds(Stocks, "MSFT"))

	require.NoError(t, w.Remove(Crypto, "BTC", "DOGE"))
	require.NoError(t, w.Remove(Stocks, "AAPL"))

	assert.Equal(t, map[Category][]string{Crypto: {"ETH"}}, w.Symbols())
	assert.Equal(t, []call{
		{"subscribe", Crypto, []string{"BTC"}},
		{"subscribe", Crypto, []string{"ETH"}},
		{"subscribe", Stocks, []string{"AAPL"}},
		{"unsubscribe", Crypto, []string{"BTC"}},
		{"unsubscribe", Stocks, []string{"AAPL"}},
	}, sub.calls)
}
