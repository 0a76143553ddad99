package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zerodha/trade-stream/market"
	"github.com/zerodha/trade-stream/wire/wiretest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newServer(t *testing.T) (*market.Multiplexer, *wiretest.Dialer, *httptest.Server) {
	t.Helper()
	d := &wiretest.Dialer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := market.New(market.Config{
		BaseURL:             "ws://stream.test/ws/alpaca",
		Categories:          []market.Category{market.Crypto, market.Stocks},
		Dialer:              d,
		Logger:              logger,
		ReconnectMinBackoff: 5 * time.Millisecond,
		DialRate:            1000,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	New(m, logger).RegisterRoutes(mux, nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = m.Close()
	})
	return m, d, srv
}

type sseReader struct {
	t     *testing.T
	lines *bufio.Scanner
}

func (r *sseReader) next(prefix string) string {
	r.t.Helper()
	for r.lines.Scan() {
		if line := r.lines.Text(); strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	r.t.Fatalf("stream ended waiting for %q", prefix)
	return ""
}

func openStream(t *testing.T, ctx context.Context, url string) (*http.Response, *sseReader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	tr := &http.Transport{}
	t.Cleanup(tr.CloseIdleConnections)
	resp, err := (&http.Client{Transport: tr}).Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, &sseReader{t: t, lines: bufio.NewScanner(resp.Body)}
}

func TestStreamForwardsMatchingSymbolsAndReleasesOnClose(t *testing.T) {
	m, d, srv := newServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, sse := openStream(t, ctx, srv.URL+"/dashboard/stream?category=crypto&symbols=btc,BTC")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "crypto BTC", sse.next(": subscribed "))
	assert.Equal(t, 1, m.RefCount(market.Crypto, "BTC"))

	require.Eventually(t, func() bool {
		st, _ := m.CategoryStatus(market.Crypto)
		return st.State == market.StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	conn := d.Last()
	conn.Push(map[string]any{"type": "bar", "data": map[string]any{"symbol": "ETH/USD", "close": 3000.0, "timestamp": 1}})
	conn.Push(map[string]any{"type": "bar", "data": map[string]any{"symbol": "BTC/USD", "close": 65000.5, "timestamp": 2}})

	assert.Equal(t, "bar", sse.next("event: "))
	var ev struct {
		Type     string          `json:"type"`
		Category market.Category `json:"category"`
		Symbol   string          `json:"symbol"`
		Data     market.Bar      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(sse.next("data: ")), &ev))
	assert.Equal(t, "BTC/USD", ev.Symbol)
	assert.Equal(t, market.Crypto, ev.Category)
	assert.Equal(t, 65000.5, ev.Data.Close)

	cancel()
	require.Eventually(t, func() bool {
		return m.RefCount(market.Crypto, "BTC") == 0
	}, 2*time.Second, 5*time.Millisecond)

	var actions []string
	require.Eventually(t, func() bool {
		actions = actions[:0]
		for _, frame := range conn.WrittenMaps() {
			actions = append(actions, frame["action"].(string))
		}
		return len(actions) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{market.ActionSubscribe, market.ActionUnsubscribe}, actions)
}

func TestStreamsShareSymbols(t *testing.T) {
	m, _, srv := newServer(t)

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	_, sse1 := openStream(t, ctx1, srv.URL+"/dashboard/stream?category=stocks&symbols=AAPL")
	sse1.next(": subscribed ")

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	_, sse2 := openStream(t, ctx2, srv.URL+"/dashboard/stream?category=stocks&symbols=AAPL,MSFT")
	sse2.next(": subscribed ")

	assert.Equal(t, 2, m.RefCount(market.Stocks, "AAPL"))
	assert.Equal(t, 1, m.RefCount(market.Stocks, "MSFT"))

	cancel2()
	require.Eventually(t, func() bool {
		return m.RefCount(market.Stocks, "MSFT") == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.RefCount(market.Stocks, "AAPL"))
}

func TestStreamRejectsBadRequests(t *testing.T) {
	_, _, srv := newServer(t)
	mux := srv.Config.Handler

	tests := []struct {
		name, query string
	}{
		{"missing category", "?symbols=BTC"},
		{"unknown category", "?category=bonds&symbols=BTC"},
		{"not configured", "?category=options&symbols=SPY"},
		{"no symbols", "?category=crypto&symbols=,,"},
		{"too many", "?category=crypto&symbols=" + manySymbols(maxSymbols+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard/stream"+tc.query, nil))
			assert.GreaterOrEqual(t, rec.Code, 400)
		})
	}
}

func manySymbols(n int) string {
	syms := make([]string, n)
	for i := range syms {
		syms[i] = fmt.Sprintf("SYM%d", i)
	}
	return strings.Join(syms, ",")
}

func TestParseSymbols(t *testing.T) {
	assert.Equal(t, []string{"BTC", "ETH"}, parseSymbols(" btc, ETH ,btc,"))
	assert.Nil(t, parseSymbols(""))
}
