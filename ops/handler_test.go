package ops

import (
	"bufio"
	"context"
	"encoding/json"
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
	"github.com/zerodha/trade-stream/voice"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticMarket []market.CategoryStatus

func (s staticMarket) Status() []market.CategoryStatus { return s }

type staticVoice voice.Session

func (s staticVoice) Snapshot() voice.Session { return voice.Session(s) }

func newTestHandler(logs *LogBuffer) (*Handler, *http.ServeMux) {
	h := New(Config{
		Market: staticMarket{{
			Category:      market.Crypto,
			State:         market.StateOpen,
			Connected:     true,
			Subscriptions: []market.SubscriptionInfo{{Symbol: "BTC/USD", RefCount: 2}},
		}},
		Voice:   staticVoice{ThreadID: "voice-session-1", State: voice.StateReady},
		Logs:    logs,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version: "v1.2.3",
		Started: time.Now().Add(-time.Minute),
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, nil)
	return h, mux
}

func TestStatusReport(t *testing.T) {
	_, mux := newTestHandler(NewLogBuffer(10))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "v1.2.3", got.Version)
	assert.Equal(t, "1m0s", got.Uptime)
	require.Len(t, got.Market, 1)
	assert.Equal(t, market.StateOpen, got.Market[0].State)
	assert.Equal(t, 2, got.Market[0].Subscriptions[0].RefCount)
	require.NotNil(t, got.Voice)
	assert.Equal(t, voice.StateReady, got.Voice.State)
}

func TestStatusWithoutVoice(t *testing.T) {
	h := New(Config{Market: staticMarket{}})
	report := h.Report()
	assert.Nil(t, report.Voice)
	assert.Empty(t, report.Market)
}

func TestStatusRejectsPost(t *testing.T) {
	_, mux := newTestHandler(NewLogBuffer(10))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecentLogs(t *testing.T) {
	logs := NewLogBuffer(10)
	logs.Add(LogEntry{Level: "INFO", Message: "Market connected"})
	logs.Add(LogEntry{Level: "ERROR", Message: "Market dial failed"})
	logs.Add(LogEntry{Level: "INFO", Message: "Voice session ready"})
	_, mux := newTestHandler(logs)

	tests := []struct {
		name  string
		query string
		code  int
		msgs  []string
	}{
		{"all", "", http.StatusOK, []string{"Market connected", "Market dial failed", "Voice session ready"}},
		{"limit", "?limit=1", http.StatusOK, []string{"Voice session ready"}},
		{"level", "?level=error", http.StatusOK, []string{"Market dial failed"}},
		{"bad limit", "?limit=zero", http.StatusBadRequest, nil},
		{"bad level", "?level=loud", http.StatusBadRequest, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/logs"+tc.query, nil))
			require.Equal(t, tc.code, rec.Code)
			if tc.code != http.StatusOK {
				return
			}
			var entries []LogEntry
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
			var msgs []string
			for _, e := range entries {
				msgs = append(msgs, e.Message)
			}
			assert.Equal(t, tc.msgs, msgs)
		})
	}
}

func TestRecentLogsEmptyIsArray(t *testing.T) {
	_, mux := newTestHandler(NewLogBuffer(10))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/logs", nil))
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestLogStreamBackfillsThenFollows(t *testing.T) {
	logs := NewLogBuffer(10)
	logs.Add(LogEntry{Level: "INFO", Message: "before"})
	_, mux := newTestHandler(logs)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/ops/logs/stream", nil)
	require.NoError(t, err)
	tr := &http.Transport{}
	defer tr.CloseIdleConnections()
	resp, err := (&http.Client{Transport: tr}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func(prefix string) string {
		for lines.Scan() {
			if line := lines.Text(); strings.HasPrefix(line, prefix) {
				return strings.TrimPrefix(line, prefix)
			}
		}
		t.Fatalf("stream ended waiting for %q", prefix)
		return ""
	}

	var first LogEntry
	require.NoError(t, json.Unmarshal([]byte(next("data: ")), &first))
	assert.Equal(t, "before", first.Message)
	next(": listening ")

	logs.Add(LogEntry{Level: "WARN", Message: "after"})
	var second LogEntry
	require.NoError(t, json.Unmarshal([]byte(next("data: ")), &second))
	assert.Equal(t, "after", second.Message)

	cancel()
	assert.Eventually(t, func() bool { return logs.Listeners() == 0 }, time.Second, 10*time.Millisecond)
}
