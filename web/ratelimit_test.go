package web

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func request(h http.Handler, remote string) int {
	req := httptest.NewRequest(http.MethodGet, "/dashboard/stream", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestMiddlewareLimitsPerClient(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: rate.Every(time.Hour), Burst: 2})
	defer rl.Stop()
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.Equal(t, http.StatusNoContent, request(h, "10.0.0.1:5000"))
	assert.Equal(t, http.StatusNoContent, request(h, "10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, request(h, "10.0.0.1:5002"))

	assert.Equal(t, http.StatusNoContent, request(h, "10.0.0.2:5000"), "other clients have their own budget")
	assert.Equal(t, http.StatusNoContent, request(h, "pipe"), "unparseable addresses are keyed as is")
	assert.Equal(t, 3, rl.Clients())
}

func TestDefaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	assert.Equal(t, DefaultRate, rl.cfg.Rate)
	assert.Equal(t, DefaultBurst, rl.cfg.Burst)
	assert.Equal(t, DefaultIdleTimeout, rl.cfg.IdleTimeout)
	rl.Stop()
}

func TestCleanupEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{IdleTimeout: time.Hour})
	defer rl.Stop()

	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	require.True(t, rl.Allow("a"))
	advance(40 * time.Minute)
	require.True(t, rl.Allow("b"))
	advance(30 * time.Minute)

	assert.Equal(t, 1, rl.cleanupInactive())
	advance(2 * time.Hour)
	assert.Equal(t, 0, rl.cleanupInactive())

	rl.mu.Lock()
	running := rl.cleanupRunning
	rl.mu.Unlock()
	assert.False(t, running, "eviction stops once no clients remain")

	require.True(t, rl.Allow("c"))
	rl.mu.Lock()
	running = rl.cleanupRunning
	rl.mu.Unlock()
	assert.True(t, running)
}
