// Package web holds HTTP middleware shared by the dashboard and ops
// endpoints.
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied by NewRateLimiter for zero Config values. Stream
// endpoints hold a request open, so the budget is for stream opens.
const (
	DefaultRate        = rate.Limit(1)
	DefaultBurst       = 5
	DefaultIdleTimeout = time.Hour
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	Rate        rate.Limit // requests per second per client
	Burst       int
	IdleTimeout time.Duration // limiters unused for this long are evicted
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter enforces a per-client request rate.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu             sync.Mutex
	limiters       map[string]*limiterEntry
	cleanupCancel  context.CancelFunc
	cleanupDone    chan struct{}
	cleanupRunning bool
}

// NewRateLimiter creates a RateLimiter. The eviction goroutine starts with
// the first client and stops when no clients are left or Stop is called.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &RateLimiter{
		cfg:      cfg,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

func (m *RateLimiter) getLimiter(client string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.limiters[client]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(m.cfg.Rate, m.cfg.Burst)}
		m.limiters[client] = entry
		if !m.cleanupRunning {
			m.startCleanupLocked()
		}
	}
	entry.lastAccess = m.now()
	return entry.limiter
}

// Allow reports whether a request from client may proceed.
func (m *RateLimiter) Allow(client string) bool {
	return m.getLimiter(client).Allow()
}

// Middleware rejects requests over the client's budget with 429.
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Clients returns the number of tracked clients.
func (m *RateLimiter) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

func (m *RateLimiter) startCleanupLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cleanupRunning = true
	m.cleanupCancel = cancel
	m.cleanupDone = make(chan struct{})
	go m.cleanupRoutine(ctx, m.cleanupDone)
}

// Stop stops the eviction goroutine and waits for it.
func (m *RateLimiter) Stop() {
	m.mu.Lock()
	cancel, done := m.cleanupCancel, m.cleanupDone
	m.cleanupRunning = false
	m.cleanupCancel, m.cleanupDone = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *RateLimiter) cleanupRoutine(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.cleanupInactive() == 0 {
				return
			}
		}
	}
}

// cleanupInactive evicts idle limiters and returns how many remain. When
// none remain the eviction goroutine is marked stopped.
func (m *RateLimiter) cleanupInactive() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for client, entry := range m.limiters {
		if now.Sub(entry.lastAccess) > m.cfg.IdleTimeout {
			delete(m.limiters, client)
		}
	}
	if len(m.limiters) == 0 && m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupRunning = false
		m.cleanupCancel, m.cleanupDone = nil, nil
	}
	return len(m.limiters)
}
