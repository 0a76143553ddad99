// Package ops serves operational endpoints: a combined status report for
// the market streams and the voice session, and the in-process log buffer.
package ops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zerodha/trade-stream/market"
	"github.com/zerodha/trade-stream/voice"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
	streamBackfill  = 50
	keepaliveEvery  = 15 * time.Second
)

// MarketStatus is implemented by *market.Multiplexer.
type MarketStatus interface {
	Status() []market.CategoryStatus
}

// VoiceStatus is implemented by *voice.Client.
type VoiceStatus interface {
	Snapshot() voice.Session
}

// Config holds configuration for creating a new Handler. Voice may be nil
// when no voice agent is configured.
type Config struct {
	Market  MarketStatus
	Voice   VoiceStatus
	Logs    *LogBuffer
	Logger  *slog.Logger
	Version string
	Started time.Time
}

// Handler serves the ops API.
type Handler struct {
	market    MarketStatus
	voice     VoiceStatus
	logs      *LogBuffer
	logger    *slog.Logger
	version   string
	startTime time.Time
	keepalive time.Duration
}

// StatusReport is the /ops/status payload.
type StatusReport struct {
	Version string                  `json:"version"`
	Uptime  string                  `json:"uptime"`
	Market  []market.CategoryStatus `json:"market"`
	Voice   *voice.Session          `json:"voice,omitempty"`
}

// New creates an ops Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	started := cfg.Started
	if started.IsZero() {
		started = time.Now()
	}
	logs := cfg.Logs
	if logs == nil {
		logs = NewLogBuffer(1)
	}
	return &Handler{
		market:    cfg.Market,
		voice:     cfg.Voice,
		logs:      logs,
		logger:    logger,
		version:   cfg.Version,
		startTime: started,
		keepalive: keepaliveEvery,
	}
}

// RegisterRoutes mounts the ops routes. wrap is applied to the streaming
// endpoint only and may be nil.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.HandleFunc("/ops/status", h.status)
	mux.HandleFunc("/ops/logs", h.recentLogs)
	mux.Handle("/ops/logs/stream", wrap(http.HandlerFunc(h.logStream)))
}

// Report builds the current status report.
func (h *Handler) Report() StatusReport {
	report := StatusReport{
		Version: h.version,
		Uptime:  time.Since(h.startTime).Truncate(time.Second).String(),
	}
	if h.market != nil {
		report.Market = h.market.Status()
	}
	if h.voice != nil {
		s := h.voice.Snapshot()
		report.Voice = &s
	}
	return report
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Report())
}

func (h *Handler) recentLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	limit := defaultLogLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLogLimit)
	}
	level := slog.LevelDebug
	if s := q.Get("level"); s != "" {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
	}

	entries := h.logs.Recent(limit, level)
	if entries == nil {
		entries = []LogEntry{}
	}
	writeJSON(w, entries)
}

// logStream serves new log entries as Server-Sent Events after a short
// backfill of recent ones.
func (h *Handler) logStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := h.logs.Subscribe()
	defer h.logs.Unsubscribe(id)

	for _, entry := range h.logs.Recent(streamBackfill, slog.LevelDebug) {
		writeEvent(w, entry)
	}
	fmt.Fprintf(w, ": listening %s\n\n", id)
	flusher.Flush()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, entry)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, v any) {
	if data, err := json.Marshal(v); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
