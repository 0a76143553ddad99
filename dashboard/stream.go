// Package dashboard streams live market messages to browsers as
// Server-Sent Events. Every open stream is an independent consumer of the
// shared multiplexer.
package dashboard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zerodha/trade-stream/market"
)

const (
	eventBuffer    = 100
	keepaliveEvery = 15 * time.Second
	maxSymbols     = 50
)

// Streamer is the part of *market.Multiplexer a stream consumes.
type Streamer interface {
	Subscribe(category market.Category, symbols ...string) error
	Unsubscribe(category market.Category, symbols ...string) error
	AddHandler(category market.Category, fn market.Handler) (market.HandlerID, error)
	RemoveHandler(category market.Category, id market.HandlerID) bool
}

// Handler serves the dashboard stream.
type Handler struct {
	streamer  Streamer
	logger    *slog.Logger
	keepalive time.Duration
}

// New creates a dashboard Handler.
func New(streamer Streamer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		streamer:  streamer,
		logger:    logger.With("component", "dashboard"),
		keepalive: keepaliveEvery,
	}
}

// RegisterRoutes mounts /dashboard/stream. wrap may be nil.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	var stream http.Handler = http.HandlerFunc(h.serveStream)
	if wrap != nil {
		stream = wrap(stream)
	}
	mux.Handle("/dashboard/stream", stream)
}

// StreamEvent is the SSE payload for one market message.
type StreamEvent struct {
	Type     string          `json:"type"`
	Category market.Category `json:"category"`
	Symbol   string          `json:"symbol,omitempty"`
	Data     market.Message  `json:"data"`
}

func parseSymbols(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func matchesAny(symbols []string, got string) bool {
	for _, s := range symbols {
		if market.SymbolMatches(s, got) {
			return true
		}
	}
	return false
}

// serveStream subscribes ?symbols= on ?category= for the life of the
// request and forwards matching messages. The subscription is released when
// the client goes away.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	category, err := market.ParseCategory(q.Get("category"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	symbols := parseSymbols(q.Get("symbols"))
	if len(symbols) == 0 {
		http.Error(w, "symbols is required", http.StatusBadRequest)
		return
	}
	if len(symbols) > maxSymbols {
		http.Error(w, fmt.Sprintf("at most %d symbols per stream", maxSymbols), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	events := make(chan StreamEvent, eventBuffer)
	id, err := h.streamer.AddHandler(category, func(msg market.Message) {
		sym := market.SymbolOf(msg)
		if sym != "" && !matchesAny(symbols, sym) {
			return
		}
		select {
		case events <- StreamEvent{Type: msg.MessageType(), Category: category, Symbol: sym, Data: msg}:
		default:
			// slow client
		}
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.streamer.RemoveHandler(category, id)

	if err := h.streamer.Subscribe(category, symbols...); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer func() {
		if err := h.streamer.Unsubscribe(category, symbols...); err != nil {
			h.logger.Warn("Failed to release dashboard symbols", "category", category, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	fmt.Fprintf(w, ": subscribed %s %s\n\n", category, strings.Join(symbols, ","))
	flusher.Flush()

	h.logger.Info("Dashboard stream started", "category", category, "symbols", symbols, "handler_id", id)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("Dashboard stream closed", "category", category, "handler_id", id)
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
