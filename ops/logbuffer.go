package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const listenerBuffer = 100

// LogEntry is one structured log record as shown on the ops endpoints.
type LogEntry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"msg"`
	Attrs     string    `json:"attrs,omitempty"`
}

// LogBuffer is a fixed-capacity ring of recent entries with fan-out to
// streaming listeners. Slow listeners miss entries rather than block logging.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	size    int

	listenerMu sync.RWMutex
	listeners  map[string]chan LogEntry
}

// NewLogBuffer allocates a ring buffer with the given capacity.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{
		entries:   make([]LogEntry, capacity),
		listeners: make(map[string]chan LogEntry),
	}
}

// Add stores an entry and offers it to every listener.
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % len(lb.entries)
	if lb.size < len(lb.entries) {
		lb.size++
	}
	lb.mu.Unlock()

	lb.listenerMu.RLock()
	for _, ch := range lb.listeners {
		select {
		case ch <- entry:
		default:
		}
	}
	lb.listenerMu.RUnlock()
}

// Recent returns up to n of the newest entries at or above minLevel, oldest first.
func (lb *LogBuffer) Recent(n int, minLevel slog.Level) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if n > lb.size {
		n = lb.size
	}
	if n <= 0 {
		return nil
	}

	out := make([]LogEntry, 0, n)
	for i := 0; i < lb.size && len(out) < n; i++ {
		e := lb.entries[(lb.head-1-i+2*len(lb.entries))%len(lb.entries)]
		if levelOf(e.Level) >= minLevel {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Subscribe registers a listener and returns its id and channel.
func (lb *LogBuffer) Subscribe() (string, <-chan LogEntry) {
	id := uuid.NewString()
	ch := make(chan LogEntry, listenerBuffer)
	lb.listenerMu.Lock()
	lb.listeners[id] = ch
	lb.listenerMu.Unlock()
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (lb *LogBuffer) Unsubscribe(id string) {
	lb.listenerMu.Lock()
	ch, ok := lb.listeners[id]
	delete(lb.listeners, id)
	lb.listenerMu.Unlock()
	if ok {
		close(ch)
	}
}

// Listeners returns the number of active listeners.
func (lb *LogBuffer) Listeners() int {
	lb.listenerMu.RLock()
	defer lb.listenerMu.RUnlock()
	return len(lb.listeners)
}

func levelOf(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// TeeHandler copies every record it handles into a LogBuffer before passing
// it to the wrapped handler. Attributes added with WithAttrs are kept so the
// buffered entry carries the logger's component.
type TeeHandler struct {
	inner  slog.Handler
	buf    *LogBuffer
	attrs  []slog.Attr
	prefix string
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler creates a handler that tees records to both inner and buf.
func NewTeeHandler(inner slog.Handler, buf *LogBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	var sb strings.Builder
	add := func(a slog.Attr, prefix string) {
		if a.Key == "component" && prefix == "" {
			entry.Component = a.Value.String()
			return
		}
		fmt.Fprintf(&sb, "%s%s=%v ", prefix, a.Key, a.Value.Any())
	}
	for _, a := range h.attrs {
		add(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a, h.prefix)
		return true
	})
	entry.Attrs = strings.TrimSpace(sb.String())
	h.buf.Add(entry)

	return h.inner.Handle(ctx, r)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &TeeHandler{inner: h.inner.WithAttrs(attrs), buf: h.buf, prefix: h.prefix}
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), qualify(attrs, h.prefix)...)
	return next
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TeeHandler{
		inner:  h.inner.WithGroup(name),
		buf:    h.buf,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}

func qualify(attrs []slog.Attr, prefix string) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}
