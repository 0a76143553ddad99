package market

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler receives every inbound message of a category. Filtering by symbol
// is the consumer's job.
type Handler func(Message)

// HandlerID identifies a registered handler for removal.
type HandlerID string

type handlerEntry struct {
	id      HandlerID
	fn      Handler
	removed atomic.Bool
}

// handlerSet is an ordered handler list. Dispatch iterates a snapshot, so a
// handler added mid-dispatch waits for the next message, and checks the
// removed flag before every call, so a handler removed mid-dispatch is not
// called again.
type handlerSet struct {
	mu      sync.RWMutex
	entries []*handlerEntry
}

func (h *handlerSet) add(fn Handler) HandlerID {
	e := &handlerEntry{id: HandlerID(uuid.NewString()), fn: fn}
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()
	return e.id
}

func (h *handlerSet) remove(id HandlerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.id == id {
			e.removed.Store(true)
			h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (h *handlerSet) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *handlerSet) snapshot() []*handlerEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*handlerEntry(nil), h.entries...)
}

func (h *handlerSet) dispatch(msg Message, logger *slog.Logger) {
	for _, e := range h.snapshot() {
		if e.removed.Load() {
			continue
		}
		invoke(e, msg, logger)
	}
}

func invoke(e *handlerEntry, msg Message, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Market handler panicked", "handler_id", e.id, "type", msg.MessageType(), "panic", r)
		}
	}()
	e.fn(msg)
}
