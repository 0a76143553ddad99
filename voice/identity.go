package voice

import (
	"errors"
	"fmt"
	"time"

	"github.com/zerodha/trade-stream/sessionstore"
)

// ThreadIDKey is the storage key of the persisted conversation thread id.
const ThreadIDKey = "voice_thread_id"

// ThreadID returns the persisted thread id, generating and saving
// "voice-session-<unix millis>" the first time.
func ThreadID(store sessionstore.Store, now func() time.Time) (string, error) {
	id, err := store.Get(ThreadIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, sessionstore.ErrNotFound) {
		return "", fmt.Errorf("load thread id: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	id = fmt.Sprintf("voice-session-%d", now().UnixMilli())
	if err := store.Set(ThreadIDKey, id); err != nil {
		return "", fmt.Errorf("save thread id: %w", err)
	}
	return id, nil
}

// ResetThreadID forgets the persisted thread id so the next connect starts
// a new conversation.
func ResetThreadID(store sessionstore.Store) error {
	if err := store.Delete(ThreadIDKey); err != nil {
		return fmt.Errorf("reset thread id: %w", err)
	}
	return nil
}
