package ops

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferRingOverflow(t *testing.T) {
	lb := NewLogBuffer(3)
	assert.Nil(t, lb.Recent(10, slog.LevelDebug))

	for i := 0; i < 5; i++ {
		lb.Add(LogEntry{Level: "INFO", Message: string(rune('a' + i))})
	}

	entries := lb.Recent(10, slog.LevelDebug)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "d", entries[1].Message)
	assert.Equal(t, "e", entries[2].Message)
}

func TestLogBufferRecentNewestInOrder(t *testing.T) {
	lb := NewLogBuffer(10)
	lb.Add(LogEntry{Level: "INFO", Message: "first"})
	lb.Add(LogEntry{Level: "INFO", Message: "second"})
	lb.Add(LogEntry{Level: "INFO", Message: "third"})

	entries := lb.Recent(2, slog.LevelDebug)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "third", entries[1].Message)
}

func TestLogBufferRecentFiltersLevel(t *testing.T) {
	lb := NewLogBuffer(10)
	lb.Add(LogEntry{Level: "DEBUG", Message: "noise"})
	lb.Add(LogEntry{Level: "WARN", Message: "dropped"})
	lb.Add(LogEntry{Level: "INFO", Message: "connected"})
	lb.Add(LogEntry{Level: "ERROR", Message: "failed"})

	entries := lb.Recent(10, slog.LevelWarn)
	require.Len(t, entries, 2)
	assert.Equal(t, "dropped", entries[0].Message)
	assert.Equal(t, "failed", entries[1].Message)
}

func TestLogBufferListeners(t *testing.T) {
	lb := NewLogBuffer(10)

	id1, ch1 := lb.Subscribe()
	id2, ch2 := lb.Subscribe()
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, lb.Listeners())

	lb.Add(LogEntry{Message: "broadcast"})
	for _, ch := range []<-chan LogEntry{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, "broadcast", e.Message)
		case <-time.After(time.Second):
			t.Fatal("listener did not receive")
		}
	}

	lb.Unsubscribe(id1)
	lb.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "channel should be closed after Unsubscribe")
	assert.Equal(t, 1, lb.Listeners())
	lb.Unsubscribe(id2)
}

func TestLogBufferSlowListenerDrops(t *testing.T) {
	lb := NewLogBuffer(10)
	id, ch := lb.Subscribe()
	defer lb.Unsubscribe(id)

	for i := 0; i < listenerBuffer+5; i++ {
		lb.Add(LogEntry{Message: "fill"})
	}
	assert.Len(t, ch, listenerBuffer)
}

func TestTeeHandlerCapturesComponentAndAttrs(t *testing.T) {
	lb := NewLogBuffer(10)
	var out bytes.Buffer
	logger := slog.New(NewTeeHandler(slog.NewTextHandler(&out, nil), lb))

	logger.With("component", "market").Info("Market connected", "category", "crypto")
	logger.WithGroup("voice").Warn("Dropped", "frames", 3)
	logger.Debug("hidden")

	entries := lb.Recent(10, slog.LevelDebug)
	require.Len(t, entries, 2, "records below the inner handler's level are not buffered")

	assert.Equal(t, "market", entries[0].Component)
	assert.Equal(t, "Market connected", entries[0].Message)
	assert.Equal(t, "category=crypto", entries[0].Attrs)
	assert.Equal(t, "INFO", entries[0].Level)

	assert.Equal(t, "voice.frames=3", entries[1].Attrs)
	assert.Equal(t, "WARN", entries[1].Level)

	assert.Contains(t, out.String(), "msg=\"Market connected\"")
	assert.NotContains(t, out.String(), "hidden")
}
