package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Player plays one audio blob. Play blocks until playback completes, fails,
// or ctx is cancelled, and must return promptly on cancellation.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// PlaybackError is a decode or play failure of one segment. The queue logs
// it and advances.
type PlaybackError struct {
	Seq uint64
	Err error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback segment %d: %v", e.Seq, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// Segment is one queued audio blob. Generation is the flush generation at
// enqueue time.
type Segment struct {
	Seq        uint64
	Generation uint64
	Audio      []byte
}

type playback struct {
	seg    Segment
	cancel context.CancelFunc
	done   chan struct{}
}

// PlaybackQueue plays segments strictly in enqueue order, one at a time.
// Flush discards everything queued or playing; completions of playbacks
// started before a flush are ignored.
type PlaybackQueue struct {
	player Player
	logger *slog.Logger

	mu         sync.Mutex
	queue      []Segment
	current    *playback
	draining   <-chan struct{} // done of the last flushed playback
	generation uint64
	seq        uint64
	closed     bool
	onError    func(*PlaybackError)

	wg sync.WaitGroup
}

// NewPlaybackQueue returns an idle queue playing through player.
func NewPlaybackQueue(player Player, logger *slog.Logger) *PlaybackQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaybackQueue{player: player, logger: logger}
}

// OnError registers a callback for segment failures. It runs on the
// playback goroutine.
func (q *PlaybackQueue) OnError(fn func(*PlaybackError)) {
	q.mu.Lock()
	q.onError = fn
	q.mu.Unlock()
}

// Enqueue appends audio to the tail and starts playback if idle.
func (q *PlaybackQueue) Enqueue(audio []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(audio) == 0 {
		return
	}
	q.seq++
	q.queue = append(q.queue, Segment{Seq: q.seq, Generation: q.generation, Audio: audio})
	if q.current == nil {
		q.playNextLocked()
	}
}

// playNextLocked pops the head and starts it. An empty queue leaves the
// queue idle.
func (q *PlaybackQueue) playNextLocked() {
	if len(q.queue) == 0 {
		q.current = nil
		q.queue = nil
		return
	}
	seg := q.queue[0]
	q.queue = q.queue[1:]

	ctx, cancel := context.WithCancel(context.Background())
	p := &playback{seg: seg, cancel: cancel, done: make(chan struct{})}
	q.current = p
	after := q.draining
	q.wg.Add(1)
	go q.play(ctx, p, after)
}

func (q *PlaybackQueue) play(ctx context.Context, p *playback, after <-chan struct{}) {
	defer q.wg.Done()
	defer p.cancel()

	// A flushed player may still be shutting down; never overlap it.
	if after != nil {
		select {
		case <-after:
		case <-ctx.Done():
		}
	}

	var err error
	if ctx.Err() == nil {
		err = q.player.Play(ctx, p.seg.Audio)
	}
	close(p.done)

	if err != nil && ctx.Err() == nil {
		perr := &PlaybackError{Seq: p.seg.Seq, Err: err}
		q.logger.Warn("Audio playback failed, skipping segment", "seq", p.seg.Seq, "error", err)
		q.mu.Lock()
		onError := q.onError
		q.mu.Unlock()
		if onError != nil {
			onError(perr)
		}
	}
	q.finished(p)
}

func (q *PlaybackQueue) finished(p *playback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != p || p.seg.Generation != q.generation {
		return
	}
	q.current = nil
	if !q.closed {
		q.playNextLocked()
	}
}

// Flush clears the queue and stops the current segment, returning after its
// Play call has returned. Segments enqueued afterwards play normally.
func (q *PlaybackQueue) Flush() {
	q.mu.Lock()
	q.generation++
	q.queue = nil
	p := q.current
	q.current = nil
	if p != nil {
		q.draining = p.done
	}
	q.mu.Unlock()

	if p == nil {
		return
	}
	p.cancel()
	<-p.done
	q.logger.Debug("Audio playback flushed", "seq", p.seg.Seq)
}

// Playing reports whether a segment is playing.
func (q *PlaybackQueue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}

// Len returns the number of queued segments, excluding the playing one.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Generation returns the current flush generation.
func (q *PlaybackQueue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

// Close flushes the queue, rejects further segments and waits for playback
// goroutines.
func (q *PlaybackQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Flush()
	q.wg.Wait()
}
