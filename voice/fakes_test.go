package voice

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeSource yields pushed sample buffers until closed.
type fakeSource struct {
	frames chan []float32
	closed chan struct{}
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []float32, 64), closed: make(chan struct{})}
}

func (s *fakeSource) ReadSamples(buf []float32) (int, error) {
	select {
	case f := <-s.frames:
		return copy(buf, f), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) push(samples []float32) { s.frames <- samples }

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeDevice struct {
	mu     sync.Mutex
	err    error
	format CaptureFormat
	opens  int
	last   *fakeSource
}

func (d *fakeDevice) Open(ctx context.Context, format CaptureFormat) (SampleSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	d.format = format
	if d.err != nil {
		return nil, d.err
	}
	d.last = newFakeSource()
	return d.last, nil
}

func (d *fakeDevice) source() *fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func constant(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// fakePlayer records every Play call. Unless auto is set, a segment plays
// until finish is called for it or its context is cancelled.
type fakePlayer struct {
	auto bool

	mu        sync.Mutex
	active    int
	maxActive int
	started   []string
	completed []string
	cancelled []string
	gates     map[string]chan error
	startedCh chan string
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{gates: make(map[string]chan error), startedCh: make(chan string, 256)}
}

func (p *fakePlayer) gate(name string) chan error {
	ch, ok := p.gates[name]
	if !ok {
		ch = make(chan error, 1)
		p.gates[name] = ch
	}
	return ch
}

func (p *fakePlayer) Play(ctx context.Context, audio []byte) error {
	name := string(audio)
	p.mu.Lock()
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.started = append(p.started, name)
	gate := p.gate(name)
	p.mu.Unlock()
	p.startedCh <- name

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if p.auto {
		p.mu.Lock()
		p.completed = append(p.completed, name)
		p.mu.Unlock()
		return nil
	}
	select {
	case err := <-gate:
		p.mu.Lock()
		p.completed = append(p.completed, name)
		p.mu.Unlock()
		return err
	case <-ctx.Done():
		p.mu.Lock()
		p.cancelled = append(p.cancelled, name)
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *fakePlayer) finish(name string, err error) {
	p.mu.Lock()
	gate := p.gate(name)
	p.mu.Unlock()
	gate <- err
}

func (p *fakePlayer) waitStarted(t *testing.T, name string) {
	t.Helper()
	select {
	case got := <-p.startedCh:
		if got != name {
			t.Fatalf("started %q, want %q", got, name)
		}
	case <-time.After(waitFor):
		t.Fatalf("segment %q never started", name)
	}
}

func (p *fakePlayer) snapshot() (started, completed, cancelled []string, active, maxActive int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.started...),
		append([]string(nil), p.completed...),
		append([]string(nil), p.cancelled...),
		p.active, p.maxActive
}
