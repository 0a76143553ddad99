package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrPermissionDenied is returned when microphone access is refused. It is
// terminal for that recording attempt only.
var ErrPermissionDenied = errors.New("microphone permission denied")

// ErrCaptureEnded reports a device stream that stopped while recording.
var ErrCaptureEnded = errors.New("audio capture ended")

// CaptureFormat describes the requested input stream.
type CaptureFormat struct {
	SampleRate   int
	Channels     int
	EchoCancel   bool
	FrameSamples int
}

// DefaultCaptureFormat is mono 16 kHz, echo-cancelled, 4096-sample buffers.
func DefaultCaptureFormat() CaptureFormat {
	return CaptureFormat{
		SampleRate:   SampleRate,
		Channels:     Channels,
		EchoCancel:   true,
		FrameSamples: FrameSamples,
	}
}

// SampleSource is an open input stream of normalized float samples.
// ReadSamples blocks until at least one sample is available; after Close it
// returns an error.
type SampleSource interface {
	ReadSamples(buf []float32) (int, error)
	Close() error
}

// Device opens a microphone. A refused device returns an error matching
// ErrPermissionDenied.
type Device interface {
	Open(ctx context.Context, format CaptureFormat) (SampleSource, error)
}

// Capture turns a device stream into PCM16 frames of exactly FrameSamples
// samples, delivered in capture order.
type Capture struct {
	device Device
	format CaptureFormat
	logger *slog.Logger

	mu    sync.Mutex
	src   SampleSource
	done  chan struct{}
	onEnd func(error)
}

// NewCapture returns a stopped capture on device.
func NewCapture(device Device, format CaptureFormat, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	if format.FrameSamples <= 0 {
		format.FrameSamples = FrameSamples
	}
	return &Capture{device: device, format: format, logger: logger}
}

// OnEnd sets the callback run when the device stream ends without Stop, for
// example when the capture process exits. It applies to later Starts.
func (c *Capture) OnEnd(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnd = fn
}

// Start opens the device and begins calling onFrame from a reader
// goroutine. onFrame must not block. Start on a running capture is a no-op.
func (c *Capture) Start(ctx context.Context, onFrame func(Frame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.src != nil {
		return nil
	}
	if c.device == nil {
		return fmt.Errorf("no capture device configured")
	}
	src, err := c.device.Open(ctx, c.format)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("open capture device: %w", err)
	}

	c.src = src
	c.done = make(chan struct{})
	go c.readLoop(src, onFrame, c.onEnd, c.done)
	c.logger.Debug("Audio capture started", "sample_rate", c.format.SampleRate, "frame_samples", c.format.FrameSamples)
	return nil
}

func (c *Capture) readLoop(src SampleSource, onFrame func(Frame), onEnd func(error), done chan struct{}) {
	defer close(done)

	buf := make([]float32, c.format.FrameSamples)
	var seq uint64
	for {
		filled := 0
		for filled < len(buf) {
			n, err := src.ReadSamples(buf[filled:])
			filled += n
			if err != nil {
				c.ended(src, err, onEnd)
				return
			}
		}
		onFrame(Frame{Seq: seq, Data: EncodePCM16(buf)})
		seq++
	}
}

// ended releases a source that stopped on its own and reports it. A source
// closed by Stop ends silently.
func (c *Capture) ended(src SampleSource, err error, onEnd func(error)) {
	c.mu.Lock()
	if c.src != src {
		c.mu.Unlock()
		return
	}
	c.src, c.done = nil, nil
	c.mu.Unlock()

	_ = src.Close()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		err = ErrCaptureEnded
	} else {
		err = fmt.Errorf("%w: %w", ErrCaptureEnded, err)
	}
	c.logger.Warn("Audio capture ended unexpectedly", "error", err)
	if onEnd != nil {
		onEnd(err)
	}
}

func (c *Capture) stopped(src SampleSource) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.src != src
}

// Running reports whether the capture is started.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.src != nil
}

// Stop closes the device and waits for the reader goroutine. No onFrame call
// happens after Stop returns. Stop is idempotent and safe before Start.
func (c *Capture) Stop() {
	c.mu.Lock()
	src, done := c.src, c.done
	c.src, c.done = nil, nil
	c.mu.Unlock()

	if src == nil {
		return
	}
	if err := src.Close(); err != nil {
		c.logger.Debug("Audio capture close failed", "error", err)
	}
	<-done
	c.logger.Debug("Audio capture stopped")
}
