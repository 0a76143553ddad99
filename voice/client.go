// Package voice implements the client side of a voice-agent session: audio
// capture and PCM16 encoding, the session state machine over one duplex
// connection, and strictly ordered playback of agent audio with barge-in.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zerodha/trade-stream/sessionstore"
	"github.com/zerodha/trade-stream/wire"
)

// State is the voice session state.
type State string

// Session states. Closed is reachable from every state.
const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateRecording  State = "recording"
	StateClosed     State = "closed"
)

// ErrInvalidState is returned by operations not allowed in the current state.
var ErrInvalidState = errors.New("invalid voice session state")

const (
	defaultEventBuffer    = 64
	defaultOutboundBuffer = 32 // about 8s of audio
	inboundFrameBuffer    = 64
)

// Config holds configuration for creating a new Client.
type Config struct {
	URL    string
	Dialer wire.Dialer        // default: &wire.WebsocketDialer{}
	Store  sessionstore.Store // default: in-memory
	Device Device             // required for recording
	Format CaptureFormat      // default: DefaultCaptureFormat()
	Player Player             // default: DiscardPlayer
	Logger *slog.Logger

	EventBuffer    int
	OutboundBuffer int // audio frames queued for sending

	Now func() time.Time
}

// Session is a snapshot of the client-visible session.
type Session struct {
	ThreadID        string `json:"thread_id"`
	State           State  `json:"state"`
	LastError       string `json:"last_error,omitempty"`
	Transcript      string `json:"transcript,omitempty"`
	TranscriptFinal bool   `json:"transcript_final"`
	AgentText       string `json:"agent_text,omitempty"`
	Thinking        bool   `json:"thinking"`
	Speaking        bool   `json:"speaking"`
	FramesSent      uint64 `json:"frames_sent"`
	FramesDropped   uint64 `json:"frames_dropped"`
	PlaybackErrors  uint64 `json:"playback_errors"`
	SegmentsQueued  int    `json:"segments_queued"`
	Playing         bool   `json:"playing"`
}

// link is one physical connection and the event stream tied to it.
type link struct {
	conn         wire.Conn
	events       chan Event
	eventsClosed bool
	done         chan struct{}
}

type recording struct {
	audio    chan Frame
	pumpDone chan struct{}
}

// Client drives one voice session at a time. There is no automatic
// reconnect: after a transport failure the session is Closed and Connect
// must be called again.
type Client struct {
	url            string
	dialer         wire.Dialer
	store          sessionstore.Store
	logger         *slog.Logger
	now            func() time.Time
	eventBuffer    int
	outboundBuffer int

	capture  *Capture
	playback *PlaybackQueue

	recMu sync.Mutex // serialises StartRecording and StopRecording

	mu      sync.Mutex
	session Session
	lastErr error
	link    *link
	rec     *recording

	sent, dropped, playbackErrs atomic.Uint64
}

// NewClient creates an Idle client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("voice: url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "voice")

	c := &Client{
		url:            cfg.URL,
		dialer:         cfg.Dialer,
		store:          cfg.Store,
		logger:         logger,
		now:            cfg.Now,
		eventBuffer:    cfg.EventBuffer,
		outboundBuffer: cfg.OutboundBuffer,
		session:        Session{State: StateIdle},
	}
	if c.dialer == nil {
		c.dialer = &wire.WebsocketDialer{}
	}
	if c.store == nil {
		c.store = sessionstore.NewMemory()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.eventBuffer <= 0 {
		c.eventBuffer = defaultEventBuffer
	}
	if c.outboundBuffer <= 0 {
		c.outboundBuffer = defaultOutboundBuffer
	}
	format := cfg.Format
	if format == (CaptureFormat{}) {
		format = DefaultCaptureFormat()
	}
	player := cfg.Player
	if player == nil {
		player = DiscardPlayer{}
	}

	c.capture = NewCapture(cfg.Device, format, logger)
	c.playback = NewPlaybackQueue(player, logger)
	c.playback.OnError(func(*PlaybackError) { c.playbackErrs.Add(1) })
	return c, nil
}

// Connect opens a new connection and sends start with the persisted thread
// id. It is allowed from Idle and Closed. The session becomes Ready when the
// server sends ready. A dial failure leaves the session Closed and returns a
// *wire.TransportError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if st := c.session.State; st != StateIdle && st != StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, st)
	}
	threadID, err := ThreadID(c.store, c.now)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	l := &link{events: make(chan Event, c.eventBuffer)}
	c.link = l
	c.lastErr = nil
	c.session = Session{ThreadID: threadID}
	c.sent.Store(0)
	c.dropped.Store(0)
	c.playbackErrs.Store(0)
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.logger.Info("Connecting voice session", "url", c.url, "thread_id", threadID)
	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		if !wire.IsTransport(err) {
			err = &wire.TransportError{Op: "dial", URL: c.url, Err: err}
		}
		c.mu.Lock()
		if c.link == l && c.session.State == StateConnecting {
			c.failLocked(l, err)
		}
		c.closeEventsLocked(l)
		c.mu.Unlock()
		c.logger.Error("Voice session dial failed", "url", c.url, "error", err)
		return err
	}

	if !c.stillConnecting(l) {
		_ = conn.Close()
		return errDisconnectedWhileConnecting
	}
	// No read loop runs yet, so ready cannot arrive before start is written.
	if err := conn.WriteJSON(newStart(threadID)); err != nil {
		_ = conn.Close()
		c.mu.Lock()
		if c.link == l && c.session.State == StateConnecting {
			c.failLocked(l, err)
		}
		c.closeEventsLocked(l)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l || c.session.State != StateConnecting {
		c.closeEventsLocked(l)
		_ = conn.Close()
		return errDisconnectedWhileConnecting
	}

	l.conn = conn
	l.done = make(chan struct{})
	frames := make(chan []byte, inboundFrameBuffer)
	readErr := make(chan error, 1)
	go c.readLoop(conn, frames, readErr)
	go c.dispatchLoop(l, frames, readErr)
	return nil
}

func (c *Client) readLoop(conn wire.Conn, frames chan<- []byte, readErr chan<- error) {
	defer close(frames)
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		frames <- frame
	}
}

// dispatchLoop is the only goroutine applying inbound events, so a barge-in
// flush completes before the next frame is looked at.
func (c *Client) dispatchLoop(l *link, frames <-chan []byte, readErr <-chan error) {
	defer close(l.done)
	for frame := range frames {
		c.handle(l, frame)
	}
	c.endLink(l, <-readErr)
}

func (c *Client) handle(l *link, frame []byte) {
	ev, err := DecodeEvent(frame)
	if err != nil {
		c.logger.Warn("Dropping malformed voice frame", "error", err)
		return
	}

	c.mu.Lock()
	if c.link != l || c.session.State == StateClosed {
		c.mu.Unlock()
		return
	}
	switch e := ev.(type) {
	case ReadyEvent:
		if c.session.State == StateConnecting {
			c.setStateLocked(StateReady)
			c.logger.Info("Voice session ready", "thread_id", c.session.ThreadID)
		}
	case PartialTranscriptEvent:
		c.session.Transcript = e.Text
		c.session.TranscriptFinal = false
	case FinalTranscriptEvent:
		c.session.Transcript = e.Text
		c.session.TranscriptFinal = true
	case AgentThinkingEvent:
		c.session.Thinking = e.Thinking
	case AgentTextEvent:
		c.session.AgentText = e.Text
	case AgentSpeakingEvent:
		c.session.Speaking = e.Speaking
	case ErrorEvent:
		c.session.LastError = e.Message
		c.logger.Warn("Voice agent error", "message", e.Message)
	}
	c.emitLocked(l, ev)
	c.mu.Unlock()

	switch e := ev.(type) {
	case AgentSpeakingEvent:
		if e.Speaking {
			c.playback.Flush()
		}
	case AgentAudioEvent:
		c.playback.Enqueue(e.Audio)
	}
}

func (c *Client) endLink(l *link, err error) {
	c.mu.Lock()
	lost := c.link == l && c.session.State != StateClosed
	if lost {
		if !wire.IsTransport(err) {
			err = &wire.TransportError{Op: "read", URL: c.url, Err: err}
		}
		c.failLocked(l, err)
	}
	c.mu.Unlock()

	if lost {
		c.logger.Warn("Voice session connection lost", "error", err)
		_ = c.stopAudio(context.Background())
		c.playback.Flush()
		_ = l.conn.Close()
	}

	c.mu.Lock()
	c.closeEventsLocked(l)
	c.mu.Unlock()
}

var errDisconnectedWhileConnecting = fmt.Errorf("%w: disconnected while connecting", ErrInvalidState)

// stillConnecting reports whether l is still the pending connection. When it
// is not, its event stream is closed.
func (c *Client) stillConnecting(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l || c.session.State != StateConnecting {
		c.closeEventsLocked(l)
		return false
	}
	return true
}

// StartRecording starts capture and streams frames as audio_chunk messages.
// It is valid from Ready and a no-op while Recording. A refused microphone
// returns ErrPermissionDenied and leaves the session Ready.
func (c *Client) StartRecording(ctx context.Context) error {
	c.recMu.Lock()
	defer c.recMu.Unlock()

	c.mu.Lock()
	switch st := c.session.State; st {
	case StateRecording:
		c.mu.Unlock()
		return nil
	case StateReady:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: start recording while %s", ErrInvalidState, st)
	}
	l := c.link
	c.mu.Unlock()

	rec := &recording{
		audio:    make(chan Frame, c.outboundBuffer),
		pumpDone: make(chan struct{}),
	}
	c.capture.OnEnd(func(err error) { c.captureEnded(l, rec, err) })
	if err := c.capture.Start(ctx, c.enqueueFrame(rec.audio)); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.session.LastError = err.Error()
		c.emitLocked(l, ErrorEvent{Message: err.Error(), Err: err})
		c.mu.Unlock()
		c.logger.Warn("Voice recording did not start", "error", err)
		return err
	}

	c.mu.Lock()
	if c.link != l || c.session.State != StateReady {
		c.mu.Unlock()
		c.capture.Stop()
		return fmt.Errorf("%w: session closed while starting recording", ErrInvalidState)
	}
	c.rec = rec
	c.setStateLocked(StateRecording)
	c.mu.Unlock()

	go c.pump(l, rec)
	return nil
}

// captureEnded runs on the capture goroutine when the device stream stops
// while rec is recording. Queued frames are sent, then audio_end, and the
// session returns to Ready with the failure recorded.
func (c *Client) captureEnded(l *link, rec *recording, err error) {
	c.recMu.Lock()
	defer c.recMu.Unlock()

	c.mu.Lock()
	if c.rec != rec {
		c.mu.Unlock()
		return
	}
	c.rec = nil
	c.lastErr = err
	c.session.LastError = err.Error()
	c.emitLocked(l, ErrorEvent{Message: err.Error(), Err: err})
	if c.link == l && c.session.State == StateRecording {
		c.setStateLocked(StateReady)
	}
	c.mu.Unlock()

	// The capture goroutine is the only sender on rec.audio.
	close(rec.audio)
	<-rec.pumpDone
	c.sendOn(l, newAudioEnd())
}

// enqueueFrame is the capture callback. It never blocks: frames beyond the
// outbound buffer are dropped.
func (c *Client) enqueueFrame(audio chan<- Frame) func(Frame) {
	return func(f Frame) {
		select {
		case audio <- f:
		default:
			c.dropped.Add(1)
			c.logger.Debug("Dropping audio frame, send queue full", "seq", f.Seq)
		}
	}
}

// pump sends queued frames in capture order.
func (c *Client) pump(l *link, rec *recording) {
	defer close(rec.pumpDone)
	for f := range rec.audio {
		if c.sendOn(l, newAudioChunk(f)) {
			c.sent.Add(1)
		} else {
			c.dropped.Add(1)
		}
	}
}

// StopRecording stops capture, sends the frames still queued followed by
// audio_end, and returns to Ready. It is a no-op from Ready.
func (c *Client) StopRecording(ctx context.Context) error {
	c.recMu.Lock()
	defer c.recMu.Unlock()

	c.mu.Lock()
	switch st := c.session.State; st {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateRecording:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: stop recording while %s", ErrInvalidState, st)
	}
	l := c.link
	c.mu.Unlock()

	drainErr := c.stopAudio(ctx)

	c.mu.Lock()
	if c.link == l && c.session.State == StateRecording {
		c.setStateLocked(StateReady)
	}
	c.mu.Unlock()

	if drainErr != nil {
		return fmt.Errorf("drain audio: %w", drainErr)
	}
	c.sendOn(l, newAudioEnd())
	return nil
}

// stopAudio stops capture and waits for the pump to drain. Whoever takes
// c.rec first does the work.
func (c *Client) stopAudio(ctx context.Context) error {
	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	c.mu.Unlock()
	if rec == nil {
		return nil
	}

	c.capture.Stop()
	close(rec.audio)
	select {
	case <-rec.pumpDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendOn writes msg if l is the live, open connection. Otherwise the message
// is dropped: voice is real-time and late audio is useless.
func (c *Client) sendOn(l *link, msg any) bool {
	c.mu.Lock()
	st := c.session.State
	open := c.link == l && l.conn != nil && (st == StateReady || st == StateRecording)
	c.mu.Unlock()

	if !open {
		c.logger.Debug("Dropping voice message, connection not open", "state", st)
		return false
	}
	if err := l.conn.WriteJSON(msg); err != nil {
		c.logger.Warn("Voice send failed", "error", err)
		return false
	}
	return true
}

// Disconnect sends a best-effort stop, stops recording and playback, closes
// the connection and waits for its goroutines. It is idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	l := c.link
	if l == nil || c.session.State == StateClosed {
		if c.session.State == StateIdle {
			c.setStateLocked(StateClosed)
		}
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateClosed)
	conn, done := l.conn, l.done
	if conn == nil {
		// Still dialing: Connect sees the state change and closes the conn.
		c.closeEventsLocked(l)
	}
	threadID := c.session.ThreadID
	c.mu.Unlock()

	_ = c.stopAudio(context.Background())
	if conn != nil {
		if err := conn.WriteJSON(newStop()); err != nil {
			c.logger.Debug("Voice stop not delivered", "error", err)
		}
		_ = conn.Close()
	}
	c.playback.Flush()
	if done != nil {
		<-done
	}
	c.logger.Info("Voice session disconnected", "thread_id", threadID)
	return nil
}

// Close disconnects and releases the playback queue. The client cannot be
// used afterwards.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.playback.Close()
	return err
}

// Events returns the event stream of the current connection. It is closed
// when the connection ends; each Connect starts a new stream. Events are
// dropped when the consumer falls behind.
func (c *Client) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return c.link.events
}

// Snapshot returns the current session view.
func (c *Client) Snapshot() Session {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	s.FramesSent = c.sent.Load()
	s.FramesDropped = c.dropped.Load()
	s.PlaybackErrors = c.playbackErrs.Load()
	s.SegmentsQueued = c.playback.Len()
	s.Playing = c.playback.Playing()
	return s
}

// State returns the session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

// Err returns the last transport or permission error, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) failLocked(l *link, err error) {
	c.lastErr = err
	c.session.LastError = err.Error()
	c.setStateLocked(StateClosed)
	c.emitLocked(l, ErrorEvent{Message: err.Error(), Err: err})
}

func (c *Client) setStateLocked(s State) {
	c.session.State = s
	if c.link != nil {
		c.emitLocked(c.link, StateEvent{State: s})
	}
}

func (c *Client) emitLocked(l *link, ev Event) {
	if l == nil || l.eventsClosed {
		return
	}
	select {
	case l.events <- ev:
	default:
		c.logger.Debug("Dropping voice event, consumer behind", "type", ev.Type())
	}
}

func (c *Client) closeEventsLocked(l *link) {
	if !l.eventsClosed {
		l.eventsClosed = true
		close(l.events)
	}
}

// DiscardPlayer completes every segment immediately.
type DiscardPlayer struct{}

func (DiscardPlayer) Play(ctx context.Context, audio []byte) error { return ctx.Err() }
