// Package wiretest provides in-memory wire.Conn and wire.Dialer fakes for
// tests of the market and voice packages.
package wiretest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/zerodha/trade-stream/wire"
)

// Conn is an in-memory wire.Conn. Frames pushed with Push are returned by
// ReadMessage in order; frames written by the code under test are recorded.
type Conn struct {
	URL string

	in     chan []byte
	closed chan struct{}

	mu        sync.Mutex
	written   [][]byte
	failErr   error
	writeErr  error
	writeGate chan struct{}
	closeOnce sync.Once
}

// NewConn returns an open Conn.
func NewConn(url string) *Conn {
	return &Conn{
		URL:    url,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.failErr != nil {
			return nil, c.failErr
		}
		return nil, wire.ErrClosed
	}
}

func (c *Conn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.writeGate != nil {
		select {
		case <-c.writeGate:
		case <-c.closed:
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case <-c.closed:
		return &wire.TransportError{Op: "write", URL: c.URL, Err: wire.ErrClosed}
	default:
	}
	c.written = append(c.written, b)
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Push delivers v to the reader as a JSON frame.
func (c *Conn) Push(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.PushRaw(b)
}

// PushRaw delivers a raw frame to the reader.
func (c *Conn) PushRaw(b []byte) {
	select {
	case c.in <- b:
	case <-c.closed:
	}
}

// Fail simulates a dropped connection: the pending ReadMessage returns a
// *wire.TransportError wrapping err.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	c.failErr = &wire.TransportError{Op: "read", URL: c.URL, Err: err}
	c.mu.Unlock()
	c.Close()
}

// FailWrites makes subsequent writes return err until cleared with nil.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Closed reports whether Close or Fail has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Written returns a copy of every frame written so far.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenMaps decodes each written frame into a map for assertions.
func (c *Conn) WrittenMaps() []map[string]any {
	frames := c.Written()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Dialer is an in-memory wire.Dialer. Every successful Dial yields a new Conn.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	urls  []string
	dials int
	err   error
	gate  chan struct{}
	wgate chan struct{}
}

// Hold makes subsequent Dial calls block until Release is called.
func (d *Dialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate == nil {
		d.gate = make(chan struct{})
	}
}

// Release unblocks dials held by Hold.
func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

// HoldWrites makes writes on connections dialed afterwards block until
// ReleaseWrites is called or the connection closes.
func (d *Dialer) HoldWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wgate == nil {
		d.wgate = make(chan struct{})
	}
}

// ReleaseWrites unblocks writes held by HoldWrites.
func (d *Dialer) ReleaseWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wgate != nil {
		close(d.wgate)
		d.wgate = nil
	}
}

// SetErr makes subsequent dials fail with err (nil restores success).
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Dialer) Dial(ctx context.Context, url string) (wire.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.urls = append(d.urls, url)
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &wire.TransportError{Op: "dial", URL: url, Err: ctx.Err()}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, &wire.TransportError{Op: "dial", URL: url, Err: d.err}
	}
	c := NewConn(url)
	c.writeGate = d.wgate
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials returns the number of Dial calls, successful or not.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// URLs returns the dialed urls in order.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Conns returns the connections opened so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
