package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zerodha/trade-stream/wire"
)

// State is the lifecycle state of one category connection.
type State string

// Category connection states.
const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

type connOptions struct {
	resubscribeDelay time.Duration
	minBackoff       time.Duration
	maxBackoff       time.Duration
	noReconnect      bool
	frameBuffer      int
}

// categoryConn owns the single physical connection of one category.
//
// mu serialises registry transitions with the control messages they
// produce, so subscribe/unsubscribe reach the wire in call order. Control
// writes happen with mu held for that reason; a slow write delays status.
type categoryConn struct {
	category Category
	url      string
	registry *Registry
	dialer   wire.Dialer
	limiter  *rate.Limiter
	logger   *slog.Logger
	opts     connOptions
	onState  func(Category, State)

	handlers handlerSet

	mu         sync.Mutex
	state      State
	conn       wire.Conn
	pending    []Control
	stalled    bool
	everOpened bool
	since      time.Time
	reconnects int
	lastErr    string
	cancel     context.CancelFunc
	done       chan struct{}
}

func (c *categoryConn) connect(parent context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnecting, StateOpen, StateReconnecting:
		return
	}

	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	prev := c.done
	c.done = make(chan struct{})
	c.setStateLocked(StateConnecting)

	frames := make(chan []byte, c.opts.frameBuffer)
	done := c.done
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.run(ctx, frames)
	}()
	go func() {
		defer wg.Done()
		// A dropped connection may still be dispatching buffered frames;
		// handlers see one dispatch goroutine at a time.
		if prev != nil {
			<-prev
		}
		c.dispatchLoop(frames)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
}

// disconnect tears the connection down and returns a channel closed once
// its goroutines have exited. It must not be called from a Handler.
func (c *categoryConn) disconnect() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.stalled = false
	if c.state != StateIdle && c.state != StateClosed {
		c.setStateLocked(StateClosed)
		c.logger.Info("Market stream closed", "category", c.category)
	}
	return c.done
}

func (c *categoryConn) run(ctx context.Context, frames chan<- []byte) {
	defer close(frames)

	failures := 0
	for {
		if failures > 0 && !sleepCtx(ctx, c.backoff(failures)) {
			return
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		conn, err := c.dialer.Dial(ctx, c.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Warn("Market stream dial failed", "category", c.category, "attempt", failures, "error", err)
			if !c.dropped(err) {
				return
			}
			continue
		}

		if !c.opened(ctx, conn) {
			_ = conn.Close()
			return
		}
		err = c.readLoop(ctx, conn, frames)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		failures = 1
		c.logger.Warn("Market stream dropped", "category", c.category, "error", err)
		if !c.dropped(err) {
			return
		}
	}
}

func (c *categoryConn) opened(ctx context.Context, conn wire.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	c.conn = conn
	c.stalled = false
	if c.everOpened {
		// A new physical connection knows nothing of earlier subscriptions:
		// replace the queued transitions with the registry's current set.
		c.reconnects++
		c.pending = nil
		if symbols := c.registry.Symbols(c.category); len(symbols) > 0 {
			c.pending = []Control{{Action: ActionSubscribe, Symbols: symbols}}
		}
	}
	c.everOpened = true
	c.setStateLocked(StateOpen)
	c.logger.Info("Market stream connected", "category", c.category, "url", c.url, "reconnects", c.reconnects)
	c.flushLocked(conn)
	return true
}

func (c *categoryConn) dropped(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = nil
	c.stalled = false
	if err != nil {
		c.lastErr = err.Error()
	}
	if c.opts.noReconnect {
		c.setStateLocked(StateClosed)
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		return false
	}
	c.setStateLocked(StateReconnecting)
	return true
}

func (c *categoryConn) readLoop(ctx context.Context, conn wire.Conn, frames chan<- []byte) error {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *categoryConn) dispatchLoop(frames <-chan []byte) {
	for frame := range frames {
		msg, err := Decode(frame)
		if err != nil {
			c.logger.Warn("Dropping malformed market frame", "category", c.category, "error", err)
			continue
		}
		switch m := msg.(type) {
		case Error:
			c.logger.Warn("Market stream error", "category", c.category, "message", m.Message)
		case Connected:
			c.logger.Debug("Market stream greeting", "category", c.category, "message", m.Message)
		}
		c.handlers.dispatch(msg, c.logger)
	}
}

func (c *categoryConn) subscribe(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if added := c.registry.Acquire(c.category, symbols...); len(added) > 0 {
		c.sendLocked(Control{Action: ActionSubscribe, Symbols: added})
	}
}

func (c *categoryConn) unsubscribe(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if removed := c.registry.Release(c.category, symbols...); len(removed) > 0 {
		c.sendLocked(Control{Action: ActionUnsubscribe, Symbols: removed})
	}
}

// sendLocked writes ctl now if the connection is open and healthy, and
// queues it otherwise. Queued controls keep their order.
func (c *categoryConn) sendLocked(ctl Control) {
	if c.state != StateOpen || c.conn == nil || c.stalled {
		c.pending = append(c.pending, ctl)
		return
	}
	if err := c.conn.WriteJSON(ctl); err != nil {
		c.logger.Warn("Market control send failed, retrying", "category", c.category, "action", ctl.Action, "error", err)
		c.pending = append(c.pending, ctl)
		c.stallLocked(c.conn)
	}
}

func (c *categoryConn) flushLocked(conn wire.Conn) {
	for len(c.pending) > 0 {
		ctl := c.pending[0]
		if err := conn.WriteJSON(ctl); err != nil {
			c.logger.Warn("Market control flush failed, retrying", "category", c.category, "action", ctl.Action, "error", err)
			c.stallLocked(conn)
			return
		}
		c.pending = c.pending[1:]
	}
	c.pending = nil
}

// stallLocked holds further controls behind the failed one and retries the
// queue once after the resubscribe delay.
func (c *categoryConn) stallLocked(conn wire.Conn) {
	if c.stalled {
		return
	}
	c.stalled = true
	time.AfterFunc(c.opts.resubscribeDelay, func() { c.retry(conn) })
}

func (c *categoryConn) retry(conn wire.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn || c.state != StateOpen || !c.stalled {
		return
	}
	for len(c.pending) > 0 {
		if err := conn.WriteJSON(c.pending[0]); err != nil {
			// The reconnect path replays the registry on a fresh connection.
			c.logger.Error("Market control retry failed, dropping connection", "category", c.category, "error", err)
			_ = conn.Close()
			return
		}
		c.pending = c.pending[1:]
	}
	c.pending = nil
	c.stalled = false
}

func (c *categoryConn) status() CategoryStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := CategoryStatus{
		Category:      c.category,
		URL:           c.url,
		State:         c.state,
		Connected:     c.state == StateOpen,
		Reconnects:    c.reconnects,
		Pending:       len(c.pending),
		Handlers:      c.handlers.len(),
		LastError:     c.lastErr,
		Subscriptions: c.registry.Snapshot(c.category),
	}
	if c.state == StateOpen && !c.since.IsZero() {
		st.Since = c.since
		st.Uptime = time.Since(c.since).Round(time.Second).String()
	}
	return st
}

// setStateLocked records a transition. onState runs with mu held and must
// not call back into the Multiplexer.
func (c *categoryConn) setStateLocked(s State) {
	c.state = s
	if s == StateOpen {
		c.since = time.Now()
	}
	if c.onState != nil {
		c.onState(c.category, s)
	}
}

func (c *categoryConn) backoff(failures int) time.Duration {
	d := c.opts.minBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.opts.maxBackoff {
			return c.opts.maxBackoff
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
