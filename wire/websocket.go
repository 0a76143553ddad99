package wire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultDialTimeout = 15 * time.Second
	writeWait          = 5 * time.Second
	closeWait          = 2 * time.Second
	maxMessageSize     = 4 * 1024 * 1024 // agent audio chunks are base64 mp3
)

// WebsocketDialer dials gorilla websocket connections.
type WebsocketDialer struct {
	// Header is sent with the upgrade request (auth, version headers).
	Header http.Header
	// DialTimeout bounds the handshake when ctx has no deadline.
	DialTimeout time.Duration
}

// Dial opens a websocket to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := defaultDialTimeout
	var header http.Header
	if d != nil {
		if d.DialTimeout > 0 {
			timeout = d.DialTimeout
		}
		header = d.Header
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(dialCtx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "dial", URL: url, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "dial", URL: url, Err: err}
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{conn: conn, url: url}, nil
}

type wsConn struct {
	conn *websocket.Conn
	url  string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, websocket.ErrCloseSent) {
				return nil, ErrClosed
			}
			return nil, &TransportError{Op: "read", URL: c.url, Err: err}
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return &TransportError{Op: "write", URL: c.url, Err: ErrClosed}
		}
		return &TransportError{Op: "write", URL: c.url, Err: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
