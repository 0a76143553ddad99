package wire

import (
	"context"
	"encoding/json"
	"fmt"
)

// Conn is one persistent duplex connection carrying JSON text frames.
//
// ReadMessage must only be called from one goroutine. WriteJSON is safe for
// concurrent use. Close is idempotent and unblocks a pending ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens Conns. Dial blocks until the connection is open, ctx is done,
// or the attempt fails with a *TransportError.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Envelope is the discriminator every inbound frame carries.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType extracts the "type" field of a JSON frame.
func PeekType(frame []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", &ProtocolError{Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.Type == "" {
		return "", &ProtocolError{Err: fmt.Errorf("missing type")}
	}
	return env.Type, nil
}
