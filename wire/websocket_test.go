package wire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoServer replies to every text frame with the same frame and closes
// normally on {"type":"bye"}.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"bye"`) {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketRoundTrip(t *testing.T) {
	srv := echoServer(t)
	d := &WebsocketDialer{DialTimeout: time.Second}

	conn, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping", "value": "x"}))

	// The binary frame sent on upgrade is skipped.
	frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(frame, &got))
	assert.Equal(t, "ping", got["type"])
	assert.Equal(t, "x", got["value"])
}

func TestWebsocketNormalCloseIsErrClosed(t *testing.T) {
	srv := echoServer(t)
	conn, err := (&WebsocketDialer{}).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bye"}))
	_, err = conn.ReadMessage()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebsocketDialFailureIsTransportError(t *testing.T) {
	d := &WebsocketDialer{DialTimeout: 200 * time.Millisecond}
	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1/nowhere")
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "dial", te.Op)
	assert.True(t, IsTransport(err))
}

func TestWebsocketCloseIdempotent(t *testing.T) {
	srv := echoServer(t)
	conn, err := (&WebsocketDialer{}).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	err = conn.WriteJSON(map[string]string{"type": "late"})
	assert.True(t, IsTransport(err))
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"bar","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "bar", typ)

	_, err = PeekType([]byte(`{"data":{}}`))
	var pe *ProtocolError
	assert.True(t, errors.As(err, &pe))

	_, err = PeekType([]byte(`not json`))
	assert.True(t, errors.As(err, &pe))
}
