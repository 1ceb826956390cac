package syncplugin

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open duplex connection carrying tagged wire frames.
type Conn interface {
	WriteMessage(b []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Transport opens a Conn to the remote authority for one object's sync
// channel. It is an interface so tests can substitute an in-memory pair
// instead of a real socket.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketTransport dials a gorilla/websocket connection. This is the
// runtime's default transport: the sync channel uses a hand-rolled binary
// frame (pkg/wire) over a websocket rather than a protobuf-generated gRPC
// service, since there is no schema to generate one from.
type WebsocketTransport struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
}

func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	c, _, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct{ c *websocket.Conn }

func (w *wsConn) WriteMessage(b []byte) error {
	return w.c.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, b, err := w.c.ReadMessage()
	return b, err
}

func (w *wsConn) Close() error { return w.c.Close() }
