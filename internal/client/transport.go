package client

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Transport carries text frames between the socket and the server.
type Transport interface {
	// ReadText blocks until the next text frame arrives.
	ReadText() ([]byte, error)

	// WriteText sends one text frame. Calls must not overlap.
	WriteText(data []byte) error

	// Close closes the underlying connection; safe to call concurrently
	// with ReadText.
	Close() error
}

// Dialer opens a Transport to a ws:// or wss:// URL.
type Dialer func(ctx context.Context, rawURL string, header http.Header) (Transport, error)

// DialerByName returns the dialer registered under name.
func DialerByName(name string) (Dialer, error) {
	switch name {
	case "", "gorilla":
		return GorillaDialer, nil
	case "gobwas":
		return GobwasDialer, nil
	default:
		return nil, errors.Errorf("unknown dialer %q", name)
	}
}

// GorillaDialer dials with github.com/gorilla/websocket.
func GorillaDialer(ctx context.Context, rawURL string, header http.Header) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}
	return &gorillaTransport{conn: conn}, nil
}

// gorillaTransport wraps a gorilla websocket connection
type gorillaTransport struct {
	conn *websocket.Conn
}

func (t *gorillaTransport) ReadText() ([]byte, error) {
	messageType, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, errors.New("unexpected binary frame")
	}
	return data, nil
}

func (t *gorillaTransport) WriteText(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *gorillaTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

// GobwasDialer dials with github.com/gobwas/ws.
func GobwasDialer(ctx context.Context, rawURL string, header http.Header) (Transport, error) {
	d := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}
	conn, br, _, err := d.Dial(ctx, rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}

	t := &gobwasTransport{conn: conn}
	// Frames the server sent right after the handshake may already sit in br.
	t.rw.Reader = conn
	if br != nil {
		t.rw.Reader = br
	}
	t.rw.Writer = &lockedWriter{w: conn, mu: &t.mu}
	return t, nil
}

// gobwasTransport wraps net.Conn for WebSocket connections using gobwas/ws
type gobwasTransport struct {
	conn net.Conn
	mu   sync.Mutex
	rw   struct {
		io.Reader
		io.Writer
	}
}

// lockedWriter serialises frame writes; control replies issued while
// reading share the connection with WriteText.
type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

func (t *gobwasTransport) ReadText() ([]byte, error) {
	data, op, err := wsutil.ReadServerData(&t.rw)
	if err != nil {
		return nil, err
	}
	if op != ws.OpText {
		return nil, errors.New("unexpected binary frame")
	}
	return data, nil
}

func (t *gobwasTransport) WriteText(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return wsutil.WriteClientText(t.conn, data)
}

func (t *gobwasTransport) Close() error {
	t.mu.Lock()
	_ = wsutil.WriteClientMessage(t.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	t.mu.Unlock()
	return t.conn.Close()
}
