// Package ws provides the server-side WebSocket transport for chat sessions.
package ws

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// Conn adapts nhooyr.io/websocket to chat.Conn interface.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
}

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
func NewConnWithAddr(conn *websocket.Conn, addr string) *Conn {
	return &Conn{conn: conn, remoteAddr: addr}
}

// Accept upgrades an HTTP request to a WebSocket connection.
// Origins are not checked; the chat endpoint is meant for local test pages.
func Accept(w http.ResponseWriter, r *http.Request, maxPayload int64) (*Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to accept websocket")
	}
	if maxPayload > 0 {
		c.SetReadLimit(maxPayload)
	}
	return NewConnWithAddr(c, r.RemoteAddr), nil
}

// Read implements chat.Conn.
// Reads a text message from the WebSocket connection; binary frames are
// rejected since every packet on this transport is text.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, errors.New("unexpected binary frame")
	}
	return data, nil
}

// Write implements chat.Conn.
// Writes a text message to the WebSocket connection.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
