package chat_test

import (
	"context"
	"io"

	"github.com/omochice/event-socket-chat/internal/chat"
)

// fakeConn is a chat.Conn that never carries frames.
type fakeConn struct {
	addr string
}

func (c fakeConn) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, io.EOF
}

func (c fakeConn) Write(context.Context, []byte) error { return nil }
func (c fakeConn) Close() error                        { return nil }
func (c fakeConn) RemoteAddr() string                  { return c.addr }

var _ chat.Conn = fakeConn{}
