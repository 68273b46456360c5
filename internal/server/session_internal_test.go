package server

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omochice/event-socket-chat/internal/chat"
	"github.com/omochice/event-socket-chat/internal/config"
	"github.com/omochice/event-socket-chat/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// pipeConn is an in-memory chat.Conn: tests push frames into in and read
// what the session wrote from written.
type pipeConn struct {
	in      chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once

	mu  sync.Mutex
	out [][]byte
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:      make(chan []byte, 16),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, io.EOF
	case data := <-p.in:
		return data, nil
	}
}

func (p *pipeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-p.closed:
		return errors.New("write on closed pipe")
	default:
	}
	p.mu.Lock()
	p.out = append(p.out, data)
	p.mu.Unlock()
	select {
	case p.written <- data:
	default:
	}
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) RemoteAddr() string { return "pipe" }

func (p *pipeConn) count(frame string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.out {
		if string(f) == frame {
			n++
		}
	}
	return n
}

var _ chat.Conn = (*pipeConn)(nil)

func (p *pipeConn) next(t *testing.T) string {
	t.Helper()
	select {
	case data := <-p.written:
		return string(data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return ""
}

func startPipeSession(t *testing.T, mutate func(cfg *config.Server)) (*Server, *pipeConn, <-chan struct{}) {
	t.Helper()
	cfg := config.DefaultServer()
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	pc := newPipeConn()
	sess := srv.newSession(pc, url.Values{"username": {"alice"}, "phone": {"+15550001"}})
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.serve()
	}()
	t.Cleanup(func() {
		pc.Close()
		<-done
		srv.Stop()
	})

	if open := pc.next(t); !strings.HasPrefix(open, "0{") {
		t.Fatalf("first frame = %q, want open packet", open)
	}
	pc.in <- []byte("40")
	if ack := pc.next(t); !strings.HasPrefix(ack, `40{"sid":`) {
		t.Fatalf("connect reply = %q", ack)
	}
	return srv, pc, done
}

func TestSession_ServesAnyConn(t *testing.T) {
	srv, pc, done := startPipeSession(t, nil)

	if hi := pc.next(t); !strings.HasPrefix(hi, `42["hi","hello alice`) {
		t.Errorf("greeting = %q", hi)
	}
	if got := srv.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}

	pc.in <- []byte(`421["test","x"]`)
	got := map[string]bool{pc.next(t): true, pc.next(t): true}
	for _, want := range []string{`42["onChatMsg","x"]`, `431[{"status":200,"message":"OK"}]`} {
		if !got[want] {
			t.Errorf("frames %v missing %q", got, want)
		}
	}

	pc.in <- []byte("41")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after disconnect")
	}
	if got := srv.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}

func TestSession_StalePongDoesNotAnswerPing(t *testing.T) {
	_, pc, done := startPipeSession(t, func(cfg *config.Server) {
		cfg.PingInterval = 50 * time.Millisecond
		cfg.PingTimeout = 50 * time.Millisecond
	})

	// unsolicited pong before any ping was sent
	pc.in <- []byte("3")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session survived without answering pings")
	}
	if got := pc.count("2"); got != 1 {
		t.Errorf("pings sent before close = %d, want 1", got)
	}
}

// ctxAdapter records the context state of every broadcast.
type ctxAdapter struct {
	mu     sync.Mutex
	errs   []error
	frames [][]byte
}

func (a *ctxAdapter) Broadcast(ctx context.Context, _ string, frame []byte, _ ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, ctx.Err())
	a.frames = append(a.frames, frame)
	return ctx.Err()
}

func (a *ctxAdapter) Close() error { return nil }

func TestSession_LeaveNoticeDuringShutdown(t *testing.T) {
	srv, err := New(config.DefaultServer(), zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	adapter := &ctxAdapter{}
	srv.adapter = adapter
	t.Cleanup(srv.Stop)

	sess := srv.newSession(newPipeConn(), nil)
	sess.client = &chat.Client{ID: "a", Username: "alice", Phone: "+15550001"}

	srv.cancel()
	sess.broadcastNotice(protocol.MessageTypeLeave)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.frames) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(adapter.frames))
	}
	if adapter.errs[0] != nil {
		t.Errorf("broadcast context already done: %v", adapter.errs[0])
	}
	if !bytes.HasPrefix(adapter.frames[0], []byte(`42["onSignalMsg",`)) {
		t.Errorf("frame = %q", adapter.frames[0])
	}
}
