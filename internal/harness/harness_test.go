package harness_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omochice/event-socket-chat/internal/client"
	"github.com/omochice/event-socket-chat/internal/config"
	"github.com/omochice/event-socket-chat/internal/harness"
	"github.com/omochice/event-socket-chat/internal/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recordingView captures what the harness renders.
type recordingView struct {
	mu          sync.Mutex
	login, chat bool
	panels      chan struct{}
	messages    chan string
	cleared     chan struct{}
}

func newRecordingView() *recordingView {
	return &recordingView{
		login:    true,
		panels:   make(chan struct{}, 4),
		messages: make(chan string, 16),
		cleared:  make(chan struct{}, 16),
	}
}

func (v *recordingView) SetPanels(loginVisible, chatVisible bool) {
	v.mu.Lock()
	v.login, v.chat = loginVisible, chatVisible
	v.mu.Unlock()
	v.panels <- struct{}{}
}

func (v *recordingView) AppendMessage(text string) { v.messages <- text }
func (v *recordingView) ClearInput()               { v.cleared <- struct{}{} }

func (v *recordingView) state() (bool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.login, v.chat
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

// nextMessage skips join and leave notices.
func nextMessage(t *testing.T, v *recordingView) string {
	t.Helper()
	for {
		msg := waitFor(t, v.messages, "message")
		if !strings.HasPrefix(msg, "***") {
			return msg
		}
	}
}

func startServer(t *testing.T, mutate func(cfg *config.Server)) string {
	t.Helper()
	cfg := config.DefaultServer()
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := server.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		hs.Close()
	})
	return hs.URL
}

func newHarness(t *testing.T, endpoint string, mutate func(o *harness.Options)) (*harness.Harness, *recordingView, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	opts := harness.DefaultOptions()
	opts.Endpoint = endpoint
	opts.Logger = zap.New(core)
	if mutate != nil {
		mutate(&opts)
	}
	view := newRecordingView()
	h := harness.New(view, opts)
	t.Cleanup(h.Disconnect)
	return h, view, logs
}

func login(t *testing.T, h *harness.Harness, username, phone string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Login(ctx, username, phone); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("timed out waiting for %s", what)
}

func TestDefaultOptions(t *testing.T) {
	opts := harness.DefaultOptions()
	if opts.Endpoint != "http://localhost:9000" {
		t.Errorf("Endpoint = %q", opts.Endpoint)
	}
	if opts.Path != "/ws" {
		t.Errorf("Path = %q", opts.Path)
	}
	if len(opts.Transports) != 1 || opts.Transports[0] != "websocket" {
		t.Errorf("Transports = %v", opts.Transports)
	}
	if opts.StrictAck {
		t.Error("StrictAck should be off by default")
	}
}

func TestLogin_ConnectsAndTogglesPanels(t *testing.T) {
	endpoint := startServer(t, nil)
	h, view, logs := newHarness(t, endpoint, nil)

	login(t, h, "alice", "+15550001")

	waitFor(t, view.panels, "panel toggle")
	if loginVisible, chatVisible := view.state(); loginVisible || !chatVisible {
		t.Errorf("panels = login %v chat %v, want chat only", loginVisible, chatVisible)
	}
	eventually(t, "socket connected log", func() bool {
		return logs.FilterMessage("socket connected").Len() == 1
	})
	eventually(t, "hi log", func() bool {
		return logs.FilterMessageSnippet("alice").Len() > 0
	})
}

func TestSendMsg_ClearsInputAndShowsMessage(t *testing.T) {
	endpoint := startServer(t, nil)
	h, view, logs := newHarness(t, endpoint, nil)
	login(t, h, "alice", "+15550001")

	if err := h.SendMsg("hello"); err != nil {
		t.Fatalf("SendMsg() error = %v", err)
	}

	waitFor(t, view.cleared, "input cleared")
	if got := nextMessage(t, view); got != "hello" {
		t.Errorf("message = %q, want hello", got)
	}
	eventually(t, "ack log", func() bool {
		return logs.FilterMessage("ack").Len() == 1
	})
	if logs.FilterMessage("Success!").Len() != 0 {
		t.Error("default ack should not inspect status")
	}
}

func TestStrictAck(t *testing.T) {
	endpoint := startServer(t, nil)
	h, view, logs := newHarness(t, endpoint, func(o *harness.Options) { o.StrictAck = true })
	login(t, h, "alice", "+15550001")

	if err := h.SendChat("ok"); err != nil {
		t.Fatalf("SendChat() error = %v", err)
	}
	waitFor(t, view.cleared, "input cleared")
	eventually(t, "Success! log", func() bool {
		return logs.FilterMessage("Success!").Len() == 1
	})

	if err := h.SendChat2(""); err != nil {
		t.Fatalf("SendChat2() error = %v", err)
	}
	waitFor(t, view.cleared, "input cleared")
	eventually(t, "Error: log", func() bool {
		entries := logs.FilterMessage("Error:").All()
		return len(entries) == 1 && entries[0].ContextMap()["status"] == int64(400)
	})
}

func TestSendChat2_DefaultAckIgnoresFailureStatus(t *testing.T) {
	endpoint := startServer(t, nil)
	h, view, logs := newHarness(t, endpoint, nil)
	login(t, h, "alice", "+15550001")

	if err := h.SendChat2(""); err != nil {
		t.Fatalf("SendChat2() error = %v", err)
	}
	waitFor(t, view.cleared, "input cleared")
	eventually(t, "ack log", func() bool {
		return logs.FilterMessage("ack").Len() == 1
	})
	if n := logs.FilterMessage("Error:").Len(); n != 0 {
		t.Errorf("Error: logged %d times, want 0", n)
	}
	if n := logs.FilterMessage("Success!").Len(); n != 0 {
		t.Errorf("Success! logged %d times, want 0", n)
	}
}

func TestConnectError_Disconnects(t *testing.T) {
	endpoint := startServer(t, nil)
	h, _, logs := newHarness(t, endpoint, nil)

	var cerr *client.ConnectError
	if err := h.Login(context.Background(), "alice", ""); !errors.As(err, &cerr) {
		t.Fatalf("Login() error = %v, want *ConnectError", err)
	}

	waitFor(t, h.Done(), "socket shutdown")
	if h.Connected() {
		t.Error("Connected() = true after connect_error")
	}
	if logs.FilterMessage("connect_error").Len() != 1 {
		t.Errorf("connect_error logged %d times, want 1", logs.FilterMessage("connect_error").Len())
	}
}

func TestSecondLoginInterruptsFirst(t *testing.T) {
	endpoint := startServer(t, nil)
	first, _, logs := newHarness(t, endpoint, nil)
	second, _, _ := newHarness(t, endpoint, nil)

	login(t, first, "alice", "+15550001")
	login(t, second, "alice", "+15550001")

	eventually(t, "onInteruptSession log", func() bool {
		return logs.FilterMessageSnippet("onInteruptSession:").Len() == 1
	})
}

func TestSendSignal(t *testing.T) {
	endpoint := startServer(t, nil)
	alice, aliceView, _ := newHarness(t, endpoint, nil)
	bob, bobView, _ := newHarness(t, endpoint, nil)
	login(t, alice, "alice", "+15550001")
	login(t, bob, "bob", "+15550002")

	if got := waitFor(t, aliceView.messages, "join notice"); got != "*** bob joined the chat ***" {
		t.Errorf("notice = %q", got)
	}

	if err := alice.SendSignal("+15550002", "psst"); err != nil {
		t.Fatalf("SendSignal() error = %v", err)
	}
	waitFor(t, aliceView.cleared, "input cleared")
	if got := nextMessage(t, bobView); got != "[alice]: psst" {
		t.Errorf("bob got %q, want [alice]: psst", got)
	}
	if got := nextMessage(t, aliceView); got != "[alice]: psst" {
		t.Errorf("alice got %q, want her own message echoed", got)
	}
}

func TestLoginWithPassword(t *testing.T) {
	endpoint := startServer(t, func(cfg *config.Server) {
		cfg.JWTSecret = "secret"
		cfg.Accounts = map[string]config.Account{
			"alice": {Username: "alice", Password: "pw", Phone: "+15550001"},
		}
	})
	loginURL := endpoint + server.LoginPath

	h, view, logs := newHarness(t, endpoint, func(o *harness.Options) { o.LoginURL = loginURL })

	if err := h.LoginWithPassword(context.Background(), "alice", "nope"); err == nil {
		t.Error("LoginWithPassword() with wrong password expected error")
	}
	if logs.FilterMessage("login failed").Len() != 1 {
		t.Error("failed login not logged")
	}

	if err := h.LoginWithPassword(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("LoginWithPassword() error = %v", err)
	}
	waitFor(t, view.panels, "panel toggle")
	if !h.Connected() {
		t.Error("Connected() = false after login")
	}
}

func TestLoginWithPassword_Disabled(t *testing.T) {
	h, _, _ := newHarness(t, "http://localhost:9", nil)
	if err := h.LoginWithPassword(context.Background(), "alice", "pw"); !errors.Is(err, harness.ErrLoginDisabled) {
		t.Errorf("LoginWithPassword() error = %v, want ErrLoginDisabled", err)
	}
}

func TestSendBeforeInit(t *testing.T) {
	h, _, _ := newHarness(t, "http://localhost:9", nil)
	if err := h.SendMsg("x"); !errors.Is(err, harness.ErrNoSocket) {
		t.Errorf("SendMsg() error = %v, want ErrNoSocket", err)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() should be closed without a socket")
	}
}

func TestTerminalView(t *testing.T) {
	var buf bytes.Buffer
	v := harness.NewTerminalView(&buf)

	v.SetPanels(false, true)
	v.SetPanels(false, true)
	v.AppendMessage("[bob]: hi")
	v.ClearInput()

	want := "Type your messages (or 'quit' to exit):\n[bob]: hi\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}
