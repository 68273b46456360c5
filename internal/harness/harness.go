// Package harness drives a single chat connection the way the demo page does:
// log in, open the socket with a fixed set of listeners, send messages.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/omochice/event-socket-chat/internal/client"
	"github.com/omochice/event-socket-chat/internal/config"
	"github.com/omochice/event-socket-chat/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Event names the harness listens to and emits.
const (
	EventHi               = "hi"
	EventChatMsg          = "onChatMsg"
	EventInterruptSession = "onInteruptSession"
	EventSignal           = "onSignalMsg"

	EventTest       = "test"
	EventChat       = "chat"
	EventChat2      = "chat2"
	EventSendSignal = "sendSignalMsg"
)

var (
	// ErrNoSocket is returned by the send operations before InitSocket.
	ErrNoSocket = errors.New("socket not initialised")
	// ErrLoginDisabled is returned by LoginWithPassword without a login URL.
	ErrLoginDisabled = errors.New("login url not configured")
)

// Options configures a Harness.
type Options struct {
	Endpoint   string
	Path       string
	Transports []string
	Dialer     client.Dialer
	// StrictAck makes ack callbacks check the reply status.
	StrictAck bool
	// LoginURL is where LoginWithPassword posts credentials.
	LoginURL string
	Logger   *zap.Logger
}

// DefaultOptions returns the fixed connection parameters of the demo page.
func DefaultOptions() Options {
	return Options{
		Endpoint:   config.DefaultEndpoint,
		Path:       config.DefaultPath,
		Transports: []string{"websocket"},
	}
}

// Harness owns at most one socket at a time.
type Harness struct {
	opts Options
	view View
	log  *zap.Logger
	http *resty.Client

	mu       sync.Mutex
	socket   *client.Socket
	username string
}

// New creates a Harness rendering to view.
func New(view View, opts Options) *Harness {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Endpoint == "" {
		opts.Endpoint = config.DefaultEndpoint
	}
	if opts.Path == "" {
		opts.Path = config.DefaultPath
	}
	return &Harness{
		opts: opts,
		view: view,
		log:  opts.Logger,
		http: resty.New(),
	}
}

// Login opens the socket for username and phone. No credentials are checked.
func (h *Harness) Login(ctx context.Context, username, phone string) error {
	return h.InitSocket(ctx, username, phone)
}

// InitSocket connects to the chat server as username/phone with the page's
// listeners attached. A connection error is logged and the socket dropped;
// there is no retry.
func (h *Harness) InitSocket(ctx context.Context, username, phone string) error {
	return h.open(ctx, username, url.Values{"username": {username}, "phone": {phone}})
}

// LoginResult is the body of the HTTP login reply.
type LoginResult struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Token   string `json:"token"`
	Phone   string `json:"phone"`
}

// LoginWithPassword posts the credentials to the login URL and, when the
// server accepts them, connects with the returned token.
func (h *Harness) LoginWithPassword(ctx context.Context, username, password string) error {
	if h.opts.LoginURL == "" {
		return ErrLoginDisabled
	}

	var result LoginResult
	resp, err := h.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&result).
		Post(h.opts.LoginURL)
	if err != nil {
		return errors.Wrap(err, "login request failed")
	}
	if resp.StatusCode() != http.StatusOK || result.Status != http.StatusOK {
		msg := result.Message
		if msg == "" {
			msg = resp.String()
		}
		h.log.Error("login failed", zap.Int("http_status", resp.StatusCode()), zap.Int("status", result.Status), zap.String("message", msg))
		return errors.Errorf("login failed: %s", msg)
	}

	h.log.Info("login succeeded", zap.String("username", username), zap.String("phone", result.Phone))
	return h.open(ctx, username, url.Values{"token": {result.Token}})
}

func (h *Harness) open(ctx context.Context, username string, query url.Values) error {
	socket, err := client.New(h.opts.Endpoint, client.Options{
		Path:       h.opts.Path,
		Transports: h.opts.Transports,
		Query:      query,
		Dialer:     h.opts.Dialer,
		Logger:     h.log,
	})
	if err != nil {
		return err
	}
	h.attach(socket)

	h.mu.Lock()
	prev := h.socket
	h.socket = socket
	h.username = username
	h.mu.Unlock()
	if prev != nil {
		prev.Disconnect()
	}

	return socket.Connect(ctx)
}

func (h *Harness) attach(socket *client.Socket) {
	socket.On(client.EventConnectError, func(ev client.Event) {
		msg := ev.Text(0)
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		h.log.Error("connect_error", zap.String("message", msg))
		socket.Disconnect()
	})
	socket.On(EventHi, func(ev client.Event) {
		h.log.Info(ev.Text(0))
	})
	socket.On(client.EventConnect, func(client.Event) {
		h.log.Info("socket connected")
		h.view.SetPanels(false, true)
	})
	socket.On(client.EventDisconnect, func(ev client.Event) {
		h.log.Info("socket disconnected", zap.String("reason", ev.Text(0)))
	})
	socket.On(EventChatMsg, func(ev client.Event) {
		h.view.AppendMessage(ev.Text(0))
	})
	socket.On(EventInterruptSession, func(ev client.Event) {
		h.log.Info("onInteruptSession:" + ev.Text(0))
	})
	socket.On(EventSignal, h.onSignal)
}

func (h *Harness) onSignal(ev client.Event) {
	var msg protocol.Message
	if err := msg.DecodeString(ev.Text(0)); err != nil {
		h.log.Warn("dropping signal message", zap.Error(err))
		return
	}
	switch msg.Type {
	case protocol.MessageTypeJoin:
		h.view.AppendMessage(fmt.Sprintf("*** %s joined the chat ***", msg.Sender))
	case protocol.MessageTypeLeave:
		h.view.AppendMessage(fmt.Sprintf("*** %s left the chat ***", msg.Sender))
	default:
		h.view.AppendMessage(fmt.Sprintf("[%s]: %s", msg.Sender, msg.Content))
	}
}

// SendMsg emits msg as a test event. The ack clears the input field.
func (h *Harness) SendMsg(msg any) error {
	return h.emit(EventTest, h.statusAck, msg)
}

// SendChat emits msg as a chat event.
func (h *Harness) SendChat(msg string) error {
	return h.emit(EventChat, h.statusAck, msg)
}

// SendChat2 emits msg wrapped as {"msg": msg}.
func (h *Harness) SendChat2(msg string) error {
	return h.emit(EventChat2, h.statusAck, map[string]string{"msg": msg})
}

// SendSignal emits a chat message addressed to the phone number to.
func (h *Harness) SendSignal(to, text string) error {
	h.mu.Lock()
	sender := h.username
	h.mu.Unlock()

	msg := protocol.Message{Type: protocol.MessageTypeText, Sender: sender, To: to, Content: text}
	data, err := msg.EncodeString()
	if err != nil {
		return err
	}
	return h.emit(EventSendSignal, h.signalAck, data)
}

// Disconnect closes the current socket, if any.
func (h *Harness) Disconnect() {
	if s := h.current(); s != nil {
		s.Disconnect()
	}
}

// Done is closed once the current socket has shut down. Without a socket the
// returned channel is already closed.
func (h *Harness) Done() <-chan struct{} {
	if s := h.current(); s != nil {
		return s.Done()
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Connected reports whether the current socket is connected.
func (h *Harness) Connected() bool {
	s := h.current()
	return s != nil && s.Connected()
}

func (h *Harness) current() *client.Socket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.socket
}

func (h *Harness) emit(event string, ack client.AckFunc, args ...any) error {
	s := h.current()
	if s == nil {
		return ErrNoSocket
	}
	return s.Emit(event, ack, args...)
}

type ackStatus struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (h *Harness) statusAck(args []json.RawMessage) {
	h.view.ClearInput()
	h.log.Info("ack", zap.String("response", joinRaw(args)))
	if !h.opts.StrictAck {
		return
	}

	var st ackStatus
	if len(args) > 0 {
		_ = json.Unmarshal(args[0], &st)
	}
	if st.Status == http.StatusOK {
		h.log.Info("Success!")
		return
	}
	h.log.Error("Error:", zap.Int("status", st.Status), zap.String("message", st.Message))
}

// signalAck receives the stamped message, or null when the server rejected
// it.
func (h *Harness) signalAck(args []json.RawMessage) {
	h.view.ClearInput()
	var stamped string
	if len(args) == 0 || json.Unmarshal(args[0], &stamped) != nil || stamped == "" {
		h.log.Error("Error:", zap.String("message", "signal message rejected"))
		return
	}
	var msg protocol.Message
	if err := msg.DecodeString(stamped); err != nil {
		h.log.Error("Error:", zap.Error(err))
		return
	}
	h.log.Info("ack", zap.String("id", msg.ID), zap.Int64("server_date", msg.ServerDate))
	if h.opts.StrictAck {
		h.log.Info("Success!")
	}
}

func joinRaw(args []json.RawMessage) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}
