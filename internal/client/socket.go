// Package client implements the real-time connection handle the chat harness
// drives: named events over Socket.IO framing on a websocket transport.
package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/omochice/event-socket-chat/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Reserved event names fired by the socket itself.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// Disconnect reasons passed to EventDisconnect handlers.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonPingTimeout      = "ping timeout"
	ReasonTransportClose   = "transport close"
)

var (
	ErrNotConnected         = errors.New("not connected to server")
	ErrAlreadyConnected     = errors.New("socket already connected")
	ErrClosed               = errors.New("socket closed")
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrReservedEvent        = errors.New("reserved event name")
)

// ConnectError is the argument of EventConnectError.
type ConnectError struct {
	Message string `json:"message"`
}

func (e *ConnectError) Error() string {
	return e.Message
}

// Event is what handlers receive: the event name and its JSON arguments.
type Event struct {
	Name string
	Args []json.RawMessage
	// Err is set for EventConnectError.
	Err error
}

// Arg decodes argument i into v.
func (e Event) Arg(i int, v any) error {
	if i >= len(e.Args) {
		return errors.Errorf("event %q has no argument %d", e.Name, i)
	}
	return json.Unmarshal(e.Args[i], v)
}

// Text returns argument i as text: strings are unquoted, anything else is
// returned as its JSON encoding. Missing arguments yield "".
func (e Event) Text(i int) string {
	if i >= len(e.Args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Args[i], &s); err == nil {
		return s
	}
	return string(e.Args[i])
}

// Handler handles a named event.
type Handler func(ev Event)

// AckFunc receives the arguments of an acknowledgement.
type AckFunc func(args []json.RawMessage)

// Options configures a Socket.
type Options struct {
	// Path is the server path of the endpoint; "/socket.io" when empty.
	Path string
	// Transports lists the allowed transports; only "websocket" is supported.
	Transports []string
	// Query is forwarded as query parameters of the handshake request.
	Query url.Values
	// Auth is sent with the namespace CONNECT packet when non-nil.
	Auth map[string]any
	// Dialer opens the websocket; GorillaDialer when nil.
	Dialer Dialer
	Logger *zap.Logger
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateClosed
)

// Socket is a single real-time connection. Handlers run one at a time, in
// arrival order, on the socket's event loop goroutine; a handler may call
// any Socket method, including Disconnect.
type Socket struct {
	url    string
	auth   map[string]any
	dialer Dialer
	log    *zap.Logger

	mu          sync.Mutex
	state       state
	closing     bool
	transport   Transport
	sid         string
	handlers    map[string][]Handler
	acks        map[int]AckFunc
	nextAck     int
	abortReason string
	abortErr    error
	pingTimer   *time.Timer
	pingWindow  time.Duration

	writeMu   sync.Mutex
	queue     chan func()
	done      chan struct{}
	doneOnce  sync.Once
	result    chan error
	resultSet sync.Once
}

// New creates a Socket for endpoint (http, https, ws or wss URL).
// Nothing is dialled until Connect.
func New(endpoint string, opts Options) (*Socket, error) {
	if len(opts.Transports) == 0 {
		opts.Transports = []string{"websocket"}
	}
	for _, t := range opts.Transports {
		if t != "websocket" {
			return nil, errors.Wrapf(ErrUnsupportedTransport, "%q", t)
		}
	}

	u, err := buildURL(endpoint, opts.Path, opts.Query)
	if err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Socket{
		url:      u,
		auth:     opts.Auth,
		dialer:   opts.Dialer,
		log:      opts.Logger,
		handlers: make(map[string][]Handler),
		acks:     make(map[int]AckFunc),
		queue:    make(chan func(), 64),
		done:     make(chan struct{}),
		result:   make(chan error, 1),
	}, nil
}

func buildURL(endpoint, path string, query url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "invalid endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("invalid endpoint scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket.io"
	}
	u.Path = strings.TrimSuffix(path, "/") + "/"

	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// URL returns the handshake URL the socket dials.
func (s *Socket) URL() string {
	return s.url
}

// ID returns the socket id assigned by the server, or "" before connect.
func (s *Socket) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Connected reports whether the namespace handshake has completed and the
// socket has not disconnected since.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

// Done is closed once the socket has shut down and every queued handler ran.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// On registers a handler for event. Several handlers may share an event.
func (s *Socket) On(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// Off removes every handler of event.
func (s *Socket) Off(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

// Connect dials the server and performs the handshake. It returns once the
// namespace is connected or the attempt failed; in both cases the matching
// event (connect or connect_error) is dispatched to handlers as well.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return ErrClosed
	case stateConnecting, stateConnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = stateConnecting
	s.mu.Unlock()

	go s.loop()

	t, err := s.dialer(ctx, s.url, nil)
	if err != nil {
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
		s.emitLocal(Event{Name: EventConnectError, Args: connectErrorArgs(err), Err: err})
		close(s.queue)
		return err
	}

	s.mu.Lock()
	s.transport = t
	closing := s.closing
	s.mu.Unlock()
	if closing {
		s.abort(ReasonClientDisconnect, ErrClosed)
	}

	go s.readLoop(t)

	select {
	case err := <-s.result:
		return err
	case <-ctx.Done():
		s.abort(ReasonTransportClose, errors.Wrap(ctx.Err(), "connect"))
		return <-s.result
	}
}

// Disconnect closes the connection. It never waits for handlers, so it is
// safe to call from within one; wait on Done to observe completion.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.closing || s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.closing = true
	idle := s.state == stateIdle
	if idle {
		s.state = stateClosed
	}
	t := s.transport
	connected := s.state == stateConnected
	s.mu.Unlock()

	if idle {
		s.doneOnce.Do(func() { close(s.done) })
		return
	}
	if t == nil {
		// Still dialling; Connect aborts once the dial returns.
		return
	}
	if connected {
		p := protocol.Packet{Type: protocol.SocketDisconnect, Namespace: protocol.DefaultNamespace, ID: protocol.NoAck}
		if err := s.write(t, p.Frame()); err != nil {
			s.log.Debug("failed to send disconnect packet", zap.Error(err))
		}
	}
	s.abort(ReasonClientDisconnect, ErrClosed)
}

// Emit sends a named event. When ack is non-nil the server is asked to
// acknowledge and ack runs on the event loop with the reply.
func (s *Socket) Emit(event string, ack AckFunc, args ...any) error {
	switch event {
	case EventConnect, EventConnectError, EventDisconnect:
		return errors.Wrapf(ErrReservedEvent, "%q", event)
	}

	s.mu.Lock()
	if s.state != stateConnected || s.closing {
		s.mu.Unlock()
		return ErrNotConnected
	}
	id := protocol.NoAck
	if ack != nil {
		id = s.nextAck
	}
	p, err := protocol.NewEvent(id, event, args...)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if ack != nil {
		s.acks[id] = ack
		s.nextAck++
	}
	t := s.transport
	s.mu.Unlock()

	if err := s.write(t, p.Frame()); err != nil {
		if ack != nil {
			s.mu.Lock()
			delete(s.acks, id)
			s.mu.Unlock()
		}
		return errors.Wrapf(err, "failed to emit %q", event)
	}
	return nil
}

func (s *Socket) write(t Transport, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return t.WriteText(frame)
}

// abort records why the connection ends and closes the transport; readLoop
// reports it to handlers.
func (s *Socket) abort(reason string, err error) {
	s.mu.Lock()
	if s.abortReason == "" {
		s.abortReason = reason
		s.abortErr = err
	}
	t := s.transport
	s.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

func (s *Socket) finishConnect(err error) {
	s.resultSet.Do(func() { s.result <- err })
}

func (s *Socket) loop() {
	defer s.doneOnce.Do(func() { close(s.done) })
	for fn := range s.queue {
		fn()
	}
}

// emitLocal queues ev for the handlers registered at dispatch time.
func (s *Socket) emitLocal(ev Event) {
	s.queue <- func() {
		s.mu.Lock()
		handlers := append([]Handler(nil), s.handlers[ev.Name]...)
		s.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

func connectErrorArgs(err error) []json.RawMessage {
	data, _ := json.Marshal(ConnectError{Message: err.Error()})
	return []json.RawMessage{data}
}

func (s *Socket) readLoop(t Transport) {
	defer close(s.queue)

	connectErrSent := false
	serverDisconnect := false
	var readErr error

	for {
		frame, err := t.ReadText()
		if err != nil {
			readErr = err
			break
		}

		ep, err := protocol.DecodeEngine(frame)
		if err != nil {
			s.log.Warn("dropping engine packet", zap.Error(err))
			continue
		}

		stop := false
		switch ep.Type {
		case protocol.EngineOpen:
			if err := s.handleOpen(t, ep.Data); err != nil {
				readErr = err
				stop = true
			}
		case protocol.EnginePing:
			s.resetPingTimer()
			if err := s.write(t, protocol.EnginePacket{Type: protocol.EnginePong}.Encode()); err != nil {
				readErr = err
				stop = true
			}
		case protocol.EngineClose:
			stop = true
		case protocol.EngineMessage:
			p, err := protocol.Decode(ep.Data)
			if err != nil {
				s.log.Warn("dropping socket packet", zap.Error(err))
				continue
			}
			switch p.Type {
			case protocol.SocketConnect:
				s.handleConnect(p)
			case protocol.SocketConnectError:
				cerr := &ConnectError{}
				if err := json.Unmarshal(p.Data, cerr); err != nil || cerr.Message == "" {
					cerr.Message = string(p.Data)
				}
				connectErrSent = true
				s.emitLocal(Event{Name: EventConnectError, Args: []json.RawMessage{p.Data}, Err: cerr})
				s.finishConnect(cerr)
			case protocol.SocketEvent:
				s.handleEvent(p)
			case protocol.SocketAck:
				s.handleAck(p)
			case protocol.SocketDisconnect:
				serverDisconnect = true
				stop = true
			}
		}
		if stop {
			break
		}
	}

	s.mu.Lock()
	wasConnected := s.state == stateConnected
	s.state = stateClosed
	reason, abortErr := s.abortReason, s.abortErr
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.acks = make(map[int]AckFunc)
	s.mu.Unlock()
	t.Close()

	switch {
	case wasConnected:
		if serverDisconnect {
			reason = ReasonServerDisconnect
		} else if reason == "" {
			reason = ReasonTransportClose
		}
		s.log.Debug("socket disconnected", zap.String("reason", reason), zap.NamedError("cause", readErr))
		arg, _ := json.Marshal(reason)
		s.emitLocal(Event{Name: EventDisconnect, Args: []json.RawMessage{arg}})
		s.finishConnect(nil)
	case reason == ReasonClientDisconnect:
		// closed by the caller before the namespace connected; not a failure
		s.log.Debug("connect abandoned", zap.NamedError("cause", readErr))
		s.finishConnect(ErrClosed)
	case !connectErrSent:
		err := abortErr
		if err == nil {
			err = readErr
		}
		if err == nil {
			err = errors.New("connection closed during handshake")
		}
		err = errors.Wrap(err, "websocket error")
		s.emitLocal(Event{Name: EventConnectError, Args: connectErrorArgs(err), Err: err})
		s.finishConnect(err)
	default:
		s.finishConnect(ErrClosed)
	}
}

func (s *Socket) handleOpen(t Transport, data []byte) error {
	var hs protocol.Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return errors.Wrap(err, "invalid handshake")
	}

	s.mu.Lock()
	s.pingWindow = pingDeadline(hs)
	s.pingTimer = time.AfterFunc(s.pingWindow, func() {
		s.abort(ReasonPingTimeout, errors.New("ping timeout"))
	})
	s.mu.Unlock()

	p := protocol.Packet{Type: protocol.SocketConnect, Namespace: protocol.DefaultNamespace, ID: protocol.NoAck}
	if s.auth != nil {
		data, err := json.Marshal(s.auth)
		if err != nil {
			return errors.Wrap(err, "failed to encode auth")
		}
		p.Data = data
	}
	return s.write(t, p.Frame())
}

// pingDeadline is how long the socket waits for the next server ping.
func pingDeadline(hs protocol.Handshake) time.Duration {
	return time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
}

func (s *Socket) resetPingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingTimer != nil {
		s.pingTimer.Reset(s.pingWindow)
	}
}

func (s *Socket) handleConnect(p protocol.Packet) {
	var reply struct {
		SID string `json:"sid"`
	}
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &reply); err != nil {
			s.log.Warn("invalid connect payload", zap.Error(err))
		}
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.sid = reply.SID
	s.state = stateConnected
	s.mu.Unlock()

	s.emitLocal(Event{Name: EventConnect})
	s.finishConnect(nil)
}

func (s *Socket) handleEvent(p protocol.Packet) {
	name, args, err := p.Event()
	if err != nil {
		s.log.Warn("dropping event", zap.Error(err))
		return
	}
	if p.ID != protocol.NoAck {
		s.log.Debug("server requested an ack the socket does not send", zap.String("event", name), zap.Int("id", p.ID))
	}
	s.emitLocal(Event{Name: name, Args: args})
}

func (s *Socket) handleAck(p protocol.Packet) {
	args, err := p.Args()
	if err != nil {
		s.log.Warn("dropping ack", zap.Error(err))
		return
	}

	s.mu.Lock()
	ack, ok := s.acks[p.ID]
	delete(s.acks, p.ID)
	s.mu.Unlock()

	if !ok {
		s.log.Debug("ack without pending callback", zap.Int("id", p.ID))
		return
	}
	s.queue <- func() { ack(args) }
}
