package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/omochice/event-socket-chat/internal/chat"
	"github.com/omochice/event-socket-chat/internal/transport/ws"
	"github.com/omochice/event-socket-chat/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	writeTimeout = 5 * time.Second
	queueSize    = 64
)

// Engine.IO handshake error codes.
const (
	engineErrTransportUnknown   = 0
	engineErrBadRequest         = 3
	engineErrUnsupportedVersion = 5
)

type engineError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// session is one connected socket.
type session struct {
	srv    *Server
	conn   chat.Conn
	query  url.Values
	client *chat.Client
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	pong   chan struct{}
	once   sync.Once
}

func (s *Server) handleWS(c *gin.Context) {
	q := c.Request.URL.Query()
	if q.Get("EIO") != "4" {
		c.JSON(http.StatusBadRequest, engineError{Code: engineErrUnsupportedVersion, Message: "Unsupported protocol version"})
		return
	}
	if q.Get("transport") != "websocket" {
		c.JSON(http.StatusBadRequest, engineError{Code: engineErrTransportUnknown, Message: "Transport unknown"})
		return
	}
	if q.Get("sid") != "" {
		c.JSON(http.StatusBadRequest, engineError{Code: engineErrBadRequest, Message: "Bad request"})
		return
	}

	conn, err := ws.Accept(c.Writer, c.Request, int64(s.cfg.MaxPayload))
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err), zap.String("remote", c.ClientIP()))
		return
	}

	sess := s.newSession(conn, q)
	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	sess.serve()
}

func (s *Server) newSession(conn chat.Conn, query url.Values) *session {
	sess := &session{
		srv:   s,
		conn:  conn,
		query: query,
		log:   s.log.With(zap.String("remote", conn.RemoteAddr())),
		pong:  make(chan struct{}, 1),
	}
	sess.ctx, sess.cancel = context.WithCancel(s.ctx)
	return sess
}

// serve runs the session until the socket goes away.
func (sess *session) serve() {
	defer sess.close()

	id, err := sess.open()
	if err != nil {
		sess.log.Info("handshake failed", zap.Error(err))
		return
	}

	s := sess.srv
	client := &chat.Client{
		ID:          uuid.NewString(),
		Username:    id.Username,
		Phone:       id.Phone,
		Conn:        sess.conn,
		Outgoing:    make(chan []byte, queueSize),
		ConnectedAt: time.Now(),
	}
	if err := sess.write(protocol.Packet{
		Type:      protocol.SocketConnect,
		Namespace: protocol.DefaultNamespace,
		ID:        protocol.NoAck,
		Data:      mustJSON(map[string]string{"sid": client.ID}),
	}.Frame()); err != nil {
		sess.log.Info("failed to confirm connect", zap.Error(err))
		return
	}

	sess.client = client
	sess.log = sess.log.With(zap.String("sid", client.ID), zap.String("phone", client.Phone))
	older := s.hub.Register(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop()
	}()

	sess.log.Info("client connected",
		zap.String("username", client.Username),
		zap.Int("phone_sessions", len(older)+1),
		zap.Int("total", s.hub.ClientCount()),
	)
	sess.emit(EventHi, fmt.Sprintf("hello %s, you are connected as %s", client.Username, client.ID))
	for _, old := range older {
		sess.emitTo(old.ID, EventInterruptSession, fmt.Sprintf("%s signed in from another session", client.Phone))
	}
	sess.broadcastNotice(protocol.MessageTypeJoin)

	go sess.pingLoop()
	reason := sess.readLoop()

	sess.cancel()
	s.hub.Unregister(client)
	close(client.Outgoing)
	<-writerDone

	sess.log.Info("client disconnected", zap.String("reason", reason), zap.Int("total", s.hub.ClientCount()))
	sess.broadcastNotice(protocol.MessageTypeLeave)
}

// open sends the Engine.IO open packet and waits for the namespace CONNECT.
func (sess *session) open() (identity, error) {
	cfg := sess.srv.cfg
	hs, err := json.Marshal(protocol.Handshake{
		SID:          uuid.NewString(),
		Upgrades:     []string{},
		PingInterval: int(cfg.PingInterval / time.Millisecond),
		PingTimeout:  int(cfg.PingTimeout / time.Millisecond),
		MaxPayload:   cfg.MaxPayload,
	})
	if err != nil {
		return identity{}, errors.Wrap(err, "failed to encode handshake")
	}
	if err := sess.write(protocol.EnginePacket{Type: protocol.EngineOpen, Data: hs}.Encode()); err != nil {
		return identity{}, errors.Wrap(err, "failed to send open packet")
	}

	ctx, cancel := context.WithTimeout(sess.ctx, cfg.PingTimeout)
	defer cancel()
	for {
		frame, err := sess.conn.Read(ctx)
		if err != nil {
			return identity{}, errors.Wrap(err, "no connect packet")
		}
		ep, err := protocol.DecodeEngine(frame)
		if err != nil {
			return identity{}, err
		}
		switch ep.Type {
		case protocol.EngineMessage:
		case protocol.EngineClose:
			return identity{}, errors.New("closed before connect")
		default:
			continue
		}

		p, err := protocol.Decode(ep.Data)
		if err != nil {
			return identity{}, err
		}
		if p.Type != protocol.SocketConnect {
			continue
		}
		if p.Namespace != protocol.DefaultNamespace {
			ce := protocol.NewConnectError("Invalid namespace")
			ce.Namespace = p.Namespace
			_ = sess.write(ce.Frame())
			continue
		}

		id, err := sess.srv.authenticate(sess.query, p.Data)
		if err != nil {
			_ = sess.write(protocol.NewConnectError(errors.Cause(err).Error()).Frame())
			return identity{}, errors.Wrap(err, "authentication failed")
		}
		return id, nil
	}
}

func (sess *session) readLoop() string {
	for {
		frame, err := sess.conn.Read(sess.ctx)
		if err != nil {
			if sess.ctx.Err() != nil {
				return "server shutting down"
			}
			return "transport close"
		}
		ep, err := protocol.DecodeEngine(frame)
		if err != nil {
			sess.log.Warn("dropping malformed frame", zap.Error(err))
			return "parse error"
		}

		switch ep.Type {
		case protocol.EnginePong:
			select {
			case sess.pong <- struct{}{}:
			default:
			}
		case protocol.EngineClose:
			return "transport close"
		case protocol.EngineMessage:
			p, err := protocol.Decode(ep.Data)
			if err != nil {
				sess.log.Warn("dropping malformed packet", zap.Error(err))
				return "parse error"
			}
			switch p.Type {
			case protocol.SocketDisconnect:
				return "client namespace disconnect"
			case protocol.SocketEvent:
				sess.dispatch(p)
			}
		}
	}
}

func (sess *session) writeLoop() {
	client := sess.client
	for data := range client.Outgoing {
		if err := writeFrame(client.Conn, data); err != nil {
			sess.log.Debug("failed to write frame", zap.Error(err))
			sess.close()
			return
		}
	}
}

// pingLoop pings every interval and closes the session when a pong does not
// come back within the timeout.
func (sess *session) pingLoop() {
	cfg := sess.srv.cfg
	ping := protocol.EnginePacket{Type: protocol.EnginePing}.Encode()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-time.After(cfg.PingInterval):
		}
		select {
		case <-sess.pong:
		default:
		}
		if !sess.srv.hub.DeliverTo(sess.client.ID, ping) {
			continue
		}
		select {
		case <-sess.ctx.Done():
			return
		case <-sess.pong:
		case <-time.After(cfg.PingTimeout):
			sess.log.Info("ping timeout")
			sess.close()
			return
		}
	}
}

func (sess *session) write(data []byte) error {
	return writeFrame(sess.conn, data)
}

func writeFrame(conn chat.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, data)
}

func (sess *session) close() {
	sess.once.Do(func() {
		sess.conn.Close()
	})
}

// emit sends an event to this socket only.
func (sess *session) emit(name string, args ...any) {
	sess.emitTo(sess.client.ID, name, args...)
}

func (sess *session) emitTo(sid, name string, args ...any) {
	p, err := protocol.NewEvent(protocol.NoAck, name, args...)
	if err != nil {
		sess.log.Error("failed to encode event", zap.String("event", name), zap.Error(err))
		return
	}
	if !sess.srv.hub.DeliverTo(sid, p.Frame()) {
		sess.log.Debug("event not delivered", zap.String("event", name), zap.String("to", sid))
	}
}

// broadcast sends an event to room across every node; an empty room means
// every socket.
func (sess *session) broadcast(room, name string, args []any, except ...string) {
	p, err := protocol.NewEvent(protocol.NoAck, name, args...)
	if err != nil {
		sess.log.Error("failed to encode event", zap.String("event", name), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := sess.srv.adapter.Broadcast(ctx, room, p.Frame(), except...); err != nil {
		sess.log.Warn("broadcast failed", zap.String("event", name), zap.Error(err))
	}
}

// broadcastNotice tells every other socket that this one joined or left.
func (sess *session) broadcastNotice(t protocol.MessageType) {
	msg := protocol.Message{
		Type:       t,
		ID:         uuid.NewString(),
		Sender:     sess.client.Username,
		ServerDate: time.Now().UnixMilli(),
	}
	data, err := msg.EncodeString()
	if err != nil {
		sess.log.Error("failed to encode notice", zap.Error(err))
		return
	}
	sess.broadcast("", EventSignal, []any{data}, sess.client.ID)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
