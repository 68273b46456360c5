package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/event-socket-chat/pkg/protocol"
	"go.uber.org/zap"
)

// Event names served and emitted by the server.
const (
	EventTest             = "test"
	EventChat             = "chat"
	EventChat2            = "chat2"
	EventSendSignal       = "sendSignalMsg"
	EventConfirmReceived  = "confirmRecieved"
	EventHi               = "hi"
	EventChatMsg          = "onChatMsg"
	EventSignal           = "onSignalMsg"
	EventInterruptSession = "onInteruptSession"
)

// Status is the acknowledgement body of chat events.
type Status struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

var (
	statusOK           = Status{Status: http.StatusOK, Message: "OK"}
	statusEmpty        = Status{Status: http.StatusBadRequest, Message: "empty message"}
	statusUnknownEvent = Status{Status: http.StatusNotFound, Message: "unknown event"}
)

func (sess *session) dispatch(p protocol.Packet) {
	name, args, err := p.Event()
	if err != nil {
		sess.log.Warn("dropping malformed event", zap.Error(err))
		return
	}
	sess.log.Debug("event", zap.String("event", name), zap.Int("ack", p.ID))

	switch name {
	case EventTest, EventChat:
		sess.onChat(p.ID, args)
	case EventChat2:
		sess.onChat2(p.ID, args)
	case EventSendSignal:
		sess.onSendSignal(p.ID, args)
	case EventConfirmReceived:
		sess.onConfirmReceived(p.ID, args)
	default:
		sess.log.Info("unknown event", zap.String("event", name))
		sess.ack(p.ID, statusUnknownEvent)
	}
}

// ack answers an event; nothing is sent when the sender asked for no ack.
func (sess *session) ack(id int, args ...any) {
	if id == protocol.NoAck {
		return
	}
	p, err := protocol.NewAck(id, args...)
	if err != nil {
		sess.log.Error("failed to encode ack", zap.Error(err))
		return
	}
	sess.srv.hub.DeliverTo(sess.client.ID, p.Frame())
}

// onChat relays the first argument as is to every socket.
func (sess *session) onChat(id int, args []json.RawMessage) {
	if len(args) == 0 || isEmpty(args[0]) {
		sess.ack(id, statusEmpty)
		return
	}
	sess.log.Info("chat", zap.String("username", sess.client.Username), zap.ByteString("msg", args[0]))
	sess.broadcast("", EventChatMsg, []any{args[0]})
	sess.ack(id, statusOK)
}

func (sess *session) onChat2(id int, args []json.RawMessage) {
	var body struct {
		Msg string `json:"msg"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args[0], &body)
	}
	if body.Msg == "" {
		sess.ack(id, statusEmpty)
		return
	}
	sess.log.Info("chat2", zap.String("username", sess.client.Username), zap.String("msg", body.Msg))
	sess.broadcast("", EventChatMsg, []any{body.Msg})
	sess.ack(id, statusOK)
}

// onSendSignal stamps a chat message and relays it to the rooms of its
// sender and recipient. The ack carries the stamped message, or null when
// the payload was rejected.
func (sess *session) onSendSignal(id int, args []json.RawMessage) {
	var data string
	if len(args) == 0 || json.Unmarshal(args[0], &data) != nil {
		sess.log.Info("sendSignalMsg without payload")
		sess.ack(id, nil)
		return
	}

	var msg protocol.Message
	if err := msg.DecodeString(data); err != nil {
		sess.log.Info("sendSignalMsg rejected", zap.Error(err))
		sess.ack(id, nil)
		return
	}
	msg.Type = protocol.MessageTypeText
	msg.ID = uuid.NewString()
	msg.Sender = sess.client.Username
	msg.ServerDate = time.Now().UnixMilli()

	stamped, err := msg.EncodeString()
	if err != nil {
		sess.log.Error("failed to encode signal", zap.Error(err))
		sess.ack(id, nil)
		return
	}

	sess.broadcast(sess.client.Phone, EventSignal, []any{stamped})
	if msg.To != "" && msg.To != sess.client.Phone {
		sess.broadcast(msg.To, EventSignal, []any{stamped})
	}
	sess.ack(id, stamped)
}

// onConfirmReceived acknowledges a comma separated list of message ids.
func (sess *session) onConfirmReceived(id int, args []json.RawMessage) {
	var ids string
	if len(args) > 0 {
		_ = json.Unmarshal(args[0], &ids)
	}
	var confirmed []string
	for _, v := range strings.Split(ids, ",") {
		if v = strings.TrimSpace(v); v != "" {
			confirmed = append(confirmed, v)
		}
	}
	sess.log.Debug("confirmRecieved", zap.Strings("ids", confirmed))
	sess.ack(id, ids)
}

func isEmpty(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == `""`
}
