// Package protocol implements the wire formats spoken between the chat
// harness and the chat server: Engine.IO and Socket.IO text packets, and the
// protobuf encoding of relayed chat messages.
package protocol

import (
	"encoding/base64"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType represents the type of message
type MessageType int

const (
	MessageTypeText MessageType = iota
	MessageTypeJoin
	MessageTypeLeave
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeText:
		return "TEXT"
	case MessageTypeJoin:
		return "JOIN"
	case MessageTypeLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Field numbers of the chat message on the wire.
const (
	fieldType       protowire.Number = 1
	fieldSender     protowire.Number = 2
	fieldContent    protowire.Number = 3
	fieldTo         protowire.Number = 4
	fieldID         protowire.Number = 5
	fieldServerDate protowire.Number = 6
)

// Message represents a relayed chat message
type Message struct {
	Type       MessageType
	ID         string
	Sender     string
	To         string
	Content    string
	ServerDate int64 // unix millis, stamped by the server
}

// Encode encodes the message into bytes using the protobuf wire format.
// Zero-valued fields are omitted, as proto3 does.
func (m *Message) Encode() ([]byte, error) {
	if m.Type < MessageTypeText || m.Type > MessageTypeLeave {
		return nil, errors.Errorf("failed to encode message: unknown type %d", m.Type)
	}
	var b []byte
	if m.Type != MessageTypeText {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Type))
	}
	b = appendString(b, fieldSender, m.Sender)
	b = appendString(b, fieldContent, m.Content)
	b = appendString(b, fieldTo, m.To)
	b = appendString(b, fieldID, m.ID)
	if m.ServerDate != 0 {
		b = protowire.AppendTag(b, fieldServerDate, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ServerDate))
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode decodes bytes into a message using the protobuf wire format.
// Unknown fields are skipped; unknown enum values degrade to MessageTypeText.
func (m *Message) Decode(data []byte) error {
	*m = Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "failed to decode message")
		}
		data = data[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "failed to decode message type")
			}
			m.Type = messageTypeFromWire(v)
			data = data[n:]
		case num == fieldServerDate && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "failed to decode server date")
			}
			m.ServerDate = int64(v)
			data = data[n:]
		case typ == protowire.BytesType && num >= fieldSender && num <= fieldID:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "failed to decode field %d", num)
			}
			switch num {
			case fieldSender:
				m.Sender = v
			case fieldContent:
				m.Content = v
			case fieldTo:
				m.To = v
			case fieldID:
				m.ID = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "failed to skip field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}

// messageTypeFromWire maps unknown values to MessageTypeText so that
// newer senders never break older readers.
func messageTypeFromWire(v uint64) MessageType {
	switch MessageType(v) {
	case MessageTypeJoin:
		return MessageTypeJoin
	case MessageTypeLeave:
		return MessageTypeLeave
	default:
		return MessageTypeText
	}
}

// EncodeString encodes the message as base64 text, the form in which it
// travels inside Socket.IO events.
func (m *Message) EncodeString() (string, error) {
	data, err := m.Encode()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeString decodes a base64 text payload produced by EncodeString.
func (m *Message) DecodeString(s string) error {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return errors.Wrap(err, "failed to decode message payload")
	}
	return m.Decode(data)
}
