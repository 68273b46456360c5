package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedPacket is returned when a frame does not parse as a packet.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrBinaryPacket is returned for binary event and ack packets, which are not supported.
	ErrBinaryPacket = errors.New("binary packets are not supported")
)

// EngineType is the Engine.IO packet type carried in the first byte of a frame.
type EngineType byte

const (
	EngineOpen EngineType = iota
	EngineClose
	EnginePing
	EnginePong
	EngineMessage
	EngineUpgrade
	EngineNoop
)

// String returns the string representation of EngineType
func (t EngineType) String() string {
	switch t {
	case EngineOpen:
		return "OPEN"
	case EngineClose:
		return "CLOSE"
	case EnginePing:
		return "PING"
	case EnginePong:
		return "PONG"
	case EngineMessage:
		return "MESSAGE"
	case EngineUpgrade:
		return "UPGRADE"
	case EngineNoop:
		return "NOOP"
	default:
		return "UNKNOWN"
	}
}

// EnginePacket is a single Engine.IO packet.
type EnginePacket struct {
	Type EngineType
	Data []byte
}

// Encode encodes the packet into a text frame.
func (p EnginePacket) Encode() []byte {
	out := make([]byte, 0, len(p.Data)+1)
	out = append(out, '0'+byte(p.Type))
	return append(out, p.Data...)
}

// DecodeEngine decodes a text frame into an Engine.IO packet.
func DecodeEngine(frame []byte) (EnginePacket, error) {
	if len(frame) == 0 {
		return EnginePacket{}, errors.Wrap(ErrMalformedPacket, "empty engine frame")
	}
	t := frame[0] - '0'
	if frame[0] < '0' || t > byte(EngineNoop) {
		return EnginePacket{}, errors.Wrapf(ErrMalformedPacket, "unknown engine packet type %q", frame[0])
	}
	return EnginePacket{Type: EngineType(t), Data: frame[1:]}, nil
}

// Handshake is the payload of the Engine.IO open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// SocketType is the Socket.IO packet type.
type SocketType byte

const (
	SocketConnect SocketType = iota
	SocketDisconnect
	SocketEvent
	SocketAck
	SocketConnectError
	SocketBinaryEvent
	SocketBinaryAck
)

// String returns the string representation of SocketType
func (t SocketType) String() string {
	switch t {
	case SocketConnect:
		return "CONNECT"
	case SocketDisconnect:
		return "DISCONNECT"
	case SocketEvent:
		return "EVENT"
	case SocketAck:
		return "ACK"
	case SocketConnectError:
		return "CONNECT_ERROR"
	case SocketBinaryEvent:
		return "BINARY_EVENT"
	case SocketBinaryAck:
		return "BINARY_ACK"
	default:
		return "UNKNOWN"
	}
}

// DefaultNamespace is the namespace used when a packet names none.
const DefaultNamespace = "/"

// NoAck marks a packet that carries no acknowledgement id.
const NoAck = -1

// Packet is a Socket.IO packet, carried inside an Engine.IO message packet.
type Packet struct {
	Type      SocketType
	Namespace string
	ID        int
	Data      json.RawMessage
}

// Encode encodes the packet without the Engine.IO message prefix.
func (p Packet) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte('0' + byte(p.Type))
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		buf.WriteString(p.Namespace)
		buf.WriteByte(',')
	}
	if p.ID >= 0 {
		buf.WriteString(strconv.Itoa(p.ID))
	}
	buf.Write(p.Data)
	return buf.Bytes()
}

// Frame encodes the packet as a complete Engine.IO message frame.
func (p Packet) Frame() []byte {
	return EnginePacket{Type: EngineMessage, Data: p.Encode()}.Encode()
}

// Decode decodes the payload of an Engine.IO message packet.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, errors.Wrap(ErrMalformedPacket, "empty socket packet")
	}
	t := data[0] - '0'
	if data[0] < '0' || t > byte(SocketBinaryAck) {
		return Packet{}, errors.Wrapf(ErrMalformedPacket, "unknown socket packet type %q", data[0])
	}
	p := Packet{Type: SocketType(t), Namespace: DefaultNamespace, ID: NoAck}
	if p.Type == SocketBinaryEvent || p.Type == SocketBinaryAck {
		return Packet{}, ErrBinaryPacket
	}

	rest := data[1:]
	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(string(rest[:i]))
		if err != nil {
			return Packet{}, errors.Wrap(ErrMalformedPacket, err.Error())
		}
		p.ID = id
		rest = rest[i:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return Packet{}, errors.Wrap(ErrMalformedPacket, "invalid json payload")
		}
		p.Data = json.RawMessage(rest)
	}

	if (p.Type == SocketEvent || p.Type == SocketAck) && (len(p.Data) == 0 || p.Data[0] != '[') {
		return Packet{}, errors.Wrapf(ErrMalformedPacket, "%s payload must be an array", p.Type)
	}
	return p, nil
}

// NewEvent builds an EVENT packet for name with args.
// id is the acknowledgement id, or NoAck.
func NewEvent(id int, name string, args ...any) (Packet, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, name)
	payload = append(payload, args...)
	data, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, errors.Wrapf(err, "failed to encode event %q", name)
	}
	return Packet{Type: SocketEvent, Namespace: DefaultNamespace, ID: id, Data: data}, nil
}

// NewAck builds an ACK packet answering id.
func NewAck(id int, args ...any) (Packet, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Packet{}, errors.Wrap(err, "failed to encode ack")
	}
	return Packet{Type: SocketAck, Namespace: DefaultNamespace, ID: id, Data: data}, nil
}

// NewConnectError builds a CONNECT_ERROR packet carrying message.
func NewConnectError(message string) Packet {
	data, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{message})
	return Packet{Type: SocketConnectError, Namespace: DefaultNamespace, ID: NoAck, Data: data}
}

// Event splits an EVENT packet into its name and raw arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != SocketEvent {
		return "", nil, errors.Errorf("packet type %s is not an event", p.Type)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil {
		return "", nil, errors.Wrap(ErrMalformedPacket, err.Error())
	}
	if len(parts) == 0 {
		return "", nil, errors.Wrap(ErrMalformedPacket, "event without name")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, errors.Wrap(ErrMalformedPacket, "event name must be a string")
	}
	return name, parts[1:], nil
}

// Args returns the raw arguments of an ACK packet.
func (p Packet) Args() ([]json.RawMessage, error) {
	var args []json.RawMessage
	if len(p.Data) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return nil, errors.Wrap(ErrMalformedPacket, err.Error())
	}
	return args, nil
}
