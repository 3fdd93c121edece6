// Package protocol encodes and decodes the Engine.IO/Socket.IO text framing
// spoken by the broker socket and classifies named events into typed variants.
package protocol

import (
	"bytes"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/coachpo/pocketoption/errs"
)

// Kind identifies the framing category of a message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindOpen
	KindClose
	KindPing
	KindPong
	KindNoop
	KindConnect
	KindDisconnect
	KindConnectError
	KindEvent
	KindBinaryEvent
	KindAttachment
)

var kindNames = [...]string{
	KindUnknown:      "unknown",
	KindOpen:         "open",
	KindClose:        "close",
	KindPing:         "ping",
	KindPong:         "pong",
	KindNoop:         "noop",
	KindConnect:      "connect",
	KindDisconnect:   "disconnect",
	KindConnectError: "connect_error",
	KindEvent:        "event",
	KindBinaryEvent:  "binary_event",
	KindAttachment:   "attachment",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Frame is one decoded socket message.
//
// Payload holds the JSON body for Open, Connect and ConnectError frames, the
// second array element of Event and BinaryEvent frames (nil when absent), and
// the whole document of an Attachment.
type Frame struct {
	Kind        Kind
	Name        string
	Payload     json.RawMessage
	Attachments int
}

// binaryPrefix is the Engine.IO v3 message-type byte some servers still
// place in front of binary bodies.
const binaryPrefix = 0x04

// Decode parses one inbound message. binary reports whether the transport
// delivered it as a binary message; binary and text encodings of the same
// JSON body decode to the same attachment.
func Decode(data []byte, binary bool) (Frame, error) {
	if binary && len(data) > 0 && data[0] == binaryPrefix {
		data = data[1:]
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Frame{}, decodeError("empty message", nil)
	}
	switch data[0] {
	case '{', '[':
		if !gjson.ValidBytes(data) {
			return Frame{}, decodeError("attachment is not valid JSON", data)
		}
		return Frame{Kind: KindAttachment, Payload: cloneRaw(data)}, nil
	case '0':
		return Frame{Kind: KindOpen, Payload: optionalJSON(data[1:])}, nil
	case '1':
		return Frame{Kind: KindClose}, nil
	case '2':
		return Frame{Kind: KindPing, Payload: optionalJSON(data[1:])}, nil
	case '3':
		return Frame{Kind: KindPong, Payload: optionalJSON(data[1:])}, nil
	case '6':
		return Frame{Kind: KindNoop}, nil
	case '4':
		return decodeSocketPacket(data[1:])
	default:
		return Frame{}, decodeError("unknown packet type", data)
	}
}

func decodeSocketPacket(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, decodeError("socket packet without type", nil)
	}
	body := data[1:]
	switch data[0] {
	case '0':
		return Frame{Kind: KindConnect, Payload: optionalJSON(body)}, nil
	case '1':
		return Frame{Kind: KindDisconnect}, nil
	case '4':
		return Frame{Kind: KindConnectError, Payload: optionalJSON(body)}, nil
	case '2', '3':
		// event, or ack; an optional numeric ack id precedes the array
		name, payload, err := decodeEventArray(skipDigits(body))
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindEvent, Name: name, Payload: payload}, nil
	case '5':
		dash := bytes.IndexByte(body, '-')
		if dash <= 0 {
			return Frame{}, decodeError("binary event without attachment count", data)
		}
		count, err := strconv.Atoi(string(body[:dash]))
		if err != nil || count < 0 {
			return Frame{}, decodeError("binary event attachment count", data)
		}
		name, payload, err := decodeEventArray(skipDigits(body[dash+1:]))
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindBinaryEvent, Name: name, Payload: payload, Attachments: count}, nil
	default:
		return Frame{}, decodeError("unknown socket packet type", data)
	}
}

func decodeEventArray(data []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, decodeError("event body is not a JSON array", data, err)
	}
	if len(parts) == 0 {
		return "", nil, decodeError("event array is empty", data)
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, decodeError("event name is not a string", data, err)
	}
	if len(parts) < 2 {
		return name, nil, nil
	}
	return name, cloneRaw(parts[1]), nil
}

// Encode renders a frame byte-exactly. Attachments are returned as their raw
// JSON body; the caller sends them as binary messages.
func Encode(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindOpen:
		return prefixed("0", f.Payload), nil
	case KindClose:
		return []byte("1"), nil
	case KindPing:
		return prefixed("2", f.Payload), nil
	case KindPong:
		return prefixed("3", f.Payload), nil
	case KindNoop:
		return []byte("6"), nil
	case KindConnect:
		return prefixed("40", f.Payload), nil
	case KindDisconnect:
		return []byte("41"), nil
	case KindConnectError:
		return prefixed("44", f.Payload), nil
	case KindEvent:
		body, err := encodeEventArray(f.Name, f.Payload)
		if err != nil {
			return nil, err
		}
		return append([]byte("42"), body...), nil
	case KindBinaryEvent:
		if f.Attachments <= 0 {
			return nil, errs.New("encode", errs.CodeInvalid, errs.WithMessage("binary event needs at least one attachment"))
		}
		body, err := encodeEventArray(f.Name, f.Payload)
		if err != nil {
			return nil, err
		}
		out := append([]byte("45"), strconv.Itoa(f.Attachments)...)
		out = append(out, '-')
		return append(out, body...), nil
	case KindAttachment:
		if !gjson.ValidBytes(f.Payload) {
			return nil, errs.New("encode", errs.CodeInvalid, errs.WithMessage("attachment is not valid JSON"))
		}
		return cloneRaw(f.Payload), nil
	default:
		return nil, errs.New("encode", errs.CodeInvalid, errs.WithMessage("cannot encode frame kind "+f.Kind.String()))
	}
}

func encodeEventArray(name string, payload json.RawMessage) ([]byte, error) {
	if name == "" {
		return nil, errs.New("encode", errs.CodeInvalid, errs.WithMessage("event name is required"))
	}
	quoted, err := json.MarshalNoEscape(name)
	if err != nil {
		return nil, errs.New("encode", errs.CodeInvalid, errs.WithCause(err))
	}
	buf := make([]byte, 0, len(quoted)+len(payload)+3)
	buf = append(buf, '[')
	buf = append(buf, quoted...)
	if len(payload) > 0 {
		if !gjson.ValidBytes(payload) {
			return nil, errs.New("encode", errs.CodeInvalid, errs.WithMessage("event payload is not valid JSON"))
		}
		buf = append(buf, ',')
		buf = append(buf, payload...)
	}
	return append(buf, ']'), nil
}

// NewEvent builds an outbound event frame, marshalling payload without HTML escaping.
// A nil payload produces a bare 42["name"] frame.
func NewEvent(name string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Kind: KindEvent, Name: name}, nil
	}
	raw, err := json.MarshalNoEscape(payload)
	if err != nil {
		return Frame{}, errs.New("encode", errs.CodeInvalid, errs.WithMessage("marshal "+name+" payload"), errs.WithCause(err))
	}
	return Frame{Kind: KindEvent, Name: name, Payload: raw}, nil
}

// Fixed control frames.
var (
	ConnectFrame   = []byte("40")
	PongFrame      = []byte("3")
	HeartbeatFrame = []byte(`42["ps"]`)
)

func prefixed(prefix string, payload []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(payload))
	out = append(out, prefix...)
	return append(out, payload...)
}

func optionalJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return cloneRaw(data)
}

func skipDigits(data []byte) []byte {
	i := 0
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	return data[i:]
}

func cloneRaw(data []byte) json.RawMessage {
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out
}

func decodeError(msg string, data []byte, cause ...error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if len(data) > 0 {
		preview := data
		if len(preview) > 64 {
			preview = preview[:64]
		}
		opts = append(opts, errs.WithField("frame", string(preview)))
	}
	if len(cause) > 0 && cause[0] != nil {
		opts = append(opts, errs.WithCause(cause[0]))
	}
	return errs.New("decode", errs.CodeDecode, opts...)
}
