package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire protocol toward sessions (JSON over WebSocket)

// Address identifies one locomotive. Below 128 it uses the short wire marker.
type Address int

// Velocity is a signed speed step: -1 emergency stop, 0 stop, 1..126 speed.
type Velocity int

// Function is a toggleable decoder function, conventionally 0..28.
type Function uint8

const (
	EmergencyStop Velocity = -1
	Stop          Velocity = 0
	MaxSpeedStep  Velocity = 126
)

type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "Reverse"
	}
	return "Forward"
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: direction: %v", ErrEnvelope, err)
	}
	switch s {
	case "Forward":
		*d = Forward
	case "Reverse":
		*d = Reverse
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrEnvelope, s)
	}
	return nil
}

// Kind tags the variant held by a MessageType.
type Kind uint8

const (
	KindAddAddress Kind = iota
	KindRemoveAddress
	KindVelocity
	KindFunctionPressed
	KindFunctionReleased
	KindDirection
	KindTime
)

var kindNames = [...]string{
	KindAddAddress:       "AddAddress",
	KindRemoveAddress:    "RemoveAddress",
	KindVelocity:         "Velocity",
	KindFunctionPressed:  "FunctionPressed",
	KindFunctionReleased: "FunctionReleased",
	KindDirection:        "Direction",
	KindTime:             "Time",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// MessageType is a tagged union; only the field matching Kind is meaningful.
type MessageType struct {
	Kind      Kind
	Velocity  Velocity
	Function  Function
	Direction Direction
	Time      int64
}

var (
	AddAddress    = MessageType{Kind: KindAddAddress}
	RemoveAddress = MessageType{Kind: KindRemoveAddress}
)

func SetVelocity(v Velocity) MessageType { return MessageType{Kind: KindVelocity, Velocity: v} }
func FunctionPressed(f Function) MessageType {
	return MessageType{Kind: KindFunctionPressed, Function: f}
}
func FunctionReleased(f Function) MessageType {
	return MessageType{Kind: KindFunctionReleased, Function: f}
}
func SetDirection(d Direction) MessageType { return MessageType{Kind: KindDirection, Direction: d} }
func Time(t int64) MessageType             { return MessageType{Kind: KindTime, Time: t} }

// IsAddress reports whether the variant acquires or releases an address.
func (t MessageType) IsAddress() bool {
	return t.Kind == KindAddAddress || t.Kind == KindRemoveAddress
}

func (t MessageType) String() string {
	switch t.Kind {
	case KindVelocity:
		return fmt.Sprintf("Velocity(%d)", t.Velocity)
	case KindFunctionPressed, KindFunctionReleased:
		return fmt.Sprintf("%s(%d)", t.Kind, t.Function)
	case KindDirection:
		return fmt.Sprintf("Direction(%s)", t.Direction)
	case KindTime:
		return fmt.Sprintf("Time(%d)", t.Time)
	default:
		return t.Kind.String()
	}
}

// MarshalJSON writes unit variants as a bare string and payload variants
// as a single-key object, e.g. "AddAddress" or {"Velocity": 5}.
func (t MessageType) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch t.Kind {
	case KindAddAddress, KindRemoveAddress:
		return json.Marshal(t.Kind.String())
	case KindVelocity:
		payload = t.Velocity
	case KindFunctionPressed, KindFunctionReleased:
		payload = t.Function
	case KindDirection:
		payload = t.Direction
	case KindTime:
		payload = t.Time
	default:
		return nil, fmt.Errorf("marshal message type: unknown kind %d", t.Kind)
	}
	return json.Marshal(map[string]interface{}{t.Kind.String(): payload})
}

func (t *MessageType) UnmarshalJSON(b []byte) error {
	var unit string
	if err := json.Unmarshal(b, &unit); err == nil {
		switch unit {
		case "AddAddress":
			*t = AddAddress
		case "RemoveAddress":
			*t = RemoveAddress
		default:
			return fmt.Errorf("%w: unknown unit variant %q", ErrEnvelope, unit)
		}
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("%w: message_type: %v", ErrEnvelope, err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("%w: message_type must have exactly one variant, got %d", ErrEnvelope, len(obj))
	}
	for name, raw := range obj {
		var err error
		switch name {
		case "Velocity":
			var v Velocity
			err = json.Unmarshal(raw, &v)
			*t = SetVelocity(v)
		case "FunctionPressed":
			var f Function
			err = json.Unmarshal(raw, &f)
			*t = FunctionPressed(f)
		case "FunctionReleased":
			var f Function
			err = json.Unmarshal(raw, &f)
			*t = FunctionReleased(f)
		case "Direction":
			var d Direction
			err = json.Unmarshal(raw, &d)
			*t = SetDirection(d)
		case "Time":
			var ts int64
			err = json.Unmarshal(raw, &ts)
			*t = Time(ts)
		case "AddAddress", "RemoveAddress":
			return fmt.Errorf("%w: %s carries no payload", ErrEnvelope, name)
		default:
			return fmt.Errorf("%w: unknown variant %q", ErrEnvelope, name)
		}
		if err != nil {
			if errors.Is(err, ErrEnvelope) {
				return err
			}
			return fmt.Errorf("%w: %s: %v", ErrEnvelope, name, err)
		}
	}
	return nil
}

// Message is the envelope exchanged with sessions. Address is zero for Time.
type Message struct {
	Type    MessageType `json:"message_type"`
	Address Address     `json:"address"`
}

func New(addr Address, t MessageType) Message { return Message{Type: t, Address: addr} }

func (m Message) String() string { return fmt.Sprintf("%s@%d", m.Type, m.Address) }

// ErrEnvelope marks a malformed JSON envelope from a session.
var ErrEnvelope = errors.New("invalid envelope")

// DecodeEnvelope parses one inbound text frame.
func DecodeEnvelope(b []byte) (Message, error) {
	var raw struct {
		Type    *MessageType `json:"message_type"`
		Address *Address     `json:"address"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		if errors.Is(err, ErrEnvelope) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	if raw.Type == nil {
		return Message{}, fmt.Errorf("%w: missing message_type", ErrEnvelope)
	}
	if raw.Address == nil {
		return Message{}, fmt.Errorf("%w: missing address", ErrEnvelope)
	}
	return Message{Type: *raw.Type, Address: *raw.Address}, nil
}
