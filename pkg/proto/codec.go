package proto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Upstream line protocol (newline-delimited ASCII, toward the control server)

const (
	// Delimiter separates the head of a throttle line from its action.
	Delimiter = "<;>"
	// Heartbeat keeps the upstream throttle session alive.
	Heartbeat = "*"

	shortAddressLimit = 128
	timePrefix        = "PFT"
)

// statusPrefixes are roster, turnout and route lines with no throttle meaning.
var statusPrefixes = []string{"PTA", "PTL", "RCD", "PTT", "PRT", "PRL", "RL"}

// ErrNotEncodable is returned for variants with no upstream form (Time).
var ErrNotEncodable = errors.New("message has no upstream encoding")

// ParseError describes an upstream line that could not be decoded.
type ParseError struct {
	Line   string
	Opcode string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Opcode != "" {
		return fmt.Sprintf("parse %q: unrecognized opcode %q", e.Line, e.Opcode)
	}
	return fmt.Sprintf("parse %q: %s", e.Line, e.Reason)
}

// Marker returns the short (S) or long (L) address marker.
func Marker(addr Address) string {
	if addr < shortAddressLimit {
		return "S"
	}
	return "L"
}

// Encode renders m as one outbound line, without the trailing newline.
func Encode(m Message) (string, error) {
	id := Marker(m.Address) + strconv.Itoa(int(m.Address))
	switch m.Type.Kind {
	case KindAddAddress:
		return "MT+" + id + Delimiter + id, nil
	case KindRemoveAddress:
		return "MT-" + id + Delimiter + id, nil
	case KindTime:
		return "", fmt.Errorf("encode %s: %w", m.Type, ErrNotEncodable)
	}
	action, err := encodeAction(m.Type)
	if err != nil {
		return "", err
	}
	return "MTA" + id + Delimiter + action, nil
}

func encodeAction(t MessageType) (string, error) {
	switch t.Kind {
	case KindVelocity:
		return "V" + strconv.Itoa(int(t.Velocity)), nil
	case KindFunctionPressed:
		return "F1" + strconv.Itoa(int(t.Function)), nil
	case KindFunctionReleased:
		return "F0" + strconv.Itoa(int(t.Function)), nil
	case KindDirection:
		if t.Direction == Reverse {
			return "R0", nil
		}
		return "R1", nil
	default:
		return "", fmt.Errorf("encode %s: %w", t, ErrNotEncodable)
	}
}

// Decode parses one inbound line. ok is false for status lines that carry
// nothing for sessions. Inbound lines are not the mirror image of Encode:
// address acquire/release replies are recognised by the sign in the head alone.
func Decode(line string) (m Message, ok bool, err error) {
	for _, p := range statusPrefixes {
		if strings.HasPrefix(line, p) {
			return Message{}, false, nil
		}
	}

	if strings.HasPrefix(line, timePrefix) {
		digits := digitRun(line[len(timePrefix):])
		t, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return Message{}, false, &ParseError{Line: line, Reason: "fast clock value missing"}
		}
		return New(0, Time(t)), true, nil
	}

	head, action, hasAction := strings.Cut(line, Delimiter)
	addr, err := parseAddress(head)
	if err != nil {
		return Message{}, false, &ParseError{Line: line, Reason: err.Error()}
	}
	switch {
	case strings.Contains(head, "-"):
		return New(addr, RemoveAddress), true, nil
	case strings.Contains(head, "+"):
		return New(addr, AddAddress), true, nil
	}
	if !hasAction {
		return Message{}, false, &ParseError{Line: line, Reason: "missing action"}
	}
	// the action segment ends at the next delimiter, if any
	action, _, _ = strings.Cut(action, Delimiter)

	t, err := DecodeAction(action)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Line = line
		}
		return Message{}, false, err
	}
	return New(addr, t), true, nil
}

// DecodeAction parses the action segment of a throttle line, e.g. "V-5" or "F110".
func DecodeAction(action string) (MessageType, error) {
	if action == "" {
		return MessageType{}, &ParseError{Line: action, Reason: "empty action"}
	}
	switch op := action[0]; op {
	case 'V':
		n, err := strconv.Atoi(digitRun(action[1:]))
		if err != nil {
			return MessageType{}, &ParseError{Line: action, Reason: "velocity value missing"}
		}
		if strings.Contains(action, "-") {
			n = -n
		}
		return SetVelocity(Velocity(n)), nil
	case 'F':
		if len(action) < 3 {
			return MessageType{}, &ParseError{Line: action, Reason: "function value missing"}
		}
		f, err := strconv.ParseUint(digitRun(action[2:]), 10, 8)
		if err != nil {
			return MessageType{}, &ParseError{Line: action, Reason: "function value invalid"}
		}
		if action[1] == '1' {
			return FunctionPressed(Function(f)), nil
		}
		return FunctionReleased(Function(f)), nil
	case 'R':
		if digitRun(action[1:]) == "0" {
			return SetDirection(Reverse), nil
		}
		return SetDirection(Forward), nil
	default:
		return MessageType{}, &ParseError{Line: action, Opcode: string(op)}
	}
}

func parseAddress(head string) (Address, error) {
	d := digitRun(head)
	if d == "" {
		return 0, errors.New("address missing")
	}
	n, err := strconv.Atoi(d)
	if err != nil {
		return 0, fmt.Errorf("address: %w", err)
	}
	return Address(n), nil
}

// digitRun returns the first contiguous run of ASCII digits in s.
func digitRun(s string) string {
	start := strings.IndexFunc(s, isDigit)
	if start < 0 {
		return ""
	}
	end := start
	for end < len(s) && isDigit(rune(s[end])) {
		end++
	}
	return s[start:end]
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
