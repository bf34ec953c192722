package wamp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Frame decoding failures. A frame failing any of these is dropped by the router.
var (
	ErrParse          = errors.New("frame is not valid JSON")
	ErrNotArray       = errors.New("frame is not a JSON array")
	ErrFrameTooShort  = errors.New("frame has fewer than 2 elements")
	ErrInvalidMsgType = errors.New("frame message type is not an integer")
)

// Kind the JSON kind of a value
type Kind int

// JSON value kinds
const (
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// KindOf determine the JSON kind of a raw value from its first byte
func KindOf(raw json.RawMessage) Kind {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return KindInvalid
	}
	switch c := trimmed[0]; {
	case c == 'n':
		return KindNull
	case c == 't' || c == 'f':
		return KindBool
	case c == '"':
		return KindString
	case c == '[':
		return KindArray
	case c == '{':
		return KindObject
	case c == '-' || (c >= '0' && c <= '9'):
		return KindNumber
	default:
		return KindInvalid
	}
}

// Frame one decoded inbound message. Fields are the elements following the type code.
type Frame struct {
	Type   MessageType
	Fields []json.RawMessage
}

// Decode parse a text frame into a Frame
func Decode(text []byte) (Frame, error) {
	if !json.Valid(text) {
		return Frame{}, ErrParse
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(text, &elements); err != nil {
		return Frame{}, fmt.Errorf("%w: %s", ErrNotArray, err.Error())
	}
	if len(elements) < 2 {
		return Frame{}, ErrFrameTooShort
	}
	code, ok := parseInteger(elements[0])
	if !ok {
		return Frame{}, ErrInvalidMsgType
	}
	return Frame{Type: MessageType(code), Fields: elements[1:]}, nil
}

// Len number of fields following the type code
func (f Frame) Len() int {
	return len(f.Fields)
}

// Raw fetch a field without kind checks
func (f Frame) Raw(idx int) (json.RawMessage, bool) {
	if idx < 0 || idx >= len(f.Fields) {
		return nil, false
	}
	return f.Fields[idx], true
}

// String fetch a string field
func (f Frame) String(idx int) (string, bool) {
	raw, ok := f.Raw(idx)
	if !ok || KindOf(raw) != KindString {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

// ID fetch an integer field
func (f Frame) ID(idx int) (ID, bool) {
	raw, ok := f.Raw(idx)
	if !ok {
		return 0, false
	}
	value, ok := parseInteger(raw)
	return ID(value), ok
}

// Dict fetch an object field
func (f Frame) Dict(idx int) (Dict, bool) {
	raw, ok := f.Raw(idx)
	if !ok || KindOf(raw) != KindObject {
		return nil, false
	}
	value := Dict{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false
	}
	return value, true
}

// List fetch an array field
func (f Frame) List(idx int) (List, bool) {
	raw, ok := f.Raw(idx)
	if !ok || KindOf(raw) != KindArray {
		return nil, false
	}
	value := List{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false
	}
	return value, true
}

// Payload fetch the optional args (at argsIdx) and argsKw (at argsIdx+1) fields.
// Absent fields are fine; present fields of the wrong kind fail the fetch.
func (f Frame) Payload(argsIdx int) (Payload, bool) {
	var payload Payload
	if argsIdx >= f.Len() {
		return payload, true
	}
	args, ok := f.List(argsIdx)
	if !ok {
		return Payload{}, false
	}
	payload.Args = args
	if argsIdx+1 >= f.Len() {
		return payload, true
	}
	argsKw, ok := f.Dict(argsIdx + 1)
	if !ok {
		return Payload{}, false
	}
	payload.ArgsKw = argsKw
	return payload, true
}

// parseInteger parse a JSON number holding an integral value
func parseInteger(raw json.RawMessage) (int64, bool) {
	if KindOf(raw) != KindNumber {
		return 0, false
	}
	literal := string(bytes.TrimSpace(raw))
	if value, err := strconv.ParseInt(literal, 10, 64); err == nil {
		return value, true
	}
	// Integral values written with a fraction or exponent, e.g. 2.0 or 1e3
	value, err := strconv.ParseFloat(literal, 64)
	if err != nil || value != math.Trunc(value) || math.Abs(value) > 1<<53 {
		return 0, false
	}
	return int64(value), true
}
