package wamp

import (
	"encoding/json"
	"fmt"
)

// MessageType WAMP message type code, the first element of every frame
type MessageType int

// WAMP message type codes
const (
	MessageTypeHello        MessageType = 1
	MessageTypeWelcome      MessageType = 2
	MessageTypeAbort        MessageType = 3
	MessageTypeGoodbye      MessageType = 6
	MessageTypeError        MessageType = 8
	MessageTypePublish      MessageType = 16
	MessageTypePublished    MessageType = 17
	MessageTypeSubscribe    MessageType = 32
	MessageTypeSubscribed   MessageType = 33
	MessageTypeUnsubscribe  MessageType = 34
	MessageTypeUnsubscribed MessageType = 35
	MessageTypeEvent        MessageType = 36
	MessageTypeCall         MessageType = 48
	MessageTypeResult       MessageType = 50
	MessageTypeRegister     MessageType = 64
	MessageTypeRegistered   MessageType = 65
	MessageTypeUnregister   MessageType = 66
	MessageTypeUnregistered MessageType = 67
	MessageTypeInvocation   MessageType = 68
	MessageTypeYield        MessageType = 70
)

// String toString function
func (t MessageType) String() string {
	switch t {
	case MessageTypeHello:
		return "HELLO"
	case MessageTypeWelcome:
		return "WELCOME"
	case MessageTypeAbort:
		return "ABORT"
	case MessageTypeGoodbye:
		return "GOODBYE"
	case MessageTypeError:
		return "ERROR"
	case MessageTypePublish:
		return "PUBLISH"
	case MessageTypePublished:
		return "PUBLISHED"
	case MessageTypeSubscribe:
		return "SUBSCRIBE"
	case MessageTypeSubscribed:
		return "SUBSCRIBED"
	case MessageTypeUnsubscribe:
		return "UNSUBSCRIBE"
	case MessageTypeUnsubscribed:
		return "UNSUBSCRIBED"
	case MessageTypeEvent:
		return "EVENT"
	case MessageTypeCall:
		return "CALL"
	case MessageTypeResult:
		return "RESULT"
	case MessageTypeRegister:
		return "REGISTER"
	case MessageTypeRegistered:
		return "REGISTERED"
	case MessageTypeUnregister:
		return "UNREGISTER"
	case MessageTypeUnregistered:
		return "UNREGISTERED"
	case MessageTypeInvocation:
		return "INVOCATION"
	case MessageTypeYield:
		return "YIELD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// ID registration, subscription, publication, and invocation IDs
type ID int64

// List JSON array whose elements are kept undecoded
type List []json.RawMessage

// Dict JSON object whose values are kept undecoded
type Dict map[string]json.RawMessage

// Payload positional and keyword arguments carried by PUBLISH, EVENT, CALL,
// INVOCATION, RESULT, YIELD, and ERROR
type Payload struct {
	Args   List
	ArgsKw Dict
}

// IsEmpty whether the payload carries no arguments at all
func (p Payload) IsEmpty() bool {
	return len(p.Args) == 0 && len(p.ArgsKw) == 0
}

// Message one outbound WAMP message, ready for serialization
type Message []interface{}

// Type the message type code
func (m Message) Type() MessageType {
	if len(m) == 0 {
		return 0
	}
	if t, ok := m[0].(MessageType); ok {
		return t
	}
	return 0
}

// Encode serialize the message into a JSON text frame
func (m Message) Encode() ([]byte, error) {
	return json.Marshal([]interface{}(m))
}

// appendPayload append args and argsKw. Args are emitted when either is non-empty,
// argsKw only when it is non-empty.
func (m Message) appendPayload(payload Payload) Message {
	if payload.IsEmpty() {
		return m
	}
	args := payload.Args
	if args == nil {
		args = List{}
	}
	m = append(m, args)
	if len(payload.ArgsKw) > 0 {
		m = append(m, payload.ArgsKw)
	}
	return m
}

func nonNilDict(d Dict) Dict {
	if d == nil {
		return Dict{}
	}
	return d
}

// NewWelcome define a WELCOME message
func NewWelcome(sessionID string, details Dict) Message {
	return Message{MessageTypeWelcome, sessionID, nonNilDict(details)}
}

// NewAbort define an ABORT message
func NewAbort(details Dict, reason URI) Message {
	return Message{MessageTypeAbort, nonNilDict(details), reason}
}

// NewGoodbye define a GOODBYE message
func NewGoodbye(details Dict, reason URI) Message {
	return Message{MessageTypeGoodbye, nonNilDict(details), reason}
}

// NewError define an ERROR message answering a request
func NewError(
	requestType MessageType, requestID json.RawMessage, details Dict, errorURI URI, payload Payload,
) Message {
	return Message{
		MessageTypeError, requestType, requestID, nonNilDict(details), errorURI,
	}.appendPayload(payload)
}

// NewPublished define a PUBLISHED message
func NewPublished(requestID json.RawMessage, publicationID ID) Message {
	return Message{MessageTypePublished, requestID, publicationID}
}

// NewSubscribed define a SUBSCRIBED message
func NewSubscribed(requestID json.RawMessage, subscriptionID ID) Message {
	return Message{MessageTypeSubscribed, requestID, subscriptionID}
}

// NewUnsubscribed define an UNSUBSCRIBED message
func NewUnsubscribed(requestID json.RawMessage) Message {
	return Message{MessageTypeUnsubscribed, requestID}
}

// NewEvent define an EVENT message
func NewEvent(subscriptionID, publicationID ID, details Dict, payload Payload) Message {
	return Message{
		MessageTypeEvent, subscriptionID, publicationID, nonNilDict(details),
	}.appendPayload(payload)
}

// NewRegistered define a REGISTERED message
func NewRegistered(requestID json.RawMessage, registrationID ID) Message {
	return Message{MessageTypeRegistered, requestID, registrationID}
}

// NewUnregistered define an UNREGISTERED message
func NewUnregistered(requestID json.RawMessage) Message {
	return Message{MessageTypeUnregistered, requestID}
}

// NewInvocation define an INVOCATION message
func NewInvocation(invocationID, registrationID ID, details Dict, payload Payload) Message {
	return Message{
		MessageTypeInvocation, invocationID, registrationID, nonNilDict(details),
	}.appendPayload(payload)
}

// NewResult define a RESULT message
func NewResult(requestID json.RawMessage, details Dict, payload Payload) Message {
	return Message{MessageTypeResult, requestID, nonNilDict(details)}.appendPayload(payload)
}
