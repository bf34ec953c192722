package wamp

import "fmt"

// URI WAMP error and close reason identifier
type URI string

// Error URIs
const (
	ErrProcedureAlreadyExists URI = "wamp.error.procedure_already_exists"
	ErrNoSuchRegistration     URI = "wamp.error.no_such_registration"
	ErrNotOwner               URI = "wamp.error.not_owner"
	ErrNoSuchSubscription     URI = "wamp.error.no_such_subscription"
	ErrNotSubscribed          URI = "wamp.error.not_subscribed"
	ErrNoSuchProcedure        URI = "wamp.error.no_such_procedure"
	ErrNotFoundTopic          URI = "wamp.error.not_found_topic"
	ErrTimeout                URI = "wamp.error.timeout"
	ErrNoSuchRealm            URI = "wamp.error.no_such_realm"
	ErrProtocolViolation      URI = "wamp.error.protocol_violation"
	ErrCanceled               URI = "wamp.error.canceled"
)

// Close reasons
const (
	CloseGoodbyeAndOut  URI = "wamp.close.goodbye_and_out"
	CloseSystemShutdown URI = "wamp.close.system_shutdown"
)

// Error a semantic routing failure which is reported to the peer with an ERROR message
type Error struct {
	URI URI
	Msg string
}

// Error implements error
func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.URI)
	}
	return fmt.Sprintf("%s: %s", e.URI, e.Msg)
}

// Errorf define a new Error
func Errorf(uri URI, format string, args ...interface{}) *Error {
	return &Error{URI: uri, Msg: fmt.Sprintf(format, args...)}
}
