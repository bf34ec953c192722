package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alwitt/wamprouter/common"
	"github.com/alwitt/wamprouter/realm"
	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// State protocol state of a session
type State int

// Session states
const (
	StateAwaitingHello State = iota
	StateEstablished
	StateClosed
)

// String toString function
func (s State) String() string {
	switch s {
	case StateAwaitingHello:
		return "AWAITING_HELLO"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Transport the connection a session speaks over
type Transport interface {
	// Send queue a message for delivery. Must not block.
	Send(msg wamp.Message) error
	// Close flush the queued messages, then close the connection
	Close() error
}

// Session the protocol state machine of one connected peer
type Session interface {
	realm.Peer

	// HandleFrame process one inbound text frame
	HandleFrame(text []byte)

	// Disconnected the transport closed. Releases everything the session held.
	Disconnected()

	// Shutdown router initiated close. An established peer is sent GOODBYE with the reason.
	Shutdown(reason wamp.URI)

	// State the current protocol state
	State() State
}

// Params parameters for defining a Session
type Params struct {
	// Transport the connection of the session
	Transport Transport `validate:"required"`
	// Realms resolves the realm named by HELLO
	Realms realm.Manager `validate:"required"`
	// Remote the peer's remote address
	Remote string
	// NewID session ID generator. Defaults to common.NewSessionID.
	NewID func() string
}

// frameHandler processes one inbound frame of a given type
type frameHandler func(frame wamp.Frame)

// sessionImpl implements Session
type sessionImpl struct {
	common.Component
	baseTags  log.Fields
	lock      sync.Mutex
	state     State
	id        atomic.Value
	joined    realm.Realm
	param     common.SessionParam
	transport Transport
	realms    realm.Manager
	newID     func() string
	handlers  map[wamp.MessageType]frameHandler
}

// NewSession define a new session for a freshly accepted connection
func NewSession(params Params) (Session, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	newID := params.NewID
	if newID == nil {
		newID = common.NewSessionID
	}
	baseTags := log.Fields{"module": "session", "component": "session"}
	instance := &sessionImpl{
		baseTags:  baseTags,
		state:     StateAwaitingHello,
		param:     common.SessionParam{Remote: params.Remote},
		transport: params.Transport,
		realms:    params.Realms,
		newID:     newID,
	}
	instance.id.Store("")
	if err := instance.refreshLogTags(); err != nil {
		return nil, err
	}
	instance.handlers = map[wamp.MessageType]frameHandler{
		wamp.MessageTypeGoodbye:     instance.handleGoodbye,
		wamp.MessageTypeAbort:       instance.handleAbort,
		wamp.MessageTypeRegister:    instance.handleRegister,
		wamp.MessageTypeUnregister:  instance.handleUnregister,
		wamp.MessageTypeSubscribe:   instance.handleSubscribe,
		wamp.MessageTypeUnsubscribe: instance.handleUnsubscribe,
		wamp.MessageTypePublish:     instance.handlePublish,
		wamp.MessageTypeCall:        instance.handleCall,
		wamp.MessageTypeResult:      instance.handleResult,
		wamp.MessageTypeYield:       instance.handleResult,
		wamp.MessageTypeError:       instance.handleError,
	}
	return instance, nil
}

// refreshLogTags rebuild the log tags from the session parameters. Caller holds the
// lock or has exclusive access.
func (s *sessionImpl) refreshLogTags() error {
	ctxt := context.WithValue(context.Background(), common.SessionParam{}, s.param)
	tags, err := common.UpdateLogTags(ctxt, s.baseTags)
	if err != nil {
		return err
	}
	s.LogTags = tags
	return nil
}

func (s *sessionImpl) logTags() log.Fields {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.LogTags
}

func (s *sessionImpl) ID() string {
	return s.id.Load().(string)
}

func (s *sessionImpl) Send(msg wamp.Message) error {
	return s.transport.Send(msg)
}

func (s *sessionImpl) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// currentRealm the joined realm, nil unless established
func (s *sessionImpl) currentRealm() realm.Realm {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateEstablished {
		return nil
	}
	return s.joined
}

func (s *sessionImpl) HandleFrame(text []byte) {
	frame, err := wamp.Decode(text)
	if err != nil {
		log.WithError(err).WithFields(s.logTags()).Debug("Dropped malformed frame")
		return
	}
	switch s.State() {
	case StateAwaitingHello:
		switch frame.Type {
		case wamp.MessageTypeHello:
			s.handleHello(frame)
		case wamp.MessageTypeAbort:
			s.handleAbort(frame)
		default:
			log.WithFields(s.logTags()).Infof("Received %s before HELLO", frame.Type)
			s.sendAbort(nil, wamp.ErrProtocolViolation)
			s.closeConnection()
		}
	case StateEstablished:
		handler, ok := s.handlers[frame.Type]
		if !ok {
			log.WithFields(s.logTags()).Debugf("Dropped unexpected %s", frame.Type)
			return
		}
		handler(frame)
	default:
		log.WithFields(s.logTags()).Debugf("Dropped %s on closed session", frame.Type)
	}
}

func (s *sessionImpl) Disconnected() {
	if s.teardown() {
		log.WithFields(s.logTags()).Info("Peer disconnected")
	}
}

func (s *sessionImpl) Shutdown(reason wamp.URI) {
	if s.State() == StateEstablished {
		s.send(wamp.NewGoodbye(nil, reason))
	}
	s.closeConnection()
}

// sendWelcome assign the session ID, join the realm, and send WELCOME
func (s *sessionImpl) sendWelcome(target realm.Realm) {
	id := s.newID()
	s.id.Store(id)
	if err := target.Join(s); err != nil {
		log.WithError(err).WithFields(s.logTags()).Errorf(
			"Unable to join realm '%s'", target.Name(),
		)
		s.sendAbort(nil, wamp.ErrProtocolViolation)
		s.closeConnection()
		return
	}
	s.lock.Lock()
	if s.state != StateAwaitingHello {
		// Closed while joining
		s.lock.Unlock()
		target.Leave(s)
		return
	}
	s.state = StateEstablished
	s.joined = target
	s.param.ID = id
	s.param.Realm = target.Name()
	if err := s.refreshLogTags(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to update log tags")
	}
	tags := s.LogTags
	s.lock.Unlock()
	log.WithFields(tags).Info("Session established")
	s.send(wamp.NewWelcome(id, wamp.RouterWelcomeDetails()))
}

// sendAbort send ABORT
func (s *sessionImpl) sendAbort(details wamp.Dict, reason wamp.URI) {
	s.send(wamp.NewAbort(details, reason))
}

// sendError answer a request with ERROR
func (s *sessionImpl) sendError(
	requestType wamp.MessageType, requestID json.RawMessage, errorURI wamp.URI, details wamp.Dict,
) {
	s.send(wamp.NewError(requestType, requestID, details, errorURI, wamp.Payload{}))
}

// replyFailure answer a request which the realm refused. Failures which are not
// protocol errors are logged and dropped.
func (s *sessionImpl) replyFailure(
	requestType wamp.MessageType, requestID json.RawMessage, err error,
) {
	var protoErr *wamp.Error
	if errors.As(err, &protoErr) {
		log.WithFields(s.logTags()).Debugf("%s refused: %s", requestType, protoErr.Error())
		s.sendError(requestType, requestID, protoErr.URI, nil)
		return
	}
	log.WithError(err).WithFields(s.logTags()).Warnf("Dropped %s", requestType)
}

func (s *sessionImpl) send(msg wamp.Message) {
	if err := s.transport.Send(msg); err != nil {
		log.WithError(err).WithFields(s.logTags()).Warnf("Unable to send %s", msg.Type())
	}
}

// teardown move to CLOSED and leave the realm. Returns false if already closed.
func (s *sessionImpl) teardown() bool {
	s.lock.Lock()
	if s.state == StateClosed {
		s.lock.Unlock()
		return false
	}
	s.state = StateClosed
	joined := s.joined
	s.joined = nil
	s.lock.Unlock()
	if joined != nil {
		joined.Leave(s)
	}
	return true
}

// closeConnection tear the session down and close the transport
func (s *sessionImpl) closeConnection() {
	s.teardown()
	if err := s.transport.Close(); err != nil {
		log.WithError(err).WithFields(s.logTags()).Debug("Transport close failed")
	}
}
