package session

import (
	"encoding/json"
	"errors"

	"github.com/alwitt/wamprouter/realm"
	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
)

// Field layouts follow the message type code:
//
//	HELLO       [realm, details?]
//	GOODBYE     [details, reason]
//	ABORT       [details, reason]
//	REGISTER    [requestId, options, procedure]
//	UNREGISTER  [requestId, registrationId]
//	SUBSCRIBE   [requestId, options, topic]
//	UNSUBSCRIBE [requestId, subscriptionId]
//	PUBLISH     [requestId, options, topic, args?, argsKw?]
//	CALL        [requestId, options, procedure, args?, argsKw?]
//	RESULT      [invocationId, details, args?, argsKw?]
//	YIELD       [invocationId, options, args?, argsKw?]
//	ERROR       [INVOCATION, invocationId, details, errorUri, args?, argsKw?]

func (s *sessionImpl) dropShape(frame wamp.Frame) {
	log.WithFields(s.logTags()).Debugf("Dropped %s with invalid fields", frame.Type)
}

func (s *sessionImpl) handleHello(frame wamp.Frame) {
	realmName, ok := frame.String(0)
	if !ok {
		s.dropShape(frame)
		return
	}
	if frame.Len() > 1 {
		if _, ok := frame.Dict(1); !ok {
			s.dropShape(frame)
			return
		}
	}
	target, err := s.realms.Lookup(realmName)
	if err != nil {
		reason := wamp.ErrNoSuchRealm
		var protoErr *wamp.Error
		if errors.As(err, &protoErr) {
			reason = protoErr.URI
		}
		log.WithError(err).WithFields(s.logTags()).Infof("Rejected HELLO for '%s'", realmName)
		s.sendAbort(nil, reason)
		s.closeConnection()
		return
	}
	s.sendWelcome(target)
}

func (s *sessionImpl) handleGoodbye(frame wamp.Frame) {
	if _, ok := frame.Dict(0); !ok {
		s.dropShape(frame)
		return
	}
	reason, ok := frame.String(1)
	if !ok {
		s.dropShape(frame)
		return
	}
	log.WithFields(s.logTags()).Infof("Peer said GOODBYE: %s", reason)
	s.send(wamp.NewGoodbye(nil, wamp.CloseGoodbyeAndOut))
	s.closeConnection()
}

func (s *sessionImpl) handleAbort(frame wamp.Frame) {
	if _, ok := frame.Dict(0); !ok {
		s.dropShape(frame)
		return
	}
	reason, ok := frame.String(1)
	if !ok {
		s.dropShape(frame)
		return
	}
	log.WithFields(s.logTags()).Infof("Peer aborted: %s", reason)
	s.closeConnection()
}

// requestHeader read the [requestId, options, uri] fields common to REGISTER,
// SUBSCRIBE, PUBLISH, and CALL
func requestHeader(frame wamp.Frame) (requestID json.RawMessage, uri string, ok bool) {
	requestID, ok = frame.Raw(0)
	if !ok {
		return nil, "", false
	}
	if _, ok = frame.Dict(1); !ok {
		return nil, "", false
	}
	uri, ok = frame.String(2)
	return requestID, uri, ok
}

func (s *sessionImpl) handleRegister(frame wamp.Frame) {
	requestID, procedure, ok := requestHeader(frame)
	target := s.currentRealm()
	if !ok || target == nil {
		s.dropShape(frame)
		return
	}
	registrationID, err := target.Register(s, procedure)
	if err != nil {
		s.replyFailure(frame.Type, requestID, err)
		return
	}
	s.send(wamp.NewRegistered(requestID, registrationID))
}

func (s *sessionImpl) handleUnregister(frame wamp.Frame) {
	requestID, ok := frame.Raw(0)
	if !ok {
		s.dropShape(frame)
		return
	}
	registrationID, ok := frame.ID(1)
	target := s.currentRealm()
	if !ok || target == nil {
		s.dropShape(frame)
		return
	}
	if err := target.Unregister(s, registrationID); err != nil {
		s.replyFailure(frame.Type, requestID, err)
		return
	}
	s.send(wamp.NewUnregistered(requestID))
}

func (s *sessionImpl) handleSubscribe(frame wamp.Frame) {
	requestID, topic, ok := requestHeader(frame)
	target := s.currentRealm()
	if !ok || target == nil {
		s.dropShape(frame)
		return
	}
	subscriptionID, err := target.Subscribe(s, topic)
	if err != nil {
		s.replyFailure(frame.Type, requestID, err)
		return
	}
	s.send(wamp.NewSubscribed(requestID, subscriptionID))
}

func (s *sessionImpl) handleUnsubscribe(frame wamp.Frame) {
	requestID, ok := frame.Raw(0)
	if !ok {
		s.dropShape(frame)
		return
	}
	subscriptionID, ok := frame.ID(1)
	target := s.currentRealm()
	if !ok || target == nil {
		s.dropShape(frame)
		return
	}
	if err := target.Unsubscribe(s, subscriptionID); err != nil {
		s.replyFailure(frame.Type, requestID, err)
		return
	}
	s.send(wamp.NewUnsubscribed(requestID))
}

func (s *sessionImpl) handlePublish(frame wamp.Frame) {
	requestID, topic, ok := requestHeader(frame)
	if !ok {
		s.dropShape(frame)
		return
	}
	payload, ok := frame.Payload(3)
	target := s.currentRealm()
	if !ok || target == nil {
		s.dropShape(frame)
		return
	}
	publicationID, err := target.Publish(s, topic, payload)
	if err != nil {
		s.replyFailure(frame.Type, requestID, err)
		return
	}
	s.send(wamp.NewPublished(requestID, publicationID))
}

func (s *sessionImpl) handleCall(frame wamp.Frame) {
	requestID, procedure, ok := requestHeader(frame)
	if !ok {
		s.dropShape(frame)
		return
	}
	payload, ok := frame.Payload(3)
	target := s.currentRealm()
	if !ok || target == nil {
		s.dropShape(frame)
		return
	}
	if _, err := target.Call(s, requestID, procedure, payload); err != nil {
		s.replyFailure(frame.Type, requestID, err)
	}
}

// handleResult the callee answered an INVOCATION, with RESULT or YIELD
func (s *sessionImpl) handleResult(frame wamp.Frame) {
	invocationID, ok := frame.ID(0)
	if !ok {
		s.dropShape(frame)
		return
	}
	details, ok := frame.Dict(1)
	if !ok {
		s.dropShape(frame)
		return
	}
	payload, ok := frame.Payload(2)
	target := s.currentRealm()
	if !ok || target == nil {
		s.dropShape(frame)
		return
	}
	if frame.Type == wamp.MessageTypeYield {
		// YIELD carries callee options, which are not meant for the caller
		details = nil
	}
	if err := target.Yield(s, invocationID, details, payload); err != nil {
		s.dropUnmatched(frame, invocationID, err)
	}
}

// handleError the callee failed an INVOCATION
func (s *sessionImpl) handleError(frame wamp.Frame) {
	requestType, ok := frame.ID(0)
	if !ok || wamp.MessageType(requestType) != wamp.MessageTypeInvocation {
		s.dropShape(frame)
		return
	}
	invocationID, ok := frame.ID(1)
	if !ok {
		s.dropShape(frame)
		return
	}
	details, ok := frame.Dict(2)
	if !ok {
		s.dropShape(frame)
		return
	}
	errorURI, ok := frame.String(3)
	if !ok {
		s.dropShape(frame)
		return
	}
	payload, ok := frame.Payload(4)
	target := s.currentRealm()
	if !ok || target == nil {
		s.dropShape(frame)
		return
	}
	if err := target.InvocationError(
		s, invocationID, details, wamp.URI(errorURI), payload,
	); err != nil {
		s.dropUnmatched(frame, invocationID, err)
	}
}

func (s *sessionImpl) dropUnmatched(frame wamp.Frame, invocationID wamp.ID, err error) {
	if errors.Is(err, realm.ErrNotFound) {
		log.WithFields(s.logTags()).Debugf(
			"Dropped %s for unknown invocation %d", frame.Type, invocationID,
		)
		return
	}
	log.WithError(err).WithFields(s.logTags()).Warnf(
		"Dropped %s for invocation %d", frame.Type, invocationID,
	)
}
