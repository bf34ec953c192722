package realm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/wamprouter/common"
	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
)

// Realm a named routing domain. Peers only see procedures and topics of the realm
// they joined. Semantic failures are returned as *wamp.Error.
type Realm interface {
	// Name the realm name
	Name() string

	// Join add a peer to the realm
	Join(peer Peer) error

	// Leave remove a peer from the realm, releasing its registrations, subscription
	// memberships, and pending calls
	Leave(peer Peer)

	// Register bind a procedure to the peer. Returns the registration ID.
	Register(peer Peer, procedure string) (wamp.ID, error)

	// Unregister release a registration owned by the peer
	Unregister(peer Peer, registrationID wamp.ID) error

	// Subscribe add the peer to a topic's subscribers. Returns the subscription ID.
	Subscribe(peer Peer, topic string) (wamp.ID, error)

	// Unsubscribe remove the peer from a subscription
	Unsubscribe(peer Peer, subscriptionID wamp.ID) error

	// Publish fan a publication out to a topic's subscribers. Returns the publication ID.
	Publish(peer Peer, topic string, payload wamp.Payload) (wamp.ID, error)

	// Call forward a CALL to the procedure's callee. Returns the invocation ID.
	Call(
		peer Peer, requestID json.RawMessage, procedure string, payload wamp.Payload,
	) (wamp.ID, error)

	// Yield resolve a pending call with the callee's result
	Yield(callee Peer, invocationID wamp.ID, details wamp.Dict, payload wamp.Payload) error

	// InvocationError resolve a pending call with the callee's error
	InvocationError(
		callee Peer,
		invocationID wamp.ID,
		details wamp.Dict,
		errorURI wamp.URI,
		payload wamp.Payload,
	) error

	// Describe snapshot of the realm's current state
	Describe() RealmInfo
}

// RegistrationInfo snapshot of one registration
type RegistrationInfo struct {
	ID        wamp.ID   `json:"id"`
	Procedure string    `json:"procedure"`
	Callee    string    `json:"callee"`
	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionInfo snapshot of one subscription
type SubscriptionInfo struct {
	ID          wamp.ID   `json:"id"`
	Topic       string    `json:"topic"`
	Subscribers []string  `json:"subscribers"`
	CreatedAt   time.Time `json:"created_at"`
}

// RealmInfo snapshot of one realm
type RealmInfo struct {
	Name          string             `json:"name"`
	Sessions      []string           `json:"sessions"`
	Registrations []RegistrationInfo `json:"registrations"`
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
	PendingCalls  int                `json:"pending_calls"`
}

// realmImpl implements Realm
type realmImpl struct {
	common.Component
	name          string
	lock          sync.Mutex
	members       map[Peer]time.Time
	registrations *RegistrationRegistry
	subscriptions *SubscriptionRegistry
	dialer        *Dialer
	broker        *Broker
	observer      PublicationObserver
}

// DefineRealm define a new realm
//
//	@param name string - realm name
//	@param callTimeout time.Duration - how long a CALL waits for the callee's answer
//	@param observer PublicationObserver - optional observer of routed publications
//	@param rootCtxt context.Context - context bounding the call deadline timers
//	@param wg *sync.WaitGroup - wait group tracking the call deadline timers
func DefineRealm(
	name string,
	callTimeout time.Duration,
	observer PublicationObserver,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (Realm, error) {
	if name == "" {
		return nil, fmt.Errorf("realm name can not be empty")
	}
	logTags := log.Fields{"module": "realm", "component": "realm", "instance": name}
	ids := &idSequence{}
	instance := &realmImpl{
		Component:     common.Component{LogTags: logTags},
		name:          name,
		members:       make(map[Peer]time.Time),
		registrations: newRegistrationRegistry(ids),
		subscriptions: newSubscriptionRegistry(ids),
		broker:        newBroker(name),
		observer:      observer,
	}
	dialer, err := newDialer(name, callTimeout, instance.expire, rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	instance.dialer = dialer
	return instance, nil
}

func (r *realmImpl) Name() string {
	return r.name
}

func (r *realmImpl) Join(peer Peer) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.members[peer]; ok {
		return fmt.Errorf("session %s already joined realm %s", peer.ID(), r.name)
	}
	r.members[peer] = time.Now()
	log.WithFields(r.LogTags).Infof("Session %s joined", peer.ID())
	return nil
}

func (r *realmImpl) Leave(peer Peer) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.members[peer]; !ok {
		return
	}
	for _, id := range r.registrations.OwnedBy(peer) {
		if err := r.registrations.Remove(id); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to release registration %d of %s", id, peer.ID(),
			)
		}
	}
	for _, id := range r.subscriptions.JoinedBy(peer) {
		sub, err := r.subscriptions.ByID(id)
		if err != nil {
			continue
		}
		sub.RemoveSubscriber(peer)
		r.dropIfEmpty(sub)
	}
	// Answers to calls made by the departing peer have nowhere to go
	for _, future := range r.dialer.TakeByCaller(peer) {
		log.WithFields(r.LogTags).Debugf(
			"Dropped pending invocation %d of departed caller %s",
			future.InvocationID,
			peer.ID(),
		)
	}
	for _, future := range r.dialer.TakeByCallee(peer) {
		r.sendTo(future.Caller, wamp.NewError(
			wamp.MessageTypeCall,
			future.RequestID,
			nil,
			wamp.ErrCanceled,
			wamp.Payload{},
		))
	}
	delete(r.members, peer)
	log.WithFields(r.LogTags).Infof("Session %s left", peer.ID())
}

func (r *realmImpl) Register(peer Peer, procedure string) (wamp.ID, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.members[peer]; !ok {
		return 0, ErrNotJoined
	}
	if existing, err := r.registrations.ByURI(procedure); err == nil {
		if existing.Callee == peer {
			return existing.ID, nil
		}
		return 0, wamp.Errorf(
			wamp.ErrProcedureAlreadyExists, "procedure %s is already registered", procedure,
		)
	}
	reg, err := r.registrations.Create(procedure, peer)
	if err != nil {
		return 0, err
	}
	log.WithFields(r.LogTags).Debugf(
		"Registered '%s' as %d for %s", procedure, reg.ID, peer.ID(),
	)
	return reg.ID, nil
}

func (r *realmImpl) Unregister(peer Peer, registrationID wamp.ID) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	reg, err := r.registrations.ByID(registrationID)
	if err != nil {
		return wamp.Errorf(wamp.ErrNoSuchRegistration, "no registration %d", registrationID)
	}
	if reg.Callee != peer {
		return wamp.Errorf(
			wamp.ErrNotOwner, "registration %d belongs to another session", registrationID,
		)
	}
	return r.registrations.Remove(registrationID)
}

func (r *realmImpl) Subscribe(peer Peer, topic string) (wamp.ID, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.members[peer]; !ok {
		return 0, ErrNotJoined
	}
	if sub, err := r.subscriptions.ByURI(topic); err == nil {
		sub.AddSubscriber(peer)
		return sub.ID, nil
	}
	sub, err := r.subscriptions.Create(topic, peer)
	if err != nil {
		return 0, err
	}
	log.WithFields(r.LogTags).Debugf("Subscription %d created for '%s'", sub.ID, topic)
	return sub.ID, nil
}

func (r *realmImpl) Unsubscribe(peer Peer, subscriptionID wamp.ID) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	sub, err := r.subscriptions.ByID(subscriptionID)
	if err != nil {
		return wamp.Errorf(wamp.ErrNoSuchSubscription, "no subscription %d", subscriptionID)
	}
	if !sub.HasSubscriber(peer) {
		return wamp.Errorf(
			wamp.ErrNotSubscribed, "session is not subscribed to %d", subscriptionID,
		)
	}
	sub.RemoveSubscriber(peer)
	r.dropIfEmpty(sub)
	return nil
}

// dropIfEmpty destroy a subscription without subscribers. Its ID is not reused.
func (r *realmImpl) dropIfEmpty(sub *Subscription) {
	if sub.Len() > 0 {
		return
	}
	if err := r.subscriptions.Remove(sub.ID); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to drop empty subscription %d", sub.ID,
		)
		return
	}
	log.WithFields(r.LogTags).Debugf("Subscription %d of '%s' dropped", sub.ID, sub.Topic)
}

func (r *realmImpl) Publish(peer Peer, topic string, payload wamp.Payload) (wamp.ID, error) {
	publicationID, err := func() (wamp.ID, error) {
		r.lock.Lock()
		defer r.lock.Unlock()
		sub, err := r.subscriptions.ByURI(topic)
		if err != nil {
			return 0, wamp.Errorf(wamp.ErrNotFoundTopic, "no subscribers for '%s'", topic)
		}
		publicationID, delivered := r.broker.Publish(sub, payload)
		log.WithFields(r.LogTags).Debugf(
			"Publication %d of '%s' by %s delivered to %d subscribers",
			publicationID,
			topic,
			peer.ID(),
			delivered,
		)
		return publicationID, nil
	}()
	if err != nil {
		return 0, err
	}
	if r.observer != nil {
		r.observer.OnPublication(r.name, topic, publicationID, payload)
	}
	return publicationID, nil
}

func (r *realmImpl) Call(
	peer Peer, requestID json.RawMessage, procedure string, payload wamp.Payload,
) (wamp.ID, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.members[peer]; !ok {
		return 0, ErrNotJoined
	}
	reg, err := r.registrations.ByURI(procedure)
	if err != nil {
		return 0, wamp.Errorf(wamp.ErrNoSuchProcedure, "no registration for '%s'", procedure)
	}
	future, err := r.dialer.Call(reg, peer, requestID, payload)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Warnf(
			"Unable to invoke '%s' on %s", procedure, reg.Callee.ID(),
		)
		return 0, wamp.Errorf(wamp.ErrCanceled, "callee of '%s' is unreachable", procedure)
	}
	return future.InvocationID, nil
}

// takeAnswered resolve a pending call answered by the callee it was sent to
func (r *realmImpl) takeAnswered(callee Peer, invocationID wamp.ID) (*CallFuture, error) {
	future, ok := r.dialer.Peek(invocationID)
	if !ok {
		return nil, fmt.Errorf("invocation %d %w", invocationID, ErrNotFound)
	}
	if future.Callee != callee {
		return nil, fmt.Errorf(
			"invocation %d was not sent to session %s", invocationID, callee.ID(),
		)
	}
	r.dialer.Take(invocationID)
	return future, nil
}

func (r *realmImpl) Yield(
	callee Peer, invocationID wamp.ID, details wamp.Dict, payload wamp.Payload,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	future, err := r.takeAnswered(callee, invocationID)
	if err != nil {
		return err
	}
	r.sendTo(future.Caller, wamp.NewResult(future.RequestID, details, payload))
	return nil
}

func (r *realmImpl) InvocationError(
	callee Peer,
	invocationID wamp.ID,
	details wamp.Dict,
	errorURI wamp.URI,
	payload wamp.Payload,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	future, err := r.takeAnswered(callee, invocationID)
	if err != nil {
		return err
	}
	r.sendTo(future.Caller, wamp.NewError(
		wamp.MessageTypeCall, future.RequestID, details, errorURI, payload,
	))
	return nil
}

// expire time out a pending call. No-op if the call was already answered.
func (r *realmImpl) expire(invocationID wamp.ID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	future, ok := r.dialer.Take(invocationID)
	if !ok {
		return
	}
	log.WithFields(r.LogTags).Infof(
		"Invocation %d of '%s' timed out", invocationID, future.Procedure,
	)
	r.sendTo(future.Caller, wamp.NewError(
		wamp.MessageTypeCall, future.RequestID, nil, wamp.ErrTimeout, wamp.Payload{},
	))
}

func (r *realmImpl) sendTo(peer Peer, msg wamp.Message) {
	if err := peer.Send(msg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Warnf(
			"Unable to send %s to %s", msg.Type(), peer.ID(),
		)
	}
}

func (r *realmImpl) Describe() RealmInfo {
	r.lock.Lock()
	defer r.lock.Unlock()
	info := RealmInfo{
		Name:          r.name,
		Sessions:      make([]string, 0, len(r.members)),
		Registrations: make([]RegistrationInfo, 0, r.registrations.Len()),
		Subscriptions: make([]SubscriptionInfo, 0, r.subscriptions.Len()),
		PendingCalls:  r.dialer.Pending(),
	}
	for peer := range r.members {
		info.Sessions = append(info.Sessions, peer.ID())
	}
	sort.Strings(info.Sessions)
	for _, reg := range r.registrations.All() {
		info.Registrations = append(info.Registrations, RegistrationInfo{
			ID: reg.ID, Procedure: reg.Procedure, Callee: reg.Callee.ID(), CreatedAt: reg.CreatedAt,
		})
	}
	for _, sub := range r.subscriptions.All() {
		entry := SubscriptionInfo{
			ID: sub.ID, Topic: sub.Topic, CreatedAt: sub.CreatedAt, Subscribers: []string{},
		}
		for _, subscriber := range sub.Subscribers() {
			entry.Subscribers = append(entry.Subscribers, subscriber.ID())
		}
		info.Subscriptions = append(info.Subscriptions, entry)
	}
	return info
}
