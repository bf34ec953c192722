package realm

import (
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/wamprouter/wamp"
)

// Subscription binds one topic URI to its set of subscribers
type Subscription struct {
	// ID the subscription ID, unique within the realm
	ID wamp.ID
	// Topic the topic URI
	Topic string
	// CreatedAt when the first subscriber subscribed
	CreatedAt time.Time

	subscribers map[Peer]bool
	registry    *SubscriptionRegistry
}

// HasSubscriber whether the peer is in the subscriber set
func (s *Subscription) HasSubscriber(peer Peer) bool {
	return s.subscribers[peer]
}

// AddSubscriber add a peer to the subscriber set. Adding a member is a no-op.
func (s *Subscription) AddSubscriber(peer Peer) {
	if s.subscribers[peer] {
		return
	}
	s.subscribers[peer] = true
	s.registry.indexMember(peer, s.ID)
}

// RemoveSubscriber remove a peer from the subscriber set. Removing a non-member is a no-op.
func (s *Subscription) RemoveSubscriber(peer Peer) {
	if !s.subscribers[peer] {
		return
	}
	delete(s.subscribers, peer)
	s.registry.unindexMember(peer, s.ID)
}

// Subscribers the current subscriber set, ordered by session ID
func (s *Subscription) Subscribers() []Peer {
	result := make([]Peer, 0, len(s.subscribers))
	for peer := range s.subscribers {
		result = append(result, peer)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// Len size of the subscriber set
func (s *Subscription) Len() int {
	return len(s.subscribers)
}

// SubscriptionRegistry topic subscriptions of one realm. At most one subscription
// exists per topic URI.
//
// Not thread safe; the owning realm serializes access.
type SubscriptionRegistry struct {
	ids    *idSequence
	byID   map[wamp.ID]*Subscription
	byURI  map[string]wamp.ID
	byPeer map[Peer]map[wamp.ID]bool
}

// newSubscriptionRegistry define a new registry drawing IDs from the sequence
func newSubscriptionRegistry(ids *idSequence) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		ids:    ids,
		byID:   make(map[wamp.ID]*Subscription),
		byURI:  make(map[string]wamp.ID),
		byPeer: make(map[Peer]map[wamp.ID]bool),
	}
}

// HasURI whether the topic has a subscription
func (r *SubscriptionRegistry) HasURI(topic string) bool {
	_, ok := r.byURI[topic]
	return ok
}

// HasID whether the subscription exists
func (r *SubscriptionRegistry) HasID(id wamp.ID) bool {
	_, ok := r.byID[id]
	return ok
}

// ByURI fetch the subscription of a topic
func (r *SubscriptionRegistry) ByURI(topic string) (*Subscription, error) {
	id, ok := r.byURI[topic]
	if !ok {
		return nil, fmt.Errorf("topic %s %w", topic, ErrNotFound)
	}
	return r.ByID(id)
}

// ByID fetch a subscription
func (r *SubscriptionRegistry) ByID(id wamp.ID) (*Subscription, error) {
	sub, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("subscription %d %w", id, ErrNotFound)
	}
	return sub, nil
}

// Create define the subscription of a topic with the creator as its only subscriber.
// The topic must not already have a subscription.
func (r *SubscriptionRegistry) Create(topic string, creator Peer) (*Subscription, error) {
	if r.HasURI(topic) {
		return nil, fmt.Errorf("topic %s already has a subscription", topic)
	}
	sub := &Subscription{
		ID:          r.ids.next(),
		Topic:       topic,
		CreatedAt:   time.Now(),
		subscribers: make(map[Peer]bool),
		registry:    r,
	}
	r.byID[sub.ID] = sub
	r.byURI[topic] = sub.ID
	sub.AddSubscriber(creator)
	return sub, nil
}

// Remove delete a subscription along with its subscriber set
func (r *SubscriptionRegistry) Remove(id wamp.ID) error {
	sub, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("subscription %d %w", id, ErrNotFound)
	}
	for peer := range sub.subscribers {
		r.unindexMember(peer, id)
	}
	sub.subscribers = make(map[Peer]bool)
	delete(r.byID, id)
	delete(r.byURI, sub.Topic)
	return nil
}

// JoinedBy the IDs of all subscriptions the peer is a member of, in ascending order
func (r *SubscriptionRegistry) JoinedBy(peer Peer) []wamp.ID {
	return sortedIDs(r.byPeer[peer])
}

// Len number of subscriptions
func (r *SubscriptionRegistry) Len() int {
	return len(r.byID)
}

// All all subscriptions, ordered by ID
func (r *SubscriptionRegistry) All() []*Subscription {
	result := make([]*Subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		result = append(result, sub)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (r *SubscriptionRegistry) indexMember(peer Peer, id wamp.ID) {
	joined, ok := r.byPeer[peer]
	if !ok {
		joined = make(map[wamp.ID]bool)
		r.byPeer[peer] = joined
	}
	joined[id] = true
}

func (r *SubscriptionRegistry) unindexMember(peer Peer, id wamp.ID) {
	joined, ok := r.byPeer[peer]
	if !ok {
		return
	}
	delete(joined, id)
	if len(joined) == 0 {
		delete(r.byPeer, peer)
	}
}
