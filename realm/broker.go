package realm

import (
	"github.com/alwitt/wamprouter/common"
	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
)

// PublicationObserver receives a copy of every publication a realm routes
type PublicationObserver interface {
	// OnPublication called after the publication was fanned out to the subscribers.
	// Never called while a realm lock is held.
	OnPublication(realm, topic string, publicationID wamp.ID, payload wamp.Payload)
}

// Broker pub/sub router. It fans one PUBLISH out as an EVENT to every subscriber.
//
// Not thread safe; the owning realm serializes access.
type Broker struct {
	common.Component
	lastPublicationID wamp.ID
}

// newBroker define a new Broker
func newBroker(realm string) *Broker {
	logTags := log.Fields{"module": "realm", "component": "broker", "realm": realm}
	return &Broker{Component: common.Component{LogTags: logTags}}
}

// Publish deliver one publication to every subscriber of the subscription. Returns the
// publication ID, and the number of subscribers the EVENT was queued for.
func (b *Broker) Publish(sub *Subscription, payload wamp.Payload) (wamp.ID, int) {
	b.lastPublicationID++
	publicationID := b.lastPublicationID
	event := wamp.NewEvent(sub.ID, publicationID, nil, payload)
	delivered := 0
	for _, subscriber := range sub.Subscribers() {
		if err := subscriber.Send(event); err != nil {
			log.WithError(err).WithFields(b.LogTags).Warnf(
				"Unable to deliver publication %d of '%s' to %s",
				publicationID,
				sub.Topic,
				subscriber.ID(),
			)
			continue
		}
		delivered++
	}
	return publicationID, delivered
}
