package realm

import (
	"errors"

	"github.com/alwitt/wamprouter/wamp"
)

var (
	// ErrNotFound returned by registry lookups for unknown IDs or URIs
	ErrNotFound = errors.New("not found")
	// ErrNotJoined returned when a peer which is not a realm member acts on the realm
	ErrNotJoined = errors.New("session has not joined the realm")
)

// Peer a connected session as seen by a realm. The realm only references peers,
// it never owns them.
type Peer interface {
	// ID the session ID assigned at WELCOME
	ID() string
	// Send queue a message toward the peer. Must not block.
	Send(msg wamp.Message) error
}
