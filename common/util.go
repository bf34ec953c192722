package common

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// SessionParam is a helper object for logging a WAMP session's parameters into its context
type SessionParam struct {
	// ID is the session ID. Empty until the session is welcomed.
	ID string `json:"id"`
	// Realm is the realm the session joined
	Realm string `json:"realm"`
	// Remote is the peer's remote address
	Remote string `json:"remote"`
}

// updateLogTags updates Apex log.Fields map with values of the session's parameters
func (i *SessionParam) updateLogTags(tags log.Fields) {
	if i.ID != "" {
		tags["session_id"] = i.ID
	}
	if i.Realm != "" {
		tags["realm"] = i.Realm
	}
	if i.Remote != "" {
		tags["remote"] = fmt.Sprintf("'%s'", i.Remote)
	}
}

// UpdateLogTags make a copy of the log tags, and attach the session parameters stored
// in the context, if any.
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt == nil {
		return newLogTags, nil
	}
	if ctxt.Value(SessionParam{}) != nil {
		sessionParam, ok := ctxt.Value(SessionParam{}).(SessionParam)
		if !ok {
			return nil, fmt.Errorf("context session param is not the expected type")
		}
		sessionParam.updateLogTags(newLogTags)
	}
	return newLogTags, nil
}

// NewSessionID generate a new globally unique session ID
func NewSessionID() string {
	return uuid.New().String()
}

// SanitizeSubjectToken convert a WAMP URI or realm name into a string usable as part
// of a NATS subject. Wildcard and whitespace characters are replaced.
func SanitizeSubjectToken(token string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, token)
}

// GetUnitTestNatsURI the NATS server used by unit tests. Override with the
// UNITTEST_NATS_URL environment variable.
func GetUnitTestNatsURI() string {
	if uri := os.Getenv("UNITTEST_NATS_URL"); uri != "" {
		return uri
	}
	return "nats://127.0.0.1:4222"
}
