package realm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alwitt/wamprouter/wamp"
	"github.com/stretchr/testify/assert"
)

type testPeer struct {
	id       string
	lock     sync.Mutex
	sent     []wamp.Message
	failSend bool
}

func newTestPeer(id string) *testPeer {
	return &testPeer{id: id, sent: make([]wamp.Message, 0)}
}

func (p *testPeer) ID() string {
	return p.id
}

func (p *testPeer) Send(msg wamp.Message) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.failSend {
		return fmt.Errorf("peer %s is not accepting messages", p.id)
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *testPeer) count() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.sent)
}

// encoded the sent messages in JSON form
func (p *testPeer) encoded(t *testing.T) []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	result := make([]string, 0, len(p.sent))
	for _, msg := range p.sent {
		text, err := msg.Encode()
		assert.Nil(t, err)
		result = append(result, string(text))
	}
	return result
}

func (p *testPeer) last(t *testing.T) string {
	all := p.encoded(t)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

func rawList(items ...string) wamp.List {
	result := wamp.List{}
	for _, item := range items {
		result = append(result, json.RawMessage(item))
	}
	return result
}

func errorURIOf(err error) wamp.URI {
	var protoErr *wamp.Error
	if errors.As(err, &protoErr) {
		return protoErr.URI
	}
	return ""
}
