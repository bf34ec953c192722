package realm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRealmManager(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: invalid parameters
	{
		_, err := DefineManager(ManagerParams{Realms: []string{"realm1"}}, ctxt, &wg)
		assert.NotNil(err)
		_, err = DefineManager(
			ManagerParams{Realms: []string{""}, CallTimeout: time.Second}, ctxt, &wg,
		)
		assert.NotNil(err)
	}

	// Case 1: fixed realm set
	{
		uut, err := DefineManager(
			ManagerParams{Realms: []string{"realm2", "realm1"}, CallTimeout: time.Second},
			ctxt,
			&wg,
		)
		assert.Nil(err)
		realms := uut.Realms()
		assert.Len(realms, 2)
		assert.Equal("realm1", realms[0].Name())
		assert.Equal("realm2", realms[1].Name())

		found, err := uut.Lookup("realm1")
		assert.Nil(err)
		assert.Equal(realms[0], found)

		_, err = uut.Lookup("realm3")
		assert.Equal(wamp.ErrNoSuchRealm, errorURIOf(err))
		_, ok := uut.Realm("realm3")
		assert.False(ok)
	}

	// Case 2: realms created on demand
	{
		uut, err := DefineManager(
			ManagerParams{AutoCreate: true, CallTimeout: time.Second}, ctxt, &wg,
		)
		assert.Nil(err)
		assert.Empty(uut.Realms())
		created, err := uut.Lookup("dynamic")
		assert.Nil(err)
		assert.Equal("dynamic", created.Name())
		again, err := uut.Lookup("dynamic")
		assert.Nil(err)
		assert.Equal(created, again)
		found, ok := uut.Realm("dynamic")
		assert.True(ok)
		assert.Equal(created, found)
		assert.Len(uut.Realms(), 1)
	}
}
