package realm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type testObserver struct {
	lock   sync.Mutex
	topics []string
	ids    []wamp.ID
}

func (o *testObserver) OnPublication(
	realm, topic string, publicationID wamp.ID, payload wamp.Payload,
) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.topics = append(o.topics, fmt.Sprintf("%s/%s", realm, topic))
	o.ids = append(o.ids, publicationID)
}

func TestRealmRegistration(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineRealm("realm1", time.Second, nil, ctxt, &wg)
	assert.Nil(err)

	peerA := newTestPeer("a")
	peerB := newTestPeer("b")
	assert.Nil(uut.Join(peerA))
	assert.Nil(uut.Join(peerB))
	assert.NotNil(uut.Join(peerA))

	// Case 0: registering twice from the same session is idempotent
	var regID wamp.ID
	{
		regID, err = uut.Register(peerA, "com.example.add")
		assert.Nil(err)
		again, err := uut.Register(peerA, "com.example.add")
		assert.Nil(err)
		assert.Equal(regID, again)
		assert.Len(uut.Describe().Registrations, 1)
	}

	// Case 1: another session can not take the procedure
	{
		_, err := uut.Register(peerB, "com.example.add")
		assert.Equal(wamp.ErrProcedureAlreadyExists, errorURIOf(err))
	}

	// Case 2: unregister failures
	{
		err := uut.Unregister(peerA, regID+100)
		assert.Equal(wamp.ErrNoSuchRegistration, errorURIOf(err))
		err = uut.Unregister(peerB, regID)
		assert.Equal(wamp.ErrNotOwner, errorURIOf(err))
	}

	// Case 3: unregister then register again
	{
		assert.Nil(uut.Unregister(peerA, regID))
		assert.Empty(uut.Describe().Registrations)
		err := uut.Unregister(peerA, regID)
		assert.Equal(wamp.ErrNoSuchRegistration, errorURIOf(err))
		newID, err := uut.Register(peerB, "com.example.add")
		assert.Nil(err)
		assert.NotEqual(regID, newID)
		info := uut.Describe()
		assert.Len(info.Registrations, 1)
		assert.Equal("b", info.Registrations[0].Callee)
	}
}

func TestRealmPubSub(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	observer := &testObserver{}
	uut, err := DefineRealm("realm1", time.Second, observer, ctxt, &wg)
	assert.Nil(err)

	peers := []*testPeer{newTestPeer("a"), newTestPeer("b"), newTestPeer("c")}
	publisher := newTestPeer("p")
	for _, peer := range append(peers, publisher) {
		assert.Nil(uut.Join(peer))
	}

	// Case 0: publish to a topic nobody subscribed to
	{
		_, err := uut.Publish(publisher, "com.example.news", wamp.Payload{})
		assert.Equal(wamp.ErrNotFoundTopic, errorURIOf(err))
		assert.Empty(observer.topics)
	}

	// Case 1: N subscribers share one subscription
	var subID wamp.ID
	{
		for idx, peer := range peers {
			id, err := uut.Subscribe(peer, "com.example.news")
			assert.Nil(err)
			if idx == 0 {
				subID = id
			}
			assert.Equal(subID, id)
		}
		again, err := uut.Subscribe(peers[0], "com.example.news")
		assert.Nil(err)
		assert.Equal(subID, again)
		info := uut.Describe()
		assert.Len(info.Subscriptions, 1)
		assert.Equal([]string{"a", "b", "c"}, info.Subscriptions[0].Subscribers)
	}

	// Case 2: each subscriber receives exactly one EVENT
	{
		pubID, err := uut.Publish(
			publisher, "com.example.news", wamp.Payload{Args: rawList(`"hello"`)},
		)
		assert.Nil(err)
		expected := fmt.Sprintf(`[36,%d,%d,{},["hello"]]`, subID, pubID)
		for _, peer := range peers {
			assert.Equal([]string{expected}, peer.encoded(t))
		}
		assert.Zero(publisher.count())
		assert.Equal([]string{"realm1/com.example.news"}, observer.topics)
		assert.Equal([]wamp.ID{pubID}, observer.ids)
	}

	// Case 3: unsubscribe failures
	{
		err := uut.Unsubscribe(publisher, subID)
		assert.Equal(wamp.ErrNotSubscribed, errorURIOf(err))
		err = uut.Unsubscribe(peers[0], subID+100)
		assert.Equal(wamp.ErrNoSuchSubscription, errorURIOf(err))
	}

	// Case 4: unsubscribed session receives no further EVENTs
	{
		assert.Nil(uut.Unsubscribe(peers[0], subID))
		_, err := uut.Publish(publisher, "com.example.news", wamp.Payload{})
		assert.Nil(err)
		assert.Equal(1, peers[0].count())
		assert.Equal(2, peers[1].count())
		assert.Equal(2, peers[2].count())
	}

	// Case 5: publisher subscribed to its own topic receives its EVENT
	{
		_, err := uut.Subscribe(publisher, "com.example.news")
		assert.Nil(err)
		_, err = uut.Publish(publisher, "com.example.news", wamp.Payload{})
		assert.Nil(err)
		assert.Equal(1, publisher.count())
		assert.Nil(uut.Unsubscribe(publisher, subID))
	}

	// Case 6: last subscriber leaving drops the subscription
	{
		assert.Nil(uut.Unsubscribe(peers[1], subID))
		assert.Nil(uut.Unsubscribe(peers[2], subID))
		assert.Empty(uut.Describe().Subscriptions)
		_, err := uut.Publish(publisher, "com.example.news", wamp.Payload{})
		assert.Equal(wamp.ErrNotFoundTopic, errorURIOf(err))
		err = uut.Unsubscribe(peers[1], subID)
		assert.Equal(wamp.ErrNoSuchSubscription, errorURIOf(err))
		newID, err := uut.Subscribe(peers[1], "com.example.news")
		assert.Nil(err)
		assert.Greater(newID, subID)
	}
}

func TestRealmCallResult(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineRealm("realm1", time.Second*10, nil, ctxt, &wg)
	assert.Nil(err)

	callee := newTestPeer("a")
	caller := newTestPeer("b")
	other := newTestPeer("c")
	for _, peer := range []*testPeer{callee, caller, other} {
		assert.Nil(uut.Join(peer))
	}

	// Case 0: unknown procedure
	{
		_, err := uut.Call(caller, json.RawMessage("1"), "com.example.add", wamp.Payload{})
		assert.Equal(wamp.ErrNoSuchProcedure, errorURIOf(err))
	}

	regID, err := uut.Register(callee, "com.example.add")
	assert.Nil(err)

	// Case 1: call forwarded as INVOCATION, result forwarded as RESULT
	{
		invID, err := uut.Call(
			caller, json.RawMessage("2"), "com.example.add", wamp.Payload{Args: rawList("2", "3")},
		)
		assert.Nil(err)
		assert.Equal(
			fmt.Sprintf(`[68,%d,%d,{},[2,3]]`, invID, regID), callee.last(t),
		)
		assert.Equal(1, uut.Describe().PendingCalls)

		// Only the callee the invocation went to may answer
		assert.NotNil(uut.Yield(other, invID, nil, wamp.Payload{Args: rawList("6")}))
		assert.Equal(1, uut.Describe().PendingCalls)

		assert.Nil(uut.Yield(callee, invID, nil, wamp.Payload{Args: rawList("5")}))
		assert.Equal([]string{`[50,2,{},[5]]`}, caller.encoded(t))
		assert.Zero(uut.Describe().PendingCalls)

		// A second answer is dropped
		assert.NotNil(uut.Yield(callee, invID, nil, wamp.Payload{Args: rawList("5")}))
		assert.Equal(1, caller.count())
	}

	// Case 2: callee error forwarded to the caller
	{
		invID, err := uut.Call(
			caller, json.RawMessage(`"r3"`), "com.example.add", wamp.Payload{},
		)
		assert.Nil(err)
		assert.Equal(fmt.Sprintf(`[68,%d,%d,{}]`, invID, regID), callee.last(t))
		assert.Nil(uut.InvocationError(
			callee, invID, nil, "com.example.invalid_argument", wamp.Payload{Args: rawList(`"bad"`)},
		))
		assert.Equal(
			`[8,48,"r3",{},"com.example.invalid_argument",["bad"]]`, caller.last(t),
		)
		assert.Zero(uut.Describe().PendingCalls)
	}

	// Case 3: callee can not be reached
	{
		callee.lock.Lock()
		callee.failSend = true
		callee.lock.Unlock()
		_, err := uut.Call(caller, json.RawMessage("4"), "com.example.add", wamp.Payload{})
		assert.Equal(wamp.ErrCanceled, errorURIOf(err))
		assert.Zero(uut.Describe().PendingCalls)
	}
}

func TestRealmCallTimeout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineRealm("realm1", time.Millisecond*50, nil, ctxt, &wg)
	assert.Nil(err)

	callee := newTestPeer("a")
	caller := newTestPeer("b")
	assert.Nil(uut.Join(callee))
	assert.Nil(uut.Join(caller))
	_, err = uut.Register(callee, "com.example.slow")
	assert.Nil(err)

	// Case 0: unanswered call times out
	{
		invID, err := uut.Call(caller, json.RawMessage("7"), "com.example.slow", wamp.Payload{})
		assert.Nil(err)
		assert.Eventually(func() bool {
			return caller.count() == 1
		}, time.Second, time.Millisecond*5)
		assert.Equal(`[8,48,7,{},"wamp.error.timeout"]`, caller.last(t))
		assert.Zero(uut.Describe().PendingCalls)

		// The late answer is dropped
		assert.NotNil(uut.Yield(callee, invID, nil, wamp.Payload{}))
		time.Sleep(time.Millisecond * 100)
		assert.Equal(1, caller.count())
	}

	// Case 1: answered call never times out
	{
		invID, err := uut.Call(caller, json.RawMessage("8"), "com.example.slow", wamp.Payload{})
		assert.Nil(err)
		assert.Nil(uut.Yield(callee, invID, nil, wamp.Payload{}))
		time.Sleep(time.Millisecond * 150)
		assert.Equal(2, caller.count())
		assert.Equal(`[50,8,{}]`, caller.last(t))
	}
}

func TestRealmCallResolvedExactlyOnce(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineRealm("realm1", time.Millisecond*20, nil, ctxt, &wg)
	assert.Nil(err)

	callee := newTestPeer("a")
	caller := newTestPeer("b")
	assert.Nil(uut.Join(callee))
	assert.Nil(uut.Join(caller))
	_, err = uut.Register(callee, "com.example.race")
	assert.Nil(err)

	// Answers race against the deadline
	callCount := 100
	answering := sync.WaitGroup{}
	for itr := 0; itr < callCount; itr++ {
		invID, err := uut.Call(
			caller, json.RawMessage(fmt.Sprintf("%d", itr)), "com.example.race", wamp.Payload{},
		)
		assert.Nil(err)
		answering.Add(1)
		go func(invID wamp.ID, delay time.Duration) {
			defer answering.Done()
			time.Sleep(delay)
			_ = uut.Yield(callee, invID, nil, wamp.Payload{})
		}(invID, time.Millisecond*time.Duration(15+itr%10))
	}
	answering.Wait()

	assert.Eventually(func() bool {
		return uut.Describe().PendingCalls == 0
	}, time.Second, time.Millisecond*5)
	time.Sleep(time.Millisecond * 50)

	replies := caller.encoded(t)
	assert.Len(replies, callCount)
	seen := map[string]int{}
	for _, reply := range replies {
		var parsed []json.RawMessage
		assert.Nil(json.Unmarshal([]byte(reply), &parsed))
		var requestID json.RawMessage
		if string(parsed[0]) == "50" {
			requestID = parsed[1]
		} else {
			assert.Equal("8", string(parsed[0]))
			requestID = parsed[2]
		}
		seen[string(requestID)]++
	}
	assert.Len(seen, callCount)
	for requestID, count := range seen {
		assert.Equalf(1, count, "request %s", requestID)
	}
}

func TestRealmLeave(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineRealm("realm1", time.Second*10, nil, ctxt, &wg)
	assert.Nil(err)

	peerA := newTestPeer("a")
	peerB := newTestPeer("b")
	peerC := newTestPeer("c")
	for _, peer := range []*testPeer{peerA, peerB, peerC} {
		assert.Nil(uut.Join(peer))
	}

	_, err = uut.Register(peerA, "com.example.add")
	assert.Nil(err)
	_, err = uut.Register(peerA, "com.example.mul")
	assert.Nil(err)
	_, err = uut.Register(peerC, "com.example.echo")
	assert.Nil(err)
	_, err = uut.Subscribe(peerA, "com.example.news")
	assert.Nil(err)
	_, err = uut.Subscribe(peerB, "com.example.news")
	assert.Nil(err)
	_, err = uut.Subscribe(peerA, "com.example.private")
	assert.Nil(err)

	// Case 0: departing callee releases everything it owned
	{
		_, err := uut.Call(peerB, json.RawMessage("11"), "com.example.add", wamp.Payload{})
		assert.Nil(err)
		uut.Leave(peerA)
		info := uut.Describe()
		assert.Equal([]string{"b", "c"}, info.Sessions)
		assert.Len(info.Registrations, 1)
		assert.Equal("com.example.echo", info.Registrations[0].Procedure)
		assert.Len(info.Subscriptions, 1)
		assert.Equal("com.example.news", info.Subscriptions[0].Topic)
		assert.Equal([]string{"b"}, info.Subscriptions[0].Subscribers)
		assert.Zero(info.PendingCalls)
		assert.Equal(`[8,48,11,{},"wamp.error.canceled"]`, peerB.last(t))

		// Procedures are free again
		_, err = uut.Register(peerB, "com.example.add")
		assert.Nil(err)
		// Leaving twice is harmless
		uut.Leave(peerA)
	}

	// Case 1: departing caller drops its pending calls
	{
		invID, err := uut.Call(peerB, json.RawMessage("12"), "com.example.echo", wamp.Payload{})
		assert.Nil(err)
		sent := peerB.count()
		uut.Leave(peerB)
		assert.Zero(uut.Describe().PendingCalls)
		assert.NotNil(uut.Yield(peerC, invID, nil, wamp.Payload{}))
		assert.Equal(sent, peerB.count())
		info := uut.Describe()
		assert.Equal([]string{"c"}, info.Sessions)
		assert.Empty(info.Subscriptions)
	}
}

func TestRealmRequiresMembership(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineRealm("realm1", time.Second, nil, ctxt, &wg)
	assert.Nil(err)

	member := newTestPeer("a")
	outsider := newTestPeer("b")
	assert.Nil(uut.Join(member))
	_, err = uut.Register(member, "com.example.add")
	assert.Nil(err)

	_, err = uut.Register(outsider, "com.example.mul")
	assert.Equal(ErrNotJoined, err)
	_, err = uut.Subscribe(outsider, "com.example.news")
	assert.Equal(ErrNotJoined, err)
	_, err = uut.Call(outsider, json.RawMessage("1"), "com.example.add", wamp.Payload{})
	assert.Equal(ErrNotJoined, err)

	info := uut.Describe()
	assert.Len(info.Registrations, 1)
	assert.Empty(info.Subscriptions)
	assert.Zero(info.PendingCalls)
	assert.Zero(member.count())
}

func TestRealmConcurrentRegisterSubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineRealm("realm1", time.Second, nil, ctxt, &wg)
	assert.Nil(err)

	peerCount := 50
	peers := make([]*testPeer, 0, peerCount)
	for itr := 0; itr < peerCount; itr++ {
		peer := newTestPeer(fmt.Sprintf("session-%02d", itr))
		assert.Nil(uut.Join(peer))
		peers = append(peers, peer)
	}

	// runAll run the operation once per peer, all released at the same time
	runAll := func(op func(peer *testPeer)) {
		start := make(chan bool)
		done := sync.WaitGroup{}
		for _, peer := range peers {
			done.Add(1)
			go func(peer *testPeer) {
				defer done.Done()
				<-start
				op(peer)
			}(peer)
		}
		close(start)
		done.Wait()
	}

	// Case 1: concurrent registration of one procedure has exactly one winner
	{
		lock := sync.Mutex{}
		winners := make([]*testPeer, 0)
		regIDs := make([]wamp.ID, 0)
		refusals := make([]wamp.URI, 0)
		runAll(func(peer *testPeer) {
			regID, err := uut.Register(peer, "com.example.proc")
			lock.Lock()
			defer lock.Unlock()
			if err == nil {
				winners = append(winners, peer)
				regIDs = append(regIDs, regID)
			} else {
				refusals = append(refusals, errorURIOf(err))
			}
		})
		if assert.Len(winners, 1) {
			info := uut.Describe()
			if assert.Len(info.Registrations, 1) {
				assert.Equal(regIDs[0], info.Registrations[0].ID)
				assert.Equal(winners[0].ID(), info.Registrations[0].Callee)
			}
		}
		assert.Len(refusals, peerCount-1)
		for _, uri := range refusals {
			assert.Equal(wamp.ErrProcedureAlreadyExists, uri)
		}
	}

	// Case 2: concurrent subscription to one topic shares one subscription
	{
		lock := sync.Mutex{}
		subIDs := map[wamp.ID]int{}
		runAll(func(peer *testPeer) {
			subID, err := uut.Subscribe(peer, "com.example.topic")
			assert.Nil(err)
			lock.Lock()
			defer lock.Unlock()
			subIDs[subID]++
		})
		assert.Len(subIDs, 1)
		info := uut.Describe()
		if assert.Len(info.Subscriptions, 1) {
			assert.Len(info.Subscriptions[0].Subscribers, peerCount)
			assert.Equal(peerCount, subIDs[info.Subscriptions[0].ID])
		}
	}

	// Case 3: concurrent departure clears the realm
	{
		runAll(func(peer *testPeer) {
			uut.Leave(peer)
		})
		info := uut.Describe()
		assert.Empty(info.Sessions)
		assert.Empty(info.Registrations)
		assert.Empty(info.Subscriptions)
	}
}
