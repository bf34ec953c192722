package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

type testReceiver struct {
	lock         sync.Mutex
	frames       []string
	disconnected chan bool
}

func newTestReceiver() *testReceiver {
	return &testReceiver{frames: make([]string, 0), disconnected: make(chan bool, 1)}
}

func (r *testReceiver) HandleFrame(text []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.frames = append(r.frames, string(text))
}

func (r *testReceiver) Disconnected() {
	r.disconnected <- true
}

func (r *testReceiver) received() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string{}, r.frames...)
}

type testServer struct {
	server   *httptest.Server
	channels chan Channel
	receiver *testReceiver
}

func defineTestServer(t *testing.T, params WebSocketParams, wg *sync.WaitGroup) *testServer {
	instance := &testServer{channels: make(chan Channel, 1), receiver: newTestReceiver()}
	upgrader := NewUpgrader(params)
	instance.server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if !assert.Nil(t, err) {
				return
			}
			channel, err := DefineWebSocketChannel(conn, params, wg)
			if !assert.Nil(t, err) {
				return
			}
			instance.channels <- channel
			channel.Run(instance.receiver)
		},
	))
	return instance
}

func (s *testServer) dial(t *testing.T) (*websocket.Conn, Channel) {
	dialer := websocket.Dialer{Subprotocols: []string{SubprotocolJSON}}
	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	conn, _, err := dialer.Dial(url, nil)
	assert.Nil(t, err)
	assert.Equal(t, SubprotocolJSON, conn.Subprotocol())
	select {
	case channel := <-s.channels:
		return conn, channel
	case <-time.After(time.Second):
		assert.FailNow(t, "server side channel not defined")
	}
	return nil, nil
}

func testParams() WebSocketParams {
	return WebSocketParams{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		MaxMessageSize:   4096,
		OutboundQueueLen: 16,
		WriteTimeout:     time.Second,
	}
}

func TestWebSocketParams(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	params := testParams()
	params.OutboundQueueLen = 0
	_, err := DefineWebSocketChannel(nil, params, &wg)
	assert.NotNil(err)
	params = testParams()
	params.WriteTimeout = 0
	_, err = DefineWebSocketChannel(nil, params, &wg)
	assert.NotNil(err)
}

func TestWebSocketChannel(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	uut := defineTestServer(t, testParams(), &wg)
	defer uut.server.Close()

	client, channel := uut.dial(t)

	// Case 0: inbound text frames reach the receiver, binary frames do not
	{
		assert.Nil(client.WriteMessage(websocket.TextMessage, []byte(`[1,"realm1"]`)))
		assert.Nil(client.WriteMessage(websocket.BinaryMessage, []byte{0x91, 0x01}))
		assert.Nil(client.WriteMessage(websocket.TextMessage, []byte(`[6,{},"bye"]`)))
		assert.Eventually(func() bool {
			return len(uut.receiver.received()) == 2
		}, time.Second, time.Millisecond*5)
		assert.Equal([]string{`[1,"realm1"]`, `[6,{},"bye"]`}, uut.receiver.received())
	}

	// Case 1: outbound messages arrive in order
	{
		assert.Nil(channel.Send(wamp.NewWelcome("session-1", nil)))
		assert.Nil(channel.Send(wamp.NewRegistered([]byte("1"), 5)))
		for _, expected := range []string{`[2,"session-1",{}]`, `[65,1,5]`} {
			msgType, data, err := client.ReadMessage()
			assert.Nil(err)
			assert.Equal(websocket.TextMessage, msgType)
			assert.Equal(expected, string(data))
		}
	}

	// Case 2: close flushes the queue first
	{
		assert.Nil(channel.Send(wamp.NewUnregistered([]byte("2"))))
		assert.Nil(channel.Send(wamp.NewGoodbye(nil, wamp.CloseGoodbyeAndOut)))
		assert.Nil(channel.Close())
		assert.NotNil(channel.Send(wamp.NewUnregistered([]byte("3"))))
		for _, expected := range []string{`[67,2]`, `[6,{},"wamp.close.goodbye_and_out"]`} {
			_, data, err := client.ReadMessage()
			assert.Nil(err)
			assert.Equal(expected, string(data))
		}
		_, _, err := client.ReadMessage()
		assert.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
		select {
		case <-uut.receiver.disconnected:
		case <-time.After(time.Second):
			assert.Fail("receiver not told of disconnect")
		}
		assert.Nil(channel.Close())
	}
}

func TestWebSocketPeerClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	uut := defineTestServer(t, testParams(), &wg)
	defer uut.server.Close()

	client, channel := uut.dial(t)
	assert.Nil(client.Close())
	select {
	case <-uut.receiver.disconnected:
	case <-time.After(time.Second):
		assert.Fail("receiver not told of disconnect")
	}
	assert.NotNil(channel.Send(wamp.NewUnregistered([]byte("1"))))
}

func TestWebSocketKeepAlive(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	params := testParams()
	params.PingInterval = time.Millisecond * 50
	uut := defineTestServer(t, params, &wg)
	defer uut.server.Close()

	client, channel := uut.dial(t)
	var pings int64
	client.SetPingHandler(func(data string) error {
		atomic.AddInt64(&pings, 1)
		return client.WriteControl(
			websocket.PongMessage, []byte(data), time.Now().Add(time.Second),
		)
	})
	inbound := make(chan string, 4)
	readDone := make(chan bool)
	go func() {
		defer close(readDone)
		for {
			_, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			inbound <- string(data)
		}
	}()

	// Pongs keep the connection alive past several ping intervals
	time.Sleep(time.Millisecond * 300)
	assert.GreaterOrEqual(atomic.LoadInt64(&pings), int64(2))
	assert.Nil(channel.Send(wamp.NewUnsubscribed([]byte("1"))))
	select {
	case msg := <-inbound:
		assert.Equal(`[35,1]`, msg)
	case <-time.After(time.Second):
		assert.Fail("message not received")
	}

	assert.Nil(channel.Close())
	select {
	case <-readDone:
	case <-time.After(time.Second):
		assert.Fail("client not disconnected")
	}
	select {
	case <-uut.receiver.disconnected:
	case <-time.After(time.Second):
		assert.Fail("receiver not told of disconnect")
	}
}
