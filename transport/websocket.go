package transport

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/wamprouter/common"
	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// SubprotocolJSON the WebSocket subprotocol of JSON serialized WAMP
const SubprotocolJSON = "wamp.2.json"

// FrameReceiver consumer of a channel's inbound frames
type FrameReceiver interface {
	// HandleFrame process one inbound text frame
	HandleFrame(text []byte)
	// Disconnected the channel closed
	Disconnected()
}

// Channel a bidirectional text message channel over one WebSocket connection
type Channel interface {
	// Send queue a message for delivery. Never blocks. A peer which falls too far
	// behind is disconnected.
	Send(msg wamp.Message) error

	// Close flush the queued messages, then close the connection. Waits at most one
	// write timeout for queue room before closing without the flush.
	Close() error

	// Run read frames until the connection ends, then report the disconnect.
	// Blocks until then.
	Run(receiver FrameReceiver)

	// RemoteAddr the peer's address
	RemoteAddr() string
}

// WebSocketParams WebSocket channel parameters
type WebSocketParams struct {
	// ReadBufferSize upgrader read buffer size in bytes
	ReadBufferSize int
	// WriteBufferSize upgrader write buffer size in bytes
	WriteBufferSize int
	// MaxMessageSize largest inbound frame accepted. Zero is unlimited.
	MaxMessageSize int64
	// OutboundQueueLen number of outbound messages buffered
	OutboundQueueLen int `validate:"gte=1"`
	// PingInterval keep-alive ping interval. Zero disables pings.
	PingInterval time.Duration
	// WriteTimeout max duration of one frame write
	WriteTimeout time.Duration `validate:"gt=0"`
}

// ParamsFromConfig convert the WebSocket config section into WebSocketParams
func ParamsFromConfig(cfg common.WebSocketConfig) WebSocketParams {
	return WebSocketParams{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		MaxMessageSize:   cfg.MaxMessageSize,
		OutboundQueueLen: cfg.OutboundQueueLen,
		PingInterval:     time.Second * time.Duration(cfg.PingInterval),
		WriteTimeout:     time.Second * time.Duration(cfg.WriteTimeout),
	}
}

// NewUpgrader define the HTTP to WebSocket upgrader offering the JSON subprotocol
func NewUpgrader(params WebSocketParams) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  params.ReadBufferSize,
		WriteBufferSize: params.WriteBufferSize,
		Subprotocols:    []string{SubprotocolJSON},
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Writer tasks
type outboundFrame struct {
	msg wamp.Message
}
type pingRequest struct{}
type closeRequest struct{}

// wsChannel implements Channel
type wsChannel struct {
	common.Component
	conn      *websocket.Conn
	params    WebSocketParams
	writer    common.TaskProcessor
	pinger    common.IntervalTimer
	stopPing  context.CancelFunc
	closing   atomic.Bool
	closeOnce sync.Once
}

// DefineWebSocketChannel wrap an upgraded connection. The writer goroutine and the
// keep-alive timer are tracked by the wait group.
func DefineWebSocketChannel(
	conn *websocket.Conn, params WebSocketParams, wg *sync.WaitGroup,
) (Channel, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	remote := conn.RemoteAddr().String()
	logTags := log.Fields{
		"module": "transport", "component": "websocket", "instance": remote,
	}
	writer, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("ws-writer-%s", remote), params.OutboundQueueLen, context.Background(),
	)
	if err != nil {
		return nil, err
	}
	pingCtxt, stopPing := context.WithCancel(context.Background())
	pinger, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("ws-ping-%s", remote), pingCtxt, wg,
	)
	if err != nil {
		stopPing()
		return nil, err
	}
	instance := &wsChannel{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		params:    params,
		writer:    writer,
		pinger:    pinger,
		stopPing:  stopPing,
	}
	if err := writer.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(outboundFrame{}): instance.writeFrame,
		reflect.TypeOf(pingRequest{}):   instance.writePing,
		reflect.TypeOf(closeRequest{}):  instance.writeClose,
	}); err != nil {
		stopPing()
		return nil, err
	}
	if err := writer.StartEventLoop(wg); err != nil {
		stopPing()
		return nil, err
	}
	if params.PingInterval > 0 {
		if err := pinger.Start(params.PingInterval, func() error {
			if err := writer.TrySubmit(pingRequest{}); err != nil {
				log.WithError(err).WithFields(logTags).Debug("Skipped keep-alive ping")
			}
			return nil
		}, false); err != nil {
			instance.terminate()
			return nil, err
		}
	}
	return instance, nil
}

func (c *wsChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsChannel) Send(msg wamp.Message) error {
	if c.closing.Load() {
		return fmt.Errorf("channel to %s is closing", c.RemoteAddr())
	}
	if err := c.writer.TrySubmit(outboundFrame{msg: msg}); err != nil {
		if err == common.ErrTaskQueueFull {
			log.WithFields(c.LogTags).Warn("Outbound queue full. Disconnecting slow peer")
			c.terminate()
		}
		return err
	}
	return nil
}

func (c *wsChannel) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	// Give a backed up queue one write timeout to make room for the close
	ctxt, cancel := context.WithTimeout(context.Background(), c.params.WriteTimeout)
	defer cancel()
	if err := c.writer.Submit(ctxt, closeRequest{}); err != nil {
		c.terminate()
	}
	return nil
}

// terminate close the connection immediately
func (c *wsChannel) terminate() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.stopPing()
		if err := c.writer.StopEventLoop(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Failed to stop writer")
		}
		if err := c.conn.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Connection close failed")
		}
	})
}

func (c *wsChannel) writeDeadline() time.Time {
	return time.Now().Add(c.params.WriteTimeout)
}

func (c *wsChannel) writeFrame(param interface{}) error {
	task, ok := param.(outboundFrame)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for frame write", reflect.TypeOf(param))
	}
	text, err := task.msg.Encode()
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(c.writeDeadline()); err != nil {
		c.terminate()
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, text); err != nil {
		c.terminate()
		return err
	}
	return nil
}

func (c *wsChannel) writePing(_ interface{}) error {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, c.writeDeadline()); err != nil {
		c.terminate()
		return err
	}
	return nil
}

func (c *wsChannel) writeClose(_ interface{}) error {
	defer c.terminate()
	return c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		c.writeDeadline(),
	)
}

// extendReadDeadline push the read deadline past the next expected pong. The deadline
// set by http.Server on the hijacked connection is cleared when pings are disabled.
func (c *wsChannel) extendReadDeadline() error {
	if c.params.PingInterval <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.params.PingInterval * 2))
}

func (c *wsChannel) Run(receiver FrameReceiver) {
	defer receiver.Disconnected()
	defer c.terminate()
	if c.params.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.params.MaxMessageSize)
	}
	if err := c.extendReadDeadline(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.extendReadDeadline()
	})
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) && !c.closing.Load() {
				log.WithError(err).WithFields(c.LogTags).Warn("Connection lost")
			} else {
				log.WithError(err).WithFields(c.LogTags).Debug("Connection closed")
			}
			return
		}
		if err := c.extendReadDeadline(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unable to set read deadline")
			return
		}
		if msgType != websocket.TextMessage {
			log.WithFields(c.LogTags).Debug("Dropped non-text frame")
			continue
		}
		receiver.HandleFrame(data)
	}
}
