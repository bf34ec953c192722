package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alwitt/wamprouter/transport"
	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

type probeArgs struct {
	RouterURL string        `validate:"required,url"`
	Realm     string        `validate:"required"`
	Timeout   time.Duration `validate:"gt=0"`
	JSONLog   bool
	LogLevel  string `validate:"required,oneof=debug info warn error"`
}

var args probeArgs

var logTags = log.Fields{"module": "main", "component": "wamp-probe"}

func main() {
	app := &cli.App{
		Usage:       "WAMP router probe",
		Description: "Join a realm of a WAMP router, then call, publish, or subscribe",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "router-url",
				Usage:       "WebSocket URL of the router",
				Aliases:     []string{"r"},
				EnvVars:     []string{"WAMP_ROUTER_URL"},
				Value:       "ws://127.0.0.1:8080/ws",
				DefaultText: "ws://127.0.0.1:8080/ws",
				Destination: &args.RouterURL,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "realm",
				Usage:       "Realm to join",
				Aliases:     []string{"m"},
				EnvVars:     []string{"WAMP_REALM"},
				Value:       "realm1",
				DefaultText: "realm1",
				Destination: &args.Realm,
				Required:    false,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "Max duration to wait for each router reply",
				Aliases:     []string{"t"},
				EnvVars:     []string{"WAMP_TIMEOUT"},
				Value:       time.Second * 10,
				DefaultText: "10s",
				Destination: &args.Timeout,
				Required:    false,
			},
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &args.LogLevel,
				Required:    false,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "call",
				Usage:     "Call a procedure and print its result",
				ArgsUsage: "PROCEDURE [ARGS_JSON_ARRAY]",
				Action:    runCall,
			},
			{
				Name:      "publish",
				Usage:     "Publish to a topic",
				ArgsUsage: "TOPIC [ARGS_JSON_ARRAY]",
				Action:    runPublish,
			},
			{
				Name:      "subscribe",
				Usage:     "Subscribe to a topic and print its events until interrupted",
				ArgsUsage: "TOPIC",
				Action:    runSubscribe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Probe failed")
	}
}

func setupLogging() {
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// ============================================================================

// probeSession one client session with the router
type probeSession struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// connect dial the router and join the realm
func connect(ctxt context.Context) (*probeSession, error) {
	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		return nil, err
	}
	setupLogging()

	dialer := websocket.Dialer{
		Subprotocols:     []string{transport.SubprotocolJSON},
		HandshakeTimeout: args.Timeout,
	}
	conn, _, err := dialer.DialContext(ctxt, args.RouterURL, nil)
	if err != nil {
		return nil, err
	}
	s := &probeSession{conn: conn, timeout: args.Timeout}

	roles, _ := json.Marshal(map[string]map[string]interface{}{
		wamp.RoleCaller: {}, wamp.RolePublisher: {}, wamp.RoleSubscriber: {},
	})
	if err := s.send(wamp.Message{
		wamp.MessageTypeHello, args.Realm, wamp.Dict{"roles": roles},
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	frame, err := s.receive(true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if frame.Type != wamp.MessageTypeWelcome {
		_ = conn.Close()
		reason, _ := frame.String(1)
		return nil, fmt.Errorf("router refused to join '%s': %s %s", args.Realm, frame.Type, reason)
	}
	sessionID, _ := frame.String(0)
	log.WithFields(logTags).Infof("Joined realm '%s' as session %s", args.Realm, sessionID)
	return s, nil
}

func (s *probeSession) send(msg wamp.Message) error {
	text, err := msg.Encode()
	if err != nil {
		return err
	}
	log.WithFields(logTags).Debugf("OUT %s", text)
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, text)
}

// receive read the next frame. Unless timed, waits indefinitely.
func (s *probeSession) receive(timed bool) (wamp.Frame, error) {
	deadline := time.Time{}
	if timed {
		deadline = time.Now().Add(s.timeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return wamp.Frame{}, err
	}
	_, text, err := s.conn.ReadMessage()
	if err != nil {
		return wamp.Frame{}, err
	}
	log.WithFields(logTags).Debugf("IN %s", text)
	return wamp.Decode(text)
}

// request send a request, then wait for the expected reply or an ERROR
func (s *probeSession) request(msg wamp.Message, expect wamp.MessageType) (wamp.Frame, error) {
	if err := s.send(msg); err != nil {
		return wamp.Frame{}, err
	}
	for {
		frame, err := s.receive(true)
		if err != nil {
			return wamp.Frame{}, err
		}
		switch frame.Type {
		case expect:
			return frame, nil
		case wamp.MessageTypeError:
			errorURI, _ := frame.String(3)
			payload, _ := frame.Payload(4)
			return wamp.Frame{}, fmt.Errorf("%s %s", errorURI, describePayload(payload))
		case wamp.MessageTypeGoodbye, wamp.MessageTypeAbort:
			reason, _ := frame.String(1)
			return wamp.Frame{}, fmt.Errorf("router closed the session: %s", reason)
		}
	}
}

// leave say goodbye, then close the connection
func (s *probeSession) leave() {
	if err := s.send(wamp.Message{
		wamp.MessageTypeGoodbye, wamp.Dict{}, wamp.CloseGoodbyeAndOut,
	}); err == nil {
		if frame, err := s.receive(true); err == nil && frame.Type != wamp.MessageTypeGoodbye {
			log.WithFields(logTags).Warnf("Expected GOODBYE, received %s", frame.Type)
		}
	}
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.timeout),
	)
	_ = s.conn.Close()
}

// ============================================================================

// parseArgs parse the optional JSON array argument at position idx
func parseArgs(c *cli.Context, idx int) (wamp.List, error) {
	if c.NArg() <= idx {
		return nil, nil
	}
	var list wamp.List
	if err := json.Unmarshal([]byte(c.Args().Get(idx)), &list); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON array: %w", err)
	}
	return list, nil
}

func describePayload(payload wamp.Payload) string {
	if payload.IsEmpty() {
		return "<no arguments>"
	}
	text, _ := json.Marshal(map[string]interface{}{"args": payload.Args, "kwargs": payload.ArgsKw})
	return string(text)
}

func withArgs(msg wamp.Message, list wamp.List) wamp.Message {
	if list != nil {
		msg = append(msg, list)
	}
	return msg
}

func runCall(c *cli.Context) error {
	procedure := c.Args().Get(0)
	if procedure == "" {
		return fmt.Errorf("no procedure given")
	}
	list, err := parseArgs(c, 1)
	if err != nil {
		return err
	}
	s, err := connect(c.Context)
	if err != nil {
		return err
	}
	defer s.leave()

	frame, err := s.request(
		withArgs(wamp.Message{wamp.MessageTypeCall, 1, wamp.Dict{}, procedure}, list),
		wamp.MessageTypeResult,
	)
	if err != nil {
		return err
	}
	payload, _ := frame.Payload(2)
	fmt.Println(describePayload(payload))
	return nil
}

func runPublish(c *cli.Context) error {
	topic := c.Args().Get(0)
	if topic == "" {
		return fmt.Errorf("no topic given")
	}
	list, err := parseArgs(c, 1)
	if err != nil {
		return err
	}
	s, err := connect(c.Context)
	if err != nil {
		return err
	}
	defer s.leave()

	frame, err := s.request(
		withArgs(wamp.Message{wamp.MessageTypePublish, 1, wamp.Dict{}, topic}, list),
		wamp.MessageTypePublished,
	)
	if err != nil {
		return err
	}
	publicationID, _ := frame.ID(1)
	fmt.Printf("published %d\n", publicationID)
	return nil
}

func runSubscribe(c *cli.Context) error {
	topic := c.Args().Get(0)
	if topic == "" {
		return fmt.Errorf("no topic given")
	}
	ctxt, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()
	s, err := connect(ctxt)
	if err != nil {
		return err
	}
	defer func() { _ = s.conn.Close() }()

	frame, err := s.request(
		wamp.Message{wamp.MessageTypeSubscribe, 1, wamp.Dict{}, topic}, wamp.MessageTypeSubscribed,
	)
	if err != nil {
		return err
	}
	subscriptionID, _ := frame.ID(1)
	log.WithFields(logTags).Infof("Subscribed to '%s' as %d", topic, subscriptionID)

	// The reader below owns the connection reads; only GOODBYE is written from here
	go func() {
		<-ctxt.Done()
		_ = s.send(wamp.Message{wamp.MessageTypeGoodbye, wamp.Dict{}, wamp.CloseGoodbyeAndOut})
	}()

	for {
		frame, err := s.receive(false)
		if err != nil {
			if ctxt.Err() != nil {
				return nil
			}
			return err
		}
		switch frame.Type {
		case wamp.MessageTypeEvent:
			publicationID, _ := frame.ID(1)
			payload, _ := frame.Payload(3)
			fmt.Printf("event %d: %s\n", publicationID, describePayload(payload))
		case wamp.MessageTypeGoodbye, wamp.MessageTypeAbort:
			return nil
		}
	}
}
