// Copyright 2021-2022 The wamprouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wamprouter/common"
	"github.com/alwitt/wamprouter/realm"
	"github.com/alwitt/wamprouter/session"
	"github.com/alwitt/wamprouter/transport"
	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// APIWebSocketHandler WebSocket endpoint which attaches WAMP peers to the router
type APIWebSocketHandler struct {
	goutils.RestAPIHandler
	realms      realm.Manager
	upgrader    *websocket.Upgrader
	params      transport.WebSocketParams
	runtimeCtxt context.Context
	wg          *sync.WaitGroup
}

// GetAPIWebSocketHandler define APIWebSocketHandler
//
//	@param realms realm.Manager - the realms served by the router
//	@param params transport.WebSocketParams - WebSocket channel parameters
//	@param httpConfig *common.HTTPConfig - HTTP API config
//	@param runtimeCtxt context.Context - once cancelled, every session is shut down
//	@param wg *sync.WaitGroup - tracks the per-connection support goroutines
func GetAPIWebSocketHandler(
	realms realm.Manager,
	params transport.WebSocketParams,
	httpConfig *common.HTTPConfig,
	runtimeCtxt context.Context,
	wg *sync.WaitGroup,
) (APIWebSocketHandler, error) {
	if realms == nil {
		return APIWebSocketHandler{}, fmt.Errorf("WebSocket API requires the realm manager")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "websocket",
	}
	return APIWebSocketHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		realms:         realms,
		upgrader:       transport.NewUpgrader(params),
		params:         params,
		runtimeCtxt:    runtimeCtxt,
		wg:             wg,
	}, nil
}

// Connect godoc
// @Summary Attach a WAMP peer
// @Description Upgrade to a WebSocket connection speaking the "wamp.2.json" subprotocol.
// @Description The connection then carries one WAMP session.
// @tags WAMP
// @Param Wamprouter-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /ws [get]
func (h APIWebSocketHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	// On failure the upgrader has already replied to the client
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	if conn.Subprotocol() != transport.SubprotocolJSON {
		log.WithFields(localLogTags).Debug("Client did not request the JSON subprotocol")
	}

	channel, err := transport.DefineWebSocketChannel(conn, h.params, h.wg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define WebSocket channel")
		_ = conn.Close()
		return
	}
	sess, err := session.NewSession(session.Params{
		Transport: channel, Realms: h.realms, Remote: channel.RemoteAddr(),
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = channel.Close()
		return
	}
	log.WithFields(localLogTags).Infof("Peer %s attached", channel.RemoteAddr())

	connDone := make(chan bool)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-h.runtimeCtxt.Done():
			sess.Shutdown(wamp.CloseSystemShutdown)
		case <-connDone:
		}
	}()

	channel.Run(sess)
	close(connDone)
}

// ConnectHandler Wrapper around Connect
func (h APIWebSocketHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}
