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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/wamprouter/apis"
	"github.com/alwitt/wamprouter/common"
	"github.com/alwitt/wamprouter/core"
	"github.com/alwitt/wamprouter/dataplane"
	"github.com/alwitt/wamprouter/realm"
	"github.com/alwitt/wamprouter/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefineRealmManager define the realm manager described by the config. When a NATS client
// is provided, every routed publication is also mirrored to NATS.
func DefineRealmManager(
	config *common.SystemConfig,
	natsClient *core.NatsClient,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) (realm.Manager, error) {
	params := realm.ManagerParams{
		Realms:      config.Router.Realms,
		AutoCreate:  config.Router.AutoCreateRealms,
		CallTimeout: config.Router.CallTimeoutDuration(),
	}
	if natsClient != nil {
		if config.NATS == nil {
			return nil, fmt.Errorf("NATS client provided without NATS config")
		}
		mirror, err := dataplane.DefineNATSPublicationMirror(natsClient, config.NATS.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		params.Observer = mirror
	}
	return realm.DefineManager(params, runTimeContext, wg)
}

// DefineRouterHTTPRoutes define the WebSocket endpoint, the admin API, and the health
// checks under the configured path prefix, with access logging
func DefineRouterHTTPRoutes(
	config *common.SystemConfig,
	realms realm.Manager,
	natsClient *core.NatsClient,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) (*mux.Router, error) {
	wsParams := transport.ParamsFromConfig(config.WebSocket)
	wsHandler, err := apis.GetAPIWebSocketHandler(
		realms, wsParams, &config.HTTPSetting, runTimeContext, wg,
	)
	if err != nil {
		return nil, err
	}
	httpHandler, err := apis.GetAPIRestRouterAdminHandler(realms, natsClient, &config.HTTPSetting)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// WAMP peers
	_ = apis.RegisterPathPrefix(mainRouter, "/ws", map[string]http.HandlerFunc{
		"get": wsHandler.ConnectHandler(),
	})

	// Realm introspection
	realmRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/realm", map[string]http.HandlerFunc{
			"get": httpHandler.GetAllRealmsHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(realmRouter, "/{realmName}", map[string]http.HandlerFunc{
		"get": httpHandler.GetRealmHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	return router, nil
}

// RunRouterServer run the WAMP router server
//
//	@param runTimeContext context.Context - the server runs until this is cancelled
//	@param config *common.SystemConfig - system config
//	@param instance string - name of this router instance
//	@param natsClient *core.NatsClient - NATS client of the publication mirror. Optional.
//	@param wg *sync.WaitGroup - tracks the router's support goroutines
func RunRouterServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "router",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid router config")
		return err
	}

	realms, err := DefineRealmManager(config, natsClient, runTimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define realm manager")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router, err := DefineRouterHTTPRoutes(config, realms, natsClient, runTimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP routes")
		return err
	}

	serverCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started WAMP router on ws://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server. Attached sessions are shut down by the WebSocket handler.
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
