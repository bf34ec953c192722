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
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wamprouter/common"
	"github.com/alwitt/wamprouter/core"
	"github.com/alwitt/wamprouter/realm"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
)

// APIRestRouterAdminHandler REST handler for router introspection
type APIRestRouterAdminHandler struct {
	goutils.RestAPIHandler
	realms     realm.Manager
	natsClient *core.NatsClient
}

// GetAPIRestRouterAdminHandler define APIRestRouterAdminHandler
//
//	@param realms realm.Manager - the realms served by the router
//	@param natsClient *core.NatsClient - NATS client of the publication mirror. Optional.
//	@param httpConfig *common.HTTPConfig - HTTP API config
func GetAPIRestRouterAdminHandler(
	realms realm.Manager, natsClient *core.NatsClient, httpConfig *common.HTTPConfig,
) (APIRestRouterAdminHandler, error) {
	if realms == nil {
		return APIRestRouterAdminHandler{}, fmt.Errorf("admin API requires the realm manager")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "router-admin",
	}
	return APIRestRouterAdminHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		realms:         realms,
		natsClient:     natsClient,
	}, nil
}

// Write receive HTTP access log lines, so the handler can back the access log middleware
func (h APIRestRouterAdminHandler) Write(p []byte) (int, error) {
	log.WithFields(h.LogTags).Info(strings.TrimSpace(string(p)))
	return len(p), nil
}

// =======================================================================
// Realms

// APIRestRespRealmSummary adhoc structure summarizing one realm
type APIRestRespRealmSummary struct {
	// Name the realm name
	Name string `json:"name"`
	// Sessions number of sessions joined to the realm
	Sessions int `json:"sessions"`
	// Registrations number of procedure registrations
	Registrations int `json:"registrations"`
	// Subscriptions number of topic subscriptions
	Subscriptions int `json:"subscriptions"`
	// PendingCalls number of calls awaiting the callee's answer
	PendingCalls int `json:"pending_calls"`
}

// APIRestRespAllRealms response for listing all realms
type APIRestRespAllRealms struct {
	goutils.RestAPIBaseResponse
	// Realms summary of every realm, ordered by name
	Realms []APIRestRespRealmSummary `json:"realms"`
}

// GetAllRealms godoc
// @Summary Query for all realms
// @Description Query for a summary of every realm served by the router
// @tags Admin
// @Produce json
// @Param Wamprouter-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllRealms "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Wamprouter-Request-ID "Request ID to match against logs"
// @Router /v1/admin/realm [get]
func (h APIRestRouterAdminHandler) GetAllRealms(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	summaries := make([]APIRestRespRealmSummary, 0)
	for _, oneRealm := range h.realms.Realms() {
		info := oneRealm.Describe()
		summaries = append(summaries, APIRestRespRealmSummary{
			Name:          info.Name,
			Sessions:      len(info.Sessions),
			Registrations: len(info.Registrations),
			Subscriptions: len(info.Subscriptions),
			PendingCalls:  info.PendingCalls,
		})
	}
	resp := APIRestRespAllRealms{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Realms: summaries,
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetAllRealmsHandler Wrapper around GetAllRealms
func (h APIRestRouterAdminHandler) GetAllRealmsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllRealms(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespOneRealm response for describing one realm
type APIRestRespOneRealm struct {
	goutils.RestAPIBaseResponse
	// Realm the realm's sessions, registrations, and subscriptions
	Realm realm.RealmInfo `json:"realm"`
}

// GetRealm godoc
// @Summary Query for info on one realm
// @Description Query for the sessions, registrations, and subscriptions of one realm
// @tags Admin
// @Produce json
// @Param Wamprouter-Request-ID header string false "User provided request ID to match against logs"
// @Param realmName path string true "Realm name"
// @Success 200 {object} APIRestRespOneRealm "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Wamprouter-Request-ID "Request ID to match against logs"
// @Router /v1/admin/realm/{realmName} [get]
func (h APIRestRouterAdminHandler) GetRealm(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	realmName, ok := vars["realmName"]
	if !ok || realmName == "" {
		msg := "No realm name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	target, ok := h.realms.Realm(realmName)
	if !ok {
		msg := fmt.Sprintf("Realm %s does not exist", realmName)
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneRealm{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Realm: target.Describe(),
	}
}

// GetRealmHandler Wrapper around GetRealm
func (h APIRestRouterAdminHandler) GetRealmHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRealm(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For router liveness check
// @Description Will return success to indicate the router is live
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestRouterAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRouterAdminHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For router readiness check
// @Description Will return success if the router, and its publication mirror when
// @Description configured, are ready for use
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestRouterAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient == nil || h.natsClient.Conn().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestRouterAdminHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
