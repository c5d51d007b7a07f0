// Copyright 2021-2022 The marketlink Authors
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

	"github.com/alwitt/marketlink/common"
	"github.com/alwitt/marketlink/realtime"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ClientStatusSource the realtime client surface reported by the status API
type ClientStatusSource interface {
	Name() string
	GetState() realtime.ConnectionState
	Stats() realtime.ClientStats
}

// DependencyCheck reports whether a dependency is usable
type DependencyCheck func() bool

// APIRestRespStatus response of the status end-point
type APIRestRespStatus struct {
	StandardResponse
	Instance string               `json:"instance"`
	Client   realtime.ClientStats `json:"client"`
	NATS     bool                 `json:"nats_connected"`
}

// APIRestStatusHandler handler for the status, probe and metrics end-points
type APIRestStatusHandler struct {
	APIRestHandler
	client    ClientStatusSource
	natsReady DependencyCheck
}

// GetAPIRestStatusHandler define APIRestStatusHandler
func GetAPIRestStatusHandler(
	client ClientStatusSource, natsReady DependencyCheck, cfg common.StatusServerConfig,
) (APIRestStatusHandler, error) {
	if client == nil {
		return APIRestStatusHandler{}, fmt.Errorf("status handler requires a client")
	}
	if natsReady == nil {
		natsReady = func() bool { return true }
	}
	requestIDHeader := cfg.RequestIDHeader
	if requestIDHeader == "" {
		requestIDHeader = "Marketlink-Request-ID"
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "status",
		"instance":  client.Name(),
	}
	return APIRestStatusHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: requestIDHeader,
		},
		client:    client,
		natsReady: natsReady,
	}, nil
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate the process is alive
// @tags Status
// @Produce json
// @Param Marketlink-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} StandardResponse "success"
// @Router /alive [get]
func (h APIRestStatusHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, getStdRESTSuccessMsg(r.Context()), "alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestStatusHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(h.Alive)
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the marketplace session and NATS are both connected
// @tags Status
// @Produce json
// @Param Marketlink-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} StandardResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /ready [get]
func (h APIRestStatusHandler) Ready(w http.ResponseWriter, r *http.Request) {
	state := h.client.GetState()
	if state != realtime.StateConnected {
		msg := fmt.Sprintf("marketplace session is %s", state)
		h.reply(w, r, http.StatusInternalServerError,
			getStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg), "ready")
		return
	}
	if !h.natsReady() {
		h.reply(w, r, http.StatusInternalServerError,
			getStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, "NATS not connected"), "ready")
		return
	}
	h.reply(w, r, http.StatusOK, getStdRESTSuccessMsg(r.Context()), "ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestStatusHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(h.Ready)
}

// -----------------------------------------------------------------------

// Status godoc
// @Summary Query realtime session statistics
// @Description Connection state and frame / command counters of the marketplace session
// @tags Status
// @Produce json
// @Param Marketlink-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespStatus "success"
// @Router /v1/status [get]
func (h APIRestStatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := APIRestRespStatus{
		StandardResponse: getStdRESTSuccessMsg(r.Context()),
		Instance:         h.client.Name(),
		Client:           h.client.Stats(),
		NATS:             h.natsReady(),
	}
	h.reply(w, r, http.StatusOK, resp, "status")
}

// StatusHandler Wrapper around Status
func (h APIRestStatusHandler) StatusHandler() http.HandlerFunc {
	return h.attachRequestID(h.Status)
}

// -----------------------------------------------------------------------

// BuildRouter define the status API router under a path prefix
func (h APIRestStatusHandler) BuildRouter(pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/status", MethodHandlers{
		"get": h.StatusHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/metrics", MethodHandlers{
		"get": promhttp.Handler().ServeHTTP,
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(h, next)
	})
	return router
}
