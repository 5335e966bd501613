/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package api provides the HTTP and WebSocket endpoints of devicehub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/swaggo/swag"

	dhHttp "github.com/carverauto/devicehub/pkg/http"
	"github.com/carverauto/devicehub/pkg/hub"
	"github.com/carverauto/devicehub/pkg/logger"
	"github.com/carverauto/devicehub/pkg/models"
	"github.com/carverauto/devicehub/pkg/session"
	"github.com/carverauto/devicehub/pkg/swagger"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second
)

var errServerStarted = errors.New("api server already started")

// APIServer serves the device socket and its HTTP collaborators.
type APIServer struct {
	router     *mux.Router
	corsConfig models.CORSConfig
	hub        *hub.Hub
	catalog    *Catalog
	logger     logger.Logger
	upgrader   websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

// NewAPIServer creates a new API server instance with the given configuration.
func NewAPIServer(config models.CORSConfig, options ...func(server *APIServer)) *APIServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &APIServer{
		router:     mux.NewRouter(),
		corsConfig: config,
		baseCtx:    ctx,
		cancel:     cancel,
	}

	for _, o := range options {
		o(s)
	}

	if s.logger == nil {
		s.logger = logger.NewTestLogger()
	}

	if s.hub == nil {
		s.hub = hub.NewHub(models.SimulationConfig{}, hub.WithLogger(s.logger))
	}

	if s.catalog == nil {
		s.catalog = NewCatalog(0)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkWebSocketOrigin,
	}

	s.setupRoutes()

	return s
}

// WithHub attaches the hub that owns sessions and telemetry.
func WithHub(h *hub.Hub) func(server *APIServer) {
	return func(server *APIServer) {
		server.hub = h
	}
}

// WithCatalog sets the device catalog served by the scan endpoint.
func WithCatalog(c *Catalog) func(server *APIServer) {
	return func(server *APIServer) {
		server.catalog = c
	}
}

func WithLogger(log logger.Logger) func(server *APIServer) {
	return func(server *APIServer) {
		server.logger = log
	}
}

func (s *APIServer) setupRoutes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return dhHttp.CommonMiddleware(next, s.corsConfig, s.logger)
	})

	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/network/check", s.checkNetwork).Methods(http.MethodGet, http.MethodHead)
	apiRouter.HandleFunc("/devices/scan", s.scanDevices).Methods(http.MethodGet)
	apiRouter.HandleFunc("/sessions", s.getSessions).Methods(http.MethodGet)
	apiRouter.HandleFunc("/health", s.getHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/swagger/doc.json", s.serveSwaggerJSON).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// Start listens on addr and blocks until the server stops.
func (s *APIServer) Start(addr string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}

	if s.server != nil {
		s.mu.Unlock()
		return errServerStarted
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return s.baseCtx
		},
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("Starting API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops accepting requests, closes every device socket and waits for
// in-flight HTTP requests.
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.cancel()

	s.hub.Sessions().ForEach(func(sess *session.Session) bool {
		s.hub.Evict(sess)
		return true
	})

	s.mu.Lock()
	s.shutdown = true
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}

func (s *APIServer) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return dhHttp.OriginAllowed(s.corsConfig, origin)
}

// @Summary Device socket
// @Description Upgrades to the JSON device socket
// @Success 101
// @Failure 403
// @Router /ws [get]
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("origin", r.Header.Get("Origin")).
			Msg("Failed to upgrade to WebSocket")

		return
	}

	s.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("WebSocket connection established")

	hub.NewClient(s.hub, conn).Serve(s.baseCtx)
}

// NetworkCheckResponse is returned by the reachability probe.
type NetworkCheckResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse summarizes the hub.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Devices  int    `json:"devices"`
}

// @Summary Network reachability probe
// @Produce json
// @Success 200 {object} NetworkCheckResponse
// @Router /api/network/check [get]
func (s *APIServer) checkNetwork(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, NetworkCheckResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

// @Summary Discover devices
// @Description Lists the simulated devices with their current status
// @Produce json
// @Success 200 {array} models.Device
// @Router /api/devices/scan [get]
func (s *APIServer) scanDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.catalog.Scan(s.hub.Telemetry()))
}

// serveSwaggerJSON serves the registered Swagger document.
func (s *APIServer) serveSwaggerJSON(w http.ResponseWriter, _ *http.Request) {
	doc, err := swag.ReadDoc(swagger.SwaggerInfo.InstanceName())
	if err != nil {
		s.logger.Error().Err(err).Msg("Swagger document not registered")
		http.Error(w, "Swagger JSON not found", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if _, err := w.Write([]byte(doc)); err != nil {
		s.logger.Debug().Err(err).Msg("Error writing Swagger JSON response")
	}
}

// @Summary List active device sessions
// @Produce json
// @Success 200 {array} models.SessionInfo
// @Router /api/sessions [get]
func (s *APIServer) getSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.hub.SessionInfos())
}

// @Summary Hub health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /api/health [get]
func (s *APIServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, HealthResponse{
		Status:   "ok",
		Sessions: s.hub.Sessions().Count(),
		Devices:  s.hub.Telemetry().Len(),
	})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
