// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"posgate/internal/event"
	"posgate/internal/registry"
)

// Reloader reloads the device registry from its source
type Reloader interface {
	Reload() error
}

// Publisher publishes events on the bus
type Publisher interface {
	Publish(eventType string, data interface{}) error
}

// DeviceView is a registry record with the key withheld
type DeviceView struct {
	ID        string `json:"id"`
	Active    bool   `json:"active"`
	Role      string `json:"role,omitempty"`
	Connected bool   `json:"connected"`
}

// APIServer handles the admin REST API
type APIServer struct {
	gateway    *Server
	registry   *registry.Registry
	loader     Reloader
	bus        Publisher
	jwtService *JWTService
	metrics    http.Handler
	stats      func() interface{}
	logger     zerolog.Logger
	server     *http.Server
	timeout    time.Duration
	startTime  time.Time
	readOnly   bool
}

// NewAPIServer creates a new API server
func NewAPIServer(gw *Server, reg *registry.Registry, loader Reloader, b Publisher, jwtService *JWTService, log zerolog.Logger) *APIServer {
	return &APIServer{
		gateway:    gw,
		registry:   reg,
		loader:     loader,
		bus:        b,
		jwtService: jwtService,
		logger:     log,
		timeout:    15 * time.Second,
		startTime:  time.Now(),
	}
}

// SetMetricsHandler mounts a metrics handler at /metrics
func (api *APIServer) SetMetricsHandler(h http.Handler) {
	api.metrics = h
}

// SetStatsProvider adds broker counters to the status endpoint
func (api *APIServer) SetStatsProvider(stats func() interface{}) {
	api.stats = stats
}

// SetReadOnly drops the mutating routes from the router
func (api *APIServer) SetReadOnly(readOnly bool) {
	api.readOnly = readOnly
}

// SetTimeout sets the HTTP read and write timeouts
func (api *APIServer) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		api.timeout = timeout
	}
}

// Router builds the API routes
func (api *APIServer) Router() http.Handler {
	router := mux.NewRouter()

	router.Use(api.loggingMiddleware)
	router.Use(api.corsMiddleware)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()

	apiRouter.HandleFunc("/health", api.handleHealth).Methods("GET")
	apiRouter.HandleFunc("/gateway/status", api.handleGatewayStatus).Methods("GET")
	apiRouter.HandleFunc("/gateway/connections", api.handleConnections).Methods("GET")
	apiRouter.HandleFunc("/devices", api.handleListDevices).Methods("GET")

	// Mutating endpoints (JWT protected)
	if !api.readOnly {
		apiRouter.Handle("/devices/reload", api.jwtService.RequireAuth(http.HandlerFunc(api.handleReloadDevices))).Methods("POST")
		apiRouter.Handle("/devices/{device_id}/revoke", api.jwtService.RequireAuth(http.HandlerFunc(api.handleRevokeDevice))).Methods("POST")
		apiRouter.Handle("/gateway/send", api.jwtService.RequireAuth(http.HandlerFunc(api.handleSend))).Methods("POST")
	}

	if api.metrics != nil {
		router.Handle("/metrics", api.metrics).Methods("GET")
	}

	return router
}

// Start starts the HTTP API server
func (api *APIServer) Start(address string) error {
	api.server = &http.Server{
		Addr:         address,
		Handler:      api.Router(),
		ReadTimeout:  api.timeout,
		WriteTimeout: api.timeout,
		IdleTimeout:  60 * time.Second,
	}

	api.logger.Info().
		Str("address", address).
		Msg("Starting API server")

	if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server
func (api *APIServer) Stop() error {
	if api.server != nil {
		return api.server.Close()
	}
	return nil
}

// Middleware
func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (api *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response helpers
func (api *APIServer) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (api *APIServer) sendError(w http.ResponseWriter, status int, message string) {
	api.sendJSON(w, status, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *APIServer) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":        "running",
		"uptime":        time.Since(api.startTime).Round(time.Second).String(),
		"connections":   api.gateway.ConnectionCount(),
		"devices":       api.registry.Len(),
		"gateway_stats": api.gateway.Stats(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	if api.stats != nil {
		status["broker_stats"] = api.stats()
	}

	api.sendJSON(w, http.StatusOK, status)
}

func (api *APIServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	connections := api.gateway.Connections()
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"connections": connections,
		"count":       len(connections),
	})
}

func (api *APIServer) handleListDevices(w http.ResponseWriter, r *http.Request) {
	records := api.registry.All()
	devices := make([]DeviceView, 0, len(records))
	for _, rec := range records {
		devices = append(devices, DeviceView{
			ID:        rec.ID,
			Active:    rec.Active,
			Role:      rec.Role,
			Connected: api.gateway.DeviceConnected(rec.ID),
		})
	}

	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

func (api *APIServer) handleReloadDevices(w http.ResponseWriter, r *http.Request) {
	if api.loader == nil {
		api.sendError(w, http.StatusServiceUnavailable, "Registry reload is not configured")
		return
	}

	if err := api.loader.Reload(); err != nil {
		api.sendError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"devices": api.registry.Len(),
	})
}

func (api *APIServer) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.sendError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	operator := ""
	if claims, ok := ClaimsFromContext(r); ok {
		operator = claims.Operator
	}

	connected := api.gateway.DeviceConnected(deviceID)

	api.logger.Warn().
		Str("device_id", deviceID).
		Str("operator", operator).
		Str("reason", req.Reason).
		Bool("connected", connected).
		Msg("Device revocation requested")

	if err := api.bus.Publish(event.TypeRevoked, event.Revocation{DeviceID: deviceID, Reason: req.Reason}); err != nil {
		api.logger.Error().Err(err).Str("device_id", deviceID).Msg("Revocation subscriber failed")
	}

	api.sendJSON(w, http.StatusAccepted, map[string]interface{}{
		"device_id":     deviceID,
		"was_connected": connected,
		"connected":     api.gateway.DeviceConnected(deviceID),
	})
}

func (api *APIServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target  string          `json:"target"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Message) == 0 {
		api.sendError(w, http.StatusBadRequest, "message is required")
		return
	}

	delivery, err := api.gateway.Deliver(OutboundRequest{Target: req.Target, Message: req.Message})
	if err != nil {
		api.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	api.sendJSON(w, http.StatusOK, delivery)
}
