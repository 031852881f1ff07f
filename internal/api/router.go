package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mihome/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Read endpoints (no auth required on the local network)
		r.Route("/gateways", func(r chi.Router) {
			r.Get("/", s.handleListGateways)
			r.Route("/{sid}", func(r chi.Router) {
				r.Get("/", s.handleGetGateway)
				r.Get("/devices", s.handleListGatewayDevices)
				r.Get("/events", s.handleGatewayEvents)

				r.With(s.authMiddleware, s.requirePermission(auth.PermDiscovery)).
					Post("/discovery", s.handleScanGatewayDevices)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Route("/{sid}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/history", s.handleDeviceHistory)

				r.With(s.authMiddleware, s.requirePermission(auth.PermDeviceOperate)).
					Post("/write", s.handleWriteDevice)
			})
		})

		r.Get("/discovery/results", s.handleDiscoveryResults)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.requirePermission(auth.PermDiscovery))

			r.Post("/discovery/gateways", s.handleScanGateways)
			r.Post("/discovery/devices", s.handleScanAllDevices)
		})

		// WebSocket (token validated in handler; browsers cannot set headers)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server and bridge health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"bridge":            s.bridge.Metrics(),
		"websocket_clients": clients,
		"history":           s.history != nil,
	})
}
