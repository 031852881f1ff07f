package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleListGateways returns every configured gateway with its session state.
func (s *Server) handleListGateways(w http.ResponseWriter, _ *http.Request) {
	gateways := s.bridge.Gateways()
	writeJSON(w, http.StatusOK, map[string]any{
		"gateways": gateways,
		"count":    len(gateways),
	})
}

// handleGetGateway returns one gateway.
func (s *Server) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	gw, err := s.bridge.Gateway(chi.URLParam(r, "sid"))
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gw)
}

// handleListGatewayDevices returns the device directory of one gateway.
func (s *Server) handleListGatewayDevices(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	devices, err := s.bridge.Devices(sid)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway": sid,
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGatewayEvents returns recorded online/offline transitions of a gateway.
func (s *Server) handleGatewayEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not available")
		return
	}

	sid := chi.URLParam(r, "sid")
	if _, err := s.bridge.Gateway(sid); err != nil {
		writeBridgeError(w, err)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	events, err := s.history.GetGatewayEvents(r.Context(), sid, limit)
	if err != nil {
		s.logger.Error("failed to load gateway events", "gateway", sid, "error", err)
		writeInternalError(w, "failed to load gateway events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway": sid,
		"events":  events,
		"count":   len(events),
	})
}

// parseLimit reads the optional "limit" query parameter. Zero means the
// repository default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errInvalidLimit
	}
	return limit, nil
}
