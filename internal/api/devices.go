package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
)

var errInvalidLimit = errors.New("limit must be a non-negative integer")

// writeRequest is the body of POST /devices/{sid}/write.
type writeRequest struct {
	// Command is "write" (default), "on", "off" or "read".
	Command string `json:"command"`

	// Parameters are the fields written by "write".
	Parameters map[string]any `json:"parameters"`
}

// handleListDevices returns the directories of all gateways.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := s.bridge.Devices("")
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device with its last decoded state.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.bridge.Device(chi.URLParam(r, "sid"))
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleDeviceHistory returns stored reports for a device, newest first.
//
// History outlives the device directory, so reports are returned for
// devices the running gateways have not re-announced yet.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not available")
		return
	}

	sid := chi.URLParam(r, "sid")
	limit, err := parseLimit(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	reports, err := s.history.GetHistory(r.Context(), sid, limit)
	if err != nil {
		s.logger.Error("failed to load device history", "sid", sid, "error", err)
		writeInternalError(w, "failed to load device history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": sid,
		"reports":   reports,
		"count":     len(reports),
	})
}

// handleWriteDevice sends a command to a device through its gateway.
//
// The write is encrypted with the gateway's most recent token. A gateway
// that has not issued a token yet answers 409 with reason NOT_READY.
func (s *Server) handleWriteDevice(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		req.Command = "write"
	}

	cmd := mihome.CommandMessage{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		DeviceID:   sid,
		Command:    req.Command,
		Parameters: req.Parameters,
	}

	gateway, err := s.bridge.Execute(r.Context(), cmd)
	if err != nil {
		s.logger.Warn("device write failed",
			"sid", sid,
			"command", req.Command,
			"error", err,
		)
		writeBridgeError(w, err)
		return
	}

	claims := claimsFromContext(r.Context())
	s.logger.Info("device command sent",
		"sid", sid,
		"gateway", gateway,
		"command", req.Command,
		"subject", claims.Subject,
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":        cmd.ID,
		"device_id": sid,
		"gateway":   gateway,
		"command":   req.Command,
		"status":    "sent",
	})
}
