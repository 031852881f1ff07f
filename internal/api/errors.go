package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
)

// Error represents a structured error response.
//
// Reason carries the bridge error code (NOT_READY, DEVICE_UNREACHABLE, ...)
// when the failure came from the gateway engine, so HTTP clients see the
// same code an MQTT ack would carry.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeBadGateway   = "bad_gateway"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeBridgeError maps a gateway engine error onto an HTTP response.
func writeBridgeError(w http.ResponseWriter, err error) {
	status, code := bridgeErrorStatus(err)
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: err.Error(),
		Reason:  mihome.ErrorCode(err),
	})
}

// bridgeErrorStatus returns the HTTP status and API error code for err.
func bridgeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, mihome.ErrUnknownDevice):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, mihome.ErrUnsupportedCommand), errors.Is(err, mihome.ErrEncode):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, mihome.ErrNotReady), errors.Is(err, mihome.ErrScanInProgress):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, mihome.ErrConfiguration), errors.Is(err, mihome.ErrTransportClosed):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case errors.Is(err, mihome.ErrSend), errors.Is(err, mihome.ErrTransport):
		return http.StatusBadGateway, ErrCodeBadGateway
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
