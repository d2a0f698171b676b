package server

import (
	"encoding/json"
	"net/http"

	"github.com/labshot/labshot/errors"
)

// writeJSON writes data as a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// errorResponse is the wire shape of every failure. Kind is stable across
// releases; message is for humans.
type errorResponse struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}

// writeError maps an error to its stable kind and HTTP status.
func writeError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	json.NewEncoder(w).Encode(errorResponse{ErrorKind: string(kind), Message: err.Error()})
}

// writeBadRequest reports a malformed request without an upstream error.
func writeBadRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeError(w, errors.NewInvalidRequestError(format, args...))
}

func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindInvalidRequest, errors.KindConfig:
		return http.StatusBadRequest
	case errors.KindAuth:
		return http.StatusUnauthorized
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict, errors.KindDuplicateJob:
		return http.StatusConflict
	case errors.KindEncoding:
		return http.StatusUnprocessableEntity
	case errors.KindRateLimited:
		return http.StatusTooManyRequests
	case errors.KindDeviceUnavail:
		return http.StatusServiceUnavailable
	case errors.KindCaptureTimeout, errors.KindProviderTimeout:
		return http.StatusGatewayTimeout
	case errors.KindProvider, errors.KindInvalidResponse, errors.KindTransientNetwork, errors.KindPartialCapture:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return err
	}
	return nil
}
