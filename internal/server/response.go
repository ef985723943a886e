package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentdeck-ai/agentdeck/internal/logging"
	"github.com/agentdeck-ai/agentdeck/internal/session"
)

// Error codes returned to clients.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeSessionBusy     = "SESSION_BUSY"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeSDKError        = "SDK_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeServiceError maps session service errors onto HTTP status codes
// and stable error codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeSessionNotFound, err.Error())
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, CodeSessionBusy, err.Error())
	case errors.Is(err, session.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, session.ErrAgent):
		writeError(w, http.StatusInternalServerError, CodeSDKError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
	}
}
