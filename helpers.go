package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"chatsync/internal/adapters/evolution"
	"chatsync/internal/services"
)

func Find(slice []string, val string) bool {
	for _, item := range slice {
		if item == val {
			return true
		}
	}
	return false
}

// Respond writes data wrapped in the standard {code, success, data|error} envelope.
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	envelope := map[string]interface{}{"code": status}
	if err, ok := data.(error); ok {
		envelope["error"] = err.Error()
		envelope["success"] = false
	} else if status >= http.StatusBadRequest {
		envelope["error"] = data
		envelope["success"] = false
	} else {
		envelope["data"] = data
		envelope["success"] = true
	}
	s.respondWithJSON(w, status, envelope)
}

func (s *server) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// statusForError maps a run error to the HTTP status of the trigger response.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, services.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInstanceNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, services.ErrInstanceNotConnected):
		return http.StatusConflict
	case errors.Is(err, services.ErrUnknownPhase):
		return http.StatusBadRequest
	case errors.Is(err, evolution.ErrRemoteUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
