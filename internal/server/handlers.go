package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a machine-readable error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// decodeJSON decodes a request body, rejecting unknown garbage early.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}

// handleHealth reports process liveness plus dependency states.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	redisStatus := "ok"
	if s.cache != nil && !s.cache.Healthy(r.Context()) {
		redisStatus = "unavailable"
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"redis_status": redisStatus,
		"version":      Version,
		"checked_at":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleVersion reports the build version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}
