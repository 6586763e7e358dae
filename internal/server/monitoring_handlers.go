package server

import (
	"net/http"
	"time"
)

func (s *Server) handleMonitoringCache(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor_unavailable", "performance monitor is not initialized")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"caches":            s.monitor.CacheStats(),
		"suppressed_errors": s.monitor.SuppressedErrors(),
	})
}

func (s *Server) handleMonitoringAPI(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor_unavailable", "performance monitor is not initialized")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": s.monitor.APIMetrics(),
	})
}

func (s *Server) handleMonitoringSystem(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor_unavailable", "performance monitor is not initialized")
		return
	}
	sample, ok := s.monitor.SystemMetrics()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no_samples", "no host samples collected yet")
		return
	}
	s.writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleMonitoringSystemRange(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor_unavailable", "performance monitor is not initialized")
		return
	}

	parse := func(name string, fallback time.Time) (time.Time, bool) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return fallback, true
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", name+" must be RFC3339")
			return time.Time{}, false
		}
		return t, true
	}

	now := time.Now()
	start, ok := parse("start", now.Add(-time.Hour))
	if !ok {
		return
	}
	end, ok := parse("end", now)
	if !ok {
		return
	}
	if start.After(end) {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "start must not be after end")
		return
	}

	samples := s.monitor.MetricsInRange(start, end)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"start":   start.UTC().Format(time.RFC3339),
		"end":     end.UTC().Format(time.RFC3339),
		"samples": samples,
	})
}
