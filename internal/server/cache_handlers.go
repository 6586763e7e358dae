package server

import (
	"context"
	"net/http"
	"time"

	"github.com/codeway3/chronoretrace/internal/cache"
)

type warmRequest struct {
	StockCodes     []string `json:"stock_codes,omitempty"`
	ForceRefresh   bool     `json:"force_refresh"`
	WarmHotStocks  bool     `json:"warm_hot_stocks"`
	WarmStockInfo  bool     `json:"warm_stock_info"`
	WarmRecentData bool     `json:"warm_recent_data"`
}

// handleCacheWarm triggers a warming run in the background and returns
// immediately with task-accepted semantics.
func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	if s.warming == nil {
		s.writeError(w, http.StatusServiceUnavailable, "warming_unavailable", "warming service is not initialized")
		return
	}

	var req warmRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if !req.WarmStockInfo && !req.WarmRecentData {
		// Warming nothing is never what the caller meant.
		req.WarmStockInfo = true
		req.WarmRecentData = true
	}

	startedAt := time.Now().UTC()
	opts := cache.WarmingOptions{
		Symbols:        req.StockCodes,
		ForceRefresh:   req.ForceRefresh,
		WarmStockInfo:  req.WarmStockInfo,
		WarmRecentData: req.WarmRecentData,
		WarmHotStocks:  req.WarmHotStocks,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.warming.WarmAll(ctx, opts); err != nil {
			s.log.Error().Err(err).Msg("Background warming run failed")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "accepted",
		"started_at": startedAt.Format(time.RFC3339),
	})
}

// handleCacheStats reports combined cache metrics.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "cache_unavailable", "cache service is not initialized")
		return
	}

	resp := map[string]interface{}{
		"memory_cache": s.cache.Memory().Stats(),
	}

	if info, err := s.cache.Remote().Info(r.Context()); err == nil {
		resp["total_keys"] = info.Keys
		resp["memory_usage"] = info.MemoryUsage
	} else {
		resp["total_keys"] = 0
		resp["memory_usage"] = "unavailable"
	}

	if s.monitor != nil {
		if multi, ok := s.monitor.CacheStats()["multi"]; ok {
			resp["hit_rate"] = multi.HitRate
			resp["miss_rate"] = multi.MissRate
		}
	}

	if s.warming != nil {
		stats := s.warming.Stats()
		resp["warming_stats"] = stats
		if !stats.LastWarmingTime.IsZero() {
			resp["last_warming_time"] = stats.LastWarmingTime.UTC().Format(time.RFC3339)
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

type clearRequest struct {
	Pattern  string `json:"pattern,omitempty"`
	ClearAll bool   `json:"clear_all"`
}

// handleCacheClear invalidates by pattern or everything.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "cache_unavailable", "cache service is not initialized")
		return
	}

	var req clearRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	pattern := req.Pattern
	if req.ClearAll {
		pattern = "*"
	}
	if pattern == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "either pattern or clear_all is required")
		return
	}

	removed, err := s.cache.DeletePattern(r.Context(), pattern)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "cache_clear_failed", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": removed,
		"pattern": pattern,
	})
}

type refreshRequest struct {
	StockCodes []string `json:"stock_codes,omitempty"`
}

// handleCacheRefresh force-refreshes a subset of symbols, or stale entries
// when no subset is given.
func (s *Server) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	if s.warming == nil {
		s.writeError(w, http.StatusServiceUnavailable, "warming_unavailable", "warming service is not initialized")
		return
	}

	var req refreshRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	var (
		run cache.RunStats
		err error
	)
	if len(req.StockCodes) > 0 {
		run, err = s.warming.WarmSymbols(r.Context(), req.StockCodes, true)
	} else {
		run, err = s.warming.RefreshStale(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "refresh_failed", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

// handleCacheHealth reports cache subsystem health.
func (s *Server) handleCacheHealth(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil || s.warming == nil {
		s.writeError(w, http.StatusServiceUnavailable, "cache_unavailable", "cache services are not initialized")
		return
	}

	redisStatus := "ok"
	status := "ok"
	if !s.cache.Healthy(r.Context()) {
		redisStatus = "unavailable"
		status = "degraded"
	}
	warmingStatus := "ok"
	if !s.warming.Healthy() {
		warmingStatus = "degraded"
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                 status,
		"redis_status":           redisStatus,
		"warming_service_status": warmingStatus,
		"checked_at":             time.Now().UTC().Format(time.RFC3339),
	})
}
