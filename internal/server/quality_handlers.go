package server

import (
	"net/http"

	"github.com/codeway3/chronoretrace/internal/analytics"
	"github.com/codeway3/chronoretrace/internal/domain"
	"github.com/codeway3/chronoretrace/internal/quality"
)

type validateRequest struct {
	Market  string           `json:"market,omitempty"`
	Records []quality.Record `json:"records"`
}

func (s *Server) handleQualityValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Records) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "records must not be empty")
		return
	}

	market := domain.MarketAShare
	if req.Market != "" {
		market = domain.MarketType(req.Market)
	}

	validator := quality.NewValidator(market, s.log)
	results, report := validator.ValidateBatch(req.Records)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"report":  report,
	})
}

type deduplicateRequest struct {
	Records             []quality.Record `json:"records"`
	Strategy            string           `json:"strategy,omitempty"`
	SimilarityThreshold float64          `json:"similarity_threshold,omitempty"`
}

func (s *Server) handleQualityDeduplicate(w http.ResponseWriter, r *http.Request) {
	var req deduplicateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Records) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "records must not be empty")
		return
	}

	strategy := quality.KeepFirst
	switch quality.Strategy(req.Strategy) {
	case quality.KeepLast:
		strategy = quality.KeepLast
	case quality.KeepHighestQuality:
		strategy = quality.KeepHighestQuality
	case quality.KeepFirst, "":
	default:
		s.writeError(w, http.StatusBadRequest, "invalid_request", "unknown strategy: "+req.Strategy)
		return
	}

	dedup := quality.NewDeduplicator(req.SimilarityThreshold, s.log)
	kept, report := dedup.Deduplicate(req.Records, strategy)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": kept,
		"report":  report,
		"stats":   dedup.Stats(report.Groups),
	})
}

type signalsRequest struct {
	Strategy analytics.Strategy `json:"strategy"`
	Days     int                `json:"days,omitempty"`
}

// handleAnalyticsSignals evaluates a strategy definition against the
// stored bar history of its symbol.
func (s *Server) handleAnalyticsSignals(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.generator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics_unavailable", "analytics services are not initialized")
		return
	}

	var req signalsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Strategy.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "strategy.symbol is required")
		return
	}
	days := req.Days
	if days <= 0 {
		days = 120
	}

	bars, err := s.store.RecentBars(r.Context(), req.Strategy.Symbol, days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if len(bars) == 0 {
		s.writeError(w, http.StatusNotFound, "unknown_symbol", "no bar history for symbol: "+req.Strategy.Symbol)
		return
	}

	signals := s.generator.GenerateSignals(bars, req.Strategy)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"signals": signals,
		"bars":    len(bars),
	})
}
