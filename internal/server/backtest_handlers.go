package server

import (
	"errors"
	"net/http"
	"runtime"

	"github.com/codeway3/chronoretrace/internal/backtest"
)

// Fee defaults applied when the request omits a field. Matching the
// A-share retail fee schedule the service has always assumed.
const (
	defaultCommissionRate = 0.0003
	defaultStampDutyRate  = 0.001
	defaultMinCommission  = 5.0
)

// gridBacktestRequest is the wire form of a grid strategy configuration.
// Fee fields are pointers so an explicit zero survives decoding.
type gridBacktestRequest struct {
	StockCode           string        `json:"stock_code"`
	StartDate           backtest.Date `json:"start_date"`
	EndDate             backtest.Date `json:"end_date"`
	UpperPrice          float64       `json:"upper_price"`
	LowerPrice          float64       `json:"lower_price"`
	GridCount           int           `json:"grid_count"`
	TotalInvestment     float64       `json:"total_investment"`
	InitialQuantity     int64         `json:"initial_quantity,omitempty"`
	InitialPerShareCost float64       `json:"initial_per_share_cost,omitempty"`
	OnExceedUpper       string        `json:"on_exceed_upper,omitempty"`
	OnFallBelowLower    string        `json:"on_fall_below_lower,omitempty"`
	CommissionRate      *float64      `json:"commission_rate,omitempty"`
	StampDutyRate       *float64      `json:"stamp_duty_rate,omitempty"`
	MinCommission       *float64      `json:"min_commission,omitempty"`
}

func (r *gridBacktestRequest) toConfig() backtest.Config {
	cfg := backtest.Config{
		StockCode:           r.StockCode,
		StartDate:           r.StartDate,
		EndDate:             r.EndDate,
		UpperPrice:          r.UpperPrice,
		LowerPrice:          r.LowerPrice,
		GridCount:           r.GridCount,
		TotalInvestment:     r.TotalInvestment,
		InitialQuantity:     r.InitialQuantity,
		InitialPerShareCost: r.InitialPerShareCost,
		OnExceedUpper:       backtest.PolicyHold,
		OnFallBelowLower:    backtest.PolicyHold,
		CommissionRate:      defaultCommissionRate,
		StampDutyRate:       defaultStampDutyRate,
		MinCommission:       defaultMinCommission,
	}
	if r.OnExceedUpper != "" {
		cfg.OnExceedUpper = backtest.BoundPolicy(r.OnExceedUpper)
	}
	if r.OnFallBelowLower != "" {
		cfg.OnFallBelowLower = backtest.BoundPolicy(r.OnFallBelowLower)
	}
	if r.CommissionRate != nil {
		cfg.CommissionRate = *r.CommissionRate
	}
	if r.StampDutyRate != nil {
		cfg.StampDutyRate = *r.StampDutyRate
	}
	if r.MinCommission != nil {
		cfg.MinCommission = *r.MinCommission
	}
	return cfg
}

func (s *Server) handleGridBacktest(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "market store is not initialized")
		return
	}

	var req gridBacktestRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	cfg := req.toConfig()

	inst, err := s.store.GetInstrument(r.Context(), cfg.StockCode)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if inst == nil {
		s.writeError(w, http.StatusNotFound, "unknown_symbol", "symbol not found: "+cfg.StockCode)
		return
	}

	bars, err := s.store.AllBars(r.Context(), cfg.StockCode)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	result, err := backtest.Run(r.Context(), bars, cfg)
	if err != nil {
		s.writeBacktestError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

type gridOptimizeRequest struct {
	gridBacktestRequest
	GridCounts  []int     `json:"grid_counts,omitempty"`
	UpperPrices []float64 `json:"upper_prices,omitempty"`
	LowerPrices []float64 `json:"lower_prices,omitempty"`
}

func (s *Server) handleGridOptimize(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "market store is not initialized")
		return
	}

	var req gridOptimizeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	inst, err := s.store.GetInstrument(r.Context(), req.StockCode)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if inst == nil {
		s.writeError(w, http.StatusNotFound, "unknown_symbol", "symbol not found: "+req.StockCode)
		return
	}

	bars, err := s.store.AllBars(r.Context(), req.StockCode)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	optCfg := backtest.OptimizationConfig{
		Base:        req.toConfig(),
		GridCounts:  req.GridCounts,
		UpperPrices: req.UpperPrices,
		LowerPrices: req.LowerPrices,
	}

	result, err := backtest.Optimize(r.Context(), bars, optCfg, runtime.NumCPU())
	if err != nil {
		s.writeBacktestError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// writeBacktestError maps engine errors onto status codes: configuration
// and no-data rejections are the caller's fault, everything else is ours.
func (s *Server) writeBacktestError(w http.ResponseWriter, err error) {
	var cfgErr *backtest.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   cfgErr.Code(),
			"field":   cfgErr.Field,
			"message": cfgErr.Error(),
		})
	case errors.Is(err, backtest.ErrNoDataInRange):
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "NO_DATA_IN_RANGE",
			"message": err.Error(),
		})
	default:
		s.writeError(w, http.StatusInternalServerError, "backtest_failed", err.Error())
	}
}
