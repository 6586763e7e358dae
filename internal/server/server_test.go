package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeway3/chronoretrace/internal/analytics"
	"github.com/codeway3/chronoretrace/internal/cache"
	"github.com/codeway3/chronoretrace/internal/config"
	"github.com/codeway3/chronoretrace/internal/database"
	"github.com/codeway3/chronoretrace/internal/domain"
	"github.com/codeway3/chronoretrace/internal/monitoring"
	"github.com/codeway3/chronoretrace/internal/stream"
)

func newTestServer(t *testing.T) (*Server, *database.MarketStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	remote, err := cache.NewRedisCache("redis://"+mr.Addr(), time.Second, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	memory := cache.NewMemoryCache(1000, time.Minute, 0)
	t.Cleanup(memory.Close)

	monitor := monitoring.NewMonitor(100, zerolog.Nop())
	multi := cache.NewMultiTierCache(memory, remote, monitor, zerolog.Nop())
	keys := cache.NewKeyManager()

	db, err := database.New(database.Config{
		Path:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Profile: database.ProfileCache,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := database.NewMarketStore(db, zerolog.Nop())
	require.NoError(t, err)

	warming := cache.NewWarmingService(multi, keys, store, cache.WarmingServiceConfig{
		Workers:       2,
		StockInfoTTL:  time.Hour,
		StockDailyTTL: time.Hour,
	}, zerolog.Nop())

	hub := stream.NewHub(stream.Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	stream.NewHandler(hub, zerolog.Nop())
	hub.Start()
	t.Cleanup(hub.Stop)

	srv := New(Config{
		Log:       zerolog.Nop(),
		Config:    &config.Config{Port: 0},
		Cache:     multi,
		Keys:      keys,
		Warming:   warming,
		Monitor:   monitor,
		Hub:       hub,
		WSHandler: stream.NewWSHandler(hub, nil, zerolog.Nop()),
		Store:     store,
		Generator: analytics.NewGenerator(zerolog.Nop()),
	})
	return srv, store
}

func seedBacktestData(t *testing.T, store *database.MarketStore, symbol string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.UpsertInstrument(ctx, domain.Instrument{
		Symbol: symbol,
		Name:   "Test Instrument",
		Market: domain.MarketTypeForSymbol(symbol),
	}))

	opens := []float64{10.0, 10.0, 9.8, 9.5, 10.2, 10.6, 11.1, 10.8}
	highs := []float64{10.1, 10.0, 9.6, 10.3, 10.7, 11.2, 11.0, 11.6}
	lows := []float64{9.9, 9.8, 9.4, 9.8, 10.1, 10.5, 10.7, 11.2}
	closes := []float64{10.0, 9.8, 9.5, 10.2, 10.6, 11.1, 10.8, 11.5}

	bars := make([]domain.Bar, len(opens))
	for i := range bars {
		bars[i] = domain.Bar{
			TradeDate: time.Date(2023, 1, i+1, 0, 0, 0, 0, time.UTC),
			Open:      opens[i],
			High:      highs[i],
			Low:       lows[i],
			Close:     closes[i],
			Volume:    10000,
		}
	}
	require.NoError(t, store.UpsertBars(ctx, symbol, bars))
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "ok", resp["redis_status"])
}

func TestServer_GridBacktest(t *testing.T) {
	srv, store := newTestServer(t)
	seedBacktestData(t, store, "TEST.SH")

	zero := 0.0
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/backtest/grid", map[string]interface{}{
		"stock_code":       "TEST.SH",
		"start_date":       "2023-01-01",
		"end_date":         "2023-01-08",
		"upper_price":      11.0,
		"lower_price":      10.0,
		"grid_count":       2,
		"total_investment": 20000.0,
		"commission_rate":  zero,
		"min_commission":   zero,
		"stamp_duty_rate":  zero,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		TradeCount int     `json:"trade_count"`
		TotalPnL   float64 `json:"total_pnl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 4, result.TradeCount)
	assert.InDelta(t, 950.0, result.TotalPnL, 0.01)
}

func TestServer_GridBacktestDefaultFees(t *testing.T) {
	srv, store := newTestServer(t)
	seedBacktestData(t, store, "FEES.SH")

	// Omitting fee fields applies the service defaults, not zero.
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/backtest/grid", map[string]interface{}{
		"stock_code":       "FEES.SH",
		"start_date":       "2023-01-01",
		"end_date":         "2023-01-08",
		"upper_price":      11.0,
		"lower_price":      10.0,
		"grid_count":       2,
		"total_investment": 20000.0,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		StrategyConfig struct {
			CommissionRate float64 `json:"commission_rate"`
			MinCommission  float64 `json:"min_commission"`
		} `json:"strategy_config"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 0.0003, result.StrategyConfig.CommissionRate)
	assert.Equal(t, 5.0, result.StrategyConfig.MinCommission)
}

func TestServer_GridBacktestUnknownSymbol(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/backtest/grid", map[string]interface{}{
		"stock_code":       "NOPE.SH",
		"start_date":       "2023-01-01",
		"end_date":         "2023-01-08",
		"upper_price":      11.0,
		"lower_price":      10.0,
		"grid_count":       2,
		"total_investment": 20000.0,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GridBacktestInvalidConfig(t *testing.T) {
	srv, store := newTestServer(t)
	seedBacktestData(t, store, "BAD.SH")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/backtest/grid", map[string]interface{}{
		"stock_code":       "BAD.SH",
		"start_date":       "2023-01-08",
		"end_date":         "2023-01-01", // start after end
		"upper_price":      11.0,
		"lower_price":      10.0,
		"grid_count":       2,
		"total_investment": 20000.0,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_CONFIG", resp["error"])
	assert.Equal(t, "start_date", resp["field"])
}

func TestServer_GridBacktestNoDataInRange(t *testing.T) {
	srv, store := newTestServer(t)
	seedBacktestData(t, store, "RANGE.SH")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/backtest/grid", map[string]interface{}{
		"stock_code":       "RANGE.SH",
		"start_date":       "2024-06-01",
		"end_date":         "2024-06-08",
		"upper_price":      11.0,
		"lower_price":      10.0,
		"grid_count":       2,
		"total_investment": 20000.0,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "NO_DATA_IN_RANGE", resp["error"])
}

func TestServer_GridOptimize(t *testing.T) {
	srv, store := newTestServer(t)
	seedBacktestData(t, store, "OPT.SH")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/backtest/grid/optimize", map[string]interface{}{
		"stock_code":       "OPT.SH",
		"start_date":       "2023-01-01",
		"end_date":         "2023-01-08",
		"upper_price":      11.0,
		"lower_price":      10.0,
		"grid_count":       2,
		"total_investment": 20000.0,
		"grid_counts":      []int{1, 2, 4},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		EvaluatedSets int `json:"evaluated_sets"`
		Results       []struct {
			GridCount int `json:"grid_count"`
		} `json:"results"`
		Best *struct {
			TotalPnL float64 `json:"total_pnl"`
		} `json:"best"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 3, result.EvaluatedSets)
	require.NotNil(t, result.Best)
}

func TestServer_CacheWarmAccepted(t *testing.T) {
	srv, store := newTestServer(t)
	seedBacktestData(t, store, "WARM.SH")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/cache/warm", map[string]interface{}{
		"stock_codes":      []string{"WARM.SH"},
		"force_refresh":    true,
		"warm_stock_info":  true,
		"warm_recent_data": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.NotEmpty(t, resp["started_at"])

	// The background run lands shortly after.
	require.Eventually(t, func() bool {
		return srv.warming.Stats().TotalWarmed >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_CacheRefreshAndStats(t *testing.T) {
	srv, store := newTestServer(t)
	seedBacktestData(t, store, "STAT.SH")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/cache/refresh", map[string]interface{}{
		"stock_codes": []string{"STAT.SH"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var run struct {
		Warmed int    `json:"warmed_count"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, 1, run.Warmed)
	assert.Equal(t, "completed", run.Status)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Contains(t, stats, "total_keys")
	assert.Contains(t, stats, "warming_stats")
	assert.Contains(t, stats, "last_warming_time")
}

func TestServer_CacheClear(t *testing.T) {
	srv, store := newTestServer(t)
	seedBacktestData(t, store, "CLR.SH")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/cache/refresh", map[string]interface{}{
		"stock_codes": []string{"CLR.SH"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/cache/clear", map[string]interface{}{
		"pattern": "stock:daily:*",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1.0, resp["cleared"])

	// Clearing without a pattern or clear_all is rejected.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/cache/clear", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CacheHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/cache/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "ok", resp["redis_status"])
	assert.Equal(t, "ok", resp["warming_service_status"])
}

func TestServer_QualityValidate(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/quality/validate", map[string]interface{}{
		"market": "A_share",
		"records": []map[string]interface{}{
			{"code": "000001", "date": "2024-01-15", "open": 10.5, "close": 10.8, "high": 11.0, "low": 10.3, "volume": 1000},
			{"code": "", "date": "bad", "open": -1.0, "close": 10.0, "high": 9.0, "low": 11.0, "volume": -5},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			IsValid bool `json:"is_valid"`
		} `json:"results"`
		Report struct {
			Total      int `json:"total"`
			ValidCount int `json:"valid_count"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].IsValid)
	assert.False(t, resp.Results[1].IsValid)
	assert.Equal(t, 2, resp.Report.Total)
	assert.Equal(t, 1, resp.Report.ValidCount)
}

func TestServer_QualityDeduplicate(t *testing.T) {
	srv, _ := newTestServer(t)

	record := map[string]interface{}{
		"code": "000001", "date": "2024-01-15",
		"open": 10.5, "close": 10.8, "high": 11.0, "low": 10.3, "volume": 1000,
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/quality/deduplicate", map[string]interface{}{
		"records":  []map[string]interface{}{record, record},
		"strategy": "keep_first",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Records []interface{} `json:"records"`
		Report  struct {
			DuplicatesRemoved int `json:"duplicates_removed"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Records, 1)
	assert.Equal(t, 1, resp.Report.DuplicatesRemoved)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/quality/deduplicate", map[string]interface{}{
		"records":  []map[string]interface{}{record},
		"strategy": "keep_something_else",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AnalyticsSignals(t *testing.T) {
	srv, store := newTestServer(t)
	seedBacktestData(t, store, "SIG.SH")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/analytics/signals", map[string]interface{}{
		"strategy": map[string]interface{}{
			"type":   "technical",
			"symbol": "SIG.SH",
			"conditions": []map[string]interface{}{
				{"indicator": "price", "operator": "gt", "value": 1.0, "action": "buy"},
			},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Signals []struct {
			Action string `json:"action"`
		} `json:"signals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Signals, 1)
	assert.Equal(t, "buy", resp.Signals[0].Action)
}

func TestServer_MonitoringEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	// Generate some traffic first.
	doJSON(t, srv, http.MethodGet, "/health", nil)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/monitoring/api", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/monitoring/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// No host samples collected without the sampler running.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/monitoring/system", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/monitoring/system/range", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/monitoring/system/range?start=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_WSAdminEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/ws/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/ws/connections", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/ws/topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var topics map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &topics))
	assert.Equal(t, 0.0, topics["total_topics"])

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/ws/broadcast/stock.AAPL.1m", map[string]interface{}{"price": 150.25})
	require.Equal(t, http.StatusOK, rec.Code)

	var broadcast map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &broadcast))
	assert.Equal(t, 0.0, broadcast["sent_count"], "no subscribers yet")

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/ws/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/ws/connections/ghost", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_VersionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "version")
}

func TestServer_InvalidJSONBody(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/backtest/grid", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
