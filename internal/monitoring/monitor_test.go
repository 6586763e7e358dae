package monitoring

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_CacheStats(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())

	for i := 0; i < 80; i++ {
		m.RecordCacheHit("stock_cache")
	}
	for i := 0; i < 20; i++ {
		m.RecordCacheMiss("stock_cache")
	}

	stats := m.CacheStats()
	require.Contains(t, stats, "stock_cache")

	s := stats["stock_cache"]
	assert.Equal(t, uint64(80), s.Hits)
	assert.Equal(t, uint64(20), s.Misses)
	assert.Equal(t, uint64(100), s.TotalRequests)
	assert.InDelta(t, 0.8, s.HitRate, 1e-9)
	assert.InDelta(t, 0.2, s.MissRate, 1e-9)
}

func TestMonitor_CacheStatsZeroRequests(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())
	m.RecordCacheHit("touched")
	m.cacheCounter("empty")

	s := m.CacheStats()["empty"]
	assert.Equal(t, uint64(0), s.TotalRequests)
	assert.Equal(t, 0.0, s.HitRate)
}

func TestMonitor_APIMetrics(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())

	m.RecordRequest("GET", "/api/v1/stocks", 150*time.Millisecond, true)
	m.RecordRequest("GET", "/api/v1/stocks", 50*time.Millisecond, true)
	m.RecordRequest("GET", "/api/v1/stocks", 100*time.Millisecond, false)

	metrics := m.APIMetrics()
	require.Len(t, metrics, 1)

	api := metrics[0]
	assert.Equal(t, "GET", api.Method)
	assert.Equal(t, "/api/v1/stocks", api.Endpoint)
	assert.Equal(t, uint64(3), api.TotalRequests)
	assert.Equal(t, uint64(2), api.SuccessRequests)
	assert.Equal(t, uint64(1), api.ErrorRequests)
	assert.Greater(t, api.AvgResponseTimeMs, 0.0)
}

func TestMonitor_RecordRequestConcurrent(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				m.RecordRequest("POST", "/api/v1/backtest/grid", time.Millisecond, j%10 != 0)
			}
		}()
	}
	wg.Wait()

	metrics := m.APIMetrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, uint64(8000), metrics[0].TotalRequests)
	assert.Equal(t, uint64(800), metrics[0].ErrorRequests)
}

func TestMonitor_SystemSampleRing(t *testing.T) {
	m := NewMonitor(3, zerolog.Nop())

	_, ok := m.SystemMetrics()
	assert.False(t, ok)

	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m.RecordSystemSample(SystemSample{
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			CPUPercent: float64(i),
		})
	}

	latest, ok := m.SystemMetrics()
	require.True(t, ok)
	assert.Equal(t, 4.0, latest.CPUPercent)

	// Ring of 3 keeps only the last three samples.
	all := m.MetricsInRange(base, base.Add(time.Hour))
	require.Len(t, all, 3)
	assert.Equal(t, 2.0, all[0].CPUPercent)
	assert.Equal(t, 4.0, all[2].CPUPercent)
}

func TestMonitor_MetricsInRangeFilters(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())

	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m.RecordSystemSample(SystemSample{Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	got := m.MetricsInRange(base.Add(time.Minute), base.Add(3*time.Minute))
	assert.Len(t, got, 3)
}

func TestMonitor_SuppressedErrors(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())

	m.RecordSuppressedError("cache")
	m.RecordSuppressedError("sampler")

	assert.Equal(t, uint64(2), m.SuppressedErrors())
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())

	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/stocks/{symbol}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, symbol := range []string{"AAPL", "MSFT", "GOOG"} {
		req := httptest.NewRequest(http.MethodGet, "/stocks/"+symbol, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	metrics := m.APIMetrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, "/stocks/{symbol}", metrics[0].Endpoint)
	assert.Equal(t, uint64(3), metrics[0].TotalRequests)
}

func TestMiddleware_ServerErrorCounted(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())

	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	metrics := m.APIMetrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, uint64(1), metrics[0].ErrorRequests)
}
