// Package monitoring aggregates cache hit/miss counters, per-endpoint
// request metrics, and periodic host samples.
//
// Recording operations are lock-light and never fail: under contention the
// per-endpoint response-time update may be skipped, but counters always
// land. Response times use an exponentially weighted moving average
// (alpha=0.1) rather than a fixed window; the EWMA needs no history buffer
// and converges quickly enough for dashboard use.
package monitoring

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const ewmaAlpha = 0.1

// CacheStats is the per-logical-cache counter snapshot.
type CacheStats struct {
	CacheName     string  `json:"cache_name"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	TotalRequests uint64  `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
	MissRate      float64 `json:"miss_rate"`
}

type cacheCounter struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

// APIMetrics is the per-endpoint request metrics snapshot.
type APIMetrics struct {
	Endpoint          string  `json:"endpoint"`
	Method            string  `json:"method"`
	TotalRequests     uint64  `json:"total_requests"`
	SuccessRequests   uint64  `json:"success_requests"`
	ErrorRequests     uint64  `json:"error_requests"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

type apiCounter struct {
	total   atomic.Uint64
	success atomic.Uint64
	errors  atomic.Uint64

	// The EWMA is the only non-atomic field; its mutex is only ever
	// TryLock'd on the record path so publishers never block.
	avgMu sync.Mutex
	avgMs float64
}

// SystemSample is one host metrics observation.
type SystemSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	NetBytesSent  uint64    `json:"net_bytes_sent"`
	NetBytesRecv  uint64    `json:"net_bytes_recv"`
}

// Monitor is the process-wide performance monitor.
type Monitor struct {
	log zerolog.Logger

	cacheMu sync.RWMutex
	caches  map[string]*cacheCounter

	apiMu sync.RWMutex
	apis  map[string]*apiCounter

	suppressed atomic.Uint64

	// Bounded ring of host samples; head points at the next write slot.
	ringMu   sync.RWMutex
	ring     []SystemSample
	head     int
	ringFull bool
}

// NewMonitor creates a performance monitor retaining historySize host samples.
func NewMonitor(historySize int, log zerolog.Logger) *Monitor {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Monitor{
		log:    log.With().Str("component", "performance_monitor").Logger(),
		caches: make(map[string]*cacheCounter),
		apis:   make(map[string]*apiCounter),
		ring:   make([]SystemSample, historySize),
	}
}

// RecordCacheHit increments the hit counter for a logical cache name.
func (m *Monitor) RecordCacheHit(cache string) {
	m.cacheCounter(cache).hits.Add(1)
}

// RecordCacheMiss increments the miss counter for a logical cache name.
func (m *Monitor) RecordCacheMiss(cache string) {
	m.cacheCounter(cache).misses.Add(1)
}

// RecordSuppressedError counts an error that was handled internally rather
// than propagated. Nothing is ever silently swallowed without this.
func (m *Monitor) RecordSuppressedError(component string) {
	m.suppressed.Add(1)
}

// SuppressedErrors returns the total suppressed-error count.
func (m *Monitor) SuppressedErrors() uint64 {
	return m.suppressed.Load()
}

// RecordRequest records one HTTP request observation. Never blocks beyond
// counter increments: if the EWMA slot is contended the timing detail is
// dropped.
func (m *Monitor) RecordRequest(method, endpoint string, elapsed time.Duration, success bool) {
	c := m.apiCounter(method, endpoint)
	c.total.Add(1)
	if success {
		c.success.Add(1)
	} else {
		c.errors.Add(1)
	}

	if c.avgMu.TryLock() {
		ms := float64(elapsed.Microseconds()) / 1000.0
		if c.avgMs == 0 {
			c.avgMs = ms
		} else {
			c.avgMs = c.avgMs*(1-ewmaAlpha) + ms*ewmaAlpha
		}
		c.avgMu.Unlock()
	}
}

// CacheStats returns snapshots for every logical cache.
func (m *Monitor) CacheStats() map[string]CacheStats {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	out := make(map[string]CacheStats, len(m.caches))
	for name, c := range m.caches {
		hits := c.hits.Load()
		misses := c.misses.Load()
		s := CacheStats{
			CacheName:     name,
			Hits:          hits,
			Misses:        misses,
			TotalRequests: hits + misses,
		}
		if s.TotalRequests > 0 {
			s.HitRate = float64(hits) / float64(s.TotalRequests)
			s.MissRate = float64(misses) / float64(s.TotalRequests)
		}
		out[name] = s
	}
	return out
}

// APIMetrics returns snapshots for every observed endpoint.
func (m *Monitor) APIMetrics() []APIMetrics {
	m.apiMu.RLock()
	defer m.apiMu.RUnlock()

	out := make([]APIMetrics, 0, len(m.apis))
	for key, c := range m.apis {
		method, endpoint := splitAPIKey(key)
		c.avgMu.Lock()
		avg := c.avgMs
		c.avgMu.Unlock()
		out = append(out, APIMetrics{
			Endpoint:          endpoint,
			Method:            method,
			TotalRequests:     c.total.Load(),
			SuccessRequests:   c.success.Load(),
			ErrorRequests:     c.errors.Load(),
			AvgResponseTimeMs: avg,
		})
	}
	return out
}

// RecordSystemSample stores one host sample in the bounded ring.
func (m *Monitor) RecordSystemSample(sample SystemSample) {
	m.ringMu.Lock()
	defer m.ringMu.Unlock()

	m.ring[m.head] = sample
	m.head++
	if m.head == len(m.ring) {
		m.head = 0
		m.ringFull = true
	}
}

// SystemMetrics returns the most recent host sample, or false if none has
// been collected yet.
func (m *Monitor) SystemMetrics() (SystemSample, bool) {
	m.ringMu.RLock()
	defer m.ringMu.RUnlock()

	idx := m.head - 1
	if idx < 0 {
		if !m.ringFull {
			return SystemSample{}, false
		}
		idx = len(m.ring) - 1
	}
	sample := m.ring[idx]
	if sample.Timestamp.IsZero() {
		return SystemSample{}, false
	}
	return sample, true
}

// MetricsInRange returns the retained host samples with t0 <= ts <= t1,
// oldest first.
func (m *Monitor) MetricsInRange(t0, t1 time.Time) []SystemSample {
	m.ringMu.RLock()
	defer m.ringMu.RUnlock()

	var out []SystemSample
	appendInRange := func(s SystemSample) {
		if s.Timestamp.IsZero() {
			return
		}
		if s.Timestamp.Before(t0) || s.Timestamp.After(t1) {
			return
		}
		out = append(out, s)
	}

	if m.ringFull {
		for i := m.head; i < len(m.ring); i++ {
			appendInRange(m.ring[i])
		}
	}
	for i := 0; i < m.head; i++ {
		appendInRange(m.ring[i])
	}
	return out
}

func (m *Monitor) cacheCounter(name string) *cacheCounter {
	m.cacheMu.RLock()
	c, ok := m.caches[name]
	m.cacheMu.RUnlock()
	if ok {
		return c
	}

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if c, ok = m.caches[name]; ok {
		return c
	}
	c = &cacheCounter{}
	m.caches[name] = c
	return c
}

func (m *Monitor) apiCounter(method, endpoint string) *apiCounter {
	key := method + " " + endpoint

	m.apiMu.RLock()
	c, ok := m.apis[key]
	m.apiMu.RUnlock()
	if ok {
		return c
	}

	m.apiMu.Lock()
	defer m.apiMu.Unlock()
	if c, ok = m.apis[key]; ok {
		return c
	}
	c = &apiCounter{}
	m.apis[key] = c
	return c
}

func splitAPIKey(key string) (method, endpoint string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ' ' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}
