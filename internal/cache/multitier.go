package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// StatsRecorder receives cache hit/miss events. The performance monitor
// implements this; a no-op implementation is used in tests.
type StatsRecorder interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
	RecordSuppressedError(component string)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) RecordCacheHit(string)        {}
func (NopRecorder) RecordCacheMiss(string)       {}
func (NopRecorder) RecordSuppressedError(string) {}

// Logical cache names reported to the stats recorder.
const (
	tierMemory = "memory"
	tierRemote = "redis"
	tierMulti  = "multi"
)

// MultiTierCache composes the in-process LRU and the remote store.
//
// Reads go memory-first with remote fallback; a remote hit repopulates the
// memory tier at the remaining TTL. Writes go remote-first: if the remote
// write fails the memory tier is left untouched, so memory never holds data
// the remote does not reflect. Invalidation fans out to both tiers.
//
// While the remote backend is unreachable, reads degrade to memory-only and
// writes fail loudly so the warming controller can retry.
type MultiTierCache struct {
	memory   *MemoryCache
	remote   RemoteCache
	recorder StatsRecorder
	log      zerolog.Logger

	flight   singleflight.Group
	degraded atomic.Bool
}

// NewMultiTierCache wires the two tiers together.
func NewMultiTierCache(memory *MemoryCache, remote RemoteCache, recorder StatsRecorder, log zerolog.Logger) *MultiTierCache {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &MultiTierCache{
		memory:   memory,
		remote:   remote,
		recorder: recorder,
		log:      log.With().Str("component", "multi_tier_cache").Logger(),
	}
}

// Get returns the cached value for key, consulting memory then remote.
// Remote errors are treated as misses (fail-open for reads).
func (c *MultiTierCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := c.memory.Get(key); ok {
		c.recorder.RecordCacheHit(tierMemory)
		c.recorder.RecordCacheHit(tierMulti)
		return data, true
	}
	c.recorder.RecordCacheMiss(tierMemory)

	data, ttl, err := c.remote.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.noteRemoteFailure(err, "read")
		}
		c.recorder.RecordCacheMiss(tierRemote)
		c.recorder.RecordCacheMiss(tierMulti)
		return nil, false
	}
	c.noteRemoteRecovery()

	c.recorder.RecordCacheHit(tierRemote)
	c.recorder.RecordCacheHit(tierMulti)
	c.memory.Set(key, data, ttl)
	return data, true
}

// GetOrLoad returns the cached value, or invokes loader on a miss and
// stores the result in both tiers. Concurrent misses for the same key
// coalesce into one loader call; waiters share the result.
func (c *MultiTierCache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := c.Get(ctx, key); ok {
		return data, nil
	}

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have populated the
		// cache between our miss and acquiring the flight slot.
		if data, ok := c.Get(ctx, key); ok {
			return data, nil
		}

		data, err := loader(ctx)
		if err != nil {
			return nil, err
		}

		if err := c.Set(ctx, key, data, ttl); err != nil {
			// The loaded value is still valid for this caller; the cache
			// population failure is the warming controller's problem.
			c.log.Warn().Err(err).Str("key", key).Msg("Failed to populate cache after load")
			c.recorder.RecordSuppressedError(tierMulti)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Set writes through to the remote tier first, then memory. A remote
// failure surfaces as an error and leaves memory untouched.
func (c *MultiTierCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, key, data, ttl); err != nil {
		c.noteRemoteFailure(err, "write")
		return err
	}
	c.noteRemoteRecovery()
	c.memory.Set(key, data, ttl)
	return nil
}

// Delete removes the key from both tiers. Memory is cleared even if the
// remote delete fails; the remote error is returned.
func (c *MultiTierCache) Delete(ctx context.Context, key string) error {
	c.memory.Delete(key)
	if err := c.remote.Delete(ctx, key); err != nil {
		c.noteRemoteFailure(err, "delete")
		return err
	}
	return nil
}

// DeletePattern removes matching keys from both tiers and returns the
// remote removal count.
func (c *MultiTierCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	c.memory.DeletePattern(pattern)
	n, err := c.remote.DeletePattern(ctx, pattern)
	if err != nil {
		c.noteRemoteFailure(err, "delete_pattern")
		return n, err
	}
	return n, nil
}

// Exists reports presence in either tier.
func (c *MultiTierCache) Exists(ctx context.Context, key string) bool {
	if c.memory.Exists(key) {
		return true
	}
	ok, err := c.remote.Exists(ctx, key)
	if err != nil {
		return false
	}
	return ok
}

// Healthy pings the remote tier.
func (c *MultiTierCache) Healthy(ctx context.Context) bool {
	if err := c.remote.Ping(ctx); err != nil {
		c.degraded.Store(true)
		return false
	}
	c.degraded.Store(false)
	return true
}

// Degraded reports whether the last remote interaction failed.
func (c *MultiTierCache) Degraded() bool {
	return c.degraded.Load()
}

// Memory exposes the in-process tier for stats assembly.
func (c *MultiTierCache) Memory() *MemoryCache {
	return c.memory
}

// Remote exposes the remote tier for stats assembly and health checks.
func (c *MultiTierCache) Remote() RemoteCache {
	return c.remote
}

func (c *MultiTierCache) noteRemoteFailure(err error, op string) {
	if c.degraded.CompareAndSwap(false, true) {
		c.log.Warn().Err(err).Str("op", op).Msg("Remote cache unavailable, degrading to memory-only reads")
	}
}

func (c *MultiTierCache) noteRemoteRecovery() {
	if c.degraded.CompareAndSwap(true, false) {
		c.log.Info().Msg("Remote cache recovered")
	}
}
