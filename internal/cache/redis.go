package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// ErrUnavailable wraps remote-cache transport failures so callers can
// distinguish "not there" from "could not ask".
var ErrUnavailable = errors.New("remote cache unavailable")

// RemoteCache is the narrow contract the multi-tier cache needs from the
// out-of-process tier. RedisCache is the production implementation;
// tests may substitute their own.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]byte, time.Duration, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
	Info(ctx context.Context) (RemoteInfo, error)
	Close() error
}

// RemoteInfo summarizes the remote store for the stats endpoint.
type RemoteInfo struct {
	Keys        int64  `json:"total_keys"`
	MemoryUsage string `json:"memory_usage"`
}

// RedisCache wraps a redis client with typed errors and per-call deadlines.
type RedisCache struct {
	client  *redis.Client
	timeout time.Duration
	log     zerolog.Logger
}

// NewRedisCache connects to the remote cache at the given URL.
// The initial ping failing is not fatal: the multi-tier cache degrades to
// memory-only reads until the backend recovers.
func NewRedisCache(url string, timeout time.Duration, log zerolog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	c := &RedisCache{
		client:  redis.NewClient(opts),
		timeout: timeout,
		log:     log.With().Str("component", "redis_cache").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.log.Warn().Err(err).Str("url", url).Msg("Redis not reachable at startup, continuing degraded")
	}

	return c, nil
}

// Get returns the value and its remaining TTL. A zero TTL means the key has
// no expiry set.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	pipe := c.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, ErrMiss
		}
		return nil, 0, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}

	data, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, ErrMiss
		}
		return nil, 0, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return data, ttl, nil
}

// Set stores a value with a TTL.
func (c *RedisCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Exists reports whether the key is present.
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", ErrUnavailable, key, err)
	}
	return n > 0, nil
}

// DeletePattern removes all keys matching the glob pattern using SCAN so a
// large keyspace never blocks the server the way KEYS would.
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout*10)
	defer cancel()

	deleted := 0
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	batch := make([]string, 0, 100)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("%w: delete pattern %s: %v", ErrUnavailable, pattern, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, pattern, err)
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("%w: delete pattern %s: %v", ErrUnavailable, pattern, err)
	}
	return deleted, nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// Info returns key count and memory usage for the stats endpoint.
func (c *RedisCache) Info(ctx context.Context) (RemoteInfo, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	keys, err := c.client.DBSize(ctx).Result()
	if err != nil {
		return RemoteInfo{}, fmt.Errorf("%w: dbsize: %v", ErrUnavailable, err)
	}

	info := RemoteInfo{Keys: keys, MemoryUsage: "unknown"}
	raw, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		// Key count alone is still useful; memory stays "unknown".
		return info, nil
	}
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, "used_memory_human:") {
			info.MemoryUsage = strings.TrimSpace(strings.TrimPrefix(line, "used_memory_human:"))
			break
		}
	}
	return info, nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
