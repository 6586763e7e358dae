// Package config provides configuration management functionality.
//
// This package handles loading configuration from environment variables
// (.env file supported via godotenv). All cache TTLs, intervals, and
// service addresses are resolved here at startup; components receive
// plain values and never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir  string // Base directory for the market-data database
	Port     int    // HTTP server port (default: 8000)
	LogLevel string // Log level (debug, info, warn, error)
	DevMode  bool   // Development mode flag

	RedisURL string // Remote cache address, e.g. redis://localhost:6379/0

	Cache    CacheConfig
	Stream   StreamConfig
	Warming  WarmingConfig
	Monitor  MonitorConfig
	Database DatabaseConfig
}

// CacheConfig holds in-process and multi-tier cache settings.
type CacheConfig struct {
	MemoryCapacity int           // Max entries in the in-process LRU
	DefaultTTL     time.Duration // Fallback TTL when no namespace default applies
	StockInfoTTL   time.Duration // TTL for stock:info entries
	StockDailyTTL  time.Duration // TTL for stock:daily entries
	SweepInterval  time.Duration // Periodic expiry sweep of the in-process cache
	RemoteTimeout  time.Duration // Per-call deadline for remote cache operations
}

// StreamConfig holds real-time connection manager settings.
type StreamConfig struct {
	HeartbeatInterval time.Duration // Ping cadence for live sessions
	HeartbeatTimeout  time.Duration // Disconnect sessions whose last pong is older than this
	IdleThreshold     time.Duration // cleanup_inactive reaps sessions idle longer than this
	SendQueueSize     int           // Bounded per-session outbound queue
}

// WarmingConfig holds cache warming controller settings.
type WarmingConfig struct {
	Schedule         string        // Cron spec (with seconds) for the full warm
	Workers          int           // Worker pool size for ad-hoc warms
	StaleThreshold   time.Duration // Entries older than this are eligible for stale refresh
	FailureThreshold float64       // Degraded when per-run failure ratio exceeds this
}

// MonitorConfig holds performance monitor settings.
type MonitorConfig struct {
	SampleInterval time.Duration // Host metrics sampling tick
	HistorySize    int           // Bounded ring of retained host samples
}

// DatabaseConfig holds market-data store settings.
type DatabaseConfig struct {
	Path string // SQLite database file path
}

// Load reads configuration from environment variables.
//
// A .env file is loaded first if present; explicit environment variables
// take precedence. The data directory is resolved to an absolute path and
// created if missing.
func Load(dataDirOverride ...string) (*Config, error) {
	// godotenv.Load() returns an error if .env doesn't exist, which is fine
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("CHRONO_DATA_DIR", "./data")
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("CHRONO_PORT", 8000),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Cache: CacheConfig{
			MemoryCapacity: getEnvAsInt("CACHE_MEMORY_CAPACITY", 10000),
			DefaultTTL:     getEnvAsDuration("CACHE_DEFAULT_TTL", 30*time.Minute),
			StockInfoTTL:   getEnvAsDuration("CACHE_STOCK_INFO_TTL", 24*time.Hour),
			StockDailyTTL:  getEnvAsDuration("CACHE_STOCK_DAILY_TTL", time.Hour),
			SweepInterval:  getEnvAsDuration("CACHE_SWEEP_INTERVAL", time.Minute),
			RemoteTimeout:  getEnvAsDuration("CACHE_REMOTE_TIMEOUT", 2*time.Second),
		},
		Stream: StreamConfig{
			HeartbeatInterval: getEnvAsDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatTimeout:  getEnvAsDuration("WS_HEARTBEAT_TIMEOUT", 90*time.Second),
			IdleThreshold:     getEnvAsDuration("WS_IDLE_THRESHOLD", 5*time.Minute),
			SendQueueSize:     getEnvAsInt("WS_SEND_QUEUE_SIZE", 256),
		},
		Warming: WarmingConfig{
			Schedule:         getEnv("WARMING_SCHEDULE", "0 0 * * * *"), // hourly
			Workers:          getEnvAsInt("WARMING_WORKERS", 4),
			StaleThreshold:   getEnvAsDuration("WARMING_STALE_THRESHOLD", 30*time.Minute),
			FailureThreshold: getEnvAsFloat("WARMING_FAILURE_THRESHOLD", 0.5),
		},
		Monitor: MonitorConfig{
			SampleInterval: getEnvAsDuration("MONITOR_SAMPLE_INTERVAL", 30*time.Second),
			HistorySize:    getEnvAsInt("MONITOR_HISTORY_SIZE", 1000),
		},
		Database: DatabaseConfig{
			Path: getEnv("CHRONO_DB_PATH", filepath.Join(absDataDir, "market.db")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Cache.MemoryCapacity <= 0 {
		return fmt.Errorf("CACHE_MEMORY_CAPACITY must be positive, got %d", c.Cache.MemoryCapacity)
	}
	if c.Stream.SendQueueSize <= 0 {
		return fmt.Errorf("WS_SEND_QUEUE_SIZE must be positive, got %d", c.Stream.SendQueueSize)
	}
	if c.Warming.Workers <= 0 {
		return fmt.Errorf("WARMING_WORKERS must be positive, got %d", c.Warming.Workers)
	}
	return nil
}

// ==========================================
// Helper Functions
// ==========================================

// getEnv retrieves an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsFloat retrieves an environment variable as a float with a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvAsDuration retrieves an environment variable as a duration with a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
