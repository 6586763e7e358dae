// Package main is the entry point for the ChronoRetrace market-data and
// quantitative-analytics backend.
//
// Startup sequence:
//  1. Load configuration from environment variables (.env supported)
//  2. Initialize structured logging
//  3. Open the market-data store
//  4. Wire the cache tiers, warming controller, and performance monitor
//  5. Register scheduled jobs (full warm, stale refresh)
//  6. Start the real-time connection manager and quote publisher
//  7. Start the HTTP server and wait for a shutdown signal
//
// All background tasks are released deterministically on shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeway3/chronoretrace/internal/analytics"
	"github.com/codeway3/chronoretrace/internal/cache"
	"github.com/codeway3/chronoretrace/internal/config"
	"github.com/codeway3/chronoretrace/internal/database"
	"github.com/codeway3/chronoretrace/internal/events"
	"github.com/codeway3/chronoretrace/internal/monitoring"
	"github.com/codeway3/chronoretrace/internal/scheduler"
	"github.com/codeway3/chronoretrace/internal/server"
	"github.com/codeway3/chronoretrace/internal/stream"
	"github.com/codeway3/chronoretrace/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting ChronoRetrace")

	// Market-data store
	db, err := database.New(database.Config{
		Path:    cfg.Database.Path,
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open market database")
	}
	defer db.Close()

	store, err := database.NewMarketStore(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize market store")
	}

	// Performance monitor and host sampler
	monitor := monitoring.NewMonitor(cfg.Monitor.HistorySize, log)
	sampler := monitoring.NewSampler(monitor, cfg.Monitor.SampleInterval, log)
	sampler.Start()
	defer sampler.Stop()

	// Cache tiers
	remote, err := cache.NewRedisCache(cfg.RedisURL, cfg.Cache.RemoteTimeout, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure remote cache")
	}
	defer remote.Close()

	memory := cache.NewMemoryCache(cfg.Cache.MemoryCapacity, cfg.Cache.DefaultTTL, cfg.Cache.SweepInterval)
	defer memory.Close()

	multiCache := cache.NewMultiTierCache(memory, remote, monitor, log)
	keys := cache.NewKeyManager()

	// Warming controller
	warming := cache.NewWarmingService(multiCache, keys, store, cache.WarmingServiceConfig{
		Workers:          cfg.Warming.Workers,
		StaleThreshold:   cfg.Warming.StaleThreshold,
		FailureThreshold: cfg.Warming.FailureThreshold,
		StockInfoTTL:     cfg.Cache.StockInfoTTL,
		StockDailyTTL:    cfg.Cache.StockDailyTTL,
	}, log)

	// Scheduled jobs
	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.Warming.Schedule, cache.NewScheduledWarmJob(warming)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register warming job")
	}
	if err := sched.AddJob("0 */15 * * * *", cache.NewStaleRefreshJob(warming)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register stale refresh job")
	}
	sched.Start()
	defer sched.Stop()

	// Real-time fan-out
	bus := events.NewBus(log)
	hub := stream.NewHub(stream.Config{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Stream.HeartbeatTimeout,
		IdleThreshold:     cfg.Stream.IdleThreshold,
		SendQueueSize:     cfg.Stream.SendQueueSize,
	}, log)
	stream.NewHandler(hub, log)
	stream.NewPublisher(hub, bus, log)
	hub.Start()
	defer hub.Stop()

	wsHandler := stream.NewWSHandler(hub, nil, log)

	// HTTP server
	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Cache:     multiCache,
		Keys:      keys,
		Warming:   warming,
		Monitor:   monitor,
		Hub:       hub,
		WSHandler: wsHandler,
		Store:     store,
		Generator: analytics.NewGenerator(log),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}

	log.Info().Msg("ChronoRetrace stopped")
}
