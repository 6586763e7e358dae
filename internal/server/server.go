// Package server provides the HTTP server and routing for ChronoRetrace.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/codeway3/chronoretrace/internal/analytics"
	"github.com/codeway3/chronoretrace/internal/cache"
	"github.com/codeway3/chronoretrace/internal/config"
	"github.com/codeway3/chronoretrace/internal/database"
	"github.com/codeway3/chronoretrace/internal/monitoring"
	"github.com/codeway3/chronoretrace/internal/stream"
)

// Version is stamped at build time.
var Version = "dev"

// Config holds server configuration and the wired services.
type Config struct {
	Log       zerolog.Logger
	Config    *config.Config
	Cache     *cache.MultiTierCache
	Keys      *cache.KeyManager
	Warming   *cache.WarmingService
	Monitor   *monitoring.Monitor
	Hub       *stream.Hub
	WSHandler *stream.WSHandler
	Store     *database.MarketStore
	Generator *analytics.Generator
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	cfg       *config.Config
	cache     *cache.MultiTierCache
	keys      *cache.KeyManager
	warming   *cache.WarmingService
	monitor   *monitoring.Monitor
	hub       *stream.Hub
	wsHandler *stream.WSHandler
	store     *database.MarketStore
	generator *analytics.Generator
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Config,
		cache:     cfg.Cache,
		keys:      cfg.Keys,
		warming:   cfg.Warming,
		monitor:   cfg.Monitor,
		hub:       cfg.Hub,
		wsHandler: cfg.WSHandler,
		store:     cfg.Store,
		generator: cfg.Generator,
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Per-endpoint request metrics
	if s.monitor != nil {
		s.router.Use(monitoring.Middleware(s.monitor))
	}

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.Get("/health", s.handleHealth)

	// Real-time stream endpoint (upgraded, so outside the API middleware
	// timeout would kill it; chi's Timeout does not apply after hijack)
	if s.wsHandler != nil {
		s.router.Get("/ws/{client_id}", s.wsHandler.ServeHTTP)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/version", s.handleVersion)

		r.Route("/v1", func(r chi.Router) {
			// Cache management
			r.Route("/cache", func(r chi.Router) {
				r.Post("/warm", s.handleCacheWarm)
				r.Get("/stats", s.handleCacheStats)
				r.Post("/clear", s.handleCacheClear)
				r.Post("/refresh", s.handleCacheRefresh)
				r.Get("/health", s.handleCacheHealth)
			})

			// Backtests
			r.Route("/backtest", func(r chi.Router) {
				r.Post("/grid", s.handleGridBacktest)
				r.Post("/grid/optimize", s.handleGridOptimize)
			})

			// Data quality
			r.Route("/quality", func(r chi.Router) {
				r.Post("/validate", s.handleQualityValidate)
				r.Post("/deduplicate", s.handleQualityDeduplicate)
			})

			// Analytics
			r.Post("/analytics/signals", s.handleAnalyticsSignals)

			// Monitoring (read-only; cache invalidation lives under /cache
			// only, so there is a single clear endpoint)
			r.Route("/monitoring", func(r chi.Router) {
				r.Get("/cache", s.handleMonitoringCache)
				r.Get("/api", s.handleMonitoringAPI)
				r.Get("/system", s.handleMonitoringSystem)
				r.Get("/system/range", s.handleMonitoringSystemRange)
			})

			// Stream administration
			r.Route("/ws", func(r chi.Router) {
				r.Get("/stats", s.handleWSStats)
				r.Get("/connections", s.handleWSConnections)
				r.Get("/topics", s.handleWSTopics)
				r.Post("/broadcast/{topic}", s.handleWSBroadcast)
				r.Delete("/connections/{client_id}", s.handleWSDisconnect)
				r.Post("/cleanup", s.handleWSCleanup)
			})
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
