package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codeway3/chronoretrace/internal/domain"
)

// BarSource is the provider seam the warming controller populates from.
// The sqlite-backed market store implements it in production; tests use
// in-memory fakes.
type BarSource interface {
	ListInstruments(ctx context.Context) ([]domain.Instrument, error)
	HotSymbols(ctx context.Context, limit int) ([]string, error)
	GetInstrument(ctx context.Context, symbol string) (*domain.Instrument, error)
	RecentBars(ctx context.Context, symbol string, days int) ([]domain.Bar, error)
}

// WarmingOptions configures a single warming run.
type WarmingOptions struct {
	Symbols        []string // Explicit symbol list; empty means the whole universe
	ForceRefresh   bool     // Overwrite entries that already exist
	WarmStockInfo  bool     // Populate stock:info entries
	WarmRecentData bool     // Populate stock:daily entries
	WarmHotStocks  bool     // Restrict a full warm to the hot list
}

// RunStats describes one warming run.
type RunStats struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Warmed    int           `json:"warmed_count"`
	Failed    int           `json:"failed_count"`
	Skipped   int           `json:"skipped_count"`
	Status    string        `json:"status"` // completed | degraded
}

// WarmingStats is the controller-lifetime aggregate.
type WarmingStats struct {
	TotalWarmed     int64      `json:"total_warmed"`
	TotalFailed     int64      `json:"total_failed"`
	Runs            int64      `json:"runs"`
	LastWarmingTime time.Time  `json:"last_warming_time"`
	LastRun         *RunStats  `json:"last_run,omitempty"`
	Degraded        bool       `json:"degraded"`
}

// WarmingServiceConfig holds the controller's tunables.
type WarmingServiceConfig struct {
	Workers          int           // Worker pool size for warming items
	RecentBarDays    int           // How many daily bars a stock:daily entry carries
	HotStockLimit    int           // Size of the hot list for WarmHotStocks
	StaleThreshold   time.Duration // Entries older than this are refreshed by RefreshStale
	FailureThreshold float64       // Run is degraded when failed/(warmed+failed) exceeds this
	StockInfoTTL     time.Duration
	StockDailyTTL    time.Duration
}

// WarmingService populates the multi-tier cache from the bar source.
//
// Runs are serialized per namespace: a scheduled full warm and an ad-hoc
// warm of the same namespace never interleave. Per-item failures are
// counted and skipped; a run only reports degraded when the failure ratio
// crosses the configured threshold.
type WarmingService struct {
	cache  *MultiTierCache
	keys   *KeyManager
	source BarSource
	cfg    WarmingServiceConfig
	log    zerolog.Logger

	nsMu    sync.Mutex
	nsLocks map[string]*sync.Mutex

	statsMu sync.Mutex
	stats   WarmingStats
}

// NewWarmingService creates the warming controller.
func NewWarmingService(cache *MultiTierCache, keys *KeyManager, source BarSource, cfg WarmingServiceConfig, log zerolog.Logger) *WarmingService {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RecentBarDays <= 0 {
		cfg.RecentBarDays = 30
	}
	if cfg.HotStockLimit <= 0 {
		cfg.HotStockLimit = 50
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.5
	}
	return &WarmingService{
		cache:   cache,
		keys:    keys,
		source:  source,
		cfg:     cfg,
		log:     log.With().Str("component", "cache_warming").Logger(),
		nsLocks: make(map[string]*sync.Mutex),
	}
}

// WarmAll runs a full warm across the configured namespaces.
func (s *WarmingService) WarmAll(ctx context.Context, opts WarmingOptions) (RunStats, error) {
	symbols := opts.Symbols
	if len(symbols) == 0 {
		var err error
		if opts.WarmHotStocks {
			symbols, err = s.source.HotSymbols(ctx, s.cfg.HotStockLimit)
		} else {
			var instruments []domain.Instrument
			instruments, err = s.source.ListInstruments(ctx)
			for _, inst := range instruments {
				symbols = append(symbols, inst.Symbol)
			}
		}
		if err != nil {
			return RunStats{}, fmt.Errorf("failed to resolve warm universe: %w", err)
		}
	}

	return s.run(ctx, "full", symbols, opts)
}

// WarmSymbols runs an incremental warm of an explicit symbol list.
func (s *WarmingService) WarmSymbols(ctx context.Context, symbols []string, force bool) (RunStats, error) {
	return s.run(ctx, "incremental", symbols, WarmingOptions{
		ForceRefresh:   force,
		WarmStockInfo:  true,
		WarmRecentData: true,
	})
}

// RefreshStale re-warms entries whose in-process age exceeds the staleness
// threshold. Fresh entries are skipped.
func (s *WarmingService) RefreshStale(ctx context.Context) (RunStats, error) {
	instruments, err := s.source.ListInstruments(ctx)
	if err != nil {
		return RunStats{}, fmt.Errorf("failed to list instruments for stale refresh: %w", err)
	}

	var stale []string
	for _, inst := range instruments {
		key := s.keys.Key("stock_daily", inst.Symbol, nil)
		_, age, ok := s.cache.Memory().GetWithAge(key)
		if !ok || age > s.cfg.StaleThreshold {
			stale = append(stale, inst.Symbol)
		}
	}

	if len(stale) == 0 {
		return RunStats{Status: "completed"}, nil
	}
	return s.run(ctx, "stale", stale, WarmingOptions{
		ForceRefresh:   true,
		WarmStockInfo:  false,
		WarmRecentData: true,
	})
}

// run executes one warming run over symbols under the namespace guard.
func (s *WarmingService) run(ctx context.Context, namespace string, symbols []string, opts WarmingOptions) (RunStats, error) {
	lock := s.namespaceLock(namespace)
	lock.Lock()
	defer lock.Unlock()

	run := RunStats{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}

	type outcome struct {
		warmed  bool
		skipped bool
	}

	jobs := make(chan string)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				warmed, skipped, err := s.warmOne(ctx, symbol, opts)
				if err != nil {
					s.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to warm symbol")
					results <- outcome{}
					continue
				}
				results <- outcome{warmed: warmed, skipped: skipped}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, symbol := range symbols {
			select {
			case jobs <- symbol:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		switch {
		case res.warmed:
			run.Warmed++
		case res.skipped:
			run.Skipped++
		default:
			run.Failed++
		}
	}

	run.Duration = time.Since(run.StartedAt)
	run.Status = "completed"

	total := run.Warmed + run.Failed
	degraded := total > 0 && float64(run.Failed)/float64(total) > s.cfg.FailureThreshold
	if degraded {
		run.Status = "degraded"
	}

	s.statsMu.Lock()
	s.stats.TotalWarmed += int64(run.Warmed)
	s.stats.TotalFailed += int64(run.Failed)
	s.stats.Runs++
	s.stats.LastWarmingTime = run.StartedAt
	s.stats.LastRun = &run
	s.stats.Degraded = degraded
	s.statsMu.Unlock()

	s.log.Info().
		Str("run_id", run.RunID).
		Str("namespace", namespace).
		Int("warmed", run.Warmed).
		Int("failed", run.Failed).
		Int("skipped", run.Skipped).
		Dur("duration", run.Duration).
		Str("status", run.Status).
		Msg("Warming run finished")

	return run, ctx.Err()
}

// warmOne populates the configured namespaces for a single symbol.
func (s *WarmingService) warmOne(ctx context.Context, symbol string, opts WarmingOptions) (warmed, skipped bool, err error) {
	didWork := false

	if opts.WarmStockInfo || (!opts.WarmStockInfo && !opts.WarmRecentData) {
		key := s.keys.Key("stock_info", symbol, nil)
		if !opts.ForceRefresh && s.cache.Exists(ctx, key) {
			skipped = true
		} else {
			inst, err := s.source.GetInstrument(ctx, symbol)
			if err != nil {
				return false, false, fmt.Errorf("instrument %s: %w", symbol, err)
			}
			data, err := Encode(inst)
			if err != nil {
				return false, false, err
			}
			if err := s.cache.Set(ctx, key, data, s.cfg.StockInfoTTL); err != nil {
				return false, false, err
			}
			didWork = true
		}
	}

	if opts.WarmRecentData {
		key := s.keys.Key("stock_daily", symbol, nil)
		if !opts.ForceRefresh && s.cache.Exists(ctx, key) {
			skipped = true
		} else {
			bars, err := s.source.RecentBars(ctx, symbol, s.cfg.RecentBarDays)
			if err != nil {
				return false, false, fmt.Errorf("bars %s: %w", symbol, err)
			}
			data, err := Encode(bars)
			if err != nil {
				return false, false, err
			}
			if err := s.cache.Set(ctx, key, data, s.cfg.StockDailyTTL); err != nil {
				return false, false, err
			}
			didWork = true
		}
	}

	return didWork, skipped && !didWork, nil
}

// Stats returns a snapshot of the controller-lifetime statistics.
func (s *WarmingService) Stats() WarmingStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	stats := s.stats
	if s.stats.LastRun != nil {
		runCopy := *s.stats.LastRun
		stats.LastRun = &runCopy
	}
	return stats
}

// Healthy reports whether the controller is in a usable state: the last run
// did not trip the failure threshold.
func (s *WarmingService) Healthy() bool {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return !s.stats.Degraded
}

func (s *WarmingService) namespaceLock(namespace string) *sync.Mutex {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	lock, ok := s.nsLocks[namespace]
	if !ok {
		lock = &sync.Mutex{}
		s.nsLocks[namespace] = lock
	}
	return lock
}

// ==========================================
// Scheduled jobs
// ==========================================

// ScheduledWarmJob runs a full warm on the cron schedule.
type ScheduledWarmJob struct {
	service *WarmingService
}

// NewScheduledWarmJob creates the cron job wrapper for the full warm.
func NewScheduledWarmJob(service *WarmingService) *ScheduledWarmJob {
	return &ScheduledWarmJob{service: service}
}

// Name implements scheduler.Job.
func (j *ScheduledWarmJob) Name() string { return "cache:warm_all" }

// Run implements scheduler.Job.
func (j *ScheduledWarmJob) Run() error {
	_, err := j.service.WarmAll(context.Background(), WarmingOptions{
		WarmStockInfo:  true,
		WarmRecentData: true,
	})
	return err
}

// StaleRefreshJob refreshes aging entries on the cron schedule.
type StaleRefreshJob struct {
	service *WarmingService
}

// NewStaleRefreshJob creates the cron job wrapper for the stale refresh.
func NewStaleRefreshJob(service *WarmingService) *StaleRefreshJob {
	return &StaleRefreshJob{service: service}
}

// Name implements scheduler.Job.
func (j *StaleRefreshJob) Name() string { return "cache:refresh_stale" }

// Run implements scheduler.Job.
func (j *StaleRefreshJob) Run() error {
	_, err := j.service.RefreshStale(context.Background())
	return err
}
