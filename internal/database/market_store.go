package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/codeway3/chronoretrace/internal/domain"
)

// MarketStore persists the reference universe and daily bars. It is the
// provider seam the warming controller and the backtest endpoint read
// from; ingestion adapters write into it after the quality pipeline.
type MarketStore struct {
	db  *DB
	log zerolog.Logger
}

// NewMarketStore creates the store and ensures its schema exists.
func NewMarketStore(db *DB, log zerolog.Logger) (*MarketStore, error) {
	s := &MarketStore{
		db:  db,
		log: log.With().Str("component", "market_store").Logger(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize market store schema: %w", err)
	}
	return s, nil
}

func (s *MarketStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instruments (
		symbol   TEXT PRIMARY KEY,
		name     TEXT NOT NULL DEFAULT '',
		market   TEXT NOT NULL,
		industry TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS daily_bars (
		symbol     TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		open       REAL NOT NULL,
		high       REAL NOT NULL,
		low        REAL NOT NULL,
		close      REAL NOT NULL,
		volume     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, trade_date)
	);

	CREATE INDEX IF NOT EXISTS idx_daily_bars_symbol_date
		ON daily_bars (symbol, trade_date DESC);
	`
	_, err := s.db.Conn().Exec(schema)
	return err
}

// UpsertInstrument inserts or updates one instrument.
func (s *MarketStore) UpsertInstrument(ctx context.Context, inst domain.Instrument) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO instruments (symbol, name, market, industry)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			market = excluded.market,
			industry = excluded.industry
	`, inst.Symbol, inst.Name, string(inst.Market), inst.Industry)
	if err != nil {
		return fmt.Errorf("failed to upsert instrument %s: %w", inst.Symbol, err)
	}
	return nil
}

// UpsertBars writes a batch of daily bars for a symbol in one transaction.
func (s *MarketStore) UpsertBars(ctx context.Context, symbol string, bars []domain.Bar) error {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin bar upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_bars (symbol, trade_date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, trade_date) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare bar upsert: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		if _, err := stmt.ExecContext(ctx,
			symbol,
			bar.TradeDate.Format("2006-01-02"),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
		); err != nil {
			return fmt.Errorf("failed to upsert bar %s/%s: %w", symbol, bar.TradeDate.Format("2006-01-02"), err)
		}
	}
	return tx.Commit()
}

// ListInstruments returns the whole reference universe, symbol-ordered.
func (s *MarketStore) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT symbol, name, market, industry FROM instruments ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		var inst domain.Instrument
		var market string
		if err := rows.Scan(&inst.Symbol, &inst.Name, &market, &inst.Industry); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		inst.Market = domain.MarketType(market)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// GetInstrument returns one instrument, or nil when unknown.
func (s *MarketStore) GetInstrument(ctx context.Context, symbol string) (*domain.Instrument, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT symbol, name, market, industry FROM instruments WHERE symbol = ?
	`, symbol)

	var inst domain.Instrument
	var market string
	if err := row.Scan(&inst.Symbol, &inst.Name, &market, &inst.Industry); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get instrument %s: %w", symbol, err)
	}
	inst.Market = domain.MarketType(market)
	return &inst, nil
}

// HotSymbols returns the symbols with the highest recent traded volume.
func (s *MarketStore) HotSymbols(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT symbol FROM daily_bars
		GROUP BY symbol
		ORDER BY SUM(volume) DESC, symbol
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query hot symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan hot symbol: %w", err)
		}
		out = append(out, symbol)
	}
	return out, rows.Err()
}

// RecentBars returns the most recent daily bars for a symbol, oldest first.
func (s *MarketStore) RecentBars(ctx context.Context, symbol string, days int) ([]domain.Bar, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT trade_date, open, high, low, close, volume FROM (
			SELECT trade_date, open, high, low, close, volume
			FROM daily_bars WHERE symbol = ?
			ORDER BY trade_date DESC LIMIT ?
		) ORDER BY trade_date ASC
	`, symbol, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent bars for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// BarsInRange returns the daily bars with start <= date <= end, date-ordered.
func (s *MarketStore) BarsInRange(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT trade_date, open, high, low, close, volume
		FROM daily_bars
		WHERE symbol = ? AND trade_date >= ? AND trade_date <= ?
		ORDER BY trade_date ASC
	`, symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// AllBars returns every stored bar for a symbol, date-ordered.
func (s *MarketStore) AllBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT trade_date, open, high, low, close, volume
		FROM daily_bars WHERE symbol = ?
		ORDER BY trade_date ASC
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanBars(rows)
}

func scanBars(rows *sql.Rows) ([]domain.Bar, error) {
	var out []domain.Bar
	for rows.Next() {
		var bar domain.Bar
		var dateStr string
		if err := rows.Scan(&dateStr, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bar date %q: %w", dateStr, err)
		}
		bar.TradeDate = date
		out = append(out, bar)
	}
	return out, rows.Err()
}
