// Package backtest implements the grid-trading backtest engine.
//
// The engine is a pure deterministic simulator: a function of (bar series,
// strategy configuration) with no I/O, no wall clock, and no map-iteration
// dependence. Callers fetch bars, run the engine, and serialize the result.
package backtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/codeway3/chronoretrace/internal/domain"
)

// Date is a calendar date serialized as "2006-01-02".
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// NewDate builds a Date from year/month/day in UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a timestamp to its calendar date in UTC.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(dateLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid date %s", s)
	}
	t, err := time.Parse(dateLayout, s[1:len(s)-1])
	if err != nil {
		return fmt.Errorf("invalid date %s: %w", s, err)
	}
	d.Time = t
	return nil
}

// BoundPolicy selects the behavior when price leaves the grid band.
type BoundPolicy string

const (
	PolicyHold    BoundPolicy = "hold"
	PolicySellAll BoundPolicy = "sell_all"
)

// Config is the grid strategy configuration.
//
// Fee fields are plain values: the HTTP layer owns defaulting, the engine
// takes what it is given so zero-fee runs are expressible.
type Config struct {
	StockCode           string      `json:"stock_code"`
	StartDate           Date        `json:"start_date"`
	EndDate             Date        `json:"end_date"`
	UpperPrice          float64     `json:"upper_price"`
	LowerPrice          float64     `json:"lower_price"`
	GridCount           int         `json:"grid_count"`
	TotalInvestment     float64     `json:"total_investment"`
	InitialQuantity     int64       `json:"initial_quantity"`
	InitialPerShareCost float64     `json:"initial_per_share_cost"`
	OnExceedUpper       BoundPolicy `json:"on_exceed_upper"`
	OnFallBelowLower    BoundPolicy `json:"on_fall_below_lower"`
	CommissionRate      float64     `json:"commission_rate"`
	StampDutyRate       float64     `json:"stamp_duty_rate"`
	MinCommission       float64     `json:"min_commission"`
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.UpperPrice <= c.LowerPrice {
		return &ConfigError{Field: "upper_price", Reason: "upper_price must be greater than lower_price"}
	}
	if c.GridCount < 1 {
		return &ConfigError{Field: "grid_count", Reason: "grid_count must be at least 1"}
	}
	if c.TotalInvestment <= 0 {
		return &ConfigError{Field: "total_investment", Reason: "total_investment must be positive"}
	}
	if c.StartDate.After(c.EndDate.Time) {
		return &ConfigError{Field: "start_date", Reason: "start_date must not be after end_date"}
	}
	if c.InitialQuantity < 0 {
		return &ConfigError{Field: "initial_quantity", Reason: "initial_quantity must not be negative"}
	}
	return nil
}

// ConfigError reports an invalid strategy configuration with the offending
// field. Never retried by callers.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config (%s): %s", e.Field, e.Reason)
}

// Code returns the machine-readable error code.
func (e *ConfigError) Code() string { return "INVALID_CONFIG" }

// ErrNoDataInRange is returned when the bar series has no bars inside the
// requested date range.
var ErrNoDataInRange = errors.New("no historical data available for the specified date range")

// TradeType tags transaction log entries.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// Transaction is a single trade executed during the backtest. PnL is only
// set on regular sells; bound-exit liquidations leave it nil and the total
// P&L via final portfolio value is the source of truth.
type Transaction struct {
	TradeDate Date      `json:"trade_date"`
	TradeType TradeType `json:"trade_type"`
	Price     float64   `json:"price"`
	Quantity  int64     `json:"quantity"`
	PnL       *float64  `json:"pnl,omitempty"`
}

// EquityPoint is one point of the portfolio-value chart.
type EquityPoint struct {
	Date           Date    `json:"date"`
	PortfolioValue float64 `json:"portfolio_value"`
	BenchmarkValue float64 `json:"benchmark_value"`
}

// Result is the detailed outcome of a backtest.
type Result struct {
	TotalPnL             float64           `json:"total_pnl"`
	TotalReturnRate      float64           `json:"total_return_rate"`
	AnnualizedReturnRate float64           `json:"annualized_return_rate"`
	MaxDrawdown          float64           `json:"max_drawdown"`
	WinRate              float64           `json:"win_rate"`
	TradeCount           int               `json:"trade_count"`
	ChartData            []EquityPoint     `json:"chart_data"`
	KlineData            []domain.Bar      `json:"kline_data"`
	TransactionLog       []Transaction     `json:"transaction_log"`
	StrategyConfig       Config            `json:"strategy_config"`
	MarketType           domain.MarketType `json:"market_type"`
	FinalHoldingQuantity int64             `json:"final_holding_quantity"`
	AverageHoldingCost   float64           `json:"average_holding_cost"`
}

// gridSlot is one of the N price bands, able to hold one outstanding buy.
type gridSlot struct {
	bought         bool
	buyPrice       float64
	sellPrice      float64
	boughtQuantity int64
	costBasis      float64 // total cost recorded on fill, fees included
}
