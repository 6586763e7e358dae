package analytics

import (
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/codeway3/chronoretrace/internal/domain"
)

const (
	minBarsGrid          = 2
	minBarsMeanReversion = 20
	floatEqualityEpsilon = 1e-10
)

// StrategyKind selects the signal generation mode.
type StrategyKind string

const (
	StrategyTechnical     StrategyKind = "technical"
	StrategyGrid          StrategyKind = "grid"
	StrategyMeanReversion StrategyKind = "mean_reversion"
)

// IndicatorKind is the sum over supported indicator variants.
type IndicatorKind string

const (
	IndicatorSMA            IndicatorKind = "sma"
	IndicatorEMA            IndicatorKind = "ema"
	IndicatorRSI            IndicatorKind = "rsi"
	IndicatorMACD           IndicatorKind = "macd"
	IndicatorBollingerUpper IndicatorKind = "bollinger_upper"
	IndicatorBollingerLower IndicatorKind = "bollinger_lower"
	IndicatorATR            IndicatorKind = "atr"
	IndicatorPrice          IndicatorKind = "price"
)

// Operator compares an indicator value against a condition threshold.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
)

// Action is what a triggered condition requests.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Condition is one technical-strategy trigger: indicator OP value → action.
type Condition struct {
	Indicator IndicatorKind `json:"indicator"`
	Window    int           `json:"window,omitempty"`
	Fast      int           `json:"fast,omitempty"`
	Slow      int           `json:"slow,omitempty"`
	Signal    int           `json:"signal,omitempty"`
	StdDev    float64       `json:"std_dev,omitempty"`
	Operator  Operator      `json:"operator"`
	Value     float64       `json:"value"`
	Action    Action        `json:"action"`
	Quantity  float64       `json:"quantity,omitempty"`
}

// Strategy is a signal-generation definition.
type Strategy struct {
	Kind   StrategyKind `json:"type"`
	Symbol string       `json:"symbol"`

	// Technical strategies.
	Conditions []Condition `json:"conditions,omitempty"`

	// Grid strategies.
	UpperPrice      float64 `json:"upper_price,omitempty"`
	LowerPrice      float64 `json:"lower_price,omitempty"`
	GridCount       int     `json:"grid_count,omitempty"`
	QuantityPerGrid float64 `json:"quantity_per_grid,omitempty"`

	// Mean-reversion strategies.
	LookbackPeriod   int     `json:"lookback_period,omitempty"`
	StdDevMultiplier float64 `json:"std_dev_multiplier,omitempty"`
	Quantity         float64 `json:"quantity,omitempty"`
}

// Signal is one generated trading signal.
type Signal struct {
	Action       Action    `json:"action"`
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	CurrentPrice float64   `json:"current_price,omitempty"`
	GridPosition int       `json:"grid_position,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Generator evaluates strategy definitions against bar history.
type Generator struct {
	log zerolog.Logger
}

// NewGenerator creates a signal generator.
func NewGenerator(log zerolog.Logger) *Generator {
	return &Generator{log: log.With().Str("component", "signal_generator").Logger()}
}

// GenerateSignals evaluates the strategy over the bar history and returns
// the triggered signals. Unknown strategy kinds yield no signals.
func (g *Generator) GenerateSignals(bars []domain.Bar, strategy Strategy) []Signal {
	switch strategy.Kind {
	case StrategyTechnical:
		return g.technicalSignals(bars, strategy)
	case StrategyGrid:
		return g.gridSignals(bars, strategy)
	case StrategyMeanReversion:
		return g.meanReversionSignals(bars, strategy)
	default:
		g.log.Warn().Str("type", string(strategy.Kind)).Msg("Unknown strategy type")
		return nil
	}
}

func (g *Generator) technicalSignals(bars []domain.Bar, strategy Strategy) []Signal {
	if len(bars) == 0 {
		return nil
	}

	var signals []Signal
	for _, cond := range strategy.Conditions {
		value := g.indicatorValue(bars, cond)
		if !applyOperator(value, cond.Value, cond.Operator) {
			continue
		}
		quantity := cond.Quantity
		if quantity == 0 {
			quantity = 1.0
		}
		action := cond.Action
		if action == "" {
			action = ActionBuy
		}
		signals = append(signals, Signal{
			Action:       action,
			Symbol:       strategy.Symbol,
			Quantity:     quantity,
			CurrentPrice: bars[len(bars)-1].Close,
			Timestamp:    bars[len(bars)-1].TradeDate,
		})
	}
	return signals
}

func (g *Generator) gridSignals(bars []domain.Bar, strategy Strategy) []Signal {
	if len(bars) < minBarsGrid {
		return nil
	}
	if strategy.UpperPrice <= strategy.LowerPrice || strategy.GridCount <= 1 {
		return nil
	}

	current := bars[len(bars)-1].Close
	spacing := (strategy.UpperPrice - strategy.LowerPrice) / float64(strategy.GridCount-1)
	position := int((current - strategy.LowerPrice) / spacing)

	action := ActionSell
	if position%2 == 0 {
		action = ActionBuy
	}
	quantity := strategy.QuantityPerGrid
	if quantity == 0 {
		quantity = 1.0
	}

	return []Signal{{
		Action:       action,
		Symbol:       strategy.Symbol,
		Quantity:     quantity,
		CurrentPrice: current,
		GridPosition: position,
		Timestamp:    bars[len(bars)-1].TradeDate,
	}}
}

func (g *Generator) meanReversionSignals(bars []domain.Bar, strategy Strategy) []Signal {
	if len(bars) < minBarsMeanReversion {
		return nil
	}

	lookback := strategy.LookbackPeriod
	if lookback <= 0 {
		lookback = 20
	}
	if lookback > len(bars) {
		lookback = len(bars)
	}
	multiplier := strategy.StdDevMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	closes := Closes(bars)
	window := closes[len(closes)-lookback:]
	mean := stat.Mean(window, nil)
	std := stat.StdDev(window, nil)

	upper := mean + multiplier*std
	lower := mean - multiplier*std
	current := closes[len(closes)-1]

	quantity := strategy.Quantity
	if quantity == 0 {
		quantity = 1.0
	}

	switch {
	case current > upper:
		return []Signal{{
			Action:       ActionSell,
			Symbol:       strategy.Symbol,
			Quantity:     quantity,
			CurrentPrice: current,
			Timestamp:    bars[len(bars)-1].TradeDate,
		}}
	case current < lower:
		return []Signal{{
			Action:       ActionBuy,
			Symbol:       strategy.Symbol,
			Quantity:     quantity,
			CurrentPrice: current,
			Timestamp:    bars[len(bars)-1].TradeDate,
		}}
	}
	return nil
}

func (g *Generator) indicatorValue(bars []domain.Bar, cond Condition) float64 {
	closes := Closes(bars)
	window := cond.Window
	if window <= 0 {
		window = 14
	}

	switch cond.Indicator {
	case IndicatorSMA:
		return LatestSMA(closes, window)
	case IndicatorEMA:
		return LatestEMA(closes, window)
	case IndicatorRSI:
		return LatestRSI(closes, window)
	case IndicatorMACD:
		fast, slow, signal := cond.Fast, cond.Slow, cond.Signal
		if fast <= 0 {
			fast = 12
		}
		if slow <= 0 {
			slow = 26
		}
		if signal <= 0 {
			signal = 9
		}
		return LatestMACDHist(closes, fast, slow, signal)
	case IndicatorBollingerUpper:
		stdDev := cond.StdDev
		if stdDev <= 0 {
			stdDev = 2.0
		}
		if cond.Window <= 0 {
			window = 20
		}
		upper, _ := LatestBollinger(closes, window, stdDev)
		return upper
	case IndicatorBollingerLower:
		stdDev := cond.StdDev
		if stdDev <= 0 {
			stdDev = 2.0
		}
		if cond.Window <= 0 {
			window = 20
		}
		_, lower := LatestBollinger(closes, window, stdDev)
		return lower
	case IndicatorATR:
		return LatestATR(bars, window)
	default:
		return closes[len(closes)-1]
	}
}

func applyOperator(value, compare float64, op Operator) bool {
	switch op {
	case OpGT:
		return value > compare
	case OpGTE:
		return value >= compare
	case OpLT:
		return value < compare
	case OpLTE:
		return value <= compare
	case OpEQ:
		return math.Abs(value-compare) < floatEqualityEpsilon
	default:
		return false
	}
}
