package backtest

import (
	"context"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/codeway3/chronoretrace/internal/domain"
)

// OptimizationConfig sweeps a grid of strategy parameters over one bar
// series. Empty candidate slices fall back to the base config's value.
type OptimizationConfig struct {
	Base        Config    `json:"base"`
	GridCounts  []int     `json:"grid_counts,omitempty"`
	UpperPrices []float64 `json:"upper_prices,omitempty"`
	LowerPrices []float64 `json:"lower_prices,omitempty"`
}

// ParameterResult summarizes one parameter set of the sweep.
type ParameterResult struct {
	GridCount            int     `json:"grid_count"`
	UpperPrice           float64 `json:"upper_price"`
	LowerPrice           float64 `json:"lower_price"`
	TotalPnL             float64 `json:"total_pnl"`
	TotalReturnRate      float64 `json:"total_return_rate"`
	AnnualizedReturnRate float64 `json:"annualized_return_rate"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	WinRate              float64 `json:"win_rate"`
	TradeCount           int     `json:"trade_count"`
	Error                string  `json:"error,omitempty"`
}

// OptimizationResult is the sweep outcome. Results appear in deterministic
// sweep order (grid count, then upper, then lower); Best points at the
// highest-P&L valid result.
type OptimizationResult struct {
	Results       []ParameterResult `json:"results"`
	Best          *ParameterResult  `json:"best,omitempty"`
	MeanReturn    float64           `json:"mean_return"`
	StdDevReturn  float64           `json:"stddev_return"`
	EvaluatedSets int               `json:"evaluated_sets"`
}

// Optimize runs the engine once per parameter combination. Combinations run
// concurrently on workers goroutines; each invocation is independent, so
// output stays deterministic regardless of completion order.
func Optimize(ctx context.Context, bars []domain.Bar, cfg OptimizationConfig, workers int) (*OptimizationResult, error) {
	gridCounts := cfg.GridCounts
	if len(gridCounts) == 0 {
		gridCounts = []int{cfg.Base.GridCount}
	}
	uppers := cfg.UpperPrices
	if len(uppers) == 0 {
		uppers = []float64{cfg.Base.UpperPrice}
	}
	lowers := cfg.LowerPrices
	if len(lowers) == 0 {
		lowers = []float64{cfg.Base.LowerPrice}
	}

	var combos []Config
	for _, n := range gridCounts {
		for _, up := range uppers {
			for _, lo := range lowers {
				c := cfg.Base
				c.GridCount = n
				c.UpperPrice = up
				c.LowerPrice = lo
				combos = append(combos, c)
			}
		}
	}

	if workers <= 0 {
		workers = 4
	}
	if workers > len(combos) {
		workers = len(combos)
	}

	results := make([]ParameterResult, len(combos))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				combo := combos[idx]
				pr := ParameterResult{
					GridCount:  combo.GridCount,
					UpperPrice: combo.UpperPrice,
					LowerPrice: combo.LowerPrice,
				}
				res, err := Run(ctx, bars, combo)
				if err != nil {
					pr.Error = err.Error()
				} else {
					pr.TotalPnL = res.TotalPnL
					pr.TotalReturnRate = res.TotalReturnRate
					pr.AnnualizedReturnRate = res.AnnualizedReturnRate
					pr.MaxDrawdown = res.MaxDrawdown
					pr.WinRate = res.WinRate
					pr.TradeCount = res.TradeCount
				}
				results[idx] = pr
			}
		}()
	}

	for idx := range combos {
		select {
		case jobs <- idx:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil, ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	out := &OptimizationResult{Results: results, EvaluatedSets: len(results)}

	var returns []float64
	for i := range results {
		if results[i].Error != "" {
			continue
		}
		returns = append(returns, results[i].TotalReturnRate)
		if out.Best == nil || results[i].TotalPnL > out.Best.TotalPnL {
			out.Best = &results[i]
		}
	}
	if len(returns) > 0 {
		sort.Float64s(returns)
		out.MeanReturn = stat.Mean(returns, nil)
		if len(returns) > 1 {
			out.StdDevReturn = stat.StdDev(returns, nil)
		}
	}

	return out, nil
}
