package backtest

import (
	"context"
	"math"

	"github.com/codeway3/chronoretrace/internal/domain"
)

// Run executes a grid trading backtest over the bar series.
//
// Bars outside [cfg.StartDate, cfg.EndDate] are ignored; the remaining
// series must be date-ordered. At most one grid trade executes per bar: buys
// are considered slot-by-slot in ascending order first, then sells. A
// bound-exit liquidation at the close may follow it on the same bar and ends
// the simulation. The engine
// checks ctx between bars so long simulations cancel promptly.
func Run(ctx context.Context, bars []domain.Bar, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	inRange := filterRange(bars, cfg.StartDate, cfg.EndDate)
	if len(inRange) == 0 {
		return nil, ErrNoDataInRange
	}

	marketType := domain.MarketTypeForSymbol(cfg.StockCode)
	lot := marketType.LotSize()

	step := (cfg.UpperPrice - cfg.LowerPrice) / float64(cfg.GridCount)
	cashPerGrid := cfg.TotalInvestment / float64(cfg.GridCount)

	slots := make([]gridSlot, cfg.GridCount)
	for i := range slots {
		slots[i] = gridSlot{
			buyPrice:  cfg.LowerPrice + float64(i)*step,
			sellPrice: cfg.LowerPrice + float64(i+1)*step,
		}
	}

	cash := cfg.TotalInvestment
	shares := cfg.InitialQuantity
	initialCostBasis := float64(cfg.InitialQuantity) * cfg.InitialPerShareCost
	poolCost := initialCostBasis

	initialValue := cfg.TotalInvestment + initialCostBasis
	peakValue := initialValue
	maxDrawdown := 0.0
	winningTrades := 0
	sellTrades := 0

	// Buy-and-hold benchmark sized to the full initial portfolio value.
	benchmarkShares := initialValue / inRange[0].Open

	var transactions []Transaction
	var chart []EquityPoint

	for _, bar := range inRange {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		barDate := DateOf(bar.TradeDate)
		tradeExecuted := false

		// Buys first, ascending slot order.
		for i := range slots {
			slot := &slots[i]
			if slot.bought || bar.Low > slot.buyPrice || slot.buyPrice <= 0 {
				continue
			}

			qty := affordableQuantity(cashPerGrid, slot.buyPrice, lot, cfg.CommissionRate, cfg.MinCommission)
			if qty <= 0 {
				continue
			}
			totalCost := buyCost(qty, slot.buyPrice, cfg.CommissionRate, cfg.MinCommission)
			if cash < totalCost {
				continue
			}

			cash -= totalCost
			shares += qty
			poolCost += totalCost
			slot.bought = true
			slot.boughtQuantity = qty
			slot.costBasis = totalCost

			transactions = append(transactions, Transaction{
				TradeDate: barDate,
				TradeType: TradeBuy,
				Price:     slot.buyPrice,
				Quantity:  qty,
			})
			tradeExecuted = true
			break
		}

		// Then sells, ascending slot order.
		if !tradeExecuted {
			for i := range slots {
				slot := &slots[i]
				if !slot.bought || bar.High < slot.sellPrice || shares < slot.boughtQuantity {
					continue
				}

				qty := slot.boughtQuantity
				gross := float64(qty) * slot.sellPrice
				fees := math.Max(cfg.MinCommission, gross*cfg.CommissionRate) + gross*cfg.StampDutyRate
				net := gross - fees

				cash += net
				shares -= qty
				poolCost -= slot.costBasis

				pnl := net - slot.costBasis
				sellTrades++
				if pnl > 0 {
					winningTrades++
				}

				slot.bought = false
				slot.boughtQuantity = 0
				slot.costBasis = 0

				pnlCopy := pnl
				transactions = append(transactions, Transaction{
					TradeDate: barDate,
					TradeType: TradeSell,
					Price:     slot.sellPrice,
					Quantity:  qty,
					PnL:       &pnlCopy,
				})
				break
			}
		}

		// Mark-to-market, drawdown, equity curve.
		value := cash + float64(shares)*bar.Close
		if value > peakValue {
			peakValue = value
		}
		if peakValue > 0 {
			if dd := (peakValue - value) / peakValue; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
		chart = append(chart, EquityPoint{
			Date:           barDate,
			PortfolioValue: value,
			BenchmarkValue: benchmarkShares * bar.Close,
		})

		// Bound-exit policies terminate the simulation on liquidation.
		if cfg.OnExceedUpper == PolicySellAll && bar.Close > cfg.UpperPrice && shares > 0 {
			cash += liquidate(&transactions, barDate, shares, bar.Close, cfg)
			shares = 0
			poolCost = 0
			break
		}
		if cfg.OnFallBelowLower == PolicySellAll && bar.Close < cfg.LowerPrice && shares > 0 {
			cash += liquidate(&transactions, barDate, shares, bar.Close, cfg)
			shares = 0
			poolCost = 0
			break
		}
	}

	// Final valuation uses the last in-range bar even when the loop
	// terminated early; with a liquidated pool the close is irrelevant.
	finalClose := inRange[len(inRange)-1].Close
	finalValue := cash + float64(shares)*finalClose

	// After an early termination the last chart point may predate the
	// liquidation cash-out; append a closing point so the curve ends at
	// the realized value.
	if len(chart) == 0 || chart[len(chart)-1].PortfolioValue != finalValue {
		chart = append(chart, EquityPoint{
			Date:           DateOf(inRange[len(inRange)-1].TradeDate),
			PortfolioValue: finalValue,
			BenchmarkValue: benchmarkShares * finalClose,
		})
	}

	totalPnL := finalValue - initialValue
	totalReturn := 0.0
	if initialValue > 0 {
		totalReturn = totalPnL / initialValue
	}

	totalDays := cfg.EndDate.Sub(cfg.StartDate.Time).Hours() / 24
	years := 0.0
	if totalDays > 30 {
		years = totalDays / 365.25
	}
	annualized := 0.0
	if years > 0 && totalReturn > -1 {
		annualized = math.Pow(1+totalReturn, 1/years) - 1
	}

	winRate := 0.0
	if sellTrades > 0 {
		winRate = float64(winningTrades) / float64(sellTrades)
	}

	avgCost := 0.0
	if shares > 0 {
		avgCost = poolCost / float64(shares)
	}

	return &Result{
		TotalPnL:             totalPnL,
		TotalReturnRate:      totalReturn,
		AnnualizedReturnRate: annualized,
		MaxDrawdown:          maxDrawdown,
		WinRate:              winRate,
		TradeCount:           len(transactions),
		ChartData:            chart,
		KlineData:            inRange,
		TransactionLog:       transactions,
		StrategyConfig:       cfg,
		MarketType:           marketType,
		FinalHoldingQuantity: shares,
		AverageHoldingCost:   avgCost,
	}, nil
}

// affordableQuantity sizes a buy: round the candidate quantity down to the
// market lot, then shrink lot by lot until the all-in cost fits the grid's
// cash allotment.
func affordableQuantity(cashPerGrid, price float64, lot int64, commissionRate, minCommission float64) int64 {
	candidate := int64(cashPerGrid / price)
	qty := (candidate / lot) * lot

	for qty > 0 && buyCost(qty, price, commissionRate, minCommission) > cashPerGrid {
		qty -= lot
	}
	return qty
}

// buyCost returns gross plus commission, honoring the commission floor.
// A zero-fee configuration yields exactly the gross.
func buyCost(qty int64, price, commissionRate, minCommission float64) float64 {
	gross := float64(qty) * price
	commission := gross * commissionRate
	if commission < minCommission {
		commission = minCommission
	}
	return gross + commission
}

// liquidate sells the whole pool at the close with full fees and appends
// the transaction. Realized P&L is left unset; the total-P&L computation
// via final portfolio value is the source of truth for bound exits.
func liquidate(transactions *[]Transaction, date Date, shares int64, close float64, cfg Config) float64 {
	gross := float64(shares) * close
	fees := math.Max(cfg.MinCommission, gross*cfg.CommissionRate) + gross*cfg.StampDutyRate
	*transactions = append(*transactions, Transaction{
		TradeDate: date,
		TradeType: TradeSell,
		Price:     close,
		Quantity:  shares,
	})
	return gross - fees
}

// filterRange returns bars with start <= date <= end, preserving order.
func filterRange(bars []domain.Bar, start, end Date) []domain.Bar {
	var out []domain.Bar
	for _, bar := range bars {
		d := DateOf(bar.TradeDate)
		if d.Before(start.Time) || d.After(end.Time) {
			continue
		}
		out = append(out, bar)
	}
	return out
}
