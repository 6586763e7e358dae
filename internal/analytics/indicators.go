// Package analytics implements technical-indicator evaluation and signal
// generation for strategy definitions.
package analytics

import (
	"github.com/markcheno/go-talib"

	"github.com/codeway3/chronoretrace/internal/domain"
)

// Closes extracts the close series from bars.
func Closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// LatestSMA returns the most recent simple moving average value.
func LatestSMA(closes []float64, window int) float64 {
	if len(closes) == 0 {
		return 0
	}
	if len(closes) < window {
		return closes[len(closes)-1]
	}
	sma := talib.Sma(closes, window)
	return sma[len(sma)-1]
}

// LatestEMA returns the most recent exponential moving average value.
func LatestEMA(closes []float64, window int) float64 {
	if len(closes) == 0 {
		return 0
	}
	if len(closes) < window {
		return closes[len(closes)-1]
	}
	ema := talib.Ema(closes, window)
	return ema[len(ema)-1]
}

// LatestRSI returns the most recent relative strength index, or a neutral
// 50 when the series is too short.
func LatestRSI(closes []float64, window int) float64 {
	if len(closes) < window+1 {
		return 50.0
	}
	rsi := talib.Rsi(closes, window)
	return rsi[len(rsi)-1]
}

// LatestMACDHist returns the most recent MACD histogram value (MACD line
// minus signal line), or 0 when the series is too short.
func LatestMACDHist(closes []float64, fast, slow, signal int) float64 {
	if len(closes) < slow+signal {
		return 0
	}
	_, _, hist := talib.Macd(closes, fast, slow, signal)
	return hist[len(hist)-1]
}

// LatestBollinger returns the most recent upper and lower Bollinger bands.
// A too-short series collapses both bands onto the last close.
func LatestBollinger(closes []float64, window int, stdDev float64) (upper, lower float64) {
	if len(closes) == 0 {
		return 0, 0
	}
	if len(closes) < window {
		last := closes[len(closes)-1]
		return last, last
	}
	up, _, lo := talib.BBands(closes, window, stdDev, stdDev, 0)
	return up[len(up)-1], lo[len(lo)-1]
}

// LatestATR returns the most recent average true range, or 0 when the
// series is too short.
func LatestATR(bars []domain.Bar, window int) float64 {
	if len(bars) < window+1 {
		return 0
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	atr := talib.Atr(highs, lows, closes, window)
	return atr[len(atr)-1]
}
