// Package domain holds the core market-data types shared across modules.
// The domain layer is pure: no infrastructure dependencies.
package domain

import "time"

// MarketType identifies the trading regime of an instrument.
type MarketType string

const (
	MarketAShare  MarketType = "A_share"
	MarketUSStock MarketType = "US_stock"
)

// LotSize returns the minimum tradable lot for the market.
// A-shares trade in board lots of 100; US stocks in single shares.
func (m MarketType) LotSize() int64 {
	if m == MarketAShare {
		return 100
	}
	return 1
}

// MarketTypeForSymbol infers the market type from a symbol.
// Exchange-suffixed codes ("000001.SZ", "600519.SH") are A-share;
// plain tickers ("AAPL") are US stocks.
func MarketTypeForSymbol(symbol string) MarketType {
	for _, r := range symbol {
		if r == '.' {
			return MarketAShare
		}
	}
	return MarketUSStock
}

// Bar is a single OHLCV sample at some interval.
type Bar struct {
	TradeDate time.Time `json:"trade_date"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"vol"`
}

// Instrument describes a listed security in the reference universe.
type Instrument struct {
	Symbol   string     `json:"symbol"`
	Name     string     `json:"name"`
	Market   MarketType `json:"market"`
	Industry string     `json:"industry,omitempty"`
}

// Quote is a real-time price observation published on the stream layer.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
