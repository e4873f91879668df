// Package domain defines the core market-data types shared across the
// session engine: bars, quotes, ticks, gaps, and strategy signals.
package domain

import "time"

// Bar is a single OHLCV bar. Timestamps are in the exchange timezone
// everywhere in the system; only the columnar store converts to UTC.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Quote is a bid/ask snapshot. In backtest mode quotes are synthesized
// zero-spread from the latest close.
type Quote struct {
	Symbol    string
	Timestamp time.Time
	BidPrice  float64
	AskPrice  float64
	BidSize   int64
	AskSize   int64
}

// Tick is a single trade print, used only when tick ingestion is enabled.
type Tick struct {
	Symbol    string
	Timestamp time.Time
	Price     float64
	Size      int64
}

// Gap is a contiguous range of missing bars within an interval.
type Gap struct {
	Start        time.Time
	End          time.Time
	MissingCount int
}

// SignalType classifies a strategy signal.
type SignalType string

const (
	SignalTypeBuy  SignalType = "buy"
	SignalTypeSell SignalType = "sell"
	SignalTypeHold SignalType = "hold"
)

// Signal is an output of strategy code. The engine persists signals but
// never acts on them; order execution is out of scope.
type Signal struct {
	ID         int64
	StrategyID string
	Symbol     string
	Type       SignalType
	Strength   float64
	Metadata   map[string]string
	CreatedAt  time.Time
}
