// Package store implements the columnar Parquet file store for bars and
// quotes, and the SQLite session journal. Timestamps inside Parquet files
// are UTC; file layout is grouped by exchange-timezone trading date so a
// single trading day is one file even when it spans UTC midnight. The
// store applies the exchange timezone on read; the rest of the system
// never sees UTC.
package store

import (
	"context"
	"time"

	"sessiond/internal/domain"
)

// BarStore reads and writes OHLCV bars by interval, symbol, and range.
type BarStore interface {
	// ReadBars returns bars within [start, end], sorted by timestamp, in
	// the exchange timezone.
	ReadBars(ctx context.Context, token, symbol string, start, end time.Time) ([]domain.Bar, error)

	// WriteBars persists bars for one interval and symbol. Returns the
	// number of bars written and the files touched.
	WriteBars(ctx context.Context, bars []domain.Bar, token, symbol string) (int, []string, error)

	// HasBars reports whether any data exists for the interval, symbol,
	// and trading date. Used for the analyzer's storage-availability map.
	HasBars(token, symbol string, date time.Time) bool
}

// QuoteStore reads and writes bid/ask quotes.
type QuoteStore interface {
	ReadQuotes(ctx context.Context, symbol string, start, end time.Time) ([]domain.Quote, error)
	WriteQuotes(ctx context.Context, quotes []domain.Quote, symbol string) (int, []string, error)
}

// SignalStore persists strategy signals.
type SignalStore interface {
	SaveSignal(ctx context.Context, signal *domain.Signal) error
	ListSignals(ctx context.Context, strategyID string, limit int) ([]domain.Signal, error)
}
