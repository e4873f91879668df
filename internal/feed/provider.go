// Package feed supplies session bars: a live provider streaming from the
// market-data API, and the backtest source that primes per-symbol queues
// from the columnar store.
package feed

import (
	"context"
	"time"

	"sessiond/internal/domain"
)

// Provider is the live data provider collaborator. Bars and quotes are
// delivered on channels; retry requests for specific missing bars are a
// separate call.
type Provider interface {
	// Subscribe adds symbols to the live subscription. Quotes are included
	// when the session requests them.
	Subscribe(ctx context.Context, symbols []string, quotes bool) error

	// Unsubscribe removes symbols from the live subscription.
	Unsubscribe(symbols ...string) error

	// Bars is the stream of finished base-interval bars.
	Bars() <-chan domain.Bar

	// Quotes is the stream of quote updates; empty when quotes were never
	// subscribed.
	Quotes() <-chan domain.Quote

	// RequestBars fetches specific bars, used by the gap-retry scheduler.
	RequestBars(ctx context.Context, symbol, token string, start, end time.Time) ([]domain.Bar, error)

	// Close disconnects the provider and closes the channels.
	Close() error
}
