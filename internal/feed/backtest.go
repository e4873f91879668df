package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sessiond/internal/domain"
	"sessiond/internal/interval"
	"sessiond/internal/market"
	"sessiond/internal/store"
)

// Queue is one symbol's replay queue for a trading day. It is owned by
// the coordinator's streaming loop and is not synchronized; single
// producer, single consumer per (symbol, interval).
type Queue struct {
	Symbol string
	Token  string // effective stream interval
	bars   []domain.Bar
	pos    int
}

// Len returns the number of bars not yet delivered.
func (q *Queue) Len() int { return len(q.bars) - q.pos }

// Peek returns the next bar without consuming it.
func (q *Queue) Peek() (domain.Bar, bool) {
	if q.pos >= len(q.bars) {
		return domain.Bar{}, false
	}
	return q.bars[q.pos], true
}

// Pop consumes and returns the next bar.
func (q *Queue) Pop() (domain.Bar, bool) {
	b, ok := q.Peek()
	if ok {
		q.pos++
	}
	return b, ok
}

// PopThrough consumes every queued bar with timestamp <= t, in order.
func (q *Queue) PopThrough(t time.Time) []domain.Bar {
	start := q.pos
	for q.pos < len(q.bars) && !q.bars[q.pos].Timestamp.After(t) {
		q.pos++
	}
	return q.bars[start:q.pos]
}

// BacktestSource primes per-symbol replay queues from the columnar store.
type BacktestSource struct {
	bars   store.BarStore
	quotes store.QuoteStore
	time   market.TimeService
	log    *slog.Logger
}

// NewBacktestSource creates a backtest source. quotes may be nil when the
// session does not request them.
func NewBacktestSource(bars store.BarStore, quotes store.QuoteStore, ts market.TimeService, log *slog.Logger) *BacktestSource {
	if log == nil {
		log = slog.Default()
	}
	return &BacktestSource{
		bars:   bars,
		quotes: quotes,
		time:   ts,
		log:    log.With("component", "backtest-source"),
	}
}

// PrimeDay loads one trading day of bars for a symbol into a fresh queue.
// Candidates are tried shortest first; the first interval with stored data
// becomes the effective stream. An empty queue with no stored candidate is
// an error (missing historical data fails the symbol, not the session).
func (s *BacktestSource) PrimeDay(ctx context.Context, symbol string, candidates []string, date time.Time) (*Queue, error) {
	sorted, err := interval.Sort(candidates)
	if err != nil {
		return nil, err
	}
	sess := s.time.TradingSession(date)

	for _, token := range sorted {
		bars, err := s.bars.ReadBars(ctx, token, symbol, date, sess.Close)
		if err != nil {
			continue
		}
		if len(bars) == 0 {
			continue
		}
		return &Queue{Symbol: symbol, Token: token, bars: bars}, nil
	}
	return nil, fmt.Errorf("no stored bars for %s on %s (tried %v)",
		symbol, date.Format("2006-01-02"), sorted)
}

// PrimeQuotes loads one trading day of stored quotes for a symbol, or nil
// when the store has none.
func (s *BacktestSource) PrimeQuotes(ctx context.Context, symbol string, date time.Time) []domain.Quote {
	if s.quotes == nil {
		return nil
	}
	sess := s.time.TradingSession(date)
	quotes, err := s.quotes.ReadQuotes(ctx, symbol, date, sess.Close)
	if err != nil {
		return nil
	}
	return quotes
}
