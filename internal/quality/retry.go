package quality

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sessiond/internal/domain"
)

// BarFetcher requests specific missing bars from the live data provider.
type BarFetcher interface {
	RequestBars(ctx context.Context, symbol, token string, start, end time.Time) ([]domain.Bar, error)
}

// RetryScheduler repairs detected gaps in live mode. Each gap gets up to
// maxRetries provider requests spaced retryInterval apart, in the
// background; filled bars are merged into the store and the caller's
// rebuild hook regenerates downstream derived bars. Backtest mode never
// constructs a scheduler: quality reflects the data as it exists.
type RetryScheduler struct {
	fetcher       BarFetcher
	engine        *Engine
	maxRetries    int
	retryInterval time.Duration
	rebuild       func(symbol string)
	log           *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool // symbol/token/start
	wg       sync.WaitGroup
}

// NewRetryScheduler creates a live gap-retry scheduler. rebuild is invoked
// after a successful fill to regenerate the symbol's derived intervals.
func NewRetryScheduler(fetcher BarFetcher, engine *Engine, maxRetries int, retryInterval time.Duration, rebuild func(symbol string), log *slog.Logger) *RetryScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &RetryScheduler{
		fetcher:       fetcher,
		engine:        engine,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		rebuild:       rebuild,
		inflight:      make(map[string]bool),
		log:           log.With("component", "gap-retry"),
	}
}

// Schedule starts a background retry task for one gap. Duplicate
// schedules for the same gap are ignored while a task is in flight.
func (r *RetryScheduler) Schedule(ctx context.Context, symbol, token string, gap domain.Gap) {
	key := symbol + "/" + token + "/" + gap.Start.Format(time.RFC3339)
	r.mu.Lock()
	if r.inflight[key] {
		r.mu.Unlock()
		return
	}
	r.inflight[key] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, key)
			r.mu.Unlock()
		}()
		r.retry(ctx, symbol, token, gap)
	}()
}

// Wait blocks until all in-flight retry tasks finish.
func (r *RetryScheduler) Wait() { r.wg.Wait() }

func (r *RetryScheduler) retry(ctx context.Context, symbol, token string, gap domain.Gap) {
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retryInterval):
		}

		bars, err := r.fetcher.RequestBars(ctx, symbol, token, gap.Start, gap.End)
		if err != nil {
			r.log.Warn("gap retry failed", "symbol", symbol, "interval", token,
				"attempt", attempt, "error", err)
			continue
		}
		if len(bars) == 0 {
			continue
		}

		if err := r.engine.store.MergeBars(symbol, token, bars); err != nil {
			r.log.Warn("merging retried bars", "symbol", symbol, "error", err)
			return
		}
		if r.rebuild != nil {
			r.rebuild(symbol)
		}
		if err := r.engine.ScoreSymbol(symbol, r.engine.store.SessionDate()); err != nil {
			r.log.Warn("rescoring after gap fill", "symbol", symbol, "error", err)
		}
		r.log.Info("gap filled", "symbol", symbol, "interval", token,
			"bars", len(bars), "attempt", attempt)
		return
	}
}
