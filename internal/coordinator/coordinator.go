// Package coordinator drives the per-trading-day state machine: cleanup,
// validation, provisioning, queue priming, activation, streaming, and
// post-session teardown. It is the only component that mutates session
// lifecycle state; everything else reacts to the store.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"sessiond/internal/analysis"
	"sessiond/internal/config"
	"sessiond/internal/derive"
	"sessiond/internal/domain"
	"sessiond/internal/feed"
	"sessiond/internal/market"
	"sessiond/internal/provision"
	"sessiond/internal/quality"
	"sessiond/internal/session"
	"sessiond/internal/store"
)

// ScannerHook runs before each session. Hooks may provision ad-hoc
// symbols through the coordinator's pipeline.
type ScannerHook func(ctx context.Context, c *Coordinator) error

// Coordinator owns the day loop.
type Coordinator struct {
	cfg      *config.Config
	store    *session.Store
	time     market.TimeService
	gen      *derive.Generator
	analysis *analysis.Engine
	pipeline *provision.Pipeline
	quality  *quality.Engine
	retry    *quality.RetryScheduler // nil in backtest
	source   *feed.BacktestSource    // nil in live
	provider feed.Provider           // nil in backtest
	journal  *store.SQLiteStore      // optional
	metrics  *Metrics
	hooks    []ScannerHook
	log      *slog.Logger

	pause   *pauseGate
	pending chan insertRequest

	// per-day streaming state, owned by the day loop goroutine
	queues    map[string]*feed.Queue
	quoteQs   map[string]*quoteQueue
	barsSince int

	// inserting is set while insertSymbol owns the session deactivation;
	// the lag watchdog must not reactivate underneath it.
	inserting bool
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Config    *config.Config
	Store     *session.Store
	Time      market.TimeService
	Generator *derive.Generator
	Analysis  *analysis.Engine
	Pipeline  *provision.Pipeline
	Quality   *quality.Engine
	Retry     *quality.RetryScheduler
	Source    *feed.BacktestSource
	Provider  feed.Provider
	Journal   *store.SQLiteStore
	Metrics   *Metrics
	Hooks     []ScannerHook
	Log       *slog.Logger
}

// New creates a coordinator.
func New(d Deps) *Coordinator {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:      d.Config,
		store:    d.Store,
		time:     d.Time,
		gen:      d.Generator,
		analysis: d.Analysis,
		pipeline: d.Pipeline,
		quality:  d.Quality,
		retry:    d.Retry,
		source:   d.Source,
		provider: d.Provider,
		journal:  d.Journal,
		metrics:  d.Metrics,
		hooks:    d.Hooks,
		log:      log.With("component", "coordinator"),
		pause:    newPauseGate(),
		pending:  make(chan insertRequest, 16),
		queues:   make(map[string]*feed.Queue),
		quoteQs:  make(map[string]*quoteQueue),
	}
}

// Run starts the worker goroutines and the day loop, blocking until the
// context is cancelled or the backtest range is exhausted.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	workers, cancelWorkers := context.WithCancel(ctx)

	g.Go(func() error {
		if err := c.gen.Run(workers); err != nil && workers.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := c.analysis.Run(workers); err != nil && workers.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancelWorkers()
		if c.cfg.Mode == config.ModeLive {
			return c.runLive(ctx)
		}
		return c.runBacktest(ctx)
	})

	return g.Wait()
}

// Pause suspends the streaming loop at its next suspension point.
func (c *Coordinator) Pause() { c.pause.Pause() }

// Resume releases a paused streaming loop.
func (c *Coordinator) Resume() { c.pause.Resume() }

// ---------------------------------------------------------------------------
// Backtest day loop
// ---------------------------------------------------------------------------

func (c *Coordinator) runBacktest(ctx context.Context) error {
	start, err := time.ParseInLocation("2006-01-02", c.cfg.Backtest.StartDate, c.time.Location())
	if err != nil {
		return fmt.Errorf("parsing start date: %w", err)
	}
	end, err := time.ParseInLocation("2006-01-02", c.cfg.Backtest.EndDate, c.time.Location())
	if err != nil {
		return fmt.Errorf("parsing end date: %w", err)
	}

	date := start
	if c.time.TradingMinutes(date) == 0 {
		next, ok := c.time.NextTradingDate(date)
		if !ok {
			return fmt.Errorf("no trading days in backtest range")
		}
		date = next
	}

	first := true
	for !date.After(end) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runDay(ctx, date, first); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("trading day failed", "date", date.Format("2006-01-02"), "error", err)
		}
		first = false

		next, ok := c.time.NextTradingDate(date)
		if !ok {
			break
		}
		date = next
	}
	c.log.Info("backtest complete", "start", c.cfg.Backtest.StartDate, "end", c.cfg.Backtest.EndDate)
	return nil
}

// runDay executes phases 0 through 6 for one trading date.
func (c *Coordinator) runDay(ctx context.Context, date time.Time, first bool) error {
	sess := c.time.TradingSession(date)
	log := c.log.With("date", date.Format("2006-01-02"))

	// Phase 0: pre-session cleanup.
	c.store.ClearAll()
	c.store.SetSessionDate(date)
	c.time.SetSimulatedTime(sess.Open)
	c.queues = make(map[string]*feed.Queue)
	c.quoteQs = make(map[string]*quoteQueue)
	c.barsSince = 0
	c.metrics.SessionActive.Set(0)

	// Phase 1: initialization.
	if first {
		if _, err := c.pipeline.SessionPlan(""); err != nil {
			return fmt.Errorf("stream validation: %w", err)
		}
	}
	for _, hook := range c.hooks {
		if err := hook(ctx, c); err != nil {
			log.Warn("scanner hook failed", "error", err)
		}
	}

	// Phase 2: provisioning of configured symbols.
	failed, err := c.pipeline.ProvisionAll(ctx, c.cfg.Session.Symbols, session.SourceConfig)
	if err != nil {
		return err
	}
	for range failed {
		c.metrics.ProvisionFailures.Inc()
	}
	for _, sym := range failed {
		_ = c.store.RemoveSymbol(sym)
	}

	// Phase 3: queue priming.
	for _, sym := range c.store.GetActiveSymbols() {
		sd := c.store.GetSymbolData(sym, true)
		if sd == nil {
			continue
		}
		q, err := c.source.PrimeDay(ctx, sym, c.primeCandidates(sym, sd.BaseInterval), date)
		if err != nil {
			log.Warn("dropping symbol, no data for day", "symbol", sym, "error", err)
			c.metrics.ProvisionFailures.Inc()
			_ = c.store.RemoveSymbol(sym)
			continue
		}
		c.queues[sym] = q
		if c.cfg.Session.Quotes {
			c.quoteQs[sym] = &quoteQueue{quotes: c.source.PrimeQuotes(ctx, sym, date)}
		}
	}
	c.metrics.ActiveSymbols.Set(float64(len(c.queues)))
	if len(c.queues) == 0 {
		log.Warn("no symbols with data, skipping day")
		return nil
	}

	// Phase 4: activate.
	c.store.ActivateSession()
	c.metrics.SessionActive.Set(1)
	log.Info("session active", "symbols", len(c.queues))

	// Phase 5: streaming.
	if err := c.stream(ctx, sess); err != nil {
		return err
	}

	// Phase 6: post-session.
	return c.postSession(ctx, date, log)
}

// postSession flushes open calendar windows, runs the final quality pass,
// journals metrics, and deactivates the session. Data is left in place for
// ad-hoc analysis until the next day's phase 0.
func (c *Coordinator) postSession(ctx context.Context, date time.Time, log *slog.Logger) error {
	c.gen.Drain()
	for _, sym := range c.store.GetActiveSymbols() {
		c.gen.FlushSession(sym)
	}
	c.gen.Drain()

	for _, sym := range c.store.GetActiveSymbols() {
		if err := c.quality.ScoreSymbol(sym, date); err != nil {
			log.Warn("final quality pass", "symbol", sym, "error", err)
		}
	}

	c.analysis.Drain()
	c.store.DeactivateSession()
	c.metrics.SessionActive.Set(0)

	if c.journal != nil {
		for _, sym := range c.store.GetActiveSymbols() {
			sd := c.store.GetSymbolData(sym, true)
			if sd == nil {
				continue
			}
			base := sd.Bars[sd.BaseInterval]
			rec := store.SessionRecord{
				SessionDate: date.Format("2006-01-02"),
				Symbol:      sym,
				Volume:      sd.Metrics.Volume,
				High:        sd.Metrics.High,
				Low:         sd.Metrics.Low,
				BaseBars:    len(base.Bars),
				Quality:     base.Quality,
			}
			if err := c.journal.SaveSessionRecord(ctx, rec); err != nil {
				log.Warn("journaling session record", "symbol", sym, "error", err)
			}
		}
	}
	log.Info("session closed")
	return nil
}

// primeCandidates lists the intervals the backtest source may stream a
// symbol's day from: the base plus any derived interval the plan found
// storage-backed for the session date. PrimeDay prefers the shortest
// stored candidate, so the base still wins whenever its data exists.
func (c *Coordinator) primeCandidates(symbol, base string) []string {
	candidates := []string{base}
	plan, err := c.pipeline.SessionPlan(symbol)
	if err != nil {
		return candidates
	}
	for _, token := range plan.DerivedIntervals {
		if plan.StorageBacked[token] {
			candidates = append(candidates, token)
		}
	}
	return candidates
}

// ---------------------------------------------------------------------------
// Bar delivery (shared by backtest streaming, catch-up, and live arrival)
// ---------------------------------------------------------------------------

// deliver pushes one base bar through the normal arrival path and applies
// quote synthesis and the lag watchdog.
func (c *Coordinator) deliver(symbol string, bar domain.Bar) {
	if err := c.store.AppendBaseBar(symbol, bar); err != nil {
		c.log.Warn("appending base bar", "symbol", symbol, "error", err)
		return
	}
	c.metrics.BarsProcessed.WithLabelValues(symbol).Inc()
	c.synthesizeQuote(symbol, bar)
	c.checkLag(bar.Timestamp)
}

// synthesizeQuote emits a zero-spread quote from the bar close when the
// session requests quotes and no real quote for the symbol is newer. The
// smallest streamed interval wins, which is always the base stream.
func (c *Coordinator) synthesizeQuote(symbol string, bar domain.Bar) {
	if !c.cfg.Session.Quotes {
		return
	}
	if last, ok := c.store.LatestQuote(symbol, true); ok && !last.Timestamp.Before(bar.Timestamp) {
		return
	}
	c.store.AppendQuote(symbol, domain.Quote{
		Symbol:    symbol,
		Timestamp: bar.Timestamp,
		BidPrice:  bar.Close,
		AskPrice:  bar.Close,
	})
}

// checkLag runs the lag watchdog every N delivered bars. A lagging symbol
// deactivates the session until the derived generator has caught up, then
// reactivates it.
func (c *Coordinator) checkLag(barTs time.Time) {
	c.barsSince++
	if c.cfg.Watchdog.CheckEveryBars <= 0 || c.barsSince%c.cfg.Watchdog.CheckEveryBars != 0 {
		return
	}
	// Catch-up bars replayed during mid-session insertion lag by
	// construction; insertSymbol owns the deactivation and reactivates
	// only once the symbol is fully caught up.
	if c.inserting {
		return
	}
	lag := c.time.Now().Sub(barTs)
	threshold := time.Duration(c.cfg.Watchdog.LagThresholdSeconds) * time.Second
	if lag <= threshold {
		return
	}

	c.log.Warn("lag threshold exceeded, deactivating session", "lag", lag)
	c.metrics.LagDeactivations.Inc()
	c.store.DeactivateSession()
	c.metrics.SessionActive.Set(0)
	c.gen.Drain()
	c.store.ActivateSession()
	c.metrics.SessionActive.Set(1)
}
