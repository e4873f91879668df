// Package derive implements the derived-bar generator: on every base-bar
// arrival it discovers the symbol's derived intervals from the session
// store and produces new derived bars through the aggregator. No
// configuration is pushed here: the store's derived/base flags are
// self-describing, so dynamically added symbols are picked up
// automatically.
package derive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"sessiond/internal/aggregate"
	"sessiond/internal/domain"
	"sessiond/internal/indicator"
	"sessiond/internal/interval"
	"sessiond/internal/market"
	"sessiond/internal/session"
)

// Generator reacts to base-bar events, folds derived intervals, and
// triggers indicator updates for every interval that changed.
type Generator struct {
	store      *session.Store
	time       market.TimeService
	indicators *indicator.Manager
	log        *slog.Logger

	events <-chan session.BaseBarEvent
	cancel func()
	busy   atomic.Bool
}

// NewGenerator creates a generator subscribed to the store's base-bar
// events.
func NewGenerator(store *session.Store, ts market.TimeService, mgr *indicator.Manager, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.Default()
	}
	events, cancel := store.SubscribeBase()
	return &Generator{
		store:      store,
		time:       ts,
		indicators: mgr,
		log:        log.With("component", "derive"),
		events:     events,
		cancel:     cancel,
	}
}

// Run consumes base-bar events until the context is cancelled. After each
// event it publishes an update so downstream observers (the analysis
// engine) are guaranteed to see the bars that caused it.
func (g *Generator) Run(ctx context.Context) error {
	defer g.cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-g.events:
			if !ok {
				return nil
			}
			g.busy.Store(true)
			changed := g.Process(ev.Symbol)
			g.busy.Store(false)
			g.store.PublishUpdate(session.UpdateEvent{Symbol: ev.Symbol, Intervals: changed, Bar: ev.Bar})
		}
	}
}

// Drain blocks until the event queue is empty and the current event has
// been processed. The coordinator uses it to serialize phase boundaries.
func (g *Generator) Drain() {
	for len(g.events) > 0 || g.busy.Load() {
		time.Sleep(time.Millisecond)
	}
}

// Process folds all of a symbol's derived intervals from its base
// sequence and updates indicators on every changed interval. It returns
// the interval tokens that received new bars (the base interval included).
func (g *Generator) Process(symbol string) []string {
	sd := g.store.GetSymbolData(symbol, true)
	if sd == nil {
		return nil
	}
	baseToken := sd.BaseInterval
	derived := g.store.GetSymbolsWithDerived()[symbol]

	changed := []string{baseToken}
	g.indicators.OnBars(symbol, baseToken)

	if len(g.store.Bars(symbol, baseToken)) == 0 {
		return changed
	}

	for _, token := range sortTokens(derived) {
		src, srcBars := g.sourceFor(symbol, baseToken, token)
		fresh := g.generate(symbol, src, token, srcBars, false)
		if len(fresh) == 0 {
			continue
		}
		if err := g.store.AppendDerivedBars(symbol, token, fresh); err != nil {
			g.log.Warn("appending derived bars", "symbol", symbol, "interval", token, "error", err)
			continue
		}
		g.indicators.OnBars(symbol, token)
		changed = append(changed, token)
	}
	return changed
}

// FlushSession emits the still-open calendar windows (the current day's
// 1d/1w bars) at session end, when their windows close.
func (g *Generator) FlushSession(symbol string) {
	sd := g.store.GetSymbolData(symbol, true)
	if sd == nil {
		return
	}
	if len(g.store.Bars(symbol, sd.BaseInterval)) == 0 {
		return
	}

	// Shortest first, so the day bar lands before the week that folds it.
	for _, token := range sortTokens(g.store.GetSymbolsWithDerived()[symbol]) {
		if interval.MustParse(token).IsIntraday() {
			continue
		}
		src, srcBars := g.sourceFor(symbol, sd.BaseInterval, token)
		fresh := g.generate(symbol, src, token, srcBars, true)
		if len(fresh) == 0 {
			continue
		}
		if err := g.store.AppendDerivedBars(symbol, token, fresh); err != nil {
			g.log.Warn("flushing calendar bars", "symbol", symbol, "interval", token, "error", err)
			continue
		}
		g.indicators.OnBars(symbol, token)
	}
}

// Rebuild regenerates every derived interval of a symbol wholesale. Used
// after a gap backfill rewrites the base sequence.
func (g *Generator) Rebuild(symbol string) {
	sd := g.store.GetSymbolData(symbol, true)
	if sd == nil {
		return
	}
	for _, token := range sortTokens(g.store.GetSymbolsWithDerived()[symbol]) {
		tgt := interval.MustParse(token)
		src, srcBars := g.sourceFor(symbol, sd.BaseInterval, token)
		out, _, err := aggregate.Aggregate(srcBars, src, tgt, g.options(tgt))
		if err != nil {
			g.log.Warn("rebuilding derived interval", "symbol", symbol, "interval", token, "error", err)
			continue
		}
		if !tgt.IsIntraday() {
			out = g.closedOnly(out, tgt)
		}
		if err := g.store.ReplaceBars(symbol, token, out); err != nil {
			g.log.Warn("replacing derived bars", "symbol", symbol, "interval", token, "error", err)
			continue
		}
		g.indicators.OnBars(symbol, token)
	}
}

// sourceFor picks the source sequence for a derived target: week targets
// fold from the daily bars (base or derived), everything else folds from
// the base.
func (g *Generator) sourceFor(symbol, baseToken, token string) (interval.Interval, []domain.Bar) {
	if interval.MustParse(token).Unit == interval.UnitWeek && baseToken != "1d" {
		return interval.MustParse("1d"), g.store.Bars(symbol, "1d")
	}
	return interval.MustParse(baseToken), g.store.Bars(symbol, baseToken)
}

// sortTokens orders interval tokens shortest first; already-validated
// tokens never fail to sort.
func sortTokens(tokens []string) []string {
	sorted, err := interval.Sort(tokens)
	if err != nil {
		return tokens
	}
	return sorted
}

// generate folds the source sequence into target bars newer than what the
// store already holds. Calendar windows still open (the current session's
// day/week bar) are held back unless includeOpen is set.
func (g *Generator) generate(symbol string, src interval.Interval, token string, srcBars []domain.Bar, includeOpen bool) []domain.Bar {
	tgt := interval.MustParse(token)
	out, _, err := aggregate.Aggregate(srcBars, src, tgt, g.options(tgt))
	if err != nil {
		g.log.Warn("aggregating", "symbol", symbol, "target", token, "error", err)
		return nil
	}
	if !tgt.IsIntraday() && !includeOpen {
		out = g.closedOnly(out, tgt)
	}

	lastTs := g.store.LastBarTimestamp(symbol, token)
	var fresh []domain.Bar
	for _, b := range out {
		if lastTs.IsZero() || b.Timestamp.After(lastTs) {
			fresh = append(fresh, b)
		}
	}
	return fresh
}

func (g *Generator) options(tgt interval.Interval) aggregate.Options {
	return aggregate.Options{
		RequireComplete: tgt.IsIntraday(),
		Time:            g.time,
	}
}

// closedOnly drops calendar bars whose window includes the current
// session date; they are emitted by FlushSession when the day ends.
func (g *Generator) closedOnly(bars []domain.Bar, tgt interval.Interval) []domain.Bar {
	sessionDate := g.store.SessionDate()
	if sessionDate.IsZero() {
		return bars
	}
	var out []domain.Bar
	for _, b := range bars {
		start := market.TradingDate(b.Timestamp, g.time.Location())
		if tgt.Unit == interval.UnitWeek {
			if market.ISOWeekKey(start) < market.ISOWeekKey(sessionDate) {
				out = append(out, b)
			}
			continue
		}
		if start.Before(sessionDate) {
			out = append(out, b)
		}
	}
	return out
}
