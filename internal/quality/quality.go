// Package quality computes per-interval completeness scores and gap
// lists, synthesizes historical higher-interval bars from fully complete
// lower-interval days, and (in live mode) retries missing bars against the
// data provider.
package quality

import (
	"fmt"
	"log/slog"
	"time"

	"sessiond/internal/aggregate"
	"sessiond/internal/domain"
	"sessiond/internal/interval"
	"sessiond/internal/market"
	"sessiond/internal/session"
)

// Engine scores interval completeness. Expected bar counts come from the
// time service and the interval algebra; no calendar rules live here.
type Engine struct {
	store *session.Store
	time  market.TimeService
	log   *slog.Logger
}

// NewEngine creates a quality engine over the given store and calendar.
func NewEngine(store *session.Store, ts market.TimeService, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, time: ts, log: log.With("component", "quality")}
}

// ExpectedBars returns the expected bar count for one interval over one
// trading day. Day and week intervals expect a single bar; week intervals
// expect none when the ISO week has no trading days.
func (e *Engine) ExpectedBars(token string, date time.Time) int {
	iv := interval.MustParse(token)
	switch iv.Unit {
	case interval.UnitSecond, interval.UnitMinute:
		tm := e.time.TradingMinutes(date)
		return tm * 60 / iv.Seconds()
	case interval.UnitDay:
		if e.time.TradingMinutes(date) == 0 {
			return 0
		}
		return 1
	case interval.UnitWeek:
		if e.time.TradingDaysInWeek(date) == 0 {
			return 0
		}
		return 1
	}
	return 0
}

// ScoreInterval computes quality and gaps for one interval of a symbol on
// the given trading date. quality = 100 * observed / expected; the gap
// list's missing counts sum to expected - observed.
func (e *Engine) ScoreInterval(symbol, token string, date time.Time) (float64, []domain.Gap) {
	iv := interval.MustParse(token)
	bars := e.store.Bars(symbol, token)

	expected := e.ExpectedBars(token, date)
	if expected == 0 {
		return 100, nil
	}

	if !iv.IsIntraday() {
		// Day/week intervals: a single expected bar per session.
		if len(bars) >= expected {
			return 100, nil
		}
		sess := e.time.TradingSession(date)
		return 0, []domain.Gap{{Start: sess.Open, End: sess.Close, MissingCount: expected}}
	}

	sess := e.time.TradingSession(date)
	step := time.Duration(iv.Seconds()) * time.Second

	present := make(map[int64]bool, len(bars))
	for _, b := range bars {
		present[b.Timestamp.Unix()] = true
	}

	observed := 0
	var gaps []domain.Gap
	var gapStart time.Time
	missing := 0

	closeGap := func(end time.Time) {
		if missing > 0 {
			gaps = append(gaps, domain.Gap{Start: gapStart, End: end, MissingCount: missing})
			missing = 0
		}
	}

	for t := sess.Open; t.Before(sess.Close); t = t.Add(step) {
		if present[t.Unix()] {
			observed++
			closeGap(t)
			continue
		}
		if missing == 0 {
			gapStart = t
		}
		missing++
	}
	closeGap(sess.Close)

	return 100 * float64(observed) / float64(expected), gaps
}

// ScoreSymbol scores every interval of a symbol and writes the results
// into the store.
func (e *Engine) ScoreSymbol(symbol string, date time.Time) error {
	sd := e.store.GetSymbolData(symbol, true)
	if sd == nil {
		return fmt.Errorf("%w: %s", session.ErrSymbolNotFound, symbol)
	}
	for token := range sd.Bars {
		q, gaps := e.ScoreInterval(symbol, token, date)
		if err := e.store.SetQuality(symbol, token, q, gaps); err != nil {
			return err
		}
	}
	return nil
}

// SynthesizeDay generates target-interval bars for one historical day from
// source-interval bars, but only when the source day is 100% complete.
// Missing even one source bar disqualifies the generation for that day.
func (e *Engine) SynthesizeDay(sourceBars []domain.Bar, source, target string, date time.Time) ([]domain.Bar, bool) {
	expected := e.ExpectedBars(source, date)
	if expected == 0 || len(sourceBars) < expected {
		return nil, false
	}

	src := interval.MustParse(source)
	tgt := interval.MustParse(target)
	out, _, err := aggregate.Aggregate(sourceBars, src, tgt, aggregate.Options{
		RequireComplete: tgt.IsIntraday(),
		Time:            e.time,
	})
	if err != nil {
		e.log.Warn("historical synthesis failed", "source", source, "target", target, "error", err)
		return nil, false
	}
	return out, true
}
