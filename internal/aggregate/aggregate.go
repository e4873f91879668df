// Package aggregate implements the unified bar-aggregation framework: one
// OHLCV fold applied in three grouping modes, auto-selected from the
// source/target interval pair.
package aggregate

import (
	"fmt"
	"time"

	"sessiond/internal/domain"
	"sessiond/internal/interval"
	"sessiond/internal/market"
)

// Mode selects how source rows are grouped into target windows.
type Mode int

const (
	// ModeTimeWindow groups ticks into windows by truncated timestamp
	// (tick -> 1s). Any count >= 1 forms a bar.
	ModeTimeWindow Mode = iota

	// ModeFixedChunk groups same-unit ladders (1s -> Ns, 1m -> Nm) into
	// consecutive N-sized chunks; a chunk is complete only when exactly N
	// strictly consecutive source bars are present.
	ModeFixedChunk

	// ModeCalendar groups across units (Xm -> 1d, 1d -> Nd, 1d -> Nw) by
	// trading date or ISO week; partial windows are allowed (early closes,
	// short weeks). Requires a time service for continuity checks.
	ModeCalendar
)

func (m Mode) String() string {
	switch m {
	case ModeTimeWindow:
		return "time_window"
	case ModeFixedChunk:
		return "fixed_chunk"
	case ModeCalendar:
		return "calendar"
	}
	return "unknown"
}

// Options controls aggregation behaviour.
type Options struct {
	// RequireComplete drops incomplete fixed chunks (and short Nd chunks in
	// calendar mode) instead of emitting partial bars.
	RequireComplete bool

	// CheckContinuity records gaps between non-consecutive source bars in
	// the diagnostics. Calendar mode consults the time service so that
	// weekends and holidays are never flagged.
	CheckContinuity bool

	// Time is the calendar collaborator; required for ModeCalendar.
	Time market.TimeService
}

// Diagnostics summarises one aggregation run.
type Diagnostics struct {
	Mode              Mode
	GroupsSeen        int
	IncompleteDropped int
	Gaps              []domain.Gap
}

// SelectMode chooses the aggregation mode for a bar source/target pair.
func SelectMode(source, target interval.Interval) (Mode, error) {
	if ok, reason := interval.CanDerive(source, target); !ok {
		return 0, fmt.Errorf("cannot aggregate %s -> %s: %s", source, target, reason)
	}
	if target.Unit == interval.UnitDay || target.Unit == interval.UnitWeek {
		return ModeCalendar, nil
	}
	return ModeFixedChunk, nil
}

// Aggregate folds source bars into target bars. The OHLCV fold is
// universal: open = first open, close = last close, high = max, low = min,
// volume = sum, output timestamp = start of window. Input bars must be in
// ascending timestamp order.
func Aggregate(bars []domain.Bar, source, target interval.Interval, opts Options) ([]domain.Bar, Diagnostics, error) {
	mode, err := SelectMode(source, target)
	if err != nil {
		return nil, Diagnostics{}, err
	}

	switch mode {
	case ModeFixedChunk:
		out, diag := aggregateFixedChunk(bars, source, target, opts)
		return out, diag, nil
	case ModeCalendar:
		if opts.Time == nil {
			return nil, Diagnostics{}, fmt.Errorf("aggregating %s -> %s requires a time service", source, target)
		}
		out, diag := aggregateCalendar(bars, source, target, opts)
		return out, diag, nil
	}
	return nil, Diagnostics{}, fmt.Errorf("no aggregation mode for %s -> %s", source, target)
}

// AggregateTicks folds trade ticks into 1s bars (ModeTimeWindow). Volume
// is the summed tick size; any tick count forms a bar.
func AggregateTicks(ticks []domain.Tick) ([]domain.Bar, Diagnostics) {
	diag := Diagnostics{Mode: ModeTimeWindow}
	var out []domain.Bar

	var cur *domain.Bar
	for _, t := range ticks {
		ts := t.Timestamp.Truncate(time.Second)
		if cur != nil && cur.Timestamp.Equal(ts) {
			if t.Price > cur.High {
				cur.High = t.Price
			}
			if t.Price < cur.Low {
				cur.Low = t.Price
			}
			cur.Close = t.Price
			cur.Volume += t.Size
			continue
		}
		if cur != nil {
			out = append(out, *cur)
		}
		diag.GroupsSeen++
		cur = &domain.Bar{
			Symbol:    t.Symbol,
			Timestamp: ts,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			Close:     t.Price,
			Volume:    t.Size,
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out, diag
}

// ---------------------------------------------------------------------------
// Fixed-chunk mode
// ---------------------------------------------------------------------------

func aggregateFixedChunk(bars []domain.Bar, source, target interval.Interval, opts Options) ([]domain.Bar, Diagnostics) {
	diag := Diagnostics{Mode: ModeFixedChunk}
	if len(bars) == 0 {
		return nil, diag
	}

	srcSec := int64(source.Seconds())
	tgtSec := int64(target.Seconds())
	want := int(tgtSec / srcSec)

	var out []domain.Bar
	var group []domain.Bar
	var winStart int64 = -1

	flush := func() {
		if len(group) == 0 {
			return
		}
		diag.GroupsSeen++
		complete := len(group) == want && consecutive(group, srcSec)
		if complete || !opts.RequireComplete {
			ts := time.Unix(winStart, 0).In(group[0].Timestamp.Location())
			out = append(out, fold(group, ts))
		} else {
			diag.IncompleteDropped++
		}
		group = group[:0]
	}

	var prev *domain.Bar
	for i := range bars {
		b := bars[i]
		ws := b.Timestamp.Unix() - b.Timestamp.Unix()%tgtSec
		if ws != winStart {
			flush()
			winStart = ws
		}
		if opts.CheckContinuity && prev != nil {
			if missing := int((b.Timestamp.Unix()-prev.Timestamp.Unix())/srcSec) - 1; missing > 0 {
				diag.Gaps = append(diag.Gaps, domain.Gap{
					Start:        prev.Timestamp.Add(time.Duration(srcSec) * time.Second),
					End:          b.Timestamp,
					MissingCount: missing,
				})
			}
		}
		group = append(group, b)
		prev = &bars[i]
	}
	flush()

	return out, diag
}

// consecutive reports whether each bar follows the previous by exactly
// srcSec seconds.
func consecutive(group []domain.Bar, srcSec int64) bool {
	for i := 1; i < len(group); i++ {
		if group[i].Timestamp.Unix()-group[i-1].Timestamp.Unix() != srcSec {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Calendar mode
// ---------------------------------------------------------------------------

func aggregateCalendar(bars []domain.Bar, source, target interval.Interval, opts Options) ([]domain.Bar, Diagnostics) {
	diag := Diagnostics{Mode: ModeCalendar}
	if len(bars) == 0 {
		return nil, diag
	}

	loc := opts.Time.Location()

	// Group into per-trading-date buckets, preserving order.
	type dayGroup struct {
		date time.Time
		bars []domain.Bar
	}
	var days []dayGroup
	for _, b := range bars {
		d := market.TradingDate(b.Timestamp, loc)
		if len(days) > 0 && days[len(days)-1].date.Equal(d) {
			days[len(days)-1].bars = append(days[len(days)-1].bars, b)
			continue
		}
		days = append(days, dayGroup{date: d, bars: []domain.Bar{b}})
	}

	// Continuity: missing trading dates between consecutive groups are gaps;
	// weekends and holidays are skipped via the time service.
	if opts.CheckContinuity {
		for i := 1; i < len(days); i++ {
			missing := 0
			d, ok := opts.Time.NextTradingDate(days[i-1].date)
			var gapStart time.Time
			for ok && d.Before(days[i].date) {
				if missing == 0 {
					gapStart = d
				}
				missing++
				d, ok = opts.Time.NextTradingDate(d)
			}
			if missing > 0 {
				diag.Gaps = append(diag.Gaps, domain.Gap{Start: gapStart, End: days[i].date, MissingCount: missing})
			}
		}
	}

	var out []domain.Bar
	switch target.Unit {
	case interval.UnitDay:
		// Chunk consecutive day groups N at a time. For N=1 each trading
		// date folds to one bar; partial days (early closes) are allowed.
		n := target.Value
		for i := 0; i < len(days); i += n {
			end := i + n
			if end > len(days) {
				end = len(days)
			}
			chunk := days[i:end]
			diag.GroupsSeen++
			if opts.RequireComplete && len(chunk) < n {
				diag.IncompleteDropped++
				continue
			}
			var merged []domain.Bar
			for _, dg := range chunk {
				merged = append(merged, dg.bars...)
			}
			out = append(out, fold(merged, chunk[0].date))
		}

	case interval.UnitWeek:
		// Group day buckets by ISO week; short weeks (holidays) still form
		// a bar and are never flagged as gaps.
		type weekGroup struct {
			key   int
			start time.Time
			bars  []domain.Bar
		}
		var weeks []weekGroup
		for _, dg := range days {
			key := market.ISOWeekKey(dg.date)
			if len(weeks) > 0 && weeks[len(weeks)-1].key == key {
				weeks[len(weeks)-1].bars = append(weeks[len(weeks)-1].bars, dg.bars...)
				continue
			}
			weeks = append(weeks, weekGroup{key: key, start: dg.date, bars: append([]domain.Bar(nil), dg.bars...)})
		}

		n := target.Value
		for i := 0; i < len(weeks); i += n {
			end := i + n
			if end > len(weeks) {
				end = len(weeks)
			}
			chunk := weeks[i:end]
			diag.GroupsSeen++
			if opts.RequireComplete && len(chunk) < n {
				diag.IncompleteDropped++
				continue
			}
			var merged []domain.Bar
			for _, wg := range chunk {
				merged = append(merged, wg.bars...)
			}
			out = append(out, fold(merged, chunk[0].start))
		}
	}

	return out, diag
}

// ---------------------------------------------------------------------------
// The universal OHLCV fold
// ---------------------------------------------------------------------------

func fold(group []domain.Bar, ts time.Time) domain.Bar {
	b := domain.Bar{
		Symbol:    group[0].Symbol,
		Timestamp: ts,
		Open:      group[0].Open,
		High:      group[0].High,
		Low:       group[0].Low,
		Close:     group[len(group)-1].Close,
	}
	for _, g := range group {
		if g.High > b.High {
			b.High = g.High
		}
		if g.Low < b.Low {
			b.Low = g.Low
		}
		b.Volume += g.Volume
	}
	return b
}
