// Package provision implements the interval requirement analyzer and the
// unified three-phase provisioning pipeline. Every symbol, bar, and
// indicator addition goes through the same analyze/validate/execute
// machinery; the config, strategy, scanner, and upgrade variants are just
// different step lists.
package provision

import (
	"fmt"
	"sort"

	"sessiond/internal/indicator"
	"sessiond/internal/interval"
)

// Requirements is the analyzer's output: the minimal plan that satisfies a
// declarative set of intervals and indicators.
type Requirements struct {
	// BaseInterval is the single streamed interval everything else derives
	// from.
	BaseInterval string

	// StreamIntervals are the intervals sourced from the stream (the base).
	StreamIntervals []string

	// DerivedIntervals are the intervals folded from the base, in canonical
	// duration order. Includes intermediates the caller never asked for
	// (a week target pulls in 1d when the base is intraday).
	DerivedIntervals []string

	// StorageBacked marks intervals the availability probe reported as
	// present in the columnar store for the session date; the coordinator
	// may prime those directly instead of waiting for derivation.
	StorageBacked map[string]bool

	// HistoricalLookback maps interval token to the number of bars of that
	// interval needed to warm up the indicators registered on it.
	HistoricalLookback map[string]int

	Indicators           []indicator.Config
	HistoricalIndicators []indicator.Config
}

// AnalyzerInput is the declarative requirement set.
type AnalyzerInput struct {
	SessionIntervals     []string
	HistoricalIntervals  []string
	Indicators           []indicator.Config
	HistoricalIndicators []indicator.Config
	WarmupMultiplier     int

	// Available reports whether stored bars exist for an interval token.
	// Optional; nil means nothing is storage-backed.
	Available func(token string) bool
}

// baseCandidates in coarse-to-fine order. The first candidate that can
// reach every required interval wins, which keeps the streamed volume
// minimal.
var baseCandidates = []string{"1d", "1m", "1s"}

// Analyze turns the declared requirement set into a derivation plan.
// It fails with a precise error when no valid base exists, when an
// indicator's interval is not derivable from the chosen base, or when any
// hourly token appears.
func Analyze(in AnalyzerInput) (*Requirements, error) {
	if in.WarmupMultiplier < 1 {
		in.WarmupMultiplier = 2
	}

	required := make(map[string]interval.Interval)
	addToken := func(where, token string) error {
		iv, err := interval.Parse(token)
		if err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		required[iv.Token] = iv
		return nil
	}

	for _, t := range in.SessionIntervals {
		if err := addToken("session interval", t); err != nil {
			return nil, err
		}
	}
	for _, t := range in.HistoricalIntervals {
		if err := addToken("historical interval", t); err != nil {
			return nil, err
		}
	}
	for _, ic := range in.Indicators {
		if err := addToken(fmt.Sprintf("indicator %q", ic.Name), ic.Interval); err != nil {
			return nil, err
		}
	}
	for _, ic := range in.HistoricalIndicators {
		if err := addToken(fmt.Sprintf("historical indicator %q", ic.Name), ic.Interval); err != nil {
			return nil, err
		}
	}
	if len(required) == 0 {
		return nil, fmt.Errorf("no intervals declared")
	}

	// A week target pulls in 1d as an intermediate: weeks fold from daily
	// bars only.
	for _, iv := range required {
		if iv.Unit == interval.UnitWeek {
			required["1d"] = interval.MustParse("1d")
			break
		}
	}

	base, err := selectBase(required)
	if err != nil {
		return nil, err
	}

	req := &Requirements{
		BaseInterval:         base.Token,
		StreamIntervals:      []string{base.Token},
		StorageBacked:        make(map[string]bool),
		HistoricalLookback:   make(map[string]int),
		Indicators:           in.Indicators,
		HistoricalIndicators: in.HistoricalIndicators,
	}

	for token, iv := range required {
		if token == base.Token {
			continue
		}
		if ok, reason := reachable(base, iv); !ok {
			return nil, fmt.Errorf("interval %s not derivable from base %s: %s", token, base.Token, reason)
		}
		req.DerivedIntervals = append(req.DerivedIntervals, token)
		if in.Available != nil && in.Available(token) {
			req.StorageBacked[token] = true
		}
	}
	req.DerivedIntervals, _ = interval.Sort(req.DerivedIntervals)

	// Lookback per interval: enough bars of the indicator's own interval
	// for warmup, and enough base bars to build those derived bars.
	record := func(ic indicator.Config) error {
		iv, ok := required[ic.Interval]
		if !ok {
			return fmt.Errorf("indicator %q interval %s missing from plan", ic.Name, ic.Interval)
		}
		warm := ic.Period * in.WarmupMultiplier
		if warm < 1 {
			warm = 1
		}
		if warm > req.HistoricalLookback[ic.Interval] {
			req.HistoricalLookback[ic.Interval] = warm
		}
		if iv.Token != base.Token {
			baseBars := warm * iv.Seconds() / base.Seconds()
			if baseBars > req.HistoricalLookback[base.Token] {
				req.HistoricalLookback[base.Token] = baseBars
			}
		}
		return nil
	}
	for _, ic := range in.Indicators {
		if err := record(ic); err != nil {
			return nil, err
		}
	}
	for _, ic := range in.HistoricalIndicators {
		if err := record(ic); err != nil {
			return nil, err
		}
	}

	return req, nil
}

// selectBase picks the coarsest candidate base that can reach every
// required interval.
func selectBase(required map[string]interval.Interval) (interval.Interval, error) {
	for _, cand := range baseCandidates {
		base := interval.MustParse(cand)
		ok := true
		for _, iv := range required {
			if iv.Token == base.Token {
				continue
			}
			if reach, _ := reachable(base, iv); !reach {
				ok = false
				break
			}
		}
		if ok {
			return base, nil
		}
	}

	tokens := make([]string, 0, len(required))
	for t := range required {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return interval.Interval{}, fmt.Errorf("no common base interval can derive %v", tokens)
}

// reachable reports whether target can be built from base, directly or
// through the 1d intermediate for week targets.
func reachable(base, target interval.Interval) (bool, string) {
	if ok, _ := interval.CanDerive(base, target); ok {
		return true, ""
	}
	if target.Unit == interval.UnitWeek {
		day := interval.MustParse("1d")
		if base.Token == day.Token {
			return true, ""
		}
		if ok, _ := interval.CanDerive(base, day); ok {
			return true, ""
		}
	}
	_, reason := interval.CanDerive(base, target)
	return false, reason
}
