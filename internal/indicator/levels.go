package indicator

import (
	"math"

	"sessiond/internal/domain"
)

func init() {
	Register("pivot_points", Entry{Type: TypeSupportResistance, MinBars: func(Config) int { return 1 }, Calc: calcPivotPoints})
	Register("high_low", Entry{Type: TypeSupportResistance, MinBars: periodMin, Calc: calcHighLow})
	Register("swing_high_low", Entry{Type: TypeSupportResistance, MinBars: func(Config) int { return 5 }, Calc: calcSwingHighLow})
	Register("avg_volume", Entry{Type: TypeHistorical, MinBars: periodMin, Calc: calcVolumeSMA})
	Register("avg_range", Entry{Type: TypeHistorical, MinBars: periodMin, Calc: calcAvgRange})
	Register("atr_daily", Entry{Type: TypeHistorical, MinBars: periodPlusOne, Calc: calcATR})
	Register("gap_stats", Entry{Type: TypeHistorical, MinBars: periodPlusOne, Calc: calcGapStats})
	Register("range_ratio", Entry{Type: TypeHistorical, MinBars: periodPlusOne, Calc: calcRangeRatio})
}

// calcPivotPoints computes classic floor-trader pivots from the most
// recent prior bar in the window (a daily bar when registered on 1d).
func calcPivotPoints(bars []domain.Bar, _ Config, _ *Result) Result {
	if len(bars) == 0 {
		return invalid()
	}
	b := bars[len(bars)-1]
	p := (b.High + b.Low + b.Close) / 3
	return Result{
		Values: map[string]float64{
			"pivot": p,
			"r1":    2*p - b.Low,
			"r2":    p + (b.High - b.Low),
			"s1":    2*p - b.High,
			"s2":    p - (b.High - b.Low),
		},
		Valid: true,
	}
}

// calcHighLow is the unified High/Low indicator: highest high and lowest
// low over the last N bars of the configured interval. N-day, N-week, and
// intraday windows are all this one implementation with a different
// {period, interval} pair.
func calcHighLow(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n {
		return invalid()
	}
	window := bars[len(bars)-n:]
	return Result{
		Values: map[string]float64{
			"high": highestHigh(window),
			"low":  lowestLow(window),
		},
		Valid: true,
	}
}

// calcSwingHighLow finds the most recent confirmed swing high and low,
// using a two-bar lookaround on each side.
func calcSwingHighLow(bars []domain.Bar, _ Config, _ *Result) Result {
	const k = 2
	if len(bars) < 2*k+1 {
		return invalid()
	}

	swingHigh, swingLow := math.NaN(), math.NaN()
	for i := len(bars) - 1 - k; i >= k; i-- {
		isHigh, isLow := true, true
		for j := i - k; j <= i+k; j++ {
			if j == i {
				continue
			}
			if bars[j].High >= bars[i].High {
				isHigh = false
			}
			if bars[j].Low <= bars[i].Low {
				isLow = false
			}
		}
		if isHigh && math.IsNaN(swingHigh) {
			swingHigh = bars[i].High
		}
		if isLow && math.IsNaN(swingLow) {
			swingLow = bars[i].Low
		}
		if !math.IsNaN(swingHigh) && !math.IsNaN(swingLow) {
			break
		}
	}
	if math.IsNaN(swingHigh) && math.IsNaN(swingLow) {
		return invalid()
	}

	values := make(map[string]float64, 2)
	if !math.IsNaN(swingHigh) {
		values["swing_high"] = swingHigh
	}
	if !math.IsNaN(swingLow) {
		values["swing_low"] = swingLow
	}
	return Result{Values: values, Valid: true}
}

func calcAvgRange(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n {
		return invalid()
	}
	sum := 0.0
	for _, b := range bars[len(bars)-n:] {
		sum += b.High - b.Low
	}
	return Result{Value: sum / float64(n), Valid: true}
}

// calcGapStats summarises open-vs-prior-close gaps over the last N bars.
func calcGapStats(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n+1 {
		return invalid()
	}

	sumAbs, maxAbs := 0.0, 0.0
	ups := 0
	for i := len(bars) - n; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		if prevClose == 0 {
			continue
		}
		gap := (bars[i].Open - prevClose) / prevClose * 100
		abs := math.Abs(gap)
		sumAbs += abs
		if abs > maxAbs {
			maxAbs = abs
		}
		if gap > 0 {
			ups++
		}
	}
	return Result{
		Values: map[string]float64{
			"avg_gap_pct": sumAbs / float64(n),
			"max_gap_pct": maxAbs,
			"up_ratio":    float64(ups) / float64(n),
		},
		Valid: true,
	}
}

// calcRangeRatio is the latest bar's range relative to the average range
// of the n bars before it.
func calcRangeRatio(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n+1 {
		return invalid()
	}
	sum := 0.0
	for _, b := range bars[len(bars)-1-n : len(bars)-1] {
		sum += b.High - b.Low
	}
	if sum == 0 {
		return invalid()
	}
	avg := sum / float64(n)
	last := bars[len(bars)-1]
	return Result{Value: (last.High - last.Low) / avg, Valid: true}
}
