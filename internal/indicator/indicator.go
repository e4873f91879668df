// Package indicator implements the technical-indicator library and its
// manager. Every indicator is a single CalcFunc behind one registry;
// adding an indicator is one Register call in the category file.
package indicator

import (
	"fmt"
	"math"
	"sort"

	"sessiond/internal/domain"
)

// Type categorizes an indicator.
type Type string

const (
	TypeTrend             Type = "trend"
	TypeMomentum          Type = "momentum"
	TypeVolatility        Type = "volatility"
	TypeVolume            Type = "volume"
	TypeSupportResistance Type = "support_resistance"
	TypeHistorical        Type = "historical"
)

// Config declares one indicator instance.
type Config struct {
	Name     string             `yaml:"name"`
	Period   int                `yaml:"period"`
	Interval string             `yaml:"interval"`
	Params   map[string]float64 `yaml:"params,omitempty"`
}

// Key returns the indicator key: "{name}_{period}_{interval}", or
// "{name}_{interval}" when the period is irrelevant.
func (c Config) Key() string {
	if c.Period > 0 {
		return fmt.Sprintf("%s_%d_%s", c.Name, c.Period, c.Interval)
	}
	return fmt.Sprintf("%s_%s", c.Name, c.Interval)
}

// Param returns a named parameter with a default.
func (c Config) Param(name string, def float64) float64 {
	if v, ok := c.Params[name]; ok {
		return v
	}
	return def
}

// Result is the output of one calculation.
type Result struct {
	Value  float64
	Values map[string]float64 // multi-value indicators; nil for scalars
	Valid  bool
	State  any // carry state for O(1) incremental update
}

// CalcFunc computes an indicator over an ascending bar window. prev is the
// previous result for stateful indicators (nil on first call).
type CalcFunc func(bars []domain.Bar, cfg Config, prev *Result) Result

// Entry is one registered indicator.
type Entry struct {
	Type Type

	// SessionScoped indicators (VWAP, TWAP) reset each session and are fed
	// session bars only, never the historical window.
	SessionScoped bool

	// MinBars returns the minimum window length for a valid result.
	MinBars func(cfg Config) int

	Calc CalcFunc
}

var registry = map[string]Entry{}

// Register adds an indicator to the dispatch table.
func Register(name string, e Entry) {
	registry[name] = e
}

// Lookup returns the registry entry for an indicator name.
func Lookup(name string) (Entry, bool) {
	e, ok := registry[name]
	return e, ok
}

// Names returns all registered indicator names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Shared math helpers
// ---------------------------------------------------------------------------

func closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func typicals(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = (b.High + b.Low + b.Close) / 3
	}
	return out
}

// mean of the last n values.
func meanLast(vals []float64, n int) float64 {
	sum := 0.0
	for _, v := range vals[len(vals)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// stddevLast is the population standard deviation of the last n values.
func stddevLast(vals []float64, n int) float64 {
	m := meanLast(vals, n)
	sum := 0.0
	for _, v := range vals[len(vals)-n:] {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}

// wmaLast is the linearly weighted mean of the last n values, newest
// weighted heaviest.
func wmaLast(vals []float64, n int) float64 {
	window := vals[len(vals)-n:]
	num, den := 0.0, 0.0
	for i, v := range window {
		w := float64(i + 1)
		num += v * w
		den += w
	}
	return num / den
}

// emaSeries computes the full EMA series over vals with period n, seeded
// with the SMA of the first n values. Returns nil when len(vals) < n.
func emaSeries(vals []float64, n int) []float64 {
	if len(vals) < n {
		return nil
	}
	k := 2.0 / float64(n+1)
	out := make([]float64, 0, len(vals)-n+1)

	seed := 0.0
	for _, v := range vals[:n] {
		seed += v
	}
	seed /= float64(n)
	out = append(out, seed)

	ema := seed
	for _, v := range vals[n:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

// trueRanges computes the true range series; the first element uses
// high-low only.
func trueRanges(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		hl := b.High - b.Low
		if i == 0 {
			out[i] = hl
			continue
		}
		prev := bars[i-1].Close
		out[i] = math.Max(hl, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
	}
	return out
}

// wilderSmooth applies Wilder's smoothing with period n over vals,
// returning the final smoothed value. len(vals) must be >= n.
func wilderSmooth(vals []float64, n int) float64 {
	sum := 0.0
	for _, v := range vals[:n] {
		sum += v
	}
	avg := sum / float64(n)
	for _, v := range vals[n:] {
		avg = (avg*float64(n-1) + v) / float64(n)
	}
	return avg
}

func highestHigh(bars []domain.Bar) float64 {
	h := bars[0].High
	for _, b := range bars[1:] {
		if b.High > h {
			h = b.High
		}
	}
	return h
}

func lowestLow(bars []domain.Bar) float64 {
	l := bars[0].Low
	for _, b := range bars[1:] {
		if b.Low < l {
			l = b.Low
		}
	}
	return l
}

func invalid() Result { return Result{} }

func periodMin(cfg Config) int { return cfg.Period }

func periodPlusOne(cfg Config) int { return cfg.Period + 1 }
