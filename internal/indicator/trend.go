package indicator

import (
	"math"

	"sessiond/internal/domain"
)

func init() {
	Register("sma", Entry{Type: TypeTrend, MinBars: periodMin, Calc: calcSMA})
	Register("ema", Entry{Type: TypeTrend, MinBars: periodMin, Calc: calcEMA})
	Register("wma", Entry{Type: TypeTrend, MinBars: periodMin, Calc: calcWMA})
	Register("dema", Entry{Type: TypeTrend, MinBars: func(c Config) int { return c.Period * 2 }, Calc: calcDEMA})
	Register("tema", Entry{Type: TypeTrend, MinBars: func(c Config) int { return c.Period * 3 }, Calc: calcTEMA})
	Register("hma", Entry{Type: TypeTrend, MinBars: func(c Config) int { return c.Period + int(math.Sqrt(float64(c.Period))) }, Calc: calcHMA})
	Register("vwap", Entry{Type: TypeTrend, SessionScoped: true, MinBars: func(Config) int { return 1 }, Calc: calcVWAP})
	Register("twap", Entry{Type: TypeTrend, SessionScoped: true, MinBars: func(Config) int { return 1 }, Calc: calcTWAP})
}

func calcSMA(bars []domain.Bar, cfg Config, _ *Result) Result {
	if len(bars) < cfg.Period {
		return invalid()
	}
	return Result{Value: meanLast(closes(bars), cfg.Period), Valid: true}
}

// emaState carries the running EMA for O(1) incremental update.
type emaState struct {
	EMA float64
}

func calcEMA(bars []domain.Bar, cfg Config, prev *Result) Result {
	if len(bars) < cfg.Period {
		return invalid()
	}
	if prev != nil && prev.Valid {
		if st, ok := prev.State.(emaState); ok {
			k := 2.0 / float64(cfg.Period+1)
			ema := bars[len(bars)-1].Close*k + st.EMA*(1-k)
			return Result{Value: ema, Valid: true, State: emaState{EMA: ema}}
		}
	}
	series := emaSeries(closes(bars), cfg.Period)
	ema := series[len(series)-1]
	return Result{Value: ema, Valid: true, State: emaState{EMA: ema}}
}

func calcWMA(bars []domain.Bar, cfg Config, _ *Result) Result {
	if len(bars) < cfg.Period {
		return invalid()
	}
	return Result{Value: wmaLast(closes(bars), cfg.Period), Valid: true}
}

func calcDEMA(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n*2 {
		return invalid()
	}
	e1 := emaSeries(closes(bars), n)
	e2 := emaSeries(e1, n)
	if len(e2) == 0 {
		return invalid()
	}
	v := 2*e1[len(e1)-1] - e2[len(e2)-1]
	return Result{Value: v, Valid: true}
}

func calcTEMA(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n*3 {
		return invalid()
	}
	e1 := emaSeries(closes(bars), n)
	e2 := emaSeries(e1, n)
	e3 := emaSeries(e2, n)
	if len(e3) == 0 {
		return invalid()
	}
	v := 3*e1[len(e1)-1] - 3*e2[len(e2)-1] + e3[len(e3)-1]
	return Result{Value: v, Valid: true}
}

func calcHMA(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	sqrtN := int(math.Sqrt(float64(n)))
	if sqrtN < 1 {
		sqrtN = 1
	}
	if len(bars) < n+sqrtN {
		return invalid()
	}
	vals := closes(bars)

	// Series of 2*WMA(n/2) - WMA(n) over the last sqrt(n) positions.
	half := n / 2
	if half < 1 {
		half = 1
	}
	raw := make([]float64, 0, sqrtN)
	for i := len(vals) - sqrtN; i < len(vals); i++ {
		window := vals[:i+1]
		raw = append(raw, 2*wmaLast(window, half)-wmaLast(window, n))
	}
	return Result{Value: wmaLast(raw, sqrtN), Valid: true}
}

// vwapState carries the session-cumulative price*volume and volume sums.
type vwapState struct {
	PV  float64
	Vol float64
}

func calcVWAP(bars []domain.Bar, _ Config, prev *Result) Result {
	if len(bars) == 0 {
		return invalid()
	}
	var st vwapState
	var tail []domain.Bar
	if prev != nil && prev.Valid {
		if s, ok := prev.State.(vwapState); ok {
			st = s
			tail = bars[len(bars)-1:]
		}
	}
	if tail == nil {
		tail = bars
	}
	for _, b := range tail {
		tp := (b.High + b.Low + b.Close) / 3
		st.PV += tp * float64(b.Volume)
		st.Vol += float64(b.Volume)
	}
	if st.Vol == 0 {
		return invalid()
	}
	return Result{Value: st.PV / st.Vol, Valid: true, State: st}
}

// twapState carries the session-cumulative typical-price sum and count.
type twapState struct {
	Sum   float64
	Count int
}

func calcTWAP(bars []domain.Bar, _ Config, prev *Result) Result {
	if len(bars) == 0 {
		return invalid()
	}
	var st twapState
	var tail []domain.Bar
	if prev != nil && prev.Valid {
		if s, ok := prev.State.(twapState); ok {
			st = s
			tail = bars[len(bars)-1:]
		}
	}
	if tail == nil {
		tail = bars
	}
	for _, b := range tail {
		st.Sum += (b.High + b.Low + b.Close) / 3
		st.Count++
	}
	return Result{Value: st.Sum / float64(st.Count), Valid: true, State: st}
}
