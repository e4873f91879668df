package indicator

import (
	"math"

	"sessiond/internal/domain"
)

func init() {
	Register("atr", Entry{Type: TypeVolatility, MinBars: periodPlusOne, Calc: calcATR})
	Register("bollinger", Entry{Type: TypeVolatility, MinBars: periodMin, Calc: calcBollinger})
	Register("keltner", Entry{Type: TypeVolatility, MinBars: periodPlusOne, Calc: calcKeltner})
	Register("donchian", Entry{Type: TypeVolatility, MinBars: periodMin, Calc: calcDonchian})
	Register("stddev", Entry{Type: TypeVolatility, MinBars: periodMin, Calc: calcStdDev})
	Register("hist_vol", Entry{Type: TypeVolatility, MinBars: periodPlusOne, Calc: calcHistVol})
}

func calcATR(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n+1 {
		return invalid()
	}
	trs := trueRanges(bars)
	return Result{Value: wilderSmooth(trs[1:], n), Valid: true}
}

func calcBollinger(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n {
		return invalid()
	}
	mult := cfg.Param("stddev", 2)
	vals := closes(bars)
	mid := meanLast(vals, n)
	sd := stddevLast(vals, n)
	return Result{
		Values: map[string]float64{
			"upper":  mid + mult*sd,
			"middle": mid,
			"lower":  mid - mult*sd,
		},
		Valid: true,
	}
}

func calcKeltner(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n+1 {
		return invalid()
	}
	mult := cfg.Param("atr_mult", 2)
	mid := emaSeries(closes(bars), n)
	atr := wilderSmooth(trueRanges(bars)[1:], n)
	m := mid[len(mid)-1]
	return Result{
		Values: map[string]float64{
			"upper":  m + mult*atr,
			"middle": m,
			"lower":  m - mult*atr,
		},
		Valid: true,
	}
}

func calcDonchian(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n {
		return invalid()
	}
	window := bars[len(bars)-n:]
	hh, ll := highestHigh(window), lowestLow(window)
	return Result{
		Values: map[string]float64{
			"upper":  hh,
			"middle": (hh + ll) / 2,
			"lower":  ll,
		},
		Valid: true,
	}
}

func calcStdDev(bars []domain.Bar, cfg Config, _ *Result) Result {
	if len(bars) < cfg.Period {
		return invalid()
	}
	return Result{Value: stddevLast(closes(bars), cfg.Period), Valid: true}
}

// calcHistVol is annualized close-to-close volatility in percent.
func calcHistVol(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n+1 {
		return invalid()
	}
	vals := closes(bars)
	rets := make([]float64, 0, n)
	for i := len(vals) - n; i < len(vals); i++ {
		if vals[i-1] <= 0 {
			return invalid()
		}
		rets = append(rets, math.Log(vals[i]/vals[i-1]))
	}
	sd := stddevLast(rets, len(rets))
	return Result{Value: sd * math.Sqrt(252) * 100, Valid: true}
}
