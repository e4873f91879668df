package indicator

import (
	"math"

	"sessiond/internal/domain"
)

func init() {
	Register("rsi", Entry{Type: TypeMomentum, MinBars: periodPlusOne, Calc: calcRSI})
	Register("macd", Entry{Type: TypeMomentum, MinBars: func(c Config) int {
		return int(c.Param("slow", 26) + c.Param("signal", 9))
	}, Calc: calcMACD})
	Register("stochastic", Entry{Type: TypeMomentum, MinBars: func(c Config) int { return c.Period + 2 }, Calc: calcStochastic})
	Register("cci", Entry{Type: TypeMomentum, MinBars: periodMin, Calc: calcCCI})
	Register("roc", Entry{Type: TypeMomentum, MinBars: periodPlusOne, Calc: calcROC})
	Register("mom", Entry{Type: TypeMomentum, MinBars: periodPlusOne, Calc: calcMOM})
	Register("williams_r", Entry{Type: TypeMomentum, MinBars: periodMin, Calc: calcWilliamsR})
	Register("ultimate_osc", Entry{Type: TypeMomentum, MinBars: func(c Config) int {
		return int(c.Param("slow", 28)) + 1
	}, Calc: calcUltimateOsc})
}

// rsiState carries Wilder's smoothed average gain/loss.
type rsiState struct {
	AvgGain float64
	AvgLoss float64
}

func calcRSI(bars []domain.Bar, cfg Config, prev *Result) Result {
	n := cfg.Period
	if len(bars) < n+1 {
		return invalid()
	}

	if prev != nil && prev.Valid {
		if st, ok := prev.State.(rsiState); ok {
			change := bars[len(bars)-1].Close - bars[len(bars)-2].Close
			gain, loss := 0.0, 0.0
			if change > 0 {
				gain = change
			} else {
				loss = -change
			}
			st.AvgGain = (st.AvgGain*float64(n-1) + gain) / float64(n)
			st.AvgLoss = (st.AvgLoss*float64(n-1) + loss) / float64(n)
			return Result{Value: rsiFrom(st), Valid: true, State: st}
		}
	}

	vals := closes(bars)
	gains := make([]float64, 0, len(vals)-1)
	losses := make([]float64, 0, len(vals)-1)
	for i := 1; i < len(vals); i++ {
		change := vals[i] - vals[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}
	st := rsiState{
		AvgGain: wilderSmooth(gains, n),
		AvgLoss: wilderSmooth(losses, n),
	}
	return Result{Value: rsiFrom(st), Valid: true, State: st}
}

func rsiFrom(st rsiState) float64 {
	if st.AvgLoss == 0 {
		return 100
	}
	rs := st.AvgGain / st.AvgLoss
	return 100 - 100/(1+rs)
}

func calcMACD(bars []domain.Bar, cfg Config, _ *Result) Result {
	fast := int(cfg.Param("fast", 12))
	slow := int(cfg.Param("slow", 26))
	signal := int(cfg.Param("signal", 9))
	if len(bars) < slow+signal {
		return invalid()
	}

	vals := closes(bars)
	fastE := emaSeries(vals, fast)
	slowE := emaSeries(vals, slow)

	// Align the fast series to the slow series tail.
	offset := len(fastE) - len(slowE)
	macdLine := make([]float64, len(slowE))
	for i := range slowE {
		macdLine[i] = fastE[i+offset] - slowE[i]
	}
	signalE := emaSeries(macdLine, signal)
	if len(signalE) == 0 {
		return invalid()
	}

	macd := macdLine[len(macdLine)-1]
	sig := signalE[len(signalE)-1]
	return Result{
		Values: map[string]float64{
			"macd":      macd,
			"signal":    sig,
			"histogram": macd - sig,
		},
		Valid: true,
	}
}

func calcStochastic(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	dPeriod := int(cfg.Param("d", 3))
	if len(bars) < n+dPeriod-1 {
		return invalid()
	}

	// %K over the last dPeriod windows, then %D as their mean.
	ks := make([]float64, 0, dPeriod)
	for i := len(bars) - dPeriod; i < len(bars); i++ {
		window := bars[i-n+1 : i+1]
		hh, ll := highestHigh(window), lowestLow(window)
		if hh == ll {
			ks = append(ks, 50)
			continue
		}
		ks = append(ks, (bars[i].Close-ll)/(hh-ll)*100)
	}

	d := 0.0
	for _, k := range ks {
		d += k
	}
	d /= float64(len(ks))

	return Result{
		Values: map[string]float64{"k": ks[len(ks)-1], "d": d},
		Valid:  true,
	}
}

func calcCCI(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n {
		return invalid()
	}
	tps := typicals(bars)
	m := meanLast(tps, n)

	dev := 0.0
	for _, tp := range tps[len(tps)-n:] {
		dev += math.Abs(tp - m)
	}
	dev /= float64(n)
	if dev == 0 {
		return Result{Value: 0, Valid: true}
	}
	return Result{Value: (tps[len(tps)-1] - m) / (0.015 * dev), Valid: true}
}

func calcROC(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n+1 {
		return invalid()
	}
	then := bars[len(bars)-1-n].Close
	if then == 0 {
		return invalid()
	}
	return Result{Value: (bars[len(bars)-1].Close - then) / then * 100, Valid: true}
}

func calcMOM(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n+1 {
		return invalid()
	}
	return Result{Value: bars[len(bars)-1].Close - bars[len(bars)-1-n].Close, Valid: true}
}

func calcWilliamsR(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n {
		return invalid()
	}
	window := bars[len(bars)-n:]
	hh, ll := highestHigh(window), lowestLow(window)
	if hh == ll {
		return Result{Value: -50, Valid: true}
	}
	return Result{Value: (hh - bars[len(bars)-1].Close) / (hh - ll) * -100, Valid: true}
}

func calcUltimateOsc(bars []domain.Bar, cfg Config, _ *Result) Result {
	p1 := int(cfg.Param("fast", 7))
	p2 := int(cfg.Param("mid", 14))
	p3 := int(cfg.Param("slow", 28))
	if len(bars) < p3+1 {
		return invalid()
	}

	bp := make([]float64, len(bars))
	tr := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		b := bars[i]
		prevClose := bars[i-1].Close
		trueLow := math.Min(b.Low, prevClose)
		trueHigh := math.Max(b.High, prevClose)
		bp[i] = b.Close - trueLow
		tr[i] = trueHigh - trueLow
	}

	avg := func(n int) float64 {
		sumBP, sumTR := 0.0, 0.0
		for i := len(bars) - n; i < len(bars); i++ {
			sumBP += bp[i]
			sumTR += tr[i]
		}
		if sumTR == 0 {
			return 0
		}
		return sumBP / sumTR
	}

	uo := 100 * (4*avg(p1) + 2*avg(p2) + avg(p3)) / 7
	return Result{Value: uo, Valid: true}
}
