package indicator

import "sessiond/internal/domain"

func init() {
	Register("obv", Entry{Type: TypeVolume, MinBars: func(Config) int { return 2 }, Calc: calcOBV})
	Register("pvt", Entry{Type: TypeVolume, MinBars: func(Config) int { return 2 }, Calc: calcPVT})
	Register("volume_sma", Entry{Type: TypeVolume, MinBars: periodMin, Calc: calcVolumeSMA})
	Register("volume_ratio", Entry{Type: TypeVolume, MinBars: periodPlusOne, Calc: calcVolumeRatio})
}

// obvState carries the cumulative OBV and the close it was computed at.
type obvState struct {
	OBV       float64
	LastClose float64
}

func calcOBV(bars []domain.Bar, _ Config, prev *Result) Result {
	if len(bars) < 2 {
		return invalid()
	}

	var st obvState
	start := 1
	if prev != nil && prev.Valid {
		if s, ok := prev.State.(obvState); ok {
			st = s
			start = len(bars) - 1
		}
	}
	if start == 1 {
		st = obvState{LastClose: bars[0].Close}
	}

	for _, b := range bars[start:] {
		switch {
		case b.Close > st.LastClose:
			st.OBV += float64(b.Volume)
		case b.Close < st.LastClose:
			st.OBV -= float64(b.Volume)
		}
		st.LastClose = b.Close
	}
	return Result{Value: st.OBV, Valid: true, State: st}
}

// pvtState carries the cumulative PVT and the last close.
type pvtState struct {
	PVT       float64
	LastClose float64
}

func calcPVT(bars []domain.Bar, _ Config, prev *Result) Result {
	if len(bars) < 2 {
		return invalid()
	}

	var st pvtState
	start := 1
	if prev != nil && prev.Valid {
		if s, ok := prev.State.(pvtState); ok {
			st = s
			start = len(bars) - 1
		}
	}
	if start == 1 {
		st = pvtState{LastClose: bars[0].Close}
	}

	for _, b := range bars[start:] {
		if st.LastClose > 0 {
			st.PVT += float64(b.Volume) * (b.Close - st.LastClose) / st.LastClose
		}
		st.LastClose = b.Close
	}
	return Result{Value: st.PVT, Valid: true, State: st}
}

func calcVolumeSMA(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n {
		return invalid()
	}
	sum := int64(0)
	for _, b := range bars[len(bars)-n:] {
		sum += b.Volume
	}
	return Result{Value: float64(sum) / float64(n), Valid: true}
}

// calcVolumeRatio is the latest bar's volume relative to the average of
// the n bars before it.
func calcVolumeRatio(bars []domain.Bar, cfg Config, _ *Result) Result {
	n := cfg.Period
	if len(bars) < n+1 {
		return invalid()
	}
	sum := int64(0)
	for _, b := range bars[len(bars)-1-n : len(bars)-1] {
		sum += b.Volume
	}
	if sum == 0 {
		return invalid()
	}
	avg := float64(sum) / float64(n)
	return Result{Value: float64(bars[len(bars)-1].Volume) / avg, Valid: true}
}
