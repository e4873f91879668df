package analysis

import (
	"context"
	"fmt"
	"math"
	"time"

	"sessiond/internal/domain"
	"sessiond/internal/indicator"
	"sessiond/internal/session"
)

// Compile-time interface check.
var _ Strategy = (*SMACross)(nil)

// SMACross generates a buy signal when the short-period SMA crosses above
// the long-period SMA, and a sell signal when it crosses below. It reads
// both SMAs from the indicator accessors and never computes anything
// itself; while either indicator is still warming up it stays silent.
type SMACross struct {
	short    int
	long     int
	interval string
	readings *indicator.Manager

	// last short-long spread per symbol; crossings are sign changes.
	prev map[string]float64
}

// NewSMACross creates an SMA crossover strategy on the given interval.
// The indicators sma_{short} and sma_{long} on that interval must be part
// of the session configuration.
func NewSMACross(short, long int, interval string, readings *indicator.Manager) *SMACross {
	return &SMACross{
		short:    short,
		long:     long,
		interval: interval,
		readings: readings,
		prev:     make(map[string]float64),
	}
}

// Name returns the strategy identifier.
func (s *SMACross) Name() string {
	return fmt.Sprintf("sma-cross-%d-%d-%s", s.short, s.long, s.interval)
}

// Init validates the period ordering.
func (s *SMACross) Init(_ context.Context) error {
	if s.short >= s.long {
		return fmt.Errorf("short period %d must be below long period %d", s.short, s.long)
	}
	return nil
}

// OnUpdate evaluates the crossover for the updated symbol.
func (s *SMACross) OnUpdate(_ context.Context, ev session.UpdateEvent) ([]domain.Signal, error) {
	touched := false
	for _, token := range ev.Intervals {
		if token == s.interval {
			touched = true
			break
		}
	}
	if !touched {
		return nil, nil
	}

	shortKey := fmt.Sprintf("sma_%d_%s", s.short, s.interval)
	longKey := fmt.Sprintf("sma_%d_%s", s.long, s.interval)

	shortVal, ok := s.readings.GetIndicatorValue(ev.Symbol, shortKey, "")
	if !ok {
		return nil, nil
	}
	longVal, ok := s.readings.GetIndicatorValue(ev.Symbol, longKey, "")
	if !ok {
		return nil, nil
	}

	spread := shortVal - longVal
	prev, seen := s.prev[ev.Symbol]
	s.prev[ev.Symbol] = spread
	if !seen || prev == 0 || spread == 0 || (prev > 0) == (spread > 0) {
		return nil, nil
	}

	typ := domain.SignalTypeBuy
	if spread < 0 {
		typ = domain.SignalTypeSell
	}
	strength := math.Min(1, math.Abs(spread)/math.Max(longVal, 1e-9)*100)

	return []domain.Signal{{
		StrategyID: s.Name(),
		Symbol:     ev.Symbol,
		Type:       typ,
		Strength:   strength,
		Metadata: map[string]string{
			"short":    fmt.Sprintf("%.4f", shortVal),
			"long":     fmt.Sprintf("%.4f", longVal),
			"interval": s.interval,
		},
		CreatedAt: time.Now(),
	}}, nil
}
