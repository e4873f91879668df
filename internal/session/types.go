// Package session holds the shared in-memory session model: per-symbol
// bars, indicators, metrics, and the historical window. The Store in this
// package is the single place session state lives; every other component
// is driven by it or queries it.
package session

import (
	"time"

	"sessiond/internal/domain"
)

// Source identifies who requested a provisioning operation.
type Source string

const (
	SourceConfig   Source = "config"
	SourceStrategy Source = "strategy"
	SourceScanner  Source = "scanner"
)

// ProvisionMeta records how a symbol entered the session.
type ProvisionMeta struct {
	MeetsSessionConfig bool
	AutoProvisioned    bool
	UpgradedFromAdhoc  bool
	AddedBy            Source
}

// BarIntervalData holds one interval's bars for a symbol, along with the
// quality score, gap list, derived/base flags, and the updated flag. These
// live here and nowhere else.
type BarIntervalData struct {
	Interval string
	Derived  bool
	Base     string // source interval token; empty for the base interval
	Bars     []domain.Bar
	Quality  float64
	Gaps     []domain.Gap
	Updated  bool
}

// SessionMetrics accumulates per-symbol running metrics over the current
// session's base bars.
type SessionMetrics struct {
	Volume     int64
	High       float64
	Low        float64
	LastUpdate time.Time
}

// IndicatorData is the stored state of one registered indicator.
type IndicatorData struct {
	Name        string
	Type        string // trend, momentum, volatility, volume, support_resistance, historical
	Interval    string
	Period      int
	Value       float64
	Values      map[string]float64 // multi-value indicators; nil for scalars
	LastUpdated time.Time
	Valid       bool // warmup complete
	State       any  // carry state for stateful indicators
}

// Scalar returns the scalar value, or the named field for multi-value
// indicators. ok is false when the indicator is not valid or the field is
// missing.
func (d *IndicatorData) Scalar(field string) (float64, bool) {
	if d == nil || !d.Valid {
		return 0, false
	}
	if field == "" {
		if d.Values != nil {
			return 0, false
		}
		return d.Value, true
	}
	v, ok := d.Values[field]
	return v, ok
}

// HistoricalData holds the rolling prior-days window for a symbol.
type HistoricalData struct {
	// Bars maps interval -> trading date ("2006-01-02") -> bars.
	Bars map[string]map[string][]domain.Bar

	// Indicators computed over the historical window (e.g. avg_volume).
	Indicators map[string]*IndicatorData
}

// SymbolData is the per-symbol hub: all intervals, indicators, metrics,
// historical window, and quote/tick containers.
type SymbolData struct {
	Symbol       string
	BaseInterval string
	Bars         map[string]*BarIntervalData
	Indicators   map[string]*IndicatorData
	Metrics      SessionMetrics
	Historical   HistoricalData
	Quotes       []domain.Quote
	Ticks        []domain.Tick
	Meta         ProvisionMeta
}

// NewSymbolData creates an empty symbol hub with the given base interval
// already present as the (non-derived) base BarIntervalData.
func NewSymbolData(symbol, baseInterval string, meta ProvisionMeta) *SymbolData {
	return &SymbolData{
		Symbol:       symbol,
		BaseInterval: baseInterval,
		Bars: map[string]*BarIntervalData{
			baseInterval: {Interval: baseInterval},
		},
		Indicators: make(map[string]*IndicatorData),
		Historical: HistoricalData{
			Bars:       make(map[string]map[string][]domain.Bar),
			Indicators: make(map[string]*IndicatorData),
		},
		Meta: meta,
	}
}

// BaseBarEvent is published to base-bar subscribers (the derived-bar
// generator) after each base bar append.
type BaseBarEvent struct {
	Symbol string
	Bar    domain.Bar
}

// UpdateEvent is published to update subscribers (the analysis engine)
// after downstream processing of a bar completes.
type UpdateEvent struct {
	Symbol    string
	Intervals []string
	Bar       domain.Bar
}
