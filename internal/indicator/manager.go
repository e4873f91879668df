package indicator

import (
	"fmt"
	"log/slog"
	"time"

	"sessiond/internal/domain"
	"sessiond/internal/session"
)

// Manager owns indicator registration and updates. It reads bar windows
// from the session store and writes results back into the store's
// indicator entries; strategy-facing reads never trigger computation.
type Manager struct {
	store      *session.Store
	warmupMult int
	log        *slog.Logger
}

// NewManager creates an indicator manager. warmupMultiplier scales the
// period into the number of historical bars replayed at registration
// (typically 2).
func NewManager(store *session.Store, warmupMultiplier int, log *slog.Logger) *Manager {
	if warmupMultiplier < 1 {
		warmupMultiplier = 2
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:      store,
		warmupMult: warmupMultiplier,
		log:        log.With("component", "indicator-manager"),
	}
}

// WarmupBars returns the number of bars of cfg's interval needed for a
// valid result at registration time.
func (m *Manager) WarmupBars(cfg Config) (int, error) {
	entry, ok := Lookup(cfg.Name)
	if !ok {
		return 0, fmt.Errorf("unknown indicator %q", cfg.Name)
	}
	min := entry.MinBars(cfg)
	warm := cfg.Period * m.warmupMult
	if warm < min {
		warm = min
	}
	return warm, nil
}

// Register registers (or re-registers, replacing in place) an indicator
// for a symbol and computes its initial value from the warmup window. When
// historical is true the entry lives in the symbol's historical-indicator
// map instead of the session map.
func (m *Manager) Register(symbol string, cfg Config, historical bool) error {
	entry, ok := Lookup(cfg.Name)
	if !ok {
		return fmt.Errorf("unknown indicator %q", cfg.Name)
	}

	res := entry.Calc(m.window(symbol, cfg.Interval, entry), cfg, nil)
	data := toData(cfg, entry, res)

	if historical {
		return m.store.RegisterHistoricalIndicator(symbol, cfg.Key(), data)
	}
	return m.store.RegisterIndicator(symbol, cfg.Key(), data)
}

// OnBars recomputes every indicator registered on the given interval of a
// symbol. Called by the derived-bar generator after each append.
func (m *Manager) OnBars(symbol, token string) {
	for _, key := range m.store.IndicatorKeysFor(symbol, token) {
		existing := m.store.Indicator(symbol, key, true)
		if existing == nil {
			continue
		}
		entry, ok := Lookup(existing.Name)
		if !ok {
			continue
		}
		cfg := Config{Name: existing.Name, Period: existing.Period, Interval: existing.Interval}
		prev := &Result{Value: existing.Value, Values: existing.Values, Valid: existing.Valid, State: existing.State}

		res := entry.Calc(m.window(symbol, token, entry), cfg, prev)
		if err := m.store.RegisterIndicator(symbol, key, toData(cfg, entry, res)); err != nil {
			m.log.Warn("updating indicator", "symbol", symbol, "key", key, "error", err)
		}
	}
}

// window assembles the computation window: historical bars followed by
// session bars, or session bars only for session-scoped indicators.
func (m *Manager) window(symbol, token string, entry Entry) []domain.Bar {
	live := m.store.Bars(symbol, token)
	if entry.SessionScoped {
		return live
	}
	hist := m.store.HistoricalBars(symbol, token)
	if len(hist) == 0 {
		return live
	}
	out := make([]domain.Bar, 0, len(hist)+len(live))
	out = append(out, hist...)
	out = append(out, live...)
	return out
}

func toData(cfg Config, entry Entry, res Result) *session.IndicatorData {
	return &session.IndicatorData{
		Name:        cfg.Name,
		Type:        string(entry.Type),
		Interval:    cfg.Interval,
		Period:      cfg.Period,
		Value:       res.Value,
		Values:      res.Values,
		LastUpdated: time.Now(),
		Valid:       res.Valid,
		State:       res.State,
	}
}

// ---------------------------------------------------------------------------
// Strategy-facing accessors (read-only)
// ---------------------------------------------------------------------------

// GetIndicatorValue returns the indicator's scalar value, or the named
// field for multi-value indicators. ok is false when the indicator is
// absent, not warmed up, gated by an inactive session, or multi-valued
// and no field was given.
func (m *Manager) GetIndicatorValue(symbol, key, field string) (float64, bool) {
	data := m.store.Indicator(symbol, key, false)
	if data == nil {
		return 0, false
	}
	return data.Scalar(field)
}

// IsIndicatorReady reports whether the indicator exists and its warmup is
// complete.
func (m *Manager) IsIndicatorReady(symbol, key string) bool {
	data := m.store.Indicator(symbol, key, false)
	return data != nil && data.Valid
}

// GetAllIndicators returns a snapshot of the symbol's indicators,
// optionally filtered by type.
func (m *Manager) GetAllIndicators(symbol string, typ Type) map[string]session.IndicatorData {
	return m.store.AllIndicators(symbol, string(typ), false)
}
