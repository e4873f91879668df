package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sessiond/internal/domain"
)

// Sentinel errors for store operations.
var (
	ErrSymbolExists   = errors.New("symbol already registered")
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Store is the session data store. It is safe for concurrent use: mutators
// take the exclusive lock for the smallest region that maintains the
// per-symbol invariants; readers take the shared lock.
//
// External readers are gated by the session-active flag: while the session
// is inactive they receive nil/empty results. Internal callers (the
// coordinator, derived generator, quality engine) bypass the gate so that
// provisioning and catch-up stay invisible to strategies.
type Store struct {
	mu      sync.RWMutex
	symbols map[string]*SymbolData
	active  bool
	date    time.Time

	subMu       sync.Mutex
	nextSubID   int
	baseSubs    map[int]chan BaseBarEvent
	updateSubs  map[int]chan UpdateEvent
	subCapacity int

	log *slog.Logger
}

// NewStore creates an empty session data store.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		symbols:     make(map[string]*SymbolData),
		baseSubs:    make(map[int]chan BaseBarEvent),
		updateSubs:  make(map[int]chan UpdateEvent),
		subCapacity: 4096,
		log:         log.With("component", "session-store"),
	}
}

// ---------------------------------------------------------------------------
// Session gate
// ---------------------------------------------------------------------------

// ActivateSession makes the session visible to external readers.
func (s *Store) ActivateSession() {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
}

// DeactivateSession hides the session from external readers.
func (s *Store) DeactivateSession() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// SessionActive reports the gate state.
func (s *Store) SessionActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetSessionDate records the trading date the store currently represents.
func (s *Store) SetSessionDate(date time.Time) {
	s.mu.Lock()
	s.date = date
	s.mu.Unlock()
}

// SessionDate returns the current trading date.
func (s *Store) SessionDate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.date
}

// ---------------------------------------------------------------------------
// Symbol lifecycle
// ---------------------------------------------------------------------------

// RegisterSymbolData atomically inserts a new symbol hub. Fails with
// ErrSymbolExists when the symbol is already present.
func (s *Store) RegisterSymbolData(sd *SymbolData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[sd.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrSymbolExists, sd.Symbol)
	}
	s.symbols[sd.Symbol] = sd
	return nil
}

// RemoveSymbol atomically deletes a symbol's data. The caller is
// responsible for draining any outstanding work for the symbol first.
func (s *Store) RemoveSymbol(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[symbol]; !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	delete(s.symbols, symbol)
	return nil
}

// SetProvisionMeta replaces a symbol's provisioning metadata. Used by the
// upgrade step when an ad-hoc symbol is promoted to full.
func (s *Store) SetProvisionMeta(symbol string, meta ProvisionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	sd.Meta = meta
	return nil
}

// GetSymbolData returns the symbol hub, or nil when absent. External
// callers (internal=false) receive nil whenever the session is inactive;
// this is the gate that keeps half-provisioned state invisible.
//
// Completed bars in the returned structure are immutable; callers that
// need an isolated copy should use SnapshotBars.
func (s *Store) GetSymbolData(symbol string, internal bool) *SymbolData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !internal && !s.active {
		return nil
	}
	return s.symbols[symbol]
}

// GetActiveSymbols returns a sorted snapshot of the symbol set. It is
// derived from the map keys; there is no parallel set to drift.
func (s *Store) GetActiveSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// GetSymbolsWithDerived returns each symbol's derived interval tokens,
// sorted. This is the derived generator's query of record.
func (s *Store) GetSymbolsWithDerived() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string)
	for sym, sd := range s.symbols {
		var derived []string
		for token, bid := range sd.Bars {
			if bid.Derived {
				derived = append(derived, token)
			}
		}
		if len(derived) > 0 {
			sort.Strings(derived)
			out[sym] = derived
		}
	}
	return out
}

// ClearAll removes every symbol's data. Used at phase 0 of each trading day.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.symbols = make(map[string]*SymbolData)
	s.active = false
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Interval structure
// ---------------------------------------------------------------------------

// AddInterval adds an interval container to a symbol. Adding an interval
// that already exists is a no-op. A derived interval whose base does not
// match the symbol's base interval is a base-interval inconsistency and
// panics: that is a programming error, not a data problem.
func (s *Store) AddInterval(symbol string, bid *BarIntervalData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	if _, ok := sd.Bars[bid.Interval]; ok {
		return nil
	}
	if bid.Derived && bid.Base != sd.BaseInterval {
		panic(fmt.Sprintf("session: derived interval %s for %s declares base %q, symbol base is %q",
			bid.Interval, symbol, bid.Base, sd.BaseInterval))
	}
	if !bid.Derived && bid.Interval != sd.BaseInterval {
		panic(fmt.Sprintf("session: second non-derived interval %s for %s (base is %q)",
			bid.Interval, symbol, sd.BaseInterval))
	}
	sd.Bars[bid.Interval] = bid
	return nil
}

// ---------------------------------------------------------------------------
// Bar mutators
// ---------------------------------------------------------------------------

// AppendBaseBar appends a bar to the symbol's base interval, updates the
// session metrics, sets the updated flag, and notifies base-bar
// subscribers. Bars must arrive in strictly increasing timestamp order;
// out-of-order appends panic.
func (s *Store) AppendBaseBar(symbol string, bar domain.Bar) error {
	s.mu.Lock()
	sd, ok := s.symbols[symbol]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	bid := sd.Bars[sd.BaseInterval]
	if n := len(bid.Bars); n > 0 && !bar.Timestamp.After(bid.Bars[n-1].Timestamp) {
		s.mu.Unlock()
		panic(fmt.Sprintf("session: out-of-order base bar for %s: %s <= %s",
			symbol, bar.Timestamp, bid.Bars[n-1].Timestamp))
	}
	bid.Bars = append(bid.Bars, bar)
	bid.Updated = true

	sd.Metrics.Volume += bar.Volume
	if sd.Metrics.High == 0 || bar.High > sd.Metrics.High {
		sd.Metrics.High = bar.High
	}
	if sd.Metrics.Low == 0 || bar.Low < sd.Metrics.Low {
		sd.Metrics.Low = bar.Low
	}
	sd.Metrics.LastUpdate = bar.Timestamp
	s.mu.Unlock()

	s.publishBase(BaseBarEvent{Symbol: symbol, Bar: bar})
	return nil
}

// AppendDerivedBars appends bars to a derived interval and sets its
// updated flag. Each bar must continue the strictly increasing order.
func (s *Store) AppendDerivedBars(symbol, token string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	bid, ok := sd.Bars[token]
	if !ok {
		return fmt.Errorf("interval %s not provisioned for %s", token, symbol)
	}
	for _, b := range bars {
		if n := len(bid.Bars); n > 0 && !b.Timestamp.After(bid.Bars[n-1].Timestamp) {
			panic(fmt.Sprintf("session: out-of-order derived bar for %s/%s: %s", symbol, token, b.Timestamp))
		}
		bid.Bars = append(bid.Bars, b)
	}
	bid.Updated = true
	sd.Metrics.LastUpdate = bars[len(bars)-1].Timestamp
	return nil
}

// MergeBars inserts bars into an interval in timestamp order, skipping
// duplicates. Used by the live gap-retry path, which backfills into the
// middle of the sequence; the append-only ordering check does not apply.
func (s *Store) MergeBars(symbol, token string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	bid, ok := sd.Bars[token]
	if !ok {
		return fmt.Errorf("interval %s not provisioned for %s", token, symbol)
	}

	merged := make([]domain.Bar, 0, len(bid.Bars)+len(bars))
	merged = append(merged, bid.Bars...)
	for _, b := range bars {
		dup := false
		for _, e := range merged {
			if e.Timestamp.Equal(b.Timestamp) {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, b)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	bid.Bars = merged
	bid.Updated = true
	dropCarryState(sd, token)
	return nil
}

// dropCarryState clears the incremental carry state of every indicator on
// the token after a mid-sequence rewrite. Incremental updates assume the
// sequence only grew at the tail; a backfilled bar would otherwise never
// be folded in. The next recompute runs over the full window. Caller
// holds the lock.
func dropCarryState(sd *SymbolData, token string) {
	for _, data := range sd.Indicators {
		if data.Interval == token {
			data.State = nil
		}
	}
}

// ReplaceBars replaces an interval's entire bar sequence. Used when a
// backfill forces downstream derived intervals to be regenerated.
func (s *Store) ReplaceBars(symbol, token string, bars []domain.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	bid, ok := sd.Bars[token]
	if !ok {
		return fmt.Errorf("interval %s not provisioned for %s", token, symbol)
	}
	bid.Bars = bars
	bid.Updated = true
	dropCarryState(sd, token)
	return nil
}

// LastBarTimestamp returns the timestamp of the newest bar for the
// interval, or zero when the interval is empty or absent.
func (s *Store) LastBarTimestamp(symbol, token string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return time.Time{}
	}
	bid, ok := sd.Bars[token]
	if !ok || len(bid.Bars) == 0 {
		return time.Time{}
	}
	return bid.Bars[len(bid.Bars)-1].Timestamp
}

// SnapshotBars returns a copy of the interval's bars. External callers get
// nil while the session is inactive.
func (s *Store) SnapshotBars(symbol, token string, internal bool) []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !internal && !s.active {
		return nil
	}
	sd, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	bid, ok := sd.Bars[token]
	if !ok {
		return nil
	}
	out := make([]domain.Bar, len(bid.Bars))
	copy(out, bid.Bars)
	return out
}

// Bars returns the interval's bar slice by reference for internal,
// read-only use (the derived generator's zero-copy read path).
func (s *Store) Bars(symbol, token string) []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	bid, ok := sd.Bars[token]
	if !ok {
		return nil
	}
	return bid.Bars
}

// SetQuality records the quality score and gap list for an interval.
func (s *Store) SetQuality(symbol, token string, quality float64, gaps []domain.Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	bid, ok := sd.Bars[token]
	if !ok {
		return fmt.Errorf("interval %s not provisioned for %s", token, symbol)
	}
	bid.Quality = quality
	bid.Gaps = gaps
	return nil
}

// ConsumeUpdated reads and clears the updated flag for an interval.
func (s *Store) ConsumeUpdated(symbol, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return false
	}
	bid, ok := sd.Bars[token]
	if !ok {
		return false
	}
	updated := bid.Updated
	bid.Updated = false
	return updated
}

// ---------------------------------------------------------------------------
// Read-only summaries (status surface)
// ---------------------------------------------------------------------------

// IntervalSummary is a consistent snapshot of one interval's state.
type IntervalSummary struct {
	Interval string
	Derived  bool
	Bars     int
	Quality  float64
	Gaps     int
}

// SymbolSummary is a consistent snapshot of one symbol's lifecycle state.
type SymbolSummary struct {
	Symbol       string
	BaseInterval string
	Meta         ProvisionMeta
	Metrics      SessionMetrics
	Intervals    []IntervalSummary
	Indicators   int
	Quotes       int
}

// Summary returns a snapshot of a symbol taken under the read lock, for
// the status endpoints.
func (s *Store) Summary(symbol string) (SymbolSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return SymbolSummary{}, false
	}
	sum := SymbolSummary{
		Symbol:       sd.Symbol,
		BaseInterval: sd.BaseInterval,
		Meta:         sd.Meta,
		Metrics:      sd.Metrics,
		Indicators:   len(sd.Indicators),
		Quotes:       len(sd.Quotes),
	}
	for _, bid := range sd.Bars {
		sum.Intervals = append(sum.Intervals, IntervalSummary{
			Interval: bid.Interval,
			Derived:  bid.Derived,
			Bars:     len(bid.Bars),
			Quality:  bid.Quality,
			Gaps:     len(bid.Gaps),
		})
	}
	sort.Slice(sum.Intervals, func(i, j int) bool {
		return sum.Intervals[i].Interval < sum.Intervals[j].Interval
	})
	return sum, true
}

// ---------------------------------------------------------------------------
// Quotes and ticks
// ---------------------------------------------------------------------------

// AppendQuote appends a quote to the symbol's quote container.
func (s *Store) AppendQuote(symbol string, q domain.Quote) {
	s.mu.Lock()
	if sd, ok := s.symbols[symbol]; ok {
		sd.Quotes = append(sd.Quotes, q)
	}
	s.mu.Unlock()
}

// LatestQuote returns the newest quote. External callers get a zero quote
// and ok=false while the session is inactive.
func (s *Store) LatestQuote(symbol string, internal bool) (domain.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !internal && !s.active {
		return domain.Quote{}, false
	}
	sd, ok := s.symbols[symbol]
	if !ok || len(sd.Quotes) == 0 {
		return domain.Quote{}, false
	}
	return sd.Quotes[len(sd.Quotes)-1], true
}

// AppendTick appends a tick to the symbol's tick container.
func (s *Store) AppendTick(symbol string, t domain.Tick) {
	s.mu.Lock()
	if sd, ok := s.symbols[symbol]; ok {
		sd.Ticks = append(sd.Ticks, t)
	}
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Indicators
// ---------------------------------------------------------------------------

// RegisterIndicator inserts or replaces an indicator entry. Re-registering
// an existing key replaces it in place.
func (s *Store) RegisterIndicator(symbol, key string, data *IndicatorData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	sd.Indicators[key] = data
	return nil
}

// RegisterHistoricalIndicator inserts or replaces an indicator computed
// over the rolling prior-days window.
func (s *Store) RegisterHistoricalIndicator(symbol, key string, data *IndicatorData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	sd.Historical.Indicators[key] = data
	return nil
}

// IndicatorKeysFor returns the session-indicator keys registered on the
// given interval for a symbol, sorted.
func (s *Store) IndicatorKeysFor(symbol, token string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	var keys []string
	for key, data := range sd.Indicators {
		if data.Interval == token {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// AllIndicators returns a snapshot of a symbol's session indicators,
// optionally filtered by type. External callers get nil while the session
// is inactive.
func (s *Store) AllIndicators(symbol, typ string, internal bool) map[string]IndicatorData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !internal && !s.active {
		return nil
	}
	sd, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	out := make(map[string]IndicatorData)
	for key, data := range sd.Indicators {
		if typ != "" && data.Type != typ {
			continue
		}
		out[key] = *data
	}
	return out
}

// Indicator returns the entry for a key, internal gate semantics as above.
func (s *Store) Indicator(symbol, key string, internal bool) *IndicatorData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !internal && !s.active {
		return nil
	}
	sd, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	return sd.Indicators[key]
}

// ---------------------------------------------------------------------------
// Historical window
// ---------------------------------------------------------------------------

// SetHistoricalBars stores one trading day's bars in the symbol's rolling
// historical window.
func (s *Store) SetHistoricalBars(symbol, token string, date time.Time, bars []domain.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	byDate, ok := sd.Historical.Bars[token]
	if !ok {
		byDate = make(map[string][]domain.Bar)
		sd.Historical.Bars[token] = byDate
	}
	byDate[date.Format("2006-01-02")] = bars
	return nil
}

// HistoricalBars returns all historical bars for an interval in date
// order, flattened.
func (s *Store) HistoricalBars(symbol, token string) []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	byDate, ok := sd.Historical.Bars[token]
	if !ok {
		return nil
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	var out []domain.Bar
	for _, d := range dates {
		out = append(out, byDate[d]...)
	}
	return out
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

// SubscribeBase registers a base-bar subscriber. The returned cancel
// function removes the subscription and closes the channel.
func (s *Store) SubscribeBase() (<-chan BaseBarEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan BaseBarEvent, s.subCapacity)
	s.baseSubs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.baseSubs[id]; ok {
			delete(s.baseSubs, id)
			close(c)
		}
	}
}

// SubscribeUpdates registers an update subscriber (the analysis engine).
func (s *Store) SubscribeUpdates() (<-chan UpdateEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan UpdateEvent, s.subCapacity)
	s.updateSubs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.updateSubs[id]; ok {
			delete(s.updateSubs, id)
			close(c)
		}
	}
}

// PublishUpdate notifies update subscribers that downstream processing of
// a bar finished. Publishing is ordered after the bars it announces, so an
// observer seeing the event is guaranteed to see the bars.
func (s *Store) PublishUpdate(ev UpdateEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.updateSubs {
		ch <- ev
	}
}

func (s *Store) publishBase(ev BaseBarEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.baseSubs {
		ch <- ev
	}
}
