package coordinator

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sessiond/internal/analysis"
	"sessiond/internal/config"
	"sessiond/internal/derive"
	"sessiond/internal/domain"
	"sessiond/internal/feed"
	"sessiond/internal/indicator"
	"sessiond/internal/market"
	"sessiond/internal/provision"
	"sessiond/internal/quality"
	"sessiond/internal/session"
	"sessiond/internal/store"
)

// memStore is an in-memory BarStore/QuoteStore backing coordinator tests.
type memStore struct {
	bars   map[string][]domain.Bar
	quotes map[string][]domain.Quote
}

var _ store.BarStore = (*memStore)(nil)
var _ store.QuoteStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{bars: make(map[string][]domain.Bar), quotes: make(map[string][]domain.Quote)}
}

func (m *memStore) ReadBars(_ context.Context, token, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range m.bars[token+"|"+symbol] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) WriteBars(_ context.Context, bars []domain.Bar, token, symbol string) (int, []string, error) {
	m.bars[token+"|"+symbol] = append(m.bars[token+"|"+symbol], bars...)
	return len(bars), nil, nil
}

func (m *memStore) HasBars(token, symbol string, _ time.Time) bool {
	return len(m.bars[token+"|"+symbol]) > 0
}

func (m *memStore) ReadQuotes(_ context.Context, symbol string, start, end time.Time) ([]domain.Quote, error) {
	var out []domain.Quote
	for _, q := range m.quotes[symbol] {
		if !q.Timestamp.Before(start) && !q.Timestamp.After(end) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *memStore) WriteQuotes(_ context.Context, quotes []domain.Quote, symbol string) (int, []string, error) {
	m.quotes[symbol] = append(m.quotes[symbol], quotes...)
	return len(quotes), nil, nil
}

func minuteBars(symbol string, start time.Time, n int) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100,
			Volume: 10,
		}
	}
	return bars
}

// dayFixture wires a coordinator with in-memory stores and a simulated
// clock, with the generator and analysis workers running.
type dayFixture struct {
	c       *Coordinator
	store   *session.Store
	cal     *market.Calendar
	bars    *memStore
	metrics *Metrics
	ctx     context.Context
	date    time.Time
	open    time.Time
}

func newDayFixture(t *testing.T, cfg *config.Config) *dayFixture {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	date := time.Date(2025, time.June, 2, 0, 0, 0, 0, loc)
	open := date.Add(9*time.Hour + 30*time.Minute)

	ms := newMemStore()
	st := session.NewStore(nil)
	cal := market.NewCalendar(loc, market.WithSimulatedClock(open))
	mgr := indicator.NewManager(st, 1, nil)
	qe := quality.NewEngine(st, cal, nil)
	gen := derive.NewGenerator(st, cal, mgr, nil)
	eng := analysis.NewEngine(st, analysis.NewRegistry(), nil, nil)
	pipe := provision.NewPipeline(st, ms, cal, mgr, qe, provision.SessionSpec{
		Intervals:        cfg.Session.Intervals,
		WarmupMultiplier: 1,
	}, nil)
	metrics := NewMetrics(prometheus.NewRegistry())

	c := New(Deps{
		Config:    cfg,
		Store:     st,
		Time:      cal,
		Generator: gen,
		Analysis:  eng,
		Pipeline:  pipe,
		Quality:   qe,
		Source:    feed.NewBacktestSource(ms, ms, cal, nil),
		Metrics:   metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gen.Run(ctx)
	go eng.Run(ctx)

	return &dayFixture{c: c, store: st, cal: cal, bars: ms, metrics: metrics, ctx: ctx, date: date, open: open}
}

func backtestConfig() *config.Config {
	return &config.Config{
		Mode:     config.ModeBacktest,
		Backtest: config.Backtest{StartDate: "2025-06-02", EndDate: "2025-06-02"},
		Session: config.SessionConfig{
			Symbols:   []string{"AAPL"},
			Intervals: []string{"1m", "5m"},
		},
	}
}

func TestRunDayFullSession(t *testing.T) {
	f := newDayFixture(t, backtestConfig())
	f.bars.bars["1m|AAPL"] = minuteBars("AAPL", f.open, 390)

	if err := f.c.runDay(f.ctx, f.date, true); err != nil {
		t.Fatal(err)
	}

	if got := len(f.store.SnapshotBars("AAPL", "1m", true)); got != 390 {
		t.Errorf("base bars = %d, want 390", got)
	}
	if got := len(f.store.SnapshotBars("AAPL", "5m", true)); got != 78 {
		t.Errorf("derived 5m bars = %d, want 78", got)
	}

	sess := f.cal.TradingSession(f.date)
	if !f.cal.Now().Equal(sess.Close) {
		t.Errorf("sim time = %s, want close %s", f.cal.Now(), sess.Close)
	}
	if f.store.SessionActive() {
		t.Error("session still active after post-session")
	}
	if f.store.GetSymbolData("AAPL", false) != nil {
		t.Error("external read after close returned data")
	}
}

func TestPrimeCandidatesStorageBacked(t *testing.T) {
	f := newDayFixture(t, backtestConfig())
	f.store.SetSessionDate(f.date)

	// Nothing stored: the base streams alone.
	if got := f.c.primeCandidates("AAPL", "1m"); !reflect.DeepEqual(got, []string{"1m"}) {
		t.Errorf("candidates = %v, want [1m]", got)
	}

	// A stored higher interval joins the candidate list, so priming can
	// fall back to it when the base day is missing.
	f.bars.bars["5m|AAPL"] = minuteBars("AAPL", f.open, 78)
	if got := f.c.primeCandidates("AAPL", "1m"); !reflect.DeepEqual(got, []string{"1m", "5m"}) {
		t.Errorf("candidates = %v, want [1m 5m]", got)
	}
}

func TestInsertSymbolCatchesUp(t *testing.T) {
	f := newDayFixture(t, backtestConfig())
	f.bars.bars["1m|AAPL"] = minuteBars("AAPL", f.open, 390)
	f.bars.bars["1m|TSLA"] = minuteBars("TSLA", f.open, 390)

	// Mid-day state: AAPL provisioned and streaming, clock at noon.
	f.store.SetSessionDate(f.date)
	if err := f.c.pipeline.AddSymbol(f.ctx, "AAPL", session.SourceConfig); err != nil {
		t.Fatal(err)
	}
	f.store.ActivateSession()
	noon := f.open.Add(150 * time.Minute)
	f.cal.SetSimulatedTime(noon)

	req := insertRequest{symbol: "TSLA", source: session.SourceScanner}
	if err := f.c.insertSymbol(f.ctx, req); err != nil {
		t.Fatal(err)
	}

	if !f.store.SessionActive() {
		t.Fatal("session inactive after insertion completed")
	}
	if f.c.inserting {
		t.Error("insertion flag still set")
	}

	// Caught up through the simulated clock, cutoff inclusive.
	bars := f.store.SnapshotBars("TSLA", "1m", false)
	if len(bars) != 151 {
		t.Fatalf("TSLA bars = %d, want 151", len(bars))
	}
	if !bars[len(bars)-1].Timestamp.Equal(noon) {
		t.Errorf("last bar = %s, want %s", bars[len(bars)-1].Timestamp, noon)
	}
	if got := len(f.store.SnapshotBars("TSLA", "5m", true)); got == 0 {
		t.Error("no derived bars after catch-up drain")
	}
	if q := f.c.queues["TSLA"]; q == nil || q.Len() != 239 {
		t.Errorf("remaining queue = %v, want 239 bars", q)
	}
}

func TestStreamClockClampsAtClose(t *testing.T) {
	f := newDayFixture(t, backtestConfig())

	// A close off the whole-second grid forces the final step to clamp.
	sess := market.Session{Open: f.open, Close: f.open.Add(2500 * time.Millisecond)}
	if err := f.c.streamClock(f.ctx, sess, 1000); err != nil {
		t.Fatal(err)
	}
	if !f.cal.Now().Equal(sess.Close) {
		t.Errorf("sim time = %s, want clamped close %s", f.cal.Now(), sess.Close)
	}
}

// ---------------------------------------------------------------------------
// Lag watchdog
// ---------------------------------------------------------------------------

func watchdogConfig() *config.Config {
	cfg := backtestConfig()
	cfg.Session.Intervals = []string{"1m"}
	cfg.Watchdog = config.WatchdogConfig{LagThresholdSeconds: 60, CheckEveryBars: 1}
	return cfg
}

func TestLagWatchdogRecovers(t *testing.T) {
	f := newDayFixture(t, watchdogConfig())
	if err := f.store.RegisterSymbolData(session.NewSymbolData("AAPL", "1m", session.ProvisionMeta{})); err != nil {
		t.Fatal(err)
	}
	f.store.ActivateSession()
	f.cal.SetSimulatedTime(f.open.Add(10 * time.Minute))

	// A bar ten minutes behind the clock trips the threshold; the session
	// bounces through deactivate/drain/reactivate.
	f.c.deliver("AAPL", minuteBars("AAPL", f.open, 1)[0])

	if !f.store.SessionActive() {
		t.Error("session not reactivated after the generator caught up")
	}
	if got := testutil.ToFloat64(f.metrics.LagDeactivations); got != 1 {
		t.Errorf("lag deactivations = %v, want 1", got)
	}
}

func TestLagWatchdogDefersToInsertion(t *testing.T) {
	f := newDayFixture(t, watchdogConfig())
	if err := f.store.RegisterSymbolData(session.NewSymbolData("TSLA", "1m", session.ProvisionMeta{})); err != nil {
		t.Fatal(err)
	}
	f.cal.SetSimulatedTime(f.open.Add(10 * time.Minute))

	// Mid-session insertion holds the gate while it replays catch-up bars,
	// which lag the clock by construction.
	f.c.inserting = true
	f.store.DeactivateSession()

	bars := minuteBars("TSLA", f.open, 2)
	f.c.deliver("TSLA", bars[0])

	if f.store.SessionActive() {
		t.Fatal("watchdog reactivated the session during catch-up")
	}
	if f.store.GetSymbolData("TSLA", false) != nil {
		t.Error("external read saw the half-caught-up symbol")
	}
	if got := testutil.ToFloat64(f.metrics.LagDeactivations); got != 0 {
		t.Errorf("lag deactivations = %v, want 0", got)
	}

	// Once the insertion owner releases the gate the watchdog applies again.
	f.c.inserting = false
	f.store.ActivateSession()
	f.c.deliver("TSLA", bars[1])
	if got := testutil.ToFloat64(f.metrics.LagDeactivations); got != 1 {
		t.Errorf("lag deactivations after release = %v, want 1", got)
	}
}
