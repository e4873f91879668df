package derive

import (
	"context"
	"reflect"
	"testing"
	"time"

	"sessiond/internal/domain"
	"sessiond/internal/indicator"
	"sessiond/internal/market"
	"sessiond/internal/session"
)

func fixture(t *testing.T) (*Generator, *session.Store, *market.Calendar, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	cal := market.NewCalendar(loc, market.WithHolidays([]string{"2025-06-19"}))
	st := session.NewStore(nil)
	mgr := indicator.NewManager(st, 2, nil)
	gen := NewGenerator(st, cal, mgr, nil)
	return gen, st, cal, loc
}

func provision(t *testing.T, st *session.Store, base string, derived ...string) {
	t.Helper()
	if err := st.RegisterSymbolData(session.NewSymbolData("AAPL", base, session.ProvisionMeta{})); err != nil {
		t.Fatal(err)
	}
	for _, token := range derived {
		if err := st.AddInterval("AAPL", &session.BarIntervalData{Interval: token, Derived: true, Base: base}); err != nil {
			t.Fatal(err)
		}
	}
}

func appendMinutes(t *testing.T, st *session.Store, start time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		price := 100 + float64(i)
		err := st.AppendBaseBar("AAPL", domain.Bar{
			Symbol:    "AAPL",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      price, High: price + 0.5, Low: price - 0.5, Close: price + 0.25,
			Volume: 10,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestProcessFoldsDerived(t *testing.T) {
	gen, st, _, loc := fixture(t)
	date := time.Date(2025, time.June, 2, 0, 0, 0, 0, loc)
	st.SetSessionDate(date)
	provision(t, st, "1m", "5m")

	open := date.Add(9*time.Hour + 30*time.Minute)
	appendMinutes(t, st, open, 5)

	changed := gen.Process("AAPL")
	want := []string{"1m", "5m"}
	if !reflect.DeepEqual(changed, want) {
		t.Errorf("changed = %v, want %v", changed, want)
	}
	fiveMin := st.Bars("AAPL", "5m")
	if len(fiveMin) != 1 {
		t.Fatalf("5m bars = %d, want 1", len(fiveMin))
	}
	if !fiveMin[0].Timestamp.Equal(open) || fiveMin[0].Volume != 50 {
		t.Errorf("5m bar = %+v", fiveMin[0])
	}

	// Reprocessing without new base bars produces nothing new.
	changed = gen.Process("AAPL")
	if !reflect.DeepEqual(changed, []string{"1m"}) {
		t.Errorf("idle reprocess changed = %v, want [1m]", changed)
	}
	if got := len(st.Bars("AAPL", "5m")); got != 1 {
		t.Errorf("5m bars after reprocess = %d, want 1", got)
	}
}

func TestProcessHoldsBackOpenCalendarWindows(t *testing.T) {
	gen, st, _, loc := fixture(t)
	date := time.Date(2025, time.June, 2, 0, 0, 0, 0, loc)
	st.SetSessionDate(date)
	provision(t, st, "1m", "1d")

	appendMinutes(t, st, date.Add(9*time.Hour+30*time.Minute), 390)
	gen.Process("AAPL")

	// The session day's 1d window is still open: nothing lands until flush.
	if got := len(st.Bars("AAPL", "1d")); got != 0 {
		t.Fatalf("open day bar emitted mid-session: %d bars", got)
	}

	gen.FlushSession("AAPL")
	day := st.Bars("AAPL", "1d")
	if len(day) != 1 {
		t.Fatalf("day bars after flush = %d, want 1", len(day))
	}
	if !day[0].Timestamp.Equal(date) || day[0].Volume != 3900 {
		t.Errorf("day bar = %+v", day[0])
	}
}

func TestFlushSessionFoldsWeekFromDaily(t *testing.T) {
	gen, st, _, loc := fixture(t)
	date := time.Date(2025, time.June, 2, 0, 0, 0, 0, loc)
	st.SetSessionDate(date)
	provision(t, st, "1m", "1d", "1w")

	appendMinutes(t, st, date.Add(9*time.Hour+30*time.Minute), 390)
	gen.Process("AAPL")
	gen.FlushSession("AAPL")

	// Shortest-first flush ordering: the 1d bar lands first, the 1w bar
	// folds from it in the same pass.
	day := st.Bars("AAPL", "1d")
	week := st.Bars("AAPL", "1w")
	if len(day) != 1 || len(week) != 1 {
		t.Fatalf("day=%d week=%d, want 1 each", len(day), len(week))
	}
	if week[0].Open != day[0].Open || week[0].Close != day[0].Close || week[0].Volume != day[0].Volume {
		t.Errorf("week bar %+v does not fold the day bar %+v", week[0], day[0])
	}
	if !week[0].Timestamp.Equal(date) {
		t.Errorf("week timestamp = %s, want the Monday", week[0].Timestamp)
	}
}

func TestProcessEmitsClosedPriorDay(t *testing.T) {
	gen, st, _, loc := fixture(t)
	// Session date is Tuesday; Monday's bars are already in the base
	// sequence (catch-up), so Monday's 1d window is closed and emits.
	monday := time.Date(2025, time.June, 2, 0, 0, 0, 0, loc)
	tuesday := time.Date(2025, time.June, 3, 0, 0, 0, 0, loc)
	st.SetSessionDate(tuesday)
	provision(t, st, "1m", "1d")

	appendMinutes(t, st, monday.Add(9*time.Hour+30*time.Minute), 390)
	gen.Process("AAPL")

	day := st.Bars("AAPL", "1d")
	if len(day) != 1 {
		t.Fatalf("closed prior day not emitted: %d bars", len(day))
	}
	if !day[0].Timestamp.Equal(monday) {
		t.Errorf("day bar timestamp = %s, want Monday", day[0].Timestamp)
	}
}

func TestRebuildRegeneratesDerived(t *testing.T) {
	gen, st, _, loc := fixture(t)
	date := time.Date(2025, time.June, 2, 0, 0, 0, 0, loc)
	st.SetSessionDate(date)
	provision(t, st, "1m", "5m")

	open := date.Add(9*time.Hour + 30*time.Minute)
	// Minutes 0,1,3,4 appended: the first chunk is incomplete, no 5m bar.
	for _, i := range []int{0, 1, 3, 4} {
		err := st.AppendBaseBar("AAPL", domain.Bar{
			Symbol: "AAPL", Timestamp: open.Add(time.Duration(i) * time.Minute),
			Open: 100, High: 101, Low: 99, Close: 100, Volume: 10,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	gen.Process("AAPL")
	if got := len(st.Bars("AAPL", "5m")); got != 0 {
		t.Fatalf("incomplete chunk produced %d 5m bars", got)
	}

	// Backfill the missing minute, then rebuild wholesale.
	if err := st.MergeBars("AAPL", "1m", []domain.Bar{{
		Symbol: "AAPL", Timestamp: open.Add(2 * time.Minute),
		Open: 100, High: 101, Low: 99, Close: 100, Volume: 10,
	}}); err != nil {
		t.Fatal(err)
	}
	gen.Rebuild("AAPL")

	fiveMin := st.Bars("AAPL", "5m")
	if len(fiveMin) != 1 {
		t.Fatalf("5m bars after rebuild = %d, want 1", len(fiveMin))
	}
	if fiveMin[0].Volume != 50 {
		t.Errorf("rebuilt 5m volume = %d, want 50", fiveMin[0].Volume)
	}
}

func TestRunPublishesUpdates(t *testing.T) {
	gen, st, _, loc := fixture(t)
	date := time.Date(2025, time.June, 2, 0, 0, 0, 0, loc)
	st.SetSessionDate(date)
	provision(t, st, "1m", "5m")

	updates, cancel := st.SubscribeUpdates()
	defer cancel()

	done := make(chan struct{})
	ctx, stop := context.WithCancel(context.Background())
	go func() {
		_ = gen.Run(ctx)
		close(done)
	}()

	appendMinutes(t, st, date.Add(9*time.Hour+30*time.Minute), 5)

	// The fifth base bar closes the first 5m chunk.
	var last session.UpdateEvent
	for i := 0; i < 5; i++ {
		select {
		case last = <-updates:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for update events")
		}
	}
	if !contains(last.Intervals, "5m") {
		t.Errorf("final update intervals = %v, want 5m included", last.Intervals)
	}

	stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generator did not stop on cancel")
	}
}

func contains(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}
