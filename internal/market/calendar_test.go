package market

import (
	"testing"
	"time"
)

func testLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading timezone: %v", err)
	}
	return loc
}

func testCalendar(t *testing.T, opts ...CalendarOption) *Calendar {
	t.Helper()
	base := []CalendarOption{
		WithHolidays(DefaultUSHolidays()),
		WithEarlyCloses(DefaultUSEarlyCloses()),
	}
	return NewCalendar(testLoc(t), append(base, opts...)...)
}

func date(loc *time.Location, y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func TestTradingSessionRegularDay(t *testing.T) {
	loc := testLoc(t)
	cal := testCalendar(t)

	sess := cal.TradingSession(date(loc, 2025, time.June, 2)) // Monday
	if sess.IsHoliday {
		t.Fatal("2025-06-02 reported as holiday")
	}
	if got, want := sess.Open.Format("15:04"), "09:30"; got != want {
		t.Errorf("open = %s, want %s", got, want)
	}
	if got, want := sess.Close.Format("15:04"), "16:00"; got != want {
		t.Errorf("close = %s, want %s", got, want)
	}
	if got := cal.TradingMinutes(sess.Open); got != 390 {
		t.Errorf("TradingMinutes = %d, want 390", got)
	}
}

func TestTradingSessionEarlyClose(t *testing.T) {
	loc := testLoc(t)
	cal := testCalendar(t)

	sess := cal.TradingSession(date(loc, 2025, time.November, 28))
	if !sess.EarlyClose {
		t.Fatal("2025-11-28 not reported as early close")
	}
	if got, want := sess.Close.Format("15:04"), "13:00"; got != want {
		t.Errorf("close = %s, want %s", got, want)
	}
	if got := cal.TradingMinutes(sess.Open); got != 210 {
		t.Errorf("TradingMinutes = %d, want 210", got)
	}
}

func TestTradingSessionHolidayAndWeekend(t *testing.T) {
	loc := testLoc(t)
	cal := testCalendar(t)

	juneteenth := date(loc, 2025, time.June, 19)
	if !cal.IsHoliday(juneteenth) {
		t.Error("2025-06-19 not reported as holiday")
	}
	if sess := cal.TradingSession(juneteenth); !sess.IsHoliday {
		t.Error("holiday session not flagged")
	}
	if got := cal.TradingMinutes(juneteenth); got != 0 {
		t.Errorf("holiday TradingMinutes = %d, want 0", got)
	}

	saturday := date(loc, 2025, time.June, 7)
	if sess := cal.TradingSession(saturday); !sess.IsHoliday {
		t.Error("weekend session not flagged")
	}
}

func TestNextTradingDate(t *testing.T) {
	loc := testLoc(t)
	cal := testCalendar(t)

	next, ok := cal.NextTradingDate(date(loc, 2025, time.June, 6)) // Friday
	if !ok {
		t.Fatal("NextTradingDate returned ok=false")
	}
	if want := date(loc, 2025, time.June, 9); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}

	// Wednesday before Juneteenth skips the holiday.
	next, ok = cal.NextTradingDate(date(loc, 2025, time.June, 18))
	if !ok || !next.Equal(date(loc, 2025, time.June, 20)) {
		t.Errorf("next after 06-18 = %s (ok=%v), want 2025-06-20", next, ok)
	}
}

func TestNextTradingDateBounded(t *testing.T) {
	loc := testLoc(t)
	cal := testCalendar(t, WithLastDate(date(loc, 2025, time.June, 6)))

	if _, ok := cal.NextTradingDate(date(loc, 2025, time.June, 6)); ok {
		t.Error("NextTradingDate past the calendar bound returned ok=true")
	}
}

func TestPreviousTradingDate(t *testing.T) {
	loc := testLoc(t)
	cal := testCalendar(t)

	monday := date(loc, 2025, time.June, 9)
	if got, want := cal.PreviousTradingDate(monday, 1), date(loc, 2025, time.June, 6); !got.Equal(want) {
		t.Errorf("n=1: got %s, want %s", got, want)
	}
	if got, want := cal.PreviousTradingDate(monday, 2), date(loc, 2025, time.June, 5); !got.Equal(want) {
		t.Errorf("n=2: got %s, want %s", got, want)
	}

	// Walking back over Juneteenth skips it.
	friday := date(loc, 2025, time.June, 20)
	if got, want := cal.PreviousTradingDate(friday, 1), date(loc, 2025, time.June, 18); !got.Equal(want) {
		t.Errorf("over holiday: got %s, want %s", got, want)
	}
}

func TestTradingDaysInWeek(t *testing.T) {
	loc := testLoc(t)
	cal := testCalendar(t)

	if got := cal.TradingDaysInWeek(date(loc, 2025, time.June, 2)); got != 5 {
		t.Errorf("regular week = %d, want 5", got)
	}
	// Week containing Juneteenth (Thursday 2025-06-19).
	if got := cal.TradingDaysInWeek(date(loc, 2025, time.June, 16)); got != 4 {
		t.Errorf("holiday week = %d, want 4", got)
	}
}

func TestSimulatedClock(t *testing.T) {
	loc := testLoc(t)
	start := time.Date(2025, time.June, 2, 9, 30, 0, 0, loc)
	cal := testCalendar(t, WithSimulatedClock(start))

	if got := cal.Now(); !got.Equal(start) {
		t.Errorf("Now = %s, want %s", got, start)
	}
	later := start.Add(90 * time.Second)
	cal.SetSimulatedTime(later)
	if got := cal.Now(); !got.Equal(later) {
		t.Errorf("Now after advance = %s, want %s", got, later)
	}
}

func TestTradingDate(t *testing.T) {
	loc := testLoc(t)
	in := time.Date(2025, time.June, 2, 15, 59, 30, 0, loc)
	want := date(loc, 2025, time.June, 2)
	if got := TradingDate(in, loc); !got.Equal(want) {
		t.Errorf("TradingDate = %s, want %s", got, want)
	}
}

func TestISOWeekKey(t *testing.T) {
	loc := testLoc(t)
	mon := date(loc, 2025, time.June, 2)
	fri := date(loc, 2025, time.June, 6)
	nextMon := date(loc, 2025, time.June, 9)

	if ISOWeekKey(mon) != ISOWeekKey(fri) {
		t.Error("same-week dates produced different keys")
	}
	if ISOWeekKey(nextMon) != ISOWeekKey(mon)+1 {
		t.Error("following Monday did not advance the key by one")
	}
}
