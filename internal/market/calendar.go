package market

import (
	"sync"
	"time"
)

// Compile-time interface check.
var _ TimeService = (*Calendar)(nil)

// Calendar implements TimeService for NYSE hours (9:30-16:00 ET, early
// close 13:00). Holidays and early closes are supplied at construction;
// weekends are always non-trading.
type Calendar struct {
	loc         *time.Location
	holidays    map[string]bool // "2006-01-02" -> true
	earlyCloses map[string]bool
	lastDate    time.Time // end of calendar range; zero = unbounded

	mu        sync.RWMutex
	simulated time.Time
	useSim    bool
}

// CalendarOption customises a Calendar.
type CalendarOption func(*Calendar)

// WithHolidays sets the holiday dates ("2006-01-02" strings).
func WithHolidays(dates []string) CalendarOption {
	return func(c *Calendar) {
		for _, d := range dates {
			c.holidays[d] = true
		}
	}
}

// WithEarlyCloses sets the 13:00 early-close dates.
func WithEarlyCloses(dates []string) CalendarOption {
	return func(c *Calendar) {
		for _, d := range dates {
			c.earlyCloses[d] = true
		}
	}
}

// WithLastDate bounds the calendar: NextTradingDate returns ok=false past it.
func WithLastDate(date time.Time) CalendarOption {
	return func(c *Calendar) { c.lastDate = date }
}

// WithSimulatedClock starts the calendar in simulated-time mode at t.
func WithSimulatedClock(t time.Time) CalendarOption {
	return func(c *Calendar) {
		c.useSim = true
		c.simulated = t
	}
}

// NewCalendar creates a Calendar in the given exchange timezone. A nil
// location defaults to America/New_York.
func NewCalendar(loc *time.Location, opts ...CalendarOption) *Calendar {
	if loc == nil {
		loc, _ = time.LoadLocation("America/New_York")
	}
	c := &Calendar{
		loc:         loc,
		holidays:    make(map[string]bool),
		earlyCloses: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultUSHolidays returns the built-in US market holiday set used when no
// explicit calendar is configured.
func DefaultUSHolidays() []string {
	return []string{
		"2024-01-01", "2024-01-15", "2024-02-19", "2024-03-29", "2024-05-27",
		"2024-06-19", "2024-07-04", "2024-09-02", "2024-11-28", "2024-12-25",
		"2025-01-01", "2025-01-09", "2025-01-20", "2025-02-17", "2025-04-18",
		"2025-05-26", "2025-06-19", "2025-07-04", "2025-09-01", "2025-11-27",
		"2025-12-25",
		"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
		"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
	}
}

// DefaultUSEarlyCloses returns the built-in 13:00 ET early-close dates.
func DefaultUSEarlyCloses() []string {
	return []string{
		"2024-07-03", "2024-11-29", "2024-12-24",
		"2025-07-03", "2025-11-28", "2025-12-24",
		"2026-11-27", "2026-12-24",
	}
}

// Now returns the simulated clock when enabled, otherwise wall time in the
// exchange timezone.
func (c *Calendar) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.useSim {
		return c.simulated
	}
	return time.Now().In(c.loc)
}

// SetSimulatedTime sets the simulated clock and enables simulated mode.
func (c *Calendar) SetSimulatedTime(t time.Time) {
	c.mu.Lock()
	c.useSim = true
	c.simulated = t
	c.mu.Unlock()
}

// IsHoliday reports whether date is a configured holiday.
func (c *Calendar) IsHoliday(date time.Time) bool {
	return c.holidays[date.In(c.loc).Format("2006-01-02")]
}

// isTradingDay reports whether date is a weekday and not a holiday.
func (c *Calendar) isTradingDay(date time.Time) bool {
	d := date.In(c.loc)
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.IsHoliday(d)
}

// TradingSession returns the session hours for date.
func (c *Calendar) TradingSession(date time.Time) Session {
	d := TradingDate(date, c.loc)
	if !c.isTradingDay(d) {
		return Session{IsHoliday: true}
	}

	open := time.Date(d.Year(), d.Month(), d.Day(), 9, 30, 0, 0, c.loc)
	closeHour, closeMin := 16, 0
	early := c.earlyCloses[d.Format("2006-01-02")]
	if early {
		closeHour, closeMin = 13, 0
	}
	close := time.Date(d.Year(), d.Month(), d.Day(), closeHour, closeMin, 0, 0, c.loc)

	return Session{Open: open, Close: close, EarlyClose: early}
}

// NextTradingDate returns the first trading date strictly after date.
func (c *Calendar) NextTradingDate(date time.Time) (time.Time, bool) {
	d := TradingDate(date, c.loc)
	for i := 0; i < 366; i++ {
		d = d.AddDate(0, 0, 1)
		if !c.lastDate.IsZero() && d.After(TradingDate(c.lastDate, c.loc)) {
			return time.Time{}, false
		}
		if c.isTradingDay(d) {
			return d, true
		}
	}
	return time.Time{}, false
}

// PreviousTradingDate returns the nth trading date strictly before date.
func (c *Calendar) PreviousTradingDate(date time.Time, n int) time.Time {
	d := TradingDate(date, c.loc)
	for n > 0 {
		d = d.AddDate(0, 0, -1)
		if c.isTradingDay(d) {
			n--
		}
	}
	return d
}

// TradingMinutes returns the session length in minutes for date.
func (c *Calendar) TradingMinutes(date time.Time) int {
	s := c.TradingSession(date)
	if s.IsHoliday {
		return 0
	}
	return int(s.Close.Sub(s.Open).Minutes())
}

// TradingDaysInWeek counts trading days in the ISO week containing date.
func (c *Calendar) TradingDaysInWeek(date time.Time) int {
	d := date.In(c.loc)
	// Walk back to Monday.
	offset := (int(d.Weekday()) + 6) % 7
	monday := TradingDate(d.AddDate(0, 0, -offset), c.loc)

	count := 0
	for i := 0; i < 5; i++ {
		if c.isTradingDay(monday.AddDate(0, 0, i)) {
			count++
		}
	}
	return count
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location { return c.loc }
