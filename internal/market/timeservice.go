// Package market provides the trading-calendar time service: market
// open/close, trading dates, holidays, the exchange timezone, and the
// simulated clock used in backtest mode.
package market

import (
	"time"
)

// Session describes one trading day's hours in the exchange timezone.
type Session struct {
	Open       time.Time
	Close      time.Time
	IsHoliday  bool
	EarlyClose bool
}

// TimeService is the calendar collaborator. All calendar knowledge in the
// engine is delegated here; the aggregator, quality engine, and coordinator
// never embed holiday or session rules. Implementations are read-only from
// all goroutines after initialization, except the simulated clock which is
// internally synchronized.
type TimeService interface {
	// Now returns the current time: wall clock in live mode, the simulated
	// clock in backtest mode.
	Now() time.Time

	// SetSimulatedTime advances the simulated clock. No-op for wall-clock
	// implementations.
	SetSimulatedTime(t time.Time)

	// TradingSession returns the session hours for the given date.
	TradingSession(date time.Time) Session

	// NextTradingDate returns the first trading date strictly after date,
	// or ok=false when the calendar has no further dates in range.
	NextTradingDate(date time.Time) (time.Time, bool)

	// PreviousTradingDate returns the nth trading date strictly before date.
	PreviousTradingDate(date time.Time, n int) time.Time

	// IsHoliday reports whether the date is a market holiday.
	IsHoliday(date time.Time) bool

	// TradingMinutes returns the session length in minutes for the date
	// (honors early closes); zero for non-trading days.
	TradingMinutes(date time.Time) int

	// TradingDaysInWeek returns the number of trading days in the ISO week
	// containing date.
	TradingDaysInWeek(date time.Time) int

	// Location returns the exchange timezone.
	Location() *time.Location
}

// TradingDate truncates t to its exchange-timezone calendar date.
func TradingDate(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// ISOWeekKey returns a comparable key for the ISO week containing t.
func ISOWeekKey(t time.Time) int {
	year, week := t.ISOWeek()
	return year*100 + week
}
