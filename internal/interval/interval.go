// Package interval implements the interval token algebra: parsing,
// classification, canonical ordering, and the derivation rules that decide
// which source interval a target interval may be built from.
package interval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Unit is the time unit of an interval token.
type Unit string

const (
	UnitSecond Unit = "second"
	UnitMinute Unit = "minute"
	UnitDay    Unit = "day"
	UnitWeek   Unit = "week"
)

// Canonical session constants used for duration ordering. Per-day expected
// bar counts always come from the time service, never from these.
const (
	regularSessionMinutes = 390 // NYSE 9:30-16:00 ET
	tradingDaysPerWeek    = 5
)

// ErrHourly is returned for any hourly token. Hourly intervals are rejected
// by design; callers must express them in minutes ("60m").
var ErrHourly = errors.New("hourly intervals are not supported, use minutes (e.g. \"60m\")")

// Interval is a parsed interval token.
type Interval struct {
	Token string
	Unit  Unit
	Value int
}

// unitSuffixes maps token suffix characters to units.
var unitSuffixes = map[byte]Unit{
	's': UnitSecond,
	'm': UnitMinute,
	'd': UnitDay,
	'w': UnitWeek,
}

// Parse parses an interval token of the form "<N><unit>" with units
// s, m, d, w. Hourly tokens fail with ErrHourly.
func Parse(token string) (Interval, error) {
	if len(token) < 2 {
		return Interval{}, fmt.Errorf("invalid interval token %q", token)
	}

	suffix := token[len(token)-1]
	if suffix == 'h' || suffix == 'H' {
		return Interval{}, ErrHourly
	}

	unit, ok := unitSuffixes[suffix]
	if !ok {
		return Interval{}, fmt.Errorf("invalid interval token %q: unknown unit %q", token, string(suffix))
	}

	value, err := strconv.Atoi(token[:len(token)-1])
	if err != nil || value < 1 {
		return Interval{}, fmt.Errorf("invalid interval token %q: value must be a positive integer", token)
	}

	return Interval{Token: token, Unit: unit, Value: value}, nil
}

// MustParse parses a token and panics on error. For use with tokens that
// have already passed config validation.
func MustParse(token string) Interval {
	iv, err := Parse(token)
	if err != nil {
		panic(fmt.Sprintf("interval.MustParse(%q): %v", token, err))
	}
	return iv
}

// Seconds returns the canonical duration of the interval in seconds, used
// for ordering and chunk sizing. Day and week durations use the regular
// session length.
func (iv Interval) Seconds() int {
	switch iv.Unit {
	case UnitSecond:
		return iv.Value
	case UnitMinute:
		return iv.Value * 60
	case UnitDay:
		return iv.Value * regularSessionMinutes * 60
	case UnitWeek:
		return iv.Value * tradingDaysPerWeek * regularSessionMinutes * 60
	}
	return 0
}

// Minutes returns the canonical duration in minutes.
func (iv Interval) Minutes() float64 {
	return float64(iv.Seconds()) / 60.0
}

// IsBase reports whether the interval can serve as a streamed base
// interval: a unit value of seconds, minutes, or days. Weeks are always
// derived.
func (iv Interval) IsBase() bool {
	return iv.Value == 1 && (iv.Unit == UnitSecond || iv.Unit == UnitMinute || iv.Unit == UnitDay)
}

// IsIntraday reports whether the interval is sub-daily.
func (iv Interval) IsIntraday() bool {
	return iv.Unit == UnitSecond || iv.Unit == UnitMinute
}

// String returns the original token.
func (iv Interval) String() string { return iv.Token }

// ---------------------------------------------------------------------------
// Derivation rules
// ---------------------------------------------------------------------------

// DerivationSourcePriority returns the ordered list of acceptable source
// intervals for deriving the target, best first:
//
//	sub-minute targets  -> 1s only
//	minute targets      -> 1m, then 1s
//	day targets         -> 1d, then 1m, then 1s
//	week targets        -> 1d only
func DerivationSourcePriority(target Interval) []Interval {
	switch target.Unit {
	case UnitSecond:
		return []Interval{MustParse("1s")}
	case UnitMinute:
		return []Interval{MustParse("1m"), MustParse("1s")}
	case UnitDay:
		return []Interval{MustParse("1d"), MustParse("1m"), MustParse("1s")}
	case UnitWeek:
		return []Interval{MustParse("1d")}
	}
	return nil
}

// CanDerive reports whether target bars can be derived from source bars,
// with a human-readable reason when they cannot.
func CanDerive(source, target Interval) (bool, string) {
	if source.Seconds() >= target.Seconds() {
		return false, fmt.Sprintf("source %s is not shorter than target %s", source, target)
	}

	switch target.Unit {
	case UnitSecond:
		if source.Unit != UnitSecond || source.Value != 1 {
			return false, fmt.Sprintf("sub-minute interval %s derives only from 1s, not %s", target, source)
		}
		if target.Value%source.Value != 0 {
			return false, fmt.Sprintf("%s does not divide evenly into %s", source, target)
		}
		return true, ""
	case UnitMinute:
		switch {
		case source.Unit == UnitMinute && source.Value == 1:
			return true, ""
		case source.Unit == UnitSecond && source.Value == 1:
			return true, ""
		}
		return false, fmt.Sprintf("minute interval %s derives from 1m or 1s, not %s", target, source)
	case UnitDay:
		switch {
		case source.Unit == UnitDay && source.Value == 1 && target.Value > 1:
			return true, ""
		case source.Unit == UnitMinute && source.Value == 1:
			return true, ""
		case source.Unit == UnitSecond && source.Value == 1:
			return true, ""
		}
		return false, fmt.Sprintf("day interval %s derives from 1d, 1m, or 1s, not %s", target, source)
	case UnitWeek:
		if source.Unit == UnitDay && source.Value == 1 {
			return true, ""
		}
		return false, fmt.Sprintf("week interval %s derives from 1d, not %s", target, source)
	}
	return false, fmt.Sprintf("unknown target unit for %s", target)
}

// Sort orders tokens by canonical duration, shortest first. Invalid tokens
// sort last and are reported in the returned error (first one wins).
func Sort(tokens []string) ([]string, error) {
	parsed := make([]Interval, 0, len(tokens))
	for _, t := range tokens {
		iv, err := Parse(t)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, iv)
	}

	out := make([]string, len(tokens))
	copy(out, tokens)
	for i := 1; i < len(parsed); i++ {
		for j := i; j > 0 && parsed[j-1].Seconds() > parsed[j].Seconds(); j-- {
			parsed[j-1], parsed[j] = parsed[j], parsed[j-1]
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

// ValidateToken parses a token and returns a descriptive error suitable for
// config validation. It rejects bare integers explicitly.
func ValidateToken(token string) error {
	if _, err := strconv.Atoi(strings.TrimSpace(token)); err == nil {
		return fmt.Errorf("interval %q must be a token like \"1m\", not a bare integer", token)
	}
	_, err := Parse(token)
	return err
}
