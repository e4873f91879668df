package interval

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		token string
		unit  Unit
		value int
	}{
		{"1s", UnitSecond, 1},
		{"30s", UnitSecond, 30},
		{"1m", UnitMinute, 1},
		{"60m", UnitMinute, 60},
		{"1d", UnitDay, 1},
		{"2w", UnitWeek, 2},
	}
	for _, tt := range tests {
		iv, err := Parse(tt.token)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.token, err)
		}
		if iv.Unit != tt.unit || iv.Value != tt.value {
			t.Errorf("Parse(%q) = {%s %d}, want {%s %d}", tt.token, iv.Unit, iv.Value, tt.unit, tt.value)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, token := range []string{"", "m", "5", "0m", "-5m", "5x", "m5"} {
		if _, err := Parse(token); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", token)
		}
	}
}

func TestParseHourlyRejected(t *testing.T) {
	for _, token := range []string{"1h", "4h", "1H"} {
		_, err := Parse(token)
		if !errors.Is(err, ErrHourly) {
			t.Errorf("Parse(%q) = %v, want ErrHourly", token, err)
		}
	}
}

func TestSeconds(t *testing.T) {
	tests := []struct {
		token string
		want  int
	}{
		{"1s", 1},
		{"30s", 30},
		{"1m", 60},
		{"60m", 3600},
		{"1d", 390 * 60},
		{"1w", 5 * 390 * 60},
		{"2w", 10 * 390 * 60},
	}
	for _, tt := range tests {
		if got := MustParse(tt.token).Seconds(); got != tt.want {
			t.Errorf("Seconds(%s) = %d, want %d", tt.token, got, tt.want)
		}
	}
}

func TestIsBase(t *testing.T) {
	base := map[string]bool{
		"1s": true, "1m": true, "1d": true,
		"5m": false, "2d": false, "1w": false, "30s": false,
	}
	for token, want := range base {
		if got := MustParse(token).IsBase(); got != want {
			t.Errorf("IsBase(%s) = %v, want %v", token, got, want)
		}
	}
}

func TestCanDerive(t *testing.T) {
	tests := []struct {
		source, target string
		ok             bool
	}{
		{"1s", "30s", true},
		{"1s", "5m", true},
		{"1m", "5m", true},
		{"5m", "15m", false}, // minute ladders fold from 1m only
		{"1m", "90s", false},
		{"1m", "1d", true},
		{"1s", "1d", true},
		{"1d", "2d", true},
		{"1d", "1d", false}, // not shorter
		{"1d", "1w", true},
		{"1m", "1w", false}, // weeks fold from daily bars only
		{"1s", "1w", false},
		{"1d", "1m", false},
	}
	for _, tt := range tests {
		ok, reason := CanDerive(MustParse(tt.source), MustParse(tt.target))
		if ok != tt.ok {
			t.Errorf("CanDerive(%s, %s) = %v (%s), want %v", tt.source, tt.target, ok, reason, tt.ok)
		}
		if !ok && reason == "" {
			t.Errorf("CanDerive(%s, %s) failed without a reason", tt.source, tt.target)
		}
	}
}

func TestDerivationSourcePriority(t *testing.T) {
	tests := []struct {
		target string
		want   []string
	}{
		{"30s", []string{"1s"}},
		{"5m", []string{"1m", "1s"}},
		{"1d", []string{"1d", "1m", "1s"}},
		{"1w", []string{"1d"}},
	}
	for _, tt := range tests {
		var got []string
		for _, iv := range DerivationSourcePriority(MustParse(tt.target)) {
			got = append(got, iv.Token)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("DerivationSourcePriority(%s) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestSort(t *testing.T) {
	got, err := Sort([]string{"1d", "5m", "1w", "1m", "30s"})
	if err != nil {
		t.Fatalf("Sort: %v", err)
	}
	want := []string{"30s", "1m", "5m", "1d", "1w"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Sort = %v, want %v", got, want)
	}

	if _, err := Sort([]string{"1m", "bogus"}); err == nil {
		t.Error("Sort with invalid token succeeded, want error")
	}
}

func TestValidateToken(t *testing.T) {
	if err := ValidateToken("60m"); err != nil {
		t.Errorf("ValidateToken(60m): %v", err)
	}
	if err := ValidateToken("5"); err == nil {
		t.Error("ValidateToken(5) succeeded, want bare-integer rejection")
	}
	if err := ValidateToken("1h"); !errors.Is(err, ErrHourly) {
		t.Errorf("ValidateToken(1h) = %v, want ErrHourly", err)
	}
}
