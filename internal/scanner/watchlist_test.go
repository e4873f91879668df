package scanner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"sessiond/internal/indicator"
)

func TestSetRemoveSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.json")
	w := NewWatchlist(path, nil)

	w.Set(Entry{Symbol: "TSLA", Indicators: []indicator.Config{{Name: "rsi", Period: 14, Interval: "5m"}}})
	w.Set(Entry{Symbol: "AAPL", Indicators: []indicator.Config{{Name: "sma", Period: 20, Interval: "1m"}}})

	snap := w.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot = %d entries, want 2", len(snap))
	}
	if snap[0].Symbol != "AAPL" || snap[1].Symbol != "TSLA" {
		t.Errorf("snapshot order = %s, %s", snap[0].Symbol, snap[1].Symbol)
	}

	// Re-setting a symbol replaces its indicator list.
	w.Set(Entry{Symbol: "AAPL", Indicators: []indicator.Config{{Name: "ema", Period: 9, Interval: "1m"}}})
	snap = w.Snapshot()
	if len(snap) != 2 || snap[0].Indicators[0].Name != "ema" {
		t.Errorf("replaced entry = %+v", snap[0])
	}

	w.Remove("TSLA")
	if got := w.Snapshot(); len(got) != 1 {
		t.Errorf("entries after remove = %d, want 1", len(got))
	}
}

func TestPersistenceRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.json")
	w := NewWatchlist(path, nil)
	w.Set(Entry{Symbol: "NVDA", Indicators: []indicator.Config{{Name: "vwap", Interval: "1m"}}})

	// A fresh instance on the same file sees the persisted entry.
	w2 := NewWatchlist(path, nil)
	snap := w2.Snapshot()
	if len(snap) != 1 || snap[0].Symbol != "NVDA" {
		t.Fatalf("reloaded snapshot = %+v", snap)
	}
	if snap[0].Indicators[0].Name != "vwap" || snap[0].Indicators[0].Interval != "1m" {
		t.Errorf("reloaded indicators = %+v", snap[0].Indicators)
	}

	// The on-disk file is a sorted JSON array.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("persisted file not valid JSON: %v", err)
	}
}

func TestMissingFileStartsEmpty(t *testing.T) {
	w := NewWatchlist(filepath.Join(t.TempDir(), "absent.json"), nil)
	if got := w.Snapshot(); len(got) != 0 {
		t.Errorf("fresh watchlist has %d entries", len(got))
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWatchlist(path, nil)
	if got := w.Snapshot(); len(got) != 0 {
		t.Errorf("corrupt watchlist has %d entries", len(got))
	}
}
