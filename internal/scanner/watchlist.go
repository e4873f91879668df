// Package scanner implements pre-session scanner hooks. The watchlist is
// an operator-editable, JSON-persisted set of symbols with the indicators
// to watch on them; its hook ad-hoc provisions every entry before each
// session starts.
package scanner

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"

	"sessiond/internal/coordinator"
	"sessiond/internal/indicator"
	"sessiond/internal/session"
)

// Entry is one watched symbol.
type Entry struct {
	Symbol     string             `json:"symbol"`
	Indicators []indicator.Config `json:"indicators"`
}

// Watchlist holds scanner entries in memory with JSON persistence.
type Watchlist struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	filePath string
	log      *slog.Logger
}

// NewWatchlist creates a Watchlist, loading persisted state from filePath.
func NewWatchlist(filePath string, log *slog.Logger) *Watchlist {
	if log == nil {
		log = slog.Default()
	}
	w := &Watchlist{
		entries:  make(map[string]Entry),
		filePath: filePath,
		log:      log.With("component", "scanner"),
	}
	w.load()
	return w
}

// Set inserts or replaces an entry and persists to disk.
func (w *Watchlist) Set(e Entry) {
	w.mu.Lock()
	w.entries[e.Symbol] = e
	w.flush()
	w.mu.Unlock()
}

// Remove deletes an entry and persists to disk.
func (w *Watchlist) Remove(symbol string) {
	w.mu.Lock()
	delete(w.entries, symbol)
	w.flush()
	w.mu.Unlock()
}

// Snapshot returns the entries in symbol order.
func (w *Watchlist) Snapshot() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Hook returns the pre-session hook: every watched indicator is ad-hoc
// provisioned with source=scanner. Individual failures are logged and do
// not block the session.
func (w *Watchlist) Hook() coordinator.ScannerHook {
	return func(ctx context.Context, c *coordinator.Coordinator) error {
		for _, e := range w.Snapshot() {
			for _, cfg := range e.Indicators {
				if err := c.AddIndicatorUnified(ctx, e.Symbol, cfg, session.SourceScanner); err != nil {
					w.log.Warn("watchlist provisioning failed",
						"symbol", e.Symbol, "indicator", cfg.Key(), "error", err)
				}
			}
		}
		return nil
	}
}

// load reads persisted state; a missing file is a fresh start.
func (w *Watchlist) load() {
	data, err := os.ReadFile(w.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("loading watchlist", "error", err)
		}
		return
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		w.log.Warn("parsing watchlist", "error", err)
		return
	}
	for _, e := range entries {
		w.entries[e.Symbol] = e
	}
}

// flush persists current state. Caller holds the lock.
func (w *Watchlist) flush() {
	entries := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Symbol < entries[j].Symbol })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		w.log.Warn("encoding watchlist", "error", err)
		return
	}
	if err := os.WriteFile(w.filePath, data, 0o644); err != nil {
		w.log.Warn("persisting watchlist", "error", err)
	}
}
