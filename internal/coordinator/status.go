package coordinator

import (
	"time"

	"sessiond/internal/session"
)

// Status is the coordinator's externally visible state, served by the
// status HTTP endpoints.
type Status struct {
	Mode        string    `json:"mode"`
	SessionDate string    `json:"session_date"`
	Active      bool      `json:"active"`
	Time        time.Time `json:"time"`
	Symbols     []string  `json:"symbols"`
}

// Status reports the current session state.
func (c *Coordinator) Status() Status {
	date := c.store.SessionDate()
	dateStr := ""
	if !date.IsZero() {
		dateStr = date.Format("2006-01-02")
	}
	return Status{
		Mode:        string(c.cfg.Mode),
		SessionDate: dateStr,
		Active:      c.store.SessionActive(),
		Time:        c.time.Now(),
		Symbols:     c.store.GetActiveSymbols(),
	}
}

// SymbolStatus reports one symbol's lifecycle snapshot.
func (c *Coordinator) SymbolStatus(symbol string) (session.SymbolSummary, bool) {
	return c.store.Summary(symbol)
}
