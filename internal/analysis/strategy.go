// Package analysis runs strategies over session updates. Strategies read
// the session store through the strategy-facing accessors only; while the
// session is inactive those accessors return nothing, so a strategy can
// never observe half-provisioned state.
package analysis

import (
	"context"
	"sort"

	"sessiond/internal/domain"
	"sessiond/internal/session"
)

// Strategy is the interface all strategies implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs one-time setup before the strategy begins processing
	// session updates.
	Init(ctx context.Context) error

	// OnUpdate is called after downstream processing of a bar completes:
	// derived bars and indicators for the update's intervals are already in
	// the store. It returns zero or more signals.
	OnUpdate(ctx context.Context, ev session.UpdateEvent) ([]domain.Signal, error)
}

// Registry holds a named collection of strategies.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns the sorted registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the strategies in name order.
func (r *Registry) All() []Strategy {
	out := make([]Strategy, 0, len(r.strategies))
	for _, name := range r.List() {
		out = append(out, r.strategies[name])
	}
	return out
}
