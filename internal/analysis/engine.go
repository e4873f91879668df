package analysis

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"sessiond/internal/session"
	"sessiond/internal/store"
)

// Engine consumes update events from the session store and runs every
// registered strategy over them, persisting the resulting signals.
type Engine struct {
	registry *Registry
	signals  store.SignalStore
	log      *slog.Logger

	events <-chan session.UpdateEvent
	cancel func()
	busy   atomic.Bool
}

// NewEngine creates an analysis engine subscribed to the store's update
// events. signals may be nil; signals are then logged only.
func NewEngine(st *session.Store, registry *Registry, signals store.SignalStore, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	events, cancel := st.SubscribeUpdates()
	return &Engine{
		registry: registry,
		signals:  signals,
		log:      log.With("component", "analysis"),
		events:   events,
		cancel:   cancel,
	}
}

// Init initializes every registered strategy.
func (e *Engine) Init(ctx context.Context) error {
	for _, s := range e.registry.All() {
		if err := s.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run consumes update events until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.events:
			if !ok {
				return nil
			}
			e.busy.Store(true)
			e.process(ctx, ev)
			e.busy.Store(false)
		}
	}
}

// Drain blocks until the event queue is empty and the current event has
// been processed.
func (e *Engine) Drain() {
	for len(e.events) > 0 || e.busy.Load() {
		time.Sleep(time.Millisecond)
	}
}

func (e *Engine) process(ctx context.Context, ev session.UpdateEvent) {
	for _, s := range e.registry.All() {
		sigs, err := s.OnUpdate(ctx, ev)
		if err != nil {
			e.log.Warn("strategy failed", "strategy", s.Name(), "symbol", ev.Symbol, "error", err)
			continue
		}
		for i := range sigs {
			sig := &sigs[i]
			e.log.Info("signal", "strategy", sig.StrategyID, "symbol", sig.Symbol,
				"type", sig.Type, "strength", sig.Strength)
			if e.signals == nil {
				continue
			}
			if err := e.signals.SaveSignal(ctx, sig); err != nil {
				e.log.Warn("persisting signal", "strategy", sig.StrategyID, "error", err)
			}
		}
	}
}
