package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sessiond/internal/config"
	"sessiond/internal/domain"
	"sessiond/internal/indicator"
	"sessiond/internal/market"
	"sessiond/internal/session"
)

// insertTimeout bounds a mid-session provisioning operation. On expiry the
// pipeline rolls back the half-provisioned symbol.
const insertTimeout = 2 * time.Minute

// ---------------------------------------------------------------------------
// Pause gate
// ---------------------------------------------------------------------------

// pauseGate is the single pause/resume event the streaming loop blocks on
// between ticks. Mid-session insertion and scanner hooks acquire it to
// serialize their mutations against streaming.
type pauseGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
}

func newPauseGate() *pauseGate {
	g := &pauseGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *pauseGate) Pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

func (g *pauseGate) Resume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// wait blocks while the gate is paused.
func (g *pauseGate) wait() {
	g.mu.Lock()
	for g.paused {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Mid-session insertion
// ---------------------------------------------------------------------------

type insertRequest struct {
	symbol string
	source session.Source
	done   chan error
}

// AddSymbol provisions a symbol with full session requirements. Mid-session
// in backtest it is queued and handled between streaming ticks: the session
// deactivates, the symbol is provisioned and caught up to the current
// simulated time, then the session reactivates. In live mode the call
// blocks the caller while the pipeline runs, then joins the subscription.
func (c *Coordinator) AddSymbol(ctx context.Context, symbol string, source session.Source) error {
	if c.cfg.Mode == config.ModeLive {
		if err := c.pipeline.AddSymbol(ctx, symbol, source); err != nil {
			return err
		}
		if c.provider != nil {
			return c.provider.Subscribe(ctx, []string{symbol}, c.cfg.Session.Quotes)
		}
		return nil
	}

	req := insertRequest{symbol: symbol, source: source, done: make(chan error, 1)}
	select {
	case c.pending <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddIndicatorUnified ad-hoc provisions one indicator, creating the symbol
// and its intervals as needed.
func (c *Coordinator) AddIndicatorUnified(ctx context.Context, symbol string, cfg indicator.Config, source session.Source) error {
	return c.pipeline.AddIndicator(ctx, symbol, cfg, source)
}

// AddBarUnified ad-hoc provisions one interval with trailing historical
// days.
func (c *Coordinator) AddBarUnified(ctx context.Context, symbol, token string, days int, source session.Source) error {
	return c.pipeline.AddBar(ctx, symbol, token, days, source)
}

// handlePending services queued insertion requests between streaming
// ticks. The clock never advances while a request runs.
func (c *Coordinator) handlePending(ctx context.Context) {
	for {
		select {
		case req := <-c.pending:
			req.done <- c.insertSymbol(ctx, req)
		default:
			return
		}
	}
}

func (c *Coordinator) insertSymbol(ctx context.Context, req insertRequest) error {
	c.inserting = true
	c.store.DeactivateSession()
	c.metrics.SessionActive.Set(0)
	defer func() {
		c.store.ActivateSession()
		c.metrics.SessionActive.Set(1)
		c.inserting = false
	}()

	pctx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()

	if err := c.pipeline.AddSymbol(pctx, req.symbol, req.source); err != nil {
		return err
	}
	sd := c.store.GetSymbolData(req.symbol, true)
	if sd == nil {
		return fmt.Errorf("symbol %s missing after provisioning", req.symbol)
	}

	date := c.store.SessionDate()
	q, err := c.source.PrimeDay(pctx, req.symbol, c.primeCandidates(req.symbol, sd.BaseInterval), date)
	if err != nil {
		_ = c.store.RemoveSymbol(req.symbol)
		return err
	}
	c.queues[req.symbol] = q
	if c.cfg.Session.Quotes {
		c.quoteQs[req.symbol] = &quoteQueue{quotes: c.source.PrimeQuotes(pctx, req.symbol, date)}
	}

	// Catch-up: push the day's bars through current simulated time along
	// the normal arrival path while the session stays deactivated.
	for _, b := range q.PopThrough(c.time.Now()) {
		c.deliver(req.symbol, b)
	}
	c.gen.Drain()
	c.metrics.ActiveSymbols.Set(float64(len(c.queues)))
	c.log.Info("mid-session symbol inserted", "symbol", req.symbol, "caught_up_to", c.time.Now())
	return nil
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// quoteQueue replays stored quotes alongside the bar queues.
type quoteQueue struct {
	quotes []domain.Quote
	pos    int
}

func (q *quoteQueue) popThrough(t time.Time) []domain.Quote {
	start := q.pos
	for q.pos < len(q.quotes) && !q.quotes[q.pos].Timestamp.After(t) {
		q.pos++
	}
	return q.quotes[start:q.pos]
}

// stream runs phase 5 for one backtest day.
func (c *Coordinator) stream(ctx context.Context, sess market.Session) error {
	if c.cfg.Backtest.SpeedMultiplier > 0 {
		return c.streamClock(ctx, sess, c.cfg.Backtest.SpeedMultiplier)
	}
	return c.streamData(ctx, sess)
}

// streamClock ticks one market second per 1/speed wall seconds and
// delivers every queued bar at or before the simulated time. Simulated
// time never exceeds market close.
func (c *Coordinator) streamClock(ctx context.Context, sess market.Session, speed float64) error {
	tick := time.Duration(float64(time.Second) / speed)
	simTime := sess.Open

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.pause.wait()
		c.handlePending(ctx)
		c.deliverThrough(simTime)

		if !simTime.Before(sess.Close) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tick):
		}

		simTime = simTime.Add(time.Second)
		if simTime.After(sess.Close) {
			simTime = sess.Close
		}
		c.time.SetSimulatedTime(simTime)
		c.metrics.SimTime.Set(float64(simTime.Unix()))
	}
}

// streamData jumps simulated time to each next queued bar; no sleeps.
func (c *Coordinator) streamData(ctx context.Context, sess market.Session) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.pause.wait()
		c.handlePending(ctx)

		ts, ok := c.nextBarTime()
		if !ok || ts.After(sess.Close) {
			break
		}
		c.time.SetSimulatedTime(ts)
		c.metrics.SimTime.Set(float64(ts.Unix()))
		c.deliverThrough(ts)
	}
	c.time.SetSimulatedTime(sess.Close)
	c.metrics.SimTime.Set(float64(sess.Close.Unix()))
	return nil
}

// nextBarTime returns the earliest next queued bar timestamp across all
// symbols.
func (c *Coordinator) nextBarTime() (time.Time, bool) {
	var next time.Time
	found := false
	for _, q := range c.queues {
		b, ok := q.Peek()
		if !ok {
			continue
		}
		if !found || b.Timestamp.Before(next) {
			next = b.Timestamp
			found = true
		}
	}
	return next, found
}

// deliverThrough delivers every queued quote and bar at or before t.
// Quotes go first so synthesis never shadows a real quote at the same
// timestamp.
func (c *Coordinator) deliverThrough(t time.Time) {
	for sym, qq := range c.quoteQs {
		for _, quote := range qq.popThrough(t) {
			c.store.AppendQuote(sym, quote)
		}
	}
	for sym, q := range c.queues {
		for _, b := range q.PopThrough(t) {
			c.deliver(sym, b)
		}
	}
}
