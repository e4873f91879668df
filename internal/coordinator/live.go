package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sessiond/internal/market"
	"sessiond/internal/session"
)

// closeGrace is how long after market close the live loop keeps consuming,
// so the final bars of the day are not cut off in flight.
const closeGrace = 2 * time.Minute

// runLive drives the wall-clock day loop: wait for the next open, run the
// day, repeat until cancelled or the calendar runs out.
func (c *Coordinator) runLive(ctx context.Context) error {
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := c.time.Now()
		date := market.TradingDate(now, c.time.Location())
		sess := c.time.TradingSession(date)

		if c.time.TradingMinutes(date) == 0 || !now.Before(sess.Close) {
			next, ok := c.time.NextTradingDate(date)
			if !ok {
				c.log.Info("trading calendar exhausted")
				return nil
			}
			if err := c.sleepUntil(ctx, c.time.TradingSession(next).Open); err != nil {
				return err
			}
			continue
		}
		if now.Before(sess.Open) {
			if err := c.sleepUntil(ctx, sess.Open); err != nil {
				return err
			}
		}

		if err := c.runLiveDay(ctx, date, first); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("live day failed", "date", date.Format("2006-01-02"), "error", err)
		}
		first = false
	}
}

func (c *Coordinator) runLiveDay(ctx context.Context, date time.Time, first bool) error {
	sess := c.time.TradingSession(date)
	log := c.log.With("date", date.Format("2006-01-02"))

	// Phase 0: pre-session cleanup.
	c.store.ClearAll()
	c.store.SetSessionDate(date)
	c.barsSince = 0
	c.metrics.SessionActive.Set(0)

	// Phase 1: initialization.
	if first {
		if _, err := c.pipeline.SessionPlan(""); err != nil {
			return fmt.Errorf("stream validation: %w", err)
		}
	}
	for _, hook := range c.hooks {
		if err := hook(ctx, c); err != nil {
			log.Warn("scanner hook failed", "error", err)
		}
	}

	// Phase 2: provisioning of configured symbols.
	failed, err := c.pipeline.ProvisionAll(ctx, c.cfg.Session.Symbols, session.SourceConfig)
	if err != nil {
		return err
	}
	for range failed {
		c.metrics.ProvisionFailures.Inc()
	}
	for _, sym := range failed {
		_ = c.store.RemoveSymbol(sym)
	}

	syms := c.store.GetActiveSymbols()
	c.metrics.ActiveSymbols.Set(float64(len(syms)))
	if len(syms) == 0 {
		log.Warn("no symbols provisioned, skipping day")
		return nil
	}

	// Phase 3: subscribe.
	if err := c.provider.Subscribe(ctx, syms, c.cfg.Session.Quotes); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	// Phase 4: activate.
	c.store.ActivateSession()
	c.metrics.SessionActive.Set(1)
	log.Info("live session active", "symbols", len(syms))

	// Phase 5: consume until past close.
	if err := c.consumeLive(ctx, sess, log); err != nil {
		return err
	}
	if err := c.provider.Unsubscribe(c.store.GetActiveSymbols()...); err != nil {
		log.Warn("unsubscribing", "error", err)
	}
	if c.retry != nil {
		c.retry.Wait()
	}

	// Phase 6: post-session.
	return c.postSession(ctx, date, log)
}

// consumeLive drains provider channels, guards against provider
// redelivery, and runs the periodic gap scan.
func (c *Coordinator) consumeLive(ctx context.Context, sess market.Session, log *slog.Logger) error {
	scan := time.NewTicker(time.Minute)
	defer scan.Stop()

	for {
		c.pause.wait()
		select {
		case <-ctx.Done():
			return ctx.Err()

		case bar, ok := <-c.provider.Bars():
			if !ok {
				return nil
			}
			// Redelivered or late bars would violate append ordering.
			if last := c.store.LastBarTimestamp(bar.Symbol, c.baseTokenFor(bar.Symbol)); !last.IsZero() && !bar.Timestamp.After(last) {
				continue
			}
			c.deliver(bar.Symbol, bar)

		case quote, ok := <-c.provider.Quotes():
			if !ok {
				return nil
			}
			c.store.AppendQuote(quote.Symbol, quote)

		case now := <-scan.C:
			if now.After(sess.Close.Add(closeGrace)) {
				return nil
			}
			c.scanGaps(ctx, now, log)
		}
	}
}

func (c *Coordinator) baseTokenFor(symbol string) string {
	sd := c.store.GetSymbolData(symbol, true)
	if sd == nil {
		return ""
	}
	return sd.BaseInterval
}

// scanGaps rescores every symbol and schedules retries for gaps that have
// fully elapsed. Future grid slots are not gaps yet.
func (c *Coordinator) scanGaps(ctx context.Context, now time.Time, log *slog.Logger) {
	if c.retry == nil || !c.cfg.Session.GapFiller.Enabled {
		return
	}
	date := c.store.SessionDate()
	for _, sym := range c.store.GetActiveSymbols() {
		sd := c.store.GetSymbolData(sym, true)
		if sd == nil {
			continue
		}
		token := sd.BaseInterval
		_, gaps := c.quality.ScoreInterval(sym, token, date)
		for _, gap := range gaps {
			if gap.End.After(now) {
				continue
			}
			c.metrics.GapsDetected.Inc()
			c.retry.Schedule(ctx, sym, token, gap)
		}
	}
}

func (c *Coordinator) sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	c.log.Info("waiting for market open", "until", t)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
