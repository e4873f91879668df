package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sessiond/internal/aggregate"
	"sessiond/internal/domain"
	"sessiond/internal/indicator"
	"sessiond/internal/interval"
	"sessiond/internal/market"
	"sessiond/internal/quality"
	"sessiond/internal/session"
	"sessiond/internal/store"
)

// OperationType classifies a provisioning request.
type OperationType string

const (
	OpSymbol    OperationType = "symbol"
	OpBar       OperationType = "bar"
	OpIndicator OperationType = "indicator"
)

// Step is one unit of provisioning work. Critical steps fail the whole
// operation; non-critical failures mark the symbol degraded and continue.
type Step struct {
	Name     string
	Critical bool
	run      func(ctx context.Context) error
}

// ProvisioningRequirements is the phase-1 record: what the operation
// needs, whether it can proceed, and the step list that realizes it.
type ProvisioningRequirements struct {
	OperationType     OperationType
	Symbol            string
	Source            session.Source
	SymbolExists      bool
	RequiredIntervals []string
	HistoricalDays    int
	Steps             []Step
	CanProceed        bool
	ValidationErrors  []string

	plan          *Requirements
	createdSymbol bool
}

// SessionSpec is the configured per-session requirement set the pipeline
// provisions full symbols against.
type SessionSpec struct {
	Intervals            []string
	HistoricalDays       int
	HistoricalIntervals  []string
	Indicators           []indicator.Config
	HistoricalIndicators []indicator.Config
	WarmupMultiplier     int
}

// Pipeline runs the three phases over the session store and its
// collaborators. It holds no per-operation state; each call builds a fresh
// requirements record.
type Pipeline struct {
	store      *session.Store
	bars       store.BarStore
	time       market.TimeService
	indicators *indicator.Manager
	quality    *quality.Engine
	spec       SessionSpec
	log        *slog.Logger
}

// NewPipeline creates a provisioning pipeline.
func NewPipeline(st *session.Store, bars store.BarStore, ts market.TimeService,
	mgr *indicator.Manager, qe *quality.Engine, spec SessionSpec, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if spec.WarmupMultiplier < 1 {
		spec.WarmupMultiplier = 2
	}
	return &Pipeline{
		store:      st,
		bars:       bars,
		time:       ts,
		indicators: mgr,
		quality:    qe,
		spec:       spec,
		log:        log.With("component", "provision"),
	}
}

// SessionPlan runs the analyzer over the configured session requirements.
// The coordinator uses it once at startup for system-wide stream
// validation, and the pipeline reuses it per symbol.
func (p *Pipeline) SessionPlan(symbol string) (*Requirements, error) {
	var avail func(string) bool
	if p.bars != nil && symbol != "" {
		date := p.store.SessionDate()
		avail = func(token string) bool {
			return p.bars.HasBars(token, symbol, date)
		}
	}
	return Analyze(AnalyzerInput{
		SessionIntervals:     p.spec.Intervals,
		HistoricalIntervals:  p.spec.HistoricalIntervals,
		Indicators:           p.spec.Indicators,
		HistoricalIndicators: p.spec.HistoricalIndicators,
		WarmupMultiplier:     p.spec.WarmupMultiplier,
		Available:            avail,
	})
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// AddSymbol provisions a symbol with the full session requirements: all
// intervals, full historical range, full indicator set, quality. An
// existing ad-hoc symbol is upgraded in place; an already-full symbol is a
// no-op.
func (p *Pipeline) AddSymbol(ctx context.Context, symbol string, source session.Source) error {
	req, err := p.AnalyzeSymbol(symbol, source)
	if err != nil {
		return err
	}
	p.Validate(req)
	return p.Execute(ctx, req)
}

// AddIndicator ad-hoc provisions a single indicator: the symbol and the
// intervals it needs are created if absent, a warmup-only historical
// window is loaded, and the indicator is registered. No quality is
// computed on this path.
func (p *Pipeline) AddIndicator(ctx context.Context, symbol string, cfg indicator.Config, source session.Source) error {
	req, err := p.AnalyzeIndicator(symbol, cfg, source)
	if err != nil {
		return err
	}
	p.Validate(req)
	return p.Execute(ctx, req)
}

// AddBar ad-hoc provisions a single interval with the given number of
// trailing historical days.
func (p *Pipeline) AddBar(ctx context.Context, symbol, token string, days int, source session.Source) error {
	req, err := p.AnalyzeBar(symbol, token, days, source)
	if err != nil {
		return err
	}
	p.Validate(req)
	return p.Execute(ctx, req)
}

// ProvisionAll provisions every configured symbol with graceful
// degradation: individual failures drop the symbol; the call fails only
// when all symbols fail. Returns the failed symbols.
func (p *Pipeline) ProvisionAll(ctx context.Context, symbols []string, source session.Source) ([]string, error) {
	var failed []string
	for _, sym := range symbols {
		if err := p.AddSymbol(ctx, sym, source); err != nil {
			p.log.Warn("symbol provisioning failed", "symbol", sym, "error", err)
			failed = append(failed, sym)
		}
	}
	if len(symbols) > 0 && len(failed) == len(symbols) {
		return failed, fmt.Errorf("all %d symbols failed provisioning", len(symbols))
	}
	return failed, nil
}

// ---------------------------------------------------------------------------
// Phase 1: requirement analysis
// ---------------------------------------------------------------------------

// AnalyzeSymbol builds the requirements record for a full symbol add or
// upgrade.
func (p *Pipeline) AnalyzeSymbol(symbol string, source session.Source) (*ProvisioningRequirements, error) {
	plan, err := p.SessionPlan(symbol)
	if err != nil {
		return nil, err
	}

	req := &ProvisioningRequirements{
		OperationType:     OpSymbol,
		Symbol:            symbol,
		Source:            source,
		RequiredIntervals: append([]string{plan.BaseInterval}, plan.DerivedIntervals...),
		HistoricalDays:    p.spec.HistoricalDays,
		plan:              plan,
	}

	sd := p.store.GetSymbolData(symbol, true)
	req.SymbolExists = sd != nil

	switch {
	case sd != nil && sd.Meta.MeetsSessionConfig:
		// Already fully loaded: no-op.
		return req, nil

	case sd != nil:
		// Upgrade ad-hoc to full.
		if sd.BaseInterval != plan.BaseInterval {
			req.ValidationErrors = append(req.ValidationErrors,
				fmt.Sprintf("symbol base %s incompatible with required base %s", sd.BaseInterval, plan.BaseInterval))
			return req, nil
		}
		meta := sd.Meta
		meta.MeetsSessionConfig = true
		meta.UpgradedFromAdhoc = true
		req.Steps = append(req.Steps, p.stepUpgradeSymbol(symbol, meta))
		req.Steps = append(req.Steps, p.stepsAddIntervals(symbol, plan)...)
		req.Steps = append(req.Steps, p.stepLoadHistorical(symbol, plan, p.spec.HistoricalDays, false))
		req.Steps = append(req.Steps, p.stepsRegisterIndicators(symbol, plan)...)
		req.Steps = append(req.Steps, p.stepCalculateQuality(symbol))

	default:
		meta := session.ProvisionMeta{MeetsSessionConfig: true, AddedBy: source}
		req.Steps = append(req.Steps, p.stepCreateSymbol(req, symbol, plan.BaseInterval, meta))
		req.Steps = append(req.Steps, p.stepsAddIntervals(symbol, plan)...)
		req.Steps = append(req.Steps, p.stepLoadHistorical(symbol, plan, p.spec.HistoricalDays, false))
		req.Steps = append(req.Steps, p.stepsRegisterIndicators(symbol, plan)...)
		req.Steps = append(req.Steps, p.stepCalculateQuality(symbol))
	}
	return req, nil
}

// AnalyzeIndicator builds the requirements record for an ad-hoc indicator
// add.
func (p *Pipeline) AnalyzeIndicator(symbol string, cfg indicator.Config, source session.Source) (*ProvisioningRequirements, error) {
	plan, err := Analyze(AnalyzerInput{
		Indicators:       []indicator.Config{cfg},
		WarmupMultiplier: p.spec.WarmupMultiplier,
	})
	if err != nil {
		return nil, err
	}

	req := &ProvisioningRequirements{
		OperationType:     OpIndicator,
		Symbol:            symbol,
		Source:            source,
		RequiredIntervals: append([]string{plan.BaseInterval}, plan.DerivedIntervals...),
		plan:              plan,
	}

	sd := p.store.GetSymbolData(symbol, true)
	req.SymbolExists = sd != nil

	if sd != nil {
		// Re-anchor the plan on the symbol's existing base.
		base := interval.MustParse(sd.BaseInterval)
		for _, token := range req.RequiredIntervals {
			iv := interval.MustParse(token)
			if iv.Token == base.Token {
				continue
			}
			if ok, reason := reachable(base, iv); !ok {
				req.ValidationErrors = append(req.ValidationErrors,
					fmt.Sprintf("interval %s not derivable from symbol base %s: %s", token, base.Token, reason))
				return req, nil
			}
		}
		plan.BaseInterval = base.Token
	} else {
		meta := session.ProvisionMeta{AutoProvisioned: true, AddedBy: source}
		req.Steps = append(req.Steps, p.stepCreateSymbol(req, symbol, plan.BaseInterval, meta))
	}

	req.Steps = append(req.Steps, p.stepsAddIntervals(symbol, plan)...)
	req.Steps = append(req.Steps, p.stepLoadHistorical(symbol, plan, 0, true))
	req.Steps = append(req.Steps, Step{
		Name:     "register_indicator:" + cfg.Key(),
		Critical: true,
		run: func(ctx context.Context) error {
			return p.indicators.Register(symbol, cfg, false)
		},
	})
	return req, nil
}

// AnalyzeBar builds the requirements record for an ad-hoc interval add.
func (p *Pipeline) AnalyzeBar(symbol, token string, days int, source session.Source) (*ProvisioningRequirements, error) {
	plan, err := Analyze(AnalyzerInput{
		SessionIntervals: []string{token},
		WarmupMultiplier: p.spec.WarmupMultiplier,
	})
	if err != nil {
		return nil, err
	}
	if days > 0 {
		plan.HistoricalLookback[token] = days * barsPerDay(token)
	}

	req := &ProvisioningRequirements{
		OperationType:     OpBar,
		Symbol:            symbol,
		Source:            source,
		RequiredIntervals: append([]string{plan.BaseInterval}, plan.DerivedIntervals...),
		HistoricalDays:    days,
		plan:              plan,
	}

	sd := p.store.GetSymbolData(symbol, true)
	req.SymbolExists = sd != nil

	if sd != nil {
		base := interval.MustParse(sd.BaseInterval)
		tgt := interval.MustParse(token)
		if tgt.Token != base.Token {
			if ok, reason := reachable(base, tgt); !ok {
				req.ValidationErrors = append(req.ValidationErrors,
					fmt.Sprintf("interval %s not derivable from symbol base %s: %s", token, base.Token, reason))
				return req, nil
			}
		}
		plan.BaseInterval = base.Token
	} else {
		meta := session.ProvisionMeta{AutoProvisioned: true, AddedBy: source}
		req.Steps = append(req.Steps, p.stepCreateSymbol(req, symbol, plan.BaseInterval, meta))
	}

	req.Steps = append(req.Steps, p.stepsAddIntervals(symbol, plan)...)
	if days > 0 {
		req.Steps = append(req.Steps, p.stepLoadHistorical(symbol, plan, days, false))
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Phase 2: validation
// ---------------------------------------------------------------------------

// Validate combines the analysis-time errors with per-operation checks and
// settles CanProceed.
func (p *Pipeline) Validate(req *ProvisioningRequirements) {
	if p.bars == nil && req.HistoricalDays > 0 {
		req.ValidationErrors = append(req.ValidationErrors, "no bar store available for historical load")
	}
	req.CanProceed = len(req.ValidationErrors) == 0
}

// ---------------------------------------------------------------------------
// Phase 3: execution
// ---------------------------------------------------------------------------

// Execute runs the step list. A critical-step failure rolls back a symbol
// created by this operation and fails the provisioning; non-critical
// failures are logged and execution continues.
func (p *Pipeline) Execute(ctx context.Context, req *ProvisioningRequirements) error {
	if !req.CanProceed {
		return fmt.Errorf("provisioning %s/%s rejected: %s",
			req.OperationType, req.Symbol, strings.Join(req.ValidationErrors, "; "))
	}

	for _, step := range req.Steps {
		if err := ctx.Err(); err != nil {
			p.rollback(req)
			return err
		}
		if err := step.run(ctx); err != nil {
			if step.Critical {
				p.rollback(req)
				return fmt.Errorf("step %s for %s: %w", step.Name, req.Symbol, err)
			}
			p.log.Warn("non-critical step failed", "symbol", req.Symbol, "step", step.Name, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) rollback(req *ProvisioningRequirements) {
	if !req.createdSymbol {
		return
	}
	if err := p.store.RemoveSymbol(req.Symbol); err != nil && !errors.Is(err, session.ErrSymbolNotFound) {
		p.log.Warn("rollback failed", "symbol", req.Symbol, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Step primitives
// ---------------------------------------------------------------------------

func (p *Pipeline) stepCreateSymbol(req *ProvisioningRequirements, symbol, base string, meta session.ProvisionMeta) Step {
	return Step{
		Name:     "create_symbol",
		Critical: true,
		run: func(ctx context.Context) error {
			err := p.store.RegisterSymbolData(session.NewSymbolData(symbol, base, meta))
			if errors.Is(err, session.ErrSymbolExists) {
				return nil
			}
			if err == nil {
				req.createdSymbol = true
			}
			return err
		},
	}
}

func (p *Pipeline) stepUpgradeSymbol(symbol string, meta session.ProvisionMeta) Step {
	return Step{
		Name:     "upgrade_symbol",
		Critical: true,
		run: func(ctx context.Context) error {
			return p.store.SetProvisionMeta(symbol, meta)
		},
	}
}

// stepsAddIntervals adds the base and every derived interval container.
// Adding an existing interval is a no-op in the store.
func (p *Pipeline) stepsAddIntervals(symbol string, plan *Requirements) []Step {
	steps := []Step{{
		Name:     "add_interval:" + plan.BaseInterval,
		Critical: true,
		run: func(ctx context.Context) error {
			return p.store.AddInterval(symbol, &session.BarIntervalData{Interval: plan.BaseInterval})
		},
	}}
	for _, token := range plan.DerivedIntervals {
		token := token
		steps = append(steps, Step{
			Name:     "add_interval:" + token,
			Critical: true,
			run: func(ctx context.Context) error {
				return p.store.AddInterval(symbol, &session.BarIntervalData{
					Interval: token,
					Derived:  true,
					Base:     plan.BaseInterval,
				})
			},
		})
	}
	return steps
}

func (p *Pipeline) stepLoadHistorical(symbol string, plan *Requirements, days int, warmupOnly bool) Step {
	name := "load_historical"
	if warmupOnly {
		name = "load_historical:warmup"
	}
	return Step{
		Name: name,
		run: func(ctx context.Context) error {
			if warmupOnly {
				return p.loadWarmup(ctx, symbol, plan)
			}
			return p.loadHistorical(ctx, symbol, plan, days)
		},
	}
}

func (p *Pipeline) stepsRegisterIndicators(symbol string, plan *Requirements) []Step {
	var steps []Step
	for _, cfg := range plan.Indicators {
		cfg := cfg
		steps = append(steps, Step{
			Name: "register_indicator:" + cfg.Key(),
			run: func(ctx context.Context) error {
				return p.indicators.Register(symbol, cfg, false)
			},
		})
	}
	for _, cfg := range plan.HistoricalIndicators {
		cfg := cfg
		steps = append(steps, Step{
			Name: "register_historical_indicator:" + cfg.Key(),
			run: func(ctx context.Context) error {
				return p.indicators.Register(symbol, cfg, true)
			},
		})
	}
	return steps
}

func (p *Pipeline) stepCalculateQuality(symbol string) Step {
	return Step{
		Name: "calculate_quality",
		run: func(ctx context.Context) error {
			return p.quality.ScoreSymbol(symbol, p.store.SessionDate())
		},
	}
}

// ---------------------------------------------------------------------------
// Historical loading
// ---------------------------------------------------------------------------

// loadHistorical fills the symbol's rolling prior-days window for every
// historically required interval: read from the columnar store, and
// synthesize from a 100%-complete lower interval when the stored interval
// is missing for a day.
func (p *Pipeline) loadHistorical(ctx context.Context, symbol string, plan *Requirements, days int) error {
	if p.bars == nil || days <= 0 {
		return nil
	}
	tokens := p.historicalTokens(plan)
	sessionDate := p.store.SessionDate()

	for i := days; i >= 1; i-- {
		date := p.time.PreviousTradingDate(sessionDate, i)
		for _, token := range tokens {
			if interval.MustParse(token).Unit == interval.UnitWeek {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			bars, err := p.loadDay(ctx, symbol, token, date)
			if err != nil {
				p.log.Warn("historical day unavailable", "symbol", symbol,
					"interval", token, "date", date.Format("2006-01-02"), "error", err)
				continue
			}
			if len(bars) > 0 {
				if err := p.store.SetHistoricalBars(symbol, token, date, bars); err != nil {
					return err
				}
			}
		}
	}

	for _, token := range tokens {
		if interval.MustParse(token).Unit == interval.UnitWeek {
			if err := p.loadHistoricalWeeks(ctx, symbol, token, days); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadWarmup loads just enough trailing days per interval to cover the
// indicator warmup lookback. Capped walk: at most ten trading days back.
func (p *Pipeline) loadWarmup(ctx context.Context, symbol string, plan *Requirements) error {
	if p.bars == nil {
		return nil
	}
	sessionDate := p.store.SessionDate()
	for token, need := range plan.HistoricalLookback {
		if interval.MustParse(token).Unit == interval.UnitWeek {
			continue
		}
		have := 0
		for i := 1; i <= 10 && have < need; i++ {
			date := p.time.PreviousTradingDate(sessionDate, i)
			bars, err := p.loadDay(ctx, symbol, token, date)
			if err != nil || len(bars) == 0 {
				continue
			}
			if err := p.store.SetHistoricalBars(symbol, token, date, bars); err != nil {
				return err
			}
			have += len(bars)
		}
	}
	return nil
}

// loadDay reads one trading day of one interval from storage, falling back
// to synthesis from the best available lower interval. Synthesis only
// succeeds when the source day is 100% complete.
func (p *Pipeline) loadDay(ctx context.Context, symbol, token string, date time.Time) ([]domain.Bar, error) {
	sess := p.time.TradingSession(date)
	bars, err := p.bars.ReadBars(ctx, token, symbol, date, sess.Close)
	if err == nil && len(bars) > 0 {
		return bars, nil
	}

	tgt := interval.MustParse(token)
	for _, src := range interval.DerivationSourcePriority(tgt) {
		if src.Token == token {
			continue
		}
		srcBars, err := p.bars.ReadBars(ctx, src.Token, symbol, date, sess.Close)
		if err != nil || len(srcBars) == 0 {
			continue
		}
		if out, ok := p.quality.SynthesizeDay(srcBars, src.Token, token, date); ok {
			return out, nil
		}
	}
	return nil, nil
}

// loadHistoricalWeeks folds stored daily bars into weekly historical bars.
// A week is synthesized only when every trading day of the week is
// present.
func (p *Pipeline) loadHistoricalWeeks(ctx context.Context, symbol, token string, days int) error {
	sessionDate := p.store.SessionDate()
	first := p.time.PreviousTradingDate(sessionDate, days)
	last := p.time.PreviousTradingDate(sessionDate, 1)
	sess := p.time.TradingSession(last)

	dayBars, err := p.bars.ReadBars(ctx, "1d", symbol, first, sess.Close)
	if err != nil || len(dayBars) == 0 {
		return nil
	}

	byWeek := make(map[int][]domain.Bar)
	for _, b := range dayBars {
		byWeek[market.ISOWeekKey(b.Timestamp)] = append(byWeek[market.ISOWeekKey(b.Timestamp)], b)
	}

	src := interval.MustParse("1d")
	tgt := interval.MustParse(token)
	for _, group := range byWeek {
		if len(group) < p.time.TradingDaysInWeek(group[0].Timestamp) {
			continue
		}
		out, _, err := aggregate.Aggregate(group, src, tgt, aggregate.Options{Time: p.time})
		if err != nil || len(out) == 0 {
			continue
		}
		weekStart := market.TradingDate(out[0].Timestamp, p.time.Location())
		if err := p.store.SetHistoricalBars(symbol, token, weekStart, out); err != nil {
			return err
		}
	}
	return nil
}

// historicalTokens is the union of the configured historical intervals and
// the lookback intervals the indicators need.
func (p *Pipeline) historicalTokens(plan *Requirements) []string {
	set := make(map[string]bool)
	for _, t := range p.spec.HistoricalIntervals {
		set[t] = true
	}
	for t := range plan.HistoricalLookback {
		set[t] = true
	}
	tokens := make([]string, 0, len(set))
	for t := range set {
		tokens = append(tokens, t)
	}
	sorted, _ := interval.Sort(tokens)
	if sorted != nil {
		return sorted
	}
	return tokens
}

// barsPerDay is the canonical per-day bar count for sizing ad-hoc
// historical requests. Per-day truth always comes from the time service.
func barsPerDay(token string) int {
	iv := interval.MustParse(token)
	if iv.IsIntraday() {
		return 390 * 60 / iv.Seconds()
	}
	return 1
}
