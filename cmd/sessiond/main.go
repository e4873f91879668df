// Command sessiond runs the session lifecycle engine: the per-trading-day
// coordinator over a backtest replay or a live market-data feed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sessiond/internal/analysis"
	"sessiond/internal/config"
	"sessiond/internal/coordinator"
	"sessiond/internal/derive"
	"sessiond/internal/feed"
	"sessiond/internal/httpapi"
	"sessiond/internal/indicator"
	"sessiond/internal/market"
	"sessiond/internal/provision"
	"sessiond/internal/quality"
	"sessiond/internal/scanner"
	"sessiond/internal/session"
	"sessiond/internal/store"
	"sessiond/internal/util"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:          "sessiond",
		Short:        "Session lifecycle engine for backtest and live trading days",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to YAML configuration")

	root.AddCommand(&cobra.Command{
		Use:   "backtest",
		Short: "Replay the configured date range through the day loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath, config.ModeBacktest)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "live",
		Short: "Run the day loop against the live market-data feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath, config.ModeLive)
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("SESSIOND_CONFIG"); p != "" {
		return p
	}
	return "config/sessiond.yaml"
}

func run(ctx context.Context, cfgPath string, mode config.Mode) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Mode = mode

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return err
	}

	ts, err := buildTimeService(cfg, loc)
	if err != nil {
		return err
	}

	sessionStore := session.NewStore(logger)
	parquet := store.NewParquetStore(cfg.Storage.DataDir, loc)

	var journal *store.SQLiteStore
	if cfg.Storage.SQLitePath != "" {
		journal, err = store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening session journal: %w", err)
		}
		defer journal.Close()
	}

	manager := indicator.NewManager(sessionStore, cfg.Session.WarmupMult, logger)
	qualityEngine := quality.NewEngine(sessionStore, ts, logger)
	generator := derive.NewGenerator(sessionStore, ts, manager, logger)

	pipeline := provision.NewPipeline(sessionStore, parquet, ts, manager, qualityEngine, provision.SessionSpec{
		Intervals:            cfg.Session.Intervals,
		HistoricalDays:       cfg.Session.Historical.TrailingDays,
		HistoricalIntervals:  cfg.Session.Historical.Intervals,
		Indicators:           cfg.Session.Indicators.Session,
		HistoricalIndicators: cfg.Session.Indicators.Historical,
		WarmupMultiplier:     cfg.Session.WarmupMult,
	}, logger)

	registry := analysis.NewRegistry()
	registerStrategies(registry, cfg, manager)
	var signals store.SignalStore
	if journal != nil {
		signals = journal
	}
	analysisEngine := analysis.NewEngine(sessionStore, registry, signals, logger)
	if err := analysisEngine.Init(ctx); err != nil {
		return fmt.Errorf("initializing strategies: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metrics := coordinator.NewMetrics(promRegistry)

	deps := coordinator.Deps{
		Config:    cfg,
		Store:     sessionStore,
		Time:      ts,
		Generator: generator,
		Analysis:  analysisEngine,
		Pipeline:  pipeline,
		Quality:   qualityEngine,
		Journal:   journal,
		Metrics:   metrics,
		Log:       logger,
	}

	if mode == config.ModeLive {
		provider := feed.NewAlpacaProvider(feed.AlpacaConfig{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			DataURL:   cfg.Alpaca.DataURL,
		}, loc, logger)
		defer provider.Close()
		deps.Provider = provider
		if cfg.Session.GapFiller.Enabled {
			deps.Retry = quality.NewRetryScheduler(provider, qualityEngine,
				cfg.Session.GapFiller.MaxRetries,
				time.Duration(cfg.Session.GapFiller.RetryIntervalSeconds)*time.Second,
				generator.Rebuild, logger)
		}
	} else {
		deps.Source = feed.NewBacktestSource(parquet, parquet, ts, logger)
	}

	if cfg.Storage.WatchlistPath != "" {
		watchlist := scanner.NewWatchlist(cfg.Storage.WatchlistPath, logger)
		deps.Hooks = append(deps.Hooks, watchlist.Hook())
	}

	coord := coordinator.New(deps)
	api := httpapi.NewServer(coord, signals, promRegistry, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("status server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		return coord.Run(ctx)
	})

	err = g.Wait()
	if err == context.Canceled {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}

// buildTimeService picks the calendar: a simulated clock seeded at the
// backtest start, or the wall-clock calendar fetched from the trading API
// with a built-in fallback.
func buildTimeService(cfg *config.Config, loc *time.Location) (market.TimeService, error) {
	if cfg.Mode == config.ModeBacktest {
		start, err := time.ParseInLocation("2006-01-02", cfg.Backtest.StartDate, loc)
		if err != nil {
			return nil, fmt.Errorf("parsing backtest start date: %w", err)
		}
		end, err := time.ParseInLocation("2006-01-02", cfg.Backtest.EndDate, loc)
		if err != nil {
			return nil, fmt.Errorf("parsing backtest end date: %w", err)
		}
		return market.NewCalendar(loc,
			market.WithHolidays(market.DefaultUSHolidays()),
			market.WithEarlyCloses(market.DefaultUSEarlyCloses()),
			market.WithLastDate(end),
			market.WithSimulatedClock(start),
		), nil
	}

	if cfg.Alpaca.APIKey != "" {
		now := time.Now().In(loc)
		cal, err := market.FetchCalendar(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL,
			now.AddDate(0, -1, 0), now.AddDate(0, 3, 0))
		if err == nil {
			return cal, nil
		}
		slog.Warn("fetching trading calendar failed, using built-in", "error", err)
	}
	return market.NewCalendar(loc,
		market.WithHolidays(market.DefaultUSHolidays()),
		market.WithEarlyCloses(market.DefaultUSEarlyCloses()),
	), nil
}

// registerStrategies wires the built-in strategies that have their
// indicator inputs in the session configuration: an SMA crossover for the
// first interval carrying at least two SMA declarations.
func registerStrategies(registry *analysis.Registry, cfg *config.Config, manager *indicator.Manager) {
	smaByInterval := make(map[string][]int)
	for _, ic := range cfg.Session.Indicators.Session {
		if ic.Name == "sma" {
			smaByInterval[ic.Interval] = append(smaByInterval[ic.Interval], ic.Period)
		}
	}
	for token, periods := range smaByInterval {
		if len(periods) < 2 {
			continue
		}
		short, long := periods[0], periods[1]
		for _, p := range periods {
			if p < short {
				short = p
			}
			if p > long {
				long = p
			}
		}
		if short == long {
			continue
		}
		registry.Register(analysis.NewSMACross(short, long, token, manager))
	}
}
