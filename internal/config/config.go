// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sessiond/internal/indicator"
	"sessiond/internal/interval"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Mode is the operating mode of the engine.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

// Config is the top-level configuration.
type Config struct {
	Mode     Mode           `yaml:"mode"`
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Backtest Backtest       `yaml:"backtest"`
	Session  SessionConfig  `yaml:"session"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir       string `yaml:"data_dir"`
	SQLitePath    string `yaml:"sqlite_path"`
	WatchlistPath string `yaml:"watchlist_path"`
}

// Server holds the status HTTP listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the live data provider.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Backtest holds the simulated date range and replay speed.
type Backtest struct {
	StartDate string `yaml:"start_date"` // 2006-01-02
	EndDate   string `yaml:"end_date"`

	// SpeedMultiplier > 0 selects clock-driven streaming: one market
	// second advances every 1/SpeedMultiplier wall seconds. Zero selects
	// data-driven streaming (no sleeps).
	SpeedMultiplier float64 `yaml:"speed_multiplier"`
}

// SessionConfig declares the per-session data requirements.
type SessionConfig struct {
	Symbols    []string         `yaml:"symbols"`
	Intervals  []string         `yaml:"intervals"`
	Quotes     bool             `yaml:"quotes"`
	Historical HistoricalConfig `yaml:"historical"`
	Indicators IndicatorsConfig `yaml:"indicators"`
	GapFiller  GapFillerConfig  `yaml:"gap_filler"`
	WarmupMult int              `yaml:"warmup_multiplier"`
}

// HistoricalConfig declares the rolling prior-days window.
type HistoricalConfig struct {
	TrailingDays int      `yaml:"trailing_days"`
	Intervals    []string `yaml:"intervals"`
}

// IndicatorsConfig splits session and historical indicator declarations.
type IndicatorsConfig struct {
	Session    []indicator.Config `yaml:"session"`
	Historical []indicator.Config `yaml:"historical"`
}

// GapFillerConfig controls the live-mode gap retry path.
type GapFillerConfig struct {
	Enabled              bool `yaml:"enabled"`
	MaxRetries           int  `yaml:"max_retries"`
	RetryIntervalSeconds int  `yaml:"retry_interval_seconds"`
}

// WatchdogConfig controls the lag watchdog.
type WatchdogConfig struct {
	LagThresholdSeconds int `yaml:"lag_threshold_seconds"`
	CheckEveryBars      int `yaml:"check_every_bars"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration at path, applies environment variable
// overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeBacktest
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Session.WarmupMult == 0 {
		cfg.Session.WarmupMult = 2
	}
	if cfg.Session.GapFiller.MaxRetries == 0 {
		cfg.Session.GapFiller.MaxRetries = 3
	}
	if cfg.Session.GapFiller.RetryIntervalSeconds == 0 {
		cfg.Session.GapFiller.RetryIntervalSeconds = 30
	}
	if cfg.Watchdog.LagThresholdSeconds == 0 {
		cfg.Watchdog.LagThresholdSeconds = 300
	}
	if cfg.Watchdog.CheckEveryBars == 0 {
		cfg.Watchdog.CheckEveryBars = 50
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// Validate rejects invalid modes and malformed interval tokens. Interval
// fields must be string tokens; integers and hourly tokens fail fast with
// the offending element named.
func (cfg *Config) Validate() error {
	if cfg.Mode != ModeBacktest && cfg.Mode != ModeLive {
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if len(cfg.Session.Symbols) == 0 {
		return fmt.Errorf("session.symbols must not be empty")
	}
	if len(cfg.Session.Intervals) == 0 {
		return fmt.Errorf("session.intervals must not be empty")
	}

	for _, token := range cfg.Session.Intervals {
		if err := interval.ValidateToken(token); err != nil {
			return fmt.Errorf("session.intervals: %w", err)
		}
	}
	for _, token := range cfg.Session.Historical.Intervals {
		if err := interval.ValidateToken(token); err != nil {
			return fmt.Errorf("session.historical.intervals: %w", err)
		}
	}
	for _, ic := range cfg.Session.Indicators.Session {
		if err := validateIndicator(ic); err != nil {
			return fmt.Errorf("session.indicators.session: %w", err)
		}
	}
	for _, ic := range cfg.Session.Indicators.Historical {
		if err := validateIndicator(ic); err != nil {
			return fmt.Errorf("session.indicators.historical: %w", err)
		}
	}

	if cfg.Mode == ModeBacktest {
		if cfg.Backtest.StartDate == "" || cfg.Backtest.EndDate == "" {
			return fmt.Errorf("backtest mode requires backtest.start_date and backtest.end_date")
		}
		if cfg.Backtest.SpeedMultiplier < 0 {
			return fmt.Errorf("backtest.speed_multiplier must be >= 0")
		}
	}
	return nil
}

func validateIndicator(ic indicator.Config) error {
	if _, ok := indicator.Lookup(ic.Name); !ok {
		return fmt.Errorf("unknown indicator %q", ic.Name)
	}
	if err := interval.ValidateToken(ic.Interval); err != nil {
		return fmt.Errorf("indicator %q: %w", ic.Name, err)
	}
	return nil
}
