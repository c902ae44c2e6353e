// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"orb-go/internal/backtest"
	"orb-go/internal/clickhouse"
	"orb-go/internal/cycle"
	"orb-go/internal/features"
	"orb-go/internal/market"
	"orb-go/internal/ranker"
	"orb-go/internal/risk"
	"orb-go/internal/strategy"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	HTTPAddr    string `yaml:"http_addr"`
	StateDir    string `yaml:"state_dir"`
}

// Session is the exchange calendar in wall-clock terms.
type Session struct {
	Zone         string `yaml:"zone"`
	Open         string `yaml:"open"`
	OpeningRange string `yaml:"opening_range"`
	Close        string `yaml:"close"`
	Interval     string `yaml:"interval"`
}

// Features sets the lookback windows and the momentum policy.
type Features struct {
	ATRPeriod      int    `yaml:"atr_period"`
	RVOLLookback   int    `yaml:"rvol_lookback"`
	VolumeLookback int    `yaml:"volume_lookback"`
	MomentumPolicy string `yaml:"momentum_policy"`
}

// Strategy groups the ranking and entry knobs. Filter thresholds sit inline.
type Strategy struct {
	TopN              int            `yaml:"top_n"`
	SideMode          string         `yaml:"side_mode"`
	StopFractionOfATR float64        `yaml:"stop_fraction_of_atr"`
	TargetRMultiple   float64        `yaml:"target_r_multiple"`
	PriceTick         float64        `yaml:"price_tick"`
	Filters           ranker.Filters `yaml:",inline"`
}

// Risk encodes guard-rails for how much size the executor may take on.
type Risk struct {
	RiskPerTradePct     float64 `yaml:"risk_per_trade_pct"`
	DailyRiskBudgetPct  float64 `yaml:"daily_risk_budget_pct"`
	MinStopDistance     float64 `yaml:"min_stop_distance"`
	FallbackEquity      float64 `yaml:"fallback_equity"`
	FallbackBuyingPower float64 `yaml:"fallback_buying_power"`
}

// Execution configures the live order path.
type Execution struct {
	DryRun         bool          `yaml:"dry_run"`
	MaxRetries     int           `yaml:"max_retries"`
	KillSwitchPath string        `yaml:"kill_switch_path"`
	OrderTimeout   time.Duration `yaml:"order_timeout"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	CycleDelay     time.Duration `yaml:"cycle_delay"`
}

// Paper captures paper-trading account settings.
type Paper struct {
	StartingCash float64 `yaml:"starting_cash"`
	Leverage     float64 `yaml:"leverage"`
	FillsPath    string  `yaml:"fills_path"`
}

// Backtest configures the replay.
type Backtest struct {
	InitialEquity      float64 `yaml:"initial_equity"`
	Leverage           float64 `yaml:"leverage"`
	Compound           bool    `yaml:"compound"`
	CommissionPerShare float64 `yaml:"commission_per_share"`
	Workers            int     `yaml:"workers"`
	TradesPath         string  `yaml:"trades_path"`
	ClickHouseSink     bool    `yaml:"clickhouse_sink"`
}

// Data selects the bar store.
type Data struct {
	Source     string            `yaml:"source"` // csv | clickhouse
	CSVDir     string            `yaml:"csv_dir"`
	ClickHouse clickhouse.Config `yaml:"clickhouse"`
}

// Feed selects the live trade-print source.
type Feed struct {
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Universe  []string  `yaml:"universe"`
	Session   Session   `yaml:"session"`
	Features  Features  `yaml:"features"`
	Strategy  Strategy  `yaml:"strategy"`
	Risk      Risk      `yaml:"risk"`
	Execution Execution `yaml:"execution"`
	Paper     Paper     `yaml:"paper"`
	Backtest  Backtest  `yaml:"backtest"`
	Data      Data      `yaml:"data"`
	Feed      Feed      `yaml:"feed"`
}

// Default returns a complete configuration; Load decodes on top of it.
func Default() *Config {
	return &Config{
		App: App{Name: "orb", Env: "dev", LogLevel: "info", MetricsAddr: ":9102", HTTPAddr: ":8080", StateDir: "state"},
		Session: Session{
			Zone:         "America/New_York",
			Open:         "09:30",
			OpeningRange: "5m",
			Close:        "16:00",
			Interval:     string(market.FiveMinute),
		},
		Features: Features{ATRPeriod: 14, RVOLLookback: 14, VolumeLookback: 14, MomentumPolicy: string(features.MomentumDisabled)},
		Strategy: Strategy{
			TopN:              5,
			SideMode:          string(ranker.SideBoth),
			StopFractionOfATR: 0.10,
			TargetRMultiple:   2,
			PriceTick:         0.01,
			Filters:           ranker.Filters{MinPrice: 5, MinAvgVolume: 1_000_000, MinATR: 0.5, MaxPctOfVolume: 0.01},
		},
		Risk:      Risk{DailyRiskBudgetPct: 0.10},
		Execution: Execution{DryRun: true, MaxRetries: 3, OrderTimeout: 10 * time.Second, ScanTimeout: 30 * time.Second, CycleDelay: 30 * time.Second},
		Paper:     Paper{StartingCash: 100_000, Leverage: 4},
		Backtest:  Backtest{InitialEquity: 100_000, Leverage: 4},
		Data:      Data{Source: "csv", CSVDir: "data"},
		Feed:      Feed{Provider: "stub"},
	}
}

// Load reads a YAML file from disk and hydrates a Config struct over the defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	config := Default()
	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadDotEnv loads .env style files into the process environment, best-effort. Missing files are
// ignored; variables already set win.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// ApplyEnv overrides secrets and endpoints from ORB_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ORB_LOG_LEVEL", &c.App.LogLevel)
	str("ORB_STATE_DIR", &c.App.StateDir)
	str("ORB_HTTP_ADDR", &c.App.HTTPAddr)
	str("ORB_CLICKHOUSE_DSN", &c.Data.ClickHouse.DSN)
	str("ORB_CLICKHOUSE_PASSWORD", &c.Data.ClickHouse.Password)
	str("ORB_FEED_URL", &c.Feed.URL)
	str("ORB_KILL_SWITCH_PATH", &c.Execution.KillSwitchPath)
	if v, ok := lookup("ORB_DRY_RUN"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ORB_DRY_RUN: %w", err)
		}
		c.Execution.DryRun = b
	}
	return nil
}

// Validate checks every option a run depends on.
func (c *Config) Validate() error {
	fp, err := c.FeatureParams()
	if err != nil {
		return err
	}
	if _, err := c.RankParams(); err != nil {
		return err
	}
	if fp.Momentum == features.MomentumDisabled && c.Strategy.Filters.MinMomentum > 0 {
		return fmt.Errorf("min_momentum requires momentum_policy %q", features.MomentumOpeningRange)
	}
	if p := c.Strategy.Filters.MaxPctOfVolume; p < 0 || p > 1 {
		return fmt.Errorf("max_pct_of_volume must be in [0, 1]")
	}
	if c.Strategy.StopFractionOfATR <= 0 {
		return fmt.Errorf("stop_fraction_of_atr must be positive")
	}
	if c.Strategy.TargetRMultiple <= 0 {
		return fmt.Errorf("target_r_multiple must be positive")
	}
	if b := c.Risk.DailyRiskBudgetPct; b <= 0 || b > 1 {
		return fmt.Errorf("daily_risk_budget_pct must be in (0, 1]")
	}
	if r := c.Risk.RiskPerTradePct; r < 0 || r > c.Risk.DailyRiskBudgetPct {
		return fmt.Errorf("risk_per_trade_pct must be in [0, daily_risk_budget_pct]")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Paper.StartingCash <= 0 || c.Paper.Leverage <= 0 {
		return fmt.Errorf("paper starting_cash and leverage must be positive")
	}
	if c.Backtest.InitialEquity <= 0 || c.Backtest.Leverage <= 0 {
		return fmt.Errorf("backtest initial_equity and leverage must be positive")
	}
	switch c.Data.Source {
	case "csv", "clickhouse":
	default:
		return fmt.Errorf("data source %q: must be csv or clickhouse", c.Data.Source)
	}
	return nil
}

// MarketSession builds the exchange calendar.
func (c *Config) MarketSession() (market.Session, error) {
	s := c.Session
	return market.NewSession(s.Zone, s.Open, s.OpeningRange, s.Close)
}

// FeatureParams builds and validates the feature windows.
func (c *Config) FeatureParams() (features.Params, error) {
	session, err := c.MarketSession()
	if err != nil {
		return features.Params{}, err
	}
	interval, err := market.ParseInterval(c.Session.Interval)
	if err != nil {
		return features.Params{}, err
	}
	momentum, err := features.ParseMomentumPolicy(c.Features.MomentumPolicy)
	if err != nil {
		return features.Params{}, err
	}
	p := features.Params{
		Session:        session,
		Interval:       interval,
		ATRPeriod:      c.Features.ATRPeriod,
		RVOLLookback:   c.Features.RVOLLookback,
		VolumeLookback: c.Features.VolumeLookback,
		Momentum:       momentum,
	}
	return p, p.Validate()
}

// RankParams builds the ranking pass.
func (c *Config) RankParams() (ranker.Params, error) {
	side, err := ranker.ParseSideMode(c.Strategy.SideMode)
	if err != nil {
		return ranker.Params{}, err
	}
	if c.Strategy.TopN <= 0 {
		return ranker.Params{}, fmt.Errorf("top_n must be positive")
	}
	return ranker.Params{
		TopN:         c.Strategy.TopN,
		Side:         side,
		StopFraction: c.Strategy.StopFractionOfATR,
		PriceTick:    c.Strategy.PriceTick,
		Filters:      c.Strategy.Filters,
	}, nil
}

// GeneratorConfig builds the sizing knobs.
func (c *Config) GeneratorConfig() strategy.Config {
	return strategy.Config{
		TopN:            c.Strategy.TopN,
		TargetR:         c.Strategy.TargetRMultiple,
		RiskPct:         c.Risk.RiskPerTradePct,
		DailyBudgetPct:  c.Risk.DailyRiskBudgetPct,
		MinStopDistance: c.Risk.MinStopDistance,
		PriceTick:       c.Strategy.PriceTick,
	}
}

// CycleConfig builds the live cycle inputs.
func (c *Config) CycleConfig() cycle.Config {
	return cycle.Config{
		Universe:      c.Universe,
		SymbolTimeout: c.Execution.OrderTimeout,
		Fallback:      risk.Account{Equity: c.Risk.FallbackEquity, BuyingPower: c.Risk.FallbackBuyingPower},
	}
}

// BacktestConfig builds the replay knobs.
func (c *Config) BacktestConfig() backtest.Config {
	return backtest.Config{
		InitialEquity:      c.Backtest.InitialEquity,
		Leverage:           c.Backtest.Leverage,
		Compound:           c.Backtest.Compound,
		CommissionPerShare: c.Backtest.CommissionPerShare,
		Workers:            c.Backtest.Workers,
	}
}

// StatePath resolves name under the state directory unless it is already absolute or explicit.
func (c *Config) StatePath(name string) string {
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	return filepath.Join(c.App.StateDir, name)
}

// KillSwitchFile is the marker path shared by every process using this config.
func (c *Config) KillSwitchFile() string {
	if c.Execution.KillSwitchPath != "" {
		return c.Execution.KillSwitchPath
	}
	return c.StatePath("KILL_SWITCH")
}
