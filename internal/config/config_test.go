package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orb-go/internal/features"
	"orb-go/internal/ranker"
)

func TestLoad(t *testing.T) {
	path := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Name != "orb-test" {
		t.Fatalf("unexpected App.Name: %s", cfg.App.Name)
	}
	if cfg.App.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.App.HTTPAddr)
	}
	if len(cfg.Universe) != 3 || cfg.Universe[2] != "NVDA" {
		t.Fatalf("unexpected universe: %+v", cfg.Universe)
	}
	if cfg.Features.ATRPeriod != 10 || cfg.Features.RVOLLookback != 20 {
		t.Fatalf("unexpected feature windows: %+v", cfg.Features)
	}
	if cfg.Features.VolumeLookback != 14 {
		t.Fatalf("expected default volume lookback, got %d", cfg.Features.VolumeLookback)
	}
	if cfg.Strategy.TopN != 3 || cfg.Strategy.SideMode != "long" {
		t.Fatalf("unexpected strategy: %+v", cfg.Strategy)
	}
	if cfg.Strategy.Filters.MinPrice != 10 || cfg.Strategy.Filters.MaxPctOfVolume != 0.02 {
		t.Fatalf("inline filters not decoded: %+v", cfg.Strategy.Filters)
	}
	if cfg.Strategy.Filters.MinATR != 0.5 {
		t.Fatalf("expected default min_atr, got %.2f", cfg.Strategy.Filters.MinATR)
	}
	if cfg.Strategy.TargetRMultiple != 2 {
		t.Fatalf("expected default target multiple, got %.2f", cfg.Strategy.TargetRMultiple)
	}
	if cfg.Execution.DryRun {
		t.Fatalf("expected dry_run disabled")
	}
	if cfg.Execution.OrderTimeout != 5*time.Second {
		t.Fatalf("unexpected order timeout: %s", cfg.Execution.OrderTimeout)
	}
	if cfg.Paper.StartingCash != 25000 || cfg.Paper.Leverage != 2 {
		t.Fatalf("unexpected paper settings: %+v", cfg.Paper)
	}
	if !cfg.Backtest.Compound || cfg.Backtest.CommissionPerShare != 0.005 {
		t.Fatalf("unexpected backtest settings: %+v", cfg.Backtest)
	}
	if cfg.Data.Source != "clickhouse" || cfg.Data.ClickHouse.Database != "research" {
		t.Fatalf("unexpected data settings: %+v", cfg.Data)
	}
	if cfg.Feed.URL != "wss://feed.example/trades" {
		t.Fatalf("unexpected feed url: %s", cfg.Feed.URL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestBuilders(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	fp, err := cfg.FeatureParams()
	if err != nil {
		t.Fatalf("FeatureParams: %v", err)
	}
	if fp.Momentum != features.MomentumOpeningRange || fp.Session.OpeningRange != 5*time.Minute {
		t.Fatalf("unexpected feature params: %+v", fp)
	}

	rp, err := cfg.RankParams()
	if err != nil {
		t.Fatalf("RankParams: %v", err)
	}
	if rp.Side != ranker.SideLong || rp.TopN != 3 || rp.Filters.MinMomentum != 0.001 {
		t.Fatalf("unexpected rank params: %+v", rp)
	}

	gc := cfg.GeneratorConfig()
	if gc.DailyBudgetPct != 0.06 || gc.TopN != 3 || gc.PerTradeRisk() != 0.02 {
		t.Fatalf("unexpected generator config: %+v", gc)
	}

	bc := cfg.BacktestConfig()
	if bc.InitialEquity != 100_000 || bc.Leverage != 4 || !bc.Compound {
		t.Fatalf("unexpected backtest config: %+v", bc)
	}

	cc := cfg.CycleConfig()
	if len(cc.Universe) != 3 || cc.SymbolTimeout != 5*time.Second {
		t.Fatalf("unexpected cycle config: %+v", cc)
	}

	if got := cfg.KillSwitchFile(); got != filepath.Join("/var/lib/orb", "KILL_SWITCH") {
		t.Fatalf("unexpected kill switch path: %s", got)
	}
	if got := cfg.StatePath("/tmp/x.json"); got != "/tmp/x.json" {
		t.Fatalf("absolute state path rewritten: %s", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"momentum filter without momentum": func(c *Config) { c.Strategy.Filters.MinMomentum = 0.01 },
		"zero top_n":                       func(c *Config) { c.Strategy.TopN = 0 },
		"bad side":                         func(c *Config) { c.Strategy.SideMode = "sideways" },
		"interval mismatch":                func(c *Config) { c.Session.Interval = "1m" },
		"bad zone":                         func(c *Config) { c.Session.Zone = "Mars/Olympus" },
		"budget above one":                 func(c *Config) { c.Risk.DailyRiskBudgetPct = 1.5 },
		"per trade above budget":           func(c *Config) { c.Risk.RiskPerTradePct = 0.2 },
		"pct of volume above one":          func(c *Config) { c.Strategy.Filters.MaxPctOfVolume = 2 },
		"unknown data source":              func(c *Config) { c.Data.Source = "s3" },
		"negative retries":                 func(c *Config) { c.Execution.MaxRetries = -1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ORB_CLICKHOUSE_DSN":      "clickhouse://u@h:9000/db",
		"ORB_CLICKHOUSE_PASSWORD": "s3cret",
		"ORB_FEED_URL":            "wss://other/trades",
		"ORB_LOG_LEVEL":           " warn ",
		"ORB_DRY_RUN":             "false",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Data.ClickHouse.DSN != env["ORB_CLICKHOUSE_DSN"] || cfg.Data.ClickHouse.Password != "s3cret" {
		t.Fatalf("clickhouse env not applied: %+v", cfg.Data.ClickHouse)
	}
	if cfg.Feed.URL != "wss://other/trades" || cfg.App.LogLevel != "warn" || cfg.Execution.DryRun {
		t.Fatalf("env not applied: %+v %+v", cfg.Feed, cfg.App)
	}

	env["ORB_DRY_RUN"] = "maybe"
	if err := Default().ApplyEnv(lookup); err == nil {
		t.Fatalf("expected error for bad ORB_DRY_RUN")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("ORB_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("ORB_TEST_DOTENV", "")
	os.Unsetenv("ORB_TEST_DOTENV")

	LoadDotEnv(filepath.Join(dir, "missing.env"), path)
	if got := os.Getenv("ORB_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("expected dotenv value, got %q", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Universe = []string{"AAPL"}
	cfg.Execution.CycleDelay = 45 * time.Second

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got.Execution.CycleDelay != 45*time.Second || len(got.Universe) != 1 {
		t.Fatalf("round trip mismatch: %+v", got.Execution)
	}
	if err := Save(path, nil); err == nil {
		t.Fatalf("expected error saving nil config")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
