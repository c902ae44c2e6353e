package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"orb-go/internal/clickhouse"
	"orb-go/internal/config"
	"orb-go/internal/cycle"
	"orb-go/internal/execution"
	"orb-go/internal/journal"
	"orb-go/internal/market"
	"orb-go/internal/paper"
	"orb-go/internal/ranker"
	"orb-go/internal/risk"
	"orb-go/internal/store"
	"orb-go/internal/strategy"
	"orb-go/internal/util"
)

// app holds the shared wiring every subcommand starts from.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	session market.Session
	bars    market.BarStore
	ch      driver.Conn

	closers []func() error
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	config.LoadDotEnv(".env", filepath.Join(filepath.Dir(configPath), ".env"))
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", configPath, err)
	}
	session, err := cfg.MarketSession()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: util.NewLogger(cfg.App.LogLevel).With().Str("app", cfg.App.Name).Logger(), session: session}

	switch cfg.Data.Source {
	case "clickhouse":
		if err := a.connectClickHouse(ctx); err != nil {
			return nil, err
		}
		a.bars = clickhouse.NewBarStore(a.ch, cfg.Data.ClickHouse, session.Location)
	default:
		a.bars = market.NewCSVStore(cfg.Data.CSVDir, session.Location)
	}
	return a, nil
}

func (a *app) connectClickHouse(ctx context.Context) error {
	if a.ch != nil {
		return nil
	}
	conn, err := clickhouse.Open(ctx, a.cfg.Data.ClickHouse)
	if err != nil {
		return err
	}
	if err := clickhouse.EnsureSchema(ctx, conn, a.cfg.Data.ClickHouse); err != nil {
		conn.Close()
		return err
	}
	a.ch = conn
	a.closers = append(a.closers, conn.Close)
	return nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func (a *app) component(name string) zerolog.Logger { return util.Component(a.log, name) }

// engine builds the scanner and generator the live and replay paths share.
func (a *app) engine() (*ranker.Scanner, *strategy.Generator, error) {
	fp, err := a.cfg.FeatureParams()
	if err != nil {
		return nil, nil, err
	}
	rp, err := a.cfg.RankParams()
	if err != nil {
		return nil, nil, err
	}
	scanner, err := ranker.NewScanner(a.bars, fp, rp, a.component("ranker"))
	if err != nil {
		return nil, nil, err
	}
	gen, err := strategy.NewGenerator(a.cfg.GeneratorConfig(), a.component("strategy"))
	if err != nil {
		return nil, nil, err
	}
	return scanner, gen, nil
}

// live is the persisted signal store, the lifecycle machine over the configured adapter, and the
// cycle driving both.
type live struct {
	store   *store.File
	kill    *execution.KillSwitch
	machine *execution.Machine
	broker  *paper.Broker // nil in dry-run mode
	cycle   *cycle.Cycle
}

func (a *app) live() (*live, error) {
	if err := os.MkdirAll(a.cfg.App.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	st, err := store.OpenFile(a.cfg.StatePath("signals.json"))
	if err != nil {
		return nil, err
	}
	kill := execution.NewKillSwitch(a.cfg.KillSwitchFile())

	l := &live{store: st, kill: kill}
	var adapter execution.Adapter
	if a.cfg.Execution.DryRun {
		acct := risk.Account{Equity: a.cfg.Risk.FallbackEquity, BuyingPower: a.cfg.Risk.FallbackBuyingPower}
		if acct.Equity <= 0 {
			acct.Equity = a.cfg.Paper.StartingCash
		}
		if acct.BuyingPower <= 0 {
			acct.BuyingPower = acct.Equity * a.cfg.Paper.Leverage
		}
		adapter = execution.NewDryRunAdapter(a.component("dryrun"), acct)
	} else {
		var recorder paper.FillRecorder
		if path := a.cfg.Paper.FillsPath; path != "" {
			w, err := journal.Open(a.cfg.StatePath(path))
			if err != nil {
				return nil, fmt.Errorf("fills journal: %w", err)
			}
			a.closers = append(a.closers, w.Close)
			recorder = w
		}
		l.broker = paper.NewBroker(paper.NewAccount(a.cfg.Paper.StartingCash, a.cfg.Paper.Leverage), recorder, a.component("paper"))
		adapter = l.broker
	}
	l.machine = execution.NewMachine(st, adapter, kill, a.component("execution"))

	scanner, gen, err := a.engine()
	if err != nil {
		return nil, err
	}
	l.cycle = cycle.New(scanner, gen, st, l.machine, a.cfg.CycleConfig(), a.component("cycle"))
	return l, nil
}
