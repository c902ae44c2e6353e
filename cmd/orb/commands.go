package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"orb-go/internal/backtest"
	"orb-go/internal/clickhouse"
	"orb-go/internal/cycle"
	"orb-go/internal/exchange"
	"orb-go/internal/httpapi"
	"orb-go/internal/journal"
	"orb-go/internal/market"
	"orb-go/internal/metrics"
)

func splitSymbols(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func runBacktest(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer) error {
	configPath := fs.String("config", defaultConfigPath, "path to the YAML config")
	from := fs.String("from", "", "first trade date YYYY-MM-DD")
	to := fs.String("to", "", "last trade date YYYY-MM-DD (default: -from)")
	symbols := fs.String("symbols", "", "comma-separated universe (default: config universe)")
	tradesPath := fs.String("trades", "", "JSONL trade journal (default: config backtest.trades_path)")
	listTrades := fs.Bool("list", false, "print every simulated trade")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *from == "" {
		return fmt.Errorf("%w: -from is required", errUsage)
	}

	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	start, err := a.session.ParseDate(*from)
	if err != nil {
		return fmt.Errorf("%w: -from must be YYYY-MM-DD", errUsage)
	}
	end := start
	if *to != "" {
		if end, err = a.session.ParseDate(*to); err != nil {
			return fmt.Errorf("%w: -to must be YYYY-MM-DD", errUsage)
		}
	}
	if end.Before(start) {
		return fmt.Errorf("%w: -to is before -from", errUsage)
	}
	universe := a.cfg.Universe
	if *symbols != "" {
		universe = splitSymbols(*symbols)
	}
	if len(universe) == 0 {
		return fmt.Errorf("%w: empty universe", errUsage)
	}

	runID := uuid.NewString()
	log := a.component("backtest").With().Str("run", runID).Logger()
	var sinks []backtest.Sink
	path := *tradesPath
	if path == "" {
		path = a.cfg.Backtest.TradesPath
	}
	if path != "" {
		w, err := journal.Open(path)
		if err != nil {
			return fmt.Errorf("trade journal: %w", err)
		}
		a.closers = append(a.closers, w.Close)
		sinks = append(sinks, backtest.JournalSink{W: w})
	}
	if a.cfg.Backtest.ClickHouseSink {
		if err := a.connectClickHouse(ctx); err != nil {
			return err
		}
		sinks = append(sinks, clickhouse.NewTradeSink(a.ch, a.cfg.Data.ClickHouse, runID, log))
	}

	scanner, gen, err := a.engine()
	if err != nil {
		return err
	}
	engine, err := backtest.NewEngine(a.bars, scanner, gen, a.cfg.BacktestConfig(), log, sinks...)
	if err != nil {
		return err
	}
	days := a.session.TradingDays(start, end)
	began := time.Now()
	res, err := engine.Run(ctx, days, universe)
	if err != nil {
		return err
	}
	log.Info().Int("days", len(days)).Int("trades", len(res.Trades)).Dur("took", time.Since(began)).Msg("replay finished")

	fmt.Fprintf(out, "Run %s: %d trading days, %d symbols\n", runID, len(days), len(universe))
	res.Calculate().Print(out)
	if *listTrades {
		res.PrintTrades(out)
	}
	if len(res.Failed) > 0 {
		for _, k := range sortedKeys(res.Failed) {
			fmt.Fprintf(out, "  failed %s: %v\n", k, res.Failed[k])
		}
		return fmt.Errorf("%d symbol-days failed", len(res.Failed))
	}
	return nil
}

func runImport(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer) error {
	configPath := fs.String("config", defaultConfigPath, "path to the YAML config")
	symbols := fs.String("symbols", "", "comma-separated symbols (default: config universe)")
	intervals := fs.String("intervals", "1d,5m", "comma-separated intervals to import")
	if err := parse(fs, args); err != nil {
		return err
	}
	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.connectClickHouse(ctx); err != nil {
		return err
	}

	universe := a.cfg.Universe
	if *symbols != "" {
		universe = splitSymbols(*symbols)
	}
	var ivs []market.Interval
	for _, v := range strings.Split(*intervals, ",") {
		iv, err := market.ParseInterval(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		ivs = append(ivs, iv)
	}

	src := market.NewCSVStore(a.cfg.Data.CSVDir, a.session.Location)
	var errs []error
	for _, sym := range universe {
		for _, iv := range ivs {
			n, err := importFile(ctx, a, src.Path(sym, iv), sym, iv)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", sym, iv, err))
				continue
			}
			fmt.Fprintf(out, "%s %s: %d bars\n", sym, iv, n)
		}
	}
	return errors.Join(errs...)
}

func importFile(ctx context.Context, a *app, path, symbol string, iv market.Interval) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	bars, err := market.ReadCSV(f, symbol, a.session.Location)
	if err != nil {
		return 0, err
	}
	return len(bars), clickhouse.ImportBars(ctx, a.ch, a.cfg.Data.ClickHouse, iv, bars)
}

func runServe(ctx context.Context, fs *flag.FlagSet, args []string, _ io.Writer) error {
	configPath := fs.String("config", defaultConfigPath, "path to the YAML config")
	if err := parse(fs, args); err != nil {
		return err
	}
	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	l, err := a.live()
	if err != nil {
		return err
	}
	cfg := a.cfg

	sched := cycle.NewScheduler(l.cycle, cfg.Execution.CycleDelay, a.component("scheduler"))
	monitor := cycle.NewMonitor(l.store, l.machine, a.session, a.component("monitor"))
	feed := exchange.NewFeed(cfg.Feed.Provider, cfg.Universe, a.component("feed"), exchange.WithURL(cfg.Feed.URL))
	ticks := make(chan market.Tick, 1024)

	deps := httpapi.Deps{
		Store:      l.store,
		Machine:    l.machine,
		Kill:       l.kill,
		Cycle:      l.cycle,
		Session:    a.session,
		MaxRetries: cfg.Execution.MaxRetries,
		Log:        a.component("http"),
	}
	if l.broker != nil {
		deps.Fills = l.broker.Ledger()
	}
	metricsSrv := metrics.Serve(cfg.App.MetricsAddr)
	api := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           httpapi.New(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.log.Info().Str("http", cfg.App.HTTPAddr).Str("metrics", cfg.App.MetricsAddr).Bool("dry_run", cfg.Execution.DryRun).Msg("orb service up")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return quiet(sched.Run(gctx)) })
	g.Go(func() error { return quiet(feed.Run(gctx, ticks)) })
	g.Go(func() error { return quiet(monitor.Run(gctx, ticks)) })
	g.Go(func() error {
		if err := api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(api.Shutdown(shutdown), metricsSrv.Shutdown(shutdown))
	})
	err = g.Wait()
	a.log.Info().Msg("orb service stopped")
	return err
}

// quiet drops the cancellation error a clean shutdown produces.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
