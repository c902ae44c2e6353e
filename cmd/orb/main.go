// Binary orb runs the opening-range-breakout decision engine: the daily scan, generate and
// execute cycle, manual lifecycle actions, the replay and the long-running service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"orb-go/internal/cycle"
	"orb-go/internal/market"
	"orb-go/internal/signal"
)

const defaultConfigPath = "config.yaml"

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// errUsage marks command-line mistakes; they exit 2 instead of 1.
var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer) error
}

var commands = []command{
	{"scan", "rank the universe at the opening-range close and store the watchlist", runPhase(cycle.PhaseScan)},
	{"generate", "size stored candidates into PENDING signals", runPhase(cycle.PhaseGenerate)},
	{"execute", "submit PENDING signals through the execution adapter", runPhase(cycle.PhaseExecute)},
	{"cycle", "run scan, generate and execute in order", runCycle},
	{"signals", "list the day's signals", runSignals},
	{"retry", "move a REJECTED signal back to PENDING", runRetry},
	{"cancel", "cancel a PENDING or SUBMITTED signal", runCancel},
	{"close", "flatten a FILLED signal and close it as MANUAL", runClose},
	{"kill", "engage or release the kill switch", runKill},
	{"backtest", "replay a date range and print statistics", runBacktest},
	{"import", "load CSV bars into ClickHouse", runImport},
	{"serve", "run the scheduler, exit monitor, live feed and HTTP API", runServe},
}

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		usage(stderr)
		return exitUsage
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		fs := flag.NewFlagSet(c.name, flag.ContinueOnError)
		fs.SetOutput(stderr)
		err := c.run(ctx, fs, args[1:], stdout)
		switch {
		case err == nil:
			return exitOK
		case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
			if !errors.Is(err, flag.ErrHelp) {
				fmt.Fprintf(stderr, "orb %s: %v\n", c.name, err)
			}
			return exitUsage
		default:
			fmt.Fprintf(stderr, "orb %s: %v\n", c.name, err)
			return exitFailed
		}
	}
	fmt.Fprintf(stderr, "orb: unknown command %q\n", args[0])
	usage(stderr)
	return exitUsage
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: orb <command> [flags]")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.summary)
	}
	tw.Flush()
}

// common registers the flags every command accepts.
type common struct {
	config *string
	date   *string
}

func commonFlags(fs *flag.FlagSet) common {
	return common{
		config: fs.String("config", defaultConfigPath, "path to the YAML config"),
		date:   fs.String("date", "", "trade date YYYY-MM-DD (default: today in the session zone)"),
	}
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	return nil
}

func (c common) tradeDate(session market.Session) (time.Time, error) {
	if *c.date == "" {
		return session.DateOf(time.Now().In(session.Location)), nil
	}
	d, err := session.ParseDate(*c.date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: -date must be YYYY-MM-DD", errUsage)
	}
	return d, nil
}

func runPhase(phase cycle.Phase) func(context.Context, *flag.FlagSet, []string, io.Writer) error {
	return func(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer) error {
		skip := make(map[cycle.Phase]bool)
		for _, p := range cycle.Phases {
			skip[p] = p != phase
		}
		return cycleCommand(ctx, fs, args, out, skip)
	}
}

func runCycle(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer) error {
	return cycleCommand(ctx, fs, args, out, nil)
}

func cycleCommand(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer, skip map[cycle.Phase]bool) error {
	c := commonFlags(fs)
	var skipList string
	if skip == nil {
		fs.StringVar(&skipList, "skip", "", "comma-separated phases to skip (scan,generate,execute)")
	}
	if err := parse(fs, args); err != nil {
		return err
	}
	if skip == nil {
		skip = make(map[cycle.Phase]bool)
		for _, v := range strings.Split(skipList, ",") {
			if strings.TrimSpace(v) == "" {
				continue
			}
			p, err := cycle.ParsePhase(v)
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			skip[p] = true
		}
	}

	a, err := newApp(ctx, *c.config)
	if err != nil {
		return err
	}
	defer a.Close()
	date, err := c.tradeDate(a.session)
	if err != nil {
		return err
	}
	l, err := a.live()
	if err != nil {
		return err
	}

	reports, err := l.cycle.Run(ctx, date, skip)
	failed := printReports(out, date, reports)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d symbol failures", failed)
	}
	return nil
}

func printReports(w io.Writer, date time.Time, reports []cycle.Report) int {
	failed := 0
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "DATE\tPHASE\tPROCESSED\tFAILED\tSKIPPED\n")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", date.Format(market.DateLayout), r.Phase, r.Processed, len(r.Failed), len(r.Skipped))
		failed += len(r.Failed)
	}
	tw.Flush()
	for _, r := range reports {
		for _, sym := range sortedKeys(r.Failed) {
			fmt.Fprintf(w, "  %s failed %s: %v\n", r.Phase, sym, r.Failed[sym])
		}
	}
	return failed
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runSignals(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer) error {
	c := commonFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	a, err := newApp(ctx, *c.config)
	if err != nil {
		return err
	}
	defer a.Close()
	date, err := c.tradeDate(a.session)
	if err != nil {
		return err
	}
	l, err := a.live()
	if err != nil {
		return err
	}
	signals, err := l.store.Signals(ctx, date)
	if err != nil {
		return err
	}
	printSignals(out, signals)
	return nil
}

func printSignals(w io.Writer, signals []signal.Signal) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "RANK\tSYMBOL\tSIDE\tENTRY\tSTOP\tTARGET\tSHARES\tSTATUS\tID\n")
	for _, s := range signals {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%.2f\t%.2f\t%d\t%s\t%s\n", s.Rank, s.Symbol, s.Side, s.EntryPrice, s.StopPrice, s.TargetPrice, s.Shares, s.Status, s.ID)
	}
	tw.Flush()
}

func runRetry(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer) error {
	c := commonFlags(fs)
	id := fs.String("id", "", "signal id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("%w: -id is required", errUsage)
	}
	a, err := newApp(ctx, *c.config)
	if err != nil {
		return err
	}
	defer a.Close()
	l, err := a.live()
	if err != nil {
		return err
	}
	s, err := l.machine.Retry(ctx, *id, a.cfg.Execution.MaxRetries)
	if err != nil {
		return err
	}
	printSignals(out, []signal.Signal{s})
	return nil
}

func runCancel(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer) error {
	c := commonFlags(fs)
	id := fs.String("id", "", "signal id")
	reason := fs.String("reason", "cancelled by operator", "audit reason")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("%w: -id is required", errUsage)
	}
	a, err := newApp(ctx, *c.config)
	if err != nil {
		return err
	}
	defer a.Close()
	l, err := a.live()
	if err != nil {
		return err
	}
	s, err := l.machine.Cancel(ctx, *id, *reason)
	if err != nil {
		return err
	}
	printSignals(out, []signal.Signal{s})
	return nil
}

func runClose(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer) error {
	c := commonFlags(fs)
	id := fs.String("id", "", "signal id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("%w: -id is required", errUsage)
	}
	a, err := newApp(ctx, *c.config)
	if err != nil {
		return err
	}
	defer a.Close()
	l, err := a.live()
	if err != nil {
		return err
	}
	s, err := l.machine.Exit(ctx, *id, signal.ExitManual, 0, time.Now())
	if err != nil {
		return err
	}
	printSignals(out, []signal.Signal{s})
	return nil
}

func runKill(ctx context.Context, fs *flag.FlagSet, args []string, out io.Writer) error {
	c := commonFlags(fs)
	on := fs.Bool("on", false, "engage the kill switch")
	off := fs.Bool("off", false, "release the kill switch")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *on && *off {
		return fmt.Errorf("%w: -on and -off are exclusive", errUsage)
	}
	a, err := newApp(ctx, *c.config)
	if err != nil {
		return err
	}
	defer a.Close()
	l, err := a.live()
	if err != nil {
		return err
	}
	if *on || *off {
		if err := l.kill.Set(*on); err != nil {
			return err
		}
		a.log.Warn().Bool("engaged", *on).Str("path", l.kill.Path()).Msg("kill switch changed")
	}
	fmt.Fprintf(out, "kill switch engaged: %t\n", l.kill.Engaged())
	return nil
}
