// Package cycle drives the live daily run: scan, generate and execute over one trade date.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"orb-go/internal/execution"
	"orb-go/internal/market"
	"orb-go/internal/metrics"
	"orb-go/internal/ranker"
	"orb-go/internal/risk"
	"orb-go/internal/signal"
	"orb-go/internal/store"
	"orb-go/internal/strategy"
)

// Phase names one step of the daily cycle.
type Phase string

const (
	PhaseScan     Phase = "scan"
	PhaseGenerate Phase = "generate"
	PhaseExecute  Phase = "execute"
)

// Phases lists every phase in run order.
var Phases = []Phase{PhaseScan, PhaseGenerate, PhaseExecute}

// ParsePhase validates a phase name.
func ParsePhase(v string) (Phase, error) {
	for _, p := range Phases {
		if string(p) == v {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", v)
}

// Config holds the cycle inputs that are not owned by the scanner or generator.
type Config struct {
	Universe      []string
	SymbolTimeout time.Duration // per-order adapter deadline; zero disables
	// Fallback is used for sizing when the adapter cannot report an account. Zero equity disables it.
	Fallback risk.Account
}

// Report summarizes one phase. Failed holds symbol-level failures; Skipped holds expected
// non-failures such as duplicates and budget exhaustion.
type Report struct {
	Phase     Phase
	Date      time.Time
	Processed int
	Failed    map[string]error
	Skipped   map[string]error
}

// OK reports whether no symbol failed.
func (r Report) OK() bool { return len(r.Failed) == 0 }

func newReport(p Phase, date time.Time) Report {
	return Report{Phase: p, Date: date, Failed: make(map[string]error), Skipped: make(map[string]error)}
}

// Cycle wires the shared decision core to a store and an execution machine.
type Cycle struct {
	scanner *ranker.Scanner
	gen     *strategy.Generator
	store   store.Store
	machine *execution.Machine
	cfg     Config
	log     zerolog.Logger
}

// New constructs a cycle. scanner and gen must be the instances a backtest would use for parity.
func New(scanner *ranker.Scanner, gen *strategy.Generator, st store.Store, machine *execution.Machine, cfg Config, log zerolog.Logger) *Cycle {
	return &Cycle{scanner: scanner, gen: gen, store: st, machine: machine, cfg: cfg, log: log}
}

// Session returns the calendar the scanner evaluates dates with.
func (c *Cycle) Session() market.Session { return c.scanner.FeatureParams().Session }

// Store returns the signal store.
func (c *Cycle) Store() store.Store { return c.store }

// Machine returns the lifecycle machine.
func (c *Cycle) Machine() *execution.Machine { return c.machine }

// Run executes every phase not in skip, stopping at the first phase that fails outright. Runs
// hold the machine's lock, so overlapping runs and manual actions take turns.
func (c *Cycle) Run(ctx context.Context, date time.Time, skip map[Phase]bool) ([]Report, error) {
	c.machine.Lock()
	defer c.machine.Unlock()
	steps := map[Phase]func(context.Context, time.Time) (Report, error){
		PhaseScan:     c.Scan,
		PhaseGenerate: c.Generate,
		PhaseExecute:  c.Execute,
	}
	var reports []Report
	for _, p := range Phases {
		if skip[p] {
			c.log.Info().Str("phase", string(p)).Msg("phase skipped")
			continue
		}
		rep, err := steps[p](ctx, date)
		reports = append(reports, rep)
		if err != nil {
			return reports, fmt.Errorf("%s: %w", p, err)
		}
	}
	return reports, nil
}

// Scan ranks the universe and persists the day's candidates, replacing any earlier scan.
func (c *Cycle) Scan(ctx context.Context, date time.Time) (Report, error) {
	date = c.Session().DateOf(date)
	rep := newReport(PhaseScan, date)
	res, err := c.scanner.Scan(ctx, date, c.cfg.Universe)
	if err != nil {
		return rep, err
	}
	for sym, err := range res.Failed {
		rep.Failed[sym] = err
	}
	for sym, err := range res.Excluded {
		rep.Skipped[sym] = err
	}
	rep.Processed = len(res.Candidates)
	if err := c.store.SaveCandidates(ctx, date, res.Candidates); err != nil {
		return rep, fmt.Errorf("save candidates: %w", err)
	}
	return rep, nil
}

// Generate sizes the stored candidates into PENDING signals. Re-running it for a date only adds
// signals for candidates that have none.
func (c *Cycle) Generate(ctx context.Context, date time.Time) (Report, error) {
	date = c.Session().DateOf(date)
	rep := newReport(PhaseGenerate, date)
	cands, err := c.store.Candidates(ctx, date)
	if err != nil {
		return rep, fmt.Errorf("load candidates: %w", err)
	}
	existing, err := c.store.Signals(ctx, date)
	if err != nil {
		return rep, fmt.Errorf("load signals: %w", err)
	}
	acct, err := c.account(ctx)
	if err != nil {
		return rep, err
	}

	res := c.gen.Generate(date, cands, acct, existing)
	for key, err := range res.Skipped {
		rep.Skipped[key] = err
	}
	for _, s := range res.Signals {
		if err := c.store.InsertSignal(ctx, s); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				rep.Skipped[s.Key()] = err
				continue
			}
			rep.Failed[s.Symbol] = err
			metrics.SymbolErrorsTotal.WithLabelValues(string(PhaseGenerate), "store").Inc()
			c.log.Warn().Err(err).Str("sym", s.Symbol).Str("phase", string(PhaseGenerate)).Msg("signal not stored")
			continue
		}
		rep.Processed++
		c.log.Info().
			Str("sym", s.Symbol).
			Str("side", string(s.Side)).
			Int("rank", s.Rank).
			Int64("shares", s.Shares).
			Float64("entry", s.EntryPrice).
			Float64("stop", s.StopPrice).
			Float64("target", s.TargetPrice).
			Msg("signal created")
	}
	return rep, nil
}

func (c *Cycle) account(ctx context.Context) (risk.Account, error) {
	acct, err := c.machine.Adapter().GetAccount(ctx)
	if err == nil {
		return acct, nil
	}
	if c.cfg.Fallback.Equity <= 0 {
		return acct, fmt.Errorf("account: %w", err)
	}
	c.log.Warn().Err(err).Float64("equity", c.cfg.Fallback.Equity).Msg("account unavailable, sizing from fallback equity")
	fb := c.cfg.Fallback
	if fb.BuyingPower <= 0 {
		fb.BuyingPower = fb.Equity
	}
	return fb, nil
}

// ReasonBudgetExhausted is the audit reason of signals cancelled because the day's risk budget
// had no room left for them.
const ReasonBudgetExhausted = "daily budget exhausted"

// Execute submits the day's PENDING signals in rank order against one budget. A rejected or slow
// signal fails alone and one that no longer fits the budget is cancelled; an unreachable adapter
// or the kill switch ends the phase.
func (c *Cycle) Execute(ctx context.Context, date time.Time) (Report, error) {
	date = c.Session().DateOf(date)
	rep := newReport(PhaseExecute, date)
	signals, err := c.store.Signals(ctx, date)
	if err != nil {
		return rep, fmt.Errorf("load signals: %w", err)
	}
	acct, err := c.machine.Adapter().GetAccount(ctx)
	if err != nil {
		return rep, fmt.Errorf("account: %w", err)
	}
	budget := c.gen.Budget(acct.Equity, signals)
	c.log.Info().Float64("limit", budget.Limit()).Float64("remaining", budget.Remaining()).Msg("risk budget opened")

	for _, s := range signals {
		if s.Status != signal.Pending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		_, err := c.submit(ctx, s.ID, budget)
		switch {
		case err == nil:
			rep.Processed++
		case errors.Is(err, execution.ErrExecutionUnavailable), errors.Is(err, execution.ErrKillSwitch), ctx.Err() != nil:
			rep.Failed[s.Symbol] = err
			return rep, err
		case errors.Is(err, risk.ErrRiskLimitExceeded):
			rep.Skipped[s.Key()] = err
			c.log.Info().Err(err).Str("sym", s.Symbol).Msg("signal over budget")
			if _, err := c.machine.Cancel(ctx, s.ID, ReasonBudgetExhausted); err != nil {
				rep.Failed[s.Symbol] = err
			}
		default:
			rep.Failed[s.Symbol] = err
			metrics.SymbolErrorsTotal.WithLabelValues(string(PhaseExecute), kind(err)).Inc()
			c.log.Warn().Err(err).Str("sym", s.Symbol).Str("phase", string(PhaseExecute)).Msg("signal not submitted")
		}
	}
	return rep, nil
}

func (c *Cycle) submit(ctx context.Context, id string, budget *risk.Budget) (signal.Signal, error) {
	if c.cfg.SymbolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SymbolTimeout)
		defer cancel()
	}
	return c.machine.Submit(ctx, id, budget)
}

func kind(err error) string {
	switch {
	case errors.Is(err, execution.ErrOrderRejected):
		return "rejected"
	case errors.Is(err, execution.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
