// Package strategy turns ranked candidates into sized signals and holds the exit rules shared by
// the live monitor and the backtest.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"orb-go/internal/metrics"
	"orb-go/internal/ranker"
	"orb-go/internal/risk"
	"orb-go/internal/signal"
)

// ErrDuplicate marks a candidate whose (date, symbol, side) already has a signal.
var ErrDuplicate = errors.New("signal already exists")

// Config holds the sizing and target knobs.
type Config struct {
	TopN            int
	TargetR         float64 // target distance in multiples of the stop distance
	RiskPct         float64 // per-trade risk; zero means DailyBudgetPct / TopN
	DailyBudgetPct  float64 // total dollar risk per day as a fraction of equity
	MinStopDistance float64
	PriceTick       float64
}

// PerTradeRisk resolves the per-trade risk fraction.
func (c Config) PerTradeRisk() float64 {
	if c.RiskPct > 0 {
		return c.RiskPct
	}
	if c.TopN <= 0 {
		return 0
	}
	return c.DailyBudgetPct / float64(c.TopN)
}

// Generator sizes candidates into PENDING signals.
type Generator struct {
	cfg Config
	log zerolog.Logger
}

// NewGenerator validates cfg.
func NewGenerator(cfg Config, log zerolog.Logger) (*Generator, error) {
	if cfg.TopN <= 0 {
		return nil, fmt.Errorf("top_n must be positive")
	}
	if cfg.TargetR <= 0 {
		return nil, fmt.Errorf("target_r_multiple must be positive")
	}
	if cfg.DailyBudgetPct <= 0 || cfg.DailyBudgetPct > 1 {
		return nil, fmt.Errorf("daily_risk_budget_pct must be in (0, 1]")
	}
	if cfg.RiskPct < 0 || cfg.RiskPct > cfg.DailyBudgetPct {
		return nil, fmt.Errorf("risk_per_trade_pct must be in [0, daily_risk_budget_pct]")
	}
	return &Generator{cfg: cfg, log: log}, nil
}

// Config returns the generator's settings.
func (g *Generator) Config() Config { return g.cfg }

// Result is the outcome of one generation pass.
type Result struct {
	Signals []signal.Signal
	Skipped map[string]error // keyed by signal key
}

// Order sorts candidates into sizing priority: rank, then rvol, then symbol. Candidates ranked
// beyond top_n are dropped.
func (g *Generator) Order(cands []ranker.Candidate) []ranker.Candidate {
	out := make([]ranker.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Rank >= 1 && c.Rank <= g.cfg.TopN {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		if out[i].RVOL != out[j].RVOL {
			return out[i].RVOL > out[j].RVOL
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// Budget opens the day's risk budget for equity. Signals already working or done are committed
// even when they overshoot a smaller equity; PENDING ones are then reserved in order while they fit.
func (g *Generator) Budget(equity float64, existing []signal.Signal) *risk.Budget {
	b := risk.NewBudget(g.cfg.DailyBudgetPct, equity)
	for _, s := range existing {
		if s.Status.HoldsBudget() && s.Status != signal.Pending && !b.Commit(s.ID, s.RiskAmount) {
			g.log.Warn().Str("sym", s.Symbol).Float64("risk", s.RiskAmount).Msg("existing signal exceeds budget")
		}
	}
	for _, s := range existing {
		if s.Status != signal.Pending {
			continue
		}
		if err := b.Reserve(s.ID, s.RiskAmount); err != nil {
			g.log.Info().Err(err).Str("sym", s.Symbol).Msg("pending signal no longer fits the budget")
		}
	}
	return b
}

// Generate sizes every candidate in priority order against acct. Candidates that already have a
// signal, that cannot be sized, or that no longer fit the budget are reported in Skipped.
func (g *Generator) Generate(date time.Time, cands []ranker.Candidate, acct risk.Account, existing []signal.Signal) Result {
	res := Result{Skipped: make(map[string]error)}
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s.Key()] = true
	}
	budget := g.Budget(acct.Equity, existing)
	for _, c := range g.Order(cands) {
		key := signal.Key(date, c.Symbol, c.Side)
		if seen[key] {
			res.Skipped[key] = ErrDuplicate
			continue
		}
		s, err := g.Build(date, c, acct, budget)
		if err != nil {
			res.Skipped[key] = err
			g.log.Info().Err(err).Str("sym", c.Symbol).Str("side", string(c.Side)).Int("rank", c.Rank).Msg("candidate not sized")
			continue
		}
		seen[key] = true
		res.Signals = append(res.Signals, s)
	}
	return res
}

// Build sizes one candidate and reserves its risk in budget.
func (g *Generator) Build(date time.Time, c ranker.Candidate, acct risk.Account, budget *risk.Budget) (signal.Signal, error) {
	entry, stop := c.EntryPrice, c.StopPrice
	sizing, err := risk.Size(acct.Equity, acct.BuyingPower, risk.Order{Entry: entry, Stop: stop, MaxShares: c.MaxShares}, risk.Limits{
		RiskPct:         g.cfg.PerTradeRisk(),
		TopN:            g.cfg.TopN,
		MinStopDistance: g.cfg.MinStopDistance,
	})
	if err != nil {
		return signal.Signal{}, err
	}
	id := signal.NewID(date, c.Symbol, c.Side)
	if err := budget.Reserve(id, sizing.RiskAmount); err != nil {
		return signal.Signal{}, err
	}
	dist := entry - stop
	if dist < 0 {
		dist = -dist
	}
	created := c.CutoffAt
	if created.IsZero() {
		created = date
	}
	s := signal.Signal{
		ID:          id,
		TradeDate:   date,
		Symbol:      c.Symbol,
		Side:        c.Side,
		Rank:        c.Rank,
		EntryPrice:  entry,
		StopPrice:   stop,
		TargetPrice: ranker.RoundToTick(entry+c.Side.Sign()*g.cfg.TargetR*dist, g.cfg.PriceTick),
		Shares:      sizing.Shares,
		RiskAmount:  sizing.RiskAmount,
		Status:      signal.Pending,
		CreatedAt:   created,
	}
	metrics.SignalsTotal.WithLabelValues(string(s.Side)).Inc()
	return s, nil
}
