// Package backtest replays the live scan and sizing path over historical bars and simulates
// entries and exits bar by bar.
package backtest

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"orb-go/internal/market"
	"orb-go/internal/metrics"
	"orb-go/internal/ranker"
	"orb-go/internal/risk"
	"orb-go/internal/signal"
	"orb-go/internal/strategy"
)

// Config holds the replay knobs.
type Config struct {
	InitialEquity      float64
	Leverage           float64 // buying power as a multiple of equity
	Compound           bool    // re-size each trade from running equity within a day
	CommissionPerShare float64 // charged on entry and exit
	Workers            int     // parallel day scans; zero uses GOMAXPROCS
}

// Sink receives each day's trades once they are final.
type Sink interface {
	WriteTrades(ctx context.Context, trades []SimulatedTrade) error
}

// Engine drives the replay.
type Engine struct {
	bars    market.BarStore
	scanner *ranker.Scanner
	gen     *strategy.Generator
	cfg     Config
	log     zerolog.Logger
	sinks   []Sink
}

// NewEngine shares scanner and gen with the live path; bars must be the store scanner reads.
func NewEngine(bars market.BarStore, scanner *ranker.Scanner, gen *strategy.Generator, cfg Config, log zerolog.Logger, sinks ...Sink) (*Engine, error) {
	if cfg.InitialEquity <= 0 {
		return nil, fmt.Errorf("initial equity must be positive")
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{bars: bars, scanner: scanner, gen: gen, cfg: cfg, log: log, sinks: sinks}, nil
}

// Run replays dates in order. Day scans run in parallel because they only read bars; sizing and
// fills run sequentially so equity carries from one day to the next.
func (e *Engine) Run(ctx context.Context, dates []time.Time, universe []string) (*Results, error) {
	scans := make([]ranker.ScanResult, len(dates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, d := range dates {
		g.Go(func() error {
			res, err := e.scanner.Scan(gctx, d, universe)
			if err != nil {
				return fmt.Errorf("scan %s: %w", d.Format(market.DateLayout), err)
			}
			scans[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Results{InitialEquity: e.cfg.InitialEquity, FinalEquity: e.cfg.InitialEquity, Failed: make(map[string]error)}
	for _, scan := range scans {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for sym, err := range scan.Failed {
			res.Failed[failKey(scan.TradeDate, sym)] = err
		}
		trades := e.day(ctx, scan, res)
		for _, sink := range e.sinks {
			if err := sink.WriteTrades(ctx, trades); err != nil {
				return res, fmt.Errorf("write trades %s: %w", scan.TradeDate.Format(market.DateLayout), err)
			}
		}
		res.Trades = append(res.Trades, trades...)
		res.Equity = append(res.Equity, EquityPoint{Date: scan.TradeDate, Equity: res.FinalEquity})
		metrics.BacktestEquity.Set(res.FinalEquity)
		e.log.Info().
			Str("date", scan.TradeDate.Format(market.DateLayout)).
			Int("candidates", len(scan.Candidates)).
			Int("trades", len(trades)).
			Float64("equity", res.FinalEquity).
			Msg("day simulated")
	}
	return res, nil
}

// Signals sizes the candidates of one day exactly as the live generate phase does.
func (e *Engine) Signals(date time.Time, cands []ranker.Candidate, equity float64) strategy.Result {
	return e.gen.Generate(date, cands, e.account(equity), nil)
}

func (e *Engine) account(equity float64) risk.Account {
	return risk.Account{Equity: equity, BuyingPower: equity * e.cfg.Leverage}
}

func (e *Engine) day(ctx context.Context, scan ranker.ScanResult, res *Results) []SimulatedTrade {
	date := scan.TradeDate
	res.Candidates = append(res.Candidates, scan.Candidates...)
	opening := res.FinalEquity

	var trades []SimulatedTrade
	run := func(s signal.Signal) {
		res.Signals = append(res.Signals, s)
		t, err := e.Simulate(ctx, s)
		if err != nil {
			res.Failed[failKey(date, s.Symbol)] = err
			e.log.Warn().Err(err).Str("sym", s.Symbol).Msg("trade not simulated")
			return
		}
		trades = append(trades, t)
		res.FinalEquity += t.NetPnL
	}

	if !e.cfg.Compound {
		for _, s := range e.Signals(date, scan.Candidates, opening).Signals {
			run(s)
		}
		return trades
	}
	budget := e.gen.Budget(opening, nil)
	for _, c := range e.gen.Order(scan.Candidates) {
		s, err := e.gen.Build(date, c, e.account(res.FinalEquity), budget)
		if err != nil {
			e.log.Info().Err(err).Str("sym", c.Symbol).Msg("candidate not sized")
			continue
		}
		run(s)
	}
	return trades
}

// Simulate replays the bars after the opening range up to the session close for one signal.
func (e *Engine) Simulate(ctx context.Context, s signal.Signal) (SimulatedTrade, error) {
	fp := e.scanner.FeatureParams()
	session := fp.Session
	bars, err := e.bars.Bars(ctx, s.Symbol, session.RangeCloseAt(s.TradeDate), session.CloseAt(s.TradeDate), fp.Interval)
	if err != nil {
		return SimulatedTrade{}, err
	}
	t := SimulatedTrade{
		TradeDate:  s.TradeDate,
		SignalID:   s.ID,
		Symbol:     s.Symbol,
		Rank:       s.Rank,
		Side:       s.Side,
		EntryPrice: s.EntryPrice,
		ExitPrice:  s.EntryPrice,
		ExitReason: signal.ExitNoEntry,
		Shares:     s.Shares,
	}
	levels := strategy.LevelsOf(s)
	span := fp.Interval.Duration()

	entered := -1
	for i, b := range bars {
		fill, ok := strategy.EntryFill(levels, b)
		if !ok {
			continue
		}
		entered = i
		t.EntryPrice, t.EntryTime = fill, b.Timestamp
		if px, reason, hit := strategy.ExitOnEntryBar(levels, b); hit {
			t.ExitPrice, t.ExitReason, t.ExitTime = px, reason, b.Timestamp.Add(span)
		}
		break
	}
	if entered < 0 {
		return t, nil
	}
	if t.ExitReason == signal.ExitNoEntry {
		for _, b := range bars[entered+1:] {
			if px, reason, hit := strategy.Exit(levels, b); hit {
				t.ExitPrice, t.ExitReason, t.ExitTime = px, reason, b.Timestamp.Add(span)
				break
			}
		}
	}
	if t.ExitReason == signal.ExitNoEntry {
		last := bars[len(bars)-1]
		t.ExitPrice, t.ExitReason, t.ExitTime = last.Close, signal.ExitEOD, last.Timestamp.Add(span)
	}
	e.price(&t)
	return t, nil
}

// price fills in pnl in cents.
func (e *Engine) price(t *SimulatedTrade) {
	shares := decimal.NewFromInt(t.Shares)
	move := decimal.NewFromFloat(t.ExitPrice).Sub(decimal.NewFromFloat(t.EntryPrice))
	if t.Side == signal.Short {
		move = move.Neg()
	}
	gross := move.Mul(shares).Round(2)
	commission := decimal.NewFromFloat(e.cfg.CommissionPerShare).Mul(shares).Mul(decimal.NewFromInt(2)).Round(2)
	t.GrossPnL = gross.InexactFloat64()
	t.Commission = commission.InexactFloat64()
	t.NetPnL = gross.Sub(commission).InexactFloat64()
}

func failKey(date time.Time, symbol string) string {
	return date.Format(market.DateLayout) + "|" + symbol
}
