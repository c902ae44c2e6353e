package strategy

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orb-go/internal/market"
	"orb-go/internal/ranker"
	"orb-go/internal/risk"
	"orb-go/internal/signal"
)

var tradeDate = time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

func cand(symbol string, rank int, side signal.Side) ranker.Candidate {
	c := ranker.Candidate{Symbol: symbol, Rank: rank, Side: side, RVOL: 10 - float64(rank), EntryPrice: 10.00, StopPrice: 9.95, ATR: 0.5}
	if side == signal.Short {
		c.EntryPrice, c.StopPrice = 9.80, 9.85
	}
	return c
}

func generator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	g, err := NewGenerator(cfg, zerolog.Nop())
	require.NoError(t, err)
	return g
}

func defaultConfig() Config {
	return Config{TopN: 5, TargetR: 2, DailyBudgetPct: 0.10, PriceTick: 0.01}
}

func TestBuildLongLevels(t *testing.T) {
	g := generator(t, defaultConfig())
	acct := risk.Account{Equity: 100_000, BuyingPower: 10_000_000}
	s, err := g.Build(tradeDate, cand("AAA", 1, signal.Long), acct, g.Budget(acct.Equity, nil))
	require.NoError(t, err)

	assert.Equal(t, signal.Pending, s.Status)
	assert.InDelta(t, 10.00, s.EntryPrice, 1e-9)
	assert.InDelta(t, 9.95, s.StopPrice, 1e-9)
	assert.InDelta(t, 10.10, s.TargetPrice, 1e-9)
	// 2% of 100k over a 0.05 stop
	assert.Equal(t, int64(40_000), s.Shares)
	assert.Less(t, s.StopPrice, s.EntryPrice)
	assert.Less(t, s.EntryPrice, s.TargetPrice)
	assert.LessOrEqual(t, s.RiskAmount, 0.02*acct.Equity+1e-6)
	assert.Equal(t, signal.NewID(tradeDate, "AAA", signal.Long), s.ID)
}

func TestBuildShortLevelsOrdering(t *testing.T) {
	g := generator(t, defaultConfig())
	acct := risk.Account{Equity: 100_000, BuyingPower: 400_000}
	s, err := g.Build(tradeDate, cand("BBB", 1, signal.Short), acct, g.Budget(acct.Equity, nil))
	require.NoError(t, err)
	assert.Less(t, s.TargetPrice, s.EntryPrice)
	assert.Less(t, s.EntryPrice, s.StopPrice)
	assert.InDelta(t, 9.70, s.TargetPrice, 1e-9)
	// buying power slot 80k / 9.80
	assert.Equal(t, int64(8163), s.Shares)
	assert.LessOrEqual(t, s.Notional(), acct.BuyingPower/5)
}

func TestGenerateBudgetCapsAtTopN(t *testing.T) {
	g := generator(t, defaultConfig())
	sixth := cand("F", 5, signal.Short)
	sixth.RVOL = 1
	cands := []ranker.Candidate{
		cand("A", 1, signal.Long), cand("B", 2, signal.Long), cand("C", 3, signal.Long),
		cand("D", 4, signal.Long), cand("E", 5, signal.Long), sixth,
	}
	res := g.Generate(tradeDate, cands, risk.Account{Equity: 100_000, BuyingPower: 100_000_000}, nil)
	require.Len(t, res.Signals, 5)
	var total float64
	for _, s := range res.Signals {
		total += s.RiskAmount
		assert.NotEqual(t, "F", s.Symbol)
	}
	assert.LessOrEqual(t, total, 0.10*100_000+1e-6)
	err := res.Skipped[signal.Key(tradeDate, "F", signal.Short)]
	assert.True(t, errors.Is(err, risk.ErrRiskLimitExceeded), "got %v", err)
}

func TestGenerateSkipsRankBeyondTopN(t *testing.T) {
	cfg := defaultConfig()
	cfg.TopN = 2
	g := generator(t, cfg)
	res := g.Generate(tradeDate, []ranker.Candidate{cand("A", 1, signal.Long), cand("B", 3, signal.Long)}, risk.Account{Equity: 100_000, BuyingPower: 1e9}, nil)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, "A", res.Signals[0].Symbol)
}

func TestGenerateIsIdempotent(t *testing.T) {
	g := generator(t, defaultConfig())
	acct := risk.Account{Equity: 100_000, BuyingPower: 1e9}
	cands := []ranker.Candidate{cand("A", 1, signal.Long), cand("B", 2, signal.Long)}
	first := g.Generate(tradeDate, cands, acct, nil)
	require.Len(t, first.Signals, 2)

	first.Signals[0].Status = signal.Submitted
	second := g.Generate(tradeDate, cands, acct, first.Signals)
	assert.Empty(t, second.Signals)
	assert.ErrorIs(t, second.Skipped[first.Signals[1].Key()], ErrDuplicate)
}

func TestRegenerateCountsPendingSignals(t *testing.T) {
	g := generator(t, defaultConfig())
	acct := risk.Account{Equity: 100_000, BuyingPower: 1e9}
	first := g.Generate(tradeDate, []ranker.Candidate{
		cand("A", 1, signal.Long), cand("B", 2, signal.Long), cand("C", 3, signal.Long),
		cand("D", 4, signal.Long), cand("E", 5, signal.Long),
	}, acct, nil)
	require.Len(t, first.Signals, 5)

	// a later scan surfaces new names while the first five are still PENDING
	second := g.Generate(tradeDate, []ranker.Candidate{cand("G", 1, signal.Long), cand("H", 2, signal.Long)}, acct, first.Signals)
	assert.Empty(t, second.Signals)
	for _, sym := range []string{"G", "H"} {
		err := second.Skipped[signal.Key(tradeDate, sym, signal.Long)]
		assert.ErrorIs(t, err, risk.ErrRiskLimitExceeded, sym)
	}

	var total float64
	for _, s := range append(first.Signals, second.Signals...) {
		total += s.RiskAmount
	}
	assert.LessOrEqual(t, total, 0.10*acct.Equity+1e-6)
}

func TestBudgetCommitsWorkingBeforePending(t *testing.T) {
	g := generator(t, defaultConfig())
	existing := []signal.Signal{
		{ID: "p", Symbol: "P", Status: signal.Pending, RiskAmount: 6000},
		{ID: "s", Symbol: "S", Status: signal.Submitted, RiskAmount: 6000},
		{ID: "r", Symbol: "R", Status: signal.Rejected, RiskAmount: 6000},
	}
	b := g.Budget(100_000, existing)
	assert.True(t, b.Holds("s"))
	assert.False(t, b.Holds("p"), "the pending signal no longer fits once the working order is counted")
	assert.False(t, b.Holds("r"))
	assert.InDelta(t, 4000, b.Remaining(), 1e-9)
}

func TestGenerateCreatedAtIsDecisionTime(t *testing.T) {
	g := generator(t, defaultConfig())
	c := cand("A", 1, signal.Long)
	c.CutoffAt = time.Date(2024, 3, 12, 13, 35, 0, 0, time.UTC)
	res := g.Generate(tradeDate, []ranker.Candidate{c}, risk.Account{Equity: 100_000, BuyingPower: 1e9}, nil)
	require.Len(t, res.Signals, 1)
	assert.True(t, res.Signals[0].CreatedAt.Equal(c.CutoffAt))
}

func TestNewGeneratorValidates(t *testing.T) {
	for _, cfg := range []Config{
		{TopN: 0, TargetR: 2, DailyBudgetPct: 0.1},
		{TopN: 5, TargetR: 0, DailyBudgetPct: 0.1},
		{TopN: 5, TargetR: 2, DailyBudgetPct: 0},
		{TopN: 5, TargetR: 2, DailyBudgetPct: 0.1, RiskPct: 0.2},
	} {
		_, err := NewGenerator(cfg, zerolog.Nop())
		assert.Error(t, err, "%+v", cfg)
	}
	assert.InDelta(t, 0.02, defaultConfig().PerTradeRisk(), 1e-12)
}

func bar(o, h, l, c float64) market.Bar { return market.Bar{Open: o, High: h, Low: l, Close: c} }

func TestEntryFill(t *testing.T) {
	long := Levels{Side: signal.Long, Entry: 10.00, Stop: 9.95, Target: 10.10}
	px, ok := EntryFill(long, bar(9.97, 10.02, 9.96, 10.01))
	assert.True(t, ok)
	assert.Equal(t, 10.00, px)

	px, ok = EntryFill(long, bar(10.05, 10.08, 10.03, 10.06))
	assert.True(t, ok)
	assert.Equal(t, 10.05, px, "gap through the entry fills at the open")

	_, ok = EntryFill(long, bar(9.90, 9.99, 9.85, 9.95))
	assert.False(t, ok)

	short := Levels{Side: signal.Short, Entry: 9.80, Stop: 9.85, Target: 9.70}
	px, ok = EntryFill(short, bar(9.82, 9.83, 9.78, 9.79))
	assert.True(t, ok)
	assert.Equal(t, 9.80, px)
}

func TestExitOnEntryBarPrefersStop(t *testing.T) {
	long := Levels{Side: signal.Long, Entry: 10.00, Stop: 9.95, Target: 10.10}
	px, reason, ok := ExitOnEntryBar(long, bar(9.97, 10.20, 9.90, 10.15))
	require.True(t, ok)
	assert.Equal(t, signal.ExitStop, reason)
	assert.Equal(t, 9.95, px)
}

func TestExitScenario(t *testing.T) {
	// OR high 10.00, low 9.80, ATR 0.50, stop fraction 0.10
	long := Levels{Side: signal.Long, Entry: 10.00, Stop: 9.95, Target: 10.10}

	_, _, ok := Exit(long, bar(10.01, 10.05, 9.97, 10.02))
	assert.False(t, ok)

	px, reason, ok := Exit(long, bar(10.00, 10.01, 9.94, 9.96))
	require.True(t, ok)
	assert.Equal(t, signal.ExitStop, reason)
	assert.Equal(t, 9.95, px)

	px, reason, ok = Exit(long, bar(9.90, 9.92, 9.88, 9.91))
	require.True(t, ok)
	assert.Equal(t, signal.ExitStop, reason)
	assert.Equal(t, 9.90, px, "gap below the stop fills at the open")

	px, reason, ok = Exit(long, bar(10.05, 10.12, 10.04, 10.11))
	require.True(t, ok)
	assert.Equal(t, signal.ExitTarget, reason)
	assert.Equal(t, 10.10, px)
}

func TestExitBothTouchedUsesNearerExtremum(t *testing.T) {
	long := Levels{Side: signal.Long, Entry: 10.00, Stop: 9.95, Target: 10.10}
	_, reason, _ := Exit(long, bar(10.02, 10.11, 9.90, 10.00))
	assert.Equal(t, signal.ExitTarget, reason, "high is nearer the open")
	_, reason, _ = Exit(long, bar(9.97, 10.20, 9.94, 10.00))
	assert.Equal(t, signal.ExitStop, reason, "low is nearer the open")

	short := Levels{Side: signal.Short, Entry: 9.80, Stop: 9.85, Target: 9.70}
	_, reason, _ = Exit(short, bar(9.83, 9.86, 9.60, 9.70))
	assert.Equal(t, signal.ExitStop, reason)
}

func TestExitOnTickAndPnL(t *testing.T) {
	long := Levels{Side: signal.Long, Entry: 10.00, Stop: 9.95, Target: 10.10}
	reason, ok := ExitOnTick(long, market.Tick{Symbol: "AAA", Price: 10.11})
	assert.True(t, ok)
	assert.Equal(t, signal.ExitTarget, reason)
	_, ok = ExitOnTick(long, market.Tick{Symbol: "AAA", Price: 10.00})
	assert.False(t, ok)
	reason, _ = ExitOnTick(long, market.Tick{Symbol: "AAA", Price: 9.90})
	assert.Equal(t, signal.ExitStop, reason)

	assert.InDelta(t, -50, PnL(signal.Long, 10.00, 9.95, 1000), 1e-9)
	assert.InDelta(t, 100, PnL(signal.Short, 9.80, 9.70, 1000), 1e-9)
	assert.False(t, math.IsNaN(PnL(signal.Short, 9.80, 9.70, 0)))
}
