package backtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orb-go/internal/features"
	"orb-go/internal/journal"
	"orb-go/internal/market"
	"orb-go/internal/market/markettest"
	"orb-go/internal/ranker"
	"orb-go/internal/signal"
	"orb-go/internal/strategy"
)

var (
	session = market.DefaultSession()
	orBar   = markettest.OHLCV{O: 9.85, H: 10.00, L: 9.80, C: 9.95, V: 52_000}
	enter   = markettest.OHLCV{O: 9.96, H: 10.02, L: 9.96, C: 10.01, V: 1000}
)

func day(t *testing.T, v string) time.Time {
	t.Helper()
	d, err := session.ParseDate(v)
	require.NoError(t, err)
	return d
}

func seed(store *market.MemoryStore, symbol string, date time.Time, openingVolume float64, bars ...markettest.OHLCV) {
	markettest.Seed(store, session, symbol, date, markettest.Spec{
		PriorDays:     20,
		Price:         9.90,
		DailyRange:    0.50,
		DailyVolume:   1_000_000,
		OpeningVolume: 10_000,
		Today:         append([]markettest.OHLCV{{O: orBar.O, H: orBar.H, L: orBar.L, C: orBar.C, V: openingVolume}}, bars...),
	})
}

func engine(t *testing.T, store market.BarStore, cfg Config, sinks ...Sink) *Engine {
	t.Helper()
	fp := features.Params{Session: session, Interval: market.FiveMinute, ATRPeriod: 14, RVOLLookback: 10, VolumeLookback: 10, Momentum: features.MomentumDisabled}
	rp := ranker.Params{TopN: 5, Side: ranker.SideBoth, StopFraction: 0.10, PriceTick: 0.01, Filters: ranker.Filters{MinPrice: 5, MinAvgVolume: 100_000, MinATR: 0.1}}
	scanner, err := ranker.NewScanner(store, fp, rp, zerolog.Nop())
	require.NoError(t, err)
	gen, err := strategy.NewGenerator(strategy.Config{TopN: 5, TargetR: 2, DailyBudgetPct: 0.10, PriceTick: 0.01}, zerolog.Nop())
	require.NoError(t, err)
	if cfg.InitialEquity == 0 {
		cfg.InitialEquity = 100_000
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 4
	}
	e, err := NewEngine(store, scanner, gen, cfg, zerolog.Nop(), sinks...)
	require.NoError(t, err)
	return e
}

func runOne(t *testing.T, bars ...markettest.OHLCV) SimulatedTrade {
	t.Helper()
	d := day(t, "2024-03-12")
	store := market.NewMemoryStore()
	seed(store, "AAA", d, 52_000, bars...)
	res, err := engine(t, store, Config{}).Run(context.Background(), []time.Time{d}, []string{"AAA"})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	return res.Trades[0]
}

func TestNoEntryYieldsOneZeroTrade(t *testing.T) {
	tr := runOne(t, markettest.Flat(5, markettest.OHLCV{O: 9.90, H: 9.98, L: 9.85, C: 9.92, V: 1000})...)
	assert.Equal(t, signal.ExitNoEntry, tr.ExitReason)
	assert.Zero(t, tr.GrossPnL)
	assert.Zero(t, tr.NetPnL)
	assert.Equal(t, tr.EntryPrice, tr.ExitPrice)
}

func TestStopBeforeTarget(t *testing.T) {
	tr := runOne(t, enter, markettest.OHLCV{O: 10.00, H: 10.01, L: 9.94, C: 9.96, V: 1000})
	assert.Equal(t, signal.ExitStop, tr.ExitReason)
	assert.InDelta(t, 10.00, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 9.95, tr.ExitPrice, 1e-9)
	assert.Equal(t, int64(8000), tr.Shares)
	assert.Equal(t, -400.0, tr.NetPnL)
}

func TestTarget(t *testing.T) {
	tr := runOne(t, enter, markettest.OHLCV{O: 10.05, H: 10.12, L: 10.04, C: 10.11, V: 1000})
	assert.Equal(t, signal.ExitTarget, tr.ExitReason)
	assert.InDelta(t, 10.10, tr.ExitPrice, 1e-9)
	assert.Equal(t, 800.0, tr.GrossPnL)
}

func TestEODAtLastClose(t *testing.T) {
	tr := runOne(t, enter, markettest.OHLCV{O: 10.01, H: 10.05, L: 9.97, C: 10.03, V: 1000})
	assert.Equal(t, signal.ExitEOD, tr.ExitReason)
	assert.InDelta(t, 10.03, tr.ExitPrice, 1e-9)
	assert.Equal(t, 240.0, tr.GrossPnL)
}

func TestEntryBarStopWins(t *testing.T) {
	tr := runOne(t, markettest.OHLCV{O: 9.97, H: 10.20, L: 9.90, C: 10.15, V: 1000})
	assert.Equal(t, signal.ExitStop, tr.ExitReason)
}

func TestCommissionInCents(t *testing.T) {
	d := day(t, "2024-03-12")
	store := market.NewMemoryStore()
	seed(store, "AAA", d, 52_000, enter, markettest.OHLCV{O: 10.05, H: 10.12, L: 10.04, C: 10.11, V: 1000})
	res, err := engine(t, store, Config{CommissionPerShare: 0.005}).Run(context.Background(), []time.Time{d}, []string{"AAA"})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 80.0, res.Trades[0].Commission)
	assert.Equal(t, 720.0, res.Trades[0].NetPnL)
	assert.Equal(t, 100_720.0, res.FinalEquity)
}

func TestCompoundResizesFromRunningEquity(t *testing.T) {
	d := day(t, "2024-03-12")
	target := markettest.OHLCV{O: 10.05, H: 10.12, L: 10.04, C: 10.11, V: 1000}
	store := market.NewMemoryStore()
	seed(store, "AAA", d, 52_000, enter, target)
	seed(store, "CCC", d, 30_000, enter, target)

	flat, err := engine(t, store, Config{}).Run(context.Background(), []time.Time{d}, []string{"AAA", "CCC"})
	require.NoError(t, err)
	require.Len(t, flat.Trades, 2)
	assert.Equal(t, int64(8000), flat.Trades[1].Shares)

	compound, err := engine(t, store, Config{Compound: true}).Run(context.Background(), []time.Time{d}, []string{"AAA", "CCC"})
	require.NoError(t, err)
	require.Len(t, compound.Trades, 2)
	assert.Equal(t, "AAA", compound.Trades[0].Symbol)
	assert.Equal(t, int64(8064), compound.Trades[1].Shares)
	assert.Greater(t, compound.FinalEquity, flat.FinalEquity)
}

func TestEquityCarriesAcrossDays(t *testing.T) {
	d1, d2 := day(t, "2024-03-12"), day(t, "2024-03-13")
	store := market.NewMemoryStore()
	seed(store, "AAA", d1, 52_000, enter, markettest.OHLCV{O: 10.05, H: 10.12, L: 10.04, C: 10.11, V: 1000})
	seed(store, "BBB", d2, 52_000, enter, markettest.OHLCV{O: 10.00, H: 10.01, L: 9.94, C: 9.96, V: 1000})

	path := filepath.Join(t.TempDir(), "trades.jsonl")
	w, err := journal.Open(path)
	require.NoError(t, err)
	res, err := engine(t, store, Config{Workers: 2}, JournalSink{W: w}).Run(context.Background(), []time.Time{d1, d2}, []string{"AAA", "BBB"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Len(t, res.Trades, 2)
	assert.Equal(t, int64(8064), res.Trades[1].Shares)
	assert.Equal(t, -403.2, res.Trades[1].NetPnL)
	assert.InDelta(t, 100_396.80, res.FinalEquity, 1e-6)
	require.Len(t, res.Equity, 2)
	assert.Equal(t, 100_800.0, res.Equity[0].Equity)
	assert.Contains(t, res.Failed, "2024-03-13|AAA")

	logged, err := journal.Read[SimulatedTrade](path)
	require.NoError(t, err)
	assert.Len(t, logged, 2)

	stats := res.Calculate()
	assert.Equal(t, 2, stats.EnteredTrades)
	assert.Equal(t, 1, stats.WinningTrades)
	assert.InDelta(t, 800/403.2, stats.ProfitFactor, 1e-9)
	assert.InDelta(t, 403.2, stats.MaxDrawdown, 1e-6)

	var buf bytes.Buffer
	stats.Print(&buf)
	res.PrintTrades(&buf)
	assert.Contains(t, buf.String(), "BBB")
}

func TestSignalsMatchGenerator(t *testing.T) {
	d := day(t, "2024-03-12")
	store := market.NewMemoryStore()
	seed(store, "AAA", d, 52_000, enter)
	e := engine(t, store, Config{})
	res, err := e.Run(context.Background(), []time.Time{d}, []string{"AAA"})
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	again := e.Signals(d, res.Candidates, 100_000)
	require.Len(t, again.Signals, 1)
	assert.Equal(t, res.Signals[0], again.Signals[0])
}
