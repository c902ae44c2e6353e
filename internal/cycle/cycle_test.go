package cycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orb-go/internal/execution"
	"orb-go/internal/features"
	"orb-go/internal/market"
	"orb-go/internal/market/markettest"
	"orb-go/internal/paper"
	"orb-go/internal/ranker"
	"orb-go/internal/risk"
	"orb-go/internal/signal"
	"orb-go/internal/store"
	"orb-go/internal/strategy"
)

var session = market.DefaultSession()

type harness struct {
	cycle  *Cycle
	broker *paper.Broker
	store  *store.Memory
	kill   *execution.KillSwitch
	date   time.Time
}

func newHarness(t *testing.T, universe ...string) *harness {
	t.Helper()
	date, err := session.ParseDate("2024-03-12")
	require.NoError(t, err)
	bars := market.NewMemoryStore()
	for sym, vol := range map[string]float64{"AAA": 52_000, "CCC": 30_000} {
		markettest.Seed(bars, session, sym, date, markettest.Spec{
			PriorDays:     20,
			Price:         9.90,
			DailyRange:    0.50,
			DailyVolume:   1_000_000,
			OpeningVolume: 10_000,
			Today:         []markettest.OHLCV{{O: 9.85, H: 10.00, L: 9.80, C: 9.95, V: vol}},
		})
	}
	fp := features.Params{Session: session, Interval: market.FiveMinute, ATRPeriod: 14, RVOLLookback: 10, VolumeLookback: 10, Momentum: features.MomentumDisabled}
	rp := ranker.Params{TopN: 5, Side: ranker.SideBoth, StopFraction: 0.10, PriceTick: 0.01, Filters: ranker.Filters{MinPrice: 5, MinAvgVolume: 100_000, MinATR: 0.1}}
	scanner, err := ranker.NewScanner(bars, fp, rp, zerolog.Nop())
	require.NoError(t, err)
	gen, err := strategy.NewGenerator(strategy.Config{TopN: 5, TargetR: 2, DailyBudgetPct: 0.10, PriceTick: 0.01}, zerolog.Nop())
	require.NoError(t, err)

	st := store.NewMemory()
	broker := paper.NewBroker(paper.NewAccount(100_000, 4), nil, zerolog.Nop())
	kill := execution.NewKillSwitch(filepath.Join(t.TempDir(), "KILL"))
	machine := execution.NewMachine(st, broker, kill, zerolog.Nop())
	if len(universe) == 0 {
		universe = []string{"AAA", "CCC"}
	}
	c := New(scanner, gen, st, machine, Config{Universe: universe, SymbolTimeout: time.Second}, zerolog.Nop())
	return &harness{cycle: c, broker: broker, store: st, kill: kill, date: date}
}

func (h *harness) signals(t *testing.T) []signal.Signal {
	t.Helper()
	out, err := h.store.Signals(context.Background(), h.date)
	require.NoError(t, err)
	return out
}

func TestRunAllPhases(t *testing.T) {
	h := newHarness(t)
	reports, err := h.cycle.Run(context.Background(), h.date, nil)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for _, r := range reports {
		assert.True(t, r.OK(), "phase %s failed: %v", r.Phase, r.Failed)
		assert.Equal(t, 2, r.Processed, "phase %s", r.Phase)
	}

	got := h.signals(t)
	require.Len(t, got, 2)
	assert.Equal(t, "AAA", got[0].Symbol)
	for _, s := range got {
		assert.Equal(t, signal.Submitted, s.Status)
		assert.NotEmpty(t, s.OrderID)
		assert.Equal(t, int64(8000), s.Shares)
		assert.Equal(t, 1, s.Attempts)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.cycle.Run(ctx, h.date, nil)
	require.NoError(t, err)
	first := h.signals(t)

	reports, err := h.cycle.Run(ctx, h.date, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, reports[1].Processed)
	assert.Len(t, reports[1].Skipped, 2)
	for _, e := range reports[1].Skipped {
		assert.ErrorIs(t, e, strategy.ErrDuplicate)
	}
	assert.Equal(t, 0, reports[2].Processed)
	assert.Equal(t, first, h.signals(t))

	events, err := h.store.Events(ctx, "")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSkipPhases(t *testing.T) {
	h := newHarness(t)
	reports, err := h.cycle.Run(context.Background(), h.date, map[Phase]bool{PhaseExecute: true})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, s := range h.signals(t) {
		assert.Equal(t, signal.Pending, s.Status)
	}

	p, err := ParsePhase("generate")
	require.NoError(t, err)
	assert.Equal(t, PhaseGenerate, p)
	_, err = ParsePhase("trade")
	assert.Error(t, err)
}

func TestScanIsolatesSymbolFailures(t *testing.T) {
	h := newHarness(t, "AAA", "GHOST", "CCC")
	rep, err := h.cycle.Scan(context.Background(), h.date)
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.ErrorIs(t, rep.Failed["GHOST"], market.ErrDataUnavailable)
	assert.Equal(t, 2, rep.Processed)

	cands, err := h.store.Candidates(context.Background(), h.date)
	require.NoError(t, err)
	assert.Len(t, cands, 2)
}

func TestGenerateFallsBackWhenAccountUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.cycle.Scan(ctx, h.date)
	require.NoError(t, err)
	h.broker.SetOffline(true)

	_, err = h.cycle.Generate(ctx, h.date)
	assert.ErrorIs(t, err, execution.ErrExecutionUnavailable)

	h.cycle.cfg.Fallback = risk.Account{Equity: 50_000}
	rep, err := h.cycle.Generate(ctx, h.date)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
	// buying power defaults to equity: 50000/5 per slot
	assert.Equal(t, int64(1000), h.signals(t)[0].Shares)
}

func TestExecuteUnavailableAbortsPhaseOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.cycle.Run(ctx, h.date, map[Phase]bool{PhaseExecute: true})
	require.NoError(t, err)

	h.broker.SetOffline(true)
	_, err = h.cycle.Execute(ctx, h.date)
	assert.ErrorIs(t, err, execution.ErrExecutionUnavailable)
	for _, s := range h.signals(t) {
		assert.Equal(t, signal.Pending, s.Status)
	}

	h.broker.SetOffline(false)
	rep, err := h.cycle.Execute(ctx, h.date)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
}

func TestExecuteCancelsSignalsOverBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.cycle.Run(ctx, h.date, map[Phase]bool{PhaseExecute: true})
	require.NoError(t, err)
	// each now claims 90% of a 10% budget, so only the first fits
	for _, s := range h.signals(t) {
		_, err := h.store.UpdateSignal(ctx, s.ID, func(s *signal.Signal) error { s.RiskAmount = 9000; return nil })
		require.NoError(t, err)
	}

	rep, err := h.cycle.Execute(ctx, h.date)
	require.NoError(t, err)
	assert.True(t, rep.OK(), "%v", rep.Failed)
	assert.Equal(t, 1, rep.Processed)
	require.Len(t, rep.Skipped, 1)

	var over signal.Signal
	for _, s := range h.signals(t) {
		if s.Status == signal.Cancelled {
			over = s
		}
	}
	require.NotEmpty(t, over.ID, "the signal that did not fit is cancelled")
	assert.ErrorIs(t, rep.Skipped[over.Key()], risk.ErrRiskLimitExceeded)
	events, err := h.store.Events(ctx, over.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonBudgetExhausted, events[0].Reason)

	rep, err = h.cycle.Execute(ctx, h.date)
	require.NoError(t, err)
	assert.Zero(t, rep.Processed)
	assert.Empty(t, rep.Skipped)
	_, found, err := h.broker.FindOrder(ctx, over.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOverlappingRunsPlaceOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.cycle.Run(ctx, h.date, nil)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got := h.signals(t)
	require.Len(t, got, 2)
	for _, s := range got {
		assert.Equal(t, signal.Submitted, s.Status)
		assert.Equal(t, 1, s.Attempts, s.Symbol)
	}
	events, err := h.store.Events(ctx, "")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestExecuteStopsOnKillSwitch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.kill.Set(true))
	_, err := h.cycle.Run(ctx, h.date, nil)
	assert.True(t, errors.Is(err, execution.ErrKillSwitch))
	for _, s := range h.signals(t) {
		assert.Equal(t, signal.Pending, s.Status)
	}
}

func TestMonitorFillsExitsAndFlattens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.cycle.Run(ctx, h.date, nil)
	require.NoError(t, err)

	m := NewMonitor(h.store, h.cycle.Machine(), session, zerolog.Nop())
	at := session.RangeCloseAt(h.date).Add(5 * time.Minute)
	require.NoError(t, m.OnTick(ctx, market.Tick{Symbol: "AAA", Price: 10.00, Size: 100, Ts: at}))
	require.NoError(t, m.OnTick(ctx, market.Tick{Symbol: "AAA", Price: 10.05, Size: 100, Ts: at.Add(time.Minute)}))

	byID := func(sym string) signal.Signal {
		for _, s := range h.signals(t) {
			if s.Symbol == sym {
				return s
			}
		}
		t.Fatalf("no signal for %s", sym)
		return signal.Signal{}
	}
	assert.Equal(t, signal.Filled, byID("AAA").Status)
	assert.Equal(t, 10.00, byID("AAA").FillPrice)

	require.NoError(t, m.OnTick(ctx, market.Tick{Symbol: "aaa", Price: 10.10, Size: 100, Ts: at.Add(2 * time.Minute)}))
	aaa := byID("AAA")
	assert.Equal(t, signal.Closed, aaa.Status)
	assert.Equal(t, signal.ExitTarget, aaa.ExitReason)
	assert.InDelta(t, 800, aaa.RealizedPnL, 1e-6)
	assert.Zero(t, h.broker.Account().Position("AAA"))

	closeAt := session.CloseAt(h.date)
	require.NoError(t, m.OnTick(ctx, market.Tick{Symbol: "CCC", Price: 9.97, Size: 100, Ts: closeAt}))
	ccc := byID("CCC")
	assert.Equal(t, signal.Cancelled, ccc.Status)
	_, found, err := h.broker.FindOrder(ctx, ccc.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFlattenClosesOpenPositionsAtEOD(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.cycle.Run(ctx, h.date, nil)
	require.NoError(t, err)

	m := NewMonitor(h.store, h.cycle.Machine(), session, zerolog.Nop())
	at := session.RangeCloseAt(h.date).Add(5 * time.Minute)
	require.NoError(t, m.OnTick(ctx, market.Tick{Symbol: "AAA", Price: 10.00, Size: 100, Ts: at}))
	require.NoError(t, m.OnTick(ctx, market.Tick{Symbol: "AAA", Price: 10.03, Size: 100, Ts: at.Add(time.Hour)}))
	require.NoError(t, m.Flatten(ctx, h.date, session.CloseAt(h.date)))

	for _, s := range h.signals(t) {
		switch s.Symbol {
		case "AAA":
			assert.Equal(t, signal.Closed, s.Status)
			assert.Equal(t, signal.ExitEOD, s.ExitReason)
			assert.InDelta(t, 10.03, s.ExitPrice, 1e-9)
			assert.InDelta(t, 240, s.RealizedPnL, 1e-6)
		case "CCC":
			assert.Equal(t, signal.Cancelled, s.Status)
		}
	}
}

func TestSchedulerRunsOncePerDay(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(h.cycle, 30*time.Second, zerolog.Nop())
	var ran []time.Time
	s.OnRun = func(date time.Time, _ []Report, err error) {
		require.NoError(t, err)
		ran = append(ran, date)
	}
	ctx := context.Background()

	now := session.RangeCloseAt(h.date)
	s.SetClock(func() time.Time { return now })
	assert.False(t, s.Tick(ctx))

	now = now.Add(time.Minute)
	assert.True(t, s.Tick(ctx))
	assert.False(t, s.Tick(ctx))
	require.Len(t, ran, 1)
	assert.True(t, ran[0].Equal(h.date))

	// Saturday
	now = session.RangeCloseAt(h.date.AddDate(0, 0, 4)).Add(time.Minute)
	assert.False(t, s.Tick(ctx))

	// slot already past the close on the next session
	now = session.CloseAt(h.date.AddDate(0, 0, 6)).Add(time.Minute)
	assert.False(t, s.Tick(ctx))
	assert.Len(t, ran, 1)
}
