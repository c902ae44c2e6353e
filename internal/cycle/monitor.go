package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"orb-go/internal/execution"
	"orb-go/internal/market"
	"orb-go/internal/signal"
	"orb-go/internal/store"
	"orb-go/internal/strategy"
)

// Monitor follows trade prints for the day's signals: it feeds simulated venues, closes FILLED
// signals at their stop or target and flattens everything at the session close.
type Monitor struct {
	store   store.Store
	machine *execution.Machine
	session market.Session
	log     zerolog.Logger
	now     func() time.Time

	flattened map[string]bool
}

// NewMonitor builds a monitor over the store the machine writes to.
func NewMonitor(st store.Store, machine *execution.Machine, session market.Session, log zerolog.Logger) *Monitor {
	return &Monitor{store: st, machine: machine, session: session, log: log, now: time.Now, flattened: make(map[string]bool)}
}

// SetClock replaces the wall clock used for the close check.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Run consumes ticks until ctx is done or the channel closes. The session close is checked on
// every tick and on a timer, so a quiet feed still flattens.
func (m *Monitor) Run(ctx context.Context, ticks <-chan market.Tick) error {
	timer := time.NewTicker(15 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tk, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := m.OnTick(ctx, tk); err != nil {
				m.log.Warn().Err(err).Str("sym", tk.Symbol).Msg("tick not applied")
			}
		case <-timer.C:
			if err := m.checkClose(ctx, m.now()); err != nil {
				m.log.Warn().Err(err).Msg("end of day flatten incomplete")
			}
		}
	}
}

// OnTick applies one print. Errors for individual signals are joined; the remaining signals are
// still processed.
func (m *Monitor) OnTick(ctx context.Context, tk market.Tick) error {
	m.machine.Lock()
	defer m.machine.Unlock()
	tk.Ts = tk.Ts.In(m.session.Location)
	if !tk.Ts.Before(m.session.CloseAt(tk.Ts)) {
		return m.closeIfDue(ctx, tk.Ts)
	}
	sym := strings.ToUpper(tk.Symbol)
	var errs []error
	if sim, ok := m.machine.Adapter().(execution.FillSimulator); ok {
		for _, f := range sim.OnPrice(sym, tk.Price, tk.Ts) {
			if _, err := m.machine.Fill(ctx, f.SignalID, f.Price, f.At); err != nil {
				errs = append(errs, fmt.Errorf("fill %s: %w", f.SignalID, err))
			}
		}
	}

	signals, err := m.store.Signals(ctx, m.session.DateOf(tk.Ts))
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, s := range signals {
		if s.Symbol != sym || s.Status != signal.Filled {
			continue
		}
		reason, hit := strategy.ExitOnTick(strategy.LevelsOf(s), tk)
		if !hit {
			continue
		}
		if err := m.exit(ctx, s, reason, tk.Price, tk.Ts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) exit(ctx context.Context, s signal.Signal, reason signal.ExitReason, price float64, at time.Time) error {
	closed, err := m.machine.Exit(ctx, s.ID, reason, price, at)
	if err != nil {
		return err
	}
	m.log.Info().Str("sym", s.Symbol).Str("reason", string(reason)).Float64("exit", closed.ExitPrice).Float64("pnl", closed.RealizedPnL).Msg("position closed")
	return nil
}

func (m *Monitor) checkClose(ctx context.Context, now time.Time) error {
	m.machine.Lock()
	defer m.machine.Unlock()
	return m.closeIfDue(ctx, now)
}

func (m *Monitor) closeIfDue(ctx context.Context, now time.Time) error {
	now = now.In(m.session.Location)
	date := m.session.DateOf(now)
	if now.Before(m.session.CloseAt(date)) || m.flattened[date.Format(market.DateLayout)] {
		return nil
	}
	err := m.flatten(ctx, date, now)
	if err == nil {
		m.flattened[date.Format(market.DateLayout)] = true
	}
	return err
}

// Flatten ends the day: FILLED signals are closed at EOD and working or unsent ones cancelled.
func (m *Monitor) Flatten(ctx context.Context, date time.Time, at time.Time) error {
	m.machine.Lock()
	defer m.machine.Unlock()
	return m.flatten(ctx, date, at)
}

func (m *Monitor) flatten(ctx context.Context, date time.Time, at time.Time) error {
	signals, err := m.store.Signals(ctx, m.session.DateOf(date))
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range signals {
		switch s.Status {
		case signal.Filled:
			if err := m.exit(ctx, s, signal.ExitEOD, s.FillPrice, at); err != nil {
				errs = append(errs, err)
			}
		case signal.Pending, signal.Submitted:
			if _, err := m.machine.Cancel(ctx, s.ID, "session closed"); err != nil {
				errs = append(errs, fmt.Errorf("cancel %s: %w", s.Symbol, err))
			}
		}
	}
	return errors.Join(errs...)
}
