package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orb-go/internal/metrics"
	"orb-go/internal/risk"
	"orb-go/internal/signal"
)

// Store is the persistence the machine needs. UpdateSignal must apply fn atomically and persist
// the result before returning.
type Store interface {
	Signal(ctx context.Context, id string) (signal.Signal, error)
	UpdateSignal(ctx context.Context, id string, fn func(*signal.Signal) error) (signal.Signal, error)
	AppendEvent(ctx context.Context, ev signal.Event) error
}

// DryRunPrefix marks order ids invented for dry-run submissions.
const DryRunPrefix = "dryrun:"

// Machine is the only writer of signal status. Every accepted transition is persisted and then
// audited with its reason.
//
// Goroutines that share a machine and act on the same day's signals hold Lock around each
// sequence of reads and transitions. Submit also refuses to run twice at once for one signal.
type Machine struct {
	store   Store
	adapter Adapter
	kill    *KillSwitch
	log     zerolog.Logger
	now     func() time.Time

	serial   sync.Mutex
	mu       sync.Mutex
	inflight map[string]bool
}

// NewMachine wires a machine; kill may be nil.
func NewMachine(store Store, adapter Adapter, kill *KillSwitch, log zerolog.Logger) *Machine {
	return &Machine{store: store, adapter: adapter, kill: kill, log: log, now: time.Now, inflight: make(map[string]bool)}
}

// Lock serializes the caller against every other holder.
func (m *Machine) Lock() { m.serial.Lock() }

// Unlock releases Lock.
func (m *Machine) Unlock() { m.serial.Unlock() }

// SetClock replaces the audit clock.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Adapter returns the injected broker adapter.
func (m *Machine) Adapter() Adapter { return m.adapter }

// Submit moves a PENDING signal to SUBMITTED, placing at most one order for it. A signal that
// already carries an order id, or for which the broker already holds an order, is recovered
// without placing another. budget may be nil; otherwise the signal's risk is reserved in it
// first and released again if the broker refuses the order.
func (m *Machine) Submit(ctx context.Context, id string, budget *risk.Budget) (signal.Signal, error) {
	if !m.claim(id) {
		return signal.Signal{ID: id}, fmt.Errorf("submit %s: %w", id, ErrSubmitInFlight)
	}
	defer m.unclaim(id)

	s, err := m.store.Signal(ctx, id)
	if err != nil {
		return s, err
	}
	switch s.Status {
	case signal.Submitted, signal.Filled, signal.Closed:
		return s, nil
	case signal.Pending:
	default:
		return s, fmt.Errorf("submit %s from %s: %w", id, s.Status, ErrIllegalTransition)
	}
	if m.kill.Engaged() {
		return s, ErrKillSwitch
	}

	if s.OrderID != "" {
		m.commit(budget, s)
		return m.transition(ctx, id, signal.Submitted, "recovered recorded order "+s.OrderID, nil)
	}
	orderID, found, err := m.adapter.FindOrder(ctx, id)
	if err != nil {
		return s, fmt.Errorf("find order %s: %w", id, err)
	}
	if found {
		if s, err = m.recordOrder(ctx, id, orderID); err != nil {
			return s, err
		}
		m.commit(budget, s)
		return m.transition(ctx, id, signal.Submitted, "recovered broker order "+orderID, nil)
	}

	if budget != nil {
		if err := budget.Reserve(id, s.RiskAmount); err != nil {
			return s, err
		}
	}
	s, err = m.store.UpdateSignal(ctx, id, func(s *signal.Signal) error {
		if s.Status != signal.Pending || s.OrderID != "" {
			return fmt.Errorf("submit %s: status %s order %q: %w", id, s.Status, s.OrderID, ErrIllegalTransition)
		}
		s.Attempts++
		return nil
	})
	if err != nil {
		releaseIn(budget, id)
		return s, err
	}

	metrics.OrdersTotal.WithLabelValues(s.Symbol, string(s.Side)).Inc()
	res, err := m.adapter.PlaceEntryOrder(ctx, RequestFor(s))
	switch {
	case err != nil && errors.Is(err, ErrOrderRejected):
		releaseIn(budget, id)
		return m.rejectPlacement(ctx, id, err.Error())
	case err != nil:
		// still PENDING, so the reservation stands
		return s, fmt.Errorf("place %s %s: %w", s.Symbol, id, err)
	case res.Status == OrderRejected:
		releaseIn(budget, id)
		return m.rejectPlacement(ctx, id, res.Reason)
	}

	orderID, reason := res.OrderID, "order placed"
	if res.Status == OrderDryRun {
		reason = "dry run"
		if orderID == "" {
			orderID = DryRunPrefix + id
		}
	}
	if orderID == "" {
		releaseIn(budget, id)
		return m.rejectPlacement(ctx, id, "adapter returned no order id")
	}
	if _, err := m.recordOrder(ctx, id, orderID); err != nil {
		return s, err
	}
	return m.transition(ctx, id, signal.Submitted, reason, nil)
}

func (m *Machine) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[id] {
		return false
	}
	m.inflight[id] = true
	return true
}

func (m *Machine) unclaim(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

// commit counts a recovered order against budget. The order exists at the broker, so it is
// recorded even when it overshoots.
func (m *Machine) commit(b *risk.Budget, s signal.Signal) {
	if b != nil && !b.Commit(s.ID, s.RiskAmount) {
		m.log.Warn().Str("id", s.ID).Str("sym", s.Symbol).Float64("risk", s.RiskAmount).Msg("recovered order exceeds budget")
	}
}

func (m *Machine) rejectPlacement(ctx context.Context, id, reason string) (signal.Signal, error) {
	s, err := m.Reject(ctx, id, reason)
	if err != nil {
		return s, err
	}
	return s, fmt.Errorf("%s: %s: %w", s.Symbol, reason, ErrOrderRejected)
}

func (m *Machine) recordOrder(ctx context.Context, id, orderID string) (signal.Signal, error) {
	return m.store.UpdateSignal(ctx, id, func(s *signal.Signal) error {
		if s.OrderID != "" && s.OrderID != orderID {
			return fmt.Errorf("%s already has order %s: %w", id, s.OrderID, ErrIllegalTransition)
		}
		s.OrderID = orderID
		return nil
	})
}

// Fill records the entry execution.
func (m *Machine) Fill(ctx context.Context, id string, price float64, at time.Time) (signal.Signal, error) {
	return m.transition(ctx, id, signal.Filled, fmt.Sprintf("filled at %.4f", price), func(s *signal.Signal) {
		s.FillPrice = price
		s.FilledAt = &at
	})
}

// Reject records a broker refusal from PENDING or SUBMITTED.
func (m *Machine) Reject(ctx context.Context, id, reason string) (signal.Signal, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "rejected"
	}
	return m.transition(ctx, id, signal.Rejected, reason, func(s *signal.Signal) {
		s.RejectionReason = reason
	})
}

// Cancel withdraws a PENDING or SUBMITTED signal, cancelling its working order first.
func (m *Machine) Cancel(ctx context.Context, id, reason string) (signal.Signal, error) {
	s, err := m.store.Signal(ctx, id)
	if err != nil {
		return s, err
	}
	if !signal.CanTransition(s.Status, signal.Cancelled) {
		return s, fmt.Errorf("cancel %s from %s: %w", id, s.Status, ErrIllegalTransition)
	}
	if s.Status == signal.Submitted && s.OrderID != "" && !strings.HasPrefix(s.OrderID, DryRunPrefix) {
		if err := m.adapter.CancelOrder(ctx, s.OrderID); err != nil {
			return s, fmt.Errorf("cancel order %s: %w", s.OrderID, err)
		}
	}
	return m.transition(ctx, id, signal.Cancelled, reason, nil)
}

// Close records the exit of a FILLED signal and its realized pnl.
func (m *Machine) Close(ctx context.Context, id string, price float64, reason signal.ExitReason, at time.Time) (signal.Signal, error) {
	return m.transition(ctx, id, signal.Closed, fmt.Sprintf("%s exit at %.4f", reason, price), func(s *signal.Signal) {
		entry := s.FillPrice
		if entry == 0 {
			entry = s.EntryPrice
		}
		s.ExitPrice = price
		s.ExitReason = reason
		s.ClosedAt = &at
		s.RealizedPnL = s.Side.Sign() * (price - entry) * float64(s.Shares)
	})
}

// Exit flattens the position of a FILLED signal at the venue and closes it. price stands in when
// the venue reports no execution price.
func (m *Machine) Exit(ctx context.Context, id string, reason signal.ExitReason, price float64, at time.Time) (signal.Signal, error) {
	s, err := m.store.Signal(ctx, id)
	if err != nil {
		return s, err
	}
	if s.Status != signal.Filled {
		return s, fmt.Errorf("exit %s from %s: %w", id, s.Status, ErrIllegalTransition)
	}
	conf, err := m.adapter.ClosePosition(ctx, s.Symbol)
	if err != nil {
		metrics.SymbolErrorsTotal.WithLabelValues("exit", "close").Inc()
		return s, fmt.Errorf("close %s: %w", s.Symbol, err)
	}
	if conf.Price > 0 {
		price = conf.Price
	}
	if price <= 0 {
		price = s.FillPrice
	}
	return m.Close(ctx, id, price, reason, at)
}

// Retry returns a REJECTED signal to PENDING while it has attempts left.
func (m *Machine) Retry(ctx context.Context, id string, maxAttempts int) (signal.Signal, error) {
	s, err := m.store.Signal(ctx, id)
	if err != nil {
		return s, err
	}
	if s.Status != signal.Rejected {
		return s, fmt.Errorf("retry %s from %s: %w", id, s.Status, ErrIllegalTransition)
	}
	if maxAttempts > 0 && s.Attempts >= maxAttempts {
		return s, fmt.Errorf("%s after %d attempts: %w", id, s.Attempts, ErrRetryLimit)
	}
	return m.transition(ctx, id, signal.Pending, fmt.Sprintf("manual retry %d/%d", s.Attempts+1, maxAttempts), func(s *signal.Signal) {
		s.OrderID = ""
		s.RejectionReason = ""
	})
}

func (m *Machine) transition(ctx context.Context, id string, to signal.Status, reason string, mutate func(*signal.Signal)) (signal.Signal, error) {
	var from signal.Status
	s, err := m.store.UpdateSignal(ctx, id, func(s *signal.Signal) error {
		if !signal.CanTransition(s.Status, to) {
			return fmt.Errorf("%s %s->%s: %w", id, s.Status, to, ErrIllegalTransition)
		}
		from = s.Status
		if mutate != nil {
			mutate(s)
		}
		s.Status = to
		return nil
	})
	if err != nil {
		return s, err
	}
	ev := signal.Event{SignalID: id, From: from, To: to, Reason: reason, At: m.now()}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		return s, fmt.Errorf("audit %s: %w", ev, err)
	}
	metrics.TransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	m.log.Info().Str("id", id).Str("sym", s.Symbol).Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("transition")
	return s, nil
}

func releaseIn(b *risk.Budget, id string) {
	if b != nil {
		b.Release(id)
	}
}
