// Package store persists candidates, signals and their audit trail with the uniqueness rules the
// daily cycle relies on for idempotence.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"orb-go/internal/market"
	"orb-go/internal/ranker"
	"orb-go/internal/signal"
)

var (
	// ErrNotFound is returned for an unknown signal id.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a signal's (trade_date, symbol, side) or id is already stored.
	ErrDuplicate = errors.New("duplicate")
)

// Store is what the cycle, the backtest and the HTTP surface read and write.
type Store interface {
	SaveCandidates(ctx context.Context, date time.Time, cands []ranker.Candidate) error
	Candidates(ctx context.Context, date time.Time) ([]ranker.Candidate, error)
	InsertSignal(ctx context.Context, s signal.Signal) error
	Signal(ctx context.Context, id string) (signal.Signal, error)
	Signals(ctx context.Context, date time.Time) ([]signal.Signal, error)
	UpdateSignal(ctx context.Context, id string, fn func(*signal.Signal) error) (signal.Signal, error)
	AppendEvent(ctx context.Context, ev signal.Event) error
	Events(ctx context.Context, id string) ([]signal.Event, error)
}

// Memory keeps everything in process.
type Memory struct {
	mu         sync.RWMutex
	signals    map[string]signal.Signal
	keys       map[string]string // signal key -> id
	events     []signal.Event
	candidates map[string][]ranker.Candidate // trade date -> one candidate per symbol
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		signals:    make(map[string]signal.Signal),
		keys:       make(map[string]string),
		candidates: make(map[string][]ranker.Candidate),
	}
}

func dateKey(t time.Time) string { return t.Format(market.DateLayout) }

// SaveCandidates replaces the candidates of date. A symbol may appear only once per date.
func (m *Memory) SaveCandidates(ctx context.Context, date time.Time, cands []ranker.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(cands))
	for _, c := range cands {
		sym := strings.ToUpper(c.Symbol)
		if seen[sym] {
			return fmt.Errorf("candidate %s %s: %w", dateKey(date), sym, ErrDuplicate)
		}
		seen[sym] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[dateKey(date)] = append([]ranker.Candidate(nil), cands...)
	return nil
}

// Candidates returns the stored candidates of date.
func (m *Memory) Candidates(ctx context.Context, date time.Time) ([]ranker.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ranker.Candidate(nil), m.candidates[dateKey(date)]...), nil
}

// InsertSignal stores a new signal, refusing a second one for the same key.
func (m *Memory) InsertSignal(ctx context.Context, s signal.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(s)
}

func (m *Memory) insert(s signal.Signal) error {
	if s.ID == "" {
		return fmt.Errorf("signal %s has no id", s.Key())
	}
	if _, ok := m.keys[s.Key()]; ok {
		return fmt.Errorf("signal %s: %w", s.Key(), ErrDuplicate)
	}
	if _, ok := m.signals[s.ID]; ok {
		return fmt.Errorf("signal id %s: %w", s.ID, ErrDuplicate)
	}
	m.signals[s.ID] = s
	m.keys[s.Key()] = s.ID
	return nil
}

// Signal returns one signal by id.
func (m *Memory) Signal(ctx context.Context, id string) (signal.Signal, error) {
	if err := ctx.Err(); err != nil {
		return signal.Signal{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[id]
	if !ok {
		return signal.Signal{}, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// Signals lists the signals of date by rank, side and symbol. A zero date lists every signal.
func (m *Memory) Signals(ctx context.Context, date time.Time) ([]signal.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []signal.Signal
	for _, s := range m.signals {
		if date.IsZero() || dateKey(s.TradeDate) == dateKey(date) {
			out = append(out, s)
		}
	}
	sortSignals(out)
	return out, nil
}

// UpdateSignal applies fn to a copy and keeps it only if fn succeeds. Fields that make up the
// uniqueness key and the levels are restored afterwards.
func (m *Memory) UpdateSignal(ctx context.Context, id string, fn func(*signal.Signal) error) (signal.Signal, error) {
	if err := ctx.Err(); err != nil {
		return signal.Signal{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(id, fn)
}

func (m *Memory) update(id string, fn func(*signal.Signal) error) (signal.Signal, error) {
	cur, ok := m.signals[id]
	if !ok {
		return signal.Signal{}, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	next := cur
	if err := fn(&next); err != nil {
		return cur, err
	}
	next.ID, next.TradeDate, next.Symbol, next.Side = cur.ID, cur.TradeDate, cur.Symbol, cur.Side
	next.EntryPrice, next.StopPrice, next.TargetPrice, next.Shares = cur.EntryPrice, cur.StopPrice, cur.TargetPrice, cur.Shares
	m.signals[id] = next
	return next, nil
}

// AppendEvent records one transition.
func (m *Memory) AppendEvent(ctx context.Context, ev signal.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns the audit trail of id in order, or every event when id is empty.
func (m *Memory) Events(ctx context.Context, id string) ([]signal.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []signal.Event
	for _, ev := range m.events {
		if id == "" || ev.SignalID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func sortSignals(s []signal.Signal) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if !a.TradeDate.Equal(b.TradeDate) {
			return a.TradeDate.Before(b.TradeDate)
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		return a.Symbol < b.Symbol
	})
}
