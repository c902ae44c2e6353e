package market

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BarStore serves ascending bars for one symbol over [start, end). Gaps are returned as gaps.
type BarStore interface {
	Bars(ctx context.Context, symbol string, start, end time.Time, interval Interval) ([]Bar, error)
}

// MemoryStore is an in-process BarStore keyed by symbol and interval.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[Interval][]Bar
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[Interval][]Bar)}
}

// Add appends bars for symbol/interval and keeps the series sorted.
func (m *MemoryStore) Add(symbol string, interval Interval, bars ...Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byInterval := m.data[symbol]
	if byInterval == nil {
		byInterval = make(map[Interval][]Bar)
		m.data[symbol] = byInterval
	}
	for _, b := range bars {
		b.Symbol = symbol
		byInterval[interval] = append(byInterval[interval], b)
	}
	SortBars(byInterval[interval])
}

// Symbols lists every symbol with at least one series.
func (m *MemoryStore) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for sym := range m.data {
		out = append(out, sym)
	}
	return out
}

// Bars implements BarStore. Unknown symbols or intervals report ErrDataUnavailable.
func (m *MemoryStore) Bars(ctx context.Context, symbol string, start, end time.Time, interval Interval) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	series, ok := m.data[symbol][interval]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", symbol, interval, ErrDataUnavailable)
	}
	window := Between(series, start, end)
	out := make([]Bar, len(window))
	copy(out, window)
	return out, nil
}
