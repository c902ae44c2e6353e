package paper

import (
	"sort"
	"sync"
	"time"

	"orb-go/internal/execution"
)

// Ledger is the in-memory book of paper entry fills, one per order.
type Ledger struct {
	mu      sync.RWMutex
	fills   []execution.Fill
	byOrder map[string]int
}

// NewLedger returns an empty book.
func NewLedger() *Ledger {
	return &Ledger{byOrder: make(map[string]int)}
}

// Record books f. A second fill for an order already booked is ignored.
func (l *Ledger) Record(f execution.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byOrder[f.OrderID]; ok {
		return
	}
	l.byOrder[f.OrderID] = len(l.fills)
	l.fills = append(l.fills, f)
}

// Between returns the fills stamped in [from, to), oldest first.
func (l *Ledger) Between(from, to time.Time) []execution.Fill {
	l.mu.RLock()
	out := make([]execution.Fill, 0, len(l.fills))
	for _, f := range l.fills {
		if !f.At.Before(from) && f.At.Before(to) {
			out = append(out, f)
		}
	}
	l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Of returns the latest fill booked for a signal.
func (l *Ledger) Of(signalID string) (execution.Fill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.fills) - 1; i >= 0; i-- {
		if l.fills[i].SignalID == signalID {
			return l.fills[i], true
		}
	}
	return execution.Fill{}, false
}
