// Package risk sizes entries and tracks the daily dollar-risk budget.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrRiskLimitExceeded means a trade cannot be sized within the configured limits.
var ErrRiskLimitExceeded = errors.New("risk limit exceeded")

// Account is the broker's view of capital at sizing time.
type Account struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
}

// Limits are the per-trade sizing knobs.
type Limits struct {
	RiskPct         float64 // fraction of equity risked per trade
	TopN            int     // buying power is split evenly across this many slots
	MinStopDistance float64 // entry-to-stop distances below this are refused
}

// Order is what Size needs to know about one entry.
type Order struct {
	Entry     float64
	Stop      float64
	MaxShares int64 // liquidity cap; 0 means none
}

// Sizing is the result of sizing one entry.
type Sizing struct {
	Shares     int64
	RiskAmount float64 // shares times the stop distance
}

// Size returns floor(min(riskPct*equity/|entry-stop|, (buyingPower/topN)/entry, maxShares)).
func Size(equity, buyingPower float64, o Order, l Limits) (Sizing, error) {
	dist := math.Abs(o.Entry - o.Stop)
	if math.IsNaN(dist) || dist == 0 || dist < l.MinStopDistance {
		return Sizing{}, fmt.Errorf("stop distance %.4f: %w", dist, ErrRiskLimitExceeded)
	}
	if o.Entry <= 0 || equity <= 0 || l.TopN <= 0 {
		return Sizing{}, fmt.Errorf("entry %.4f equity %.2f slots %d: %w", o.Entry, equity, l.TopN, ErrRiskLimitExceeded)
	}
	byRisk := l.RiskPct * equity / dist
	byLeverage := (buyingPower / float64(l.TopN)) / o.Entry
	shares := math.Floor(math.Min(byRisk, byLeverage))
	if o.MaxShares > 0 {
		shares = math.Min(shares, float64(o.MaxShares))
	}
	if math.IsNaN(shares) || shares < 1 {
		return Sizing{}, fmt.Errorf("sized to %.0f shares: %w", shares, ErrRiskLimitExceeded)
	}
	n := int64(shares)
	return Sizing{Shares: n, RiskAmount: float64(n) * dist}, nil
}

// Budget is the dollar risk one trade date may commit. Reservations are keyed by signal id so
// reserving or releasing twice is harmless.
type Budget struct {
	mu       sync.Mutex
	limit    float64
	reserved map[string]float64
	used     float64
}

// NewBudget returns a budget of pct*equity.
func NewBudget(pct, equity float64) *Budget {
	return &Budget{limit: pct * equity, reserved: make(map[string]float64)}
}

// Limit is the total dollar risk allowed.
func (b *Budget) Limit() float64 { return b.limit }

// Remaining is the dollar risk still available.
func (b *Budget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit - b.used
}

// Reserve commits amount under id, or fails with ErrRiskLimitExceeded when it does not fit.
func (b *Budget) Reserve(id string, amount float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.reserved[id]; ok {
		return nil
	}
	// tolerate float noise when slots exactly exhaust the budget
	if b.used+amount > b.limit+1e-6 {
		return fmt.Errorf("reserve %.2f with %.2f left: %w", amount, b.limit-b.used, ErrRiskLimitExceeded)
	}
	b.reserved[id] = amount
	b.used += amount
	return nil
}

// Commit records amount under id even when it overshoots the limit, for risk that is already
// committed elsewhere such as a working order. It reports whether the amount fit.
func (b *Budget) Commit(id string, amount float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.reserved[id]; ok {
		return true
	}
	fits := b.used+amount <= b.limit+1e-6
	b.reserved[id] = amount
	b.used += amount
	return fits
}

// Release returns the reservation held by id.
func (b *Budget) Release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if amount, ok := b.reserved[id]; ok {
		b.used -= amount
		delete(b.reserved, id)
	}
}

// Holds reports whether id currently has a reservation.
func (b *Budget) Holds(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.reserved[id]
	return ok
}
