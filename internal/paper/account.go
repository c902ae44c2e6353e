package paper

import (
	"errors"
	"sync"

	"orb-go/internal/execution"
)

// FillRecorder captures paper fills for later inspection.
type FillRecorder interface {
	Record(v any)
}

// OrderSide is the direction of one paper execution.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

type positionState struct {
	Qty     int64 // negative while short
	AvgCost float64
}

// Account tracks virtual cash, realized PnL, and signed per-symbol share positions.
type Account struct {
	mu           sync.Mutex
	startingCash float64
	cash         float64
	realizedPnL  float64
	leverage     float64
	positions    map[string]positionState
}

// PositionSnapshot exposes a read-only view of a single symbol position.
type PositionSnapshot struct {
	Qty         int64
	AvgCost     float64
	MarketValue float64
	Unrealized  float64
}

// Snapshot represents a thread-safe view of the account state, optionally marked to market using provided prices.
type Snapshot struct {
	Cash        float64
	RealizedPnL float64
	Equity      float64
	Positions   map[string]PositionSnapshot
}

// NewAccount constructs an account with starting cash; buying power is leverage times equity.
func NewAccount(startingCash, leverage float64) *Account {
	if leverage <= 0 {
		leverage = 1
	}
	return &Account{
		startingCash: startingCash,
		cash:         startingCash,
		leverage:     leverage,
		positions:    make(map[string]positionState),
	}
}

// StartingCash returns the initial bankroll.
func (a *Account) StartingCash() float64 { return a.startingCash }

// Leverage returns the buying power multiple.
func (a *Account) Leverage() float64 { return a.leverage }

// MarketFill executes qty shares at price. Selling without a long position opens a short and
// buying against a short covers it first.
func (a *Account) MarketFill(symbol string, side OrderSide, qty int64, price float64) error {
	if qty <= 0 {
		return errors.New("quantity must be positive")
	}
	if price <= 0 {
		return errors.New("price must be positive")
	}
	signed := qty
	switch side {
	case Buy:
	case Sell:
		signed = -qty
	default:
		return errors.New("unknown order side")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.positions[symbol]
	newQty := state.Qty + signed
	switch {
	case state.Qty == 0 || sameSign(state.Qty, signed):
		// opening or adding
		total := abs64(state.Qty) + qty
		state.AvgCost = (state.AvgCost*float64(abs64(state.Qty)) + price*float64(qty)) / float64(total)
	default:
		// reducing, closing or flipping
		closed := min(abs64(state.Qty), qty)
		dir := 1.0
		if state.Qty < 0 {
			dir = -1
		}
		a.realizedPnL += dir * (price - state.AvgCost) * float64(closed)
		if abs64(newQty) > 0 && !sameSign(newQty, state.Qty) {
			state.AvgCost = price
		}
	}
	a.cash -= float64(signed) * price
	if newQty == 0 {
		delete(a.positions, symbol)
		return nil
	}
	state.Qty = newQty
	a.positions[symbol] = state
	return nil
}

// Snapshot returns a copy of balances marked with prices; unmarked positions are carried at cost.
func (a *Account) Snapshot(prices map[string]float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make(map[string]PositionSnapshot, len(a.positions))
	equity := a.cash
	for sym, pos := range a.positions {
		mark, ok := prices[sym]
		if !ok || mark <= 0 {
			mark = pos.AvgCost
		}
		marketValue := float64(pos.Qty) * mark
		positions[sym] = PositionSnapshot{
			Qty:         pos.Qty,
			AvgCost:     pos.AvgCost,
			MarketValue: marketValue,
			Unrealized:  (mark - pos.AvgCost) * float64(pos.Qty),
		}
		equity += marketValue
	}

	return Snapshot{
		Cash:        a.cash,
		RealizedPnL: a.realizedPnL,
		Equity:      equity,
		Positions:   positions,
	}
}

// Exposure is the gross value of open positions at cost.
func (a *Account) Exposure() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0.0
	for _, pos := range a.positions {
		total += float64(abs64(pos.Qty)) * pos.AvgCost
	}
	return total
}

// Position returns the signed share position for symbol.
func (a *Account) Position(symbol string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positions[symbol].Qty
}

// RealizedPnL returns total closed-trade profit and loss.
func (a *Account) RealizedPnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL
}

// SideFor maps an entry order to the paper execution side.
func SideFor(req execution.OrderRequest) OrderSide {
	if req.Side.Sign() < 0 {
		return Sell
	}
	return Buy
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
