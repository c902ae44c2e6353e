// Package paper is a simulated broker: stop-entry orders are held until a trade print crosses
// them and then filled against a virtual account.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orb-go/internal/execution"
	"orb-go/internal/risk"
	"orb-go/internal/signal"
)

type orderState string

const (
	working   orderState = "working"
	filled    orderState = "filled"
	cancelled orderState = "cancelled"
)

type order struct {
	id    string
	req   execution.OrderRequest
	state orderState
}

// Broker implements execution.Adapter and execution.FillSimulator over an Account.
type Broker struct {
	mu       sync.Mutex
	account  *Account
	ledger   *Ledger
	recorder FillRecorder
	log      zerolog.Logger
	orders   map[string]*order // by order id
	bySignal map[string]string // signal id -> order id
	last     map[string]float64
	offline  bool
}

// NewBroker wraps account; recorder may be nil.
func NewBroker(account *Account, recorder FillRecorder, log zerolog.Logger) *Broker {
	return &Broker{
		account:  account,
		ledger:   NewLedger(),
		recorder: recorder,
		log:      log,
		orders:   make(map[string]*order),
		bySignal: make(map[string]string),
		last:     make(map[string]float64),
	}
}

// Ledger is the book of fills made so far.
func (b *Broker) Ledger() *Ledger { return b.ledger }

// Account exposes the virtual account.
func (b *Broker) Account() *Account { return b.account }

// SetOffline makes every call fail with ErrExecutionUnavailable.
func (b *Broker) SetOffline(off bool) {
	b.mu.Lock()
	b.offline = off
	b.mu.Unlock()
}

func (b *Broker) available() error {
	if b.offline {
		return fmt.Errorf("paper broker offline: %w", execution.ErrExecutionUnavailable)
	}
	return nil
}

// PlaceEntryOrder holds a stop-entry until OnPrice crosses it. Orders whose notional exceeds the
// free buying power are rejected.
func (b *Broker) PlaceEntryOrder(_ context.Context, req execution.OrderRequest) (execution.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.available(); err != nil {
		return execution.OrderResult{}, err
	}
	if req.Shares <= 0 || req.EntryPrice <= 0 {
		return execution.OrderResult{Status: execution.OrderRejected, Reason: "invalid quantity or price"}, nil
	}
	if id, ok := b.bySignal[req.SignalID]; ok && b.orders[id].state != cancelled {
		return execution.OrderResult{Status: execution.OrderRejected, Reason: "duplicate order for signal " + req.SignalID}, nil
	}
	free := b.buyingPowerLocked() - b.workingNotionalLocked()
	if notional := float64(req.Shares) * req.EntryPrice; notional > free+1e-9 {
		return execution.OrderResult{Status: execution.OrderRejected, Reason: fmt.Sprintf("insufficient buying power: %.2f > %.2f", notional, free)}, nil
	}
	o := &order{id: uuid.NewString(), req: req, state: working}
	b.orders[o.id] = o
	b.bySignal[req.SignalID] = o.id
	b.log.Info().Str("sym", req.Symbol).Str("side", string(req.Side)).Int64("qty", req.Shares).Float64("stop_entry", req.EntryPrice).Str("order", o.id).Msg("paper order working")
	return execution.OrderResult{Status: execution.OrderSubmitted, OrderID: o.id}, nil
}

// GetAccount marks the account with the last seen prices.
func (b *Broker) GetAccount(context.Context) (risk.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.available(); err != nil {
		return risk.Account{}, err
	}
	snap := b.account.Snapshot(b.last)
	return risk.Account{Equity: snap.Equity, BuyingPower: b.buyingPowerLocked()}, nil
}

// ClosePosition flattens symbol at its last price.
func (b *Broker) ClosePosition(_ context.Context, symbol string) (execution.Confirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.available(); err != nil {
		return execution.Confirmation{}, err
	}
	qty := b.account.Position(symbol)
	price := b.last[symbol]
	conf := execution.Confirmation{OrderID: uuid.NewString(), Symbol: symbol, Price: price, At: time.Now()}
	if qty == 0 {
		return conf, nil
	}
	if price <= 0 {
		return conf, fmt.Errorf("no price for %s: %w", symbol, execution.ErrOrderRejected)
	}
	side := Sell
	if qty < 0 {
		side, qty = Buy, -qty
	}
	if err := b.account.MarketFill(symbol, side, qty, price); err != nil {
		return conf, fmt.Errorf("flatten %s: %w", symbol, err)
	}
	b.log.Info().Str("sym", symbol).Float64("px", price).Msg("paper position closed")
	return conf, nil
}

// CancelOrder withdraws a working order.
func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.available(); err != nil {
		return err
	}
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s: %w", orderID, execution.ErrOrderRejected)
	}
	if o.state == working {
		o.state = cancelled
	}
	return nil
}

// FindOrder reports the working or filled order placed for signalID.
func (b *Broker) FindOrder(_ context.Context, signalID string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.available(); err != nil {
		return "", false, err
	}
	id, ok := b.bySignal[signalID]
	if !ok || b.orders[id].state == cancelled {
		return "", false, nil
	}
	return id, true, nil
}

// OnPrice fills every working order of symbol that price crosses, at price. Fills are returned in
// order id order.
func (b *Broker) OnPrice(symbol string, price float64, at time.Time) []execution.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[symbol] = price

	var ids []string
	for id, o := range b.orders {
		if o.state == working && o.req.Symbol == symbol && crossed(o.req, price) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var fills []execution.Fill
	for _, id := range ids {
		o := b.orders[id]
		if err := b.account.MarketFill(symbol, SideFor(o.req), o.req.Shares, price); err != nil {
			b.log.Warn().Err(err).Str("sym", symbol).Str("order", id).Msg("paper fill refused")
			continue
		}
		o.state = filled
		f := execution.Fill{SignalID: o.req.SignalID, OrderID: id, Price: price, At: at}
		b.ledger.Record(f)
		if b.recorder != nil {
			b.recorder.Record(f)
		}
		fills = append(fills, f)
	}
	return fills
}

func crossed(req execution.OrderRequest, price float64) bool {
	if req.Side == signal.Short {
		return price <= req.EntryPrice
	}
	return price >= req.EntryPrice
}

func (b *Broker) buyingPowerLocked() float64 {
	return b.account.Snapshot(b.last).Equity*b.account.Leverage() - b.account.Exposure()
}

func (b *Broker) workingNotionalLocked() float64 {
	total := 0.0
	for _, o := range b.orders {
		if o.state == working {
			total += float64(o.req.Shares) * o.req.EntryPrice
		}
	}
	return total
}
