// Package execution drives signals through the order lifecycle against an injected broker adapter.
package execution

import (
	"context"
	"errors"
	"time"

	"orb-go/internal/risk"
	"orb-go/internal/signal"
)

var (
	// ErrOrderRejected is a broker-level refusal of one order.
	ErrOrderRejected = errors.New("order rejected")
	// ErrExecutionUnavailable means the adapter cannot be reached at all.
	ErrExecutionUnavailable = errors.New("execution unavailable")
	// ErrIllegalTransition is returned for any edge absent from the status table.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrKillSwitch means new submissions are blocked.
	ErrKillSwitch = errors.New("kill switch engaged")
	// ErrRetryLimit means a rejected signal has used all its attempts.
	ErrRetryLimit = errors.New("retry limit reached")
	// ErrSubmitInFlight means another caller is placing the same signal's order.
	ErrSubmitInFlight = errors.New("submission in flight")
)

// OrderStatus is the adapter's answer to an entry order.
type OrderStatus string

const (
	OrderSubmitted OrderStatus = "submitted"
	OrderRejected  OrderStatus = "rejected"
	OrderDryRun    OrderStatus = "dry_run"
)

// OrderRequest is a stop-entry order for one signal.
type OrderRequest struct {
	SignalID   string
	Symbol     string
	Side       signal.Side
	Shares     int64
	EntryPrice float64
	StopPrice  float64
}

// RequestFor builds the entry order of a signal.
func RequestFor(s signal.Signal) OrderRequest {
	return OrderRequest{
		SignalID:   s.ID,
		Symbol:     s.Symbol,
		Side:       s.Side,
		Shares:     s.Shares,
		EntryPrice: s.EntryPrice,
		StopPrice:  s.StopPrice,
	}
}

// OrderResult is returned by PlaceEntryOrder.
type OrderResult struct {
	Status  OrderStatus `json:"status"`
	OrderID string      `json:"order_id,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Confirmation acknowledges a position close.
type Confirmation struct {
	OrderID string
	Symbol  string
	Price   float64
	At      time.Time
}

// Adapter is the broker boundary. Implementations wrap ErrExecutionUnavailable for connectivity
// failures and either return OrderRejected or wrap ErrOrderRejected for broker refusals.
type Adapter interface {
	PlaceEntryOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetAccount(ctx context.Context) (risk.Account, error)
	ClosePosition(ctx context.Context, symbol string) (Confirmation, error)
	CancelOrder(ctx context.Context, orderID string) error
	// FindOrder looks up an order already placed for signalID, so a crashed submission is
	// recovered instead of repeated.
	FindOrder(ctx context.Context, signalID string) (string, bool, error)
}

// Fill is an entry execution reported by a simulated venue.
type Fill struct {
	SignalID string    `json:"signal_id"`
	OrderID  string    `json:"order_id"`
	Price    float64   `json:"price"`
	At       time.Time `json:"at"`
}

// FillSimulator is implemented by adapters that fill working stop-entries from a price stream.
type FillSimulator interface {
	OnPrice(symbol string, price float64, at time.Time) []Fill
}
