// Package signal defines the sized trade intent and its closed set of lifecycle states.
package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Side is the trade direction.
type Side string

const (
	// Long buys the opening-range high.
	Long Side = "LONG"
	// Short sells the opening-range low.
	Short Side = "SHORT"
)

// Sign is +1 for longs and -1 for shorts.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// SideFromDirection maps an opening-range direction to a side; 0 has none.
func SideFromDirection(direction int) (Side, bool) {
	switch {
	case direction > 0:
		return Long, true
	case direction < 0:
		return Short, true
	default:
		return "", false
	}
}

// ExitReason records why a position or simulated trade ended.
type ExitReason string

const (
	ExitStop    ExitReason = "STOP"
	ExitTarget  ExitReason = "TARGET"
	ExitEOD     ExitReason = "EOD"
	ExitNoEntry ExitReason = "NO_ENTRY"
	ExitManual  ExitReason = "MANUAL"
)

// Signal is one sized entry for one symbol on one trade date. Entry, stop, target and shares are
// fixed at creation; only the lifecycle machine mutates the remaining fields.
type Signal struct {
	ID              string     `json:"id"`
	TradeDate       time.Time  `json:"trade_date"`
	Symbol          string     `json:"symbol"`
	Side            Side       `json:"side"`
	Rank            int        `json:"rank"`
	EntryPrice      float64    `json:"entry_price"`
	StopPrice       float64    `json:"stop_price"`
	TargetPrice     float64    `json:"target_price"`
	Shares          int64      `json:"shares"`
	RiskAmount      float64    `json:"risk_amount"`
	Status          Status     `json:"status"`
	OrderID         string     `json:"order_id,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	Attempts        int        `json:"attempts"`
	CreatedAt       time.Time  `json:"created_at"`
	FilledAt        *time.Time `json:"filled_at,omitempty"`
	FillPrice       float64    `json:"fill_price,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	ExitReason      ExitReason `json:"exit_reason,omitempty"`
	ExitPrice       float64    `json:"exit_price,omitempty"`
	RealizedPnL     float64    `json:"realized_pnl,omitempty"`
}

// Key is the uniqueness key (trade_date, symbol, side).
func (s Signal) Key() string { return Key(s.TradeDate, s.Symbol, s.Side) }

// Notional is the capital the entry commits.
func (s Signal) Notional() float64 { return float64(s.Shares) * s.EntryPrice }

// Key formats the uniqueness key for a trade date, symbol and side.
func Key(date time.Time, symbol string, side Side) string {
	return date.Format("2006-01-02") + "|" + strings.ToUpper(symbol) + "|" + string(side)
}

var idNamespace = uuid.MustParse("6f1c2a4e-9b7d-4c3e-8a51-2f0d9e7b6c14")

// NewID derives a stable UUIDv5 from the uniqueness key, so a replay and a live run of the same
// day name the same signal identically.
func NewID(date time.Time, symbol string, side Side) string {
	return uuid.NewSHA1(idNamespace, []byte(Key(date, symbol, side))).String()
}

// Event is the audit record of one status transition.
type Event struct {
	SignalID string    `json:"signal_id"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s->%s (%s)", e.SignalID, e.From, e.To, e.Reason)
}
