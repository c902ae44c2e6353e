package backtest

import (
	"context"
	"time"

	"orb-go/internal/journal"
	"orb-go/internal/ranker"
	"orb-go/internal/signal"
)

// SimulatedTrade is the immutable outcome of one sized signal replayed over its session.
type SimulatedTrade struct {
	TradeDate  time.Time         `json:"trade_date"`
	SignalID   string            `json:"signal_id"`
	Symbol     string            `json:"symbol"`
	Rank       int               `json:"rank"`
	Side       signal.Side       `json:"side"`
	EntryPrice float64           `json:"entry_price"`
	ExitPrice  float64           `json:"exit_price"`
	ExitReason signal.ExitReason `json:"exit_reason"`
	Shares     int64             `json:"shares"`
	EntryTime  time.Time         `json:"entry_time"`
	ExitTime   time.Time         `json:"exit_time"`
	GrossPnL   float64           `json:"gross_pnl"`
	Commission float64           `json:"commission"`
	NetPnL     float64           `json:"net_pnl"`
}

// Entered reports whether the entry was ever triggered.
func (t SimulatedTrade) Entered() bool { return t.ExitReason != signal.ExitNoEntry }

// EquityPoint is equity at the close of one trade date.
type EquityPoint struct {
	Date   time.Time `json:"date"`
	Equity float64   `json:"equity"`
}

// Results collects a whole replay.
type Results struct {
	InitialEquity float64
	FinalEquity   float64
	Trades        []SimulatedTrade
	Equity        []EquityPoint
	Candidates    []ranker.Candidate
	Signals       []signal.Signal
	Failed        map[string]error // "date|symbol" -> reason

	stats *Statistics
}

// JournalSink appends trades to a JSONL journal.
type JournalSink struct {
	W *journal.Writer
}

// WriteTrades implements Sink.
func (j JournalSink) WriteTrades(_ context.Context, trades []SimulatedTrade) error {
	for _, t := range trades {
		j.W.Record(t)
	}
	return j.W.Err()
}
