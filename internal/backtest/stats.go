package backtest

import (
	"fmt"
	"io"
	"time"
)

type Statistics struct {
	// Basic
	TotalTrades   int
	EnteredTrades int
	NoEntryTrades int
	WinningTrades int
	LosingTrades  int
	WinRate       float64

	// P&L
	TotalPnL        float64
	TotalPnLPercent float64
	GrossProfit     float64
	GrossLoss       float64
	ProfitFactor    float64
	Commission      float64

	// Averages
	AvgWin        float64
	AvgLoss       float64
	ExpectedValue float64

	// Risk
	MaxDrawdown        float64
	MaxDrawdownPercent float64

	// Duration
	AvgTradeDuration time.Duration
}

func (r *Results) Calculate() *Statistics {
	// Return cached if already calculated
	if r.stats != nil {
		return r.stats
	}

	stats := &Statistics{
		TotalTrades: len(r.Trades),
		TotalPnL:    r.FinalEquity - r.InitialEquity,
	}
	if r.InitialEquity > 0 {
		stats.TotalPnLPercent = stats.TotalPnL / r.InitialEquity * 100
	}

	var totalWin, totalLoss float64
	var totalDuration time.Duration
	peak := r.InitialEquity
	var maxDD float64
	running := r.InitialEquity

	for _, trade := range r.Trades {
		if !trade.Entered() {
			stats.NoEntryTrades++
			continue
		}
		stats.EnteredTrades++
		stats.Commission += trade.Commission
		if trade.NetPnL > 0 {
			stats.WinningTrades++
			totalWin += trade.NetPnL
		} else if trade.NetPnL < 0 {
			stats.LosingTrades++
			totalLoss += trade.NetPnL // Already negative
		}

		running += trade.NetPnL
		if running > peak {
			peak = running
		}
		if dd := peak - running; dd > maxDD {
			maxDD = dd
		}
		totalDuration += trade.ExitTime.Sub(trade.EntryTime)
	}

	if stats.EnteredTrades == 0 {
		r.stats = stats
		return stats
	}

	stats.WinRate = float64(stats.WinningTrades) / float64(stats.EnteredTrades) * 100
	stats.GrossProfit = totalWin
	stats.GrossLoss = totalLoss
	if totalLoss != 0 {
		stats.ProfitFactor = totalWin / -totalLoss
	}
	if stats.WinningTrades > 0 {
		stats.AvgWin = totalWin / float64(stats.WinningTrades)
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = totalLoss / float64(stats.LosingTrades)
	}
	stats.ExpectedValue = stats.TotalPnL / float64(stats.EnteredTrades)

	stats.MaxDrawdown = maxDD
	if peak > 0 {
		stats.MaxDrawdownPercent = (maxDD / peak) * 100
	}
	stats.AvgTradeDuration = totalDuration / time.Duration(stats.EnteredTrades)

	r.stats = stats
	return stats
}

func (s *Statistics) Print(w io.Writer) {
	fmt.Fprintln(w, "\n=== Backtest Results ===")
	fmt.Fprintf(w, "Total Trades:     %d (%d entered, %d no entry)\n", s.TotalTrades, s.EnteredTrades, s.NoEntryTrades)
	fmt.Fprintf(w, "Winning Trades:   %d (%.2f%%)\n", s.WinningTrades, s.WinRate)
	fmt.Fprintf(w, "Losing Trades:    %d\n\n", s.LosingTrades)

	fmt.Fprintf(w, "Total P&L:        $%.2f (%.2f%%)\n", s.TotalPnL, s.TotalPnLPercent)
	fmt.Fprintf(w, "Gross Profit:     $%.2f\n", s.GrossProfit)
	fmt.Fprintf(w, "Gross Loss:       $%.2f\n", s.GrossLoss)
	fmt.Fprintf(w, "Commission:       $%.2f\n", s.Commission)
	fmt.Fprintf(w, "Profit Factor:    %.2f\n\n", s.ProfitFactor)

	fmt.Fprintf(w, "Avg Win:          $%.2f\n", s.AvgWin)
	fmt.Fprintf(w, "Avg Loss:         $%.2f\n", s.AvgLoss)
	fmt.Fprintf(w, "Expected Value:   $%.2f per trade\n\n", s.ExpectedValue)

	fmt.Fprintf(w, "Max Drawdown:     $%.2f (%.2f%%)\n", s.MaxDrawdown, s.MaxDrawdownPercent)
	fmt.Fprintf(w, "Avg Duration:     %s\n", s.AvgTradeDuration.Round(time.Minute))
}

func (r *Results) PrintTrades(w io.Writer) {
	fmt.Fprintln(w, "\n=== Trade List ===")
	for i, trade := range r.Trades {
		fmt.Fprintf(w, "#%d | %s | %-6s | %s | Entry: %.2f | Exit: %.2f | Shares: %d | P&L: $%.2f | %s\n",
			i+1,
			trade.TradeDate.Format("2006-01-02"),
			trade.Symbol,
			trade.Side,
			trade.EntryPrice,
			trade.ExitPrice,
			trade.Shares,
			trade.NetPnL,
			trade.ExitReason,
		)
	}
}
