package strategy

import (
	"orb-go/internal/market"
	"orb-go/internal/signal"
)

// Levels are the fixed prices of one trade.
type Levels struct {
	Side   signal.Side
	Entry  float64
	Stop   float64
	Target float64
}

// LevelsOf reads the levels of a signal.
func LevelsOf(s signal.Signal) Levels {
	return Levels{Side: s.Side, Entry: s.EntryPrice, Stop: s.StopPrice, Target: s.TargetPrice}
}

// EntryFill reports whether bar triggers the stop-entry and at what price. A bar that opens
// beyond the entry fills at the open.
func EntryFill(l Levels, bar market.Bar) (float64, bool) {
	if l.Side == signal.Short {
		switch {
		case bar.Open <= l.Entry:
			return bar.Open, true
		case bar.Low <= l.Entry:
			return l.Entry, true
		}
		return 0, false
	}
	switch {
	case bar.Open >= l.Entry:
		return bar.Open, true
	case bar.High >= l.Entry:
		return l.Entry, true
	}
	return 0, false
}

// ExitOnEntryBar checks the bar that filled the entry. Its path before the fill is unknown, so a
// touched stop always wins over a touched target.
func ExitOnEntryBar(l Levels, bar market.Bar) (float64, signal.ExitReason, bool) {
	if stopTouched(l, bar) {
		return l.Stop, signal.ExitStop, true
	}
	if targetTouched(l, bar) {
		return l.Target, signal.ExitTarget, true
	}
	return 0, "", false
}

// Exit checks a bar after the entry bar. Gaps through a level fill at the open; when both levels
// sit inside the bar the extremum nearer the open is taken as touched first.
func Exit(l Levels, bar market.Bar) (float64, signal.ExitReason, bool) {
	long := l.Side != signal.Short
	if long && bar.Open <= l.Stop || !long && bar.Open >= l.Stop {
		return bar.Open, signal.ExitStop, true
	}
	if long && bar.Open >= l.Target || !long && bar.Open <= l.Target {
		return bar.Open, signal.ExitTarget, true
	}
	stop, target := stopTouched(l, bar), targetTouched(l, bar)
	if stop && target {
		up, down := bar.High-bar.Open, bar.Open-bar.Low
		if long && down < up || !long && up < down {
			return l.Stop, signal.ExitStop, true
		}
		return l.Target, signal.ExitTarget, true
	}
	if stop {
		return l.Stop, signal.ExitStop, true
	}
	if target {
		return l.Target, signal.ExitTarget, true
	}
	return 0, "", false
}

// ExitOnTick checks a single trade print against the levels.
func ExitOnTick(l Levels, tk market.Tick) (signal.ExitReason, bool) {
	_, reason, ok := Exit(l, tk.AsBar())
	return reason, ok
}

// PnL is the signed gross profit of shares moved from entry to exit.
func PnL(side signal.Side, entry, exit float64, shares int64) float64 {
	return side.Sign() * (exit - entry) * float64(shares)
}

func stopTouched(l Levels, bar market.Bar) bool {
	if l.Side == signal.Short {
		return bar.High >= l.Stop
	}
	return bar.Low <= l.Stop
}

func targetTouched(l Levels, bar market.Bar) bool {
	if l.Side == signal.Short {
		return bar.Low <= l.Target
	}
	return bar.High >= l.Target
}
