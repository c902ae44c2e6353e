// Package ranker filters the day's snapshots and orders them by relative volume into per-side watchlists.
package ranker

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"orb-go/internal/features"
	"orb-go/internal/signal"
)

// ErrFiltered marks a symbol that failed an eligibility filter.
var ErrFiltered = errors.New("filtered")

// SideMode selects which opening-range directions are traded.
type SideMode string

const (
	SideLong  SideMode = "long"
	SideShort SideMode = "short"
	SideBoth  SideMode = "both"
)

// ParseSideMode accepts long, short or both.
func ParseSideMode(s string) (SideMode, error) {
	switch SideMode(strings.ToLower(strings.TrimSpace(s))) {
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	case SideBoth:
		return SideBoth, nil
	default:
		return "", fmt.Errorf("side mode %q: must be long, short or both", s)
	}
}

// Allows reports whether side is traded under the mode.
func (m SideMode) Allows(side signal.Side) bool {
	switch m {
	case SideLong:
		return side == signal.Long
	case SideShort:
		return side == signal.Short
	default:
		return true
	}
}

// Filters is the fixed eligibility set. Zero disables a threshold.
type Filters struct {
	MinPrice       float64 `yaml:"min_price"`
	MinAvgVolume   float64 `yaml:"min_avg_volume"`
	MinATR         float64 `yaml:"min_atr"`
	MaxPctOfVolume float64 `yaml:"max_pct_of_volume"` // liquidity cap: max shares as a fraction of average daily volume
	MinMomentum    float64 `yaml:"min_momentum"`      // only applied under the opening_range momentum policy
}

// Params configures one ranking pass.
type Params struct {
	TopN         int
	Side         SideMode
	StopFraction float64 // stop distance as a fraction of ATR
	PriceTick    float64 // entry/stop rounding; zero leaves prices unrounded
	Filters      Filters
}

// Candidate is a ranked, not yet sized, trade idea.
type Candidate struct {
	Symbol     string      `json:"symbol"`
	TradeDate  time.Time   `json:"trade_date"`
	RVOL       float64     `json:"rvol"`
	Rank       int         `json:"rank"`
	Direction  int         `json:"direction"`
	Side       signal.Side `json:"side"`
	ORHigh     float64     `json:"or_high"`
	ORLow      float64     `json:"or_low"`
	EntryPrice float64     `json:"entry_price"`
	StopPrice  float64     `json:"stop_price"`
	ATR        float64     `json:"atr"`
	AvgVolume  float64     `json:"avg_volume"`
	MaxShares  int64       `json:"max_shares"` // 0 means no liquidity cap
	Momentum   float64     `json:"momentum,omitempty"`
	CutoffAt   time.Time   `json:"cutoff_at"`
}

// Admit applies every filter to a snapshot and returns the candidate or the first failing reason.
func Admit(snap features.Snapshot, p Params) (Candidate, error) {
	f := p.Filters
	side, ok := signal.SideFromDirection(snap.Range.Direction)
	if !ok {
		return Candidate{}, fmt.Errorf("%w: flat opening range", ErrFiltered)
	}
	if !p.Side.Allows(side) {
		return Candidate{}, fmt.Errorf("%w: %s excluded by side mode %s", ErrFiltered, side, p.Side)
	}
	if snap.PriorClose < f.MinPrice {
		return Candidate{}, fmt.Errorf("%w: price %.2f < %.2f", ErrFiltered, snap.PriorClose, f.MinPrice)
	}
	if snap.AvgVolume < f.MinAvgVolume {
		return Candidate{}, fmt.Errorf("%w: avg volume %.0f < %.0f", ErrFiltered, snap.AvgVolume, f.MinAvgVolume)
	}
	if snap.ATR < f.MinATR {
		return Candidate{}, fmt.Errorf("%w: atr %.4f < %.4f", ErrFiltered, snap.ATR, f.MinATR)
	}
	var maxShares int64
	if f.MaxPctOfVolume > 0 {
		maxShares = int64(math.Floor(f.MaxPctOfVolume * snap.AvgVolume))
		if maxShares < 1 {
			return Candidate{}, fmt.Errorf("%w: liquidity cap below one share", ErrFiltered)
		}
	}
	if f.MinMomentum > 0 && math.Abs(snap.Momentum) < f.MinMomentum {
		return Candidate{}, fmt.Errorf("%w: momentum %.4f < %.4f", ErrFiltered, math.Abs(snap.Momentum), f.MinMomentum)
	}

	entry := snap.Range.High
	if side == signal.Short {
		entry = snap.Range.Low
	}
	stop := entry - side.Sign()*p.StopFraction*snap.ATR
	return Candidate{
		Symbol:     snap.Symbol,
		TradeDate:  snap.TradeDate,
		RVOL:       snap.RVOL,
		Direction:  snap.Range.Direction,
		Side:       side,
		ORHigh:     snap.Range.High,
		ORLow:      snap.Range.Low,
		EntryPrice: RoundToTick(entry, p.PriceTick),
		StopPrice:  RoundToTick(stop, p.PriceTick),
		ATR:        snap.ATR,
		AvgVolume:  snap.AvgVolume,
		MaxShares:  maxShares,
		Momentum:   snap.Momentum,
	}, nil
}

// Rank admits snapshots, orders each side by (rvol desc, symbol asc), numbers ranks from 1 and
// keeps the first TopN per side. Longs are listed before shorts.
func Rank(snaps []features.Snapshot, p Params) ([]Candidate, map[string]error) {
	excluded := make(map[string]error)
	bySide := map[signal.Side][]Candidate{}
	for _, snap := range snaps {
		c, err := Admit(snap, p)
		if err != nil {
			excluded[snap.Symbol] = err
			continue
		}
		bySide[c.Side] = append(bySide[c.Side], c)
	}

	var out []Candidate
	for _, side := range []signal.Side{signal.Long, signal.Short} {
		list := bySide[side]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].RVOL != list[j].RVOL {
				return list[i].RVOL > list[j].RVOL
			}
			return list[i].Symbol < list[j].Symbol
		})
		for i := range list {
			list[i].Rank = i + 1
			if p.TopN > 0 && i >= p.TopN {
				excluded[list[i].Symbol] = fmt.Errorf("%w: rank %d beyond top %d", ErrFiltered, i+1, p.TopN)
				continue
			}
			out = append(out, list[i])
		}
	}
	return out, excluded
}

// RoundToTick rounds price to the nearest multiple of tick, in decimal so 9.95 stays 9.95.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return price
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).InexactFloat64()
}
