package features

import (
	"fmt"
	"strings"
	"time"

	"orb-go/internal/market"
)

// MomentumPolicy fixes how, if at all, momentum may feed an entry decision.
type MomentumPolicy string

const (
	// MomentumDisabled never computes momentum.
	MomentumDisabled MomentumPolicy = "disabled"
	// MomentumOpeningRange computes momentum from the opening bar alone.
	MomentumOpeningRange MomentumPolicy = "opening_range"
)

// ParseMomentumPolicy rejects anything but the two supported policies; empty means disabled.
func ParseMomentumPolicy(s string) (MomentumPolicy, error) {
	switch MomentumPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MomentumDisabled:
		return MomentumDisabled, nil
	case MomentumOpeningRange:
		return MomentumOpeningRange, nil
	default:
		return "", fmt.Errorf("momentum policy %q: must be %q or %q", s, MomentumDisabled, MomentumOpeningRange)
	}
}

// Params are the window lengths and calendar a Snapshot is computed with.
type Params struct {
	Session        market.Session
	Interval       market.Interval // intraday bar size; must equal the opening-range length
	ATRPeriod      int
	RVOLLookback   int
	VolumeLookback int
	Momentum       MomentumPolicy
}

// Validate checks the windows are usable.
func (p Params) Validate() error {
	if p.Interval.Duration() != p.Session.OpeningRange {
		return fmt.Errorf("intraday interval %s must equal opening range %s", p.Interval, p.Session.OpeningRange)
	}
	if p.ATRPeriod <= 0 || p.RVOLLookback <= 0 || p.VolumeLookback <= 0 {
		return fmt.Errorf("atr/rvol/volume lookbacks must be positive")
	}
	if _, err := ParseMomentumPolicy(string(p.Momentum)); err != nil {
		return err
	}
	return nil
}

// Snapshot is everything the ranker may know about one symbol at the opening-range close.
type Snapshot struct {
	Symbol     string
	TradeDate  time.Time
	Range      OpeningRange
	ATR        float64
	RVOL       float64
	AvgVolume  float64
	PriorClose float64
	Momentum   float64
}

// BuildSnapshot computes a Snapshot. intraday may extend past the cutoff and daily may contain
// the trade date itself; both are clipped here so the result cannot depend on later data.
func BuildSnapshot(symbol string, date time.Time, daily, intraday []market.Bar, p Params) (Snapshot, error) {
	date = p.Session.DateOf(date)
	visible := PointInTime(intraday, Cutoff(date, p.Session), p.Interval)

	or, err := ComputeOpeningRange(visible, date, p.Session)
	if err != nil {
		return Snapshot{}, err
	}
	or.Symbol = symbol
	atr, err := ATRAsOf(daily, date, p.ATRPeriod)
	if err != nil {
		return Snapshot{}, err
	}
	avgVolume, err := AverageVolume(daily, date, p.VolumeLookback)
	if err != nil {
		return Snapshot{}, err
	}
	priorClose, err := PriorClose(daily, date)
	if err != nil {
		return Snapshot{}, err
	}
	rvol, err := RelativeVolume(OpeningBars(visible, p.Session), date, p.RVOLLookback, or.Volume)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Symbol:     symbol,
		TradeDate:  date,
		Range:      or,
		ATR:        atr,
		RVOL:       rvol,
		AvgVolume:  avgVolume,
		PriorClose: priorClose,
	}
	if p.Momentum == MomentumOpeningRange && or.Open > 0 {
		snap.Momentum = (or.Close - or.Open) / or.Open
	}
	return snap, nil
}
