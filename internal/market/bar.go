// Package market defines price bars, the exchange session calendar and the bar store contract.
package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrDataUnavailable marks missing bars or an absent opening bar; it excludes a symbol, never a cycle.
var ErrDataUnavailable = errors.New("data unavailable")

// Interval enumerates the bar granularities the store serves.
type Interval string

const (
	// Minute is a one-minute intraday bar.
	Minute Interval = "1m"
	// FiveMinute is the default intraday bar and the opening-range bar.
	FiveMinute Interval = "5m"
	// Day is a regular-session daily bar.
	Day Interval = "1d"
)

// Duration returns the wall-clock span a bar of this interval covers.
func (i Interval) Duration() time.Duration {
	switch i {
	case Minute:
		return time.Minute
	case FiveMinute:
		return 5 * time.Minute
	case Day:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ParseInterval accepts the canonical spellings used in config and CSV layouts.
func ParseInterval(s string) (Interval, error) {
	switch Interval(strings.ToLower(strings.TrimSpace(s))) {
	case Minute:
		return Minute, nil
	case FiveMinute:
		return FiveMinute, nil
	case Day, "d", "daily":
		return Day, nil
	default:
		return "", fmt.Errorf("unknown interval %q", s)
	}
}

// Bar is one OHLCV observation. Timestamp marks the start of the bar in exchange-local time.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Tick is a single trade print used by the live exit monitor.
type Tick struct {
	Symbol string
	Price  float64
	Size   float64
	Ts     time.Time
}

// AsBar folds a tick into a degenerate bar so bar-based exit rules apply unchanged.
func (t Tick) AsBar() Bar {
	return Bar{Symbol: t.Symbol, Timestamp: t.Ts, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price, Volume: t.Size}
}

// SortBars orders bars by timestamp ascending, in place.
func SortBars(bars []Bar) {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
}

// CheckOrdered reports the first out-of-order or duplicated timestamp.
func CheckOrdered(bars []Bar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("bar %d (%s) not after %s", i, bars[i].Timestamp, bars[i-1].Timestamp)
		}
	}
	return nil
}

// Between returns the sub-slice of ascending bars with start <= ts < end.
func Between(bars []Bar, start, end time.Time) []Bar {
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(start) })
	hi := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(end) })
	if lo >= hi {
		return nil
	}
	return bars[lo:hi]
}
