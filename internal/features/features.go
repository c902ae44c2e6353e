// Package features derives point-in-time opening range, ATR and relative volume from bars.
//
// Every function is pure over its inputs. Daily windows only ever read bars dated strictly
// before the trade date, and intraday inputs are clipped to the opening-range close by
// PointInTime before anything else sees them.
package features

import (
	"errors"
	"fmt"
	"math"
	"time"

	"orb-go/internal/market"
)

var (
	// ErrFeatureUndefined means the trailing history is too short; the symbol is excluded, not defaulted.
	ErrFeatureUndefined = errors.New("feature undefined")
	// ErrNoOpeningBar means the designated opening bar is missing for the trade date.
	ErrNoOpeningBar = fmt.Errorf("no opening bar: %w", market.ErrDataUnavailable)
)

// OpeningRange is the immutable first-window summary of one symbol on one trade date.
type OpeningRange struct {
	Symbol    string    `json:"symbol"`
	TradeDate time.Time `json:"trade_date"`
	Open      float64   `json:"or_open"`
	High      float64   `json:"or_high"`
	Low       float64   `json:"or_low"`
	Close     float64   `json:"or_close"`
	Volume    float64   `json:"or_volume"`
	Direction int       `json:"direction"` // +1 up candle, -1 down candle, 0 doji
}

// ATRRecord is the true range of one daily bar and the ATR known before that day opened.
type ATRRecord struct {
	Symbol    string
	Date      time.Time
	TrueRange float64
	ATR       float64 // NaN until period valid prior true ranges exist
}

// ComputeOpeningRange reads only the bar stamped exactly at the session open of date.
func ComputeOpeningRange(bars []market.Bar, date time.Time, session market.Session) (OpeningRange, error) {
	open := session.OpenAt(date)
	for _, b := range bars {
		if !b.Timestamp.Equal(open) {
			continue
		}
		or := OpeningRange{
			Symbol:    b.Symbol,
			TradeDate: session.DateOf(date),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
		switch {
		case b.Close > b.Open:
			or.Direction = 1
		case b.Close < b.Open:
			or.Direction = -1
		}
		return or, nil
	}
	return OpeningRange{}, fmt.Errorf("%s: %w", date.Format(market.DateLayout), ErrNoOpeningBar)
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(bar market.Bar, prevClose float64) float64 {
	return math.Max(bar.High-bar.Low, math.Max(math.Abs(bar.High-prevClose), math.Abs(bar.Low-prevClose)))
}

// ComputeATR returns one record per daily bar. The first bar has no previous close so its true
// range is NaN, which keeps the next period records undefined as well.
func ComputeATR(daily []market.Bar, period int) []ATRRecord {
	out := make([]ATRRecord, len(daily))
	trs := make([]float64, len(daily))
	for i, b := range daily {
		trs[i] = math.NaN()
		if i > 0 {
			trs[i] = TrueRange(b, daily[i-1].Close)
		}
		out[i] = ATRRecord{Symbol: b.Symbol, Date: b.Timestamp, TrueRange: trs[i], ATR: meanOfLast(trs[:i], period)}
	}
	return out
}

// ATRAsOf is the ATR known before date opens: the mean of the last period true ranges of days
// strictly before date.
func ATRAsOf(daily []market.Bar, date time.Time, period int) (float64, error) {
	prior := before(daily, date)
	trs := make([]float64, len(prior))
	for i := range prior {
		trs[i] = math.NaN()
		if i > 0 {
			trs[i] = TrueRange(prior[i], prior[i-1].Close)
		}
	}
	atr := meanOfLast(trs, period)
	if math.IsNaN(atr) {
		return math.NaN(), fmt.Errorf("atr%d with %d prior days: %w", period, len(prior), ErrFeatureUndefined)
	}
	return atr, nil
}

// RelativeVolume divides current by the mean volume of the last lookback history bars dated
// strictly before asOf. history holds one comparable bar per session.
func RelativeVolume(history []market.Bar, asOf time.Time, lookback int, current float64) (float64, error) {
	avg, err := AverageVolume(history, asOf, lookback)
	if err != nil {
		return math.NaN(), err
	}
	return current / avg, nil
}

// AverageVolume is the mean volume of the last lookback bars strictly before asOf.
func AverageVolume(bars []market.Bar, asOf time.Time, lookback int) (float64, error) {
	prior := before(bars, asOf)
	vols := make([]float64, len(prior))
	for i, b := range prior {
		vols[i] = b.Volume
	}
	avg := meanOfLast(vols, lookback)
	if math.IsNaN(avg) || avg <= 0 {
		return math.NaN(), fmt.Errorf("volume%d with %d prior sessions: %w", lookback, len(prior), ErrFeatureUndefined)
	}
	return avg, nil
}

// PriorClose is the close of the last daily bar strictly before asOf.
func PriorClose(daily []market.Bar, asOf time.Time) (float64, error) {
	prior := before(daily, asOf)
	if len(prior) == 0 {
		return math.NaN(), fmt.Errorf("no prior close: %w", ErrFeatureUndefined)
	}
	return prior[len(prior)-1].Close, nil
}

// Cutoff is the earliest permitted decision time on date: the opening-range close.
func Cutoff(date time.Time, session market.Session) time.Time {
	return session.RangeCloseAt(date)
}

// PointInTime keeps the bars of the given interval that had fully closed by cutoff.
func PointInTime(bars []market.Bar, cutoff time.Time, interval market.Interval) []market.Bar {
	span := interval.Duration()
	out := make([]market.Bar, 0, len(bars))
	for _, b := range bars {
		if !b.Timestamp.Add(span).After(cutoff) {
			out = append(out, b)
		}
	}
	return out
}

// OpeningBars picks the session-open bar of every date present in intraday.
func OpeningBars(intraday []market.Bar, session market.Session) []market.Bar {
	var out []market.Bar
	for _, b := range intraday {
		if b.Timestamp.Equal(session.OpenAt(b.Timestamp)) {
			out = append(out, b)
		}
	}
	return out
}

func before(bars []market.Bar, asOf time.Time) []market.Bar {
	limit := dayKey(asOf)
	n := 0
	for n < len(bars) && dayKey(bars[n].Timestamp) < limit {
		n++
	}
	return bars[:n]
}

// dayKey orders calendar days as read in each timestamp's own zone.
func dayKey(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

// meanOfLast averages the final n values; NaN if fewer than n exist or any of them is NaN.
func meanOfLast(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		if math.IsNaN(v) {
			return math.NaN()
		}
		sum += v
	}
	return sum / float64(n)
}
