// Package markettest seeds deterministic bar histories for tests.
package markettest

import (
	"time"

	"orb-go/internal/market"
)

// OHLCV is one intraday bar body; timestamps are assigned from the session open.
type OHLCV struct {
	O, H, L, C, V float64
}

// Spec describes a flat price history followed by scripted trade-date bars.
type Spec struct {
	PriorDays     int     // weekday sessions before the trade date
	Price         float64 // every prior open and close
	DailyRange    float64 // every prior high-low, which is also its true range
	DailyVolume   float64
	OpeningVolume float64 // volume of each prior session's opening bar
	Today         []OHLCV // five-minute bars starting at the trade-date open
}

// Seed writes daily and five-minute bars for symbol into store and returns the prior session dates.
// A daily bar for the trade date itself is written too, so callers can prove it is never read.
func Seed(store *market.MemoryStore, session market.Session, symbol string, tradeDate time.Time, spec Spec) []time.Time {
	days := PriorSessions(session, tradeDate, spec.PriorDays)
	half := spec.DailyRange / 2
	for _, d := range days {
		store.Add(symbol, market.Day, market.Bar{
			Timestamp: d,
			Open:      spec.Price,
			High:      spec.Price + half,
			Low:       spec.Price - half,
			Close:     spec.Price,
			Volume:    spec.DailyVolume,
		})
		store.Add(symbol, market.FiveMinute, market.Bar{
			Timestamp: session.OpenAt(d),
			Open:      spec.Price,
			High:      spec.Price,
			Low:       spec.Price,
			Close:     spec.Price,
			Volume:    spec.OpeningVolume,
		})
	}
	if len(spec.Today) == 0 {
		return days
	}
	open := session.OpenAt(tradeDate)
	agg := market.Bar{Timestamp: session.DateOf(tradeDate), Open: spec.Today[0].O, High: spec.Today[0].H, Low: spec.Today[0].L}
	for i, b := range spec.Today {
		store.Add(symbol, market.FiveMinute, market.Bar{
			Timestamp: open.Add(time.Duration(i) * 5 * time.Minute),
			Open:      b.O,
			High:      b.H,
			Low:       b.L,
			Close:     b.C,
			Volume:    b.V,
		})
		if b.H > agg.High {
			agg.High = b.H
		}
		if b.L < agg.Low {
			agg.Low = b.L
		}
		agg.Close = b.C
		agg.Volume += b.V
	}
	store.Add(symbol, market.Day, agg)
	return days
}

// PriorSessions lists n weekdays strictly before date, oldest first.
func PriorSessions(session market.Session, date time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for d := session.DateOf(date).AddDate(0, 0, -1); len(out) < n; d = d.AddDate(0, 0, -1) {
		if session.IsWeekday(d) {
			out = append(out, d)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Flat repeats one bar body n times.
func Flat(n int, b OHLCV) []OHLCV {
	out := make([]OHLCV, n)
	for i := range out {
		out[i] = b
	}
	return out
}
