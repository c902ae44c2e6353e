package market

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// DateLayout is the canonical trade_date key format.
const DateLayout = "2006-01-02"

// Session describes the regular trading hours of one exchange.
type Session struct {
	Location     *time.Location
	Open         time.Duration // offset from local midnight
	OpeningRange time.Duration
	Close        time.Duration
}

// DefaultSession is the US equities regular session with a five-minute opening range.
func DefaultSession() Session {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return Session{
		Location:     loc,
		Open:         9*time.Hour + 30*time.Minute,
		OpeningRange: 5 * time.Minute,
		Close:        16 * time.Hour,
	}
}

// NewSession parses "HH:MM" open/close clocks, an opening-range duration and an IANA zone name.
func NewSession(zone, open, openingRange, close string) (Session, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Session{}, fmt.Errorf("load location %q: %w", zone, err)
	}
	o, err := parseClock(open)
	if err != nil {
		return Session{}, fmt.Errorf("session open: %w", err)
	}
	c, err := parseClock(close)
	if err != nil {
		return Session{}, fmt.Errorf("session close: %w", err)
	}
	or, err := time.ParseDuration(openingRange)
	if err != nil {
		return Session{}, fmt.Errorf("opening range: %w", err)
	}
	if or <= 0 || o+or >= c {
		return Session{}, fmt.Errorf("opening range %s does not fit session %s-%s", openingRange, open, close)
	}
	return Session{Location: loc, Open: o, OpeningRange: or, Close: c}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// DateOf returns the trading date of t: its calendar day at midnight in the session location.
// The calendar day is read in t's own zone so that daily bars stamped at UTC midnight keep their date.
func (s Session) DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.Location)
}

// ParseDate reads a YYYY-MM-DD trade date in the session location.
func (s Session) ParseDate(v string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, strings.TrimSpace(v), s.Location)
}

// OpenAt is the session open on date.
func (s Session) OpenAt(date time.Time) time.Time { return s.DateOf(date).Add(s.Open) }

// RangeCloseAt is the end of the opening range on date; the earliest permitted decision time.
func (s Session) RangeCloseAt(date time.Time) time.Time { return s.OpenAt(date).Add(s.OpeningRange) }

// CloseAt is the session close on date.
func (s Session) CloseAt(date time.Time) time.Time { return s.DateOf(date).Add(s.Close) }

// IsWeekday reports whether date falls Monday through Friday. Holidays are left to the bar store.
func (s Session) IsWeekday(date time.Time) bool {
	wd := s.DateOf(date).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// TradingDays lists weekdays from start to end inclusive.
func (s Session) TradingDays(start, end time.Time) []time.Time {
	var out []time.Time
	for d := s.DateOf(start); !d.After(s.DateOf(end)); d = d.AddDate(0, 0, 1) {
		if s.IsWeekday(d) {
			out = append(out, d)
		}
	}
	return out
}
