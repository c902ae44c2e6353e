package market

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CSVStore reads bars from <root>/<interval>/<SYMBOL>.csv files with a header row of
// time|timestamp|date, open, high, low, close, volume. Files are parsed once and cached.
type CSVStore struct {
	root     string
	location *time.Location

	mu    sync.Mutex
	cache map[string][]Bar
}

// NewCSVStore serves files under root; naive timestamps are read in loc.
func NewCSVStore(root string, loc *time.Location) *CSVStore {
	if loc == nil {
		loc = time.UTC
	}
	return &CSVStore{root: root, location: loc, cache: make(map[string][]Bar)}
}

// Path returns the file backing symbol/interval.
func (s *CSVStore) Path(symbol string, interval Interval) string {
	return filepath.Join(s.root, string(interval), strings.ToUpper(symbol)+".csv")
}

// Bars implements BarStore.
func (s *CSVStore) Bars(ctx context.Context, symbol string, start, end time.Time, interval Interval) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	series, err := s.load(symbol, interval)
	if err != nil {
		return nil, err
	}
	window := Between(series, start, end)
	out := make([]Bar, len(window))
	copy(out, window)
	return out, nil
}

func (s *CSVStore) load(symbol string, interval Interval) ([]Bar, error) {
	path := s.Path(symbol, interval)
	s.mu.Lock()
	defer s.mu.Unlock()
	if bars, ok := s.cache[path]; ok {
		return bars, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s %s: %w", symbol, interval, ErrDataUnavailable)
		}
		return nil, fmt.Errorf("open bars: %w", err)
	}
	defer f.Close()
	bars, err := ReadCSV(f, symbol, s.location)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	s.cache[path] = bars
	return bars, nil
}

// ReadCSV decodes a bar CSV. A UTF-8 or UTF-16 byte-order mark is honoured; rows missing a
// timestamp, open or close are skipped. The result is sorted ascending.
func ReadCSV(r io.Reader, symbol string, loc *time.Location) ([]Bar, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	field := func(rec []string, names ...string) string {
		for _, n := range names {
			if i, ok := cols[n]; ok && i < len(rec) {
				if v := strings.TrimSpace(rec[i]); v != "" {
					return v
				}
			}
		}
		return ""
	}

	var out []Bar
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		ts := field(rec, "time", "timestamp", "date", "datetime")
		op, cp := field(rec, "open"), field(rec, "close")
		if ts == "" || op == "" || cp == "" {
			continue
		}
		when, err := parseTimestamp(ts, loc)
		if err != nil {
			return nil, err
		}
		bar := Bar{Symbol: symbol, Timestamp: when}
		if bar.Open, err = strconv.ParseFloat(op, 64); err != nil {
			return nil, fmt.Errorf("open %q: %w", op, err)
		}
		if bar.Close, err = strconv.ParseFloat(cp, 64); err != nil {
			return nil, fmt.Errorf("close %q: %w", cp, err)
		}
		bar.High = parseOr(field(rec, "high"), bar.Close)
		bar.Low = parseOr(field(rec, "low"), bar.Close)
		bar.Volume = parseOr(field(rec, "volume", "vol"), 0)
		out = append(out, bar)
	}
	SortBars(out)
	return out, nil
}

func parseOr(v string, def float64) float64 {
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// parseTimestamp accepts RFC3339, unix seconds, "YYYY-MM-DD HH:MM[:SS]" and "YYYY-MM-DD" (naive forms in loc).
// RFC3339 values keep their own offset so a daily bar stamped at UTC midnight keeps its calendar date.
func parseTimestamp(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0).In(loc), nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", DateLayout} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad timestamp %q", v)
}
