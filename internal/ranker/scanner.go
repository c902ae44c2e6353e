package ranker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"orb-go/internal/features"
	"orb-go/internal/market"
	"orb-go/internal/metrics"
)

// ScanResult is one pass over the universe for one trade date.
type ScanResult struct {
	TradeDate  time.Time
	Cutoff     time.Time
	Candidates []Candidate
	Snapshots  map[string]features.Snapshot
	Excluded   map[string]error // filtered or ranked out
	Failed     map[string]error // data or feature errors
}

// Scanner loads bars for every symbol and ranks the resulting snapshots.
type Scanner struct {
	store    market.BarStore
	features features.Params
	rank     Params
	log      zerolog.Logger

	// DailyWindow is how many calendar days of daily history are fetched before the trade date.
	DailyWindow time.Duration
	// SymbolTimeout bounds the store reads for one symbol; zero leaves them unbounded.
	SymbolTimeout time.Duration
}

// NewScanner validates the feature parameters and returns a scanner over store.
func NewScanner(store market.BarStore, fp features.Params, rp Params, log zerolog.Logger) (*Scanner, error) {
	if err := fp.Validate(); err != nil {
		return nil, err
	}
	if rp.TopN <= 0 {
		return nil, fmt.Errorf("top_n must be positive")
	}
	if rp.StopFraction <= 0 {
		return nil, fmt.Errorf("stop_fraction must be positive")
	}
	longest := fp.ATRPeriod + 1
	for _, n := range []int{fp.RVOLLookback, fp.VolumeLookback} {
		if n > longest {
			longest = n
		}
	}
	// weekends and holidays need roughly 1.6 calendar days per session
	window := time.Duration(longest*16/10+10) * 24 * time.Hour
	return &Scanner{store: store, features: fp, rank: rp, log: log, DailyWindow: window}, nil
}

// FeatureParams exposes the calendar and windows the scanner computes with.
func (s *Scanner) FeatureParams() features.Params { return s.features }

// RankParams exposes the ranking parameters.
func (s *Scanner) RankParams() Params { return s.rank }

// Scan builds a snapshot per symbol and ranks them. A failing symbol is logged and recorded in
// Failed; it never stops the rest of the universe. Only cancellation of ctx returns an error.
func (s *Scanner) Scan(ctx context.Context, date time.Time, universe []string) (ScanResult, error) {
	session := s.features.Session
	date = session.DateOf(date)
	cutoff := features.Cutoff(date, session)
	res := ScanResult{
		TradeDate: date,
		Cutoff:    cutoff,
		Snapshots: make(map[string]features.Snapshot),
		Excluded:  make(map[string]error),
		Failed:    make(map[string]error),
	}

	var snaps []features.Snapshot
	for _, raw := range universe {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		if _, seen := res.Snapshots[symbol]; seen {
			continue
		}
		snap, err := s.Snapshot(ctx, symbol, date)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed[symbol] = err
			metrics.SymbolErrorsTotal.WithLabelValues("scan", errorKind(err)).Inc()
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("symbol skipped")
			continue
		}
		res.Snapshots[symbol] = snap
		snaps = append(snaps, snap)
	}

	cands, excluded := Rank(snaps, s.rank)
	for i := range cands {
		cands[i].CutoffAt = cutoff
		metrics.CandidatesTotal.WithLabelValues(string(cands[i].Side)).Inc()
	}
	res.Candidates = cands
	res.Excluded = excluded
	s.log.Info().
		Str("date", date.Format(market.DateLayout)).
		Int("universe", len(universe)).
		Int("candidates", len(cands)).
		Int("excluded", len(excluded)).
		Int("failed", len(res.Failed)).
		Msg("scan complete")
	return res, nil
}

// Snapshot reads the bars for one symbol up to the cutoff and computes its features.
func (s *Scanner) Snapshot(ctx context.Context, symbol string, date time.Time) (features.Snapshot, error) {
	if s.SymbolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.SymbolTimeout)
		defer cancel()
	}
	session := s.features.Session
	cutoff := features.Cutoff(date, session)

	daily, err := s.store.Bars(ctx, symbol, date.Add(-s.DailyWindow), date, market.Day)
	if err != nil {
		return features.Snapshot{}, fmt.Errorf("daily bars: %w", err)
	}
	intradayFrom := date.AddDate(0, 0, -(s.features.RVOLLookback*16/10 + 10))
	intraday, err := s.store.Bars(ctx, symbol, intradayFrom, cutoff, s.features.Interval)
	if err != nil {
		return features.Snapshot{}, fmt.Errorf("intraday bars: %w", err)
	}
	return features.BuildSnapshot(symbol, date, daily, intraday, s.features)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, features.ErrNoOpeningBar):
		return "no_opening_bar"
	case errors.Is(err, market.ErrDataUnavailable):
		return "data_unavailable"
	case errors.Is(err, features.ErrFeatureUndefined):
		return "feature_undefined"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
