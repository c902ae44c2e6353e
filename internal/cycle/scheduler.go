package cycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs the cycle once per trading day, after a fixed delay past the opening-range close.
type Scheduler struct {
	cycle *Cycle
	delay time.Duration
	poll  time.Duration
	now   func() time.Time
	log   zerolog.Logger

	last    time.Time
	OnRun   func(date time.Time, reports []Report, err error)
	Skipped map[Phase]bool
}

// NewScheduler builds a scheduler that fires delay after each session's opening-range close.
func NewScheduler(c *Cycle, delay time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{cycle: c, delay: delay, poll: 5 * time.Second, now: time.Now, log: log}
}

// SetClock replaces the wall clock.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Run polls until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs the cycle if today's slot has arrived and has not run yet. Slots missed until the
// session close are still taken; later ones are dropped.
func (s *Scheduler) Tick(ctx context.Context) bool {
	session := s.cycle.Session()
	now := s.now().In(session.Location)
	date := session.DateOf(now)
	if !session.IsWeekday(date) || !date.After(s.last) {
		return false
	}
	if now.Before(session.RangeCloseAt(date).Add(s.delay)) {
		return false
	}
	s.last = date
	if !now.Before(session.CloseAt(date)) {
		s.log.Warn().Time("date", date).Msg("cycle slot missed, session closed")
		return false
	}
	reports, err := s.cycle.Run(ctx, date, s.Skipped)
	if err != nil {
		s.log.Error().Err(err).Time("date", date).Msg("cycle failed")
	} else {
		s.log.Info().Time("date", date).Int("phases", len(reports)).Msg("cycle complete")
	}
	if s.OnRun != nil {
		s.OnRun(date, reports, err)
	}
	return true
}
