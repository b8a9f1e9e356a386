// Package sweeper removes expired refresh tokens once a day.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/memberauth/internal/metrics"
	"github.com/example/memberauth/internal/store"
)

// Report is the outcome of one sweep.
type Report struct {
	Expired int64 `json:"expired"`
	Deleted int64 `json:"deleted"`
}

// TimeOfDay is a wall clock time in the sweeper's location.
type TimeOfDay struct {
	Hour, Minute int
}

// ParseTimeOfDay parses "HH:MM" in 24h form.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

type Sweeper struct {
	store   store.RefreshTokenStore
	at      TimeOfDay
	loc     *time.Location
	now     func() time.Time
	metrics *metrics.Metrics
	log     *slog.Logger
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }
func WithLocation(loc *time.Location) Option { return func(s *Sweeper) { s.loc = loc } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.log = l } }

func New(st store.RefreshTokenStore, at TimeOfDay, opts ...Option) *Sweeper {
	s := &Sweeper{store: st, at: at, loc: time.Local, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RunOnce counts and then deletes the records expired before now.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	const op = "sweeper.RunOnce"
	now := s.now()

	expired, err := s.store.CountExpiredBefore(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("%s: %w", op, err)
	}
	rep := Report{Expired: expired}
	if expired == 0 {
		return rep, nil
	}

	rep.Deleted, err = s.store.DeleteAllExpiredBefore(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("%s: %w", op, err)
	}
	s.metrics.Sweep(rep.Deleted)
	s.log.Info("expired refresh tokens removed", "expired", rep.Expired, "deleted", rep.Deleted)
	return rep, nil
}

// Next returns the first scheduled run strictly after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	t = t.In(s.loc)
	next := time.Date(t.Year(), t.Month(), t.Day(), s.at.Hour, s.at.Minute, 0, 0, s.loc)
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start runs a sweep every day at the configured time until ctx is done.
// It blocks; errors are logged and the loop keeps going.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info("sweeper started", "at", s.at.String())
	for {
		next := s.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("sweeper stopped")
			return
		case <-timer.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}
