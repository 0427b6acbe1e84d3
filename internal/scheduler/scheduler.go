package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/vineyard/internal/dashboard"
	"github.com/lox/vineyard/internal/ndvi"
	"github.com/lox/vineyard/internal/window"
)

var (
	errIncomplete = errors.New("snapshot incomplete")
	errPartial    = errors.New("ndvi run had failed queries")
)

type Scheduler struct {
	svc    *dashboard.Service
	period window.Period
	now    func() time.Time

	analyticsInterval time.Duration
	ndviInterval      time.Duration
	newBackOff        func() backoff.BackOff
}

func New(svc *dashboard.Service, period window.Period) *Scheduler {
	if period == "" {
		period = window.PeriodYTD
	}
	return &Scheduler{
		svc:               svc,
		period:            period,
		now:               time.Now,
		analyticsInterval: 15 * time.Minute,
		ndviInterval:      6 * time.Hour,
		newBackOff:        defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 30 * time.Second
	bo.MaxInterval = 10 * time.Minute
	bo.MaxElapsedTime = time.Hour
	return bo
}

// SetIntervals overrides how often analytics and NDVI are refreshed.
func (s *Scheduler) SetIntervals(analytics, ndvi time.Duration) {
	if analytics > 0 {
		s.analyticsInterval = analytics
	}
	if ndvi > 0 {
		s.ndviInterval = ndvi
	}
}

// SetBackOff overrides the pacing between whole re-runs of an incomplete
// refresh.
func (s *Scheduler) SetBackOff(f func() backoff.BackOff) {
	s.newBackOff = f
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) Run(ctx context.Context) {
	s.RunOnce(ctx)

	analyticsTicker := time.NewTicker(s.analyticsInterval)
	ndviTicker := time.NewTicker(s.ndviInterval)
	defer analyticsTicker.Stop()
	defer ndviTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-analyticsTicker.C:
			s.logErr("analytics", s.RefreshAnalytics(ctx))
		case <-ndviTicker.C:
			s.logErr("ndvi", s.RefreshNDVI(ctx))
		}
	}
}

// RunOnce refreshes analytics and then NDVI.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.logErr("analytics", s.RefreshAnalytics(ctx))
	s.logErr("ndvi", s.RefreshNDVI(ctx))
}

func (s *Scheduler) logErr(job string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("scheduler: %s: %v", job, err)
}

// RefreshAnalytics re-reads every source and publishes a new report. While
// any source stays degraded the whole refresh is run again, paced by the
// backoff, until it completes or the backoff gives up.
func (s *Scheduler) RefreshAnalytics(ctx context.Context) error {
	w := window.Window{Period: s.period, Year: s.now().Year()}
	attempt := 0

	op := func() error {
		attempt++
		s.svc.Invalidate()
		a, err := s.svc.Report(ctx, w)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		case err != nil:
			return err
		}
		if a.Incomplete() {
			log.Printf("scheduler: analytics %s attempt %d incomplete, degraded: %v", w, attempt, a.Degraded)
			return errIncomplete
		}
		log.Printf("scheduler: analytics %s refreshed: total costs %.2f, yield %.2f t", w, a.TotalCosts, a.TotalYield)
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("refresh analytics: %w", err)
	}
	return nil
}

// RefreshNDVI runs the NDVI pipeline for the current year when the field set
// has changed. A run with failed queries is repeated as a whole, forced past
// the fingerprint check, until no query errors or the backoff gives up.
// Months without imagery are not retried.
func (s *Scheduler) RefreshNDVI(ctx context.Context) error {
	if !s.svc.NDVIConfigured() {
		return nil
	}
	year := s.now().Year()
	force := false

	op := func() error {
		res, err := s.svc.RefreshNDVI(ctx, year, force)
		switch {
		case errors.Is(err, ndvi.ErrNotConfigured), errors.Is(err, dashboard.ErrSuperseded), ctx.Err() != nil:
			return backoff.Permanent(err)
		case err != nil:
			return err
		}
		if res != nil && res.Errored() > 0 {
			log.Printf("scheduler: ndvi %d run %s: %d/%d queries failed", year, res.RunID, res.Errored(), res.Total)
			force = true
			return errPartial
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("refresh ndvi: %w", err)
	}
	return nil
}
