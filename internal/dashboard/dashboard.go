// Package dashboard keeps the latest analytics report and NDVI series for the
// operations dashboard. A report never replaces one that was started after
// it, and a newer NDVI run cancels the one in flight.
package dashboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lox/vineyard/internal/analytics"
	"github.com/lox/vineyard/internal/models"
	"github.com/lox/vineyard/internal/ndvi"
	"github.com/lox/vineyard/internal/sources"
	"github.com/lox/vineyard/internal/store"
	"github.com/lox/vineyard/internal/window"
)

// ErrSuperseded is returned to a caller whose NDVI run was replaced by a newer
// one before it finished.
var ErrSuperseded = errors.New("dashboard: superseded by a newer request")

// RunStore persists NDVI runs and their samples. *store.Store satisfies it.
type RunStore interface {
	StartNDVIRun(ctx context.Context, runID string, year int, fingerprint string) (*store.NDVIRun, error)
	CompleteNDVIRun(ctx context.Context, run *store.NDVIRun) error
	SaveNDVISamples(ctx context.Context, runID string, samples []models.NDVISample) error
	LatestNDVI(ctx context.Context, year int) (*store.NDVIRun, []models.NDVISample, error)
	LastNDVIFingerprint(ctx context.Context, year int) (string, error)
}

// NDVIStatus describes the NDVI pipeline for one year.
type NDVIStatus struct {
	Year        int
	Running     bool
	RunID       string
	Completed   int
	Total       int
	Fingerprint string
	Result      *ndvi.Result
	UpdatedAt   time.Time
}

type Service struct {
	loader *sources.Loader
	orch   *ndvi.Orchestrator
	runs   RunStore
	opts   analytics.Options
	now    func() time.Time

	mu           sync.Mutex
	reportGen    uint64
	publishedGen uint64
	report       *analytics.Analytics

	ndviGen    uint64
	ndviCancel context.CancelFunc
	ndvi       NDVIStatus
}

func New(loader *sources.Loader, orch *ndvi.Orchestrator, runs RunStore, opts analytics.Options) *Service {
	return &Service{
		loader: loader,
		orch:   orch,
		runs:   runs,
		opts:   opts,
		now:    time.Now,
	}
}

// SetClock overrides the clock used for windowing.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Invalidate marks cached source data stale so the next report re-reads it.
func (s *Service) Invalidate() {
	s.loader.MarkStale()
}

// SourceState reports the source cache lifecycle state.
func (s *Service) SourceState() sources.State {
	return s.loader.State()
}

// Report computes analytics for w and returns it to the caller. Concurrent
// reports run independently; only ctx can cut this one short. The result is
// published as Current unless a report started later was published first.
func (s *Service) Report(ctx context.Context, w window.Window) (*analytics.Analytics, error) {
	s.mu.Lock()
	s.reportGen++
	gen := s.reportGen
	s.mu.Unlock()

	snap, err := s.loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}

	a := analytics.Compute(snap, w, s.now(), s.opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen > s.publishedGen {
		s.report = a
		s.publishedGen = gen
	}
	return a, nil
}

// Current returns the last published report, or nil.
func (s *Service) Current() *analytics.Analytics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// NDVIConfigured reports whether NDVI refreshes can run.
func (s *Service) NDVIConfigured() bool {
	return s.orch != nil && s.orch.Configured()
}

// FieldFingerprint returns the fingerprint of the currently mapped blocks and
// the months of year that have started.
func (s *Service) FieldFingerprint(ctx context.Context, year int) (string, []models.Block, error) {
	snap, err := s.loader.Load(ctx)
	if err != nil {
		return "", nil, err
	}
	return ndvi.Fingerprint(snap.Blocks, s.orch.Months(year)), snap.Blocks, nil
}

// RefreshNDVI runs the NDVI orchestration for year. Unless force is set, the
// run is skipped when neither the field set nor the started months have
// changed since the last successful run. A run in flight for an earlier request is cancelled.
func (s *Service) RefreshNDVI(ctx context.Context, year int, force bool) (*ndvi.Result, error) {
	if !s.NDVIConfigured() {
		return nil, ndvi.ErrNotConfigured
	}

	fp, blocks, err := s.FieldFingerprint(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}

	if !force {
		last, err := s.runs.LastNDVIFingerprint(ctx, year)
		if err != nil {
			log.Printf("dashboard: last ndvi fingerprint: %v", err)
		} else if last == fp {
			log.Printf("dashboard: ndvi %d unchanged (fingerprint %s), skipping", year, fp)
			return s.LatestNDVI(ctx, year)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := uuid.NewString()
	s.mu.Lock()
	if s.ndviCancel != nil {
		s.ndviCancel()
	}
	s.ndviGen++
	gen := s.ndviGen
	s.ndviCancel = cancel
	s.ndvi = NDVIStatus{Year: year, Running: true, RunID: runID, Fingerprint: fp, Result: s.ndvi.Result, UpdatedAt: s.now()}
	s.mu.Unlock()

	run, err := s.runs.StartNDVIRun(ctx, runID, year, fp)
	if err != nil {
		log.Printf("dashboard: start ndvi run: %v", err)
	}

	res, err := s.orch.Load(ctx, runID, blocks, year, func(completed, total int) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.ndviGen {
			return
		}
		s.ndvi.Completed, s.ndvi.Total = completed, total
		s.ndvi.UpdatedAt = s.now()
	})

	// the run record outlives a cancelled request context
	recordCtx := context.WithoutCancel(ctx)
	if run != nil && res != nil {
		run.Fields = len(res.Series)
		run.Months = len(res.Months)
		run.Total, run.Completed, run.Failed = res.Total, res.Completed, res.Failed
	}

	s.mu.Lock()
	stale := gen != s.ndviGen
	if !stale {
		s.ndvi.Running = false
		s.ndviCancel = nil
		if err == nil {
			s.ndvi.Result = res
		}
		s.ndvi.UpdatedAt = s.now()
	}
	s.mu.Unlock()

	switch {
	case stale:
		s.completeRun(recordCtx, run, ErrSuperseded)
		return nil, ErrSuperseded
	case err != nil:
		s.completeRun(recordCtx, run, err)
		return nil, err
	}

	if err := s.runs.SaveNDVISamples(recordCtx, runID, res.Samples()); err != nil {
		log.Printf("dashboard: save ndvi samples: %v", err)
		s.completeRun(recordCtx, run, err)
		return res, nil
	}
	s.completeRun(recordCtx, run, nil)
	return res, nil
}

func (s *Service) completeRun(ctx context.Context, run *store.NDVIRun, err error) {
	if run == nil {
		return
	}
	run.Success = err == nil
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	if cerr := s.runs.CompleteNDVIRun(ctx, run); cerr != nil {
		log.Printf("dashboard: complete ndvi run %s: %v", run.RunID, cerr)
	}
}

// NDVI returns the current NDVI pipeline status.
func (s *Service) NDVI() NDVIStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ndvi
}

// LatestNDVI returns the most recent completed series for year, from memory
// when available and otherwise from the last persisted run. It returns nil
// when nothing has been recorded.
func (s *Service) LatestNDVI(ctx context.Context, year int) (*ndvi.Result, error) {
	s.mu.Lock()
	if r := s.ndvi.Result; r != nil && r.Year == year {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	run, samples, err := s.runs.LatestNDVI(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("latest ndvi: %w", err)
	}
	if run == nil {
		return nil, nil
	}
	return resultFromSamples(run, samples), nil
}

func resultFromSamples(run *store.NDVIRun, samples []models.NDVISample) *ndvi.Result {
	res := &ndvi.Result{
		RunID:     run.RunID,
		Year:      run.Year,
		Series:    make(map[string][]ndvi.MonthPoint),
		Total:     run.Total,
		Completed: run.Completed,
		Failed:    run.Failed,
	}
	seen := make(map[time.Month]bool)
	for _, sm := range samples {
		res.Series[sm.FieldID] = append(res.Series[sm.FieldID], ndvi.MonthPoint{
			Month:     sm.Month,
			MonthName: sm.Month.String(),
			Stats:     sm.Stats,
		})
		if !seen[sm.Month] {
			seen[sm.Month] = true
			res.Months = append(res.Months, sm.Month)
		}
	}
	slices.Sort(res.Months)
	return res
}
