// Package ndvi fans out per-field, per-month vegetation index queries and
// assembles them into monthly series with explicit gaps.
package ndvi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lox/vineyard/internal/metrics"
	"github.com/lox/vineyard/internal/models"
)

const DefaultConcurrency = 8

var (
	ErrNotConfigured = errors.New("ndvi: provider not configured")
	ErrNoData        = errors.New("ndvi: no data for period")
)

// Provider fetches NDVI statistics for one block over [from, to).
type Provider interface {
	Configured() bool
	FetchNDVI(ctx context.Context, block models.Block, from, to time.Time) (models.NDVIStats, error)
}

// Progress receives (completed, total) after every settled query. Calls are
// serialized and completed never decreases.
type Progress func(completed, total int)

// MonthPoint is one slot of a field's series. Stats is nil when the query
// failed, was skipped or returned no data.
type MonthPoint struct {
	Month     time.Month
	MonthName string
	Stats     *models.NDVIStats
}

// MeanNDVI returns the mean index value or nil for a gap.
func (p MonthPoint) MeanNDVI() *float64 {
	if p.Stats == nil {
		return nil
	}
	v := p.Stats.Mean
	return &v
}

type Result struct {
	RunID     string
	Year      int
	Months    []time.Month
	Series    map[string][]MonthPoint
	Total     int
	Completed int
	Failed    int
	NoData    int
}

// Errored counts failed queries that did not simply lack imagery.
func (r *Result) Errored() int {
	return r.Failed - r.NoData
}

// Samples flattens the series for persistence.
func (r *Result) Samples() []models.NDVISample {
	ids := make([]string, 0, len(r.Series))
	for id := range r.Series {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []models.NDVISample
	for _, id := range ids {
		for _, p := range r.Series[id] {
			out = append(out, models.NDVISample{FieldID: id, Year: r.Year, Month: p.Month, Stats: p.Stats})
		}
	}
	return out
}

type Orchestrator struct {
	provider    Provider
	concurrency int
	now         func() time.Time
}

func New(p Provider, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Orchestrator{provider: p, concurrency: concurrency, now: time.Now}
}

// SetClock overrides the clock used to decide which months have started.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Configured reports whether the provider can be queried at all.
func (o *Orchestrator) Configured() bool {
	return o.provider != nil && o.provider.Configured()
}

// GrowingSeason returns April through October of year, limited to months
// that have started as of now.
func GrowingSeason(year int, now time.Time) []time.Month {
	var months []time.Month
	for m := time.April; m <= time.October; m++ {
		start := time.Date(year, m, 1, 0, 0, 0, 0, now.Location())
		if start.After(now) {
			break
		}
		months = append(months, m)
	}
	return months
}

// Months returns the growing-season months of year that have started by the
// orchestrator's clock.
func (o *Orchestrator) Months(year int) []time.Month {
	return GrowingSeason(year, o.now())
}

// Fields returns the blocks that can be queried: those with usable geometry,
// first occurrence wins for a repeated id.
func Fields(blocks []models.Block) []models.Block {
	var fields []models.Block
	seen := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		if !b.HasGeometry() {
			continue
		}
		if seen[b.ID] {
			log.Printf("ndvi: duplicate block id %s, ignoring", b.ID)
			continue
		}
		seen[b.ID] = true
		fields = append(fields, b)
	}
	return fields
}

type task struct {
	field int
	month int
}

// Load queries every (field with geometry × started growing-season month)
// once, concurrently, bounded by the orchestrator's concurrency. A failed
// query becomes a gap in that field's series and never affects the others.
// Fields without usable geometry are absent from the result, and a repeated
// block id is queried once.
//
// If ctx is cancelled, queries not yet dispatched settle as gaps and the
// partial result is returned with ctx's error. An empty runID is replaced
// with a new UUID.
func (o *Orchestrator) Load(ctx context.Context, runID string, blocks []models.Block, year int, progress Progress) (*Result, error) {
	if !o.Configured() {
		return nil, ErrNotConfigured
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	months := o.Months(year)
	fields := Fields(blocks)

	res := &Result{
		RunID:  runID,
		Year:   year,
		Months: months,
		Series: make(map[string][]MonthPoint, len(fields)),
		Total:  len(fields) * len(months),
	}

	var tasks []task
	for fi := range fields {
		for mi := range months {
			tasks = append(tasks, task{field: fi, month: mi})
		}
	}
	stats := make([]*models.NDVIStats, len(tasks))

	log.Printf("ndvi: run %s: %d fields x %d months = %d queries (concurrency %d)",
		res.RunID, len(fields), len(months), res.Total, o.concurrency)

	var mu sync.Mutex
	settle := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		res.Completed++
		if err != nil {
			res.Failed++
		}
		if errors.Is(err, ErrNoData) {
			res.NoData++
		}
		if progress != nil {
			progress(res.Completed, res.Total)
		}
	}
	if progress != nil {
		progress(0, res.Total)
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			metrics.NDVIQueriesTotal.WithLabelValues("skipped").Inc()
			settle(err)
			continue
		}
		field, month := fields[t.field], months[t.month]
		g.Go(func() error {
			s, err := o.query(ctx, field, year, month)
			if err != nil {
				log.Printf("ndvi: %s %s %d: %v", field.ID, month, year, err)
				settle(err)
				return nil
			}
			stats[i] = s
			settle(nil)
			return nil
		})
	}
	g.Wait()

	for fi, f := range fields {
		series := make([]MonthPoint, len(months))
		for mi, m := range months {
			series[mi] = MonthPoint{Month: m, MonthName: m.String(), Stats: stats[fi*len(months)+mi]}
		}
		res.Series[f.ID] = series
	}

	if err := ctx.Err(); err != nil {
		log.Printf("ndvi: run %s cancelled after %d/%d queries", res.RunID, res.Completed, res.Total)
		metrics.NDVIRunsTotal.WithLabelValues("cancelled").Inc()
		return res, err
	}

	log.Printf("ndvi: run %s finished: %d/%d queries ok", res.RunID, res.Total-res.Failed, res.Total)
	metrics.NDVIRunsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (o *Orchestrator) query(ctx context.Context, field models.Block, year int, month time.Month) (*models.NDVIStats, error) {
	if err := ctx.Err(); err != nil {
		metrics.NDVIQueriesTotal.WithLabelValues("skipped").Inc()
		return nil, err
	}

	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	metrics.NDVIInFlight.Inc()
	start := time.Now()
	s, err := o.provider.FetchNDVI(ctx, field, from, to)
	metrics.NDVIQueryLatency.Observe(time.Since(start).Seconds())
	metrics.NDVIInFlight.Dec()

	switch {
	case errors.Is(err, ErrNoData):
		metrics.NDVIQueriesTotal.WithLabelValues("no_data").Inc()
		return nil, err
	case err != nil:
		metrics.NDVIQueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.NDVIQueriesTotal.WithLabelValues("ok").Inc()
	if s.From.IsZero() {
		s.From = from
	}
	if s.To.IsZero() {
		s.To = to.AddDate(0, 0, -1)
	}
	return &s, nil
}

// Fingerprint identifies what an NDVI run covers: ids and geometry of every
// block that would be queried, plus the months queried. Order of blocks does
// not matter.
func Fingerprint(blocks []models.Block, months []time.Month) string {
	var parts []string
	for _, b := range Fields(blocks) {
		p := b.ID
		for _, pt := range b.Geometry.Ring {
			p += fmt.Sprintf("|%.6f,%.6f", pt.Lat, pt.Lng)
		}
		parts = append(parts, p)
	}
	sort.Strings(parts)

	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	for _, m := range months {
		fmt.Fprintf(h, "m%d;", int(m))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
