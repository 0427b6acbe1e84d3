package ndvi

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lox/vineyard/internal/geo"
	"github.com/lox/vineyard/internal/models"
)

type fakeProvider struct {
	configured bool
	fail       func(block models.Block, month time.Month) error
	delay      time.Duration

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) FetchNDVI(ctx context.Context, block models.Block, from, to time.Time) (models.NDVIStats, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		if err := f.fail(block, from.Month()); err != nil {
			return models.NDVIStats{}, err
		}
	}
	return models.NDVIStats{Mean: 0.5 + float64(from.Month())/100, Min: 0.1, Max: 0.9, StdDev: 0.05}, nil
}

func square(lat, lng float64) *geo.Polygon {
	return geo.NewPolygon(
		geo.Point{Lat: lat, Lng: lng},
		geo.Point{Lat: lat, Lng: lng + 0.001},
		geo.Point{Lat: lat + 0.001, Lng: lng + 0.001},
		geo.Point{Lat: lat + 0.001, Lng: lng},
	)
}

func testBlocks() []models.Block {
	return []models.Block{
		{ID: "b1", Name: "North", Geometry: square(-36.79, 146.97)},
		{ID: "b2", Name: "South", Geometry: square(-36.80, 146.97)},
		{ID: "b3", Name: "Unmapped"},
	}
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestGrowingSeason(t *testing.T) {
	tests := []struct {
		name string
		year int
		now  time.Time
		want []time.Month
	}{
		{"past year", 2023, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), []time.Month{4, 5, 6, 7, 8, 9, 10}},
		{"before season", 2024, time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC), nil},
		{"first day of april", 2024, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), []time.Month{4}},
		{"mid season", 2024, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), []time.Month{4, 5, 6}},
		{"future year", 2025, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GrowingSeason(tt.year, tt.now); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("GrowingSeason(%d) = %v, want %v", tt.year, got, tt.want)
			}
		})
	}
}

func TestLoad_NotConfigured(t *testing.T) {
	p := &fakeProvider{}
	o := New(p, 4)

	res, err := o.Load(context.Background(), "", testBlocks(), 2024, nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if p.calls.Load() != 0 {
		t.Errorf("provider called %d times", p.calls.Load())
	}
}

func TestLoad_SeriesAndMissingGeometry(t *testing.T) {
	p := &fakeProvider{configured: true}
	o := New(p, 4)
	o.SetClock(fixedClock(time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)))

	res, err := o.Load(context.Background(), "", testBlocks(), 2024, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if res.RunID == "" {
		t.Error("expected a generated run id")
	}
	if len(res.Series) != 2 {
		t.Errorf("series = %d fields, want 2", len(res.Series))
	}
	if _, ok := res.Series["b3"]; ok {
		t.Error("block without geometry should not be a key")
	}
	if res.Total != 6 || res.Completed != 6 || res.Failed != 0 {
		t.Errorf("total/completed/failed = %d/%d/%d, want 6/6/0", res.Total, res.Completed, res.Failed)
	}
	if p.calls.Load() != 6 {
		t.Errorf("calls = %d, want 6", p.calls.Load())
	}

	series := res.Series["b1"]
	if len(series) != 3 {
		t.Fatalf("b1 series = %d points, want 3", len(series))
	}
	for i, m := range []time.Month{time.April, time.May, time.June} {
		if series[i].Month != m || series[i].MonthName != m.String() {
			t.Errorf("point %d = %s/%s, want %s", i, series[i].Month, series[i].MonthName, m)
		}
		if series[i].MeanNDVI() == nil {
			t.Errorf("point %d has no mean", i)
		}
	}
	if got := *series[0].MeanNDVI(); math.Abs(got-0.54) > 1e-9 {
		t.Errorf("april mean = %v, want 0.54", got)
	}
	if !series[0].Stats.From.Equal(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("From = %v", series[0].Stats.From)
	}
	if !series[0].Stats.To.Equal(time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("To = %v", series[0].Stats.To)
	}
}

func TestLoad_DuplicateBlockID(t *testing.T) {
	p := &fakeProvider{configured: true}
	o := New(p, 4)
	o.SetClock(fixedClock(time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)))

	blocks := append(testBlocks(), models.Block{ID: "b1", Name: "North again", Geometry: square(-36.70, 146.90)})
	res, err := o.Load(context.Background(), "", blocks, 2024, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if res.Total != 4 || res.Completed != 4 {
		t.Errorf("total/completed = %d/%d, want 4/4", res.Total, res.Completed)
	}
	if p.calls.Load() != 4 {
		t.Errorf("calls = %d, want 4", p.calls.Load())
	}
	if len(res.Series) != 2 || len(res.Series["b1"]) != 2 {
		t.Errorf("series = %+v", res.Series)
	}
}

func TestLoad_FaultIsolation(t *testing.T) {
	p := &fakeProvider{
		configured: true,
		fail: func(b models.Block, m time.Month) error {
			if b.ID == "b2" && m == time.May {
				return errors.New("upstream 500")
			}
			if b.ID == "b1" && m == time.July {
				return ErrNoData
			}
			return nil
		},
	}
	o := New(p, 3)
	o.SetClock(fixedClock(time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)))

	res, err := o.Load(context.Background(), "", testBlocks(), 2024, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if res.Total != 14 || res.Completed != 14 {
		t.Errorf("total/completed = %d/%d, want 14/14", res.Total, res.Completed)
	}
	if res.Failed != 2 || res.NoData != 1 || res.Errored() != 1 {
		t.Errorf("failed/noData/errored = %d/%d/%d, want 2/1/1", res.Failed, res.NoData, res.Errored())
	}

	for id, series := range res.Series {
		if len(series) != 7 {
			t.Fatalf("%s series = %d points, want 7", id, len(series))
		}
		for _, p := range series {
			gap := (id == "b2" && p.Month == time.May) || (id == "b1" && p.Month == time.July)
			switch {
			case gap && p.MeanNDVI() != nil:
				t.Errorf("%s %s: expected a gap", id, p.Month)
			case gap && p.MonthName != p.Month.String():
				t.Errorf("%s %s: gap lost its month name", id, p.Month)
			case !gap && p.MeanNDVI() == nil:
				t.Errorf("%s %s: unexpected gap", id, p.Month)
			}
		}
	}
}

func TestLoad_ProgressMonotonic(t *testing.T) {
	p := &fakeProvider{configured: true, delay: time.Millisecond}
	o := New(p, 4)
	o.SetClock(fixedClock(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)))

	var mu sync.Mutex
	var seen [][2]int
	_, err := o.Load(context.Background(), "", testBlocks(), 2024, func(completed, total int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, [2]int{completed, total})
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(seen) != 15 {
		t.Fatalf("progress calls = %d, want 15", len(seen))
	}
	if seen[0] != [2]int{0, 14} {
		t.Errorf("first progress = %v, want [0 14]", seen[0])
	}
	for i := 1; i < len(seen); i++ {
		if seen[i][1] != 14 {
			t.Errorf("progress %d total = %d, want 14", i, seen[i][1])
		}
		if seen[i][0] != seen[i-1][0]+1 {
			t.Errorf("progress %d completed = %d after %d", i, seen[i][0], seen[i-1][0])
		}
	}
}

func TestLoad_BoundedConcurrency(t *testing.T) {
	p := &fakeProvider{configured: true, delay: 5 * time.Millisecond}
	o := New(p, 2)
	o.SetClock(fixedClock(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)))

	if _, err := o.Load(context.Background(), "", testBlocks(), 2024, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if p.maxSeen.Load() > 2 {
		t.Errorf("max in flight = %d, want <= 2", p.maxSeen.Load())
	}
	if p.calls.Load() != 14 {
		t.Errorf("calls = %d, want 14", p.calls.Load())
	}
}

func TestLoad_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{configured: true}
	p.fail = func(models.Block, time.Month) error {
		cancel()
		return nil
	}
	o := New(p, 1)
	o.SetClock(fixedClock(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)))

	res, err := o.Load(ctx, "", testBlocks(), 2024, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res == nil {
		t.Fatal("expected a partial result")
	}
	if res.Completed != res.Total {
		t.Errorf("completed = %d, want every query settled (%d)", res.Completed, res.Total)
	}
	calls := int(p.calls.Load())
	if calls >= 14 {
		t.Errorf("calls = %d, queries after cancellation should not be dispatched", calls)
	}
	if res.Failed != res.Total-calls {
		t.Errorf("failed = %d, want %d", res.Failed, res.Total-calls)
	}
}

func TestLoad_NoSeasonYet(t *testing.T) {
	o := New(&fakeProvider{configured: true}, 0)
	o.SetClock(fixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))

	res, err := o.Load(context.Background(), "", testBlocks(), 2024, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if res.Total != 0 {
		t.Errorf("total = %d, want 0", res.Total)
	}
	if len(res.Series) != 2 || len(res.Series["b1"]) != 0 {
		t.Errorf("series = %+v, want two empty fields", res.Series)
	}
}

func TestResult_Samples(t *testing.T) {
	o := New(&fakeProvider{configured: true}, 2)
	o.SetClock(fixedClock(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)))

	res, err := o.Load(context.Background(), "", testBlocks(), 2024, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	samples := res.Samples()
	if len(samples) != 4 {
		t.Fatalf("samples = %d, want 4", len(samples))
	}
	if s := samples[0]; s.FieldID != "b1" || s.Month != time.April || s.Year != 2024 {
		t.Errorf("first sample = %+v", s)
	}
	if s := samples[3]; s.FieldID != "b2" || s.Month != time.May {
		t.Errorf("last sample = %+v", s)
	}
}

func TestFingerprint(t *testing.T) {
	season := []time.Month{time.April, time.May}
	blocks := testBlocks()
	base := Fingerprint(blocks, season)

	reversed := []models.Block{blocks[2], blocks[1], blocks[0]}
	if Fingerprint(reversed, season) != base {
		t.Error("block order should not matter")
	}

	renamed := testBlocks()
	renamed[0].Name = "Renamed"
	if Fingerprint(renamed, season) != base {
		t.Error("names are not part of the field set")
	}

	mapped := testBlocks()
	mapped[2].Geometry = square(-36.81, 146.97)
	if Fingerprint(mapped, season) == base {
		t.Error("newly mapped block should change the fingerprint")
	}

	moved := testBlocks()
	moved[0].Geometry = square(-36.70, 146.97)
	if Fingerprint(moved, season) == base {
		t.Error("moved geometry should change the fingerprint")
	}

	if Fingerprint(blocks, []time.Month{time.April, time.May, time.June}) == base {
		t.Error("a newly started month should change the fingerprint")
	}

	dup := append(testBlocks(), models.Block{ID: "b1", Geometry: square(-36.60, 146.90)})
	if Fingerprint(dup, season) != base {
		t.Error("a repeated block id should be ignored")
	}
}
