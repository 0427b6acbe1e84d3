package sources

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/lox/vineyard/internal/models"
	"github.com/lox/vineyard/internal/store"
)

type fakeReaders struct {
	fail  map[Name]error
	calls atomic.Int32
}

func (f *fakeReaders) err(n Name) error {
	f.calls.Add(1)
	return f.fail[n]
}

func (f *fakeReaders) ListLaborLogs(ctx context.Context, _ store.LaborFilter) ([]models.LaborLog, error) {
	if err := f.err(Labor); err != nil {
		return nil, err
	}
	return []models.LaborLog{{LogDate: "2024-06-01", HoursWorked: sql.NullFloat64{Float64: 8, Valid: true}}}, nil
}

func (f *fakeReaders) ListInventoryTransactions(ctx context.Context, _ *int64, _ int) ([]models.InventoryTransaction, error) {
	if err := f.err(Inventory); err != nil {
		return nil, err
	}
	return []models.InventoryTransaction{{TransactionType: "use", TransactionDate: "2024-06-01", Item: &models.InventoryItem{Name: "Sulfur"}}}, nil
}

func (f *fakeReaders) ListFieldYieldHistory(ctx context.Context, _ string, _ int) ([]models.YieldHistoryEntry, error) {
	if err := f.err(Yield); err != nil {
		return nil, err
	}
	return []models.YieldHistoryEntry{{FieldID: "b1", HarvestDate: "2024-09-01"}}, nil
}

func (f *fakeReaders) ListVineyardBlocks(ctx context.Context) ([]models.Block, error) {
	if err := f.err(Blocks); err != nil {
		return nil, err
	}
	return []models.Block{{ID: "b1", Name: "North"}}, nil
}

func (f *fakeReaders) ListSprayApplications(ctx context.Context) ([]models.SprayApplication, error) {
	if err := f.err(Sprays); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeReaders) ListHarvestSamples(ctx context.Context, _ string, _ int) ([]models.HarvestSample, error) {
	if err := f.err(Harvest); err != nil {
		return nil, err
	}
	return []models.HarvestSample{{FieldID: "b1", SampleDate: "2024-08-20"}}, nil
}

func (f *fakeReaders) ListIrrigationEvents(ctx context.Context) ([]models.IrrigationEvent, error) {
	if err := f.err(Irrigation); err != nil {
		return nil, err
	}
	return []models.IrrigationEvent{{EventDate: "2024-07-01"}}, nil
}

func TestLoadAll_AllSourcesOK(t *testing.T) {
	snap := LoadAll(context.Background(), &fakeReaders{})

	if snap.Incomplete() {
		t.Errorf("unexpected degraded sources: %v", snap.Degraded)
	}
	if len(snap.Labor) != 1 || len(snap.Inventory) != 1 || len(snap.Yield) != 1 || len(snap.Blocks) != 1 {
		t.Errorf("labor/inventory/yield/blocks = %d/%d/%d/%d, want one each",
			len(snap.Labor), len(snap.Inventory), len(snap.Yield), len(snap.Blocks))
	}
	if snap.Sprays == nil || len(snap.Sprays) != 0 {
		t.Errorf("sprays = %#v, nil reader result should become an empty set", snap.Sprays)
	}
	if len(snap.Harvest) != 1 || len(snap.Irrigation) != 1 {
		t.Errorf("harvest/irrigation = %d/%d, want 1/1", len(snap.Harvest), len(snap.Irrigation))
	}
	if snap.LoadedAt.IsZero() {
		t.Error("LoadedAt not set")
	}
}

func TestLoadAll_FailureDegradesOnlyThatSource(t *testing.T) {
	r := &fakeReaders{fail: map[Name]error{
		Labor:      errors.New("connection reset"),
		Irrigation: errors.New("permission denied"),
	}}
	snap := LoadAll(context.Background(), r)

	if !snap.Incomplete() {
		t.Fatal("expected an incomplete snapshot")
	}
	if want := []Name{Irrigation, Labor}; !reflect.DeepEqual(snap.Degraded, want) {
		t.Errorf("degraded = %v, want %v", snap.Degraded, want)
	}
	if snap.Labor == nil || len(snap.Labor) != 0 || len(snap.Irrigation) != 0 {
		t.Errorf("failed sources should be empty sets, labor %#v irrigation %#v", snap.Labor, snap.Irrigation)
	}
	if len(snap.Inventory) != 1 || len(snap.Blocks) != 1 {
		t.Errorf("inventory/blocks = %d/%d, healthy sources should load", len(snap.Inventory), len(snap.Blocks))
	}
	if got := r.calls.Load(); got != 7 {
		t.Errorf("reader calls = %d, every reader should be called even when some fail", got)
	}
}

func TestSettle_WaitsForAll(t *testing.T) {
	var done atomic.Int32
	tasks := make([]Task, 0, 10)
	for i := range 10 {
		name := Name("task")
		if i%3 == 0 {
			name = Name("bad")
		}
		tasks = append(tasks, Task{Name: name, Run: func(ctx context.Context) error {
			done.Add(1)
			if name == "bad" {
				return errors.New("boom")
			}
			return nil
		}})
	}

	failed := Settle(context.Background(), tasks...)

	if done.Load() != 10 {
		t.Errorf("ran %d tasks, want 10", done.Load())
	}
	if len(failed) != 4 {
		t.Errorf("failed = %v, want 4 entries", failed)
	}
}

func TestLoader_Lifecycle(t *testing.T) {
	r := &fakeReaders{}
	l := NewLoader(r)
	ctx := context.Background()

	if l.State() != StateInit {
		t.Fatalf("state = %s, want init", l.State())
	}

	first, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.State() != StateLoaded {
		t.Errorf("state = %s, want loaded", l.State())
	}

	second, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if second != first || r.calls.Load() != 7 {
		t.Errorf("loaded snapshot should be served from cache, calls = %d", r.calls.Load())
	}

	l.MarkStale()
	if l.State() != StateStale {
		t.Errorf("state = %s, want stale", l.State())
	}

	third, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if third == first || r.calls.Load() != 14 {
		t.Errorf("stale cache should be re-read, calls = %d", r.calls.Load())
	}
	if l.State() != StateLoaded {
		t.Errorf("state = %s, want loaded", l.State())
	}

	if _, err := l.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if r.calls.Load() != 21 {
		t.Errorf("calls = %d after reload, want 21", r.calls.Load())
	}
}

func TestLoader_CancelledLoadNotCached(t *testing.T) {
	l := NewLoader(&fakeReaders{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Load(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if l.State() != StateInit {
		t.Errorf("state = %s, want init", l.State())
	}
}

func TestLoadAll_AgainstStore(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := st.UpsertBlock(ctx, models.Block{ID: "b1", Name: "North", Acreage: 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.InsertLaborLog(ctx, models.LaborLog{LogDate: "2024-06-01", HoursWorked: sql.NullFloat64{Float64: -1, Valid: true}}); err != nil {
		t.Fatal(err)
	}

	snap := LoadAll(ctx, st)

	if snap.Incomplete() {
		t.Errorf("unexpected degraded sources: %v", snap.Degraded)
	}
	if len(snap.Blocks) != 1 {
		t.Errorf("blocks = %d, want 1", len(snap.Blocks))
	}
	if got := snap.Flagged["labor_logs/negative_hours"]; got != 1 {
		t.Errorf("negative hours flagged = %d, want 1", got)
	}
}
