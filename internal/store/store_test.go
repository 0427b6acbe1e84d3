package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/vineyard/internal/geo"
	"github.com/lox/vineyard/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
}

func TestUpsertAndListBlocks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	poly := geo.NewPolygon(geo.Point{Lat: -36.79, Lng: 146.97}, geo.Point{Lat: -36.79, Lng: 146.98}, geo.Point{Lat: -36.80, Lng: 146.98})
	blocks := []models.Block{
		{ID: "b1", Name: "North Block", Variety: "Shiraz", Acreage: 4.5, Geometry: poly},
		{ID: "b2", Name: "South Block", Variety: "Riesling", Acreage: 2},
	}
	for _, b := range blocks {
		if err := store.UpsertBlock(ctx, b); err != nil {
			t.Fatalf("UpsertBlock %s: %v", b.ID, err)
		}
	}

	got, err := store.ListVineyardBlocks(ctx)
	if err != nil {
		t.Fatalf("ListVineyardBlocks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(got))
	}
	if !got[0].HasGeometry() {
		t.Error("North Block should have geometry")
	}
	if got[1].Geometry != nil {
		t.Error("South Block should have no geometry")
	}
	if got[0].Geometry.Ring[1] != poly.Ring[1] {
		t.Errorf("geometry vertex = %+v, want %+v", got[0].Geometry.Ring[1], poly.Ring[1])
	}

	blocks[1].Name = "South Block (replanted)"
	if err := store.UpsertBlock(ctx, blocks[1]); err != nil {
		t.Fatalf("UpsertBlock update: %v", err)
	}
	got, _ = store.ListVineyardBlocks(ctx)
	if len(got) != 2 || got[1].Name != "South Block (replanted)" {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestListBlocks_BadGeometryKeepsBlock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.db.Exec(`INSERT INTO vineyard_blocks (id, name, acreage, geometry) VALUES ('b1', 'Broken', 1, 'not geojson')`); err != nil {
		t.Fatal(err)
	}
	got, err := store.ListVineyardBlocks(ctx)
	if err != nil {
		t.Fatalf("ListVineyardBlocks: %v", err)
	}
	if len(got) != 1 || got[0].Geometry != nil {
		t.Errorf("got %+v, want one block without geometry", got)
	}
}

func TestLaborLogs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	logs := []models.LaborLog{
		{FieldID: sql.NullString{String: "b1", Valid: true}, Worker: "Ana", LogDate: "2024-06-01", HoursWorked: nf(8), HourlyRate: nf(25)},
		{FieldID: sql.NullString{String: "b2", Valid: true}, Worker: "Ben", LogDate: "2024-07-15", HoursWorked: nf(4)},
		{Worker: "Cy", LogDate: "2023-12-31", HoursWorked: nf(2), HourlyRate: nf(20)},
	}
	for _, l := range logs {
		if _, err := store.InsertLaborLog(ctx, l); err != nil {
			t.Fatalf("InsertLaborLog: %v", err)
		}
	}

	all, err := store.ListLaborLogs(ctx, LaborFilter{})
	if err != nil {
		t.Fatalf("ListLaborLogs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].LogDate != "2023-12-31" {
		t.Errorf("first = %s, want oldest first", all[0].LogDate)
	}
	if all[2].HourlyRate.Valid {
		t.Error("missing hourly rate should scan as NULL")
	}

	filtered, err := store.ListLaborLogs(ctx, LaborFilter{FieldID: "b1", From: "2024-01-01", To: "2024-12-31"})
	if err != nil {
		t.Fatalf("ListLaborLogs filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Cost() != 200 {
		t.Errorf("filtered = %+v, want the 8h x 25 log", filtered)
	}
}

func TestInventoryTransactions_JoinItem(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	chemID, err := store.InsertInventoryItem(ctx, models.InventoryItem{Name: "Sulfur", Category: "chemical", Unit: "lb", UnitCost: nf(10)})
	if err != nil {
		t.Fatalf("InsertInventoryItem: %v", err)
	}
	for _, tx := range []models.InventoryTransaction{
		{ItemID: chemID, TransactionType: "purchase", Quantity: nf(50), TransactionDate: "2024-05-01"},
		{ItemID: chemID, TransactionType: "use", Quantity: nf(-5), TransactionDate: "2024-06-01"},
		{ItemID: 999, TransactionType: "use", Quantity: nf(-1), TransactionDate: "2024-06-02"},
	} {
		if _, err := store.InsertInventoryTransaction(ctx, tx); err != nil {
			t.Fatalf("InsertInventoryTransaction: %v", err)
		}
	}

	all, err := store.ListInventoryTransactions(ctx, nil, 0)
	if err != nil {
		t.Fatalf("ListInventoryTransactions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Item != nil {
		t.Error("orphan transaction should have no joined item")
	}
	if all[1].Item == nil || all[1].UnitCost() != 10 || all[1].Category() != "chemical" {
		t.Errorf("joined item = %+v, want Sulfur at 10", all[1].Item)
	}

	limited, err := store.ListInventoryTransactions(ctx, &chemID, 1)
	if err != nil {
		t.Fatalf("ListInventoryTransactions limited: %v", err)
	}
	if len(limited) != 1 || limited[0].TransactionDate != "2024-06-01" {
		t.Errorf("limited = %+v, want newest Sulfur transaction", limited)
	}
}

func TestYieldHistoryAndSamples(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, y := range []models.YieldHistoryEntry{
		{FieldID: "b1", Year: 2023, HarvestDate: "2023-09-20", Tons: nf(10), PricePerTon: nf(2000), Brix: nf(24)},
		{FieldID: "b1", Year: 2024, HarvestDate: "2024-09-18", Tons: nf(12), Brix: nf(23.5)},
		{FieldID: "b2", Year: 2024, HarvestDate: "2024-09-25", Tons: nf(6)},
	} {
		if _, err := store.InsertYieldHistory(ctx, y); err != nil {
			t.Fatalf("InsertYieldHistory: %v", err)
		}
	}
	for _, h := range []models.HarvestSample{
		{FieldID: "b1", SampleDate: "2024-08-30", Brix: nf(21)},
		{FieldID: "b1", SampleDate: "2023-08-30", Brix: nf(20)},
		{FieldID: "b2", SampleDate: "2024-09-01", PH: nf(3.4)},
	} {
		if _, err := store.InsertHarvestSample(ctx, h); err != nil {
			t.Fatalf("InsertHarvestSample: %v", err)
		}
	}

	y2024, err := store.ListFieldYieldHistory(ctx, "", 2024)
	if err != nil {
		t.Fatalf("ListFieldYieldHistory: %v", err)
	}
	if len(y2024) != 2 {
		t.Errorf("2024 yield rows = %d, want 2", len(y2024))
	}
	b1, _ := store.ListFieldYieldHistory(ctx, "b1", 0)
	if len(b1) != 2 {
		t.Errorf("b1 yield rows = %d, want 2", len(b1))
	}

	samples, err := store.ListHarvestSamples(ctx, "b1", 2024)
	if err != nil {
		t.Fatalf("ListHarvestSamples: %v", err)
	}
	if len(samples) != 1 || samples[0].SampleDate != "2024-08-30" {
		t.Errorf("samples = %+v, want one 2024 b1 sample", samples)
	}
}

func TestSprayAndIrrigation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertSprayApplication(ctx, models.SprayApplication{Product: "Sulfur", ApplicationDate: "2024-05-01"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertIrrigationEvent(ctx, models.IrrigationEvent{EventDate: "2024-07-01", TotalWaterGallons: nf(1200)}); err != nil {
		t.Fatal(err)
	}

	sprays, err := store.ListSprayApplications(ctx)
	if err != nil || len(sprays) != 1 {
		t.Fatalf("ListSprayApplications = %v, %v", sprays, err)
	}
	events, err := store.ListIrrigationEvents(ctx)
	if err != nil || len(events) != 1 {
		t.Fatalf("ListIrrigationEvents = %v, %v", events, err)
	}
	if events[0].Source != "manual" {
		t.Errorf("Source = %q, want manual default", events[0].Source)
	}
}

func TestNDVIRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, err := store.StartNDVIRun(ctx, "run-1", 2024, "fp-a")
	if err != nil {
		t.Fatalf("StartNDVIRun: %v", err)
	}

	none, _, err := store.LatestNDVI(ctx, 2024)
	if err != nil {
		t.Fatalf("LatestNDVI: %v", err)
	}
	if none != nil {
		t.Error("unfinished run should not be returned")
	}

	from := time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	samples := []models.NDVISample{
		{FieldID: "b1", Year: 2024, Month: time.April, Stats: &models.NDVIStats{Mean: 0.42, Min: 0.1, Max: 0.7, StdDev: 0.05, From: from, To: from.AddDate(0, 1, -1)}},
		{FieldID: "b1", Year: 2024, Month: time.May},
	}
	if err := store.SaveNDVISamples(ctx, run.RunID, samples); err != nil {
		t.Fatalf("SaveNDVISamples: %v", err)
	}

	run.Fields, run.Months, run.Total, run.Completed, run.Failed = 1, 2, 2, 2, 1
	run.Success = true
	if err := store.CompleteNDVIRun(ctx, run); err != nil {
		t.Fatalf("CompleteNDVIRun: %v", err)
	}

	latest, got, err := store.LatestNDVI(ctx, 2024)
	if err != nil {
		t.Fatalf("LatestNDVI: %v", err)
	}
	if latest == nil || latest.RunID != "run-1" || latest.Failed != 1 {
		t.Fatalf("latest = %+v", latest)
	}
	if len(got) != 2 {
		t.Fatalf("len(samples) = %d, want 2", len(got))
	}
	if got[0].Stats == nil || got[0].Stats.Mean != 0.42 {
		t.Errorf("april = %+v, want mean 0.42", got[0].Stats)
	}
	if got[1].Stats != nil {
		t.Errorf("may = %+v, want nil stats", got[1].Stats)
	}

	fp, err := store.LastNDVIFingerprint(ctx, 2024)
	if err != nil {
		t.Fatalf("LastNDVIFingerprint: %v", err)
	}
	if fp != "fp-a" {
		t.Errorf("fingerprint = %q, want fp-a", fp)
	}

	runs, err := store.GetRecentNDVIRuns(ctx, 5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("GetRecentNDVIRuns = %v, %v", runs, err)
	}
}
