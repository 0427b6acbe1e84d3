// Package sources loads the operational record sets consumed by the
// analytics engine. Each reader call may fail on its own; a failure degrades
// only that source to an empty set.
package sources

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/vineyard/internal/metrics"
	"github.com/lox/vineyard/internal/models"
	"github.com/lox/vineyard/internal/store"
)

// Name identifies a source reader.
type Name string

const (
	Labor      Name = "labor_logs"
	Inventory  Name = "inventory_transactions"
	Yield      Name = "field_yield_history"
	Blocks     Name = "vineyard_blocks"
	Sprays     Name = "spray_applications"
	Harvest    Name = "harvest_samples"
	Irrigation Name = "irrigation_events"
)

// Readers is the set of record readers the engine consumes. *store.Store
// satisfies it.
type Readers interface {
	ListLaborLogs(ctx context.Context, f store.LaborFilter) ([]models.LaborLog, error)
	ListInventoryTransactions(ctx context.Context, itemID *int64, limit int) ([]models.InventoryTransaction, error)
	ListFieldYieldHistory(ctx context.Context, fieldID string, year int) ([]models.YieldHistoryEntry, error)
	ListVineyardBlocks(ctx context.Context) ([]models.Block, error)
	ListSprayApplications(ctx context.Context) ([]models.SprayApplication, error)
	ListHarvestSamples(ctx context.Context, fieldID string, year int) ([]models.HarvestSample, error)
	ListIrrigationEvents(ctx context.Context) ([]models.IrrigationEvent, error)
}

// Snapshot is one load cycle's read-only view of every source. Degraded
// lists the sources that failed and were replaced by an empty set.
type Snapshot struct {
	Labor      []models.LaborLog
	Inventory  []models.InventoryTransaction
	Yield      []models.YieldHistoryEntry
	Blocks     []models.Block
	Sprays     []models.SprayApplication
	Harvest    []models.HarvestSample
	Irrigation []models.IrrigationEvent

	Degraded []Name
	Flagged  map[string]int
	LoadedAt time.Time
}

// Incomplete reports whether any source was degraded.
func (s *Snapshot) Incomplete() bool {
	return len(s.Degraded) > 0
}

// Task is one named source load.
type Task struct {
	Name Name
	Run  func(ctx context.Context) error
}

// Fetch builds a Task that stores the reader's result in dst. On failure dst
// is set to an empty slice.
func Fetch[T any](name Name, dst *[]T, read func(ctx context.Context) ([]T, error)) Task {
	return Task{
		Name: name,
		Run: func(ctx context.Context) error {
			data, err := read(ctx)
			if err != nil {
				*dst = []T{}
				return err
			}
			if data == nil {
				data = []T{}
			}
			*dst = data
			return nil
		},
	}
}

// Settle runs every task concurrently and waits for all of them. It never
// fails; the names of tasks that returned an error are returned sorted.
func Settle(ctx context.Context, tasks ...Task) []Name {
	var (
		mu     sync.Mutex
		failed []Name
		g      errgroup.Group
	)
	for _, task := range tasks {
		g.Go(func() error {
			start := time.Now()
			err := task.Run(ctx)
			metrics.SourceLoadLatency.WithLabelValues(string(task.Name)).Observe(time.Since(start).Seconds())
			if err != nil {
				log.Printf("sources: load %s: %v", task.Name, err)
				metrics.SourceLoadsTotal.WithLabelValues(string(task.Name), "error").Inc()
				mu.Lock()
				failed = append(failed, task.Name)
				mu.Unlock()
				return nil
			}
			metrics.SourceLoadsTotal.WithLabelValues(string(task.Name), "ok").Inc()
			return nil
		})
	}
	g.Wait()

	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

// LoadAll reads every source once. Yield history and harvest samples are
// read for all years; windowing happens downstream.
func LoadAll(ctx context.Context, r Readers) *Snapshot {
	snap := &Snapshot{}
	snap.Degraded = Settle(ctx,
		Fetch(Labor, &snap.Labor, func(ctx context.Context) ([]models.LaborLog, error) {
			return r.ListLaborLogs(ctx, store.LaborFilter{})
		}),
		Fetch(Inventory, &snap.Inventory, func(ctx context.Context) ([]models.InventoryTransaction, error) {
			return r.ListInventoryTransactions(ctx, nil, 0)
		}),
		Fetch(Yield, &snap.Yield, func(ctx context.Context) ([]models.YieldHistoryEntry, error) {
			return r.ListFieldYieldHistory(ctx, "", 0)
		}),
		Fetch(Blocks, &snap.Blocks, r.ListVineyardBlocks),
		Fetch(Sprays, &snap.Sprays, r.ListSprayApplications),
		Fetch(Harvest, &snap.Harvest, func(ctx context.Context) ([]models.HarvestSample, error) {
			return r.ListHarvestSamples(ctx, "", 0)
		}),
		Fetch(Irrigation, &snap.Irrigation, r.ListIrrigationEvents),
	)
	snap.Flagged = Validate(snap)
	snap.LoadedAt = time.Now().UTC()
	return snap
}

// State is the lifecycle of a Loader's cached snapshot.
type State int

const (
	StateInit State = iota
	StateLoaded
	StateStale
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLoaded:
		return "loaded"
	case StateStale:
		return "stale"
	}
	return "unknown"
}

// Loader caches the latest snapshot and reloads it once marked stale.
type Loader struct {
	readers Readers

	mu    sync.Mutex
	state State
	snap  *Snapshot
}

func NewLoader(r Readers) *Loader {
	return &Loader{readers: r}
}

func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// MarkStale forces the next Load to read every source again.
func (l *Loader) MarkStale() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateLoaded {
		l.state = StateStale
	}
}

// Load returns the cached snapshot, reading the sources first when nothing is
// loaded or the cache is stale. A snapshot read under a cancelled context is
// returned with the context error and not cached.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateLoaded && l.snap != nil {
		return l.snap, nil
	}

	snap := LoadAll(ctx, l.readers)
	if err := ctx.Err(); err != nil {
		return snap, err
	}
	if snap.Incomplete() {
		log.Printf("sources: snapshot incomplete, degraded: %v", snap.Degraded)
	}
	l.snap = snap
	l.state = StateLoaded
	return snap, nil
}

// Reload marks the cache stale and loads it again.
func (l *Loader) Reload(ctx context.Context) (*Snapshot, error) {
	l.MarkStale()
	return l.Load(ctx)
}
