// Package analytics folds a source snapshot into the cost, yield and quality
// figures shown on the operations dashboard. Everything here is pure: the
// clock is passed in and inputs are never modified.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/lox/vineyard/internal/metrics"
	"github.com/lox/vineyard/internal/models"
	"github.com/lox/vineyard/internal/sources"
	"github.com/lox/vineyard/internal/window"
)

// Options carries tunables that are not part of the source data.
type Options struct {
	// WaterRatePerGallon prices irrigation water. Zero leaves water cost at 0.
	WaterRatePerGallon float64
}

type MonthlyBucket struct {
	Month        time.Month
	LaborCost    float64
	MaterialCost float64
	Yield        float64
	WaterUsage   float64
	SprayCount   int

	// nil when no yield-history row for the month carries the measure
	Brix    *float64
	PH      *float64
	Acidity *float64
}

type BlockRollup struct {
	FieldID    string
	Name       string
	Variety    string
	Acreage    float64
	AvgBrix    float64
	AvgPH      float64
	AvgAcidity float64
	TotalYield float64
	Entries    int
}

type Analytics struct {
	Window     window.Window
	RangeStart time.Time
	RangeEnd   time.Time
	AsOf       time.Time

	LaborCost  float64
	LaborHours float64

	// MaterialCosts is gross: use-transaction cost plus WaterCost.
	// NetMaterialCosts excludes water and chemicals so that the breakdown
	// categories sum to TotalCosts.
	MaterialCosts    float64
	NetMaterialCosts float64
	ChemicalCosts    float64
	WaterUsage       float64
	WaterCost        float64
	TotalCosts       float64

	TotalYield       float64
	EstimatedRevenue float64
	CostPerTon       float64
	ProfitMargin     float64

	AvgBrix      float64
	AvgPH        float64
	AvgAcidity   float64
	QualityScore float64

	TotalAcreage     float64
	CostPerAcre      float64
	YieldPerAcre     float64
	LaborHoursPerTon float64

	SprayCount       int
	HarvestSamples   int
	SampleAvgBrix    *float64
	SampleAvgPH      *float64
	SampleAvgAcidity *float64

	Monthly [12]MonthlyBucket
	Blocks  []BlockRollup

	// Degraded names the sources that failed to load for this snapshot.
	Degraded []string
}

// Incomplete reports whether any input source was unavailable.
func (a *Analytics) Incomplete() bool {
	return len(a.Degraded) > 0
}

// Costs returns the amount per cost category.
func (a *Analytics) Costs() map[CostCategory]float64 {
	out := make(map[CostCategory]float64, len(CostCategories))
	for _, c := range CostCategories {
		out[c] = c.Amount(a)
	}
	return out
}

// Compute folds snap into analytics for window w as of now. It never fails;
// missing sources contribute zeros and nulls.
func Compute(snap *sources.Snapshot, w window.Window, now time.Time, opts Options) *Analytics {
	start := time.Now()
	defer func() {
		metrics.AnalyticsComputeSeconds.Observe(time.Since(start).Seconds())
	}()

	if snap == nil {
		snap = &sources.Snapshot{}
	}

	a := &Analytics{Window: w, AsOf: now}
	a.RangeStart, a.RangeEnd = w.Range(now)
	for _, d := range snap.Degraded {
		a.Degraded = append(a.Degraded, string(d))
	}

	labor := window.Filter(snap.Labor, w, now)
	inventory := window.Filter(snap.Inventory, w, now)
	sprays := window.Filter(snap.Sprays, w, now)
	irrigation := window.Filter(snap.Irrigation, w, now)
	samples := window.Filter(snap.Harvest, w, now)
	yields := window.Filter(snap.Yield, w, now)

	a.LaborCost, a.LaborHours = laborTotals(labor)

	useCost, chemCost := inventoryCosts(inventory)
	a.ChemicalCosts = chemCost
	a.WaterUsage = waterUsage(irrigation)
	a.WaterCost = a.WaterUsage * opts.WaterRatePerGallon
	a.MaterialCosts = useCost + a.WaterCost
	a.NetMaterialCosts = a.MaterialCosts - a.WaterCost - a.ChemicalCosts
	a.TotalCosts = a.LaborCost + a.MaterialCosts

	var brix, ph, acidity mean
	for _, y := range yields {
		a.TotalYield += models.Float(y.Tons)
		a.EstimatedRevenue += y.Revenue()
		brix.add(y.Brix.Float64, y.Brix.Valid)
		ph.add(y.PH.Float64, y.PH.Valid)
		acidity.add(y.Acidity.Float64, y.Acidity.Valid)
	}
	a.AvgBrix, a.AvgPH, a.AvgAcidity = brix.value(), ph.value(), acidity.value()
	a.QualityScore = QualityScore(a.AvgBrix, a.AvgPH, a.AvgAcidity)

	a.CostPerTon = ratio(a.TotalCosts, a.TotalYield)
	a.ProfitMargin = ratio(a.EstimatedRevenue-a.TotalCosts, a.EstimatedRevenue) * 100

	for _, b := range snap.Blocks {
		if b.Acreage > 0 {
			a.TotalAcreage += b.Acreage
		}
	}
	a.CostPerAcre = ratio(a.TotalCosts, a.TotalAcreage)
	a.YieldPerAcre = ratio(a.TotalYield, a.TotalAcreage)
	a.LaborHoursPerTon = ratio(a.LaborHours, a.TotalYield)

	a.SprayCount = len(sprays)
	a.HarvestSamples = len(samples)
	var sBrix, sPH, sAcidity mean
	for _, s := range samples {
		sBrix.add(s.Brix.Float64, s.Brix.Valid)
		sPH.add(s.PH.Float64, s.PH.Valid)
		sAcidity.add(s.Acidity.Float64, s.Acidity.Valid)
	}
	a.SampleAvgBrix, a.SampleAvgPH, a.SampleAvgAcidity = sBrix.ptr(), sPH.ptr(), sAcidity.ptr()

	a.Monthly = monthlyBuckets(snap, w.Year)
	a.Blocks = blockRollups(snap.Blocks, yields)

	return a
}

func laborTotals(logs []models.LaborLog) (cost, hours float64) {
	for _, l := range logs {
		cost += l.Cost()
		hours += models.Float(l.HoursWorked)
	}
	return cost, hours
}

// inventoryCosts sums |quantity| × unit cost over use transactions, and the
// chemical subset of that.
func inventoryCosts(txs []models.InventoryTransaction) (total, chemical float64) {
	for _, t := range txs {
		if !t.IsUse() {
			continue
		}
		c := math.Abs(models.Float(t.Quantity)) * t.UnitCost()
		total += c
		if t.Category() == models.CategoryChemical {
			chemical += c
		}
	}
	return total, chemical
}

func waterUsage(events []models.IrrigationEvent) float64 {
	var gallons float64
	for _, e := range events {
		gallons += models.Float(e.TotalWaterGallons)
	}
	return gallons
}

func monthlyBuckets(snap *sources.Snapshot, year int) [12]MonthlyBucket {
	var out [12]MonthlyBucket
	for i := range out {
		m := time.Month(i + 1)
		b := MonthlyBucket{Month: m}

		b.LaborCost, _ = laborTotals(window.InMonth(snap.Labor, year, m))
		b.MaterialCost, _ = inventoryCosts(window.InMonth(snap.Inventory, year, m))
		b.WaterUsage = waterUsage(window.InMonth(snap.Irrigation, year, m))
		b.SprayCount = len(window.InMonth(snap.Sprays, year, m))

		var brix, ph, acidity mean
		for _, y := range window.InMonth(snap.Yield, year, m) {
			b.Yield += models.Float(y.Tons)
			brix.add(y.Brix.Float64, y.Brix.Valid)
			ph.add(y.PH.Float64, y.PH.Valid)
			acidity.add(y.Acidity.Float64, y.Acidity.Valid)
		}
		b.Brix, b.PH, b.Acidity = brix.ptr(), ph.ptr(), acidity.ptr()

		out[i] = b
	}
	return out
}

// blockRollups groups yield history by field. Known blocks come first in
// their listed order, then fields with history but no block record, by id.
// Fields with no positive brix, pH or yield are left out.
func blockRollups(blocks []models.Block, yields []models.YieldHistoryEntry) []BlockRollup {
	type acc struct {
		brix, ph, acidity mean
		yield             float64
		n                 int
	}
	byField := make(map[string]*acc)
	for _, y := range yields {
		a := byField[y.FieldID]
		if a == nil {
			a = &acc{}
			byField[y.FieldID] = a
		}
		a.brix.add(y.Brix.Float64, y.Brix.Valid)
		a.ph.add(y.PH.Float64, y.PH.Valid)
		a.acidity.add(y.Acidity.Float64, y.Acidity.Valid)
		a.yield += models.Float(y.Tons)
		a.n++
	}

	build := func(r BlockRollup, a *acc) (BlockRollup, bool) {
		r.AvgBrix = a.brix.value()
		r.AvgPH = a.ph.value()
		r.AvgAcidity = a.acidity.value()
		r.TotalYield = a.yield
		r.Entries = a.n
		return r, r.AvgBrix > 0 || r.AvgPH > 0 || r.TotalYield > 0
	}

	var out []BlockRollup
	seen := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		seen[b.ID] = true
		a := byField[b.ID]
		if a == nil {
			continue
		}
		r, ok := build(BlockRollup{FieldID: b.ID, Name: b.Name, Variety: b.Variety, Acreage: b.Acreage}, a)
		if ok {
			out = append(out, r)
		}
	}

	var orphans []string
	for id := range byField {
		if !seen[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		r, ok := build(BlockRollup{FieldID: id, Name: id}, byField[id])
		if ok {
			out = append(out, r)
		}
	}
	return out
}
