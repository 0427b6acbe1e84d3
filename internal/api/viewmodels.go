package api

import (
	"sort"
	"time"

	"github.com/lox/vineyard/internal/analytics"
	"github.com/lox/vineyard/internal/dashboard"
	"github.com/lox/vineyard/internal/ndvi"
)

// AnalyticsView is the dashboard summary for one reporting window.
type AnalyticsView struct {
	Period     string    `json:"period"`
	Year       int       `json:"year"`
	RangeStart string    `json:"rangeStart"`
	RangeEnd   string    `json:"rangeEnd"`
	AsOf       time.Time `json:"asOf"`

	LaborCost        float64 `json:"laborCost"`
	LaborHours       float64 `json:"laborHours"`
	MaterialCosts    float64 `json:"materialCosts"`
	NetMaterialCosts float64 `json:"netMaterialCosts"`
	ChemicalCosts    float64 `json:"chemicalCosts"`
	WaterUsage       float64 `json:"waterUsage"`
	WaterCost        float64 `json:"waterCost"`
	TotalCosts       float64 `json:"totalCosts"`

	TotalYield       float64 `json:"totalYield"`
	EstimatedRevenue float64 `json:"estimatedRevenue"`
	CostPerTon       float64 `json:"costPerTon"`
	ProfitMargin     float64 `json:"profitMargin"`

	AvgBrix      float64 `json:"avgBrix"`
	AvgPH        float64 `json:"avgPH"`
	AvgAcidity   float64 `json:"avgAcidity"`
	QualityScore float64 `json:"qualityScore"`

	TotalAcreage     float64 `json:"totalAcreage"`
	CostPerAcre      float64 `json:"costPerAcre"`
	YieldPerAcre     float64 `json:"yieldPerAcre"`
	LaborHoursPerTon float64 `json:"laborHoursPerTon"`

	SprayCount       int      `json:"sprayCount"`
	HarvestSamples   int      `json:"harvestSamples"`
	SampleAvgBrix    *float64 `json:"sampleAvgBrix"`
	SampleAvgPH      *float64 `json:"sampleAvgPH"`
	SampleAvgAcidity *float64 `json:"sampleAvgAcidity"`

	Monthly []MonthPoint `json:"monthly"`
	Blocks  []BlockRow   `json:"blocks"`
	Costs   []CostRow    `json:"costs"`

	Incomplete bool     `json:"incomplete"`
	Degraded   []string `json:"degraded"`
}

// MonthPoint is one slot of the month-indexed chart series. Quality measures
// are null, not zero, for months without samples.
type MonthPoint struct {
	Month        int      `json:"month"`
	MonthName    string   `json:"monthName"`
	LaborCost    float64  `json:"laborCost"`
	MaterialCost float64  `json:"materialCost"`
	Yield        float64  `json:"yield"`
	WaterUsage   float64  `json:"waterUsage"`
	SprayCount   int      `json:"sprayCount"`
	Brix         *float64 `json:"brix"`
	PH           *float64 `json:"ph"`
	Acidity      *float64 `json:"acidity"`
}

type BlockRow struct {
	FieldID    string  `json:"fieldId"`
	Name       string  `json:"name"`
	Variety    string  `json:"variety"`
	Acreage    float64 `json:"acreage"`
	AvgBrix    float64 `json:"avgBrix"`
	AvgPH      float64 `json:"avgPH"`
	AvgAcidity float64 `json:"avgAcidity"`
	TotalYield float64 `json:"totalYield"`
	Entries    int     `json:"entries"`
}

type CostRow struct {
	Category string  `json:"category"`
	Label    string  `json:"label"`
	Amount   float64 `json:"amount"`
}

// NDVIView is the per-field NDVI chart data for one year.
type NDVIView struct {
	Year       int                    `json:"year"`
	Configured bool                   `json:"configured"`
	Running    bool                   `json:"running"`
	RunID      string                 `json:"runId,omitempty"`
	Completed  int                    `json:"completed"`
	Total      int                    `json:"total"`
	Failed     int                    `json:"failed"`
	Months     []string               `json:"months"`
	Fields     map[string][]NDVIPoint `json:"fields"`
}

// NDVIPoint is one month of a field's series. A failed or empty query keeps
// its slot with a null meanNDVI.
type NDVIPoint struct {
	Month     int        `json:"month"`
	MonthName string     `json:"monthName"`
	MeanNDVI  *float64   `json:"meanNDVI"`
	MinNDVI   *float64   `json:"minNDVI,omitempty"`
	MaxNDVI   *float64   `json:"maxNDVI,omitempty"`
	StdDev    *float64   `json:"stdDevNDVI,omitempty"`
	DateRange *DateRange `json:"dateRange,omitempty"`
}

type DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

const dateLayout = "2006-01-02"

func NewAnalyticsView(a *analytics.Analytics) AnalyticsView {
	degraded := a.Degraded
	if degraded == nil {
		degraded = []string{}
	}
	return AnalyticsView{
		Period:     string(a.Window.Period),
		Year:       a.Window.Year,
		RangeStart: a.RangeStart.Format(dateLayout),
		RangeEnd:   a.RangeEnd.Format(dateLayout),
		AsOf:       a.AsOf,

		LaborCost:        a.LaborCost,
		LaborHours:       a.LaborHours,
		MaterialCosts:    a.MaterialCosts,
		NetMaterialCosts: a.NetMaterialCosts,
		ChemicalCosts:    a.ChemicalCosts,
		WaterUsage:       a.WaterUsage,
		WaterCost:        a.WaterCost,
		TotalCosts:       a.TotalCosts,

		TotalYield:       a.TotalYield,
		EstimatedRevenue: a.EstimatedRevenue,
		CostPerTon:       a.CostPerTon,
		ProfitMargin:     a.ProfitMargin,

		AvgBrix:      a.AvgBrix,
		AvgPH:        a.AvgPH,
		AvgAcidity:   a.AvgAcidity,
		QualityScore: a.QualityScore,

		TotalAcreage:     a.TotalAcreage,
		CostPerAcre:      a.CostPerAcre,
		YieldPerAcre:     a.YieldPerAcre,
		LaborHoursPerTon: a.LaborHoursPerTon,

		SprayCount:       a.SprayCount,
		HarvestSamples:   a.HarvestSamples,
		SampleAvgBrix:    a.SampleAvgBrix,
		SampleAvgPH:      a.SampleAvgPH,
		SampleAvgAcidity: a.SampleAvgAcidity,

		Monthly: MonthlySeries(a),
		Blocks:  BlockRows(a),
		Costs:   CostBreakdown(a),

		Incomplete: a.Incomplete(),
		Degraded:   degraded,
	}
}

// MonthlySeries returns all twelve months in calendar order.
func MonthlySeries(a *analytics.Analytics) []MonthPoint {
	out := make([]MonthPoint, 0, len(a.Monthly))
	for _, b := range a.Monthly {
		out = append(out, MonthPoint{
			Month:        int(b.Month),
			MonthName:    b.Month.String(),
			LaborCost:    b.LaborCost,
			MaterialCost: b.MaterialCost,
			Yield:        b.Yield,
			WaterUsage:   b.WaterUsage,
			SprayCount:   b.SprayCount,
			Brix:         b.Brix,
			PH:           b.PH,
			Acidity:      b.Acidity,
		})
	}
	return out
}

func BlockRows(a *analytics.Analytics) []BlockRow {
	out := make([]BlockRow, 0, len(a.Blocks))
	for _, b := range a.Blocks {
		out = append(out, BlockRow(b))
	}
	return out
}

// CostBreakdown lists the positive cost categories, largest first. Ties keep
// category order.
func CostBreakdown(a *analytics.Analytics) []CostRow {
	out := []CostRow{}
	for _, c := range analytics.CostCategories {
		amount := c.Amount(a)
		if amount <= 0 {
			continue
		}
		out = append(out, CostRow{Category: c.String(), Label: c.Label(), Amount: amount})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Amount > out[j].Amount })
	return out
}

// NewNDVIView shapes a status and its series for charting. res may be nil
// when nothing has completed yet.
func NewNDVIView(year int, configured bool, status dashboard.NDVIStatus, res *ndvi.Result) NDVIView {
	v := NDVIView{
		Year:       year,
		Configured: configured,
		Months:     []string{},
		Fields:     map[string][]NDVIPoint{},
	}
	if status.Year == year && status.Running {
		v.Running = true
		v.RunID = status.RunID
		v.Completed, v.Total = status.Completed, status.Total
	}
	if res == nil {
		return v
	}
	if !v.Running {
		v.RunID = res.RunID
		v.Completed, v.Total = res.Completed, res.Total
		v.Failed = res.Failed
	}
	for _, m := range res.Months {
		v.Months = append(v.Months, m.String())
	}
	for id, series := range res.Series {
		points := make([]NDVIPoint, 0, len(series))
		for _, p := range series {
			points = append(points, newNDVIPoint(p))
		}
		v.Fields[id] = points
	}
	return v
}

func newNDVIPoint(p ndvi.MonthPoint) NDVIPoint {
	pt := NDVIPoint{Month: int(p.Month), MonthName: p.MonthName}
	if p.Stats == nil {
		return pt
	}
	s := *p.Stats
	pt.MeanNDVI = &s.Mean
	pt.MinNDVI = &s.Min
	pt.MaxNDVI = &s.Max
	pt.StdDev = &s.StdDev
	if !s.From.IsZero() && !s.To.IsZero() {
		pt.DateRange = &DateRange{From: s.From.Format(dateLayout), To: s.To.Format(dateLayout)}
	}
	return pt
}
