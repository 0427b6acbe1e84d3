package models

import (
	"database/sql"
	"strings"
	"time"

	"github.com/lox/vineyard/internal/geo"
)

// Block is a mapped cultivation area. Geometry is nil when the block has not
// been drawn yet.
type Block struct {
	ID       string
	Name     string
	Variety  string
	Acreage  float64
	Geometry *geo.Polygon
}

// HasGeometry reports whether the block can be used for satellite queries.
func (b Block) HasGeometry() bool {
	return b.Geometry != nil && b.Geometry.Valid()
}

type LaborLog struct {
	ID          int64
	FieldID     sql.NullString
	Worker      string
	Task        string
	LogDate     string
	HoursWorked sql.NullFloat64
	HourlyRate  sql.NullFloat64
}

func (LaborLog) DateField() string    { return "log_date" }
func (l LaborLog) RecordDate() string { return l.LogDate }

// Cost is hours × rate with missing values counted as zero.
func (l LaborLog) Cost() float64 {
	return Float(l.HoursWorked) * Float(l.HourlyRate)
}

const (
	TransactionUse        = "use"
	TransactionPurchase   = "purchase"
	TransactionAdjustment = "adjustment"
)

const CategoryChemical = "chemical"

type InventoryItem struct {
	ID       int64
	Name     string
	Category string // "chemical", "fertilizer", "supplies", ...
	Unit     string
	UnitCost sql.NullFloat64
}

type InventoryTransaction struct {
	ID              int64
	ItemID          int64
	TransactionType string
	Quantity        sql.NullFloat64
	TransactionDate string
	Notes           string
	Item            *InventoryItem // joined; nil when the item no longer exists
}

func (InventoryTransaction) DateField() string    { return "transaction_date" }
func (t InventoryTransaction) RecordDate() string { return t.TransactionDate }

// UnitCost returns the joined item's unit cost, or 0 when unknown.
func (t InventoryTransaction) UnitCost() float64 {
	if t.Item == nil {
		return 0
	}
	return Float(t.Item.UnitCost)
}

func (t InventoryTransaction) Category() string {
	if t.Item == nil {
		return ""
	}
	return strings.ToLower(t.Item.Category)
}

func (t InventoryTransaction) IsUse() bool {
	return strings.EqualFold(t.TransactionType, TransactionUse)
}

type SprayApplication struct {
	ID              int64
	FieldID         sql.NullString
	Product         string
	ApplicationDate string
	RatePerAcre     sql.NullFloat64
	AcresTreated    sql.NullFloat64
}

func (SprayApplication) DateField() string    { return "application_date" }
func (s SprayApplication) RecordDate() string { return s.ApplicationDate }

type IrrigationEvent struct {
	ID                int64
	FieldID           sql.NullString
	EventDate         string
	DurationHours     sql.NullFloat64
	TotalWaterGallons sql.NullFloat64
	Source            string // "manual" or "flow_meter"
}

func (IrrigationEvent) DateField() string    { return "event_date" }
func (e IrrigationEvent) RecordDate() string { return e.EventDate }

type HarvestSample struct {
	ID         int64
	FieldID    string
	SampleDate string
	Brix       sql.NullFloat64
	PH         sql.NullFloat64
	Acidity    sql.NullFloat64 // titratable acidity, g/L
}

func (HarvestSample) DateField() string    { return "sample_date" }
func (h HarvestSample) RecordDate() string { return h.SampleDate }

type YieldHistoryEntry struct {
	ID          int64
	FieldID     string
	Year        int
	HarvestDate string
	Tons        sql.NullFloat64
	PricePerTon sql.NullFloat64
	Brix        sql.NullFloat64
	PH          sql.NullFloat64
	Acidity     sql.NullFloat64
}

func (YieldHistoryEntry) DateField() string    { return "harvest_date" }
func (y YieldHistoryEntry) RecordDate() string { return y.HarvestDate }

// Revenue is tons × price per ton with missing values counted as zero.
func (y YieldHistoryEntry) Revenue() float64 {
	return Float(y.Tons) * Float(y.PricePerTon)
}

// NDVIStats is one remote vegetation-index aggregate over a date range.
type NDVIStats struct {
	Mean   float64
	Min    float64
	Max    float64
	StdDev float64
	From   time.Time
	To     time.Time
}

// NDVISample is the outcome of one (field, month) query. Stats is nil when
// the query failed or the provider had no data for the period.
type NDVISample struct {
	FieldID string
	Year    int
	Month   time.Month
	Stats   *NDVIStats
}

// Float coerces a nullable measure for summation contexts.
func Float(v sql.NullFloat64) float64 {
	if !v.Valid {
		return 0
	}
	return v.Float64
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseDate parses a record date column. Date-only values are interpreted
// in UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
