package sources

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/lox/vineyard/internal/models"
)

const (
	FlagDateMissing       = "date_missing"
	FlagNegativeHours     = "negative_hours"
	FlagNegativeRate      = "negative_rate"
	FlagNegativeGallons   = "negative_gallons"
	FlagNegativeTons      = "negative_tons"
	FlagBrixOutOfRange    = "brix_out_of_range"
	FlagPHOutOfRange      = "ph_out_of_range"
	FlagAcidityOutOfRange = "acidity_out_of_range"
	FlagUnknownItem       = "unknown_item"
)

func ValidateLaborLog(l models.LaborLog) []string {
	var flags []string
	if _, ok := models.ParseDate(l.LogDate); !ok {
		flags = append(flags, FlagDateMissing)
	}
	if l.HoursWorked.Valid && l.HoursWorked.Float64 < 0 {
		flags = append(flags, FlagNegativeHours)
	}
	if l.HourlyRate.Valid && l.HourlyRate.Float64 < 0 {
		flags = append(flags, FlagNegativeRate)
	}
	return flags
}

func ValidateTransaction(t models.InventoryTransaction) []string {
	var flags []string
	if _, ok := models.ParseDate(t.TransactionDate); !ok {
		flags = append(flags, FlagDateMissing)
	}
	if t.Item == nil {
		flags = append(flags, FlagUnknownItem)
	}
	return flags
}

func ValidateIrrigationEvent(e models.IrrigationEvent) []string {
	var flags []string
	if _, ok := models.ParseDate(e.EventDate); !ok {
		flags = append(flags, FlagDateMissing)
	}
	if e.TotalWaterGallons.Valid && e.TotalWaterGallons.Float64 < 0 {
		flags = append(flags, FlagNegativeGallons)
	}
	return flags
}

func ValidateYield(y models.YieldHistoryEntry) []string {
	var flags []string
	if _, ok := models.ParseDate(y.HarvestDate); !ok {
		flags = append(flags, FlagDateMissing)
	}
	if y.Tons.Valid && y.Tons.Float64 < 0 {
		flags = append(flags, FlagNegativeTons)
	}
	return append(flags, validateChemistry(y.Brix, y.PH, y.Acidity)...)
}

func ValidateHarvestSample(h models.HarvestSample) []string {
	var flags []string
	if _, ok := models.ParseDate(h.SampleDate); !ok {
		flags = append(flags, FlagDateMissing)
	}
	return append(flags, validateChemistry(h.Brix, h.PH, h.Acidity)...)
}

// Grape must ranges: brix 0-40, pH 2-5, titratable acidity 0-20 g/L.
func validateChemistry(brix, ph, acidity sql.NullFloat64) []string {
	var flags []string
	if brix.Valid && (brix.Float64 < 0 || brix.Float64 > 40) {
		flags = append(flags, FlagBrixOutOfRange)
	}
	if ph.Valid && (ph.Float64 < 2 || ph.Float64 > 5) {
		flags = append(flags, FlagPHOutOfRange)
	}
	if acidity.Valid && (acidity.Float64 < 0 || acidity.Float64 > 20) {
		flags = append(flags, FlagAcidityOutOfRange)
	}
	return flags
}

// Validate counts flagged records per "source/flag" and logs one summary
// line. Flagged records are kept; analytics coerces what it can.
func Validate(s *Snapshot) map[string]int {
	counts := make(map[string]int)
	add := func(name Name, flags []string) {
		for _, f := range flags {
			counts[string(name)+"/"+f]++
		}
	}

	for _, l := range s.Labor {
		add(Labor, ValidateLaborLog(l))
	}
	for _, t := range s.Inventory {
		add(Inventory, ValidateTransaction(t))
	}
	for _, e := range s.Irrigation {
		add(Irrigation, ValidateIrrigationEvent(e))
	}
	for _, y := range s.Yield {
		add(Yield, ValidateYield(y))
	}
	for _, h := range s.Harvest {
		add(Harvest, ValidateHarvestSample(h))
	}

	if len(counts) > 0 {
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
		}
		log.Printf("sources: flagged records: %s", strings.Join(parts, " "))
	}
	return counts
}
