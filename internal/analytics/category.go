package analytics

import "fmt"

// CostCategory is a slot in the cost breakdown.
type CostCategory int

const (
	CostLabor CostCategory = iota
	CostMaterials
	CostChemicals
	CostWater
)

// CostCategories lists every category in display order.
var CostCategories = []CostCategory{CostLabor, CostMaterials, CostChemicals, CostWater}

func (c CostCategory) String() string {
	switch c {
	case CostLabor:
		return "labor"
	case CostMaterials:
		return "materials"
	case CostChemicals:
		return "chemicals"
	case CostWater:
		return "water"
	}
	return fmt.Sprintf("CostCategory(%d)", int(c))
}

// Label returns the display name.
func (c CostCategory) Label() string {
	switch c {
	case CostLabor:
		return "Labor"
	case CostMaterials:
		return "Materials"
	case CostChemicals:
		return "Chemicals"
	case CostWater:
		return "Water"
	}
	return c.String()
}

// Amount returns this category's share of the totals in a.
func (c CostCategory) Amount(a *Analytics) float64 {
	switch c {
	case CostLabor:
		return a.LaborCost
	case CostMaterials:
		return a.NetMaterialCosts
	case CostChemicals:
		return a.ChemicalCosts
	case CostWater:
		return a.WaterCost
	}
	panic(fmt.Sprintf("analytics: unhandled cost category %d", int(c)))
}
