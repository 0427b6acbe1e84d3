package analytics

import "math"

// QualityScore folds average must chemistry into a 0-100 score: brix up to
// 40 points, pH and titratable acidity up to 30 each. It is 0 when avgBrix is
// not positive.
func QualityScore(avgBrix, avgPH, avgAcidity float64) float64 {
	if !(avgBrix > 0) {
		return 0
	}
	brixTerm := math.Min(avgBrix/25, 1) * 40

	phTerm := 30.0
	if avgPH < 3.0 || avgPH > 3.6 {
		phTerm = math.Max(0, 30-math.Abs(avgPH-3.3)*10)
	}

	acidityTerm := 30.0
	if avgAcidity < 5 || avgAcidity > 8 {
		acidityTerm = math.Max(0, 30-math.Abs(avgAcidity-6.5)*5)
	}

	score := math.Min(100, brixTerm+phTerm+acidityTerm)
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	return score
}

// ratio divides, returning 0 instead of NaN or ±Inf.
func ratio(n, d float64) float64 {
	if d == 0 {
		return 0
	}
	r := n / d
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

// mean accumulates an average over present values only.
type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64, valid bool) {
	if !valid || math.IsNaN(v) {
		return
	}
	m.sum += v
	m.n++
}

func (m mean) value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

// ptr returns nil when no value was seen.
func (m mean) ptr() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}
