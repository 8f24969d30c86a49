package concepts

import "math"

// Strength coefficients. The exact weights are tunable; the contract is
// that strength is monotone non-decreasing in usage and degree and stays
// in [0, 1].
const (
	usageWeight  = 0.1
	degreeWeight = 0.05
	edgeWeight   = 0.5
)

// strength scores how established a concept is from its usage count, its
// relation degree, and the mean strength of its incident edges.
func strength(usageCount, degree int64, avgEdgeStrength float64) float64 {
	s := usageWeight*math.Log1p(float64(usageCount)) +
		degreeWeight*float64(degree) +
		edgeWeight*avgEdgeStrength
	return math.Min(1, math.Max(0, s))
}
