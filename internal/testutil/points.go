package testutil

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/xtxerr/coreset/internal/storage/types"
)

// Grid returns n distinct unit-weight points of dimension dim, laid out on a
// line with spacing 1 along every axis: (0,0..), (1,1..), ...
func Grid(n, dim int) []types.WeightedPoint {
	out := make([]types.WeightedPoint, n)
	for i := range out {
		data := make([]float64, dim)
		for d := range data {
			data[d] = float64(i)
		}
		out[i] = types.NewPoint(data)
	}
	return out
}

// Random returns n unit-weight points of dimension dim with coordinates
// uniform in [0, 100), drawn from a generator seeded with seed.
func Random(seed uint64, n, dim int) []types.WeightedPoint {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]types.WeightedPoint, n)
	for i := range out {
		data := make([]float64, dim)
		for d := range data {
			data[d] = rng.Float64() * 100
		}
		out[i] = types.NewPoint(data)
	}
	return out
}

// Blobs returns n points spread around k well-separated centers.
func Blobs(seed uint64, n, k, dim int) []types.WeightedPoint {
	rng := rand.New(rand.NewPCG(seed, uint64(k)))
	out := make([]types.WeightedPoint, n)
	for i := range out {
		c := float64(i%k) * 1000
		data := make([]float64, dim)
		for d := range data {
			data[d] = c + rng.NormFloat64()
		}
		out[i] = types.NewPoint(data)
	}
	return out
}

// TotalWeight sums point weights.
func TotalWeight(points []types.WeightedPoint) float64 {
	return types.SumWeights(points)
}

// ApproxEqual reports whether a and b agree within a relative tolerance of
// 1e-9.
func ApproxEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// SameMultiset reports whether a and b hold the same points by (data, weight),
// ignoring order.
func SameMultiset(a, b []types.WeightedPoint) bool {
	if len(a) != len(b) {
		return false
	}
	x := types.ClonePoints(a)
	y := types.ClonePoints(b)
	slices.SortFunc(x, types.ComparePoints)
	slices.SortFunc(y, types.ComparePoints)
	return slices.EqualFunc(x, y, types.WeightedPoint.Equal)
}
