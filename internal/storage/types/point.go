package types

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/xtxerr/coreset/internal/errors"
)

// WeightedPoint is the atomic unit held by a storage.
// Equality and distance use Data and Weight only; Original is carried for
// display and debugging.
type WeightedPoint struct {
	Data     []float64
	Weight   float64
	Original []float64 // nil when unset
}

// NewPoint returns a point of weight 1 holding a copy of data.
func NewPoint(data []float64) WeightedPoint {
	return WeightedPoint{Data: slices.Clone(data), Weight: 1}
}

// NewWeightedPoint returns a point holding a copy of data with the given weight.
func NewWeightedPoint(data []float64, weight float64) WeightedPoint {
	return WeightedPoint{Data: slices.Clone(data), Weight: weight}
}

// Dim returns the vector length.
func (p WeightedPoint) Dim() int {
	return len(p.Data)
}

// Equal reports whether p and o have identical data and weight.
func (p WeightedPoint) Equal(o WeightedPoint) bool {
	return p.Weight == o.Weight && slices.Equal(p.Data, o.Data)
}

// Clone returns a deep copy.
func (p WeightedPoint) Clone() WeightedPoint {
	c := WeightedPoint{
		Data:   slices.Clone(p.Data),
		Weight: p.Weight,
	}
	if p.Original != nil {
		c.Original = slices.Clone(p.Original)
	}
	return c
}

// IsFinite reports whether the weight and every coordinate are finite.
func (p WeightedPoint) IsFinite() bool {
	if math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0) {
		return false
	}
	for _, v := range p.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Validate checks that the point is well formed: non-empty, finite and of
// non-negative weight.
func (p WeightedPoint) Validate() error {
	if len(p.Data) == 0 {
		return fmt.Errorf("empty vector: %w", errors.ErrInvalidPoint)
	}
	if !p.IsFinite() {
		return fmt.Errorf("non-finite value: %w", errors.ErrInvalidPoint)
	}
	if p.Weight < 0 {
		return fmt.Errorf("negative weight %v: %w", p.Weight, errors.ErrInvalidPoint)
	}
	return nil
}

func (p WeightedPoint) String() string {
	return fmt.Sprintf("%v@%g", p.Data, p.Weight)
}

// ComparePoints orders points lexicographically by data, then by weight, then
// by original. It is the canonical order used when diffs are mixed.
func ComparePoints(a, b WeightedPoint) int {
	if c := slices.Compare(a.Data, b.Data); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Weight, b.Weight); c != 0 {
		return c
	}
	return slices.Compare(a.Original, b.Original)
}

// ClonePoints deep-copies a point slice. A nil input yields nil.
func ClonePoints(points []WeightedPoint) []WeightedPoint {
	if points == nil {
		return nil
	}
	out := make([]WeightedPoint, len(points))
	for i, p := range points {
		out[i] = p.Clone()
	}
	return out
}

// SumWeights returns the aggregate weight of points.
func SumWeights(points []WeightedPoint) float64 {
	var sum float64
	for _, p := range points {
		sum += p.Weight
	}
	return sum
}
