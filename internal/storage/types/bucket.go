package types

import (
	"cmp"
	"slices"
)

// Bucket is a group of points produced during one compression epoch.
//
// A raw bucket accumulates points until it is compressed. A compressed bucket
// holds synthesized points and is never re-expanded.
type Bucket struct {
	Points     []WeightedPoint
	Epoch      int64
	Compressed bool
}

// Add appends p to the bucket.
func (b *Bucket) Add(p WeightedPoint) {
	b.Points = append(b.Points, p)
}

// Len returns the number of points.
func (b *Bucket) Len() int {
	return len(b.Points)
}

// TotalWeight returns the aggregate weight of the bucket's points.
func (b *Bucket) TotalWeight() float64 {
	return SumWeights(b.Points)
}

// Decay multiplies every weight by factor.
func (b *Bucket) Decay(factor float64) {
	if factor == 1 {
		return
	}
	for i := range b.Points {
		b.Points[i].Weight *= factor
	}
}

// ShouldPurge reports whether the aggregate weight has dropped to or below
// threshold.
func (b *Bucket) ShouldPurge(threshold float64) bool {
	return b.TotalWeight() <= threshold
}

// Clone returns a deep copy.
func (b Bucket) Clone() Bucket {
	return Bucket{
		Points:     ClonePoints(b.Points),
		Epoch:      b.Epoch,
		Compressed: b.Compressed,
	}
}

// Equal reports whether two buckets carry the same flag, epoch and points in
// the same order.
func (b Bucket) Equal(o Bucket) bool {
	return b.Epoch == o.Epoch && b.Compressed == o.Compressed &&
		slices.EqualFunc(b.Points, o.Points, WeightedPoint.Equal)
}

// CloneBuckets deep-copies a bucket slice.
func CloneBuckets(buckets []Bucket) []Bucket {
	if buckets == nil {
		return nil
	}
	out := make([]Bucket, len(buckets))
	for i, b := range buckets {
		out[i] = b.Clone()
	}
	return out
}

// CompareBuckets orders buckets by epoch, flag, length, then point by point.
func CompareBuckets(a, b Bucket) int {
	if c := cmp.Compare(a.Epoch, b.Epoch); c != 0 {
		return c
	}
	if a.Compressed != b.Compressed {
		if !a.Compressed {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(len(a.Points), len(b.Points)); c != 0 {
		return c
	}
	for i := range a.Points {
		if c := ComparePoints(a.Points[i], b.Points[i]); c != 0 {
			return c
		}
	}
	return 0
}
