package types

import (
	"cmp"
	"slices"
)

// CompressionEvent records that a raw bucket of ReplacedSize local adds was
// replaced by the Produced buckets.
type CompressionEvent struct {
	ReplacedEpoch int64
	ReplacedSize  int
	Produced      []Bucket
}

// Clone returns a deep copy.
func (e CompressionEvent) Clone() CompressionEvent {
	return CompressionEvent{
		ReplacedEpoch: e.ReplacedEpoch,
		ReplacedSize:  e.ReplacedSize,
		Produced:      CloneBuckets(e.Produced),
	}
}

// CompareEvents is the canonical event order used by mix.
func CompareEvents(a, b CompressionEvent) int {
	if c := cmp.Compare(a.ReplacedEpoch, b.ReplacedEpoch); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ReplacedSize, b.ReplacedSize); c != 0 {
		return c
	}
	if c := cmp.Compare(len(a.Produced), len(b.Produced)); c != 0 {
		return c
	}
	for i := range a.Produced {
		if c := CompareBuckets(a.Produced[i], b.Produced[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Diff is the delta a storage accumulated since its last synchronization
// boundary. It is applicable only to a storage whose base revision equals
// BaseRevision.
type Diff struct {
	BaseRevision uint64
	NewPoints    []WeightedPoint
	Events       []CompressionEvent
}

// Span returns the number of adds the diff represents: its pending points plus
// every point folded into a recorded compression.
func (d *Diff) Span() uint64 {
	if d == nil {
		return 0
	}
	n := uint64(len(d.NewPoints))
	for _, e := range d.Events {
		n += uint64(e.ReplacedSize)
	}
	return n
}

// Empty reports whether the diff carries neither points nor events.
func (d *Diff) Empty() bool {
	return d == nil || (len(d.NewPoints) == 0 && len(d.Events) == 0)
}

// TotalWeight returns the weight the diff contributes when applied.
func (d *Diff) TotalWeight() float64 {
	if d == nil {
		return 0
	}
	sum := SumWeights(d.NewPoints)
	for _, e := range d.Events {
		for i := range e.Produced {
			sum += e.Produced[i].TotalWeight()
		}
	}
	return sum
}

// Points returns every point the diff contributes: produced bucket points in
// event order followed by the pending points.
func (d *Diff) Points() []WeightedPoint {
	if d == nil {
		return nil
	}
	var out []WeightedPoint
	for _, e := range d.Events {
		for _, b := range e.Produced {
			out = append(out, b.Points...)
		}
	}
	return append(out, d.NewPoints...)
}

// Dim returns the common vector length of the diff's points, 0 when it has
// none, or -1 when the points disagree.
func (d *Diff) Dim() int {
	dim := 0
	for _, p := range d.Points() {
		switch {
		case dim == 0:
			dim = p.Dim()
		case p.Dim() != dim:
			return -1
		}
	}
	return dim
}

// Clone returns a deep copy.
func (d *Diff) Clone() *Diff {
	if d == nil {
		return nil
	}
	c := &Diff{
		BaseRevision: d.BaseRevision,
		NewPoints:    ClonePoints(d.NewPoints),
	}
	if d.Events != nil {
		c.Events = make([]CompressionEvent, len(d.Events))
		for i, e := range d.Events {
			c.Events[i] = e.Clone()
		}
	}
	return c
}

// Canonicalize sorts points and events into their canonical order in place.
func (d *Diff) Canonicalize() {
	slices.SortStableFunc(d.NewPoints, ComparePoints)
	slices.SortStableFunc(d.Events, CompareEvents)
}
