package types

import (
	"math"
	"testing"

	"github.com/xtxerr/coreset/internal/errors"
)

func TestPointEqualIgnoresOriginal(t *testing.T) {
	a := WeightedPoint{Data: []float64{1, 2}, Weight: 1, Original: []float64{10, 20}}
	b := WeightedPoint{Data: []float64{1, 2}, Weight: 1}

	if !a.Equal(b) {
		t.Error("expected points with different originals to be equal")
	}

	b.Weight = 2
	if a.Equal(b) {
		t.Error("expected points with different weights to differ")
	}
}

func TestPointClone(t *testing.T) {
	a := WeightedPoint{Data: []float64{1, 2}, Weight: 3, Original: []float64{5}}
	c := a.Clone()

	c.Data[0] = 99
	c.Original[0] = 99
	if a.Data[0] != 1 || a.Original[0] != 5 {
		t.Errorf("clone shares memory with source: %v", a)
	}

	if NewPoint([]float64{1}).Clone().Original != nil {
		t.Error("expected nil original to stay nil")
	}
}

func TestPointValidate(t *testing.T) {
	tests := []struct {
		name    string
		point   WeightedPoint
		wantErr bool
	}{
		{"valid", NewPoint([]float64{1, 2}), false},
		{"zero weight", NewWeightedPoint([]float64{1}, 0), false},
		{"empty", WeightedPoint{Weight: 1}, true},
		{"nan", NewPoint([]float64{math.NaN()}), true},
		{"inf", NewPoint([]float64{math.Inf(1)}), true},
		{"inf weight", NewWeightedPoint([]float64{1}, math.Inf(1)), true},
		{"negative weight", NewWeightedPoint([]float64{1}, -1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.point.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidPoint) {
				t.Errorf("expected ErrInvalidPoint, got %v", err)
			}
		})
	}
}

func TestComparePoints(t *testing.T) {
	tests := []struct {
		a, b WeightedPoint
		want int
	}{
		{NewPoint([]float64{1, 2}), NewPoint([]float64{1, 3}), -1},
		{NewPoint([]float64{2}), NewPoint([]float64{1, 9}), 1},
		{NewPoint([]float64{1}), NewPoint([]float64{1, 0}), -1},
		{NewWeightedPoint([]float64{1}, 2), NewWeightedPoint([]float64{1}, 1), 1},
		{NewPoint([]float64{1}), NewPoint([]float64{1}), 0},
	}

	for i, tt := range tests {
		if got := ComparePoints(tt.a, tt.b); got != tt.want {
			t.Errorf("case %d: ComparePoints(%v, %v) = %d, want %d", i, tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBucketDecayAndPurge(t *testing.T) {
	b := Bucket{Compressed: true}
	b.Add(NewWeightedPoint([]float64{0}, 2))
	b.Add(NewWeightedPoint([]float64{1}, 4))

	if b.TotalWeight() != 6 {
		t.Errorf("expected total weight 6, got %v", b.TotalWeight())
	}

	b.Decay(0.5)
	if b.TotalWeight() != 3 {
		t.Errorf("expected total weight 3 after decay, got %v", b.TotalWeight())
	}

	if b.ShouldPurge(2.9) {
		t.Error("bucket above threshold should not be purged")
	}
	if !b.ShouldPurge(3) {
		t.Error("bucket at threshold should be purged")
	}
}

func TestBucketClone(t *testing.T) {
	b := Bucket{Epoch: 4, Compressed: true}
	b.Add(NewPoint([]float64{1, 1}))

	c := b.Clone()
	if !b.Equal(c) {
		t.Fatalf("clone differs: %+v vs %+v", b, c)
	}

	c.Points[0].Data[0] = 7
	if b.Points[0].Data[0] != 1 {
		t.Error("clone shares point memory")
	}
}

func TestDiffSpan(t *testing.T) {
	d := &Diff{
		NewPoints: []WeightedPoint{NewPoint([]float64{1}), NewPoint([]float64{2})},
		Events: []CompressionEvent{
			{ReplacedSize: 10, Produced: []Bucket{{Points: []WeightedPoint{NewWeightedPoint([]float64{3}, 10)}, Compressed: true}}},
			{ReplacedSize: 5},
		},
	}

	if d.Span() != 17 {
		t.Errorf("expected span 17, got %d", d.Span())
	}
	if d.TotalWeight() != 12 {
		t.Errorf("expected total weight 12, got %v", d.TotalWeight())
	}
	if d.Dim() != 1 {
		t.Errorf("expected dim 1, got %d", d.Dim())
	}
	if len(d.Points()) != 3 {
		t.Errorf("expected 3 contributed points, got %d", len(d.Points()))
	}

	var nilDiff *Diff
	if nilDiff.Span() != 0 || !nilDiff.Empty() {
		t.Error("nil diff should be empty with zero span")
	}
}

func TestDiffDimMismatch(t *testing.T) {
	d := &Diff{NewPoints: []WeightedPoint{NewPoint([]float64{1}), NewPoint([]float64{1, 2})}}
	if d.Dim() != -1 {
		t.Errorf("expected -1 for inconsistent dims, got %d", d.Dim())
	}
}

func TestDiffCanonicalize(t *testing.T) {
	d := &Diff{
		NewPoints: []WeightedPoint{NewPoint([]float64{3}), NewPoint([]float64{1}), NewPoint([]float64{2})},
		Events: []CompressionEvent{
			{ReplacedEpoch: 2, ReplacedSize: 4},
			{ReplacedEpoch: 1, ReplacedSize: 4},
		},
	}
	d.Canonicalize()

	for i, want := range []float64{1, 2, 3} {
		if d.NewPoints[i].Data[0] != want {
			t.Errorf("point %d: expected %v, got %v", i, want, d.NewPoints[i].Data[0])
		}
	}
	if d.Events[0].ReplacedEpoch != 1 {
		t.Errorf("expected events sorted by epoch, got %+v", d.Events)
	}
}

func TestParseMethods(t *testing.T) {
	if m, err := ParseMethod("gmm"); err != nil || m != MethodGMM {
		t.Errorf("ParseMethod(gmm) = %v, %v", m, err)
	}
	if _, err := ParseMethod("dbscan"); !errors.Is(err, errors.ErrUnsupportedMethod) {
		t.Errorf("expected ErrUnsupportedMethod, got %v", err)
	}

	if c, err := ParseCompressorMethod("compressive"); err != nil || c != CompressorCompressive {
		t.Errorf("ParseCompressorMethod(compressive) = %v, %v", c, err)
	}
	_, err := ParseCompressorMethod("lossless")
	var ue *errors.UnsupportedMethodError
	if !errors.As(err, &ue) || ue.Name != "lossless" {
		t.Errorf("expected UnsupportedMethodError naming lossless, got %v", err)
	}
}
