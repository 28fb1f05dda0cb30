package codec

import (
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/types"
)

func sampleDiff() *types.Diff {
	return &types.Diff{
		BaseRevision: 42,
		NewPoints: []types.WeightedPoint{
			types.NewPoint([]float64{1, 2}),
			{Data: []float64{-0.5, math.SmallestNonzeroFloat64}, Weight: 0.25, Original: []float64{3, 4}},
		},
		Events: []types.CompressionEvent{
			{
				ReplacedEpoch: -3,
				ReplacedSize:  10,
				Produced: []types.Bucket{{
					Epoch:      -3,
					Compressed: true,
					Points:     []types.WeightedPoint{types.NewWeightedPoint([]float64{0.1, 0.2}, 10)},
				}},
			},
			{ReplacedSize: 7},
		},
	}
}

func TestDiffRoundTrip(t *testing.T) {
	want := sampleDiff()

	got, err := UnmarshalDiff(MarshalDiff(want))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.BaseRevision != want.BaseRevision {
		t.Errorf("base revision: got %d, want %d", got.BaseRevision, want.BaseRevision)
	}
	if len(got.NewPoints) != len(want.NewPoints) {
		t.Fatalf("points: got %d, want %d", len(got.NewPoints), len(want.NewPoints))
	}
	for i := range want.NewPoints {
		if !got.NewPoints[i].Equal(want.NewPoints[i]) {
			t.Errorf("point %d: got %v, want %v", i, got.NewPoints[i], want.NewPoints[i])
		}
	}
	if got.NewPoints[0].Original != nil {
		t.Errorf("unset original should decode as nil, got %v", got.NewPoints[0].Original)
	}
	if o := got.NewPoints[1].Original; len(o) != 2 || o[0] != 3 || o[1] != 4 {
		t.Errorf("original not preserved: %v", o)
	}

	if len(got.Events) != 2 {
		t.Fatalf("events: got %d, want 2", len(got.Events))
	}
	for i := range want.Events {
		if types.CompareEvents(got.Events[i], want.Events[i]) != 0 {
			t.Errorf("event %d: got %+v, want %+v", i, got.Events[i], want.Events[i])
		}
	}
	if got.Span() != want.Span() {
		t.Errorf("span: got %d, want %d", got.Span(), want.Span())
	}
}

func TestEmptyDiff(t *testing.T) {
	got, err := UnmarshalDiff(MarshalDiff(&types.Diff{}))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Empty() || got.BaseRevision != 0 {
		t.Errorf("expected empty diff, got %+v", got)
	}
	if MarshalDiff(nil) != nil {
		t.Error("nil diff should encode to nil")
	}
}

func TestFloatsBitExact(t *testing.T) {
	values := []float64{0, math.Copysign(0, -1), math.MaxFloat64, -math.SmallestNonzeroFloat64, 1.0 / 3}

	p, err := UnmarshalPoint(AppendPoint(nil, types.NewWeightedPoint(values, 1.0/7)))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for i, v := range values {
		if math.Float64bits(p.Data[i]) != math.Float64bits(v) {
			t.Errorf("value %d: got %v, want %v", i, p.Data[i], v)
		}
	}
	if p.Weight != 1.0/7 {
		t.Errorf("weight: got %v", p.Weight)
	}
}

func TestStateRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig().WithSeed(99)
	cfg.ForgettingFactor = 0.9

	want := &State{
		Name:             "node-a",
		Method:           types.MethodGMM,
		CompressorMethod: types.CompressorCompressive,
		Config:           cfg,
		Revision:         17,
		Epoch:            4,
		Dim:              2,
		Buckets: []types.Bucket{
			{Epoch: 2, Compressed: true, Points: []types.WeightedPoint{types.NewWeightedPoint([]float64{1, 1}, 3.5)}},
			{Epoch: 4, Points: []types.WeightedPoint{types.NewPoint([]float64{2, 2})}},
		},
	}

	got, err := UnmarshalState(MarshalState(want))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Name != want.Name || got.Method != want.Method || got.CompressorMethod != want.CompressorMethod {
		t.Errorf("identity: got %s/%s/%s", got.Name, got.Method, got.CompressorMethod)
	}
	if got.Revision != 17 || got.Epoch != 4 || got.Dim != 2 {
		t.Errorf("counters: got rev=%d epoch=%d dim=%d", got.Revision, got.Epoch, got.Dim)
	}
	if got.Config.Seed == nil || *got.Config.Seed != 99 {
		t.Errorf("seed not preserved: %v", got.Config.Seed)
	}
	if got.Config.ForgettingFactor != 0.9 || got.Config.BucketSize != cfg.BucketSize {
		t.Errorf("config: got %+v", got.Config)
	}
	if len(got.Buckets) != 2 {
		t.Fatalf("buckets: got %d, want 2", len(got.Buckets))
	}
	for i := range want.Buckets {
		if !got.Buckets[i].Equal(want.Buckets[i]) {
			t.Errorf("bucket %d: got %+v, want %+v", i, got.Buckets[i], want.Buckets[i])
		}
	}
}

func TestUnseededConfig(t *testing.T) {
	c, err := UnmarshalConfig(AppendConfig(nil, config.DefaultConfig()))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Seed != nil {
		t.Errorf("expected nil seed, got %d", *c.Seed)
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	b := MarshalDiff(sampleDiff())
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	d, err := UnmarshalDiff(b)
	if err != nil {
		t.Fatalf("unknown field should be skipped: %v", err)
	}
	if d.BaseRevision != 42 {
		t.Errorf("base revision: got %d", d.BaseRevision)
	}
}

func TestCorruptInput(t *testing.T) {
	valid := MarshalDiff(sampleDiff())

	wrongType := protowire.AppendTag(nil, 1, protowire.BytesType)
	wrongType = protowire.AppendString(wrongType, "x")

	badFloats := protowire.AppendTag(nil, 2, protowire.BytesType)
	badFloats = protowire.AppendBytes(badFloats, AppendPoint(nil, types.NewPoint([]float64{1}))[:5])

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", valid[:len(valid)-3]},
		{"bad tag", []byte{0xff}},
		{"wrong wire type", wrongType},
		{"truncated point", badFloats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalDiff(tt.data)
			if !errors.Is(err, errors.ErrCorruptData) {
				t.Errorf("expected ErrCorruptData, got %v", err)
			}
		})
	}
}

func TestStateVersionChecked(t *testing.T) {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, StateVersion+1)
	b = appendMessage(b, 5, AppendConfig(nil, config.DefaultConfig()))

	if _, err := UnmarshalState(b); !errors.Is(err, errors.ErrCorruptData) {
		t.Errorf("expected ErrCorruptData for unknown version, got %v", err)
	}

	missing := protowire.AppendTag(nil, 1, protowire.VarintType)
	missing = protowire.AppendVarint(missing, StateVersion)
	if _, err := UnmarshalState(missing); !errors.Is(err, errors.ErrCorruptData) {
		t.Errorf("expected ErrCorruptData for missing config, got %v", err)
	}
}
