// Package codec encodes storage state and diffs in protobuf wire format.
//
// Messages are hand-encoded with protowire; the schema is:
//
//	message Point  { bytes data = 1 (packed double); fixed64 weight = 2; bytes original = 3 (packed double); }
//	message Bucket { sint64 epoch = 1; bool compressed = 2; repeated Point points = 3; }
//	message Event  { sint64 replaced_epoch = 1; uint64 replaced_size = 2; repeated Bucket produced = 3; }
//	message Diff   { uint64 base_revision = 1; repeated Point new_points = 2; repeated Event events = 3; }
//	message Config { uint64 bucket_size = 1; uint64 bucket_length = 2; uint64 compressed_bucket_size = 3;
//	                 uint64 bicriteria_base_size = 4; double forgetting_factor = 5;
//	                 double forgetting_threshold = 6; optional uint64 seed = 7; }
//	message State  { uint64 version = 1; string name = 2; string method = 3; string compressor_method = 4;
//	                 Config config = 5; uint64 revision = 6; sint64 epoch = 7; uint64 dim = 8;
//	                 repeated Bucket buckets = 9; }
//
// Doubles are stored as their IEEE-754 bit patterns, so a round trip is
// bit-exact. Unknown fields are skipped.
package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// StateVersion is the version written into packed state.
const StateVersion = 1

// State is the full packed form of a storage.
type State struct {
	Name             string
	Method           types.Method
	CompressorMethod types.CompressorMethod
	Config           config.Config
	Revision         uint64
	Epoch            int64
	Dim              int
	Buckets          []types.Bucket
}

// ============================================================================
// Encoding
// ============================================================================

// AppendPoint appends the encoded point to b.
func AppendPoint(b []byte, p types.WeightedPoint) []byte {
	b = appendFloats(b, 1, p.Data)
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(p.Weight))
	b = appendFloats(b, 3, p.Original)
	return b
}

// AppendBucket appends the encoded bucket to b.
func AppendBucket(b []byte, bucket types.Bucket) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(bucket.Epoch))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(bucket.Compressed))
	for _, p := range bucket.Points {
		b = appendMessage(b, 3, AppendPoint(nil, p))
	}
	return b
}

// AppendEvent appends the encoded compression event to b.
func AppendEvent(b []byte, e types.CompressionEvent) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.ReplacedEpoch))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ReplacedSize))
	for _, bucket := range e.Produced {
		b = appendMessage(b, 3, AppendBucket(nil, bucket))
	}
	return b
}

// MarshalDiff encodes a diff.
func MarshalDiff(d *types.Diff) []byte {
	if d == nil {
		return nil
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, d.BaseRevision)
	for _, p := range d.NewPoints {
		b = appendMessage(b, 2, AppendPoint(nil, p))
	}
	for _, e := range d.Events {
		b = appendMessage(b, 3, AppendEvent(nil, e))
	}
	return b
}

// AppendConfig appends the encoded storage configuration to b.
func AppendConfig(b []byte, c *config.Config) []byte {
	for i, v := range []int{c.BucketSize, c.BucketLength, c.CompressedBucketSize, c.BicriteriaBaseSize} {
		b = protowire.AppendTag(b, protowire.Number(i+1), protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.ForgettingFactor))
	b = protowire.AppendTag(b, 6, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.ForgettingThreshold))
	if c.Seed != nil {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, *c.Seed)
	}
	return b
}

// MarshalState encodes a full storage state.
func MarshalState(s *State) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, StateVersion)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, s.Name)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, string(s.Method))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, string(s.CompressorMethod))
	b = appendMessage(b, 5, AppendConfig(nil, &s.Config))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Revision)
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(s.Epoch))
	b = protowire.AppendTag(b, 8, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Dim))
	for _, bucket := range s.Buckets {
		b = appendMessage(b, 9, AppendBucket(nil, bucket))
	}
	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendFloats(b []byte, num protowire.Number, vs []float64) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(len(vs)*8))
	for _, v := range vs {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// ============================================================================
// Decoding
// ============================================================================

// fieldFunc decodes one field value from b and returns the bytes consumed.
// Returning 0 skips the field as unknown.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(what string, b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.NewCorrupt("%s: %v", what, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			if errors.Is(err, errors.ErrCorruptData) {
				return fmt.Errorf("%s: %w", what, err)
			}
			return errors.NewCorrupt("%s field %d: %v", what, num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return errors.NewCorrupt("%s field %d: %v", what, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func wireTypeError(typ protowire.Type) error {
	return fmt.Errorf("unexpected wire type %d", typ)
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, wireTypeError(typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeInt(typ protowire.Type, b []byte, dst *int) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("value %d out of range", v)
	}
	*dst = int(v)
	return n, nil
}

func consumeSint(typ protowire.Type, b []byte, dst *int64) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	if err != nil {
		return 0, err
	}
	*dst = protowire.DecodeZigZag(v)
	return n, nil
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, wireTypeError(typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = math.Float64frombits(v)
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wireTypeError(typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeFloats(typ protowire.Type, b []byte, dst *[]float64) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	if len(v)%8 != 0 {
		return 0, fmt.Errorf("packed double length %d", len(v))
	}
	out := make([]float64, 0, len(v)/8)
	for len(v) > 0 {
		bits, m := protowire.ConsumeFixed64(v)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		out = append(out, math.Float64frombits(bits))
		v = v[m:]
	}
	*dst = out
	return n, nil
}

// UnmarshalPoint decodes a point.
func UnmarshalPoint(b []byte) (types.WeightedPoint, error) {
	var p types.WeightedPoint
	err := walk("point", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeFloats(typ, b, &p.Data)
		case 2:
			return consumeDouble(typ, b, &p.Weight)
		case 3:
			return consumeFloats(typ, b, &p.Original)
		}
		return 0, nil
	})
	return p, err
}

// UnmarshalBucket decodes a bucket.
func UnmarshalBucket(b []byte) (types.Bucket, error) {
	var bucket types.Bucket
	err := walk("bucket", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeSint(typ, b, &bucket.Epoch)
		case 2:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			bucket.Compressed = protowire.DecodeBool(v)
			return n, err
		case 3:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			p, err := UnmarshalPoint(msg)
			if err != nil {
				return 0, err
			}
			bucket.Points = append(bucket.Points, p)
			return n, nil
		}
		return 0, nil
	})
	return bucket, err
}

// UnmarshalEvent decodes a compression event.
func UnmarshalEvent(b []byte) (types.CompressionEvent, error) {
	var e types.CompressionEvent
	err := walk("event", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeSint(typ, b, &e.ReplacedEpoch)
		case 2:
			return consumeInt(typ, b, &e.ReplacedSize)
		case 3:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			bucket, err := UnmarshalBucket(msg)
			if err != nil {
				return 0, err
			}
			e.Produced = append(e.Produced, bucket)
			return n, nil
		}
		return 0, nil
	})
	return e, err
}

// UnmarshalDiff decodes a diff.
func UnmarshalDiff(b []byte) (*types.Diff, error) {
	d := &types.Diff{}
	err := walk("diff", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &d.BaseRevision)
		case 2:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			p, err := UnmarshalPoint(msg)
			if err != nil {
				return 0, err
			}
			d.NewPoints = append(d.NewPoints, p)
			return n, nil
		case 3:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			e, err := UnmarshalEvent(msg)
			if err != nil {
				return 0, err
			}
			d.Events = append(d.Events, e)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UnmarshalConfig decodes a storage configuration. Fields absent from b are
// left at zero; the seed stays nil unless present.
func UnmarshalConfig(b []byte) (*config.Config, error) {
	c := &config.Config{}
	ints := []*int{&c.BucketSize, &c.BucketLength, &c.CompressedBucketSize, &c.BicriteriaBaseSize}
	err := walk("config", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3, 4:
			return consumeInt(typ, b, ints[num-1])
		case 5:
			return consumeDouble(typ, b, &c.ForgettingFactor)
		case 6:
			return consumeDouble(typ, b, &c.ForgettingThreshold)
		case 7:
			var seed uint64
			n, err := consumeVarint(typ, b, &seed)
			c.Seed = &seed
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UnmarshalState decodes a full storage state. It checks the encoding only;
// the storage validates the decoded state.
func UnmarshalState(b []byte) (*State, error) {
	s := &State{}
	var version uint64
	var cfg *config.Config

	err := walk("state", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &version)
		case 2, 3, 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 2:
				s.Name = string(v)
			case 3:
				s.Method = types.Method(v)
			case 4:
				s.CompressorMethod = types.CompressorMethod(v)
			}
			return n, nil
		case 5:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			cfg, err = UnmarshalConfig(msg)
			return n, err
		case 6:
			return consumeVarint(typ, b, &s.Revision)
		case 7:
			return consumeSint(typ, b, &s.Epoch)
		case 8:
			return consumeInt(typ, b, &s.Dim)
		case 9:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			bucket, err := UnmarshalBucket(msg)
			if err != nil {
				return 0, err
			}
			s.Buckets = append(s.Buckets, bucket)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}

	if version != StateVersion {
		return nil, errors.NewCorrupt("state: unsupported version %d", version)
	}
	if cfg == nil {
		return nil, errors.NewCorrupt("state: missing config")
	}
	s.Config = *cfg

	return s, nil
}
