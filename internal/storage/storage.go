package storage

import (
	"fmt"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/codec"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// Storage is a bounded, mergeable summary of a stream of weighted points.
//
// Implementations are single-writer: callers serialize access or wrap the
// storage with NewLocked.
type Storage interface {
	// Add accumulates one point. A rejected point leaves the storage
	// unchanged.
	Add(p types.WeightedPoint) error

	// GetAll returns every retained point, oldest bucket first.
	GetAll() []types.WeightedPoint

	// Buckets returns a deep copy of the retained buckets, oldest first.
	Buckets() []types.Bucket

	// Revision returns the current revision.
	Revision() uint64

	// Clear drops all state and resets the revision to zero.
	Clear()

	// Pack serializes the full state.
	Pack() ([]byte, error)

	// Unpack replaces the state with a packed one.
	Unpack(data []byte) error

	// GetDiff returns the changes made since the last sync boundary.
	GetDiff() *types.Diff

	// PutDiff applies a mixed diff. It returns false, leaving the storage
	// unchanged, when the diff does not apply to the current base.
	PutDiff(d *types.Diff) bool

	// Mix merges two diffs.
	Mix(lhs, rhs *types.Diff) *types.Diff

	Name() string
	Method() types.Method
	CompressorMethod() types.CompressorMethod
	Config() config.Config
	Stats() Stats
}

// New creates a storage of the given compressor method. method names the
// clustering method the storage feeds and is checked on unpack. A nil cfg
// uses config.DefaultConfig.
func New(name, method, compressorMethod string, cfg *config.Config) (Storage, error) {
	m, err := types.ParseMethod(method)
	if err != nil {
		return nil, fmt.Errorf("method: %w", err)
	}
	cm, err := types.ParseCompressorMethod(compressorMethod)
	if err != nil {
		return nil, fmt.Errorf("compressor method: %w", err)
	}

	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = cfg.Clone()

	switch cm {
	case types.CompressorSimple:
		return newSimple(name, m, cfg), nil
	case types.CompressorCompressive:
		return newCompressive(name, m, cfg)
	default:
		return nil, errors.NewUnsupportedMethod(compressorMethod)
	}
}

// MustNew is like New but panics on error.
func MustNew(name, method, compressorMethod string, cfg *config.Config) Storage {
	s, err := New(name, method, compressorMethod, cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// checkPoint validates p against the storage dimension; dim 0 accepts any
// length.
func checkPoint(p types.WeightedPoint, dim int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if dim != 0 && p.Dim() != dim {
		return errors.NewDimensionMismatch(dim, p.Dim())
	}
	return nil
}

// checkDiff reports why d cannot be applied to a storage at baseRevision with
// the given dimension, or "" when it can.
func checkDiff(d *types.Diff, baseRevision uint64, dim int) string {
	if d == nil {
		return "nil diff"
	}
	if d.BaseRevision != baseRevision {
		return fmt.Sprintf("base revision %d, want %d", d.BaseRevision, baseRevision)
	}
	dd := d.Dim()
	if dd < 0 {
		return "mixed dimensions"
	}
	if dd != 0 && dim != 0 && dd != dim {
		return fmt.Sprintf("dimension %d, want %d", dd, dim)
	}
	for _, p := range d.Points() {
		if err := p.Validate(); err != nil {
			return err.Error()
		}
	}
	for _, e := range d.Events {
		if e.ReplacedSize < 0 {
			return fmt.Sprintf("negative replaced size %d", e.ReplacedSize)
		}
		for _, b := range e.Produced {
			if b.Len() == 0 {
				return "empty produced bucket"
			}
		}
	}
	return ""
}

// nextRevision is the revision after applying d on top of a storage at
// revision. Nodes applying the same mixed diff converge on the same value.
func nextRevision(revision uint64, d *types.Diff) uint64 {
	return max(revision, d.BaseRevision+d.Span()) + 1
}

// unpackState decodes packed state and checks that it belongs to the given
// variant and is internally consistent.
func unpackState(data []byte, method types.Method, cm types.CompressorMethod) (*codec.State, error) {
	st, err := codec.UnmarshalState(data)
	if err != nil {
		return nil, err
	}

	if st.Method != method || st.CompressorMethod != cm {
		return nil, fmt.Errorf("packed %s/%s, storage is %s/%s: %w",
			st.Method, st.CompressorMethod, method, cm, errors.ErrMethodMismatch)
	}
	if err := st.Config.Validate(); err != nil {
		return nil, fmt.Errorf("packed config: %w", err)
	}
	if len(st.Buckets) > st.Config.BucketLength {
		return nil, errors.NewCorrupt("%d buckets exceed bucket_length %d", len(st.Buckets), st.Config.BucketLength)
	}

	dim := st.Dim
	for i, b := range st.Buckets {
		if b.Len() == 0 {
			return nil, errors.NewCorrupt("bucket %d is empty", i)
		}
		for _, p := range b.Points {
			if err := checkPoint(p, dim); err != nil {
				return nil, errors.NewCorrupt("bucket %d: %v", i, err)
			}
			dim = p.Dim()
		}
	}
	st.Dim = dim

	return st, nil
}
