package storage

import (
	"log/slog"

	"github.com/xtxerr/coreset/internal/logging"
	"github.com/xtxerr/coreset/internal/storage/codec"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/ring"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// simple keeps the newest bucket_size points without compression, exposed as
// a single raw bucket of epoch 0.
type simple struct {
	name   string
	method types.Method
	cfg    *config.Config
	logger *slog.Logger

	points   *ring.Ring[types.WeightedPoint]
	revision uint64
	dim      int

	// Local adds since the last boundary. Adds pushed out of the local ring
	// are counted in dropped so the diff span still covers them.
	local   *ring.Ring[types.WeightedPoint]
	dropped int

	base     []types.WeightedPoint
	baseRev  uint64
	baseDim  int
	counters counters
}

func newSimple(name string, method types.Method, cfg *config.Config) *simple {
	s := &simple{
		name:   name,
		method: method,
		logger: logging.Component("storage").With("storage", name, "compressor", types.CompressorSimple),
	}
	s.configure(cfg)
	return s
}

func (s *simple) configure(cfg *config.Config) {
	s.cfg = cfg
	s.points = ring.New[types.WeightedPoint](cfg.BucketSize)
	s.local = ring.New[types.WeightedPoint](cfg.BucketSize)
}

func (s *simple) Add(p types.WeightedPoint) error {
	if err := checkPoint(p, s.dim); err != nil {
		s.counters.rejected++
		return err
	}

	p = p.Clone()
	if s.points.PushOverwrite(p) {
		s.counters.dropped++
	}
	if s.local.PushOverwrite(p) {
		s.dropped++
	}

	s.dim = p.Dim()
	s.revision++
	s.counters.adds++
	return nil
}

func (s *simple) GetAll() []types.WeightedPoint {
	return types.ClonePoints(s.points.Snapshot())
}

func (s *simple) Buckets() []types.Bucket {
	if s.points.IsEmpty() {
		return nil
	}
	return []types.Bucket{{Points: s.GetAll()}}
}

func (s *simple) Revision() uint64 {
	return s.revision
}

func (s *simple) Clear() {
	s.points.Clear()
	s.revision = 0
	s.dim = 0
	s.markBoundary()
}

func (s *simple) markBoundary() {
	s.base = types.ClonePoints(s.points.Snapshot())
	s.baseRev = s.revision
	s.baseDim = s.dim
	s.local.Clear()
	s.dropped = 0
}

func (s *simple) Pack() ([]byte, error) {
	return codec.MarshalState(&codec.State{
		Name:             s.name,
		Method:           s.method,
		CompressorMethod: types.CompressorSimple,
		Config:           *s.cfg,
		Revision:         s.revision,
		Dim:              s.dim,
		Buckets:          s.Buckets(),
	}), nil
}

// Unpack keeps the newest bucket_size points of the packed state.
func (s *simple) Unpack(data []byte) error {
	st, err := unpackState(data, s.method, types.CompressorSimple)
	if err != nil {
		return err
	}

	s.configure(&st.Config)
	for _, b := range st.Buckets {
		for _, p := range b.Points {
			s.points.PushOverwrite(p)
		}
	}
	s.revision = st.Revision
	s.dim = st.Dim
	s.markBoundary()

	s.logger.Debug("state unpacked", "revision", s.revision, "points", s.points.Len())
	return nil
}

func (s *simple) GetDiff() *types.Diff {
	d := &types.Diff{BaseRevision: s.baseRev}
	if !s.local.IsEmpty() {
		d.NewPoints = types.ClonePoints(s.local.Snapshot())
	}
	if s.dropped > 0 {
		d.Events = []types.CompressionEvent{{ReplacedSize: s.dropped}}
	}
	return d
}

// PutDiff rebuilds the ring from the base points followed by the diff's
// points. Produced buckets are taken point by point. A mixed diff holding
// more points than fit is thinned evenly across its order, so no node's
// share is pushed out wholesale by where its points sort.
func (s *simple) PutDiff(d *types.Diff) bool {
	if reason := checkDiff(d, s.baseRev, s.baseDim); reason != "" {
		s.counters.diffsRejected++
		s.logger.Warn("diff rejected", "reason", reason, "revision", s.revision)
		return false
	}

	s.points.Clear()
	for _, p := range s.base {
		s.points.PushOverwrite(p.Clone())
	}
	for _, p := range spread(d.Points(), s.cfg.BucketSize) {
		s.points.PushOverwrite(p.Clone())
	}

	s.dim = s.baseDim
	if dim := d.Dim(); dim > 0 {
		s.dim = dim
	}

	s.revision = nextRevision(s.revision, d)
	s.markBoundary()
	s.counters.diffsAccepted++

	s.logger.Debug("diff applied",
		"base_revision", d.BaseRevision,
		"span", d.Span(),
		"revision", s.revision)
	return true
}

// spread returns n points evenly spaced across points, in order. It returns
// points unchanged when they already fit.
func spread(points []types.WeightedPoint, n int) []types.WeightedPoint {
	if len(points) <= n {
		return points
	}
	out := make([]types.WeightedPoint, n)
	for i := range out {
		out[i] = points[i*len(points)/n]
	}
	return out
}

func (s *simple) Mix(lhs, rhs *types.Diff) *types.Diff {
	return Mix(lhs, rhs)
}

func (s *simple) Name() string                             { return s.name }
func (s *simple) Method() types.Method                     { return s.method }
func (s *simple) CompressorMethod() types.CompressorMethod { return types.CompressorSimple }
func (s *simple) Config() config.Config                    { return *s.cfg.Clone() }

func (s *simple) Stats() Stats {
	st := Stats{
		Name:             s.name,
		CompressorMethod: types.CompressorSimple,
		Revision:         s.revision,
		BaseRevision:     s.baseRev,
		Dim:              s.dim,
	}
	fillBuckets(&st, s.Buckets())
	s.counters.fill(&st)
	return st
}
