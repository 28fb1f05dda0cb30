package storage

import (
	"fmt"
	"log/slog"

	"github.com/xtxerr/coreset/internal/logging"
	"github.com/xtxerr/coreset/internal/storage/codec"
	"github.com/xtxerr/coreset/internal/storage/compressor"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/forgetting"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// baseState is the storage state at the last sync boundary.
type baseState struct {
	buckets  []types.Bucket
	revision uint64
	epoch    int64
	dim      int
}

// compressive keeps a window of buckets. The newest raw bucket is compressed
// to a coreset once it holds bucket_size points; each compression completes
// an epoch, which decays and purges older compressed buckets.
type compressive struct {
	name   string
	method types.Method
	cfg    *config.Config

	compressor *compressor.Compressor
	forgetting *forgetting.Manager
	logger     *slog.Logger

	buckets  []types.Bucket
	revision uint64
	epoch    int64
	dim      int

	// local counts the adds since the last boundary held by the newest raw
	// bucket. Any points ahead of them were carried over from the base.
	local  int
	events []types.CompressionEvent
	base   baseState

	counters counters
}

func newCompressive(name string, method types.Method, cfg *config.Config) (*compressive, error) {
	s := &compressive{
		name:   name,
		method: method,
		logger: logging.Component("storage").With("storage", name, "compressor", types.CompressorCompressive),
	}
	if err := s.configure(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *compressive) configure(cfg *config.Config) error {
	comp, err := compressor.New(compressor.Options{
		Target:   cfg.CompressedBucketSize,
		BaseSize: cfg.BicriteriaBaseSize,
	})
	if err != nil {
		return err
	}

	s.cfg = cfg
	s.compressor = comp
	s.forgetting = forgetting.New(cfg.ForgettingFactor, cfg.ForgettingThreshold, cfg.BucketLength)
	return nil
}

func (s *compressive) Add(p types.WeightedPoint) error {
	if err := checkPoint(p, s.dim); err != nil {
		s.counters.rejected++
		return err
	}

	if n := len(s.buckets); n == 0 || s.buckets[n-1].Compressed {
		s.startBucket()
	}

	last := len(s.buckets) - 1
	s.buckets[last].Add(p.Clone())
	s.local++
	s.dim = p.Dim()
	s.revision++
	s.counters.adds++

	if s.buckets[last].Len() >= s.cfg.BucketSize {
		s.compressLocal()
	}

	return nil
}

// compressLocal compresses the full newest bucket in place and records the
// event for its local adds. When the bucket also holds carried points, the
// event's coreset is built from the local adds alone; PutDiff replays the
// carried points from the base.
func (s *compressive) compressLocal() {
	raw := s.buckets[len(s.buckets)-1]
	carried := raw.Len() - s.local

	produced := s.compressLast()
	if carried > 0 {
		rng := compressor.NewSource(s.cfg.Seed, raw.Epoch)
		produced = types.Bucket{
			Points:     s.compressor.Compress(raw.Points[carried:], rng),
			Epoch:      raw.Epoch,
			Compressed: true,
		}
	}

	s.events = append(s.events, types.CompressionEvent{
		ReplacedEpoch: raw.Epoch,
		ReplacedSize:  s.local,
		Produced:      []types.Bucket{produced},
	})
	s.local = 0
}

// startBucket evicts the oldest buckets as needed and opens a raw bucket.
func (s *compressive) startBucket() {
	var evicted []types.Bucket
	s.buckets, evicted = s.forgetting.MakeRoom(s.buckets)
	if len(evicted) > 0 {
		s.counters.evicted += int64(len(evicted))
		s.logger.Debug("buckets evicted", "count", len(evicted), "oldest_epoch", evicted[0].Epoch)
	}
	s.buckets = append(s.buckets, types.Bucket{Epoch: s.epoch})
}

// compressLast replaces the newest raw bucket with its coreset and completes
// the epoch. It returns a copy of the compressed bucket taken before
// forgetting runs.
func (s *compressive) compressLast() types.Bucket {
	last := len(s.buckets) - 1
	raw := s.buckets[last]

	rng := compressor.NewSource(s.cfg.Seed, raw.Epoch)
	s.buckets[last] = types.Bucket{
		Points:     s.compressor.Compress(raw.Points, rng),
		Epoch:      raw.Epoch,
		Compressed: true,
	}
	s.counters.compressions++

	s.logger.Debug("bucket compressed",
		"epoch", raw.Epoch,
		"points_in", raw.Len(),
		"points_out", s.buckets[last].Len())

	produced := s.buckets[last].Clone()
	s.completeEpoch(last)
	return produced
}

// completeEpoch runs forgetting with fresh exempt from decay.
func (s *compressive) completeEpoch(fresh int) {
	var result forgetting.Result
	s.buckets, result = s.forgetting.Apply(s.buckets, fresh)
	if n := len(result.PurgedEpochs); n > 0 {
		s.counters.purged += int64(n)
		s.logger.Debug("buckets purged", "epochs", result.PurgedEpochs, "weight", result.WeightRemoved)
	}
	s.epoch++
}

// replay adds a synchronized point: it fills the newest raw bucket whatever
// its origin, records no event and leaves the revision alone.
func (s *compressive) replay(p types.WeightedPoint) {
	if n := len(s.buckets); n == 0 || s.buckets[n-1].Compressed {
		s.startBucket()
	}

	last := len(s.buckets) - 1
	s.buckets[last].Add(p.Clone())
	if s.buckets[last].Len() >= s.cfg.BucketSize {
		s.compressLast()
	}
}

// insertCompressed appends a bucket produced elsewhere as a completed epoch.
func (s *compressive) insertCompressed(b types.Bucket) {
	var evicted []types.Bucket
	s.buckets, evicted = s.forgetting.MakeRoom(s.buckets)
	s.counters.evicted += int64(len(evicted))

	b = b.Clone()
	b.Epoch = s.epoch
	b.Compressed = true
	s.buckets = append(s.buckets, b)
	s.completeEpoch(len(s.buckets) - 1)
}

func (s *compressive) markBoundary() {
	s.base = baseState{
		buckets:  types.CloneBuckets(s.buckets),
		revision: s.revision,
		epoch:    s.epoch,
		dim:      s.dim,
	}
	s.local = 0
	s.events = nil
}

func (s *compressive) GetAll() []types.WeightedPoint {
	var out []types.WeightedPoint
	for _, b := range s.buckets {
		out = append(out, types.ClonePoints(b.Points)...)
	}
	return out
}

func (s *compressive) Buckets() []types.Bucket {
	return types.CloneBuckets(s.buckets)
}

func (s *compressive) Revision() uint64 {
	return s.revision
}

func (s *compressive) Clear() {
	s.buckets = nil
	s.revision = 0
	s.epoch = 0
	s.dim = 0
	s.markBoundary()
}

func (s *compressive) Pack() ([]byte, error) {
	return codec.MarshalState(&codec.State{
		Name:             s.name,
		Method:           s.method,
		CompressorMethod: types.CompressorCompressive,
		Config:           *s.cfg,
		Revision:         s.revision,
		Epoch:            s.epoch,
		Dim:              s.dim,
		Buckets:          s.buckets,
	}), nil
}

func (s *compressive) Unpack(data []byte) error {
	st, err := unpackState(data, s.method, types.CompressorCompressive)
	if err != nil {
		return err
	}
	if err := s.configure(&st.Config); err != nil {
		return fmt.Errorf("packed config: %w", err)
	}

	s.buckets = st.Buckets
	s.revision = st.Revision
	s.epoch = st.Epoch
	s.dim = st.Dim
	s.markBoundary()

	s.logger.Debug("state unpacked", "revision", s.revision, "buckets", len(s.buckets))
	return nil
}

func (s *compressive) GetDiff() *types.Diff {
	d := &types.Diff{BaseRevision: s.base.revision}
	if s.local > 0 {
		last := s.buckets[len(s.buckets)-1]
		d.NewPoints = types.ClonePoints(last.Points[last.Len()-s.local:])
	}
	if len(s.events) > 0 {
		d.Events = make([]types.CompressionEvent, len(s.events))
		for i, e := range s.events {
			d.Events[i] = e.Clone()
		}
	}
	return d
}

// PutDiff rebuilds the state from the base snapshot: each produced bucket
// becomes a completed epoch, then each new point is replayed.
func (s *compressive) PutDiff(d *types.Diff) bool {
	if reason := checkDiff(d, s.base.revision, s.base.dim); reason != "" {
		s.counters.diffsRejected++
		s.logger.Warn("diff rejected", "reason", reason, "revision", s.revision)
		return false
	}

	s.buckets = types.CloneBuckets(s.base.buckets)
	s.epoch = s.base.epoch
	s.dim = s.base.dim

	// A raw bucket left over from earlier replays or an unpacked state is
	// refilled after the new epochs, followed by the new points, so it keeps
	// growing toward compression.
	var carry []types.WeightedPoint
	if n := len(s.buckets); n > 0 && !s.buckets[n-1].Compressed {
		carry = s.buckets[n-1].Points
		s.buckets = s.buckets[:n-1]
	}

	for _, e := range d.Events {
		for _, b := range e.Produced {
			s.insertCompressed(b)
		}
	}
	for _, p := range carry {
		s.replay(p)
	}
	for _, p := range d.NewPoints {
		s.replay(p)
	}
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

func (s *compressive) Mix(lhs, rhs *types.Diff) *types.Diff {
	return Mix(lhs, rhs)
}

func (s *compressive) Name() string                             { return s.name }
func (s *compressive) Method() types.Method                     { return s.method }
func (s *compressive) CompressorMethod() types.CompressorMethod { return types.CompressorCompressive }
func (s *compressive) Config() config.Config                    { return *s.cfg.Clone() }

func (s *compressive) Stats() Stats {
	st := Stats{
		Name:             s.name,
		CompressorMethod: types.CompressorCompressive,
		Revision:         s.revision,
		BaseRevision:     s.base.revision,
		Epoch:            s.epoch,
		Dim:              s.dim,
	}
	fillBuckets(&st, s.buckets)
	s.counters.fill(&st)
	return st
}
