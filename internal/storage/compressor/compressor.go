// Package compressor reduces a bucket of weighted points to a small weighted
// summary (a coreset).
//
// Compression runs in two phases. A bicriteria phase picks a bounded set of
// temporary centers by weighted D² sampling, discarding the half of the
// remaining candidates best served by each round's picks. Every point is then
// assigned to its nearest center and the resulting clusters are merged
// agglomeratively by Ward cost until the target size is reached. Each
// surviving cluster becomes one point at its weighted centroid carrying the
// cluster's total weight, so the output weight equals the input weight.
package compressor

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// Options controls a compression run.
type Options struct {
	// Target is the maximum number of output points.
	Target int

	// BaseSize is the number of centers sampled per bicriteria round.
	BaseSize int
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Target < 1 {
		return errors.NewInvalidParameter("compressed_bucket_size", o.Target, "must be positive")
	}
	if o.BaseSize < 1 {
		return errors.NewInvalidParameter("bicriteria_base_size", o.BaseSize, "must be at least 1")
	}
	return nil
}

// Compressor runs compressions with fixed options and keeps statistics.
// It is safe for concurrent use; the random source passed to Compress is not.
type Compressor struct {
	opts  Options
	stats Stats
}

// Stats holds compression statistics.
type Stats struct {
	Runs      atomic.Int64
	PointsIn  atomic.Int64
	PointsOut atomic.Int64
	Centers   atomic.Int64
	Merges    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Runs      int64
	PointsIn  int64
	PointsOut int64
	Centers   int64
	Merges    int64
}

// New creates a compressor.
func New(opts Options) (*Compressor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Compressor{opts: opts}, nil
}

// Options returns the compressor's options.
func (c *Compressor) Options() Options {
	return c.opts
}

// Compress reduces points to at most Target weighted points.
func (c *Compressor) Compress(points []types.WeightedPoint, rng *rand.Rand) []types.WeightedPoint {
	out, centers, merges := compress(points, c.opts, rng)

	c.stats.Runs.Add(1)
	c.stats.PointsIn.Add(int64(len(points)))
	c.stats.PointsOut.Add(int64(len(out)))
	c.stats.Centers.Add(int64(centers))
	c.stats.Merges.Add(int64(merges))

	return out
}

// Stats returns current statistics.
func (c *Compressor) Stats() StatsSnapshot {
	return StatsSnapshot{
		Runs:      c.stats.Runs.Load(),
		PointsIn:  c.stats.PointsIn.Load(),
		PointsOut: c.stats.PointsOut.Load(),
		Centers:   c.stats.Centers.Load(),
		Merges:    c.stats.Merges.Load(),
	}
}

// Compress reduces points to at most opts.Target weighted points using rng for
// seeding. It panics if opts is invalid.
func Compress(points []types.WeightedPoint, opts Options, rng *rand.Rand) []types.WeightedPoint {
	if err := opts.Validate(); err != nil {
		panic(fmt.Sprintf("compressor: %v", err))
	}
	out, _, _ := compress(points, opts, rng)
	return out
}

// NewSource returns the random source for compressing the bucket of the
// given epoch. Seeded sources are a pure function of (seed, epoch), so nodes
// sharing a seed compress identical input identically. A nil seed draws from
// process entropy.
func NewSource(seed *uint64, epoch int64) *rand.Rand {
	if seed == nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(*seed, uint64(epoch)))
}

func compress(points []types.WeightedPoint, opts Options, rng *rand.Rand) ([]types.WeightedPoint, int, int) {
	if len(points) == 0 {
		return nil, 0, 0
	}

	s := newSeeder(points, rng)
	s.bicriteria(opts.BaseSize)
	s.topUp(opts.Target)

	clusters := assign(points, s.centers)
	numCenters := len(s.centers)

	merges := 0
	for len(clusters) > opts.Target {
		i, j := closestPair(clusters)
		clusters[i].merge(&clusters[j])
		clusters = slices.Delete(clusters, j, j+1)
		merges++
	}

	out := make([]types.WeightedPoint, len(clusters))
	for i := range clusters {
		out[i] = clusters[i].point()
	}
	return out, numCenters, merges
}

// =============================================================================
// Bicriteria seeding
// =============================================================================

// seeder tracks, for every input point, the squared distance to its nearest
// chosen center.
type seeder struct {
	points   []types.WeightedPoint
	rng      *rand.Rand
	minD2    []float64 // +Inf until the first center is chosen
	isCenter []bool
	centers  []int
	distinct int
}

func newSeeder(points []types.WeightedPoint, rng *rand.Rand) *seeder {
	minD2 := make([]float64, len(points))
	for i := range minD2 {
		minD2[i] = math.Inf(1)
	}
	return &seeder{
		points:   points,
		rng:      rng,
		minD2:    minD2,
		isCenter: make([]bool, len(points)),
	}
}

func (s *seeder) addCenter(idx int) {
	if s.minD2[idx] != 0 {
		s.distinct++
	}
	s.isCenter[idx] = true
	s.centers = append(s.centers, idx)

	c := s.points[idx].Data
	for i := range s.points {
		if d := sqDist(s.points[i].Data, c); d < s.minD2[i] {
			s.minD2[i] = d
		}
	}
}

// bicriteria samples baseSize centers per round from the candidate pool and
// then discards the closer half of the remaining candidates. Candidates left
// once the pool is no larger than baseSize become centers themselves.
func (s *seeder) bicriteria(baseSize int) {
	candidates := make([]int, len(s.points))
	for i := range candidates {
		candidates[i] = i
	}

	for len(candidates) > baseSize {
		for range baseSize {
			pick := s.sample(candidates)
			s.addCenter(candidates[pick])
			candidates = slices.Delete(candidates, pick, pick+1)
		}

		slices.SortStableFunc(candidates, func(a, b int) int {
			return cmpFloat(s.minD2[a], s.minD2[b])
		})
		drop := (len(candidates) + 1) / 2
		candidates = candidates[drop:]
		slices.Sort(candidates)
	}

	for _, idx := range candidates {
		s.addCenter(idx)
	}
}

// topUp adds centers by D² sampling until target distinct centers exist or
// every point coincides with a center.
func (s *seeder) topUp(target int) {
	for s.distinct < target {
		var eligible []int
		for i := range s.points {
			if !s.isCenter[i] && s.minD2[i] > 0 {
				eligible = append(eligible, i)
			}
		}
		if len(eligible) == 0 {
			return
		}
		s.addCenter(eligible[s.sample(eligible)])
	}
}

// sample returns a position in candidates drawn with probability proportional
// to weight times squared distance to the nearest center. Before any center
// exists the weight alone is used; when every score is zero the draw is
// uniform.
func (s *seeder) sample(candidates []int) int {
	scores := make([]float64, len(candidates))
	for i, idx := range candidates {
		w := s.points[idx].Weight
		if d := s.minD2[idx]; !math.IsInf(d, 1) {
			w *= d
		}
		scores[i] = w
	}

	total := floats.Sum(scores)
	if !(total > 0) || math.IsInf(total, 1) {
		return s.rng.IntN(len(candidates))
	}

	r := s.rng.Float64() * total
	last := 0
	for i, score := range scores {
		if score <= 0 {
			continue
		}
		last = i
		if r < score {
			return i
		}
		r -= score
	}
	return last
}

// =============================================================================
// Assignment and Ward merging
// =============================================================================

type cluster struct {
	weight float64
	count  int
	wsum   []float64 // sum of weight * data
	sum    []float64 // plain sum, used when weight is zero
}

func (c *cluster) add(p types.WeightedPoint) {
	if c.wsum == nil {
		c.wsum = make([]float64, len(p.Data))
		c.sum = make([]float64, len(p.Data))
	}
	c.weight += p.Weight
	c.count++
	floats.AddScaled(c.wsum, p.Weight, p.Data)
	floats.Add(c.sum, p.Data)
}

func (c *cluster) merge(o *cluster) {
	c.weight += o.weight
	c.count += o.count
	floats.Add(c.wsum, o.wsum)
	floats.Add(c.sum, o.sum)
}

func (c *cluster) centroid() []float64 {
	out := make([]float64, len(c.sum))
	if c.weight > 0 {
		floats.ScaleTo(out, 1/c.weight, c.wsum)
	} else {
		floats.ScaleTo(out, 1/float64(c.count), c.sum)
	}
	return out
}

func (c *cluster) point() types.WeightedPoint {
	return types.WeightedPoint{Data: c.centroid(), Weight: c.weight}
}

// assign groups every point with its nearest center, ties going to the
// earlier center. Centers that attract no point are dropped.
func assign(points []types.WeightedPoint, centers []int) []cluster {
	clusters := make([]cluster, len(centers))
	for _, p := range points {
		best, bestD := 0, math.Inf(1)
		for ci, idx := range centers {
			if d := sqDist(p.Data, points[idx].Data); d < bestD {
				best, bestD = ci, d
			}
		}
		clusters[best].add(p)
	}

	return slices.DeleteFunc(clusters, func(c cluster) bool { return c.count == 0 })
}

// wardCost is the increase in weighted within-cluster variance caused by
// merging a and b.
func wardCost(a, b *cluster, ca, cb []float64) float64 {
	w := a.weight + b.weight
	if w == 0 {
		return 0
	}
	return a.weight * b.weight / w * sqDist(ca, cb)
}

// closestPair returns the pair (i < j) with the smallest Ward cost, preferring
// the lexicographically smallest pair on ties.
func closestPair(clusters []cluster) (int, int) {
	centroids := make([][]float64, len(clusters))
	for i := range clusters {
		centroids[i] = clusters[i].centroid()
	}

	bi, bj, best := 0, 1, math.Inf(1)
	for i := 0; i < len(clusters); i++ {
		for j := i + 1; j < len(clusters); j++ {
			if c := wardCost(&clusters[i], &clusters[j], centroids[i], centroids[j]); c < best {
				bi, bj, best = i, j, c
			}
		}
	}
	return bi, bj
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
