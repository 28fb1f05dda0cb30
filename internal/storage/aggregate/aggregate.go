// Package aggregate computes weight statistics over retained buckets, with
// optional DDSketch quantiles.
package aggregate

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/coreset/internal/storage/types"
)

// DefaultAccuracy is the relative accuracy of weight quantiles.
const DefaultAccuracy = 0.01

// Summary is the aggregation result for a set of weights.
type Summary struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Avg   float64

	// Quantiles; nil when disabled or empty.
	P50 *float64
	P90 *float64
	P99 *float64
}

// HasQuantiles reports whether quantiles were computed.
func (s *Summary) HasQuantiles() bool {
	return s.P50 != nil
}

// WeightAggregate maintains running statistics over point weights.
type WeightAggregate struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	// DDSketch for quantiles (nil if disabled)
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// New creates a WeightAggregate. Quantiles are tracked when withQuantiles is
// set.
func New(withQuantiles bool) *WeightAggregate {
	if !withQuantiles {
		return newAggregate(0)
	}
	return newAggregate(DefaultAccuracy)
}

// NewWithAccuracy creates a WeightAggregate with custom quantile accuracy.
func NewWithAccuracy(accuracy float64) *WeightAggregate {
	return newAggregate(accuracy)
}

func newAggregate(accuracy float64) *WeightAggregate {
	agg := &WeightAggregate{
		min:      math.MaxFloat64,
		max:      -math.MaxFloat64,
		accuracy: accuracy,
	}
	agg.sketch = newSketch(accuracy)
	return agg
}

func newSketch(accuracy float64) *ddsketch.DDSketch {
	if accuracy <= 0 {
		return nil
	}
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil
	}
	return sketch
}

// Add adds a weight to the aggregate.
func (a *WeightAggregate) Add(weight float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addUnlocked(weight)
}

func (a *WeightAggregate) addUnlocked(weight float64) {
	a.count++
	a.sum += weight

	if weight < a.min {
		a.min = weight
	}
	if weight > a.max {
		a.max = weight
	}

	if a.sketch != nil {
		a.sketch.Add(weight)
	}
}

// AddPoints adds the weight of every point.
func (a *WeightAggregate) AddPoints(points []types.WeightedPoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range points {
		a.addUnlocked(p.Weight)
	}
}

// Count returns the number of weights added.
func (a *WeightAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// IsEmpty returns true if no weights have been added.
func (a *WeightAggregate) IsEmpty() bool {
	return a.Count() == 0
}

// Result returns the aggregation result.
func (a *WeightAggregate) Result() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := Summary{
		Count: a.count,
		Sum:   a.sum,
	}

	if a.count > 0 {
		result.Avg = a.sum / float64(a.count)
		result.Min = a.min
		result.Max = a.max
	}

	if a.sketch != nil && a.count > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		result.P50, result.P90, result.P99 = &p50, &p90, &p99
	}

	return result
}

// Reset clears the aggregate.
func (a *WeightAggregate) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count = 0
	a.sum = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64

	if a.sketch != nil {
		// DDSketch has no Clear; start a fresh one.
		a.sketch = newSketch(a.accuracy)
	}
}

// Merge combines another aggregate into this one.
func (a *WeightAggregate) Merge(other *WeightAggregate) {
	if other == nil || other == a {
		return
	}

	a.mu.Lock()
	other.mu.Lock()
	defer a.mu.Unlock()
	defer other.mu.Unlock()

	if other.count == 0 {
		return
	}

	a.count += other.count
	a.sum += other.sum

	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}

	if a.sketch != nil && other.sketch != nil {
		a.sketch.MergeWith(other.sketch)
	}
}

// =============================================================================
// Bucket summaries
// =============================================================================

// BucketSummary is the weight summary of one retained bucket.
type BucketSummary struct {
	Epoch      int64
	Compressed bool
	Summary
}

// Summarize computes per-bucket summaries and their merged total.
func Summarize(buckets []types.Bucket, withQuantiles bool) (Summary, []BucketSummary) {
	total := New(withQuantiles)
	perBucket := make([]BucketSummary, 0, len(buckets))

	for _, b := range buckets {
		agg := New(withQuantiles)
		agg.AddPoints(b.Points)
		perBucket = append(perBucket, BucketSummary{
			Epoch:      b.Epoch,
			Compressed: b.Compressed,
			Summary:    agg.Result(),
		})
		total.Merge(agg)
	}

	return total.Result(), perBucket
}
