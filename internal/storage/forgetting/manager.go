// Package forgetting implements the recency policy of a compressive storage:
// per-epoch weight decay, threshold purging and the bucket window.
package forgetting

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xtxerr/coreset/internal/storage/types"
)

// Manager applies decay and purge to compressed buckets and bounds the number
// of retained buckets.
type Manager struct {
	mu        sync.RWMutex
	factor    float64
	threshold float64
	length    int
	stats     Stats
}

// Stats holds forgetting statistics.
type Stats struct {
	Epochs         int64
	BucketsDecayed int64
	BucketsPurged  int64
	BucketsEvicted int64
	WeightPurged   float64
	WeightEvicted  float64
}

// Result holds the outcome of one epoch completion.
type Result struct {
	Decayed       int
	PurgedEpochs  []int64
	WeightRemoved float64
}

// New creates a manager. factor must be in (0, 1], threshold non-negative and
// length positive; the storage config validates these.
func New(factor, threshold float64, length int) *Manager {
	return &Manager{
		factor:    factor,
		threshold: threshold,
		length:    length,
	}
}

// Apply completes an epoch. Every compressed bucket except fresh is decayed,
// then every compressed bucket at or below the threshold is purged. fresh is
// the index of the bucket the epoch just produced, or -1. Raw buckets are
// left alone. The returned slice may share storage with buckets.
func (m *Manager) Apply(buckets []types.Bucket, fresh int) ([]types.Bucket, Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := Result{}

	for i := range buckets {
		if i == fresh || !buckets[i].Compressed {
			continue
		}
		buckets[i].Decay(m.factor)
		result.Decayed++
	}

	kept := buckets[:0]
	for _, b := range buckets {
		if b.Compressed && b.ShouldPurge(m.threshold) {
			result.PurgedEpochs = append(result.PurgedEpochs, b.Epoch)
			result.WeightRemoved += b.TotalWeight()
			continue
		}
		kept = append(kept, b)
	}
	clear(buckets[len(kept):])

	m.stats.Epochs++
	m.stats.BucketsDecayed += int64(result.Decayed)
	m.stats.BucketsPurged += int64(len(result.PurgedEpochs))
	m.stats.WeightPurged += result.WeightRemoved

	return kept, result
}

// DryRun reports what Apply would purge without mutating buckets.
func (m *Manager) DryRun(buckets []types.Bucket, fresh int) Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := Result{}
	for i, b := range buckets {
		if !b.Compressed {
			continue
		}
		w := b.TotalWeight()
		if i != fresh {
			w *= m.factor
			result.Decayed++
		}
		if w <= m.threshold {
			result.PurgedEpochs = append(result.PurgedEpochs, b.Epoch)
			result.WeightRemoved += w
		}
	}
	return result
}

// MakeRoom evicts the oldest buckets until one more bucket fits in the window.
// It returns the remaining buckets and the evicted ones.
func (m *Manager) MakeRoom(buckets []types.Bucket) ([]types.Bucket, []types.Bucket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(buckets) - m.length + 1
	if n <= 0 {
		return buckets, nil
	}

	evicted := make([]types.Bucket, n)
	copy(evicted, buckets[:n])
	for _, b := range evicted {
		m.stats.WeightEvicted += b.TotalWeight()
	}
	m.stats.BucketsEvicted += int64(n)

	kept := append(buckets[:0], buckets[n:]...)
	clear(buckets[len(kept):])
	return kept, evicted
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// ResetStats clears the statistics.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
}

// FormatStats returns a human-readable summary.
func (m *Manager) FormatStats() string {
	s := m.Stats()

	var sb strings.Builder
	sb.WriteString("Forgetting\n")
	sb.WriteString("==========\n")
	sb.WriteString(fmt.Sprintf("%-16s %d\n", "Epochs:", s.Epochs))
	sb.WriteString(fmt.Sprintf("%-16s %d\n", "Decayed:", s.BucketsDecayed))
	sb.WriteString(fmt.Sprintf("%-16s %d (weight %.4g)\n", "Purged:", s.BucketsPurged, s.WeightPurged))
	sb.WriteString(fmt.Sprintf("%-16s %d (weight %.4g)\n", "Evicted:", s.BucketsEvicted, s.WeightEvicted))
	return sb.String()
}
