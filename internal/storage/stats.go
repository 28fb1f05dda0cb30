package storage

import (
	"fmt"
	"strings"

	"github.com/xtxerr/coreset/internal/storage/aggregate"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// Stats describes the state and history of a storage.
type Stats struct {
	Name             string
	CompressorMethod types.CompressorMethod

	Revision     uint64
	BaseRevision uint64
	Epoch        int64
	Dim          int

	Buckets           int
	CompressedBuckets int
	Points            int
	TotalWeight       float64

	Adds          int64
	Rejected      int64
	Compressions  int64
	Purged        int64
	Evicted       int64
	Dropped       int64
	DiffsAccepted int64
	DiffsRejected int64

	// Weights summarizes the retained point weights.
	Weights aggregate.Summary
}

// counters is the mutable history shared by both variants.
type counters struct {
	adds          int64
	rejected      int64
	compressions  int64
	purged        int64
	evicted       int64
	dropped       int64
	diffsAccepted int64
	diffsRejected int64
}

func (c *counters) fill(s *Stats) {
	s.Adds = c.adds
	s.Rejected = c.rejected
	s.Compressions = c.compressions
	s.Purged = c.purged
	s.Evicted = c.evicted
	s.Dropped = c.dropped
	s.DiffsAccepted = c.diffsAccepted
	s.DiffsRejected = c.diffsRejected
}

func fillBuckets(s *Stats, buckets []types.Bucket) {
	s.Buckets = len(buckets)
	for i := range buckets {
		if buckets[i].Compressed {
			s.CompressedBuckets++
		}
		s.Points += buckets[i].Len()
	}
	s.Weights, _ = aggregate.Summarize(buckets, true)
	s.TotalWeight = s.Weights.Sum
}

// Format returns a human-readable summary.
func (s Stats) Format() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Storage %q (%s)\n", s.Name, s.CompressorMethod)
	fmt.Fprintf(&sb, "  Revision:     %d (base %d)\n", s.Revision, s.BaseRevision)
	fmt.Fprintf(&sb, "  Epoch:        %d\n", s.Epoch)
	fmt.Fprintf(&sb, "  Dimension:    %d\n", s.Dim)
	fmt.Fprintf(&sb, "  Buckets:      %d (%d compressed)\n", s.Buckets, s.CompressedBuckets)
	fmt.Fprintf(&sb, "  Points:       %d\n", s.Points)
	fmt.Fprintf(&sb, "  Total weight: %.4g\n", s.TotalWeight)
	if s.Weights.HasQuantiles() {
		fmt.Fprintf(&sb, "  Weight p50/p90/p99: %.4g / %.4g / %.4g\n",
			*s.Weights.P50, *s.Weights.P90, *s.Weights.P99)
	}
	fmt.Fprintf(&sb, "  Adds:         %d (%d rejected)\n", s.Adds, s.Rejected)
	fmt.Fprintf(&sb, "  Compressions: %d\n", s.Compressions)
	fmt.Fprintf(&sb, "  Purged:       %d, evicted: %d, dropped: %d\n", s.Purged, s.Evicted, s.Dropped)
	fmt.Fprintf(&sb, "  Diffs:        %d accepted, %d rejected\n", s.DiffsAccepted, s.DiffsRejected)

	return sb.String()
}
