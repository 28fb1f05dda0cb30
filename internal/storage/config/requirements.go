package config

import "fmt"

// Requirements represents calculated memory bounds for one storage instance.
type Requirements struct {
	// Point bounds
	MaxRawPoints        int64
	MaxCompressedPoints int64
	MaxRetainedPoints   int64

	// Memory
	BytesPerPoint int64
	StateBytes    int64
	PackBytes     int64

	// Compression throughput
	CompressionsPerMillion int64
	ReductionRatio         float64
}

// Constants for calculations
const (
	// Slice header plus weight and the original pointer, per point.
	pointOverheadBytes = 56

	// Encoded per-point framing: tag, length and weight.
	packOverheadBytes = 12
)

// CalculateRequirements estimates the worst-case footprint for points of the
// given dimension.
//
// A compressive storage holds at most one local raw bucket and one base raw
// bucket, the rest of the window being compressed buckets.
func (c *Config) CalculateRequirements(dim int) Requirements {
	r := Requirements{}

	rawBuckets := int64(min(c.BucketLength, 2))
	r.MaxRawPoints = rawBuckets * int64(c.BucketSize)
	r.MaxCompressedPoints = int64(c.BucketLength-int(rawBuckets)) * int64(c.CompressedBucketSize)
	r.MaxRetainedPoints = r.MaxRawPoints + r.MaxCompressedPoints

	r.BytesPerPoint = int64(dim)*8 + pointOverheadBytes
	r.StateBytes = r.MaxRetainedPoints * r.BytesPerPoint
	r.PackBytes = r.MaxRetainedPoints * (int64(dim)*8 + packOverheadBytes)

	if c.BucketSize > 0 {
		r.CompressionsPerMillion = 1_000_000 / int64(c.BucketSize)
	}
	if c.CompressedBucketSize > 0 {
		r.ReductionRatio = float64(c.BucketSize) / float64(c.CompressedBucketSize)
	}

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Storage Requirements
====================

Points:
  Raw (max):         %s
  Compressed (max):  %s
  Retained (max):    %s

Memory:
  Per point:         %s
  State:             %s
  Packed:            %s

Compression:
  Per 1M adds:       %s
  Reduction:         %.1fx
`,
		formatNumber(r.MaxRawPoints),
		formatNumber(r.MaxCompressedPoints),
		formatNumber(r.MaxRetainedPoints),
		formatBytes(r.BytesPerPoint),
		formatBytes(r.StateBytes),
		formatBytes(r.PackBytes),
		formatNumber(r.CompressionsPerMillion),
		r.ReductionRatio,
	)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with a magnitude suffix.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
