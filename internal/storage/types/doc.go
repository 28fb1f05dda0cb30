// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - WeightedPoint: A feature vector with a non-negative weight
//   - Bucket: Points accumulated (raw) or synthesized (compressed) in one epoch
//   - Diff: A revisioned delta exchanged between nodes
//   - Method, CompressorMethod: Storage variant selectors
package types
