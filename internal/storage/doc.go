// Package storage implements the model storage of a distributed online
// clustering engine: a bounded, mergeable summary of a stream of weighted
// points.
//
// Architecture:
//
//	┌─────────┐     ┌──────────────┐     ┌──────────────┐
//	│   Add   │────▶│  Raw bucket  │────▶│  Compressor  │
//	└─────────┘     └──────────────┘     │  (coreset)   │
//	                                     └──────┬───────┘
//	                                            ▼
//	┌─────────┐     ┌──────────────┐     ┌──────────────┐
//	│ GetAll  │◀────│   Buckets    │◀────│  Forgetting  │
//	└─────────┘     │ (windowed)   │     │ decay, purge │
//	                └──────────────┘     └──────────────┘
//
// Two variants share the Storage interface:
//   - compressive: raw buckets are compressed to weighted coresets once they
//     reach bucket_size; each compression completes an epoch that decays and
//     purges older compressed buckets
//   - simple: the newest bucket_size points, uncompressed
//
// Nodes synchronize with the diff protocol. GetDiff returns the changes made
// since the last sync boundary, Mix merges diffs from many nodes in a
// canonical order, and PutDiff rebuilds every node from its base snapshot plus
// the mixed diff, so all nodes converge on the same buckets and revision.
package storage
