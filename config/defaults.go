// Package config provides configuration defaults for the coreset
// storage engine, the mix aggregator and the node tooling.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via YAML config files or command line flags.
package config

import "time"

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultBucketSize is the number of raw points a bucket accumulates
	// before it is compressed. For the simple variant it is the ring capacity.
	// Override via config: bucket_size
	DefaultBucketSize = 10000

	// DefaultBucketLength is the number of buckets retained at once.
	// Override via config: bucket_length
	DefaultBucketLength = 2

	// DefaultCompressedBucketSize is the maximum number of points in a
	// compressed bucket.
	// Override via config: compressed_bucket_size
	DefaultCompressedBucketSize = 200

	// DefaultBicriteriaBaseSize bounds the number of centers sampled per
	// bicriteria round.
	// Override via config: bicriteria_base_size
	DefaultBicriteriaBaseSize = 10

	// DefaultForgettingFactor is the per-epoch weight multiplier.
	// 1.0 disables forgetting.
	// Override via config: forgetting_factor
	DefaultForgettingFactor = 1.0

	// DefaultForgettingThreshold is the aggregate weight at or below which a
	// compressed bucket is purged.
	// Override via config: forgetting_threshold
	DefaultForgettingThreshold = 0.0
)

// =============================================================================
// Wire Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default mix aggregator listen address.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:9199"

	// DefaultMaxMessageSize limits a single diff frame to prevent OOM.
	// A diff carries at most one raw bucket plus compressed summaries per
	// participant, so 64 MiB leaves plenty of room.
	// Override via config: max_message_size
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// DefaultMetricsListenAddress serves Prometheus metrics. Empty disables
	// the metrics endpoint.
	// Override via config: metrics_listen
	DefaultMetricsListenAddress = "0.0.0.0:9200"

	// DefaultProtocolFailureLimit is the number of malformed requests per
	// minute after which a remote address is refused.
	// Override via config: protocol_failure_limit
	DefaultProtocolFailureLimit = 10

	// DefaultConnectTimeout bounds dialing the aggregator.
	DefaultConnectTimeout = 10 * time.Second
)

// =============================================================================
// Mix Round Defaults
// =============================================================================

const (
	// DefaultParticipants is the number of diffs the aggregator waits for
	// before closing a round early.
	// Override via config: round.participants
	DefaultParticipants = 2

	// DefaultRoundTimeout is how long a round stays open waiting for
	// participants. When it expires the collected diffs are mixed anyway.
	// Override via config: round.timeout
	DefaultRoundTimeout = 5 * time.Second

	// DefaultIOTimeout bounds a single frame read or write.
	// Override via config: io_timeout
	DefaultIOTimeout = 30 * time.Second
)

// =============================================================================
// Sync Defaults
// =============================================================================

const (
	// DefaultMaxSyncAttempts is how often a rejected round is re-fetched and
	// retried before the sync layer gives up.
	DefaultMaxSyncAttempts = 3

	// DefaultSyncInitialBackoff is the first retry delay.
	DefaultSyncInitialBackoff = 100 * time.Millisecond

	// DefaultSyncMaxBackoff caps the retry delay.
	DefaultSyncMaxBackoff = 5 * time.Second
)

// =============================================================================
// Journal Defaults
// =============================================================================

const (
	// DefaultJournalSegmentSize is the maximum size of a journal segment
	// before rotation.
	DefaultJournalSegmentSize = 64 * 1024 * 1024

	// DefaultJournalBufferSize is the journal write buffer size.
	DefaultJournalBufferSize = 64 * 1024
)

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultIngestQueueSize is the number of points buffered ahead of the
	// storage.
	DefaultIngestQueueSize = 100000

	// DefaultIngestBatchSize is the number of points handed to the storage
	// at once.
	DefaultIngestBatchSize = 1000

	// DefaultIngestFlushInterval flushes a partial batch.
	DefaultIngestFlushInterval = 100 * time.Millisecond

	// Queue utilization thresholds of the backpressure levels.
	DefaultBackpressureWarning   = 0.70
	DefaultBackpressureCritical  = 0.85
	DefaultBackpressureEmergency = 0.95

	// DefaultBackpressureHysteresis is how far utilization must fall below
	// a threshold before the level drops.
	DefaultBackpressureHysteresis = 0.05

	// DefaultBackpressureCooldown is the minimum time between level checks.
	DefaultBackpressureCooldown = time.Second
)
