package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/coreset/config"
)

// Config holds the parameters of a single storage instance.
type Config struct {
	// BucketSize is the number of raw points after which a bucket is
	// compressed. The simple variant keeps this many points.
	BucketSize int `yaml:"bucket_size"`

	// BucketLength is the maximum number of retained buckets.
	BucketLength int `yaml:"bucket_length"`

	// CompressedBucketSize is the target size of a compressed bucket.
	CompressedBucketSize int `yaml:"compressed_bucket_size"`

	// BicriteriaBaseSize bounds the centers sampled per bicriteria round.
	BicriteriaBaseSize int `yaml:"bicriteria_base_size"`

	// ForgettingFactor is the per-epoch weight multiplier, in (0, 1].
	ForgettingFactor float64 `yaml:"forgetting_factor"`

	// ForgettingThreshold is the aggregate weight at or below which a
	// compressed bucket is purged.
	ForgettingThreshold float64 `yaml:"forgetting_threshold"`

	// Seed makes compression reproducible across nodes. Nil means unseeded.
	Seed *uint64 `yaml:"seed,omitempty"`
}

// DefaultConfig returns a storage configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BucketSize:           defaults.DefaultBucketSize,
		BucketLength:         defaults.DefaultBucketLength,
		CompressedBucketSize: defaults.DefaultCompressedBucketSize,
		BicriteriaBaseSize:   defaults.DefaultBicriteriaBaseSize,
		ForgettingFactor:     defaults.DefaultForgettingFactor,
		ForgettingThreshold:  defaults.DefaultForgettingThreshold,
	}
}

// WithSeed returns a copy of c using the given seed.
func (c Config) WithSeed(seed uint64) Config {
	c.Seed = &seed
	return c
}

// Clone returns a deep copy; the seed pointer is not shared.
func (c *Config) Clone() *Config {
	out := *c
	if c.Seed != nil {
		seed := *c.Seed
		out.Seed = &seed
	}
	return &out
}

// Parse decodes and validates a storage configuration, starting from defaults.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Load loads a storage configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// =============================================================================
// Node configuration
// =============================================================================

// NodeConfig is the configuration of a node process: one storage instance
// plus its persistence, export and synchronization settings.
type NodeConfig struct {
	// Name identifies the storage in logs and archives.
	Name string `yaml:"name"`

	// Method is the clustering method: kmeans or gmm.
	Method string `yaml:"method"`

	// CompressorMethod is the storage variant: simple or compressive.
	CompressorMethod string `yaml:"compressor_method"`

	// DataDir holds snapshots, the journal and archives.
	DataDir string `yaml:"data_dir"`

	// Storage configures the storage instance.
	Storage Config `yaml:"storage"`

	// Journal configures the diff journal.
	Journal JournalConfig `yaml:"journal"`

	// Archive configures Parquet export.
	Archive ArchiveConfig `yaml:"archive"`

	// Query configures the archive query service.
	Query QueryConfig `yaml:"query"`

	// Sync configures remote mix rounds.
	Sync SyncConfig `yaml:"sync"`

	// Ingest configures the buffered ingestion queue.
	Ingest IngestConfig `yaml:"ingest"`
}

// JournalConfig configures the diff journal.
type JournalConfig struct {
	// Enabled enables journaling of applied diffs.
	Enabled bool `yaml:"enabled"`

	// Dir is the journal directory. Defaults to {DataDir}/journal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// ArchiveConfig configures Parquet export.
type ArchiveConfig struct {
	// Compression is the column codec: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`

	// KeepRevisions is the number of newest exports kept per storage.
	// 0 keeps all.
	KeepRevisions int `yaml:"keep_revisions"`

	// MaxAge removes exports older than this, except the newest one of each
	// storage. 0 disables the age limit.
	MaxAge time.Duration `yaml:"max_age"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig configures remote mix rounds.
type SyncConfig struct {
	// Server is the mix aggregator address. Empty disables remote sync.
	Server string `yaml:"server"`

	// Interval is the pause between rounds when running continuously.
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single exchange.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is how often a rejected round is retried.
	MaxAttempts int `yaml:"max_attempts"`
}

// IngestConfig configures the queue between point producers and the
// storage.
type IngestConfig struct {
	// QueueSize is the number of points buffered ahead of the storage.
	QueueSize int `yaml:"queue_size"`

	// BatchSize is the number of points added to the storage at once.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval flushes a partial batch.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// DropOnOverload drops points at the emergency level instead of
	// blocking the producer.
	DropOnOverload bool `yaml:"drop_on_overload"`

	// Backpressure configures the overload levels.
	Backpressure BackpressureConfig `yaml:"backpressure"`
}

// BackpressureConfig configures overload detection on the ingestion queue.
type BackpressureConfig struct {
	Enabled bool `yaml:"enabled"`

	// Queue utilization thresholds, 0 to 1.
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`

	// Hysteresis is subtracted from a threshold before the level drops.
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultIngestConfig returns the default ingestion settings.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		QueueSize:     defaults.DefaultIngestQueueSize,
		BatchSize:     defaults.DefaultIngestBatchSize,
		FlushInterval: defaults.DefaultIngestFlushInterval,
		Backpressure: BackpressureConfig{
			Enabled:    true,
			Warning:    defaults.DefaultBackpressureWarning,
			Critical:   defaults.DefaultBackpressureCritical,
			Emergency:  defaults.DefaultBackpressureEmergency,
			Hysteresis: defaults.DefaultBackpressureHysteresis,
			Cooldown:   defaults.DefaultBackpressureCooldown,
		},
	}
}

// DefaultNodeConfig returns a node configuration with sensible defaults.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Name:             "default",
		Method:           "kmeans",
		CompressorMethod: "compressive",
		DataDir:          "/var/lib/coreset",
		Storage:          *DefaultConfig(),
		Journal: JournalConfig{
			Enabled:        true,
			SyncMode:       "async",
			SyncInterval:   time.Second,
			MaxSegmentSize: defaults.DefaultJournalSegmentSize,
		},
		Archive: ArchiveConfig{
			Compression:   "zstd",
			KeepRevisions: 10,
		},
		Query: QueryConfig{
			MemoryLimit: "1GB",
			Timeout:     30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:    10 * time.Second,
			Timeout:     defaults.DefaultRoundTimeout + defaults.DefaultIOTimeout,
			MaxAttempts: defaults.DefaultMaxSyncAttempts,
		},
		Ingest: DefaultIngestConfig(),
	}
}

// ParseNode decodes and validates a node configuration.
func ParseNode(data []byte) (*NodeConfig, error) {
	config := DefaultNodeConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// LoadNode loads a node configuration from a YAML file.
func LoadNode(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseNode(data)
}
