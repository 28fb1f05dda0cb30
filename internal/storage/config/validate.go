package config

import (
	"fmt"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/types"
	"github.com/xtxerr/coreset/internal/validation"
)

// Validate checks the storage parameters. Every violation is reported as an
// *errors.InvalidParameterError naming the yaml field; all of them are joined.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	if c.BucketSize <= 0 {
		v.AddField("bucket_size", c.BucketSize, "must be positive")
	}

	if c.BucketLength <= 0 {
		v.AddField("bucket_length", c.BucketLength, "must be positive")
	}

	switch {
	case c.CompressedBucketSize <= 0:
		v.AddField("compressed_bucket_size", c.CompressedBucketSize, "must be positive")
	case c.BucketSize > 0 && c.CompressedBucketSize > c.BucketSize:
		v.AddField("compressed_bucket_size", c.CompressedBucketSize,
			fmt.Sprintf("must not exceed bucket_size (%d)", c.BucketSize))
	}

	if c.BicriteriaBaseSize < 1 {
		v.AddField("bicriteria_base_size", c.BicriteriaBaseSize, "must be at least 1")
	}

	// Written as a negated range so NaN fails too.
	if !(c.ForgettingFactor > 0 && c.ForgettingFactor <= 1) {
		v.AddField("forgetting_factor", c.ForgettingFactor, "must be in (0, 1]")
	}

	if !(c.ForgettingThreshold >= 0) {
		v.AddField("forgetting_threshold", c.ForgettingThreshold, "must be non-negative")
	}

	if !v.HasErrors() {
		return nil
	}
	return errors.Join(v.Errors...)
}

// Validate checks the node configuration.
func (c *NodeConfig) Validate() error {
	var errs []error

	if err := validation.ValidateStorageName(c.Name); err != nil {
		errs = append(errs, errors.NewInvalidParameter("name", c.Name, err.Error()))
	}

	if _, err := types.ParseMethod(c.Method); err != nil {
		errs = append(errs, fmt.Errorf("method: %w", err))
	}

	if _, err := types.ParseCompressorMethod(c.CompressorMethod); err != nil {
		errs = append(errs, fmt.Errorf("compressor_method: %w", err))
	}

	if c.DataDir == "" {
		errs = append(errs, errors.NewInvalidParameter("data_dir", c.DataDir, "is required"))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}

	if err := c.Journal.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("journal: %w", err))
	}

	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}

	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	if err := c.Sync.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}

	if err := c.Ingest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}

	return errors.Join(errs...)
}

// Validate checks the journal configuration.
func (c *JournalConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	validSyncModes := map[string]bool{
		"async": true,
		"sync":  true,
		"fsync": true,
		"":      true, // Empty defaults to async
	}
	if !validSyncModes[c.SyncMode] {
		errs = append(errs, errors.NewInvalidParameter("sync_mode", c.SyncMode, "must be one of: async, sync, fsync"))
	}

	if c.SyncMode == "async" && c.SyncInterval <= 0 {
		errs = append(errs, errors.NewInvalidParameter("sync_interval", c.SyncInterval, "must be positive for async mode"))
	}

	if c.MaxSegmentSize < 0 {
		errs = append(errs, errors.NewInvalidParameter("max_segment_size", c.MaxSegmentSize, "must be non-negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	var errs []error
	if !validAlgorithms[c.Compression] {
		errs = append(errs, errors.NewInvalidParameter("compression", c.Compression, "must be one of: snappy, zstd, lz4, gzip, none"))
	}
	if c.KeepRevisions < 0 {
		errs = append(errs, errors.NewInvalidParameter("keep_revisions", c.KeepRevisions, "must be non-negative"))
	}
	if c.MaxAge < 0 {
		errs = append(errs, errors.NewInvalidParameter("max_age", c.MaxAge, "must be non-negative"))
	}
	return errors.Join(errs...)
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error
	if c.MemoryLimit != "" {
		if err := validation.ValidateMemoryLimit(c.MemoryLimit); err != nil {
			errs = append(errs, errors.NewInvalidParameter("memory_limit", c.MemoryLimit, err.Error()))
		}
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.NewInvalidParameter("timeout", c.Timeout, "must be non-negative"))
	}
	return errors.Join(errs...)
}

// Validate checks the sync configuration.
func (c *SyncConfig) Validate() error {
	var errs []error

	if c.Server != "" && c.Timeout <= 0 {
		errs = append(errs, errors.NewInvalidParameter("timeout", c.Timeout, "must be positive when server is set"))
	}

	if c.MaxAttempts < 1 {
		errs = append(errs, errors.NewInvalidParameter("max_attempts", c.MaxAttempts, "must be at least 1"))
	}

	if c.Interval < 0 {
		errs = append(errs, errors.NewInvalidParameter("interval", c.Interval, "must be non-negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the ingestion configuration.
func (c *IngestConfig) Validate() error {
	var errs []error

	if c.QueueSize < 1 {
		errs = append(errs, errors.NewInvalidParameter("queue_size", c.QueueSize, "must be at least 1"))
	}

	if c.BatchSize < 1 {
		errs = append(errs, errors.NewInvalidParameter("batch_size", c.BatchSize, "must be at least 1"))
	}

	if c.FlushInterval <= 0 {
		errs = append(errs, errors.NewInvalidParameter("flush_interval", c.FlushInterval, "must be positive"))
	}

	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	return errors.Join(errs...)
}

// Validate checks the backpressure thresholds.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if !(0 < c.Warning && c.Warning <= c.Critical && c.Critical <= c.Emergency && c.Emergency <= 1) {
		errs = append(errs, errors.NewInvalidParameter("thresholds",
			fmt.Sprintf("%v/%v/%v", c.Warning, c.Critical, c.Emergency),
			"must satisfy 0 < warning <= critical <= emergency <= 1"))
	}

	if c.Hysteresis < 0 || c.Hysteresis >= c.Warning {
		errs = append(errs, errors.NewInvalidParameter("hysteresis", c.Hysteresis, "must be in [0, warning)"))
	}

	if c.Cooldown < 0 {
		errs = append(errs, errors.NewInvalidParameter("cooldown", c.Cooldown, "must be non-negative"))
	}

	return errors.Join(errs...)
}
