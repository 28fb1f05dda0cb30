// Package node runs one storage as a durable, synchronizing node.
//
// A Node owns a storage together with its data directory:
//
//	{data_dir}/{name}.snapshot   packed state, written by Snapshot and Close
//	{data_dir}/journal/          every mixed diff applied since the snapshot
//	{data_dir}/archive/          Parquet exports of the retained buckets
//
// Open recovers by loading the snapshot and replaying the journal. Only
// applied diffs are journaled: adds made since the last snapshot or sync
// are lost on a crash.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xtxerr/coreset/internal/client"
	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/logging"
	"github.com/xtxerr/coreset/internal/storage"
	"github.com/xtxerr/coreset/internal/storage/archive"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/journal"
	"github.com/xtxerr/coreset/internal/storage/query"
	"github.com/xtxerr/coreset/internal/storage/retention"
	"github.com/xtxerr/coreset/internal/storage/snapshot"
	"github.com/xtxerr/coreset/internal/storage/types"
)

var log = logging.Component("node")

// errReplayRejected stops journal replay at the first diff the storage
// refuses.
var errReplayRejected = errors.New("journal entry rejected")

// Node is a storage with persistence, export and remote sync.
type Node struct {
	cfg   *config.NodeConfig
	store *storage.Locked

	journal      *journal.Writer
	snapshotPath string
	journalDir   string
	archiveDir   string

	health   *Health
	recovery Recovery

	// mu serializes snapshots and close.
	mu     sync.Mutex
	closed bool
}

// Recovery describes what Open restored.
type Recovery struct {
	// FromSnapshot is set when a snapshot was loaded.
	FromSnapshot bool

	// Revision is the storage revision after recovery.
	Revision uint64

	// Journal entries replayed, skipped as covered by the snapshot, or left
	// unapplied after the storage rejected one.
	Replayed int
	Skipped  int
	Rejected bool

	// TornTail is set when the journal ended in a damaged record.
	TornTail bool
}

// Open creates the storage described by cfg and recovers its state from
// cfg.DataDir.
func Open(cfg *config.NodeConfig) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}

	s, err := storage.New(cfg.Name, cfg.Method, cfg.CompressorMethod, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}

	n := &Node{
		cfg:          cfg,
		store:        storage.NewLocked(s),
		snapshotPath: filepath.Join(cfg.DataDir, cfg.Name+".snapshot"),
		journalDir:   cfg.Journal.Dir,
		archiveDir:   ArchiveDir(cfg.DataDir),
		health:       NewHealth(),
	}
	if n.journalDir == "" {
		n.journalDir = filepath.Join(cfg.DataDir, "journal")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if err := n.recover(); err != nil {
		return nil, err
	}

	if cfg.Journal.Enabled {
		n.journal, err = journal.NewWriter(n.journalDir, journal.Options{
			MaxSegmentSize: cfg.Journal.MaxSegmentSize,
			SyncMode:       cfg.Journal.SyncMode,
			SyncInterval:   cfg.Journal.SyncInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	// Entries past a rejected one can never replay; a fresh snapshot
	// retires them.
	if n.recovery.Rejected {
		if _, err := n.Snapshot(); err != nil {
			n.Close()
			return nil, fmt.Errorf("checkpoint after recovery: %w", err)
		}
	}

	log.Info("node opened",
		"name", cfg.Name,
		"revision", n.recovery.Revision,
		"snapshot", n.recovery.FromSnapshot,
		"replayed", n.recovery.Replayed,
		"journal", cfg.Journal.Enabled)

	return n, nil
}

func (n *Node) recover() error {
	err := snapshot.Load(n.snapshotPath, n.store)
	switch {
	case err == nil:
		n.recovery.FromSnapshot = true
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("load snapshot: %w", err)
	}

	if n.cfg.Journal.Enabled {
		stats, err := journal.Replay(n.journalDir, n.store.Revision(), func(e journal.Entry) error {
			if !n.store.PutDiff(e.Diff) {
				return errReplayRejected
			}
			return nil
		})
		n.recovery.Replayed = stats.Applied
		n.recovery.Skipped = stats.Skipped
		n.recovery.TornTail = stats.TornTail

		switch {
		case err == nil:
		case errors.Is(err, errReplayRejected):
			n.recovery.Rejected = true
			log.Warn("journal replay stopped at a rejected diff",
				"name", n.cfg.Name,
				"replayed", stats.Applied,
				"error", err)
		default:
			return fmt.Errorf("replay journal: %w", err)
		}
		if stats.TornTail {
			log.Warn("journal ended in a torn record", "name", n.cfg.Name)
		}
	}

	n.recovery.Revision = n.store.Revision()
	return nil
}

// Recovery returns what Open restored.
func (n *Node) Recovery() Recovery {
	return n.recovery
}

// Storage returns the underlying storage.
func (n *Node) Storage() *storage.Locked {
	return n.store
}

// Health returns the sync health tracker.
func (n *Node) Health() *Health {
	return n.health
}

// Config returns the node configuration.
func (n *Node) Config() *config.NodeConfig {
	return n.cfg
}

// Add adds one point.
func (n *Node) Add(p types.WeightedPoint) error {
	return n.store.Add(p)
}

// AddAll adds points until the first invalid one and returns how many were
// added.
func (n *Node) AddAll(points []types.WeightedPoint) (int, error) {
	return n.store.AddAll(points)
}

// =============================================================================
// Sync participation
// =============================================================================

// Name returns the storage name.
func (n *Node) Name() string {
	return n.store.Name()
}

// GetDiff returns the storage's diff since its last boundary.
func (n *Node) GetDiff() *types.Diff {
	return n.store.GetDiff()
}

// PutDiff applies a mixed diff and journals it.
func (n *Node) PutDiff(d *types.Diff) bool {
	var ok bool
	var jerr error
	n.store.Do(func(s storage.Storage) {
		if ok = s.PutDiff(d); ok && n.journal != nil {
			jerr = n.journal.Append(s.Revision(), d)
		}
	})
	if jerr != nil {
		log.Error("journal append failed", "name", n.Name(), "error", jerr)
	}
	return ok
}

// Pack returns the packed storage state.
func (n *Node) Pack() ([]byte, error) {
	return n.store.Pack()
}

// Unpack replaces the storage state and checkpoints it, since journaled
// diffs no longer apply to the new state.
func (n *Node) Unpack(data []byte) error {
	if err := n.store.Unpack(data); err != nil {
		return err
	}
	if _, err := n.Snapshot(); err != nil {
		return fmt.Errorf("checkpoint unpacked state: %w", err)
	}
	return nil
}

// Sync runs one remote exchange through c and records the outcome.
func (n *Node) Sync(ctx context.Context, c *client.Client, opts client.SyncOptions) (*client.SyncResult, error) {
	ctx = logging.ContextWithNode(ctx, n.Name())

	res, err := c.Sync(ctx, n, opts)
	if err != nil {
		n.health.RecordFailure(err)
		logging.WithContext(ctx).Warn("sync failed",
			"consecutive_failures", n.health.Snapshot().ConsecutiveFailures,
			"error", err)
		return nil, err
	}
	n.health.RecordSuccess(res.Round)
	return res, nil
}

// =============================================================================
// Persistence
// =============================================================================

// Snapshot saves the storage state and drops the journal segments it
// covers. It returns the snapshot size in bytes.
//
// Adds not yet synchronized become part of the snapshot's base. Diffs mixed
// from the previous base are then rejected on replay, so snapshot right
// after a sync when journaling.
func (n *Node) Snapshot() (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0, errors.ErrWriterClosed
	}
	return n.snapshotLocked()
}

func (n *Node) snapshotLocked() (int64, error) {
	var size int64
	var err error
	n.store.Do(func(s storage.Storage) {
		if n.journal != nil {
			if err = n.journal.Rotate(); err != nil {
				err = fmt.Errorf("rotate journal: %w", err)
				return
			}
		}
		size, err = snapshot.Save(n.snapshotPath, s)
	})
	if err != nil {
		return 0, err
	}

	if n.journal != nil {
		deleted, err := n.journal.Truncate()
		if err != nil {
			return size, fmt.Errorf("truncate journal: %w", err)
		}
		log.Debug("journal truncated", "name", n.Name(), "segments", deleted)
	}

	log.Info("snapshot saved", "name", n.Name(), "path", n.snapshotPath, "bytes", size)
	return size, nil
}

// Close saves a final snapshot and closes the journal. Close is idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}

	_, err := n.snapshotLocked()
	n.closed = true

	if n.journal != nil {
		if jerr := n.journal.Close(); jerr != nil {
			err = errors.Join(err, fmt.Errorf("close journal: %w", jerr))
		}
	}
	return err
}

// =============================================================================
// Export and query
// =============================================================================

// frozen is a consistent copy of the parts of a storage an export needs.
type frozen struct {
	name     string
	revision uint64
	buckets  []types.Bucket
}

func (f frozen) Name() string            { return f.name }
func (f frozen) Revision() uint64        { return f.revision }
func (f frozen) Buckets() []types.Bucket { return f.buckets }

// Export writes the retained buckets to a Parquet file in the archive
// directory and returns its path and row count.
func (n *Node) Export() (string, int64, error) {
	var src frozen
	n.store.Do(func(s storage.Storage) {
		src = frozen{name: s.Name(), revision: s.Revision(), buckets: s.Buckets()}
	})

	path := filepath.Join(n.archiveDir, archive.FileName(src.name, src.revision))
	opts := archive.DefaultOptions()
	opts.Compression = archive.ParseCompressionType(n.cfg.Archive.Compression)

	rows, err := archive.Export(path, src, opts)
	if err != nil {
		return "", 0, fmt.Errorf("export archive: %w", err)
	}

	log.Info("archive exported", "name", src.name, "revision", src.revision, "rows", rows, "path", path)

	if _, err := n.PruneArchives(false); err != nil {
		log.Warn("archive pruning failed", "name", src.name, "error", err)
	}
	return path, rows, nil
}

// PruneArchives removes exports superseded under the archive retention
// settings. With dryRun set nothing is deleted.
func (n *Node) PruneArchives(dryRun bool) ([]retention.CleanupResult, error) {
	m := retention.New(n.archiveDir, n.cfg.Archive)
	if dryRun {
		return m.DryRun()
	}

	results, err := m.RunCleanup()
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.FilesDeleted > 0 {
			log.Info("archives pruned", "storage", r.Storage, "deleted", r.FilesDeleted, "bytes", r.BytesFreed)
		}
		for _, e := range r.Errors {
			log.Warn("archive not pruned", "storage", r.Storage, "error", e)
		}
	}
	return results, nil
}

// ArchiveDir returns the directory Export writes to.
func (n *Node) ArchiveDir() string {
	return n.archiveDir
}

// ArchiveDir returns the archive directory of a node in dataDir.
func ArchiveDir(dataDir string) string {
	return filepath.Join(dataDir, "archive")
}

// Query opens a query service over the node's archives. The caller closes
// it.
func (n *Node) Query() (*query.Service, error) {
	return query.New(n.archiveDir, n.cfg.Query)
}

// =============================================================================
// Stats
// =============================================================================

// Stats describes a node.
type Stats struct {
	Storage  storage.Stats
	Health   HealthSnapshot
	Recovery Recovery

	// Journal is nil when journaling is disabled.
	Journal *journal.WriterStats
}

// Stats returns the node's current statistics.
func (n *Node) Stats() Stats {
	st := Stats{
		Storage:  n.store.Stats(),
		Health:   n.health.Snapshot(),
		Recovery: n.recovery,
	}
	if n.journal != nil {
		js := n.journal.Stats()
		st.Journal = &js
	}
	return st
}
