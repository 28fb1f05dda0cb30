// Package retention prunes exported archives. Every export is a full copy of
// a storage's retained buckets, so older revisions are superseded and can be
// removed by count or by age.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/coreset/internal/storage/config"
)

// Manager removes superseded archives from one directory.
type Manager struct {
	mu     sync.RWMutex
	dir    string
	config config.ArchiveConfig
	now    func() time.Time
	stats  Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time
	FilesDeleted int64
	BytesFreed   int64
	FilesSkipped int64
	Errors       int64
}

// CleanupResult holds the result of a cleanup operation for one storage.
type CleanupResult struct {
	Storage      string
	FilesKept    int
	FilesDeleted int
	BytesFreed   int64
	Deleted      []string
	Errors       []error
}

// New creates a retention manager for the archives in dir.
func New(dir string, cfg config.ArchiveConfig) *Manager {
	return &Manager{
		dir:    dir,
		config: cfg,
		now:    time.Now,
	}
}

// RunCleanup removes superseded archives of every storage.
func (m *Manager) RunCleanup() ([]CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results, err := m.cleanup(false)
	if err != nil {
		return nil, err
	}

	m.stats.LastRunTime = m.now()
	for _, r := range results {
		m.stats.FilesDeleted += int64(r.FilesDeleted)
		m.stats.BytesFreed += r.BytesFreed
		m.stats.FilesSkipped += int64(r.FilesKept)
		m.stats.Errors += int64(len(r.Errors))
	}
	return results, nil
}

// DryRun reports what RunCleanup would delete.
func (m *Manager) DryRun() ([]CleanupResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cleanup(true)
}

func (m *Manager) cleanup(dryRun bool) ([]CleanupResult, error) {
	groups, err := m.listArchives()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list archives: %w", err)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var cutoff time.Time
	if m.config.MaxAge > 0 {
		cutoff = m.now().Add(-m.config.MaxAge)
	}

	results := make([]CleanupResult, 0, len(names))
	for _, name := range names {
		files := groups[name]
		result := CleanupResult{Storage: name}

		// files is newest first; the newest is always kept
		for i, f := range files {
			expired := i > 0 && ((m.config.KeepRevisions > 0 && i >= m.config.KeepRevisions) ||
				(!cutoff.IsZero() && f.modTime.Before(cutoff)))
			if !expired {
				result.FilesKept++
				continue
			}

			if !dryRun {
				if err := os.Remove(f.path); err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", f.path, err))
					continue
				}
			}
			result.FilesDeleted++
			result.BytesFreed += f.size
			result.Deleted = append(result.Deleted, f.path)
		}
		results = append(results, result)
	}
	return results, nil
}

// archiveFile holds information about an archive.
type archiveFile struct {
	path     string
	revision uint64
	size     int64
	modTime  time.Time
}

// listArchives groups the archives in the directory by storage, newest
// revision first. Files not named like an export are ignored.
func (m *Manager) listArchives() (map[string][]archiveFile, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]archiveFile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		storage, revision, ok := ParseFileName(entry.Name())
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		groups[storage] = append(groups[storage], archiveFile{
			path:     filepath.Join(m.dir, entry.Name()),
			revision: revision,
			size:     info.Size(),
			modTime:  info.ModTime(),
		})
	}

	for _, files := range groups {
		sort.Slice(files, func(i, j int) bool {
			return files[i].revision > files[j].revision
		})
	}
	return groups, nil
}

// ParseFileName splits an archive file name of the form
// {storage}-{revision}.parquet.
func ParseFileName(name string) (storage string, revision uint64, ok bool) {
	base, found := strings.CutSuffix(name, ".parquet")
	if !found {
		return "", 0, false
	}
	i := strings.LastIndexByte(base, '-')
	if i <= 0 {
		return "", 0, false
	}
	rev, err := strconv.ParseUint(base[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], rev, true
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// GetDiskUsage returns disk usage per storage.
func (m *Manager) GetDiskUsage() (map[string]DiskUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groups, err := m.listArchives()
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]DiskUsage{}, nil
		}
		return nil, err
	}

	usage := make(map[string]DiskUsage, len(groups))
	for name, files := range groups {
		var u DiskUsage
		for _, f := range files {
			u.FileCount++
			u.TotalSize += f.size
		}
		usage[name] = u
	}
	return usage, nil
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() (string, error) {
	usage, err := m.GetDiskUsage()
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	var totalSize int64
	var totalFiles int

	b.WriteString("Archive Usage:\n")
	for _, name := range names {
		u := usage[name]
		totalSize += u.TotalSize
		totalFiles += u.FileCount
		fmt.Fprintf(&b, "  %s: %d files, %s\n", name, u.FileCount, FormatBytes(u.TotalSize))
	}
	fmt.Fprintf(&b, "  Total: %d files, %s\n", totalFiles, FormatBytes(totalSize))

	return b.String(), nil
}

// FormatBytes formats bytes as human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
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
