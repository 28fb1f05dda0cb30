package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// PageBufferSize is the page buffer size in bytes
	PageBufferSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:    CompressionZstd,
		PageBufferSize: 1024 * 1024,
	}
}

// ParseCompressionType parses a compression type string. Unknown names map
// to zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// PointRow is one weighted point of an exported bucket.
type PointRow struct {
	Storage    string    `parquet:"storage,dict"`
	Revision   int64     `parquet:"revision"`
	Bucket     int32     `parquet:"bucket"`
	Epoch      int64     `parquet:"epoch"`
	Compressed bool      `parquet:"compressed"`
	Weight     float64   `parquet:"weight"`
	Data       []float64 `parquet:"data,list"`
	Original   []float64 `parquet:"original,list"`
}

// BucketRows flattens buckets into rows. Bucket is the position of the
// bucket in the retained window, oldest first.
func BucketRows(storage string, revision uint64, buckets []types.Bucket) []PointRow {
	var rows []PointRow
	for i, b := range buckets {
		for _, p := range b.Points {
			rows = append(rows, PointRow{
				Storage:    storage,
				Revision:   int64(revision),
				Bucket:     int32(i),
				Epoch:      b.Epoch,
				Compressed: b.Compressed,
				Weight:     p.Weight,
				Data:       append([]float64(nil), p.Data...),
				Original:   append([]float64(nil), p.Original...),
			})
		}
	}
	return rows
}

// RowsToBuckets regroups rows into buckets. Rows of one bucket must be
// contiguous, which holds for files written by Writer.
func RowsToBuckets(rows []PointRow) []types.Bucket {
	var buckets []types.Bucket
	last := int32(-1)
	for _, r := range rows {
		if len(buckets) == 0 || r.Bucket != last {
			buckets = append(buckets, types.Bucket{Epoch: r.Epoch, Compressed: r.Compressed})
			last = r.Bucket
		}
		p := types.WeightedPoint{
			Data:   append([]float64(nil), r.Data...),
			Weight: r.Weight,
		}
		if len(r.Original) > 0 {
			p.Original = append([]float64(nil), r.Original...)
		}
		buckets[len(buckets)-1].Add(p)
	}
	return buckets
}

// Writer writes bucket points to a Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[PointRow]
	rowCount int64
	closed   bool
}

// NewWriter creates a Parquet writer at path, creating its directory.
func NewWriter(path string, opts Options) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.PageBufferSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageBufferSize))
	}

	return &Writer{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[PointRow](f, writerOpts...),
	}, nil
}

// WriteBuckets appends the points of buckets as rows.
func (w *Writer) WriteBuckets(storage string, revision uint64, buckets []types.Bucket) error {
	return w.Write(BucketRows(storage, revision, buckets))
}

// Write appends rows.
func (w *Writer) Write(rows []PointRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Source is what Export reads from. Every Storage satisfies it.
type Source interface {
	Name() string
	Revision() uint64
	Buckets() []types.Bucket
}

// Export writes the retained buckets of s to path and returns the number of
// rows written.
func Export(path string, s Source, opts Options) (int64, error) {
	w, err := NewWriter(path, opts)
	if err != nil {
		return 0, err
	}
	if err := w.WriteBuckets(s.Name(), s.Revision(), s.Buckets()); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.RowCount(), nil
}

// FileName is the archive file name for a storage at a revision.
func FileName(storage string, revision uint64) string {
	return fmt.Sprintf("%s-%016d.parquet", storage, revision)
}
