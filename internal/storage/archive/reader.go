package archive

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// Reader reads point rows from a Parquet file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[PointRow]
	path   string
}

// NewReader opens a Parquet archive.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &Reader{
		file:   f,
		reader: parquet.NewGenericReader[PointRow](f),
		path:   path,
	}, nil
}

// Read reads up to n rows. It returns io.EOF once every row was read.
func (r *Reader) Read(n int) ([]PointRow, error) {
	rows := make([]PointRow, n)
	count, err := r.reader.Read(rows)
	if count > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return rows[:count], err
}

// ReadAll reads every row of the file.
func (r *Reader) ReadAll() ([]PointRow, error) {
	rows := make([]PointRow, r.reader.NumRows())
	n, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return rows[:n], nil
}

// ReadBuckets reads every row and regroups them into buckets.
func (r *Reader) ReadBuckets() ([]types.Bucket, error) {
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	return RowsToBuckets(rows), nil
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// ReadFile reads the buckets of a whole archive file.
func ReadFile(path string) ([]types.Bucket, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadBuckets()
}
