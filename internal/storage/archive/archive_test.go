package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/types"
	"github.com/xtxerr/coreset/internal/testutil"
)

type fakeSource struct {
	buckets []types.Bucket
}

func (f fakeSource) Name() string            { return "node-a" }
func (f fakeSource) Revision() uint64        { return 42 }
func (f fakeSource) Buckets() []types.Bucket { return f.buckets }

func sampleBuckets() []types.Bucket {
	compressed := types.Bucket{Epoch: 3, Compressed: true}
	for _, p := range testutil.Grid(3, 2) {
		p.Weight = 4
		compressed.Add(p)
	}

	raw := types.Bucket{Epoch: 4}
	p := types.NewPoint([]float64{7.5, -1})
	p.Original = []float64{1, 2, 3}
	raw.Add(p)
	raw.Add(types.NewPoint([]float64{8, 0}))

	return []types.Bucket{compressed, raw}
}

func TestWriterBasic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "points.parquet")

	w, err := NewWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteBuckets("node-a", 9, sampleBuckets()); err != nil {
		t.Fatalf("WriteBuckets: %v", err)
	}
	if w.RowCount() != 5 {
		t.Errorf("expected 5 rows, got %d", w.RowCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("file should exist: %v", err)
	}
	if stat.Size() == 0 {
		t.Error("file should not be empty")
	}

	if err := w.WriteBuckets("node-a", 9, sampleBuckets()); !errors.Is(err, errors.ErrWriterClosed) {
		t.Errorf("expected ErrWriterClosed, got %v", err)
	}
}

func TestExportAndRead(t *testing.T) {
	for _, compression := range []string{"none", "snappy", "zstd", "lz4", "gzip"} {
		t.Run(compression, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName("node-a", 42))
			want := sampleBuckets()

			opts := DefaultOptions()
			opts.Compression = ParseCompressionType(compression)
			n, err := Export(path, fakeSource{buckets: want}, opts)
			if err != nil {
				t.Fatalf("Export: %v", err)
			}
			if n != 5 {
				t.Errorf("expected 5 rows, got %d", n)
			}

			r, err := NewReader(path)
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			defer r.Close()

			if r.NumRows() != 5 {
				t.Errorf("expected 5 rows in file, got %d", r.NumRows())
			}
			rows, err := r.ReadAll()
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			for _, row := range rows {
				if row.Storage != "node-a" || row.Revision != 42 {
					t.Errorf("unexpected row tags: %+v", row)
				}
			}

			got := RowsToBuckets(rows)
			if len(got) != len(want) {
				t.Fatalf("expected %d buckets, got %d", len(want), len(got))
			}
			for i := range want {
				if !got[i].Equal(want[i]) {
					t.Errorf("bucket %d: got %+v, want %+v", i, got[i], want[i])
				}
			}
			if orig := got[1].Points[0].Original; len(orig) != 3 || orig[2] != 3 {
				t.Errorf("original not preserved: %v", orig)
			}
			if got[1].Points[1].Original != nil {
				t.Errorf("expected nil original, got %v", got[1].Points[1].Original)
			}
		})
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.parquet")
	if _, err := Export(path, fakeSource{buckets: sampleBuckets()}, DefaultOptions()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	buckets, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if w := testutil.TotalWeight(append(buckets[0].Points, buckets[1].Points...)); w != 14 {
		t.Errorf("expected total weight 14, got %v", w)
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.parquet")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExportEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	n, err := Export(path, fakeSource{}, DefaultOptions())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 rows, got %d", n)
	}

	buckets, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(buckets) != 0 {
		t.Errorf("expected no buckets, got %d", len(buckets))
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in   string
		want CompressionType
	}{
		{"snappy", CompressionSnappy},
		{"zstd", CompressionZstd},
		{"lz4", CompressionLZ4},
		{"gzip", CompressionGzip},
		{"none", CompressionNone},
		{"", CompressionNone},
		{"brotli", CompressionZstd},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseCompressionType(tt.in); got != tt.want {
				t.Errorf("ParseCompressionType(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
