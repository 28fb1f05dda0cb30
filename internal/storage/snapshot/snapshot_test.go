package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/testutil"
)

func newStorage(t *testing.T, name string) storage.Storage {
	t.Helper()
	cfg := config.DefaultConfig().WithSeed(5)
	cfg.BucketSize = 50
	cfg.CompressedBucketSize = 10
	s, err := storage.New(name, "kmeans", "compressive", &cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "node.snap")

	src := newStorage(t, "src")
	for _, p := range testutil.Random(4, 120, 3) {
		if err := src.Add(p); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	n, err := Save(path, src)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n <= headerSize {
		t.Errorf("unexpected snapshot size %d", n)
	}

	dst := newStorage(t, "dst")
	if err := Load(path, dst); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if dst.Revision() != src.Revision() {
		t.Errorf("revision: got %d, want %d", dst.Revision(), src.Revision())
	}
	if !testutil.SameMultiset(dst.GetAll(), src.GetAll()) {
		t.Error("restored points differ")
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*"+fileSuffix))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestSaveReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.snap")
	s := newStorage(t, "a")

	if _, err := Save(path, s); err != nil {
		t.Fatalf("first save: %v", err)
	}
	for _, p := range testutil.Grid(3, 2) {
		s.Add(p)
	}
	if _, err := Save(path, s); err != nil {
		t.Fatalf("second save: %v", err)
	}

	restored := newStorage(t, "b")
	if err := Load(path, restored); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored.Revision() != 3 {
		t.Errorf("expected latest snapshot at revision 3, got %d", restored.Revision())
	}
}

func TestReadFileCorrupt(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.snap")
	if _, err := WriteFile(valid, []byte("packed state")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, _ := os.ReadFile(valid)

	flipped := append([]byte(nil), data...)
	flipped[4] ^= 0xff

	tests := []struct {
		name string
		data []byte
	}{
		{"short", data[:5]},
		{"bad magic", append([]byte{0, 0, 0, 0}, data[4:]...)},
		{"bad checksum", flipped},
		{"bad frame", append(append([]byte(nil), data[:headerSize]...), 1, 2, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, tt.data, 0644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := ReadFile(path); !errors.Is(err, errors.ErrCorruptData) {
				t.Errorf("expected ErrCorruptData, got %v", err)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	err := Load(filepath.Join(t.TempDir(), "missing.snap"), newStorage(t, "x"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
