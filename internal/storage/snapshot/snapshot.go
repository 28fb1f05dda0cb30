// Package snapshot persists packed storage state as zstd-compressed files.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/coreset/internal/errors"
)

// Packer is the part of a storage a snapshot needs.
type Packer interface {
	Pack() ([]byte, error)
	Unpack(data []byte) error
}

const (
	snapshotMagic = 0x43535350 // "CSSP"
	headerSize    = 12         // magic + crc32 of packed state + reserved
	fileSuffix    = ".tmp"
)

// Save writes the packed state of s to path. The file is replaced atomically.
func Save(path string, s Packer) (int64, error) {
	packed, err := s.Pack()
	if err != nil {
		return 0, fmt.Errorf("pack: %w", err)
	}
	return WriteFile(path, packed)
}

// WriteFile compresses packed state and writes it to path atomically.
func WriteFile(path string, packed []byte) (int64, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("create encoder: %w", err)
	}
	defer enc.Close()

	buf := make([]byte, headerSize, headerSize+len(packed)/2)
	binary.LittleEndian.PutUint32(buf[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(packed))
	buf = enc.EncodeAll(packed, buf)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+fileSuffix)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename snapshot: %w", err)
	}

	return int64(len(buf)), nil
}

// Load reads a snapshot from path and unpacks it into s.
func Load(path string, s Packer) error {
	packed, err := ReadFile(path)
	if err != nil {
		return err
	}
	if err := s.Unpack(packed); err != nil {
		return fmt.Errorf("unpack %s: %w", path, err)
	}
	return nil
}

// ReadFile reads and decompresses a snapshot, returning the packed state.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	if len(data) < headerSize {
		return nil, errors.NewCorrupt("snapshot %s: short header", path)
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != snapshotMagic {
		return nil, errors.NewCorrupt("snapshot %s: invalid magic %x", path, magic)
	}
	want := binary.LittleEndian.Uint32(data[4:8])

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer dec.Close()

	packed, err := dec.DecodeAll(data[headerSize:], nil)
	if err != nil {
		return nil, errors.NewCorrupt("snapshot %s: %v", path, err)
	}
	if got := crc32.ChecksumIEEE(packed); got != want {
		return nil, errors.NewCorrupt("snapshot %s: CRC mismatch: expected %x, got %x", path, want, got)
	}

	return packed, nil
}
