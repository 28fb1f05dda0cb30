package storage

import (
	"sync"

	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// Locked serializes access to a Storage.
type Locked struct {
	mu sync.Mutex
	s  Storage
}

// NewLocked wraps s. The caller must not use s directly afterwards.
func NewLocked(s Storage) *Locked {
	return &Locked{s: s}
}

// Unwrap returns the underlying storage.
func (l *Locked) Unwrap() Storage {
	return l.s
}

// Do runs fn with the lock held, for sequences that must be atomic such as
// GetDiff followed by PutDiff.
func (l *Locked) Do(fn func(s Storage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.s)
}

func (l *Locked) Add(p types.WeightedPoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.Add(p)
}

// AddAll adds points in order under one lock acquisition, stopping at the
// first rejected point. It returns the number added.
func (l *Locked) AddAll(points []types.WeightedPoint) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range points {
		if err := l.s.Add(p); err != nil {
			return i, err
		}
	}
	return len(points), nil
}

func (l *Locked) GetAll() []types.WeightedPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.GetAll()
}

func (l *Locked) Buckets() []types.Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.Buckets()
}

func (l *Locked) Revision() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.Revision()
}

func (l *Locked) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.Clear()
}

func (l *Locked) Pack() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.Pack()
}

func (l *Locked) Unpack(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.Unpack(data)
}

func (l *Locked) GetDiff() *types.Diff {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.GetDiff()
}

func (l *Locked) PutDiff(d *types.Diff) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.PutDiff(d)
}

// Mix is pure and does not take the lock.
func (l *Locked) Mix(lhs, rhs *types.Diff) *types.Diff {
	return Mix(lhs, rhs)
}

func (l *Locked) Name() string {
	return l.s.Name()
}

func (l *Locked) Method() types.Method {
	return l.s.Method()
}

func (l *Locked) CompressorMethod() types.CompressorMethod {
	return l.s.CompressorMethod()
}

func (l *Locked) Config() config.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.Config()
}

func (l *Locked) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.Stats()
}

var _ Storage = (*Locked)(nil)
