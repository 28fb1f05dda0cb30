// Package ingestion decouples point producers from a storage. Points are
// queued, batched and added by a single worker; a backpressure controller
// watches the queue and throttles or sheds producers when it fills up.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/logging"
	"github.com/xtxerr/coreset/internal/storage/backpressure"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/types"
)

var log = logging.Component("ingestion")

// Sink receives batches. AddAll adds points until the first invalid one and
// returns how many were added. It must not retain the slice.
type Sink interface {
	AddAll(points []types.WeightedPoint) (int, error)
}

// Service orchestrates the ingestion pipeline:
// producers → queue → batch → sink
type Service struct {
	// mu is held shared by producers and exclusively by Stop, so no point
	// is queued after the final drain.
	mu sync.RWMutex

	config   config.IngestConfig
	sink     Sink
	queue    chan types.WeightedPoint
	pressure *backpressure.Controller

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	stats Stats

	flushCh chan chan struct{}
}

// Stats holds ingestion counters.
type Stats struct {
	PointsReceived atomic.Int64
	PointsIngested atomic.Int64
	PointsDropped  atomic.Int64
	PointsRejected atomic.Int64
	BatchesWritten atomic.Int64
	Flushes        atomic.Int64
}

// New creates a stopped service feeding sink.
func New(sink Sink, cfg config.IngestConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingest config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		config:  cfg,
		sink:    sink,
		queue:   make(chan types.WeightedPoint, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		flushCh: make(chan chan struct{}),
	}
	s.pressure = backpressure.New(cfg.Backpressure, backpressure.GaugeFunc(s.usage))
	s.pressure.SetOnLevelChange(func(old, new backpressure.Level) {
		log.Warn("backpressure level changed", "from", old.String(), "to", new.String())
	})

	return s, nil
}

func (s *Service) usage() float64 {
	return float64(len(s.queue)) / float64(cap(s.queue))
}

// Start starts the batch worker.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("service already running")
	}

	s.wg.Add(1)
	go s.worker()

	return nil
}

// Stop stops accepting points, adds everything queued and stops the worker.
// A stopped service cannot be restarted.
func (s *Service) Stop() error {
	s.mu.Lock()
	wasRunning := s.running.Swap(false)
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}

	s.cancel()
	s.wg.Wait()
	return nil
}

// Ingest queues points and returns how many were accepted. It blocks while
// the queue is full. At the emergency level with DropOnOverload set the
// whole batch is shed and Ingest returns 0 without error.
func (s *Service) Ingest(ctx context.Context, points []types.WeightedPoint) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running.Load() {
		return 0, fmt.Errorf("ingestion: %w", errors.ErrWriterClosed)
	}
	if len(points) == 0 {
		return 0, nil
	}

	s.stats.PointsReceived.Add(int64(len(points)))

	s.pressure.Check()
	if s.config.DropOnOverload && s.pressure.ShouldDrop() {
		s.pressure.RecordDrop(len(points))
		s.stats.PointsDropped.Add(int64(len(points)))
		return 0, nil
	}
	if s.pressure.ShouldThrottle() {
		if err := sleep(ctx, s.pressure.ThrottleDelay()); err != nil {
			return 0, err
		}
	}

	for i, p := range points {
		select {
		case s.queue <- p:
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return len(points), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every point queued before the call has reached the
// sink.
func (s *Service) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.flushCh <- done:
	case <-s.ctx.Done():
		return fmt.Errorf("ingestion: %w", errors.ErrWriterClosed)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker batches queued points into the sink.
func (s *Service) worker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]types.WeightedPoint, 0, s.config.BatchSize)

	for {
		select {
		case p := <-s.queue:
			batch = append(batch, p)
			if len(batch) >= s.config.BatchSize {
				batch = s.write(batch)
			}
		case <-ticker.C:
			batch = s.write(batch)
		case done := <-s.flushCh:
			batch = s.drain(batch)
			s.stats.Flushes.Add(1)
			close(done)
		case <-s.ctx.Done():
			s.drain(batch)
			return
		}
	}
}

// drain writes batch and everything currently queued.
func (s *Service) drain(batch []types.WeightedPoint) []types.WeightedPoint {
	for {
		select {
		case p := <-s.queue:
			batch = append(batch, p)
			if len(batch) >= s.config.BatchSize {
				batch = s.write(batch)
			}
		default:
			return s.write(batch)
		}
	}
}

// write hands batch to the sink, skipping points it rejects, and returns
// the emptied batch.
func (s *Service) write(batch []types.WeightedPoint) []types.WeightedPoint {
	if len(batch) == 0 {
		return batch
	}

	rest := batch
	for len(rest) > 0 {
		added, err := s.sink.AddAll(rest)
		s.stats.PointsIngested.Add(int64(added))
		if err == nil {
			break
		}
		s.stats.PointsRejected.Add(1)
		log.Warn("point rejected", "error", err)
		rest = rest[added+1:]
	}

	s.stats.BatchesWritten.Add(1)
	return batch[:0]
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	bp := s.pressure.Stats()

	return ServiceStats{
		Running:        s.running.Load(),
		PointsReceived: s.stats.PointsReceived.Load(),
		PointsIngested: s.stats.PointsIngested.Load(),
		PointsDropped:  s.stats.PointsDropped.Load(),
		PointsRejected: s.stats.PointsRejected.Load(),
		BatchesWritten: s.stats.BatchesWritten.Load(),
		Flushes:        s.stats.Flushes.Load(),
		QueueLength:    len(s.queue),
		QueueUsage:     bp.QueueUsage,
		Level:          bp.Level,
	}
}

// ServiceStats holds combined service statistics.
type ServiceStats struct {
	Running        bool
	PointsReceived int64
	PointsIngested int64
	PointsDropped  int64
	PointsRejected int64
	BatchesWritten int64
	Flushes        int64
	QueueLength    int
	QueueUsage     float64
	Level          backpressure.Level
}

// Backpressure returns the queue's backpressure controller.
func (s *Service) Backpressure() *backpressure.Controller {
	return s.pressure
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}
