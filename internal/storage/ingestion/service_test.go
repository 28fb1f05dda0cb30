package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage"
	"github.com/xtxerr/coreset/internal/storage/backpressure"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/types"
	"github.com/xtxerr/coreset/internal/testutil"
)

// recordingSink collects batches. It rejects points with negative weight.
type recordingSink struct {
	mu      sync.Mutex
	points  []types.WeightedPoint
	batches int
	block   chan struct{}
}

func (s *recordingSink) AddAll(points []types.WeightedPoint) (int, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	for i, p := range points {
		if err := p.Validate(); err != nil {
			return i, err
		}
		s.points = append(s.points, p)
	}
	return len(points), nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func testConfig() config.IngestConfig {
	cfg := config.DefaultIngestConfig()
	cfg.QueueSize = 100
	cfg.BatchSize = 10
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.Backpressure.Cooldown = 0
	return cfg
}

func startService(t *testing.T, sink Sink, cfg config.IngestConfig) *Service {
	t.Helper()
	svc, err := New(sink, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func TestService_New(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0

	if _, err := New(&recordingSink{}, cfg); !errors.Is(err, errors.ErrInvalidParameter) {
		t.Errorf("expected invalid parameter, got %v", err)
	}

	svc, err := New(&recordingSink{}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if svc.IsRunning() {
		t.Error("service should not be running before Start()")
	}
}

func TestService_StartStop(t *testing.T) {
	svc, err := New(&recordingSink{}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.IsRunning() {
		t.Error("service should be running after Start()")
	}
	if err := svc.Start(); err == nil {
		t.Error("expected error on double start")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	_, err = svc.Ingest(context.Background(), testutil.Grid(1, 2))
	if !errors.Is(err, errors.ErrWriterClosed) {
		t.Errorf("expected writer closed after Stop, got %v", err)
	}
}

func TestService_IngestAndFlush(t *testing.T) {
	sink := &recordingSink{}
	svc := startService(t, sink, testConfig())
	ctx := context.Background()

	points := testutil.Random(3, 25, 2)
	n, err := svc.Ingest(ctx, points)
	if err != nil || n != 25 {
		t.Fatalf("Ingest = %d, %v", n, err)
	}

	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := sink.count(); got != 25 {
		t.Errorf("sink has %d points, want 25", got)
	}

	st := svc.Stats()
	if st.PointsReceived != 25 || st.PointsIngested != 25 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.Flushes != 1 {
		t.Errorf("expected 1 flush, got %d", st.Flushes)
	}
	if st.QueueLength != 0 {
		t.Errorf("queue not empty after flush: %d", st.QueueLength)
	}
}

func TestService_FlushInterval(t *testing.T) {
	sink := &recordingSink{}
	svc := startService(t, sink, testConfig())

	// Fewer than a batch
	if _, err := svc.Ingest(context.Background(), testutil.Grid(3, 2)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	err := testutil.Eventually(time.Second, 5*time.Millisecond, func() bool {
		return sink.count() == 3
	})
	if err != nil {
		t.Errorf("partial batch never flushed: %v", err)
	}
}

func TestService_StopDrains(t *testing.T) {
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.FlushInterval = time.Hour

	svc, err := New(sink, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.Start()

	if _, err := svc.Ingest(context.Background(), testutil.Random(1, 37, 3)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := sink.count(); got != 37 {
		t.Errorf("sink has %d points after Stop, want 37", got)
	}
}

func TestService_SkipsRejectedPoints(t *testing.T) {
	sink := &recordingSink{}
	svc := startService(t, sink, testConfig())
	ctx := context.Background()

	points := []types.WeightedPoint{
		types.NewPoint([]float64{1, 1}),
		types.NewWeightedPoint([]float64{2, 2}, -1),
		types.NewPoint([]float64{3, 3}),
		types.NewPoint(nil),
		types.NewPoint([]float64{4, 4}),
	}
	if _, err := svc.Ingest(ctx, points); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	svc.Flush(ctx)

	st := svc.Stats()
	if st.PointsIngested != 3 || st.PointsRejected != 2 {
		t.Errorf("ingested %d rejected %d, want 3 and 2", st.PointsIngested, st.PointsRejected)
	}
}

func TestService_DropsOnOverload(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 20
	cfg.BatchSize = 1
	cfg.DropOnOverload = true

	svc := startService(t, sink, cfg)
	ctx := context.Background()

	// The worker holds one point in a blocked write; the rest fill the queue.
	if _, err := svc.Ingest(ctx, testutil.Grid(21, 1)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	testutil.Eventually(time.Second, time.Millisecond, func() bool {
		return svc.Stats().QueueLength == 20
	})

	n, err := svc.Ingest(ctx, testutil.Grid(5, 1))
	if err != nil || n != 0 {
		t.Errorf("expected batch shed, got %d, %v", n, err)
	}

	st := svc.Stats()
	if st.Level != backpressure.LevelEmergency {
		t.Errorf("expected emergency, got %s", st.Level)
	}
	if st.PointsDropped != 5 {
		t.Errorf("expected 5 dropped, got %d", st.PointsDropped)
	}

	close(sink.block)
}

func TestService_IngestCanceled(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 4
	cfg.BatchSize = 1
	cfg.Backpressure.Enabled = false

	svc := startService(t, sink, cfg)
	defer close(sink.block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	n, err := svc.Ingest(ctx, testutil.Grid(10, 1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if n >= 10 {
		t.Errorf("expected a partial enqueue, got %d", n)
	}
}

func TestService_FeedsStorage(t *testing.T) {
	sc := config.Config{
		BucketSize:           10,
		BucketLength:         2,
		CompressedBucketSize: 4,
		BicriteriaBaseSize:   2,
		ForgettingFactor:     1,
	}.WithSeed(0)

	s, err := storage.New("ingest", "kmeans", "compressive", &sc)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	locked := storage.NewLocked(s)

	svc := startService(t, locked, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			if _, err := svc.Ingest(ctx, testutil.Random(seed, 50, 2)); err != nil {
				t.Errorf("Ingest: %v", err)
			}
		}(uint64(g))
	}
	wg.Wait()

	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if rev := locked.Revision(); rev != 200 {
		t.Errorf("expected revision 200, got %d", rev)
	}
}
