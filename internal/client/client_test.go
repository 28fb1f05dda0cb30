package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/server"
	"github.com/xtxerr/coreset/internal/storage"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/types"
	"github.com/xtxerr/coreset/internal/testutil"
)

func startServer(t *testing.T, participants int) string {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.MetricsListen = ""
	cfg.Round.Participants = participants
	cfg.Round.Timeout = 10 * time.Second

	s, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s.Addr().String()
}

func connect(t *testing.T, addr string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = addr
	cfg.RequestTimeout = 5 * time.Second
	c := New(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newNode(t *testing.T, name string) *storage.Locked {
	t.Helper()
	cfg := config.DefaultConfig().WithSeed(5)
	cfg.BucketSize = 8
	cfg.BucketLength = 20
	cfg.CompressedBucketSize = 3
	cfg.BicriteriaBaseSize = 2
	s, err := storage.New(name, "kmeans", "compressive", &cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	return storage.NewLocked(s)
}

func fastRetry(attempts int) SyncOptions {
	return SyncOptions{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Timeout:        5 * time.Second,
	}
}

// rejecting refuses every mixed diff.
type rejecting struct {
	*storage.Locked
}

func (rejecting) PutDiff(*types.Diff) bool { return false }

// =============================================================================
// State Tests
// =============================================================================

func TestClientState(t *testing.T) {
	c := New(nil)
	if c.State() != "disconnected" {
		t.Errorf("State = %s, want disconnected", c.State())
	}
	if c.IsConnected() {
		t.Error("new client reports connected")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !c.IsClosed() {
		t.Errorf("State = %s, want closed", c.State())
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Connect after Close: err = %v, want ErrClientClosed", err)
	}
	if err := c.Reconnect(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Reconnect after Close: err = %v, want ErrClientClosed", err)
	}
}

func TestClientStateString(t *testing.T) {
	tests := []struct {
		state ClientState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{ClientState(42), "unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConnectFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := DefaultConfig()
	cfg.Addr = addr
	cfg.ConnectTimeout = time.Second
	c := New(cfg)

	err = c.Connect(context.Background())
	if !errors.Is(err, errors.ErrConnectionFailed) {
		t.Fatalf("err = %v, want ErrConnectionFailed", err)
	}
	if !errors.IsRetriable(err) {
		t.Error("connection failure should be retriable")
	}
	if c.State() != "disconnected" {
		t.Errorf("State = %s, want disconnected", c.State())
	}
}

func TestExchangeNotConnected(t *testing.T) {
	c := New(nil)
	_, err := c.Exchange(context.Background(), "a", &types.Diff{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Exchange Tests
// =============================================================================

func TestExchange(t *testing.T) {
	addr := startServer(t, 2)

	gt := testutil.NewGoroutineTestWithTimeout(t, 10*time.Second)
	for _, name := range []string{"a", "b"} {
		c := connect(t, addr)
		gt.GoWithContext(func(ctx context.Context) error {
			d := &types.Diff{NewPoints: testutil.Random(1, 3, 2)}
			mixed, err := c.Exchange(ctx, name, d)
			if err != nil {
				return err
			}
			if mixed.Participants != 2 {
				t.Errorf("%s: Participants = %d, want 2", name, mixed.Participants)
			}
			if got := len(mixed.Diff.NewPoints); got != 6 {
				t.Errorf("%s: NewPoints = %d, want 6", name, got)
			}
			return nil
		})
	}
	gt.Wait()
}

func TestExchangeServerError(t *testing.T) {
	addr := startServer(t, 1)
	c := connect(t, addr)

	_, err := c.Exchange(context.Background(), "", &types.Diff{})
	if !errors.Is(err, errors.ErrInvalidParameter) {
		t.Errorf("err = %v, want ErrInvalidParameter", err)
	}
	if !c.IsConnected() {
		t.Error("server error should not drop the connection")
	}
}

func TestExchangeTimeout(t *testing.T) {
	addr := startServer(t, 2)
	c := connect(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Exchange(ctx, "a", &types.Diff{NewPoints: testutil.Random(1, 1, 2)})
	if !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

// =============================================================================
// Sync Tests
// =============================================================================

func TestSync(t *testing.T) {
	addr := startServer(t, 2)

	nodes := []*storage.Locked{newNode(t, "a"), newNode(t, "b")}
	for i, n := range nodes {
		if _, err := n.AddAll(testutil.Random(uint64(i+1), 12, 2)); err != nil {
			t.Fatalf("AddAll: %v", err)
		}
	}

	gt := testutil.NewGoroutineTestWithTimeout(t, 10*time.Second)
	for _, n := range nodes {
		c := connect(t, addr)
		gt.GoWithContext(func(ctx context.Context) error {
			res, err := c.Sync(ctx, n, fastRetry(1))
			if err != nil {
				return err
			}
			if res.Participants != 2 {
				t.Errorf("%s: Participants = %d, want 2", n.Name(), res.Participants)
			}
			if res.Span != 24 {
				t.Errorf("%s: Span = %d, want 24", n.Name(), res.Span)
			}
			if res.Attempts != 1 {
				t.Errorf("%s: Attempts = %d, want 1", n.Name(), res.Attempts)
			}
			return nil
		})
	}
	gt.Wait()

	for _, n := range nodes {
		if got := testutil.TotalWeight(n.GetAll()); !testutil.ApproxEqual(got, 24) {
			t.Errorf("%s: total weight = %v, want 24", n.Name(), got)
		}
	}

	want, got := nodes[0].Buckets(), nodes[1].Buckets()
	if len(got) != len(want) {
		t.Fatalf("bucket count differs: %d vs %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("bucket %d differs between nodes", i)
		}
	}
	if nodes[0].Revision() != nodes[1].Revision() {
		t.Errorf("revisions differ: %d vs %d", nodes[0].Revision(), nodes[1].Revision())
	}
}

func TestSyncReconnects(t *testing.T) {
	addr := startServer(t, 1)
	c := connect(t, addr)

	lost := make(chan error, 1)
	c.OnDisconnect(func(err error) { lost <- err })

	c.mu.Lock()
	c.conn.Close()
	c.mu.Unlock()

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}

	n := newNode(t, "solo")
	if _, err := n.AddAll(testutil.Random(3, 4, 2)); err != nil {
		t.Fatalf("AddAll: %v", err)
	}

	res, err := c.Sync(context.Background(), n, fastRetry(2))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !c.IsConnected() {
		t.Errorf("State = %s, want connected", c.State())
	}
	if res.Span != 4 {
		t.Errorf("Span = %d, want 4", res.Span)
	}
	if got := testutil.TotalWeight(n.GetAll()); !testutil.ApproxEqual(got, 4) {
		t.Errorf("total weight = %v, want 4", got)
	}
}

func TestSyncRejected(t *testing.T) {
	addr := startServer(t, 1)
	c := connect(t, addr)

	n := rejecting{newNode(t, "picky")}
	if _, err := n.AddAll(testutil.Random(3, 4, 2)); err != nil {
		t.Fatalf("AddAll: %v", err)
	}

	_, err := c.Sync(context.Background(), n, fastRetry(3))
	if !errors.Is(err, errors.ErrStaleDiff) {
		t.Fatalf("err = %v, want ErrStaleDiff", err)
	}
}

func TestSyncClosedClient(t *testing.T) {
	c := New(nil)
	c.Close()

	_, err := c.Sync(context.Background(), newNode(t, "a"), fastRetry(3))
	if !errors.Is(err, ErrClientClosed) {
		t.Errorf("err = %v, want ErrClientClosed", err)
	}
}

func TestSyncEvery(t *testing.T) {
	addr := startServer(t, 1)
	c := connect(t, addr)
	n := newNode(t, "periodic")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rounds := make(chan *SyncResult, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.SyncEvery(ctx, n, 10*time.Millisecond, fastRetry(1), func(res *SyncResult, err error) {
			if err == nil {
				select {
				case rounds <- res:
				default:
				}
			}
		})
	}()

	var last uint64
	for i := 0; i < 2; i++ {
		select {
		case res := <-rounds:
			if res.Round <= last {
				t.Errorf("round %d after %d", res.Round, last)
			}
			last = res.Round
		case <-time.After(5 * time.Second):
			t.Fatal("no round completed")
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("SyncEvery returned %v, want context.Canceled", err)
	}
}

// =============================================================================
// resettableOnce Tests
// =============================================================================

func TestResettableOnce(t *testing.T) {
	var once resettableOnce
	calls := 0

	once.Do(func() { calls++ })
	once.Do(func() { calls++ })
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	once.Reset()
	once.Do(func() { calls++ })
	if calls != 2 {
		t.Errorf("calls after Reset = %d, want 2", calls)
	}
}
