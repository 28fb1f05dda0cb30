package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/coreset/internal/client"
	"github.com/xtxerr/coreset/internal/server"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/journal"
	"github.com/xtxerr/coreset/internal/storage/query"
	"github.com/xtxerr/coreset/internal/storage/types"
	coresync "github.com/xtxerr/coreset/internal/sync"
	"github.com/xtxerr/coreset/internal/testutil"
)

func testConfig(name, dir string) *config.NodeConfig {
	cfg := config.DefaultNodeConfig()
	cfg.Name = name
	cfg.DataDir = dir
	cfg.Storage = config.DefaultConfig().WithSeed(21)
	cfg.Storage.BucketSize = 6
	cfg.Storage.BucketLength = 30
	cfg.Storage.CompressedBucketSize = 3
	cfg.Storage.BicriteriaBaseSize = 2
	cfg.Journal.SyncMode = "sync"
	return cfg
}

func open(t *testing.T, cfg *config.NodeConfig) *Node {
	t.Helper()
	n, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return n
}

func assertSameBuckets(t *testing.T, got, want []types.Bucket) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%d buckets, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("bucket %d differs", i)
		}
	}
}

func TestOpenFresh(t *testing.T) {
	n := open(t, testConfig("fresh", t.TempDir()))
	defer n.Close()

	r := n.Recovery()
	if r.FromSnapshot || r.Replayed != 0 || r.Revision != 0 {
		t.Errorf("unexpected recovery %+v", r)
	}
	if n.Health().Snapshot().State != HealthUnknown {
		t.Errorf("health = %s, want unknown", n.Health().Snapshot().State)
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	cfg := testConfig("", t.TempDir())
	if _, err := Open(cfg); err == nil {
		t.Error("expected error for missing name")
	}
}

func TestCloseSnapshotsAndReopen(t *testing.T) {
	dir := t.TempDir()

	n := open(t, testConfig("durable", dir))
	if _, err := n.AddAll(testutil.Random(1, 14, 2)); err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	want := n.Storage().Buckets()
	rev := n.Storage().Revision()

	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := n.Snapshot(); err == nil {
		t.Error("Snapshot after Close should fail")
	}

	re := open(t, testConfig("durable", dir))
	defer re.Close()

	if !re.Recovery().FromSnapshot {
		t.Error("expected recovery from snapshot")
	}
	if re.Storage().Revision() != rev {
		t.Errorf("revision = %d, want %d", re.Storage().Revision(), rev)
	}
	assertSameBuckets(t, re.Storage().Buckets(), want)
}

func TestJournalReplay(t *testing.T) {
	dir := t.TempDir()

	a := open(t, testConfig("a", dir))
	b := open(t, testConfig("b", t.TempDir()))
	defer b.Close()

	a.AddAll(testutil.Random(2, 9, 2))
	b.AddAll(testutil.Random(3, 7, 2))

	coord := coresync.NewCoordinator(nil)
	coord.Register(a)
	coord.Register(b)
	for i := 0; i < 2; i++ {
		res, err := coord.Round(context.Background())
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if !res.Converged() {
			t.Fatalf("round %d did not converge", i)
		}
	}

	want := a.Storage().Buckets()
	rev := a.Storage().Revision()

	// Crash: the journal is on disk but no snapshot was taken.
	a.journal.Close()

	re := open(t, testConfig("a", dir))
	defer re.Close()

	r := re.Recovery()
	if r.FromSnapshot {
		t.Error("no snapshot was written")
	}
	if r.Replayed != 2 {
		t.Errorf("replayed %d entries, want 2", r.Replayed)
	}
	if r.Revision != rev {
		t.Errorf("revision = %d, want %d", r.Revision, rev)
	}
	assertSameBuckets(t, re.Storage().Buckets(), want)
}

func TestReplayStopsAtRejectedEntry(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("r", dir)

	w, err := journal.NewWriter(filepath.Join(dir, "journal"), journal.Options{SyncMode: "sync"})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	bogus := &types.Diff{BaseRevision: 99, NewPoints: testutil.Random(4, 2, 2)}
	if err := w.Append(102, bogus); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	n := open(t, cfg)
	defer n.Close()

	r := n.Recovery()
	if !r.Rejected || r.Replayed != 0 {
		t.Errorf("unexpected recovery %+v", r)
	}
	if _, err := os.Stat(filepath.Join(dir, "r.snapshot")); err != nil {
		t.Errorf("expected checkpoint snapshot: %v", err)
	}
	segments, err := journal.ListSegments(filepath.Join(dir, "journal"))
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Errorf("%d segments after checkpoint, want 1", len(segments))
	}
}

func TestUnpackCheckpoints(t *testing.T) {
	src := open(t, testConfig("src", t.TempDir()))
	defer src.Close()
	src.AddAll(testutil.Random(5, 10, 2))

	dir := t.TempDir()
	dst := open(t, testConfig("dst", dir))
	defer dst.Close()

	packed, err := src.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if err := dst.Unpack(packed); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if dst.Name() != "dst" {
		t.Errorf("Name = %s, want dst", dst.Name())
	}
	if _, err := os.Stat(filepath.Join(dir, "dst.snapshot")); err != nil {
		t.Errorf("expected snapshot after Unpack: %v", err)
	}
	assertSameBuckets(t, dst.Storage().Buckets(), src.Storage().Buckets())
}

func TestExportAndQuery(t *testing.T) {
	n := open(t, testConfig("exported", t.TempDir()))
	defer n.Close()

	points := testutil.Random(6, 20, 3)
	n.AddAll(points)

	path, rows, err := n.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if filepath.Dir(path) != n.ArchiveDir() {
		t.Errorf("archive written to %s, want %s", filepath.Dir(path), n.ArchiveDir())
	}
	if rows != int64(len(n.Storage().GetAll())) {
		t.Errorf("rows = %d, want %d", rows, len(n.Storage().GetAll()))
	}

	q, err := n.Query()
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer q.Close()

	got, err := q.TotalWeight(context.Background(), query.Filter{Storage: "exported", Latest: true})
	if err != nil {
		t.Fatalf("TotalWeight: %v", err)
	}
	if want := testutil.TotalWeight(n.Storage().GetAll()); !testutil.ApproxEqual(got, want) {
		t.Errorf("TotalWeight = %v, want %v", got, want)
	}
}

func TestExportPrunesOldRevisions(t *testing.T) {
	cfg := testConfig("pruned", t.TempDir())
	cfg.Archive.KeepRevisions = 2
	n := open(t, cfg)
	defer n.Close()

	var paths []string
	for i := 0; i < 4; i++ {
		n.AddAll(testutil.Random(uint64(30+i), 5, 2))
		path, _, err := n.Export()
		if err != nil {
			t.Fatalf("Export %d: %v", i, err)
		}
		paths = append(paths, path)
	}

	for i, p := range paths {
		_, err := os.Stat(p)
		if kept := err == nil; kept != (i >= 2) {
			t.Errorf("export %d kept=%v", i, kept)
		}
	}

	results, err := n.PruneArchives(true)
	if err != nil {
		t.Fatalf("PruneArchives: %v", err)
	}
	if len(results) != 1 || results[0].FilesKept != 2 || results[0].FilesDeleted != 0 {
		t.Errorf("unexpected dry run %+v", results)
	}
}

func TestRemoteSync(t *testing.T) {
	scfg := server.DefaultConfig()
	scfg.Listen = "127.0.0.1:0"
	scfg.MetricsListen = ""
	scfg.Round.Participants = 2
	scfg.Round.Timeout = 10 * time.Second
	srv, err := server.New(scfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Shutdown()

	nodes := []*Node{
		open(t, testConfig("a", t.TempDir())),
		open(t, testConfig("b", t.TempDir())),
	}
	for i, n := range nodes {
		defer n.Close()
		n.AddAll(testutil.Random(uint64(10+i), 8, 2))
	}

	gt := testutil.NewGoroutineTestWithTimeout(t, 10*time.Second)
	for _, n := range nodes {
		ccfg := client.DefaultConfig()
		ccfg.Addr = srv.Addr().String()
		c := client.New(ccfg)
		defer c.Close()

		gt.GoWithContext(func(ctx context.Context) error {
			if err := c.Connect(ctx); err != nil {
				return err
			}
			_, err := n.Sync(ctx, c, client.DefaultSyncOptions())
			return err
		})
	}
	gt.Wait()

	for _, n := range nodes {
		h := n.Health().Snapshot()
		if h.State != HealthUp || h.Rounds != 1 {
			t.Errorf("%s: health %+v", n.Name(), h)
		}
		st := n.Stats()
		if st.Journal == nil || st.Journal.RecordsWritten != 1 {
			t.Errorf("%s: journal stats %+v", n.Name(), st.Journal)
		}
		if !testutil.ApproxEqual(st.Storage.TotalWeight, 16) {
			t.Errorf("%s: total weight %v, want 16", n.Name(), st.Storage.TotalWeight)
		}
	}
	assertSameBuckets(t, nodes[0].Storage().Buckets(), nodes[1].Storage().Buckets())
}

func TestHealth(t *testing.T) {
	h := NewHealth()
	boom := errors.New("boom")

	steps := []struct {
		ok   bool
		want string
	}{
		{true, HealthUp},
		{false, HealthDegraded},
		{false, HealthDegraded},
		{false, HealthDown},
		{true, HealthUp},
	}
	for i, s := range steps {
		if s.ok {
			h.RecordSuccess(uint64(i))
		} else {
			h.RecordFailure(boom)
		}
		if got := h.Snapshot().State; got != s.want {
			t.Errorf("step %d: state = %s, want %s", i, got, s.want)
		}
	}

	snap := h.Snapshot()
	if snap.Rounds != 2 || snap.Failures != 3 || snap.ConsecutiveFailures != 0 {
		t.Errorf("unexpected counters %+v", snap)
	}
	if snap.LastError != "" || snap.LastSuccessAt == nil || snap.LastFailureAt == nil {
		t.Errorf("unexpected timestamps %+v", snap)
	}
}
