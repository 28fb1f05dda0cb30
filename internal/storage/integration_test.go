package storage_test

import (
	"testing"

	"github.com/xtxerr/coreset/internal/storage"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/storage/types"
	"github.com/xtxerr/coreset/internal/testutil"
)

func syncAll(t *testing.T, nodes []storage.Storage) {
	t.Helper()

	var mixed *types.Diff
	for _, n := range nodes {
		mixed = storage.Mix(mixed, n.GetDiff())
	}
	for _, n := range nodes {
		if !n.PutDiff(mixed) {
			t.Fatalf("%s rejected the mixed diff", n.Name())
		}
	}
}

func assertConverged(t *testing.T, nodes []storage.Storage) {
	t.Helper()

	want := nodes[0].Buckets()
	for _, n := range nodes[1:] {
		if n.Revision() != nodes[0].Revision() {
			t.Errorf("%s: revision %d, want %d", n.Name(), n.Revision(), nodes[0].Revision())
		}
		got := n.Buckets()
		if len(got) != len(want) {
			t.Fatalf("%s: %d buckets, want %d", n.Name(), len(got), len(want))
		}
		for i := range want {
			if !got[i].Equal(want[i]) {
				t.Errorf("%s: bucket %d differs", n.Name(), i)
			}
		}
	}
}

// TestIntegration_SyncRounds runs several add/mix/put rounds across three
// nodes and checks that they converge after every round.
func TestIntegration_SyncRounds(t *testing.T) {
	cfg := config.DefaultConfig().WithSeed(17)
	cfg.BucketSize = 10
	cfg.BucketLength = 50
	cfg.CompressedBucketSize = 3
	cfg.BicriteriaBaseSize = 2

	for _, variant := range []string{"simple", "compressive"} {
		t.Run(variant, func(t *testing.T) {
			nodes := make([]storage.Storage, 3)
			for i := range nodes {
				nodes[i] = storage.MustNew(string(rune('a'+i)), "kmeans", variant, &cfg)
			}

			added := 0
			for round := 0; round < 4; round++ {
				for i, n := range nodes {
					count := 5 + 7*i + round
					for _, p := range testutil.Random(uint64(round*10+i), count, 2) {
						if err := n.Add(p); err != nil {
							t.Fatalf("add: %v", err)
						}
					}
					added += count
				}

				syncAll(t, nodes)
				assertConverged(t, nodes)

				if rev := nodes[0].Revision(); rev <= uint64(added) {
					t.Errorf("round %d: revision %d should exceed %d adds", round, rev, added)
				}
			}

			if variant == "compressive" {
				got := testutil.TotalWeight(nodes[0].GetAll())
				if !testutil.ApproxEqual(got, float64(added)) {
					t.Errorf("expected weight %d after sync, got %v", added, got)
				}
			}
		})
	}
}

// TestIntegration_LateJoiner shows that a node rejects diffs against another
// base until it adopts the shared state by unpacking.
func TestIntegration_LateJoiner(t *testing.T) {
	cfg := config.DefaultConfig().WithSeed(3)
	cfg.BucketSize = 8
	cfg.CompressedBucketSize = 2

	a := storage.MustNew("a", "gmm", "compressive", &cfg)
	b := storage.MustNew("b", "gmm", "compressive", &cfg)
	for _, p := range testutil.Grid(20, 3) {
		if err := a.Add(p); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	syncAll(t, []storage.Storage{a})

	late := storage.MustNew("late", "gmm", "compressive", &cfg)
	if late.PutDiff(a.GetDiff()) {
		t.Fatal("late node accepted a diff against another base")
	}

	packed, err := a.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if err := late.Unpack(packed); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if err := b.Unpack(packed); err != nil {
		t.Fatalf("unpack: %v", err)
	}

	nodes := []storage.Storage{a, b, late}
	for i, n := range nodes {
		if err := n.Add(types.NewPoint([]float64{float64(i), 0, 0})); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	syncAll(t, nodes)
	assertConverged(t, nodes)
}
