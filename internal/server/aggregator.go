package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/types"
	coresync "github.com/xtxerr/coreset/internal/sync"
	"github.com/xtxerr/coreset/internal/wire"
)

// round collects the diffs submitted while it is open. The fields below done
// are written once, before done is closed.
type round struct {
	id      uint64
	started time.Time
	diffs   map[string]*types.Diff
	timer   *time.Timer
	done    chan struct{}

	mixed        *types.Diff
	base         uint64
	participants int
	stale        map[string]bool
}

// Aggregator groups submissions into rounds. A round opens with the first
// submission and closes when the configured number of nodes submitted or its
// timeout expires. Every submitter then receives the same mixed diff.
//
// Only diffs on the round's base are mixed: the base revision shared by most
// submissions, the highest one on a tie. Other submitters get ErrStaleDiff.
type Aggregator struct {
	mu           sync.Mutex
	participants int
	timeout      time.Duration
	current      *round
	next         uint64

	metrics *Metrics
}

// NewAggregator creates an aggregator. metrics may be nil.
func NewAggregator(cfg RoundConfig, metrics *Metrics) *Aggregator {
	return &Aggregator{
		participants: cfg.Participants,
		timeout:      cfg.Timeout,
		metrics:      metrics,
	}
}

// Submit adds the diff of node to the open round and blocks until the round
// closes or ctx is done. A node can submit once per round.
func (a *Aggregator) Submit(ctx context.Context, node string, d *types.Diff) (*wire.Mixed, error) {
	if node == "" {
		return nil, errors.NewInvalidParameter("node", node, "is required")
	}
	if d == nil {
		return nil, errors.NewInvalidParameter("diff", nil, "is required")
	}

	a.mu.Lock()
	r := a.current
	if r == nil {
		r = a.open()
	}
	if _, dup := r.diffs[node]; dup {
		a.mu.Unlock()
		return nil, errors.NewInvalidParameter("node", node, "already submitted to this round")
	}
	r.diffs[node] = d
	if len(r.diffs) >= a.participants {
		a.close(r, "participants")
	}
	a.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		a.mu.Lock()
		if a.current == r {
			delete(r.diffs, node)
		}
		a.mu.Unlock()
		return nil, ctx.Err()
	}

	if r.stale[node] {
		return nil, fmt.Errorf("%w: base revision %d, round %d is on %d",
			errors.ErrStaleDiff, d.BaseRevision, r.id, r.base)
	}
	return &wire.Mixed{
		Round:        r.id,
		Participants: uint32(r.participants),
		Diff:         r.mixed,
	}, nil
}

// Rounds returns the number of rounds opened so far.
func (a *Aggregator) Rounds() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// open starts a round. Must be called with mu held.
func (a *Aggregator) open() *round {
	a.next++
	r := &round{
		id:      a.next,
		started: time.Now(),
		diffs:   make(map[string]*types.Diff),
		done:    make(chan struct{}),
	}
	r.timer = time.AfterFunc(a.timeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.current == r {
			a.close(r, "timeout")
		}
	})
	a.current = r

	log.Debug("round opened", "round", r.id)
	return r
}

// close mixes the round and releases its submitters. Must be called with mu
// held.
func (a *Aggregator) close(r *round, trigger string) {
	r.timer.Stop()
	a.current = nil
	defer close(r.done)

	if len(r.diffs) == 0 {
		return
	}

	counts := make(map[uint64]int)
	for _, d := range r.diffs {
		counts[d.BaseRevision]++
	}
	best := -1
	for base, n := range counts {
		if n > best || (n == best && base > r.base) {
			r.base, best = base, n
		}
	}

	nodes := make([]string, 0, len(r.diffs))
	for node := range r.diffs {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)

	r.stale = make(map[string]bool)
	inputs := make([]*types.Diff, 0, len(nodes))
	for _, node := range nodes {
		d := r.diffs[node]
		if d.BaseRevision != r.base {
			r.stale[node] = true
			continue
		}
		inputs = append(inputs, d)
	}

	// Mix cannot fail with a background context.
	r.mixed, _ = coresync.MixAll(context.Background(), inputs)
	r.participants = len(inputs)

	elapsed := time.Since(r.started)
	if a.metrics != nil {
		a.metrics.rounds.WithLabelValues(trigger).Inc()
		a.metrics.participants.Observe(float64(r.participants))
		a.metrics.roundTime.Observe(elapsed.Seconds())
		a.metrics.mixedSpan.Observe(float64(r.mixed.Span()))
	}

	log.Info("round closed",
		"round", r.id,
		"trigger", trigger,
		"participants", r.participants,
		"stale", len(r.stale),
		"base_revision", r.base,
		"span", r.mixed.Span(),
		"duration", elapsed)
}
