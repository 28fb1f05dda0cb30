package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	defaults "github.com/xtxerr/coreset/config"
	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/logging"
	"github.com/xtxerr/coreset/internal/storage/types"
)

var log = logging.Component("sync")

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator runs mix rounds over a fixed set of nodes.
//
// Rounds are serialized. The base revision of the first registered node is
// the reference of a round: nodes on another base sit out the mix and adopt
// the mixed state afterwards, as do nodes that reject the mixed diff.
type Coordinator struct {
	mu    sync.Mutex
	nodes []Node
	round uint64

	opts  Options
	group singleflight.Group
}

// Options configures retries of rejected rounds.
type Options struct {
	// MaxAttempts bounds the attempts of one round
	MaxAttempts int

	// InitialBackoff is the first retry delay
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration
}

// DefaultOptions returns the default retry options.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    defaults.DefaultMaxSyncAttempts,
		InitialBackoff: defaults.DefaultSyncInitialBackoff,
		MaxBackoff:     defaults.DefaultSyncMaxBackoff,
	}
}

// NewCoordinator creates a coordinator. A nil opts uses DefaultOptions.
func NewCoordinator(opts *Options) *Coordinator {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	return &Coordinator{opts: o}
}

// =============================================================================
// Node Registration
// =============================================================================

// Register adds a node. Names must be unique.
func (c *Coordinator) Register(n Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.nodes {
		if existing.Name() == n.Name() {
			return errors.NewInvalidParameter("node", n.Name(), "already registered")
		}
	}

	c.nodes = append(c.nodes, n)

	log.Debug("node registered", "node", n.Name(), "nodes", len(c.nodes))
	return nil
}

// Nodes returns the registered node names in registration order.
func (c *Coordinator) Nodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, len(c.nodes))
	for i, n := range c.nodes {
		names[i] = n.Name()
	}
	return names
}

// =============================================================================
// Round Execution
// =============================================================================

// Trigger runs a round, or joins the round already started by a concurrent
// Trigger call. Callers that join share its result.
func (c *Coordinator) Trigger(ctx context.Context) (*RoundResult, error) {
	v, err, shared := c.group.Do("round", func() (interface{}, error) {
		return c.Round(ctx)
	})
	if shared {
		log.Debug("round request coalesced")
	}
	if v == nil {
		return nil, err
	}
	return v.(*RoundResult), err
}

// Round runs one mix round. It fails with ErrNoParticipants when no node is
// registered and with ErrStaleDiff when every attempt was rejected by every
// node.
func (c *Coordinator) Round(ctx context.Context) (*RoundResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.nodes) == 0 {
		return nil, errors.ErrNoParticipants
	}

	c.round++
	ctx = logging.ContextWithRound(ctx, c.round)
	result := &RoundResult{
		Round:     c.round,
		StartedAt: time.Now(),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	operation := func() error {
		result.Attempts++
		err := c.attempt(ctx, result)
		if err != nil && !errors.Is(err, errors.ErrStaleDiff) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logging.WithContext(ctx).Warn("round rejected, retrying",
			"attempt", result.Attempts,
			"wait", wait,
			"error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)

	result.Duration = time.Since(result.StartedAt)
	result.Aggregate()

	if err != nil {
		logging.WithContext(ctx).Error("round failed", "attempts", result.Attempts, "error", err)
		return result, err
	}

	logging.WithContext(ctx).Info("round completed",
		"duration", result.Duration,
		"nodes", len(result.Nodes),
		"points", result.Points,
		"events", result.Events,
		"realigned", result.Realigned)

	return result, nil
}

// attempt collects, mixes and applies once. It returns ErrStaleDiff when no
// node accepted the mixed diff.
func (c *Coordinator) attempt(ctx context.Context, result *RoundResult) error {
	diffs := make([]*types.Diff, len(c.nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range c.nodes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			diffs[i] = n.GetDiff()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("collect diffs: %w", err)
	}

	base := diffs[0].BaseRevision
	inputs := make([]*types.Diff, len(diffs))
	for i, d := range diffs {
		if d.BaseRevision == base {
			inputs[i] = d
		}
	}

	mixed, err := MixAll(ctx, inputs)
	if err != nil {
		return fmt.Errorf("mix diffs: %w", err)
	}

	result.BaseRevision = mixed.BaseRevision
	result.Span = mixed.Span()
	result.Points = len(mixed.NewPoints)
	result.Events = len(mixed.Events)
	result.Nodes = make(map[string]*NodeResult, len(c.nodes))

	accepted := make([]bool, len(c.nodes))
	g, gctx = errgroup.WithContext(ctx)
	for i, n := range c.nodes {
		if inputs[i] == nil {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			accepted[i] = n.PutDiff(mixed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("apply diff: %w", err)
	}

	source := -1
	for i, n := range c.nodes {
		result.Nodes[n.Name()] = &NodeResult{
			Name:     n.Name(),
			Points:   len(diffs[i].NewPoints),
			Events:   len(diffs[i].Events),
			Mixed:    inputs[i] != nil,
			Accepted: accepted[i],
		}
		if accepted[i] && source < 0 {
			source = i
		}
	}

	if source < 0 {
		return fmt.Errorf("%w: no node accepted base revision %d", errors.ErrStaleDiff, mixed.BaseRevision)
	}

	for i, n := range c.nodes {
		if accepted[i] {
			continue
		}
		if err := c.copyState(c.nodes[source], n); err != nil {
			return err
		}
		result.Nodes[n.Name()].Realigned = true

		if inputs[i] == nil {
			log.Warn("node realigned from another base",
				"node", n.Name(),
				"from", c.nodes[source].Name(),
				"base_revision", diffs[i].BaseRevision,
				"discarded_points", len(diffs[i].NewPoints))
		}
	}

	return nil
}

func (c *Coordinator) copyState(from, to Node) error {
	packed, err := from.Pack()
	if err != nil {
		return fmt.Errorf("pack %s: %w", from.Name(), err)
	}
	if err := to.Unpack(packed); err != nil {
		return fmt.Errorf("unpack into %s: %w", to.Name(), err)
	}
	return nil
}
