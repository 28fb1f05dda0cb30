package client

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	defaults "github.com/xtxerr/coreset/config"
	"github.com/xtxerr/coreset/internal/errors"
	coresync "github.com/xtxerr/coreset/internal/sync"
)

// SyncOptions controls retries of a remote exchange.
type SyncOptions struct {
	// MaxAttempts bounds the exchanges per Sync call.
	MaxAttempts int

	// Backoff between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Timeout bounds a single exchange. Zero uses the client's request
	// timeout.
	Timeout time.Duration
}

// DefaultSyncOptions returns the default retry settings.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		MaxAttempts:    defaults.DefaultMaxSyncAttempts,
		InitialBackoff: defaults.DefaultSyncInitialBackoff,
		MaxBackoff:     defaults.DefaultSyncMaxBackoff,
	}
}

// SyncResult describes a completed remote exchange.
type SyncResult struct {
	Round        uint64
	Participants int
	Attempts     int
	Duration     time.Duration

	// Points and Events of the local diff that was sent
	Points int
	Events int

	// Span of the mixed diff that was applied
	Span uint64
}

// Sync sends the diff of node to the aggregator and applies the mixed diff.
//
// Lost connections are redialed and stale rounds retried. A node that
// rejects the mixed diff counts as stale. The caller must not add to node
// while Sync runs: the mixed diff replaces everything since the node's base.
func (c *Client) Sync(ctx context.Context, node coresync.Node, opts SyncOptions) (*SyncResult, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	var result *SyncResult
	start := time.Now()
	attempts := 0

	operation := func() error {
		attempts++

		switch c.getState() {
		case StateClosed, StateClosing:
			return backoff.Permanent(ErrClientClosed)
		case StateDisconnected:
			if err := c.Reconnect(ctx); err != nil {
				return err
			}
		}

		exCtx := ctx
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			exCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		d := node.GetDiff()
		mixed, err := c.Exchange(exCtx, node.Name(), d)
		if err != nil {
			if ctx.Err() != nil || !errors.IsRetriable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if mixed.Diff == nil || !node.PutDiff(mixed.Diff) {
			return fmt.Errorf("%w: node %s rejected the mix of round %d", errors.ErrStaleDiff, node.Name(), mixed.Round)
		}

		result = &SyncResult{
			Round:        mixed.Round,
			Participants: int(mixed.Participants),
			Points:       len(d.NewPoints),
			Events:       len(d.Events),
			Span:         mixed.Diff.Span(),
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialBackoff
	bo.MaxInterval = opts.MaxBackoff
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(opts.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		log.Warn("exchange failed, retrying",
			"node", node.Name(),
			"attempt", attempts,
			"wait", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, fmt.Errorf("sync %s after %d attempt(s): %w", node.Name(), attempts, err)
	}

	result.Attempts = attempts
	result.Duration = time.Since(start)

	log.Info("synchronized",
		"node", node.Name(),
		"round", result.Round,
		"participants", result.Participants,
		"span", result.Span,
		"attempts", attempts,
		"duration", result.Duration)

	return result, nil
}

// SyncEvery runs Sync every interval until ctx is done. Failed rounds are
// logged and reported to onRound, which may be nil.
func (c *Client) SyncEvery(ctx context.Context, node coresync.Node, interval time.Duration, opts SyncOptions, onRound func(*SyncResult, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		res, err := c.Sync(ctx, node, opts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClientClosed) {
				return err
			}
			log.Error("sync round failed", "node", node.Name(), "error", err)
		}
		if onRound != nil {
			onRound(res, err)
		}
	}
}
