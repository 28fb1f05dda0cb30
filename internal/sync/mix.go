package sync

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/coreset/internal/storage"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// MixAll reduces diffs pairwise, mixing the pairs of each level in parallel.
// Mix is associative and commutative, so the result equals mixing the diffs
// one after another. Nil entries are skipped; MixAll returns nil when every
// entry is nil.
func MixAll(ctx context.Context, diffs []*types.Diff) (*types.Diff, error) {
	level := make([]*types.Diff, 0, len(diffs))
	for _, d := range diffs {
		if d != nil {
			level = append(level, d)
		}
	}

	switch len(level) {
	case 0:
		return nil, nil
	case 1:
		return storage.Mix(level[0], nil), nil
	}

	for len(level) > 1 {
		next := make([]*types.Diff, (len(level)+1)/2)

		g, ctx := errgroup.WithContext(ctx)
		for i := range next {
			lhs := level[2*i]
			var rhs *types.Diff
			if 2*i+1 < len(level) {
				rhs = level[2*i+1]
			}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				next[i] = storage.Mix(lhs, rhs)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		level = next
	}

	return level[0], nil
}
