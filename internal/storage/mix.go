package storage

import (
	"github.com/xtxerr/coreset/internal/storage/types"
)

// Mix merges two diffs into one. Points and events are concatenated and put
// in canonical order, so Mix is associative and commutative. The result
// applies to the older of the two bases. Neither input is modified; a nil
// side yields a copy of the other.
func Mix(lhs, rhs *types.Diff) *types.Diff {
	switch {
	case lhs == nil:
		return rhs.Clone()
	case rhs == nil:
		return lhs.Clone()
	}

	out := &types.Diff{
		BaseRevision: min(lhs.BaseRevision, rhs.BaseRevision),
	}

	if n := len(lhs.NewPoints) + len(rhs.NewPoints); n > 0 {
		out.NewPoints = make([]types.WeightedPoint, 0, n)
		out.NewPoints = append(out.NewPoints, types.ClonePoints(lhs.NewPoints)...)
		out.NewPoints = append(out.NewPoints, types.ClonePoints(rhs.NewPoints)...)
	}
	if n := len(lhs.Events) + len(rhs.Events); n > 0 {
		out.Events = make([]types.CompressionEvent, 0, n)
		for _, e := range lhs.Events {
			out.Events = append(out.Events, e.Clone())
		}
		for _, e := range rhs.Events {
			out.Events = append(out.Events, e.Clone())
		}
	}

	out.Canonicalize()
	return out
}
