// Package sync runs mix rounds across storages held in one process.
//
// A round follows the same three steps as a remote exchange:
//
//  1. Collect the diff of every node concurrently
//  2. Reduce the diffs with MixAll
//  3. Apply the mixed diff to every node
//
// Nodes on a base other than the first node's are left out of the mix, and
// nodes may reject the mixed diff. Both are realigned by unpacking the state
// of a node that accepted it. The round is retried with backoff when no node
// accepted.
package sync

import (
	"time"

	"github.com/xtxerr/coreset/internal/storage/types"
)

// Node is a participant in a mix round. Every storage.Storage satisfies it;
// use *storage.Locked when the node is written to concurrently.
type Node interface {
	Name() string
	GetDiff() *types.Diff
	PutDiff(d *types.Diff) bool
	Pack() ([]byte, error)
	Unpack(data []byte) error
}

// =============================================================================
// Results
// =============================================================================

// NodeResult holds the outcome of a round for one node.
type NodeResult struct {
	// Name of the node
	Name string

	// Points and Events of the node's diff
	Points int
	Events int

	// Mixed is set when the node's diff was part of the mix
	Mixed bool

	// Accepted is set when the node applied the mixed diff
	Accepted bool

	// Realigned is set when the node adopted the state of an accepting node
	// instead of applying the mixed diff
	Realigned bool
}

// RoundResult holds the result of a complete round.
type RoundResult struct {
	// Round is the sequence number assigned by the coordinator
	Round uint64

	// When the round started
	StartedAt time.Time

	// Total duration including retries
	Duration time.Duration

	// Attempts made, 1 when the first attempt succeeded
	Attempts int

	// Shape of the mixed diff
	BaseRevision uint64
	Span         uint64
	Points       int
	Events       int

	// Results by node name
	Nodes map[string]*NodeResult

	// Aggregated counts
	Accepted  int
	Realigned int
}

// Aggregate calculates totals from node results.
func (r *RoundResult) Aggregate() {
	r.Accepted = 0
	r.Realigned = 0

	for _, n := range r.Nodes {
		if n.Accepted {
			r.Accepted++
		}
		if n.Realigned {
			r.Realigned++
		}
	}
}

// Converged reports whether every node ended the round on the mixed state.
func (r *RoundResult) Converged() bool {
	return r.Accepted+r.Realigned == len(r.Nodes)
}
