package node

import (
	"sync"
	"time"
)

const (
	// HealthUnknown means no sync has been attempted yet.
	HealthUnknown = "unknown"

	// HealthUp means the last sync succeeded.
	HealthUp = "up"

	// HealthDegraded means recent syncs failed but fewer than downAfter.
	HealthDegraded = "degraded"

	// HealthDown means downAfter or more consecutive syncs failed.
	HealthDown = "down"
)

// downAfter is the number of consecutive failures after which a node is down.
const downAfter = 3

// Health tracks the outcome of a node's sync rounds.
//
// Health is safe for concurrent use.
type Health struct {
	mu                  sync.RWMutex
	state               string
	lastError           string
	consecutiveFailures int
	rounds              int64
	failures            int64
	lastRound           uint64
	lastSyncAt          *time.Time
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
}

// NewHealth creates a health tracker in the unknown state.
func NewHealth() *Health {
	return &Health{state: HealthUnknown}
}

// RecordSuccess records a completed round.
func (h *Health) RecordSuccess(round uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.lastSyncAt = &now
	h.lastSuccessAt = &now
	h.lastRound = round
	h.lastError = ""
	h.consecutiveFailures = 0
	h.rounds++
	h.state = HealthUp
}

// RecordFailure records a failed round.
func (h *Health) RecordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.lastSyncAt = &now
	h.lastFailureAt = &now
	h.lastError = err.Error()
	h.consecutiveFailures++
	h.failures++

	if h.consecutiveFailures >= downAfter {
		h.state = HealthDown
	} else {
		h.state = HealthDegraded
	}
}

// HealthSnapshot is a point-in-time copy of Health.
type HealthSnapshot struct {
	State               string
	LastError           string
	ConsecutiveFailures int
	Rounds              int64
	Failures            int64
	LastRound           uint64
	LastSyncAt          *time.Time
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
}

// Snapshot returns a copy of the current health.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return HealthSnapshot{
		State:               h.state,
		LastError:           h.lastError,
		ConsecutiveFailures: h.consecutiveFailures,
		Rounds:              h.rounds,
		Failures:            h.failures,
		LastRound:           h.lastRound,
		LastSyncAt:          copyTime(h.lastSyncAt),
		LastSuccessAt:       copyTime(h.lastSuccessAt),
		LastFailureAt:       copyTime(h.lastFailureAt),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
