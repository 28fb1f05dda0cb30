// Package backpressure grades the fill of the ingest queue into levels with
// hysteresis, so producers can slow down or shed points before the queue
// stalls them.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/coreset/internal/storage/config"
)

// Level is how full the ingest queue is, graded against the configured
// thresholds.
type Level int

const (
	// LevelNormal - the queue keeps up with producers.
	LevelNormal Level = iota

	// LevelWarning - points arrive faster than batches are written.
	LevelWarning

	// LevelCritical - producers are delayed before enqueueing.
	LevelCritical

	// LevelEmergency - incoming points may be shed.
	LevelEmergency

	numLevels
)

// maxThrottleDelay is the delay applied to a producer when no points are
// admitted at all.
const maxThrottleDelay = 100 * time.Millisecond

var levelInfo = [numLevels]struct {
	name  string
	admit float64
}{
	LevelNormal:    {"normal", 1.0},
	LevelWarning:   {"warning", 0.9},
	LevelCritical:  {"critical", 0.5},
	LevelEmergency: {"emergency", 0.1},
}

func (l Level) String() string {
	if l < 0 || l >= numLevels {
		return "unknown"
	}
	return levelInfo[l].name
}

// Gauge reports how full the queue is, between 0 and 1.
type Gauge interface {
	UsageRatio() float64
}

// GaugeFunc adapts a function to a Gauge.
type GaugeFunc func() float64

// UsageRatio calls f.
func (f GaugeFunc) UsageRatio() float64 { return f() }

// Controller tracks the queue level. The level rises as soon as the queue
// crosses a threshold and falls one step at a time once the fill drops below
// the current threshold minus the hysteresis.
type Controller struct {
	mu sync.Mutex

	config config.BackpressureConfig
	gauge  Gauge

	level     atomic.Int32
	current   Level
	changedAt time.Time

	levelChanges    int64
	entered         [numLevels]int64
	pointsDropped   int64
	throttleSeconds float64

	onLevelChange func(old, new Level)
}

// Stats is a snapshot of the controller.
type Stats struct {
	Level           Level
	QueueUsage      float64
	LevelChanges    int64
	Entered         [numLevels]int64
	PointsDropped   int64
	ThrottleSeconds float64
}

// New returns a controller reading the queue fill from g.
func New(cfg config.BackpressureConfig, g Gauge) *Controller {
	return &Controller{
		config: cfg,
		gauge:  g,
	}
}

// SetOnLevelChange registers fn to run on every level change. It runs with
// the controller locked and must not call back into it.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check samples the queue fill and updates the level. A level is held for
// the configured cooldown after it changed.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.changedAt.IsZero() && now.Sub(c.changedAt) < c.config.Cooldown {
		return c.current
	}

	next := c.nextLevel(c.gauge.UsageRatio())
	if next != c.current {
		c.setLevel(next)
		c.changedAt = now
	}
	return next
}

func (c *Controller) threshold(l Level) float64 {
	switch l {
	case LevelWarning:
		return c.config.Warning
	case LevelCritical:
		return c.config.Critical
	case LevelEmergency:
		return c.config.Emergency
	default:
		return 0
	}
}

func (c *Controller) nextLevel(usage float64) Level {
	raw := LevelNormal
	for l := LevelEmergency; l > LevelNormal; l-- {
		if usage >= c.threshold(l) {
			raw = l
			break
		}
	}

	switch {
	case raw >= c.current:
		return raw
	case usage < c.threshold(c.current)-c.config.Hysteresis:
		return c.current - 1
	default:
		return c.current
	}
}

func (c *Controller) setLevel(next Level) {
	old := c.current
	c.current = next
	c.level.Store(int32(next))
	c.levelChanges++
	c.entered[next]++

	if c.onLevelChange != nil {
		c.onLevelChange(old, next)
	}
}

// CurrentLevel returns the level of the last check.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldDrop reports whether incoming points may be shed.
func (c *Controller) ShouldDrop() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldThrottle reports whether producers should wait before enqueueing.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// AdmitRatio is the share of the normal ingest rate the current level
// admits, 1 meaning unthrottled.
func (c *Controller) AdmitRatio() float64 {
	l := c.CurrentLevel()
	if l < 0 || l >= numLevels {
		return 1
	}
	return levelInfo[l].admit
}

// ThrottleDelay returns how long a producer should wait before its next
// batch of points.
func (c *Controller) ThrottleDelay() time.Duration {
	admit := c.AdmitRatio()
	if admit >= 1 {
		return 0
	}
	delay := time.Duration(float64(maxThrottleDelay) * (1 - admit))

	c.mu.Lock()
	c.throttleSeconds += delay.Seconds()
	c.mu.Unlock()

	return delay
}

// RecordDrop counts n shed points.
func (c *Controller) RecordDrop(n int) {
	c.mu.Lock()
	c.pointsDropped += int64(n)
	c.mu.Unlock()
}

// Stats returns a snapshot including the current queue fill.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Level:           c.CurrentLevel(),
		QueueUsage:      c.gauge.UsageRatio(),
		LevelChanges:    c.levelChanges,
		Entered:         c.entered,
		PointsDropped:   c.pointsDropped,
		ThrottleSeconds: c.throttleSeconds,
	}
}

// IsEnabled reports whether the controller grades the queue at all.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
