// Package preeval vets the raw candidate stream before the execution
// policy: lane routing, duplicate suppression, cross-symbol correlation,
// and the weighted quality gate. Every step is a pure function over its
// inputs; a step failure routes the candidate to the dead-letter channel
// instead of blocking the pipeline.
package preeval

import (
	"sync"
	"time"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
)

// Lane labels
const (
	LaneExpress  = "express"
	LaneStandard = "standard"
	LaneDeep     = "deep"
)

// router picks the processing lane from the candidate's quality
// fingerprint, market stress, and strategy ambiguity. Under load it
// degrades deep to standard and standard to express, recording the cause.
type router struct {
	expressThreshold float64
	stressThreshold  float64
	highWatermark    int
	// loadFn reports the current inbound queue depth
	loadFn func() int

	mu     sync.Mutex
	recent map[string]recentEmission // per symbol, for ambiguity detection
}

type recentEmission struct {
	direction model.Direction
	strategy  string
	at        time.Time
}

func newRouter(expressThreshold, stressThreshold float64, highWatermark int, loadFn func() int) *router {
	if loadFn == nil {
		loadFn = func() int { return 0 }
	}
	return &router{
		expressThreshold: expressThreshold,
		stressThreshold:  stressThreshold,
		highWatermark:    highWatermark,
		loadFn:           loadFn,
		recent:           make(map[string]recentEmission),
	}
}

// route returns the lane for a candidate
func (r *router) route(c *model.SignalCandidate) string {
	lane := LaneStandard
	load := r.loadFn()
	overloaded := r.highWatermark > 0 && load > r.highWatermark

	switch {
	case c.MarketStress > r.stressThreshold || r.ambiguous(c):
		lane = LaneDeep
	case r.allAbove(c.Quality, r.expressThreshold) && !overloaded:
		lane = LaneExpress
	}

	// load shedding: one lane downward per degradation event
	if overloaded {
		switch lane {
		case LaneDeep:
			lane = LaneStandard
			metrics.LaneDegradations.WithLabelValues("queue_depth").Inc()
		case LaneStandard:
			lane = LaneExpress
			metrics.LaneDegradations.WithLabelValues("queue_depth").Inc()
		}
	}

	metrics.LaneUtilization.WithLabelValues(lane).Inc()
	return lane
}

// ambiguous reports conflicting strategies on the same symbol within a
// short window, which forces the deep lane
func (r *router) ambiguous(c *model.SignalCandidate) bool {
	const window = time.Minute

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, seen := r.recent[c.Symbol]
	r.recent[c.Symbol] = recentEmission{direction: c.Direction, strategy: c.Strategy, at: c.EmittedAt}

	return seen &&
		prev.strategy != c.Strategy &&
		prev.direction != c.Direction &&
		c.EmittedAt.Sub(prev.at) <= window
}

func (r *router) allAbove(q model.QualityScores, threshold float64) bool {
	return q.DataCompleteness >= threshold &&
		q.SignalClarity >= threshold &&
		q.Confidence >= threshold &&
		q.VolatilityFit >= threshold &&
		q.LiquidityFit >= threshold
}

// budget returns the per-candidate time budget for a lane
func budget(lane string) time.Duration {
	switch lane {
	case LaneExpress:
		return 3 * time.Millisecond
	case LaneDeep:
		return 35 * time.Millisecond
	default:
		return 8 * time.Millisecond
	}
}
