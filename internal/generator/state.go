package generator

import (
	"sync"

	"github.com/signalforge/signalforge/internal/metrics"
)

// StreamState is the per (symbol, timeframe) lifecycle state
type StreamState int

const (
	StateWarmup StreamState = iota
	StateActive
	StateStale
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateWarmup:
		return "WARMUP"
	case StateActive:
		return "ACTIVE"
	case StateStale:
		return "STALE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type streamKey struct {
	symbol    string
	timeframe string
}

// stateTracker holds the per-stream state machine. Transitions:
// WARMUP -> ACTIVE once history fills; any state -> STALE when ticks stop;
// any state -> FAILED when no exchange is healthy; STALE/FAILED -> WARMUP or
// ACTIVE again when ticks resume, depending on history depth.
type stateTracker struct {
	mu     sync.RWMutex
	states map[streamKey]StreamState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[streamKey]StreamState)}
}

func (t *stateTracker) get(symbol, timeframe string) StreamState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[streamKey{symbol, timeframe}]
}

// set records a transition and mirrors it onto the state gauge
func (t *stateTracker) set(symbol, timeframe string, state StreamState) bool {
	key := streamKey{symbol, timeframe}
	t.mu.Lock()
	prev, ok := t.states[key]
	if ok && prev == state {
		t.mu.Unlock()
		return false
	}
	t.states[key] = state
	t.mu.Unlock()
	metrics.SetStreamState(symbol, timeframe, int(state))
	return true
}

// emitting reports whether the stream may emit candidates
func (t *stateTracker) emitting(symbol, timeframe string) bool {
	return t.get(symbol, timeframe) == StateActive
}
