// Package learning closes the feedback loop: it ingests outcome records from
// the execution policy, discovers recurring market patterns, and evolves the
// shared parameter set through the versioned store.
package learning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/params"
)

// Stage is the learner's volume-gated operating stage
type Stage string

const (
	StageCollecting Stage = "COLLECTING"
	StageAdapting   Stage = "ADAPTING"
)

// Options configure the learner cadence and thresholds
type Options struct {
	// MinSignals gates all parameter changes; below it only metrics move
	MinSignals int
	// DiscoveryInterval triggers pattern discovery every N outcomes
	DiscoveryInterval int
	// OptimizationInterval triggers parameter optimization every N outcomes
	OptimizationInterval int
	// OptimizationWindow bounds how many recent outcomes feed one pass
	OptimizationWindow int
	// HalfLife decays outcome weight with age
	HalfLife time.Duration
	// MinImprovement is the relative bar a perturbation must clear
	MinImprovement float64

	HistoryLimit       int
	MinPatternSamples  int
	PatternSuccessRate float64
	WeightStep         float64

	// Persist receives every accepted outcome; optional
	Persist OutcomeStore
}

func (o *Options) defaults() {
	if o.MinSignals <= 0 {
		o.MinSignals = 50
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 50
	}
	if o.OptimizationInterval <= 0 {
		o.OptimizationInterval = 200
	}
	if o.OptimizationWindow <= 0 {
		o.OptimizationWindow = 500
	}
	if o.HalfLife <= 0 {
		o.HalfLife = 12 * time.Hour
	}
	if o.MinImprovement <= 0 {
		o.MinImprovement = 0.03
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 5000
	}
	if o.MinPatternSamples <= 0 {
		o.MinPatternSamples = 5
	}
	if o.PatternSuccessRate <= 0 {
		o.PatternSuccessRate = 0.6
	}
	if o.WeightStep <= 0 {
		o.WeightStep = 0.1
	}
}

// Learner is the adaptive learning phase
type Learner struct {
	opts  Options
	store *params.Store
	hist  *history

	mu sync.Mutex
	// seen dedups outcome ids over a bounded horizon; seenOrder is its
	// FIFO eviction order
	seen      map[uuid.UUID]struct{}
	seenOrder []uuid.UUID
	total     int
	weights   map[string]float64
	patterns  []Pattern

	log zerolog.Logger
}

func New(store *params.Store, opts Options) *Learner {
	opts.defaults()
	return &Learner{
		opts:    opts,
		store:   store,
		hist:    newHistory(opts.HistoryLimit),
		seen:    make(map[uuid.UUID]struct{}),
		weights: make(map[string]float64),
		log:     log.With().Str("component", "learning").Logger(),
	}
}

// Stage reports COLLECTING until enough outcomes have accumulated
func (l *Learner) Stage() Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total < l.opts.MinSignals {
		return StageCollecting
	}
	return StageAdapting
}

// Record ingests one outcome. Recording the same outcome id twice is a no-op,
// so replays after a crash produce the same parameter transitions.
func (l *Learner) Record(ctx context.Context, rec *model.OutcomeRecord) {
	l.mu.Lock()
	if _, dup := l.seen[rec.ID]; dup {
		l.mu.Unlock()
		return
	}
	l.seen[rec.ID] = struct{}{}
	l.seenOrder = append(l.seenOrder, rec.ID)
	// the dedup horizon is twice the analysis window; ids older than that
	// can no longer influence a learning pass
	if limit := l.opts.HistoryLimit * 2; len(l.seenOrder) > limit {
		delete(l.seen, l.seenOrder[0])
		l.seenOrder = l.seenOrder[1:]
	}
	l.total++
	total := l.total
	l.mu.Unlock()

	l.hist.append(rec)
	metrics.OutcomesRecorded.Inc()

	if l.opts.Persist != nil {
		if err := l.opts.Persist.AppendOutcome(ctx, rec); err != nil {
			l.log.Warn().Err(err).Str("outcome", rec.ID.String()).Msg("Outcome persistence failed")
		}
	}

	if total < l.opts.MinSignals {
		return
	}
	if total%l.opts.DiscoveryInterval == 0 {
		l.discover()
	}
	if total%l.opts.OptimizationInterval == 0 {
		l.optimize(time.Now().UTC())
	}
}

// Run consumes the policy's outcome channel until it closes or the context ends
func (l *Learner) Run(ctx context.Context, outcomes <-chan *model.OutcomeRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-outcomes:
			if !ok {
				return
			}
			l.Record(ctx, rec)
		}
	}
}

// CurrentParameters returns the active version and set for a consumer
func (l *Learner) CurrentParameters(consumer params.Consumer) (int64, *params.Set) {
	return l.store.Get(consumer)
}

// Publish pushes a parameter set through the store, notifying subscribers
func (l *Learner) Publish(set *params.Set) (int64, error) {
	version, err := l.store.Put(set)
	if err != nil {
		return 0, err
	}
	metrics.ParameterVersions.Set(float64(version))
	return version, nil
}

// Recorded reports how many distinct outcomes have been ingested
func (l *Learner) Recorded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
