package preeval

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/params"
)

// DropReason explains why pre-evaluation rejected a candidate
type DropReason string

const (
	DropNone         DropReason = ""
	DropValidation   DropReason = "validation"
	DropDuplicate    DropReason = "duplicate"
	DropQualityFloor DropReason = "quality_floor"
	DropInternal     DropReason = "internal"
)

// DeadLetter carries a candidate that hit an internal failure
type DeadLetter struct {
	Candidate *model.SignalCandidate
	Err       error
	At        time.Time
}

// Options configure the pre-evaluator
type Options struct {
	DedupWindow         time.Duration
	DedupSimilarity     float64
	DiversityThreshold  int
	CorrelationCutoff   float64
	CorrelationBars     int
	QualityFloor        float64
	ExpressThreshold    float64
	StressThreshold     float64
	HighWatermark       int
	ReinforcementWindow time.Duration
}

// Snapshot is the state exposed by Metrics
type Snapshot struct {
	Suppressed uint64 `json:"suppressed"`
	Tracked    int    `json:"tracked"`
	DeadDepth  int    `json:"dead_letter_depth"`
}

// PreEvaluator is the P2 phase: route, deduplicate, correlate, gate
type PreEvaluator struct {
	opts   Options
	router *router
	dedup  *deduper
	corr   *correlator
	reinf  *reinforcer

	active atomic.Pointer[params.Set]
	dead   chan DeadLetter
	log    zerolog.Logger
}

// New builds a pre-evaluator. loadFn reports the inbound queue depth for
// lane degradation; nil means never overloaded.
func New(opts Options, initial *params.Set, loadFn func() int) *PreEvaluator {
	if opts.QualityFloor <= 0 {
		opts.QualityFloor = 0.4
	}
	if opts.ExpressThreshold <= 0 {
		opts.ExpressThreshold = 0.8
	}
	if opts.StressThreshold <= 0 {
		opts.StressThreshold = 0.05
	}
	p := &PreEvaluator{
		opts:   opts,
		router: newRouter(opts.ExpressThreshold, opts.StressThreshold, opts.HighWatermark, loadFn),
		dedup:  newDeduper(opts.DedupWindow, opts.DedupSimilarity, opts.DiversityThreshold),
		corr:   newCorrelator(opts.CorrelationCutoff, opts.CorrelationBars, opts.DedupWindow),
		reinf:  newReinforcer(opts.ReinforcementWindow, 0),
		dead:   make(chan DeadLetter, 64),
		log:    log.With().Str("component", "preeval").Logger(),
	}
	if initial == nil {
		initial = params.Default()
	}
	p.active.Store(initial)
	return p
}

// Process vets one candidate. The returned candidate is nil exactly when
// the drop reason is non-empty. Internal failures never propagate; the
// candidate lands on the dead-letter channel instead.
func (p *PreEvaluator) Process(ctx context.Context, c *model.SignalCandidate) (v *model.VettedCandidate, reason DropReason) {
	defer func() {
		if r := recover(); r != nil {
			v, reason = nil, DropInternal
			p.toDeadLetter(c, fmt.Errorf("pre-evaluation panic: %v", r))
		}
	}()
	if err := ctx.Err(); err != nil {
		p.toDeadLetter(c, err)
		return nil, DropInternal
	}

	start := time.Now()

	if err := c.Validate(); err != nil {
		metrics.RecordDrop("p2", string(DropValidation))
		return nil, DropValidation
	}

	lane := p.router.route(c)

	if !p.dedup.check(c) {
		metrics.RecordDrop("p2", string(DropDuplicate))
		return nil, DropDuplicate
	}

	ps := p.active.Load()
	score := composite(c.Quality, ps, c.Symbol)
	if score < p.opts.QualityFloor {
		metrics.RecordDrop("p2", string(DropQualityFloor))
		return nil, DropQualityFloor
	}

	vetted := &model.VettedCandidate{
		SignalCandidate: *c,
		Composite:       score,
		Lane:            lane,
	}
	vetted.Band = band(score)

	if p.corr.adjudicate(vetted) == corrDemoted {
		// demoted candidates get a second chance via price confirmation
		p.reinf.track(vetted)
	} else if vetted.Band == model.BandLow {
		p.reinf.track(vetted)
	}

	if elapsed := time.Since(start); elapsed > budget(lane) {
		p.log.Debug().
			Str("lane", lane).
			Dur("elapsed", elapsed).
			Str("candidate", c.ID).
			Msg("Lane budget exceeded")
	}

	metrics.CandidatesEmitted.WithLabelValues("p2").Inc()
	return vetted, DropNone
}

// ObserveBar feeds a bar close into the correlation windows and the
// reinforcement tracker
func (p *PreEvaluator) ObserveBar(symbol string, close float64, at time.Time) {
	p.corr.observe(symbol, close)
	p.reinf.observe(symbol, close, at)
}

// Reinforced streams candidates re-promoted after price confirmation
func (p *PreEvaluator) Reinforced() <-chan *model.VettedCandidate {
	return p.reinf.reinforced()
}

// DeadLetters streams candidates that hit internal failures
func (p *PreEvaluator) DeadLetters() <-chan DeadLetter {
	return p.dead
}

// ReloadParameters swaps the parameter set used for quality weighting
func (p *PreEvaluator) ReloadParameters(ps *params.Set) {
	if ps == nil {
		return
	}
	p.active.Store(ps)
	p.log.Info().Int64("version", ps.Version).Msg("Pre-evaluation parameters reloaded")
}

// Metrics returns a point-in-time snapshot of internal counters
func (p *PreEvaluator) Metrics() Snapshot {
	return Snapshot{
		Suppressed: p.dedup.suppressedCount(),
		Tracked:    p.reinf.trackedCount(),
		DeadDepth:  len(p.dead),
	}
}

func (p *PreEvaluator) toDeadLetter(c *model.SignalCandidate, err error) {
	metrics.RecordDrop("p2", string(DropInternal))
	letter := DeadLetter{Candidate: c, Err: err, At: time.Now().UTC()}
	select {
	case p.dead <- letter:
	default:
		p.log.Error().Err(err).Str("candidate", c.ID).Msg("Dead-letter channel full, letter discarded")
	}
}
