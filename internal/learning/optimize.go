package learning

import (
	"math"
	"time"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/params"
)

// simulator replays the outcome window under a hypothetical parameter value
// and returns the weighted expectancy. ok is false when the value leaves too
// little data to judge; such perturbations are skipped.
type simulator func(value float64, recs []weightedOutcome) (perf float64, ok bool)

// tunable binds one parameter to its simulator and its sane bounds
type tunable struct {
	name string
	sim  simulator
	lo   float64
	hi   float64
}

// minEffectiveWeight is the smallest weighted sample mass a simulation must
// retain to be considered meaningful
const minEffectiveWeight = 3.0

// thresholdSim simulates an admission threshold: only outcomes whose
// snapshot carried at least the hypothetical value would have traded
func thresholdSim(feature string) simulator {
	return func(value float64, recs []weightedOutcome) (float64, bool) {
		var sumW, sumPnL float64
		for _, wo := range recs {
			v, ok := wo.rec.Features[feature]
			if !ok || v < value {
				continue
			}
			sumW += wo.weight
			sumPnL += wo.weight * wo.rec.PnLPct
		}
		if sumW < minEffectiveWeight {
			return 0, false
		}
		return sumPnL / sumW, true
	}
}

// perturbFactors is the small set of candidate multipliers tried per parameter
var perturbFactors = []float64{0.9, 0.95, 1.05, 1.1}

// Only admission thresholds are tunable: their counterfactual is exact (an
// outcome below the threshold simply would not have traded). Bracket
// multipliers cannot be replayed from outcome records because stop and
// take-profit hits are path-dependent within a bar.
func (l *Learner) tunables(current *params.Set) []tunable {
	return []tunable{
		{name: "min_strength", sim: thresholdSim("strength"), lo: 0.1, hi: 0.9},
		{name: "confidence_threshold", sim: thresholdSim("confidence"), lo: 0.1, hi: 0.95},
	}
}

// optimize evaluates perturbations of each tunable parameter against the
// time-weighted outcome window and publishes a new parameter set when at
// least one perturbation clears the minimum improvement bar
func (l *Learner) optimize(now time.Time) {
	_, current := l.store.Get(params.ConsumerGenerator)
	recs := weigh(l.hist.recent(l.opts.OptimizationWindow), now, l.opts.HalfLife)
	if len(recs) == 0 {
		return
	}

	next := current.Clone()
	changed := false
	for _, tn := range l.tunables(current) {
		base := current.Get(tn.name, 0)
		adopted, ok := l.bestPerturbation(tn, base, recs)
		if !ok {
			continue
		}
		next.Values[tn.name] = adopted
		changed = true
		l.log.Info().
			Str("parameter", tn.name).
			Float64("from", base).
			Float64("to", adopted).
			Msg("Perturbation adopted")
	}

	overlays := l.regimeOverlays(current, next, now)
	if len(overlays) > 0 {
		next.Overlays = overlays
		changed = true
	}

	if !changed {
		l.log.Debug().Int("outcomes", len(recs)).Msg("Optimization pass produced no improvement")
		return
	}

	next.CreatedAt = now
	version, err := l.store.Put(next)
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to publish optimized parameter set")
		return
	}
	metrics.OptimizationsAdopted.Inc()
	metrics.ParameterVersions.Set(float64(version))
}

// bestPerturbation returns the winning perturbed value for a tunable, or
// ok=false when no perturbation beats the current value by the improvement bar
func (l *Learner) bestPerturbation(tn tunable, base float64, recs []weightedOutcome) (float64, bool) {
	basePerf, ok := tn.sim(base, recs)
	if !ok {
		return 0, false
	}

	bestValue, bestPerf := base, basePerf
	for _, f := range perturbFactors {
		value := clamp(base*f, tn.lo, tn.hi)
		if value == base {
			continue
		}
		perf, ok := tn.sim(value, recs)
		if !ok {
			// simulation failure skips this perturbation only
			continue
		}
		if perf > bestPerf {
			bestValue, bestPerf = value, perf
		}
	}

	bar := math.Max(math.Abs(basePerf)*l.opts.MinImprovement, 0.01)
	if bestPerf-basePerf < bar {
		return 0, false
	}
	return bestValue, true
}

// regimeOverlays re-runs the tunables per market-regime partition and emits
// an overlay for each regime whose winning value diverges from the globally
// adopted one
func (l *Learner) regimeOverlays(current, next *params.Set, now time.Time) []params.Overlay {
	var overlays []params.Overlay
	for _, regime := range l.hist.regimes() {
		if regime == "" {
			continue
		}
		part := l.hist.forRegime(regime)
		if len(part) < l.opts.MinSignals {
			continue
		}
		recs := weigh(part, now, l.opts.HalfLife)
		values := make(map[string]float64)
		for _, tn := range l.tunables(current) {
			base := current.Get(tn.name, 0)
			adopted, ok := l.bestPerturbation(tn, base, recs)
			if !ok {
				continue
			}
			global := next.Get(tn.name, base)
			if math.Abs(adopted-global) > math.Abs(global)*0.01 {
				values[tn.name] = adopted
			}
		}
		if len(values) > 0 {
			overlays = append(overlays, params.Overlay{Scope: regime, Parameters: values})
		}
	}
	return overlays
}
