package learning

import (
	"fmt"
	"math"
	"sort"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
)

// Pattern is a surfaced cluster of similar outcomes
type Pattern struct {
	Key         string  `json:"key"`
	Strategy    string  `json:"strategy"`
	Samples     int     `json:"samples"`
	SuccessRate float64 `json:"success_rate"`
	AvgPnLPct   float64 `json:"avg_pnl_pct"`
}

// featureBucket discretizes one feature value into a coarse band so
// near-identical market contexts cluster together
func featureBucket(name string, v float64) string {
	if math.IsNaN(v) {
		return name + ":na"
	}
	switch name {
	case "rsi_14":
		switch {
		case v < 30:
			return "rsi:oversold"
		case v > 70:
			return "rsi:overbought"
		default:
			return "rsi:mid"
		}
	case "macd_hist":
		if v >= 0 {
			return "macd:bull"
		}
		return "macd:bear"
	case "vol_ratio":
		switch {
		case v > 0.05:
			return "vol:high"
		case v > 0.02:
			return "vol:mid"
		default:
			return "vol:low"
		}
	default:
		return fmt.Sprintf("%s:%d", name, int(v*10))
	}
}

func clusterKey(rec *model.OutcomeRecord) string {
	key := rec.Strategy
	for _, name := range []string{"rsi_14", "macd_hist", "vol_ratio"} {
		if v, ok := rec.Features[name]; ok {
			key += "|" + featureBucket(name, v)
		}
	}
	return key
}

// discover clusters the recent outcome window by strategy and discretized
// feature snapshot, surfaces high-confidence clusters, and nudges the
// per-strategy weights. It never publishes a parameter set.
func (l *Learner) discover() {
	recs := l.hist.recent(l.opts.OptimizationWindow)
	type cluster struct {
		strategy string
		wins     int
		total    int
		pnl      float64
	}
	clusters := make(map[string]*cluster)
	for _, rec := range recs {
		key := clusterKey(rec)
		c, ok := clusters[key]
		if !ok {
			c = &cluster{strategy: rec.Strategy}
			clusters[key] = c
		}
		c.total++
		c.pnl += rec.PnLPct
		if rec.PnLPct > 0 {
			c.wins++
		}
	}

	var found []Pattern
	for key, c := range clusters {
		if c.total < l.opts.MinPatternSamples {
			continue
		}
		rate := float64(c.wins) / float64(c.total)
		if rate >= l.opts.PatternSuccessRate {
			found = append(found, Pattern{
				Key:         key,
				Strategy:    c.strategy,
				Samples:     c.total,
				SuccessRate: rate,
				AvgPnLPct:   c.pnl / float64(c.total),
			})
			metrics.PatternsDiscovered.Inc()
		}
		// weight nudges pull toward strategies whose clusters resolve
		// decisively in either direction
		l.nudgeWeight(c.strategy, rate)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].SuccessRate > found[j].SuccessRate })

	l.mu.Lock()
	l.patterns = found
	l.mu.Unlock()

	l.log.Info().
		Int("clusters", len(clusters)).
		Int("patterns", len(found)).
		Int("window", len(recs)).
		Msg("Pattern discovery complete")
}

func (l *Learner) nudgeWeight(strategy string, successRate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.weights[strategy]
	if !ok {
		w = 1.0
	}
	w += l.opts.WeightStep * (successRate - 0.5)
	l.weights[strategy] = clamp(w, 0.25, 2.0)
}

// Weights returns a copy of the per-strategy weights produced by discovery
func (l *Learner) Weights() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.weights))
	for k, v := range l.weights {
		out[k] = v
	}
	return out
}

// Patterns returns the clusters surfaced by the last discovery pass
func (l *Learner) Patterns() []Pattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Pattern(nil), l.patterns...)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
