// Package strategy hosts the pluggable signal strategies the generator runs
// after every indicator frame. Strategies are registered callables; each
// returns zero or one candidate per frame. A panicking strategy is isolated
// and its candidate suppressed without disabling the strategy.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/params"
)

// Context is the evaluation input for one frame
type Context struct {
	Frame *model.IndicatorFrame
	// History is the recent bar window, oldest first, current bar last
	History []model.Bar
	Params  *params.Set
	// Scopes are overlay resolution scopes (symbol category, regime)
	Scopes []string
}

// Value reads an indicator from the frame; ok is false for missing or NaN
func (c *Context) Value(name string) (float64, bool) {
	v, ok := c.Frame.Values[name]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Param resolves a parameter under the context scopes
func (c *Context) Param(name string, def float64) float64 {
	return c.Params.Resolve(name, def, c.Scopes...)
}

// Strategy produces at most one candidate per indicator frame
type Strategy interface {
	Name() string
	Evaluate(c *Context) (*model.SignalCandidate, error)
}

// Registry holds the registered strategies in registration order
type Registry struct {
	strategies []Strategy
	byName     map[string]Strategy
	log        zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Strategy),
		log:    log.With().Str("component", "strategy").Logger(),
	}
}

// Register adds a strategy; duplicate names are a startup error
func (r *Registry) Register(s Strategy) error {
	if s.Name() == "" {
		return fmt.Errorf("strategy has no name")
	}
	if _, dup := r.byName[s.Name()]; dup {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	r.byName[s.Name()] = s
	r.strategies = append(r.strategies, s)
	return nil
}

// Names returns registered strategy names in registration order
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s.Name())
	}
	return out
}

// EvaluateAll runs every strategy against the frame. Candidates below the
// active min-strength or confidence thresholds are suppressed. Errors and
// panics suppress only the offending strategy's candidate.
func (r *Registry) EvaluateAll(c *Context) []*model.SignalCandidate {
	minStrength := c.Param("min_strength", 0.5)
	minConfidence := c.Param("confidence_threshold", 0.6)

	var out []*model.SignalCandidate
	for _, s := range r.strategies {
		candidate, err := evaluateOne(s, c)
		if err != nil {
			metrics.StrategyErrors.WithLabelValues(s.Name()).Inc()
			r.log.Warn().
				Err(err).
				Str("strategy", s.Name()).
				Str("symbol", c.Frame.Symbol).
				Msg("Strategy evaluation failed, candidate suppressed")
			continue
		}
		if candidate == nil {
			continue
		}
		if candidate.Strength < minStrength || candidate.Confidence < minConfidence {
			metrics.RecordDrop("p1", metrics.DropQuality)
			continue
		}
		if err := candidate.Validate(); err != nil {
			metrics.StrategyErrors.WithLabelValues(s.Name()).Inc()
			r.log.Warn().
				Err(err).
				Str("strategy", s.Name()).
				Msg("Strategy emitted invalid candidate")
			continue
		}
		out = append(out, candidate)
	}
	return out
}

func evaluateOne(s Strategy, c *Context) (candidate *model.SignalCandidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			candidate = nil
			err = fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Evaluate(c)
}

// emit builds a candidate with ATR-derived stop and take-profit levels and
// the feature snapshot copied out of the frame
func emit(c *Context, name string, dir model.Direction, strength, confidence float64) *model.SignalCandidate {
	frame := c.Frame
	entry := frame.Bar.Close

	atr, ok := c.Value("atr_14")
	if !ok || atr <= 0 {
		// fall back to a fixed fraction of price when ATR is unavailable
		atr = entry * 0.01
	}
	stopMult := c.Param("atr_stop_mult", 1.5)
	profitMult := c.Param("atr_profit_mult", 3.0)

	candidate := model.NewSignalCandidate(frame.Symbol, frame.Timeframe, dir, name, frame.CloseTime)
	candidate.Strength = clamp01(strength)
	candidate.Confidence = clamp01(confidence)
	candidate.EntryPrice = entry
	candidate.ExpiresAt = frame.CloseTime.Add(time.Duration(c.Param("candidate_ttl_minutes", 30)) * time.Minute)
	if dir == model.DirectionLong {
		candidate.StopLoss = entry - atr*stopMult
		candidate.TakeProfit = entry + atr*profitMult
	} else {
		candidate.StopLoss = entry + atr*stopMult
		candidate.TakeProfit = entry - atr*profitMult
	}
	for k, v := range frame.Values {
		if !math.IsNaN(v) {
			candidate.Features[k] = v
		}
	}
	if stress, ok := c.Value("vol_ratio"); ok {
		candidate.MarketStress = stress
	}
	candidate.Quality = model.QualityScores{
		DataCompleteness: frame.DataCompleteness,
		SignalClarity:    clarityScore(candidate.Strength),
		Confidence:       candidate.Confidence,
		VolatilityFit:    volatilityFit(c),
		LiquidityFit:     liquidityFit(c),
	}
	return candidate
}

// clarityScore maps emission strength onto [0,1]. Built-ins only emit once
// their trigger condition holds, so strength above the ~0.5 emission floor
// measures how decisively the trigger fired.
func clarityScore(strength float64) float64 {
	return clamp01((strength - 0.4) / 0.5)
}

// volatility band, as ATR over close, inside which bracket distances
// stay meaningful
const (
	volFitFloor = 0.005
	volFitCeil  = 0.03
	volFitFade  = 0.07
)

// volatilityFit scores how tradable the current volatility regime is:
// full marks inside the band, fading toward chop below it and toward
// stress above it. Neutral when vol_ratio is unavailable.
func volatilityFit(c *Context) float64 {
	vr, ok := c.Value("vol_ratio")
	if !ok {
		return 0.5
	}
	switch {
	case vr < volFitFloor:
		return clamp01(vr / volFitFloor)
	case vr <= volFitCeil:
		return 1
	default:
		return clamp01(1 - (vr-volFitCeil)/volFitFade)
	}
}

// liquidityFit scores the closing bar's volume against its 20-bar average;
// 1.5x the average saturates the score. Neutral without a volume baseline.
func liquidityFit(c *Context) float64 {
	sma, ok := c.Value("volume_sma_20")
	if !ok || sma <= 0 {
		return 0.5
	}
	return clamp01(c.Frame.Bar.Volume / (sma * 1.5))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
