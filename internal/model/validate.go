package model

import (
	"math"
	"time"
)

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Validate checks the quality sub-scores are all in [0,1]
func (q QualityScores) Validate() error {
	checks := map[string]float64{
		"data_completeness": q.DataCompleteness,
		"signal_clarity":    q.SignalClarity,
		"confidence":        q.Confidence,
		"volatility_fit":    q.VolatilityFit,
		"liquidity_fit":     q.LiquidityFit,
	}
	for name, v := range checks {
		if !inUnit(v) {
			return Validationf("quality sub-score %s out of range: %v", name, v)
		}
	}
	return nil
}

// Validate enforces the candidate invariants before it may enter the pipeline
func (c *SignalCandidate) Validate() error {
	if c.Symbol == "" {
		return Validationf("candidate missing symbol")
	}
	if c.Timeframe == "" {
		return Validationf("candidate missing timeframe")
	}
	if c.Direction != DirectionLong && c.Direction != DirectionShort {
		return Validationf("invalid direction %q", c.Direction)
	}
	if !inUnit(c.Strength) {
		return Validationf("strength out of range: %v", c.Strength)
	}
	if !inUnit(c.Confidence) {
		return Validationf("confidence out of range: %v", c.Confidence)
	}
	if c.EntryPrice <= 0 || math.IsNaN(c.EntryPrice) {
		return Validationf("invalid entry price: %v", c.EntryPrice)
	}
	if c.Strategy == "" {
		return Validationf("candidate missing strategy tag")
	}
	if c.CloseTime.IsZero() {
		return Validationf("candidate missing close time")
	}
	return c.Quality.Validate()
}

// NewSignalCandidate builds a validated candidate with its identity derived
// from (symbol, timeframe, close_time, strategy)
func NewSignalCandidate(symbol, timeframe string, dir Direction, strategy string, closeTime time.Time) *SignalCandidate {
	return &SignalCandidate{
		ID:        CandidateKey(symbol, timeframe, closeTime, strategy),
		Symbol:    symbol,
		Timeframe: timeframe,
		Direction: dir,
		Strategy:  strategy,
		CloseTime: closeTime,
		EmittedAt: time.Now().UTC(),
		Features:  make(map[string]float64),
	}
}

// Validate checks tick identity and pricing fields
func (t *MarketTick) Validate() error {
	if t.Symbol == "" || t.Source == "" {
		return Validationf("tick missing identity: source=%q symbol=%q", t.Source, t.Symbol)
	}
	if t.Timestamp.IsZero() {
		return Validationf("tick missing timestamp")
	}
	if t.Last <= 0 && t.Bid <= 0 && t.Ask <= 0 {
		return Validationf("tick has no usable price")
	}
	return nil
}

// Validate checks decision referential invariants: REPLACE and STRENGTHEN
// must reference a position, NEW must not
func (d *ExecutionDecision) Validate() error {
	switch d.Verdict {
	case VerdictReplace, VerdictStrengthen:
		if d.PositionID == nil {
			return Validationf("%s decision missing target position", d.Verdict)
		}
	case VerdictNew:
		if d.PositionID != nil {
			return Validationf("NEW decision must not reference a position")
		}
	case VerdictIgnore:
	default:
		return Validationf("unknown verdict %q", d.Verdict)
	}
	return nil
}
