package strategy

import (
	"math"
	"sync"

	"github.com/signalforge/signalforge/internal/model"
)

func key(f *model.IndicatorFrame) string {
	return f.Symbol + "|" + f.Timeframe
}

// prevTracker remembers the prior frame's value per (symbol, timeframe) so
// cross detection survives concurrent per-symbol workers
type prevTracker struct {
	mu   sync.Mutex
	prev map[string]float64
}

func newPrevTracker() *prevTracker {
	return &prevTracker{prev: make(map[string]float64)}
}

// swap stores the current value and returns the prior one
func (t *prevTracker) swap(k string, v float64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.prev[k]
	t.prev[k] = v
	return p, ok
}

// RSIReversal emits when RSI turns upward out of oversold territory or
// downward out of overbought
type RSIReversal struct {
	tracker *prevTracker
}

func NewRSIReversal() *RSIReversal {
	return &RSIReversal{tracker: newPrevTracker()}
}

func (s *RSIReversal) Name() string { return "rsi_reversal" }

func (s *RSIReversal) Evaluate(c *Context) (*model.SignalCandidate, error) {
	rsi, ok := c.Value("rsi_14")
	if !ok {
		return nil, nil
	}
	prev, hadPrev := s.tracker.swap(key(c.Frame), rsi)
	if !hadPrev {
		return nil, nil
	}

	oversold := c.Param("rsi_oversold", 30)
	overbought := c.Param("rsi_overbought", 70)

	switch {
	case prev < oversold && rsi > prev:
		// depth of the dip drives strength, speed of the turn drives confidence
		strength := 0.6 + (oversold-math.Min(prev, oversold))/oversold*0.4
		confidence := 0.6 + math.Min((rsi-prev)/10, 1)*0.3
		return emit(c, s.Name(), model.DirectionLong, strength, confidence), nil
	case prev > overbought && rsi < prev:
		strength := 0.6 + (math.Max(prev, overbought)-overbought)/(100-overbought)*0.4
		confidence := 0.6 + math.Min((prev-rsi)/10, 1)*0.3
		return emit(c, s.Name(), model.DirectionShort, strength, confidence), nil
	}
	return nil, nil
}

// MACDCross emits on a histogram sign flip
type MACDCross struct {
	tracker *prevTracker
}

func NewMACDCross() *MACDCross {
	return &MACDCross{tracker: newPrevTracker()}
}

func (s *MACDCross) Name() string { return "macd_cross" }

func (s *MACDCross) Evaluate(c *Context) (*model.SignalCandidate, error) {
	hist, ok := c.Value("macd_hist")
	if !ok {
		return nil, nil
	}
	prev, hadPrev := s.tracker.swap(key(c.Frame), hist)
	if !hadPrev {
		return nil, nil
	}

	entry := c.Frame.Bar.Close
	if entry <= 0 {
		return nil, nil
	}
	// histogram magnitude relative to price scales conviction
	magnitude := math.Min(math.Abs(hist)/entry*1000, 1)

	switch {
	case prev <= 0 && hist > 0:
		return emit(c, s.Name(), model.DirectionLong, 0.55+magnitude*0.4, 0.6+magnitude*0.3), nil
	case prev >= 0 && hist < 0:
		return emit(c, s.Name(), model.DirectionShort, 0.55+magnitude*0.4, 0.6+magnitude*0.3), nil
	}
	return nil, nil
}

// EMATrend emits while a fast/slow EMA trend is in force and price confirms
type EMATrend struct{}

func NewEMATrend() *EMATrend { return &EMATrend{} }

func (s *EMATrend) Name() string { return "ema_trend" }

func (s *EMATrend) Evaluate(c *Context) (*model.SignalCandidate, error) {
	fast, ok1 := c.Value("ema_12")
	slow, ok2 := c.Value("ema_26")
	if !ok1 || !ok2 || slow == 0 {
		return nil, nil
	}
	close := c.Frame.Bar.Close
	gap := (fast - slow) / slow

	minGap := c.Param("ema_trend_min_gap", 0.002)
	switch {
	case gap > minGap && close > fast:
		strength := 0.5 + math.Min(gap/minGap*0.1, 0.45)
		return emit(c, s.Name(), model.DirectionLong, strength, 0.65), nil
	case gap < -minGap && close < fast:
		strength := 0.5 + math.Min(-gap/minGap*0.1, 0.45)
		return emit(c, s.Name(), model.DirectionShort, strength, 0.65), nil
	}
	return nil, nil
}

// Breakout emits when price escapes the Bollinger envelope on expanded
// volume. It is the single origin of the breakout tag; downstream labels
// derive from the strategy name.
type Breakout struct{}

func NewBreakout() *Breakout { return &Breakout{} }

func (s *Breakout) Name() string { return "breakout" }

func (s *Breakout) Evaluate(c *Context) (*model.SignalCandidate, error) {
	upper, ok1 := c.Value("bb_upper")
	lower, ok2 := c.Value("bb_lower")
	if !ok1 || !ok2 {
		return nil, nil
	}

	volumeExpanded := true
	if sma, ok := c.Value("volume_sma_20"); ok && sma > 0 {
		volumeExpanded = c.Frame.Bar.Volume > sma*c.Param("breakout_volume_mult", 1.2)
	}
	if !volumeExpanded {
		return nil, nil
	}

	close := c.Frame.Bar.Close
	band := upper - lower
	if band <= 0 {
		return nil, nil
	}

	switch {
	case close > upper:
		overshoot := math.Min((close-upper)/band, 1)
		return emit(c, s.Name(), model.DirectionLong, 0.6+overshoot*0.35, 0.6+overshoot*0.25), nil
	case close < lower:
		overshoot := math.Min((lower-close)/band, 1)
		return emit(c, s.Name(), model.DirectionShort, 0.6+overshoot*0.35, 0.6+overshoot*0.25), nil
	}
	return nil, nil
}

// BuiltinRegistry returns a registry with the shipped strategies
func BuiltinRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, s := range []Strategy{
		NewRSIReversal(),
		NewMACDCross(),
		NewEMATrend(),
		NewBreakout(),
	} {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}
