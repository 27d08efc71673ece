package preeval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/params"
	"github.com/signalforge/signalforge/internal/strategy"
)

var emitted = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func candidate(symbol string, dir model.Direction, strat string, confidence float64) *model.SignalCandidate {
	c := model.NewSignalCandidate(symbol, "1m", dir, strat, emitted)
	c.Strength = 0.8
	c.Confidence = confidence
	c.EntryPrice = 30000
	c.StopLoss = 29700
	c.TakeProfit = 30600
	c.ExpiresAt = emitted.Add(30 * time.Minute)
	c.EmittedAt = emitted
	c.Features = map[string]float64{"rsi_14": 28, "macd_hist": 4, "atr_14": 120}
	c.Quality = model.QualityScores{
		DataCompleteness: 0.9,
		SignalClarity:    0.8,
		Confidence:       confidence,
		VolatilityFit:    0.7,
		LiquidityFit:     0.7,
	}
	return c
}

func newEvaluator(loadFn func() int) *PreEvaluator {
	return New(Options{
		DedupWindow:        15 * time.Minute,
		DedupSimilarity:    0.85,
		DiversityThreshold: 3,
		CorrelationCutoff:  0.8,
		CorrelationBars:    20,
		QualityFloor:       0.4,
		ExpressThreshold:   0.8,
		StressThreshold:    0.05,
		HighWatermark:      100,
	}, params.Default(), loadFn)
}

func TestProcessHappyPathBandsHigh(t *testing.T) {
	p := newEvaluator(nil)
	c := candidate("BTCUSDT", model.DirectionLong, "rsi_reversal", 0.75)

	v, reason := p.Process(context.Background(), c)
	require.Equal(t, DropNone, reason)
	require.NotNil(t, v)

	// default weights over (0.9, 0.8, 0.75, 0.7, 0.7) land in the HIGH band
	assert.InDelta(t, 0.7775, v.Composite, 1e-4)
	assert.Equal(t, model.BandHigh, v.Band)
	assert.Equal(t, LaneStandard, v.Lane)
	assert.Equal(t, c.ID, v.ID)
}

// A decisive emission from a built-in strategy must be able to reach the top
// band end to end: the quality vector the strategies score, not hand-filled
// test values, is what the composite gate sees in production.
func TestLiveStrategyCandidateReachesCriticalBand(t *testing.T) {
	s := strategy.NewRSIReversal()
	frameAt := func(rsi float64) *strategy.Context {
		return &strategy.Context{
			Frame: &model.IndicatorFrame{
				Symbol:    "ETHUSDT",
				Timeframe: "1m",
				CloseTime: emitted,
				Bar: model.Bar{
					Symbol:    "ETHUSDT",
					Timeframe: "1m",
					CloseTime: emitted,
					Close:     3000,
					Volume:    200,
				},
				Values: map[string]float64{
					"rsi_14":        rsi,
					"atr_14":        40,
					"vol_ratio":     0.02,
					"volume_sma_20": 100,
				},
				DataCompleteness: 1,
			},
			Params: params.Default(),
		}
	}

	c, err := s.Evaluate(frameAt(25))
	require.NoError(t, err)
	require.Nil(t, c)

	// sharp upturn out of oversold territory
	c, err = s.Evaluate(frameAt(45))
	require.NoError(t, err)
	require.NotNil(t, c)

	p := newEvaluator(nil)
	v, reason := p.Process(context.Background(), c)
	require.Equal(t, DropNone, reason)
	require.NotNil(t, v)
	assert.Greater(t, v.Composite, 0.85)
	assert.Equal(t, model.BandCritical, v.Band)
}

func TestProcessDropsInvalid(t *testing.T) {
	p := newEvaluator(nil)
	c := candidate("BTCUSDT", model.DirectionLong, "x", 0.7)
	c.Strength = 1.5

	v, reason := p.Process(context.Background(), c)
	assert.Nil(t, v)
	assert.Equal(t, DropValidation, reason)
}

func TestProcessQualityFloor(t *testing.T) {
	p := newEvaluator(nil)
	c := candidate("BTCUSDT", model.DirectionLong, "x", 0.1)
	c.Quality = model.QualityScores{DataCompleteness: 0.2, SignalClarity: 0.2, Confidence: 0.1, VolatilityFit: 0.2, LiquidityFit: 0.2}

	v, reason := p.Process(context.Background(), c)
	assert.Nil(t, v)
	assert.Equal(t, DropQualityFloor, reason)
}

func TestDeduplicationKeepsHigherConfidence(t *testing.T) {
	p := newEvaluator(nil)

	first, reason := p.Process(context.Background(), candidate("BTCUSDT", model.DirectionLong, "rsi_reversal", 0.8))
	require.Equal(t, DropNone, reason)
	require.NotNil(t, first)

	// same features, same direction, lower confidence: suppressed
	weaker := candidate("BTCUSDT", model.DirectionLong, "macd_cross", 0.7)
	v, reason := p.Process(context.Background(), weaker)
	assert.Nil(t, v)
	assert.Equal(t, DropDuplicate, reason)
	assert.Equal(t, uint64(1), p.Metrics().Suppressed)

	// stronger duplicate survives and replaces the remembered one
	stronger := candidate("BTCUSDT", model.DirectionLong, "ema_trend", 0.9)
	v, reason = p.Process(context.Background(), stronger)
	assert.Equal(t, DropNone, reason)
	require.NotNil(t, v)
}

func TestDeduplicationDiversityGuard(t *testing.T) {
	d := newDeduper(15*time.Minute, 0.85, 2)

	require.True(t, d.check(candidate("BTCUSDT", model.DirectionLong, "a", 0.8)))
	// diversity threshold 2: a second independent strategy co-emits
	assert.True(t, d.check(candidate("BTCUSDT", model.DirectionLong, "b", 0.7)))
}

func TestDedupDifferentDirectionNotDuplicate(t *testing.T) {
	d := newDeduper(15*time.Minute, 0.85, 0)
	require.True(t, d.check(candidate("BTCUSDT", model.DirectionLong, "a", 0.8)))
	assert.True(t, d.check(candidate("BTCUSDT", model.DirectionShort, "a", 0.7)))
}

func TestCosine(t *testing.T) {
	a := map[string]float64{"x": 1, "y": 2}
	assert.InDelta(t, 1.0, cosine(a, a), 1e-9)
	assert.Equal(t, 0.0, cosine(a, map[string]float64{"z": 3}))
	assert.Equal(t, 0.0, cosine(nil, a))
}

func TestRouterLanes(t *testing.T) {
	r := newRouter(0.8, 0.05, 100, func() int { return 0 })

	high := candidate("BTCUSDT", model.DirectionLong, "a", 0.9)
	high.Quality = model.QualityScores{DataCompleteness: 0.95, SignalClarity: 0.9, Confidence: 0.9, VolatilityFit: 0.85, LiquidityFit: 0.85}
	assert.Equal(t, LaneExpress, r.route(high))

	stressed := candidate("ETHUSDT", model.DirectionLong, "a", 0.7)
	stressed.MarketStress = 0.1
	assert.Equal(t, LaneDeep, r.route(stressed))

	assert.Equal(t, LaneStandard, r.route(candidate("SOLUSDT", model.DirectionLong, "a", 0.7)))
}

func TestRouterAmbiguityForcesDeep(t *testing.T) {
	r := newRouter(0.8, 0.05, 100, nil)

	first := candidate("BTCUSDT", model.DirectionLong, "ema_trend", 0.7)
	assert.Equal(t, LaneStandard, r.route(first))

	// conflicting strategy, opposite direction, within the window
	conflict := candidate("BTCUSDT", model.DirectionShort, "macd_cross", 0.7)
	conflict.EmittedAt = first.EmittedAt.Add(10 * time.Second)
	assert.Equal(t, LaneDeep, r.route(conflict))
}

func TestRouterDegradesUnderLoad(t *testing.T) {
	r := newRouter(0.8, 0.05, 10, func() int { return 50 })

	// standard degrades to express under queue pressure
	assert.Equal(t, LaneExpress, r.route(candidate("BTCUSDT", model.DirectionLong, "a", 0.7)))

	// deep degrades to standard
	stressed := candidate("ETHUSDT", model.DirectionLong, "a", 0.7)
	stressed.MarketStress = 0.2
	assert.Equal(t, LaneStandard, r.route(stressed))
}

func TestCorrelationConflictDemotesWeaker(t *testing.T) {
	c := newCorrelator(0.8, 20, 15*time.Minute)

	// perfectly correlated price walks
	for i := 0; i < 10; i++ {
		price := 100 + float64(i)
		c.observe("BTCUSDT", price)
		c.observe("ETHUSDT", price*0.1)
	}

	strong := &model.VettedCandidate{SignalCandidate: *candidate("BTCUSDT", model.DirectionLong, "a", 0.9), Composite: 0.8}
	strong.Band = model.BandHigh
	require.Equal(t, corrNone, c.adjudicate(strong))

	weak := &model.VettedCandidate{SignalCandidate: *candidate("ETHUSDT", model.DirectionShort, "b", 0.6), Composite: 0.6}
	weak.Band = model.BandMedium
	assert.Equal(t, corrDemoted, c.adjudicate(weak))
	assert.Equal(t, model.BandLow, weak.Band)
}

func TestCorrelationSameDirectionReinforces(t *testing.T) {
	c := newCorrelator(0.8, 20, 15*time.Minute)
	for i := 0; i < 10; i++ {
		price := 100 + float64(i)
		c.observe("BTCUSDT", price)
		c.observe("ETHUSDT", price*0.1)
	}

	first := &model.VettedCandidate{SignalCandidate: *candidate("BTCUSDT", model.DirectionLong, "a", 0.9), Composite: 0.8}
	c.adjudicate(first)

	agree := &model.VettedCandidate{SignalCandidate: *candidate("ETHUSDT", model.DirectionLong, "b", 0.95), Composite: 0.7}
	assert.Equal(t, corrReinforced, c.adjudicate(agree))
	// bump is capped at 1
	assert.LessOrEqual(t, agree.Confidence, 1.0)
	assert.Greater(t, agree.Confidence, 0.95)
}

func TestUncorrelatedSymbolsDoNotInteract(t *testing.T) {
	c := newCorrelator(0.8, 20, 15*time.Minute)
	// alternating vs monotone: low correlation
	for i := 0; i < 10; i++ {
		c.observe("BTCUSDT", 100+float64(i))
		if i%2 == 0 {
			c.observe("XRPUSDT", 1.0)
		} else {
			c.observe("XRPUSDT", 1.1)
		}
	}

	first := &model.VettedCandidate{SignalCandidate: *candidate("BTCUSDT", model.DirectionLong, "a", 0.9), Composite: 0.8}
	c.adjudicate(first)
	other := &model.VettedCandidate{SignalCandidate: *candidate("XRPUSDT", model.DirectionShort, "b", 0.6), Composite: 0.5}
	other.Band = model.BandMedium
	assert.Equal(t, corrNone, c.adjudicate(other))
	assert.Equal(t, model.BandMedium, other.Band)
}

func TestBandThresholds(t *testing.T) {
	assert.Equal(t, model.BandCritical, band(0.9))
	assert.Equal(t, model.BandHigh, band(0.78))
	assert.Equal(t, model.BandMedium, band(0.6))
	assert.Equal(t, model.BandLow, band(0.3))
}

func TestReinforcementPromotesOnFavorableMove(t *testing.T) {
	r := newReinforcer(5*time.Minute, 0.001)

	v := &model.VettedCandidate{SignalCandidate: *candidate("BTCUSDT", model.DirectionLong, "a", 0.7), Composite: 0.5}
	v.Band = model.BandLow
	r.track(v)
	assert.Equal(t, 1, r.trackedCount())

	// price moves 0.5% in the predicted direction within the window
	r.observe("BTCUSDT", 30150, emitted.Add(2*time.Minute))

	select {
	case promoted := <-r.reinforced():
		assert.True(t, promoted.Reinforced)
		assert.Equal(t, LaneStandard, promoted.Lane)
		assert.Equal(t, model.BandMedium, promoted.Band)
	default:
		t.Fatal("expected a reinforced candidate")
	}
	assert.Equal(t, 0, r.trackedCount())
}

func TestReinforcementExpiresAfterWindow(t *testing.T) {
	r := newReinforcer(5*time.Minute, 0.001)
	v := &model.VettedCandidate{SignalCandidate: *candidate("BTCUSDT", model.DirectionLong, "a", 0.7)}
	r.track(v)

	// observation past the window only expires the entry
	r.observe("BTCUSDT", 31000, emitted.Add(10*time.Minute))
	assert.Equal(t, 0, r.trackedCount())
	select {
	case <-r.reinforced():
		t.Fatal("expired candidate must not be reinforced")
	default:
	}
}

func TestProcessInternalFailureDeadLetters(t *testing.T) {
	p := newEvaluator(func() int { panic("load probe exploded") })
	c := candidate("BTCUSDT", model.DirectionLong, "a", 0.7)

	v, reason := p.Process(context.Background(), c)
	assert.Nil(t, v)
	assert.Equal(t, DropInternal, reason)

	select {
	case letter := <-p.DeadLetters():
		assert.Equal(t, c.ID, letter.Candidate.ID)
		assert.Error(t, letter.Err)
	default:
		t.Fatal("expected a dead letter")
	}
}
