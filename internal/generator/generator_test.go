package generator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalforge/signalforge/internal/bars"
	"github.com/signalforge/signalforge/internal/indicators"
	"github.com/signalforge/signalforge/internal/market"
	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/params"
	"github.com/signalforge/signalforge/internal/strategy"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// alwaysEmit emits a fixed LONG candidate for every frame
type alwaysEmit struct{}

func (alwaysEmit) Name() string { return "always" }
func (alwaysEmit) Evaluate(c *strategy.Context) (*model.SignalCandidate, error) {
	cand := model.NewSignalCandidate(c.Frame.Symbol, c.Frame.Timeframe, model.DirectionLong, "always", c.Frame.CloseTime)
	cand.Strength = 0.8
	cand.Confidence = 0.8
	cand.EntryPrice = c.Frame.Bar.Close
	cand.StopLoss = cand.EntryPrice * 0.99
	cand.TakeProfit = cand.EntryPrice * 1.02
	cand.ExpiresAt = c.Frame.CloseTime.Add(30 * time.Minute)
	cand.Quality.DataCompleteness = c.Frame.DataCompleteness
	cand.Quality.Confidence = 0.8
	return cand, nil
}

func newTestGenerator(t *testing.T, warmup int) *Generator {
	t.Helper()
	graph, err := indicators.NewGraph(nil)
	require.NoError(t, err)

	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(alwaysEmit{}))

	hub := market.NewHub(nil, market.Options{})
	return New(hub, indicators.NewEngine(graph, 1), reg, params.Default(), Options{
		Symbols:    []string{"BTCUSDT"},
		Timeframes: map[string]time.Duration{"1m": time.Minute},
		WarmupBars: warmup,
		Buffer:     16,
	})
}

func bar(i int, close float64) model.Bar {
	return model.Bar{
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		OpenTime:  base.Add(time.Duration(i) * time.Minute),
		CloseTime: base.Add(time.Duration(i+1) * time.Minute),
		Open:      close, High: close, Low: close, Close: close,
		Volume: 1, TickCount: 1,
	}
}

func TestWarmupGatesEmission(t *testing.T) {
	g := newTestGenerator(t, 3)
	rings := make(map[bars.Key]*bars.Ring)
	marks := make(map[bars.Key]time.Time)
	ctx := context.Background()

	g.onBars(ctx, []model.Bar{bar(0, 100), bar(1, 101)}, rings, marks)
	assert.Equal(t, StateWarmup, g.State("BTCUSDT", "1m"))
	assert.Empty(t, g.out)

	g.onBars(ctx, []model.Bar{bar(2, 102)}, rings, marks)
	assert.Equal(t, StateActive, g.State("BTCUSDT", "1m"))

	select {
	case c := <-g.out:
		assert.Equal(t, "always", c.Strategy)
		assert.Equal(t, base.Add(3*time.Minute), c.CloseTime)
	default:
		t.Fatal("expected a candidate after warmup")
	}
}

func TestWatermarkRejectsRegression(t *testing.T) {
	g := newTestGenerator(t, 1)
	rings := make(map[bars.Key]*bars.Ring)
	marks := make(map[bars.Key]time.Time)
	ctx := context.Background()

	g.onBars(ctx, []model.Bar{bar(5, 100)}, rings, marks)
	<-g.out

	// a bar behind the watermark must not emit
	g.onBars(ctx, []model.Bar{bar(2, 99)}, rings, marks)
	assert.Empty(t, g.out)

	// emission close times never decrease per stream
	g.onBars(ctx, []model.Bar{bar(6, 101)}, rings, marks)
	c := <-g.out
	assert.True(t, c.CloseTime.After(base.Add(5*time.Minute)))
}

func TestReloadParametersTakesEffectNextBar(t *testing.T) {
	g := newTestGenerator(t, 1)
	rings := make(map[bars.Key]*bars.Ring)
	marks := make(map[bars.Key]time.Time)
	ctx := context.Background()

	g.onBars(ctx, []model.Bar{bar(0, 100)}, rings, marks)
	require.Len(t, g.out, 1)
	<-g.out

	strict := params.Default().Clone()
	strict.Version = 2
	strict.Values["min_strength"] = 0.95
	g.ReloadParameters(strict)

	g.onBars(ctx, []model.Bar{bar(1, 100)}, rings, marks)
	assert.Empty(t, g.out, "candidate below the reloaded threshold must be suppressed")
}

func TestHealthCheckMarksFailed(t *testing.T) {
	g := newTestGenerator(t, 1)
	g.states.set("BTCUSDT", "1m", StateActive)

	// no sources at all: FAILED, not merely STALE
	g.checkHealth("BTCUSDT", time.Now())
	assert.Equal(t, StateFailed, g.State("BTCUSDT", "1m"))
	assert.False(t, g.states.emitting("BTCUSDT", "1m"))
}

func TestSubscribeEndToEnd(t *testing.T) {
	script := make([]model.MarketTick, 0, 12)
	for i := 0; i < 12; i++ {
		script = append(script, model.MarketTick{
			Symbol:    "BTCUSDT",
			Sequence:  uint64(i + 1),
			Timestamp: base.Add(time.Duration(i) * 30 * time.Second),
			Last:      30000 + float64(i)*10,
			Volume:    1,
		})
	}
	feed := &market.MockFeed{FeedName: "mock", Script: script}

	hub := market.NewHub([]market.Feed{feed}, market.Options{
		HealthyQuorum:   1,
		SubscribeWindow: 2 * time.Second,
	})

	graph, err := indicators.NewGraph(nil)
	require.NoError(t, err)
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(alwaysEmit{}))

	g := New(hub, indicators.NewEngine(graph, 1), reg, params.Default(), Options{
		Symbols:    []string{"BTCUSDT"},
		Timeframes: map[string]time.Duration{"1m": time.Minute},
		WarmupBars: 2,
		Buffer:     16,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Subscribe(ctx))

	select {
	case c := <-g.Candidates():
		require.NotNil(t, c)
		assert.Equal(t, "BTCUSDT", c.Symbol)
		assert.Equal(t, "1m", c.Timeframe)
		require.NoError(t, c.Validate())
	case <-ctx.Done():
		t.Fatal("no candidate emitted end to end")
	}
}

func TestStreamStateString(t *testing.T) {
	assert.Equal(t, "WARMUP", StateWarmup.String())
	assert.Equal(t, "ACTIVE", StateActive.String())
	assert.Equal(t, "STALE", StateStale.String())
	assert.Equal(t, "FAILED", StateFailed.String())
}
