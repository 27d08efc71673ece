package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/signalforge/signalforge/internal/config"
	"github.com/signalforge/signalforge/internal/dispatch"
	"github.com/signalforge/signalforge/internal/indicators"
	"github.com/signalforge/signalforge/internal/market"
	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/strategy"
)

// captureSink records every dispatched envelope
type captureSink struct {
	mu        sync.Mutex
	delivered []*dispatch.Envelope
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Dispatch(_ context.Context, env *dispatch.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, env)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

// strongLong emits a maximal-quality LONG candidate on every frame
type strongLong struct{}

func (strongLong) Name() string { return "strong_long" }

func (strongLong) Evaluate(c *strategy.Context) (*model.SignalCandidate, error) {
	frame := c.Frame
	entry := frame.Bar.Close
	cand := model.NewSignalCandidate(frame.Symbol, frame.Timeframe, model.DirectionLong, "strong_long", frame.CloseTime)
	cand.Strength = 0.9
	cand.Confidence = 0.9
	cand.EntryPrice = entry
	cand.StopLoss = entry * 0.99
	cand.TakeProfit = entry * 1.03
	cand.ExpiresAt = frame.CloseTime.Add(30 * time.Minute)
	cand.Features["rsi_14"] = 25
	cand.Quality = model.QualityScores{
		DataCompleteness: 0.95,
		SignalClarity:    0.9,
		Confidence:       0.9,
		VolatilityFit:    0.85,
		LiquidityFit:     0.85,
	}
	return cand, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Exchanges: config.ExchangesConfig{
			HealthyQuorum:    1,
			HeartbeatTimeout: time.Minute,
			ReconnectInitial: 10 * time.Millisecond,
			ReconnectMax:     100 * time.Millisecond,
			SubscribeWindow:  5 * time.Second,
		},
		Generator: config.GeneratorConfig{
			Symbols:    []string{"BTCUSDT"},
			Timeframes: []string{"1m"},
			WarmupBars: 2,
			RingSize:   64,
		},
		PreEval: config.PreEvalConfig{Workers: 2},
		Policy:  config.PolicyConfig{Workers: 2},
		Dispatch: config.DispatchConfig{
			RetryMax:     2,
			RetryInitial: time.Millisecond,
			RetryCap:     10 * time.Millisecond,
		},
		Pipeline: config.PipelineConfig{QueueSize: 64},
	}
}

func script(n int, price float64) []model.MarketTick {
	base := time.Now().UTC().Add(-time.Duration(n) * 30 * time.Second)
	ticks := make([]model.MarketTick, n)
	for i := range ticks {
		ticks[i] = model.MarketTick{
			Symbol:    "BTCUSDT",
			Sequence:  uint64(i + 1),
			Timestamp: base.Add(time.Duration(i) * 30 * time.Second),
			Last:      price,
			Volume:    1,
		}
	}
	return ticks
}

func emptyGraph(t *testing.T) *indicators.Graph {
	g, err := indicators.NewGraph(nil)
	require.NoError(t, err)
	return g
}

func TestPipelineEndToEnd(t *testing.T) {
	registry := strategy.NewRegistry()
	require.NoError(t, registry.Register(strongLong{}))

	sink := &captureSink{}
	feed := &market.MockFeed{
		FeedName: "mock",
		Script:   script(12, 30000),
		Interval: time.Millisecond,
	}

	pipe, err := New(testConfig(), Deps{
		Feeds:    []market.Feed{feed},
		Sink:     sink,
		Guard:    dispatch.NewMemoryGuard(),
		Registry: registry,
		Graph:    emptyGraph(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pipe.Run(ctx) }()

	// a strong candidate lands in the CRITICAL band, which dispatches
	// without delay once the scheduler picks it up
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 10*time.Second, 20*time.Millisecond)

	env := sink.delivered[0]
	assert.Equal(t, "BTCUSDT", env.Symbol)
	assert.Equal(t, model.BandCritical, env.Band)
	assert.Equal(t, model.VerdictNew, env.Verdict)

	status := pipe.Status()
	assert.Equal(t, 1, status.OpenPositions)
	assert.NotEmpty(t, status.Sources)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not drain after cancellation")
	}
}

func TestLaneForPinsSymbols(t *testing.T) {
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		lane := laneFor(sym, 8)
		assert.GreaterOrEqual(t, lane, 0)
		assert.Less(t, lane, 8)
		for i := 0; i < 100; i++ {
			assert.Equal(t, lane, laneFor(sym, 8))
		}
	}
}

// One symbol's candidates flow through a single vetting worker and a single
// policy lane, so a busy pool cannot reorder them.
func TestVettingPreservesSymbolOrder(t *testing.T) {
	cfg := testConfig()
	cfg.PreEval.Workers = 8
	cfg.Policy.Workers = 4
	cfg.Pipeline.QueueSize = 512

	pipe, err := New(cfg, Deps{
		Feeds:    []market.Feed{&market.MockFeed{FeedName: "mock"}},
		Sink:     &captureSink{},
		Guard:    dispatch.NewMemoryGuard(),
		Registry: strategy.NewRegistry(),
		Graph:    emptyGraph(t),
	})
	require.NoError(t, err)

	const n = 400
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := make(chan *model.SignalCandidate, n)
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		c := model.NewSignalCandidate("BTCUSDT", "1m", model.DirectionLong, "strong_long", at)
		c.Strength = 0.9
		c.Confidence = 0.9
		c.EntryPrice = 30000
		c.StopLoss = 29700
		c.TakeProfit = 30600
		c.EmittedAt = at
		c.ExpiresAt = at.Add(time.Hour)
		// orthogonal snapshots so no pair reads as a near-duplicate
		c.Features = map[string]float64{fmt.Sprintf("f%03d", i): 1}
		c.Quality = model.QualityScores{
			DataCompleteness: 0.95,
			SignalClarity:    0.9,
			Confidence:       0.9,
			VolatilityFit:    0.85,
			LiquidityFit:     0.85,
		}
		in <- c
	}
	close(in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	grp, gctx := errgroup.WithContext(ctx)
	pipe.startVetting(gctx, grp, in)

	require.Eventually(t, func() bool { return pipe.vettedDepth() == n }, 10*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, grp.Wait())

	var got []*model.VettedCandidate
	for _, lane := range pipe.vetted {
		if len(lane) == 0 {
			continue
		}
		assert.Equal(t, n, len(lane), "one symbol must occupy exactly one policy lane")
		for v := range lane {
			got = append(got, v)
		}
	}
	require.Len(t, got, n)
	for i := 1; i < n; i++ {
		assert.False(t, got[i].CloseTime.Before(got[i-1].CloseTime),
			"candidate %d overtook its predecessor", i)
	}
}

func TestShedCriticalCandidateIsLogged(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.Workers = 1
	cfg.Pipeline.QueueSize = 1

	pipe, err := New(cfg, Deps{
		Feeds:    []market.Feed{&market.MockFeed{FeedName: "mock"}},
		Sink:     &captureSink{},
		Guard:    dispatch.NewMemoryGuard(),
		Registry: strategy.NewRegistry(),
		Graph:    emptyGraph(t),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	pipe.log = zerolog.New(&buf)

	mk := func(band model.PriorityBand) *model.VettedCandidate {
		c := model.NewSignalCandidate("BTCUSDT", "1m", model.DirectionLong, "strong_long", time.Now().UTC())
		c.Strength = 0.9
		c.Confidence = 0.9
		c.Band = band
		return &model.VettedCandidate{SignalCandidate: *c, Composite: 0.9}
	}

	ctx := context.Background()
	pipe.enqueueVetted(ctx, mk(model.BandCritical)) // occupies the only slot
	pipe.enqueueVetted(ctx, mk(model.BandHigh))     // shed without ceremony
	assert.Empty(t, buf.String())

	pipe.enqueueVetted(ctx, mk(model.BandCritical)) // shed, but never silently
	assert.Contains(t, buf.String(), "Critical candidate shed")
	assert.Contains(t, buf.String(), "BTCUSDT")
}

func TestNewRejectsUnknownSink(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.Sink = "carrier-pigeon"
	_, err := New(cfg, Deps{
		Feeds:    []market.Feed{&market.MockFeed{FeedName: "mock"}},
		Registry: strategy.NewRegistry(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dispatch sink")
}

func TestNewRejectsBadTimeframe(t *testing.T) {
	cfg := testConfig()
	cfg.Generator.Timeframes = []string{"fortnight"}
	_, err := New(cfg, Deps{
		Feeds:    []market.Feed{&market.MockFeed{FeedName: "mock"}},
		Sink:     &captureSink{},
		Registry: strategy.NewRegistry(),
	})
	assert.Error(t, err)
}
