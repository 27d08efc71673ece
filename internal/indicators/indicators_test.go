package indicators

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalforge/signalforge/internal/model"
)

type stubNode struct {
	name    string
	deps    []string
	minBars int
	fn      func(in Input) (float64, error)
}

func (s *stubNode) Name() string   { return s.name }
func (s *stubNode) Deps() []string { return s.deps }
func (s *stubNode) MinBars() int   { return s.minBars }
func (s *stubNode) Compute(in Input) (float64, error) {
	return s.fn(in)
}

func constNode(name string, v float64) *stubNode {
	return &stubNode{name: name, minBars: 1, fn: func(Input) (float64, error) { return v, nil }}
}

func history(n int) []model.Bar {
	open := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]model.Bar, n)
	price := 100.0
	for i := range bars {
		// gentle oscillation keeps gains and losses both present
		step := 1.0
		if i%3 == 0 {
			step = -0.6
		}
		price += step
		bars[i] = model.Bar{
			Symbol:    "BTCUSDT",
			Timeframe: "1m",
			OpenTime:  open.Add(time.Duration(i) * time.Minute),
			CloseTime: open.Add(time.Duration(i+1) * time.Minute),
			Open:      price - step,
			High:      price + 0.5,
			Low:       price - 0.5,
			Close:     price,
			Volume:    10,
			TickCount: 5,
		}
	}
	return bars
}

func TestGraphRejectsDuplicates(t *testing.T) {
	_, err := NewGraph([]Node{constNode("a", 1), constNode("a", 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestGraphRejectsUnknownDep(t *testing.T) {
	n := &stubNode{name: "b", deps: []string{"missing"}, minBars: 1, fn: func(Input) (float64, error) { return 0, nil }}
	_, err := NewGraph([]Node{n})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")
}

func TestGraphRejectsCycle(t *testing.T) {
	a := &stubNode{name: "a", deps: []string{"b"}, minBars: 1, fn: func(Input) (float64, error) { return 0, nil }}
	b := &stubNode{name: "b", deps: []string{"a"}, minBars: 1, fn: func(Input) (float64, error) { return 0, nil }}
	_, err := NewGraph([]Node{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestGraphLayersDependencyFirst(t *testing.T) {
	derived := &stubNode{name: "sum", deps: []string{"x", "y"}, minBars: 1, fn: func(in Input) (float64, error) {
		return in.Values["x"] + in.Values["y"], nil
	}}
	g, err := NewGraph([]Node{derived, constNode("x", 2), constNode("y", 3)})
	require.NoError(t, err)

	layers := g.Layers()
	require.Len(t, layers, 2)
	assert.Len(t, layers[0], 2)
	assert.Equal(t, "sum", layers[1][0].Name())
}

func TestEngineComputesDerivedValues(t *testing.T) {
	derived := &stubNode{name: "sum", deps: []string{"x", "y"}, minBars: 1, fn: func(in Input) (float64, error) {
		return in.Values["x"] + in.Values["y"], nil
	}}
	g, err := NewGraph([]Node{derived, constNode("x", 2), constNode("y", 3)})
	require.NoError(t, err)

	eng := NewEngine(g, 4)
	frame, err := eng.Compute(context.Background(), history(5))
	require.NoError(t, err)

	assert.Equal(t, 5.0, frame.Values["sum"])
	assert.Equal(t, 1.0, frame.DataCompleteness)
	assert.Equal(t, "BTCUSDT", frame.Symbol)
}

func TestEngineEmptyGraphIsComplete(t *testing.T) {
	g, err := NewGraph(nil)
	require.NoError(t, err)

	frame, err := NewEngine(g, 1).Compute(context.Background(), history(1))
	require.NoError(t, err)
	assert.Equal(t, 1.0, frame.DataCompleteness)
	assert.Empty(t, frame.Values)
}

func TestEngineNaNReducesCompleteness(t *testing.T) {
	failing := &stubNode{name: "bad", minBars: 1, fn: func(Input) (float64, error) {
		return 0, fmt.Errorf("boom")
	}}
	g, err := NewGraph([]Node{failing, constNode("ok", 1), constNode("ok2", 2), constNode("ok3", 3)})
	require.NoError(t, err)

	frame, err := NewEngine(g, 2).Compute(context.Background(), history(3))
	require.NoError(t, err)

	assert.True(t, math.IsNaN(frame.Values["bad"]))
	assert.InDelta(t, 0.75, frame.DataCompleteness, 1e-9)
}

func TestEngineNaNPropagatesThroughDeps(t *testing.T) {
	failing := &stubNode{name: "bad", minBars: 1, fn: func(Input) (float64, error) {
		return 0, fmt.Errorf("boom")
	}}
	dependent := &stubNode{name: "child", deps: []string{"bad"}, minBars: 1, fn: func(in Input) (float64, error) {
		return in.Values["bad"] * 2, nil
	}}
	g, err := NewGraph([]Node{failing, dependent})
	require.NoError(t, err)

	frame, err := NewEngine(g, 1).Compute(context.Background(), history(3))
	require.NoError(t, err)

	assert.True(t, math.IsNaN(frame.Values["child"]))
	assert.Equal(t, 0.0, frame.DataCompleteness)
}

func TestEngineInsufficientBarsYieldNaN(t *testing.T) {
	hungry := &stubNode{name: "slow", minBars: 50, fn: func(Input) (float64, error) { return 1, nil }}
	g, err := NewGraph([]Node{hungry})
	require.NoError(t, err)

	frame, err := NewEngine(g, 1).Compute(context.Background(), history(10))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(frame.Values["slow"]))
}

func TestEngineRecoversNodePanic(t *testing.T) {
	panicky := &stubNode{name: "panicky", minBars: 1, fn: func(Input) (float64, error) {
		panic("indicator bug")
	}}
	g, err := NewGraph([]Node{panicky})
	require.NoError(t, err)

	frame, err := NewEngine(g, 1).Compute(context.Background(), history(3))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(frame.Values["panicky"]))
}

func TestEngineCachesAndEvicts(t *testing.T) {
	calls := 0
	counting := &stubNode{name: "counting", minBars: 1, fn: func(Input) (float64, error) {
		calls++
		return 42, nil
	}}
	g, err := NewGraph([]Node{counting})
	require.NoError(t, err)

	eng := NewEngine(g, 1)
	bars := history(3)

	_, err = eng.Compute(context.Background(), bars)
	require.NoError(t, err)
	_, err = eng.Compute(context.Background(), bars)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, eng.CacheSize())

	last := bars[len(bars)-1]
	eng.Evict(last.Symbol, last.Timeframe, last.CloseTime)
	assert.Equal(t, 0, eng.CacheSize())

	_, err = eng.Compute(context.Background(), bars)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDefaultGraphComputes(t *testing.T) {
	g, err := DefaultGraph()
	require.NoError(t, err)

	eng := NewEngine(g, 4)
	frame, err := eng.Compute(context.Background(), history(60))
	require.NoError(t, err)

	assert.Equal(t, 1.0, frame.DataCompleteness)

	rsi := frame.Values["rsi_14"]
	assert.GreaterOrEqual(t, rsi, 0.0)
	assert.LessOrEqual(t, rsi, 100.0)

	assert.Greater(t, frame.Values["bb_upper"], frame.Values["bb_lower"])
	assert.InDelta(t, frame.Values["macd"]-frame.Values["macd_signal"], frame.Values["macd_hist"], 1e-9)
	assert.Greater(t, frame.Values["atr_14"], 0.0)
	assert.Greater(t, frame.Values["vol_ratio"], 0.0)
	assert.Equal(t, 0.5, frame.Values["fear_greed"])
}

func TestFearGreedUsesSource(t *testing.T) {
	n := &FearGreedNode{NodeName: "fear_greed", Source: func() (float64, bool) { return 0.82, true }}
	v, err := n.Compute(Input{Bars: history(1)})
	require.NoError(t, err)
	assert.Equal(t, 0.82, v)
}

func TestWilderSmoothing(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5}
	out := smoothWilder(data, 3)
	assert.InDelta(t, 2.0, out[2], 1e-9)
	assert.InDelta(t, (2.0*2+4)/3, out[3], 1e-9)
}

func TestParseGraphFromYAML(t *testing.T) {
	data := []byte(`
indicators:
  - name: rsi_14
    type: rsi
    period: 14
  - name: atr_14
    type: atr
    period: 14
  - name: vol_ratio
    type: vol_ratio
    source: atr_14
  - name: macd
    type: macd
    fast: 12
    slow: 26
    signal: 9
    output: histogram
`)
	g, err := ParseGraph(data)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Size())
}

func TestParseGraphRejectsBadDeclarations(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty", "indicators: []"},
		{"missing name", "indicators:\n  - type: rsi\n    period: 14"},
		{"unknown type", "indicators:\n  - name: x\n    type: vwap"},
		{"bad period", "indicators:\n  - name: x\n    type: ema\n    period: 0"},
		{"bad macd output", "indicators:\n  - name: x\n    type: macd\n    fast: 12\n    slow: 26\n    signal: 9\n    output: wat"},
		{"vol_ratio without source", "indicators:\n  - name: x\n    type: vol_ratio"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseGraph([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}
