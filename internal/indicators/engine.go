package indicators

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
)

type cacheKey struct {
	symbol    string
	timeframe string
	closeTime time.Time
	name      string
}

// Engine computes indicator frames over a graph with a memoizing result
// cache. Entries are evicted when the bar ring evicts the underlying bar.
type Engine struct {
	graph   *Graph
	workers int

	mu    sync.RWMutex
	cache map[cacheKey]float64

	log zerolog.Logger
}

// NewEngine creates an engine for the given graph. workers bounds per-layer
// parallelism; 0 means unbounded within a layer.
func NewEngine(graph *Graph, workers int) *Engine {
	return &Engine{
		graph:   graph,
		workers: workers,
		cache:   make(map[cacheKey]float64),
		log:     log.With().Str("component", "indicators").Logger(),
	}
}

// Compute produces the IndicatorFrame for the bar closing the given history.
// The last element of bars is the bar that just closed. Node errors yield
// NaN for that node and reduce data completeness; the frame is always
// published.
func (e *Engine) Compute(ctx context.Context, barHistory []model.Bar) (*model.IndicatorFrame, error) {
	if len(barHistory) == 0 {
		return nil, fmt.Errorf("cannot compute indicators without bars")
	}
	current := barHistory[len(barHistory)-1]

	frame := &model.IndicatorFrame{
		Symbol:           current.Symbol,
		Timeframe:        current.Timeframe,
		CloseTime:        current.CloseTime,
		Bar:              current,
		Values:           make(map[string]float64, e.graph.Size()),
		DataCompleteness: 1,
	}

	if e.graph.Size() == 0 {
		return frame, nil
	}

	var mu sync.Mutex
	nanCount := 0

	for _, layer := range e.graph.Layers() {
		g, _ := errgroup.WithContext(ctx)
		if e.workers > 0 {
			g.SetLimit(e.workers)
		}
		for _, node := range layer {
			node := node
			g.Go(func() error {
				value := e.computeNode(node, barHistory, frame)
				mu.Lock()
				frame.Values[node.Name()] = value
				if math.IsNaN(value) {
					nanCount++
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	frame.DataCompleteness = 1 - float64(nanCount)/float64(e.graph.Size())
	return frame, nil
}

func (e *Engine) computeNode(node Node, barHistory []model.Bar, frame *model.IndicatorFrame) float64 {
	key := cacheKey{
		symbol:    frame.Symbol,
		timeframe: frame.Timeframe,
		closeTime: frame.CloseTime,
		name:      node.Name(),
	}

	e.mu.RLock()
	cached, hit := e.cache[key]
	e.mu.RUnlock()
	if hit {
		return cached
	}

	value := math.NaN()
	if len(barHistory) >= node.MinBars() && depsSatisfied(node, frame.Values) {
		v, err := safeCompute(node, Input{Bars: barHistory, Values: frame.Values})
		if err != nil {
			metrics.IndicatorErrors.WithLabelValues(node.Name()).Inc()
			e.log.Debug().
				Err(err).
				Str("indicator", node.Name()).
				Str("symbol", frame.Symbol).
				Str("timeframe", frame.Timeframe).
				Msg("Indicator computation failed, yielding NaN")
		} else {
			value = v
		}
	}

	e.mu.Lock()
	e.cache[key] = value
	e.mu.Unlock()
	return value
}

// safeCompute recovers panics from indicator nodes so one bad plug-in can
// never take down the frame.
func safeCompute(node Node, in Input) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("indicator %s panicked: %v", node.Name(), r)
		}
	}()
	return node.Compute(in)
}

func depsSatisfied(node Node, values map[string]float64) bool {
	for _, dep := range node.Deps() {
		v, ok := values[dep]
		if !ok || math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Evict removes cached values for an evicted bar
func (e *Engine) Evict(symbol, timeframe string, closeTime time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range e.graph.Names() {
		delete(e.cache, cacheKey{symbol: symbol, timeframe: timeframe, closeTime: closeTime, name: name})
	}
}

// CacheSize returns the number of memoized entries
func (e *Engine) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
