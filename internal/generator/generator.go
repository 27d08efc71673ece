// Package generator runs signal generation: it fans exchange ticks into
// per-symbol workers, folds them into bars, computes the indicator graph on
// every bar close, and runs the registered strategies. Candidates are
// emitted in close-time order within each (symbol, timeframe) stream.
package generator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/signalforge/signalforge/internal/bars"
	"github.com/signalforge/signalforge/internal/indicators"
	"github.com/signalforge/signalforge/internal/market"
	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/params"
	"github.com/signalforge/signalforge/internal/strategy"
)

// Options configure the generator
type Options struct {
	Symbols    []string
	Timeframes map[string]time.Duration
	BarGrace   time.Duration
	RingSize   int
	WarmupBars int
	// Heartbeat is the silence window after which a symbol goes STALE
	Heartbeat time.Duration
	// Buffer bounds the candidate output channel
	Buffer int
	// OnBar is invoked for every accepted closed bar, after the watermark
	// check and before strategy evaluation. Must not block.
	OnBar func(bar model.Bar)
}

func (o *Options) defaults() {
	if o.RingSize <= 0 {
		o.RingSize = 256
	}
	if o.WarmupBars <= 0 {
		o.WarmupBars = 30
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 60 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.BarGrace <= 0 {
		o.BarGrace = 2 * time.Second
	}
}

// Generator is the P1 phase
type Generator struct {
	opts     Options
	hub      *market.Hub
	engine   *indicators.Engine
	registry *strategy.Registry

	active atomic.Pointer[params.Set]
	states *stateTracker
	out    chan *model.SignalCandidate
	log    zerolog.Logger
}

func New(hub *market.Hub, engine *indicators.Engine, registry *strategy.Registry, initial *params.Set, opts Options) *Generator {
	opts.defaults()
	g := &Generator{
		opts:     opts,
		hub:      hub,
		engine:   engine,
		registry: registry,
		states:   newStateTracker(),
		out:      make(chan *model.SignalCandidate, opts.Buffer),
		log:      log.With().Str("component", "generator").Logger(),
	}
	if initial == nil {
		initial = params.Default()
	}
	g.active.Store(initial)
	return g
}

// Subscribe starts the market hub and the per-symbol workers. It returns
// once the healthy-source quorum is met, or ErrNoHealthyExchange when the
// subscribe window elapses first. The candidate channel closes when every
// worker has drained after cancellation.
func (g *Generator) Subscribe(ctx context.Context) error {
	go g.hub.Run(ctx, g.opts.Symbols)

	if err := g.hub.WaitHealthy(ctx); err != nil {
		return err
	}

	grp, ctx := errgroup.WithContext(ctx)
	for _, symbol := range g.opts.Symbols {
		symbol := symbol
		grp.Go(func() error {
			g.runSymbol(ctx, symbol)
			return nil
		})
	}
	go func() {
		grp.Wait()
		close(g.out)
	}()

	g.log.Info().
		Strs("symbols", g.opts.Symbols).
		Int("timeframes", len(g.opts.Timeframes)).
		Msg("Signal generation subscribed")
	return nil
}

// Candidates is the emission-ordered candidate stream. Infinite until the
// generator's context is cancelled; not restartable.
func (g *Generator) Candidates() <-chan *model.SignalCandidate {
	return g.out
}

// ReloadParameters atomically swaps the active parameter set. Bars already
// being processed finish on the set captured at their compute start.
func (g *Generator) ReloadParameters(ps *params.Set) {
	if ps == nil {
		return
	}
	g.active.Store(ps)
	g.log.Info().Int64("version", ps.Version).Msg("Generator parameters reloaded")
}

// State exposes the stream state for one (symbol, timeframe)
func (g *Generator) State(symbol, timeframe string) StreamState {
	return g.states.get(symbol, timeframe)
}

// runSymbol owns all per-symbol mutable state: the aggregator, the bar
// rings, and the close-time watermarks. Single-goroutine ownership keeps
// them lock-free.
func (g *Generator) runSymbol(ctx context.Context, symbol string) {
	agg := bars.NewAggregator(g.opts.Timeframes, g.opts.BarGrace)
	rings := make(map[bars.Key]*bars.Ring, len(g.opts.Timeframes))
	watermarks := make(map[bars.Key]time.Time, len(g.opts.Timeframes))

	for tf := range g.opts.Timeframes {
		g.states.set(symbol, tf, StateWarmup)
	}

	ticks := g.hub.Ticks(symbol)
	flush := time.NewTicker(time.Second)
	defer flush.Stop()
	health := time.NewTicker(g.opts.Heartbeat / 4)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			now := time.Now()
			g.onBars(ctx, agg.Apply(tick, now), rings, watermarks)
		case now := <-flush.C:
			g.onBars(ctx, agg.Flush(now), rings, watermarks)
		case now := <-health.C:
			g.checkHealth(symbol, now)
		}
	}
}

func (g *Generator) onBars(ctx context.Context, closed []model.Bar, rings map[bars.Key]*bars.Ring, watermarks map[bars.Key]time.Time) {
	for _, bar := range closed {
		key := bars.Key{Symbol: bar.Symbol, Timeframe: bar.Timeframe}

		// close_time is strictly non-decreasing within a stream; a bar
		// behind the watermark would violate downstream ordering
		if wm, ok := watermarks[key]; ok && bar.CloseTime.Before(wm) {
			g.log.Warn().
				Str("symbol", bar.Symbol).
				Str("timeframe", bar.Timeframe).
				Time("close_time", bar.CloseTime).
				Msg("Discarded bar behind close-time watermark")
			continue
		}
		watermarks[key] = bar.CloseTime

		ring, ok := rings[key]
		if !ok {
			ring = bars.NewRing(g.opts.RingSize)
			ring.OnEvict = func(evicted model.Bar) {
				g.engine.Evict(evicted.Symbol, evicted.Timeframe, evicted.CloseTime)
			}
			rings[key] = ring
		}
		ring.Push(bar)

		if g.opts.OnBar != nil {
			g.opts.OnBar(bar)
		}

		if ring.Len() < g.opts.WarmupBars {
			g.states.set(bar.Symbol, bar.Timeframe, StateWarmup)
			continue
		}
		// a closed bar implies live ticks, so the stream is (re)active
		if g.states.set(bar.Symbol, bar.Timeframe, StateActive) {
			g.log.Info().
				Str("symbol", bar.Symbol).
				Str("timeframe", bar.Timeframe).
				Msg("Stream active")
		}

		g.emitForBar(ctx, ring, bar)
	}
}

func (g *Generator) emitForBar(ctx context.Context, ring *bars.Ring, bar model.Bar) {
	history := ring.Last(ring.Len())

	frame, err := g.engine.Compute(ctx, history)
	if err != nil {
		g.log.Error().Err(err).
			Str("symbol", bar.Symbol).
			Str("timeframe", bar.Timeframe).
			Msg("Indicator frame computation aborted")
		return
	}

	// capture once: the whole bar evaluates on a single parameter version
	active := g.active.Load()
	candidates := g.registry.EvaluateAll(&strategy.Context{
		Frame:   frame,
		History: history,
		Params:  active,
		Scopes:  []string{bar.Symbol},
	})

	for _, c := range candidates {
		if !g.states.emitting(c.Symbol, c.Timeframe) {
			continue
		}
		select {
		case g.out <- c:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Generator) checkHealth(symbol string, now time.Time) {
	last, seen := g.hub.LastTick(symbol)
	if seen && now.Sub(last) <= g.opts.Heartbeat {
		return
	}

	state := StateStale
	if len(g.hub.HealthySources(now)) == 0 {
		state = StateFailed
	}
	for tf := range g.opts.Timeframes {
		if g.states.set(symbol, tf, state) {
			g.log.Warn().
				Str("symbol", symbol).
				Str("timeframe", tf).
				Str("state", state.String()).
				Msg("Stream lost freshness")
		}
	}
}
