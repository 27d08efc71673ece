package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
)

// Options configure the hub's health and dedup behavior
type Options struct {
	HealthyQuorum    int
	HeartbeatTimeout time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	SubscribeWindow  time.Duration
	DedupWindow      int
	// SymbolBuffer bounds each per-symbol fan-in channel
	SymbolBuffer int
}

func (o *Options) defaults() {
	if o.HealthyQuorum <= 0 {
		o.HealthyQuorum = 1
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 60 * time.Second
	}
	if o.SubscribeWindow <= 0 {
		o.SubscribeWindow = 30 * time.Second
	}
	if o.SymbolBuffer <= 0 {
		o.SymbolBuffer = 1024
	}
}

// electedSource is the per-symbol failover state
type electedSource struct {
	source string
	seen   time.Time
}

// Hub fans multiple exchange feeds into per-symbol tick channels.
// Duplicate ticks are dropped by (source, symbol, sequence); when the
// elected source for a symbol goes silent beyond the heartbeat window the
// symbol fails over to the source with the freshest valid tick.
type Hub struct {
	opts  Options
	feeds []Feed
	dedup *slidingDedup

	mu        sync.RWMutex
	lastSeen  map[string]time.Time // per source
	elected   map[string]electedSource
	symbolAt  map[string]time.Time // last accepted tick per symbol
	lastPrice map[string]float64
	outs      map[string]chan *model.MarketTick

	ingest chan *model.MarketTick
	log    zerolog.Logger
}

func NewHub(feeds []Feed, opts Options) *Hub {
	opts.defaults()
	return &Hub{
		opts:     opts,
		feeds:    feeds,
		dedup:    newSlidingDedup(opts.DedupWindow),
		lastSeen:  make(map[string]time.Time),
		elected:   make(map[string]electedSource),
		symbolAt:  make(map[string]time.Time),
		lastPrice: make(map[string]float64),
		outs:      make(map[string]chan *model.MarketTick),
		ingest:    make(chan *model.MarketTick, opts.SymbolBuffer),
		log:       log.With().Str("component", "market").Logger(),
	}
}

// Run starts the feed supervisors and the routing loop. It returns once the
// context is cancelled; per-symbol channels are closed on exit.
func (h *Hub) Run(ctx context.Context, symbols []string) {
	h.mu.Lock()
	for _, sym := range symbols {
		if _, ok := h.outs[sym]; !ok {
			h.outs[sym] = make(chan *model.MarketTick, h.opts.SymbolBuffer)
		}
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, feed := range h.feeds {
		sup := newSupervisor(feed, symbols, h.opts.ReconnectInitial, h.opts.ReconnectMax)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.run(ctx, h.ingest)
		}()
	}

	healthTicker := time.NewTicker(h.opts.HeartbeatTimeout / 4)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			h.mu.Lock()
			for _, ch := range h.outs {
				close(ch)
			}
			h.outs = make(map[string]chan *model.MarketTick)
			h.mu.Unlock()
			return
		case <-healthTicker.C:
			h.publishHealth(time.Now())
		case tick := <-h.ingest:
			h.route(tick, time.Now())
		}
	}
}

func (h *Hub) route(tick *model.MarketTick, now time.Time) {
	if err := tick.Validate(); err != nil {
		h.log.Debug().Err(err).Str("source", tick.Source).Msg("Discarded malformed tick")
		return
	}
	metrics.TicksReceived.WithLabelValues(tick.Source).Inc()

	h.mu.Lock()
	h.lastSeen[tick.Source] = now

	if !h.dedup.Observe(tick.Source, tick.Symbol, tick.Sequence) {
		h.mu.Unlock()
		metrics.TicksDeduplicated.WithLabelValues(tick.Source).Inc()
		return
	}

	// Per-symbol failover: follow the elected source while it stays fresh,
	// otherwise hand the symbol to whichever source is delivering.
	el, ok := h.elected[tick.Symbol]
	switch {
	case !ok:
		h.elected[tick.Symbol] = electedSource{source: tick.Source, seen: now}
	case el.source == tick.Source:
		el.seen = now
		h.elected[tick.Symbol] = el
	case now.Sub(el.seen) > h.opts.HeartbeatTimeout:
		h.log.Info().
			Str("symbol", tick.Symbol).
			Str("from", el.source).
			Str("to", tick.Source).
			Msg("Symbol failed over to fresher source")
		h.elected[tick.Symbol] = electedSource{source: tick.Source, seen: now}
	default:
		// healthy elected source covers this symbol; drop the shadow tick
		h.mu.Unlock()
		metrics.TicksDeduplicated.WithLabelValues(tick.Source).Inc()
		return
	}

	h.symbolAt[tick.Symbol] = now
	h.lastPrice[tick.Symbol] = tick.Mid()
	out, routed := h.outs[tick.Symbol]
	h.mu.Unlock()

	if !routed {
		return
	}
	select {
	case out <- tick:
	default:
		metrics.RecordDrop("p1", metrics.DropOverflow)
	}
}

func (h *Hub) publishHealth(now time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, feed := range h.feeds {
		healthy := 0.0
		if seen, ok := h.lastSeen[feed.Name()]; ok && now.Sub(seen) <= h.opts.HeartbeatTimeout {
			healthy = 1
		}
		metrics.FeedHealthy.WithLabelValues(feed.Name()).Set(healthy)
	}
}

// Ticks returns the fan-in channel for a symbol. Must be called after Run
// has registered the symbol set.
func (h *Hub) Ticks(symbol string) <-chan *model.MarketTick {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.outs[symbol]
}

// HealthySources lists sources with a tick inside the heartbeat window
func (h *Hub) HealthySources(now time.Time) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for src, seen := range h.lastSeen {
		if now.Sub(seen) <= h.opts.HeartbeatTimeout {
			out = append(out, src)
		}
	}
	return out
}

// LastTick reports when a symbol last produced an accepted tick
func (h *Hub) LastTick(symbol string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.symbolAt[symbol]
	return t, ok
}

// LastPrice reports a symbol's most recent accepted price
func (h *Hub) LastPrice(symbol string) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.lastPrice[symbol]
	return p, ok
}

// WaitHealthy blocks until the healthy-source quorum is met, failing with
// ErrNoHealthyExchange once the subscribe window elapses
func (h *Hub) WaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(h.opts.SubscribeWindow)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if len(h.HealthySources(time.Now())) >= h.opts.HealthyQuorum {
			return nil
		}
		select {
		case <-ctx.Done():
			return model.Deadline(ctx.Err())
		case <-ticker.C:
			if time.Now().After(deadline) {
				return ErrNoHealthyExchange
			}
		}
	}
}
