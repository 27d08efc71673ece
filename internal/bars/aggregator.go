// Package bars folds market ticks into per (symbol, timeframe) OHLCV bars.
// Bar close is driven by either wall clock or a tick crossing the boundary;
// a short grace interval absorbs out-of-order ticks before publication.
package bars

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
)

// Key identifies one bar stream
type Key struct {
	Symbol    string
	Timeframe string
}

// Aggregator folds ticks into bars for a set of (symbol, timeframe) streams.
// Not safe for concurrent use; the generator owns one aggregator per symbol
// worker, matching the per-symbol fan-in.
type Aggregator struct {
	timeframes map[string]time.Duration
	grace      time.Duration
	streams    map[Key]*stream
	log        zerolog.Logger

	// LateDropped counts ticks older than the grace interval
	LateDropped uint64
}

type stream struct {
	interval time.Duration
	current  *model.Bar
	pending  *model.Bar // closed by boundary, held open for grace
}

// NewAggregator creates an aggregator for the given timeframe labels
func NewAggregator(timeframes map[string]time.Duration, grace time.Duration) *Aggregator {
	return &Aggregator{
		timeframes: timeframes,
		grace:      grace,
		streams:    make(map[Key]*stream),
		log:        log.With().Str("component", "bars").Logger(),
	}
}

// Apply folds one tick into every timeframe stream for its symbol and
// returns any bars whose grace interval has elapsed, oldest first.
func (a *Aggregator) Apply(tick *model.MarketTick, now time.Time) []model.Bar {
	var closed []model.Bar
	price := tick.Mid()
	for tf, interval := range a.timeframes {
		key := Key{Symbol: tick.Symbol, Timeframe: tf}
		st, ok := a.streams[key]
		if !ok {
			st = &stream{interval: interval}
			a.streams[key] = st
		}
		closed = append(closed, a.applyToStream(st, key, tick, price, now)...)
	}
	return closed
}

func (a *Aggregator) applyToStream(st *stream, key Key, tick *model.MarketTick, price float64, now time.Time) []model.Bar {
	var closed []model.Bar
	ts := tick.Timestamp

	// Ticks for the pending (boundary-crossed) bar are still accepted
	// while within grace.
	if st.pending != nil {
		if ts.Before(st.pending.CloseTime) {
			if ts.Before(st.pending.OpenTime) {
				a.dropLate(key)
				return nil
			}
			foldTick(st.pending, price, tick.Volume)
			return nil
		}
		if now.Sub(st.pending.CloseTime) > a.grace || ts.Sub(st.pending.CloseTime) > a.grace {
			closed = append(closed, *st.pending)
			metrics.BarsClosed.WithLabelValues(key.Timeframe).Inc()
			st.pending = nil
		}
	}

	if st.current == nil {
		st.current = newBar(key, ts.Truncate(st.interval), st.interval)
	}

	switch {
	case ts.Before(st.current.OpenTime):
		// Older than the current bar and not in pending: beyond grace
		a.dropLate(key)
		return closed
	case ts.Before(st.current.CloseTime):
		foldTick(st.current, price, tick.Volume)
	default:
		// Tick crossed the boundary: current bar goes pending, new bar opens
		if st.pending != nil {
			closed = append(closed, *st.pending)
			metrics.BarsClosed.WithLabelValues(key.Timeframe).Inc()
		}
		st.pending = st.current
		st.current = newBar(key, ts.Truncate(st.interval), st.interval)
		foldTick(st.current, price, tick.Volume)
		// Immediately release the pending bar if grace already elapsed
		if ts.Sub(st.pending.CloseTime) > a.grace || now.Sub(st.pending.CloseTime) > a.grace {
			closed = append(closed, *st.pending)
			metrics.BarsClosed.WithLabelValues(key.Timeframe).Inc()
			st.pending = nil
		}
	}
	return closed
}

// Flush closes streams by wall clock: bars whose boundary plus grace has
// passed are published even without a crossing tick.
func (a *Aggregator) Flush(now time.Time) []model.Bar {
	var closed []model.Bar
	for key, st := range a.streams {
		if st.pending != nil && now.Sub(st.pending.CloseTime) > a.grace {
			closed = append(closed, *st.pending)
			metrics.BarsClosed.WithLabelValues(key.Timeframe).Inc()
			st.pending = nil
		}
		if st.current != nil && now.Sub(st.current.CloseTime) > a.grace {
			closed = append(closed, *st.current)
			metrics.BarsClosed.WithLabelValues(key.Timeframe).Inc()
			st.current = nil
		}
	}
	return closed
}

func (a *Aggregator) dropLate(key Key) {
	a.LateDropped++
	metrics.LateTicksDropped.Inc()
	a.log.Debug().
		Str("symbol", key.Symbol).
		Str("timeframe", key.Timeframe).
		Msg("Dropped tick older than grace interval")
}

func newBar(key Key, openTime time.Time, interval time.Duration) *model.Bar {
	return &model.Bar{
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		OpenTime:  openTime,
		CloseTime: openTime.Add(interval),
	}
}

func foldTick(bar *model.Bar, price, volume float64) {
	if bar.TickCount == 0 {
		bar.Open = price
		bar.High = price
		bar.Low = price
	}
	if price > bar.High {
		bar.High = price
	}
	if price < bar.Low {
		bar.Low = price
	}
	bar.Close = price
	bar.Volume += volume
	bar.TickCount++
}
