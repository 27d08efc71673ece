package market

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
)

// supervisor keeps one feed's stream alive with jittered exponential backoff
type supervisor struct {
	feed       Feed
	symbols    []string
	initial    time.Duration
	max        time.Duration
	log        zerolog.Logger
}

func newSupervisor(feed Feed, symbols []string, initial, max time.Duration) *supervisor {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	return &supervisor{
		feed:    feed,
		symbols: symbols,
		initial: initial,
		max:     max,
		log:     log.With().Str("component", "market").Str("feed", feed.Name()).Logger(),
	}
}

// run streams until the context is cancelled, reconnecting on failure
func (s *supervisor) run(ctx context.Context, out chan<- *model.MarketTick) {
	backoff := s.initial
	for {
		start := time.Now()
		err := s.feed.Stream(ctx, s.symbols, out)
		if ctx.Err() != nil {
			return
		}

		metrics.FeedReconnects.WithLabelValues(s.feed.Name()).Inc()
		s.log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("Feed stream ended, reconnecting")

		// a session that survived a while earns a reset backoff
		if time.Since(start) > s.max {
			backoff = s.initial
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}

		backoff *= 2
		if backoff > s.max {
			backoff = s.max
		}
	}
}

// jitter spreads reconnect storms: uniform in [d/2, d)
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
