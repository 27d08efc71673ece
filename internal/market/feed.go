// Package market maintains streaming market-data subscriptions across
// multiple exchanges. One connection supervisor per exchange handles
// reconnection with jittered exponential backoff; the hub deduplicates
// ticks, tracks per-source health, and fails each symbol over to the
// freshest healthy source.
package market

import (
	"context"

	"github.com/signalforge/signalforge/internal/model"
)

// ErrNoHealthyExchange is returned when fewer sources than the configured
// quorum become healthy within the subscribe window
var ErrNoHealthyExchange = model.Fatal(errNoHealthy{})

type errNoHealthy struct{}

func (errNoHealthy) Error() string { return "no healthy exchange within subscribe window" }

// Feed is one exchange stream. Stream blocks until the connection fails or
// the context is cancelled; the supervisor handles reconnection, so a feed
// implementation only needs to survive a single session.
type Feed interface {
	Name() string
	Stream(ctx context.Context, symbols []string, out chan<- *model.MarketTick) error
}
