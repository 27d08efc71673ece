package market

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/signalforge/signalforge/internal/model"
)

// MockFeed replays a scripted tick sequence. Used for paper sessions and
// tests; FailAfter simulates a dropped connection to exercise the
// supervisor's reconnect path.
type MockFeed struct {
	FeedName string
	Script   []model.MarketTick
	// Interval spaces out replayed ticks; zero replays as fast as possible
	Interval time.Duration
	// FailAfter ends the session with an error after that many ticks (0 = never)
	FailAfter int
	// Loop restarts the script instead of blocking when exhausted
	Loop bool

	sessions atomic.Int64
	seq      atomic.Uint64
}

func (m *MockFeed) Name() string { return m.FeedName }

// Sessions reports how many times Stream was entered
func (m *MockFeed) Sessions() int64 { return m.sessions.Load() }

func (m *MockFeed) Stream(ctx context.Context, symbols []string, out chan<- *model.MarketTick) error {
	m.sessions.Add(1)

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	sent := 0
	for {
		for _, scripted := range m.Script {
			if !wanted[scripted.Symbol] {
				continue
			}
			tick := scripted
			tick.Source = m.FeedName
			if tick.Sequence == 0 {
				tick.Sequence = m.seq.Add(1)
			}
			if tick.Timestamp.IsZero() {
				tick.Timestamp = time.Now().UTC()
			}

			select {
			case out <- &tick:
			case <-ctx.Done():
				return ctx.Err()
			}

			sent++
			if m.FailAfter > 0 && sent >= m.FailAfter {
				return model.Transient(fmt.Errorf("mock feed %s: scripted disconnect", m.FeedName))
			}
			if m.Interval > 0 {
				select {
				case <-time.After(m.Interval):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if !m.Loop {
			<-ctx.Done()
			return ctx.Err()
		}
	}
}

// NewFeed builds a feed from a source declaration
func NewFeed(name, kind, url string, testnet bool) (Feed, error) {
	switch kind {
	case "binance":
		return NewBinanceFeed(name, testnet), nil
	case "websocket":
		if url == "" {
			return nil, fmt.Errorf("feed %q: websocket kind requires a url", name)
		}
		return NewWebsocketFeed(name, url), nil
	case "mock":
		return &MockFeed{FeedName: name, Loop: true}, nil
	default:
		return nil, fmt.Errorf("feed %q: unknown kind %q", name, kind)
	}
}
