package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalforge/signalforge/internal/model"
)

func TestSlidingDedupWindow(t *testing.T) {
	d := newSlidingDedup(3)

	assert.True(t, d.Observe("a", "BTCUSDT", 1))
	assert.False(t, d.Observe("a", "BTCUSDT", 1))
	// same sequence on a different source is a distinct identity
	assert.True(t, d.Observe("b", "BTCUSDT", 1))
	assert.True(t, d.Observe("a", "BTCUSDT", 2))

	// window of 3: identity (a,1) has been evicted by now
	assert.True(t, d.Observe("a", "BTCUSDT", 3))
	assert.True(t, d.Observe("a", "BTCUSDT", 1))
	assert.Equal(t, 3, d.Len())
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitter(2 * time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestHubRoutesAndDeduplicates(t *testing.T) {
	feed := &MockFeed{
		FeedName: "mock-a",
		Script: []model.MarketTick{
			{Symbol: "BTCUSDT", Last: 30000, Volume: 1},
			{Symbol: "ETHUSDT", Last: 2000, Volume: 1},
		},
		Loop:     true,
		Interval: time.Millisecond,
	}
	h := NewHub([]Feed{feed}, Options{
		HealthyQuorum:   1,
		SubscribeWindow: 2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx, []string{"BTCUSDT", "ETHUSDT"})
	}()

	require.NoError(t, h.WaitHealthy(ctx))

	var btc <-chan *model.MarketTick
	require.Eventually(t, func() bool {
		btc = h.Ticks("BTCUSDT")
		return btc != nil
	}, time.Second, 10*time.Millisecond)

	select {
	case tick := <-btc:
		assert.Equal(t, "BTCUSDT", tick.Symbol)
		assert.Equal(t, "mock-a", tick.Source)
		assert.Equal(t, 30000.0, tick.Last)
	case <-time.After(time.Second):
		t.Fatal("no tick routed")
	}

	_, seen := h.LastTick("BTCUSDT")
	assert.True(t, seen)

	cancel()
	<-done
}

func TestHubQuorumTimeout(t *testing.T) {
	h := NewHub(nil, Options{
		HealthyQuorum:   1,
		SubscribeWindow: 200 * time.Millisecond,
	})
	err := h.WaitHealthy(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHealthyExchange))
	assert.True(t, model.IsFatal(err))
}

func TestHubFailoverElection(t *testing.T) {
	h := NewHub(nil, Options{HeartbeatTimeout: time.Minute})
	h.outs["BTCUSDT"] = make(chan *model.MarketTick, 16)

	now := time.Now()
	tick := func(source string, seq uint64, at time.Time) *model.MarketTick {
		return &model.MarketTick{
			Symbol: "BTCUSDT", Source: source, Sequence: seq,
			Timestamp: at, Last: 30000,
		}
	}

	// first source wins the election
	h.route(tick("a", 1, now), now)
	// a fresh elected source shadows the other feed's ticks
	h.route(tick("b", 1, now), now.Add(time.Second))
	// elected source silent past heartbeat: symbol fails over
	h.route(tick("b", 2, now.Add(2*time.Minute)), now.Add(2*time.Minute))

	out := h.outs["BTCUSDT"]
	require.Len(t, out, 2)
	first := <-out
	second := <-out
	assert.Equal(t, "a", first.Source)
	assert.Equal(t, "b", second.Source)
}

func TestSupervisorReconnects(t *testing.T) {
	feed := &MockFeed{
		FeedName:  "flaky",
		Script:    []model.MarketTick{{Symbol: "BTCUSDT", Last: 1, Volume: 1}},
		FailAfter: 1,
		Loop:      true,
	}
	sup := newSupervisor(feed, []string{"BTCUSDT"}, time.Millisecond, 4*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out := make(chan *model.MarketTick, 64)
	sup.run(ctx, out)

	assert.Greater(t, feed.Sessions(), int64(2))
}

func TestWebsocketFeedStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var sub wireSubscribe
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, "subscribe", sub.Op)
		assert.Equal(t, []string{"BTCUSDT"}, sub.Symbols)

		require.NoError(t, conn.WriteJSON(wireTick{
			Symbol: "BTCUSDT", Sequence: 7, TimeMS: 1750000000000,
			Bid: 29999, Ask: 30001, Last: 30000, Volume: 0.5,
		}))
		// malformed frame is skipped, not fatal
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		require.NoError(t, conn.WriteJSON(wireTick{
			Symbol: "BTCUSDT", Sequence: 8, TimeMS: 1750000001000, Last: 30010, Volume: 0.2,
		}))
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	feed := NewWebsocketFeed("testws", url)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := make(chan *model.MarketTick, 8)
	go feed.Stream(ctx, []string{"BTCUSDT"}, out)

	first := <-out
	assert.Equal(t, uint64(7), first.Sequence)
	assert.Equal(t, 30000.0, first.Mid())
	assert.Equal(t, "testws", first.Source)

	second := <-out
	assert.Equal(t, uint64(8), second.Sequence)
	assert.Equal(t, 30010.0, second.Mid())
}

func TestNewFeedKinds(t *testing.T) {
	f, err := NewFeed("b", "binance", "", false)
	require.NoError(t, err)
	assert.Equal(t, "b", f.Name())

	f, err = NewFeed("w", "websocket", "ws://example/stream", false)
	require.NoError(t, err)
	assert.Equal(t, "w", f.Name())

	_, err = NewFeed("w", "websocket", "", false)
	assert.Error(t, err)

	_, err = NewFeed("x", "ftp", "", false)
	assert.Error(t, err)
}
