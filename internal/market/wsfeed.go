package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/model"
)

// wireTick is the JSON frame spoken by generic websocket sources
type wireTick struct {
	Symbol   string  `json:"symbol"`
	Sequence uint64  `json:"sequence"`
	TimeMS   int64   `json:"ts"`
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
	Last     float64 `json:"last"`
	Volume   float64 `json:"volume"`
}

type wireSubscribe struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// WebsocketFeed streams ticks from a JSON-over-websocket source. It covers
// exchanges without a dedicated SDK: dial, send a subscribe frame, read
// tick frames until the connection drops.
type WebsocketFeed struct {
	name string
	url  string
	log  zerolog.Logger
}

func NewWebsocketFeed(name, url string) *WebsocketFeed {
	return &WebsocketFeed{
		name: name,
		url:  url,
		log:  log.With().Str("component", "market").Str("feed", name).Logger(),
	}
}

func (f *WebsocketFeed) Name() string { return f.name }

func (f *WebsocketFeed) Stream(ctx context.Context, symbols []string, out chan<- *model.MarketTick) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return model.Transient(fmt.Errorf("websocket dial %s: %w", f.url, err))
	}
	defer conn.Close()

	if err := conn.WriteJSON(wireSubscribe{Op: "subscribe", Symbols: symbols}); err != nil {
		return model.Transient(fmt.Errorf("websocket subscribe: %w", err))
	}

	// unblock ReadMessage when the context is cancelled
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return model.Transient(fmt.Errorf("websocket read: %w", err))
		}

		var wt wireTick
		if err := json.Unmarshal(payload, &wt); err != nil {
			f.log.Debug().Err(err).Msg("Skipped unparsable frame")
			continue
		}
		tick := &model.MarketTick{
			Symbol:    wt.Symbol,
			Source:    f.name,
			Sequence:  wt.Sequence,
			Timestamp: msToTime(wt.TimeMS),
			Bid:       wt.Bid,
			Ask:       wt.Ask,
			Last:      wt.Last,
			Volume:    wt.Volume,
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
