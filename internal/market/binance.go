package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/model"
)

// BinanceFeed streams aggregated trades from the Binance combined stream
type BinanceFeed struct {
	name string
	log  zerolog.Logger
}

func NewBinanceFeed(name string, testnet bool) *BinanceFeed {
	if testnet {
		binance.UseTestnet = true
	}
	return &BinanceFeed{
		name: name,
		log:  log.With().Str("component", "market").Str("feed", name).Logger(),
	}
}

func (f *BinanceFeed) Name() string { return f.name }

// Stream serves one websocket session; it returns when the stream errors
// or the context is cancelled
func (f *BinanceFeed) Stream(ctx context.Context, symbols []string, out chan<- *model.MarketTick) error {
	streamErr := make(chan error, 1)

	wsHandler := func(event *binance.WsAggTradeEvent) {
		tick, err := f.convert(event)
		if err != nil {
			f.log.Debug().Err(err).Str("symbol", event.Symbol).Msg("Skipped unparsable trade event")
			return
		}
		select {
		case out <- tick:
		case <-ctx.Done():
		}
	}
	errHandler := func(err error) {
		select {
		case streamErr <- err:
		default:
		}
	}

	doneC, stopC, err := binance.WsCombinedAggTradeServe(symbols, wsHandler, errHandler)
	if err != nil {
		return model.Transient(fmt.Errorf("binance stream dial: %w", err))
	}

	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case err := <-streamErr:
		close(stopC)
		<-doneC
		return model.Transient(fmt.Errorf("binance stream: %w", err))
	case <-doneC:
		return model.Transient(fmt.Errorf("binance stream closed"))
	}
}

func (f *BinanceFeed) convert(event *binance.WsAggTradeEvent) (*model.MarketTick, error) {
	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("bad price %q: %w", event.Price, err)
	}
	qty, err := strconv.ParseFloat(event.Quantity, 64)
	if err != nil {
		return nil, fmt.Errorf("bad quantity %q: %w", event.Quantity, err)
	}
	return &model.MarketTick{
		Symbol:    event.Symbol,
		Source:    f.name,
		Sequence:  uint64(event.AggTradeID),
		Timestamp: msToTime(event.TradeTime),
		Last:      price,
		Volume:    qty,
	}, nil
}

func msToTime(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
