package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/market"
	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/policy"
)

// paperExecutor is the built-in execution collaborator for paper sessions.
// It watches live prices against each open position's bracket and feeds the
// resulting lifecycle events back into the policy.
type paperExecutor struct {
	hub      *market.Hub
	pol      *policy.Policy
	interval time.Duration
	log      zerolog.Logger
}

func newPaperExecutor(hub *market.Hub, pol *policy.Policy, interval time.Duration) *paperExecutor {
	if interval <= 0 {
		interval = time.Second
	}
	return &paperExecutor{
		hub:      hub,
		pol:      pol,
		interval: interval,
		log:      log.With().Str("component", "executor").Logger(),
	}
}

func (e *paperExecutor) run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.sweep(now.UTC())
		}
	}
}

// sweep closes any open position whose bracket the current price has crossed.
// Stop-loss wins when a single sweep observes both sides crossed.
func (e *paperExecutor) sweep(now time.Time) {
	for symbol, book := range e.pol.Snapshot() {
		price, ok := e.hub.LastPrice(symbol)
		if !ok || price <= 0 {
			continue
		}
		for _, pos := range book {
			if pos.Status != model.PositionOpen {
				continue
			}
			reason, hit := bracketHit(&pos, price)
			if !hit {
				continue
			}
			exit := pos.StopLoss
			if reason == model.CloseTakeProfit {
				exit = pos.TakeProfit
			}
			e.log.Info().
				Str("symbol", symbol).
				Str("direction", string(pos.Direction)).
				Str("reason", string(reason)).
				Float64("price", price).
				Msg("Paper position closed")
			e.pol.OnPositionEvent(model.PositionEvent{
				PositionID: pos.ID,
				Symbol:     symbol,
				Status:     model.PositionClosed,
				Price:      exit,
				Reason:     reason,
				Timestamp:  now,
			})
		}
	}
}

func bracketHit(pos *model.Position, price float64) (model.CloseReason, bool) {
	if pos.Direction == model.DirectionLong {
		switch {
		case price <= pos.StopLoss:
			return model.CloseStopLoss, true
		case price >= pos.TakeProfit:
			return model.CloseTakeProfit, true
		}
		return "", false
	}
	switch {
	case price >= pos.StopLoss:
		return model.CloseStopLoss, true
	case price <= pos.TakeProfit:
		return model.CloseTakeProfit, true
	}
	return "", false
}
