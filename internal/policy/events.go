package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
)

// OnPositionEvent applies a lifecycle transition delivered by the execution
// collaborator. CLOSED events emit an OutcomeRecord and charge any realized
// loss against the symbol's risk budget.
func (p *Policy) OnPositionEvent(ev model.PositionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.findLocked(ev.PositionID)
	if pos == nil {
		p.log.Debug().
			Str("position", ev.PositionID.String()).
			Str("status", string(ev.Status)).
			Msg("Event for unknown position ignored")
		return
	}

	switch ev.Status {
	case model.PositionClosing:
		pos.Status = model.PositionClosing
		pos.StatusChanged = ev.Timestamp
	case model.PositionClosed:
		p.closeLocked(pos, ev.Price, ev.Reason, ev.Timestamp)
	case model.PositionOpen:
		pos.Status = model.PositionOpen
		pos.StatusChanged = ev.Timestamp
	}
}

// ExpireStale closes positions held past the maximum hold duration with a
// TIMEOUT outcome. Called periodically by the pipeline.
func (p *Policy) ExpireStale(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	expired := 0
	for _, book := range p.positions {
		for _, pos := range book {
			if now.Sub(pos.EntryTime) > p.opts.MaxHold {
				p.closeLocked(pos, pos.EntryPrice, model.CloseTimeout, now)
				expired++
			}
		}
	}
	return expired
}

// Snapshot returns a read-only copy of the position book
func (p *Policy) Snapshot() map[string]map[model.Direction]model.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]map[model.Direction]model.Position, len(p.positions))
	for symbol, book := range p.positions {
		copied := make(map[model.Direction]model.Position, len(book))
		for dir, pos := range book {
			copied[dir] = *pos
		}
		out[symbol] = copied
	}
	return out
}

func (p *Policy) findLocked(id uuid.UUID) *model.Position {
	for _, book := range p.positions {
		for _, pos := range book {
			if pos.ID == id {
				return pos
			}
		}
	}
	return nil
}

func (p *Policy) closeLocked(pos *model.Position, price float64, reason model.CloseReason, at time.Time) {
	pnl := pnlPct(pos, price)
	if pnl < 0 {
		p.lossSpent[pos.Symbol] += -pnl
	}

	meta := p.meta[pos.ID]
	outcome := &model.OutcomeRecord{
		ID:          uuid.New(),
		CandidateID: pos.CandidateID,
		PositionID:  &pos.ID,
		Symbol:      pos.Symbol,
		Strategy:    meta.strategy,
		Reason:      reason,
		PnLPct:      pnl,
		HoldTime:    at.Sub(pos.EntryTime),
		Features:    meta.features,
		Regime:      meta.regime,
		ClosedAt:    at,
	}

	delete(p.meta, pos.ID)
	if book, ok := p.positions[pos.Symbol]; ok {
		if book[pos.Direction] != nil && book[pos.Direction].ID == pos.ID {
			delete(book, pos.Direction)
		}
		if len(book) == 0 {
			delete(p.positions, pos.Symbol)
		}
	}
	metrics.OpenPositions.Dec()

	select {
	case p.outcomes <- outcome:
	default:
		p.log.Warn().
			Str("position", pos.ID.String()).
			Msg("Outcome channel full, record discarded")
	}

	p.log.Info().
		Str("symbol", pos.Symbol).
		Str("position", pos.ID.String()).
		Str("reason", string(reason)).
		Float64("pnl_pct", pnl).
		Msg("Position closed")
}

// pnlPct computes the realized percentage move in the position's favor
func pnlPct(pos *model.Position, price float64) float64 {
	if pos.EntryPrice <= 0 || price <= 0 {
		return 0
	}
	move := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Direction == model.DirectionShort {
		move = -move
	}
	return move
}
