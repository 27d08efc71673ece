package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalforge/signalforge/internal/model"
)

// AppendOutcome appends one outcome record to the log. Re-appending the same
// outcome id is a no-op, matching the learner's idempotent Record.
func (s *Store) AppendOutcome(ctx context.Context, rec *model.OutcomeRecord) error {
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("failed to encode outcome features: %w", err)
	}

	query := `
		INSERT INTO outcomes (
			id, candidate_id, position_id, symbol, strategy, reason,
			pnl_pct, hold_time_ms, features, regime, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.pool.Exec(ctx, query,
		rec.ID,
		rec.CandidateID,
		rec.PositionID,
		rec.Symbol,
		rec.Strategy,
		string(rec.Reason),
		rec.PnLPct,
		rec.HoldTime.Milliseconds(),
		features,
		rec.Regime,
		rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}
	return nil
}

// OutcomeFilter narrows RecentOutcomes by the indexed columns
type OutcomeFilter struct {
	Symbol   string
	Regime   string
	Strategy string
	Limit    int
}

// RecentOutcomes returns the newest outcomes matching the filter, newest first
func (s *Store) RecentOutcomes(ctx context.Context, f OutcomeFilter) ([]*model.OutcomeRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 500
	}
	query := `
		SELECT id, candidate_id, position_id, symbol, strategy, reason,
		       pnl_pct, hold_time_ms, features, regime, closed_at
		FROM outcomes
		WHERE ($1 = '' OR symbol = $1)
		  AND ($2 = '' OR regime = $2)
		  AND ($3 = '' OR strategy = $3)
		ORDER BY closed_at DESC
		LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, f.Symbol, f.Regime, f.Strategy, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []*model.OutcomeRecord
	for rows.Next() {
		var (
			rec      model.OutcomeRecord
			reason   string
			holdMS   int64
			features []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.CandidateID, &rec.PositionID, &rec.Symbol,
			&rec.Strategy, &reason, &rec.PnLPct, &holdMS,
			&features, &rec.Regime, &rec.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		rec.Reason = model.CloseReason(reason)
		rec.HoldTime = time.Duration(holdMS) * time.Millisecond
		if len(features) > 0 {
			if err := json.Unmarshal(features, &rec.Features); err != nil {
				return nil, fmt.Errorf("failed to decode outcome features: %w", err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
