package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/signalforge/signalforge/internal/model"
)

// SavePosition upserts a position's current state
func (s *Store) SavePosition(ctx context.Context, pos *model.Position) error {
	query := `
		INSERT INTO positions (
			id, symbol, direction, entry_price, entry_time, stop_loss,
			take_profit, size, candidate_id, origin_score, status, status_changed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			origin_score = EXCLUDED.origin_score,
			status = EXCLUDED.status,
			status_changed = EXCLUDED.status_changed
	`
	_, err := s.pool.Exec(ctx, query,
		pos.ID,
		pos.Symbol,
		string(pos.Direction),
		pos.EntryPrice,
		pos.EntryTime,
		pos.StopLoss,
		pos.TakeProfit,
		pos.Size,
		pos.CandidateID,
		pos.OriginScore,
		string(pos.Status),
		pos.StatusChanged,
	)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// DeletePosition removes a closed position from the book
func (s *Store) DeletePosition(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// LoadOpenPositions returns every position still in the OPEN or CLOSING
// state, used to rebuild the policy book on restart
func (s *Store) LoadOpenPositions(ctx context.Context) ([]model.Position, error) {
	query := `
		SELECT id, symbol, direction, entry_price, entry_time, stop_loss,
		       take_profit, size, candidate_id, origin_score, status, status_changed
		FROM positions
		WHERE status IN ('OPEN', 'CLOSING')
		ORDER BY entry_time
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var (
			pos       model.Position
			direction string
			status    string
		)
		if err := rows.Scan(
			&pos.ID, &pos.Symbol, &direction, &pos.EntryPrice, &pos.EntryTime,
			&pos.StopLoss, &pos.TakeProfit, &pos.Size, &pos.CandidateID,
			&pos.OriginScore, &status, &pos.StatusChanged,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		pos.Direction = model.Direction(direction)
		pos.Status = model.PositionStatus(status)
		out = append(out, pos)
	}
	return out, rows.Err()
}
