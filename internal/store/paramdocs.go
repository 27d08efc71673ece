package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalforge/signalforge/internal/params"
)

// persistTimeout bounds the parameter-document calls, which run outside any
// request context
const persistTimeout = 5 * time.Second

// SaveParameterSet persists one parameter-set version as a JSON document
func (s *Store) SaveParameterSet(set *params.Set) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	doc, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode parameter set: %w", err)
	}
	query := `
		INSERT INTO parameter_sets (version, document, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (version) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, set.Version, doc, set.CreatedAt); err != nil {
		return fmt.Errorf("failed to save parameter set: %w", err)
	}
	return nil
}

// LoadParameterSets returns every persisted version in publication order
func (s *Store) LoadParameterSets() ([]*params.Set, error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT document FROM parameter_sets ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query parameter sets: %w", err)
	}
	defer rows.Close()

	var out []*params.Set
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan parameter set: %w", err)
		}
		var set params.Set
		if err := json.Unmarshal(doc, &set); err != nil {
			return nil, fmt.Errorf("failed to decode parameter set: %w", err)
		}
		out = append(out, &set)
	}
	return out, rows.Err()
}
