package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shinka-ai/shinka/internal/model"
)

// GetEvolutionState loads the singleton evolution row.
func (db *DB) GetEvolutionState(ctx context.Context) (model.EvolutionState, error) {
	var s model.EvolutionState
	err := db.pool.QueryRow(ctx,
		`SELECT phase, concept_ratio, total_queries, sql_queries, semantic_queries,
		 hybrid_queries, queries_since_advancement, advanced_at, updated_at
		 FROM evolution_state WHERE id = 1`,
	).Scan(
		&s.Phase, &s.ConceptRatio, &s.TotalQueries, &s.SQLQueries, &s.SemanticQueries,
		&s.HybridQueries, &s.QueriesSinceAdvancement, &s.AdvancedAt, &s.UpdatedAt,
	)
	if err != nil {
		return model.EvolutionState{}, fmt.Errorf("storage: get evolution state: %w", err)
	}
	return s, nil
}

// SaveEvolutionState persists the singleton evolution row.
func (db *DB) SaveEvolutionState(ctx context.Context, s model.EvolutionState) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`UPDATE evolution_state SET phase = $1, concept_ratio = $2, total_queries = $3,
		 sql_queries = $4, semantic_queries = $5, hybrid_queries = $6,
		 queries_since_advancement = $7, advanced_at = $8, updated_at = $9
		 WHERE id = 1`,
		s.Phase, s.ConceptRatio, s.TotalQueries, s.SQLQueries, s.SemanticQueries,
		s.HybridQueries, s.QueriesSinceAdvancement, s.AdvancedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save evolution state: %w", err)
	}
	return nil
}

// RecordEvolutionEvent appends one advancement to the audit trail.
func (db *DB) RecordEvolutionEvent(ctx context.Context, fromPhase, toPhase int, forced bool, reason string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO evolution_history (from_phase, to_phase, forced, reason)
		 VALUES ($1, $2, $3, $4)`,
		fromPhase, toPhase, forced, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: record evolution event: %w", err)
	}
	return nil
}

// ListEvolutionHistory returns advancement events, newest first.
func (db *DB) ListEvolutionHistory(ctx context.Context, limit int) ([]model.EvolutionEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, from_phase, to_phase, forced, reason, created_at
		 FROM evolution_history ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list evolution history: %w", err)
	}
	defer rows.Close()

	var out []model.EvolutionEvent
	for rows.Next() {
		var e model.EvolutionEvent
		if err := rows.Scan(&e.ID, &e.FromPhase, &e.ToPhase, &e.Forced, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan evolution event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list evolution history: %w", err)
	}
	return out, nil
}
