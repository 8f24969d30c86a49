package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shinka-ai/shinka/internal/model"
)

// UpsertRelation inserts an edge or replaces the strength of an existing
// (source, target, type) edge. The primary key keeps the graph at one edge
// per triple.
func (db *DB) UpsertRelation(ctx context.Context, r model.Relation) (model.Relation, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO relations (source_id, target_id, rel_type, strength, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_id, target_id, rel_type)
		 DO UPDATE SET strength = EXCLUDED.strength`,
		r.SourceID, r.TargetID, r.Type, r.Strength, r.CreatedAt,
	)
	if err != nil {
		return model.Relation{}, fmt.Errorf("storage: upsert relation: %w", err)
	}
	return r, nil
}

// DeleteRelation removes one edge.
func (db *DB) DeleteRelation(ctx context.Context, sourceID, targetID string, relType model.RelationType) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM relations WHERE source_id = $1 AND target_id = $2 AND rel_type = $3`,
		sourceID, targetID, relType,
	)
	if err != nil {
		return fmt.Errorf("storage: delete relation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: relation %s-[%s]->%s", ErrNotFound, sourceID, relType, targetID)
	}
	return nil
}

// RelationsOf returns every edge incident to a concept, in either direction,
// ordered deterministically for graph traversal.
func (db *DB) RelationsOf(ctx context.Context, id string) ([]model.Relation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT source_id, target_id, rel_type, strength, created_at
		 FROM relations WHERE source_id = $1 OR target_id = $1
		 ORDER BY source_id, target_id, rel_type`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: relations of %s: %w", id, err)
	}
	defer rows.Close()

	var out []model.Relation
	for rows.Next() {
		var r model.Relation
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.Strength, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan relation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: relations of %s: %w", id, err)
	}
	return out, nil
}

// ConceptEdgeStats returns the degree and mean incident edge strength used
// by the strength recompute. Zero degree yields zero average.
func (db *DB) ConceptEdgeStats(ctx context.Context, id string) (int64, float64, error) {
	var degree int64
	var avg float64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(strength), 0)
		 FROM relations WHERE source_id = $1 OR target_id = $1`,
		id,
	).Scan(&degree, &avg)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: edge stats for %s: %w", id, err)
	}
	return degree, avg, nil
}

// MergeConcepts redirects every edge on loserID to winnerID and deletes the
// loser, all in one transaction. Duplicate (source, target, type) edges keep
// the higher strength; edges that would become self-loops are dropped. The
// winner absorbs the loser's usage count. Returns the loser's row as it was,
// so the caller can clean up the vector index. Concurrent merges touching the
// same edges can deadlock, so the transaction runs under retryTx.
func (db *DB) MergeConcepts(ctx context.Context, tenantID, loserID, winnerID string) (model.Concept, error) {
	var loser model.Concept
	err := retryTx(ctx, func() error {
		var err error
		loser, err = db.mergeConceptsTx(ctx, tenantID, loserID, winnerID)
		return err
	})
	if err != nil {
		return model.Concept{}, err
	}
	return loser, nil
}

func (db *DB) mergeConceptsTx(ctx context.Context, tenantID, loserID, winnerID string) (model.Concept, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Concept{}, fmt.Errorf("storage: begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	loser, err := scanConcept(tx.QueryRow(ctx,
		`SELECT `+conceptColumns+` FROM concepts
		 WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, loserID,
	))
	if err != nil {
		return model.Concept{}, fmt.Errorf("%w: concept %s", ErrNotFound, loserID)
	}
	var winnerExists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM concepts WHERE tenant_id = $1 AND id = $2 FOR UPDATE)`,
		tenantID, winnerID,
	).Scan(&winnerExists)
	if err != nil {
		return model.Concept{}, fmt.Errorf("storage: lock winner: %w", err)
	}
	if !winnerExists {
		return model.Concept{}, fmt.Errorf("%w: concept %s", ErrNotFound, winnerID)
	}

	// Redirect outgoing edges. When the winner already has the same edge the
	// stronger one survives; a redirect that would point at the winner itself
	// is discarded.
	if _, err := tx.Exec(ctx,
		`INSERT INTO relations (source_id, target_id, rel_type, strength, created_at)
		 SELECT $2, target_id, rel_type, strength, created_at
		 FROM relations WHERE source_id = $1 AND target_id <> $2
		 ON CONFLICT (source_id, target_id, rel_type)
		 DO UPDATE SET strength = GREATEST(relations.strength, EXCLUDED.strength)`,
		loserID, winnerID,
	); err != nil {
		return model.Concept{}, fmt.Errorf("storage: redirect outgoing edges: %w", err)
	}

	// Redirect incoming edges the same way.
	if _, err := tx.Exec(ctx,
		`INSERT INTO relations (source_id, target_id, rel_type, strength, created_at)
		 SELECT source_id, $2, rel_type, strength, created_at
		 FROM relations WHERE target_id = $1 AND source_id <> $2
		 ON CONFLICT (source_id, target_id, rel_type)
		 DO UPDATE SET strength = GREATEST(relations.strength, EXCLUDED.strength)`,
		loserID, winnerID,
	); err != nil {
		return model.Concept{}, fmt.Errorf("storage: redirect incoming edges: %w", err)
	}

	// Deleting the loser cascades its original edges away.
	if _, err := tx.Exec(ctx,
		`DELETE FROM concepts WHERE tenant_id = $1 AND id = $2`, tenantID, loserID,
	); err != nil {
		return model.Concept{}, fmt.Errorf("storage: delete merged concept: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE concepts SET usage_count = usage_count + $1, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4`,
		loser.UsageCount, time.Now().UTC(), tenantID, winnerID,
	); err != nil {
		return model.Concept{}, fmt.Errorf("storage: absorb usage count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Concept{}, fmt.Errorf("storage: commit merge: %w", err)
	}
	return loser, nil
}
