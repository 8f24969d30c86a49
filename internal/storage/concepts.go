package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/shinka-ai/shinka/internal/model"
)

// CreateConcept inserts a concept and returns the stored form.
func (db *DB) CreateConcept(ctx context.Context, c model.Concept) (model.Concept, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO concepts (id, tenant_id, name, description, embedding, metadata,
		 usage_count, strength, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.TenantID, c.Name, c.Description, pgvector.NewVector(c.Vector), c.Metadata,
		c.UsageCount, c.Strength, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Concept{}, fmt.Errorf("storage: create concept: %w", err)
	}
	return c, nil
}

const conceptColumns = `id, tenant_id, name, description, embedding, metadata,
	 usage_count, strength, created_at, updated_at`

func scanConcept(row pgx.Row) (model.Concept, error) {
	var c model.Concept
	var emb pgvector.Vector
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Description, &emb, &c.Metadata,
		&c.UsageCount, &c.Strength, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return model.Concept{}, err
	}
	c.Vector = emb.Slice()
	return c, nil
}

// GetConcept retrieves a concept by ID within a tenant.
func (db *DB) GetConcept(ctx context.Context, tenantID, id string) (model.Concept, error) {
	c, err := scanConcept(db.pool.QueryRow(ctx,
		`SELECT `+conceptColumns+` FROM concepts WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Concept{}, fmt.Errorf("%w: concept %s", ErrNotFound, id)
		}
		return model.Concept{}, fmt.Errorf("storage: get concept: %w", err)
	}
	return c, nil
}

// GetConceptsByIDs hydrates concepts for a list of IDs. Missing IDs are
// silently skipped; the vector index may briefly reference deleted rows.
func (db *DB) GetConceptsByIDs(ctx context.Context, tenantID string, ids []string) ([]model.Concept, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+conceptColumns+` FROM concepts WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get concepts by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]model.Concept, len(ids))
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan concept: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get concepts by ids: %w", err)
	}

	// Preserve the caller's ordering (similarity order from the index).
	out := make([]model.Concept, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetConceptBySourceKey finds the concept mirroring a relational row, if any.
func (db *DB) GetConceptBySourceKey(ctx context.Context, table, pk string) (model.Concept, error) {
	c, err := scanConcept(db.pool.QueryRow(ctx,
		`SELECT `+conceptColumns+` FROM concepts
		 WHERE metadata -> 'source_key' ->> 'table' = $1
		   AND metadata -> 'source_key' ->> 'primary_key' = $2`,
		table, pk,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Concept{}, fmt.Errorf("%w: concept for %s/%s", ErrNotFound, table, pk)
		}
		return model.Concept{}, fmt.Errorf("storage: get concept by source key: %w", err)
	}
	return c, nil
}

// UpdateConcept replaces the mutable fields of a concept and bumps updated_at.
func (db *DB) UpdateConcept(ctx context.Context, c model.Concept) (model.Concept, error) {
	c.UpdatedAt = time.Now().UTC()
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE concepts SET name = $1, description = $2, embedding = $3, metadata = $4,
		 usage_count = $5, strength = $6, updated_at = $7
		 WHERE tenant_id = $8 AND id = $9`,
		c.Name, c.Description, pgvector.NewVector(c.Vector), c.Metadata,
		c.UsageCount, c.Strength, c.UpdatedAt, c.TenantID, c.ID,
	)
	if err != nil {
		return model.Concept{}, fmt.Errorf("storage: update concept: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Concept{}, fmt.Errorf("%w: concept %s", ErrNotFound, c.ID)
	}
	return c, nil
}

// DeleteConcept removes a concept. Incident relations go with it via the
// foreign keys.
func (db *DB) DeleteConcept(ctx context.Context, tenantID, id string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM concepts WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: delete concept: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: concept %s", ErrNotFound, id)
	}
	return nil
}

// CountConcepts returns the number of concepts a tenant holds.
func (db *DB) CountConcepts(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM concepts WHERE tenant_id = $1`, tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count concepts: %w", err)
	}
	return n, nil
}

// ConceptStorageBytes estimates a tenant's concept storage footprint.
func (db *DB) ConceptStorageBytes(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(octet_length(name) + octet_length(description)
		 + pg_column_size(metadata) + pg_column_size(embedding)), 0)
		 FROM concepts WHERE tenant_id = $1`, tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: concept storage bytes: %w", err)
	}
	return n, nil
}

// BumpUsageCounts increments usage_count on the given concepts. Called after
// a search returns them; failures are the caller's to log, not to surface.
func (db *DB) BumpUsageCounts(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE concepts SET usage_count = usage_count + 1 WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: bump usage counts: %w", err)
	}
	return nil
}

// UpdateStrength writes a recomputed strength without touching updated_at,
// so opportunistic neighbor recomputes don't look like edits to the
// synchronizer.
func (db *DB) UpdateStrength(ctx context.Context, tenantID, id string, strength float64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE concepts SET strength = $1 WHERE tenant_id = $2 AND id = $3`,
		strength, tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update strength: %w", err)
	}
	return nil
}

// SearchConceptsByVector is the pgvector fallback search used when the
// remote index is down. Cosine similarity is 1 - (embedding <=> query).
func (db *DB) SearchConceptsByVector(ctx context.Context, tenantID string, vector []float32, k int, threshold float64) ([]model.Concept, []float64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+conceptColumns+`, 1 - (embedding <=> $2) AS similarity
		 FROM concepts
		 WHERE tenant_id = $1 AND embedding IS NOT NULL AND 1 - (embedding <=> $2) >= $3
		 ORDER BY embedding <=> $2
		 LIMIT $4`,
		tenantID, pgvector.NewVector(vector), threshold, k,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: vector search: %w", err)
	}
	defer rows.Close()

	var concepts []model.Concept
	var scores []float64
	for rows.Next() {
		var c model.Concept
		var emb pgvector.Vector
		var sim float64
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.Name, &c.Description, &emb, &c.Metadata,
			&c.UsageCount, &c.Strength, &c.CreatedAt, &c.UpdatedAt, &sim,
		); err != nil {
			return nil, nil, fmt.Errorf("storage: scan vector search row: %w", err)
		}
		c.Vector = emb.Slice()
		concepts = append(concepts, c)
		scores = append(scores, sim)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storage: vector search: %w", err)
	}
	return concepts, scores, nil
}

// ListConceptsChangedSince returns concepts carrying a source_key whose
// updated_at is strictly after the checkpoint, oldest first, for backward
// sync. The (updated_at, id) pair breaks ties deterministically.
func (db *DB) ListConceptsChangedSince(ctx context.Context, since time.Time, afterID string, limit int) ([]model.Concept, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+conceptColumns+` FROM concepts
		 WHERE metadata ? 'source_key'
		   AND (updated_at > $1 OR (updated_at = $1 AND id > $2))
		 ORDER BY updated_at, id
		 LIMIT $3`,
		since, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list changed concepts: %w", err)
	}
	defer rows.Close()

	var out []model.Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan concept: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list changed concepts: %w", err)
	}
	return out, nil
}
