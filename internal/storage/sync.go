package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shinka-ai/shinka/internal/model"
)

// GetSyncCheckpoint loads the checkpoint for one direction.
func (db *DB) GetSyncCheckpoint(ctx context.Context, direction model.SyncDirection) (model.SyncCheckpoint, error) {
	var cp model.SyncCheckpoint
	err := db.pool.QueryRow(ctx,
		`SELECT direction, last_updated_at, last_id, updated_at
		 FROM sync_checkpoints WHERE direction = $1`, direction,
	).Scan(&cp.Direction, &cp.LastUpdatedAt, &cp.LastID, &cp.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.SyncCheckpoint{}, fmt.Errorf("%w: sync checkpoint %s", ErrNotFound, direction)
		}
		return model.SyncCheckpoint{}, fmt.Errorf("storage: get sync checkpoint: %w", err)
	}
	return cp, nil
}

// SaveSyncCheckpoint advances a checkpoint. The WHERE clause keeps it
// strictly monotonic: a stale writer (crashed batch, concurrent trigger)
// can never move it backwards.
func (db *DB) SaveSyncCheckpoint(ctx context.Context, cp model.SyncCheckpoint) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE sync_checkpoints SET last_updated_at = $2, last_id = $3, updated_at = now()
		 WHERE direction = $1
		   AND (last_updated_at < $2 OR (last_updated_at = $2 AND last_id < $3))`,
		cp.Direction, cp.LastUpdatedAt, cp.LastID,
	)
	if err != nil {
		return fmt.Errorf("storage: save sync checkpoint: %w", err)
	}
	return nil
}

// ListSyncMappings returns every mapping rule, keyed by table name.
func (db *DB) ListSyncMappings(ctx context.Context) ([]model.MappingRule, error) {
	rows, err := db.pool.Query(ctx, `SELECT mapping FROM sync_mappings ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list sync mappings: %w", err)
	}
	defer rows.Close()

	var out []model.MappingRule
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("storage: scan sync mapping: %w", err)
		}
		var rule model.MappingRule
		if err := json.Unmarshal(raw, &rule); err != nil {
			return nil, fmt.Errorf("storage: decode sync mapping: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list sync mappings: %w", err)
	}
	return out, nil
}

// UpsertSyncMapping installs or replaces the mapping rule for a table.
func (db *DB) UpsertSyncMapping(ctx context.Context, rule model.MappingRule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("storage: encode sync mapping: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO sync_mappings (table_name, mapping) VALUES ($1, $2)
		 ON CONFLICT (table_name) DO UPDATE SET mapping = EXCLUDED.mapping`,
		rule.Table, raw,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert sync mapping: %w", err)
	}
	return nil
}

// GetRowHash returns the last synced content hash for a source row, or ""
// when the row has never been synced.
func (db *DB) GetRowHash(ctx context.Context, table, pk string) (string, error) {
	var h string
	err := db.pool.QueryRow(ctx,
		`SELECT row_hash FROM sync_row_hashes WHERE source_table = $1 AND source_pk = $2`,
		table, pk,
	).Scan(&h)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: get row hash: %w", err)
	}
	return h, nil
}

// UpsertRowHash records the content hash applied for a source row.
func (db *DB) UpsertRowHash(ctx context.Context, table, pk, hash string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_row_hashes (source_table, source_pk, row_hash, synced_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (source_table, source_pk)
		 DO UPDATE SET row_hash = EXCLUDED.row_hash, synced_at = now()`,
		table, pk, hash,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert row hash: %w", err)
	}
	return nil
}

// InsertQuarantine stages a sync conflict for manual resolution.
func (db *DB) InsertQuarantine(ctx context.Context, item model.QuarantineItem) (model.QuarantineItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_quarantine (id, source_table, source_pk, concept_payload, row_payload, policy, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		item.ID, item.SourceKey.Table, item.SourceKey.PrimaryKey,
		item.ConceptPayload, item.RowPayload, item.Policy, item.Reason, item.CreatedAt,
	)
	if err != nil {
		return model.QuarantineItem{}, fmt.Errorf("storage: insert quarantine: %w", err)
	}
	return item, nil
}

// ListQuarantine returns unresolved conflicts, oldest first.
func (db *DB) ListQuarantine(ctx context.Context, limit int) ([]model.QuarantineItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, source_table, source_pk, concept_payload, row_payload, policy, reason, created_at
		 FROM sync_quarantine WHERE NOT resolved ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list quarantine: %w", err)
	}
	defer rows.Close()

	var out []model.QuarantineItem
	for rows.Next() {
		var item model.QuarantineItem
		if err := rows.Scan(
			&item.ID, &item.SourceKey.Table, &item.SourceKey.PrimaryKey,
			&item.ConceptPayload, &item.RowPayload, &item.Policy, &item.Reason, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan quarantine item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list quarantine: %w", err)
	}
	return out, nil
}

// CountQuarantine returns the number of unresolved conflicts.
func (db *DB) CountQuarantine(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_quarantine WHERE NOT resolved`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count quarantine: %w", err)
	}
	return n, nil
}

// ResolveQuarantine marks a conflict handled.
func (db *DB) ResolveQuarantine(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_quarantine SET resolved = TRUE WHERE id = $1 AND NOT resolved`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: resolve quarantine: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: quarantine item %s", ErrNotFound, id)
	}
	return nil
}
