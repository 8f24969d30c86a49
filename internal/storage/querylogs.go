package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shinka-ai/shinka/internal/model"
)

// InsertQueryLogs writes a batch of query logs in one round trip. Used by
// the buffer flusher; single-row callers pass a one-element slice.
func (db *DB) InsertQueryLogs(ctx context.Context, logs []model.QueryLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		var errCode *string
		if l.ErrorCode != "" {
			errCode = &l.ErrorCode
		}
		batch.Queue(
			`INSERT INTO query_logs (id, tenant_id, query, fingerprint, decision, confidence,
			 relational_ms, semantic_ms, result_count, cached, degraded, error_code, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			l.ID, l.TenantID, l.Query, l.Fingerprint, l.Decision, l.Confidence,
			l.RelationalMS, l.SemanticMS, l.ResultCount, l.Cached, l.Degraded, errCode, l.CreatedAt,
		)
	}
	br := db.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range logs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: insert query logs: %w", err)
		}
	}
	return nil
}

// ListQueryLogs returns a tenant's recent query logs, newest first.
func (db *DB) ListQueryLogs(ctx context.Context, tenantID string, limit int) ([]model.QueryLog, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, query, fingerprint, decision, confidence, relational_ms,
		 semantic_ms, result_count, cached, degraded, COALESCE(error_code, ''), created_at
		 FROM query_logs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list query logs: %w", err)
	}
	defer rows.Close()

	var out []model.QueryLog
	for rows.Next() {
		var l model.QueryLog
		if err := rows.Scan(
			&l.ID, &l.TenantID, &l.Query, &l.Fingerprint, &l.Decision, &l.Confidence,
			&l.RelationalMS, &l.SemanticMS, &l.ResultCount, &l.Cached, &l.Degraded,
			&l.ErrorCode, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan query log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list query logs: %w", err)
	}
	return out, nil
}
