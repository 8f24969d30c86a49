package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/shinka-ai/shinka/internal/model"
)

// IncrementMonthlyUsage atomically bumps a monthly counter, admitting the
// increment only while it stays within limit. A limit of zero means
// unlimited. Returns the counter after the call and whether the increment
// was admitted; a denied call leaves the counter untouched. The upsert can
// deadlock against a concurrent MarkUsageAlert on the same row, so it runs
// under retryTx.
func (db *DB) IncrementMonthlyUsage(ctx context.Context, tenantID string, resource model.Resource, period string, limit int64) (int64, bool, error) {
	var used int64
	err := retryTx(ctx, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO usage_counters (tenant_id, resource, period, used)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (tenant_id, resource, period)
			 DO UPDATE SET used = usage_counters.used + 1, updated_at = now()
			 WHERE $4 <= 0 OR usage_counters.used < $4
			 RETURNING used`,
			tenantID, resource, period, limit,
		).Scan(&used)
	})
	if err == pgx.ErrNoRows {
		current, err := db.getMonthlyUsed(ctx, tenantID, resource, period)
		if err != nil {
			return 0, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: increment monthly usage: %w", err)
	}
	return used, true, nil
}

func (db *DB) getMonthlyUsed(ctx context.Context, tenantID string, resource model.Resource, period string) (int64, error) {
	var used int64
	err := db.pool.QueryRow(ctx,
		`SELECT used FROM usage_counters WHERE tenant_id = $1 AND resource = $2 AND period = $3`,
		tenantID, resource, period,
	).Scan(&used)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: get monthly usage: %w", err)
	}
	return used, nil
}

// GetMonthlyUsage returns the raw counters for a tenant and period.
func (db *DB) GetMonthlyUsage(ctx context.Context, tenantID, period string) (map[model.Resource]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT resource, used FROM usage_counters WHERE tenant_id = $1 AND period = $2`,
		tenantID, period,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get monthly usage: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Resource]int64)
	for rows.Next() {
		var r model.Resource
		var used int64
		if err := rows.Scan(&r, &used); err != nil {
			return nil, fmt.Errorf("storage: scan usage counter: %w", err)
		}
		out[r] = used
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get monthly usage: %w", err)
	}
	return out, nil
}

// MarkUsageAlert records that an alert threshold fired for this period.
// Returns true only for the call that flips the flag, so the caller warns
// exactly once per period.
func (db *DB) MarkUsageAlert(ctx context.Context, tenantID string, resource model.Resource, period string, critical bool) (bool, error) {
	column := "alerted_80"
	if critical {
		column = "alerted_95"
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE usage_counters SET `+column+` = TRUE, updated_at = now()
		 WHERE tenant_id = $1 AND resource = $2 AND period = $3 AND NOT `+column,
		tenantID, resource, period,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark usage alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetUsageAlerts returns the alert flags for a tenant and period.
func (db *DB) GetUsageAlerts(ctx context.Context, tenantID, period string) (map[model.Resource][2]bool, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT resource, alerted_80, alerted_95 FROM usage_counters
		 WHERE tenant_id = $1 AND period = $2`,
		tenantID, period,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get usage alerts: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Resource][2]bool)
	for rows.Next() {
		var r model.Resource
		var warn, crit bool
		if err := rows.Scan(&r, &warn, &crit); err != nil {
			return nil, fmt.Errorf("storage: scan usage alert: %w", err)
		}
		out[r] = [2]bool{warn, crit}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get usage alerts: %w", err)
	}
	return out, nil
}
