package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shinka-ai/shinka/internal/model"
)

// CreateTenant inserts a tenant.
func (db *DB) CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, role, api_key_hash, limits, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, t.Role, t.APIKeyHash, t.Limits, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: create tenant: %w", err)
	}
	return t, nil
}

// GetTenant retrieves a tenant by ID.
func (db *DB) GetTenant(ctx context.Context, id string) (model.Tenant, error) {
	var t model.Tenant
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, role, api_key_hash, limits, created_at, updated_at
		 FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Role, &t.APIKeyHash, &t.Limits, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Tenant{}, fmt.Errorf("%w: tenant %s", ErrNotFound, id)
		}
		return model.Tenant{}, fmt.Errorf("storage: get tenant: %w", err)
	}
	return t, nil
}

// UpdateTenantLimits replaces a tenant's quota envelope.
func (db *DB) UpdateTenantLimits(ctx context.Context, id string, limits model.QuotaLimits) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tenants SET limits = $1, updated_at = $2 WHERE id = $3`,
		limits, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update tenant limits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: tenant %s", ErrNotFound, id)
	}
	return nil
}

// ListTenants returns all tenants, oldest first.
func (db *DB) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, role, api_key_hash, limits, created_at, updated_at
		 FROM tenants ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenants: %w", err)
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Role, &t.APIKeyHash, &t.Limits, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tenant: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list tenants: %w", err)
	}
	return out, nil
}
