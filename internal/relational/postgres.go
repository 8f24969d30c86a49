package relational

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres fronts a Postgres database via pgxpool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	owned  bool
}

// NewPostgres connects to the fronted Postgres database.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("relational: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relational: ping: %w", err)
	}
	return &Postgres{pool: pool, logger: logger, owned: true}, nil
}

// NewPostgresFromPool fronts an already-open pool. Used when the gateway
// fronts its own state database; Close leaves a shared pool alone.
func NewPostgresFromPool(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

// Execute runs one statement against the fronted database.
func (p *Postgres) Execute(ctx context.Context, query string, params ...any) (Rows, int64, error) {
	return pgxExecute(ctx, p.pool, query, params...)
}

// Transaction runs fn inside a single transaction.
func (p *Postgres) Transaction(ctx context.Context, fn func(ctx context.Context, tx Executor) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relational: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgxTxExecutor{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("relational: commit tx: %w", err)
	}
	return nil
}

type pgxTxExecutor struct {
	tx pgx.Tx
}

func (e *pgxTxExecutor) Execute(ctx context.Context, query string, params ...any) (Rows, int64, error) {
	return pgxExecute(ctx, e.tx, query, params...)
}

type pgxRunner interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgxExecute(ctx context.Context, q pgxRunner, query string, params ...any) (Rows, int64, error) {
	rows, err := q.Query(ctx, query, params...)
	if err != nil {
		return Rows{}, 0, fmt.Errorf("relational: execute: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	out := Rows{Columns: columns, PrimaryKey: primaryKeyHint(columns)}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Rows{}, 0, fmt.Errorf("relational: read row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Rows{}, 0, fmt.Errorf("relational: execute: %w", err)
	}

	affected := rows.CommandTag().RowsAffected()
	return out, affected, nil
}

// Now returns the database clock.
func (p *Postgres) Now(ctx context.Context) (time.Time, error) {
	var t time.Time
	if err := p.pool.QueryRow(ctx, `SELECT now()`).Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("relational: now: %w", err)
	}
	return t.UTC(), nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool unless it is shared with the storage layer.
func (p *Postgres) Close() {
	if p.owned {
		p.pool.Close()
	}
}
