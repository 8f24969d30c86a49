package relational

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLite fronts an embedded SQLite file. Development engine: single writer,
// no server round trips.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) the database file at path. ":memory:" works
// for tests.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("relational: open sqlite: %w", err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent use.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("relational: ping sqlite: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Execute runs one statement.
func (s *SQLite) Execute(ctx context.Context, query string, params ...any) (Rows, int64, error) {
	return sqlExecute(ctx, s.db, query, params...)
}

// Transaction runs fn inside a single transaction.
func (s *SQLite) Transaction(ctx context.Context, fn func(ctx context.Context, tx Executor) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relational: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqlTxExecutor{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("relational: commit tx: %w", err)
	}
	return nil
}

type sqlTxExecutor struct {
	tx *sql.Tx
}

func (e *sqlTxExecutor) Execute(ctx context.Context, query string, params ...any) (Rows, int64, error) {
	return sqlExecute(ctx, e.tx, query, params...)
}

func sqlExecute(ctx context.Context, q sqlQuerier, query string, params ...any) (Rows, int64, error) {
	if !returnsRows(query) {
		res, err := q.ExecContext(ctx, query, params...)
		if err != nil {
			return Rows{}, 0, fmt.Errorf("relational: execute: %w", err)
		}
		affected, _ := res.RowsAffected()
		return Rows{}, affected, nil
	}

	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return Rows{}, 0, fmt.Errorf("relational: execute: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Rows{}, 0, fmt.Errorf("relational: read columns: %w", err)
	}

	out := Rows{Columns: columns, PrimaryKey: primaryKeyHint(columns)}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return Rows{}, 0, fmt.Errorf("relational: read row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			v := values[i]
			// database/sql hands back []byte for TEXT; maps should carry
			// strings so results serialize as JSON text.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Rows{}, 0, fmt.Errorf("relational: execute: %w", err)
	}
	return out, int64(len(out.Rows)), nil
}

// Now returns the process clock; SQLite runs in-process so there is no
// separate engine clock to consult.
func (s *SQLite) Now(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// Ping checks the handle is open.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the handle.
func (s *SQLite) Close() {
	_ = s.db.Close()
}
