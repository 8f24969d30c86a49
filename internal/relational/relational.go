// Package relational adapts the database the gateway fronts. The router
// sends the sql branch of a query here; the synchronizer scans mapped
// tables through the same interface. Two engines are supported: Postgres
// (pgx) and an embedded SQLite file for development.
//
// Gateway-owned state never lives behind this interface; see
// internal/storage.
package relational

import (
	"context"
	"strings"
	"time"
)

// Rows is a result set surfaced to the router: opaque maps keyed by column,
// with a stable column order and a primary-key hint for merge dedup.
type Rows struct {
	Columns    []string         `json:"columns"`
	Rows       []map[string]any `json:"rows"`
	PrimaryKey string           `json:"primary_key,omitempty"`
}

// Executor runs one statement. Implemented by stores and their transactions.
type Executor interface {
	Execute(ctx context.Context, query string, params ...any) (Rows, int64, error)
}

// Store is the fronted relational engine.
type Store interface {
	Executor

	// Transaction runs fn with a transactional executor; fn returning an
	// error rolls everything back.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Executor) error) error

	// Now returns the engine's clock, used for conflict resolution so both
	// sides of a sync compare against the same notion of time.
	Now(ctx context.Context) (time.Time, error)

	Ping(ctx context.Context) error
	Close()
}

// primaryKeyHint guesses the primary key column for merge dedup. The fronted
// schema is not ours to introspect on every query, so a conventional "id"
// column is the hint; callers fall back to positional keys without one.
func primaryKeyHint(columns []string) string {
	for _, c := range columns {
		if strings.EqualFold(c, "id") {
			return c
		}
	}
	return ""
}

// returnsRows reports whether the statement produces a result set.
func returnsRows(query string) bool {
	q := strings.TrimSpace(query)
	for _, prefix := range []string{"select", "with", "explain", "show", "values", "pragma"} {
		if len(q) >= len(prefix) && strings.EqualFold(q[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}
