package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	txAttempts    = 3
	txBackoffBase = 10 * time.Millisecond
)

// isSerializationFailure reports whether err is a Postgres conflict a fresh
// attempt can succeed at: serialization_failure (40001) or deadlock_detected
// (40P01). Everything else is permanent as far as the retry loop is concerned.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// retryTx runs fn, retrying serialization and deadlock failures with jittered
// doubling backoff. Concept merges and counter upserts race across gateway
// instances; the in-process keyed locks don't reach that far.
func retryTx(ctx context.Context, fn func() error) error {
	delay := txBackoffBase
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isSerializationFailure(err) || attempt == txAttempts-1 {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
