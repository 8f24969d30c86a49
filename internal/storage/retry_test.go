package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serializationErr(code string) error {
	return &pgconn.PgError{Code: code, Message: "conflict"}
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, isSerializationFailure(serializationErr("40001")))
	assert.True(t, isSerializationFailure(serializationErr("40P01")))
	assert.True(t, isSerializationFailure(errors.Join(errors.New("merge"), serializationErr("40001"))))
	assert.False(t, isSerializationFailure(serializationErr("23505")))
	assert.False(t, isSerializationFailure(errors.New("connection refused")))
	assert.False(t, isSerializationFailure(nil))
}

func TestRetryTxRecoversFromSerializationFailure(t *testing.T) {
	calls := 0
	err := retryTx(context.Background(), func() error {
		calls++
		if calls < 3 {
			return serializationErr("40001")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryTxDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	boom := errors.New("syntax error")
	err := retryTx(context.Background(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryTxGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := retryTx(context.Background(), func() error {
		calls++
		return serializationErr("40P01")
	})
	require.Error(t, err)
	assert.True(t, isSerializationFailure(err))
	assert.Equal(t, txAttempts, calls)
}

func TestRetryTxStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryTx(ctx, func() error {
		calls++
		return serializationErr("40001")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
