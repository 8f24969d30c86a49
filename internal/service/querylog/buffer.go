// Package querylog buffers per-query audit records and flushes them to
// Postgres in batches.
//
// Every Execute emits exactly one log before its reply returns; the buffer
// makes that emission cheap (an in-memory append) while the background
// flusher amortizes the database writes.
package querylog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered logs to prevent
// OOM. Past it, the oldest logs are dropped; audit logs must never block
// query traffic.
const maxBufferCapacity = 100_000

// Store is the flush target. *storage.DB satisfies it.
type Store interface {
	InsertQueryLogs(ctx context.Context, logs []model.QueryLog) error
	ListQueryLogs(ctx context.Context, tenantID string, limit int) ([]model.QueryLog, error)
}

// Buffer accumulates query logs in memory and flushes when either the
// batch size or the flush interval is reached.
type Buffer struct {
	store        Store
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu   sync.Mutex
	logs []model.QueryLog

	droppedLogs atomic.Int64
	started     atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a query log buffer.
func NewBuffer(store Store, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	return &Buffer{
		store:        store,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers metrics. Call Drain
// to stop. Idempotent: a second Start is a no-op.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("querylog: Start called twice, ignoring")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append stages one log for flushing. Never blocks and never fails the
// query that produced the log: at capacity the oldest buffered log is
// dropped and counted.
func (b *Buffer) Append(l model.QueryLog) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if len(b.logs) >= maxBufferCapacity {
		b.logs = b.logs[1:]
		b.droppedLogs.Add(1)
	}
	b.logs = append(b.logs, l)
	full := len(b.logs) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with the drain context; ctx is already done.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.logs) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.logs
	b.logs = nil
	b.mu.Unlock()

	start := time.Now()
	err := b.store.InsertQueryLogs(ctx, batch)
	if err != nil {
		b.logger.Error("querylog: flush failed", "error", err, "batch_size", len(batch))
		// Put the batch back for retry, respecting the capacity limit.
		b.mu.Lock()
		if len(b.logs)+len(batch) <= maxBufferCapacity {
			b.logs = append(batch, b.logs...)
		} else {
			b.droppedLogs.Add(int64(len(batch)))
			b.logger.Error("querylog: dropping logs, buffer at capacity after flush failure",
				"dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("querylog: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop, waits for its final flush, and returns. The
// ctx bounds the wait and the final database write.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("querylog: drain timed out waiting for flush loop")
	}
}

// Recent returns a tenant's latest logs, newest first, forcing a flush
// first so just-executed queries are visible.
func (b *Buffer) Recent(ctx context.Context, tenantID string, limit int) ([]model.QueryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	b.flush(ctx)
	logs, err := b.store.ListQueryLogs(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("querylog: list recent: %w", err)
	}
	return logs, nil
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("shinka/querylog")

	_, _ = meter.Int64ObservableGauge("shinka.querylog.depth",
		metric.WithDescription("Query logs waiting in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("shinka.querylog.dropped_total",
		metric.WithDescription("Query logs dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the current number of buffered logs.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs)
}

// Dropped returns the total logs lost to capacity exhaustion. Non-zero
// means audit gaps.
func (b *Buffer) Dropped() int64 {
	return b.droppedLogs.Load()
}
