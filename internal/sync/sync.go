// Package sync keeps the relational rows and their mirrored concepts
// consistent in both directions.
//
// Forward passes project changed rows into concepts through admin-installed
// mapping rules; backward passes write whitelisted concept edits back to
// their source rows. Both directions resume from persisted checkpoints and
// are idempotent on a content hash, so a crashed batch replays without
// duplication. Conflicts resolve by per-table policy; the manual policy
// quarantines the pair and never blocks the batch.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/relational"
	"github.com/shinka-ai/shinka/internal/search"
	"github.com/shinka-ai/shinka/internal/service/embedding"
	"github.com/shinka-ai/shinka/internal/telemetry"
)

// Backpressure constants: a window failing above failureRatioLimit halves
// the batch size; cleanWindowsToGrow consecutive clean windows double it
// back toward the configured cap.
const (
	failureRatioLimit  = 0.20
	cleanWindowsToGrow = 5
	minBatchSize       = 1
)

// Store is the gateway-state surface the synchronizer needs. *storage.DB
// satisfies it.
type Store interface {
	GetSyncCheckpoint(ctx context.Context, direction model.SyncDirection) (model.SyncCheckpoint, error)
	SaveSyncCheckpoint(ctx context.Context, cp model.SyncCheckpoint) error
	ListSyncMappings(ctx context.Context) ([]model.MappingRule, error)

	GetRowHash(ctx context.Context, table, pk string) (string, error)
	UpsertRowHash(ctx context.Context, table, pk, hash string) error

	GetConceptBySourceKey(ctx context.Context, table, pk string) (model.Concept, error)
	CreateConcept(ctx context.Context, c model.Concept) (model.Concept, error)
	UpdateConcept(ctx context.Context, c model.Concept) (model.Concept, error)
	ListConceptsChangedSince(ctx context.Context, since time.Time, afterID string, limit int) ([]model.Concept, error)

	InsertQuarantine(ctx context.Context, item model.QuarantineItem) (model.QuarantineItem, error)
	ListQuarantine(ctx context.Context, limit int) ([]model.QuarantineItem, error)
	CountQuarantine(ctx context.Context) (int, error)
	ResolveQuarantine(ctx context.Context, id uuid.UUID) error
}

// Config tunes the synchronizer.
type Config struct {
	Interval      time.Duration // tick period, default 60s
	MaxBatchSize  int           // rows per pass, default 500
	BatchDeadline time.Duration // per-pass deadline, default 10s
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.BatchDeadline <= 0 {
		c.BatchDeadline = 10 * time.Second
	}
}

// directionState is the mutable bookkeeping for one sync direction.
type directionState struct {
	batchSize    int
	cleanWindows int
	lastRunAt    *time.Time
	rowsSynced   int64
	rowsSkipped  int64
	lastError    string
}

// Synchronizer runs the bidirectional sync loop.
type Synchronizer struct {
	store    Store
	source   relational.Store
	vectors  search.VectorStore
	embedder embedding.Provider
	logger   *slog.Logger
	cfg      Config

	// mu serializes passes (timer ticks and RunNow never overlap) and
	// guards the direction states.
	mu       sync.Mutex
	forward  directionState
	backward directionState

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}

	now func() time.Time

	rowsSyncedCount metric.Int64Counter
	quarantineCount metric.Int64Counter
	passDuration    metric.Float64Histogram
}

// New creates a synchronizer. Start launches the periodic loop; RunNow works
// without Start for one-shot use.
func New(store Store, source relational.Store, vectors search.VectorStore, embedder embedding.Provider, cfg Config, logger *slog.Logger) *Synchronizer {
	cfg.applyDefaults()

	meter := telemetry.Meter("shinka/sync")
	rowsSyncedCount, _ := meter.Int64Counter("shinka.sync.rows_synced",
		metric.WithDescription("Rows and concepts applied by sync passes"),
	)
	quarantineCount, _ := meter.Int64Counter("shinka.sync.quarantined",
		metric.WithDescription("Conflicts staged for manual resolution"),
	)
	passDuration, _ := meter.Float64Histogram("shinka.sync.pass_duration",
		metric.WithDescription("Duration of one sync pass (ms)"),
		metric.WithUnit("ms"),
	)

	return &Synchronizer{
		store:           store,
		source:          source,
		vectors:         vectors,
		embedder:        embedder,
		logger:          logger,
		cfg:             cfg,
		forward:         directionState{batchSize: cfg.MaxBatchSize},
		backward:        directionState{batchSize: cfg.MaxBatchSize},
		done:            make(chan struct{}),
		now:             time.Now,
		rowsSyncedCount: rowsSyncedCount,
		quarantineCount: quarantineCount,
		passDuration:    passDuration,
	}
}

// Start launches the periodic sync loop. Idempotent.
func (s *Synchronizer) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("sync: Start called twice, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx)
}

func (s *Synchronizer) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunNow(ctx, model.SyncForward); err != nil && ctx.Err() == nil {
				s.logger.Warn("sync: forward pass failed", "error", err)
			}
			if err := s.RunNow(ctx, model.SyncBackward); err != nil && ctx.Err() == nil {
				s.logger.Warn("sync: backward pass failed", "error", err)
			}
		}
	}
}

// Drain stops the loop and waits for an in-flight pass to finish.
func (s *Synchronizer) Drain(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	s.cancelLoop()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("sync: drain timed out waiting for loop")
		return
	}
	// The loop is gone; taking the mutex proves no pass is mid-flight.
	s.mu.Lock()
	s.mu.Unlock() //nolint:staticcheck
}

// RunNow executes one pass in the given direction immediately.
func (s *Synchronizer) RunNow(ctx context.Context, direction model.SyncDirection) error {
	if !direction.Valid() {
		return fmt.Errorf("sync: unknown direction %q", direction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	passCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchDeadline)
	defer cancel()

	start := s.now()
	var (
		res passResult
		err error
	)
	if direction == model.SyncForward {
		res, err = s.forwardPass(passCtx, s.forward.batchSize)
		s.finishPass(&s.forward, res, err)
	} else {
		res, err = s.backwardPass(passCtx, s.backward.batchSize)
		s.finishPass(&s.backward, res, err)
	}

	s.passDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	s.rowsSyncedCount.Add(ctx, res.synced)
	if res.quarantined > 0 {
		s.quarantineCount.Add(ctx, res.quarantined)
	}
	return err
}

// passResult summarizes one pass for backpressure and status.
type passResult struct {
	processed   int64
	synced      int64
	skipped     int64
	failed      int64
	quarantined int64
}

// finishPass records the outcome and adjusts the batch size: failure ratio
// above the limit halves it, five consecutive clean windows double it back
// toward the configured cap. Quarantined rows count as handled, not failed.
func (s *Synchronizer) finishPass(st *directionState, res passResult, err error) {
	now := s.now().UTC()
	st.lastRunAt = &now
	st.rowsSynced += res.synced
	st.rowsSkipped += res.skipped
	st.lastError = ""
	if err != nil {
		st.lastError = err.Error()
	}

	failed := res.failed
	if err != nil && failed == 0 {
		failed = 1 // a pass-level failure counts against the window
	}

	if res.processed > 0 && float64(failed)/float64(res.processed) > failureRatioLimit || (res.processed == 0 && failed > 0) {
		st.batchSize = max(minBatchSize, st.batchSize/2)
		st.cleanWindows = 0
		return
	}
	if failed == 0 {
		st.cleanWindows++
		if st.cleanWindows >= cleanWindowsToGrow {
			st.batchSize = min(s.cfg.MaxBatchSize, st.batchSize*2)
			st.cleanWindows = 0
		}
	} else {
		st.cleanWindows = 0
	}
}

// Status reports checkpoints, throughput, and quarantine depth.
func (s *Synchronizer) Status(ctx context.Context) (model.SyncStatus, error) {
	s.mu.Lock()
	fwd, bwd := s.forward, s.backward
	s.mu.Unlock()

	status := model.SyncStatus{
		Forward:  directionStatus(fwd),
		Backward: directionStatus(bwd),
	}

	for _, d := range []model.SyncDirection{model.SyncForward, model.SyncBackward} {
		cp, err := s.store.GetSyncCheckpoint(ctx, d)
		if err != nil {
			continue // unsynced direction has no checkpoint yet
		}
		if d == model.SyncForward {
			status.Forward.Checkpoint = cp
		} else {
			status.Backward.Checkpoint = cp
		}
	}

	depth, err := s.store.CountQuarantine(ctx)
	if err != nil {
		return model.SyncStatus{}, fmt.Errorf("sync: count quarantine: %w", err)
	}
	status.QuarantineDepth = depth
	return status, nil
}

// Quarantine lists unresolved conflicts, oldest first.
func (s *Synchronizer) Quarantine(ctx context.Context, limit int) ([]model.QuarantineItem, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListQuarantine(ctx, limit)
}

// Resolve marks a quarantined conflict handled.
func (s *Synchronizer) Resolve(ctx context.Context, id uuid.UUID) error {
	return s.store.ResolveQuarantine(ctx, id)
}

func directionStatus(st directionState) model.DirectionStatus {
	return model.DirectionStatus{
		LastRunAt:   st.lastRunAt,
		RowsSynced:  st.rowsSynced,
		RowsSkipped: st.rowsSkipped,
		BatchSize:   st.batchSize,
		LastError:   st.lastError,
	}
}

// rowHash fingerprints the mapped column values of one row. Column order is
// fixed by the rule, so an unchanged row always hashes the same.
func rowHash(rule model.MappingRule, row map[string]any) string {
	h := sha256.New()
	for _, col := range mappedColumns(rule) {
		io.WriteString(h, col)
		h.Write([]byte{0})
		fmt.Fprintf(h, "%v", row[col])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// mappedColumns returns the columns that feed a concept, deduplicated in
// rule order.
func mappedColumns(rule model.MappingRule) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(col string) {
		if col == "" {
			return
		}
		if _, dup := seen[col]; dup {
			return
		}
		seen[col] = struct{}{}
		out = append(out, col)
	}
	add(rule.NameColumn)
	for _, c := range rule.DescColumns {
		add(c)
	}
	for _, c := range rule.MetadataColumns {
		add(c)
	}
	return out
}

// asTime coerces an engine timestamp value. Postgres scans to time.Time;
// SQLite returns text.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func sortedColumns(cols []string) []string {
	out := make([]string, len(cols))
	copy(out, cols)
	sort.Strings(out)
	return out
}
