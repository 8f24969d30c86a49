package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/relational"
	"github.com/shinka-ai/shinka/internal/search"
	"github.com/shinka-ai/shinka/internal/service/embedding"
	"github.com/shinka-ai/shinka/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu          stdsync.Mutex
	checkpoints map[model.SyncDirection]model.SyncCheckpoint
	mappings    []model.MappingRule
	rowHashes   map[string]string
	concepts    map[string]model.Concept // keyed table/pk
	byID        map[string]model.Concept
	changed     []model.Concept
	quarantine  []model.QuarantineItem

	created []model.Concept
	updated []model.Concept
}

func newStore() *fakeStore {
	return &fakeStore{
		checkpoints: make(map[model.SyncDirection]model.SyncCheckpoint),
		rowHashes:   make(map[string]string),
		concepts:    make(map[string]model.Concept),
		byID:        make(map[string]model.Concept),
	}
}

func (f *fakeStore) GetSyncCheckpoint(_ context.Context, d model.SyncDirection) (model.SyncCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[d]
	if !ok {
		return model.SyncCheckpoint{}, fmt.Errorf("%w: sync checkpoint %s", storage.ErrNotFound, d)
	}
	return cp, nil
}

func (f *fakeStore) SaveSyncCheckpoint(_ context.Context, cp model.SyncCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.checkpoints[cp.Direction]
	if ok && !cp.LastUpdatedAt.After(prev.LastUpdatedAt) && !(cp.LastUpdatedAt.Equal(prev.LastUpdatedAt) && cp.LastID > prev.LastID) {
		return nil // monotonic guard, stale save is a no-op
	}
	f.checkpoints[cp.Direction] = cp
	return nil
}

func (f *fakeStore) ListSyncMappings(_ context.Context) ([]model.MappingRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.MappingRule(nil), f.mappings...), nil
}

func (f *fakeStore) GetRowHash(_ context.Context, table, pk string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rowHashes[table+"/"+pk], nil
}

func (f *fakeStore) UpsertRowHash(_ context.Context, table, pk, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowHashes[table+"/"+pk] = hash
	return nil
}

func (f *fakeStore) GetConceptBySourceKey(_ context.Context, table, pk string) (model.Concept, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.concepts[table+"/"+pk]
	if !ok {
		return model.Concept{}, fmt.Errorf("%w: concept for %s/%s", storage.ErrNotFound, table, pk)
	}
	return c, nil
}

func (f *fakeStore) CreateConcept(_ context.Context, c model.Concept) (model.Concept, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	f.created = append(f.created, c)
	f.byID[c.ID] = c
	if key, ok := model.SourceKeyFromMetadata(c.Metadata); ok {
		f.concepts[key.Table+"/"+key.PrimaryKey] = c
	}
	return c, nil
}

func (f *fakeStore) UpdateConcept(_ context.Context, c model.Concept) (model.Concept, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.UpdatedAt = time.Now().UTC()
	f.updated = append(f.updated, c)
	f.byID[c.ID] = c
	if key, ok := model.SourceKeyFromMetadata(c.Metadata); ok {
		f.concepts[key.Table+"/"+key.PrimaryKey] = c
	}
	return c, nil
}

func (f *fakeStore) ListConceptsChangedSince(_ context.Context, since time.Time, afterID string, limit int) ([]model.Concept, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Concept
	for _, c := range f.changed {
		if c.UpdatedAt.After(since) || (c.UpdatedAt.Equal(since) && c.ID > afterID) {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) InsertQuarantine(_ context.Context, item model.QuarantineItem) (model.QuarantineItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	f.quarantine = append(f.quarantine, item)
	return item, nil
}

func (f *fakeStore) ListQuarantine(_ context.Context, limit int) ([]model.QuarantineItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.quarantine) > limit {
		return f.quarantine[:limit], nil
	}
	return append([]model.QuarantineItem(nil), f.quarantine...), nil
}

func (f *fakeStore) CountQuarantine(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.quarantine), nil
}

func (f *fakeStore) ResolveQuarantine(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, item := range f.quarantine {
		if item.ID == id {
			f.quarantine = append(f.quarantine[:i], f.quarantine[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: quarantine item %s", storage.ErrNotFound, id)
}

type recordedExec struct {
	query string
	args  []any
}

// fakeSource scripts SELECT responses in order and records UPDATEs.
type fakeSource struct {
	mu        stdsync.Mutex
	selects   []relational.Rows
	selectErr error
	updateErr error
	updates   []recordedExec
}

func (f *fakeSource) Execute(_ context.Context, query string, params ...any) (relational.Rows, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasPrefix(strings.TrimSpace(query), "UPDATE") {
		if f.updateErr != nil {
			return relational.Rows{}, 0, f.updateErr
		}
		f.updates = append(f.updates, recordedExec{query: query, args: params})
		return relational.Rows{}, 1, nil
	}
	if f.selectErr != nil {
		return relational.Rows{}, 0, f.selectErr
	}
	if len(f.selects) == 0 {
		return relational.Rows{}, 0, nil
	}
	rows := f.selects[0]
	f.selects = f.selects[1:]
	return rows, int64(len(rows.Rows)), nil
}

func (f *fakeSource) Transaction(ctx context.Context, fn func(ctx context.Context, tx relational.Executor) error) error {
	return fn(ctx, f)
}

func (f *fakeSource) Now(context.Context) (time.Time, error) { return time.Now().UTC(), nil }
func (f *fakeSource) Ping(context.Context) error             { return nil }
func (f *fakeSource) Close()                                 {}

func (f *fakeSource) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type fakeVectors struct {
	mu      stdsync.Mutex
	upserts []string
}

func (f *fakeVectors) EnsureCollection(context.Context) error { return nil }

func (f *fakeVectors) Upsert(_ context.Context, tenantID, id string, vector []float32, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, tenantID+"/"+id)
	return nil
}

func (f *fakeVectors) Delete(context.Context, string, []string) error { return nil }

func (f *fakeVectors) Search(context.Context, string, []float32, int, float64) ([]search.Hit, error) {
	return nil, nil
}

func (f *fakeVectors) Healthy(context.Context) error { return nil }

func productsRule(policy model.ConflictPolicy) model.MappingRule {
	return model.MappingRule{
		Table:            "products",
		TenantID:         "acme",
		PKColumn:         "id",
		NameColumn:       "name",
		DescColumns:      []string{"description"},
		MetadataColumns:  []string{"price"},
		WritebackColumns: []string{"name", "description"},
		UpdatedAtColumn:  "updated_at",
		Policy:           policy,
	}
}

func productRow(id, name, desc string, price float64, at time.Time) map[string]any {
	return map[string]any{
		"id": id, "name": name, "description": desc, "price": price, "updated_at": at,
	}
}

type harness struct {
	sync    *Synchronizer
	store   *fakeStore
	source  *fakeSource
	vectors *fakeVectors
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{store: newStore(), source: &fakeSource{}, vectors: &fakeVectors{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.sync = New(h.store, h.source, h.vectors, embedding.NewNoopProvider(model.EmbeddingDimensions), cfg, logger)
	return h
}

func TestForwardCreatesConcepts(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.mappings = []model.MappingRule{productsRule("")}

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.source.selects = []relational.Rows{{
		Columns: []string{"id", "updated_at", "name", "description", "price"},
		Rows: []map[string]any{
			productRow("p1", "Widget", "A fine widget", 9.99, at),
			productRow("p2", "Gadget", "A fine gadget", 19.99, at.Add(time.Minute)),
		},
	}}

	require.NoError(t, h.sync.RunNow(context.Background(), model.SyncForward))

	require.Len(t, h.store.created, 2)
	c := h.store.created[0]
	assert.Equal(t, "acme", c.TenantID)
	assert.Equal(t, "Widget", c.Name)
	assert.Equal(t, "A fine widget", c.Description)
	assert.Equal(t, 9.99, c.Metadata["price"])
	key, ok := model.SourceKeyFromMetadata(c.Metadata)
	require.True(t, ok)
	assert.Equal(t, model.SourceKey{Table: "products", PrimaryKey: "p1"}, key)
	assert.Len(t, c.Vector, model.EmbeddingDimensions)

	assert.Len(t, h.vectors.upserts, 2)
	assert.NotEmpty(t, h.store.rowHashes["products/p1"])

	cp := h.store.checkpoints[model.SyncForward]
	assert.Equal(t, at.Add(time.Minute), cp.LastUpdatedAt)
	assert.Equal(t, "p2", cp.LastID)
}

func TestForwardSkipsUnchangedRows(t *testing.T) {
	h := newHarness(t, Config{})
	rule := productsRule("")
	h.store.mappings = []model.MappingRule{rule}

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	row := productRow("p1", "Widget", "A fine widget", 9.99, at)
	h.store.rowHashes["products/p1"] = rowHash(rule, row)
	h.source.selects = []relational.Rows{{Rows: []map[string]any{row}}}

	require.NoError(t, h.sync.RunNow(context.Background(), model.SyncForward))

	assert.Empty(t, h.store.created, "unchanged row must not be reprojected")
	status, err := h.sync.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Forward.RowsSkipped)
}

func TestForwardUpdatesExistingMirror(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.mappings = []model.MappingRule{productsRule("")}

	old := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	existing := model.Concept{
		ID: "c-old", TenantID: "acme", Name: "Widget",
		Metadata: map[string]any{
			model.MetadataKeySourceKey: model.SourceKey{Table: "products", PrimaryKey: "p1"},
		},
		UsageCount: 7, Strength: 0.4, UpdatedAt: old,
	}
	h.store.concepts["products/p1"] = existing
	// Checkpoint after the concept's updated_at: only the row changed.
	h.store.checkpoints[model.SyncForward] = model.SyncCheckpoint{
		Direction: model.SyncForward, LastUpdatedAt: old.Add(time.Hour),
	}

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.source.selects = []relational.Rows{{
		Rows: []map[string]any{productRow("p1", "Widget v2", "Updated", 12.50, at)},
	}}

	require.NoError(t, h.sync.RunNow(context.Background(), model.SyncForward))

	require.Len(t, h.store.updated, 1)
	got := h.store.updated[0]
	assert.Equal(t, "c-old", got.ID, "mirror keeps its identity")
	assert.Equal(t, "Widget v2", got.Name)
	assert.Equal(t, int64(7), got.UsageCount, "usage survives resync")
	assert.Equal(t, 0.4, got.Strength)
	assert.Empty(t, h.store.created)
}

func TestForwardManualConflictQuarantines(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.mappings = []model.MappingRule{productsRule(model.PolicyManual)}

	// Concept changed after the (zero) checkpoint, and so did the row.
	h.store.concepts["products/p1"] = model.Concept{
		ID: "c1", TenantID: "acme", Name: "Widget (edited)",
		Metadata:  map[string]any{model.MetadataKeySourceKey: model.SourceKey{Table: "products", PrimaryKey: "p1"}},
		UpdatedAt: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
	}
	h.source.selects = []relational.Rows{{
		Rows: []map[string]any{productRow("p1", "Widget v2", "Updated", 12.50,
			time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))},
	}}

	require.NoError(t, h.sync.RunNow(context.Background(), model.SyncForward))

	require.Len(t, h.store.quarantine, 1)
	item := h.store.quarantine[0]
	assert.Equal(t, model.PolicyManual, item.Policy)
	assert.Equal(t, "products", item.SourceKey.Table)
	assert.NotEmpty(t, item.ConceptPayload)
	assert.NotEmpty(t, item.RowPayload)
	assert.Empty(t, h.store.updated, "quarantined rows are not applied")
	assert.NotEmpty(t, h.store.rowHashes["products/p1"], "hash recorded so the row stops re-conflicting")
}

func TestForwardLastWriterWins(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.mappings = []model.MappingRule{productsRule(model.PolicyLastWriterWins)}

	conceptAt := time.Date(2024, 8, 1, 11, 0, 0, 0, time.UTC)
	h.store.concepts["products/p1"] = model.Concept{
		ID: "c1", TenantID: "acme", Name: "Widget (edited)",
		Metadata:  map[string]any{model.MetadataKeySourceKey: model.SourceKey{Table: "products", PrimaryKey: "p1"}},
		UpdatedAt: conceptAt,
	}

	t.Run("row newer, row wins", func(t *testing.T) {
		h.source.selects = []relational.Rows{{
			Rows: []map[string]any{productRow("p1", "Widget v2", "Updated", 12.50, conceptAt.Add(time.Hour))},
		}}
		require.NoError(t, h.sync.RunNow(context.Background(), model.SyncForward))
		require.Len(t, h.store.updated, 1)
		assert.Equal(t, "Widget v2", h.store.updated[0].Name)
	})

	t.Run("concept newer, concept wins", func(t *testing.T) {
		h.store.updated = nil
		h.source.selects = []relational.Rows{{
			Rows: []map[string]any{productRow("p1", "Widget v3", "Updated again", 13.00, conceptAt.Add(-time.Hour))},
		}}
		require.NoError(t, h.sync.RunNow(context.Background(), model.SyncForward))
		assert.Empty(t, h.store.updated, "older row must not clobber the concept")
	})
}

func TestForwardBackpressure(t *testing.T) {
	h := newHarness(t, Config{MaxBatchSize: 400})
	h.store.mappings = []model.MappingRule{productsRule("")}
	ctx := context.Background()

	h.source.selectErr = errors.New("scan failed")
	require.NoError(t, h.sync.RunNow(ctx, model.SyncForward), "a failed table is reported, not fatal")

	status, err := h.sync.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, status.Forward.BatchSize, "failure halves the batch size")

	h.source.mu.Lock()
	h.source.selectErr = nil
	h.source.mu.Unlock()
	for i := 0; i < cleanWindowsToGrow; i++ {
		require.NoError(t, h.sync.RunNow(ctx, model.SyncForward))
	}

	status, err = h.sync.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 400, status.Forward.BatchSize, "clean windows grow it back to the cap")
}

func changedConcept(id, name string, at time.Time) model.Concept {
	return model.Concept{
		ID: id, TenantID: "acme", Name: name, Description: "via concept",
		Metadata: map[string]any{
			// Decoded-from-jsonb shape.
			model.MetadataKeySourceKey: map[string]any{"table": "products", "primary_key": "p1"},
		},
		UpdatedAt: at,
	}
}

func TestBackwardWritesWhitelistedColumns(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.mappings = []model.MappingRule{productsRule("")}

	conceptAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.store.changed = []model.Concept{changedConcept("c1", "Widget (edited)", conceptAt)}
	// Current row: older than the concept, so last_writer_wins lets the
	// concept through.
	h.source.selects = []relational.Rows{
		{Rows: []map[string]any{productRow("p1", "Widget", "old", 9.99, conceptAt.Add(-time.Hour))}},
		{Rows: []map[string]any{productRow("p1", "Widget (edited)", "via concept", 9.99, conceptAt)}}, // hash refresh re-read
	}

	require.NoError(t, h.sync.RunNow(context.Background(), model.SyncBackward))

	require.Equal(t, 1, h.source.updateCount())
	update := h.source.updates[0]
	assert.Contains(t, update.query, `"name"`)
	assert.Contains(t, update.query, `"description"`)
	assert.NotContains(t, update.query, `"price"`, "price is not whitelisted")
	assert.Equal(t, "p1", update.args[len(update.args)-1])

	cp := h.store.checkpoints[model.SyncBackward]
	assert.Equal(t, conceptAt, cp.LastUpdatedAt)
	assert.Equal(t, "c1", cp.LastID)
	assert.NotEmpty(t, h.store.rowHashes["products/p1"], "hash refreshed to suppress the echo")
}

func TestBackwardRowWinsSkips(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.mappings = []model.MappingRule{productsRule("")}

	conceptAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.store.changed = []model.Concept{changedConcept("c1", "Widget (edited)", conceptAt)}
	h.source.selects = []relational.Rows{
		{Rows: []map[string]any{productRow("p1", "Widget v9", "fresh", 9.99, conceptAt.Add(time.Hour))}},
	}

	require.NoError(t, h.sync.RunNow(context.Background(), model.SyncBackward))
	assert.Zero(t, h.source.updateCount(), "newer row wins under last_writer_wins")
}

func TestBackwardManualConflictQuarantines(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.mappings = []model.MappingRule{productsRule(model.PolicyManual)}

	conceptAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.store.changed = []model.Concept{changedConcept("c1", "Widget (edited)", conceptAt)}
	h.source.selects = []relational.Rows{
		{Rows: []map[string]any{productRow("p1", "Widget v2", "row edit", 9.99, conceptAt.Add(time.Minute))}},
	}

	require.NoError(t, h.sync.RunNow(context.Background(), model.SyncBackward))

	assert.Zero(t, h.source.updateCount())
	require.Len(t, h.store.quarantine, 1)

	status, err := h.sync.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.QuarantineDepth)
}

func TestBackwardRollbackLeavesCheckpoint(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.mappings = []model.MappingRule{productsRule("")}

	conceptAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.store.changed = []model.Concept{changedConcept("c1", "Widget (edited)", conceptAt)}
	h.source.selects = []relational.Rows{
		{Rows: []map[string]any{productRow("p1", "Widget", "old", 9.99, conceptAt.Add(-time.Hour))}},
	}
	h.source.updateErr = errors.New("deadlock")

	err := h.sync.RunNow(context.Background(), model.SyncBackward)
	require.Error(t, err)

	_, ok := h.store.checkpoints[model.SyncBackward]
	assert.False(t, ok, "failed batch must not advance the checkpoint")
}

func TestBackwardUnchangedValuesSkip(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.mappings = []model.MappingRule{productsRule("")}

	conceptAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.store.changed = []model.Concept{changedConcept("c1", "Widget", conceptAt)}
	// Row already carries the concept's values.
	h.source.selects = []relational.Rows{
		{Rows: []map[string]any{productRow("p1", "Widget", "via concept", 9.99, conceptAt.Add(-time.Hour))}},
	}

	require.NoError(t, h.sync.RunNow(context.Background(), model.SyncBackward))
	assert.Zero(t, h.source.updateCount(), "identical values are not rewritten")
}

func TestRunNowUnknownDirection(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.sync.RunNow(context.Background(), "sideways")
	require.Error(t, err)
}

func TestStartDrain(t *testing.T) {
	h := newHarness(t, Config{Interval: 10 * time.Millisecond})
	h.store.mappings = []model.MappingRule{productsRule("")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sync.Start(ctx)
	h.sync.Start(ctx) // idempotent

	require.Eventually(t, func() bool {
		status, err := h.sync.Status(context.Background())
		return err == nil && status.Forward.LastRunAt != nil
	}, 2*time.Second, 5*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	h.sync.Drain(drainCtx)
}

func TestResolveQuarantine(t *testing.T) {
	h := newHarness(t, Config{})
	item, err := h.store.InsertQuarantine(context.Background(), model.QuarantineItem{
		SourceKey: model.SourceKey{Table: "products", PrimaryKey: "p1"},
		Policy:    model.PolicyManual,
	})
	require.NoError(t, err)

	items, err := h.sync.Quarantine(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, h.sync.Resolve(context.Background(), item.ID))

	items, err = h.sync.Quarantine(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRowHashStability(t *testing.T) {
	rule := productsRule("")
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	a := rowHash(rule, productRow("p1", "Widget", "desc", 9.99, at))
	b := rowHash(rule, productRow("p1", "Widget", "desc", 9.99, at.Add(time.Hour)))
	assert.Equal(t, a, b, "timestamp is not part of the content hash")

	c := rowHash(rule, productRow("p1", "Widget", "desc", 10.00, at))
	assert.NotEqual(t, a, c, "mapped column changes change the hash")
}
