package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinka-ai/shinka/internal/cache"
	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/quota"
	"github.com/shinka-ai/shinka/internal/relational"
)

type fakeRelational struct {
	mu    sync.Mutex
	rows  relational.Rows
	err   error
	calls int
}

func (f *fakeRelational) Execute(ctx context.Context, query string, params ...any) (relational.Rows, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return relational.Rows{}, 0, errors.New("missing deadline")
	}
	return f.rows, int64(len(f.rows.Rows)), f.err
}

func (f *fakeRelational) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeConcepts struct {
	mu    sync.Mutex
	hits  []model.ConceptSearchResult
	err   error
	calls int
}

func (f *fakeConcepts) SemanticSearch(ctx context.Context, tenantID string, req model.SearchConceptsRequest) ([]model.ConceptSearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.hits, f.err
}

type fakeClassifier struct {
	mu     sync.Mutex
	intent model.Intent
	err    error
	calls  int
	ratios []float64
}

func (f *fakeClassifier) Classify(ctx context.Context, query string, conceptRatio float64) (model.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ratios = append(f.ratios, conceptRatio)
	return f.intent, f.err
}

type fakeGate struct {
	mu     sync.Mutex
	deny   map[model.Resource]error
	admits []model.Resource
}

func (f *fakeGate) AdmitFor(ctx context.Context, tenant model.Tenant, resource model.Resource) (quota.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admits = append(f.admits, resource)
	if err := f.deny[resource]; err != nil {
		return quota.Decision{}, err
	}
	return quota.Decision{OK: true}, nil
}

type fakeTracker struct {
	mu       sync.Mutex
	ratio    float64
	observed []model.Observation
}

func (f *fakeTracker) Observe(ctx context.Context, o model.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, o)
}

func (f *fakeTracker) ConceptRatio() float64 { return f.ratio }

func (f *fakeTracker) last(t *testing.T) model.Observation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.observed)
	return f.observed[len(f.observed)-1]
}

type fakeLogs struct {
	mu   sync.Mutex
	logs []model.QueryLog
}

func (f *fakeLogs) Append(l model.QueryLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
}

func (f *fakeLogs) last(t *testing.T) model.QueryLog {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.logs)
	return f.logs[len(f.logs)-1]
}

func (f *fakeLogs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

type fixture struct {
	router     *Router
	relational *fakeRelational
	concepts   *fakeConcepts
	classifier *fakeClassifier
	gate       *fakeGate
	tracker    *fakeTracker
	logs       *fakeLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		relational: &fakeRelational{},
		concepts:   &fakeConcepts{},
		classifier: &fakeClassifier{intent: model.Intent{Decision: model.DecisionSQL, Confidence: 1.0, Source: model.IntentSourceRules}},
		gate:       &fakeGate{deny: map[model.Resource]error{}},
		tracker:    &fakeTracker{ratio: 0.25},
		logs:       &fakeLogs{},
	}
	results, err := cache.New(16, time.Minute)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.router = New(f.relational, f.concepts, f.classifier, f.gate, results, f.logs, f.tracker, Config{}, logger)
	return f
}

func someTenant() model.Tenant {
	return model.Tenant{ID: "acme", Name: "Acme"}
}

func someRows() relational.Rows {
	return relational.Rows{
		Columns:    []string{"id", "name"},
		PrimaryKey: "id",
		Rows: []map[string]any{
			{"id": int64(1), "name": "widget"},
			{"id": int64(2), "name": "gadget"},
		},
	}
}

func someHits() []model.ConceptSearchResult {
	return []model.ConceptSearchResult{
		{Concept: model.Concept{ID: "c1", Name: "widgets"}, Similarity: 0.93},
		{Concept: model.Concept{ID: "c2", Name: "gadgets"}, Similarity: 0.81},
	}
}

func TestExecuteSQLRoute(t *testing.T) {
	f := newFixture(t)
	f.relational.rows = someRows()

	result, info, err := f.router.Execute(context.Background(), someTenant(), "SELECT * FROM widgets", model.QueryOptions{})
	require.NoError(t, err)

	require.Equal(t, 2, result.Count)
	assert.Equal(t, "relational/1", result.Items[0].Key)
	assert.Equal(t, 1.0, result.Items[0].Score)
	assert.Equal(t, model.SourceRelational, result.Items[0].Source)
	assert.Equal(t, model.DecisionSQL, info.Intent.Decision)
	assert.False(t, info.Degraded)
	assert.Zero(t, f.concepts.calls, "sql route must not touch the semantic backend")

	l := f.logs.last(t)
	assert.Equal(t, model.DecisionSQL, l.Decision)
	assert.Equal(t, 2, l.ResultCount)
	assert.Empty(t, l.ErrorCode)

	o := f.tracker.last(t)
	assert.Equal(t, model.DecisionSQL, o.Decision)
	assert.False(t, o.CacheHit)
}

func TestExecuteSemanticRoute(t *testing.T) {
	f := newFixture(t)
	f.classifier.intent = model.Intent{Decision: model.DecisionSemantic, Confidence: 0.9, Source: model.IntentSourceRules}
	f.concepts.hits = someHits()

	result, info, err := f.router.Execute(context.Background(), someTenant(), "things like widgets", model.QueryOptions{})
	require.NoError(t, err)

	require.Equal(t, 2, result.Count)
	assert.Equal(t, "concept/c1", result.Items[0].Key)
	assert.Equal(t, 0.93, result.Items[0].Score)
	require.NotNil(t, result.Items[0].Concept)
	assert.Equal(t, "widgets", result.Items[0].Concept.Name)
	assert.Equal(t, model.DecisionSemantic, info.Intent.Decision)
	assert.Zero(t, f.relational.callCount(), "semantic route must not touch the relational backend")
}

func TestExecuteHybridMerges(t *testing.T) {
	f := newFixture(t)
	f.classifier.intent = model.Intent{Decision: model.DecisionHybrid, Confidence: 0.6, Source: model.IntentSourceRules}
	f.relational.rows = someRows()
	f.concepts.hits = someHits()

	result, info, err := f.router.Execute(context.Background(), someTenant(), "widgets overview", model.QueryOptions{})
	require.NoError(t, err)

	require.Equal(t, 4, result.Count)
	// SQL rows score 1.0 and come first; concepts follow by similarity.
	assert.Equal(t, "relational/1", result.Items[0].Key)
	assert.Equal(t, "relational/2", result.Items[1].Key)
	assert.Equal(t, "concept/c1", result.Items[2].Key)
	assert.Equal(t, "concept/c2", result.Items[3].Key)
	assert.False(t, info.Degraded)

	o := f.tracker.last(t)
	assert.True(t, o.MergeHit, "both layers contributed")
}

func TestExecuteHybridDedupsByKey(t *testing.T) {
	f := newFixture(t)
	f.classifier.intent = model.Intent{Decision: model.DecisionHybrid, Confidence: 0.6}
	f.relational.rows = relational.Rows{
		Columns:    []string{"id"},
		PrimaryKey: "id",
		Rows:       []map[string]any{{"id": "x"}, {"id": "x"}},
	}

	result, _, err := f.router.Execute(context.Background(), someTenant(), "q", model.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count, "duplicate primary keys collapse to one item")
}

func TestExecuteHybridDegradedOnRelationalFailure(t *testing.T) {
	f := newFixture(t)
	f.classifier.intent = model.Intent{Decision: model.DecisionHybrid, Confidence: 0.6}
	f.relational.err = errors.New("connection refused")
	f.concepts.hits = someHits()

	result, info, err := f.router.Execute(context.Background(), someTenant(), "widgets", model.QueryOptions{})
	require.NoError(t, err, "a surviving branch with rows answers the query")

	assert.Equal(t, 2, result.Count)
	assert.True(t, info.Degraded)
	assert.Contains(t, info.PartialError, model.LayerRelational)

	l := f.logs.last(t)
	assert.True(t, l.Degraded)
}

func TestExecuteHybridBothFail(t *testing.T) {
	f := newFixture(t)
	f.classifier.intent = model.Intent{Decision: model.DecisionHybrid, Confidence: 0.6}
	f.relational.err = errors.New("relational down")
	f.concepts.err = &model.UpstreamError{Layer: model.LayerVector, Err: errors.New("vector down")}

	_, _, err := f.router.Execute(context.Background(), someTenant(), "widgets", model.QueryOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "also failed")
	assert.True(t, model.IsUpstreamError(err))

	l := f.logs.last(t)
	assert.Equal(t, model.ErrCodeUpstream, l.ErrorCode)
}

func TestExecuteQuotaDenied(t *testing.T) {
	f := newFixture(t)
	f.gate.deny[model.ResourceQueriesPerMonth] = &model.QuotaExceededError{
		Resource: model.ResourceQueriesPerMonth,
		ResetAt:  time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}

	_, _, err := f.router.Execute(context.Background(), someTenant(), "select 1", model.QueryOptions{})
	require.Error(t, err)

	var quotaErr *model.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)

	assert.Zero(t, f.classifier.calls, "denied queries are never classified")
	assert.Zero(t, f.relational.callCount(), "denied queries are never executed")

	l := f.logs.last(t)
	assert.Equal(t, model.ErrCodeQuotaExceeded, l.ErrorCode, "denial still emits an audit log")
}

func TestExecuteEmptyQuery(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.router.Execute(context.Background(), someTenant(), "   ", model.QueryOptions{})
	require.ErrorIs(t, err, model.ErrEmptyQuery)

	l := f.logs.last(t)
	assert.Equal(t, model.ErrCodeInvalidInput, l.ErrorCode)
}

func TestExecuteCachesAndServesHit(t *testing.T) {
	f := newFixture(t)
	f.relational.rows = someRows()
	ctx := context.Background()

	first, info1, err := f.router.Execute(ctx, someTenant(), "SELECT * FROM widgets", model.QueryOptions{})
	require.NoError(t, err)
	assert.False(t, info1.Cached)

	second, info2, err := f.router.Execute(ctx, someTenant(), "select  *  from widgets", model.QueryOptions{})
	require.NoError(t, err)
	assert.True(t, info2.Cached, "normalized queries share a cache entry")
	assert.Equal(t, first.Items, second.Items)
	assert.Equal(t, 1, f.relational.callCount(), "hit must not re-execute")

	assert.Equal(t, 2, f.logs.count(), "every execution logs, hits included")
	o := f.tracker.last(t)
	assert.True(t, o.CacheHit)
}

func TestExecuteNoCacheBypasses(t *testing.T) {
	f := newFixture(t)
	f.relational.rows = someRows()
	ctx := context.Background()
	opts := model.QueryOptions{NoCache: true}

	_, _, err := f.router.Execute(ctx, someTenant(), "select 1", opts)
	require.NoError(t, err)
	_, info, err := f.router.Execute(ctx, someTenant(), "select 1", opts)
	require.NoError(t, err)

	assert.False(t, info.Cached)
	assert.Equal(t, 2, f.relational.callCount())
}

func TestExecuteDoesNotCacheDegradedOrEmpty(t *testing.T) {
	t.Run("degraded", func(t *testing.T) {
		f := newFixture(t)
		f.classifier.intent = model.Intent{Decision: model.DecisionHybrid, Confidence: 0.6}
		f.relational.err = errors.New("down")
		f.concepts.hits = someHits()
		ctx := context.Background()

		_, info, err := f.router.Execute(ctx, someTenant(), "widgets", model.QueryOptions{})
		require.NoError(t, err)
		require.True(t, info.Degraded)

		_, info, err = f.router.Execute(ctx, someTenant(), "widgets", model.QueryOptions{})
		require.NoError(t, err)
		assert.False(t, info.Cached, "degraded results must not be cached")
	})

	t.Run("empty", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		_, _, err := f.router.Execute(ctx, someTenant(), "select 1", model.QueryOptions{})
		require.NoError(t, err)

		_, info, err := f.router.Execute(ctx, someTenant(), "select 1", model.QueryOptions{})
		require.NoError(t, err)
		assert.False(t, info.Cached, "empty results must not be cached")
	})
}

func TestExecuteForceSkipsClassifier(t *testing.T) {
	f := newFixture(t)
	f.concepts.hits = someHits()

	_, info, err := f.router.Execute(context.Background(), someTenant(), "select 1",
		model.QueryOptions{Force: model.DecisionSemantic})
	require.NoError(t, err)

	assert.Equal(t, model.DecisionSemantic, info.Intent.Decision)
	assert.Equal(t, 1.0, info.Intent.Confidence)
	assert.Zero(t, f.classifier.calls)
}

func TestExecuteForceInvalid(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.router.Execute(context.Background(), someTenant(), "select 1",
		model.QueryOptions{Force: "graph"})
	require.ErrorIs(t, err, model.ErrInvalidOptions)
}

func TestExecutePassesConceptRatio(t *testing.T) {
	f := newFixture(t)
	f.tracker.ratio = 0.5
	f.relational.rows = someRows()

	_, _, err := f.router.Execute(context.Background(), someTenant(), "select 1", model.QueryOptions{})
	require.NoError(t, err)

	require.Len(t, f.classifier.ratios, 1)
	assert.Equal(t, 0.5, f.classifier.ratios[0])
}

func TestExplain(t *testing.T) {
	f := newFixture(t)
	f.classifier.intent = model.Intent{Decision: model.DecisionHybrid, Confidence: 0.55, Source: model.IntentSourceRules}

	info, err := f.router.Explain(context.Background(), someTenant(), "widgets overview", model.QueryOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.DecisionHybrid, info.Intent.Decision)
	assert.NotEmpty(t, info.Fingerprint)
	assert.False(t, info.Cached)
	assert.Zero(t, f.relational.callCount(), "explain never executes")
	assert.Zero(t, f.concepts.calls)
	assert.Zero(t, f.logs.count(), "explain is not an execution, no audit log")
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("acme", "SELECT * FROM widgets", model.QueryOptions{})

	assert.Equal(t, base, Fingerprint("acme", "select  *  from\twidgets", model.QueryOptions{}),
		"case and whitespace do not change the fingerprint")
	assert.NotEqual(t, base, Fingerprint("globex", "SELECT * FROM widgets", model.QueryOptions{}),
		"tenants never share fingerprints")
	assert.NotEqual(t, base, Fingerprint("acme", "SELECT * FROM widgets", model.QueryOptions{K: 5}),
		"options are part of the fingerprint")
	assert.NotEqual(t, base, Fingerprint("acme", "SELECT * FROM gadgets", model.QueryOptions{}))
}

func TestBuildResultStableSort(t *testing.T) {
	items := []model.ResultItem{
		{Key: "a", Score: 0.5},
		{Key: "b", Score: 0.9},
		{Key: "c", Score: 0.5},
	}
	result := buildResult(items)

	require.Equal(t, 3, result.Count)
	assert.Equal(t, "b", result.Items[0].Key)
	assert.Equal(t, "a", result.Items[1].Key, "equal scores keep input order")
	assert.Equal(t, "c", result.Items[2].Key)
}
