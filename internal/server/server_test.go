package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinka-ai/shinka/internal/auth"
	"github.com/shinka-ai/shinka/internal/cache"
	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/quota"
	"github.com/shinka-ai/shinka/internal/service/concepts"
	"github.com/shinka-ai/shinka/internal/storage"
)

type fakeTenants struct {
	tenants map[string]model.Tenant
	created []model.Tenant
}

func (f *fakeTenants) GetTenant(_ context.Context, id string) (model.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return model.Tenant{}, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeTenants) CreateTenant(_ context.Context, t model.Tenant) (model.Tenant, error) {
	f.tenants[t.ID] = t
	f.created = append(f.created, t)
	return t, nil
}

type fakeQueries struct {
	result model.Result
	info   model.RouteInfo
	err    error
}

func (f *fakeQueries) Execute(context.Context, model.Tenant, string, model.QueryOptions) (model.Result, model.RouteInfo, error) {
	return f.result, f.info, f.err
}

func (f *fakeQueries) Explain(context.Context, model.Tenant, string, model.QueryOptions) (model.RouteInfo, error) {
	return f.info, f.err
}

type fakeConcepts struct {
	byID map[string]model.Concept
	err  error
}

func (f *fakeConcepts) Create(_ context.Context, tenantID string, in model.CreateConceptRequest) (model.Concept, error) {
	if f.err != nil {
		return model.Concept{}, f.err
	}
	c := model.Concept{ID: in.ID, TenantID: tenantID, Name: in.Name, Description: in.Description}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	f.byID[c.ID] = c
	return c, nil
}

func (f *fakeConcepts) Get(_ context.Context, _, id string) (model.Concept, error) {
	c, ok := f.byID[id]
	if !ok {
		return model.Concept{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeConcepts) Update(_ context.Context, _, id string, patch model.UpdateConceptRequest) (model.Concept, error) {
	c, ok := f.byID[id]
	if !ok {
		return model.Concept{}, storage.ErrNotFound
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	f.byID[id] = c
	return c, nil
}

func (f *fakeConcepts) Delete(_ context.Context, _, id string) error {
	if _, ok := f.byID[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeConcepts) SemanticSearch(context.Context, string, model.SearchConceptsRequest) ([]model.ConceptSearchResult, error) {
	return nil, f.err
}

func (f *fakeConcepts) Merge(context.Context, string, string, string) (concepts.MergeResult, error) {
	return concepts.MergeResult{}, f.err
}

func (f *fakeConcepts) AddRelation(_ context.Context, _ string, r model.Relation) (model.Relation, error) {
	if f.err != nil {
		return model.Relation{}, f.err
	}
	return r, nil
}

func (f *fakeConcepts) RemoveRelation(context.Context, string, string, string, model.RelationType) error {
	return f.err
}

func (f *fakeConcepts) Neighbors(_ context.Context, _, rootID string, depth int) (model.GraphResponse, error) {
	if _, ok := f.byID[rootID]; !ok {
		return model.GraphResponse{}, storage.ErrNotFound
	}
	return model.GraphResponse{Root: rootID, Depth: depth}, nil
}

type fakeTracker struct {
	snapshot model.EvolutionSnapshot
	state    model.EvolutionState
	trigErr  error
}

func (f *fakeTracker) Snapshot() model.EvolutionSnapshot { return f.snapshot }
func (f *fakeTracker) State() model.EvolutionState       { return f.state }

func (f *fakeTracker) TriggerEvolution(_ context.Context, target *int, _ bool) (model.EvolutionState, error) {
	if f.trigErr != nil {
		return model.EvolutionState{}, f.trigErr
	}
	state := f.state
	if target != nil {
		state.Phase = *target
	} else {
		state.Phase++
	}
	return state, nil
}

func (f *fakeTracker) History(context.Context, int) ([]model.EvolutionEvent, error) {
	return nil, nil
}

type fakeSync struct {
	status model.SyncStatus
	ran    []model.SyncDirection
}

func (f *fakeSync) Status(context.Context) (model.SyncStatus, error) { return f.status, nil }

func (f *fakeSync) RunNow(_ context.Context, d model.SyncDirection) error {
	f.ran = append(f.ran, d)
	return nil
}

func (f *fakeSync) Quarantine(context.Context, int) ([]model.QuarantineItem, error) {
	return nil, nil
}

func (f *fakeSync) Resolve(context.Context, uuid.UUID) error { return nil }

type fakeQuota struct {
	deny     map[model.Resource]error
	usage    []model.UsageEntry
	maxPhase int
}

func (f *fakeQuota) Admit(_ context.Context, _ string, resource model.Resource) (quota.Decision, error) {
	if err := f.deny[resource]; err != nil {
		return quota.Decision{}, err
	}
	return quota.Decision{OK: true}, nil
}

func (f *fakeQuota) Usage(context.Context, string) ([]model.UsageEntry, error) {
	return f.usage, nil
}

func (f *fakeQuota) MaxPhase(context.Context, string) (int, error) {
	return f.maxPhase, nil
}

type fakeLogs struct {
	entries []model.QueryLog
}

func (f *fakeLogs) Len() int { return len(f.entries) }

func (f *fakeLogs) Recent(_ context.Context, tenantID string, limit int) ([]model.QueryLog, error) {
	var out []model.QueryLog
	for _, l := range f.entries {
		if l.TenantID == tenantID {
			out = append(out, l)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type testServer struct {
	srv      *Server
	jwtMgr   *auth.JWTManager
	tenants  *fakeTenants
	queries  *fakeQueries
	concepts *fakeConcepts
	tracker  *fakeTracker
	sync     *fakeSync
	quota    *fakeQuota
	cache    *cache.ResultCache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	results, err := cache.New(16, time.Minute)
	require.NoError(t, err)

	ts := &testServer{
		jwtMgr:   jwtMgr,
		tenants:  &fakeTenants{tenants: map[string]model.Tenant{}},
		queries:  &fakeQueries{},
		concepts: &fakeConcepts{byID: map[string]model.Concept{}},
		tracker:  &fakeTracker{state: model.EvolutionState{Phase: 1}},
		sync:     &fakeSync{},
		quota:    &fakeQuota{deny: map[model.Resource]error{}},
		cache:    results,
	}
	ts.srv = New(Config{
		Tenants:  ts.tenants,
		JWTMgr:   jwtMgr,
		Queries:  ts.queries,
		Concepts: ts.concepts,
		Tracker:  ts.tracker,
		Sync:     ts.sync,
		Quota:    ts.quota,
		Logs:     &fakeLogs{},
		Cache:    results,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:  "test",
	})
	return ts
}

func (ts *testServer) addTenant(t *testing.T, id string, role model.Role) (model.Tenant, string) {
	t.Helper()
	tenant := model.Tenant{ID: id, Name: id, Role: role}
	ts.tenants.tenants[id] = tenant

	token, _, err := ts.jwtMgr.IssueToken(tenant)
	require.NoError(t, err)
	return tenant, token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestAuthTokenExchange(t *testing.T) {
	ts := newTestServer(t)

	apiKey, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	hash, err := auth.HashAPIKey(apiKey)
	require.NoError(t, err)
	ts.tenants.tenants["acme"] = model.Tenant{ID: "acme", Role: model.RoleMember, APIKeyHash: hash}

	rec := ts.do(t, http.MethodPost, "/v1/auth/token", "",
		model.AuthTokenRequest{TenantID: "acme", APIKey: apiKey})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.AuthTokenResponse
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.NotEmpty(t, resp.Token)

	claims, err := ts.jwtMgr.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
}

func TestAuthTokenRejectsBadKey(t *testing.T) {
	ts := newTestServer(t)

	hash, err := auth.HashAPIKey("sk_real")
	require.NoError(t, err)
	ts.tenants.tenants["acme"] = model.Tenant{ID: "acme", APIKeyHash: hash}

	for name, req := range map[string]model.AuthTokenRequest{
		"wrong key":      {TenantID: "acme", APIKey: "sk_wrong"},
		"unknown tenant": {TenantID: "ghost", APIKey: "sk_real"},
	} {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/auth/token", "", req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, model.ErrCodeUnauthorized, decodeEnvelope(t, rec).Error.Code)
		})
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/evolution", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/evolution", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.addTenant(t, "acme", model.RoleMember)

	ts.queries.result = model.Result{
		Items: []model.ResultItem{{Key: "relational/1", Source: model.SourceRelational, Score: 1.0}},
		Count: 1,
	}
	ts.queries.info = model.RouteInfo{Intent: model.Intent{Decision: model.DecisionSQL}}

	rec := ts.do(t, http.MethodPost, "/v1/query", token, model.QueryRequest{Query: "count orders"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.QueryResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, model.DecisionSQL, resp.Route.Intent.Decision)
}

func TestQueryErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.addTenant(t, "acme", model.RoleMember)

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"empty query", model.ErrEmptyQuery, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"rate limited",
			&model.QuotaExceededError{Resource: model.ResourceQueriesPerMinute, ResetAt: time.Now().Add(time.Minute)},
			http.StatusTooManyRequests, model.ErrCodeRateLimited},
		{"monthly quota",
			&model.QuotaExceededError{Resource: model.ResourceQueriesPerMonth, ResetAt: time.Now().Add(time.Hour)},
			http.StatusTooManyRequests, model.ErrCodeQuotaExceeded},
		{"upstream down",
			&model.UpstreamError{Layer: model.LayerRelational, Err: errors.New("conn refused")},
			http.StatusServiceUnavailable, model.ErrCodeUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts.queries.err = tc.err
			rec := ts.do(t, http.MethodPost, "/v1/query", token, model.QueryRequest{Query: "q"})
			require.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantCode, decodeEnvelope(t, rec).Error.Code)
			if tc.wantStatus == http.StatusTooManyRequests {
				assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestExplainEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.addTenant(t, "acme", model.RoleMember)

	ts.queries.info = model.RouteInfo{
		Intent:      model.Intent{Decision: model.DecisionHybrid, Confidence: 0.4},
		Fingerprint: "abc123",
	}

	rec := ts.do(t, http.MethodPost, "/v1/query/explain", token, model.QueryRequest{Query: "orders like refunds"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ExplainResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &resp))
	assert.Equal(t, "abc123", resp.Fingerprint)
	assert.Equal(t, []string{model.SourceRelational, model.SourceConcept}, resp.Backends)
}

func TestConceptRoutes(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.addTenant(t, "acme", model.RoleMember)

	rec := ts.do(t, http.MethodPost, "/v1/concepts", token,
		model.CreateConceptRequest{Name: "refund"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Concept
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &created))
	require.NotEmpty(t, created.ID)

	rec = ts.do(t, http.MethodGet, "/v1/concepts/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/concepts/missing", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeEnvelope(t, rec).Error.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/concepts/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGraphRequiresRoot(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.addTenant(t, "acme", model.RoleMember)

	rec := ts.do(t, http.MethodGet, "/v1/graph", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminOnlyRoutes(t *testing.T) {
	ts := newTestServer(t)
	_, memberToken := ts.addTenant(t, "acme", model.RoleMember)
	_, adminToken := ts.addTenant(t, "ops", model.RoleAdmin)

	body := model.CreateTenantRequest{Name: "newco"}

	rec := ts.do(t, http.MethodPost, "/v1/tenants", memberToken, body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/tenants", adminToken, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp model.CreateTenantResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &resp))
	assert.NotEmpty(t, resp.Tenant.ID)
	assert.Regexp(t, "^sk_", resp.APIKey)
}

func TestEvolutionAdvanceCeiling(t *testing.T) {
	ts := newTestServer(t)
	_, adminToken := ts.addTenant(t, "ops", model.RoleAdmin)
	ts.quota.maxPhase = 2

	three := 3
	rec := ts.do(t, http.MethodPost, "/v1/evolution/advance", adminToken,
		model.TriggerEvolutionRequest{TargetPhase: &three, Force: true})
	require.Equal(t, http.StatusForbidden, rec.Code)

	two := 2
	rec = ts.do(t, http.MethodPost, "/v1/evolution/advance", adminToken,
		model.TriggerEvolutionRequest{TargetPhase: &two, Force: true})
	require.Equal(t, http.StatusOK, rec.Code)

	var state model.EvolutionState
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &state))
	assert.Equal(t, 2, state.Phase)
}

func TestSyncRunAdminOnly(t *testing.T) {
	ts := newTestServer(t)
	_, memberToken := ts.addTenant(t, "acme", model.RoleMember)
	_, adminToken := ts.addTenant(t, "ops", model.RoleAdmin)

	body := model.RunSyncRequest{Direction: "forward"}

	rec := ts.do(t, http.MethodPost, "/v1/sync/run", memberToken, body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/sync/run", adminToken, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []model.SyncDirection{model.SyncForward}, ts.sync.ran)

	rec = ts.do(t, http.MethodPost, "/v1/sync/run", adminToken, model.RunSyncRequest{Direction: "sideways"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.addTenant(t, "acme", model.RoleMember)

	ts.quota.deny[model.ResourceAPICallsPerSecond] = &model.QuotaExceededError{
		Resource: model.ResourceAPICallsPerSecond,
		ResetAt:  time.Now().Add(time.Second),
	}

	rec := ts.do(t, http.MethodGet, "/v1/evolution", token, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.ErrCodeRateLimited, decodeEnvelope(t, rec).Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCacheInvalidatedOnMutation(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.addTenant(t, "acme", model.RoleMember)

	key := cache.Key("acme", "fp-1")
	ts.cache.Put(key, model.Result{Count: 1})
	_, hit := ts.cache.Get(context.Background(), key)
	require.True(t, hit)

	rec := ts.do(t, http.MethodPost, "/v1/concepts", token, model.CreateConceptRequest{Name: "orders"})
	require.Equal(t, http.StatusCreated, rec.Code)

	_, hit = ts.cache.Get(context.Background(), key)
	assert.False(t, hit)
}

func TestHealthProbes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.HealthResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &resp))
	assert.Equal(t, "ok", resp.Status)

	rec = ts.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", decodeEnvelope(t, rec).Meta.RequestID)
}

func TestUnknownFieldRejected(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.addTenant(t, "acme", model.RoleMember)

	rec := ts.do(t, http.MethodPost, "/v1/query", token, map[string]any{"query": "x", "bogus": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
