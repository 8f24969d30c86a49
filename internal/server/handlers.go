package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shinka-ai/shinka/internal/auth"
	"github.com/shinka-ai/shinka/internal/cache"
	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/storage"
)

// Handlers bundles the HTTP handler dependencies.
type Handlers struct {
	tenants  TenantStore
	jwtMgr   *auth.JWTManager
	queries  QueryService
	concepts ConceptService
	tracker  EvolutionService
	sync     SyncService
	quota    QuotaService
	logs     LogReader
	cache    *cache.ResultCache
	metadata Pinger
	vector   Healthchecker
	logger   *slog.Logger
	version  string
	maxBody  int64
	started  time.Time
}

// NewHandlers creates the handler set from the server config.
func NewHandlers(cfg Config) *Handlers {
	return &Handlers{
		tenants:  cfg.Tenants,
		jwtMgr:   cfg.JWTMgr,
		queries:  cfg.Queries,
		concepts: cfg.Concepts,
		tracker:  cfg.Tracker,
		sync:     cfg.Sync,
		quota:    cfg.Quota,
		logs:     cfg.Logs,
		cache:    cfg.Cache,
		metadata: cfg.Metadata,
		vector:   cfg.Vector,
		logger:   cfg.Logger,
		version:  cfg.Version,
		maxBody:  cfg.MaxRequestBodyBytes,
		started:  time.Now(),
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// decode reads a JSON body with the configured size cap.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, target any) error {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	return decodeJSON(r, target)
}

// tenantFromClaims resolves the caller's tenant record.
func (h *Handlers) tenantFromClaims(w http.ResponseWriter, r *http.Request) (model.Tenant, bool) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return model.Tenant{}, false
	}
	tenant, err := h.tenants.GetTenant(r.Context(), claims.TenantID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "tenant no longer exists")
			return model.Tenant{}, false
		}
		respondError(w, r, err)
		return model.Tenant{}, false
	}
	return tenant, true
}

// HandleAuthToken exchanges a tenant API key for a short-lived JWT.
// POST /v1/auth/token
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.TenantID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tenant_id and api_key are required")
		return
	}

	tenant, err := h.tenants.GetTenant(r.Context(), req.TenantID)
	if err != nil {
		if isNotFound(err) {
			// Burn comparable time so unknown tenants are not observable.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		respondError(w, r, err)
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, tenant.APIKeyHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(tenant)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleQuery routes and executes one query.
// POST /v1/query
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantFromClaims(w, r)
	if !ok {
		return
	}

	var req model.QueryRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	result, info, err := h.queries.Execute(r.Context(), tenant, req.Query, queryOptions(req))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.QueryResponse{
		Items: result.Items,
		Count: result.Count,
		Route: info,
	})
}

// HandleExplain classifies a query without executing it.
// POST /v1/query/explain
func (h *Handlers) HandleExplain(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantFromClaims(w, r)
	if !ok {
		return
	}

	var req model.QueryRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	info, err := h.queries.Explain(r.Context(), tenant, req.Query, queryOptions(req))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ExplainResponse{
		Intent:      info.Intent,
		Fingerprint: info.Fingerprint,
		Cached:      info.Cached,
		Backends:    backendsFor(info.Intent.Decision),
	})
}

func queryOptions(req model.QueryRequest) model.QueryOptions {
	return model.QueryOptions{
		K:         req.K,
		Threshold: req.Threshold,
		Force:     model.Decision(req.Force),
		NoCache:   req.NoCache,
	}
}

func backendsFor(d model.Decision) []string {
	switch d {
	case model.DecisionSQL:
		return []string{model.SourceRelational}
	case model.DecisionSemantic:
		return []string{model.SourceConcept}
	case model.DecisionHybrid:
		return []string{model.SourceRelational, model.SourceConcept}
	}
	return nil
}

// HandleCreateConcept creates a concept for the caller's tenant.
// POST /v1/concepts
func (h *Handlers) HandleCreateConcept(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req model.CreateConceptRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	c, err := h.concepts.Create(r.Context(), claims.TenantID, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.invalidateCache(claims.TenantID)
	writeJSON(w, r, http.StatusCreated, c)
}

// HandleGetConcept fetches one concept.
// GET /v1/concepts/{id}
func (h *Handlers) HandleGetConcept(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	c, err := h.concepts.Get(r.Context(), claims.TenantID, r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleUpdateConcept applies a partial update.
// PATCH /v1/concepts/{id}
func (h *Handlers) HandleUpdateConcept(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var patch model.UpdateConceptRequest
	if err := h.decode(w, r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	c, err := h.concepts.Update(r.Context(), claims.TenantID, r.PathValue("id"), patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.invalidateCache(claims.TenantID)
	writeJSON(w, r, http.StatusOK, c)
}

// HandleDeleteConcept removes a concept, its vector, and incident relations.
// DELETE /v1/concepts/{id}
func (h *Handlers) HandleDeleteConcept(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if err := h.concepts.Delete(r.Context(), claims.TenantID, r.PathValue("id")); err != nil {
		respondError(w, r, err)
		return
	}
	h.invalidateCache(claims.TenantID)
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleSearchConcepts runs a similarity search by text or vector.
// POST /v1/concepts/search
func (h *Handlers) HandleSearchConcepts(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req model.SearchConceptsRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	hits, err := h.concepts.SemanticSearch(r.Context(), claims.TenantID, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"results": hits,
		"count":   len(hits),
	})
}

// HandleMergeConcepts folds one concept into another.
// POST /v1/concepts/merge
func (h *Handlers) HandleMergeConcepts(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req model.MergeConceptsRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.FromID == "" || req.IntoID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "from_id and into_id are required")
		return
	}

	merged, err := h.concepts.Merge(r.Context(), claims.TenantID, req.FromID, req.IntoID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.invalidateCache(claims.TenantID)
	writeJSON(w, r, http.StatusOK, merged)
}

// HandleAddRelation creates or updates a typed edge.
// POST /v1/relations
func (h *Handlers) HandleAddRelation(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req model.AddRelationRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	rel, err := h.concepts.AddRelation(r.Context(), claims.TenantID, model.Relation{
		SourceID: req.SourceID,
		TargetID: req.TargetID,
		Type:     model.RelationType(req.Type),
		Strength: req.Strength,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.invalidateCache(claims.TenantID)
	writeJSON(w, r, http.StatusCreated, rel)
}

// HandleRemoveRelation deletes one edge.
// DELETE /v1/relations
func (h *Handlers) HandleRemoveRelation(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req model.RemoveRelationRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	err := h.concepts.RemoveRelation(r.Context(), claims.TenantID,
		req.SourceID, req.TargetID, model.RelationType(req.Type))
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.invalidateCache(claims.TenantID)
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleGraph returns the neighborhood of a concept.
// GET /v1/graph?root={id}&depth={n}
func (h *Handlers) HandleGraph(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	root := r.URL.Query().Get("root")
	if root == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "root query parameter is required")
		return
	}
	depth := 1
	if raw := r.URL.Query().Get("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "depth must be an integer")
			return
		}
		depth = n
	}

	graph, err := h.concepts.Neighbors(r.Context(), claims.TenantID, root, depth)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, graph)
}

// invalidateCache drops the tenant's cached query results after a concept
// mutation so stale merges never outlive the data they were built from.
func (h *Handlers) invalidateCache(tenantID string) {
	if h.cache == nil {
		return
	}
	if n := h.cache.Invalidate(tenantID); n > 0 {
		h.logger.Debug("cache invalidated after mutation", "tenant_id", tenantID, "entries", n)
	}
}
