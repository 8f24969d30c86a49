package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shinka-ai/shinka/internal/auth"
	"github.com/shinka-ai/shinka/internal/model"
)

// HandleEvolution returns the current evolution snapshot.
// GET /v1/evolution
func (h *Handlers) HandleEvolution(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.tracker.Snapshot())
}

// HandleEvolutionAdvance advances the evolution phase. The target phase is
// capped by the caller tenant's max_phase limit; force bypasses the usual
// advancement criteria but never the cap.
// POST /v1/evolution/advance
func (h *Handlers) HandleEvolutionAdvance(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req model.TriggerEvolutionRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	target := h.tracker.State().Phase + 1
	if req.TargetPhase != nil {
		target = *req.TargetPhase
	}
	ceiling, err := h.quota.MaxPhase(r.Context(), claims.TenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if ceiling > 0 && target > ceiling {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden,
			"target phase exceeds the tenant's phase ceiling")
		return
	}

	state, err := h.tracker.TriggerEvolution(r.Context(), req.TargetPhase, req.Force)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

// HandleSyncStatus reports both sync directions and the quarantine depth.
// GET /v1/sync/status
func (h *Handlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		writeJSON(w, r, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	status, err := h.sync.Status(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// HandleSyncRun triggers one synchronous pass in the given direction.
// POST /v1/sync/run
func (h *Handlers) HandleSyncRun(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "synchronizer is not configured")
		return
	}
	var req model.RunSyncRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	direction := model.SyncDirection(req.Direction)
	if !direction.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "direction must be forward or backward")
		return
	}

	if err := h.sync.RunNow(r.Context(), direction); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "completed", "direction": req.Direction})
}

// HandleSyncQuarantine lists conflicted pairs awaiting manual resolution.
// GET /v1/sync/quarantine?limit={n}
func (h *Handlers) HandleSyncQuarantine(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		writeJSON(w, r, http.StatusOK, map[string]any{"items": []model.QuarantineItem{}, "count": 0})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer")
			return
		}
		limit = n
	}

	items, err := h.sync.Quarantine(r.Context(), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// HandleSyncResolve discards one quarantined conflict.
// POST /v1/sync/quarantine/{id}/resolve
func (h *Handlers) HandleSyncResolve(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "synchronizer is not configured")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid quarantine id")
		return
	}
	if err := h.sync.Resolve(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "resolved"})
}

// HandleUsage reports the caller tenant's consumption and alert flags.
// GET /v1/usage
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	entries, err := h.quota.Usage(r.Context(), claims.TenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"usage": entries})
}

// HandleRoutingStats combines the evolution snapshot with cache and buffer
// health for the operator dashboard.
// GET /v1/stats/routing
func (h *Handlers) HandleRoutingStats(w http.ResponseWriter, r *http.Request) {
	stats := model.RoutingStats{
		Evolution:   h.tracker.Snapshot(),
		BufferDepth: h.logs.Len(),
	}
	if h.cache != nil {
		hits, misses, _ := h.cache.Stats()
		stats.CacheHits, stats.CacheMisses = hits, misses
		if total := hits + misses; total > 0 {
			stats.CacheHitRate = float64(hits) / float64(total)
		}
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleRecentLogs returns the caller tenant's most recent query logs.
// GET /v1/logs?limit={n}
func (h *Handlers) HandleRecentLogs(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = n
	}

	logs, err := h.logs.Recent(r.Context(), claims.TenantID, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

// HandleCreateTenant provisions a tenant and returns its API key exactly
// once; only the argon2id hash is stored.
// POST /v1/tenants
func (h *Handlers) HandleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTenantRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleMember
	}
	if !role.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown role")
		return
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		respondError(w, r, err)
		return
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		respondError(w, r, err)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	tenant, err := h.tenants.CreateTenant(r.Context(), model.Tenant{
		ID:         id,
		Name:       req.Name,
		Role:       role,
		APIKeyHash: hash,
		Limits:     req.Limits,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.CreateTenantResponse{Tenant: tenant, APIKey: apiKey})
}

// HandleHealthz is the liveness probe: always 200 while the process runs,
// with soft backend signals attached.
// GET /healthz
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Metadata: "ok",
		Uptime:   int64(time.Since(h.started).Seconds()),
	}
	if h.logs != nil {
		resp.BufferDepth = h.logs.Len()
	}
	if h.metadata != nil {
		if err := h.metadata.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Metadata = "unreachable"
		}
	}
	if h.vector != nil {
		resp.Vector = "ok"
		if err := h.vector.Healthy(ctx); err != nil {
			resp.Status = "degraded"
			resp.Vector = "unreachable"
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleReadyz is the readiness probe: 503 until the metadata store answers.
// GET /readyz
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.metadata != nil {
		if err := h.metadata.Ping(ctx); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "metadata store unreachable")
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}
