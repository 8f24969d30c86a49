package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUpstream      = "UPSTREAM_UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// QueryRequest is the request body for POST /v1/query and /v1/query/explain.
type QueryRequest struct {
	Query     string  `json:"query"`
	K         int     `json:"k,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Force     string  `json:"force,omitempty"`
	NoCache   bool    `json:"no_cache,omitempty"`
}

// QueryResponse is the response for POST /v1/query.
type QueryResponse struct {
	Items []ResultItem `json:"items"`
	Count int          `json:"count"`
	Route RouteInfo    `json:"route"`
}

// ExplainResponse is the response for POST /v1/query/explain. Nothing is
// executed; only classification and cache state are reported.
type ExplainResponse struct {
	Intent      Intent   `json:"intent"`
	Fingerprint string   `json:"fingerprint"`
	Cached      bool     `json:"cached"`
	Backends    []string `json:"backends"`
}

// CreateConceptRequest is the request body for POST /v1/concepts.
type CreateConceptRequest struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Vector      []float32      `json:"vector,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UpdateConceptRequest is the request body for PATCH /v1/concepts/{id}.
// Nil fields are left untouched.
type UpdateConceptRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Vector      []float32      `json:"vector,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SearchConceptsRequest is the request body for POST /v1/concepts/search.
// Exactly one of Query or Vector must be set.
type SearchConceptsRequest struct {
	Query     string    `json:"query,omitempty"`
	Vector    []float32 `json:"vector,omitempty"`
	K         int       `json:"k,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

// ConceptSearchResult wraps a concept with its similarity score.
type ConceptSearchResult struct {
	Concept    Concept `json:"concept"`
	Similarity float64 `json:"similarity"`
}

// AddRelationRequest is the request body for POST /v1/relations.
type AddRelationRequest struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
}

// RemoveRelationRequest is the request body for DELETE /v1/relations.
type RemoveRelationRequest struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Type     string `json:"type"`
}

// MergeConceptsRequest merges the concept FromID into IntoID. FromID is
// deleted; its relations and usage move to IntoID.
type MergeConceptsRequest struct {
	FromID string `json:"from_id"`
	IntoID string `json:"into_id"`
}

// GraphNode is one node in a neighborhood traversal response.
type GraphNode struct {
	Concept Concept `json:"concept"`
	Depth   int     `json:"depth"`
}

// GraphResponse is the response for GET /v1/graph.
type GraphResponse struct {
	Root      string      `json:"root,omitempty"`
	Depth     int         `json:"depth"`
	Nodes     []GraphNode `json:"nodes"`
	Relations []Relation  `json:"relations"`
}

// TriggerEvolutionRequest is the request body for POST /v1/evolution/advance.
type TriggerEvolutionRequest struct {
	TargetPhase *int `json:"target_phase,omitempty"`
	Force       bool `json:"force,omitempty"`
}

// RunSyncRequest is the request body for POST /v1/sync/run.
type RunSyncRequest struct {
	Direction string `json:"direction"`
}

// CreateTenantRequest is the request body for POST /v1/tenants.
type CreateTenantRequest struct {
	ID     string      `json:"id,omitempty"`
	Name   string      `json:"name"`
	Role   Role        `json:"role,omitempty"`
	Limits QuotaLimits `json:"limits"`
}

// CreateTenantResponse returns the new tenant and its API key. The key is
// shown exactly once; only its hash is stored.
type CreateTenantResponse struct {
	Tenant Tenant `json:"tenant"`
	APIKey string `json:"api_key"`
}

// AuthTokenRequest is the request body for POST /v1/auth/token.
type AuthTokenRequest struct {
	TenantID string `json:"tenant_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /v1/auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RoutingStats is the response for GET /v1/stats/routing.
type RoutingStats struct {
	Evolution    EvolutionSnapshot `json:"evolution"`
	CacheHits    int64             `json:"cache_hits"`
	CacheMisses  int64             `json:"cache_misses"`
	CacheHitRate float64           `json:"cache_hit_rate"`
	BufferDepth  int               `json:"buffer_depth"`
}

// HealthResponse is the response for GET /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Metadata    string `json:"metadata"`
	Vector      string `json:"vector,omitempty"`
	BufferDepth int    `json:"buffer_depth"`
	Uptime      int64  `json:"uptime_seconds"`
}
