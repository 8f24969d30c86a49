package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/shinka-ai/shinka/internal/auth"
	"github.com/shinka-ai/shinka/internal/cache"
	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/quota"
	"github.com/shinka-ai/shinka/internal/service/concepts"
)

// The handler layer talks to services through these narrow interfaces so
// tests can swap them out. The concrete types in the wiring satisfy them.

// TenantStore is the slice of storage the auth and tenant handlers need.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (model.Tenant, error)
	CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error)
}

// QueryService executes and explains routed queries.
type QueryService interface {
	Execute(ctx context.Context, tenant model.Tenant, query string, opts model.QueryOptions) (model.Result, model.RouteInfo, error)
	Explain(ctx context.Context, tenant model.Tenant, query string, opts model.QueryOptions) (model.RouteInfo, error)
}

// ConceptService is the concept store surface exposed over HTTP.
type ConceptService interface {
	Create(ctx context.Context, tenantID string, in model.CreateConceptRequest) (model.Concept, error)
	Get(ctx context.Context, tenantID, id string) (model.Concept, error)
	Update(ctx context.Context, tenantID, id string, patch model.UpdateConceptRequest) (model.Concept, error)
	Delete(ctx context.Context, tenantID, id string) error
	SemanticSearch(ctx context.Context, tenantID string, req model.SearchConceptsRequest) ([]model.ConceptSearchResult, error)
	Merge(ctx context.Context, tenantID, fromID, intoID string) (concepts.MergeResult, error)
	AddRelation(ctx context.Context, tenantID string, r model.Relation) (model.Relation, error)
	RemoveRelation(ctx context.Context, tenantID, sourceID, targetID string, relType model.RelationType) error
	Neighbors(ctx context.Context, tenantID, rootID string, depth int) (model.GraphResponse, error)
}

// EvolutionService is the tracker surface exposed over HTTP.
type EvolutionService interface {
	Snapshot() model.EvolutionSnapshot
	State() model.EvolutionState
	TriggerEvolution(ctx context.Context, targetPhase *int, force bool) (model.EvolutionState, error)
	History(ctx context.Context, limit int) ([]model.EvolutionEvent, error)
}

// SyncService is the synchronizer surface exposed over HTTP.
type SyncService interface {
	Status(ctx context.Context) (model.SyncStatus, error)
	RunNow(ctx context.Context, direction model.SyncDirection) error
	Quarantine(ctx context.Context, limit int) ([]model.QuarantineItem, error)
	Resolve(ctx context.Context, id uuid.UUID) error
}

// QuotaService meters and reports tenant consumption.
type QuotaService interface {
	Admit(ctx context.Context, tenantID string, resource model.Resource) (quota.Decision, error)
	Usage(ctx context.Context, tenantID string) ([]model.UsageEntry, error)
	MaxPhase(ctx context.Context, tenantID string) (int, error)
}

// LogReader exposes the query log buffer to the stats handlers.
type LogReader interface {
	Len() int
	Recent(ctx context.Context, tenantID string, limit int) ([]model.QueryLog, error)
}

// Pinger is a backend the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Healthchecker is a backend with a soft health signal.
type Healthchecker interface {
	Healthy(ctx context.Context) error
}

// Server is the shinka HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Sync, MCPServer, Metadata, Vector.
type Config struct {
	// Required dependencies.
	Tenants  TenantStore
	JWTMgr   *auth.JWTManager
	Queries  QueryService
	Concepts ConceptService
	Tracker  EvolutionService
	Quota    QuotaService
	Logs     LogReader
	Cache    *cache.ResultCache
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Sync      SyncService
	MCPServer *mcpserver.MCPServer
	Metadata  Pinger
	Vector    Healthchecker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg)

	mux := http.NewServeMux()

	// Token exchange (no auth; charged against no tenant).
	mux.HandleFunc("POST /v1/auth/token", h.HandleAuthToken)

	// Query surface.
	mux.HandleFunc("POST /v1/query", h.HandleQuery)
	mux.HandleFunc("POST /v1/query/explain", h.HandleExplain)

	// Concept store.
	mux.HandleFunc("POST /v1/concepts", h.HandleCreateConcept)
	mux.HandleFunc("GET /v1/concepts/{id}", h.HandleGetConcept)
	mux.HandleFunc("PATCH /v1/concepts/{id}", h.HandleUpdateConcept)
	mux.HandleFunc("DELETE /v1/concepts/{id}", h.HandleDeleteConcept)
	mux.HandleFunc("POST /v1/concepts/search", h.HandleSearchConcepts)
	mux.HandleFunc("POST /v1/concepts/merge", h.HandleMergeConcepts)

	// Relations and graph.
	mux.HandleFunc("POST /v1/relations", h.HandleAddRelation)
	mux.HandleFunc("DELETE /v1/relations", h.HandleRemoveRelation)
	mux.HandleFunc("GET /v1/graph", h.HandleGraph)

	// Evolution.
	adminOnly := requireRole(model.RoleAdmin)
	mux.HandleFunc("GET /v1/evolution", h.HandleEvolution)
	mux.Handle("POST /v1/evolution/advance", adminOnly(http.HandlerFunc(h.HandleEvolutionAdvance)))

	// Sync (status readable by anyone, runs are admin-only).
	mux.HandleFunc("GET /v1/sync/status", h.HandleSyncStatus)
	mux.Handle("POST /v1/sync/run", adminOnly(http.HandlerFunc(h.HandleSyncRun)))
	mux.Handle("GET /v1/sync/quarantine", adminOnly(http.HandlerFunc(h.HandleSyncQuarantine)))
	mux.Handle("POST /v1/sync/quarantine/{id}/resolve", adminOnly(http.HandlerFunc(h.HandleSyncResolve)))

	// Usage and stats.
	mux.HandleFunc("GET /v1/usage", h.HandleUsage)
	mux.HandleFunc("GET /v1/stats/routing", h.HandleRoutingStats)
	mux.HandleFunc("GET /v1/logs", h.HandleRecentLogs)

	// Tenant provisioning (admin-only).
	mux.Handle("POST /v1/tenants", adminOnly(http.HandlerFunc(h.HandleCreateTenant)))

	// MCP StreamableHTTP transport (auth required via the shared chain).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Probes (no auth).
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → rate limit → recovery.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = rateLimitMiddleware(cfg.Quota, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
