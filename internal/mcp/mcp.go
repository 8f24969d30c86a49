// Package mcp exposes the gateway over the Model Context Protocol.
//
// The MCP server mirrors the HTTP query and concept surfaces as tools and
// resources so MCP-compatible agents can route queries and inspect the
// evolution state. It mounts under the HTTP server's /mcp path; the HTTP
// auth middleware populates the claims the handlers read via ctxutil.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/shinka-ai/shinka/internal/model"
)

// TenantStore resolves authenticated callers to tenant records.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (model.Tenant, error)
}

// Querier executes routed queries.
type Querier interface {
	Execute(ctx context.Context, tenant model.Tenant, query string, opts model.QueryOptions) (model.Result, model.RouteInfo, error)
}

// ConceptReader is the read-only concept surface the tools use.
type ConceptReader interface {
	SemanticSearch(ctx context.Context, tenantID string, req model.SearchConceptsRequest) ([]model.ConceptSearchResult, error)
	Neighbors(ctx context.Context, tenantID, rootID string, depth int) (model.GraphResponse, error)
}

// EvolutionReader reports the evolution state.
type EvolutionReader interface {
	Snapshot() model.EvolutionSnapshot
}

// SyncReader reports synchronizer health.
type SyncReader interface {
	Status(ctx context.Context) (model.SyncStatus, error)
}

// QuotaReader reports tenant consumption.
type QuotaReader interface {
	Usage(ctx context.Context, tenantID string) ([]model.UsageEntry, error)
}

// Config holds the MCP server dependencies. Sync may be nil.
type Config struct {
	Tenants  TenantStore
	Queries  Querier
	Concepts ConceptReader
	Tracker  EvolutionReader
	Sync     SyncReader
	Quota    QuotaReader
	Logger   *slog.Logger
	Version  string
}

// Server wraps the mcp-go server with the gateway's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	tenants   TenantStore
	queries   Querier
	concepts  ConceptReader
	tracker   EvolutionReader
	sync      SyncReader
	quota     QuotaReader
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools and resources.
func New(cfg Config) *Server {
	s := &Server{
		tenants:  cfg.Tenants,
		queries:  cfg.Queries,
		concepts: cfg.Concepts,
		tracker:  cfg.Tracker,
		sync:     cfg.Sync,
		quota:    cfg.Quota,
		logger:   cfg.Logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shinka",
		cfg.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	s.registerResources()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
