package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/shinka-ai/shinka/internal/ctxutil"
	"github.com/shinka-ai/shinka/internal/model"
)

func (s *Server) registerTools() {
	// query — route one natural-language or SQL-ish query.
	s.mcpServer.AddTool(
		mcplib.NewTool("query",
			mcplib.WithDescription(`Run a query through the hybrid router. The router classifies the query
as sql, semantic, or hybrid, fans out to the matching backends, and returns
the merged, score-ordered results together with routing metadata.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("The query text. Counting and filtering phrasing routes to SQL; similarity phrasing routes to concepts."),
				mcplib.Required(),
			),
			mcplib.WithNumber("k",
				mcplib.Description("Maximum semantic results to merge"),
				mcplib.Min(1),
				mcplib.Max(100),
			),
			mcplib.WithNumber("threshold",
				mcplib.Description("Minimum similarity for semantic results (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
		),
		s.handleQuery,
	)

	// search_concepts — direct similarity search, no routing.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_concepts",
			mcplib.WithDescription("Search the concept store by semantic similarity, bypassing the router."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("Natural language search text"),
				mcplib.Required(),
			),
			mcplib.WithNumber("k",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
			mcplib.WithNumber("threshold",
				mcplib.Description("Minimum similarity (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
		),
		s.handleSearchConcepts,
	)

	// concept_graph — BFS neighborhood of one concept.
	s.mcpServer.AddTool(
		mcplib.NewTool("concept_graph",
			mcplib.WithDescription("Walk the relation graph around a concept, up to three hops."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("root",
				mcplib.Description("Concept ID to start from"),
				mcplib.Required(),
			),
			mcplib.WithNumber("depth",
				mcplib.Description("How many hops to traverse"),
				mcplib.Min(1),
				mcplib.Max(3),
				mcplib.DefaultNumber(1),
			),
		),
		s.handleConceptGraph,
	)

	// evolution_status — the deployment's evolution snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("evolution_status",
			mcplib.WithDescription("Report the evolution phase, routing shares, and advancement progress."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleEvolutionStatus,
	)

	// sync_status — synchronizer checkpoints and quarantine depth.
	s.mcpServer.AddTool(
		mcplib.NewTool("sync_status",
			mcplib.WithDescription("Report both sync directions, their checkpoints, and the quarantine depth."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleSyncStatus,
	)
}

// callerTenant resolves the authenticated tenant from the request context.
func (s *Server) callerTenant(ctx context.Context) (model.Tenant, *mcplib.CallToolResult) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return model.Tenant{}, errorResult("authentication required")
	}
	tenant, err := s.tenants.GetTenant(ctx, claims.TenantID)
	if err != nil {
		return model.Tenant{}, errorResult(fmt.Sprintf("tenant lookup failed: %v", err))
	}
	return tenant, nil
}

func (s *Server) handleQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenant, errRes := s.callerTenant(ctx)
	if errRes != nil {
		return errRes, nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	opts := model.QueryOptions{
		K:         request.GetInt("k", 0),
		Threshold: request.GetFloat("threshold", 0),
	}

	result, info, err := s.queries.Execute(ctx, tenant, query, opts)
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"items": result.Items,
		"count": result.Count,
		"route": info,
	}), nil
}

func (s *Server) handleSearchConcepts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenant, errRes := s.callerTenant(ctx)
	if errRes != nil {
		return errRes, nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	hits, err := s.concepts.SemanticSearch(ctx, tenant.ID, model.SearchConceptsRequest{
		Query:     query,
		K:         request.GetInt("k", 10),
		Threshold: request.GetFloat("threshold", 0),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"results": hits,
		"count":   len(hits),
	}), nil
}

func (s *Server) handleConceptGraph(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenant, errRes := s.callerTenant(ctx)
	if errRes != nil {
		return errRes, nil
	}

	root := request.GetString("root", "")
	if root == "" {
		return errorResult("root is required"), nil
	}

	graph, err := s.concepts.Neighbors(ctx, tenant.ID, root, request.GetInt("depth", 1))
	if err != nil {
		return errorResult(fmt.Sprintf("graph traversal failed: %v", err)), nil
	}
	return jsonResult(graph), nil
}

func (s *Server) handleEvolutionStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, errRes := s.callerTenant(ctx); errRes != nil {
		return errRes, nil
	}
	return jsonResult(s.tracker.Snapshot()), nil
}

func (s *Server) handleSyncStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, errRes := s.callerTenant(ctx); errRes != nil {
		return errRes, nil
	}
	if s.sync == nil {
		return jsonResult(map[string]any{"enabled": false}), nil
	}
	status, err := s.sync.Status(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("sync status failed: %v", err)), nil
	}
	return jsonResult(status), nil
}
