package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/shinka-ai/shinka/internal/ctxutil"
	"github.com/shinka-ai/shinka/internal/model"
)

func (s *Server) registerResources() {
	// shinka://evolution — the deployment-wide evolution state.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"shinka://evolution",
			"Evolution State",
			mcplib.WithResourceDescription("Current evolution phase, routing shares, and advancement progress"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleEvolutionResource,
	)

	// shinka://quota/{tenant} — one tenant's consumption and alert flags.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"shinka://quota/{tenant}",
			"Tenant Quota Usage",
			mcplib.WithTemplateDescription("Consumption against each monthly limit for one tenant"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleQuotaResource,
	)
}

func (s *Server) handleEvolutionResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.tracker.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal evolution snapshot: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "shinka://evolution",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleQuotaResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	tenantID := strings.TrimPrefix(uri, "shinka://quota/")
	if tenantID == "" || tenantID == uri {
		return nil, fmt.Errorf("mcp: invalid quota URI: %s", uri)
	}

	// Members may only read their own usage; admins may read any tenant's.
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, fmt.Errorf("mcp: authentication required")
	}
	if claims.Role != model.RoleAdmin && claims.TenantID != tenantID {
		return nil, fmt.Errorf("mcp: access to tenant %s denied", tenantID)
	}

	entries, err := s.quota.Usage(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("mcp: quota usage: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"tenant_id": tenantID,
		"usage":     entries,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal usage: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
