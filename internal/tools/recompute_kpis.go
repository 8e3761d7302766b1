package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/hakant66/LeadAITrustFramework/internal/engine"
	"github.com/hakant66/LeadAITrustFramework/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
)

// RecomputeKPIsTool handles the recompute_kpis MCP tool.
// It re-derives normalized_pct and kpi_score for every measurement in
// scope, leaving pillar scores untouched.
type RecomputeKPIsTool struct {
	engine *engine.Engine
}

// NewRecomputeKPIsTool creates a RecomputeKPIsTool over the given engine.
func NewRecomputeKPIsTool(eng *engine.Engine) *RecomputeKPIsTool {
	return &RecomputeKPIsTool{engine: eng}
}

// Definition returns the MCP tool definition for registration.
func (t *RecomputeKPIsTool) Definition() mcp.Tool {
	return mcp.NewTool("recompute_kpis",
		mcp.WithDescription(
			"Recompute KPI scores (normalized_pct + kpi_score) for a project or all projects.",
		),
		mcp.WithString("project",
			mcp.Description("Project slug; omit for ALL."),
		),
		mcp.WithBoolean("verbose",
			mcp.Description("Log each recomputed measurement."),
		),
	)
}

// Handle processes the recompute_kpis tool call.
func (t *RecomputeKPIsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug := req.GetString("project", "")
	verbose := boolArg(req, "verbose", false)

	summary, err := t.engine.RecomputeKPIs(ctx, slug, verbose)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", slug)), nil
		}
		return nil, fmt.Errorf("recomputing KPI scores: %w", err)
	}
	return summaryResult("KPI recompute", summary)
}
