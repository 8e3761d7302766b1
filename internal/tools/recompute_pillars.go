package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/hakant66/LeadAITrustFramework/internal/engine"
	"github.com/hakant66/LeadAITrustFramework/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
)

// RecomputePillarsTool handles the recompute_pillars MCP tool.
// It aggregates KPI scores into pillar scores, applies guardrail caps,
// and persists the results under per-project advisory locks.
type RecomputePillarsTool struct {
	engine *engine.Engine
}

// NewRecomputePillarsTool creates a RecomputePillarsTool over the given engine.
func NewRecomputePillarsTool(eng *engine.Engine) *RecomputePillarsTool {
	return &RecomputePillarsTool{engine: eng}
}

// Definition returns the MCP tool definition for registration.
func (t *RecomputePillarsTool) Definition() mcp.Tool {
	return mcp.NewTool("recompute_pillars",
		mcp.WithDescription(
			"Recompute pillar scores and apply guardrails/weights for a project or all projects.",
		),
		mcp.WithString("project",
			mcp.Description("Project slug; omit for ALL."),
		),
		mcp.WithBoolean("verbose",
			mcp.Description("Log guardrail trigger detail."),
		),
	)
}

// Handle processes the recompute_pillars tool call.
func (t *RecomputePillarsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug := req.GetString("project", "")
	verbose := boolArg(req, "verbose", false)

	summary, err := t.engine.RecomputePillars(ctx, slug, verbose)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", slug)), nil
		}
		return nil, fmt.Errorf("recomputing pillar scores: %w", err)
	}
	return summaryResult("Pillar recompute", summary)
}
