package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/hakant66/LeadAITrustFramework/internal/engine"
	"github.com/hakant66/LeadAITrustFramework/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
)

// RecomputeAllTool handles the recompute_all MCP tool.
// It runs the KPI pass and then the pillar pass over the same scope.
type RecomputeAllTool struct {
	engine *engine.Engine
}

// NewRecomputeAllTool creates a RecomputeAllTool over the given engine.
func NewRecomputeAllTool(eng *engine.Engine) *RecomputeAllTool {
	return &RecomputeAllTool{engine: eng}
}

// Definition returns the MCP tool definition for registration.
func (t *RecomputeAllTool) Definition() mcp.Tool {
	return mcp.NewTool("recompute_all",
		mcp.WithDescription(
			"Run KPI then pillar recomputation (uses advisory lock per project when scoped).",
		),
		mcp.WithString("project",
			mcp.Description("Project slug; omit for ALL."),
		),
		mcp.WithBoolean("verbose",
			mcp.Description("Log per-measurement and guardrail detail."),
		),
	)
}

// Handle processes the recompute_all tool call.
func (t *RecomputeAllTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug := req.GetString("project", "")
	verbose := boolArg(req, "verbose", false)

	summary, err := t.engine.RecomputeAll(ctx, slug, verbose)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", slug)), nil
		}
		return nil, fmt.Errorf("running full recompute: %w", err)
	}
	return summaryResult("Full recompute", summary)
}
