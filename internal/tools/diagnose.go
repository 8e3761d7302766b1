package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hakant66/LeadAITrustFramework/internal/engine"
	"github.com/hakant66/LeadAITrustFramework/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
)

// DiagnoseTool handles the diagnose_guardrails MCP tool.
// It reports the facts, rules, and raw versus capped pillar scores for
// one project without writing anything.
type DiagnoseTool struct {
	engine *engine.Engine
}

// NewDiagnoseTool creates a DiagnoseTool over the given engine.
func NewDiagnoseTool(eng *engine.Engine) *DiagnoseTool {
	return &DiagnoseTool{engine: eng}
}

// Definition returns the MCP tool definition for registration.
func (t *DiagnoseTool) Definition() mcp.Tool {
	return mcp.NewTool("diagnose_guardrails",
		mcp.WithDescription(
			"Explain one project's guardrail evaluation: resolved facts, loaded rules, "+
				"raw pillar scores, capped scores, and which rules fired. Read-only.",
		),
		mcp.WithString("project",
			mcp.Description("Project slug to diagnose."),
			mcp.Required(),
		),
		mcp.WithBoolean("verbose",
			mcp.Description("Log each rule check to stderr."),
		),
	)
}

// Handle processes the diagnose_guardrails tool call.
func (t *DiagnoseTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug := req.GetString("project", "")
	if slug == "" {
		return mcp.NewToolResultError("project is required"), nil
	}
	verbose := boolArg(req, "verbose", false)

	diag, err := t.engine.Diagnose(ctx, slug, verbose)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", slug)), nil
		}
		return nil, fmt.Errorf("diagnosing guardrails: %w", err)
	}

	data, err := json.MarshalIndent(diag, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling diagnostics: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
