// Package tools implements the MCP tool handlers of the scoring server.
//
// Each tool is a small struct holding its dependencies, with a
// Definition() for registration and a Handle() for execution. Tools do
// no scoring themselves — they validate arguments and delegate to the
// engine.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/hakant66/LeadAITrustFramework/internal/engine"
	"github.com/mark3labs/mcp-go/mcp"
)

// boolArg extracts an optional boolean argument with a default.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// summaryResult renders a recompute summary as a short label plus the
// JSON payload, so both humans and hosts can consume it.
func summaryResult(label string, s *engine.Summary) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling summary: %w", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s ok for %s: %s", label, s.Scope, data)), nil
}
