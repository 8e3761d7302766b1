// Package server wires all MCP components and creates the server instance.
//
// This is the composition root: it opens the store, builds the engine,
// and injects them into the tools and resources that depend on them.
// No scoring logic lives here — only wiring.
package server

import (
	"fmt"

	"github.com/hakant66/LeadAITrustFramework/internal/engine"
	"github.com/hakant66/LeadAITrustFramework/internal/resources"
	"github.com/hakant66/LeadAITrustFramework/internal/store"
	"github.com/hakant66/LeadAITrustFramework/internal/tools"
	"github.com/mark3labs/mcp-go/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the MCP server with all tools and
// resources registered. This is the single place where all dependencies
// are resolved.
//
// The returned cleanup function closes the store's database connection
// and must be called on shutdown (typically via defer). It is always
// non-nil and safe to call.
func New() (*server.MCPServer, func(), error) {
	st, err := store.Open(store.FromEnv())
	if err != nil {
		return nil, noop, fmt.Errorf("opening score store: %w", err)
	}
	cleanup := func() { _ = st.Close() }

	eng := engine.New(st)

	s := server.NewMCPServer(
		"leadai-score-server",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	kpisTool := tools.NewRecomputeKPIsTool(eng)
	s.AddTool(kpisTool.Definition(), kpisTool.Handle)

	pillarsTool := tools.NewRecomputePillarsTool(eng)
	s.AddTool(pillarsTool.Definition(), pillarsTool.Handle)

	allTool := tools.NewRecomputeAllTool(eng)
	s.AddTool(allTool.Definition(), allTool.Handle)

	diagnoseTool := tools.NewDiagnoseTool(eng)
	s.AddTool(diagnoseTool.Definition(), diagnoseTool.Handle)

	resourceHandler := resources.NewHandler(st)
	s.AddResource(resourceHandler.ScoreboardResource(), resourceHandler.HandleScoreboard)

	return s, cleanup, nil
}

// noop is the default cleanup when store initialization failed.
func noop() {}

// serverInstructions tells the host how to drive the scoring tools.
func serverInstructions() string {
	return `You have access to the LeadAI scoring server. It maintains trust and
compliance scores for AI projects: KPI measurements are normalized,
aggregated into pillar scores, and capped by guardrail rules.

## Tools

- recompute_kpis: re-derive normalized_pct and kpi_score for every
  measurement of a project (or all projects when "project" is omitted).
  Run this after new measurements are ingested.
- recompute_pillars: aggregate KPI scores into weighted pillar scores
  and apply guardrail caps. Each project is recomputed under an
  advisory lock; concurrent passes skip locked projects instead of
  double-writing.
- recompute_all: the two passes in order. This is the normal refresh
  operation.
- diagnose_guardrails: read-only explanation of one project's guardrail
  evaluation — the resolved facts, the loaded rules, and the raw versus
  capped pillar scores. Use it when a score looks lower than expected.

## Resources

- leadai://scoreboard: the current raw and final pillar scores for
  every project, as JSON.

## Guidance

- Pillar scores are 0-100. A final score below its raw score means a
  guardrail cap fired; use diagnose_guardrails to see which one.
- Recompute operations are idempotent: repeating one without new
  measurements never changes the stored scores.
- Pass "verbose": true to log per-row detail to stderr when debugging.`
}
