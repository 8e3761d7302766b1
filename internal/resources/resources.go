// Package resources implements MCP resource handlers for the scoring
// server.
//
// Resources provide read-only data that the host can consume for
// context. They use URI-based addressing (leadai://...) following MCP
// conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hakant66/LeadAITrustFramework/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
)

// Handler manages scoring resource endpoints.
type Handler struct {
	store *store.Store
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(st *store.Store) *Handler {
	return &Handler{store: st}
}

// ScoreboardResource returns the MCP resource definition for the
// portfolio scoreboard.
func (h *Handler) ScoreboardResource() mcp.Resource {
	return mcp.NewResource(
		"leadai://scoreboard",
		"Pillar Scoreboard",
		mcp.WithResourceDescription("Raw and guardrail-capped pillar scores for every project"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleScoreboard returns all persisted pillar scores as JSON, grouped
// by project slug.
func (h *Handler) HandleScoreboard(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	projects, err := h.store.Projects(ctx)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}

	scores, err := h.store.PillarScores(ctx, "")
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	byProject := make(map[string][]store.PillarScore)
	for _, s := range scores {
		byProject[s.ProjectID] = append(byProject[s.ProjectID], s)
	}

	type projectScores struct {
		Slug    string              `json:"slug"`
		Name    string              `json:"name"`
		Pillars []store.PillarScore `json:"pillars"`
	}
	board := make([]projectScores, 0, len(projects))
	for _, p := range projects {
		board = append(board, projectScores{
			Slug:    p.Slug,
			Name:    p.Name,
			Pillars: byProject[p.ID],
		})
	}

	data, err := json.MarshalIndent(board, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling scoreboard: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
