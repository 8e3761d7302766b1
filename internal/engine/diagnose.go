package engine

import (
	"context"
	"encoding/json"

	"github.com/hakant66/LeadAITrustFramework/internal/guardrail"
	"github.com/hakant66/LeadAITrustFramework/internal/scoring"
)

// Diagnostics explains one project's guardrail evaluation without
// writing anything: the facts as resolved, the rules as loaded, and the
// raw versus capped pillar scores.
type Diagnostics struct {
	Project     DiagProject         `json:"project"`
	Facts       map[string]any      `json:"facts"`
	Rules       []DiagRule          `json:"rules"`
	PillarRaw   map[string]float64  `json:"pillar_raw"`
	PillarFinal map[string]float64  `json:"pillar_final"`
	Triggers    []guardrail.Trigger `json:"triggers"`
}

// DiagProject identifies the diagnosed project.
type DiagProject struct {
	Slug string `json:"slug"`
	ID   string `json:"id"`
}

// DiagRule is one loaded rule in report form.
type DiagRule struct {
	ID        string          `json:"id"`
	PillarKey string          `json:"pillar_key"`
	Cap       float64         `json:"cap"`
	When      json.RawMessage `json:"when,omitempty"`
}

// Diagnose evaluates the guardrails for one project and reports every
// intermediate the cap decision depends on. With verbose set, each rule
// check is additionally logged to stderr.
func (e *Engine) Diagnose(ctx context.Context, slug string, verbose bool) (*Diagnostics, error) {
	ctx, cancel := e.withBudget(ctx)
	defer cancel()

	p, err := e.store.ProjectBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	rules, err := guardrail.LoadRules(ctx, e.store)
	if err != nil {
		return nil, err
	}
	factSources, err := guardrail.LoadFactSources(ctx, e.store)
	if err != nil {
		return nil, err
	}

	observations, err := e.store.PillarObservations(ctx, p.Slug)
	if err != nil {
		return nil, err
	}
	raw := scoring.Aggregate(observations)[p.ID]
	if raw == nil {
		raw = map[string]float64{}
	}

	facts := guardrail.ResolveFacts(ctx, e.store, p.ID, factSources)
	final, triggers := guardrail.Apply(raw, rules, facts, verbose)
	if triggers == nil {
		triggers = []guardrail.Trigger{}
	}

	report := make([]DiagRule, 0, len(rules))
	for _, r := range rules {
		report = append(report, DiagRule{ID: r.ID, PillarKey: r.PillarKey, Cap: r.Cap, When: r.Doc})
	}

	return &Diagnostics{
		Project:     DiagProject{Slug: p.Slug, ID: p.ID},
		Facts:       facts,
		Rules:       report,
		PillarRaw:   raw,
		PillarFinal: final,
		Triggers:    triggers,
	}, nil
}
