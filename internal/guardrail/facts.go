package guardrail

import (
	"context"
	"fmt"
	"log"
)

// Fact source kinds.
const (
	SourceKPI         = "kpi"
	SourceProjectAttr = "project_attr"
)

// FactSource maps a fact name to where its value comes from: either the
// best KPI score for the project (optionally gated by a presence
// threshold) or a scalar project attribute read verbatim.
type FactSource struct {
	Source           string   `json:"source"`
	KPIKey           string   `json:"kpi_key,omitempty"`
	AttrKey          string   `json:"attr_key,omitempty"`
	PresentThreshold *float64 `json:"present_threshold,omitempty"`
}

// FactSourceRow is a raw fact-source row as read from configuration
// storage.
type FactSourceRow struct {
	FactKey          string
	Source           string
	KPIKey           string
	AttrKey          string
	PresentThreshold *float64
}

// MeasurementSource reads the per-project inputs facts are derived from.
type MeasurementSource interface {
	// KPIScore returns the best current score for a KPI within a project,
	// or nil when the project has no scored measurement for it.
	KPIScore(ctx context.Context, projectID, kpiKey string) (*float64, error)
	// ProjectAttr reads one scalar attribute of a project by name.
	ProjectAttr(ctx context.Context, projectID, attrKey string) (any, error)
}

// DefaultFactSources returns the built-in fact table used when storage has
// no guardrail_fact_sources table, and merged under stored sources so the
// critical facts always resolve.
func DefaultFactSources() map[string]FactSource {
	threshold := func(v float64) *float64 { return &v }
	return map[string]FactSource{
		"has_pcl":       {Source: SourceKPI, KPIKey: "pcl_assigned", PresentThreshold: threshold(100)},
		"has_annex":     {Source: SourceKPI, KPIKey: "annex_iv_completeness_pct", PresentThreshold: threshold(1)},
		"has_factsheet": {Source: SourceKPI, KPIKey: "trust_factsheet_completeness_pct", PresentThreshold: threshold(1)},
	}
}

// LoadFactSources returns the fact-source table for this deployment:
// stored rows when the table exists, with built-in defaults filling any
// fact the storage does not define.
func LoadFactSources(ctx context.Context, src ConfigSource) (map[string]FactSource, error) {
	rows, exists, err := src.GuardrailFactSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading fact sources: %w", err)
	}
	if !exists {
		return DefaultFactSources(), nil
	}

	out := make(map[string]FactSource, len(rows))
	for _, r := range rows {
		out[r.FactKey] = FactSource{
			Source:           r.Source,
			KPIKey:           r.KPIKey,
			AttrKey:          r.AttrKey,
			PresentThreshold: r.PresentThreshold,
		}
	}
	for k, v := range DefaultFactSources() {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out, nil
}

// ResolveFacts computes the fact mapping for one project. KPI-sourced
// facts encode presence as 1/0 — score >= threshold when a threshold is
// configured, score > 0 otherwise — and also expose the raw score under a
// companion "<fact>__score" key for diagnostics. Attribute-sourced facts
// carry the attribute value verbatim; a failed attribute lookup resolves
// to nil and is logged, never raised. A failure on one fact does not stop
// resolution of the rest.
func ResolveFacts(ctx context.Context, src MeasurementSource, projectID string, sources map[string]FactSource) map[string]any {
	facts := make(map[string]any, len(sources)*2)
	for factKey, fs := range sources {
		switch fs.Source {
		case SourceKPI:
			score, err := src.KPIScore(ctx, projectID, fs.KPIKey)
			if err != nil {
				log.Printf("guardrail: fact %s: kpi %s lookup failed: %v", factKey, fs.KPIKey, err)
				score = nil
			}
			facts[factKey] = presence(score, fs.PresentThreshold)
			if score != nil {
				facts[factKey+"__score"] = *score
			} else {
				facts[factKey+"__score"] = nil
			}
		case SourceProjectAttr:
			val, err := src.ProjectAttr(ctx, projectID, fs.AttrKey)
			if err != nil {
				log.Printf("guardrail: fact %s: attribute %s lookup failed: %v", factKey, fs.AttrKey, err)
				val = nil
			}
			facts[factKey] = val
		default:
			facts[factKey] = nil
		}
	}
	return facts
}

func presence(score *float64, threshold *float64) float64 {
	if score == nil {
		return 0
	}
	if threshold == nil {
		if *score > 0 {
			return 1
		}
		return 0
	}
	if *score >= *threshold {
		return 1
	}
	return 0
}
