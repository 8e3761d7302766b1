package store

import (
	"context"
	"time"
)

// Ingestion and catalog-authoring writes. The engine itself never calls
// these — catalog management, measurement ingestion, and rule authoring
// are external collaborators — but they share the store handle, and the
// engine's tests seed fixtures through them.

// Pillar is one top-level compliance dimension.
type Pillar struct {
	ID     string  `json:"id"`
	Key    string  `json:"key"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// KPI is one catalog indicator definition.
type KPI struct {
	ID             string   `json:"id"`
	Key            string   `json:"key"`
	Name           string   `json:"name"`
	PillarID       string   `json:"pillar_id"`
	Unit           string   `json:"unit"`
	Weight         *float64 `json:"weight,omitempty"`
	MinIdeal       *float64 `json:"min_ideal,omitempty"`
	MaxIdeal       *float64 `json:"max_ideal,omitempty"`
	HigherIsBetter bool     `json:"higher_is_better"`
}

// Control is the operational catalog entry a measurement is recorded
// against; its pillar is referenced by display name, not key.
type Control struct {
	ID             string   `json:"id"`
	KPIKey         string   `json:"kpi_key"`
	Pillar         string   `json:"pillar"`
	Unit           string   `json:"unit"`
	Weight         *float64 `json:"weight,omitempty"`
	HigherIsBetter bool     `json:"higher_is_better"`
	NormMin        *float64 `json:"norm_min,omitempty"`
	NormMax        *float64 `json:"norm_max,omitempty"`
	TargetNumeric  *float64 `json:"target_numeric,omitempty"`
}

// Measurement is one (project, control) measurement row.
type Measurement struct {
	ProjectSlug   string   `json:"project_slug"`
	ControlID     string   `json:"control_id"`
	KPIKey        string   `json:"kpi_key"`
	RawValue      *float64 `json:"raw_value,omitempty"`
	TargetNumeric *float64 `json:"target_numeric,omitempty"`
	NormalizedPct *float64 `json:"normalized_pct,omitempty"`
	KPIScore      *int64   `json:"kpi_score,omitempty"`
	ObservedAt    string   `json:"observed_at,omitempty"`
}

// UpsertProject writes a project record.
func (s *Store) UpsertProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, slug, name, risk_level, target_threshold, priority, sponsor, owner)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET slug = excluded.slug, name = excluded.name, risk_level = excluded.risk_level,
		    target_threshold = excluded.target_threshold, priority = excluded.priority,
		    sponsor = excluded.sponsor, owner = excluded.owner
	`, p.ID, p.Slug, p.Name, orDefault(p.RiskLevel, "medium"), p.TargetThreshold, p.Priority, p.Sponsor, p.Owner)
	return classify(err)
}

// UpsertPillar writes a pillar catalog entry.
func (s *Store) UpsertPillar(ctx context.Context, p Pillar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pillars (id, key, name, weight) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET key = excluded.key, name = excluded.name, weight = excluded.weight
	`, p.ID, p.Key, p.Name, p.Weight)
	return classify(err)
}

// UpsertKPI writes a KPI catalog entry.
func (s *Store) UpsertKPI(ctx context.Context, k KPI) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kpis (id, key, name, pillar_id, unit, weight, min_ideal, max_ideal, higher_is_better)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET key = excluded.key, name = excluded.name, pillar_id = excluded.pillar_id,
		    unit = excluded.unit, weight = excluded.weight, min_ideal = excluded.min_ideal,
		    max_ideal = excluded.max_ideal, higher_is_better = excluded.higher_is_better
	`, k.ID, k.Key, k.Name, k.PillarID, orDefault(k.Unit, "%"), k.Weight, k.MinIdeal, k.MaxIdeal, boolInt(k.HigherIsBetter))
	return classify(err)
}

// UpsertControl writes a control catalog entry.
func (s *Store) UpsertControl(ctx context.Context, c Control) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO controls (id, kpi_key, pillar, unit, weight, higher_is_better, norm_min, norm_max, target_numeric)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET kpi_key = excluded.kpi_key, pillar = excluded.pillar, unit = excluded.unit,
		    weight = excluded.weight, higher_is_better = excluded.higher_is_better,
		    norm_min = excluded.norm_min, norm_max = excluded.norm_max,
		    target_numeric = excluded.target_numeric
	`, c.ID, c.KPIKey, c.Pillar, c.Unit, c.Weight, boolInt(c.HigherIsBetter), c.NormMin, c.NormMax, c.TargetNumeric)
	return classify(err)
}

// UpsertMeasurement writes a measurement row.
func (s *Store) UpsertMeasurement(ctx context.Context, m Measurement) error {
	observedAt := m.ObservedAt
	if observedAt == "" {
		observedAt = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_values
			(project_slug, control_id, kpi_key, raw_value, target_numeric, normalized_pct, kpi_score, observed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT (project_slug, control_id) DO UPDATE
		SET kpi_key = excluded.kpi_key, raw_value = excluded.raw_value,
		    target_numeric = excluded.target_numeric, normalized_pct = excluded.normalized_pct,
		    kpi_score = excluded.kpi_score, observed_at = excluded.observed_at,
		    updated_at = datetime('now')
	`, m.ProjectSlug, m.ControlID, m.KPIKey, m.RawValue, m.TargetNumeric, m.NormalizedPct, m.KPIScore, observedAt)
	return classify(err)
}

// PutFactSource writes one fact-source definition, creating the
// configuration tables on first use.
func (s *Store) PutFactSource(ctx context.Context, factKey, source, kpiKey, attrKey string, presentThreshold *float64) error {
	if err := s.EnsureGuardrailConfig(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardrail_fact_sources (fact_key, source, kpi_key, attr_key, present_threshold)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (fact_key) DO UPDATE
		SET source = excluded.source, kpi_key = excluded.kpi_key,
		    attr_key = excluded.attr_key, present_threshold = excluded.present_threshold
	`, factKey, source, nullIfEmpty(kpiKey), nullIfEmpty(attrKey), presentThreshold)
	return classify(err)
}

// PutRule writes one guardrail rule, creating the configuration tables on
// first use.
func (s *Store) PutRule(ctx context.Context, id, pillarKey string, cap float64, ruleDoc []byte, enabled bool) error {
	if err := s.EnsureGuardrailConfig(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardrail_rules (id, pillar_key, cap, rule, is_enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET pillar_key = excluded.pillar_key, cap = excluded.cap,
		    rule = excluded.rule, is_enabled = excluded.is_enabled
	`, id, pillarKey, cap, string(ruleDoc), boolInt(enabled))
	return classify(err)
}

func nowUTC() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
