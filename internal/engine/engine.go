// Package engine orchestrates score recomputation: KPI-level
// normalization, pillar-level aggregation with guardrail caps, and the
// locking that keeps concurrent passes from colliding.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"

	"github.com/hakant66/LeadAITrustFramework/internal/guardrail"
	"github.com/hakant66/LeadAITrustFramework/internal/scoring"
	"github.com/hakant66/LeadAITrustFramework/internal/store"
)

// scoreEpsilon is the change threshold below which a recomputed value is
// considered unchanged and the row write is skipped.
const scoreEpsilon = 1e-6

// Engine runs recompute passes against one store.
type Engine struct {
	store *store.Store
}

// New builds an engine over an open store.
func New(st *store.Store) *Engine {
	return &Engine{store: st}
}

// Summary reports one recompute pass.
type Summary struct {
	Scope    string `json:"scope"`
	Status   string `json:"status"`
	Projects int    `json:"projects,omitempty"`
	Updated  int    `json:"updated"`
	Skipped  int    `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
}

func scopeLabel(slug string) string {
	if slug == "" {
		return "all"
	}
	return slug
}

// withBudget caps a pass at the store's configured query timeout.
func (e *Engine) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.store.Config().QueryTimeout)
}

// ─── KPI-level recompute ─────────────────────────────────────────────────────

// RecomputeKPIs re-derives normalized_pct and kpi_score for every
// measurement in scope. Rows whose recomputed values match the stored
// ones are skipped.
func (e *Engine) RecomputeKPIs(ctx context.Context, slug string, verbose bool) (*Summary, error) {
	ctx, cancel := e.withBudget(ctx)
	defer cancel()

	if slug != "" {
		if _, err := e.store.ProjectBySlug(ctx, slug); err != nil {
			return nil, err
		}
	}

	rows, err := e.store.NormalizationRows(ctx, slug)
	if err != nil {
		return nil, err
	}

	// One transaction for the whole pass: a pass-fatal error mid-loop
	// rolls back every write, while per-row failures are isolated by
	// the store's savepoints.
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sum := Summary{Scope: scopeLabel(slug), Status: "ok"}
	for _, r := range rows {
		normalized := scoring.NormalizedPct(r.RawValue, r.HigherIsBetter, r.NormMin, r.NormMax)
		kpiScore := scoring.TargetScore(r.Unit, r.HigherIsBetter, r.RawValue, r.TargetNumeric)

		if unchangedRow(r, normalized, kpiScore) {
			sum.Skipped++
			continue
		}
		if err := e.store.UpdateMeasurementScores(ctx, tx, r.ProjectSlug, r.ControlID, normalized, kpiScore); err != nil {
			if abortPass(err) {
				return nil, err
			}
			log.Printf("engine: measurement %s/%s not updated: %v", r.ProjectSlug, r.ControlID, err)
			sum.Skipped++
			continue
		}
		if verbose {
			log.Printf("engine: %s/%s normalized_pct=%.2f kpi_score=%s",
				r.ProjectSlug, r.ControlID, normalized, formatScore(kpiScore))
		}
		sum.Updated++
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sum, nil
}

func unchangedRow(r store.NormalizationRow, normalized float64, kpiScore *int64) bool {
	if r.NormalizedPct == nil || math.Abs(*r.NormalizedPct-normalized) > scoreEpsilon {
		return false
	}
	switch {
	case r.KPIScore == nil && kpiScore == nil:
		return true
	case r.KPIScore != nil && kpiScore != nil:
		return *r.KPIScore == *kpiScore
	default:
		return false
	}
}

func formatScore(s *int64) string {
	if s == nil {
		return "nil"
	}
	return fmt.Sprintf("%d", *s)
}

// ─── Pillar-level recompute ──────────────────────────────────────────────────

// RecomputePillars aggregates KPI scores into pillar scores, applies the
// guardrail caps, and persists both the raw and final values. Each
// project is recomputed under its own advisory lock; a project whose
// lock is held elsewhere is skipped without writes.
func (e *Engine) RecomputePillars(ctx context.Context, slug string, verbose bool) (*Summary, error) {
	ctx, cancel := e.withBudget(ctx)
	defer cancel()

	var projects []store.Project
	if slug != "" {
		p, err := e.store.ProjectBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		projects = []store.Project{*p}
	} else {
		all, err := e.store.Projects(ctx)
		if err != nil {
			return nil, err
		}
		projects = all
	}

	rules, err := guardrail.LoadRules(ctx, e.store)
	if err != nil {
		return nil, err
	}
	factSources, err := guardrail.LoadFactSources(ctx, e.store)
	if err != nil {
		return nil, err
	}

	sum := Summary{Scope: scopeLabel(slug), Status: "ok", Projects: len(projects)}
	for _, p := range projects {
		updated, skipped, err := e.recomputeProject(ctx, p, rules, factSources, verbose)
		if err != nil {
			if abortPass(err) {
				return nil, err
			}
			log.Printf("engine: project %s not recomputed: %v", p.Slug, err)
			sum.Skipped++
			continue
		}
		sum.Updated += updated
		sum.Skipped += skipped
	}
	return &sum, nil
}

func (e *Engine) recomputeProject(ctx context.Context, p store.Project, rules []guardrail.Rule, factSources map[string]guardrail.FactSource, verbose bool) (updated, skipped int, err error) {
	owner := uuid.NewString()
	ok, err := e.store.TryLockProject(ctx, p.ID, owner)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		log.Printf("engine: project %s locked, skipping", p.Slug)
		return 0, 1, nil
	}
	defer func() {
		// Release must not inherit a cancelled pass context.
		if uerr := e.store.UnlockProject(context.Background(), p.ID, owner); uerr != nil {
			log.Printf("engine: unlock %s: %v", p.Slug, uerr)
		}
	}()

	observations, err := e.store.PillarObservations(ctx, p.Slug)
	if err != nil {
		return 0, 0, err
	}
	raw := scoring.Aggregate(observations)[p.ID]
	if len(raw) == 0 {
		return 0, 1, nil
	}

	facts := guardrail.ResolveFacts(ctx, e.store, p.ID, factSources)
	final, triggers := guardrail.Apply(raw, rules, facts, verbose)
	if verbose {
		for _, t := range triggers {
			log.Printf("engine: %s guardrail %s %.1f -> %.1f (cap %.1f)",
				p.Slug, t.Pillar, t.Before, t.After, t.Cap)
		}
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	for pillarKey, rawPct := range raw {
		if err := e.store.UpsertPillarScore(ctx, tx, p.ID, pillarKey, rawPct, final[pillarKey]); err != nil {
			if abortPass(err) {
				return 0, 0, err
			}
			log.Printf("engine: %s pillar %s not written: %v", p.Slug, pillarKey, err)
			skipped++
			continue
		}
		updated++
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return updated, skipped, nil
}

// ─── Full pass ───────────────────────────────────────────────────────────────

// RecomputeAll runs the KPI pass and then the pillar pass over the same
// scope, returning a combined summary.
func (e *Engine) RecomputeAll(ctx context.Context, slug string, verbose bool) (*Summary, error) {
	kpis, err := e.RecomputeKPIs(ctx, slug, verbose)
	if err != nil {
		return nil, err
	}
	pillars, err := e.RecomputePillars(ctx, slug, verbose)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Scope:    scopeLabel(slug),
		Status:   "ok",
		Projects: pillars.Projects,
		Updated:  kpis.Updated + pillars.Updated,
		Skipped:  kpis.Skipped + pillars.Skipped,
	}, nil
}

// abortPass reports whether an error invalidates the whole pass rather
// than one row or project.
func abortPass(err error) bool {
	return errors.Is(err, store.ErrSchema) || errors.Is(err, store.ErrConnectivity)
}
