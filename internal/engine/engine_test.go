package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/hakant66/LeadAITrustFramework/internal/engine"
	"github.com/hakant66/LeadAITrustFramework/internal/store"
)

// openRaw opens a second connection to the store's database file, for
// fixtures the store API does not expose.
func openRaw(t *testing.T, s *store.Store) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", s.Config().Path)
	if err != nil {
		t.Fatalf("open raw connection: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.Config{
		Path:         filepath.Join(t.TempDir(), "scores.db"),
		QueryTimeout: 10 * time.Second,
		LockTTL:      time.Minute,
	}
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fptr(v float64) *float64 { return &v }

// seedPortfolio sets up one project ("atlas") with a governance and a
// transparency pillar. The raw values are chosen so that, after a KPI
// pass, gov aggregates to 70 and tct to 85; the PCL score lands below
// its presence threshold while both documentation facts resolve present.
func seedPortfolio(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.UpsertProject(ctx, store.Project{ID: "p1", Slug: "atlas", Name: "Atlas", RiskLevel: "high"}); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	pillars := []store.Pillar{
		{ID: "pl-gov", Key: "gov", Name: "Governance", Weight: 1},
		{ID: "pl-tct", Key: "tct", Name: "Transparency", Weight: 1},
	}
	for _, p := range pillars {
		if err := s.UpsertPillar(ctx, p); err != nil {
			t.Fatalf("seed pillar %s: %v", p.Key, err)
		}
	}

	type entry struct {
		kpiKey     string
		pillarID   string
		pillarName string
		weight     *float64
		raw        float64
	}
	entries := []entry{
		// gov: (2*80 + 1*50) / 3 = 70
		{"pcl_assigned", "pl-gov", "Governance", fptr(2), 80},
		{"model_doc_pct", "pl-gov", "Governance", fptr(1), 50},
		// tct: (85 + 85) / 2 = 85
		{"annex_iv_completeness_pct", "pl-tct", "Transparency", nil, 85},
		{"trust_factsheet_completeness_pct", "pl-tct", "Transparency", nil, 85},
	}
	for _, e := range entries {
		if err := s.UpsertKPI(ctx, store.KPI{
			ID: "kpi-" + e.kpiKey, Key: e.kpiKey, Name: e.kpiKey,
			PillarID: e.pillarID, Unit: "percent", HigherIsBetter: true,
		}); err != nil {
			t.Fatalf("seed kpi %s: %v", e.kpiKey, err)
		}
		if err := s.UpsertControl(ctx, store.Control{
			ID: "ctl-" + e.kpiKey, KPIKey: e.kpiKey, Pillar: e.pillarName,
			Unit: "percent", Weight: e.weight, HigherIsBetter: true,
			NormMin: fptr(0), NormMax: fptr(100), TargetNumeric: fptr(100),
		}); err != nil {
			t.Fatalf("seed control %s: %v", e.kpiKey, err)
		}
		if err := s.UpsertMeasurement(ctx, store.Measurement{
			ProjectSlug: "atlas", ControlID: "ctl-" + e.kpiKey, KPIKey: e.kpiKey,
			RawValue: fptr(e.raw),
		}); err != nil {
			t.Fatalf("seed measurement %s: %v", e.kpiKey, err)
		}
	}
}

func scoresByPillar(t *testing.T, s *store.Store, projectID string) map[string]store.PillarScore {
	t.Helper()
	rows, err := s.PillarScores(context.Background(), projectID)
	if err != nil {
		t.Fatalf("PillarScores: %v", err)
	}
	out := make(map[string]store.PillarScore, len(rows))
	for _, r := range rows {
		out[r.PillarKey] = r
	}
	return out
}

// ─── KPI pass ───────────────────────────────────────────────────────────────

func TestRecomputeKPIs_DerivesScores(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)

	sum, err := eng.RecomputeKPIs(context.Background(), "atlas", false)
	if err != nil {
		t.Fatalf("RecomputeKPIs: %v", err)
	}
	if sum.Updated != 4 || sum.Skipped != 0 {
		t.Fatalf("summary = %+v, want 4 updated", sum)
	}

	// Percent unit, higher-is-better: kpi_score equals the raw value.
	score, err := s.KPIScore(context.Background(), "p1", "pcl_assigned")
	if err != nil {
		t.Fatalf("KPIScore: %v", err)
	}
	if score == nil || *score != 80 {
		t.Errorf("pcl_assigned score = %v, want 80", score)
	}
}

func TestRecomputeKPIs_SecondPassSkipsUnchanged(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)
	ctx := context.Background()

	if _, err := eng.RecomputeKPIs(ctx, "atlas", false); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	sum, err := eng.RecomputeKPIs(ctx, "atlas", false)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if sum.Updated != 0 || sum.Skipped != 4 {
		t.Fatalf("summary = %+v, want all rows skipped as unchanged", sum)
	}
}

func TestRecomputeKPIs_UnknownSlug(t *testing.T) {
	s := newTestStore(t)
	eng := engine.New(s)
	_, err := eng.RecomputeKPIs(context.Background(), "ghost", false)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecomputeKPIs_RowFailureSkipsAndKeepsRest(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)
	ctx := context.Background()

	raw := openRaw(t, s)
	_, err := raw.ExecContext(ctx, `
		CREATE TRIGGER reject_pcl_update BEFORE UPDATE ON control_values
		WHEN NEW.control_id = 'ctl-pcl_assigned'
		BEGIN SELECT RAISE(ABORT, 'rejected by fixture'); END`)
	if err != nil {
		t.Fatalf("install trigger: %v", err)
	}

	sum, err := eng.RecomputeKPIs(ctx, "atlas", false)
	if err != nil {
		t.Fatalf("kpi pass: %v", err)
	}
	if sum.Updated != 3 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want 3 updated and the rejected row skipped", sum)
	}

	rows, err := s.NormalizationRows(ctx, "atlas")
	if err != nil {
		t.Fatalf("NormalizationRows: %v", err)
	}
	for _, r := range rows {
		if r.ControlID == "ctl-pcl_assigned" {
			if r.NormalizedPct != nil {
				t.Errorf("rejected row was written: normalized_pct=%v", *r.NormalizedPct)
			}
			continue
		}
		if r.NormalizedPct == nil {
			t.Errorf("row %s missed the commit", r.ControlID)
		}
	}
}

func TestRecomputeKPIs_SchemaErrorAbortsPass(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)
	ctx := context.Background()

	raw := openRaw(t, s)
	if _, err := raw.ExecContext(ctx, "DROP TABLE control_values"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	_, err := eng.RecomputeKPIs(ctx, "atlas", false)
	if !errors.Is(err, store.ErrSchema) {
		t.Fatalf("err = %v, want ErrSchema", err)
	}
}

// ─── Pillar pass ────────────────────────────────────────────────────────────

func TestRecomputePillars_AggregatesAndCaps(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)
	ctx := context.Background()

	if _, err := eng.RecomputeKPIs(ctx, "atlas", false); err != nil {
		t.Fatalf("kpi pass: %v", err)
	}
	sum, err := eng.RecomputePillars(ctx, "atlas", false)
	if err != nil {
		t.Fatalf("pillar pass: %v", err)
	}
	if sum.Projects != 1 || sum.Updated != 2 {
		t.Fatalf("summary = %+v, want 2 pillar rows for 1 project", sum)
	}

	got := scoresByPillar(t, s, "p1")
	gov := got["gov"]
	if math.Abs(gov.RawScorePct-70) > 1e-9 {
		t.Errorf("gov raw = %v, want 70", gov.RawScorePct)
	}
	// pcl_assigned scored 80, below the presence threshold of 100:
	// has_pcl resolves 0 and the default governance rule caps at 40.
	if gov.FinalScorePct != 40 {
		t.Errorf("gov final = %v, want capped 40", gov.FinalScorePct)
	}
	tct := got["tct"]
	if tct.RawScorePct != 85 || tct.FinalScorePct != 85 {
		t.Errorf("tct = %+v, want 85/85 (docs present, no cap)", tct)
	}
}

func TestRecomputePillars_NoCapWhenFactsPresent(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	ctx := context.Background()

	// Raise the PCL measurement to the presence threshold.
	if err := s.UpsertMeasurement(ctx, store.Measurement{
		ProjectSlug: "atlas", ControlID: "ctl-pcl_assigned", KPIKey: "pcl_assigned",
		RawValue: fptr(100),
	}); err != nil {
		t.Fatalf("update measurement: %v", err)
	}

	eng := engine.New(s)
	if _, err := eng.RecomputeAll(ctx, "atlas", false); err != nil {
		t.Fatalf("RecomputeAll: %v", err)
	}

	got := scoresByPillar(t, s, "p1")
	gov := got["gov"]
	if math.Abs(gov.RawScorePct-gov.FinalScorePct) > 1e-9 {
		t.Errorf("gov = %+v, want final == raw when no rule fires", gov)
	}
}

func TestRecomputePillars_FinalNeverExceedsRaw(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)
	ctx := context.Background()

	if _, err := eng.RecomputeAll(ctx, "atlas", false); err != nil {
		t.Fatalf("RecomputeAll: %v", err)
	}
	for pillar, sc := range scoresByPillar(t, s, "p1") {
		if sc.FinalScorePct > sc.RawScorePct {
			t.Errorf("%s: final %v exceeds raw %v", pillar, sc.FinalScorePct, sc.RawScorePct)
		}
	}
}

func TestRecomputePillars_SkipsLockedProject(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)
	ctx := context.Background()

	if _, err := eng.RecomputeKPIs(ctx, "atlas", false); err != nil {
		t.Fatalf("kpi pass: %v", err)
	}

	// Another process holds the project's recompute lock.
	ok, err := s.TryLockProject(ctx, "p1", "other-process")
	if err != nil || !ok {
		t.Fatalf("external lock = (%v, %v)", ok, err)
	}

	sum, err := eng.RecomputePillars(ctx, "atlas", false)
	if err != nil {
		t.Fatalf("pillar pass: %v", err)
	}
	if sum.Updated != 0 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want the project skipped without writes", sum)
	}
	if rows, _ := s.PillarScores(ctx, "p1"); len(rows) != 0 {
		t.Fatalf("pillar scores = %v, want none written under contention", rows)
	}

	// After the holder releases, the pass proceeds.
	if err := s.UnlockProject(ctx, "p1", "other-process"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	sum, err = eng.RecomputePillars(ctx, "atlas", false)
	if err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	if sum.Updated != 2 {
		t.Fatalf("summary = %+v, want 2 rows after release", sum)
	}
}

func TestRecomputePillars_ReleasesItsOwnLock(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)
	ctx := context.Background()

	if _, err := eng.RecomputeAll(ctx, "atlas", false); err != nil {
		t.Fatalf("RecomputeAll: %v", err)
	}
	// The engine's lock must be gone: a fresh acquire succeeds.
	ok, err := s.TryLockProject(ctx, "p1", "verifier")
	if err != nil || !ok {
		t.Fatalf("acquire after pass = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestRecomputePillars_RowFailureSkipsAndCommitsRest(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)
	ctx := context.Background()

	if _, err := eng.RecomputeKPIs(ctx, "atlas", false); err != nil {
		t.Fatalf("kpi pass: %v", err)
	}

	raw := openRaw(t, s)
	_, err := raw.ExecContext(ctx, `
		CREATE TRIGGER reject_gov_score BEFORE INSERT ON project_pillar_scores
		WHEN NEW.pillar_key = 'gov'
		BEGIN SELECT RAISE(ABORT, 'rejected by fixture'); END`)
	if err != nil {
		t.Fatalf("install trigger: %v", err)
	}

	sum, err := eng.RecomputePillars(ctx, "atlas", false)
	if err != nil {
		t.Fatalf("pillar pass: %v", err)
	}
	if sum.Updated != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want the rejected pillar skipped and the other written", sum)
	}

	scores := scoresByPillar(t, s, "p1")
	if _, ok := scores["gov"]; ok {
		t.Fatalf("rejected pillar was written: %+v", scores)
	}
	tct, ok := scores["tct"]
	if !ok {
		t.Fatalf("surviving pillar missed the commit: %+v", scores)
	}
	if tct.FinalScorePct != 85 {
		t.Fatalf("tct final = %.1f, want 85", tct.FinalScorePct)
	}
}

// ─── Full pass ──────────────────────────────────────────────────────────────

func TestRecomputeAll_Idempotent(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)
	ctx := context.Background()

	if _, err := eng.RecomputeAll(ctx, "atlas", false); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	first := scoresByPillar(t, s, "p1")

	if _, err := eng.RecomputeAll(ctx, "atlas", false); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	second := scoresByPillar(t, s, "p1")

	if len(first) != len(second) {
		t.Fatalf("row count changed: %d -> %d", len(first), len(second))
	}
	for pillar, a := range first {
		b := second[pillar]
		if a.RawScorePct != b.RawScorePct || a.FinalScorePct != b.FinalScorePct {
			t.Errorf("%s: scores changed %+v -> %+v", pillar, a, b)
		}
	}
}

func TestRecomputeAll_PortfolioScope(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	ctx := context.Background()

	// A second project sharing the catalog.
	if err := s.UpsertProject(ctx, store.Project{ID: "p2", Slug: "borealis", Name: "Borealis"}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := s.UpsertMeasurement(ctx, store.Measurement{
		ProjectSlug: "borealis", ControlID: "ctl-model_doc_pct", KPIKey: "model_doc_pct",
		RawValue: fptr(60),
	}); err != nil {
		t.Fatalf("seed measurement: %v", err)
	}

	eng := engine.New(s)
	sum, err := eng.RecomputeAll(ctx, "", false)
	if err != nil {
		t.Fatalf("RecomputeAll: %v", err)
	}
	if sum.Scope != "all" || sum.Projects != 2 {
		t.Fatalf("summary = %+v, want portfolio scope over 2 projects", sum)
	}

	if got := scoresByPillar(t, s, "p2"); got["gov"].RawScorePct != 60 {
		t.Errorf("borealis gov = %+v, want raw 60", got["gov"])
	}
}

// ─── Diagnose ───────────────────────────────────────────────────────────────

func TestDiagnose_ReportsFactsAndTriggers(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s)
	eng := engine.New(s)
	ctx := context.Background()

	if _, err := eng.RecomputeKPIs(ctx, "atlas", false); err != nil {
		t.Fatalf("kpi pass: %v", err)
	}
	diag, err := eng.Diagnose(ctx, "atlas", false)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if diag.Project.Slug != "atlas" || diag.Project.ID != "p1" {
		t.Errorf("project = %+v", diag.Project)
	}
	if diag.Facts["has_pcl"] != 0.0 {
		t.Errorf("has_pcl = %v, want 0 (score below threshold)", diag.Facts["has_pcl"])
	}
	if diag.Facts["has_pcl__score"] != 80.0 {
		t.Errorf("has_pcl__score = %v, want 80", diag.Facts["has_pcl__score"])
	}
	if len(diag.Rules) != 2 {
		t.Errorf("rules = %d, want the 2 defaults", len(diag.Rules))
	}
	if diag.PillarFinal["gov"] != 40 {
		t.Errorf("gov final = %v, want 40", diag.PillarFinal["gov"])
	}
	if len(diag.Triggers) != 1 || diag.Triggers[0].Pillar != "gov" {
		t.Errorf("triggers = %+v, want one gov trigger", diag.Triggers)
	}

	// Diagnose is read-only: no pillar rows were written.
	if rows, _ := s.PillarScores(ctx, "p1"); len(rows) != 0 {
		t.Errorf("pillar scores = %v, want none after diagnose", rows)
	}
}

func TestDiagnose_UnknownSlug(t *testing.T) {
	s := newTestStore(t)
	eng := engine.New(s)
	_, err := eng.Diagnose(context.Background(), "ghost", false)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
