// Package store owns the SQLite database behind the scoring engine.
//
// It holds the catalog (pillars, KPIs, controls), the per-project KPI
// measurements, the optional guardrail configuration tables, the engine's
// sole output table (project_pillar_scores), and the advisory-lock table
// that serializes recomputes per project across processes.
//
// The handle is explicit: created once at process start with Open, passed
// down, closed at shutdown. There is no package-level connection state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hakant66/LeadAITrustFramework/internal/guardrail"
	"github.com/hakant66/LeadAITrustFramework/internal/scoring"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds store configuration.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// QueryTimeout bounds one recompute pass.
	QueryTimeout time.Duration
	// LockTTL is the lease on a per-project recompute lock; expired
	// leases are reclaimable so a crashed holder cannot wedge a project.
	LockTTL time.Duration
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Path:         filepath.Join(home, ".leadai", "leadai.db"),
		QueryTimeout: 60 * time.Second,
		LockTTL:      5 * time.Minute,
	}
}

// FromEnv applies environment overrides to DefaultConfig:
// LEADAI_DB, LEADAI_QUERY_TIMEOUT_MS, LEADAI_LOCK_TTL_MS.
func FromEnv() Config {
	cfg := DefaultConfig()
	if p := os.Getenv("LEADAI_DB"); p != "" {
		cfg.Path = p
	}
	if ms := envMillis("LEADAI_QUERY_TIMEOUT_MS"); ms > 0 {
		cfg.QueryTimeout = ms
	}
	if ms := envMillis("LEADAI_LOCK_TTL_MS"); ms > 0 {
		cfg.LockTTL = ms
	}
	return cfg
}

func envMillis(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	var ms int64
	if _, err := fmt.Sscanf(v, "%d", &ms); err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the persistent scoreboard store backed by SQLite.
type Store struct {
	db  *sql.DB
	cfg Config
}

// Open creates the data directory if needed, opens SQLite with WAL mode,
// and ensures the schema.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", classify(err))
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("store: pragma %q: %w", p, classify(err))
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Config returns the configuration the store was opened with.
func (s *Store) Config() Config {
	return s.cfg
}

// ─── Migration ───────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS projects (
			id               TEXT PRIMARY KEY,
			slug             TEXT NOT NULL UNIQUE,
			name             TEXT NOT NULL,
			risk_level       TEXT NOT NULL DEFAULT 'medium',
			target_threshold REAL NOT NULL DEFAULT 0.8,
			priority         TEXT,
			sponsor          TEXT,
			owner            TEXT
		);

		CREATE TABLE IF NOT EXISTS pillars (
			id     TEXT PRIMARY KEY,
			key    TEXT NOT NULL UNIQUE,
			name   TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS kpis (
			id               TEXT PRIMARY KEY,
			key              TEXT NOT NULL UNIQUE,
			name             TEXT NOT NULL,
			pillar_id        TEXT REFERENCES pillars(id),
			unit             TEXT NOT NULL DEFAULT '%',
			weight           REAL,
			min_ideal        REAL,
			max_ideal        REAL,
			higher_is_better INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS controls (
			id               TEXT PRIMARY KEY,
			kpi_key          TEXT NOT NULL UNIQUE,
			pillar           TEXT,
			unit             TEXT,
			weight           REAL,
			higher_is_better INTEGER NOT NULL DEFAULT 1,
			norm_min         REAL,
			norm_max         REAL,
			target_numeric   REAL
		);

		CREATE TABLE IF NOT EXISTS control_values (
			project_slug   TEXT NOT NULL,
			control_id     TEXT NOT NULL,
			kpi_key        TEXT NOT NULL,
			raw_value      REAL,
			target_numeric REAL,
			normalized_pct REAL,
			kpi_score      INTEGER,
			observed_at    TEXT,
			updated_at     TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (project_slug, control_id)
		);

		CREATE INDEX IF NOT EXISTS idx_cv_kpi_key ON control_values(kpi_key);

		CREATE TABLE IF NOT EXISTS project_pillar_scores (
			project_id      TEXT NOT NULL,
			pillar_key      TEXT NOT NULL,
			raw_score_pct   REAL NOT NULL,
			final_score_pct REAL NOT NULL,
			computed_at     TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (project_id, pillar_key)
		);

		CREATE TABLE IF NOT EXISTS recompute_locks (
			project_id  TEXT PRIMARY KEY,
			owner       TEXT NOT NULL,
			acquired_at TEXT NOT NULL DEFAULT (datetime('now')),
			expires_at  TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return classify(err)
	}
	return nil
}

// EnsureGuardrailConfig creates the optional guardrail configuration
// tables. The engine never calls this on its own: the tables belong to the
// rule-authoring path, and their absence selects the built-in defaults.
func (s *Store) EnsureGuardrailConfig(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS guardrail_fact_sources (
			fact_key          TEXT PRIMARY KEY,
			source            TEXT NOT NULL CHECK (source IN ('kpi','project_attr')),
			kpi_key           TEXT,
			attr_key          TEXT,
			present_threshold REAL
		);

		CREATE TABLE IF NOT EXISTS guardrail_rules (
			id         TEXT PRIMARY KEY,
			pillar_key TEXT NOT NULL,
			cap        REAL NOT NULL,
			rule       TEXT NOT NULL,
			is_enabled INTEGER NOT NULL DEFAULT 1
		);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return classify(err)
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// ─── Projects & attributes ───────────────────────────────────────────────────

// Project is the external project record the engine references by id. The
// scalar columns beyond id/slug/name are the attributes addressable by
// fact sources.
type Project struct {
	ID              string  `json:"id"`
	Slug            string  `json:"slug"`
	Name            string  `json:"name"`
	RiskLevel       string  `json:"risk_level,omitempty"`
	TargetThreshold float64 `json:"target_threshold,omitempty"`
	Priority        *string `json:"priority,omitempty"`
	Sponsor         *string `json:"sponsor,omitempty"`
	Owner           *string `json:"owner,omitempty"`
}

// ProjectBySlug looks up a project by its stable human key.
func (s *Store) ProjectBySlug(ctx context.Context, slug string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, risk_level, target_threshold, priority, sponsor, owner
		 FROM projects WHERE slug = ?`, slug)
	var p Project
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.RiskLevel, &p.TargetThreshold, &p.Priority, &p.Sponsor, &p.Owner)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: project %q", ErrNotFound, slug)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

// Projects returns all known projects.
func (s *Store) Projects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, name, risk_level, target_threshold, priority, sponsor, owner
		 FROM projects ORDER BY slug`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.RiskLevel, &p.TargetThreshold, &p.Priority, &p.Sponsor, &p.Owner); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// projectAttrColumns are the project columns addressable by fact
// sources. The map doubles as the guard that keeps arbitrary strings out
// of the SQL text.
var projectAttrColumns = map[string]bool{
	"slug":             true,
	"name":             true,
	"risk_level":       true,
	"target_threshold": true,
	"priority":         true,
	"sponsor":          true,
	"owner":            true,
}

// ProjectAttr reads one scalar attribute of a project by column name.
// An unknown attribute name is an error for the caller to absorb — the
// fact resolver degrades it to a null fact.
func (s *Store) ProjectAttr(ctx context.Context, projectID, attrKey string) (any, error) {
	key := strings.ToLower(strings.TrimSpace(attrKey))
	if !projectAttrColumns[key] {
		return nil, fmt.Errorf("store: unknown project attribute %q", attrKey)
	}
	var v any
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE id = ?`, key)
	err := s.db.QueryRowContext(ctx, query, projectID).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return v, nil
}

// ─── Measurement reads ───────────────────────────────────────────────────────

// KPIScore returns the best current target-attainment score for one KPI
// within a project, or nil when none of the project's measurements carry
// a score for it.
func (s *Store) KPIScore(ctx context.Context, projectID, kpiKey string) (*float64, error) {
	var v sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(cv.kpi_score)
		FROM control_values cv
		WHERE cv.project_slug = (SELECT slug FROM projects WHERE id = ?)
		  AND lower(trim(cv.kpi_key)) = lower(trim(?))
	`, projectID, kpiKey).Scan(&v)
	if err != nil {
		return nil, classify(err)
	}
	if !v.Valid {
		return nil, nil
	}
	return &v.Float64, nil
}

// PillarObservations returns scored measurements joined to their canonical
// pillar key and effective weight, the input of raw pillar aggregation.
// The canonical pillar prefers the control's pillar-name mapping and falls
// back to the KPI catalog's pillar; rows resolving to neither are
// excluded. Weight falls back control -> kpi -> 1.0. When slug is empty
// the whole portfolio is returned.
func (s *Store) PillarObservations(ctx context.Context, slug string) ([]scoring.Observation, error) {
	query := `
		SELECT
			p.id,
			lower(trim(COALESCE(plc.key, plk.key))) AS pillar_key,
			CAST(cv.kpi_score AS REAL),
			COALESCE(c.weight, k.weight, 1.0)
		FROM control_values cv
		JOIN projects p ON p.slug = cv.project_slug
		JOIN controls c ON c.kpi_key = cv.kpi_key
		LEFT JOIN kpis k ON k.key = cv.kpi_key
		LEFT JOIN pillars plc ON lower(trim(plc.name)) = lower(trim(c.pillar))
		LEFT JOIN pillars plk ON plk.id = k.pillar_id
		WHERE cv.kpi_score IS NOT NULL
		  AND COALESCE(plc.key, plk.key) IS NOT NULL
	`
	var args []any
	if slug != "" {
		query += " AND p.slug = ?"
		args = append(args, slug)
	}
	query += " ORDER BY p.id, pillar_key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []scoring.Observation
	for rows.Next() {
		var o scoring.Observation
		if err := rows.Scan(&o.ProjectID, &o.PillarKey, &o.Score, &o.Weight); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// NormalizationRow is one measurement joined to its control's
// normalization parameters, the unit of work for KPI-level recompute.
// The effective target prefers the measurement's own target over the
// control default.
type NormalizationRow struct {
	ProjectSlug    string
	ControlID      string
	KPIKey         string
	RawValue       *float64
	TargetNumeric  *float64
	NormalizedPct  *float64
	KPIScore       *int64
	Unit           string
	HigherIsBetter bool
	NormMin        *float64
	NormMax        *float64
}

// NormalizationRows returns every measurement with a raw value, scoped to
// one project slug when non-empty.
func (s *Store) NormalizationRows(ctx context.Context, slug string) ([]NormalizationRow, error) {
	query := `
		SELECT
			cv.project_slug,
			cv.control_id,
			cv.kpi_key,
			cv.raw_value,
			COALESCE(cv.target_numeric, c.target_numeric),
			cv.normalized_pct,
			cv.kpi_score,
			COALESCE(c.unit, ''),
			c.higher_is_better,
			c.norm_min,
			c.norm_max
		FROM control_values cv
		JOIN controls c ON c.id = cv.control_id
		WHERE cv.raw_value IS NOT NULL
	`
	var args []any
	if slug != "" {
		query += " AND cv.project_slug = ?"
		args = append(args, slug)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []NormalizationRow
	for rows.Next() {
		var r NormalizationRow
		var hib int
		if err := rows.Scan(
			&r.ProjectSlug, &r.ControlID, &r.KPIKey,
			&r.RawValue, &r.TargetNumeric, &r.NormalizedPct, &r.KPIScore,
			&r.Unit, &hib, &r.NormMin, &r.NormMax,
		); err != nil {
			return nil, err
		}
		r.HigherIsBetter = hib != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateMeasurementScores persists a recomputed normalization percentage,
// and the target-attainment score when one could be computed. It runs
// inside tx behind a savepoint, so one bad measurement does not poison
// the rest of the pass.
func (s *Store) UpdateMeasurementScores(ctx context.Context, tx *sql.Tx, projectSlug, controlID string, normalizedPct float64, kpiScore *int64) error {
	return withSavepoint(ctx, tx, "sp_measure", func() error {
		var err error
		if kpiScore != nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE control_values
				SET normalized_pct = ?, kpi_score = ?, updated_at = datetime('now')
				WHERE project_slug = ? AND control_id = ?
			`, normalizedPct, *kpiScore, projectSlug, controlID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE control_values
				SET normalized_pct = ?, updated_at = datetime('now')
				WHERE project_slug = ? AND control_id = ?
			`, normalizedPct, projectSlug, controlID)
		}
		return err
	})
}

// ─── Guardrail configuration reads ───────────────────────────────────────────

// GuardrailFactSources reads the optional fact-source table. The boolean
// result is false when the table does not exist, which selects the
// built-in defaults.
func (s *Store) GuardrailFactSources(ctx context.Context) ([]guardrail.FactSourceRow, bool, error) {
	exists, err := s.tableExists(ctx, "guardrail_fact_sources")
	if err != nil || !exists {
		return nil, false, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT fact_key, source, COALESCE(kpi_key, ''), COALESCE(attr_key, ''), present_threshold
		 FROM guardrail_fact_sources`)
	if err != nil {
		return nil, true, classify(err)
	}
	defer rows.Close()

	var out []guardrail.FactSourceRow
	for rows.Next() {
		var r guardrail.FactSourceRow
		var thr sql.NullFloat64
		if err := rows.Scan(&r.FactKey, &r.Source, &r.KPIKey, &r.AttrKey, &thr); err != nil {
			return nil, true, err
		}
		if thr.Valid {
			r.PresentThreshold = &thr.Float64
		}
		out = append(out, r)
	}
	return out, true, rows.Err()
}

// GuardrailRules reads the enabled rows of the optional rule table. The
// boolean result is false when the table does not exist.
func (s *Store) GuardrailRules(ctx context.Context) ([]guardrail.StoredRule, bool, error) {
	exists, err := s.tableExists(ctx, "guardrail_rules")
	if err != nil || !exists {
		return nil, false, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pillar_key, cap, rule
		 FROM guardrail_rules
		 WHERE COALESCE(is_enabled, 1) = 1`)
	if err != nil {
		return nil, true, classify(err)
	}
	defer rows.Close()

	var out []guardrail.StoredRule
	for rows.Next() {
		var r guardrail.StoredRule
		var doc string
		if err := rows.Scan(&r.ID, &r.PillarKey, &r.Cap, &doc); err != nil {
			return nil, true, err
		}
		r.Doc = []byte(doc)
		out = append(out, r)
	}
	return out, true, rows.Err()
}

// ─── Pillar score records ────────────────────────────────────────────────────

// PillarScore is one row of the engine's sole output table.
type PillarScore struct {
	ProjectID     string  `json:"project_id"`
	PillarKey     string  `json:"pillar_key"`
	RawScorePct   float64 `json:"raw_score_pct"`
	FinalScorePct float64 `json:"final_score_pct"`
	ComputedAt    string  `json:"computed_at"`
}

// BeginTx starts a transaction wrapping one recompute unit: a whole KPI
// pass, or one project's pillar persistence.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return tx, nil
}

// withSavepoint runs fn behind a named savepoint inside tx: a failure
// rolls back fn's writes only and leaves the surrounding transaction
// usable for the remaining rows.
func withSavepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return classify(err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("row rollback after %v: %w", err, rbErr)
		}
		_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return classify(err)
	}
	_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return classify(err)
}

// UpsertPillarScore writes one (project, pillar) score record inside tx,
// isolated behind a savepoint like UpdateMeasurementScores.
func (s *Store) UpsertPillarScore(ctx context.Context, tx *sql.Tx, projectID, pillarKey string, rawPct, finalPct float64) error {
	return withSavepoint(ctx, tx, "sp_upsert", func() error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO project_pillar_scores (project_id, pillar_key, raw_score_pct, final_score_pct, computed_at)
			VALUES (?, ?, ?, ?, datetime('now'))
			ON CONFLICT (project_id, pillar_key) DO UPDATE
			SET raw_score_pct   = excluded.raw_score_pct,
			    final_score_pct = excluded.final_score_pct,
			    computed_at     = datetime('now')
		`, projectID, pillarKey, rawPct, finalPct)
		return err
	})
}

// PillarScores returns the score records for one project, or for the
// whole portfolio when projectID is empty.
func (s *Store) PillarScores(ctx context.Context, projectID string) ([]PillarScore, error) {
	query := `SELECT project_id, pillar_key, raw_score_pct, final_score_pct, computed_at
	          FROM project_pillar_scores`
	var args []any
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY project_id, pillar_key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []PillarScore
	for rows.Next() {
		var r PillarScore
		if err := rows.Scan(&r.ProjectID, &r.PillarKey, &r.RawScorePct, &r.FinalScorePct, &r.ComputedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Per-project recompute locks ─────────────────────────────────────────────

// TryLockProject attempts a non-blocking acquisition of the per-project
// recompute lock: a conditional insert into the lock table. Expired leases
// are reclaimed first. It returns false immediately when another live
// holder owns the lock — callers skip the project, they never wait.
func (s *Store) TryLockProject(ctx context.Context, projectID, owner string) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM recompute_locks WHERE project_id = ? AND expires_at < datetime('now')`,
		projectID,
	); err != nil {
		return false, classify(err)
	}

	lease := fmt.Sprintf("+%d seconds", int(s.cfg.LockTTL.Seconds()))
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO recompute_locks (project_id, owner, acquired_at, expires_at)
		VALUES (?, ?, datetime('now'), datetime('now', ?))
		ON CONFLICT (project_id) DO NOTHING
	`, projectID, owner, lease)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UnlockProject releases a lock held by owner. Releasing a lock that is
// no longer held (expired and reclaimed) is a no-op, so release is safe
// to run unconditionally on every exit path.
func (s *Store) UnlockProject(ctx context.Context, projectID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM recompute_locks WHERE project_id = ? AND owner = ?`,
		projectID, owner)
	return classify(err)
}
