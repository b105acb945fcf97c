package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"fleetopt/internal/model"
)

//go:embed migrations
var migrations embed.FS

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite"
)

// sqlDB implements Store over database/sql. Postgres and SQLite share the
// queries; only placeholders and the migration set differ.
type sqlDB struct {
	db      *sql.DB
	dialect dialect
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *sqlDB) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate applies the embedded migrations that have not run yet.
func (s *sqlDB) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	dir := path.Join("migrations", string(s.dialect))
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		var v string
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT version FROM schema_migrations WHERE version=?`), name).Scan(&v)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		body, err := fs.ReadFile(migrations, path.Join(dir, name))
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range strings.Split(string(body), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %s: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?,?)`), name, now()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlDB) SaveSolution(ctx context.Context, rec Record) error {
	sol := rec.Solution
	if sol.ID == "" {
		return fmt.Errorf("save solution: empty id")
	}
	reqJSON, err := json.Marshal(rec.Request)
	if err != nil {
		return err
	}
	solJSON, err := json.Marshal(sol)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO solutions (id, created_at, algorithm, feasible, objective, total_distance, routes, unassigned, request, solution)
        VALUES (?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT (id) DO UPDATE SET
          algorithm=excluded.algorithm, feasible=excluded.feasible, objective=excluded.objective, total_distance=excluded.total_distance,
          routes=excluded.routes, unassigned=excluded.unassigned, request=excluded.request, solution=excluded.solution`),
		sol.ID, sol.CreatedAt, sol.Algorithm, sol.Feasible, nullFloat(sol.Objective), sol.TotalDistance,
		len(sol.Routes), len(sol.Unassigned), string(reqJSON), string(solJSON),
	)
	return err
}

func (s *sqlDB) GetSolution(ctx context.Context, id string) (Record, error) {
	var reqJSON, solJSON string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT request, solution FROM solutions WHERE id=?`), id).Scan(&reqJSON, &solJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(reqJSON), &rec.Request); err != nil {
		return Record{}, fmt.Errorf("decode request %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(solJSON), &rec.Solution); err != nil {
		return Record{}, fmt.Errorf("decode solution %s: %w", id, err)
	}
	return rec, nil
}

// ListSolutions pages by id; ids are time-ordered UUIDs so the order follows
// creation time.
func (s *sqlDB) ListSolutions(ctx context.Context, algorithm, cursor string, limit int) ([]model.SolutionSummary, string, error) {
	limit = clampLimit(limit)
	q := `SELECT id, created_at, algorithm, feasible, objective, total_distance, routes, unassigned FROM solutions WHERE 1=1`
	args := []any{}
	if algorithm != "" {
		q += ` AND algorithm LIKE ?`
		args = append(args, "%"+algorithm+"%")
	}
	if cursor != "" {
		q += ` AND id > ?`
		args = append(args, cursor)
	}
	q += ` ORDER BY id LIMIT ?`
	args = append(args, limit+1)
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.SolutionSummary{}
	for rows.Next() {
		var it model.SolutionSummary
		var obj sql.NullFloat64
		if err := rows.Scan(&it.ID, &it.CreatedAt, &it.Algorithm, &it.Feasible, &obj, &it.TotalDistance, &it.Routes, &it.Unassigned); err != nil {
			return nil, "", err
		}
		if obj.Valid {
			v := obj.Float64
			it.Objective = &v
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	var next string
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

func (s *sqlDB) SaveRunMetrics(ctx context.Context, runID string, m model.RunMetrics) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO run_metrics (run_id, algorithm, created_at, metrics) VALUES (?,?,?,?)
        ON CONFLICT (run_id, algorithm) DO UPDATE SET metrics=excluded.metrics, created_at=excluded.created_at`),
		runID, m.Algorithm, now(), string(body))
	return err
}

func (s *sqlDB) ListRunMetrics(ctx context.Context, algorithm string, limit int) ([]RunMetricsRow, error) {
	q := `SELECT run_id, created_at, metrics FROM run_metrics`
	args := []any{}
	if algorithm != "" {
		q += ` WHERE algorithm=?`
		args = append(args, algorithm)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, clampLimit(limit))
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []RunMetricsRow{}
	for rows.Next() {
		var row RunMetricsRow
		var body string
		if err := rows.Scan(&row.RunID, &row.CreatedAt, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &row.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics %s: %w", row.RunID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *sqlDB) GetOptimizerConfig(ctx context.Context) (map[string]any, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT config FROM optimizer_config WHERE id=?`), "default").Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg := map[string]any{}
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *sqlDB) SaveOptimizerConfig(ctx context.Context, cfg map[string]any) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO optimizer_config (id, config, updated_at) VALUES (?,?,?)
        ON CONFLICT (id) DO UPDATE SET config=excluded.config, updated_at=excluded.updated_at`),
		"default", string(body), now())
	return err
}

func (s *sqlDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqlDB) Close() error                   { return s.db.Close() }

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
