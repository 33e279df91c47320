// Package store persists plans and recurring tasks in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"go-planrun/pkg/models"
)

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path; ":memory:" works for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			replans INTEGER NOT NULL DEFAULT 0,
			frontier INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			completed_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			plan_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			id TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			depends_on TEXT NOT NULL DEFAULT '[]',
			tool_hint TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (plan_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron TEXT NOT NULL,
			action TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			last_run_at TEXT,
			next_run_at TEXT,
			created_at TEXT NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SavePlan upserts the plan and replaces its steps in one transaction, so a
// round's state transitions become visible either fully or not at all.
func (s *Store) SavePlan(ctx context.Context, p *models.Plan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO plans (id, goal, context, status, result, failure_reason, replans, frontier, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Goal, p.Context, string(p.Status), p.Result, p.FailureReason,
		p.Replans, p.Frontier, formatTime(p.CreatedAt), formatTimePtr(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE plan_id = ?`, p.ID.String()); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	for i, st := range p.Steps {
		deps, err := json.Marshal(st.DependsOn)
		if err != nil {
			return fmt.Errorf("marshal deps: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (plan_id, position, id, description, status, depends_on, tool_hint, result, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID.String(), i, st.ID, st.Description, string(st.Status), string(deps), st.ToolHint, st.Result, st.Error)
		if err != nil {
			return fmt.Errorf("insert step %q: %w", st.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT goal, context, status, result, failure_reason, replans, frontier, created_at, completed_at
		FROM plans WHERE id = ?`, id.String())

	p := &models.Plan{ID: id}
	var status, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&p.Goal, &p.Context, &status, &p.Result, &p.FailureReason, &p.Replans, &p.Frontier, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.Status = models.PlanStatus(status)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}

	if p.Steps, err = s.planSteps(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) planSteps(ctx context.Context, id uuid.UUID) ([]*models.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, status, depends_on, tool_hint, result, error
		FROM steps WHERE plan_id = ? ORDER BY position`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		st := &models.Step{}
		var status, deps string
		if err := rows.Scan(&st.ID, &st.Description, &status, &deps, &st.ToolHint, &st.Result, &st.Error); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Status = models.StepStatus(status)
		if err := json.Unmarshal([]byte(deps), &st.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal deps: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ListPlans returns plans newest first, filtered by status unless status is
// empty. Steps are included.
func (s *Store) ListPlans(ctx context.Context, status models.PlanStatus) ([]*models.Plan, error) {
	query := `SELECT id FROM plans ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT id FROM plans WHERE status = ? ORDER BY created_at DESC`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan plan id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse plan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	plans := make([]*models.Plan, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (s *Store) SaveTask(ctx context.Context, t *models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks (id, name, cron, action, enabled, last_run_at, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Name, t.Cron, t.Action, boolInt(t.Enabled),
		formatTimePtr(t.LastRunAt), formatTimePtr(t.NextRunAt), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron, action, enabled, last_run_at, next_run_at, created_at
		FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t := &models.Task{}
		var raw, createdAt string
		var enabled int
		var lastRun, nextRun sql.NullString
		if err := rows.Scan(&raw, &t.Name, &t.Cron, &t.Action, &enabled, &lastRun, &nextRun, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if t.ID, err = uuid.Parse(raw); err != nil {
			return nil, fmt.Errorf("parse task id: %w", err)
		}
		t.Enabled = enabled != 0
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.LastRunAt, err = parseTimePtr(lastRun); err != nil {
			return nil, err
		}
		if t.NextRunAt, err = parseTimePtr(nextRun); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes the task and reports whether it existed.
func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String())
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return t, nil
}

func parseTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
