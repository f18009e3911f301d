// Package store implements the Task Store (spec §4.C): the durable,
// authoritative record of every submitted task, adapted from
// internal/tasks/store.go's SQLite upsert pattern and
// internal/tasks/types.go's state-machine validation, remapped onto
// THE CORE's seven-state task lifecycle.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CLIAIMONITOR/internal/types"
)

// Store persists Tasks to SQLite.
type Store struct {
	db *sql.DB
}

// New wraps db; callers must call Init before use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the tasks and task_attempts tables.
func (s *Store) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			assigned_agent_id TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			commit_count_before INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			queued_at TIMESTAMP NOT NULL,
			dispatched_at TIMESTAMP,
			completed_at TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("store: init tasks table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_attempts (
			task_id TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			agent_id TEXT,
			error_message TEXT,
			failing_checks TEXT,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("store: init task_attempts table: %w", err)
	}
	return nil
}

// Create inserts task with status=queued, attempts=0, exactly as §4.C
// requires. Returns ErrIllegalTransition-free — Create bypasses
// TransitionTo because there is no prior state.
func (s *Store) Create(task *types.Task) error {
	return s.save(task)
}

func (s *Store) save(task *types.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}
	var result sql.NullString
	if task.Result != nil {
		b, err := json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("store: marshal result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, payload, status, priority, assigned_agent_id, attempts, commit_count_before, result, queued_at, dispatched_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload=excluded.payload,
			status=excluded.status,
			priority=excluded.priority,
			assigned_agent_id=excluded.assigned_agent_id,
			attempts=excluded.attempts,
			commit_count_before=excluded.commit_count_before,
			result=excluded.result,
			dispatched_at=excluded.dispatched_at,
			completed_at=excluded.completed_at
	`,
		task.ID, string(payload), task.Status, task.Priority, nullable(task.AssignedAgentID), task.Attempts,
		task.CommitCountBefore, result, task.QueuedAt, task.DispatchedAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save task %s: %w", task.ID, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Get retrieves a task by id, or ErrNotFound.
func (s *Store) Get(taskID string) (*types.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, payload, status, priority, assigned_agent_id, attempts, commit_count_before, result, queued_at, dispatched_at, completed_at
		FROM tasks WHERE id = ?
	`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: task %s: %w", taskID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", taskID, err)
	}
	return task, nil
}

// UpdateStatus validates newStatus against the task's current state via
// Task.TransitionTo and, if legal, persists the transition plus any patch
// fields supplied. Illegal transitions return a wrapped
// ErrIllegalTransition and leave the stored row untouched.
func (s *Store) UpdateStatus(taskID string, newStatus types.TaskStatus, patch func(*types.Task)) (*types.Task, error) {
	task, err := s.Get(taskID)
	if err != nil {
		return nil, err
	}
	if err := task.TransitionTo(newStatus); err != nil {
		return nil, err
	}
	if patch != nil {
		patch(task)
	}
	if err := s.save(task); err != nil {
		return nil, err
	}
	return task, nil
}

// IncrementAttempts bumps a task's attempt counter by one and returns the
// new count.
func (s *Store) IncrementAttempts(taskID string) (int, error) {
	task, err := s.Get(taskID)
	if err != nil {
		return 0, err
	}
	task.Attempts++
	if err := s.save(task); err != nil {
		return 0, err
	}
	return task.Attempts, nil
}

// ListActive returns every task not in a terminal state.
func (s *Store) ListActive() ([]*types.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, payload, status, priority, assigned_agent_id, attempts, commit_count_before, result, queued_at, dispatched_at, completed_at
		FROM tasks WHERE status NOT IN (?, ?) ORDER BY queued_at ASC
	`, types.StatusCompleted, types.StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("store: list active: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountsByStatus returns the number of tasks in each status, for
// PoolSnapshot's read-only projection.
func (s *Store) CountsByStatus() (map[types.TaskStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: counts by status: %w", err)
	}
	defer rows.Close()

	out := make(map[types.TaskStatus]int)
	for rows.Next() {
		var status types.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// RecordAttempt appends a row to task_attempts; used when
// RECOVERY_PERSIST_ATTEMPTS is enabled so a coordinator restart can
// rehydrate attempt history (see SPEC_FULL.md's Open Question decision).
func (s *Store) RecordAttempt(rec types.AttemptRecord) error {
	checks, err := json.Marshal(rec.FailingChecks)
	if err != nil {
		return fmt.Errorf("store: marshal failing checks: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO task_attempts (task_id, attempt_number, agent_id, error_message, failing_checks, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.AttemptNumber, rec.AgentID, rec.ErrorMessage, string(checks), rec.Timestamp)
	if err != nil {
		return fmt.Errorf("store: record attempt for %s: %w", rec.TaskID, err)
	}
	return nil
}

// LoadAttempts rehydrates the recorded attempt history for a task, ordered
// by attempt number, for Recovery Manager startup rehydration.
func (s *Store) LoadAttempts(taskID string) ([]types.AttemptRecord, error) {
	rows, err := s.db.Query(`
		SELECT task_id, attempt_number, agent_id, error_message, failing_checks, created_at
		FROM task_attempts WHERE task_id = ? ORDER BY attempt_number ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: load attempts for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []types.AttemptRecord
	for rows.Next() {
		var rec types.AttemptRecord
		var agentID sql.NullString
		var checks string
		if err := rows.Scan(&rec.TaskID, &rec.AttemptNumber, &agentID, &rec.ErrorMessage, &checks, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan attempt: %w", err)
		}
		rec.AgentID = agentID.String
		if checks != "" {
			_ = json.Unmarshal([]byte(checks), &rec.FailingChecks)
		}
		out = append(out, rec)
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scannable) (*types.Task, error) {
	var task types.Task
	var payload string
	var assignedAgentID, result sql.NullString
	var dispatchedAt, completedAt sql.NullTime

	err := row.Scan(&task.ID, &payload, &task.Status, &task.Priority, &assignedAgentID,
		&task.Attempts, &task.CommitCountBefore, &result, &task.QueuedAt, &dispatchedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &task.Payload); err != nil {
		return nil, fmt.Errorf("store: unmarshal payload: %w", err)
	}
	if assignedAgentID.Valid {
		task.AssignedAgentID = assignedAgentID.String
	}
	if dispatchedAt.Valid {
		task.DispatchedAt = &dispatchedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if result.Valid && result.String != "" {
		var r types.TaskResult
		if err := json.Unmarshal([]byte(result.String), &r); err == nil {
			task.Result = &r
		}
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var out []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}
