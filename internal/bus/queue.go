package bus

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/CLIAIMONITOR/internal/types"
)

// Queue is the durable priority queue of taskIds from spec.md §4.A,
// backed by a SQLite table with an index on (score DESC, queued_at ASC).
// Dequeue runs inside a single (deferred) transaction that
// selects-then-deletes the winning row, standing in for the
// reference backend's SELECT ... FOR UPDATE SKIP LOCKED.
type Queue struct {
	db *sql.DB
}

// NewQueue wraps db; callers must call Init before use.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Init creates the queue table if it does not already exist.
func (q *Queue) Init() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_queue (
			task_id TEXT PRIMARY KEY,
			score INTEGER NOT NULL,
			queued_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("bus: init queue table: %w", err)
	}
	_, err = q.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_queue_order
		ON task_queue (score DESC, queued_at ASC)
	`)
	if err != nil {
		return fmt.Errorf("bus: init queue index: %w", err)
	}
	return nil
}

// Enqueue inserts taskId with the given score. Re-enqueuing an existing
// taskId refreshes its score but keeps the original queued_at so FIFO
// ordering within a priority band is preserved.
func (q *Queue) Enqueue(taskID string, score int) error {
	_, err := q.db.Exec(`
		INSERT INTO task_queue (task_id, score, queued_at)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET score = excluded.score
	`, taskID, score, time.Now())
	if err != nil {
		return fmt.Errorf("bus: enqueue %s: %w", taskID, err)
	}
	return nil
}

// Dequeue atomically removes and returns the highest-score, oldest-queued
// entry, or ("", false, nil) if the queue is empty.
func (q *Queue) Dequeue() (string, bool, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("bus: dequeue begin: %w", err)
	}
	defer tx.Rollback()

	var taskID string
	row := tx.QueryRow(`
		SELECT task_id FROM task_queue
		ORDER BY score DESC, queued_at ASC
		LIMIT 1
	`)
	if err := row.Scan(&taskID); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("bus: dequeue select: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM task_queue WHERE task_id = ?`, taskID); err != nil {
		return "", false, fmt.Errorf("bus: dequeue delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("bus: dequeue commit: %w", err)
	}
	return taskID, true, nil
}

// Remove drops taskId from the queue if present; used when a cancelled
// task surfaces during ProcessQueue.
func (q *Queue) Remove(taskID string) error {
	_, err := q.db.Exec(`DELETE FROM task_queue WHERE task_id = ?`, taskID)
	return err
}

// QueueLength returns a point-in-time count.
func (q *Queue) QueueLength() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM task_queue`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("bus: queue length: %w", err)
	}
	return n, nil
}

// Snapshot lists queue entries highest-score-first, for PoolSnapshot/ops.
func (q *Queue) Snapshot() ([]types.QueueEntry, error) {
	rows, err := q.db.Query(`
		SELECT task_id, score, queued_at FROM task_queue
		ORDER BY score DESC, queued_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("bus: queue snapshot: %w", err)
	}
	defer rows.Close()

	var entries []types.QueueEntry
	for rows.Next() {
		var e types.QueueEntry
		if err := rows.Scan(&e.TaskID, &e.Score, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("bus: queue snapshot scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
