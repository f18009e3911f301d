package types

import (
	"fmt"
	"time"
)

// TaskStatus is the state of a task in the Task Store's state machine.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusDispatched TaskStatus = "dispatched"
	StatusRunning    TaskStatus = "running"
	StatusVerifying  TaskStatus = "verifying"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Priority maps the caller-facing priority name onto a strictly ordered
// numeric score; higher scores dequeue first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Score returns the numeric ordering used by the durable queue.
func (p Priority) Score() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// validTransitions encodes the state machine from spec.md §4.C. The
// terminal states completed and cancelled have no outgoing edges; failed
// always admits recovery_retry back to dispatched because the Recovery
// Manager may re-dispatch the same taskId for another attempt. Whether a
// failed task has exhausted its attempts is not checked here.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusQueued:     {StatusDispatched, StatusCancelled},
	StatusDispatched: {StatusRunning, StatusVerifying, StatusCancelled, StatusFailed},
	StatusRunning:    {StatusVerifying, StatusCancelled, StatusFailed},
	StatusVerifying:  {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusDispatched},
}

// Task is the durable record owned by the Task Store.
type Task struct {
	ID              string      `json:"id"`
	Payload         TaskPayload `json:"payload"`
	Status          TaskStatus  `json:"status"`
	Priority        Priority    `json:"priority"`
	AssignedAgentID string      `json:"assigned_agent_id,omitempty"`
	Attempts        int         `json:"attempts"`
	// CommitCountBefore is the git commit count of Payload.WorktreePath at
	// the moment of the most recent dispatch, captured so the Verification
	// Engine's commits_created check has a baseline to diff against.
	CommitCountBefore int          `json:"commit_count_before,omitempty"`
	Result            *TaskResult  `json:"result,omitempty"`
	QueuedAt          time.Time    `json:"queued_at"`
	DispatchedAt      *time.Time   `json:"dispatched_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// TaskPayload is the free-form description handed to the session executor.
// It is opaque to the core beyond the fields the dispatch envelope needs.
type TaskPayload struct {
	Description  string            `json:"description"`
	CodebaseID   string            `json:"codebaseId,omitempty"`
	WorktreePath string            `json:"worktreePath,omitempty"`
	TaskType     string            `json:"taskType,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// NewTask creates a queued task with attempts = 0.
func NewTask(id string, payload TaskPayload, priority Priority) *Task {
	return &Task{
		ID:       id,
		Payload:  payload,
		Status:   StatusQueued,
		Priority: priority,
		QueuedAt: time.Now(),
	}
}

// TransitionTo moves the task to newStatus if the edge is legal, mirroring
// the teacher's Task.TransitionTo idiom. Illegal edges return a wrapped
// ErrIllegalTransition and leave the task untouched, per §7's "offending
// message dropped, task left in its current state" policy.
func (t *Task) TransitionTo(newStatus TaskStatus) error {
	if t.IsTerminal() {
		return fmt.Errorf("task %s is terminal at %s: %w", t.ID, t.Status, ErrIllegalTransition)
	}
	allowed, ok := validTransitions[t.Status]
	if !ok {
		return fmt.Errorf("task %s has unknown status %s: %w", t.ID, t.Status, ErrIllegalTransition)
	}
	for _, s := range allowed {
		if s == newStatus {
			t.Status = newStatus
			switch newStatus {
			case StatusDispatched:
				now := time.Now()
				t.DispatchedAt = &now
			case StatusCompleted, StatusCancelled:
				now := time.Now()
				t.CompletedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("task %s: invalid transition %s -> %s: %w", t.ID, t.Status, newStatus, ErrIllegalTransition)
}

// IsTerminal reports whether the task can never transition again. failed is
// only terminal once attempts has reached maxAttempts; the caller (Task
// Store / Recovery Manager) is responsible for checking that before
// treating a failed task as final — TransitionTo itself still permits
// failed -> dispatched so a mid-retry task is not mistakenly frozen.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// TaskClaims is the agent's self-report; authoritative only after
// verification establishes it.
type TaskClaims struct {
	CommitsCreated int      `json:"commitsCreated"`
	FilesModified  []string `json:"filesModified,omitempty"`
	TestsRun       bool     `json:"testsRun"`
	TestsPassed    bool     `json:"testsPassed"`
	Summary        string   `json:"summary,omitempty"`
}

// TaskResultError describes why a task failed, distinguishing recoverable
// agent-reported failures from the synthesised ones the coordinator builds
// after a liveness-sweep death or a verification miss.
type TaskResultError struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// TaskResult is the wire payload an agent publishes on task.result, and is
// also synthesised internally by the coordinator (liveness sweep, overall
// timeout) with Error set and Claims left zero-valued.
type TaskResult struct {
	TaskID     string           `json:"taskId"`
	AgentID    string           `json:"agentId"`
	Success    bool             `json:"success"`
	Claims     TaskClaims       `json:"claims"`
	Summary    string           `json:"summary,omitempty"`
	Error      *TaskResultError `json:"error,omitempty"`
	StartTime  time.Time        `json:"startTime"`
	EndTime    time.Time        `json:"endTime"`
	DurationMs int64            `json:"durationMs"`
}

// TaskRequest is what SubmitTask accepts.
type TaskRequest struct {
	TaskID   string      `json:"taskId,omitempty"`
	Payload  TaskPayload `json:"payload"`
	Priority Priority    `json:"priority"`
}

// SubmitResult is what SubmitTask returns.
type SubmitResult struct {
	Dispatched    bool   `json:"dispatched"`
	AgentID       string `json:"agentId,omitempty"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

// QueueEntry is one row of the durable priority queue.
type QueueEntry struct {
	TaskID   string    `json:"taskId"`
	Score    int       `json:"score"`
	QueuedAt time.Time `json:"queuedAt"`
}
