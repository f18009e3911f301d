package types

import "time"

// TaskDispatch is the wire payload published on task.dispatch /
// task.dispatch.<agentId>.
type TaskDispatch struct {
	TaskID       string            `json:"taskId"`
	TargetAgentID string           `json:"targetAgentId"`
	Task         DispatchTask      `json:"task"`
	Timestamp    time.Time         `json:"timestamp"`
}

// DispatchTask is the task-shaped view the agent actually needs to start
// work; Context is only present on retries.
type DispatchTask struct {
	Description  string            `json:"description"`
	CodebaseID   string            `json:"codebaseId,omitempty"`
	WorktreePath string            `json:"worktreePath,omitempty"`
	Priority     Priority          `json:"priority"`
	Context      *DispatchContext  `json:"context,omitempty"`
}

// DispatchContext carries recovery hints into a retry attempt.
type DispatchContext struct {
	PreviousAttempts int      `json:"previousAttempts"`
	RecoveryHints    []string `json:"recoveryHints,omitempty"`
}

// Stop is published on control.stop.<agentId>.
type Stop struct {
	AgentID   string    `json:"agentId"`
	TaskID    string    `json:"taskId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Kill is published on control.kill.<agentId>.
type Kill struct {
	AgentID   string    `json:"agentId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
