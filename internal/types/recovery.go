package types

import "time"

// AttemptRecord summarises one failed dispatch attempt, held by the
// Recovery Manager keyed by taskId.
type AttemptRecord struct {
	TaskID        string    `json:"taskId"`
	AttemptNumber int       `json:"attemptNumber"`
	AgentID       string    `json:"agentId,omitempty"`
	ErrorMessage  string    `json:"errorMessage"`
	FailingChecks []CheckName `json:"failingChecks,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RecoveryContext augments the next dispatch attempt's prompt with hints
// about what went wrong before.
type RecoveryContext struct {
	AttemptNumber    int      `json:"attemptNumber"`
	PreviousFailures []string `json:"previousFailures"`
	FailurePatterns  []string `json:"failurePatterns"`
}

// EscalationInfo is emitted when the retry budget is exhausted.
type EscalationInfo struct {
	TaskID          string          `json:"taskId"`
	TaskDescription string          `json:"taskDescription"`
	Attempts        []AttemptRecord `json:"attempts"`
	SuggestedActions []string       `json:"suggestedActions"`
}

// DefaultSuggestedActions is the fixed list spec.md §4.E prescribes.
func DefaultSuggestedActions() []string {
	return []string{
		"simplify the task description",
		"provide additional context or examples",
		"perform manually and record the fix",
	}
}

// FailureOutcome is what HandleFailure returns: either a retry with fresh
// recovery context, or a terminal escalation. Exactly one of
// RecoveryContext / Escalation is set.
type FailureOutcome struct {
	Retry           bool
	RecoveryContext *RecoveryContext
	Escalation      *EscalationInfo
}
