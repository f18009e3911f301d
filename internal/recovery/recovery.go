// Package recovery implements the Recovery & Escalation Manager (spec
// §4.E): a bounded-retry state machine that turns a failed task into
// either a retry with accumulated context or a terminal escalation. It
// holds attempt history per taskId and never inspects the working
// directory or calls out to an agent itself.
package recovery

import (
	"sync"
	"time"

	"github.com/CLIAIMONITOR/internal/types"
)

const DefaultMaxAttempts = 3

// Persister optionally durables attempt history, so a coordinator restart
// can rehydrate it. Gated by RECOVERY_PERSIST_ATTEMPTS (see SPEC_FULL.md);
// a nil Persister keeps history in memory only, matching the spec's
// "loss of attempt history on restart is acceptable" note.
type Persister interface {
	RecordAttempt(rec types.AttemptRecord) error
	LoadAttempts(taskID string) ([]types.AttemptRecord, error)
}

// Manager tracks attempt counts and history per taskId.
type Manager struct {
	mu          sync.Mutex
	maxAttempts int
	history     map[string][]types.AttemptRecord
	persist     Persister
}

// New returns a Manager with the spec's default maxAttempts. Pass a
// non-nil Persister to durably record attempts as they occur.
func New(persist Persister) *Manager {
	return &Manager{
		maxAttempts: DefaultMaxAttempts,
		history:     make(map[string][]types.AttemptRecord),
		persist:     persist,
	}
}

// WithMaxAttempts overrides the default retry budget.
func (m *Manager) WithMaxAttempts(n int) *Manager {
	m.maxAttempts = n
	return m
}

// Rehydrate loads a task's attempt history from the Persister, if set,
// into memory. Called on coordinator startup for in-flight tasks.
func (m *Manager) Rehydrate(taskID string) error {
	if m.persist == nil {
		return nil
	}
	recs, err := m.persist.LoadAttempts(taskID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	m.mu.Lock()
	m.history[taskID] = recs
	m.mu.Unlock()
	return nil
}

// HandleFailure records the failure, decides retry vs. escalate, and
// returns the resulting FailureOutcome. failingChecks names the
// Verification Engine checks that did not pass, if the failure came from
// a verification miss rather than a synthesised liveness/timeout failure.
func (m *Manager) HandleFailure(taskID, description, agentID string, result types.TaskResult, failingChecks []types.CheckName) types.FailureOutcome {
	rec := types.AttemptRecord{
		TaskID:        taskID,
		AgentID:       agentID,
		Timestamp:     time.Now(),
		FailingChecks: failingChecks,
	}
	if result.Error != nil {
		rec.ErrorMessage = result.Error.Message
	}

	m.mu.Lock()
	m.history[taskID] = append(m.history[taskID], rec)
	n := len(m.history[taskID])
	rec.AttemptNumber = n
	m.history[taskID][n-1].AttemptNumber = n
	hist := append([]types.AttemptRecord(nil), m.history[taskID]...)
	m.mu.Unlock()

	if m.persist != nil {
		_ = m.persist.RecordAttempt(hist[len(hist)-1])
	}

	if n < m.maxAttempts {
		return types.FailureOutcome{
			Retry: true,
			RecoveryContext: &types.RecoveryContext{
				AttemptNumber:    n + 1,
				PreviousFailures: errorMessages(hist),
				FailurePatterns:  failurePatterns(hist),
			},
		}
	}

	return types.FailureOutcome{
		Retry: false,
		Escalation: &types.EscalationInfo{
			TaskID:           taskID,
			TaskDescription:  description,
			Attempts:         hist,
			SuggestedActions: types.DefaultSuggestedActions(),
		},
	}
}

// Attempts returns the number of recorded attempts for a task.
func (m *Manager) Attempts(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[taskID])
}

// Forget drops a task's in-memory history, called once it reaches a
// terminal state so the map does not grow unbounded.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	delete(m.history, taskID)
	m.mu.Unlock()
}

func errorMessages(hist []types.AttemptRecord) []string {
	out := make([]string, 0, len(hist))
	for _, rec := range hist {
		if rec.ErrorMessage != "" {
			out = append(out, rec.ErrorMessage)
		}
	}
	return out
}

// failurePatterns extracts a de-duplicated set of failing check names
// across history, used as "what to avoid" hints for the next prompt.
func failurePatterns(hist []types.AttemptRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range hist {
		for _, c := range rec.FailingChecks {
			s := string(c)
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
