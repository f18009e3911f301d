package types

import (
	"errors"
	"testing"
)

func TestTaskStatusTransitions(t *testing.T) {
	task := NewTask("T1", TaskPayload{Description: "noop"}, PriorityNormal)

	if err := task.TransitionTo(StatusDispatched); err != nil {
		t.Fatalf("queued -> dispatched should be valid: %v", err)
	}
	if task.DispatchedAt == nil {
		t.Error("expected DispatchedAt to be set on dispatch")
	}

	if err := task.TransitionTo(StatusCompleted); err == nil {
		t.Error("dispatched -> completed directly should be invalid")
	} else if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got: %v", err)
	}

	if err := task.TransitionTo(StatusVerifying); err != nil {
		t.Fatalf("dispatched -> verifying should be valid: %v", err)
	}
	if err := task.TransitionTo(StatusCompleted); err != nil {
		t.Fatalf("verifying -> completed should be valid: %v", err)
	}
	if !task.IsTerminal() {
		t.Error("completed task should be terminal")
	}
	if err := task.TransitionTo(StatusDispatched); err == nil {
		t.Error("terminal task should reject further transitions")
	}
}

func TestTaskRetryPath(t *testing.T) {
	task := NewTask("T2", TaskPayload{Description: "flaky"}, PriorityHigh)
	for _, s := range []TaskStatus{StatusDispatched, StatusVerifying, StatusFailed} {
		if err := task.TransitionTo(s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
	if task.IsTerminal() {
		t.Error("failed task should not be terminal before exhaustion is decided by the caller")
	}
	if err := task.TransitionTo(StatusDispatched); err != nil {
		t.Fatalf("failed -> dispatched (recovery retry) should be valid: %v", err)
	}
}

func TestPriorityScoreOrdering(t *testing.T) {
	if PriorityCritical.Score() <= PriorityHigh.Score() {
		t.Error("critical must outscore high")
	}
	if PriorityHigh.Score() <= PriorityNormal.Score() {
		t.Error("high must outscore normal")
	}
	if PriorityNormal.Score() <= PriorityLow.Score() {
		t.Error("normal must outscore low")
	}
}
