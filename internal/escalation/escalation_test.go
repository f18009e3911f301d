package escalation

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/CLIAIMONITOR/internal/types"
)

func TestNewDefaultsAppID(t *testing.T) {
	n := New("")
	if n.appID != "poolcoordinator" {
		t.Errorf("expected default appID, got %q", n.appID)
	}
}

func TestNotifyLogsEscalation(t *testing.T) {
	var buf bytes.Buffer
	n := New("test-app")
	n.logger = log.New(&buf, "", 0)

	n.Notify(types.EscalationInfo{
		TaskID:           "t1",
		TaskDescription:  "ship the release",
		Attempts:         []types.AttemptRecord{{}, {}, {}},
		SuggestedActions: []string{"manual review", "retry with hints"},
	})

	out := buf.String()
	if !strings.Contains(out, "ship the release") {
		t.Errorf("expected log to mention task description, got %q", out)
	}
	if !strings.Contains(out, "3 attempts") {
		t.Errorf("expected log to mention attempt count, got %q", out)
	}
}

func TestNotifyFallsBackToTaskIDWhenDescriptionEmpty(t *testing.T) {
	var buf bytes.Buffer
	n := New("test-app")
	n.logger = log.New(&buf, "", 0)

	n.Notify(types.EscalationInfo{TaskID: "t2"})

	if !strings.Contains(buf.String(), "t2") {
		t.Errorf("expected log to mention task id, got %q", buf.String())
	}
}
