// Package escalation delivers onEscalation notices to a local operator,
// adapted from internal/notifications/toast.go — a Windows toast with a
// cross-platform log fallback, rather than the teacher's full multi-channel
// notification manager, since THE CORE has exactly one escalation event to
// surface.
package escalation

import (
	"fmt"
	"log"
	"runtime"
	"strings"

	"github.com/go-toast/toast"

	"github.com/CLIAIMONITOR/internal/types"
)

// Notifier delivers escalation notices via a Windows toast when available,
// always also logging so headless deployments still see the event.
type Notifier struct {
	appID  string
	logger *log.Logger
}

// New returns a Notifier. appID identifies the toast source; an empty
// string falls back to "poolcoordinator".
func New(appID string) *Notifier {
	if appID == "" {
		appID = "poolcoordinator"
	}
	return &Notifier{appID: appID, logger: log.Default()}
}

// Notify delivers an escalation notice for info.
func (n *Notifier) Notify(info types.EscalationInfo) {
	title := fmt.Sprintf("Task escalated after %d attempts", len(info.Attempts))
	message := info.TaskDescription
	if message == "" {
		message = info.TaskID
	}

	n.logger.Printf("[ESCALATION] %s: %s (suggested: %s)", title, message, strings.Join(info.SuggestedActions, "; "))

	if runtime.GOOS != "windows" {
		return
	}
	if err := n.showToast(title, message); err != nil {
		n.logger.Printf("[ESCALATION] toast notification failed: %v", err)
	}
}

func (n *Notifier) showToast(title, message string) error {
	notification := toast.Notification{
		AppID:   n.appID,
		Title:   title,
		Message: message,
		Audio:   toast.Default,
	}
	return notification.Push()
}
