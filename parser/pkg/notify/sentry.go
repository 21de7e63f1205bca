package notify

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryNotifier captures failures as Sentry exceptions tagged with the task
// instance.
type SentryNotifier struct {
	hub *sentry.Hub
}

// NewSentryNotifier uses hub, or the current hub when nil.
func NewSentryNotifier(hub *sentry.Hub) *SentryNotifier {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryNotifier{hub: hub}
}

func (n *SentryNotifier) Notify(ctx context.Context, f Failure) error {
	hub := n.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("dag_id", f.DAGID)
		scope.SetTag("task_id", f.TaskID)
		scope.SetTag("ds", f.DS())
		scope.SetContext("task_instance", sentry.Context{
			"run_id":         f.RunID,
			"attempt":        f.Attempt,
			"execution_date": f.ExecutionDate.UTC().Format(time.RFC3339),
			"emails":         f.Emails,
		})
	})
	hub.CaptureException(f.Err)
	return nil
}
