// Package notify reports task failures once a task has used up its retries.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polygonetl/chainparse/parser/pkg/metrics"
)

// Failure describes a task instance that failed for good.
type Failure struct {
	DAGID         string
	TaskID        string
	ExecutionDate time.Time
	RunID         string
	Attempt       int
	Err           error
	// Emails are the DAG's notification addresses.
	Emails []string
}

func (f Failure) DS() string {
	return f.ExecutionDate.UTC().Format(time.DateOnly)
}

// Summary is a one-line description used by every notifier.
func (f Failure) Summary() string {
	return fmt.Sprintf("Task %s.%s failed for %s after %d attempt(s): %v", f.DAGID, f.TaskID, f.DS(), f.Attempt, f.Err)
}

type Notifier interface {
	Notify(ctx context.Context, f Failure) error
}

// LogNotifier writes failures to the log.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, f Failure) error {
	n.Log.Error("task failed",
		"dag_id", f.DAGID,
		"task_id", f.TaskID,
		"ds", f.DS(),
		"run_id", f.RunID,
		"attempt", f.Attempt,
		"emails", f.Emails,
		"error", f.Err,
	)
	return nil
}

// Multi fans a failure out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, f Failure) error {
	var errs []error
	for _, n := range m {
		name := notifierName(n)
		if err := n.Notify(ctx, f); err != nil {
			metrics.NotificationsTotal.WithLabelValues(name, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(name, "success").Inc()
	}
	return errors.Join(errs...)
}

func notifierName(n Notifier) string {
	switch n.(type) {
	case *LogNotifier:
		return "log"
	case *SlackNotifier:
		return "slack"
	case *SentryNotifier:
		return "sentry"
	}
	return fmt.Sprintf("%T", n)
}
