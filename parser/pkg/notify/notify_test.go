package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/polygonetl/chainparse/utils/pkg/logger"
	"github.com/polygonetl/chainparse/utils/pkg/retry"
	chainparsetesting "github.com/polygonetl/chainparse/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func testFailure() Failure {
	return Failure{
		DAGID:         "polygon_parse_tokens_dag",
		TaskID:        "Token_event_Transfer",
		ExecutionDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		RunID:         "5f0c6a52-7b0e-4d1f-9d0a-8a3c0a4f6b11",
		Attempt:       6,
		Err:           errors.New("code: 60, table does not exist"),
		Emails:        []string{"ops@example.com"},
	}
}

func TestChainParse_Notify_Failure_Summary(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"Task polygon_parse_tokens_dag.Token_event_Transfer failed for 2024-05-01 after 6 attempt(s): code: 60, table does not exist",
		testFailure().Summary())
}

func TestChainParse_Notify_LogNotifier(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := &LogNotifier{Log: logger.NewWithOptions(logger.Options{Writer: &buf, Level: slog.LevelInfo, NoColor: true})}
	require.NoError(t, n.Notify(t.Context(), testFailure()))
	require.Contains(t, buf.String(), "task failed")
	require.Contains(t, buf.String(), "Token_event_Transfer")
	require.Contains(t, buf.String(), "ops@example.com")
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []Failure
	err   error
}

func (r *recordingNotifier) Notify(ctx context.Context, f Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, f)
	return r.err
}

func TestChainParse_Notify_Multi(t *testing.T) {
	t.Parallel()

	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("unreachable")}
	m := Multi{failing, ok}

	err := m.Notify(t.Context(), testFailure())
	require.ErrorContains(t, err, "unreachable")
	require.Len(t, ok.calls, 1)
	require.Len(t, failing.calls, 1)

	require.NoError(t, Multi{ok}.Notify(t.Context(), testFailure()))
	require.NoError(t, Multi(nil).Notify(t.Context(), testFailure()))
}

func TestChainParse_Notify_Slack(t *testing.T) {
	t.Parallel()

	t.Run("config validation", func(t *testing.T) {
		t.Parallel()
		_, err := NewSlackNotifier(SlackConfig{})
		require.ErrorContains(t, err, "logger is required")
		_, err = NewSlackNotifier(SlackConfig{Logger: chainparsetesting.NewLogger()})
		require.ErrorContains(t, err, "slack token is required")
		_, err = NewSlackNotifier(SlackConfig{Logger: chainparsetesting.NewLogger(), Token: "xoxb"})
		require.ErrorContains(t, err, "slack channel is required")
	})

	t.Run("posts message", func(t *testing.T) {
		t.Parallel()

		var (
			mu      sync.Mutex
			path    string
			channel string
			text    string
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			mu.Lock()
			path = r.URL.Path
			channel = r.PostForm.Get("channel")
			text = r.PostForm.Get("text")
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok": true, "channel": "C123", "ts": "1714521600.000100"}`))
		}))
		t.Cleanup(srv.Close)

		n, err := NewSlackNotifier(SlackConfig{
			Logger:  chainparsetesting.NewLogger(),
			Token:   "xoxb-test",
			Channel: "C123",
			APIURL:  srv.URL,
		})
		require.NoError(t, err)
		require.NoError(t, n.Notify(t.Context(), testFailure()))

		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, "/chat.postMessage", path)
		require.Equal(t, "C123", channel)
		require.Equal(t, testFailure().Summary(), text)
	})

	t.Run("api error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok": false, "error": "channel_not_found"}`))
		}))
		t.Cleanup(srv.Close)

		n, err := NewSlackNotifier(SlackConfig{
			Logger:  chainparsetesting.NewLogger(),
			Token:   "xoxb-test",
			Channel: "C404",
			APIURL:  srv.URL,
			Retry:   retry.Config{MaxAttempts: 1},
		})
		require.NoError(t, err)
		err = n.Notify(t.Context(), testFailure())
		require.ErrorContains(t, err, "channel_not_found")
	})
}

func TestChainParse_Notify_Sentry(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	n := NewSentryNotifier(hub)
	require.NoError(t, n.Notify(t.Context(), testFailure()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	require.Equal(t, "polygon_parse_tokens_dag", events[0].Tags["dag_id"])
	require.Equal(t, "Token_event_Transfer", events[0].Tags["task_id"])
	require.Equal(t, "2024-05-01", events[0].Tags["ds"])
	require.Equal(t, 6, events[0].Contexts["task_instance"]["attempt"])
}
