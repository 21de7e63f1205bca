package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polygonetl/chainparse/parser/pkg/dag"
	chainparsetesting "github.com/polygonetl/chainparse/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, rc dag.RunContext) error { return nil }

func testDAG(t *testing.T) *dag.DAG {
	t.Helper()
	d := dag.New("polygon_parse_tokens_dag", "0 0 * * *", dag.DefaultArgs{})
	require.NoError(t, d.AddTask(&dag.Task{ID: "parse_a", Kind: dag.KindParse, Run: noop}))
	require.NoError(t, d.AddTask(&dag.Task{ID: "parse_all_checkpoint", Kind: dag.KindCheckpoint, Run: noop}))
	require.NoError(t, d.SetDownstream("parse_a", "parse_all_checkpoint"))
	return d
}

type triggerCall struct {
	dagID string
	ds    string
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	cfg.Logger = chainparsetesting.NewLogger()
	cfg.ListenAddr = "127.0.0.1:0"
	if cfg.DAGs == nil {
		d := testDAG(t)
		cfg.DAGs = func() []*dag.DAG { return []*dag.DAG{d} }
	}
	s, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestChainParse_Server_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: chainparsetesting.NewLogger()})
	require.ErrorContains(t, err, "listen addr is required")
	_, err = New(Config{Logger: chainparsetesting.NewLogger(), ListenAddr: ":0"})
	require.ErrorContains(t, err, "dags are required")
}

func TestChainParse_Server_Health(t *testing.T) {
	t.Parallel()

	t.Run("healthz", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, Config{})
		status, body := get(t, ts.URL+"/healthz")
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "ok\n", body)
	})

	t.Run("ready", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, Config{Ready: func(context.Context) error { return nil }})
		status, _ := get(t, ts.URL+"/readyz")
		require.Equal(t, http.StatusOK, status)
	})

	t.Run("not ready", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, Config{Ready: func(context.Context) error { return errors.New("clickhouse down") }})
		status, body := get(t, ts.URL+"/readyz")
		require.Equal(t, http.StatusServiceUnavailable, status)
		require.Equal(t, "not ready\n", body)
	})

	t.Run("version", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, Config{VersionInfo: VersionInfo{Version: "1.2.3", Commit: "abc"}})
		status, body := get(t, ts.URL+"/version")
		require.Equal(t, http.StatusOK, status)
		var v VersionInfo
		require.NoError(t, json.Unmarshal([]byte(body), &v))
		require.Equal(t, "1.2.3", v.Version)
		require.Equal(t, "abc", v.Commit)
	})

	t.Run("metrics", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, Config{})
		get(t, ts.URL+"/healthz")
		status, body := get(t, ts.URL+"/metrics")
		require.Equal(t, http.StatusOK, status)
		require.Contains(t, body, "chainparse_http_requests_total")
	})
}

func TestChainParse_Server_DAGs(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{})

	t.Run("list", func(t *testing.T) {
		t.Parallel()
		status, body := get(t, ts.URL+"/dags")
		require.Equal(t, http.StatusOK, status)
		var out []dagSummary
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		require.Equal(t, []dagSummary{{ID: "polygon_parse_tokens_dag", Schedule: "0 0 * * *", Tasks: 2}}, out)
	})

	t.Run("get", func(t *testing.T) {
		t.Parallel()
		status, body := get(t, ts.URL+"/dags/polygon_parse_tokens_dag")
		require.Equal(t, http.StatusOK, status)
		var out struct {
			ID    string `json:"id"`
			Tasks []struct {
				ID       string   `json:"id"`
				Upstream []string `json:"upstream"`
			} `json:"tasks"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		require.Equal(t, "polygon_parse_tokens_dag", out.ID)
		require.Len(t, out.Tasks, 2)
		require.Equal(t, "parse_all_checkpoint", out.Tasks[1].ID)
		require.Equal(t, []string{"parse_a"}, out.Tasks[1].Upstream)
	})

	t.Run("graph", func(t *testing.T) {
		t.Parallel()
		status, body := get(t, ts.URL+"/dags/polygon_parse_tokens_dag/graph")
		require.Equal(t, http.StatusOK, status)
		require.True(t, strings.HasPrefix(body, "polygon_parse_tokens_dag (0 0 * * *)\n"))
		require.Contains(t, body, "- parse_all_checkpoint [checkpoint]")
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		status, _ := get(t, ts.URL+"/dags/missing_dag")
		require.Equal(t, http.StatusNotFound, status)
	})
}

func TestChainParse_Server_FailingDAG(t *testing.T) {
	t.Parallel()

	d := dag.New("polygon_parse_broken_dag", "0 0 * * *", dag.DefaultArgs{})
	require.NoError(t, d.AddTask(&dag.Task{ID: "validation_error", Kind: dag.KindValidationError, Run: noop}))
	ts := newTestServer(t, Config{DAGs: func() []*dag.DAG { return []*dag.DAG{d} }})

	_, body := get(t, ts.URL+"/dags")
	var out []dagSummary
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Len(t, out, 1)
	require.True(t, out[0].Failing)
}

func TestChainParse_Server_Trigger(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, Config{})
		resp, err := http.Post(ts.URL+"/dags/polygon_parse_tokens_dag/runs?ds=2024-05-01", "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	})

	var mu sync.Mutex
	var calls []triggerCall
	ts := newTestServer(t, Config{Trigger: func(ctx context.Context, d *dag.DAG, executionDate time.Time) error {
		mu.Lock()
		defer mu.Unlock()
		if len(calls) > 0 {
			return errors.New("a run of the dag is already active")
		}
		calls = append(calls, triggerCall{d.ID, executionDate.Format(time.DateOnly)})
		return nil
	}})

	resp, err := http.Post(ts.URL+"/dags/polygon_parse_tokens_dag/runs?ds=2024-05-01", "", nil)
	require.NoError(t, err)
	var out triggerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, triggerResponse{DAGID: "polygon_parse_tokens_dag", ExecutionDate: "2024-05-01"}, out)

	resp, err = http.Post(ts.URL+"/dags/polygon_parse_tokens_dag/runs?ds=2024-05-01", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/dags/polygon_parse_tokens_dag/runs?ds=May-1", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/dags/missing_dag/runs?ds=2024-05-01", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []triggerCall{{"polygon_parse_tokens_dag", "2024-05-01"}}, calls)
}
