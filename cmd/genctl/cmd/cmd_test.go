package cmd

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genflow/pkg/api"
	"github.com/psantana5/genflow/pkg/deadletter"
	"github.com/psantana5/genflow/pkg/metrics"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/orchestrator"
	"github.com/psantana5/genflow/pkg/provider"
	"github.com/psantana5/genflow/pkg/queue"
	"github.com/psantana5/genflow/pkg/store"
	"github.com/psantana5/genflow/pkg/worker"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func newAPIServer(t *testing.T) string {
	t.Helper()
	reg := provider.NewRegistry(nil)
	require.NoError(t, reg.Register(provider.NewScriptedAdapter(provider.Config{Name: "claude"})))
	o, err := orchestrator.New(orchestrator.Options{
		Store:      store.NewMemoryStore(),
		Registry:   reg,
		Queue:      queue.DefaultConfig(),
		Workers:    worker.Config{Workers: 1, DefaultTimeout: time.Second},
		DeadLetter: deadletter.DefaultConfig(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	h := api.NewHandler(api.Deps{
		Queue:      o.Queue,
		DeadLetter: o.DeadLetter,
		Cost:       o.Cost,
		Registry:   o.Registry,
		Store:      o.Store,
		Pool:       o.Pool,
	}, nil)
	srv := httptest.NewServer(h.Router(nil, nil))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestJobCommands(t *testing.T) {
	url := newAPIServer(t)

	out, err := run(t, "jobs", "submit", "inline:write a limerick", "--server", url, "--requester", "tester", "-o", "json")
	require.NoError(t, err, out)
	var created api.SubmitJobResponse
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created.JobID)

	out, err = run(t, "jobs", "status", created.JobID, "--server", url, "-o", "json")
	require.NoError(t, err, out)
	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "tester", job.RequesterID)

	out, err = run(t, "queue", "stats", "--server", url, "-o", "table")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Waiting")

	out, err = run(t, "jobs", "cancel", created.JobID, "--server", url, "-o", "table")
	require.NoError(t, err, out)
	assert.Contains(t, out, "cancelled")

	_, err = run(t, "jobs", "cancel", created.JobID, "--server", url, "-o", "table")
	require.Error(t, err)
	assert.Equal(t, models.CodeNotCancellable, models.CodeOf(err))
}

func TestOperatorCommands(t *testing.T) {
	url := newAPIServer(t)

	out, err := run(t, "dlq", "list", "--server", url, "-o", "table")
	require.NoError(t, err, out)
	assert.Contains(t, out, "0 entries")

	out, err = run(t, "cost", "recommend", "--server", url, "-o", "table")
	require.NoError(t, err, out)
	assert.Contains(t, out, "No recommendations")

	out, err = run(t, "providers", "list", "--server", url, "-o", "table")
	require.NoError(t, err, out)
	assert.Contains(t, out, "claude")

	out, err = run(t, "cost", "report", "--server", url, "--timeframe", "week", "-o", "yaml")
	require.NoError(t, err, out)
	assert.Contains(t, out, "timeframe: week")
}

func TestMetricsCommand(t *testing.T) {
	reg := metrics.NewRegistry(metrics.NewExporter(metrics.Sources{}, nil), metrics.NewObserver())
	srv := httptest.NewServer(metrics.Handler(reg))
	defer srv.Close()

	out, err := run(t, "metrics", "--metrics-server", srv.URL, "-o", "table")
	require.NoError(t, err, out)
	assert.Contains(t, out, "genflow_uptime_seconds")
	assert.NotContains(t, out, "go_goroutines")
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genflow.yaml")

	out, err := run(t, "config", "init", "-f", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Wrote")

	_, err = run(t, "config", "init", "-f", path)
	assert.Error(t, err)

	out, err = run(t, "config", "show", "-f", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "rate_limit_policy")
	assert.Contains(t, out, "claude")
}
