package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genflow/pkg/config"
	"github.com/psantana5/genflow/pkg/deadletter"
	"github.com/psantana5/genflow/pkg/orchestrator"
	"github.com/psantana5/genflow/pkg/provider"
	"github.com/psantana5/genflow/pkg/queue"
	"github.com/psantana5/genflow/pkg/store"
	"github.com/psantana5/genflow/pkg/tracing"
	"github.com/psantana5/genflow/pkg/worker"
)

func newOrchestrator(t *testing.T) *orchestrator.Orchestrator {
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
	return o
}

func TestAPIServerGeneratesCertificate(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.API.TLS = config.TLSConfig{
		Enabled:            true,
		CertFile:           filepath.Join(dir, "api.crt"),
		KeyFile:            filepath.Join(dir, "api.key"),
		GenerateSelfSigned: true,
	}
	tp, err := tracing.InitTracer(tracing.Config{ServiceName: "genflowd"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, err := apiServer(ctx, cfg, newOrchestrator(t), tp, nil)
	require.NoError(t, err)
	require.NotNil(t, srv.TLSConfig)
	assert.Len(t, srv.TLSConfig.Certificates, 1)
}

func TestAPIServerPlaintext(t *testing.T) {
	cfg := config.Default()
	tp, err := tracing.InitTracer(tracing.Config{ServiceName: "genflowd"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, err := apiServer(ctx, cfg, newOrchestrator(t), tp, nil)
	require.NoError(t, err)
	assert.Nil(t, srv.TLSConfig)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsServer(t *testing.T) {
	srv := metricsServer(":0", newOrchestrator(t), nil)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "genflow_queue_jobs")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, l)
}
