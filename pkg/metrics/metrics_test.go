package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genflow/pkg/cost"
	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/worker"
)

type stubQueue struct{ stats models.QueueStats }

func (s stubQueue) Stats() (models.QueueStats, error) { return s.stats, nil }

type stubPool struct{}

func (stubPool) Stats() worker.Stats {
	return worker.Stats{Workers: 4, Busy: 1, Processed: 10, Succeeded: 7, Retried: 2, DeadLetter: 1}
}

type stubProviders struct{}

func (stubProviders) Descriptors() []models.ProviderDescriptor {
	return []models.ProviderDescriptor{{Name: "claude", Health: models.ProviderHealth{IsHealthy: true, ResponseTimeMs: 42}}}
}

func (stubProviders) Usage(string) (models.ProviderUsage, error) {
	return models.ProviderUsage{Requests: 3, Tokens: 4500, Cost: 0.06}, nil
}

type stubDLQ struct{}

func (stubDLQ) Stats() (*models.DeadLetterStats, error) {
	return &models.DeadLetterStats{Total: 3, Unresolved: 2, Resolved: 1,
		ByCategory: map[models.FailureCategory]int{models.FailureContentPolicyViolation: 3}}, nil
}

type stubSpend struct{}

func (stubSpend) Spend() (*cost.Spend, error) {
	return &cost.Spend{Daily: 12.5, Monthly: 80, ByProvider: map[string]*cost.Window{"claude": {Daily: 12.5, Monthly: 80}}}, nil
}

func TestExporterCollectsAllSources(t *testing.T) {
	e := NewExporter(Sources{
		Queue:      stubQueue{stats: models.QueueStats{Waiting: 5, Active: 1, Paused: true}},
		Pool:       stubPool{},
		Providers:  stubProviders{},
		DeadLetter: stubDLQ{},
		Spend:      stubSpend{},
	}, nil)

	// uptime + 7 queue states + paused + 2 worker gauges + 4 outcomes
	// + 6 provider series + 2 dlq states + 1 category + 2 spend + 2 provider spend
	assert.Equal(t, 28, testutil.CollectAndCount(e))
	assert.Equal(t, 1, testutil.CollectAndCount(e, "genflow_queue_paused"))
	assert.Equal(t, 7, testutil.CollectAndCount(e, "genflow_queue_jobs"))
}

func TestExporterSkipsMissingSources(t *testing.T) {
	e := NewExporter(Sources{}, nil)
	assert.Equal(t, 1, testutil.CollectAndCount(e))
}

func TestObserverCountsEvents(t *testing.T) {
	o := NewObserver()
	bus := events.NewBus(nil)
	detach := o.Attach(bus)

	bus.Publish(events.JobEnqueued, events.JobEnqueuedPayload{JobID: "a", Priority: models.PriorityUrgent})
	bus.Publish(events.JobCompleted, events.JobCompletedPayload{JobID: "a", ProviderID: "claude",
		Usage: models.Usage{Cost: 0.02}, ProcessingTimeMs: 1200})
	bus.Publish(events.JobFailed, events.JobFailedPayload{JobID: "b", Category: models.FailureRateLimitExceeded, WillRetry: true})
	bus.Publish(events.JobFailed, events.JobFailedPayload{JobID: "b", Category: models.FailureRateLimitExceeded, WillRetry: true})
	bus.Publish(events.CostAlertCreated, events.AlertPayload{Alert: &models.CostAlert{Type: models.AlertDailyLimit, Severity: models.SeverityWarning}})
	bus.Publish(events.CostAlertAcknowledged, events.AlertPayload{Alert: &models.CostAlert{Type: models.AlertDailyLimit, Severity: models.SeverityWarning}})

	assert.Equal(t, 1.0, testutil.ToFloat64(o.enqueued.WithLabelValues(string(models.PriorityUrgent))))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.completed.WithLabelValues("claude")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.failed.WithLabelValues(string(models.FailureRateLimitExceeded), "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.alerts.WithLabelValues("daily_limit", "warning")))

	detach()
	bus.Publish(events.JobCancelled, events.JobCancelledPayload{JobID: "c"})
	assert.Equal(t, 0.0, testutil.ToFloat64(o.cancelled))
}

func TestHandlerServesExposition(t *testing.T) {
	reg := NewRegistry(NewExporter(Sources{Queue: stubQueue{}}, nil), NewObserver())
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "genflow_queue_jobs{state=\"waiting\"} 0")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestScrapeDecodesFamilies(t *testing.T) {
	reg := NewRegistry(NewExporter(Sources{
		Queue:     stubQueue{stats: models.QueueStats{Waiting: 3, Active: 1}},
		Providers: stubProviders{},
	}, nil), NewObserver())
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	families, err := Scrape(context.Background(), srv.Client(), srv.URL, "genflow_")
	require.NoError(t, err)
	for _, mf := range families {
		assert.True(t, strings.HasPrefix(mf.GetName(), "genflow_"), mf.GetName())
	}

	samples := Flatten(families)
	values := make(map[string]float64)
	for _, s := range samples {
		values[s.Name+"{"+s.LabelString()+"}"] = s.Value
	}
	assert.Equal(t, 3.0, values[`genflow_queue_jobs{state="waiting"}`])
	assert.Equal(t, 1.0, values[`genflow_queue_jobs{state="active"}`])
	assert.Equal(t, 1.0, values[`genflow_provider_healthy{provider="claude"}`])
	assert.Equal(t, 4500.0, values[`genflow_provider_tokens_total{provider="claude"}`])
}
