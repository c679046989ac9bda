package cost

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMonitor(t *testing.T, mutate func(*Config)) (*Monitor, *clock, *events.Bus) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.DailyLimit = 100
	cfg.MonthlyLimit = 100000
	cfg.MaxCostPerJob = 1000
	cfg.Clock = clk.Now
	if mutate != nil {
		mutate(&cfg)
	}
	bus := events.NewBus(nil)
	return NewMonitor(cfg, store.NewMemoryStore(), bus, nil), clk, bus
}

func alertsOf(t *testing.T, m *Monitor, typ models.AlertType, sev models.Severity) []*models.CostAlert {
	t.Helper()
	all, err := m.Alerts(store.AlertFilter{Type: typ})
	require.NoError(t, err)
	var out []*models.CostAlert
	for _, a := range all {
		if a.Severity == sev {
			out = append(out, a)
		}
	}
	return out
}

func record(t *testing.T, m *Monitor, jobID, provider string, cost float64) {
	t.Helper()
	_, err := m.Record(Usage{JobID: jobID, ProviderID: provider, Cost: cost, Tokens: 100, Success: true})
	require.NoError(t, err)
}

func TestDailyThresholdAlerts(t *testing.T) {
	m, _, bus := newMonitor(t, nil)
	var created []events.AlertPayload
	bus.Handle(func(ev events.Event) { created = append(created, ev.Payload.(events.AlertPayload)) }, events.CostAlertCreated)

	record(t, m, "j1", "claude", 40)
	record(t, m, "j2", "claude", 41)
	assert.Len(t, alertsOf(t, m, models.AlertDailyLimit, models.SeverityWarning), 1)
	assert.Empty(t, alertsOf(t, m, models.AlertDailyLimit, models.SeverityCritical))

	record(t, m, "j3", "claude", 10)
	_, err := m.CheckThresholds()
	require.NoError(t, err)
	assert.Len(t, alertsOf(t, m, models.AlertDailyLimit, models.SeverityWarning), 1, "re-raising is suppressed")
	assert.Empty(t, alertsOf(t, m, models.AlertDailyLimit, models.SeverityCritical))

	record(t, m, "j4", "claude", 4)
	critical := alertsOf(t, m, models.AlertDailyLimit, models.SeverityCritical)
	require.Len(t, critical, 1)
	assert.InDelta(t, 95, critical[0].Details.Current, 1e-9)
	assert.Equal(t, 100.0, critical[0].Details.Limit)
	assert.Equal(t, "daily", critical[0].Details.Timeframe)
	assert.Len(t, created, 2)
}

func TestAlertCooldownExpires(t *testing.T) {
	m, clk, _ := newMonitor(t, nil)
	record(t, m, "j1", "claude", 85)
	require.Len(t, alertsOf(t, m, models.AlertDailyLimit, models.SeverityWarning), 1)

	clk.Advance(30 * time.Minute)
	raised, err := m.CheckThresholds()
	require.NoError(t, err)
	assert.Empty(t, raised)

	clk.Advance(time.Hour)
	raised, err = m.CheckThresholds()
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, models.AlertDailyLimit, raised[0].Type)
}

func TestProviderLimitsAndJobSpike(t *testing.T) {
	m, _, _ := newMonitor(t, func(c *Config) {
		c.ProviderLimits = map[string]ProviderLimit{"gpt": {Daily: 10}}
		c.MaxCostPerJob = 2
	})

	record(t, m, "j1", "gpt", 1.5)
	record(t, m, "j2", "claude", 1.5)
	assert.Empty(t, alertsOf(t, m, models.AlertProviderQuota, models.SeverityWarning))

	record(t, m, "j3", "gpt", 7)
	quota := alertsOf(t, m, models.AlertProviderQuota, models.SeverityWarning)
	require.Len(t, quota, 1)
	assert.Equal(t, "gpt", quota[0].Details.Provider)
	assert.InDelta(t, 8.5, quota[0].Details.Current, 1e-9)

	spikes := alertsOf(t, m, models.AlertJobCostSpike, models.SeverityWarning)
	require.Len(t, spikes, 1)
	assert.Equal(t, "j3", spikes[0].Details.JobID)

	record(t, m, "j4", "claude", 3)
	assert.Len(t, alertsOf(t, m, models.AlertJobCostSpike, models.SeverityWarning), 2, "spikes are tracked per job")
}

func TestConcurrentRecordsAggregate(t *testing.T) {
	m, _, _ := newMonitor(t, func(c *Config) { c.DailyLimit = 0 })

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := m.Record(Usage{JobID: fmt.Sprintf("w%d-%d", w, i), ProviderID: "claude", Cost: 0.25, Tokens: 10, Success: true})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	report, err := m.Report(models.TimeframeDay, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, report.Totals.Cost, 1e-9)
	assert.Equal(t, int64(2000), report.Totals.Tokens)
	assert.Equal(t, 200, report.Totals.Requests)
	assert.Equal(t, 200, report.Totals.Jobs)
}

func TestReport(t *testing.T) {
	m, clk, _ := newMonitor(t, func(c *Config) { c.DailyLimit = 0 })
	today := clk.Now()

	clk.Set(today.Add(-18 * time.Hour))
	_, err := m.Record(Usage{JobID: "old", ProviderID: "claude", PayloadRef: "agent:writer", Cost: 1, Tokens: 1000, Success: true})
	require.NoError(t, err)

	clk.Set(today)
	_, err = m.Record(Usage{JobID: "a", ProviderID: "claude", PayloadRef: "agent:writer", Cost: 2, Tokens: 1000, Success: true})
	require.NoError(t, err)
	_, err = m.Record(Usage{JobID: "b", ProviderID: "gpt", PayloadRef: "agent:artist", Cost: 0, Success: false, Error: "rate limit exceeded"})
	require.NoError(t, err)

	report, err := m.Report(models.TimeframeDay, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC), report.Start)
	assert.InDelta(t, 2.0, report.Totals.Cost, 1e-9)
	assert.Equal(t, 2, report.Totals.Requests)
	assert.Equal(t, 1, report.Totals.Failures)
	assert.InDelta(t, 2.0, report.ByProvider["claude"].Cost, 1e-9)
	assert.Equal(t, 1, report.ByProvider["gpt"].Failures)
	assert.Equal(t, 1, report.ByAgent["agent:writer"].Requests)
	require.Len(t, report.TopExpensive, 1)
	assert.Equal(t, "a", report.TopExpensive[0].JobID)

	assert.InDelta(t, 100.0, report.Trends.CostGrowth, 1e-9)
	assert.InDelta(t, 100.0, report.Trends.EfficiencyChange, 1e-9)
	assert.InDelta(t, -50.0, report.Trends.QualityImpact, 1e-9)

	week, err := m.Report(models.TimeframeWeek, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, week.Totals.Cost, 1e-9)

	start, end := today.Add(-time.Hour), today.Add(time.Hour)
	custom, err := m.Report(models.TimeframeCustom, &start, &end)
	require.NoError(t, err)
	assert.Equal(t, 2, custom.Totals.Requests)

	_, err = m.Report(models.TimeframeCustom, nil, nil)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = m.Report("fortnight", nil, nil)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestRecordsFromBus(t *testing.T) {
	m, _, bus := newMonitor(t, nil)
	detach := m.Attach(bus)

	bus.Publish(events.JobCompleted, events.JobCompletedPayload{
		JobID:      "j1",
		ProviderID: "claude",
		PayloadRef: "inline:x",
		Usage:      models.Usage{TotalTokens: 1500, Cost: 0.02},
	})
	bus.Publish(events.JobFailed, events.JobFailedPayload{JobID: "j2", ProviderID: "claude", Error: "timeout"})

	report, err := m.Report(models.TimeframeDay, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, report.Totals.Cost, 1e-12)
	assert.Equal(t, 2, report.Totals.Requests)
	assert.Equal(t, 1, report.Totals.Failures)

	detach()
	bus.Publish(events.JobCompleted, events.JobCompletedPayload{JobID: "j3", Usage: models.Usage{Cost: 1}})
	report, err = m.Report(models.TimeframeDay, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Totals.Requests)
}

func TestAcknowledgeAndGC(t *testing.T) {
	m, clk, bus := newMonitor(t, nil)
	acks := 0
	bus.Handle(func(events.Event) { acks++ }, events.CostAlertAcknowledged)

	record(t, m, "j1", "claude", 90)
	alerts := alertsOf(t, m, models.AlertDailyLimit, models.SeverityWarning)
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	ok, err := m.Acknowledge(id, "ops")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Acknowledge(id, "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, acks)

	_, err = m.Acknowledge("missing", "ops")
	assert.ErrorIs(t, err, models.ErrAlertNotFound)

	n, err := m.GC()
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(8 * 24 * time.Hour)
	n, err = m.GC()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecommendations(t *testing.T) {
	m, _, _ := newMonitor(t, func(c *Config) { c.DailyLimit = 0 })
	for i := 0; i < 5; i++ {
		_, err := m.Record(Usage{JobID: fmt.Sprintf("p%d", i), ProviderID: "premium", PayloadRef: "agent:a", Cost: 1, Success: true})
		require.NoError(t, err)
		_, err = m.Record(Usage{JobID: fmt.Sprintf("c%d", i), ProviderID: "cheap", PayloadRef: "agent:b", Cost: 0.6, Success: i > 1, Error: "overloaded"})
		require.NoError(t, err)
	}

	recs, err := m.Recommendations()
	require.NoError(t, err)
	kinds := map[string]models.Recommendation{}
	for _, r := range recs {
		kinds[r.Kind] = r
	}
	require.Contains(t, kinds, "provider_routing")
	assert.Equal(t, "premium", kinds["provider_routing"].Provider)
	assert.Contains(t, kinds, "failure_waste")
	require.Contains(t, kinds, "provider_reliability")
	assert.Equal(t, "cheap", kinds["provider_reliability"].Provider)
	assert.Contains(t, kinds, "agent_spend")
}
