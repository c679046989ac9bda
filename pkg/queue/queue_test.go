package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/payload"
	"github.com/psantana5/genflow/pkg/provider"
	"github.com/psantana5/genflow/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	q      *Queue
	store  *store.MemoryStore
	bus    *events.Bus
	clock  *fakeClock
	claude *provider.ScriptedAdapter

	mu     sync.Mutex
	events []events.Event
}

func (f *fixture) received(t events.Type) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// newFixture prices the scripted provider so the default estimate
// (500 prompt + 1000 output tokens) is exactly $0.02.
func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	reg := provider.NewRegistry(nil)
	claude := provider.NewScriptedAdapter(provider.Config{
		Name:               "claude",
		MaxTokens:          8192,
		CostPerInputToken:  0.00001,
		CostPerOutputToken: 0.000015,
	})
	require.NoError(t, reg.Register(claude))

	resolver := payload.NewStaticResolver(payload.Template{Ref: "template:long", UserPrompt: "essay", MaxTokens: 4000})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.BatchWindowDelay = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{store: store.NewMemoryStore(), bus: events.NewBus(nil), clock: clock, claude: claude}
	f.bus.Handle(func(ev events.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	f.q = New(cfg, f.store, reg, resolver, f.bus, nil)
	return f
}

func inline(prompt string) models.JobRequest {
	return models.JobRequest{PayloadRef: payload.InlinePrefix + prompt}
}

func TestEnqueueEstimatesAndPersists(t *testing.T) {
	f := newFixture(t, nil)

	id, err := f.q.Enqueue(context.Background(), inline("hello"), models.PriorityUrgent, "user-1", Options{CostLimit: 10})
	require.NoError(t, err)

	job, err := f.q.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 10, job.Weight)
	assert.InDelta(t, 0.02, job.CostEstimate, 1e-12)
	assert.Equal(t, 10.0, job.CostLimit)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, "user-1", job.RequesterID)
	assert.Len(t, f.received(events.JobEnqueued), 1)
}

func TestEnqueueCostGate(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.q.Enqueue(context.Background(), inline("hello"), models.PriorityNormal, "", Options{CostLimit: 0.01})
	assert.ErrorIs(t, err, models.ErrCostLimitExceeded)

	// Template maxTokens raises the output estimate: 500*1e-5 + 4000*1.5e-5 = 0.065
	_, err = f.q.Enqueue(context.Background(), models.JobRequest{PayloadRef: "template:long"}, models.PriorityNormal, "", Options{CostLimit: 0.05})
	assert.ErrorIs(t, err, models.ErrCostLimitExceeded)

	stats, err := f.q.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
	assert.Zero(t, f.q.Depth())
}

func TestEnqueueAdmissionErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, models.JobRequest{PayloadRef: "inline:x", ProviderID: "nope"}, "", "", Options{})
	assert.ErrorIs(t, err, models.ErrUnknownProvider)

	_, err = f.q.Enqueue(ctx, models.JobRequest{}, "", "", Options{})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = f.q.Enqueue(ctx, models.JobRequest{PayloadRef: "template:missing"}, "", "", Options{})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestClaimOrderByPriority(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ids := map[models.Priority]string{}
	for _, p := range []models.Priority{models.PriorityLow, models.PriorityUrgent, models.PriorityNormal} {
		id, err := f.q.Enqueue(ctx, inline(string(p)), p, "", Options{})
		require.NoError(t, err)
		ids[p] = id
	}

	var order []string
	for i := 0; i < 3; i++ {
		j, ok := f.q.TryClaim()
		require.True(t, ok)
		assert.Equal(t, models.JobStatusActive, j.Status)
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{ids[models.PriorityUrgent], ids[models.PriorityNormal], ids[models.PriorityLow]}, order)

	_, ok := f.q.TryClaim()
	assert.False(t, ok)
}

func TestClaimFIFOWithinBand(t *testing.T) {
	f := newFixture(t, nil)
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := f.q.Enqueue(context.Background(), inline("x"), models.PriorityHigh, "", Options{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, want := range ids {
		j, ok := f.q.TryClaim()
		require.True(t, ok)
		assert.Equal(t, want, j.ID)
	}
}

func TestDelayedJobs(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.q.Enqueue(context.Background(), inline("later"), models.PriorityUrgent, "", Options{Delay: time.Minute})
	require.NoError(t, err)

	stats, err := f.q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)
	assert.Equal(t, 0, stats.Waiting)

	_, ok := f.q.TryClaim()
	assert.False(t, ok)

	f.clock.Advance(time.Minute)
	j, ok := f.q.TryClaim()
	require.True(t, ok)
	assert.Equal(t, id, j.ID)
}

func TestClaimBlocksUntilEnqueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	claimed := make(chan *models.Job, 1)
	go func() {
		j, err := f.q.Claim(ctx)
		if err == nil {
			claimed <- j
		}
	}()

	time.Sleep(20 * time.Millisecond)
	id, err := f.q.Enqueue(context.Background(), inline("wake"), models.PriorityNormal, "", Options{})
	require.NoError(t, err)

	select {
	case j := <-claimed:
		assert.Equal(t, id, j.ID)
	case <-ctx.Done():
		t.Fatal("claim did not wake up")
	}

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = f.q.Claim(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLifecycleCompleteRequeueFail(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.q.Enqueue(context.Background(), inline("x"), models.PriorityNormal, "", Options{})
	require.NoError(t, err)

	j, ok := f.q.TryClaim()
	require.True(t, ok)
	require.NoError(t, f.q.Progress(id, "invoking-provider", 20))

	status, err := f.q.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 20, status.Progress)

	j.RetryCount++
	require.NoError(t, f.q.Requeue(j, 10*time.Second, "rate limit exceeded"))
	stats, err := f.q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)

	f.clock.Advance(10 * time.Second)
	j, ok = f.q.TryClaim()
	require.True(t, ok)
	assert.Equal(t, 1, j.RetryCount)

	require.NoError(t, f.q.Complete(j, &models.JobResult{ProviderID: "claude", Content: "done"}))
	status, err = f.q.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status.Status)
	assert.Equal(t, "done", status.Result.Content)
	assert.NotNil(t, status.FinishedAt)

	assert.Error(t, f.q.Fail(j, "late"), "a settled job is no longer owned by the worker")
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pendingID, err := f.q.Enqueue(ctx, inline("p"), models.PriorityLow, "", Options{})
	require.NoError(t, err)
	activeID, err := f.q.Enqueue(ctx, inline("a"), models.PriorityUrgent, "", Options{})
	require.NoError(t, err)

	active, ok := f.q.TryClaim()
	require.True(t, ok)
	require.Equal(t, activeID, active.ID)

	require.NoError(t, f.q.Cancel(pendingID))
	status, err := f.q.GetStatus(pendingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, status.Status)
	_, ok = f.q.TryClaim()
	assert.False(t, ok, "cancelled pending job is removed")

	require.NoError(t, f.q.Cancel(activeID))
	assert.True(t, f.q.CancelRequested(activeID))
	status, err = f.q.GetStatus(activeID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusActive, status.Status, "active cancellation is advisory")
	assert.True(t, status.CancelRequested)

	require.NoError(t, f.q.Abort(active, "cancelled at checkpoint", events.Spent{}))
	status, err = f.q.GetStatus(activeID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, status.Status)

	assert.ErrorIs(t, f.q.Cancel(activeID), models.ErrNotCancellable)
	assert.ErrorIs(t, f.q.Cancel("missing"), models.ErrJobNotFound)
	assert.Len(t, f.received(events.JobCancelled), 2)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, err := f.q.Enqueue(ctx, inline("x"), models.PriorityNormal, "", Options{})
	require.NoError(t, err)

	f.q.Pause()
	assert.True(t, f.q.IsPaused())
	_, ok := f.q.TryClaim()
	assert.False(t, ok)
	_, err = f.q.Enqueue(ctx, inline("y"), models.PriorityNormal, "", Options{})
	require.NoError(t, err, "admission continues while paused")
	f.q.Resume()

	require.NoError(t, f.q.PauseJob(id))
	stats, err := f.q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PausedJobs)

	j, ok := f.q.TryClaim()
	require.True(t, ok)
	assert.NotEqual(t, id, j.ID)

	require.NoError(t, f.q.ResumeJob(id))
	j, ok = f.q.TryClaim()
	require.True(t, ok)
	assert.Equal(t, id, j.ID)

	assert.ErrorIs(t, f.q.ResumeJob(id), models.ErrInvalidRequest)
}

func TestBatchAdmission(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxBatchSize = 3 })
	ctx := context.Background()

	reqs := []models.JobRequest{inline("1"), inline("2"), inline("3"), inline("4")}
	_, err := f.q.EnqueueBatch(ctx, reqs, models.PriorityNormal, "", BatchOptions{})
	assert.ErrorIs(t, err, models.ErrBatchSizeExceeded)

	// 3 x 0.02 = 0.06 exceeds 0.05 at the third request; nothing is persisted.
	_, err = f.q.EnqueueBatch(ctx, reqs[:3], models.PriorityNormal, "", BatchOptions{CostLimit: 0.05})
	assert.ErrorIs(t, err, models.ErrCostLimitExceeded)
	counts, err := f.store.CountJobs()
	require.NoError(t, err)
	assert.Zero(t, counts[models.JobStatusPending])

	res, err := f.q.EnqueueBatch(ctx, reqs[:3], models.PriorityHigh, "", BatchOptions{CostLimit: 1})
	require.NoError(t, err)
	assert.Len(t, res.JobIDs, 3)
	assert.InDelta(t, 0.06, res.TotalEstimatedCost, 1e-12)
	for _, id := range res.JobIDs {
		j, err := f.q.GetStatus(id)
		require.NoError(t, err)
		assert.Equal(t, res.BatchID, j.BatchID)
		assert.Equal(t, models.JobKindBatchMember, j.Kind)
	}
}

func TestBatchConcurrencyWindows(t *testing.T) {
	f := newFixture(t, nil)
	reqs := make([]models.JobRequest, 5)
	for i := range reqs {
		reqs[i] = inline("member")
	}
	res, err := f.q.EnqueueBatch(context.Background(), reqs, models.PriorityNormal, "", BatchOptions{ParallelLimit: 2})
	require.NoError(t, err)

	claimWindow := func() []*models.Job {
		var out []*models.Job
		for {
			j, ok := f.q.TryClaim()
			if !ok {
				return out
			}
			out = append(out, j)
		}
	}

	completed := 0
	for window := 0; window < 3; window++ {
		jobs := claimWindow()
		if window < 2 {
			require.Len(t, jobs, 2, "window %d", window)
		} else {
			require.Len(t, jobs, 1)
		}
		for _, j := range jobs {
			require.NoError(t, f.q.Complete(j, &models.JobResult{}))
			completed++
		}
		assert.Empty(t, claimWindow(), "inter-window delay holds the next chunk")
		f.clock.Advance(5 * time.Second)
	}

	done := f.received(events.BatchCompleted)
	require.Len(t, done, 1)
	p := done[0].Payload.(events.BatchCompletedPayload)
	assert.Equal(t, res.BatchID, p.BatchID)
	assert.Equal(t, 5, p.CompletedJobs+p.FailedJobs)
	assert.Equal(t, 5, completed)
}

func TestBatchFailFast(t *testing.T) {
	f := newFixture(t, nil)
	reqs := []models.JobRequest{inline("a"), inline("b"), inline("c"), inline("d")}
	_, err := f.q.EnqueueBatch(context.Background(), reqs, models.PriorityNormal, "", BatchOptions{ParallelLimit: 1, FailFast: true})
	require.NoError(t, err)

	j, ok := f.q.TryClaim()
	require.True(t, ok)
	require.NoError(t, f.q.Fail(j, "invalid api key"))

	f.clock.Advance(time.Minute)
	_, ok = f.q.TryClaim()
	assert.False(t, ok, "remaining members were aborted")

	done := f.received(events.BatchCompleted)
	require.Len(t, done, 1)
	p := done[0].Payload.(events.BatchCompletedPayload)
	assert.Equal(t, 1, p.FailedJobs)
	assert.Equal(t, 3, p.CancelledJobs)
}

func TestRateLimitPolicies(t *testing.T) {
	for _, policy := range []RateLimitPolicy{PolicyDelay, PolicyReject} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.RateLimitPolicy = policy })
			require.NoError(t, f.claude.Configure(provider.Config{
				Name:               "claude",
				MaxTokens:          8192,
				CostPerInputToken:  0.00001,
				CostPerOutputToken: 0.000015,
				RateLimits:         models.RateLimits{RequestsPerMinute: 1},
			}))
			_, _, err := f.claude.Acquire(context.Background(), 0)
			require.NoError(t, err)

			_, err = f.q.Enqueue(context.Background(), inline("x"), models.PriorityNormal, "", Options{})
			if policy == PolicyReject {
				assert.ErrorIs(t, err, models.ErrRateLimited)
				return
			}
			require.NoError(t, err)
			stats, err := f.q.Stats()
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Delayed)
		})
	}
}

func TestClean(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.q.Enqueue(ctx, inline("x"), models.PriorityNormal, "", Options{})
		require.NoError(t, err)
		j, ok := f.q.TryClaim()
		require.True(t, ok)
		require.NoError(t, f.q.Complete(j, &models.JobResult{}))
	}
	keep, err := f.q.Enqueue(ctx, inline("pending"), models.PriorityNormal, "", Options{})
	require.NoError(t, err)

	n, err := f.q.Clean(CleanOptions{Grace: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, n, "inside the grace period")

	f.clock.Advance(2 * time.Hour)
	n, err = f.q.Clean(CleanOptions{Grace: time.Hour, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.q.Clean(CleanOptions{Grace: time.Hour, State: models.JobStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.q.GetStatus(keep)
	assert.NoError(t, err)

	_, err = f.q.Clean(CleanOptions{State: models.JobStatusPending})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestRecoverReloadsOrphans(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, err := f.q.Enqueue(ctx, inline("a"), models.PriorityNormal, "", Options{})
	require.NoError(t, err)
	b, err := f.q.Enqueue(ctx, inline("b"), models.PriorityUrgent, "", Options{})
	require.NoError(t, err)
	_, ok := f.q.TryClaim()
	require.True(t, ok)

	// A fresh queue over the same store simulates a restart.
	restarted := New(f.q.Config(), f.store, f.q.providers, f.q.resolver, f.bus, nil)
	n, err := restarted.Recover()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, ok := restarted.TryClaim()
	require.True(t, ok)
	assert.Equal(t, b, first.ID, "orphaned active job is claimable again")
	second, ok := restarted.TryClaim()
	require.True(t, ok)
	assert.Equal(t, a, second.ID)
}
