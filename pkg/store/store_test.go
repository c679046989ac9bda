package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genflow/pkg/models"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "genflow.db"))
			require.NoError(t, err)
			return s
		}},
		{"postgres", func(t *testing.T) Store {
			dsn := os.Getenv("GENFLOW_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("GENFLOW_TEST_POSTGRES_DSN not set")
			}
			s, err := NewPostgresStore(Config{DSN: dsn})
			require.NoError(t, err)
			_, err = s.db.Exec(`TRUNCATE jobs, dead_letters, usage_logs, cost_alerts`)
			require.NoError(t, err)
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func newJob(id string, status models.JobStatus, created time.Time) *models.Job {
	return &models.Job{
		ID:          id,
		Kind:        models.JobKindSingle,
		Priority:    models.PriorityNormal,
		PayloadRef:  "template:" + id,
		Status:      status,
		MaxRetries:  3,
		CreatedAt:   created,
		AvailableAt: created,
	}
}

func TestJobLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		job := newJob("job-1", models.JobStatusPending, now)
		require.NoError(t, s.CreateJob(job))
		assert.ErrorIs(t, s.CreateJob(job), ErrDuplicateJob)

		got, err := s.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, "template:job-1", got.PayloadRef)
		assert.Equal(t, models.JobStatusPending, got.Status)

		finished := now.Add(time.Second)
		got.Status = models.JobStatusCompleted
		got.FinishedAt = &finished
		require.NoError(t, s.UpdateJob(got))

		got, err = s.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
		require.NotNil(t, got.FinishedAt)
		assert.True(t, got.FinishedAt.Equal(finished))

		_, err = s.GetJob("missing")
		assert.ErrorIs(t, err, models.ErrJobNotFound)
		assert.ErrorIs(t, s.UpdateJob(newJob("missing", models.JobStatusPending, now)), models.ErrJobNotFound)

		require.NoError(t, s.DeleteJob("job-1"))
		assert.ErrorIs(t, s.DeleteJob("job-1"), models.ErrJobNotFound)
	})
}

func TestCreateJobsIsAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		require.NoError(t, s.CreateJob(newJob("dup", models.JobStatusPending, now)))

		err := s.CreateJobs([]*models.Job{
			newJob("fresh", models.JobStatusPending, now),
			newJob("dup", models.JobStatusPending, now),
		})
		assert.ErrorIs(t, err, ErrDuplicateJob)
		_, err = s.GetJob("fresh")
		assert.ErrorIs(t, err, models.ErrJobNotFound)
	})
}

func TestListAndCountJobs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		base := time.Now().UTC().Add(-time.Hour)
		old := base.Add(-48 * time.Hour)
		jobs := []*models.Job{
			newJob("p1", models.JobStatusPending, base),
			newJob("p2", models.JobStatusPending, base.Add(time.Second)),
			newJob("c1", models.JobStatusCompleted, base),
			newJob("f1", models.JobStatusFailed, base),
		}
		jobs[2].FinishedAt = &old
		jobs[1].BatchID = "batch-1"
		require.NoError(t, s.CreateJobs(jobs))

		pending, err := s.ListJobs(JobFilter{Statuses: []models.JobStatus{models.JobStatusPending}})
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "p1", pending[0].ID)

		batch, err := s.ListJobs(JobFilter{BatchID: "batch-1"})
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, "p2", batch[0].ID)

		stale, err := s.ListJobs(JobFilter{
			Statuses:       []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed},
			FinishedBefore: time.Now().Add(-24 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "c1", stale[0].ID)

		limited, err := s.ListJobs(JobFilter{Limit: 3})
		require.NoError(t, err)
		assert.Len(t, limited, 3)

		counts, err := s.CountJobs()
		require.NoError(t, err)
		assert.Equal(t, 2, counts[models.JobStatusPending])
		assert.Equal(t, 1, counts[models.JobStatusCompleted])
		assert.Equal(t, 1, counts[models.JobStatusFailed])
	})
}

func newEntry(id, jobID string, cat models.FailureCategory, at time.Time) *models.DeadLetterEntry {
	job := newJob(jobID, models.JobStatusFailed, at)
	job.ProviderID = "anthropic"
	return &models.DeadLetterEntry{
		ID:              id,
		OriginalJob:     job,
		FailureReason:   "rate limit exceeded",
		FailureCategory: cat,
		FailureCount:    4,
		FirstFailureAt:  at,
		LastFailureAt:   at,
	}
}

func TestDeadLetterEntries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		require.NoError(t, s.CreateEntry(newEntry("e1", "j1", models.FailureRateLimitExceeded, now)))
		assert.ErrorIs(t, s.CreateEntry(newEntry("e2", "j1", models.FailureRateLimitExceeded, now)), ErrDuplicateEntry,
			"a job produces at most one entry")
		require.NoError(t, s.CreateEntry(newEntry("e3", "j3", models.FailureInvalidAPIKey, now.Add(-time.Hour))))

		got, err := s.GetEntry("e1")
		require.NoError(t, err)
		assert.Equal(t, "j1", got.OriginalJob.ID)

		open := false
		entries, err := s.ListEntries(models.DeadLetterFilter{Resolved: &open})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "e1", entries[0].ID, "most recent failure first")

		byCat, err := s.ListEntries(models.DeadLetterFilter{Category: models.FailureInvalidAPIKey})
		require.NoError(t, err)
		require.Len(t, byCat, 1)

		byProvider, err := s.ListEntries(models.DeadLetterFilter{ProviderID: "openai"})
		require.NoError(t, err)
		assert.Empty(t, byProvider)

		got.FailureCount = 5
		require.NoError(t, s.UpdateEntry(got))

		first := models.Resolution{ResolvedAt: now, ResolvedBy: "ops", Method: models.ResolutionDataFix}
		ok, err := s.ResolveEntry("e1", first)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ResolveEntry("e1", models.Resolution{ResolvedAt: now, ResolvedBy: "bot", Method: models.ResolutionAbandoned})
		require.NoError(t, err)
		assert.False(t, ok)

		got, err = s.GetEntry("e1")
		require.NoError(t, err)
		require.NotNil(t, got.Resolution)
		assert.Equal(t, models.ResolutionDataFix, got.Resolution.Method)
		assert.Equal(t, 5, got.FailureCount)
		assert.ErrorIs(t, s.UpdateEntry(got), models.ErrAlreadyResolved)

		_, err = s.ResolveEntry("nope", first)
		assert.ErrorIs(t, err, models.ErrEntryNotFound)

		n, err := s.DeleteResolvedEntries(now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = s.GetEntry("e1")
		assert.ErrorIs(t, err, models.ErrEntryNotFound)
	})
}

func TestConcurrentResolveHasOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateEntry(newEntry("e1", "j1", models.FailureNetworkError, time.Now())))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.ResolveEntry("e1", models.Resolution{
					ResolvedAt: time.Now(), ResolvedBy: fmt.Sprintf("op-%d", i), Method: models.ResolutionProviderFix,
				})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestUsageLedger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		logs := []*models.UsageLog{
			{ID: "u1", JobID: "j1", ProviderID: "a", Cost: 0.5, Tokens: 100, Success: true, RecordedAt: now.Add(-2 * time.Hour)},
			{ID: "u2", JobID: "j2", ProviderID: "b", Cost: 0.25, Tokens: 50, Success: false, RecordedAt: now.Add(-time.Minute)},
			{ID: "u3", JobID: "j3", ProviderID: "a", Cost: 1, Tokens: 10, Success: true, RecordedAt: now.Add(-48 * time.Hour)},
		}
		for _, l := range logs {
			require.NoError(t, s.AppendUsage(l))
		}

		got, err := s.ListUsage(now.Add(-3*time.Hour), now)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "u1", got[0].ID)
		assert.Equal(t, "u2", got[1].ID)
		assert.False(t, got[1].Success)
	})
}

func TestAlerts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		a1 := &models.CostAlert{ID: "a1", Type: models.AlertDailyLimit, Severity: models.SeverityWarning,
			Details: models.AlertDetails{Current: 81, Limit: 100, Timeframe: "day"}, TriggeredAt: now.Add(-10 * 24 * time.Hour)}
		a2 := &models.CostAlert{ID: "a2", Type: models.AlertJobCostSpike, Severity: models.SeverityCritical,
			Details: models.AlertDetails{Current: 9, Limit: 5, JobID: "j1", Timeframe: "job"}, TriggeredAt: now}
		require.NoError(t, s.CreateAlert(a1))
		require.NoError(t, s.CreateAlert(a2))

		byKey, err := s.ListAlerts(AlertFilter{DedupKey: a1.DedupKey()})
		require.NoError(t, err)
		require.Len(t, byKey, 1)
		assert.Equal(t, "a1", byKey[0].ID)

		ok, err := s.AcknowledgeAlert("a1", "ops", now)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.AcknowledgeAlert("a1", "ops", now)
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = s.AcknowledgeAlert("zzz", "ops", now)
		assert.ErrorIs(t, err, models.ErrAlertNotFound)

		unacked := false
		open, err := s.ListAlerts(AlertFilter{Acknowledged: &unacked})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "a2", open[0].ID)

		got, err := s.GetAlert("a1")
		require.NoError(t, err)
		assert.Equal(t, "ops", got.AcknowledgedBy)

		n, err := s.DeleteAcknowledgedAlerts(now.Add(-7 * 24 * time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(Config{Type: "sqlite"})
	assert.Error(t, err)

	_, err = NewStore(Config{Type: "mongo"})
	assert.Error(t, err)

	s, err = NewStore(Config{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.NoError(t, s.HealthCheck())
	assert.NoError(t, s.Close())
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b IN ($2, $3)", pg.rebind("SELECT 1 WHERE a = ? AND b IN (?, ?)"))
	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
