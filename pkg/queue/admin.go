package queue

import (
	"time"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/store"
)

// CleanOptions bound a purge of terminal jobs
type CleanOptions struct {
	Grace time.Duration
	Limit int
	// State restricts the purge to one terminal state; empty means all.
	State models.JobStatus
}

// GetStatus returns the current view of a job
func (q *Queue) GetStatus(jobID string) (*models.Job, error) {
	q.mu.Lock()
	if a, ok := q.active[jobID]; ok {
		c := a.Clone()
		c.CancelRequested = c.CancelRequested || q.cancelFlags[jobID]
		q.mu.Unlock()
		return c, nil
	}
	q.mu.Unlock()
	return q.store.GetJob(jobID)
}

// Stats returns counts by state and whether claims are paused
func (q *Queue) Stats() (models.QueueStats, error) {
	counts, err := q.store.CountJobs()
	if err != nil {
		return models.QueueStats{}, err
	}

	now := q.now()
	q.mu.Lock()
	delayed := 0
	for _, j := range q.pending {
		if j.AvailableAt.After(now) {
			delayed++
		}
	}
	paused := q.paused
	q.mu.Unlock()

	waiting := counts[models.JobStatusPending] - delayed
	if waiting < 0 {
		waiting = 0
	}
	return models.QueueStats{
		Waiting:    waiting,
		Active:     counts[models.JobStatusActive],
		Completed:  counts[models.JobStatusCompleted],
		Failed:     counts[models.JobStatusFailed],
		Delayed:    delayed,
		Cancelled:  counts[models.JobStatusCancelled],
		PausedJobs: counts[models.JobStatusPaused],
		Paused:     paused,
	}, nil
}

// Depth returns the number of pending jobs held in memory
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Cancel removes a pending or paused job outright. For an active job it only
// raises the cancellation flag; the worker stops at its next checkpoint.
func (q *Queue) Cancel(jobID string) error {
	now := q.now()
	q.mu.Lock()

	if a, ok := q.active[jobID]; ok {
		q.cancelFlags[jobID] = true
		a.CancelRequested = true
		err := q.store.UpdateJob(a)
		q.mu.Unlock()
		if err == nil {
			q.logger.Info("cancellation requested for active job", logging.Fields{"job_id": jobID})
		}
		return err
	}

	set := q.pending
	j, ok := set[jobID]
	if !ok {
		set = q.held
		j, ok = set[jobID]
	}
	if !ok {
		q.mu.Unlock()
		stored, err := q.store.GetJob(jobID)
		if err != nil {
			return err
		}
		return models.Errorf(models.CodeNotCancellable, "job %s is %s", jobID, stored.Status)
	}

	c := j.Clone()
	if err := c.Transition(models.JobStatusCancelled, "cancelled by request", now); err != nil {
		q.mu.Unlock()
		return models.Errorf(models.CodeNotCancellable, "job %s: %v", jobID, err)
	}
	if err := q.store.UpdateJob(c); err != nil {
		q.mu.Unlock()
		return err
	}
	delete(set, jobID)

	pubs := []publication{{events.JobCancelled, events.JobCancelledPayload{JobID: jobID, BatchID: c.BatchID}}}
	if b := q.batches[c.BatchID]; b != nil {
		b.cancelled++
		pubs = append(pubs, q.batchDoneLocked(b)...)
	}
	q.mu.Unlock()

	q.logger.Info("job cancelled", logging.Fields{"job_id": jobID})
	q.publish(pubs)
	return nil
}

// PauseJob holds a pending job so it is not claimed
func (q *Queue) PauseJob(jobID string) error {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.pending[jobID]
	if !ok {
		if _, err := q.store.GetJob(jobID); err != nil {
			return err
		}
		return models.Errorf(models.CodeInvalidRequest, "job %s is not pending", jobID)
	}
	c := j.Clone()
	if err := c.Transition(models.JobStatusPaused, "paused by operator", now); err != nil {
		return err
	}
	if err := q.store.UpdateJob(c); err != nil {
		return err
	}
	delete(q.pending, jobID)
	q.held[jobID] = c
	return nil
}

// ResumeJob makes a paused job claimable again
func (q *Queue) ResumeJob(jobID string) error {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.held[jobID]
	if !ok {
		if _, err := q.store.GetJob(jobID); err != nil {
			return err
		}
		return models.Errorf(models.CodeInvalidRequest, "job %s is not paused", jobID)
	}
	c := j.Clone()
	if err := c.Transition(models.JobStatusPending, "resumed by operator", now); err != nil {
		return err
	}
	if err := q.store.UpdateJob(c); err != nil {
		return err
	}
	delete(q.held, jobID)
	q.pushLocked(c, now)
	q.signalLocked()
	return nil
}

// Pause stops claims; admission continues
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("queue paused")
}

// Resume restarts claims
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.signalLocked()
	q.mu.Unlock()
	q.logger.Info("queue resumed")
}

// IsPaused reports whether claims are stopped
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Clean purges terminal jobs that finished more than Grace ago, up to Limit
func (q *Queue) Clean(opts CleanOptions) (int, error) {
	states := []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled}
	if opts.State != "" {
		if !models.IsTerminalState(opts.State) {
			return 0, models.Errorf(models.CodeInvalidRequest, "cannot clean jobs in non-terminal state %s", opts.State)
		}
		states = []models.JobStatus{opts.State}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	jobs, err := q.store.ListJobs(store.JobFilter{
		Statuses:       states,
		FinishedBefore: q.now().Add(-opts.Grace),
		Limit:          limit,
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, j := range jobs {
		if removed >= limit {
			break
		}
		if err := q.store.DeleteJob(j.ID); err != nil {
			q.logger.Warn("failed to clean job", logging.Fields{"job_id": j.ID, "error": err})
			continue
		}
		removed++
	}
	if removed > 0 {
		q.logger.Info("cleaned terminal jobs", logging.Fields{"removed": removed, "grace": opts.Grace.String()})
	}
	return removed, nil
}

// Recover reloads persisted non-terminal jobs. Jobs found active were
// orphaned by a previous process and go back to pending.
func (q *Queue) Recover() (int, error) {
	jobs, err := q.store.ListJobs(store.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusPending, models.JobStatusPaused, models.JobStatusActive},
	})
	if err != nil {
		return 0, err
	}

	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range jobs {
		if j.Sequence > q.seq {
			q.seq = j.Sequence
		}
		switch j.Status {
		case models.JobStatusActive:
			if err := j.Transition(models.JobStatusPending, "recovered after restart", now); err != nil {
				continue
			}
			j.AvailableAt = now
			if err := q.store.UpdateJob(j); err != nil {
				return 0, err
			}
			q.pushLocked(j, now)
		case models.JobStatusPaused:
			q.held[j.ID] = j
		default:
			q.pushLocked(j, now)
		}
	}
	if len(jobs) > 0 {
		q.signalLocked()
		q.logger.Info("recovered jobs", logging.Fields{"count": len(jobs)})
	}
	return len(jobs), nil
}
