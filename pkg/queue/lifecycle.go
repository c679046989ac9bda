package queue

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
)

type outcome int

const (
	outcomeRequeued outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeCancelled
)

// promoteLocked moves matured delayed jobs into the ready heap
func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 {
		next := q.delayed[0]
		if next.AvailableAt.After(now) {
			return
		}
		heap.Pop(&q.delayed)
		if q.pending[next.ID] == next {
			heap.Push(&q.ready, next)
		}
	}
}

// batchAllowsLocked enforces the per-batch concurrency window
func (q *Queue) batchAllowsLocked(j *models.Job, now time.Time) bool {
	if j.BatchID == "" {
		return true
	}
	b := q.batches[j.BatchID]
	if b == nil {
		return true
	}
	if now.Before(b.nextWindowAt) {
		return false
	}
	return b.windowLaunched < b.parallelLimit
}

// nextDueLocked returns how long a claimer should wait before re-checking
func (q *Queue) nextDueLocked(now time.Time) time.Duration {
	wait := maxIdleWait
	if q.delayed.Len() > 0 {
		if d := q.delayed[0].AvailableAt.Sub(now); d < wait {
			wait = d
		}
	}
	for _, b := range q.batches {
		if b.nextWindowAt.After(now) {
			if d := b.nextWindowAt.Sub(now); d < wait {
				wait = d
			}
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// claimLocked pops the best claimable job and marks it active
func (q *Queue) claimLocked(now time.Time) (*models.Job, time.Duration) {
	if q.paused {
		return nil, maxIdleWait
	}
	q.promoteLocked(now)

	var skipped []*models.Job
	defer func() {
		for _, j := range skipped {
			heap.Push(&q.ready, j)
		}
	}()

	for q.ready.Len() > 0 {
		j := heap.Pop(&q.ready).(*models.Job)
		if q.pending[j.ID] != j {
			continue
		}
		if !q.batchAllowsLocked(j, now) {
			skipped = append(skipped, j)
			continue
		}

		claimed := j.Clone()
		if err := claimed.Transition(models.JobStatusActive, "claimed by worker", now); err != nil {
			q.logger.Error("claim transition rejected", logging.Fields{"job_id": j.ID, "error": err})
			delete(q.pending, j.ID)
			continue
		}
		if err := q.store.UpdateJob(claimed); err != nil {
			q.logger.Error("failed to persist claim", logging.Fields{"job_id": j.ID, "error": err})
			skipped = append(skipped, j)
			return nil, maxIdleWait
		}

		delete(q.pending, j.ID)
		q.active[j.ID] = claimed
		if b := q.batches[j.BatchID]; b != nil {
			b.active++
			b.windowLaunched++
		}
		return claimed.Clone(), 0
	}
	return nil, q.nextDueLocked(now)
}

// TryClaim claims the best available job without blocking
func (q *Queue) TryClaim() (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, _ := q.claimLocked(q.now())
	return j, j != nil
}

// Claim blocks until a job can be claimed or ctx is done. The returned job
// is owned by the caller until it is handed back through Complete, Requeue,
// Fail or Abort.
func (q *Queue) Claim(ctx context.Context) (*models.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		j, wait := q.claimLocked(q.now())
		wake := q.wake
		q.mu.Unlock()
		if j != nil {
			return j, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// CancelRequested reports whether an active job was asked to stop
func (q *Queue) CancelRequested(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelFlags[jobID]
}

// Progress records the latest checkpoint of an active job
func (q *Queue) Progress(jobID, step string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.active[jobID]
	if !ok {
		return fmt.Errorf("job %s is not active", jobID)
	}
	a.Step = step
	a.Progress = progress
	return q.store.UpdateJob(a)
}

// hand-back helpers share this: validate ownership, transition, persist
func (q *Queue) settleLocked(job *models.Job, to models.JobStatus, reason string, now time.Time) error {
	if _, ok := q.active[job.ID]; !ok {
		return fmt.Errorf("job %s is not active", job.ID)
	}
	if err := job.Transition(to, reason, now); err != nil {
		return err
	}
	if q.cancelFlags[job.ID] {
		job.CancelRequested = true
	}
	return q.store.UpdateJob(job)
}

// Complete records a successful execution
func (q *Queue) Complete(job *models.Job, result *models.JobResult) error {
	now := q.now()
	q.mu.Lock()
	job.Result = result
	job.Progress = 100
	if err := q.settleLocked(job, models.JobStatusCompleted, "completed", now); err != nil {
		q.mu.Unlock()
		return err
	}
	pubs := q.finishLocked(job, outcomeCompleted, now)
	q.mu.Unlock()
	q.publish(pubs)
	return nil
}

// Requeue returns an active job to pending after delay
func (q *Queue) Requeue(job *models.Job, delay time.Duration, reason string) error {
	now := q.now()
	q.mu.Lock()
	job.AvailableAt = now.Add(delay)
	job.Progress = 0
	job.Step = ""
	if err := q.settleLocked(job, models.JobStatusPending, reason, now); err != nil {
		q.mu.Unlock()
		return err
	}
	pubs := q.finishLocked(job, outcomeRequeued, now)
	q.pushLocked(job.Clone(), now)
	q.signalLocked()
	q.mu.Unlock()
	q.publish(pubs)
	return nil
}

// Fail records a permanent failure. The caller hands the job to the
// dead-letter subsystem.
func (q *Queue) Fail(job *models.Job, reason string) error {
	now := q.now()
	q.mu.Lock()
	job.Error = reason
	if err := q.settleLocked(job, models.JobStatusFailed, reason, now); err != nil {
		q.mu.Unlock()
		return err
	}
	pubs := q.finishLocked(job, outcomeFailed, now)
	q.mu.Unlock()
	q.publish(pubs)
	return nil
}

// Abort stops an active job that observed its cancellation flag. spent
// travels on the job.cancelled event so the cost ledger sees paid calls.
func (q *Queue) Abort(job *models.Job, reason string, spent events.Spent) error {
	now := q.now()
	q.mu.Lock()
	if err := q.settleLocked(job, models.JobStatusCancelled, reason, now); err != nil {
		q.mu.Unlock()
		return err
	}
	pubs := q.finishLocked(job, outcomeCancelled, now)
	q.mu.Unlock()
	pubs = append([]publication{{events.JobCancelled, events.JobCancelledPayload{
		JobID:      job.ID,
		BatchID:    job.BatchID,
		PayloadRef: job.PayloadRef,
		Active:     true,
		Spent:      spent,
	}}}, pubs...)
	q.publish(pubs)
	return nil
}

// finishLocked releases an active job and updates batch bookkeeping
func (q *Queue) finishLocked(job *models.Job, out outcome, now time.Time) []publication {
	delete(q.active, job.ID)
	delete(q.cancelFlags, job.ID)

	b := q.batches[job.BatchID]
	if b == nil {
		return nil
	}
	b.active--
	if b.active <= 0 {
		b.active = 0
		if b.windowLaunched > 0 {
			b.windowLaunched = 0
			b.nextWindowAt = now.Add(q.cfg.BatchWindowDelay)
		}
	}

	var pubs []publication
	switch out {
	case outcomeCompleted:
		b.completed++
	case outcomeCancelled:
		b.cancelled++
	case outcomeFailed:
		b.failed++
		if b.failFast && !b.aborted {
			b.aborted = true
			pubs = append(pubs, q.abortBatchLocked(b, now)...)
		}
	}
	return append(pubs, q.batchDoneLocked(b)...)
}

// abortBatchLocked cancels every member of b that has not been claimed
func (q *Queue) abortBatchLocked(b *batchState, now time.Time) []publication {
	var pubs []publication
	cancel := func(set map[string]*models.Job, j *models.Job) {
		c := j.Clone()
		if err := c.Transition(models.JobStatusCancelled, "batch aborted after member failure", now); err != nil {
			return
		}
		if err := q.store.UpdateJob(c); err != nil {
			q.logger.Error("failed to persist batch abort", logging.Fields{"job_id": j.ID, "error": err})
			return
		}
		delete(set, j.ID)
		b.cancelled++
		pubs = append(pubs, publication{events.JobCancelled, events.JobCancelledPayload{JobID: j.ID, BatchID: b.id}})
	}
	for _, j := range q.pending {
		if j.BatchID == b.id {
			cancel(q.pending, j)
		}
	}
	for _, j := range q.held {
		if j.BatchID == b.id {
			cancel(q.held, j)
		}
	}
	q.logger.Warn("batch aborted", logging.Fields{"batch_id": b.id, "cancelled": b.cancelled})
	return pubs
}

func (q *Queue) batchDoneLocked(b *batchState) []publication {
	if !b.done() {
		return nil
	}
	delete(q.batches, b.id)
	q.logger.Info("batch completed", logging.Fields{
		"batch_id":  b.id,
		"completed": b.completed,
		"failed":    b.failed,
		"cancelled": b.cancelled,
	})
	return []publication{{events.BatchCompleted, events.BatchCompletedPayload{
		BatchID:       b.id,
		TotalJobs:     b.total,
		CompletedJobs: b.completed,
		FailedJobs:    b.failed,
		CancelledJobs: b.cancelled,
	}}}
}
