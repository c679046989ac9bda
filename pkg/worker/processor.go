package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/payload"
	"github.com/psantana5/genflow/pkg/provider"
)

// Attempt steps, reported with job.progress
const (
	StepValidatingCost   = "validating-cost"
	StepPreparingContext = "preparing-context"
	StepInvokingProvider = "invoking-provider"
	StepCompleted        = "completed"
)

// errCancelled stops an attempt at a checkpoint
var errCancelled = errors.New("cancelled at checkpoint")

// attempt carries the state of one execution of a claimed job
type attempt struct {
	job      *models.Job
	log      *logging.Logger
	started  time.Time
	provider string
	cost     float64
	tokens   int
	stack    string
}

// Process executes one claimed job and hands it back to the queue
func (p *Pool) Process(ctx context.Context, job *models.Job) {
	p.processed.Add(1)
	a := &attempt{
		job:     job,
		started: time.Now(),
		log: p.logger.WithFields(logging.Fields{
			"job_id":      job.ID,
			"retry_count": job.RetryCount,
		}),
	}

	result, err := p.execute(ctx, a)
	switch {
	case err == nil:
		p.succeed(a, result)
	case errors.Is(err, errCancelled):
		p.abort(a)
	case ctx.Err() != nil:
		// Shutdown interrupted the attempt; it does not count as a failure.
		if rerr := p.queue.Requeue(job, 0, "worker shutting down"); rerr != nil {
			a.log.Error("failed to hand back job on shutdown", logging.Fields{"error": rerr})
		}
	default:
		p.fail(a, err)
	}
}

// checkpoint records progress and reports whether the job was cancelled
func (p *Pool) checkpoint(a *attempt, step string, progress int, message string) error {
	if err := p.queue.Progress(a.job.ID, step, progress); err != nil {
		a.log.Warn("failed to record progress", logging.Fields{"step": step, "error": err})
	}
	p.bus.Publish(events.JobProgress, events.ProgressPayload{
		JobID:       a.job.ID,
		Step:        step,
		Progress:    progress,
		Message:     message,
		CurrentCost: a.cost,
		TokensUsed:  a.tokens,
	})
	if p.queue.CancelRequested(a.job.ID) {
		return errCancelled
	}
	return nil
}

func (p *Pool) execute(ctx context.Context, a *attempt) (result *models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.stack = string(debug.Stack())
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	job := a.job

	if err := p.checkpoint(a, StepValidatingCost, 0, "validating cost estimate"); err != nil {
		return nil, err
	}
	if job.CostLimit > 0 && job.CostEstimate > job.CostLimit {
		return nil, models.Errorf(models.CodeCostLimitExceeded,
			"estimated cost $%.4f exceeds cost limit $%.4f", job.CostEstimate, job.CostLimit)
	}

	resolved, err := p.resolver.Resolve(ctx, job.PayloadRef)
	if err != nil {
		return nil, err
	}
	req := payload.Request(job.ID, resolved)
	req.Metadata = map[string]string{"payload_ref": job.PayloadRef}

	adapter, err := p.selectProvider(ctx, job, req, resolved.CompatibleProviders)
	var limited *provider.RateLimitedError
	if errors.As(err, &limited) {
		return nil, &gateError{provider: limited.Provider, wait: limited.RetryAfter}
	}
	if err != nil {
		return nil, err
	}
	a.provider = adapter.Name()
	a.log = a.log.WithField("provider", a.provider)

	if err := p.checkpoint(a, StepPreparingContext, 20, "calling "+a.provider); err != nil {
		return nil, err
	}

	permit, wait, err := adapter.Acquire(ctx, estimateTokens(req))
	if err != nil {
		a.log.Warn("shared rate limiter unavailable", logging.Fields{"error": err})
	}
	if permit == nil {
		return nil, &gateError{provider: a.provider, wait: wait}
	}
	if err := ctx.Err(); err != nil {
		permit.Release()
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, job.Timeout(p.cfg.DefaultTimeout))
	defer cancel()
	resp, err := p.providers.Generate(callCtx, adapter, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("provider timeout after %s: %w", job.Timeout(p.cfg.DefaultTimeout), err)
		}
		return nil, err
	}

	usage := resp.Usage
	if usage.Cost == 0 {
		usage.Cost = adapter.CalculateCost(usage)
	}
	a.cost = usage.Cost
	a.tokens = usage.TotalTokens

	if err := p.checkpoint(a, StepInvokingProvider, 70, "processing response"); err != nil {
		return nil, err
	}
	if job.CostLimit > 0 && usage.Cost > job.CostLimit {
		return nil, models.Errorf(models.CodeCostLimitExceeded,
			"actual cost $%.4f exceeds cost limit $%.4f", usage.Cost, job.CostLimit)
	}

	return &models.JobResult{
		ProviderID: a.provider,
		Model:      resp.Model,
		Content:    resp.Content,
		ImageURLs:  resp.ImageURLs,
		Usage:      usage,
		LatencyMs:  resp.LatencyMs,
	}, nil
}

// selectProvider applies failover. Rotation exclusions are dropped when they
// would leave no provider at all.
func (p *Pool) selectProvider(ctx context.Context, job *models.Job, req models.GenerationRequest, compatible []string) (provider.Adapter, error) {
	opts := provider.FailoverOptions{Exclude: job.ExcludedProviders, Allowed: compatible}
	adapter, err := p.providers.WithFailover(ctx, job.ProviderID, req, opts)
	if err == nil || len(opts.Exclude) == 0 {
		return adapter, err
	}
	code := models.CodeOf(err)
	if code != models.CodeNoHealthyFallback && code != models.CodeNoEligibleProvider {
		return nil, err
	}
	p.logger.Info("provider rotation exhausted alternatives, retrying without exclusions", logging.Fields{
		"job_id":   job.ID,
		"excluded": job.ExcludedProviders,
	})
	opts.Exclude = nil
	return p.providers.WithFailover(ctx, job.ProviderID, req, opts)
}

// gateError means the provider's rate gate had no capacity at execution time
type gateError struct {
	provider string
	wait     time.Duration
}

func (e *gateError) Error() string {
	return fmt.Sprintf("rate limit exceeded for provider %s, retry after %s", e.provider, e.wait)
}

func estimateTokens(req models.GenerationRequest) int {
	n := (len(req.SystemPrompt) + len(req.UserPrompt)) / 4
	if req.MaxTokens > 0 {
		return n + req.MaxTokens
	}
	return n + 1000
}

func (p *Pool) succeed(a *attempt, result *models.JobResult) {
	job := a.job
	if err := p.queue.Complete(job, result); err != nil {
		a.log.Error("failed to complete job", logging.Fields{"error": err})
		return
	}
	p.succeeded.Add(1)
	elapsed := time.Since(a.started)
	p.bus.Publish(events.JobProgress, events.ProgressPayload{
		JobID:       job.ID,
		Step:        StepCompleted,
		Progress:    100,
		Message:     "completed",
		CurrentCost: result.Usage.Cost,
		TokensUsed:  result.Usage.TotalTokens,
	})
	p.bus.Publish(events.JobCompleted, events.JobCompletedPayload{
		JobID:            job.ID,
		ProviderID:       result.ProviderID,
		PayloadRef:       job.PayloadRef,
		BatchID:          job.BatchID,
		Result:           result,
		Usage:            result.Usage,
		ProcessingTimeMs: elapsed.Milliseconds(),
	})
	a.log.Info("job completed", logging.Fields{
		"cost":        result.Usage.Cost,
		"tokens":      result.Usage.TotalTokens,
		"duration_ms": elapsed.Milliseconds(),
	})
}

func (p *Pool) abort(a *attempt) {
	spent := events.Spent{
		ProviderID:       a.provider,
		Cost:             a.cost,
		Tokens:           a.tokens,
		ProcessingTimeMs: time.Since(a.started).Milliseconds(),
	}
	if err := p.queue.Abort(a.job, "cancelled at checkpoint", spent); err != nil {
		a.log.Error("failed to abort cancelled job", logging.Fields{"error": err})
		return
	}
	p.cancelled.Add(1)
	a.log.Info("job cancelled at checkpoint", logging.Fields{"cost": a.cost, "tokens": a.tokens})
}

// fail decides between retry and dead-letter. A job is attempted at most
// MaxRetries+1 times.
func (p *Pool) fail(a *attempt, err error) {
	job := a.job
	reason := err.Error()
	elapsed := time.Since(a.started)

	var gate *gateError
	if errors.As(err, &gate) {
		// No provider call was made, so this is not an attempt.
		delay := gate.wait
		if delay > p.cfg.RateLimitWait {
			delay = p.cfg.RateLimitWait
		}
		if rerr := p.queue.Requeue(job, delay, reason); rerr != nil {
			a.log.Error("failed to requeue rate-limited job", logging.Fields{"error": rerr})
		}
		a.log.Debug("provider gate exhausted, job deferred", logging.Fields{"delay": delay.String()})
		return
	}

	category := models.ClassifyError(err)
	fields := logging.Fields{
		"category":    string(category),
		"error":       reason,
		"max_retries": job.MaxRetries,
		"duration_ms": elapsed.Milliseconds(),
	}
	failed := events.JobFailedPayload{
		JobID:            job.ID,
		ProviderID:       a.provider,
		PayloadRef:       job.PayloadRef,
		BatchID:          job.BatchID,
		Error:            reason,
		Category:         category,
		RetryCount:       job.RetryCount,
		Cost:             a.cost,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}

	if a.stack != "" {
		fields["panic"] = true
	}

	// A panic is fatal: replaying the same input would panic again.
	if a.stack == "" && models.IsRetryableCategory(category) && job.RetryCount < job.MaxRetries {
		delay := p.cfg.RetryPolicy.CalculateBackoff(job.RetryCount)
		job.RetryHistory = append(job.RetryHistory, models.RetryAttempt{
			Timestamp:  time.Now(),
			Error:      reason,
			ProviderID: a.provider,
		})
		job.RetryCount++
		if p.cfg.RetryPolicy.ProviderRotation && a.provider != "" && !containsString(job.ExcludedProviders, a.provider) {
			job.ExcludedProviders = append(job.ExcludedProviders, a.provider)
		}
		if rerr := p.queue.Requeue(job, delay, reason); rerr != nil {
			a.log.Error("failed to requeue job", logging.Fields{"error": rerr})
			return
		}
		p.retried.Add(1)
		failed.RetryCount = job.RetryCount
		failed.WillRetry = true
		failed.RetryDelay = delay
		p.bus.Publish(events.JobFailed, failed)
		fields["delay"] = delay.String()
		a.log.Warn("job attempt failed, retry scheduled", fields)
		return
	}

	// The entry is written even when the queue could not settle the job, so
	// the failure is never lost.
	ferr := p.queue.Fail(job, reason)
	if ferr != nil {
		a.log.Error("failed to mark job failed", logging.Fields{"error": ferr})
	} else {
		p.bus.Publish(events.JobFailed, failed)
	}
	if _, derr := p.dlq.AddEntry(job, a.provider, reason, a.stack); derr != nil {
		a.log.Error("failed to dead-letter job", logging.Fields{"error": derr, "settle_error": ferr})
		return
	}
	p.deadLetter.Add(1)
	a.log.Error("job failed permanently", fields)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
