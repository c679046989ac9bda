// Package queue implements admission control and priority scheduling of
// generation jobs.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/payload"
	"github.com/psantana5/genflow/pkg/provider"
	"github.com/psantana5/genflow/pkg/store"
)

// RateLimitPolicy decides what admission does when the target provider is saturated
type RateLimitPolicy string

const (
	// PolicyDelay admits the job with a delay equal to the provider's retry-after
	PolicyDelay RateLimitPolicy = "delay"
	// PolicyReject fails admission with RATE_LIMITED
	PolicyReject RateLimitPolicy = "reject"
)

const maxIdleWait = time.Second

// Config holds queue limits and defaults
type Config struct {
	MaxBatchSize         int             `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	DefaultCostLimit     float64         `mapstructure:"default_cost_limit" yaml:"default_cost_limit"`
	DefaultTimeout       time.Duration   `mapstructure:"default_timeout" yaml:"default_timeout"`
	DefaultMaxRetries    int             `mapstructure:"default_max_retries" yaml:"default_max_retries"`
	DefaultParallelLimit int             `mapstructure:"default_parallel_limit" yaml:"default_parallel_limit"`
	BatchWindowDelay     time.Duration   `mapstructure:"batch_window_delay" yaml:"batch_window_delay"`
	RateLimitPolicy      RateLimitPolicy `mapstructure:"rate_limit_policy" yaml:"rate_limit_policy"`
	MaxAdmissionDelay    time.Duration   `mapstructure:"max_admission_delay" yaml:"max_admission_delay"`
	EstimatePromptTokens int             `mapstructure:"estimate_prompt_tokens" yaml:"estimate_prompt_tokens"`
	EstimateOutputTokens int             `mapstructure:"estimate_output_tokens" yaml:"estimate_output_tokens"`

	Clock func() time.Time `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the queue defaults
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         100,
		DefaultCostLimit:     10,
		DefaultTimeout:       5 * time.Minute,
		DefaultMaxRetries:    3,
		DefaultParallelLimit: 10,
		BatchWindowDelay:     time.Second,
		RateLimitPolicy:      PolicyDelay,
		MaxAdmissionDelay:    10 * time.Minute,
		EstimatePromptTokens: 500,
		EstimateOutputTokens: 1000,
	}
}

// Options tune single-job admission
type Options struct {
	Delay     time.Duration
	CostLimit float64
	TimeoutMs int64

	// Kind defaults to single; the dead-letter subsystem submits retry jobs.
	Kind             models.JobKind
	ExcludeProviders []string
}

// BatchOptions tune batch admission and execution
type BatchOptions struct {
	ParallelLimit int
	FailFast      bool
	CostLimit     float64
	TimeoutMs     int64
}

// Providers is the slice of the provider registry admission needs
type Providers interface {
	Get(name string) (provider.Adapter, error)
	Optimal(c provider.Criteria) (provider.Adapter, error)
}

type batchState struct {
	id             string
	total          int
	parallelLimit  int
	failFast       bool
	active         int
	windowLaunched int
	nextWindowAt   time.Time
	completed      int
	failed         int
	cancelled      int
	aborted        bool
}

func (b *batchState) done() bool {
	return b.completed+b.failed+b.cancelled >= b.total
}

type publication struct {
	t       events.Type
	payload interface{}
}

// Queue owns pending jobs until a worker claims them
type Queue struct {
	cfg       Config
	store     store.Store
	providers Providers
	resolver  payload.Resolver
	bus       *events.Bus
	logger    *logging.Logger

	mu          sync.Mutex
	ready       readyHeap
	delayed     delayedHeap
	pending     map[string]*models.Job
	held        map[string]*models.Job
	active      map[string]*models.Job
	cancelFlags map[string]bool
	batches     map[string]*batchState
	paused      bool
	seq         uint64
	wake        chan struct{}
}

// New creates a queue. Call Recover before serving to reload persisted jobs.
func New(cfg Config, st store.Store, providers Providers, resolver payload.Resolver, bus *events.Bus, logger *logging.Logger) *Queue {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	if cfg.DefaultParallelLimit <= 0 {
		cfg.DefaultParallelLimit = def.DefaultParallelLimit
	}
	if cfg.RateLimitPolicy == "" {
		cfg.RateLimitPolicy = PolicyDelay
	}
	if cfg.EstimatePromptTokens <= 0 {
		cfg.EstimatePromptTokens = def.EstimatePromptTokens
	}
	if cfg.EstimateOutputTokens <= 0 {
		cfg.EstimateOutputTokens = def.EstimateOutputTokens
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Queue{
		cfg:         cfg,
		store:       st,
		providers:   providers,
		resolver:    resolver,
		bus:         bus,
		logger:      logging.OrDiscard(logger).WithField("component", "queue"),
		pending:     make(map[string]*models.Job),
		held:        make(map[string]*models.Job),
		active:      make(map[string]*models.Job),
		cancelFlags: make(map[string]bool),
		batches:     make(map[string]*batchState),
		wake:        make(chan struct{}),
	}
}

// Config returns the effective configuration
func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) now() time.Time { return q.cfg.Clock() }

func (q *Queue) publish(pubs []publication) {
	for _, p := range pubs {
		q.bus.Publish(p.t, p.payload)
	}
}

// signalLocked wakes every goroutine blocked in Claim
func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// pushLocked makes a pending job visible to claims
func (q *Queue) pushLocked(j *models.Job, now time.Time) {
	q.pending[j.ID] = j
	if j.AvailableAt.After(now) {
		heap.Push(&q.delayed, j)
	} else {
		heap.Push(&q.ready, j)
	}
}

// Estimate is the admission-time cost estimate for one request
type Estimate struct {
	Cost     float64
	Provider string
	Payload  *models.ResolvedPayload
	adapter  provider.Adapter
}

// EstimateCost resolves the payload, picks the target provider and prices the
// request with the coarse token heuristic.
func (q *Queue) EstimateCost(ctx context.Context, req models.JobRequest) (*Estimate, error) {
	if req.PayloadRef == "" {
		return nil, models.Errorf(models.CodeInvalidRequest, "payload reference is required")
	}
	p, err := q.resolver.Resolve(ctx, req.PayloadRef)
	if err != nil {
		return nil, models.Errorf(models.CodeInvalidRequest, "cannot resolve %s: %v", req.PayloadRef, err)
	}

	var adapter provider.Adapter
	if req.ProviderID != "" {
		adapter, err = q.providers.Get(req.ProviderID)
	} else {
		adapter, err = q.providers.Optimal(provider.Criteria{
			MaxTokens:          p.MaxTokens,
			RequiresImages:     p.Output == models.OutputImage,
			PreferredProviders: p.CompatibleProviders,
		})
	}
	if err != nil {
		return nil, err
	}

	d := adapter.Capabilities()
	output := q.cfg.EstimateOutputTokens
	if p.MaxTokens > output {
		output = p.MaxTokens
	}
	cost := float64(q.cfg.EstimatePromptTokens)*d.CostPerInputToken + float64(output)*d.CostPerOutputToken
	return &Estimate{Cost: cost, Provider: d.Name, Payload: p, adapter: adapter}, nil
}

// admissionDelay applies the provider rate gate according to policy
func (q *Queue) admissionDelay(est *Estimate, requested time.Duration) (time.Duration, error) {
	rl := est.adapter.CheckRateLimit()
	if rl.CanProceed {
		return requested, nil
	}
	if q.cfg.RateLimitPolicy == PolicyReject {
		return 0, models.Errorf(models.CodeRateLimited, "provider %s is rate limited, retry after %s", est.Provider, rl.RetryAfter)
	}
	delay := requested
	if rl.RetryAfter > delay {
		delay = rl.RetryAfter
	}
	if q.cfg.MaxAdmissionDelay > 0 && delay > q.cfg.MaxAdmissionDelay {
		return 0, models.Errorf(models.CodeRateLimited, "provider %s is rate limited for %s", est.Provider, rl.RetryAfter)
	}
	return delay, nil
}

func (q *Queue) newJob(req models.JobRequest, priority models.Priority, requesterID string, kind models.JobKind,
	cost, limit float64, timeoutMs int64, delay time.Duration, now time.Time) *models.Job {
	maxRetries := q.cfg.DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	if timeoutMs <= 0 {
		timeoutMs = q.cfg.DefaultTimeout.Milliseconds()
	}
	if kind == "" {
		kind = models.JobKindSingle
	}
	return &models.Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		Priority:     priority,
		Weight:       priority.Weight(),
		PayloadRef:   req.PayloadRef,
		ProviderID:   req.ProviderID,
		RequesterID:  requesterID,
		MaxRetries:   maxRetries,
		CostEstimate: cost,
		CostLimit:    limit,
		TimeoutMs:    timeoutMs,
		Status:       models.JobStatusPending,
		CreatedAt:    now,
		AvailableAt:  now.Add(delay),
	}
}

func (q *Queue) costLimit(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return q.cfg.DefaultCostLimit
}

// Enqueue admits a single job and returns its id
func (q *Queue) Enqueue(ctx context.Context, req models.JobRequest, priority models.Priority, requesterID string, opts Options) (string, error) {
	if priority == "" {
		priority = models.PriorityNormal
	}
	est, err := q.EstimateCost(ctx, req)
	if err != nil {
		return "", err
	}
	limit := q.costLimit(opts.CostLimit)
	if limit > 0 && est.Cost > limit {
		return "", models.Errorf(models.CodeCostLimitExceeded, "estimated cost $%.4f exceeds limit $%.4f", est.Cost, limit)
	}
	delay, err := q.admissionDelay(est, opts.Delay)
	if err != nil {
		return "", err
	}

	now := q.now()
	job := q.newJob(req, priority, requesterID, opts.Kind, est.Cost, limit, opts.TimeoutMs, delay, now)
	job.ExcludedProviders = append([]string(nil), opts.ExcludeProviders...)

	q.mu.Lock()
	q.seq++
	job.Sequence = q.seq
	if err := q.store.CreateJob(job); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.pushLocked(job.Clone(), now)
	q.signalLocked()
	q.mu.Unlock()

	q.logger.Info("job enqueued", logging.Fields{
		"job_id":        job.ID,
		"priority":      string(priority),
		"provider":      est.Provider,
		"cost_estimate": est.Cost,
		"delay":         delay.String(),
	})
	q.bus.Publish(events.JobEnqueued, events.JobEnqueuedPayload{
		JobID:        job.ID,
		Priority:     priority,
		ProviderID:   job.ProviderID,
		CostEstimate: est.Cost,
		Delay:        delay,
	})
	return job.ID, nil
}

// EnqueueBatch admits every request or none of them
func (q *Queue) EnqueueBatch(ctx context.Context, reqs []models.JobRequest, priority models.Priority, requesterID string, opts BatchOptions) (*models.BatchResult, error) {
	if len(reqs) == 0 {
		return nil, models.Errorf(models.CodeInvalidRequest, "batch is empty")
	}
	if len(reqs) > q.cfg.MaxBatchSize {
		return nil, models.Errorf(models.CodeBatchSizeExceeded, "batch of %d exceeds maximum %d", len(reqs), q.cfg.MaxBatchSize)
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	parallel := opts.ParallelLimit
	if parallel <= 0 {
		parallel = q.cfg.DefaultParallelLimit
	}
	jobLimit := q.costLimit(opts.CostLimit)

	now := q.now()
	batchID := uuid.NewString()
	jobs := make([]*models.Job, 0, len(reqs))
	total := 0.0
	for i, req := range reqs {
		est, err := q.EstimateCost(ctx, req)
		if err != nil {
			return nil, err
		}
		total += est.Cost
		if opts.CostLimit > 0 && total > opts.CostLimit {
			return nil, models.Errorf(models.CodeCostLimitExceeded,
				"batch estimated cost $%.4f exceeds limit $%.4f at request %d", total, opts.CostLimit, i)
		}
		if jobLimit > 0 && est.Cost > jobLimit {
			return nil, models.Errorf(models.CodeCostLimitExceeded, "request %d estimated cost $%.4f exceeds limit $%.4f", i, est.Cost, jobLimit)
		}
		delay, err := q.admissionDelay(est, 0)
		if err != nil {
			return nil, err
		}
		job := q.newJob(req, priority, requesterID, models.JobKindBatchMember, est.Cost, jobLimit, opts.TimeoutMs, delay, now)
		job.BatchID = batchID
		jobs = append(jobs, job)
	}

	q.mu.Lock()
	for _, j := range jobs {
		q.seq++
		j.Sequence = q.seq
	}
	if err := q.store.CreateJobs(jobs); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.batches[batchID] = &batchState{
		id:            batchID,
		total:         len(jobs),
		parallelLimit: parallel,
		failFast:      opts.FailFast,
	}
	for _, j := range jobs {
		q.pushLocked(j.Clone(), now)
	}
	q.signalLocked()
	q.mu.Unlock()

	result := &models.BatchResult{BatchID: batchID, TotalEstimatedCost: total}
	for _, j := range jobs {
		result.JobIDs = append(result.JobIDs, j.ID)
		q.bus.Publish(events.JobEnqueued, events.JobEnqueuedPayload{
			JobID:        j.ID,
			Priority:     priority,
			BatchID:      batchID,
			ProviderID:   j.ProviderID,
			CostEstimate: j.CostEstimate,
		})
	}
	q.logger.Info("batch enqueued", logging.Fields{
		"batch_id":       batchID,
		"jobs":           len(jobs),
		"parallel_limit": parallel,
		"fail_fast":      opts.FailFast,
		"total_cost":     total,
	})
	return result, nil
}
