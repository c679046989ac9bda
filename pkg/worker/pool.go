package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/payload"
	"github.com/psantana5/genflow/pkg/provider"
)

// Queue is the part of the job queue a worker needs: claiming and the
// hand-back calls that settle a claimed job.
type Queue interface {
	Claim(ctx context.Context) (*models.Job, error)
	CancelRequested(jobID string) bool
	Progress(jobID, step string, progress int) error
	Complete(job *models.Job, result *models.JobResult) error
	Requeue(job *models.Job, delay time.Duration, reason string) error
	Fail(job *models.Job, reason string) error
	Abort(job *models.Job, reason string, spent events.Spent) error
}

// Providers selects and invokes provider adapters
type Providers interface {
	WithFailover(ctx context.Context, primary string, req models.GenerationRequest, opts provider.FailoverOptions) (provider.Adapter, error)
	Generate(ctx context.Context, a provider.Adapter, req models.GenerationRequest) (*models.GenerationResponse, error)
}

// DeadLetter receives jobs that will not be retried
type DeadLetter interface {
	AddEntry(job *models.Job, providerID, reason, stackTrace string) (*models.DeadLetterEntry, error)
}

// Config holds worker pool configuration
type Config struct {
	Workers        int
	RetryPolicy    *models.RetryPolicy
	DefaultTimeout time.Duration
	// RateLimitWait caps how long a job is pushed back when its provider's
	// rate gate is exhausted at execution time.
	RateLimitWait time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		RetryPolicy:    models.DefaultRetryPolicy(),
		DefaultTimeout: 5 * time.Minute,
		RateLimitWait:  time.Minute,
	}
}

// Stats are cumulative pool counters
type Stats struct {
	Workers    int   `json:"workers"`
	Busy       int64 `json:"busy"`
	Processed  int64 `json:"processed"`
	Succeeded  int64 `json:"succeeded"`
	Retried    int64 `json:"retried"`
	DeadLetter int64 `json:"dead_lettered"`
	Cancelled  int64 `json:"cancelled"`
}

// Pool runs a fixed number of workers that claim and execute jobs
type Pool struct {
	cfg       Config
	queue     Queue
	providers Providers
	resolver  payload.Resolver
	dlq       DeadLetter
	bus       *events.Bus
	logger    *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	busy       atomic.Int64
	processed  atomic.Int64
	succeeded  atomic.Int64
	retried    atomic.Int64
	deadLetter atomic.Int64
	cancelled  atomic.Int64
}

// NewPool creates a worker pool. Call Start to begin claiming.
func NewPool(cfg Config, q Queue, providers Providers, resolver payload.Resolver, dlq DeadLetter, bus *events.Bus, logger *logging.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = def.RetryPolicy
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = def.RateLimitWait
	}
	return &Pool{
		cfg:       cfg,
		queue:     q,
		providers: providers,
		resolver:  resolver,
		dlq:       dlq,
		bus:       bus,
		logger:    logging.OrDiscard(logger).WithField("component", "worker"),
	}
}

// Start launches the workers. A job claimed after ctx is done is handed back
// without being started.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("worker pool started", logging.Fields{"workers": p.cfg.Workers})
}

// Stop cancels the workers and waits for in-flight jobs to be handed back
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool stop timed out", logging.Fields{"busy": p.busy.Load()})
		return ctx.Err()
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker_id", id)
	for {
		job, err := p.queue.Claim(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Error("claim failed", logging.Fields{"error": err})
			continue
		}
		if ctx.Err() != nil {
			if rerr := p.queue.Requeue(job, 0, "worker shutting down"); rerr != nil {
				log.Error("failed to hand back job on shutdown", logging.Fields{"job_id": job.ID, "error": rerr})
			}
			return
		}
		p.busy.Add(1)
		p.Process(ctx, job)
		p.busy.Add(-1)
	}
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.cfg.Workers,
		Busy:       p.busy.Load(),
		Processed:  p.processed.Load(),
		Succeeded:  p.succeeded.Load(),
		Retried:    p.retried.Load(),
		DeadLetter: p.deadLetter.Load(),
		Cancelled:  p.cancelled.Load(),
	}
}
