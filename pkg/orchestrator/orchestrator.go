// Package orchestrator assembles the queue, worker pool, dead-letter manager
// and cost monitor around one store and event bus, and runs the periodic
// maintenance sweeps.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/psantana5/genflow/pkg/config"
	"github.com/psantana5/genflow/pkg/cost"
	"github.com/psantana5/genflow/pkg/deadletter"
	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/payload"
	"github.com/psantana5/genflow/pkg/provider"
	"github.com/psantana5/genflow/pkg/queue"
	"github.com/psantana5/genflow/pkg/ratelimit"
	"github.com/psantana5/genflow/pkg/retry"
	"github.com/psantana5/genflow/pkg/store"
	"github.com/psantana5/genflow/pkg/worker"
)

// Options assemble an orchestrator from already-built parts
type Options struct {
	Store      store.Store
	Registry   *provider.Registry
	Resolver   payload.Resolver
	Queue      queue.Config
	Workers    worker.Config
	DeadLetter deadletter.Config
	Cost       cost.Config
	Schedules  config.Schedules
}

// Orchestrator owns every long-lived component of the daemon
type Orchestrator struct {
	Bus        *events.Bus
	Store      store.Store
	Registry   *provider.Registry
	Resolver   payload.Resolver
	Queue      *queue.Queue
	DeadLetter *deadletter.Manager
	Cost       *cost.Monitor
	Pool       *worker.Pool

	schedules config.Schedules
	logger    *logging.Logger
	cron      *cron.Cron
	closers   []func() error

	mu      sync.Mutex
	running bool
	detach  []func()
	cancel  context.CancelFunc
}

// New wires the components. Nothing runs until Start.
func New(opts Options, logger *logging.Logger) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("provider registry is required")
	}
	if opts.Resolver == nil {
		opts.Resolver = payload.NewStaticResolver()
	}
	logger = logging.OrDiscard(logger)

	bus := events.NewBus(logger)
	q := queue.New(opts.Queue, opts.Store, opts.Registry, opts.Resolver, bus, logger)
	dlq := deadletter.NewManager(opts.DeadLetter, opts.Store, q, bus, logger)
	monitor := cost.NewMonitor(opts.Cost, opts.Store, bus, logger)
	pool := worker.NewPool(opts.Workers, q, opts.Registry, opts.Resolver, dlq, bus, logger)

	o := &Orchestrator{
		Bus:        bus,
		Store:      opts.Store,
		Registry:   opts.Registry,
		Resolver:   opts.Resolver,
		Queue:      q,
		DeadLetter: dlq,
		Cost:       monitor,
		Pool:       pool,
		schedules:  opts.Schedules,
		logger:     logger.WithField("component", "orchestrator"),
	}
	o.cron = cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLogger(cronLogger{o.logger}),
		cron.WithChain(cron.Recover(cronLogger{o.logger}), cron.SkipIfStillRunning(cronLogger{o.logger})),
	)
	return o, nil
}

// FromConfig builds the registry, shared limiter and resolver described by
// cfg and wires them around st.
func FromConfig(ctx context.Context, cfg *config.Config, st store.Store, logger *logging.Logger) (*Orchestrator, error) {
	logger = logging.OrDiscard(logger)

	var (
		shared  *ratelimit.RedisWindow
		closers []func() error
	)
	if cfg.Redis.URL != "" {
		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			w, err := ratelimit.NewRedisWindow(cfg.Redis.URL, cfg.Redis.Limit, cfg.Redis.Window)
			if err != nil {
				return err
			}
			shared = w
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, shared.Close)
		logger.Info("shared provider rate window enabled", logging.Fields{"limit": cfg.Redis.Limit, "window": cfg.Redis.Window.String()})
	}

	reg := provider.NewRegistry(logger)
	for _, pc := range cfg.Providers {
		if shared != nil {
			pc.SharedLimiter = shared
		}
		a, err := provider.New(pc)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}

	o, err := New(Options{
		Store:    st,
		Registry: reg,
		Resolver: payload.NewStaticResolver(cfg.Templates...),
		Queue:    cfg.Queue,
		Workers: worker.Config{
			Workers:        cfg.Workers.Count,
			RetryPolicy:    cfg.Workers.RetryPolicy(),
			DefaultTimeout: cfg.Queue.DefaultTimeout,
			RateLimitWait:  cfg.Workers.RateLimitWait,
		},
		DeadLetter: cfg.DeadLetter,
		Cost:       cfg.Cost,
		Schedules:  cfg.Schedules,
	}, logger)
	if err != nil {
		return nil, err
	}
	o.closers = append(closers, reg.Close)
	return o, nil
}

// Start reloads persisted jobs, subscribes the cost monitor, launches the
// workers and schedules the sweeps.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}

	n, err := o.Queue.Recover()
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if n > 0 {
		o.logger.Info("recovered persisted jobs", logging.Fields{"count": n})
	}

	o.detach = append(o.detach, o.Cost.Attach(o.Bus))

	ctx, o.cancel = context.WithCancel(ctx)
	o.Registry.RefreshHealth(ctx)
	o.Pool.Start(ctx)

	if err := o.schedule(ctx); err != nil {
		o.cancel()
		return err
	}
	o.cron.Start()
	o.running = true
	o.logger.Info("orchestrator started", logging.Fields{"providers": o.Registry.Names()})
	return nil
}

// Stop halts the sweeps and drains the workers. In-flight jobs are returned
// to the queue.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.mu.Unlock()

	cronDone := o.cron.Stop()
	poolErr := o.Pool.Stop(ctx)
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}
	o.cancel()
	for _, d := range o.detach {
		d()
	}
	o.detach = nil
	o.logger.Info("orchestrator stopped")
	return poolErr
}

// Close releases adapters and the shared limiter. The store is left open.
func (o *Orchestrator) Close() error {
	var firstErr error
	for _, c := range o.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sweeps runs every maintenance sweep once, in schedule order
func (o *Orchestrator) Sweeps(ctx context.Context) {
	for _, s := range o.sweeps() {
		o.runSweep(ctx, s)
	}
}

type sweep struct {
	name string
	spec string
	fn   func(ctx context.Context) (int, error)
}

func (o *Orchestrator) sweeps() []sweep {
	s := o.schedules
	return []sweep{
		{"queue-clean", s.QueueClean, func(context.Context) (int, error) {
			return o.Queue.Clean(queue.CleanOptions{Grace: s.QueueCleanAge})
		}},
		{"dead-letter-recover", s.DeadLetterRecover, func(ctx context.Context) (int, error) {
			ids, err := o.DeadLetter.AutoRecover(ctx)
			return len(ids), err
		}},
		{"dead-letter-purge", s.DeadLetterPurge, func(context.Context) (int, error) {
			return o.DeadLetter.Purge()
		}},
		{"cost-thresholds", s.CostThresholds, func(context.Context) (int, error) {
			raised, err := o.Cost.CheckThresholds()
			return len(raised), err
		}},
		{"alert-gc", s.AlertGC, func(context.Context) (int, error) {
			return o.Cost.GC()
		}},
		{"health-refresh", s.HealthRefresh, func(ctx context.Context) (int, error) {
			o.Registry.RefreshHealth(ctx)
			return len(o.Registry.Names()), nil
		}},
	}
}

func (o *Orchestrator) schedule(ctx context.Context) error {
	for _, s := range o.sweeps() {
		if s.spec == "" {
			continue
		}
		s := s
		if _, err := o.cron.AddFunc(s.spec, func() { o.runSweep(ctx, s) }); err != nil {
			return fmt.Errorf("schedule %s: %w", s.name, err)
		}
	}
	return nil
}

func (o *Orchestrator) runSweep(ctx context.Context, s sweep) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	n, err := s.fn(ctx)
	fields := logging.Fields{"sweep": s.name, "affected": n, "took": time.Since(start).String()}
	if err != nil {
		fields["error"] = err
		o.logger.Error("sweep failed", fields)
		return
	}
	if n > 0 {
		o.logger.Info("sweep complete", fields)
	} else {
		o.logger.Debug("sweep complete", fields)
	}
}

// cronLogger adapts the structured logger to cron.Logger
type cronLogger struct{ l *logging.Logger }

func kvFields(keysAndValues []interface{}) logging.Fields {
	f := logging.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kvFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	f := kvFields(keysAndValues)
	f["error"] = err
	c.l.Error("cron: "+msg, f)
}
