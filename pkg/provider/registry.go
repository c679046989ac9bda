package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/tracing"
)

// DefaultHealthTimeout bounds one provider health probe
const DefaultHealthTimeout = 10 * time.Second

// Criteria filters providers for optimal selection
type Criteria struct {
	MaxTokens          int
	RequiresStreaming  bool
	RequiresImages     bool
	PreferredProviders []string
	Exclude            []string
}

// FailoverOptions narrows the set of alternates WithFailover may pick
type FailoverOptions struct {
	// Exclude removes providers from consideration, the primary included.
	Exclude []string
	// Allowed, when set, restricts alternates to these names.
	Allowed []string
}

// criteriaFor derives the capability filter a request needs
func criteriaFor(req models.GenerationRequest) Criteria {
	return Criteria{MaxTokens: req.MaxTokens, RequiresImages: req.Output == models.OutputImage}
}

// Registry maps provider names to adapters and tracks their health
type Registry struct {
	mu            sync.RWMutex
	adapters      map[string]Adapter
	health        map[string]models.ProviderHealth
	healthTimeout time.Duration
	logger        *logging.Logger
	tracer        trace.Tracer
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		adapters:      make(map[string]Adapter),
		health:        make(map[string]models.ProviderHealth),
		healthTimeout: DefaultHealthTimeout,
		logger:        logging.OrDiscard(logger).WithField("component", "provider-registry"),
		tracer:        tracing.Tracer("provider"),
	}
}

// SetHealthTimeout overrides the per-probe timeout
func (r *Registry) SetHealthTimeout(d time.Duration) {
	r.mu.Lock()
	r.healthTimeout = d
	r.mu.Unlock()
}

// Register adds an adapter; names must be unique
func (r *Registry) Register(a Adapter) error {
	name := a.Name()
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.adapters[name] = a
	r.health[name] = models.ProviderHealth{IsHealthy: true}
	r.logger.Info("provider registered", logging.Fields{"provider": name})
	return nil
}

// Get returns the adapter registered under name
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, models.Errorf(models.CodeUnknownProvider, "unknown provider %q", name)
	}
	return a, nil
}

// Names returns the registered provider names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) all() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

func (c Criteria) satisfiedBy(d models.ProviderDescriptor) bool {
	if contains(c.Exclude, d.Name) {
		return false
	}
	if c.MaxTokens > 0 && d.MaxTokens > 0 && c.MaxTokens > d.MaxTokens {
		return false
	}
	if c.RequiresStreaming && !d.SupportsStreaming {
		return false
	}
	if c.RequiresImages && !d.SupportsImages {
		return false
	}
	return true
}

// Optimal picks the first eligible preferred provider, otherwise the
// eligible provider with the lowest combined per-token price.
func (r *Registry) Optimal(c Criteria) (Adapter, error) {
	eligible := make(map[string]Adapter)
	var cheapest Adapter
	var cheapestPrice float64
	for _, a := range r.all() {
		d := a.Capabilities()
		if !c.satisfiedBy(d) {
			continue
		}
		eligible[d.Name] = a
		price := d.CostPerInputToken + d.CostPerOutputToken
		if cheapest == nil || price < cheapestPrice {
			cheapest, cheapestPrice = a, price
		}
	}

	for _, name := range c.PreferredProviders {
		if a, ok := eligible[name]; ok {
			return a, nil
		}
	}
	if cheapest == nil {
		return nil, models.Errorf(models.CodeNoEligibleProvider, "no provider satisfies max_tokens=%d streaming=%t images=%t",
			c.MaxTokens, c.RequiresStreaming, c.RequiresImages)
	}
	return cheapest, nil
}

// check probes one adapter with the registry timeout and caches the result
func (r *Registry) check(ctx context.Context, a Adapter) models.HealthCheckResult {
	r.mu.RLock()
	timeout := r.healthTimeout
	r.mu.RUnlock()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res := a.HealthCheck(cctx)
	if !res.IsHealthy && res.Error == "" && cctx.Err() != nil {
		res.Error = cctx.Err().Error()
	}

	r.mu.Lock()
	h := r.health[a.Name()]
	h.IsHealthy = res.IsHealthy
	h.LastCheckedAt = time.Now()
	h.ResponseTimeMs = res.ResponseTimeMs
	h.Error = res.Error
	r.health[a.Name()] = h
	r.mu.Unlock()

	if !res.IsHealthy {
		r.logger.Warn("provider health check failed", logging.Fields{"provider": a.Name(), "error": res.Error})
	}
	return res
}

type healthResult struct {
	adapter Adapter
	result  models.HealthCheckResult
}

// checkAll probes the given adapters concurrently
func (r *Registry) checkAll(ctx context.Context, adapters []Adapter) []healthResult {
	results := make([]healthResult, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			results[i] = healthResult{adapter: a, result: r.check(ctx, a)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Healthy probes every provider concurrently and returns the healthy ones,
// fastest first.
func (r *Registry) Healthy(ctx context.Context) []Adapter {
	results := r.checkAll(ctx, r.all())
	healthy := results[:0]
	for _, hr := range results {
		if hr.result.IsHealthy {
			healthy = append(healthy, hr)
		}
	}
	sort.SliceStable(healthy, func(i, j int) bool {
		return healthy[i].result.ResponseTimeMs < healthy[j].result.ResponseTimeMs
	})
	out := make([]Adapter, len(healthy))
	for i, hr := range healthy {
		out[i] = hr.adapter
	}
	return out
}

// RefreshHealth updates the health cache for every provider
func (r *Registry) RefreshHealth(ctx context.Context) {
	r.checkAll(ctx, r.all())
}

// WithFailover returns primary when its rate gate can proceed and it passes a
// health probe; otherwise the fastest healthy alternate that is not primary.
// An empty primary starts from the optimal provider for req.
func (r *Registry) WithFailover(ctx context.Context, primary string, req models.GenerationRequest, opts FailoverOptions) (Adapter, error) {
	crit := criteriaFor(req)
	if primary == "" {
		sel := crit
		sel.Exclude = opts.Exclude
		sel.PreferredProviders = opts.Allowed
		best, err := r.Optimal(sel)
		if err != nil {
			return nil, err
		}
		primary = best.Name()
	}

	p, err := r.Get(primary)
	if err != nil {
		return nil, err
	}

	reason := "excluded"
	var retryAfter time.Duration
	if !contains(opts.Exclude, primary) {
		if rl := p.CheckRateLimit(); !rl.CanProceed {
			reason = "rate limited"
			retryAfter = rl.RetryAfter
		} else if res := r.check(ctx, p); !res.IsHealthy {
			reason = "unhealthy"
		} else {
			return p, nil
		}
	}

	var candidates []Adapter
	for _, a := range r.all() {
		name := a.Name()
		if name == primary || contains(opts.Exclude, name) {
			continue
		}
		if len(opts.Allowed) > 0 && !contains(opts.Allowed, name) {
			continue
		}
		if !crit.satisfiedBy(a.Capabilities()) {
			continue
		}
		if !a.CheckRateLimit().CanProceed {
			continue
		}
		candidates = append(candidates, a)
	}

	results := r.checkAll(ctx, candidates)
	var best *healthResult
	for i := range results {
		if !results[i].result.IsHealthy {
			continue
		}
		if best == nil || results[i].result.ResponseTimeMs < best.result.ResponseTimeMs {
			best = &results[i]
		}
	}
	if best == nil && retryAfter > 0 {
		return nil, &RateLimitedError{Provider: primary, RetryAfter: retryAfter}
	}
	if best == nil {
		return nil, models.Errorf(models.CodeNoHealthyFallback, "provider %q is %s and no healthy alternative exists", primary, reason)
	}

	r.logger.Warn("provider failover", logging.Fields{
		"primary":  primary,
		"fallback": best.adapter.Name(),
		"reason":   reason,
	})
	return best.adapter, nil
}

// RateLimitedError means the primary provider's gate is exhausted and no
// alternative could take the request. It matches models.ErrNoHealthyFallback.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider %q is rate limited and no healthy alternative exists, retry after %s", e.Provider, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return models.ErrNoHealthyFallback }

// Generate invokes a provider inside a trace span and tracks its recent error count
func (r *Registry) Generate(ctx context.Context, a Adapter, req models.GenerationRequest) (*models.GenerationResponse, error) {
	ctx, span := r.tracer.Start(ctx, "provider.generate", trace.WithAttributes(
		attribute.String("provider", a.Name()),
		attribute.String("job.id", req.JobID),
		attribute.String("output", string(req.Output)),
	))
	defer span.End()

	resp, err := a.GenerateContent(ctx, req)

	r.mu.Lock()
	h := r.health[a.Name()]
	if err != nil {
		h.RecentErrorCount++
	} else {
		h.RecentErrorCount = 0
	}
	r.health[a.Name()] = h
	r.mu.Unlock()

	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model", resp.Model),
		attribute.Int("tokens.total", resp.Usage.TotalTokens),
		attribute.Float64("cost", resp.Usage.Cost),
	)
	return resp, nil
}

// Descriptors returns a capability snapshot per provider with cached health.
// A failed probe for one provider never hides the others.
func (r *Registry) Descriptors() []models.ProviderDescriptor {
	adapters := r.all()
	out := make([]models.ProviderDescriptor, 0, len(adapters))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range adapters {
		d := a.Capabilities()
		d.Health = r.health[a.Name()]
		out = append(out, d)
	}
	return out
}

// Usage returns cumulative counters for one provider
func (r *Registry) Usage(name string) (models.ProviderUsage, error) {
	a, err := r.Get(name)
	if err != nil {
		return models.ProviderUsage{}, err
	}
	return a.Usage(), nil
}

// Close calls Cleanup on every adapter
func (r *Registry) Close() error {
	var firstErr error
	for _, a := range r.all() {
		if err := a.Cleanup(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cleanup %s: %w", a.Name(), err)
		}
	}
	return firstErr
}
