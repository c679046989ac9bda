package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/ratelimit"
)

const defaultBatchConcurrency = 5

// Base carries the configuration, rate gate and usage counters shared by
// every adapter variant. Counters are guarded by mu so concurrent workers
// never lose an increment.
type Base struct {
	mu    sync.RWMutex
	cfg   Config
	gate  *ratelimit.Gate
	usage models.ProviderUsage
}

func (b *Base) configure(cfg Config) {
	gate := ratelimit.NewGate(cfg.Name, cfg.RateLimits)
	if cfg.SharedLimiter != nil {
		gate = gate.WithShared(cfg.SharedLimiter)
	}
	b.mu.Lock()
	b.cfg = cfg
	b.gate = gate
	b.mu.Unlock()
}

func (b *Base) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Name returns the configured provider name
func (b *Base) Name() string { return b.config().Name }

// CalculateCost prices usage with the configured per-token rates
func (b *Base) CalculateCost(u models.Usage) float64 {
	cfg := b.config()
	return float64(u.InputTokens)*cfg.CostPerInputToken + float64(u.OutputTokens)*cfg.CostPerOutputToken
}

// CheckRateLimit reports whether a request could start now without consuming credit
func (b *Base) CheckRateLimit() models.RateLimitStatus {
	b.mu.RLock()
	gate := b.gate
	b.mu.RUnlock()
	if gate == nil {
		return models.RateLimitStatus{CanProceed: true, RemainingRequests: -1}
	}
	return gate.Check()
}

// Acquire reserves one request and the given token count against the gate
func (b *Base) Acquire(ctx context.Context, tokens int) (*ratelimit.Permit, time.Duration, error) {
	b.mu.RLock()
	gate := b.gate
	b.mu.RUnlock()
	if gate == nil {
		return &ratelimit.Permit{}, 0, nil
	}
	return gate.Acquire(ctx, tokens)
}

// Usage returns a snapshot of the cumulative counters
func (b *Base) Usage() models.ProviderUsage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.usage
}

func (b *Base) recordSuccess(u models.Usage) {
	b.mu.Lock()
	b.usage.Requests++
	b.usage.Tokens += int64(u.TotalTokens)
	b.usage.Cost += u.Cost
	b.mu.Unlock()
}

func (b *Base) recordFailure() {
	b.mu.Lock()
	b.usage.Requests++
	b.usage.Errors++
	b.mu.Unlock()
}

func (b *Base) descriptor(streaming, batching, images bool) models.ProviderDescriptor {
	cfg := b.config()
	supported := append([]string(nil), cfg.Models...)
	if len(supported) == 0 && cfg.Model != "" {
		supported = []string{cfg.Model}
	}
	sort.Strings(supported)
	return models.ProviderDescriptor{
		Name:               cfg.Name,
		SupportedModels:    supported,
		MaxTokens:          cfg.MaxTokens,
		SupportsStreaming:  streaming,
		SupportsBatching:   batching,
		SupportsImages:     images,
		CostPerInputToken:  cfg.CostPerInputToken,
		CostPerOutputToken: cfg.CostPerOutputToken,
		RateLimits:         cfg.RateLimits,
	}
}

// model picks the request model, falling back to the configured default
func (b *Base) model(req models.GenerationRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return b.config().Model
}

type generateFunc func(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error)

// runBatch fans a batch out over a bounded number of goroutines. Item
// failures are reported per item; the batch itself only fails on ctx.
func (b *Base) runBatch(ctx context.Context, req models.BatchRequest, gen generateFunc) (*models.BatchResponse, error) {
	limit := req.Concurrency
	if limit <= 0 {
		limit = b.config().BatchConcurrency
	}
	if limit <= 0 {
		limit = defaultBatchConcurrency
	}

	items := make([]models.BatchItem, len(req.Requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range req.Requests {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				items[i] = models.BatchItem{Error: err.Error()}
				return nil
			}
			resp, err := gen(gctx, req.Requests[i])
			if err != nil {
				items[i] = models.BatchItem{Error: err.Error()}
				return nil
			}
			items[i] = models.BatchItem{Response: resp}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &models.BatchResponse{Items: items}
	for _, it := range items {
		if it.Response != nil {
			out.TotalCost += it.Response.Usage.Cost
		}
	}
	return out, nil
}

// sendChunk delivers a stream chunk unless the consumer went away
func sendChunk(ctx context.Context, out chan<- models.StreamChunk, c models.StreamChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
