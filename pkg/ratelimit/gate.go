package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/genflow/pkg/models"
)

// SharedLimiter is a limiter whose state lives outside this process
type SharedLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Gate enforces one provider's request and token windows.
// All limiter updates go through x/time/rate, which is safe for concurrent use.
type Gate struct {
	name      string
	requests  []*rate.Limiter
	tokens    []*rate.Limiter
	shared    SharedLimiter
	sharedKey string
	mu        sync.Mutex
	now       func() time.Time
}

// Permit is an acquired slot. Holders keep it once the provider has been
// called; Release is only for slots that were never used.
type Permit struct {
	reservations []*rate.Reservation
	at           time.Time
	once         sync.Once
}

// Release cancels the reservations, returning their tokens where possible.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		for _, r := range p.reservations {
			r.CancelAt(p.at)
		}
	})
}

func windowLimiter(limit int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
}

// NewGate builds a gate from a provider's configured limits. Zero limits are unbounded.
func NewGate(name string, limits models.RateLimits) *Gate {
	g := &Gate{name: name, now: time.Now}
	if limits.RequestsPerMinute > 0 {
		g.requests = append(g.requests, windowLimiter(limits.RequestsPerMinute, time.Minute))
	}
	if limits.RequestsPerHour > 0 {
		g.requests = append(g.requests, windowLimiter(limits.RequestsPerHour, time.Hour))
	}
	if limits.TokensPerMinute > 0 {
		g.tokens = append(g.tokens, windowLimiter(limits.TokensPerMinute, time.Minute))
	}
	if limits.TokensPerDay > 0 {
		g.tokens = append(g.tokens, windowLimiter(limits.TokensPerDay, 24*time.Hour))
	}
	return g
}

// WithShared adds a cross-instance limiter consulted after the local windows.
func (g *Gate) WithShared(shared SharedLimiter) *Gate {
	g.shared = shared
	g.sharedKey = "provider:" + g.name
	return g
}

func clampN(l *rate.Limiter, n int) int {
	if n > l.Burst() {
		return l.Burst()
	}
	if n < 1 {
		return 1
	}
	return n
}

// Check reports whether a request would currently pass. It only reads the
// limiters, so it never disturbs outstanding permits.
func (g *Gate) Check() models.RateLimitStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	status := models.RateLimitStatus{CanProceed: true, RemainingRequests: -1}
	for _, l := range g.requests {
		available := l.TokensAt(now)
		remaining := int(available)
		if status.RemainingRequests < 0 || remaining < status.RemainingRequests {
			status.RemainingRequests = remaining
		}
		if available < 1 {
			status.CanProceed = false
			d := time.Duration((1 - available) / float64(l.Limit()) * float64(time.Second))
			if d > status.RetryAfter {
				status.RetryAfter = d
			}
		}
	}
	if status.RemainingRequests < 0 {
		status.RemainingRequests = 0
	}
	return status
}

// Acquire consumes one request slot and the given token estimate from every window.
// If any window is exhausted nothing is consumed and the longest wait is returned.
func (g *Gate) Acquire(ctx context.Context, tokens int) (*Permit, time.Duration, error) {
	g.mu.Lock()
	now := g.now()
	var (
		held    []*rate.Reservation
		longest time.Duration
	)
	reserve := func(l *rate.Limiter, n int) {
		r := l.ReserveN(now, clampN(l, n))
		held = append(held, r)
		if d := r.DelayFrom(now); d > longest {
			longest = d
		}
	}
	for _, l := range g.requests {
		reserve(l, 1)
	}
	for _, l := range g.tokens {
		reserve(l, tokens)
	}
	if longest > 0 {
		for _, r := range held {
			r.CancelAt(now)
		}
		g.mu.Unlock()
		return nil, longest, nil
	}
	g.mu.Unlock()

	permit := &Permit{reservations: held, at: now}
	if g.shared != nil {
		ok, wait, err := g.shared.Allow(ctx, g.sharedKey)
		if err != nil {
			// Shared limiter unavailable: local windows still apply.
			return permit, 0, err
		}
		if !ok {
			permit.Release()
			return nil, wait, nil
		}
	}
	return permit, 0, nil
}
