package ratelimit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genflow/pkg/models"
)

func TestGateRequestWindow(t *testing.T) {
	gate := NewGate("openai", models.RateLimits{RequestsPerMinute: 2})
	ctx := context.Background()

	status := gate.Check()
	assert.True(t, status.CanProceed)
	assert.Equal(t, 2, status.RemainingRequests)

	for i := 0; i < 2; i++ {
		permit, wait, err := gate.Acquire(ctx, 100)
		require.NoError(t, err)
		require.NotNil(t, permit, "acquire %d", i)
		assert.Zero(t, wait)
	}

	permit, wait, err := gate.Acquire(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, permit)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 30*time.Second)

	status = gate.Check()
	assert.False(t, status.CanProceed)
	assert.Greater(t, status.RetryAfter, time.Duration(0))
}

func TestGateTokenWindowRejectsWithoutConsumingRequests(t *testing.T) {
	gate := NewGate("anthropic", models.RateLimits{RequestsPerMinute: 10, TokensPerMinute: 1000})
	ctx := context.Background()

	p, _, err := gate.Acquire(ctx, 1000)
	require.NoError(t, err)
	require.NotNil(t, p)

	p2, wait, err := gate.Acquire(ctx, 500)
	require.NoError(t, err)
	assert.Nil(t, p2)
	assert.Greater(t, wait, time.Duration(0))

	// The failed acquire must not have eaten a request slot.
	assert.Equal(t, 9, gate.Check().RemainingRequests)
}

func TestPermitReleaseReturnsCredit(t *testing.T) {
	gate := NewGate("p", models.RateLimits{RequestsPerMinute: 1})
	ctx := context.Background()

	p, _, err := gate.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, gate.Check().CanProceed)

	p.Release()
	p.Release() // idempotent
	assert.True(t, gate.Check().CanProceed)
}

func TestHeldPermitKeepsWindowClosed(t *testing.T) {
	gate := NewGate("p", models.RateLimits{RequestsPerMinute: 1})
	ctx := context.Background()

	p, _, err := gate.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, p)
	for i := 0; i < 3; i++ {
		assert.False(t, gate.Check().CanProceed)
	}

	again, wait, err := gate.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Greater(t, wait, 50*time.Second)
}

func TestUnboundedGate(t *testing.T) {
	gate := NewGate("free", models.RateLimits{})
	for i := 0; i < 100; i++ {
		p, _, err := gate.Acquire(context.Background(), 1_000_000)
		require.NoError(t, err)
		require.NotNil(t, p)
	}
}

type fakeShared struct {
	allow bool
	wait  time.Duration
	err   error
	calls int
}

func (f *fakeShared) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	f.calls++
	return f.allow, f.wait, f.err
}

func TestGateConsultsSharedLimiter(t *testing.T) {
	shared := &fakeShared{allow: false, wait: 5 * time.Second}
	gate := NewGate("p", models.RateLimits{RequestsPerMinute: 1}).WithShared(shared)

	p, wait, err := gate.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 5*time.Second, wait)
	// Local credit was returned when the shared window refused.
	assert.True(t, gate.Check().CanProceed)

	shared.allow, shared.err = true, errors.New("redis down")
	p, _, err = gate.Acquire(context.Background(), 1)
	assert.Error(t, err)
	assert.NotNil(t, p, "local permit still granted when shared limiter errors")
	assert.Equal(t, 2, shared.calls)
}

func TestRedisWindow(t *testing.T) {
	url := os.Getenv("GENFLOW_TEST_REDIS_URL")
	if url == "" {
		t.Skip("GENFLOW_TEST_REDIS_URL not set")
	}
	w, err := NewRedisWindow(url, 2, time.Minute)
	require.NoError(t, err)
	defer w.Close()

	key := "test:" + time.Now().Format("150405.000000000")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, _, err := w.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, wait, err := w.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}
