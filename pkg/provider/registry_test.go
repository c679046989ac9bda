package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genflow/pkg/models"
)

func scripted(name string, in, out float64) *ScriptedAdapter {
	return NewScriptedAdapter(Config{
		Name:               name,
		Kind:               KindScripted,
		MaxTokens:          4096,
		CostPerInputToken:  in,
		CostPerOutputToken: out,
	})
}

func newTestRegistry(t *testing.T, adapters ...Adapter) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	r.SetHealthTimeout(500 * time.Millisecond)
	for _, a := range adapters {
		require.NoError(t, r.Register(a))
	}
	return r
}

func TestRegistryGet(t *testing.T) {
	r := newTestRegistry(t, scripted("a", 0.1, 0.1))

	a, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", a.Name())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, models.ErrUnknownProvider)

	assert.Error(t, r.Register(scripted("a", 0, 0)), "duplicate names are rejected")
}

func TestOptimalProvider(t *testing.T) {
	cheap := scripted("cheap", 0.000001, 0.000002)
	pricey := scripted("pricey", 0.00001, 0.00003)
	small := NewScriptedAdapter(Config{Name: "small", MaxTokens: 512})
	r := newTestRegistry(t, cheap, pricey, small)

	tests := []struct {
		name     string
		criteria Criteria
		want     string
		wantErr  error
	}{
		{"lowest combined price", Criteria{MaxTokens: 1000}, "cheap", nil},
		{"preferred order wins", Criteria{PreferredProviders: []string{"missing", "pricey", "cheap"}}, "pricey", nil},
		{"preferred must be eligible", Criteria{MaxTokens: 1000, PreferredProviders: []string{"small"}}, "cheap", nil},
		{"exclusions apply", Criteria{Exclude: []string{"cheap", "small"}}, "pricey", nil},
		{"nothing eligible", Criteria{MaxTokens: 100000}, "", models.ErrNoEligibleProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := r.Optimal(tt.criteria)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Name())
		})
	}
}

func TestHealthyProvidersSortedByResponseTime(t *testing.T) {
	slow := scripted("slow", 0, 0)
	slow.SetLatency(60 * time.Millisecond)
	fast := scripted("fast", 0, 0)
	down := scripted("down", 0, 0)
	down.SetHealthy(false)
	r := newTestRegistry(t, slow, fast, down)

	healthy := r.Healthy(context.Background())
	require.Len(t, healthy, 2)
	assert.Equal(t, "fast", healthy[0].Name())
	assert.Equal(t, "slow", healthy[1].Name())

	for _, d := range r.Descriptors() {
		if d.Name == "down" {
			assert.False(t, d.Health.IsHealthy)
			assert.NotEmpty(t, d.Health.Error)
		}
	}
}

func TestFailoverSubstitutesHealthyProvider(t *testing.T) {
	a := scripted("A", 0, 0)
	a.SetHealthy(false)
	b := scripted("B", 0, 0)
	r := newTestRegistry(t, a, b)

	got, err := r.WithFailover(context.Background(), "A", models.GenerationRequest{UserPrompt: "hi"}, FailoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, "B", got.Name())
}

func TestFailoverKeepsHealthyPrimary(t *testing.T) {
	r := newTestRegistry(t, scripted("A", 0, 0), scripted("B", 0, 0))
	got, err := r.WithFailover(context.Background(), "A", models.GenerationRequest{}, FailoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, "A", got.Name())
}

func TestFailoverOnRateLimitedPrimary(t *testing.T) {
	limited := NewScriptedAdapter(Config{Name: "A", RateLimits: models.RateLimits{RequestsPerMinute: 1}})
	r := newTestRegistry(t, limited, scripted("B", 0, 0))

	permit, _, err := limited.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, permit)

	got, err := r.WithFailover(context.Background(), "A", models.GenerationRequest{}, FailoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, "B", got.Name())
}

func TestFailoverRateLimitedWithoutAlternative(t *testing.T) {
	limited := NewScriptedAdapter(Config{Name: "A", RateLimits: models.RateLimits{RequestsPerMinute: 1}})
	down := scripted("B", 0, 0)
	down.SetHealthy(false)
	r := newTestRegistry(t, limited, down)

	permit, _, err := limited.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, permit)

	_, err = r.WithFailover(context.Background(), "A", models.GenerationRequest{}, FailoverOptions{})
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "A", rl.Provider)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
	assert.ErrorIs(t, err, models.ErrNoHealthyFallback)
}

func TestFailoverRotationExcludesPrimary(t *testing.T) {
	r := newTestRegistry(t, scripted("A", 0, 0), scripted("B", 0, 0), scripted("C", 0, 0))
	got, err := r.WithFailover(context.Background(), "A", models.GenerationRequest{}, FailoverOptions{Exclude: []string{"A", "B"}})
	require.NoError(t, err)
	assert.Equal(t, "C", got.Name())
}

func TestFailoverNoHealthyFallback(t *testing.T) {
	a := scripted("A", 0, 0)
	a.SetHealthy(false)
	b := scripted("B", 0, 0)
	b.SetHealthy(false)
	r := newTestRegistry(t, a, b)

	_, err := r.WithFailover(context.Background(), "A", models.GenerationRequest{}, FailoverOptions{})
	assert.ErrorIs(t, err, models.ErrNoHealthyFallback)

	_, err = r.WithFailover(context.Background(), "nope", models.GenerationRequest{}, FailoverOptions{})
	assert.ErrorIs(t, err, models.ErrUnknownProvider)
}

func TestUsageCountersConcurrent(t *testing.T) {
	s := scripted("s", 0.001, 0.002)
	s.SetUsage(10, 20)
	r := newTestRegistry(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Generate(context.Background(), s, models.GenerationRequest{UserPrompt: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := r.Usage("s")
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.Requests)
	assert.Equal(t, int64(50*30), u.Tokens)
	assert.InDelta(t, 50*(10*0.001+20*0.002), u.Cost, 1e-9)
	assert.Zero(t, u.Errors)
}

func TestScriptedFailuresAndBatch(t *testing.T) {
	s := scripted("s", 0.001, 0.001)
	s.FailNext(errors.New("rate limit exceeded"))

	_, err := s.GenerateContent(context.Background(), models.GenerationRequest{})
	assert.EqualError(t, err, "rate limit exceeded")

	resp, err := s.GenerateBatch(context.Background(), models.BatchRequest{
		Requests:    []models.GenerationRequest{{UserPrompt: "1"}, {UserPrompt: "2"}, {UserPrompt: "3"}},
		Concurrency: 2,
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 3)
	for _, it := range resp.Items {
		require.NotNil(t, it.Response)
	}
	assert.InDelta(t, 3*1500*0.001, resp.TotalCost, 1e-9)

	u := s.Usage()
	assert.Equal(t, int64(4), u.Requests)
	assert.Equal(t, int64(1), u.Errors)
	assert.Equal(t, int64(4), s.Calls())
}

func TestScriptedStream(t *testing.T) {
	s := scripted("s", 0, 0)
	ch, err := s.GenerateContentStream(context.Background(), models.GenerationRequest{UserPrompt: "hello"})
	require.NoError(t, err)

	var text string
	var final models.StreamChunk
	for c := range ch {
		text += c.Delta
		if c.Done {
			final = c
		}
	}
	assert.Equal(t, "generated: hello", text)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 1500, final.Usage.TotalTokens)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Config{Name: "x", Kind: "mystery"})
	assert.Error(t, err)

	_, err = New(Config{Name: "claude", Kind: KindAnthropic})
	assert.Error(t, err, "api key is required")

	a, err := New(Config{Name: "gpt", Kind: KindOpenAI, APIKey: "sk-test"})
	require.NoError(t, err)
	assert.True(t, a.Capabilities().SupportsImages)
}

func TestDescribeStatus(t *testing.T) {
	assert.Equal(t, models.FailureRateLimitExceeded, models.ClassifyFailure(describeStatus(429)))
	assert.Equal(t, models.FailureInvalidAPIKey, models.ClassifyFailure(describeStatus(401)))
	assert.Equal(t, models.FailureProviderOverloaded, models.ClassifyFailure(describeStatus(529)))
	assert.Equal(t, models.FailureProviderTimeout, models.ClassifyFailure(describeStatus(504)))
}
