package provider

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/genflow/pkg/models"
)

// ScriptedAdapter is a deterministic in-process backend. The daemon uses it
// for dry runs; tests program failures, latency and health through it.
type ScriptedAdapter struct {
	Base

	smu          sync.Mutex
	healthy      bool
	latency      time.Duration
	failures     []error
	failAlways   error
	panicNext    interface{}
	inputTokens  int
	outputTokens int
	calls        atomic.Int64
}

// NewScriptedAdapter creates a healthy scripted adapter. DefaultParams
// "input_tokens" and "output_tokens" set the reported usage per call.
func NewScriptedAdapter(cfg Config) *ScriptedAdapter {
	s := &ScriptedAdapter{healthy: true}
	_ = s.Configure(cfg)
	return s
}

// Configure applies cfg
func (s *ScriptedAdapter) Configure(cfg Config) error {
	if cfg.Model == "" {
		cfg.Model = "scripted-1"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	in, out := 500, 1000
	if v, err := strconv.Atoi(cfg.DefaultParams["input_tokens"]); err == nil {
		in = v
	}
	if v, err := strconv.Atoi(cfg.DefaultParams["output_tokens"]); err == nil {
		out = v
	}
	s.smu.Lock()
	s.inputTokens, s.outputTokens = in, out
	s.smu.Unlock()
	s.configure(cfg)
	return nil
}

// SetHealthy toggles the health check outcome
func (s *ScriptedAdapter) SetHealthy(ok bool) {
	s.smu.Lock()
	s.healthy = ok
	s.smu.Unlock()
}

// SetLatency makes every call and health check take d
func (s *ScriptedAdapter) SetLatency(d time.Duration) {
	s.smu.Lock()
	s.latency = d
	s.smu.Unlock()
}

// SetUsage sets the token counts reported by successful calls
func (s *ScriptedAdapter) SetUsage(input, output int) {
	s.smu.Lock()
	s.inputTokens, s.outputTokens = input, output
	s.smu.Unlock()
}

// FailNext queues errors returned by the next calls, in order
func (s *ScriptedAdapter) FailNext(errs ...error) {
	s.smu.Lock()
	s.failures = append(s.failures, errs...)
	s.smu.Unlock()
}

// FailAlways makes every call fail with err; nil clears it
func (s *ScriptedAdapter) FailAlways(err error) {
	s.smu.Lock()
	s.failAlways = err
	s.smu.Unlock()
}

// PanicNext makes the next call panic with v
func (s *ScriptedAdapter) PanicNext(v interface{}) {
	s.smu.Lock()
	s.panicNext = v
	s.smu.Unlock()
}

// Calls returns the number of generation calls received
func (s *ScriptedAdapter) Calls() int64 { return s.calls.Load() }

type scriptedCall struct {
	latency time.Duration
	failure error
	panic   interface{}
	input   int
	output  int
}

func (s *ScriptedAdapter) next() scriptedCall {
	s.smu.Lock()
	defer s.smu.Unlock()
	call := scriptedCall{latency: s.latency, panic: s.panicNext, input: s.inputTokens, output: s.outputTokens}
	s.panicNext = nil
	if len(s.failures) > 0 {
		call.failure = s.failures[0]
		s.failures = s.failures[1:]
	} else if s.failAlways != nil {
		call.failure = s.failAlways
	}
	return call
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GenerateContent echoes the prompt after the scripted latency
func (s *ScriptedAdapter) GenerateContent(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	s.calls.Add(1)
	call := s.next()
	start := time.Now()
	if err := wait(ctx, call.latency); err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	if call.panic != nil {
		panic(call.panic)
	}
	if call.failure != nil {
		s.recordFailure()
		return nil, call.failure
	}

	usage := models.Usage{InputTokens: call.input, OutputTokens: call.output, TotalTokens: call.input + call.output}
	usage.Cost = s.CalculateCost(usage)
	resp := &models.GenerationResponse{
		ID:        uuid.NewString(),
		Model:     s.model(req),
		Content:   "generated: " + req.UserPrompt,
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if req.Output == models.OutputImage {
		resp.Content = ""
		resp.ImageURLs = []string{"scripted://image/" + resp.ID}
	}
	s.recordSuccess(usage)
	return resp, nil
}

// GenerateContentStream emits the generated content word by word
func (s *ScriptedAdapter) GenerateContentStream(ctx context.Context, req models.GenerationRequest) (<-chan models.StreamChunk, error) {
	out := make(chan models.StreamChunk, 4)
	go func() {
		defer close(out)
		resp, err := s.GenerateContent(ctx, req)
		if err != nil {
			sendChunk(ctx, out, models.StreamChunk{Err: err, Done: true})
			return
		}
		if !sendChunk(ctx, out, models.StreamChunk{Delta: resp.Content}) {
			return
		}
		sendChunk(ctx, out, models.StreamChunk{Done: true, Usage: &resp.Usage})
	}()
	return out, nil
}

// GenerateBatch runs the batch through the shared bounded fan-out
func (s *ScriptedAdapter) GenerateBatch(ctx context.Context, req models.BatchRequest) (*models.BatchResponse, error) {
	return s.runBatch(ctx, req, s.GenerateContent)
}

// HealthCheck reports the scripted health flag
func (s *ScriptedAdapter) HealthCheck(ctx context.Context) models.HealthCheckResult {
	s.smu.Lock()
	healthy, latency := s.healthy, s.latency
	s.smu.Unlock()

	start := time.Now()
	if err := wait(ctx, latency); err != nil {
		return models.HealthCheckResult{ResponseTimeMs: time.Since(start).Milliseconds(), Error: err.Error()}
	}
	res := models.HealthCheckResult{IsHealthy: healthy, ResponseTimeMs: time.Since(start).Milliseconds()}
	if !healthy {
		res.Error = "scripted provider marked unhealthy"
	}
	return res
}

// Capabilities describes the adapter
func (s *ScriptedAdapter) Capabilities() models.ProviderDescriptor {
	return s.descriptor(true, true, true)
}

// Cleanup is a no-op
func (s *ScriptedAdapter) Cleanup() error { return nil }
