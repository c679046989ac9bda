package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/psantana5/genflow/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicAdapter serves text generation through the Anthropic Messages API
type AnthropicAdapter struct {
	Base
	client anthropic.Client
}

// NewAnthropicAdapter creates and configures an Anthropic adapter
func NewAnthropicAdapter(cfg Config) (*AnthropicAdapter, error) {
	a := &AnthropicAdapter{}
	if err := a.Configure(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Configure (re)builds the SDK client from cfg
func (a *AnthropicAdapter) Configure(cfg Config) error {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return fmt.Errorf("provider %q: api key is required", cfg.Name)
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}

	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
		// Retries are owned by the worker pool.
		anthropicoption.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, anthropicoption.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, anthropicoption.WithHTTPClient(cfg.HTTPClient))
	}
	a.client = anthropic.NewClient(opts...)
	a.configure(cfg)
	return nil
}

func (a *AnthropicAdapter) params(req models.GenerationRequest) (anthropic.MessageNewParams, error) {
	if req.Output == models.OutputImage {
		return anthropic.MessageNewParams{}, fmt.Errorf("%s: invalid request: image output is not supported", a.Name())
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.config().MaxTokens
	}
	params := anthropic.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     anthropic.Model(a.model(req)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params, nil
}

func (a *AnthropicAdapter) usageOf(u anthropic.Usage) models.Usage {
	out := models.Usage{
		InputTokens:  int(u.InputTokens),
		OutputTokens: int(u.OutputTokens),
		TotalTokens:  int(u.InputTokens + u.OutputTokens),
	}
	out.Cost = a.CalculateCost(out)
	return out
}

func (a *AnthropicAdapter) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s: %w", a.Name(), describeStatus(apiErr.StatusCode), err)
	}
	return fmt.Errorf("%s: %w", a.Name(), err)
}

// GenerateContent sends one message request
func (a *AnthropicAdapter) GenerateContent(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	params, err := a.params(req)
	if err != nil {
		a.recordFailure()
		return nil, err
	}

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		a.recordFailure()
		return nil, a.wrapError(err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			if content.Len() > 0 {
				content.WriteString("\n")
			}
			content.WriteString(text.Text)
		}
	}

	usage := a.usageOf(msg.Usage)
	a.recordSuccess(usage)
	return &models.GenerationResponse{
		ID:        msg.ID,
		Model:     string(msg.Model),
		Content:   content.String(),
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// GenerateContentStream streams text deltas; the final chunk carries usage
func (a *AnthropicAdapter) GenerateContentStream(ctx context.Context, req models.GenerationRequest) (<-chan models.StreamChunk, error) {
	params, err := a.params(req)
	if err != nil {
		return nil, err
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	out := make(chan models.StreamChunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				a.recordFailure()
				sendChunk(ctx, out, models.StreamChunk{Err: a.wrapError(err), Done: true})
				return
			}
			if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if !sendChunk(ctx, out, models.StreamChunk{Delta: delta.Text}) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			a.recordFailure()
			sendChunk(ctx, out, models.StreamChunk{Err: a.wrapError(err), Done: true})
			return
		}

		usage := a.usageOf(message.Usage)
		a.recordSuccess(usage)
		sendChunk(ctx, out, models.StreamChunk{Done: true, Usage: &usage})
	}()
	return out, nil
}

// GenerateBatch runs the batch through bounded concurrent message calls
func (a *AnthropicAdapter) GenerateBatch(ctx context.Context, req models.BatchRequest) (*models.BatchResponse, error) {
	return a.runBatch(ctx, req, a.GenerateContent)
}

// HealthCheck lists models as a cheap authenticated probe
func (a *AnthropicAdapter) HealthCheck(ctx context.Context) models.HealthCheckResult {
	start := time.Now()
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	res := models.HealthCheckResult{IsHealthy: err == nil, ResponseTimeMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = a.wrapError(err).Error()
	}
	return res
}

// Capabilities describes the adapter
func (a *AnthropicAdapter) Capabilities() models.ProviderDescriptor {
	return a.descriptor(true, true, false)
}

// Cleanup is a no-op; the SDK client holds no resources beyond its http.Client
func (a *AnthropicAdapter) Cleanup() error { return nil }
