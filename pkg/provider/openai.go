package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"

	"github.com/psantana5/genflow/pkg/models"
)

const (
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultOpenAIImageModel = "dall-e-3"
	defaultOpenAIMaxTokens  = 4096
)

// OpenAIAdapter serves chat completions and image generation through the OpenAI API
type OpenAIAdapter struct {
	Base
	client openai.Client
}

// NewOpenAIAdapter creates and configures an OpenAI adapter
func NewOpenAIAdapter(cfg Config) (*OpenAIAdapter, error) {
	o := &OpenAIAdapter{}
	if err := o.Configure(cfg); err != nil {
		return nil, err
	}
	return o, nil
}

// Configure (re)builds the SDK client from cfg
func (o *OpenAIAdapter) Configure(cfg Config) error {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return fmt.Errorf("provider %q: api key is required", cfg.Name)
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = defaultOpenAIImageModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultOpenAIMaxTokens
	}

	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, openaioption.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, openaioption.WithHTTPClient(cfg.HTTPClient))
	}
	o.client = openai.NewClient(opts...)
	o.configure(cfg)
	return nil
}

func (o *OpenAIAdapter) chatParams(req models.GenerationRequest) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.config().MaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model(req)),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

func (o *OpenAIAdapter) usageOf(u openai.CompletionUsage) models.Usage {
	out := models.Usage{
		InputTokens:  int(u.PromptTokens),
		OutputTokens: int(u.CompletionTokens),
		TotalTokens:  int(u.TotalTokens),
	}
	out.Cost = o.CalculateCost(out)
	return out
}

func (o *OpenAIAdapter) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s: %w", o.Name(), describeStatus(apiErr.StatusCode), err)
	}
	return fmt.Errorf("%s: %w", o.Name(), err)
}

// GenerateContent runs a chat completion, or an image generation when
// req.Output is image.
func (o *OpenAIAdapter) GenerateContent(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	if req.Output == models.OutputImage {
		return o.generateImage(ctx, req)
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, o.chatParams(req))
	if err != nil {
		o.recordFailure()
		return nil, o.wrapError(err)
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	usage := o.usageOf(resp.Usage)
	o.recordSuccess(usage)
	return &models.GenerationResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Content:   content,
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (o *OpenAIAdapter) generateImage(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	cfg := o.config()
	model := cfg.ImageModel
	if req.Model != "" {
		model = req.Model
	}
	prompt := req.UserPrompt
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + prompt
	}

	start := time.Now()
	resp, err := o.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(model),
		N:      openai.Int(1),
	})
	if err != nil {
		o.recordFailure()
		return nil, o.wrapError(err)
	}

	urls := make([]string, 0, len(resp.Data))
	for _, img := range resp.Data {
		if img.URL != "" {
			urls = append(urls, img.URL)
		}
	}
	usage := models.Usage{Cost: cfg.CostPerImage * float64(len(resp.Data))}
	o.recordSuccess(usage)
	return &models.GenerationResponse{
		Model:     model,
		ImageURLs: urls,
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// GenerateContentStream streams chat deltas; the final chunk carries usage
func (o *OpenAIAdapter) GenerateContentStream(ctx context.Context, req models.GenerationRequest) (<-chan models.StreamChunk, error) {
	if req.Output == models.OutputImage {
		return nil, fmt.Errorf("%s: invalid request: image output cannot be streamed", o.Name())
	}
	params := o.chatParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan models.StreamChunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !sendChunk(ctx, out, models.StreamChunk{Delta: chunk.Choices[0].Delta.Content}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			o.recordFailure()
			sendChunk(ctx, out, models.StreamChunk{Err: o.wrapError(err), Done: true})
			return
		}

		usage := o.usageOf(acc.Usage)
		o.recordSuccess(usage)
		sendChunk(ctx, out, models.StreamChunk{Done: true, Usage: &usage})
	}()
	return out, nil
}

// GenerateBatch runs the batch through bounded concurrent completions
func (o *OpenAIAdapter) GenerateBatch(ctx context.Context, req models.BatchRequest) (*models.BatchResponse, error) {
	return o.runBatch(ctx, req, o.GenerateContent)
}

// HealthCheck lists models as a cheap authenticated probe
func (o *OpenAIAdapter) HealthCheck(ctx context.Context) models.HealthCheckResult {
	start := time.Now()
	_, err := o.client.Models.List(ctx)
	res := models.HealthCheckResult{IsHealthy: err == nil, ResponseTimeMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = o.wrapError(err).Error()
	}
	return res
}

// Capabilities describes the adapter
func (o *OpenAIAdapter) Capabilities() models.ProviderDescriptor {
	d := o.descriptor(true, true, true)
	if img := o.config().ImageModel; img != "" {
		d.SupportedModels = append(d.SupportedModels, img)
	}
	return d
}

// Cleanup is a no-op
func (o *OpenAIAdapter) Cleanup() error { return nil }
