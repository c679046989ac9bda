package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/ratelimit"
)

// Kind selects the adapter implementation for a configured provider
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindScripted  Kind = "scripted"
)

// Config describes one provider backend
type Config struct {
	Name               string            `mapstructure:"name" yaml:"name"`
	Kind               Kind              `mapstructure:"kind" yaml:"kind"`
	APIKey             string            `mapstructure:"api_key" yaml:"api_key,omitempty"`
	APIKeyEnv          string            `mapstructure:"api_key_env" yaml:"api_key_env,omitempty"`
	BaseURL            string            `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Model              string            `mapstructure:"model" yaml:"model"`
	ImageModel         string            `mapstructure:"image_model" yaml:"image_model,omitempty"`
	Models             []string          `mapstructure:"models" yaml:"models,omitempty"`
	MaxTokens          int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	CostPerInputToken  float64           `mapstructure:"cost_per_input_token" yaml:"cost_per_input_token"`
	CostPerOutputToken float64           `mapstructure:"cost_per_output_token" yaml:"cost_per_output_token"`
	CostPerImage       float64           `mapstructure:"cost_per_image" yaml:"cost_per_image,omitempty"`
	RateLimits         models.RateLimits `mapstructure:"rate_limits" yaml:"rate_limits"`
	BatchConcurrency   int               `mapstructure:"batch_concurrency" yaml:"batch_concurrency,omitempty"`
	DefaultParams      map[string]string `mapstructure:"default_params" yaml:"default_params,omitempty"`

	HTTPClient    *http.Client            `mapstructure:"-" yaml:"-"`
	SharedLimiter ratelimit.SharedLimiter `mapstructure:"-" yaml:"-"`
}

// Adapter is the uniform interface every AI backend is presented through
type Adapter interface {
	Name() string
	Configure(cfg Config) error
	GenerateContent(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error)
	GenerateContentStream(ctx context.Context, req models.GenerationRequest) (<-chan models.StreamChunk, error)
	GenerateBatch(ctx context.Context, req models.BatchRequest) (*models.BatchResponse, error)
	HealthCheck(ctx context.Context) models.HealthCheckResult
	Capabilities() models.ProviderDescriptor
	CalculateCost(usage models.Usage) float64
	CheckRateLimit() models.RateLimitStatus
	Acquire(ctx context.Context, tokens int) (*ratelimit.Permit, time.Duration, error)
	Usage() models.ProviderUsage
	Cleanup() error
}

// New builds the adapter variant for cfg.Kind
func New(cfg Config) (Adapter, error) {
	switch cfg.Kind {
	case KindAnthropic:
		return NewAnthropicAdapter(cfg)
	case KindOpenAI:
		return NewOpenAIAdapter(cfg)
	case KindScripted:
		return NewScriptedAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("provider %q: unsupported kind %q", cfg.Name, cfg.Kind)
	}
}

// describeStatus turns an upstream HTTP status into wording the failure
// classifier understands.
func describeStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate limit exceeded"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "invalid api key"
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return "provider timeout"
	case status == http.StatusServiceUnavailable || status == 529:
		return "provider overloaded"
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return "invalid request"
	case status >= 500:
		return "upstream server error"
	default:
		return fmt.Sprintf("status %d", status)
	}
}
