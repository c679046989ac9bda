package models

import "time"

// OutputKind selects between text and image generation
type OutputKind string

const (
	OutputText  OutputKind = "text"
	OutputImage OutputKind = "image"
)

// RateLimits are the request and token windows a provider enforces
type RateLimits struct {
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour" mapstructure:"requests_per_hour" yaml:"requests_per_hour"`
	TokensPerMinute   int `json:"tokens_per_minute" mapstructure:"tokens_per_minute" yaml:"tokens_per_minute"`
	TokensPerDay      int `json:"tokens_per_day" mapstructure:"tokens_per_day" yaml:"tokens_per_day"`
}

// ProviderHealth is the last observed health of a provider
type ProviderHealth struct {
	IsHealthy        bool      `json:"is_healthy"`
	LastCheckedAt    time.Time `json:"last_checked_at"`
	ResponseTimeMs   int64     `json:"response_time_ms"`
	RecentErrorCount int       `json:"recent_error_count"`
	Error            string    `json:"error,omitempty"`
}

// ProviderDescriptor is a capability/cost/health snapshot of one backend
type ProviderDescriptor struct {
	Name               string         `json:"name"`
	SupportedModels    []string       `json:"supported_models"`
	MaxTokens          int            `json:"max_tokens"`
	SupportsStreaming  bool           `json:"supports_streaming"`
	SupportsBatching   bool           `json:"supports_batching"`
	SupportsImages     bool           `json:"supports_images"`
	CostPerInputToken  float64        `json:"cost_per_input_token"`
	CostPerOutputToken float64        `json:"cost_per_output_token"`
	RateLimits         RateLimits     `json:"rate_limits"`
	Health             ProviderHealth `json:"health"`
}

// Usage is token accounting for one call
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Cost         float64 `json:"cost"`
}

// GenerationRequest is what the core hands to a provider adapter
type GenerationRequest struct {
	JobID        string            `json:"job_id,omitempty"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	UserPrompt   string            `json:"user_prompt"`
	MaxTokens    int               `json:"max_tokens,omitempty"`
	Temperature  float64           `json:"temperature,omitempty"`
	Output       OutputKind        `json:"output,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// GenerationResponse is a provider's answer to one request
type GenerationResponse struct {
	ID        string   `json:"id,omitempty"`
	Model     string   `json:"model"`
	Content   string   `json:"content,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
	Usage     Usage    `json:"usage"`
	LatencyMs int64    `json:"latency_ms"`
}

// StreamChunk is one increment of a streamed generation
type StreamChunk struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	Err   error  `json:"-"`
}

// BatchRequest groups several generation requests for one provider
type BatchRequest struct {
	Requests    []GenerationRequest `json:"requests"`
	Concurrency int                 `json:"concurrency,omitempty"`
}

// BatchItem is the outcome of one member of a batch request
type BatchItem struct {
	Response *GenerationResponse `json:"response,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// BatchResponse is a provider's answer to a batch request
type BatchResponse struct {
	Items     []BatchItem `json:"items"`
	TotalCost float64     `json:"total_cost"`
}

// HealthCheckResult is the outcome of one probe
type HealthCheckResult struct {
	IsHealthy      bool   `json:"is_healthy"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// RateLimitStatus is the answer of a provider's rate-limit gate
type RateLimitStatus struct {
	CanProceed        bool          `json:"can_proceed"`
	RetryAfter        time.Duration `json:"retry_after,omitempty"`
	RemainingRequests int           `json:"remaining_requests,omitempty"`
}

// ProviderUsage holds cumulative counters for one provider
type ProviderUsage struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
	Errors   int64   `json:"errors"`
}

// ResolvedPayload is what the template/agent resolver returns for a payloadRef
type ResolvedPayload struct {
	SystemPrompt        string     `json:"system_prompt"`
	UserPrompt          string     `json:"user_prompt"`
	CompatibleProviders []string   `json:"compatible_providers,omitempty"`
	Model               string     `json:"model,omitempty"`
	MaxTokens           int        `json:"max_tokens,omitempty"`
	Temperature         float64    `json:"temperature,omitempty"`
	Output              OutputKind `json:"output,omitempty"`
}
