// Package payload resolves opaque payload references into renderable prompts.
package payload

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/psantana5/genflow/pkg/models"
)

// InlinePrefix marks a payload reference whose remainder is the user prompt itself
const InlinePrefix = "inline:"

// Resolver turns a payload reference into a prompt and provider constraints
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*models.ResolvedPayload, error)
}

// Template is a configured payload entry
type Template struct {
	Ref                 string            `mapstructure:"ref" yaml:"ref"`
	SystemPrompt        string            `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	UserPrompt          string            `mapstructure:"user_prompt" yaml:"user_prompt"`
	CompatibleProviders []string          `mapstructure:"compatible_providers" yaml:"compatible_providers,omitempty"`
	Model               string            `mapstructure:"model" yaml:"model,omitempty"`
	MaxTokens           int               `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	Temperature         float64           `mapstructure:"temperature" yaml:"temperature,omitempty"`
	Output              models.OutputKind `mapstructure:"output" yaml:"output,omitempty"`
}

// StaticResolver serves templates registered in memory, plus inline references
type StaticResolver struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewStaticResolver creates a resolver preloaded with templates
func NewStaticResolver(templates ...Template) *StaticResolver {
	r := &StaticResolver{templates: make(map[string]Template)}
	for _, t := range templates {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a template
func (r *StaticResolver) Register(t Template) {
	r.mu.Lock()
	r.templates[t.Ref] = t
	r.mu.Unlock()
}

// Resolve looks up ref. Unknown references fail with a malformed-template error.
func (r *StaticResolver) Resolve(ctx context.Context, ref string) (*models.ResolvedPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.HasPrefix(ref, InlinePrefix) {
		prompt := strings.TrimSpace(strings.TrimPrefix(ref, InlinePrefix))
		if prompt == "" {
			return nil, fmt.Errorf("malformed payload reference %q: empty inline prompt", ref)
		}
		return &models.ResolvedPayload{UserPrompt: prompt, Output: models.OutputText}, nil
	}

	r.mu.RLock()
	t, ok := r.templates[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("malformed payload reference %q: template not found", ref)
	}
	out := t.Output
	if out == "" {
		out = models.OutputText
	}
	return &models.ResolvedPayload{
		SystemPrompt:        t.SystemPrompt,
		UserPrompt:          t.UserPrompt,
		CompatibleProviders: append([]string(nil), t.CompatibleProviders...),
		Model:               t.Model,
		MaxTokens:           t.MaxTokens,
		Temperature:         t.Temperature,
		Output:              out,
	}, nil
}

// Request builds the provider request for a resolved payload
func Request(jobID string, p *models.ResolvedPayload) models.GenerationRequest {
	return models.GenerationRequest{
		JobID:        jobID,
		Model:        p.Model,
		SystemPrompt: p.SystemPrompt,
		UserPrompt:   p.UserPrompt,
		MaxTokens:    p.MaxTokens,
		Temperature:  p.Temperature,
		Output:       p.Output,
	}
}
