package models

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// FailureCategory is the derived classification of a failure reason
type FailureCategory string

const (
	FailureRateLimitExceeded      FailureCategory = "rate_limit_exceeded"
	FailureProviderTimeout        FailureCategory = "provider_timeout"
	FailureInvalidAPIKey          FailureCategory = "invalid_api_key"
	FailureContentPolicyViolation FailureCategory = "content_policy_violation"
	FailureNetworkError           FailureCategory = "network_error"
	FailureProviderOverloaded     FailureCategory = "provider_overloaded"
	FailureMalformedTemplate      FailureCategory = "malformed_template"
	FailureQuotaExhausted         FailureCategory = "quota_exhausted"
	FailureCostLimitExceeded      FailureCategory = "cost_limit_exceeded"
	FailureUnknown                FailureCategory = "unknown_error"
)

// classificationTable is evaluated in order; the first matching row wins.
// Status codes and short tokens only match as whole words.
var classificationTable = []struct {
	category FailureCategory
	pattern  *regexp.Regexp
}{
	{FailureCostLimitExceeded, regexp.MustCompile(`cost limit|cost_limit`)},
	{FailureQuotaExhausted, regexp.MustCompile(`insufficient_quota|quota exhausted|quota exceeded|exceeded your current quota|billing`)},
	{FailureRateLimitExceeded, regexp.MustCompile(`rate limit|rate_limit|too many requests|\b429\b|throttl`)},
	{FailureInvalidAPIKey, regexp.MustCompile(`invalid api key|invalid_api_key|api key|unauthorized|\b401\b|authentication`)},
	{FailureContentPolicyViolation, regexp.MustCompile(`content policy|content_policy|content_filter|moderation|safety system`)},
	{FailureProviderTimeout, regexp.MustCompile(`timeout|timed out|deadline exceeded`)},
	{FailureProviderOverloaded, regexp.MustCompile(`overloaded|service unavailable|\b503\b|\b529\b|capacity`)},
	{FailureNetworkError, regexp.MustCompile(`connection refused|connection reset|network|no such host|broken pipe|\beof\b|dial tcp`)},
	{FailureMalformedTemplate, regexp.MustCompile(`template|variable|malformed|invalid request|bad request`)},
}

// ClassifyFailure derives a category from free-text failure reason.
func ClassifyFailure(reason string) FailureCategory {
	lower := strings.ToLower(reason)
	for _, row := range classificationTable {
		if row.pattern.MatchString(lower) {
			return row.category
		}
	}
	return FailureUnknown
}

// ClassifyError classifies an execution error, honouring context deadlines.
func ClassifyError(err error) FailureCategory {
	if err == nil {
		return FailureUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureProviderTimeout
	}
	if errors.Is(err, ErrCostLimitExceeded) {
		return FailureCostLimitExceeded
	}
	return ClassifyFailure(err.Error())
}

// IsRetryableCategory reports whether a failure can be retried.
// Transient provider conditions and unclassified errors are retryable.
func IsRetryableCategory(c FailureCategory) bool {
	switch c {
	case FailureRateLimitExceeded, FailureProviderTimeout, FailureNetworkError,
		FailureProviderOverloaded, FailureUnknown:
		return true
	default:
		return false
	}
}

// ResolutionMethod records how a dead-letter entry was closed
type ResolutionMethod string

const (
	ResolutionManualRetry ResolutionMethod = "manual_retry"
	ResolutionDataFix     ResolutionMethod = "data_fix"
	ResolutionProviderFix ResolutionMethod = "provider_fix"
	ResolutionAbandoned   ResolutionMethod = "abandoned"
)

// Valid reports whether m is a known method.
func (m ResolutionMethod) Valid() bool {
	switch m {
	case ResolutionManualRetry, ResolutionDataFix, ResolutionProviderFix, ResolutionAbandoned:
		return true
	}
	return false
}

// RetryAttempt records one failed execution attempt
type RetryAttempt struct {
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error"`
	ProviderID string    `json:"provider_id,omitempty"`
}

// Resolution is the audit record of how an entry was closed
type Resolution struct {
	ResolvedAt time.Time        `json:"resolved_at"`
	ResolvedBy string           `json:"resolved_by"`
	Method     ResolutionMethod `json:"method"`
	Notes      string           `json:"notes,omitempty"`
	RetryJobID string           `json:"retry_job_id,omitempty"`
}

// DeadLetterEntry is the terminal record of a permanently-failed job
type DeadLetterEntry struct {
	ID          string `json:"id"`
	OriginalJob *Job   `json:"original_job"`
	// ProviderID is the provider of the final attempt, if one was selected.
	ProviderID      string          `json:"provider_id,omitempty"`
	FailureReason   string          `json:"failure_reason"`
	StackTrace      string          `json:"stack_trace,omitempty"`
	FailureCategory FailureCategory `json:"failure_category"`
	FailureCount    int             `json:"failure_count"`
	FirstFailureAt  time.Time       `json:"first_failure_at"`
	LastFailureAt   time.Time       `json:"last_failure_at"`
	RetryAttempts   []RetryAttempt  `json:"retry_attempts"`
	Resolution      *Resolution     `json:"resolution,omitempty"`
}

// IsResolved reports whether the entry has been closed.
func (e *DeadLetterEntry) IsResolved() bool {
	return e.Resolution != nil
}

// Provider returns the provider the failure is attributed to: the final
// attempt's provider, else the provider the job was pinned to.
func (e *DeadLetterEntry) Provider() string {
	if e.ProviderID != "" {
		return e.ProviderID
	}
	if e.OriginalJob != nil {
		return e.OriginalJob.ProviderID
	}
	return ""
}

// Clone returns a deep copy of the entry.
func (e *DeadLetterEntry) Clone() *DeadLetterEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.OriginalJob = e.OriginalJob.Clone()
	c.RetryAttempts = append([]RetryAttempt(nil), e.RetryAttempts...)
	if e.Resolution != nil {
		r := *e.Resolution
		c.Resolution = &r
	}
	return &c
}

// DeadLetterFilter narrows entry listings. Zero values match everything.
type DeadLetterFilter struct {
	Category   FailureCategory
	ProviderID string
	Resolved   *bool
	Since      time.Time
	Limit      int
}

// Match reports whether e passes the filter.
func (f DeadLetterFilter) Match(e *DeadLetterEntry) bool {
	if f.Category != "" && e.FailureCategory != f.Category {
		return false
	}
	if f.ProviderID != "" && e.Provider() != f.ProviderID {
		return false
	}
	if f.Resolved != nil && e.IsResolved() != *f.Resolved {
		return false
	}
	if !f.Since.IsZero() && e.LastFailureAt.Before(f.Since) {
		return false
	}
	return true
}

// DeadLetterStats summarises the dead-letter store
type DeadLetterStats struct {
	Total              int                     `json:"total"`
	Unresolved         int                     `json:"unresolved"`
	Resolved           int                     `json:"resolved"`
	ByCategory         map[FailureCategory]int `json:"by_category"`
	ByProvider         map[string]int          `json:"by_provider"`
	OldestUnresolvedAt *time.Time              `json:"oldest_unresolved_at,omitempty"`
}
