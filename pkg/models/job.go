package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusPaused    JobStatus = "paused"
)

// JobKind distinguishes how a job entered the queue
type JobKind string

const (
	JobKindSingle      JobKind = "single"
	JobKindBatchMember JobKind = "batch_member"
	JobKindRetry       JobKind = "retry"
)

// Priority is a discrete scheduling band
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight returns the numeric weight of a priority band. Higher is served first.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 10
	case PriorityHigh:
		return 5
	case PriorityLow:
		return -5
	default:
		return 0
	}
}

// ParsePriority parses a priority name. Empty input maps to normal.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityUrgent:
		return PriorityUrgent, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityLow:
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority %q (supported: urgent, high, normal, low)", raw)
	}
}

// Job is a unit of schedulable generation work
type Job struct {
	ID          string   `json:"id"`
	Sequence    uint64   `json:"sequence"`
	Kind        JobKind  `json:"kind"`
	Priority    Priority `json:"priority"`
	Weight      int      `json:"weight"`
	PayloadRef  string   `json:"payload_ref"`
	ProviderID  string   `json:"provider_id,omitempty"`
	BatchID     string   `json:"batch_id,omitempty"`
	RequesterID string   `json:"requester_id,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
	// ExcludedProviders are skipped by provider rotation on the next attempt.
	ExcludedProviders []string       `json:"excluded_providers,omitempty"`
	RetryHistory      []RetryAttempt `json:"retry_history,omitempty"`

	CostEstimate float64 `json:"cost_estimate"`
	CostLimit    float64 `json:"cost_limit"`
	TimeoutMs    int64   `json:"timeout_ms"`

	Status          JobStatus `json:"status"`
	Progress        int       `json:"progress,omitempty"`
	Step            string    `json:"step,omitempty"`
	Error           string    `json:"error,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AvailableAt time.Time  `json:"available_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Result      *JobResult        `json:"result,omitempty"`
	Transitions []StateTransition `json:"state_transitions,omitempty"`
}

// JobRequest is the admission input for one generation request
type JobRequest struct {
	PayloadRef string `json:"payload_ref" yaml:"payload_ref"`
	ProviderID string `json:"provider_id,omitempty" yaml:"provider_id,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// JobResult is what a successful attempt produced
type JobResult struct {
	ProviderID string   `json:"provider_id"`
	Model      string   `json:"model,omitempty"`
	Content    string   `json:"content,omitempty"`
	ImageURLs  []string `json:"image_urls,omitempty"`
	Usage      Usage    `json:"usage"`
	LatencyMs  int64    `json:"latency_ms"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// IsDelayed reports whether a pending job is not yet claimable.
func (j *Job) IsDelayed(now time.Time) bool {
	return j.Status == JobStatusPending && j.AvailableAt.After(now)
}

// Timeout returns the provider call timeout for this job.
func (j *Job) Timeout(fallback time.Duration) time.Duration {
	if j.TimeoutMs <= 0 {
		return fallback
	}
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ExcludedProviders = append([]string(nil), j.ExcludedProviders...)
	c.RetryHistory = append([]RetryAttempt(nil), j.RetryHistory...)
	c.Transitions = append([]StateTransition(nil), j.Transitions...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.ImageURLs = append([]string(nil), j.Result.ImageURLs...)
		c.Result = &r
	}
	return &c
}

// Less orders jobs for claiming: higher weight first, then admission order.
func Less(a, b *Job) bool {
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Sequence < b.Sequence
}

// BatchResult is returned by batch admission
type BatchResult struct {
	BatchID            string   `json:"batch_id"`
	JobIDs             []string `json:"job_ids"`
	TotalEstimatedCost float64  `json:"total_estimated_cost"`
}

// QueueStats is a read-only snapshot of queue counts
type QueueStats struct {
	Waiting    int  `json:"waiting"`
	Active     int  `json:"active"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Delayed    int  `json:"delayed"`
	Cancelled  int  `json:"cancelled"`
	PausedJobs int  `json:"paused_jobs"`
	Paused     bool `json:"paused"`
}
