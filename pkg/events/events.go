// Package events is the typed notification fan-out between orchestrator
// components and external observers.
package events

import (
	"time"

	"github.com/psantana5/genflow/pkg/models"
)

// Type names an event
type Type string

const (
	JobEnqueued               Type = "job.enqueued"
	JobProgress               Type = "job.progress"
	JobCompleted              Type = "job.completed"
	JobFailed                 Type = "job.failed"
	JobCancelled              Type = "job.cancelled"
	BatchCompleted            Type = "batch.completed"
	DeadLetterEntryAdded      Type = "dead-letter.entry-added"
	DeadLetterEntryResolved   Type = "dead-letter.entry-resolved"
	DeadLetterPatternDetected Type = "dead-letter.pattern-detected"
	CostAlertCreated          Type = "cost.alert-created"
	CostAlertAcknowledged     Type = "cost.alert-acknowledged"
)

// Event is one notification. Payload holds one of the *Payload types below.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// JobEnqueuedPayload accompanies job.enqueued
type JobEnqueuedPayload struct {
	JobID        string          `json:"job_id"`
	Priority     models.Priority `json:"priority"`
	BatchID      string          `json:"batch_id,omitempty"`
	ProviderID   string          `json:"provider_id,omitempty"`
	CostEstimate float64         `json:"cost_estimate"`
	Delay        time.Duration   `json:"delay,omitempty"`
}

// ProgressPayload accompanies job.progress
type ProgressPayload struct {
	JobID       string  `json:"job_id"`
	Step        string  `json:"step"`
	Progress    int     `json:"progress"`
	Message     string  `json:"message"`
	CurrentCost float64 `json:"current_cost"`
	TokensUsed  int     `json:"tokens_used"`
}

// JobCompletedPayload accompanies job.completed
type JobCompletedPayload struct {
	JobID            string            `json:"job_id"`
	ProviderID       string            `json:"provider_id"`
	PayloadRef       string            `json:"payload_ref"`
	BatchID          string            `json:"batch_id,omitempty"`
	Result           *models.JobResult `json:"result"`
	Usage            models.Usage      `json:"usage"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
}

// JobFailedPayload accompanies job.failed, for every failed attempt
type JobFailedPayload struct {
	JobID            string                 `json:"job_id"`
	ProviderID       string                 `json:"provider_id,omitempty"`
	PayloadRef       string                 `json:"payload_ref"`
	BatchID          string                 `json:"batch_id,omitempty"`
	Error            string                 `json:"error"`
	Category         models.FailureCategory `json:"category"`
	RetryCount       int                    `json:"retry_count"`
	WillRetry        bool                   `json:"will_retry"`
	RetryDelay       time.Duration          `json:"retry_delay,omitempty"`
	Cost             float64                `json:"cost"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
}

// Spent is what an interrupted attempt already cost
type Spent struct {
	ProviderID       string  `json:"provider_id,omitempty"`
	Cost             float64 `json:"cost"`
	Tokens           int     `json:"tokens"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
}

// JobCancelledPayload accompanies job.cancelled. Spent is set when the job
// was stopped after its provider call.
type JobCancelledPayload struct {
	JobID      string `json:"job_id"`
	BatchID    string `json:"batch_id,omitempty"`
	PayloadRef string `json:"payload_ref,omitempty"`
	Active     bool   `json:"active"`
	Spent      Spent  `json:"spent"`
}

// BatchCompletedPayload accompanies batch.completed
type BatchCompletedPayload struct {
	BatchID       string `json:"batch_id"`
	TotalJobs     int    `json:"total_jobs"`
	CompletedJobs int    `json:"completed_jobs"`
	FailedJobs    int    `json:"failed_jobs"`
	CancelledJobs int    `json:"cancelled_jobs"`
}

// DeadLetterPayload accompanies dead-letter.entry-added and dead-letter.entry-resolved
type DeadLetterPayload struct {
	Entry *models.DeadLetterEntry `json:"entry"`
}

// PatternPayload accompanies dead-letter.pattern-detected
type PatternPayload struct {
	EntryID    string `json:"entry_id"`
	Dimension  string `json:"dimension"` // provider, template or category
	Key        string `json:"key"`
	Count      int    `json:"count"`
	Threshold  int    `json:"threshold"`
	Window     string `json:"window"`
	Suggestion string `json:"suggestion"`
}

// AlertPayload accompanies cost.alert-created and cost.alert-acknowledged
type AlertPayload struct {
	Alert *models.CostAlert `json:"alert"`
}
