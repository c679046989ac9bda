package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusActive:    true, // worker claims job
		JobStatusCancelled: true, // user cancels before claim
		JobStatusPaused:    true, // operator holds job
	},
	JobStatusPaused: {
		JobStatusPending:   true,
		JobStatusCancelled: true,
	},
	JobStatusActive: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusPending:   true, // recoverable failure, re-queued with backoff
		JobStatusCancelled: true, // cancellation observed at a checkpoint
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Transition validates and applies a state change, recording it on the job.
func (j *Job) Transition(to JobStatus, reason string, at time.Time) error {
	if err := ValidateTransition(j.Status, to); err != nil {
		return err
	}
	j.Transitions = append(j.Transitions, StateTransition{
		From:      j.Status,
		To:        to,
		Timestamp: at,
		Reason:    reason,
	})
	j.Status = to
	switch to {
	case JobStatusActive:
		t := at
		j.StartedAt = &t
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		t := at
		j.FinishedAt = &t
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxRetries       int           // Default maximum number of retries per job
	BaseDelay        time.Duration // Delay before the first retry
	MaxDelay         time.Duration // Upper bound for any backoff
	ProviderRotation bool          // Force a different provider on retry
}

// DefaultRetryPolicy returns default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:       3,
		BaseDelay:        2 * time.Second,
		MaxDelay:         5 * time.Minute,
		ProviderRotation: true,
	}
}

// CalculateBackoff returns min(base * 2^retryCount, max).
func (rp *RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	backoff := rp.BaseDelay
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff >= rp.MaxDelay || backoff <= 0 {
			return rp.MaxDelay
		}
	}
	if backoff > rp.MaxDelay {
		return rp.MaxDelay
	}
	return backoff
}
