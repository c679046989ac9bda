package models

import (
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		// Valid transitions
		{"Pending to Active", JobStatusPending, JobStatusActive, false},
		{"Pending to Cancelled", JobStatusPending, JobStatusCancelled, false},
		{"Pending to Paused", JobStatusPending, JobStatusPaused, false},
		{"Paused to Pending", JobStatusPaused, JobStatusPending, false},
		{"Active to Completed", JobStatusActive, JobStatusCompleted, false},
		{"Active to Failed", JobStatusActive, JobStatusFailed, false},
		{"Active to Pending (retry)", JobStatusActive, JobStatusPending, false},
		{"Active to Cancelled", JobStatusActive, JobStatusCancelled, false},

		// Invalid transitions
		{"Pending to Completed", JobStatusPending, JobStatusCompleted, true},
		{"Paused to Active", JobStatusPaused, JobStatusActive, true},
		{"Completed to Active", JobStatusCompleted, JobStatusActive, true},
		{"Failed to Pending", JobStatusFailed, JobStatusPending, true},
		{"Cancelled to Pending", JobStatusCancelled, JobStatusPending, true},
		{"Unknown source", JobStatus("bogus"), JobStatusActive, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestJobTransitionRecordsHistory(t *testing.T) {
	now := time.Now()
	job := &Job{ID: "job-1", Status: JobStatusPending}

	if err := job.Transition(JobStatusActive, "claimed", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(now) {
		t.Errorf("StartedAt not set on activation")
	}
	if err := job.Transition(JobStatusCompleted, "done", now.Add(time.Second)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.FinishedAt == nil {
		t.Errorf("FinishedAt not set on completion")
	}
	if len(job.Transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(job.Transitions))
	}
	if job.Transitions[1].From != JobStatusActive || job.Transitions[1].To != JobStatusCompleted {
		t.Errorf("unexpected transition %+v", job.Transitions[1])
	}
	if err := job.Transition(JobStatusPending, "again", now); err == nil {
		t.Errorf("expected terminal state to reject transition")
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    JobStatus
		expected bool
	}{
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
		{JobStatusPending, false},
		{JobStatusActive, false},
		{JobStatusPaused, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminalState(tt.state); got != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, got, tt.expected)
			}
		})
	}
}

func TestRetryPolicyCalculateBackoff(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Second,
	}

	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{40, 10 * time.Second},
		{-1, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := policy.CalculateBackoff(tt.retryCount); got != tt.expected {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.retryCount, got, tt.expected)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	base := time.Now()
	low := &Job{ID: "low", Priority: PriorityLow, Weight: PriorityLow.Weight(), CreatedAt: base, Sequence: 1}
	urgent := &Job{ID: "urgent", Priority: PriorityUrgent, Weight: PriorityUrgent.Weight(), CreatedAt: base.Add(time.Millisecond), Sequence: 2}
	normalA := &Job{ID: "normal-a", Weight: PriorityNormal.Weight(), CreatedAt: base.Add(2 * time.Millisecond), Sequence: 3}
	normalB := &Job{ID: "normal-b", Weight: PriorityNormal.Weight(), CreatedAt: base.Add(2 * time.Millisecond), Sequence: 4}

	if !Less(urgent, low) {
		t.Errorf("urgent should precede low")
	}
	if !Less(normalA, low) {
		t.Errorf("normal should precede low")
	}
	if !Less(normalA, normalB) || Less(normalB, normalA) {
		t.Errorf("equal priority and timestamp must fall back to admission sequence")
	}
}

func TestParsePriority(t *testing.T) {
	for raw, want := range map[string]Priority{
		"":       PriorityNormal,
		"URGENT": PriorityUrgent,
		" high ": PriorityHigh,
		"low":    PriorityLow,
		"normal": PriorityNormal,
	} {
		got, err := ParsePriority(raw)
		if err != nil || got != want {
			t.Errorf("ParsePriority(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParsePriority("critical"); err == nil {
		t.Errorf("expected error for unknown priority")
	}
}
