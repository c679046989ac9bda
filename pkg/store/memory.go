package store

import (
	"sort"
	"sync"
	"time"

	"github.com/psantana5/genflow/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store. Values are
// cloned on the way in and out so callers never share mutable state with it.
type MemoryStore struct {
	jobsMu sync.RWMutex
	jobs   map[string]*models.Job

	dlqMu      sync.RWMutex
	entries    map[string]*models.DeadLetterEntry
	entryByJob map[string]string

	ledgerMu sync.RWMutex
	ledger   []*models.UsageLog

	alertsMu sync.RWMutex
	alerts   map[string]*models.CostAlert
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*models.Job),
		entries:    make(map[string]*models.DeadLetterEntry),
		entryByJob: make(map[string]string),
		alerts:     make(map[string]*models.CostAlert),
	}
}

// Job operations

// CreateJob stores a new job
func (s *MemoryStore) CreateJob(job *models.Job) error {
	return s.CreateJobs([]*models.Job{job})
}

// CreateJobs stores all jobs or none of them
func (s *MemoryStore) CreateJobs(jobs []*models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for _, j := range jobs {
		if _, exists := s.jobs[j.ID]; exists {
			return ErrDuplicateJob
		}
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j.Clone()
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, models.Errorf(models.CodeJobNotFound, "job %s not found", id)
	}
	return j.Clone(), nil
}

// UpdateJob replaces a stored job
func (s *MemoryStore) UpdateJob(job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return models.Errorf(models.CodeJobNotFound, "job %s not found", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// DeleteJob removes a job
func (s *MemoryStore) DeleteJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return models.Errorf(models.CodeJobNotFound, "job %s not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// ListJobs returns matching jobs oldest first
func (s *MemoryStore) ListJobs(filter JobFilter) ([]*models.Job, error) {
	s.jobsMu.RLock()
	out := make([]*models.Job, 0)
	for _, j := range s.jobs {
		if filter.match(j) {
			out = append(out, j.Clone())
		}
	}
	s.jobsMu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].Sequence < out[b].Sequence
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountJobs counts jobs by status
func (s *MemoryStore) CountJobs() (map[models.JobStatus]int, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	counts := make(map[models.JobStatus]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// Dead-letter operations

// CreateEntry stores a dead-letter entry; one entry per original job
func (s *MemoryStore) CreateEntry(entry *models.DeadLetterEntry) error {
	s.dlqMu.Lock()
	defer s.dlqMu.Unlock()
	jobID := ""
	if entry.OriginalJob != nil {
		jobID = entry.OriginalJob.ID
		if _, exists := s.entryByJob[jobID]; exists {
			return ErrDuplicateEntry
		}
	}
	s.entries[entry.ID] = entry.Clone()
	if jobID != "" {
		s.entryByJob[jobID] = entry.ID
	}
	return nil
}

// GetEntry retrieves an entry by ID
func (s *MemoryStore) GetEntry(id string) (*models.DeadLetterEntry, error) {
	s.dlqMu.RLock()
	defer s.dlqMu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, models.Errorf(models.CodeEntryNotFound, "dead-letter entry %s not found", id)
	}
	return e.Clone(), nil
}

// UpdateEntry replaces an unresolved entry
func (s *MemoryStore) UpdateEntry(entry *models.DeadLetterEntry) error {
	s.dlqMu.Lock()
	defer s.dlqMu.Unlock()
	cur, ok := s.entries[entry.ID]
	if !ok {
		return models.Errorf(models.CodeEntryNotFound, "dead-letter entry %s not found", entry.ID)
	}
	if cur.IsResolved() {
		return models.ErrAlreadyResolved
	}
	s.entries[entry.ID] = entry.Clone()
	return nil
}

// ResolveEntry sets the resolution if the entry is still open
func (s *MemoryStore) ResolveEntry(id string, res models.Resolution) (bool, error) {
	s.dlqMu.Lock()
	defer s.dlqMu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, models.Errorf(models.CodeEntryNotFound, "dead-letter entry %s not found", id)
	}
	if e.IsResolved() {
		return false, nil
	}
	r := res
	e.Resolution = &r
	return true, nil
}

// ListEntries returns matching entries, most recent failure first
func (s *MemoryStore) ListEntries(filter models.DeadLetterFilter) ([]*models.DeadLetterEntry, error) {
	s.dlqMu.RLock()
	out := make([]*models.DeadLetterEntry, 0)
	for _, e := range s.entries {
		if filter.Match(e) {
			out = append(out, e.Clone())
		}
	}
	s.dlqMu.RUnlock()

	sortEntries(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func sortEntries(out []*models.DeadLetterEntry) {
	sort.Slice(out, func(a, b int) bool {
		if !out[a].LastFailureAt.Equal(out[b].LastFailureAt) {
			return out[a].LastFailureAt.After(out[b].LastFailureAt)
		}
		return out[a].ID < out[b].ID
	})
}

// DeleteResolvedEntries purges entries resolved before the cutoff
func (s *MemoryStore) DeleteResolvedEntries(before time.Time) (int, error) {
	s.dlqMu.Lock()
	defer s.dlqMu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.IsResolved() && e.Resolution.ResolvedAt.Before(before) {
			delete(s.entries, id)
			if e.OriginalJob != nil {
				delete(s.entryByJob, e.OriginalJob.ID)
			}
			n++
		}
	}
	return n, nil
}

// Cost ledger

// AppendUsage appends an immutable ledger entry
func (s *MemoryStore) AppendUsage(log *models.UsageLog) error {
	c := *log
	s.ledgerMu.Lock()
	s.ledger = append(s.ledger, &c)
	s.ledgerMu.Unlock()
	return nil
}

// ListUsage returns entries recorded in [from, to], oldest first
func (s *MemoryStore) ListUsage(from, to time.Time) ([]*models.UsageLog, error) {
	s.ledgerMu.RLock()
	out := make([]*models.UsageLog, 0)
	for _, l := range s.ledger {
		if l.RecordedAt.Before(from) || l.RecordedAt.After(to) {
			continue
		}
		c := *l
		out = append(out, &c)
	}
	s.ledgerMu.RUnlock()
	sort.SliceStable(out, func(a, b int) bool { return out[a].RecordedAt.Before(out[b].RecordedAt) })
	return out, nil
}

// Alert operations

// CreateAlert stores an alert
func (s *MemoryStore) CreateAlert(alert *models.CostAlert) error {
	c := *alert
	s.alertsMu.Lock()
	s.alerts[alert.ID] = &c
	s.alertsMu.Unlock()
	return nil
}

// GetAlert retrieves an alert by ID
func (s *MemoryStore) GetAlert(id string) (*models.CostAlert, error) {
	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, models.Errorf(models.CodeAlertNotFound, "alert %s not found", id)
	}
	c := *a
	return &c, nil
}

// AcknowledgeAlert marks an alert acknowledged once
func (s *MemoryStore) AcknowledgeAlert(id, by string, at time.Time) (bool, error) {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return false, models.Errorf(models.CodeAlertNotFound, "alert %s not found", id)
	}
	if a.Acknowledged {
		return false, nil
	}
	a.Acknowledged = true
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = by
	return true, nil
}

// ListAlerts returns matching alerts, newest first
func (s *MemoryStore) ListAlerts(filter AlertFilter) ([]*models.CostAlert, error) {
	s.alertsMu.RLock()
	out := make([]*models.CostAlert, 0)
	for _, a := range s.alerts {
		if filter.match(a) {
			c := *a
			out = append(out, &c)
		}
	}
	s.alertsMu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].TriggeredAt.Equal(out[b].TriggeredAt) {
			return out[a].TriggeredAt.After(out[b].TriggeredAt)
		}
		return out[a].ID < out[b].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteAcknowledgedAlerts removes acknowledged alerts triggered before the cutoff
func (s *MemoryStore) DeleteAcknowledgedAlerts(before time.Time) (int, error) {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()
	n := 0
	for id, a := range s.alerts {
		if a.Acknowledged && a.TriggeredAt.Before(before) {
			delete(s.alerts, id)
			n++
		}
	}
	return n, nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error { return nil }

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }
