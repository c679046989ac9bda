// Package deadletter quarantines permanently failed jobs, classifies them,
// watches for failure patterns and re-submits them on request or after a
// cooling period.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/queue"
	"github.com/psantana5/genflow/pkg/store"
)

// Config holds dead-letter configuration
type Config struct {
	CoolingPeriod     time.Duration `mapstructure:"cooling_period" yaml:"cooling_period"`
	RecoveryJitter    time.Duration `mapstructure:"recovery_jitter" yaml:"recovery_jitter"`
	RecoveryBatch     int           `mapstructure:"recovery_batch" yaml:"recovery_batch"`
	RetryCostCeiling  float64       `mapstructure:"retry_cost_ceiling" yaml:"retry_cost_ceiling"`
	Retention         time.Duration `mapstructure:"retention" yaml:"retention"`
	PatternWindow     time.Duration `mapstructure:"pattern_window" yaml:"pattern_window"`
	ProviderThreshold int           `mapstructure:"provider_threshold" yaml:"provider_threshold"`
	TemplateThreshold int           `mapstructure:"template_threshold" yaml:"template_threshold"`
	CategoryThreshold int           `mapstructure:"category_threshold" yaml:"category_threshold"`

	Clock func() time.Time `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		CoolingPeriod:     time.Hour,
		RecoveryJitter:    5 * time.Minute,
		RecoveryBatch:     50,
		RetryCostCeiling:  5,
		Retention:         30 * 24 * time.Hour,
		PatternWindow:     24 * time.Hour,
		ProviderThreshold: 5,
		TemplateThreshold: 3,
		CategoryThreshold: 10,
	}
}

// Queue is the admission side of the job queue
type Queue interface {
	EstimateCost(ctx context.Context, req models.JobRequest) (*queue.Estimate, error)
	Enqueue(ctx context.Context, req models.JobRequest, priority models.Priority, requesterID string, opts queue.Options) (string, error)
	Cancel(jobID string) error
}

// JobData overrides fields of the original job on a manual retry
type JobData struct {
	PayloadRef string          `json:"payload_ref,omitempty"`
	ProviderID string          `json:"provider_id,omitempty"`
	Priority   models.Priority `json:"priority,omitempty"`
	CostLimit  float64         `json:"cost_limit,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

// RetryOptions control how an entry is re-submitted
type RetryOptions struct {
	ForceDifferentProvider bool     `json:"force_different_provider"`
	ModifiedJobData        *JobData `json:"modified_job_data,omitempty"`
	ResolvedBy             string   `json:"resolved_by"`
	Notes                  string   `json:"notes,omitempty"`
	Delay                  time.Duration
}

// RetryResult is the outcome of a successful retry
type RetryResult struct {
	EntryID       string  `json:"entry_id"`
	JobID         string  `json:"job_id"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Manager owns the dead-letter store
type Manager struct {
	cfg    Config
	store  store.Store
	queue  Queue
	bus    *events.Bus
	logger *logging.Logger

	// one in-flight retry per entry
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewManager creates a dead-letter manager
func NewManager(cfg Config, st store.Store, q Queue, bus *events.Bus, logger *logging.Logger) *Manager {
	def := DefaultConfig()
	if cfg.CoolingPeriod <= 0 {
		cfg.CoolingPeriod = def.CoolingPeriod
	}
	if cfg.RecoveryJitter < 0 {
		cfg.RecoveryJitter = 0
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = def.RecoveryBatch
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = def.PatternWindow
	}
	if cfg.ProviderThreshold <= 0 {
		cfg.ProviderThreshold = def.ProviderThreshold
	}
	if cfg.TemplateThreshold <= 0 {
		cfg.TemplateThreshold = def.TemplateThreshold
	}
	if cfg.CategoryThreshold <= 0 {
		cfg.CategoryThreshold = def.CategoryThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		cfg:    cfg,
		store:  st,
		queue:  q,
		bus:    bus,
		logger: logging.OrDiscard(logger).WithField("component", "dead-letter"),
		locks:  make(map[string]*sync.Mutex),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Manager) now() time.Time { return m.cfg.Clock() }

func (m *Manager) lock(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// AddEntry quarantines a failed job. Each job is dead-lettered at most once;
// a second call for the same job returns store.ErrDuplicateEntry.
func (m *Manager) AddEntry(job *models.Job, providerID, reason, stackTrace string) (*models.DeadLetterEntry, error) {
	if job == nil {
		return nil, models.Errorf(models.CodeInvalidRequest, "job is required")
	}
	now := m.now()
	first := now
	if len(job.RetryHistory) > 0 && job.RetryHistory[0].Timestamp.Before(now) {
		first = job.RetryHistory[0].Timestamp
	}
	entry := &models.DeadLetterEntry{
		ID:              uuid.NewString(),
		OriginalJob:     job.Clone(),
		ProviderID:      providerID,
		FailureReason:   reason,
		StackTrace:      stackTrace,
		FailureCategory: models.ClassifyFailure(reason),
		FailureCount:    len(job.RetryHistory) + 1,
		FirstFailureAt:  first,
		LastFailureAt:   now,
		RetryAttempts:   append([]models.RetryAttempt(nil), job.RetryHistory...),
	}
	if err := m.store.CreateEntry(entry); err != nil {
		if errors.Is(err, store.ErrDuplicateEntry) {
			m.logger.Warn("job already dead-lettered", logging.Fields{"job_id": job.ID})
		}
		return nil, err
	}

	m.logger.Error("job dead-lettered", logging.Fields{
		"entry_id": entry.ID,
		"job_id":   job.ID,
		"category": string(entry.FailureCategory),
		"provider": entry.Provider(),
		"attempts": entry.FailureCount,
		"reason":   reason,
	})
	m.bus.Publish(events.DeadLetterEntryAdded, events.DeadLetterPayload{Entry: entry.Clone()})
	m.AnalyzeFailurePattern(entry)
	return entry, nil
}

// Get returns one entry
func (m *Manager) Get(id string) (*models.DeadLetterEntry, error) {
	return m.store.GetEntry(id)
}

// List returns entries matching filter, most recent failure first
func (m *Manager) List(filter models.DeadLetterFilter) ([]*models.DeadLetterEntry, error) {
	return m.store.ListEntries(filter)
}

// Resolve closes an entry. Only the first resolution sticks: later calls
// return false and leave the entry unchanged.
func (m *Manager) Resolve(id string, res models.Resolution) (bool, error) {
	if !res.Method.Valid() {
		return false, models.Errorf(models.CodeInvalidRequest, "unknown resolution method %q", res.Method)
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = m.now()
	}
	ok, err := m.store.ResolveEntry(id, res)
	if err != nil || !ok {
		return false, err
	}

	entry, err := m.store.GetEntry(id)
	if err != nil {
		return true, err
	}
	m.logger.Info("dead-letter entry resolved", logging.Fields{
		"entry_id":    id,
		"method":      string(res.Method),
		"resolved_by": res.ResolvedBy,
	})
	m.bus.Publish(events.DeadLetterEntryResolved, events.DeadLetterPayload{Entry: entry})
	return true, nil
}

// Retry re-submits the job behind an entry as a fresh job and resolves the
// entry with method manual_retry.
func (m *Manager) Retry(ctx context.Context, id string, opts RetryOptions) (*RetryResult, error) {
	unlock := m.lock(id)
	defer unlock()

	entry, err := m.store.GetEntry(id)
	if err != nil {
		return nil, err
	}
	if entry.IsResolved() {
		return nil, models.Errorf(models.CodeAlreadyResolved, "entry %s was resolved by %s (%s)",
			id, entry.Resolution.ResolvedBy, entry.Resolution.Method)
	}
	if !models.IsRetryableCategory(entry.FailureCategory) {
		return nil, models.Errorf(models.CodeNonRetryable, "entry %s failed with %s", id, entry.FailureCategory)
	}

	orig := entry.OriginalJob
	if orig == nil {
		return nil, models.Errorf(models.CodeInvalidRequest, "entry %s has no original job", id)
	}
	req := models.JobRequest{PayloadRef: orig.PayloadRef, ProviderID: orig.ProviderID}
	maxRetries := orig.MaxRetries
	req.MaxRetries = &maxRetries
	priority := orig.Priority
	costLimit := orig.CostLimit
	var exclude []string
	if opts.ForceDifferentProvider {
		if p := entry.Provider(); p != "" {
			exclude = append(exclude, p)
			if req.ProviderID == p {
				req.ProviderID = ""
			}
		}
	}
	if d := opts.ModifiedJobData; d != nil {
		if d.PayloadRef != "" {
			req.PayloadRef = d.PayloadRef
		}
		if d.ProviderID != "" {
			req.ProviderID = d.ProviderID
		}
		if d.Priority != "" {
			priority = d.Priority
		}
		if d.CostLimit > 0 {
			costLimit = d.CostLimit
		}
		if d.MaxRetries != nil {
			req.MaxRetries = d.MaxRetries
		}
	}

	est, err := m.queue.EstimateCost(ctx, req)
	if err != nil {
		return nil, err
	}
	if m.cfg.RetryCostCeiling > 0 && est.Cost > m.cfg.RetryCostCeiling {
		return nil, models.Errorf(models.CodeCostThresholdExceeded,
			"retry estimated at $%.4f exceeds ceiling $%.4f", est.Cost, m.cfg.RetryCostCeiling)
	}

	jobID, err := m.queue.Enqueue(ctx, req, priority, orig.RequesterID, queue.Options{
		Delay:            opts.Delay,
		CostLimit:        costLimit,
		TimeoutMs:        orig.TimeoutMs,
		Kind:             models.JobKindRetry,
		ExcludeProviders: exclude,
	})
	if err != nil {
		return nil, fmt.Errorf("re-enqueue entry %s: %w", id, err)
	}

	resolvedBy := opts.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "system"
	}
	ok, err := m.Resolve(id, models.Resolution{
		ResolvedBy: resolvedBy,
		Method:     models.ResolutionManualRetry,
		Notes:      opts.Notes,
		RetryJobID: jobID,
	})
	if err != nil || !ok {
		// Resolved concurrently by another path: withdraw the new job.
		if cerr := m.queue.Cancel(jobID); cerr != nil {
			m.logger.Error("failed to withdraw duplicate retry job", logging.Fields{"job_id": jobID, "error": cerr})
		}
		if err != nil {
			return nil, err
		}
		return nil, models.Errorf(models.CodeAlreadyResolved, "entry %s was resolved concurrently", id)
	}

	m.logger.Info("dead-letter entry retried", logging.Fields{
		"entry_id":       id,
		"new_job_id":     jobID,
		"exclude":        exclude,
		"estimated_cost": est.Cost,
	})
	return &RetryResult{EntryID: id, JobID: jobID, EstimatedCost: est.Cost}, nil
}

// AutoRecover re-submits unresolved, retryable entries whose last failure is
// older than the cooling period. Each retry forces a different provider and
// gets a random delay so recovered jobs do not arrive at once.
func (m *Manager) AutoRecover(ctx context.Context) ([]string, error) {
	unresolved := false
	entries, err := m.store.ListEntries(models.DeadLetterFilter{Resolved: &unresolved})
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-m.cfg.CoolingPeriod)

	sort.Slice(entries, func(i, j int) bool { return entries[i].LastFailureAt.Before(entries[j].LastFailureAt) })

	var recovered []string
	for _, e := range entries {
		if len(recovered) >= m.cfg.RecoveryBatch {
			break
		}
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if !models.IsRetryableCategory(e.FailureCategory) || e.LastFailureAt.After(cutoff) {
			continue
		}
		_, err := m.Retry(ctx, e.ID, RetryOptions{
			ForceDifferentProvider: true,
			ResolvedBy:             "auto-recovery",
			Notes:                  "automatic recovery after cooling period",
			Delay:                  m.jitter(),
		})
		if err != nil {
			m.logger.Warn("auto-recovery skipped entry", logging.Fields{"entry_id": e.ID, "error": err})
			continue
		}
		recovered = append(recovered, e.ID)
	}
	if len(recovered) > 0 {
		m.logger.Info("auto-recovery scheduled retries", logging.Fields{"count": len(recovered)})
	}
	return recovered, nil
}

func (m *Manager) jitter() time.Duration {
	if m.cfg.RecoveryJitter <= 0 {
		return 0
	}
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return time.Duration(m.rng.Int63n(int64(m.cfg.RecoveryJitter)))
}

// Purge deletes resolved entries older than the retention window
func (m *Manager) Purge() (int, error) {
	n, err := m.store.DeleteResolvedEntries(m.now().Add(-m.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("purged resolved dead-letter entries", logging.Fields{"count": n})
	}
	return n, nil
}

// Stats summarises the dead-letter store
func (m *Manager) Stats() (*models.DeadLetterStats, error) {
	entries, err := m.store.ListEntries(models.DeadLetterFilter{})
	if err != nil {
		return nil, err
	}
	stats := &models.DeadLetterStats{
		ByCategory: make(map[models.FailureCategory]int),
		ByProvider: make(map[string]int),
	}
	for _, e := range entries {
		stats.Total++
		stats.ByCategory[e.FailureCategory]++
		if p := e.Provider(); p != "" {
			stats.ByProvider[p]++
		}
		if e.IsResolved() {
			stats.Resolved++
			continue
		}
		stats.Unresolved++
		if stats.OldestUnresolvedAt == nil || e.LastFailureAt.Before(*stats.OldestUnresolvedAt) {
			t := e.LastFailureAt
			stats.OldestUnresolvedAt = &t
		}
	}
	return stats, nil
}
