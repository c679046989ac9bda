package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/genflow/pkg/models"
)

var (
	// ErrDuplicateEntry is returned when a job already has a dead-letter entry
	ErrDuplicateEntry = errors.New("dead-letter entry already exists for job")
	// ErrDuplicateJob is returned when a job id is reused
	ErrDuplicateJob = errors.New("job already exists")
)

// Store is the system of record for jobs, dead-letter entries, the cost
// ledger and cost alerts. The memory, SQLite and PostgreSQL backends all
// implement it with read-your-writes consistency.
type Store interface {
	// Job operations
	CreateJob(job *models.Job) error
	CreateJobs(jobs []*models.Job) error
	GetJob(id string) (*models.Job, error)
	UpdateJob(job *models.Job) error
	DeleteJob(id string) error
	ListJobs(filter JobFilter) ([]*models.Job, error)
	CountJobs() (map[models.JobStatus]int, error)

	// Dead-letter operations
	CreateEntry(entry *models.DeadLetterEntry) error
	GetEntry(id string) (*models.DeadLetterEntry, error)
	UpdateEntry(entry *models.DeadLetterEntry) error
	// ResolveEntry sets the resolution only if the entry is unresolved and
	// reports whether it did.
	ResolveEntry(id string, res models.Resolution) (bool, error)
	ListEntries(filter models.DeadLetterFilter) ([]*models.DeadLetterEntry, error)
	DeleteResolvedEntries(before time.Time) (int, error)

	// Cost ledger (append-only)
	AppendUsage(log *models.UsageLog) error
	ListUsage(from, to time.Time) ([]*models.UsageLog, error)

	// Alert operations
	CreateAlert(alert *models.CostAlert) error
	GetAlert(id string) (*models.CostAlert, error)
	// AcknowledgeAlert marks an alert acknowledged and reports whether it changed.
	AcknowledgeAlert(id, by string, at time.Time) (bool, error)
	ListAlerts(filter AlertFilter) ([]*models.CostAlert, error)
	DeleteAcknowledgedAlerts(before time.Time) (int, error)

	// Lifecycle
	HealthCheck() error
	Close() error
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Statuses       []models.JobStatus
	BatchID        string
	FinishedBefore time.Time
	Limit          int
}

func (f JobFilter) match(j *models.Job) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.BatchID != "" && j.BatchID != f.BatchID {
		return false
	}
	if !f.FinishedBefore.IsZero() && (j.FinishedAt == nil || !j.FinishedAt.Before(f.FinishedBefore)) {
		return false
	}
	return true
}

// AlertFilter narrows alert listings. Zero values match everything.
type AlertFilter struct {
	Type         models.AlertType
	DedupKey     string
	Acknowledged *bool
	Since        time.Time
	Limit        int
}

func (f AlertFilter) match(a *models.CostAlert) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.DedupKey != "" && a.DedupKey() != f.DedupKey {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	if !f.Since.IsZero() && a.TriggeredAt.Before(f.Since) {
		return false
	}
	return true
}

// Config selects and configures a backend
type Config struct {
	Type string `mapstructure:"type" yaml:"type"` // "memory", "sqlite" or "postgres"
	DSN  string `mapstructure:"dsn" yaml:"dsn"`   // file path for sqlite, connection string for postgres

	// PostgreSQL specific
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time,omitempty"`
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if config.DSN == "" {
			return nil, fmt.Errorf("sqlite store requires a database path")
		}
		return NewSQLiteStore(config.DSN)
	case "postgres":
		return NewPostgresStore(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
