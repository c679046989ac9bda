// Package cost keeps the append-only spend ledger and derives reports,
// budget alerts and routing recommendations from it.
package cost

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/store"
)

// ProviderLimit is a per-provider spend cap. Zero disables a window.
type ProviderLimit struct {
	Daily   float64 `mapstructure:"daily" yaml:"daily"`
	Monthly float64 `mapstructure:"monthly" yaml:"monthly"`
}

// Config holds budget configuration
type Config struct {
	DailyLimit        float64                  `mapstructure:"daily_limit" yaml:"daily_limit"`
	MonthlyLimit      float64                  `mapstructure:"monthly_limit" yaml:"monthly_limit"`
	ProviderLimits    map[string]ProviderLimit `mapstructure:"provider_limits" yaml:"provider_limits"`
	MaxCostPerJob     float64                  `mapstructure:"max_cost_per_job" yaml:"max_cost_per_job"`
	WarningThreshold  float64                  `mapstructure:"warning_threshold" yaml:"warning_threshold"`
	CriticalThreshold float64                  `mapstructure:"critical_threshold" yaml:"critical_threshold"`
	AlertCooldown     time.Duration            `mapstructure:"alert_cooldown" yaml:"alert_cooldown"`
	AlertRetention    time.Duration            `mapstructure:"alert_retention" yaml:"alert_retention"`
	// WasteThreshold is the failed-request spend above which a recommendation is made.
	WasteThreshold float64 `mapstructure:"waste_threshold" yaml:"waste_threshold"`

	Clock func() time.Time `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the default budget settings
func DefaultConfig() Config {
	return Config{
		DailyLimit:        100,
		MonthlyLimit:      2000,
		MaxCostPerJob:     5,
		WarningThreshold:  0.8,
		CriticalThreshold: 0.95,
		AlertCooldown:     time.Hour,
		AlertRetention:    7 * 24 * time.Hour,
		WasteThreshold:    1,
	}
}

// Usage is one cost-affecting event to record
type Usage struct {
	JobID          string
	ProviderID     string
	PayloadRef     string
	Cost           float64
	Tokens         int
	Success        bool
	Error          string
	ProcessingTime time.Duration
}

// Monitor is the sole writer of the cost ledger
type Monitor struct {
	cfg    Config
	store  store.Store
	bus    *events.Bus
	logger *logging.Logger

	// serialises threshold evaluation so one condition raises one alert
	alertMu sync.Mutex
}

// NewMonitor creates a cost monitor
func NewMonitor(cfg Config, st store.Store, bus *events.Bus, logger *logging.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = def.WarningThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = def.CriticalThreshold
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	if cfg.AlertRetention <= 0 {
		cfg.AlertRetention = def.AlertRetention
	}
	if cfg.WasteThreshold <= 0 {
		cfg.WasteThreshold = def.WasteThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Monitor{
		cfg:    cfg,
		store:  st,
		bus:    bus,
		logger: logging.OrDiscard(logger).WithField("component", "cost-monitor"),
	}
}

func (m *Monitor) now() time.Time { return m.cfg.Clock() }

// Record appends a ledger entry and evaluates budgets against it
func (m *Monitor) Record(u Usage) (*models.UsageLog, error) {
	if u.JobID == "" {
		return nil, models.Errorf(models.CodeInvalidRequest, "job id is required")
	}
	if u.Cost < 0 || u.Tokens < 0 {
		return nil, models.Errorf(models.CodeInvalidRequest, "cost and tokens must not be negative")
	}
	entry := &models.UsageLog{
		ID:               uuid.NewString(),
		JobID:            u.JobID,
		ProviderID:       u.ProviderID,
		PayloadRef:       u.PayloadRef,
		Cost:             u.Cost,
		Tokens:           u.Tokens,
		Success:          u.Success,
		ErrorMessage:     u.Error,
		ProcessingTimeMs: u.ProcessingTime.Milliseconds(),
		RecordedAt:       m.now(),
	}
	if err := m.store.AppendUsage(entry); err != nil {
		return nil, err
	}
	m.logger.Debug("usage recorded", logging.Fields{
		"job_id":   u.JobID,
		"provider": u.ProviderID,
		"cost":     u.Cost,
		"tokens":   u.Tokens,
		"success":  u.Success,
	})

	if u.Cost > 0 {
		if _, err := m.evaluate(entry); err != nil {
			m.logger.Warn("threshold evaluation failed", logging.Fields{"error": err})
		}
	}
	return entry, nil
}

// HandleEvent records job.completed, job.failed and paid job.cancelled events
func (m *Monitor) HandleEvent(ev events.Event) {
	var (
		u   Usage
		err error
	)
	switch p := ev.Payload.(type) {
	case events.JobCompletedPayload:
		u = Usage{
			JobID:          p.JobID,
			ProviderID:     p.ProviderID,
			PayloadRef:     p.PayloadRef,
			Cost:           p.Usage.Cost,
			Tokens:         p.Usage.TotalTokens,
			Success:        true,
			ProcessingTime: time.Duration(p.ProcessingTimeMs) * time.Millisecond,
		}
	case events.JobFailedPayload:
		u = Usage{
			JobID:          p.JobID,
			ProviderID:     p.ProviderID,
			PayloadRef:     p.PayloadRef,
			Cost:           p.Cost,
			Error:          p.Error,
			ProcessingTime: time.Duration(p.ProcessingTimeMs) * time.Millisecond,
		}
	case events.JobCancelledPayload:
		if p.Spent.Cost == 0 && p.Spent.Tokens == 0 {
			return
		}
		u = Usage{
			JobID:          p.JobID,
			ProviderID:     p.Spent.ProviderID,
			PayloadRef:     p.PayloadRef,
			Cost:           p.Spent.Cost,
			Tokens:         p.Spent.Tokens,
			Error:          "cancelled after provider call",
			ProcessingTime: time.Duration(p.Spent.ProcessingTimeMs) * time.Millisecond,
		}
	default:
		return
	}
	if _, err = m.Record(u); err != nil {
		m.logger.Error("failed to record usage", logging.Fields{"job_id": u.JobID, "error": err})
	}
}

// Attach subscribes the monitor to the bus. Handlers run synchronously so a
// report taken after a job completes already includes its cost.
func (m *Monitor) Attach(bus *events.Bus) func() {
	return bus.Handle(m.HandleEvent, events.JobCompleted, events.JobFailed, events.JobCancelled)
}
