package cost

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/store"
)

// Spend is the current spend against the budget windows
type Spend struct {
	Daily      float64            `json:"daily"`
	Monthly    float64            `json:"monthly"`
	ByProvider map[string]*Window `json:"by_provider"`
}

// Window is per-provider spend in the daily and monthly windows
type Window struct {
	Daily   float64 `json:"daily"`
	Monthly float64 `json:"monthly"`
}

// Spend sums the ledger for the current day and month
func (m *Monitor) Spend() (*Spend, error) {
	now := m.now()
	day := startOfDay(now)
	logs, err := m.store.ListUsage(startOfMonth(now), now)
	if err != nil {
		return nil, err
	}
	s := &Spend{ByProvider: make(map[string]*Window)}
	for _, l := range logs {
		w, ok := s.ByProvider[l.ProviderID]
		if !ok && l.ProviderID != "" {
			w = &Window{}
			s.ByProvider[l.ProviderID] = w
		}
		s.Monthly += l.Cost
		if w != nil {
			w.Monthly += l.Cost
		}
		if !l.RecordedAt.Before(day) {
			s.Daily += l.Cost
			if w != nil {
				w.Daily += l.Cost
			}
		}
	}
	return s, nil
}

// severity returns the highest threshold current has reached, or "".
func (m *Monitor) severity(current, limit float64) models.Severity {
	if limit <= 0 {
		return ""
	}
	switch {
	case current >= limit*m.cfg.CriticalThreshold:
		return models.SeverityCritical
	case current >= limit*m.cfg.WarningThreshold:
		return models.SeverityWarning
	}
	return ""
}

// CheckThresholds compares current spend with every configured limit and
// returns the alerts it raised. Conditions already alerted within the
// cool-down are suppressed.
func (m *Monitor) CheckThresholds() ([]*models.CostAlert, error) {
	return m.evaluate(nil)
}

// evaluate runs the aggregate checks and, when entry is set, the per-job spike check
func (m *Monitor) evaluate(entry *models.UsageLog) ([]*models.CostAlert, error) {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()

	spend, err := m.Spend()
	if err != nil {
		return nil, err
	}

	var candidates []*models.CostAlert
	add := func(t models.AlertType, current, limit float64, provider, timeframe, jobID string) {
		sev := m.severity(current, limit)
		if sev == "" {
			return
		}
		candidates = append(candidates, &models.CostAlert{
			Type:     t,
			Severity: sev,
			Details: models.AlertDetails{
				Current:   current,
				Limit:     limit,
				Provider:  provider,
				JobID:     jobID,
				Timeframe: timeframe,
			},
		})
	}

	add(models.AlertDailyLimit, spend.Daily, m.cfg.DailyLimit, "", "daily", "")
	add(models.AlertMonthlyLimit, spend.Monthly, m.cfg.MonthlyLimit, "", "monthly", "")

	providers := make([]string, 0, len(m.cfg.ProviderLimits))
	for name := range m.cfg.ProviderLimits {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	for _, name := range providers {
		limit := m.cfg.ProviderLimits[name]
		w := spend.ByProvider[name]
		if w == nil {
			continue
		}
		add(models.AlertProviderQuota, w.Daily, limit.Daily, name, "daily", "")
		add(models.AlertProviderQuota, w.Monthly, limit.Monthly, name, "monthly", "")
	}

	if entry != nil && m.cfg.MaxCostPerJob > 0 && entry.Cost > m.cfg.MaxCostPerJob {
		candidates = append(candidates, &models.CostAlert{
			Type:     models.AlertJobCostSpike,
			Severity: models.SeverityWarning,
			Details: models.AlertDetails{
				Current:   entry.Cost,
				Limit:     m.cfg.MaxCostPerJob,
				Provider:  entry.ProviderID,
				JobID:     entry.JobID,
				Timeframe: "job " + entry.JobID,
			},
		})
	}

	var raised []*models.CostAlert
	for _, a := range candidates {
		ok, err := m.raise(a)
		if err != nil {
			return raised, err
		}
		if ok {
			raised = append(raised, a)
		}
	}
	return raised, nil
}

// raise stores and publishes a unless the same condition fired within the cool-down
func (m *Monitor) raise(a *models.CostAlert) (bool, error) {
	now := m.now()
	recent, err := m.store.ListAlerts(store.AlertFilter{
		DedupKey: a.DedupKey(),
		Since:    now.Add(-m.cfg.AlertCooldown),
		Limit:    1,
	})
	if err != nil {
		return false, err
	}
	if len(recent) > 0 {
		return false, nil
	}

	a.ID = uuid.NewString()
	a.TriggeredAt = now
	if err := m.store.CreateAlert(a); err != nil {
		return false, err
	}
	m.logger.Warn("cost alert raised", logging.Fields{
		"alert_id":  a.ID,
		"type":      string(a.Type),
		"severity":  string(a.Severity),
		"current":   fmt.Sprintf("%.4f", a.Details.Current),
		"limit":     fmt.Sprintf("%.4f", a.Details.Limit),
		"provider":  a.Details.Provider,
		"timeframe": a.Details.Timeframe,
	})
	c := *a
	m.bus.Publish(events.CostAlertCreated, events.AlertPayload{Alert: &c})
	return true, nil
}

// Alerts lists alerts, newest first
func (m *Monitor) Alerts(filter store.AlertFilter) ([]*models.CostAlert, error) {
	return m.store.ListAlerts(filter)
}

// Acknowledge marks an alert acknowledged. Acknowledging twice is a no-op
// that returns false.
func (m *Monitor) Acknowledge(id, by string) (bool, error) {
	if by == "" {
		by = "unknown"
	}
	ok, err := m.store.AcknowledgeAlert(id, by, m.now())
	if err != nil || !ok {
		return false, err
	}
	alert, err := m.store.GetAlert(id)
	if err != nil {
		return true, err
	}
	m.logger.Info("cost alert acknowledged", logging.Fields{"alert_id": id, "by": by})
	m.bus.Publish(events.CostAlertAcknowledged, events.AlertPayload{Alert: alert})
	return true, nil
}

// GC deletes acknowledged alerts older than the retention window
func (m *Monitor) GC() (int, error) {
	n, err := m.store.DeleteAcknowledgedAlerts(m.now().Add(-m.cfg.AlertRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("deleted acknowledged alerts", logging.Fields{"count": n})
	}
	return n, nil
}
