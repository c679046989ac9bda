package models

import "time"

// UsageLog is one immutable cost-ledger entry
type UsageLog struct {
	ID               string    `json:"id"`
	JobID            string    `json:"job_id"`
	ProviderID       string    `json:"provider_id,omitempty"`
	PayloadRef       string    `json:"payload_ref,omitempty"`
	Cost             float64   `json:"cost"`
	Tokens           int       `json:"tokens"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// AlertType enumerates budget conditions
type AlertType string

const (
	AlertDailyLimit      AlertType = "daily_limit"
	AlertMonthlyLimit    AlertType = "monthly_limit"
	AlertJobCostSpike    AlertType = "job_cost_spike"
	AlertProviderQuota   AlertType = "provider_quota"
	AlertBudgetThreshold AlertType = "budget_threshold"
)

// Severity of a cost alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertDetails describe the breached condition
type AlertDetails struct {
	Current   float64 `json:"current"`
	Limit     float64 `json:"limit"`
	Provider  string  `json:"provider,omitempty"`
	JobID     string  `json:"job_id,omitempty"`
	Timeframe string  `json:"timeframe"`
}

// CostAlert is a budget-threshold breach notice
type CostAlert struct {
	ID             string       `json:"id"`
	Type           AlertType    `json:"type"`
	Severity       Severity     `json:"severity"`
	Details        AlertDetails `json:"details"`
	TriggeredAt    time.Time    `json:"triggered_at"`
	Acknowledged   bool         `json:"acknowledged"`
	AcknowledgedAt *time.Time   `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string       `json:"acknowledged_by,omitempty"`
}

// DedupKey groups alerts that describe the same condition.
func (a *CostAlert) DedupKey() string {
	return string(a.Type) + "|" + string(a.Severity) + "|" + a.Details.Provider + "|" + a.Details.Timeframe
}

// Timeframe selects a report window
type Timeframe string

const (
	TimeframeHour   Timeframe = "hour"
	TimeframeDay    Timeframe = "day"
	TimeframeWeek   Timeframe = "week"
	TimeframeMonth  Timeframe = "month"
	TimeframeCustom Timeframe = "custom"
)

// CostTotals aggregates a set of ledger entries
type CostTotals struct {
	Cost     float64 `json:"cost"`
	Tokens   int64   `json:"tokens"`
	Requests int     `json:"requests"`
	Jobs     int     `json:"jobs"`
	Failures int     `json:"failures"`
}

// ExpensiveJob is one row of the report's top-N list
type ExpensiveJob struct {
	JobID      string    `json:"job_id"`
	ProviderID string    `json:"provider_id"`
	PayloadRef string    `json:"payload_ref"`
	Cost       float64   `json:"cost"`
	Tokens     int       `json:"tokens"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CostTrends compares a window with the equal-length preceding window
type CostTrends struct {
	CostGrowth       float64 `json:"cost_growth"`
	EfficiencyChange float64 `json:"efficiency_change"`
	QualityImpact    float64 `json:"quality_impact"`
}

// CostReport is a derived, read-only view over a time window
type CostReport struct {
	Timeframe    Timeframe              `json:"timeframe"`
	Start        time.Time              `json:"start"`
	End          time.Time              `json:"end"`
	Totals       CostTotals             `json:"totals"`
	ByProvider   map[string]*CostTotals `json:"by_provider"`
	ByAgent      map[string]*CostTotals `json:"by_agent"`
	TopExpensive []ExpensiveJob         `json:"top_expensive"`
	Trends       CostTrends             `json:"trends"`
}

// Recommendation is an advisory cost optimization hint
type Recommendation struct {
	Kind     string  `json:"kind"`
	Message  string  `json:"message"`
	Provider string  `json:"provider,omitempty"`
	Impact   float64 `json:"impact,omitempty"`
}
