package deadletter

import (
	"fmt"

	"github.com/psantana5/genflow/pkg/events"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
)

// Pattern dimensions
const (
	DimensionProvider = "provider"
	DimensionTemplate = "template"
	DimensionCategory = "category"
)

// Pattern is a cluster of recent failures sharing one attribute
type Pattern struct {
	Dimension  string `json:"dimension"`
	Key        string `json:"key"`
	Count      int    `json:"count"`
	Threshold  int    `json:"threshold"`
	Suggestion string `json:"suggestion"`
}

// AnalyzeFailurePattern counts entries in the pattern window that share the
// provider, payload reference or category of entry. A pattern is reported
// each time a count reaches a multiple of its threshold. Analysis is
// advisory: store errors are logged and never surface to the caller.
func (m *Manager) AnalyzeFailurePattern(entry *models.DeadLetterEntry) []Pattern {
	recent, err := m.store.ListEntries(models.DeadLetterFilter{Since: m.now().Add(-m.cfg.PatternWindow)})
	if err != nil {
		m.logger.Warn("pattern analysis skipped", logging.Fields{"entry_id": entry.ID, "error": err})
		return nil
	}

	provider := entry.Provider()
	template := ""
	if entry.OriginalJob != nil {
		template = entry.OriginalJob.PayloadRef
	}

	var byProvider, byTemplate, byCategory int
	for _, e := range recent {
		if provider != "" && e.Provider() == provider {
			byProvider++
		}
		if template != "" && e.OriginalJob != nil && e.OriginalJob.PayloadRef == template {
			byTemplate++
		}
		if e.FailureCategory == entry.FailureCategory {
			byCategory++
		}
	}

	var found []Pattern
	check := func(dim, key string, count, threshold int, suggestion string) {
		if key == "" || count < threshold || count%threshold != 0 {
			return
		}
		found = append(found, Pattern{Dimension: dim, Key: key, Count: count, Threshold: threshold, Suggestion: suggestion})
	}
	check(DimensionProvider, provider, byProvider, m.cfg.ProviderThreshold,
		fmt.Sprintf("provider %s is failing repeatedly; check its credentials, quota and status page, or route traffic elsewhere", provider))
	check(DimensionTemplate, template, byTemplate, m.cfg.TemplateThreshold,
		fmt.Sprintf("payload %s keeps failing; review its prompt variables and provider compatibility", template))
	check(DimensionCategory, string(entry.FailureCategory), byCategory, m.cfg.CategoryThreshold,
		suggestionFor(entry.FailureCategory))

	window := m.cfg.PatternWindow.String()
	for _, p := range found {
		m.logger.Warn("failure pattern detected", logging.Fields{
			"dimension": p.Dimension,
			"key":       p.Key,
			"count":     p.Count,
			"threshold": p.Threshold,
		})
		m.bus.Publish(events.DeadLetterPatternDetected, events.PatternPayload{
			EntryID:    entry.ID,
			Dimension:  p.Dimension,
			Key:        p.Key,
			Count:      p.Count,
			Threshold:  p.Threshold,
			Window:     window,
			Suggestion: p.Suggestion,
		})
	}
	return found
}

func suggestionFor(c models.FailureCategory) string {
	switch c {
	case models.FailureRateLimitExceeded:
		return "lower worker concurrency or raise provider rate limits"
	case models.FailureProviderTimeout:
		return "increase job timeouts or shorten requested output"
	case models.FailureInvalidAPIKey:
		return "rotate or fix provider API keys"
	case models.FailureContentPolicyViolation:
		return "review prompts for policy-sensitive content"
	case models.FailureNetworkError:
		return "check network connectivity to provider endpoints"
	case models.FailureProviderOverloaded:
		return "enable provider rotation or add a fallback provider"
	case models.FailureMalformedTemplate:
		return "validate templates and variables before submission"
	case models.FailureQuotaExhausted:
		return "top up provider billing or lower spend"
	case models.FailureCostLimitExceeded:
		return "raise per-job cost limits or reduce requested tokens"
	default:
		return "inspect recent failure reasons for a common cause"
	}
}
