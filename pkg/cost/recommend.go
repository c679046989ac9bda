package cost

import (
	"fmt"
	"sort"

	"github.com/psantana5/genflow/pkg/models"
)

const (
	minRequestsForAdvice = 5
	lowSuccessRate       = 0.9
	dominantAgentShare   = 0.5
)

// Recommendations returns advisory hints derived from the last 30 days of the
// ledger. Nothing here is applied automatically.
func (m *Monitor) Recommendations() ([]models.Recommendation, error) {
	now := m.now()
	logs, err := m.store.ListUsage(now.AddDate(0, 0, -30), now)
	if err != nil {
		return nil, err
	}
	total := newAggregate()
	byProvider := make(map[string]*aggregate)
	byAgent := make(map[string]*aggregate)
	waste := 0.0
	for _, l := range logs {
		total.add(l)
		if l.ProviderID != "" {
			if byProvider[l.ProviderID] == nil {
				byProvider[l.ProviderID] = newAggregate()
			}
			byProvider[l.ProviderID].add(l)
		}
		if l.PayloadRef != "" {
			if byAgent[l.PayloadRef] == nil {
				byAgent[l.PayloadRef] = newAggregate()
			}
			byAgent[l.PayloadRef].add(l)
		}
		if !l.Success {
			waste += l.Cost
		}
	}

	var recs []models.Recommendation

	// Cost per request across providers with enough traffic to compare.
	type avg struct {
		name string
		cost float64
		n    int
	}
	var avgs []avg
	for name, a := range byProvider {
		if a.totals.Requests >= minRequestsForAdvice {
			avgs = append(avgs, avg{name, a.totals.Cost / float64(a.totals.Requests), a.totals.Requests})
		}
	}
	sort.Slice(avgs, func(i, j int) bool { return avgs[i].cost > avgs[j].cost })
	if len(avgs) >= 2 && avgs[0].cost > avgs[len(avgs)-1].cost {
		hi, lo := avgs[0], avgs[len(avgs)-1]
		recs = append(recs, models.Recommendation{
			Kind:     "provider_routing",
			Provider: hi.name,
			Message: fmt.Sprintf("provider %s has the highest average cost per request ($%.4f vs $%.4f on %s); consider routing non-urgent jobs elsewhere",
				hi.name, hi.cost, lo.cost, lo.name),
			Impact: (hi.cost - lo.cost) * float64(hi.n),
		})
	}

	if waste > m.cfg.WasteThreshold {
		recs = append(recs, models.Recommendation{
			Kind:    "failure_waste",
			Message: fmt.Sprintf("failed requests cost $%.2f in the last 30 days; improve input validation before submission", waste),
			Impact:  waste,
		})
	}

	names := make([]string, 0, len(byProvider))
	for name := range byProvider {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := byProvider[name].totals
		if t.Requests < minRequestsForAdvice {
			continue
		}
		rate := float64(t.Requests-t.Failures) / float64(t.Requests)
		if rate < lowSuccessRate {
			recs = append(recs, models.Recommendation{
				Kind:     "provider_reliability",
				Provider: name,
				Message:  fmt.Sprintf("provider %s succeeds on %.0f%% of requests; enable provider rotation or add a fallback", name, rate*100),
			})
		}
	}

	if total.totals.Cost > 0 && len(byAgent) > 1 {
		for ref, a := range byAgent {
			share := a.totals.Cost / total.totals.Cost
			if share > dominantAgentShare {
				recs = append(recs, models.Recommendation{
					Kind:    "agent_spend",
					Message: fmt.Sprintf("%s accounts for %.0f%% of spend; consider a cheaper model or shorter outputs for it", ref, share*100),
					Impact:  a.totals.Cost,
				})
			}
		}
	}
	return recs, nil
}
