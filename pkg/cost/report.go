package cost

import (
	"sort"
	"time"

	"github.com/psantana5/genflow/pkg/models"
)

const topExpensiveLimit = 10

// Window resolves a timeframe to [start, end]. Custom windows need both bounds.
func (m *Monitor) Window(tf models.Timeframe, start, end *time.Time) (time.Time, time.Time, error) {
	now := m.now()
	switch tf {
	case models.TimeframeHour:
		return now.Add(-time.Hour), now, nil
	case "", models.TimeframeDay:
		return startOfDay(now), now, nil
	case models.TimeframeWeek:
		return now.AddDate(0, 0, -7), now, nil
	case models.TimeframeMonth:
		return startOfMonth(now), now, nil
	case models.TimeframeCustom:
		if start == nil || end == nil {
			return time.Time{}, time.Time{}, models.Errorf(models.CodeInvalidRequest, "custom timeframe requires start and end")
		}
		if end.Before(*start) {
			return time.Time{}, time.Time{}, models.Errorf(models.CodeInvalidRequest, "end is before start")
		}
		return *start, *end, nil
	default:
		return time.Time{}, time.Time{}, models.Errorf(models.CodeInvalidRequest,
			"unknown timeframe %q (supported: hour, day, week, month, custom)", tf)
	}
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, mo, _ := t.Date()
	return time.Date(y, mo, 1, 0, 0, 0, 0, t.Location())
}

// aggregate folds ledger entries into totals. Jobs counts distinct job ids.
type aggregate struct {
	totals models.CostTotals
	jobs   map[string]struct{}
}

func newAggregate() *aggregate { return &aggregate{jobs: make(map[string]struct{})} }

func (a *aggregate) add(l *models.UsageLog) {
	a.totals.Cost += l.Cost
	a.totals.Tokens += int64(l.Tokens)
	a.totals.Requests++
	if !l.Success {
		a.totals.Failures++
	}
	if _, ok := a.jobs[l.JobID]; !ok {
		a.jobs[l.JobID] = struct{}{}
		a.totals.Jobs++
	}
}

func summarize(logs []*models.UsageLog) models.CostTotals {
	a := newAggregate()
	for _, l := range logs {
		a.add(l)
	}
	return a.totals
}

// Report aggregates the ledger over the resolved window and compares it with
// the equal-length window immediately before it.
func (m *Monitor) Report(tf models.Timeframe, start, end *time.Time) (*models.CostReport, error) {
	from, to, err := m.Window(tf, start, end)
	if err != nil {
		return nil, err
	}
	if tf == "" {
		tf = models.TimeframeDay
	}
	logs, err := m.store.ListUsage(from, to)
	if err != nil {
		return nil, err
	}
	prevFrom := from.Add(-to.Sub(from))
	prev, err := m.store.ListUsage(prevFrom, from.Add(-time.Nanosecond))
	if err != nil {
		return nil, err
	}

	total := newAggregate()
	byProvider := make(map[string]*aggregate)
	byAgent := make(map[string]*aggregate)
	group := func(set map[string]*aggregate, key string, l *models.UsageLog) {
		if key == "" {
			return
		}
		a, ok := set[key]
		if !ok {
			a = newAggregate()
			set[key] = a
		}
		a.add(l)
	}
	for _, l := range logs {
		total.add(l)
		group(byProvider, l.ProviderID, l)
		group(byAgent, l.PayloadRef, l)
	}

	report := &models.CostReport{
		Timeframe:    tf,
		Start:        from,
		End:          to,
		Totals:       total.totals,
		ByProvider:   flatten(byProvider),
		ByAgent:      flatten(byAgent),
		TopExpensive: topExpensive(logs, topExpensiveLimit),
		Trends:       trends(total.totals, summarize(prev)),
	}
	return report, nil
}

func flatten(set map[string]*aggregate) map[string]*models.CostTotals {
	out := make(map[string]*models.CostTotals, len(set))
	for k, a := range set {
		t := a.totals
		out[k] = &t
	}
	return out
}

func topExpensive(logs []*models.UsageLog, n int) []models.ExpensiveJob {
	sorted := append([]*models.UsageLog(nil), logs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Cost > sorted[j].Cost })
	out := make([]models.ExpensiveJob, 0, n)
	for _, l := range sorted {
		if len(out) == n || l.Cost <= 0 {
			break
		}
		out = append(out, models.ExpensiveJob{
			JobID:      l.JobID,
			ProviderID: l.ProviderID,
			PayloadRef: l.PayloadRef,
			Cost:       l.Cost,
			Tokens:     l.Tokens,
			RecordedAt: l.RecordedAt,
		})
	}
	return out
}

// percentChange is relative growth in percent; growth from zero counts as 100%.
func percentChange(cur, prev float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return 100
	}
	return (cur - prev) / prev * 100
}

func trends(cur, prev models.CostTotals) models.CostTrends {
	t := models.CostTrends{CostGrowth: percentChange(cur.Cost, prev.Cost)}
	if cur.Tokens > 0 && prev.Tokens > 0 {
		t.EfficiencyChange = percentChange(cur.Cost/float64(cur.Tokens)*1000, prev.Cost/float64(prev.Tokens)*1000)
	}
	if cur.Requests > 0 && prev.Requests > 0 {
		curRate := float64(cur.Requests-cur.Failures) / float64(cur.Requests)
		prevRate := float64(prev.Requests-prev.Failures) / float64(prev.Requests)
		t.QualityImpact = (curRate - prevRate) * 100
	}
	return t
}
