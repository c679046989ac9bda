package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/genflow/pkg/cost"
	"github.com/psantana5/genflow/pkg/models"
)

var (
	reportTimeframe string
	reportStart     string
	reportEnd       string

	alertsOpen  bool
	alertsLimit int
	ackBy       string
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Spend reports, alerts and recommendations",
}

var costReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show a cost report",
	RunE: func(cmd *cobra.Command, args []string) error {
		var start, end *time.Time
		for _, p := range []struct {
			raw string
			dst **time.Time
		}{{reportStart, &start}, {reportEnd, &end}} {
			if p.raw == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, p.raw)
			if err != nil {
				return fmt.Errorf("invalid time %q (want RFC3339): %w", p.raw, err)
			}
			*p.dst = &t
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		report, err := c.CostReport(cmd.Context(), reportTimeframe, start, end)
		if err != nil {
			return err
		}
		return displayReport(cmd.OutOrStdout(), report)
	},
}

var costSpendCmd = &cobra.Command{
	Use:   "spend",
	Short: "Show spend in the current day and month",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		spend, err := c.Spend(cmd.Context())
		if err != nil {
			return err
		}
		return displaySpend(cmd.OutOrStdout(), spend)
	},
}

var costAlertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List cost alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		alerts, err := c.Alerts(cmd.Context(), alertsOpen, alertsLimit)
		if err != nil {
			return err
		}
		return displayAlerts(cmd.OutOrStdout(), alerts)
	},
}

var costAckCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge a cost alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		by := ackBy
		if by == "" {
			by = requesterID
		}
		ok, err := c.AcknowledgeAlert(cmd.Context(), args[0], by)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if done, err := structured(out, map[string]bool{"acknowledged": ok}); done {
			return err
		}
		if ok {
			fmt.Fprintf(out, "Alert %s acknowledged\n", args[0])
		} else {
			fmt.Fprintf(out, "Alert %s was already acknowledged\n", args[0])
		}
		return nil
	},
}

var costRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Show cost optimization hints",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		recs, err := c.Recommendations(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if ok, err := structured(out, recs); ok {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(out, "No recommendations")
			return nil
		}
		table := newTable(out, "Kind", "Provider", "Impact", "Message")
		for _, r := range recs {
			table.Append(r.Kind, orDash(r.Provider), money(r.Impact), r.Message)
		}
		return table.Render()
	},
}

func init() {
	rootCmd.AddCommand(costCmd)
	costCmd.AddCommand(costReportCmd, costSpendCmd, costAlertsCmd, costAckCmd, costRecommendCmd)

	costReportCmd.Flags().StringVar(&reportTimeframe, "timeframe", string(models.TimeframeDay), "hour, day, week, month or custom")
	costReportCmd.Flags().StringVar(&reportStart, "start", "", "custom window start (RFC3339)")
	costReportCmd.Flags().StringVar(&reportEnd, "end", "", "custom window end (RFC3339)")

	costAlertsCmd.Flags().BoolVar(&alertsOpen, "open", false, "only unacknowledged alerts")
	costAlertsCmd.Flags().IntVar(&alertsLimit, "limit", 50, "max alerts")

	costAckCmd.Flags().StringVar(&ackBy, "by", "", "who acknowledges (defaults to --requester)")
}

func sortedKeys(m map[string]*models.CostTotals) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func displayReport(w io.Writer, r *models.CostReport) error {
	if ok, err := structured(w, r); ok {
		return err
	}
	fmt.Fprintf(w, "Cost report (%s) %s .. %s\n\n", r.Timeframe, ts(r.Start), ts(r.End))

	table := newTable(w, "Scope", "Cost", "Requests", "Jobs", "Tokens", "Failures")
	row := func(scope string, t *models.CostTotals) {
		table.Append(scope, money(t.Cost), fmt.Sprint(t.Requests), fmt.Sprint(t.Jobs), fmt.Sprint(t.Tokens), fmt.Sprint(t.Failures))
	}
	row("total", &r.Totals)
	for _, k := range sortedKeys(r.ByProvider) {
		row("provider "+k, r.ByProvider[k])
	}
	for _, k := range sortedKeys(r.ByAgent) {
		row("payload "+k, r.ByAgent[k])
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nTrends vs previous window: cost %+.1f%%, efficiency %+.1f%%, quality %+.1f%%\n",
		r.Trends.CostGrowth, r.Trends.EfficiencyChange, r.Trends.QualityImpact)

	if len(r.TopExpensive) > 0 {
		fmt.Fprintln(w, "\nMost expensive jobs:")
		top := newTable(w, "Job", "Provider", "Cost")
		for _, j := range r.TopExpensive {
			top.Append(j.JobID, j.ProviderID, money(j.Cost))
		}
		return top.Render()
	}
	return nil
}

func displaySpend(w io.Writer, s *cost.Spend) error {
	if ok, err := structured(w, s); ok {
		return err
	}
	table := newTable(w, "Scope", "Today", "This month")
	table.Append("total", money(s.Daily), money(s.Monthly))
	names := make([]string, 0, len(s.ByProvider))
	for n := range s.ByProvider {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		table.Append(n, money(s.ByProvider[n].Daily), money(s.ByProvider[n].Monthly))
	}
	return table.Render()
}

func displayAlerts(w io.Writer, alerts []*models.CostAlert) error {
	if ok, err := structured(w, alerts); ok {
		return err
	}
	table := newTable(w, "ID", "Type", "Severity", "Current", "Limit", "Scope", "Triggered", "Acked")
	for _, a := range alerts {
		scope := a.Details.Timeframe
		if a.Details.Provider != "" {
			scope += " " + a.Details.Provider
		}
		if a.Details.JobID != "" {
			scope += " job " + a.Details.JobID
		}
		acked := "no"
		if a.Acknowledged {
			acked = orDash(a.AcknowledgedBy)
		}
		table.Append(a.ID, string(a.Type), string(a.Severity), money(a.Details.Current), money(a.Details.Limit),
			scope, ts(a.TriggeredAt), acked)
	}
	return table.Render()
}
