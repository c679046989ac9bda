package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/psantana5/genflow/pkg/api"
	"github.com/psantana5/genflow/pkg/client"
	"github.com/psantana5/genflow/pkg/deadletter"
	"github.com/psantana5/genflow/pkg/models"
)

var (
	dlqCategory   string
	dlqProvider   string
	dlqUnresolved bool
	dlqLimit      int

	retryOtherProvider bool
	retryPayload       string
	retryProvider      string
	retryNotes         string

	resolveMethod string
	resolveNotes  string
)

var dlqCmd = &cobra.Command{
	Use:     "dlq",
	Aliases: []string{"dead-letter"},
	Short:   "Inspect and recover dead-lettered jobs",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		q := client.DeadLetterQuery{Category: dlqCategory, Provider: dlqProvider, Limit: dlqLimit}
		if dlqUnresolved {
			f := false
			q.Resolved = &f
		}
		entries, err := c.ListDeadLetter(cmd.Context(), q)
		if err != nil {
			return err
		}
		return displayEntries(cmd.OutOrStdout(), entries)
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		stats, err := c.DeadLetterStats(cmd.Context())
		if err != nil {
			return err
		}
		return displayDLQStats(cmd.OutOrStdout(), stats)
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Re-submit a dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		req := api.RetryRequest{ForceDifferentProvider: retryOtherProvider, Notes: retryNotes}
		if retryPayload != "" || retryProvider != "" {
			req.ModifiedJobData = &deadletter.JobData{PayloadRef: retryPayload, ProviderID: retryProvider}
		}
		res, err := c.RetryDeadLetter(cmd.Context(), args[0], req)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if ok, err := structured(out, res); ok {
			return err
		}
		fmt.Fprintf(out, "Entry %s re-submitted as job %s (estimated %s)\n", res.EntryID, res.JobID, money(res.EstimatedCost))
		return nil
	},
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve <entry-id>",
	Short: "Close an entry without retrying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entry, err := c.ResolveDeadLetter(cmd.Context(), args[0], api.ResolveRequest{Method: resolveMethod, Notes: resolveNotes})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if ok, err := structured(out, entry); ok {
			return err
		}
		fmt.Fprintf(out, "Entry %s resolved (%s)\n", entry.ID, entry.Resolution.Method)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqRetryCmd, dlqResolveCmd)

	dlqListCmd.Flags().StringVar(&dlqCategory, "category", "", "filter by failure category")
	dlqListCmd.Flags().StringVar(&dlqProvider, "provider", "", "filter by provider")
	dlqListCmd.Flags().BoolVar(&dlqUnresolved, "unresolved", false, "only unresolved entries")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "max entries")

	dlqRetryCmd.Flags().BoolVar(&retryOtherProvider, "different-provider", false, "exclude the provider that failed")
	dlqRetryCmd.Flags().StringVar(&retryPayload, "payload", "", "replace the payload reference")
	dlqRetryCmd.Flags().StringVar(&retryProvider, "provider", "", "pin the retry to a provider")
	dlqRetryCmd.Flags().StringVar(&retryNotes, "notes", "", "resolution notes")

	dlqResolveCmd.Flags().StringVar(&resolveMethod, "method", string(models.ResolutionAbandoned), "data_fix, provider_fix or abandoned")
	dlqResolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "resolution notes")
}

func displayEntries(w io.Writer, entries []*models.DeadLetterEntry) error {
	if ok, err := structured(w, entries); ok {
		return err
	}
	table := newTable(w, "ID", "Category", "Provider", "Failures", "Last failure", "Resolved", "Reason")
	for _, e := range entries {
		resolved := "-"
		if e.IsResolved() {
			resolved = string(e.Resolution.Method)
		}
		table.Append(e.ID, string(e.FailureCategory), orDash(e.Provider()), fmt.Sprint(e.FailureCount),
			ts(e.LastFailureAt), resolved, truncate(e.FailureReason, 50))
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d entries\n", len(entries))
	return nil
}

func displayDLQStats(w io.Writer, s *models.DeadLetterStats) error {
	if ok, err := structured(w, s); ok {
		return err
	}
	table := newTable(w, "Metric", "Value")
	table.Append("Total", fmt.Sprint(s.Total))
	table.Append("Unresolved", fmt.Sprint(s.Unresolved))
	table.Append("Resolved", fmt.Sprint(s.Resolved))
	table.Append("Oldest unresolved", tsPtr(s.OldestUnresolvedAt))

	cats := make([]string, 0, len(s.ByCategory))
	for c := range s.ByCategory {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	for _, c := range cats {
		table.Append("category "+c, fmt.Sprint(s.ByCategory[models.FailureCategory(c)]))
	}
	provs := make([]string, 0, len(s.ByProvider))
	for p := range s.ByProvider {
		provs = append(provs, p)
	}
	sort.Strings(provs)
	for _, p := range provs {
		table.Append("provider "+p, fmt.Sprint(s.ByProvider[p]))
	}
	return table.Render()
}
