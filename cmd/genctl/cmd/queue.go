package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/psantana5/genflow/pkg/api"
)

var (
	cleanGrace string
	cleanState string
	cleanLimit int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the job queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and worker counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		stats, err := c.QueueStats(cmd.Context())
		if err != nil {
			return err
		}
		return displayQueueStats(cmd.OutOrStdout(), stats)
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop workers claiming jobs; admission continues",
	RunE:  setPaused(true),
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume claiming jobs",
	RunE:  setPaused(false),
}

var queueCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Purge terminal jobs older than a grace period",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		n, err := c.CleanQueue(cmd.Context(), api.CleanRequest{Grace: cleanGrace, State: cleanState, Limit: cleanLimit})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if ok, err := structured(out, map[string]int{"removed": n}); ok {
			return err
		}
		fmt.Fprintf(out, "Removed %d jobs\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd, queuePauseCmd, queueResumeCmd, queueCleanCmd)

	queueCleanCmd.Flags().StringVar(&cleanGrace, "grace", "24h", "only purge jobs finished longer ago than this")
	queueCleanCmd.Flags().StringVar(&cleanState, "state", "", "restrict to completed, failed or cancelled")
	queueCleanCmd.Flags().IntVar(&cleanLimit, "limit", 0, "max jobs to purge (0 uses the server default)")
}

func setPaused(paused bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		stats, err := c.SetQueuePaused(cmd.Context(), paused)
		if err != nil {
			return err
		}
		return displayQueueStats(cmd.OutOrStdout(), stats)
	}
}

func displayQueueStats(w io.Writer, s *api.QueueStatsResponse) error {
	if ok, err := structured(w, s); ok {
		return err
	}
	table := newTable(w, "Metric", "Value")
	table.Append("Paused", fmt.Sprint(s.Paused))
	table.Append("Waiting", fmt.Sprint(s.Waiting))
	table.Append("Delayed", fmt.Sprint(s.Delayed))
	table.Append("Active", fmt.Sprint(s.Active))
	table.Append("Held", fmt.Sprint(s.PausedJobs))
	table.Append("Completed", fmt.Sprint(s.Completed))
	table.Append("Failed", fmt.Sprint(s.Failed))
	table.Append("Cancelled", fmt.Sprint(s.Cancelled))
	if s.Workers != nil {
		table.Append("Workers busy", fmt.Sprintf("%d/%d", s.Workers.Busy, s.Workers.Workers))
	}
	return table.Render()
}
