package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/genflow/pkg/api"
	"github.com/psantana5/genflow/pkg/models"
)

var (
	// Job submit flags
	submitProvider   string
	submitPriority   string
	submitMaxRetries int
	submitDelay      time.Duration
	submitCostLimit  float64
	submitTimeout    time.Duration

	// Batch flags
	batchFile     string
	batchParallel int
	batchFailFast bool

	// Job status flags
	followStatus   bool
	followInterval time.Duration
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs",
	Long:  `Commands for submitting, inspecting and controlling generation jobs.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <payload-ref>",
	Short: "Submit a new job",
	Long: `Submit a generation job. The payload reference is either a configured
template ref, "agent:<name>", or "inline:<prompt>".`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsSubmit,
}

var jobsBatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit a batch of jobs from a YAML file",
	Long: `Submit a batch atomically. The file is a YAML list of jobs:

  - payload_ref: inline:write a haiku
  - payload_ref: product-description
    provider_id: claude
    max_retries: 1`,
	RunE: runJobsBatch,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Cancel a pending job, or request cancellation of an active one.`,
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("cancel"),
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Hold a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("pause"),
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Release a paused job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("resume"),
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsBatchCmd, jobsStatusCmd, jobsCancelCmd, jobsPauseCmd, jobsResumeCmd)

	for _, c := range []*cobra.Command{jobsSubmitCmd, jobsBatchCmd} {
		c.Flags().StringVar(&submitPriority, "priority", "normal", "priority: urgent, high, normal or low")
		c.Flags().Float64Var(&submitCostLimit, "cost-limit", 0, "per-job cost limit in dollars (0 uses the server default)")
		c.Flags().DurationVar(&submitTimeout, "job-timeout", 0, "per-attempt timeout (0 uses the server default)")
	}
	jobsSubmitCmd.Flags().StringVar(&submitProvider, "provider", "", "pin the job to a provider")
	jobsSubmitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", -1, "retry limit (-1 uses the server default)")
	jobsSubmitCmd.Flags().DurationVar(&submitDelay, "delay", 0, "delay before the job becomes eligible")

	jobsBatchCmd.Flags().StringVarP(&batchFile, "file", "f", "", "YAML file with the batch (- for stdin)")
	jobsBatchCmd.Flags().IntVar(&batchParallel, "parallel", 0, "max concurrently active jobs of the batch")
	jobsBatchCmd.Flags().BoolVar(&batchFailFast, "fail-fast", false, "cancel the rest of the batch on the first failure")
	_ = jobsBatchCmd.MarkFlagRequired("file")

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll until the job reaches a terminal state")
	jobsStatusCmd.Flags().DurationVar(&followInterval, "interval", 2*time.Second, "poll interval with --follow")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	req := api.SubmitJobRequest{
		PayloadRef: args[0],
		ProviderID: submitProvider,
		Priority:   submitPriority,
		DelayMs:    submitDelay.Milliseconds(),
		CostLimit:  submitCostLimit,
		TimeoutMs:  submitTimeout.Milliseconds(),
	}
	if submitMaxRetries >= 0 {
		req.MaxRetries = &submitMaxRetries
	}
	id, err := c.SubmitJob(cmd.Context(), req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if ok, err := structured(out, api.SubmitJobResponse{JobID: id}); ok {
		return err
	}
	fmt.Fprintf(out, "Job submitted: %s\n", id)
	return nil
}

func readBatch(path string) ([]models.JobRequest, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open batch file: %w", err)
		}
		defer f.Close()
		r = f
	}
	var jobs []models.JobRequest
	if err := yaml.NewDecoder(r).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}
	return jobs, nil
}

func runJobsBatch(cmd *cobra.Command, args []string) error {
	jobs, err := readBatch(batchFile)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.SubmitBatch(cmd.Context(), api.SubmitBatchRequest{
		Jobs:          jobs,
		Priority:      submitPriority,
		ParallelLimit: batchParallel,
		FailFast:      batchFailFast,
		CostLimit:     submitCostLimit,
		TimeoutMs:     submitTimeout.Milliseconds(),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if ok, err := structured(out, res); ok {
		return err
	}
	fmt.Fprintf(out, "Batch %s submitted with %d jobs (estimated %s)\n", res.BatchID, len(res.JobIDs), money(res.TotalEstimatedCost))
	for _, id := range res.JobIDs {
		fmt.Fprintf(out, "  %s\n", id)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if !followStatus {
		job, err := c.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return displayJob(cmd.OutOrStdout(), job)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		if models.IsTerminalState(job.Status) {
			return displayJob(cmd.OutOrStdout(), job)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s  %-10s %3d%%  %s\n", time.Now().Format("15:04:05"), job.Status, job.Progress, job.Step)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func jobAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		job, err := c.JobAction(cmd.Context(), args[0], action)
		if err != nil {
			return err
		}
		return displayJob(cmd.OutOrStdout(), job)
	}
}

func displayJob(w io.Writer, job *models.Job) error {
	if ok, err := structured(w, job); ok {
		return err
	}
	table := newTable(w, "Field", "Value")
	table.Append("ID", job.ID)
	table.Append("Status", string(job.Status))
	table.Append("Priority", string(job.Priority))
	table.Append("Payload", truncate(job.PayloadRef, 60))
	table.Append("Provider", orDash(job.ProviderID))
	table.Append("Batch", orDash(job.BatchID))
	table.Append("Requester", orDash(job.RequesterID))
	table.Append("Retries", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries))
	table.Append("Progress", fmt.Sprintf("%d%% %s", job.Progress, job.Step))
	table.Append("Estimate", money(job.CostEstimate))
	table.Append("Created", ts(job.CreatedAt))
	table.Append("Finished", tsPtr(job.FinishedAt))
	if job.Error != "" {
		table.Append("Error", truncate(job.Error, 80))
	}
	if job.Result != nil {
		table.Append("Served by", job.Result.ProviderID)
		table.Append("Cost", money(job.Result.Usage.Cost))
		table.Append("Output", truncate(job.Result.Content, 80))
	}
	return table.Render()
}
