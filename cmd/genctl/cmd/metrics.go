package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psantana5/genflow/pkg/metrics"
)

var (
	metricsURL    string
	metricsPrefix string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Scrape and print the daemon's Prometheus metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := metricsURL
		if !strings.HasSuffix(url, "/metrics") {
			url = strings.TrimRight(url, "/") + "/metrics"
		}
		families, err := metrics.Scrape(cmd.Context(), &http.Client{Timeout: timeout}, url, metricsPrefix)
		if err != nil {
			return err
		}
		samples := metrics.Flatten(families)

		out := cmd.OutOrStdout()
		rows := make([]map[string]interface{}, 0, len(samples))
		for _, s := range samples {
			rows = append(rows, map[string]interface{}{"name": s.Name, "labels": s.Labels, "value": s.Value})
		}
		if ok, err := structured(out, rows); ok {
			return err
		}
		table := newTable(out, "Metric", "Labels", "Value")
		for _, s := range samples {
			table.Append(s.Name, orDash(s.LabelString()), fmt.Sprintf("%g", s.Value))
		}
		return table.Render()
	},
}

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().StringVar(&metricsURL, "metrics-server", "http://localhost:9090", "genflowd metrics address")
	metricsCmd.Flags().StringVar(&metricsPrefix, "prefix", "genflow_", "only show metrics with this prefix")
}
