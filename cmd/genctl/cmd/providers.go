package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect configured providers",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with cost and cached health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		providers, err := c.Providers(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if ok, err := structured(out, providers); ok {
			return err
		}
		table := newTable(out, "Name", "Models", "Input $/tok", "Output $/tok", "Healthy", "Latency", "Checked")
		for _, p := range providers {
			healthy := "yes"
			if !p.Health.IsHealthy {
				healthy = "no " + truncate(p.Health.Error, 30)
			}
			table.Append(p.Name, truncate(strings.Join(p.SupportedModels, ","), 40),
				fmt.Sprintf("%.7f", p.CostPerInputToken), fmt.Sprintf("%.7f", p.CostPerOutputToken),
				healthy, fmt.Sprintf("%dms", p.Health.ResponseTimeMs), ts(p.Health.LastCheckedAt))
		}
		return table.Render()
	},
}

var providersUsageCmd = &cobra.Command{
	Use:   "usage <name>",
	Short: "Show a provider's usage counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		u, err := c.ProviderUsage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if ok, err := structured(out, u); ok {
			return err
		}
		table := newTable(out, "Requests", "Tokens", "Cost", "Errors")
		table.Append(fmt.Sprint(u.Requests), fmt.Sprint(u.Tokens), money(u.Cost), fmt.Sprint(u.Errors))
		return table.Render()
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersListCmd, providersUsageCmd)
}
