package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/genflow/pkg/config"
)

var (
	configPath  string
	configForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Daemon configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a genflowd config file populated with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !configForce {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}
		}
		cfg := config.Default()
		cfg.Providers = config.DefaultProviders()
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if err := os.WriteFile(configPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective daemon configuration",
	Long:  `Loads the file (and GENFLOW_* environment overrides) exactly as genflowd would, validates it and prints the result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)

	configCmd.PersistentFlags().StringVarP(&configPath, "file", "f", "genflow.yaml", "daemon config file")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
}
