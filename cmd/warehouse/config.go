package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sitex/warehouse/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging the config file, WAREHOUSE_*
environment variables and flags. Secrets are masked.

Examples:
  warehouse config show
  warehouse config show --format toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		cfg, err := config.Load(settings, configFile)
		if err != nil {
			return err
		}
		out, err := cfg.Render(format)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", "yaml", "Output format: yaml or toml")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
