package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging config files, environment
overrides and defaults.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out, err := cfg.Dump()
		if err != nil {
			return err
		}

		if _, err := os.Stdout.Write(out); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
