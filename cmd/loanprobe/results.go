package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethpandaops/loanprobe/pkg/store"
	"github.com/spf13/cobra"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Read stored test runs",
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every stored run, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
			runs, err := st.ListAll(ctx)
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}

			return printJSON(runs)
		})
	},
}

var resultsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a single stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
			run, found, err := st.GetByID(ctx, args[0])
			if err != nil {
				return fmt.Errorf("getting run: %w", err)
			}

			if !found {
				return fmt.Errorf("test result with ID %s not found", args[0])
			}

			return printJSON(run)
		})
	},
}

func init() {
	resultsCmd.AddCommand(resultsListCmd, resultsGetCmd)
	rootCmd.AddCommand(resultsCmd)
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := newStore(cfg)
	if err != nil {
		return err
	}

	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	return fn(ctx, st)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	return nil
}
