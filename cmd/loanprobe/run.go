package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/loanprobe/pkg/archive"
	"github.com/ethpandaops/loanprobe/pkg/metrics"
	"github.com/ethpandaops/loanprobe/pkg/testrun"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a single test run",
	Long: `Execute one loan lifecycle run, persist it and print the result as
JSON. Exits non-zero when the run failed.`,
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	orch, err := newOrchestrator(cfg, metrics.Noop())
	if err != nil {
		return err
	}

	run, err := orch.Execute(ctx)
	if err != nil {
		return fmt.Errorf("test execution failed: %w", err)
	}

	persistCtx := context.WithoutCancel(ctx)

	if err := st.Save(persistCtx, run); err != nil {
		log.WithError(err).WithField("run_id", run.ID).
			Error("Failed to persist test run")
	} else if err := archive.New(log, &cfg.Archive).Archive(persistCtx, run); err != nil {
		log.WithError(err).WithField("run_id", run.ID).
			Warn("Failed to archive test run")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(run); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	if run.Status != testrun.StatusSuccess {
		return fmt.Errorf("test run %s %s", run.ID, run.Status)
	}

	return nil
}
