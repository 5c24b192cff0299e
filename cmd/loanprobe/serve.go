package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/loanprobe/pkg/api"
	"github.com/ethpandaops/loanprobe/pkg/archive"
	"github.com/ethpandaops/loanprobe/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	Long: `Start the loanprobe HTTP service. POST /run-test executes a run,
GET /results and GET /results/{id} read stored runs.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	rec := metrics.Noop()

	var gatherer prometheus.Gatherer

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		rec = metrics.New(reg)
		gatherer = reg
	}

	st, err := newStore(cfg)
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(cfg, rec)
	if err != nil {
		return err
	}

	archiver := archive.New(log, &cfg.Archive)
	if err := archiver.Preflight(ctx); err != nil {
		return fmt.Errorf("archive preflight: %w", err)
	}

	srv := api.NewServer(log, &cfg.Server, api.Dependencies{
		Store:        st,
		Orchestrator: orch,
		Archiver:     archiver,
		Metrics:      rec,
		Gatherer:     gatherer,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
