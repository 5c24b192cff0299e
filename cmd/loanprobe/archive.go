package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethpandaops/loanprobe/pkg/archive"
	"github.com/ethpandaops/loanprobe/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var archiveConcurrency int

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Upload every stored run to the S3 archive",
	Long: `Backfill the S3 archive with every run in the result store. Runs are
written to {prefix}/runs/{id}.json; existing objects are overwritten.`,
	Args: cobra.NoArgs,
	RunE: runArchive,
}

func init() {
	archiveCmd.Flags().IntVar(&archiveConcurrency, "concurrency", 4,
		"number of runs uploaded in parallel")
	rootCmd.AddCommand(archiveCmd)
}

func runArchive(cmd *cobra.Command, args []string) error {
	if archiveConcurrency <= 0 {
		return fmt.Errorf("--concurrency must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Archive.S3.Enabled {
		return fmt.Errorf("archive.s3 is not enabled")
	}

	archiver := archive.NewS3Archiver(log, &cfg.Archive.S3)

	return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
		if err := archiver.Preflight(ctx); err != nil {
			return fmt.Errorf("archive preflight: %w", err)
		}

		runs, err := st.ListAll(ctx)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}

		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(archiveConcurrency)

		var archived atomic.Int64

		for _, run := range runs {
			g.Go(func() error {
				if err := archiver.Archive(gCtx, run); err != nil {
					return fmt.Errorf("archiving run %s: %w", run.ID, err)
				}

				archived.Add(1)

				return nil
			})
		}

		err = g.Wait()

		log.WithFields(logrus.Fields{
			"archived": archived.Load(),
			"total":    len(runs),
			"bucket":   cfg.Archive.S3.Bucket,
		}).Info("Archive backfill finished")

		return err
	})
}
