package main

import (
	"fmt"

	"github.com/ethpandaops/loanprobe/pkg/config"
	"github.com/ethpandaops/loanprobe/pkg/confirm"
	"github.com/ethpandaops/loanprobe/pkg/faucet"
	"github.com/ethpandaops/loanprobe/pkg/fsutil"
	"github.com/ethpandaops/loanprobe/pkg/loan"
	"github.com/ethpandaops/loanprobe/pkg/metrics"
	"github.com/ethpandaops/loanprobe/pkg/orchestrator"
	"github.com/ethpandaops/loanprobe/pkg/store"
	"github.com/ethpandaops/loanprobe/pkg/tooling"
	"github.com/ethpandaops/loanprobe/pkg/wallet"
)

// loadConfig loads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// newStore builds the result store. The caller starts and stops it.
func newStore(cfg *config.Config) (store.Store, error) {
	owner, err := fsutil.ParseOwner(cfg.Global.FilesOwner)
	if err != nil {
		return nil, fmt.Errorf("parsing global.files_owner: %w", err)
	}

	return store.NewStore(log, &cfg.Database, store.WithOwner(owner)), nil
}

// newOrchestrator wires the run pipeline's collaborators from cfg.
func newOrchestrator(
	cfg *config.Config,
	rec metrics.Recorder,
) (orchestrator.Orchestrator, error) {
	owner, err := fsutil.ParseOwner(cfg.Global.FilesOwner)
	if err != nil {
		return nil, fmt.Errorf("parsing global.files_owner: %w", err)
	}

	loans, err := loan.NewProvider(log, &cfg.Loan)
	if err != nil {
		return nil, fmt.Errorf("creating loan provider: %w", err)
	}

	provisioner, err := tooling.NewProvisioner(log, &cfg.Tooling, owner)
	if err != nil {
		return nil, fmt.Errorf("creating tooling provisioner: %w", err)
	}

	waiter, err := confirm.NewWaiter(log, &cfg.Confirmation)
	if err != nil {
		return nil, fmt.Errorf("creating confirmation waiter: %w", err)
	}

	deps := orchestrator.Dependencies{
		Wallet:        wallet.NewStaticGenerator(),
		Faucet:        faucet.NewHTTPProvider(log, &cfg.Faucet),
		Loan:          loans,
		Tooling:       provisioner,
		Waiter:        waiter,
		Metrics:       rec,
		ReturnAddress: cfg.Wallet.ReturnAddress,
	}

	if c, ok := loans.(orchestrator.Confirmer); ok {
		deps.Confirmer = c
	}

	return orchestrator.New(log, deps), nil
}
