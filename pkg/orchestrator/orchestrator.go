// Package orchestrator runs the end-to-end loan lifecycle as an ordered
// pipeline of dependent steps and records the outcome as a TestRun.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/loanprobe/pkg/confirm"
	"github.com/ethpandaops/loanprobe/pkg/faucet"
	"github.com/ethpandaops/loanprobe/pkg/loan"
	"github.com/ethpandaops/loanprobe/pkg/metrics"
	"github.com/ethpandaops/loanprobe/pkg/testrun"
	"github.com/ethpandaops/loanprobe/pkg/tooling"
	"github.com/ethpandaops/loanprobe/pkg/wallet"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Orchestrator executes test runs.
type Orchestrator interface {
	// Execute performs one full run. Step failures are recorded in the
	// returned TestRun; an error is only returned when the run could not be
	// started at all.
	Execute(ctx context.Context) (*testrun.TestRun, error)
}

// Confirmer reports whether a settlement stage has completed. Collaborators
// that can observe settlement implement it so poll-mode waiters have
// something to poll.
type Confirmer interface {
	Confirmed(ctx context.Context, stage confirm.Stage, run *testrun.TestRun) (bool, error)
}

// Dependencies are the collaborators a run calls into.
type Dependencies struct {
	Wallet    wallet.Generator
	Faucet    faucet.Provider
	Loan      loan.Provider
	Tooling   tooling.Provisioner
	Waiter    confirm.Waiter
	Confirmer Confirmer
	Metrics   metrics.Recorder

	// ReturnAddress receives leftover funds at the end of every run.
	ReturnAddress string

	// NewID allocates run identifiers. Defaults to random UUIDs.
	NewID func() (string, error)
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log  logrus.FieldLogger
	deps Dependencies
}

// New creates an Orchestrator.
func New(log logrus.FieldLogger, deps Dependencies) Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}

	if deps.NewID == nil {
		deps.NewID = func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}

			return id.String(), nil
		}
	}

	return &orchestrator{
		log:  log.WithField("component", "orchestrator"),
		deps: deps,
	}
}

func (o *orchestrator) Execute(ctx context.Context) (*testrun.TestRun, error) {
	w, err := o.deps.Wallet.Generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("generating wallet: %w", err)
	}

	id, err := o.deps.NewID()
	if err != nil {
		return nil, fmt.Errorf("allocating run id: %w", err)
	}

	run := testrun.New(id, w)
	log := o.log.WithField("run_id", id)

	log.WithFields(logrus.Fields{
		"btc_address":     w.BTCAddress,
		"lava_usd_pubkey": w.LavaUSDPubkey,
	}).Info("Starting test run")

	o.deps.Metrics.RunStarted()
	start := time.Now()

	outcomes := make([]Outcome, 0, len(o.pipeline()))

	for _, st := range o.pipeline() {
		if st.when != nil && !st.when(run) {
			log.WithField("step", st.name).Debug("Step skipped")

			continue
		}

		out := o.runStep(ctx, st, run.Clone())
		outcomes = append(outcomes, out)
		run = fold(run, st, out)

		if out.Err == nil {
			log.WithFields(logrus.Fields{
				"step":     st.name,
				"duration": out.Duration.String(),
			}).Debug("Step completed")

			continue
		}

		o.deps.Metrics.StepFailed(string(st.name))

		if st.bestEffort {
			log.WithError(out.Err).WithField("step", st.name).
				Warn("Best-effort step failed")

			continue
		}

		log.WithError(out.Err).WithField("step", st.name).Warn("Step failed")

		break
	}

	run.Finalize()

	o.deps.Metrics.RunFinished(string(run.Status), time.Since(start))

	log.WithFields(logrus.Fields{
		"status":          run.Status,
		"steps_attempted": len(outcomes),
		"duration":        time.Since(start).String(),
	}).Info("Test run completed")

	return run, nil
}

// runStep executes a step, turning a panic in a collaborator into a step
// failure so a run always produces a record. A failed outcome's message is
// the step's failure prefix followed by the error.
func (o *orchestrator) runStep(
	ctx context.Context, st step, snapshot *testrun.TestRun,
) (out Outcome) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: fmt.Errorf("panic in step %s: %v", st.name, r)}
		}

		if out.Err != nil && out.Message == "" {
			out.Message = st.failPrefix + out.Err.Error()
		}

		out.Step = st.name
		out.Duration = time.Since(start)
	}()

	return st.exec(ctx, snapshot)
}

// fold applies an outcome to the current run and returns the next run.
func fold(run *testrun.TestRun, st step, out Outcome) *testrun.TestRun {
	next := run.Clone()

	if out.apply != nil {
		out.apply(next)
	}

	if out.Err != nil && !st.bestEffort {
		next.Fail(out.Message)
	}

	return next
}
