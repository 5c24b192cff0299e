package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/ethpandaops/loanprobe/pkg/confirm"
	"github.com/ethpandaops/loanprobe/pkg/testrun"
)

// Step names a stage of the run pipeline.
type Step string

// Pipeline steps in execution order.
const (
	StepFundBTC         Step = "fund_btc"
	StepAwaitFunding    Step = "await_funding"
	StepFundLavaUSD     Step = "fund_lava_usd"
	StepPrepareTooling  Step = "prepare_tooling"
	StepAwaitSettlement Step = "await_settlement"
	StepOriginateLoan   Step = "originate_loan"
	StepAwaitLoan       Step = "await_loan"
	StepRepayLoan       Step = "repay_loan"
	StepAwaitRepayment  Step = "await_repayment"
	StepInspectContract Step = "inspect_contract"
	StepReturnFunds     Step = "return_funds"
)

// Outcome is the result of one step. It is produced from a snapshot of the
// run and folded into the next run; it never mutates the run it observed.
type Outcome struct {
	Step     Step
	Err      error
	Message  string
	Duration time.Duration

	apply func(*testrun.TestRun)
}

type step struct {
	name       Step
	failPrefix string
	bestEffort bool
	when       func(*testrun.TestRun) bool
	exec       func(ctx context.Context, run *testrun.TestRun) Outcome
}

func hasContract(run *testrun.TestRun) bool {
	return run.LoanContractID != nil
}

func (o *orchestrator) pipeline() []step {
	return []step{
		{
			name:       StepFundBTC,
			failPrefix: "Failed to request BTC: ",
			exec:       o.fundBTC,
		},
		o.await(StepAwaitFunding, confirm.StageFunding, nil),
		{
			name:       StepFundLavaUSD,
			failPrefix: "Failed to request LavaUSD: ",
			exec:       o.fundLavaUSD,
		},
		{
			name:       StepPrepareTooling,
			failPrefix: "Failed to setup CLI: ",
			exec:       o.prepareTooling,
		},
		o.await(StepAwaitSettlement, confirm.StageSettlement, nil),
		{
			name:       StepOriginateLoan,
			failPrefix: "Failed to create loan: ",
			exec:       o.originateLoan,
		},
		o.await(StepAwaitLoan, confirm.StageLoan, nil),
		{
			name:       StepRepayLoan,
			failPrefix: "Failed to repay loan: ",
			when:       hasContract,
			exec:       o.repayLoan,
		},
		o.await(StepAwaitRepayment, confirm.StageRepayment, hasContract),
		{
			name:       StepInspectContract,
			failPrefix: "Failed to get contract details: ",
			when:       hasContract,
			exec:       o.inspectContract,
		},
		{
			name:       StepReturnFunds,
			bestEffort: true,
			exec:       o.returnFunds,
		},
	}
}

func (o *orchestrator) fundBTC(ctx context.Context, run *testrun.TestRun) Outcome {
	res, err := o.deps.Faucet.RequestBTC(ctx, run.BTCAddress)
	if err == nil && res.Unknown() {
		o.log.WithField("run_id", run.ID).
			Warn("Unknown BTC faucet response")
	}

	return faucetOutcome(res, err, func(r *testrun.TestRun, v testrun.FaucetOutcome) {
		r.BTCFaucetResponse = v
	})
}

func (o *orchestrator) fundLavaUSD(ctx context.Context, run *testrun.TestRun) Outcome {
	res, err := o.deps.Faucet.RequestLavaUSD(ctx, run.LavaUSDPubkey)
	if err == nil && res.Unknown() {
		o.log.WithField("run_id", run.ID).
			Warn("Unknown LavaUSD faucet response")
	}

	return faucetOutcome(res, err, func(r *testrun.TestRun, v testrun.FaucetOutcome) {
		r.LavaUSDFaucetResponse = v
	})
}

// faucetOutcome treats both a transport error and an error payload as a
// failed funding request. A response with neither txid nor error is kept
// as-is and does not fail the run.
func faucetOutcome(
	res testrun.FaucetOutcome,
	err error,
	set func(*testrun.TestRun, testrun.FaucetOutcome),
) Outcome {
	if err != nil {
		return Outcome{Err: err, apply: func(r *testrun.TestRun) {
			set(r, testrun.FaucetOutcome{Error: testrun.StringPtr(err.Error())})
		}}
	}

	out := Outcome{apply: func(r *testrun.TestRun) { set(r, res) }}

	if res.Failed() {
		out.Err = errors.New(*res.Error)
	}

	return out
}

func (o *orchestrator) prepareTooling(ctx context.Context, _ *testrun.TestRun) Outcome {
	if err := o.deps.Tooling.Provision(ctx); err != nil {
		return Outcome{Err: err}
	}

	return Outcome{}
}

func (o *orchestrator) originateLoan(ctx context.Context, run *testrun.TestRun) Outcome {
	contractID, err := o.deps.Loan.CreateLoan(ctx, run.Mnemonic)
	if err != nil {
		return Outcome{Err: err}
	}

	return Outcome{apply: func(r *testrun.TestRun) {
		r.LoanContractID = testrun.StringPtr(contractID)
	}}
}

func (o *orchestrator) repayLoan(ctx context.Context, run *testrun.TestRun) Outcome {
	if err := o.deps.Loan.RepayLoan(ctx, run.Mnemonic, *run.LoanContractID); err != nil {
		return Outcome{Err: err}
	}

	return Outcome{}
}

func (o *orchestrator) inspectContract(ctx context.Context, run *testrun.TestRun) Outcome {
	details, err := o.deps.Loan.ContractDetails(ctx, run.Mnemonic, *run.LoanContractID)
	if err != nil {
		return Outcome{Err: err}
	}

	state, err := testrun.InspectContract(details)
	if err != nil {
		o.log.WithError(err).WithField("run_id", run.ID).
			Warn("Contract details could not be inspected")
	}

	return Outcome{apply: func(r *testrun.TestRun) {
		r.Details = details

		if state.Closed {
			r.LoanClosed = true
		}

		if state.RepaymentTxID != "" {
			r.RepaymentTxID = testrun.StringPtr(state.RepaymentTxID)
		}
	}}
}

// returnFunds is best-effort: its failure only shows in ReturnedFunds.
func (o *orchestrator) returnFunds(ctx context.Context, run *testrun.TestRun) Outcome {
	returned, err := o.deps.Loan.ReturnFunds(ctx, run.Mnemonic, o.deps.ReturnAddress)
	if err != nil {
		return Outcome{
			Err:   err,
			apply: func(r *testrun.TestRun) { r.ReturnedFunds = false },
		}
	}

	return Outcome{apply: func(r *testrun.TestRun) { r.ReturnedFunds = returned }}
}

// await builds a settlement step. The check consults the Confirmer when
// one is configured and otherwise reports the stage as settled.
func (o *orchestrator) await(
	name Step, stage confirm.Stage, when func(*testrun.TestRun) bool,
) step {
	return step{
		name:       name,
		failPrefix: "Failed waiting for " + string(stage) + ": ",
		when:       when,
		exec: func(ctx context.Context, run *testrun.TestRun) Outcome {
			check := func(ctx context.Context) (bool, error) {
				if o.deps.Confirmer == nil {
					return true, nil
				}

				return o.deps.Confirmer.Confirmed(ctx, stage, run)
			}

			if err := o.deps.Waiter.Wait(ctx, stage, check); err != nil {
				return Outcome{Err: err}
			}

			return Outcome{}
		},
	}
}
