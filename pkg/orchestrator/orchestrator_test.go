package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/loanprobe/pkg/confirm"
	"github.com/ethpandaops/loanprobe/pkg/testrun"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWallet struct {
	err error
}

func (f *fakeWallet) Generate(context.Context) (testrun.Wallet, error) {
	if f.err != nil {
		return testrun.Wallet{}, f.err
	}

	return testrun.Wallet{
		Mnemonic:      "one two three",
		BTCAddress:    "tb1qtest",
		LavaUSDPubkey: "pubkey",
	}, nil
}

type fakeFaucet struct {
	btc     testrun.FaucetOutcome
	btcErr  error
	lava    testrun.FaucetOutcome
	lavaErr error
}

func (f *fakeFaucet) RequestBTC(context.Context, string) (testrun.FaucetOutcome, error) {
	return f.btc, f.btcErr
}

func (f *fakeFaucet) RequestLavaUSD(context.Context, string) (testrun.FaucetOutcome, error) {
	return f.lava, f.lavaErr
}

type fakeLoan struct {
	mu    sync.Mutex
	calls []string

	contractID  string
	createErr   error
	repayErr    error
	details     json.RawMessage
	detailsErr  error
	returned    bool
	returnErr   error
	returnPanic bool
}

func (f *fakeLoan) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)
}

func (f *fakeLoan) CreateLoan(context.Context, string) (string, error) {
	f.record("create")

	return f.contractID, f.createErr
}

func (f *fakeLoan) RepayLoan(context.Context, string, string) error {
	f.record("repay")

	return f.repayErr
}

func (f *fakeLoan) ContractDetails(context.Context, string, string) (json.RawMessage, error) {
	f.record("details")

	return f.details, f.detailsErr
}

func (f *fakeLoan) ReturnFunds(context.Context, string, string) (bool, error) {
	f.record("return")

	if f.returnPanic {
		panic("wallet exploded")
	}

	return f.returned, f.returnErr
}

type fakeTooling struct {
	err error
}

func (f *fakeTooling) Provision(context.Context) error { return f.err }

type fakeWaiter struct {
	mu     sync.Mutex
	stages []confirm.Stage
	failOn confirm.Stage
}

func (f *fakeWaiter) Wait(ctx context.Context, stage confirm.Stage, check confirm.Check) error {
	f.mu.Lock()
	f.stages = append(f.stages, stage)
	f.mu.Unlock()

	if stage == f.failOn {
		return confirm.ErrTimeout
	}

	_, err := check(ctx)

	return err
}

type fakeRecorder struct {
	mu          sync.Mutex
	started     int
	finished    []string
	stepFailure []string
}

func (f *fakeRecorder) RunStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.started++
}

func (f *fakeRecorder) RunFinished(status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finished = append(f.finished, status)
}

func (f *fakeRecorder) StepFailed(step string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stepFailure = append(f.stepFailure, step)
}

func (f *fakeRecorder) StoreError(string) {}

const closedDetails = `{"Closed":{"timestamp":1},"outcome":{"repayment":{"collateral_repayment_txid":"abcd1234"}}}`

type harness struct {
	faucet   *fakeFaucet
	loan     *fakeLoan
	tooling  *fakeTooling
	waiter   *fakeWaiter
	recorder *fakeRecorder
	wallet   *fakeWallet
}

func newHarness() *harness {
	return &harness{
		faucet: &fakeFaucet{
			btc:  testrun.FaucetOutcome{TxID: testrun.StringPtr("btc-tx")},
			lava: testrun.FaucetOutcome{TxID: testrun.StringPtr("lava-tx")},
		},
		loan: &fakeLoan{
			contractID: "contract-1",
			details:    json.RawMessage(closedDetails),
			returned:   true,
		},
		tooling:  &fakeTooling{},
		waiter:   &fakeWaiter{},
		recorder: &fakeRecorder{},
		wallet:   &fakeWallet{},
	}
}

func (h *harness) orchestrator() Orchestrator {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return New(log, Dependencies{
		Wallet:        h.wallet,
		Faucet:        h.faucet,
		Loan:          h.loan,
		Tooling:       h.tooling,
		Waiter:        h.waiter,
		Metrics:       h.recorder,
		ReturnAddress: "tb1qreturn",
		NewID:         func() (string, error) { return "run-1", nil },
	})
}

func TestExecute_Success(t *testing.T) {
	h := newHarness()

	run, err := h.orchestrator().Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, testrun.StatusSuccess, run.Status)
	assert.Nil(t, run.ErrorMessage)
	require.NotNil(t, run.LoanContractID)
	assert.Equal(t, "contract-1", *run.LoanContractID)
	assert.True(t, run.LoanClosed)
	require.NotNil(t, run.RepaymentTxID)
	assert.Equal(t, "abcd1234", *run.RepaymentTxID)
	assert.True(t, run.ReturnedFunds)
	assert.JSONEq(t, closedDetails, string(run.Details))
	assert.Equal(t, "btc-tx", *run.BTCFaucetResponse.TxID)
	assert.Equal(t, "lava-tx", *run.LavaUSDFaucetResponse.TxID)

	assert.Equal(t, []string{"create", "repay", "details", "return"}, h.loan.calls)
	assert.Equal(t, []confirm.Stage{
		confirm.StageFunding,
		confirm.StageSettlement,
		confirm.StageLoan,
		confirm.StageRepayment,
	}, h.waiter.stages)

	assert.Equal(t, 1, h.recorder.started)
	assert.Equal(t, []string{"success"}, h.recorder.finished)
	assert.Empty(t, h.recorder.stepFailure)
}

func TestExecute_BTCFaucetErrorPayload(t *testing.T) {
	h := newHarness()
	h.faucet.btc = testrun.FaucetOutcome{
		Message: testrun.StringPtr("rate limited"),
		Error:   testrun.StringPtr("rate limited"),
	}

	run, err := h.orchestrator().Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusFailed, run.Status)
	require.NotNil(t, run.BTCFaucetResponse.Error)
	assert.Equal(t, "rate limited", *run.BTCFaucetResponse.Error)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "Failed to request BTC: rate limited", *run.ErrorMessage)

	// Nothing after the failed step ran.
	assert.Nil(t, run.LoanContractID)
	assert.False(t, run.LoanClosed)
	assert.Nil(t, run.RepaymentTxID)
	assert.Nil(t, run.Details)
	assert.False(t, run.ReturnedFunds)
	assert.Equal(t, testrun.FaucetOutcome{}, run.LavaUSDFaucetResponse)
	assert.Empty(t, h.loan.calls)
	assert.Empty(t, h.waiter.stages)
	assert.Equal(t, []string{string(StepFundBTC)}, h.recorder.stepFailure)
}

func TestExecute_BTCFaucetTransportError(t *testing.T) {
	h := newHarness()
	h.faucet.btcErr = errors.New("connection refused")

	run, err := h.orchestrator().Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusFailed, run.Status)
	require.NotNil(t, run.BTCFaucetResponse.Error)
	assert.Equal(t, "connection refused", *run.BTCFaucetResponse.Error)
	assert.Equal(t, "Failed to request BTC: connection refused", *run.ErrorMessage)
	assert.Nil(t, run.LoanContractID)
}

func TestExecute_LoanNotClosed(t *testing.T) {
	tests := []struct {
		name     string
		returned bool
	}{
		{name: "funds returned", returned: true},
		{name: "funds not returned", returned: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.loan.details = json.RawMessage(`{"Open":{},"outcome":null}`)
			h.loan.returned = tt.returned

			run, err := h.orchestrator().Execute(context.Background())
			require.NoError(t, err)

			assert.Equal(t, testrun.StatusFailed, run.Status)
			require.NotNil(t, run.ErrorMessage)
			assert.Equal(t, testrun.NotClosedMessage, *run.ErrorMessage)
			assert.False(t, run.LoanClosed)
			assert.Nil(t, run.RepaymentTxID)
			assert.Equal(t, tt.returned, run.ReturnedFunds)
			assert.Equal(t, []string{"failed"}, h.recorder.finished)
		})
	}
}

func TestExecute_ClosedWithoutRepaymentTxID(t *testing.T) {
	h := newHarness()
	h.loan.details = json.RawMessage(`{"Closed":null}`)

	run, err := h.orchestrator().Execute(context.Background())
	require.NoError(t, err)

	assert.True(t, run.LoanClosed)
	assert.Nil(t, run.RepaymentTxID)
	assert.Equal(t, testrun.StatusFailed, run.Status)
	assert.Equal(t, testrun.NotClosedMessage, *run.ErrorMessage)
}

func TestExecute_UndecodableDetails(t *testing.T) {
	h := newHarness()
	h.loan.details = json.RawMessage(`"not an object"`)

	run, err := h.orchestrator().Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusFailed, run.Status)
	assert.Equal(t, testrun.NotClosedMessage, *run.ErrorMessage)
	assert.JSONEq(t, `"not an object"`, string(run.Details))
}

func TestExecute_StepFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *harness)
		wantMsg    string
		wantCalls  []string
		wantStep   Step
		wantLoanID bool
	}{
		{
			name: "lava usd faucet error",
			setup: func(h *harness) {
				h.faucet.lava = testrun.FaucetOutcome{Error: testrun.StringPtr("empty")}
			},
			wantMsg:  "Failed to request LavaUSD: empty",
			wantStep: StepFundLavaUSD,
		},
		{
			name: "tooling failure",
			setup: func(h *harness) {
				h.tooling.err = errors.New("failed to download CLI: 404 Not Found")
			},
			wantMsg:  "Failed to setup CLI: failed to download CLI: 404 Not Found",
			wantStep: StepPrepareTooling,
		},
		{
			name: "loan creation failure",
			setup: func(h *harness) {
				h.loan.createErr = errors.New("insufficient collateral")
			},
			wantMsg:   "Failed to create loan: insufficient collateral",
			wantCalls: []string{"create"},
			wantStep:  StepOriginateLoan,
		},
		{
			name: "repayment failure",
			setup: func(h *harness) {
				h.loan.repayErr = errors.New("tx rejected")
			},
			wantMsg:    "Failed to repay loan: tx rejected",
			wantCalls:  []string{"create", "repay"},
			wantStep:   StepRepayLoan,
			wantLoanID: true,
		},
		{
			name: "contract details failure",
			setup: func(h *harness) {
				h.loan.detailsErr = errors.New("not found")
			},
			wantMsg:    "Failed to get contract details: not found",
			wantCalls:  []string{"create", "repay", "details"},
			wantStep:   StepInspectContract,
			wantLoanID: true,
		},
		{
			name: "settlement wait timeout",
			setup: func(h *harness) {
				h.waiter.failOn = confirm.StageSettlement
			},
			wantMsg:  "Failed waiting for settlement: " + confirm.ErrTimeout.Error(),
			wantStep: StepAwaitSettlement,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			tt.setup(h)

			run, err := h.orchestrator().Execute(context.Background())
			require.NoError(t, err)

			assert.Equal(t, testrun.StatusFailed, run.Status)
			require.NotNil(t, run.ErrorMessage)
			assert.Equal(t, tt.wantMsg, *run.ErrorMessage)
			assert.Equal(t, tt.wantLoanID, run.LoanContractID != nil)
			assert.False(t, run.LoanClosed)
			assert.False(t, run.ReturnedFunds)

			if tt.wantCalls == nil {
				assert.Empty(t, h.loan.calls)
			} else {
				assert.Equal(t, tt.wantCalls, h.loan.calls)
			}

			assert.Equal(t, []string{string(tt.wantStep)}, h.recorder.stepFailure)
		})
	}
}

func TestExecute_UnknownFaucetOutcomeContinues(t *testing.T) {
	h := newHarness()
	h.faucet.btc = testrun.FaucetOutcome{}

	run, err := h.orchestrator().Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusSuccess, run.Status)
	assert.True(t, run.BTCFaucetResponse.Unknown())
}

func TestExecute_ReturnFundsIsBestEffort(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		h := newHarness()
		h.loan.returnErr = errors.New("dust amount")

		run, err := h.orchestrator().Execute(context.Background())
		require.NoError(t, err)

		assert.Equal(t, testrun.StatusSuccess, run.Status)
		assert.Nil(t, run.ErrorMessage)
		assert.False(t, run.ReturnedFunds)
		assert.Equal(t, []string{string(StepReturnFunds)}, h.recorder.stepFailure)
	})

	t.Run("panic", func(t *testing.T) {
		h := newHarness()
		h.loan.returnPanic = true

		run, err := h.orchestrator().Execute(context.Background())
		require.NoError(t, err)

		assert.Equal(t, testrun.StatusSuccess, run.Status)
		assert.False(t, run.ReturnedFunds)
	})
}

type panickingTooling struct{}

func (panickingTooling) Provision(context.Context) error { panic("boom") }

func TestExecute_PanicBecomesStepFailure(t *testing.T) {
	h := newHarness()

	log := logrus.New()
	log.SetOutput(io.Discard)

	orch := New(log, Dependencies{
		Wallet:  h.wallet,
		Faucet:  h.faucet,
		Loan:    h.loan,
		Tooling: panickingTooling{},
		Waiter:  h.waiter,
		NewID:   func() (string, error) { return "run-panic", nil },
	})

	run, err := orch.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "Failed to setup CLI: panic in step prepare_tooling")
	assert.Empty(t, h.loan.calls)
}

func TestExecute_InfrastructureErrors(t *testing.T) {
	t.Run("wallet", func(t *testing.T) {
		h := newHarness()
		h.wallet.err = errors.New("no entropy")

		run, err := h.orchestrator().Execute(context.Background())
		require.Error(t, err)
		assert.Nil(t, run)
		assert.Contains(t, err.Error(), "no entropy")
		assert.Zero(t, h.recorder.started)
	})

	t.Run("id", func(t *testing.T) {
		h := newHarness()

		log := logrus.New()
		log.SetOutput(io.Discard)

		orch := New(log, Dependencies{
			Wallet: h.wallet,
			NewID:  func() (string, error) { return "", errors.New("exhausted") },
		})

		run, err := orch.Execute(context.Background())
		require.Error(t, err)
		assert.Nil(t, run)
	})
}

type fakeConfirmer struct {
	mu     sync.Mutex
	stages []confirm.Stage
}

func (f *fakeConfirmer) Confirmed(
	_ context.Context, stage confirm.Stage, _ *testrun.TestRun,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stages = append(f.stages, stage)

	return true, nil
}

func TestExecute_ConfirmerConsultedByWaits(t *testing.T) {
	h := newHarness()
	confirmer := &fakeConfirmer{}

	log := logrus.New()
	log.SetOutput(io.Discard)

	orch := New(log, Dependencies{
		Wallet:    h.wallet,
		Faucet:    h.faucet,
		Loan:      h.loan,
		Tooling:   h.tooling,
		Waiter:    h.waiter,
		Confirmer: confirmer,
	})

	run, err := orch.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusSuccess, run.Status)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, h.waiter.stages, confirmer.stages)
}

func TestExecute_RunsAreIndependent(t *testing.T) {
	h := newHarness()
	orch := h.orchestrator()

	first, err := orch.Execute(context.Background())
	require.NoError(t, err)

	h.loan.details = json.RawMessage(`{}`)

	second, err := orch.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusSuccess, first.Status)
	assert.Equal(t, testrun.StatusFailed, second.Status)
	assert.Equal(t, "abcd1234", *first.RepaymentTxID)
}

func TestFoldDoesNotMutateInput(t *testing.T) {
	run := testrun.New("r", testrun.Wallet{})
	st := step{name: StepOriginateLoan}
	out := Outcome{
		Err:     errors.New("x"),
		Message: "Failed to create loan: x",
		apply: func(r *testrun.TestRun) {
			r.LoanContractID = testrun.StringPtr("c")
		},
	}

	next := fold(run, st, out)

	assert.Equal(t, testrun.StatusStarted, run.Status)
	assert.Nil(t, run.LoanContractID)
	assert.Equal(t, testrun.StatusFailed, next.Status)
	assert.Equal(t, "c", *next.LoanContractID)
}

func TestRunStepPrefixesFailureMessage(t *testing.T) {
	o, ok := newHarness().orchestrator().(*orchestrator)
	require.True(t, ok)

	boom := errors.New("boom")

	for _, st := range o.pipeline() {
		if st.bestEffort {
			continue
		}

		t.Run(string(st.name), func(t *testing.T) {
			require.NotEmpty(t, st.failPrefix)

			st.exec = func(context.Context, *testrun.TestRun) Outcome {
				return Outcome{Err: boom}
			}

			out := o.runStep(context.Background(), st, testrun.New("r", testrun.Wallet{}))

			assert.Equal(t, st.name, out.Step)
			assert.ErrorIs(t, out.Err, boom)
			assert.Equal(t, st.failPrefix+"boom", out.Message)
		})
	}
}
