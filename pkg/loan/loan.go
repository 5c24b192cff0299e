// Package loan drives the loan lifecycle of a run through the borrower
// tooling.
package loan

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/loanprobe/pkg/confirm"
	"github.com/ethpandaops/loanprobe/pkg/config"
	"github.com/ethpandaops/loanprobe/pkg/testrun"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Provider originates, repays and inspects loans, and returns leftover
// funds.
type Provider interface {
	CreateLoan(ctx context.Context, mnemonic string) (string, error)
	RepayLoan(ctx context.Context, mnemonic, contractID string) error
	ContractDetails(ctx context.Context, mnemonic, contractID string) (json.RawMessage, error)
	ReturnFunds(ctx context.Context, mnemonic, address string) (bool, error)
}

// NewProvider builds the Provider selected by cfg.Mode.
func NewProvider(log logrus.FieldLogger, cfg *config.LoanConfig) (Provider, error) {
	switch cfg.Mode {
	case config.LoanModeSimulated, "":
		return NewSimulated(log, cfg.OperationDelay), nil
	default:
		return nil, fmt.Errorf("unsupported loan mode %q", cfg.Mode)
	}
}

// Simulated stands in for the borrower CLI: every operation succeeds after
// a short delay and contracts always report closed with a repayment.
type Simulated struct {
	log   logrus.FieldLogger
	delay time.Duration
	now   func() time.Time
}

// Compile-time interface check.
var _ Provider = (*Simulated)(nil)

// NewSimulated creates a simulated loan Provider.
func NewSimulated(log logrus.FieldLogger, delay time.Duration) *Simulated {
	return &Simulated{
		log:   log.WithField("component", "loan"),
		delay: delay,
		now:   time.Now,
	}
}

// CreateLoan returns a fresh contract id.
func (s *Simulated) CreateLoan(ctx context.Context, _ string) (string, error) {
	s.log.Info("Creating new loan")

	contractID := uuid.New().String()

	if err := confirm.Sleep(ctx, s.delay); err != nil {
		return "", err
	}

	s.log.WithField("contract_id", contractID).Info("Loan created")

	return contractID, nil
}

// RepayLoan repays the given contract.
func (s *Simulated) RepayLoan(ctx context.Context, _, contractID string) error {
	s.log.WithField("contract_id", contractID).Info("Repaying loan")

	if err := confirm.Sleep(ctx, s.delay); err != nil {
		return err
	}

	s.log.WithField("contract_id", contractID).Info("Loan repaid")

	return nil
}

// ContractDetails returns a closed contract with a random repayment txid.
func (s *Simulated) ContractDetails(
	_ context.Context, _, contractID string,
) (json.RawMessage, error) {
	s.log.WithField("contract_id", contractID).Info("Getting contract details")

	txid := make([]byte, 32)
	if _, err := rand.Read(txid); err != nil {
		return nil, fmt.Errorf("generating repayment txid: %w", err)
	}

	details := map[string]any{
		"Closed": map[string]any{
			"timestamp": s.now().UTC().Format(time.RFC3339),
		},
		"outcome": map[string]any{
			"repayment": map[string]any{
				"collateral_repayment_txid": hex.EncodeToString(txid),
			},
		},
		"contract_id": contractID,
		"status":      "closed",
		"loan_terms": map[string]any{
			"loan_amount":        2,
			"loan_duration_days": 4,
			"ltv_ratio_bp":       5000,
		},
	}

	out, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encoding contract details: %w", err)
	}

	return out, nil
}

// ReturnFunds sends the remaining balance to address.
func (s *Simulated) ReturnFunds(ctx context.Context, _, address string) (bool, error) {
	s.log.WithField("address", address).Info("Returning funds")

	if err := confirm.Sleep(ctx, s.delay); err != nil {
		return false, err
	}

	return true, nil
}

// Confirmed reports every stage as settled, so with confirmation.mode poll
// the first check succeeds and no further polling happens.
func (s *Simulated) Confirmed(
	_ context.Context, _ confirm.Stage, _ *testrun.TestRun,
) (bool, error) {
	return true, nil
}
