package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/loanprobe/pkg/testrun"
)

// runRecord is one row of the test_results table. Structured values are
// stored as JSON text and booleans as 0/1 integers.
type runRecord struct {
	ID                    string    `gorm:"primaryKey;type:text"`
	CreatedAt             time.Time `gorm:"not null;index"`
	Status                string    `gorm:"not null"`
	Mnemonic              string    `gorm:"not null"`
	BTCAddress            string    `gorm:"column:btc_address;not null"`
	LavaUSDPubkey         string    `gorm:"column:lava_usd_pubkey;not null"`
	BTCFaucetResponse     string    `gorm:"column:btc_faucet_response;type:text;not null"`
	LavaUSDFaucetResponse string    `gorm:"column:lava_usd_faucet_response;type:text;not null"`
	LoanContractID        *string   `gorm:"column:loan_contract_id"`
	LoanClosed            int       `gorm:"not null"`
	RepaymentTxID         *string   `gorm:"column:repayment_txid"`
	Details               *string   `gorm:"type:text"`
	ErrorMessage          *string
	ReturnedFunds         int `gorm:"not null"`
}

// TableName keeps the table name stable regardless of the struct name.
func (runRecord) TableName() string { return "test_results" }

func toRecord(run *testrun.TestRun) (*runRecord, error) {
	btc, err := json.Marshal(run.BTCFaucetResponse)
	if err != nil {
		return nil, fmt.Errorf("encoding btc faucet response: %w", err)
	}

	lava, err := json.Marshal(run.LavaUSDFaucetResponse)
	if err != nil {
		return nil, fmt.Errorf("encoding lava usd faucet response: %w", err)
	}

	var details *string

	if len(run.Details) > 0 {
		if !json.Valid(run.Details) {
			return nil, fmt.Errorf("encoding details: invalid json")
		}

		s := string(run.Details)
		details = &s
	}

	return &runRecord{
		ID:                    run.ID,
		CreatedAt:             run.CreatedAt,
		Status:                string(run.Status),
		Mnemonic:              run.Mnemonic,
		BTCAddress:            run.BTCAddress,
		LavaUSDPubkey:         run.LavaUSDPubkey,
		BTCFaucetResponse:     string(btc),
		LavaUSDFaucetResponse: string(lava),
		LoanContractID:        run.LoanContractID,
		LoanClosed:            boolToInt(run.LoanClosed),
		RepaymentTxID:         run.RepaymentTxID,
		Details:               details,
		ErrorMessage:          run.ErrorMessage,
		ReturnedFunds:         boolToInt(run.ReturnedFunds),
	}, nil
}

// toTestRun converts a row back into a run.
func (r *runRecord) toTestRun() (*testrun.TestRun, error) {
	run := &testrun.TestRun{
		ID:             r.ID,
		CreatedAt:      r.CreatedAt.UTC(),
		Status:         testrun.Status(r.Status),
		Mnemonic:       r.Mnemonic,
		BTCAddress:     r.BTCAddress,
		LavaUSDPubkey:  r.LavaUSDPubkey,
		LoanContractID: r.LoanContractID,
		LoanClosed:     r.LoanClosed != 0,
		RepaymentTxID:  r.RepaymentTxID,
		ErrorMessage:   r.ErrorMessage,
		ReturnedFunds:  r.ReturnedFunds != 0,
	}

	if err := json.Unmarshal([]byte(r.BTCFaucetResponse), &run.BTCFaucetResponse); err != nil {
		return nil, fmt.Errorf("decoding btc faucet response: %w", err)
	}

	if err := json.Unmarshal([]byte(r.LavaUSDFaucetResponse), &run.LavaUSDFaucetResponse); err != nil {
		return nil, fmt.Errorf("decoding lava usd faucet response: %w", err)
	}

	if r.Details != nil {
		if !json.Valid([]byte(*r.Details)) {
			return nil, fmt.Errorf("decoding details: invalid json")
		}

		run.Details = json.RawMessage(*r.Details)
	}

	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
