// Package testrun defines the record produced by one end-to-end loan
// lifecycle run.
package testrun

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

// Run statuses. A run only moves forward: started -> failed | success.
const (
	StatusStarted Status = "started"
	StatusFailed  Status = "failed"
	StatusSuccess Status = "success"
)

// NotClosedMessage is recorded when every step completed but the contract
// inspection did not confirm closure with a repayment reference.
const NotClosedMessage = "Loan was not properly closed or repayment TXID missing"

// Wallet is the identity material a run operates with.
type Wallet struct {
	Mnemonic      string
	BTCAddress    string
	LavaUSDPubkey string
}

// FaucetOutcome is the result of a single funding request. A successful
// request carries TxID, a failed one carries Error. Both nil is the
// "unknown" state.
type FaucetOutcome struct {
	TxID    *string `json:"txid"`
	Message *string `json:"message"`
	Error   *string `json:"error"`
}

// Failed reports whether the outcome carries an error.
func (o FaucetOutcome) Failed() bool {
	return o.Error != nil
}

// Unknown reports whether neither a transaction id nor an error is present.
func (o FaucetOutcome) Unknown() bool {
	return o.TxID == nil && o.Error == nil
}

// TestRun is the aggregate recorded for every invocation.
type TestRun struct {
	ID                    string          `json:"id"`
	CreatedAt             time.Time       `json:"created_at"`
	Status                Status          `json:"status"`
	Mnemonic              string          `json:"mnemonic"`
	BTCAddress            string          `json:"btc_address"`
	LavaUSDPubkey         string          `json:"lava_usd_pubkey"`
	BTCFaucetResponse     FaucetOutcome   `json:"btc_faucet_response"`
	LavaUSDFaucetResponse FaucetOutcome   `json:"lava_usd_faucet_response"`
	LoanContractID        *string         `json:"loan_contract_id"`
	LoanClosed            bool            `json:"loan_closed"`
	RepaymentTxID         *string         `json:"repayment_txid"`
	Details               json.RawMessage `json:"details"`
	ErrorMessage          *string         `json:"error_message"`
	ReturnedFunds         bool            `json:"returned_funds"`
}

// New creates a run in the started state.
func New(id string, w Wallet) *TestRun {
	return &TestRun{
		ID:            id,
		Status:        StatusStarted,
		Mnemonic:      w.Mnemonic,
		BTCAddress:    w.BTCAddress,
		LavaUSDPubkey: w.LavaUSDPubkey,
	}
}

// Fail marks the run failed. The first recorded message wins.
func (r *TestRun) Fail(message string) {
	r.Status = StatusFailed

	if r.ErrorMessage == nil && message != "" {
		r.ErrorMessage = &message
	}
}

// HasRepaymentTxID reports whether a non-empty repayment reference is set.
func (r *TestRun) HasRepaymentTxID() bool {
	return r.RepaymentTxID != nil && *r.RepaymentTxID != ""
}

// Finalize derives the terminal status: success only when the loan is
// closed and a repayment reference was recorded.
func (r *TestRun) Finalize() {
	if r.Status == StatusFailed {
		return
	}

	if r.LoanClosed && r.HasRepaymentTxID() {
		r.Status = StatusSuccess

		return
	}

	r.Fail(NotClosedMessage)
}

// Clone returns a deep copy of the run.
func (r *TestRun) Clone() *TestRun {
	c := *r
	c.BTCFaucetResponse = r.BTCFaucetResponse.clone()
	c.LavaUSDFaucetResponse = r.LavaUSDFaucetResponse.clone()
	c.LoanContractID = cloneString(r.LoanContractID)
	c.RepaymentTxID = cloneString(r.RepaymentTxID)
	c.ErrorMessage = cloneString(r.ErrorMessage)

	if r.Details != nil {
		c.Details = append(json.RawMessage(nil), r.Details...)
	}

	return &c
}

func (o FaucetOutcome) clone() FaucetOutcome {
	return FaucetOutcome{
		TxID:    cloneString(o.TxID),
		Message: cloneString(o.Message),
		Error:   cloneString(o.Error),
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}

	v := *s

	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
