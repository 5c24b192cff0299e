package testrun

import (
	"encoding/json"
	"fmt"
)

// ContractState is what a contract-detail payload says about closure.
type ContractState struct {
	Closed        bool
	RepaymentTxID string
}

type contractDetails struct {
	Closed  json.RawMessage `json:"Closed"`
	Outcome *struct {
		Repayment *struct {
			CollateralRepaymentTxID any `json:"collateral_repayment_txid"`
		} `json:"repayment"`
	} `json:"outcome"`
}

// InspectContract reads closure state from a contract-detail payload.
// Closure is signalled by a top-level "Closed" key; the repayment reference
// is outcome.repayment.collateral_repayment_txid and is only read when the
// contract is closed. Missing fields are not an error.
func InspectContract(details json.RawMessage) (ContractState, error) {
	var state ContractState

	if len(details) == 0 {
		return state, nil
	}

	var d contractDetails
	if err := json.Unmarshal(details, &d); err != nil {
		return state, fmt.Errorf("decoding contract details: %w", err)
	}

	if len(d.Closed) == 0 {
		return state, nil
	}

	state.Closed = true

	if d.Outcome != nil && d.Outcome.Repayment != nil {
		if txid, ok := d.Outcome.Repayment.CollateralRepaymentTxID.(string); ok {
			state.RepaymentTxID = txid
		}
	}

	return state, nil
}
