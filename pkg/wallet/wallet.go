// Package wallet provides the wallet material a run operates with.
package wallet

import (
	"context"
	"strings"

	"github.com/ethpandaops/loanprobe/pkg/testrun"
)

// Generator produces wallet material for a new run.
type Generator interface {
	Generate(ctx context.Context) (testrun.Wallet, error)
}

// Testnet stub identities.
const (
	StaticBTCAddress    = "tb1qxasf0jlsssl3xz8xvl8pmg8d8zpljqmervhtrr"
	StaticLavaUSDPubkey = "CU9KRXJobqo1HVbaJwoWpnboLFXw3bef54xJ1dewXzcf"
)

var staticWords = []string{
	"abandon", "ability", "able", "about", "above", "absent",
	"absorb", "abstract", "absurd", "abuse", "access", "accident",
}

// Compile-time interface check.
var _ Generator = (*staticGenerator)(nil)

type staticGenerator struct {
	wallet testrun.Wallet
}

// NewStaticGenerator returns a Generator that hands out the same fixed
// testnet wallet for every run.
func NewStaticGenerator() Generator {
	return &staticGenerator{
		wallet: testrun.Wallet{
			Mnemonic:      strings.Join(staticWords, " "),
			BTCAddress:    StaticBTCAddress,
			LavaUSDPubkey: StaticLavaUSDPubkey,
		},
	}
}

func (g *staticGenerator) Generate(_ context.Context) (testrun.Wallet, error) {
	return g.wallet, nil
}
