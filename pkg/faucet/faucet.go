// Package faucet requests testnet funds for a run's wallet.
package faucet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethpandaops/loanprobe/pkg/config"
	"github.com/ethpandaops/loanprobe/pkg/testrun"
	"github.com/sirupsen/logrus"
)

// maxResponseBytes caps how much of a faucet response body is read.
const maxResponseBytes = 1 << 20

// Provider funds wallets from the testnet faucets. A returned error means
// the request could not be completed at all; a faucet that answered with an
// error is reported through FaucetOutcome.Error.
type Provider interface {
	RequestBTC(ctx context.Context, address string) (testrun.FaucetOutcome, error)
	RequestLavaUSD(ctx context.Context, pubkey string) (testrun.FaucetOutcome, error)
}

// Compile-time interface check.
var _ Provider = (*httpProvider)(nil)

type httpProvider struct {
	log    logrus.FieldLogger
	cfg    *config.FaucetConfig
	client *http.Client
}

// NewHTTPProvider creates a Provider talking to the faucet HTTP API.
func NewHTTPProvider(log logrus.FieldLogger, cfg *config.FaucetConfig) Provider {
	return &httpProvider{
		log:    log.WithField("component", "faucet"),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// RequestBTC mints sats to the given address.
func (p *httpProvider) RequestBTC(
	ctx context.Context, address string,
) (testrun.FaucetOutcome, error) {
	p.log.WithField("address", address).Info("Requesting BTC from faucet")

	return p.post(ctx, p.cfg.BTCPath, map[string]any{
		"address": address,
		"sats":    p.cfg.BTCSats,
	})
}

// RequestLavaUSD transfers LavaUSD to the given pubkey.
func (p *httpProvider) RequestLavaUSD(
	ctx context.Context, pubkey string,
) (testrun.FaucetOutcome, error) {
	p.log.WithField("pubkey", pubkey).Info("Requesting LavaUSD from faucet")

	return p.post(ctx, p.cfg.LavaUSDPath, map[string]any{
		"pubkey": pubkey,
	})
}

func (p *httpProvider) post(
	ctx context.Context, path string, payload any,
) (testrun.FaucetOutcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return testrun.FaucetOutcome{}, fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return testrun.FaucetOutcome{}, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return testrun.FaucetOutcome{}, fmt.Errorf("sending request to %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return testrun.FaucetOutcome{}, fmt.Errorf("reading response: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"body":   string(text),
	}).Info("Faucet responded")

	return parseOutcome(resp.StatusCode, text)
}

// parseOutcome interprets a faucet response. A body mentioning "txid" is
// decoded as JSON and only a string txid on a top-level object is kept;
// anything else is kept as the message, and also as the error when the
// status is not 2xx.
func parseOutcome(status int, body []byte) (testrun.FaucetOutcome, error) {
	text := string(body)

	if strings.Contains(text, "txid") {
		var decoded any

		if err := json.Unmarshal(body, &decoded); err != nil {
			return testrun.FaucetOutcome{}, fmt.Errorf("decoding faucet response: %w", err)
		}

		var out testrun.FaucetOutcome

		if obj, ok := decoded.(map[string]any); ok {
			if txid, ok := obj["txid"].(string); ok {
				out.TxID = &txid
			}
		}

		return out, nil
	}

	out := testrun.FaucetOutcome{Message: testrun.StringPtr(text)}

	if status < 200 || status > 299 {
		out.Error = testrun.StringPtr(text)
	}

	return out, nil
}
