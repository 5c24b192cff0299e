// Package tooling makes the borrower CLI available on the host.
package tooling

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	units "github.com/docker/go-units"
	"github.com/ethpandaops/loanprobe/pkg/config"
	"github.com/ethpandaops/loanprobe/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// Provisioner ensures the external tooling a run depends on is installed.
type Provisioner interface {
	Provision(ctx context.Context) error
}

// NewProvisioner builds the Provisioner described by cfg. A disabled
// configuration yields a provisioner that does nothing.
func NewProvisioner(
	log logrus.FieldLogger,
	cfg *config.ToolingConfig,
	owner *fsutil.OwnerConfig,
) (Provisioner, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	limit, err := cfg.MaxSizeBytes()
	if err != nil {
		return nil, fmt.Errorf("parsing max size: %w", err)
	}

	return &downloader{
		log:    log.WithField("component", "tooling"),
		cfg:    cfg,
		owner:  owner,
		limit:  limit,
		goos:   runtime.GOOS,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Compile-time interface checks.
var (
	_ Provisioner = (*downloader)(nil)
	_ Provisioner = noop{}
)

type noop struct{}

// Noop returns a Provisioner that always succeeds.
func Noop() Provisioner { return noop{} }

func (noop) Provision(context.Context) error { return nil }

type downloader struct {
	log    logrus.FieldLogger
	cfg    *config.ToolingConfig
	owner  *fsutil.OwnerConfig
	limit  int64
	goos   string
	client *http.Client
}

// Provision downloads the CLI build for the current OS and installs it as
// an executable at the configured destination.
func (d *downloader) Provision(ctx context.Context) error {
	url, ok := d.cfg.URLs[d.goos]
	if !ok || url == "" {
		return fmt.Errorf("no download url configured for %s", d.goos)
	}

	d.log.WithField("url", url).Info("Setting up the borrower CLI")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading CLI: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("failed to download CLI: %s", resp.Status)
	}

	n, err := fsutil.WriteExecutable(d.cfg.Destination, resp.Body, d.limit, d.owner)
	if err != nil {
		return fmt.Errorf("installing CLI: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"path": d.cfg.Destination,
		"size": units.HumanSize(float64(n)),
	}).Info("CLI setup completed")

	return nil
}
