// Package archive copies persisted test runs to remote object storage.
package archive

import (
	"context"

	"github.com/ethpandaops/loanprobe/pkg/testrun"
)

// Archiver copies a persisted run to remote storage. Archiving is a side
// channel: the result store stays the source of truth.
type Archiver interface {
	// Preflight verifies that the remote storage is reachable and writable.
	Preflight(ctx context.Context) error

	// Archive uploads the JSON representation of run.
	Archive(ctx context.Context, run *testrun.TestRun) error
}

// Compile-time interface check.
var _ Archiver = noop{}

type noop struct{}

// Noop returns an Archiver that does nothing.
func Noop() Archiver { return noop{} }

func (noop) Preflight(context.Context) error                 { return nil }
func (noop) Archive(context.Context, *testrun.TestRun) error { return nil }
