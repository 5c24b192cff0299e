package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/loanprobe/pkg/archive"
	"github.com/ethpandaops/loanprobe/pkg/config"
	"github.com/ethpandaops/loanprobe/pkg/metrics"
	"github.com/ethpandaops/loanprobe/pkg/orchestrator"
	"github.com/ethpandaops/loanprobe/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 30 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Dependencies are the components the HTTP boundary serves.
type Dependencies struct {
	Store        store.Store
	Orchestrator orchestrator.Orchestrator
	Archiver     archive.Archiver
	Metrics      metrics.Recorder

	// Gatherer backs GET /metrics. The endpoint is not mounted when nil.
	Gatherer prometheus.Gatherer
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log          logrus.FieldLogger
	cfg          *config.ServerConfig
	store        store.Store
	orchestrator orchestrator.Orchestrator
	archiver     archive.Archiver
	metrics      metrics.Recorder
	gatherer     prometheus.Gatherer
	httpServer   *http.Server
	wg           sync.WaitGroup

	// runCtx outlives individual requests so a client disconnect does not
	// abort a run. It is cancelled on Stop.
	runCtx     context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup
	inFlight   atomic.Int64
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	deps Dependencies,
) Server {
	return newServer(log, cfg, deps)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	deps Dependencies,
) *server {
	if deps.Archiver == nil {
		deps.Archiver = archive.Noop()
	}

	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}

	runCtx, cancel := context.WithCancel(context.Background())

	return &server{
		log:          log.WithField("component", "api"),
		cfg:          cfg,
		store:        deps.Store,
		orchestrator: deps.Orchestrator,
		archiver:     deps.Archiver,
		metrics:      deps.Metrics,
		gatherer:     deps.Gatherer,
		runCtx:       runCtx,
		cancelRuns:   cancel,
	}
}

// Start initializes the store and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop stops accepting requests, gives in-flight runs until the shutdown
// timeout to finish, then cancels the rest and closes the store once they
// have been persisted.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	if n := s.pendingRuns(); n > 0 {
		s.log.WithField("runs", n).Info("Interrupting in-flight test runs")
	}

	s.cancelRuns()
	s.runs.Wait()
	s.wg.Wait()

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

func (s *server) pendingRuns() int64 {
	return s.inFlight.Load()
}
