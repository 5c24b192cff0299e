package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethpandaops/loanprobe/pkg/testrun"
	"github.com/go-chi/chi/v5"
)

// archiveTimeout bounds the best-effort archive upload after a run.
const archiveTimeout = 30 * time.Second

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns a plain-text liveness indicator.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Server is running"))
}

// handleRunTest executes one full run and returns the recorded TestRun.
// The run is bound to the server's lifetime, not the request, so it is
// completed and persisted even if the client goes away.
func (s *server) handleRunTest(w http.ResponseWriter, _ *http.Request) {
	s.runs.Add(1)
	s.inFlight.Add(1)

	defer func() {
		s.inFlight.Add(-1)
		s.runs.Done()
	}()

	run, err := s.orchestrator.Execute(s.runCtx)
	if err != nil {
		s.log.WithError(err).Error("Test execution failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{fmt.Sprintf("Test execution failed: %v", err)})

		return
	}

	// Persist even when Stop has cancelled the run context.
	persistCtx := context.WithoutCancel(s.runCtx)

	if err := s.store.Save(persistCtx, run); err != nil {
		s.metrics.StoreError("save")
		s.log.WithError(err).WithField("run_id", run.ID).
			Error("Failed to persist test run")
	} else {
		s.archiveRun(persistCtx, run)
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) archiveRun(ctx context.Context, run *testrun.TestRun) {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	if err := s.archiver.Archive(ctx, run); err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).
			Warn("Failed to archive test run")
	}
}

// handleListResults returns every stored run, newest first.
func (s *server) handleListResults(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListAll(r.Context())
	if err != nil {
		s.metrics.StoreError("list")
		s.log.WithError(err).Error("Failed to get test results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{fmt.Sprintf("Failed to get test results: %v", err)})

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleGetResult returns a single run by id.
func (s *server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, found, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		s.metrics.StoreError("get")
		s.log.WithError(err).WithField("run_id", id).
			Error("Failed to get test result")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{fmt.Sprintf("Failed to get test result: %v", err)})

		return
	}

	if !found {
		writeJSON(w, http.StatusNotFound,
			errorResponse{fmt.Sprintf("Test result with ID %s not found", id)})

		return
	}

	writeJSON(w, http.StatusOK, run)
}
