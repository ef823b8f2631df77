package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neurostuff/compose-runner/internal/gateway"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/runner"
	"github.com/neurostuff/compose-runner/internal/store"
)

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// startRunResponse is returned when a local run has been accepted.
type startRunResponse struct {
	RunID          string `json:"run_id"`
	ArtifactPrefix string `json:"artifact_prefix"`
	State          string `json:"state"`
	StatusURL      string `json:"status_url"`
}

// handleStartRun records the run in the ledger, then runs the driver
// in-process in the background. Progress is visible through GET /runs/{id}
// as soon as the response is written.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	req, err := gateway.DecodeJobRequest(body)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if err := gateway.ValidateRequest(req); err != nil {
		s.writeAppError(w, err)
		return
	}

	job := runner.JobFromRequest(req, s.deps.Results)
	job.RunID = model.NewID()
	if job.ArtifactPrefix == "" {
		job.ArtifactPrefix = model.NewArtifactPrefix()
	}
	if job.Environment == "" {
		job.Environment = model.EnvironmentProduction
	}

	run := &model.Run{
		ID:             job.RunID,
		MetaAnalysisID: job.MetaAnalysisID,
		ArtifactPrefix: job.ArtifactPrefix,
		Environment:    job.Environment,
		State:          model.RunCreated,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.deps.Store.CreateRun(r.Context(), run); err != nil {
		s.logger.Error("create run", "run_id", job.RunID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record run")
		return
	}
	job.Recorded = true

	ctx := context.WithoutCancel(r.Context())
	done := observeLocalRun()
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		outcome, err := s.deps.Runner.Run(ctx, job)
		state := ""
		if outcome != nil {
			state = outcome.State
		}
		if err != nil && state == "" {
			// The driver never started, so the row is closed out here.
			state = model.RunErrored
			if uerr := s.deps.Store.UpdateRunState(ctx, job.RunID, state, err.Error()); uerr != nil {
				s.logger.Error("record run failure", "run_id", job.RunID, "error", uerr)
			}
			if s.deps.Events != nil {
				s.deps.Events.Close(job.RunID)
			}
		}
		done(state)
		if err != nil {
			s.logger.Warn("local run failed", "run_id", job.RunID, "artifact_prefix", job.ArtifactPrefix, "error", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, startRunResponse{
		RunID:          job.RunID,
		ArtifactPrefix: job.ArtifactPrefix,
		State:          run.State,
		StatusURL:      "/runs/" + job.RunID,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.deps.Store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
