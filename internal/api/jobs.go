package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/gateway"
	"github.com/neurostuff/compose-runner/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	req, err := gateway.DecodeJobRequest(body)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	handle, err := s.deps.Submitter.Submit(r.Context(), req)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, handle)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := url.PathUnescape(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeAppError(w, apperr.Wrap(apperr.KindClient, "status", gateway.MsgMissingJobID, err))
		return
	}
	s.reportStatus(w, r, model.StatusRequest{JobID: jobID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	req, err := gateway.DecodeStatusRequest(body)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.reportStatus(w, r, req)
}

func (s *Server) reportStatus(w http.ResponseWriter, r *http.Request, req model.StatusRequest) {
	report, err := s.deps.Status.Status(r.Context(), req)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// readBody reads at most maxBodySize bytes of the request body.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"status": model.ExecutionFailed,
			"error":  "request body too large",
		})
		return nil, false
	}
	return body, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps a classified error to its status code and body. Causes
// of server-side failures are logged, never returned.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	status := gateway.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "artifact_prefix", apperr.ArtifactPrefixOf(err))
	}
	s.writeJSON(w, status, gateway.ErrorBody(err))
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
