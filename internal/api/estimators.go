package api

import (
	"net/http"

	"github.com/neurostuff/compose-runner/internal/analysis"
)

type estimatorsResponse struct {
	Estimators []analysis.EstimatorSpec `json:"estimators"`
	Correctors []analysis.CorrectorSpec `json:"correctors"`
}

func (s *Server) handleListEstimators(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, estimatorsResponse{
		Estimators: s.deps.Registry.Estimators(),
		Correctors: s.deps.Registry.Correctors(),
	})
}
