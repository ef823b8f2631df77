package api

import (
	"net/http"
)

func (s *Server) handleGetRunStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}
