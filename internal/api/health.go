package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	Ledger string `json:"ledger"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Ledger: "disabled"}
	if s.deps.Store != nil {
		resp.Ledger = "ok"
		if _, _, err := s.deps.Store.ListRuns(r.Context(), 1, 0); err != nil {
			s.logger.Error("ledger health check", "error", err)
			resp.Status = "degraded"
			resp.Ledger = "unavailable"
			s.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
