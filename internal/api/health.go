package api

import "net/http"

type healthResponse struct {
	Status      string `json:"status"`
	LiveStates  int    `json:"live_states"`
	Subscribers int    `json:"subscribers"`
}

// handleHealthz reports ok while storage answers queries.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetTaskStats(r.Context()); err != nil {
		s.logger.Error("healthz storage check", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		LiveStates:  s.engine.Registry().Len(),
		Subscribers: s.engine.Hub().Total(),
	})
}
