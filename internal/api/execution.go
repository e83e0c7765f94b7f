package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// dispatchRequest is the JSON body for POST /v1/execution/task/{id}.
type dispatchRequest struct {
	ServerIP string `json:"server_ip"`
	Port     int    `json:"port"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.engine.Dispatch(r.Context(), chi.URLParam(r, "id"), req.ServerIP, req.Port)
	if err != nil {
		s.writeEngineError(w, err, "dispatch task")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "cancel task")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
