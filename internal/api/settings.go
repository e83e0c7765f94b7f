package api

import (
	"net/http"
	"time"

	"github.com/seantiz/flowtask/internal/model"
)

// engineSettingsPayload is the body of GET and PUT /v1/settings/engine.
type engineSettingsPayload struct {
	ServerIP string `json:"server_ip"`
	Ports    []int  `json:"ports"`
}

func (s *Server) handleGetEngineSettings(w http.ResponseWriter, r *http.Request) {
	es, err := s.pool.Settings(r.Context())
	if err != nil {
		s.logger.Error("get engine settings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get engine settings")
		return
	}
	s.writeJSON(w, http.StatusOK, engineSettingsPayload{ServerIP: es.ServerIP, Ports: es.Ports})
}

func (s *Server) handlePutEngineSettings(w http.ResponseWriter, r *http.Request) {
	var req engineSettingsPayload
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	host, err := model.NormalizeServerIP(req.ServerIP)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ports, err := model.NormalizePorts(req.Ports)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	es := &model.EngineSettings{ServerIP: host, Ports: ports, UpdatedAt: time.Now().UTC()}
	if err := s.store.SaveEngineSettings(r.Context(), es); err != nil {
		s.logger.Error("save engine settings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save engine settings")
		return
	}
	s.logger.Info("engine settings updated", "server_ip", host, "ports", ports)
	s.writeJSON(w, http.StatusOK, engineSettingsPayload{ServerIP: host, Ports: ports})
}

func (s *Server) handlePortsStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.pool.Status(r.Context())
	if err != nil {
		s.logger.Error("check engine ports", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to check engine ports")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
