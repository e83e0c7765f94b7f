package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/flowtask/internal/model"
	"github.com/seantiz/flowtask/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// scheduleRequest is the schedule part of task requests.
type scheduleRequest struct {
	Enabled      bool       `json:"enabled"`
	At           *time.Time `json:"at"`
	Time         string     `json:"time"`
	AutoDispatch bool       `json:"auto_dispatch"`
	Port         *int       `json:"port"`
}

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Workflow    json.RawMessage  `json:"workflow"`
	Schedule    *scheduleRequest `json:"schedule"`
}

type updateWorkflowRequest struct {
	Workflow json.RawMessage `json:"workflow"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// toSchedule validates req. last is carried over so that editing a schedule
// does not re-fire a trigger that already ran today.
func (req *scheduleRequest) toSchedule(last *time.Time) (model.Schedule, error) {
	if req == nil {
		return model.Schedule{}, nil
	}
	sc := model.Schedule{
		Enabled:         req.Enabled,
		At:              req.At,
		Time:            strings.TrimSpace(req.Time),
		AutoDispatch:    req.AutoDispatch,
		Port:            req.Port,
		LastTriggeredAt: last,
	}
	if sc.At != nil {
		at := sc.At.UTC()
		sc.At = &at
	}
	if sc.Time != "" {
		if _, _, err := model.ParseScheduleTime(sc.Time); err != nil {
			return model.Schedule{}, fmt.Errorf("schedule time must be HH:MM")
		}
	}
	if sc.Port != nil && (*sc.Port < 1 || *sc.Port > 65535) {
		return model.Schedule{}, fmt.Errorf("invalid schedule port: %d", *sc.Port)
	}
	if sc.Enabled {
		if sc.At == nil && sc.Time == "" {
			return model.Schedule{}, fmt.Errorf("an enabled schedule needs at or time")
		}
		if !sc.AutoDispatch && sc.Port == nil {
			return model.Schedule{}, fmt.Errorf("a manual schedule needs a port")
		}
	}
	return sc, nil
}

func validWorkflow(raw json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	var nodes map[string]json.RawMessage
	return json.Unmarshal(raw, &nodes) == nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if strings.TrimSpace(req.Title) == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if !validWorkflow(req.Workflow) {
		s.writeError(w, http.StatusBadRequest, "workflow must be a JSON object of nodes")
		return
	}
	sc, err := req.Schedule.toSchedule(nil)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	task := &model.Task{
		ID:          model.NewTaskID(),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      model.StatusPending,
		Workflow:    req.Workflow,
		Schedule:    sc,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.logger.Error("create task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req updateWorkflowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validWorkflow(req.Workflow) {
		s.writeError(w, http.StatusBadRequest, "workflow must be a JSON object of nodes")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.UpdateTaskWorkflow(r.Context(), id, req.Workflow); err != nil {
		s.writeStoreError(w, err, "update workflow")
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	sc, err := req.toSchedule(task.Schedule.LastTriggeredAt)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateTaskSchedule(r.Context(), task.ID, sc); err != nil {
		s.writeStoreError(w, err, "update schedule")
		return
	}
	s.respondTask(w, r, task.ID)
}

// loadTask fetches the {id} task, writing the error response on failure.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "get task")
		return nil, false
	}
	return task, true
}

func (s *Server) respondTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "get task")
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Error(op, "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to "+op)
}
