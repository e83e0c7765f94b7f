package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/flowtask/internal/model"
)

// ErrNotFound is returned when a task or settings record is not found.
var ErrNotFound = errors.New("not found")

// TaskStats holds aggregate task counts.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
}

// Store defines the durable task storage the execution core depends on.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	UpdateTaskWorkflow(ctx context.Context, id string, workflow json.RawMessage) error
	UpdateTaskSchedule(ctx context.Context, id string, s model.Schedule) error

	// SetTaskStatus writes the durable status and message. A non-nil snapshot
	// also replaces the persisted execution state.
	SetTaskStatus(ctx context.Context, id, status, message string, snapshot []byte) error
	SaveExecutionState(ctx context.Context, id string, snapshot []byte) error

	ListScheduledTasks(ctx context.Context) ([]model.ScheduledTask, error)
	MarkScheduleTriggered(ctx context.Context, id string, at time.Time) error

	GetTaskStats(ctx context.Context) (*TaskStats, error)

	GetEngineSettings(ctx context.Context) (*model.EngineSettings, error)
	SaveEngineSettings(ctx context.Context, s *model.EngineSettings) error

	Close() error
}
