package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/flowtask/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestTask() *model.Task {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Task{
		ID:        model.NewTaskID(),
		Title:     "portrait batch",
		Status:    model.StatusPending,
		Workflow:  json.RawMessage(`{"3":{"class_type":"KSampler"}}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	port := 8189
	task.Schedule = model.Schedule{Enabled: true, Time: "09:00", AutoDispatch: false, Port: &port}

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	if got.Title != task.Title {
		t.Errorf("Title = %q, want %q", got.Title, task.Title)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if string(got.Workflow) != string(task.Workflow) {
		t.Errorf("Workflow = %s, want %s", got.Workflow, task.Workflow)
	}
	if !got.Schedule.Enabled || got.Schedule.Time != "09:00" || got.Schedule.AutoDispatch {
		t.Errorf("Schedule = %+v", got.Schedule)
	}
	if got.Schedule.Port == nil || *got.Schedule.Port != 8189 {
		t.Errorf("Schedule.Port = %v, want 8189", got.Schedule.Port)
	}
	if got.Schedule.At != nil || got.Schedule.LastTriggeredAt != nil {
		t.Error("unset schedule timestamps should scan as nil")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func TestListTasksPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := makeTestTask()
		task.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask[%d]: %v", i, err)
		}
	}

	tasks, total, err := s.ListTasks(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	if tasks[0].CreatedAt.Before(tasks[1].CreatedAt) {
		t.Error("tasks not in DESC order")
	}
}

func TestSetTaskStatusKeepsSnapshotWhenNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.SetTaskStatus(ctx, task.ID, model.StatusRunning, "Execution requested", []byte(`{"status":"running"}`)); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if err := s.SetTaskStatus(ctx, task.ID, model.StatusRunning, "", nil); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusRunning || got.Message != "" {
		t.Errorf("status/message = %q/%q", got.Status, got.Message)
	}
	if got.ExecutionState != `{"status":"running"}` {
		t.Errorf("ExecutionState = %q, nil snapshot should keep the previous one", got.ExecutionState)
	}
}

func TestSetTaskStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SetTaskStatus(context.Background(), "missing", model.StatusFail, "x", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveExecutionState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.SaveExecutionState(ctx, task.ID, []byte(`{"prompt_id":"p1"}`)); err != nil {
		t.Fatalf("SaveExecutionState: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.ExecutionState != `{"prompt_id":"p1"}` {
		t.Errorf("ExecutionState = %q", got.ExecutionState)
	}
}

func TestScheduledTasksAndTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enabled := makeTestTask()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	enabled.Schedule = model.Schedule{Enabled: true, At: &at, AutoDispatch: true}
	disabled := makeTestTask()
	for _, task := range []*model.Task{enabled, disabled} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	list, err := s.ListScheduledTasks(ctx)
	if err != nil {
		t.Fatalf("ListScheduledTasks: %v", err)
	}
	if len(list) != 1 || list[0].ID != enabled.ID {
		t.Fatalf("scheduled = %+v, want only %s", list, enabled.ID)
	}
	if list[0].Schedule.At == nil || !list[0].Schedule.At.Equal(at) {
		t.Errorf("Schedule.At = %v, want %v", list[0].Schedule.At, at)
	}

	fired := time.Date(2026, 3, 1, 9, 0, 5, 0, time.UTC)
	if err := s.MarkScheduleTriggered(ctx, enabled.ID, fired); err != nil {
		t.Fatalf("MarkScheduleTriggered: %v", err)
	}
	list, _ = s.ListScheduledTasks(ctx)
	if list[0].Schedule.LastTriggeredAt == nil || !list[0].Schedule.LastTriggeredAt.Equal(fired) {
		t.Errorf("LastTriggeredAt = %v, want %v", list[0].Schedule.LastTriggeredAt, fired)
	}
}

func TestUpdateTaskScheduleAndWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.UpdateTaskSchedule(ctx, task.ID, model.Schedule{Enabled: true, Time: "23:30", AutoDispatch: true}); err != nil {
		t.Fatalf("UpdateTaskSchedule: %v", err)
	}
	if err := s.UpdateTaskWorkflow(ctx, task.ID, json.RawMessage(`{"9":{}}`)); err != nil {
		t.Fatalf("UpdateTaskWorkflow: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Schedule.Time != "23:30" || !got.Schedule.Enabled {
		t.Errorf("Schedule = %+v", got.Schedule)
	}
	if string(got.Workflow) != `{"9":{}}` {
		t.Errorf("Workflow = %s", got.Workflow)
	}

	if err := s.UpdateTaskWorkflow(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetTaskStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, status := range []string{model.StatusPending, model.StatusPending, model.StatusSuccess} {
		task := makeTestTask()
		task.Status = status
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	stats, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if stats.Total != 3 || stats.CountByStatus[model.StatusPending] != 2 || stats.CountByStatus[model.StatusSuccess] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEngineSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetEngineSettings(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := s.SaveEngineSettings(ctx, &model.EngineSettings{ServerIP: "10.0.0.1", Ports: []int{8188}}); err != nil {
		t.Fatalf("SaveEngineSettings: %v", err)
	}
	if err := s.SaveEngineSettings(ctx, &model.EngineSettings{ServerIP: "10.0.0.2", Ports: []int{8188, 8189}}); err != nil {
		t.Fatalf("SaveEngineSettings upsert: %v", err)
	}

	got, err := s.GetEngineSettings(ctx)
	if err != nil {
		t.Fatalf("GetEngineSettings: %v", err)
	}
	if got.ServerIP != "10.0.0.2" || len(got.Ports) != 2 {
		t.Errorf("settings = %+v", got)
	}
}
