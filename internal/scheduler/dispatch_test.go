package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/seantiz/flowtask/internal/backend"
	"github.com/seantiz/flowtask/internal/backend/comfy"
	"github.com/seantiz/flowtask/internal/backend/comfytest"
	"github.com/seantiz/flowtask/internal/engine"
	"github.com/seantiz/flowtask/internal/model"
	"github.com/seantiz/flowtask/internal/store"
)

// TestDailyTaskFiresAgainAfterSuccess drives the scheduler against the real
// engine: yesterday's successful run must not block today's trigger.
func TestDailyTaskFiresAgainAfterSuccess(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := comfytest.NewServer()
	t.Cleanup(fake.Close)
	fake.SetAutoRun(true, 2*time.Millisecond)
	ep := fake.Endpoint()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pool := backend.NewPool(db, &model.EngineSettings{ServerIP: ep.ServerIP, Ports: []int{ep.Port}}, comfy.Connector(logger), logger)
	eng := engine.New(db, pool, engine.Options{ConnectWait: 2 * time.Second, DefaultEndpoint: ep}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	day1 := time.Date(2026, 3, 10, 9, 0, 5, 0, time.Local)
	port := ep.Port
	now := time.Now().UTC()
	task := &model.Task{
		ID:        model.NewTaskID(),
		Title:     "daily render",
		Status:    model.StatusSuccess,
		Workflow:  json.RawMessage(`{"1":{"class_type":"KSampler"}}`),
		Schedule:  model.Schedule{Enabled: true, Time: "09:00", Port: &port},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := db.MarkScheduleTriggered(ctx, task.ID, day1); err != nil {
		t.Fatalf("MarkScheduleTriggered: %v", err)
	}

	s := New(db, pool, eng, time.Hour, logger)

	if got, _ := s.RunOnce(ctx, day1.Add(30*time.Second)); len(got) != 0 {
		t.Fatalf("same day dispatched %v", got)
	}

	day2 := day1.AddDate(0, 0, 1)
	got, err := s.RunOnce(ctx, day2)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !slices.Equal(got, []string{task.ID}) {
		t.Fatalf("day 2 dispatched = %v, want [%s]", got, task.ID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := db.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if stored.Status == model.StatusSuccess && len(fake.Submissions()) == 1 {
			if stored.Schedule.LastTriggeredAt == nil || !stored.Schedule.LastTriggeredAt.Equal(day2) {
				t.Errorf("LastTriggeredAt = %v, want %v", stored.Schedule.LastTriggeredAt, day2)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task status = %q, submissions = %d", stored.Status, len(fake.Submissions()))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
