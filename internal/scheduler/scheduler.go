// Package scheduler fires due tasks through the same dispatch path a user
// request takes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/flowtask/internal/engine"
	"github.com/seantiz/flowtask/internal/model"
)

// tickTimeout bounds one poll, including the dispatches it starts.
const tickTimeout = 2 * time.Minute

// Trigger outcomes.
const (
	outcomeDispatched = "dispatched"
	outcomeSkipped    = "skipped"
	outcomeFailed     = "failed"
	outcomeError      = "error"
)

// Store is the task storage the scheduler reads and marks.
type Store interface {
	ListScheduledTasks(ctx context.Context) ([]model.ScheduledTask, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	MarkScheduleTriggered(ctx context.Context, id string, at time.Time) error
}

// Resolver picks the endpoint a scheduled task runs on.
type Resolver interface {
	LeastLoaded(ctx context.Context) (model.Endpoint, error)
	Manual(ctx context.Context, port *int) (model.Endpoint, error)
}

// Dispatcher starts an execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID, serverIP string, port int) (*engine.DispatchResult, error)
}

// Scheduler polls storage on a fixed interval and dispatches due tasks.
type Scheduler struct {
	store      Store
	resolver   Resolver
	dispatcher Dispatcher
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}

	runMu  sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a scheduler. Call Start to begin polling.
func New(s Store, r Resolver, d Dispatcher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{
		store:      s,
		resolver:   r,
		dispatcher: d,
		interval:   interval,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
}

// Start runs the poll loop in the background. It polls once immediately.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopCh, s.done)
	s.logger.Info("scheduler started", "interval", s.interval.String())
}

// Stop ends the poll loop and waits for the current poll to finish.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	stopCh, done := s.stopCh, s.done
	s.stopCh, s.done = nil, nil
	s.runMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.poll(stopCh)
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// poll runs one tick. A panic is logged and the loop keeps going.
func (s *Scheduler) poll(stopCh <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", "panic", fmt.Sprint(r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	if _, err := s.RunOnce(ctx, s.now()); err != nil {
		s.logger.Error("scheduled trigger loop failed", "error", err)
	}
}

// RunOnce dispatches every task due at now and returns the ids it dispatched.
// Per-task failures are logged; only a failure to list tasks is returned.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) ([]string, error) {
	tasks, err := s.store.ListScheduledTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}

	var dispatched []string
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if !IsDue(t, now) {
			continue
		}
		if !s.acquire(t.ID) {
			s.logger.Debug("scheduled trigger already in flight", "task_id", t.ID)
			continue
		}
		ok := s.trigger(ctx, t.ID, now)
		s.release(t.ID)
		if ok {
			dispatched = append(dispatched, t.ID)
		}
	}
	return dispatched, nil
}

func (s *Scheduler) acquire(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[taskID]; busy {
		return false
	}
	s.inflight[taskID] = struct{}{}
	return true
}

func (s *Scheduler) release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, taskID)
}

// trigger fires one due task. The task is marked triggered before dispatch is
// attempted, so a failing engine is not retried until the next due time.
func (s *Scheduler) trigger(ctx context.Context, taskID string, now time.Time) bool {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Error("load scheduled task failed", "task_id", taskID, "error", err)
		dispatchesTotal.WithLabelValues(outcomeError).Inc()
		return false
	}
	if !task.Schedule.Enabled || task.Status == model.StatusRunning {
		return false
	}

	var ep model.Endpoint
	if task.Schedule.AutoDispatch {
		ep, err = s.resolver.LeastLoaded(ctx)
		if err != nil {
			s.logger.Warn("scheduled trigger skipped: no reachable port", "task_id", taskID, "error", err)
		}
	} else {
		ep, err = s.resolver.Manual(ctx, task.Schedule.Port)
		if err != nil {
			s.logger.Warn("scheduled trigger skipped: invalid manual schedule port",
				"task_id", taskID, "port", task.Schedule.Port, "error", err)
		}
	}
	if err != nil {
		s.markTriggered(ctx, taskID, now)
		dispatchesTotal.WithLabelValues(outcomeSkipped).Inc()
		return false
	}

	if !s.markTriggered(ctx, taskID, now) {
		dispatchesTotal.WithLabelValues(outcomeError).Inc()
		return false
	}

	res, err := s.dispatcher.Dispatch(ctx, taskID, ep.ServerIP, ep.Port)
	if err != nil {
		s.logger.Warn("scheduled trigger failed", "task_id", taskID, "endpoint", ep.String(), "error", err)
		dispatchesTotal.WithLabelValues(outcomeFailed).Inc()
		return false
	}
	s.logger.Info("scheduled trigger dispatched", "task_id", taskID, "endpoint", ep.String(), "prompt_id", res.PromptID)
	dispatchesTotal.WithLabelValues(outcomeDispatched).Inc()
	return true
}

func (s *Scheduler) markTriggered(ctx context.Context, taskID string, now time.Time) bool {
	if err := s.store.MarkScheduleTriggered(ctx, taskID, now); err != nil {
		s.logger.Error("mark schedule triggered failed", "task_id", taskID, "error", err)
		return false
	}
	return true
}
