package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/flowtask/internal/backend"
	"github.com/seantiz/flowtask/internal/model"
	"github.com/seantiz/flowtask/internal/store"
)

// statusWriteTimeout bounds durable status writes made off the request path.
const statusWriteTimeout = 10 * time.Second

// listenerStopWait bounds how long cancel waits for a stopped listener to
// finish its in-flight writes.
const listenerStopWait = 2 * time.Second

const cancelledMessage = "Execution cancelled by user"

// Options configures the engine's timings.
type Options struct {
	PersistInterval time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	ConnectWait     time.Duration

	// DefaultEndpoint is used by cancel when a snapshot names no endpoint.
	DefaultEndpoint model.Endpoint
}

func (o Options) withDefaults() Options {
	if o.PersistInterval <= 0 {
		o.PersistInterval = 2 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.ConnectWait <= 0 {
		o.ConnectWait = 3 * time.Second
	}
	return o
}

// DispatchResult is returned by a successful Dispatch.
type DispatchResult struct {
	TaskID   string         `json:"task_id"`
	PromptID string         `json:"prompt_id"`
	Endpoint model.Endpoint `json:"endpoint"`
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Engine owns the live execution state of every task: the registry, one
// listener per running task, the viewer hub, and the persistence and
// cleanup workers.
type Engine struct {
	store    store.Store
	pool     *backend.Pool
	registry *Registry
	hub      *Hub
	opts     Options
	logger   *slog.Logger

	mu          sync.Mutex
	listeners   map[string]*listener
	dispatching map[string]struct{}

	// base outlives requests; listeners run under it.
	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	workersMu sync.Mutex
	workers   []*worker
}

// New creates an engine. Call Start to run the background workers.
func New(s store.Store, pool *backend.Pool, opts Options, logger *slog.Logger) *Engine {
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:       s,
		pool:        pool,
		registry:    NewRegistry(),
		hub:         NewHub(),
		opts:        opts.withDefaults(),
		logger:      logger,
		listeners:   make(map[string]*listener),
		dispatching: make(map[string]struct{}),
		base:        base,
		cancelBase:  cancel,
	}
}

// Registry returns the engine's state registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Hub returns the engine's viewer hub.
func (e *Engine) Hub() *Hub { return e.hub }

// Pool returns the endpoint pool.
func (e *Engine) Pool() *backend.Pool { return e.pool }

// Dispatch submits the task's workflow to the endpoint and starts its listener.
// It returns once the engine accepted the submission.
func (e *Engine) Dispatch(ctx context.Context, taskID, serverIP string, port int) (*DispatchResult, error) {
	res, err := e.dispatch(ctx, taskID, serverIP, port)
	if err != nil {
		dispatchesTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	dispatchesTotal.WithLabelValues("accepted").Inc()
	return res, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUpstreamUnreachable):
		return "unreachable"
	case errors.Is(err, ErrUpstreamRejected):
		return "rejected"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (e *Engine) dispatch(ctx context.Context, taskID, serverIP string, port int) (*DispatchResult, error) {
	if !e.beginDispatch(taskID) {
		return nil, fmt.Errorf("%w: task is already being dispatched", ErrConflict)
	}
	defer e.endDispatch(taskID)

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	graph, changed, matched, err := model.BindTaskID(task.Workflow, task.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if changed {
		if err := e.store.UpdateTaskWorkflow(ctx, task.ID, graph); err != nil {
			return nil, fmt.Errorf("save bound workflow: %w", err)
		}
		e.logger.Info("task id bound into workflow", "task_id", taskID, "matched_nodes", matched)
	}

	if task.Status == model.StatusRunning {
		return nil, fmt.Errorf("%w: task is already running", ErrConflict)
	}
	if !model.HasWorkflow(graph) {
		return nil, fmt.Errorf("%w: task has no workflow graph", ErrValidation)
	}
	if err := model.EnsureRunnable(task.Status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if model.IsTerminal(task.Status) {
		e.logger.Info("starting a new run", "task_id", taskID, "previous_status", task.Status)
	}

	ep, err := e.pool.Validate(ctx, serverIP, port)
	if errors.Is(err, backend.ErrEndpointNotAllowed) {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err != nil {
		return nil, err
	}

	b := e.pool.Backend(ep)
	q, err := b.QueryQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: selected endpoint %s is unreachable: %v", ErrUpstreamUnreachable, ep, err)
	}

	clientID := model.NewClientID()
	l := newListener(e, taskID, clientID)
	e.replaceListener(taskID, l)

	if err := e.store.SetTaskStatus(ctx, taskID, model.StatusRunning, "Execution requested", nil); err != nil {
		l.stop()
		return nil, fmt.Errorf("mark running: %w", err)
	}
	e.logger.Info("task marked running",
		"task_id", taskID,
		"endpoint", ep.String(),
		"queue_running", len(q.Running),
		"queue_pending", len(q.Pending),
	)

	e.registry.Create(taskID, model.StatusRunning, ep, model.BuildNodeMap(graph))
	e.registry.Mutate(taskID, func(st *model.ExecutionState) {
		st.AppendLog("Execution requested, waiting for the engine", model.LogInfo)
		st.AppendLog("Target endpoint: "+ep.String(), model.LogInfo)
	})

	// Listen before submitting so early events are not missed.
	e.wg.Go(func() { l.run(e.base, b) })

	waitCtx, cancel := context.WithTimeout(ctx, e.opts.ConnectWait)
	if l.waitConnected(waitCtx) {
		e.logger.Info("listener connected before submit", "task_id", taskID, "client_id", clientID)
	} else {
		e.logger.Warn("listener not connected within wait, submitting anyway", "task_id", taskID, "client_id", clientID)
	}
	cancel()

	res, err := b.Submit(ctx, graph, clientID)
	if err != nil {
		return nil, e.submitFailed(l, fmt.Sprintf("Engine submission failed: %v", err))
	}
	if res.PromptID == "" {
		return nil, e.submitFailed(l, "Engine returned empty prompt_id")
	}

	l.promptAccepted(res.PromptID, ep)
	e.logger.Info("execution started", "task_id", taskID, "prompt_id", res.PromptID)

	return &DispatchResult{TaskID: taskID, PromptID: res.PromptID, Endpoint: ep}, nil
}

func (e *Engine) submitFailed(l *listener, message string) error {
	l.stop()
	st, ok := e.registry.Mutate(l.taskID, func(st *model.ExecutionState) {
		if model.CanTransition(st.Status, model.StatusFail) {
			st.Status = model.StatusFail
		}
		st.ErrorMessage = message
		st.AppendLog(message, model.LogError)
	})
	var snapshot []byte
	if ok {
		snapshot = snapshotOrNil(st, e.logger)
	}
	e.writeStatus(l.taskID, model.StatusFail, message, snapshot)
	e.hub.Broadcast(l.taskID, Message{
		Type: MessageListenerError,
		Data: map[string]any{"message": message},
	})
	e.logger.Warn("submission failed", "task_id", l.taskID, "message", message)
	return fmt.Errorf("%w: %s", ErrUpstreamRejected, message)
}

func (e *Engine) beginDispatch(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.dispatching[taskID]; busy {
		return false
	}
	e.dispatching[taskID] = struct{}{}
	return true
}

func (e *Engine) endDispatch(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.dispatching, taskID)
}

// replaceListener makes l the task's listener and stops the previous one.
func (e *Engine) replaceListener(taskID string, l *listener) {
	e.mu.Lock()
	old := e.listeners[taskID]
	e.listeners[taskID] = l
	e.mu.Unlock()
	if old != nil {
		old.stop()
	}
}

// detach forgets l if it is still the task's listener.
func (e *Engine) detach(l *listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners[l.taskID] == l {
		delete(e.listeners, l.taskID)
	}
}

func (e *Engine) listener(taskID string) *listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listeners[taskID]
}

// HasListener reports whether a listener is attached to taskID.
func (e *Engine) HasListener(taskID string) bool {
	return e.listener(taskID) != nil
}

// writeStatus persists a status change. Failures are logged.
func (e *Engine) writeStatus(taskID, status, message string, snapshot []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := e.store.SetTaskStatus(ctx, taskID, status, message, snapshot); err != nil {
		e.logger.Error("status write failed", "task_id", taskID, "status", status, "error", err)
	}
}

// Cancel stops the task's listener, removes or interrupts its prompts on the
// engine, and marks it cancelled. Engine-side failures are logged into the
// state and never returned.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*CancelResult, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	l := e.listener(taskID)
	if task.Status != model.StatusRunning && l == nil {
		return nil, fmt.Errorf("%w: task is not running", ErrConflict)
	}
	if l != nil {
		l.stop()
		if !l.wait(listenerStopWait) {
			e.logger.Warn("listener slow to stop", "task_id", taskID)
		}
	}

	st, ok := e.registry.Get(taskID)
	if !ok {
		if persisted, found := model.DecodeExecutionState(task); found {
			st = e.registry.Put(persisted)
			ok = true
		}
	}

	ep := e.opts.DefaultEndpoint
	var promptIDs []string
	if ok {
		if st.TargetEndpoint.Valid() {
			ep = model.NewEndpoint(st.TargetEndpoint.ServerIP, st.TargetEndpoint.Port)
		}
		promptIDs = st.AllPromptIDs()
	}
	upstreamErr := e.cancelUpstream(ctx, ep, promptIDs)
	if upstreamErr != "" {
		e.logger.Warn("engine cancel incomplete", "task_id", taskID, "endpoint", ep.String(), "error", upstreamErr)
	}

	if !ok {
		e.registry.Put(model.NewExecutionState(taskID, task.Status, model.Endpoint{}, model.BuildNodeMap(task.Workflow)))
	}
	st, _ = e.registry.Mutate(taskID, func(st *model.ExecutionState) {
		if !model.CanTransition(st.Status, model.StatusCancelled) {
			return
		}
		st.Status = model.StatusCancelled
		st.ClearCurrentNode()
		st.ErrorMessage = ""
		st.AppendLog("Execution cancelled", model.LogWarning)
		if upstreamErr != "" {
			st.AppendLog("Engine interrupt request failed: "+upstreamErr, model.LogWarning)
		}
	})
	if st == nil {
		// Evicted between lookup and update.
		st = model.NewExecutionState(taskID, model.StatusCancelled, ep, nil)
	}

	if st.Status != model.StatusCancelled {
		// The run reached a terminal status first.
		e.logger.Info("cancel lost to completion", "task_id", taskID, "status", st.Status)
		return &CancelResult{TaskID: taskID, Status: st.Status, Message: "Execution already finished"}, nil
	}

	e.writeStatus(taskID, model.StatusCancelled, cancelledMessage, snapshotOrNil(st, e.logger))
	e.hub.Broadcast(taskID, Message{
		Type: MessageAllCompleted,
		Data: map[string]any{"status": model.StatusCancelled},
	})
	finalizationsTotal.WithLabelValues(model.StatusCancelled).Inc()
	e.logger.Info("execution cancelled", "task_id", taskID, "prompt_ids", promptIDs)

	return &CancelResult{TaskID: taskID, Status: model.StatusCancelled, Message: cancelledMessage}, nil
}

// cancelUpstream deletes pending prompts and interrupts running ones. It
// returns the joined failures, or "".
func (e *Engine) cancelUpstream(ctx context.Context, ep model.Endpoint, promptIDs []string) string {
	if !ep.Valid() {
		return "no engine endpoint known for task"
	}
	b := e.pool.Backend(ep)
	q, err := b.QueryQueue(ctx)
	if err != nil {
		return err.Error()
	}
	if len(promptIDs) == 0 {
		e.logger.Info("cancel requested before any prompt id was known", "endpoint", ep.String())
	}

	var failures []string
	for _, id := range promptIDs {
		switch {
		case q.IsPending(id):
			if err := b.DeleteFromQueue(ctx, id); err != nil {
				failures = append(failures, id+": "+err.Error())
			}
		case q.IsRunning(id):
			if err := b.Interrupt(ctx, id); err != nil {
				failures = append(failures, id+": "+err.Error())
			}
		}
	}
	return strings.Join(failures, "; ")
}

// Snapshot returns the live state of taskID, reconstructing it from storage
// when the registry holds none.
func (e *Engine) Snapshot(ctx context.Context, taskID string) (*model.ExecutionState, bool) {
	if st, ok := e.registry.Get(taskID); ok {
		return st, true
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("load task for snapshot failed", "task_id", taskID, "error", err)
		}
		return nil, false
	}
	persisted, ok := model.DecodeExecutionState(task)
	if !ok {
		return nil, false
	}
	return e.registry.Put(persisted), true
}

// Subscription is one live viewer's feed.
type Subscription struct {
	// Sync is the state at subscription time, or nil if none exists.
	Sync *model.ExecutionState
	// C receives every later message and is closed when the viewer is dropped.
	C <-chan Message

	unsubscribe func()
}

// Close unsubscribes.
func (s *Subscription) Close() { s.unsubscribe() }

// Subscribe registers a viewer for taskID and captures the current state.
// The viewer is registered first so no event between the two is lost.
func (e *Engine) Subscribe(ctx context.Context, taskID string) *Subscription {
	ch, unsub := e.hub.Subscribe(taskID)
	st, _ := e.Snapshot(ctx, taskID)
	return &Subscription{Sync: st, C: ch, unsubscribe: unsub}
}

// Start runs the persistence and cleanup workers.
func (e *Engine) Start() {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	if len(e.workers) > 0 {
		return
	}
	e.workers = []*worker{
		startWorker("persist", e.opts.PersistInterval, e.flushDirty, e.flushDirty, e.logger),
		startWorker("cleanup", e.opts.CleanupInterval, e.cleanup, nil, e.logger),
	}
	e.logger.Info("engine workers started",
		"persist_interval", e.opts.PersistInterval.String(),
		"cleanup_interval", e.opts.CleanupInterval.String(),
	)
}

// Shutdown stops every listener, waits for them to exit, then stops the
// workers. The persistence worker flushes once more on its way out.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	active := make([]*listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		active = append(active, l)
	}
	e.mu.Unlock()
	for _, l := range active {
		l.stop()
	}
	e.cancelBase()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for listeners: %w", ctx.Err())
	}

	e.workersMu.Lock()
	workers := e.workers
	e.workers = nil
	e.workersMu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
	e.logger.Info("engine stopped", "listeners", len(active))
	return err
}
