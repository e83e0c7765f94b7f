package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/flowtask/internal/backend"
	"github.com/seantiz/flowtask/internal/model"
)

const (
	connectionLostMessage = "Lost connection to the engine before completion"
	listenerPanicMessage  = "Lost connection to the engine"
)

// listener owns one task's event stream from connect until it finalizes,
// loses its connection, or is stopped.
type listener struct {
	engine   *Engine
	taskID   string
	clientID string
	logger   *slog.Logger

	connected chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	mu        sync.Mutex
	sess      *session
	stream    backend.EventStream
	stopped   bool
	finalized bool
}

func newListener(e *Engine, taskID, clientID string) *listener {
	return &listener{
		engine:    e,
		taskID:    taskID,
		clientID:  clientID,
		logger:    e.logger.With("task_id", taskID, "client_id", clientID),
		connected: make(chan struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		sess:      newSession(),
	}
}

// stop signals the listener to exit. Once stop returns, the listener makes
// no further state changes.
func (l *listener) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// wait blocks until the listener exits or timeout elapses.
func (l *listener) wait(timeout time.Duration) bool {
	select {
	case <-l.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// waitConnected blocks until the stream is open, the listener exits, or the
// context ends. It reports whether the stream opened.
func (l *listener) waitConnected(ctx context.Context) bool {
	select {
	case <-l.connected:
		return true
	case <-l.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (l *listener) run(ctx context.Context, b backend.Backend) {
	activeListenersGauge.Inc()
	defer activeListenersGauge.Dec()
	defer close(l.done)
	defer l.engine.detach(l)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("listener panicked", "panic", fmt.Sprint(r))
			l.fail(listenerPanicMessage)
		}
	}()

	stream, err := b.OpenEventStream(ctx, l.clientID)
	if err != nil {
		l.logger.Error("event stream connect failed", "error", err)
		l.fail(connectionLostMessage)
		return
	}
	defer stream.Close()

	l.mu.Lock()
	l.stream = stream
	if ids := l.sess.knownIDs(); len(ids) > 0 {
		stream.Allow(ids...)
	}
	l.mu.Unlock()
	close(l.connected)
	l.logger.Info("listener connected")

	for {
		select {
		case <-l.stopCh:
			return
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					l.logger.Warn("event stream ended", "error", err)
				}
				l.fail(connectionLostMessage)
				return
			}
			l.handle(ev)
		}
	}
}

// handle reduces one event and carries out its effects. It is safe to call
// concurrently; finalization runs at most once.
func (l *listener) handle(ev backend.Event) {
	engineEventsTotal.WithLabelValues(ev.Type).Inc()
	if ev.Type != backend.EventStatus && ev.Type != backend.EventProgress {
		l.logger.Debug("engine event received", "type", ev.Type, "prompt_id", ev.PromptID, "node_id", ev.Node())
	}
	l.apply(ev).run(l)
}

func (l *listener) apply(ev backend.Event) *finalization {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.finalized {
		return nil
	}
	var eff effects
	if _, ok := l.engine.registry.Mutate(l.taskID, func(st *model.ExecutionState) {
		eff = reduce(st, l.sess, ev)
	}); !ok {
		// State evicted; nothing to update.
		return nil
	}
	if eff.broadcast != nil {
		l.engine.hub.Broadcast(l.taskID, *eff.broadcast)
	}
	return l.finalizeLocked(eff.finalize)
}

// promptAccepted records the prompt id the engine returned for the submit.
func (l *listener) promptAccepted(promptID string, ep model.Endpoint) {
	l.accept(promptID, ep).run(l)
}

func (l *listener) accept(promptID string, ep model.Endpoint) *finalization {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.finalized {
		return nil
	}
	// Under the lock so it is ordered before any terminal write.
	l.engine.writeStatus(l.taskID, model.StatusRunning, "", nil)
	l.sess.known[promptID] = struct{}{}
	// The engine's own execution_start may have been reduced already.
	_, announced := l.sess.announced[promptID]
	l.sess.announced[promptID] = struct{}{}
	if l.stream != nil {
		l.stream.Allow(promptID)
	}
	l.engine.registry.Mutate(l.taskID, func(st *model.ExecutionState) {
		if model.CanTransition(st.Status, model.StatusRunning) {
			st.Status = model.StatusRunning
		}
		st.PromptID = promptID
		st.PromptIDs = l.sess.knownIDs()
		st.CompletedPromptIDs = l.sess.completedKnown()
		st.TargetEndpoint = ep
		st.ErrorMessage = ""
		if !announced {
			st.AppendLog("Execution started", model.LogInfo)
		}
	})
	if !announced {
		l.engine.hub.Broadcast(l.taskID, Message{
			Type:     backend.EventExecutionStart,
			PromptID: promptID,
			Data:     map[string]any{"prompt_id": promptID},
		})
	}
	return l.finalizeLocked(l.sess.done())
}

// finalization is the durable half of a terminal transition, performed
// outside the listener lock.
type finalization struct {
	status   string
	message  string
	snapshot []byte
	msg      Message
}

func (f *finalization) run(l *listener) {
	if f == nil {
		return
	}
	l.engine.writeStatus(l.taskID, f.status, f.message, f.snapshot)
	l.engine.hub.Broadcast(l.taskID, f.msg)
	finalizationsTotal.WithLabelValues(f.status).Inc()
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// finalizeLocked applies the terminal state once. Callers hold l.mu.
func (l *listener) finalizeLocked(ready bool) *finalization {
	if !ready || l.finalized || l.stopped {
		return nil
	}
	l.finalized = true
	status, message := terminalStatus(l.sess)
	l.logger.Info("finalizing session", "status", status, "completed_prompt_ids", l.sess.completedKnown())

	st, ok := l.engine.registry.Mutate(l.taskID, func(st *model.ExecutionState) {
		if !model.CanTransition(st.Status, status) {
			return
		}
		st.Status = status
		st.ClearCurrentNode()
		if status == model.StatusFail {
			st.ErrorMessage = message
			st.AppendLog("Execution finished with errors", model.LogError)
		} else {
			st.ErrorMessage = ""
			st.AppendLog("All nodes completed", model.LogSuccess)
		}
	})
	if !ok || st.Status != status {
		return nil
	}
	return &finalization{
		status:   status,
		message:  message,
		snapshot: snapshotOrNil(st, l.logger),
		msg:      Message{Type: MessageAllCompleted, Data: map[string]any{"status": status}},
	}
}

// fail runs the terminal sequence for a session that cannot finish normally.
func (l *listener) fail(message string) {
	st, ok, proceed := l.markFailed(message)
	if !proceed {
		return
	}
	l.logger.Warn("session failed", "error", ErrConnectionLost, "message", message)
	var snapshot []byte
	if ok {
		snapshot = snapshotOrNil(st, l.logger)
	}
	l.engine.writeStatus(l.taskID, model.StatusFail, message, snapshot)
	l.engine.hub.Broadcast(l.taskID, Message{
		Type: MessageListenerError,
		Data: map[string]any{"message": message},
	})
	finalizationsTotal.WithLabelValues(model.StatusFail).Inc()
}

// markFailed applies the failed state. proceed is false when the session
// already ended or its state could not move to fail.
func (l *listener) markFailed(message string) (st *model.ExecutionState, ok, proceed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.finalized {
		return nil, false, false
	}
	l.finalized = true
	st, ok = l.engine.registry.Mutate(l.taskID, func(st *model.ExecutionState) {
		if !model.CanTransition(st.Status, model.StatusFail) {
			return
		}
		st.Status = model.StatusFail
		st.ErrorMessage = message
		st.AppendLog(message, model.LogError)
	})
	if ok && st.Status != model.StatusFail {
		return st, ok, false
	}
	return st, ok, true
}

func snapshotOrNil(st *model.ExecutionState, logger *slog.Logger) []byte {
	data, err := st.MarshalSnapshot()
	if err != nil {
		logger.Error("snapshot failed", "error", err)
		return nil
	}
	return data
}
