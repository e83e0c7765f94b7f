package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/flowtask/internal/model"
	"github.com/seantiz/flowtask/internal/store"
)

// flushTimeout bounds one flush pass.
const flushTimeout = 30 * time.Second

// worker runs tick on a fixed interval until stopped, then runs final once.
type worker struct {
	name   string
	stopCh chan struct{}
	done   chan struct{}
}

func startWorker(name string, interval time.Duration, tick, final func(ctx context.Context), logger *slog.Logger) *worker {
	w := &worker{
		name:   name,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.safeRun(tick, logger)
			case <-w.stopCh:
				if final != nil {
					w.safeRun(final, logger)
				}
				return
			}
		}
	}()
	return w
}

func (w *worker) safeRun(fn func(ctx context.Context), logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker tick panicked", "worker", w.name, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	fn(ctx)
}

// Stop signals the worker and waits for it to exit.
func (w *worker) Stop() {
	close(w.stopCh)
	<-w.done
}

// flushDirty writes every dirty state to storage. A failed write is logged
// and retried on the next pass; it never blocks the others.
func (e *Engine) flushDirty(ctx context.Context) {
	for _, id := range e.registry.DrainDirty() {
		st, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		data, err := st.MarshalSnapshot()
		if err != nil {
			stateFlushErrorsTotal.Inc()
			e.logger.Error("serialize execution state failed", "task_id", id, "error", err)
			continue
		}
		if err := e.store.SaveExecutionState(ctx, id, data); err != nil {
			stateFlushErrorsTotal.Inc()
			if errors.Is(err, store.ErrNotFound) {
				e.logger.Warn("execution state for unknown task dropped", "task_id", id)
				continue
			}
			e.logger.Error("persist execution state failed", "task_id", id, "error", err)
			e.registry.MarkDirty(id)
			continue
		}
		stateFlushesTotal.Inc()
	}
}

// cleanup evicts idle states once the retention window has passed.
func (e *Engine) cleanup(context.Context) {
	now := time.Now().UTC()
	removed := e.registry.EvictIf(func(st *model.ExecutionState) bool {
		return e.evictable(st, now)
	})
	if len(removed) > 0 {
		stateEvictionsTotal.Add(float64(len(removed)))
		e.logger.Info("execution states evicted", "count", len(removed), "task_ids", removed)
	}
}

// evictable reports whether st may leave memory: no listener, no viewers,
// not running, and idle past retention. A zero timestamp counts as expired.
func (e *Engine) evictable(st *model.ExecutionState, now time.Time) bool {
	if e.HasListener(st.TaskID) || e.hub.Count(st.TaskID) > 0 {
		return false
	}
	if st.Status == model.StatusRunning {
		return false
	}
	if st.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(st.UpdatedAt) >= e.opts.Retention
}
