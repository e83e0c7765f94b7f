package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/seantiz/flowtask/internal/model"
)

// Registry holds the live execution state of every task and the set of ids
// changed since the last flush. It is safe for concurrent use; callers only
// ever see clones.
type Registry struct {
	mu     sync.Mutex
	states map[string]*model.ExecutionState
	dirty  map[string]struct{}
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		states: make(map[string]*model.ExecutionState),
		dirty:  make(map[string]struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create installs a fresh state for taskID, replacing any previous one, and
// marks it dirty.
func (r *Registry) Create(taskID, status string, endpoint model.Endpoint, nodes model.NodeMap) *model.ExecutionState {
	st := model.NewExecutionState(taskID, status, endpoint, nodes)

	r.mu.Lock()
	defer r.mu.Unlock()
	st.UpdatedAt = r.now()
	r.states[taskID] = st
	r.dirty[taskID] = struct{}{}
	return st.Clone()
}

// Put installs a state reconstructed from storage unless a live one exists.
// It returns whichever state is now current. Put does not mark the entry dirty.
func (r *Registry) Put(st *model.ExecutionState) *model.ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.states[st.TaskID]; ok {
		return cur.Clone()
	}
	c := st.Clone()
	c.TrimLog()
	r.states[st.TaskID] = c
	return c.Clone()
}

// Mutate applies fn to the live state of taskID, then stamps updated_at,
// trims the log and marks the entry dirty. It returns a clone of the result.
// Mutate on an absent entry is a no-op and reports false.
func (r *Registry) Mutate(taskID string, fn func(st *model.ExecutionState)) (*model.ExecutionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[taskID]
	if !ok {
		return nil, false
	}
	fn(st)
	st.UpdatedAt = r.now()
	st.TrimLog()
	r.dirty[taskID] = struct{}{}
	return st.Clone(), true
}

// Get returns a clone of the live state.
func (r *Registry) Get(taskID string) (*model.ExecutionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[taskID]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// MarkDirty queues taskID for the next flush if it is live.
func (r *Registry) MarkDirty(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[taskID]; ok {
		r.dirty[taskID] = struct{}{}
	}
}

// Remove drops taskID.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, taskID)
	delete(r.dirty, taskID)
}

// DrainDirty returns and clears the dirty set, sorted.
func (r *Registry) DrainDirty() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		ids = append(ids, id)
	}
	clear(r.dirty)
	slices.Sort(ids)
	return ids
}

// EvictIf removes every entry for which evict returns true and reports the
// removed ids. evict sees the live state and must not call back into the
// registry.
func (r *Registry) EvictIf(evict func(st *model.ExecutionState) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, st := range r.states {
		if evict(st) {
			delete(r.states, id)
			delete(r.dirty, id)
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return removed
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
