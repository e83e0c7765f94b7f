package backend

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/seantiz/flowtask/internal/model"
)

// Submit failure classes. Each is wrapped with the upstream detail.
var (
	ErrRequest     = errors.New("engine request failed")
	ErrStatus      = errors.New("engine returned error status")
	ErrBadResponse = errors.New("engine returned non-JSON response")
)

// Backend is the client surface of one compute-engine endpoint. Every call is
// time-bounded by the implementation in addition to the caller's context.
type Backend interface {
	// Submit queues a workflow graph. A 2xx response without a prompt id
	// returns an empty PromptID and a nil error.
	Submit(ctx context.Context, graph json.RawMessage, clientID string) (SubmitResult, error)

	// QueryQueue returns the prompt ids currently running and pending.
	QueryQueue(ctx context.Context) (Queue, error)

	// DeleteFromQueue removes a pending prompt.
	DeleteFromQueue(ctx context.Context, promptID string) error

	// Interrupt stops promptID, or the current execution when promptID is empty.
	Interrupt(ctx context.Context, promptID string) error

	// OpenEventStream connects the event socket for clientID. The stream is
	// unfiltered until Allow is called.
	OpenEventStream(ctx context.Context, clientID string) (EventStream, error)
}

// Connector returns the Backend for an endpoint.
type Connector func(ep model.Endpoint) Backend

// SubmitResult holds the engine's answer to a submission.
type SubmitResult struct {
	PromptID   string          `json:"prompt_id"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// Queue is a snapshot of the engine's work queue.
type Queue struct {
	Running []string `json:"running"`
	Pending []string `json:"pending"`
}

// IsRunning reports whether promptID is executing.
func (q Queue) IsRunning(promptID string) bool { return slices.Contains(q.Running, promptID) }

// IsPending reports whether promptID is waiting in the queue.
func (q Queue) IsPending(promptID string) bool { return slices.Contains(q.Pending, promptID) }

// EventStream delivers normalized engine events in arrival order.
type EventStream interface {
	// Events is closed when the underlying connection ends.
	Events() <-chan Event

	// Allow adds prompt ids to the filter. Once any id is allowed, events
	// carrying a different prompt id are dropped; events without one pass.
	Allow(promptIDs ...string)

	// Err returns the reason the stream ended, or nil after a clean close.
	Err() error

	Close() error
}
