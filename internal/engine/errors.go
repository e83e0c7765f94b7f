package engine

import "errors"

// Errors surfaced to dispatch and cancel callers. Each is wrapped with a
// descriptive message.
var (
	ErrValidation          = errors.New("validation failed")
	ErrConflict            = errors.New("conflict")
	ErrUpstreamUnreachable = errors.New("engine unreachable")
	ErrUpstreamRejected    = errors.New("engine rejected submission")
)

// ErrConnectionLost marks a session whose event stream ended before it
// finalized. It is recorded on the task, never returned.
var ErrConnectionLost = errors.New("lost connection to the engine")
