package model

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewTaskID generates a new ULID string for use as a task identifier.
func NewTaskID() string {
	return ulid.Make().String()
}

// NewClientID returns a fresh engine client id. The engine routes stream
// events for prompts submitted under this id back to the matching socket, so
// every execution gets its own.
func NewClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
