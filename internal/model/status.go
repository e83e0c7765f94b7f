package model

import (
	"errors"
	"fmt"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFail      = "fail"
	StatusCancelled = "cancelled"
)

// ErrInvalidTransition is returned when a status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions maps each status to the set of statuses it may transition
// to. Self-transitions are always allowed and are not listed.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFail:      true,
		StatusSuccess:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusFail:      true,
		StatusSuccess:   true,
		StatusCancelled: true,
	},
	StatusSuccess: {},
	StatusFail: {
		StatusPending:   true,
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusCancelled: {
		StatusPending: true,
		StatusRunning: true,
	},
}

// ValidStatus reports whether s is one of the known task statuses.
func ValidStatus(s string) bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to string) bool {
	if !ValidStatus(from) || !ValidStatus(to) {
		return false
	}
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

// EnsureTransition returns an error wrapping ErrInvalidTransition that names
// the attempted edge when the transition is not allowed.
func EnsureTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// EnsureRunnable checks that a task in status from may start a run. Any
// finished run may be followed by a new one, including a successful run.
func EnsureRunnable(from string) error {
	if IsTerminal(from) {
		return nil
	}
	return EnsureTransition(from, StatusRunning)
}

// IsTerminal reports whether s ends an execution.
func IsTerminal(s string) bool {
	return s == StatusSuccess || s == StatusFail || s == StatusCancelled
}

// AggregateStatus derives a parent status from its children's statuses.
//
// A mix of only success and cancelled children yields pending. That looks like
// a fallthrough rather than a business rule, but callers depend on it.
func AggregateStatus(statuses []string) string {
	if len(statuses) == 0 {
		return StatusPending
	}
	allCancelled, allSuccess := true, true
	anyRunning := false
	for _, s := range statuses {
		if s == StatusFail {
			return StatusFail
		}
		if s == StatusRunning {
			anyRunning = true
		}
		if s != StatusCancelled {
			allCancelled = false
		}
		if s != StatusSuccess {
			allSuccess = false
		}
	}
	switch {
	case anyRunning:
		return StatusRunning
	case allCancelled:
		return StatusCancelled
	case allSuccess:
		return StatusSuccess
	default:
		return StatusPending
	}
}
