package task

import "errors"

// Status is a task lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned when mutating the status of a finished task.
	ErrTerminal = errors.New("task already finished")
	// ErrInvalidTransition is returned for transitions the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrExists is returned when creating a task whose id is taken.
	ErrExists = errors.New("task already exists")
)

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:      {StatusInitializing, StatusCancelled},
	StatusInitializing: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
