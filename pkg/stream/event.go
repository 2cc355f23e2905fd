// Package stream fans task progress out to live observers: debug lines,
// status changes and the final completion notice.
package stream

import "time"

// Kind is the event_type of an Event.
type Kind string

const (
	KindDebug    Kind = "debug"
	KindStatus   Kind = "status"
	KindComplete Kind = "complete"
)

// Event is the wire shape delivered to observers.
type Event struct {
	Type Kind `json:"event_type"`
	Data any  `json:"data"`
}

// DebugData is the payload of a debug event.
type DebugData struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent,omitempty"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Phase     string    `json:"phase,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CompleteData is the payload of a complete event.
type CompleteData struct {
	TaskID    string    `json:"task_id"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log levels used in debug events.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARNING"
	LevelError = "ERROR"
)

// TaskID returns the task the event belongs to.
func (e Event) TaskID() string {
	switch d := e.Data.(type) {
	case DebugData:
		return d.TaskID
	case StatusData:
		return d.TaskID
	case CompleteData:
		return d.TaskID
	}
	return ""
}
