package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyRunning is returned when a key already has a live process.
	ErrAlreadyRunning = errors.New("process already running for key")
	// ErrTimeout marks runs stopped by the wall-clock limit.
	ErrTimeout = errors.New("process timed out")
	// ErrCanceled marks runs stopped because their context was cancelled.
	ErrCanceled = errors.New("process cancelled")
	// ErrStopped marks runs stopped through Stop or StopAll.
	ErrStopped = errors.New("process stopped")
)

// SpawnError means the process could not be started at all. It is not
// worth retrying without a configuration change.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError is a process that ran and exited non-zero.
type ExitError struct {
	Code   int
	Stdout []string // last lines
	Stderr []string // last lines
}

func (e *ExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code %d", e.Code)
	if len(e.Stderr) > 0 {
		fmt.Fprintf(&b, "\nSTDERR: %s", strings.Join(e.Stderr, "\n"))
	}
	if len(e.Stdout) > 0 {
		fmt.Fprintf(&b, "\nSTDOUT: %s", strings.Join(e.Stdout, "\n"))
	}
	return b.String()
}

// TimeoutError is a process that outlived its wall-clock limit.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process timed out after %s", e.Limit)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
