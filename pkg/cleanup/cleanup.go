// Package cleanup tears down everything the runtime has put on disk and in
// memory: live processes, task records, session working directories and
// the agent tool's session storage.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"agent-runtime/pkg/workspace"
)

// Stopper stops every live process and reports how many there were.
type Stopper interface {
	StopAll(ctx context.Context) int
}

// Clearer drops all task records and reports how many there were.
type Clearer interface {
	Clear() int
}

// Closer detaches every observer.
type Closer interface {
	CloseAll()
}

// PathFailure is one path that could not be removed.
type PathFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Failures groups everything that went wrong during a run.
type Failures struct {
	FailedSessionDeletions    []PathFailure `json:"failed_session_deletions"`
	FailedWorkspaceDeletions  []PathFailure `json:"failed_workspace_deletions"`
	ToolStorageDeletionFailed bool          `json:"tool_storage_deletion_failed"`
	TotalFailures             int           `json:"total_failures"`
}

// Report is the outcome of a cleanup run.
type Report struct {
	Message                 string    `json:"message"`
	StoppedProcesses        int       `json:"stopped_processes"`
	DeletedSessions         int       `json:"deleted_sessions"`
	DeletedTasks            int       `json:"deleted_tasks"`
	DeletedToolStorage      bool      `json:"deleted_tool_storage"`
	TotalSessionDirectories int       `json:"total_session_directories"`
	Success                 bool      `json:"success"`
	Failures                *Failures `json:"failures,omitempty"`
}

// Coordinator runs the full teardown sequence.
type Coordinator struct {
	Processes       Stopper
	Tasks           Clearer
	Observers       Closer // optional
	SessionsRoot    string
	ToolStorageRoot string

	removeAll func(string) error
	log       *logrus.Entry
}

// New creates a Coordinator.
func New(processes Stopper, tasks Clearer, sessionsRoot, toolStorageRoot string) *Coordinator {
	return &Coordinator{
		Processes:       processes,
		Tasks:           tasks,
		SessionsRoot:    sessionsRoot,
		ToolStorageRoot: toolStorageRoot,
		removeAll:       os.RemoveAll,
		log:             logrus.WithField("component", "cleanup"),
	}
}

// Run performs the teardown. Individual path failures are recorded in the
// report, never returned; running it twice in a row is harmless.
func (c *Coordinator) Run(ctx context.Context) Report {
	var rep Report
	fails := &Failures{}

	if c.Processes != nil {
		rep.StoppedProcesses = c.Processes.StopAll(ctx)
	}
	if c.Tasks != nil {
		rep.DeletedTasks = c.Tasks.Clear()
	}
	if c.Observers != nil {
		c.Observers.CloseAll()
	}

	workspaces, err := c.workspaceDirs()
	if err != nil {
		c.log.WithError(err).Warn("list sessions root")
		fails.FailedWorkspaceDeletions = append(fails.FailedWorkspaceDeletions, PathFailure{Path: c.SessionsRoot, Error: err.Error()})
	}

	for _, ws := range workspaces {
		sessions, err := subdirs(ws)
		if err != nil {
			fails.FailedWorkspaceDeletions = append(fails.FailedWorkspaceDeletions, PathFailure{Path: ws, Error: err.Error()})
			continue
		}
		rep.TotalSessionDirectories += len(sessions)
		for _, dir := range sessions {
			if err := c.remove(dir); err != nil {
				c.log.WithError(err).WithField("path", dir).Warn("delete session directory")
				fails.FailedSessionDeletions = append(fails.FailedSessionDeletions, PathFailure{Path: dir, Error: err.Error()})
				continue
			}
			rep.DeletedSessions++
		}

		empty, err := isEmpty(ws)
		if err != nil || !empty {
			continue
		}
		if err := c.remove(ws); err != nil {
			c.log.WithError(err).WithField("path", ws).Warn("delete workspace directory")
			fails.FailedWorkspaceDeletions = append(fails.FailedWorkspaceDeletions, PathFailure{Path: ws, Error: err.Error()})
		}
	}

	if c.ToolStorageRoot != "" {
		if err := c.remove(c.ToolStorageRoot); err != nil {
			c.log.WithError(err).WithField("path", c.ToolStorageRoot).Warn("delete tool storage")
			fails.ToolStorageDeletionFailed = true
		} else {
			rep.DeletedToolStorage = true
		}
	}

	fails.TotalFailures = len(fails.FailedSessionDeletions) + len(fails.FailedWorkspaceDeletions)
	if fails.ToolStorageDeletionFailed {
		fails.TotalFailures++
	}
	rep.Success = fails.TotalFailures == 0
	if rep.Success {
		rep.Message = fmt.Sprintf("Cleanup completed: %d sessions deleted, %d tasks cleared", rep.DeletedSessions, rep.DeletedTasks)
	} else {
		rep.Failures = fails
		rep.Message = fmt.Sprintf("Cleanup completed with %d failures", fails.TotalFailures)
	}

	c.log.WithFields(logrus.Fields{
		"stopped":  rep.StoppedProcesses,
		"sessions": rep.DeletedSessions,
		"tasks":    rep.DeletedTasks,
		"failures": fails.TotalFailures,
	}).Info("cleanup finished")
	return rep
}

// remove deletes path and confirms it is gone.
func (c *Coordinator) remove(path string) error {
	rm := c.removeAll
	if rm == nil {
		rm = os.RemoveAll
	}
	if err := rm(path); err != nil {
		return err
	}
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%s still present after delete", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	return nil
}

func (c *Coordinator) workspaceDirs() ([]string, error) {
	entries, err := os.ReadDir(c.SessionsRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && workspace.IsWorkspaceDir(e.Name()) {
			out = append(out, filepath.Join(c.SessionsRoot, e.Name()))
		}
	}
	return out, nil
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func isEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
