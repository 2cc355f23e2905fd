// Package opencode knows everything about the opencode CLI: how its session
// storage is laid out on disk, how a run command is built, and which agents
// and instructions each task type uses.
package opencode

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionVersion is the storage format version written into descriptors.
const SessionVersion = "0.6.4"

// DefaultStorageRoot is where opencode keeps its storage for the current user.
func DefaultStorageRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opencode-storage"
	}
	return filepath.Join(home, ".local", "share", "opencode", "storage")
}

// SessionError reports a failure to prepare a session descriptor.
type SessionError struct {
	Path string
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("prepare session %s: %v", e.Path, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Descriptor is the session file opencode reads to continue a session.
type Descriptor struct {
	ID        string      `json:"id"`
	Version   string      `json:"version"`
	ProjectID string      `json:"projectID"`
	Directory string      `json:"directory"`
	Title     string      `json:"title"`
	Time      SessionTime `json:"time"`
}

// SessionTime holds millisecond timestamps.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Preparer writes session descriptors under the tool's storage root.
type Preparer struct {
	StorageRoot string
	now         func() time.Time
}

// NewPreparer creates a Preparer for storageRoot.
func NewPreparer(storageRoot string) *Preparer {
	return &Preparer{StorageRoot: storageRoot, now: time.Now}
}

// DescriptorPath returns where the descriptor for (projectID, sessionID) lives.
func (p *Preparer) DescriptorPath(projectID, sessionID string) string {
	return filepath.Join(p.StorageRoot, "session", projectID, sessionID+".json")
}

// Prepare makes sure a descriptor exists for sessionID in projectID pointing
// at dir. An existing descriptor is reused as is. It reports whether a new
// file was written. On failure no partial file is left behind.
func (p *Preparer) Prepare(projectID, sessionID, dir string) (*Descriptor, bool, error) {
	path := p.DescriptorPath(projectID, sessionID)
	if projectID == "" || sessionID == "" {
		return nil, false, &SessionError{Path: path, Err: errors.New("project and session id are required")}
	}

	if existing, err := readDescriptor(path); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, &SessionError{Path: path, Err: fmt.Errorf("existing descriptor unreadable: %w", err)}
	}

	ms := p.now().UnixMilli()
	d := &Descriptor{
		ID:        sessionID,
		Version:   SessionVersion,
		ProjectID: projectID,
		Directory: dir,
		Title:     "User Session - " + sessionID,
		Time:      SessionTime{Created: ms, Updated: ms},
	}
	if err := writeAtomic(path, d); err != nil {
		return nil, false, &SessionError{Path: path, Err: err}
	}

	got, err := readDescriptor(path)
	if err != nil {
		os.Remove(path)
		return nil, false, &SessionError{Path: path, Err: fmt.Errorf("verify: %w", err)}
	}
	if got.ID != sessionID || got.ProjectID != projectID {
		os.Remove(path)
		return nil, false, &SessionError{Path: path, Err: errors.New("verify: descriptor content mismatch")}
	}
	return got, true, nil
}

func readDescriptor(path string) (*Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &d, nil
}

// writeAtomic writes v as JSON to a temp file next to path and renames it
// into place.
func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(b); err != nil {
		cleanup()
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close descriptor: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename descriptor: %w", err)
	}
	return nil
}
