package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ErrSessionNotFound is returned when no workspace holds a session.
var ErrSessionNotFound = errors.New("session not found")

// ValidateSessionID rejects ids that are unsafe as a single path element.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// ListSessions returns the distinct session ids found under root, sorted.
func ListSessions(root string) ([]string, error) {
	dirs, err := sessionDirs(root)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, d := range dirs {
		id := filepath.Base(d)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// FindSession returns the working directory of sessionID. When several
// target URLs share the id, the most recently modified directory wins.
func FindSession(root, sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	dirs, err := sessionDirs(root)
	if err != nil {
		return "", err
	}
	var best string
	var bestMod int64
	for _, d := range dirs {
		if filepath.Base(d) != sessionID {
			continue
		}
		info, err := os.Stat(d)
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); best == "" || mod > bestMod {
			best, bestMod = d, mod
		}
	}
	if best == "" {
		return "", fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	return best, nil
}

// sessionDirs lists every <root>/workspace-*/<session> directory.
func sessionDirs(root string) ([]string, error) {
	workspaces, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions root: %w", err)
	}
	var out []string
	for _, ws := range workspaces {
		if !ws.IsDir() || !IsWorkspaceDir(ws.Name()) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, ws.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() && ValidateSessionID(e.Name()) == nil {
				out = append(out, filepath.Join(root, ws.Name(), e.Name()))
			}
		}
	}
	return out, nil
}
