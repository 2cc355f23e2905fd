// Package workspace maps a target URL and session id to a stable on-disk
// working directory and derives the project id the agent tool keys its
// sessions by.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	dirPrefix = "workspace-"
	hashLen   = 16

	markerAuthor  = "agent-runtime"
	markerEmail   = "agent-runtime@localhost"
	markerMessage = "Initialize workspace"
)

var errNoRootCommit = errors.New("repository has no root commit")

// markerEpoch anchors the marker commit timestamps.
var markerEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// IdentityError reports a failure to establish a workspace's identity.
type IdentityError struct {
	Dir string
	Op  string
	Err error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("workspace %s: %s: %v", e.Dir, e.Op, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// Workspace is a resolved working directory.
type Workspace struct {
	Dir       string `json:"dir"`
	Hash      string `json:"hash"`
	ProjectID string `json:"project_id"`
	Created   bool   `json:"created"` // the marker commit was made by this call
}

// Resolver computes and initializes workspaces under Root.
type Resolver struct {
	Root string
	Git  string // git executable, "git" when empty
}

// NewResolver creates a Resolver rooted at root.
func NewResolver(root string) *Resolver {
	return &Resolver{Root: root, Git: "git"}
}

// NormalizeURL lowercases the URL and strips surrounding space and trailing
// slashes.
func NormalizeURL(rawURL string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(rawURL)), "/")
}

// HashURL returns the hex SHA-256 of the normalized URL.
func HashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(rawURL)))
	return hex.EncodeToString(sum[:])
}

// DirName returns the workspace folder name for a URL.
func DirName(rawURL string) string {
	return dirPrefix + HashURL(rawURL)[:hashLen]
}

// IsWorkspaceDir reports whether name looks like a folder made by DirName.
func IsWorkspaceDir(name string) bool {
	return strings.HasPrefix(name, dirPrefix) && len(name) == len(dirPrefix)+hashLen
}

// Path returns the working directory for url and sessionID without touching
// the filesystem.
func (r *Resolver) Path(rawURL, sessionID string) string {
	return filepath.Join(r.Root, DirName(rawURL), sessionID)
}

// Resolve creates the working directory if needed, seeds it with a
// deterministic marker commit on first use, and returns its project id.
func (r *Resolver) Resolve(ctx context.Context, rawURL, sessionID string) (*Workspace, error) {
	if NormalizeURL(rawURL) == "" {
		return nil, &IdentityError{Op: "normalize url", Err: errors.New("empty url")}
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, &IdentityError{Op: "validate session", Err: err}
	}

	dir, err := filepath.Abs(r.Path(rawURL, sessionID))
	if err != nil {
		return nil, &IdentityError{Dir: dir, Op: "abs path", Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IdentityError{Dir: dir, Op: "create dir", Err: err}
	}

	ws := &Workspace{Dir: dir, Hash: HashURL(rawURL)}

	if _, err := os.Stat(filepath.Join(dir, ".git")); errors.Is(err, os.ErrNotExist) {
		if err := r.seed(ctx, dir, ws.Hash); err != nil {
			return nil, &IdentityError{Dir: dir, Op: "seed", Err: err}
		}
		ws.Created = true
	} else if err != nil {
		return nil, &IdentityError{Dir: dir, Op: "stat .git", Err: err}
	}

	ws.ProjectID, err = r.ProjectID(ctx, dir)
	if errors.Is(err, errNoRootCommit) {
		// A seed from an older layout stopped between init and commit.
		if err := r.commitMarker(ctx, dir, ws.Hash); err != nil {
			return nil, &IdentityError{Dir: dir, Op: "reseed", Err: err}
		}
		ws.Created = true
		ws.ProjectID, err = r.ProjectID(ctx, dir)
	}
	if err != nil {
		return nil, &IdentityError{Dir: dir, Op: "project id", Err: err}
	}
	return ws, nil
}

// ProjectID returns the lexically first root commit of the repository in dir.
func (r *Resolver) ProjectID(ctx context.Context, dir string) (string, error) {
	out, err := r.git(ctx, dir, nil, "rev-list", "--max-parents=0", "--all")
	if err != nil {
		return "", err
	}
	var roots []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			roots = append(roots, line)
		}
	}
	if len(roots) == 0 {
		return "", errNoRootCommit
	}
	sort.Strings(roots)
	return roots[0], nil
}

// seed builds the marker repository in a scratch directory next to dir and
// moves its .git into place, so an interrupted seed leaves nothing behind.
func (r *Resolver) seed(ctx context.Context, dir, urlHash string) error {
	tmp, err := os.MkdirTemp(filepath.Dir(dir), ".seed-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if _, err := r.git(ctx, tmp, nil, "init", "-q"); err != nil {
		return err
	}
	if err := r.commitMarker(ctx, tmp, urlHash); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(tmp, ".git"), filepath.Join(dir, ".git")); err != nil {
		// Lost a race with another resolve of the same directory.
		if _, serr := os.Stat(filepath.Join(dir, ".git")); serr == nil {
			return nil
		}
		return fmt.Errorf("install repository: %w", err)
	}
	return nil
}

// commitMarker records one empty commit whose hash is a pure function of
// the URL hash.
func (r *Resolver) commitMarker(ctx context.Context, dir, urlHash string) error {
	date := MarkerTime(urlHash).Format(time.RFC3339)
	env := []string{
		"GIT_AUTHOR_NAME=" + markerAuthor,
		"GIT_AUTHOR_EMAIL=" + markerEmail,
		"GIT_AUTHOR_DATE=" + date,
		"GIT_COMMITTER_NAME=" + markerAuthor,
		"GIT_COMMITTER_EMAIL=" + markerEmail,
		"GIT_COMMITTER_DATE=" + date,
	}
	_, err := r.git(ctx, dir, env,
		"-c", "commit.gpgsign=false",
		"commit", "--allow-empty", "--no-verify", "-q", "-m", markerMessage)
	return err
}

// MarkerTime derives the marker commit timestamp from a URL hash.
func MarkerTime(urlHash string) time.Time {
	b, err := hex.DecodeString(urlHash[:8])
	if err != nil || len(b) < 4 {
		return markerEpoch
	}
	offset := binary.BigEndian.Uint32(b) % (365 * 24 * 3600)
	return markerEpoch.Add(time.Duration(offset) * time.Second)
}

func (r *Resolver) git(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	bin := r.Git
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(gitEnv(), "GIT_CEILING_DIRECTORIES="+filepath.Dir(dir))
	cmd.Env = append(cmd.Env, env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %v: %w\n%s", args, err, string(out))
	}
	return string(out), nil
}

// gitEnv is the process environment minus anything that would point git at
// another repository or inject user configuration.
func gitEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "GIT_") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "GIT_CONFIG_NOSYSTEM=1", "GIT_TERMINAL_PROMPT=0")
}
