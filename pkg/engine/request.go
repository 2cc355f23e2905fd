package engine

import (
	"fmt"
	"net/url"
	"strings"

	"agent-runtime/pkg/artifacts"
	"agent-runtime/pkg/task"
	"agent-runtime/pkg/workspace"
)

// Request is a task submission.
type Request struct {
	Type                 task.Type                  `json:"type"`
	Configuration        task.Configuration         `json:"configuration"`
	SessionID            string                     `json:"session_id"`
	ArtifactsDestination *task.ArtifactsDestination `json:"artifacts_destination,omitempty"`
}

// ValidationError rejects a request before any task is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the request shape. It does not touch the filesystem.
func (r Request) Validate() error {
	if _, err := task.ParseType(string(r.Type)); err != nil {
		return &ValidationError{Field: "type", Reason: err.Error()}
	}

	u, err := url.Parse(strings.TrimSpace(r.Configuration.TargetURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "configuration.target_url", Reason: "must be an absolute http(s) URL"}
	}

	if err := workspace.ValidateSessionID(r.SessionID); err != nil {
		return &ValidationError{Field: "session_id", Reason: err.Error()}
	}

	if r.Type == task.TypeCustom && strings.TrimSpace(r.Configuration.Instructions) == "" {
		return &ValidationError{Field: "configuration.instructions", Reason: "required for custom tasks"}
	}

	if s := r.Configuration.SignIn; s != nil {
		switch s.Method {
		case "", task.SignInNone:
		case task.SignInUsernamePassword:
			if s.Username == "" || s.Password == "" {
				return &ValidationError{Field: "configuration.sign_in", Reason: "username and password are required"}
			}
		default:
			return &ValidationError{Field: "configuration.sign_in.method", Reason: fmt.Sprintf("unsupported method %q", s.Method)}
		}
	}

	if d := r.ArtifactsDestination; d != nil {
		switch {
		case d.SASURL != "" && d.Bucket != "":
			return &ValidationError{Field: "artifacts_destination", Reason: "set either sas_url or bucket, not both"}
		case d.SASURL != "":
			if err := artifacts.ValidateSASURL(d.SASURL); err != nil {
				return &ValidationError{Field: "artifacts_destination.sas_url", Reason: err.Error()}
			}
		}
	}
	return nil
}
