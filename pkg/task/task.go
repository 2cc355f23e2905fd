// Package task holds the task record, its lifecycle state machine and the
// in-memory registry that owns every live task.
package task

import (
	"fmt"
	"time"
)

// Type selects which agent workflow a task runs.
type Type string

const (
	TypeComplete Type = "complete" // plan, generate, then fix
	TypePlan     Type = "plan"
	TypeGenerate Type = "generate"
	TypeFix      Type = "fix"
	TypeRun      Type = "run"
	TypeCustom   Type = "custom"
)

// Types lists every accepted task type.
var Types = []Type{TypeComplete, TypePlan, TypeGenerate, TypeFix, TypeRun, TypeCustom}

// ParseType validates s against the closed set of task types.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Sign-in methods.
const (
	SignInNone             = "none"
	SignInUsernamePassword = "username-password"
)

// SignIn describes how the agent should authenticate against the target app.
type SignIn struct {
	Method   string `json:"method"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Configuration is the user-supplied part of a task.
type Configuration struct {
	TargetURL    string  `json:"target_url"`
	SignIn       *SignIn `json:"sign_in,omitempty"`
	Instructions string  `json:"instructions,omitempty"`
}

// ArtifactsDestination says where the workspace archive goes after a run.
// Exactly one of SASURL or Bucket is expected.
type ArtifactsDestination struct {
	SASURL string `json:"sas_url,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// UploadedArtifact records a successful archive upload.
type UploadedArtifact struct {
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Task is one request to run an agent workflow against a target application.
type Task struct {
	ID                   string                `json:"id"`
	Type                 Type                  `json:"type"`
	Status               Status                `json:"status"`
	Configuration        Configuration         `json:"configuration"`
	SessionID            string                `json:"session_id"`
	WorkingDirectory     string                `json:"working_directory"`
	ProjectID            string                `json:"project_id,omitempty"`
	Phase                string                `json:"phase,omitempty"`
	Error                string                `json:"error,omitempty"`
	ArtifactsDestination *ArtifactsDestination `json:"artifacts_destination,omitempty"`
	UploadedArtifact     *UploadedArtifact     `json:"uploaded_artifact,omitempty"`
	DebugLog             []string              `json:"debug_log,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
	CompletedAt          *time.Time            `json:"completed_at,omitempty"`
}

// Public returns a copy safe to hand to API clients: no debug log and no
// sign-in secret.
func (t Task) Public() Task {
	t.DebugLog = nil
	if t.Configuration.SignIn != nil {
		s := *t.Configuration.SignIn
		if s.Password != "" {
			s.Password = "********"
		}
		t.Configuration.SignIn = &s
	}
	if t.ArtifactsDestination != nil && t.ArtifactsDestination.SASURL != "" {
		d := *t.ArtifactsDestination
		d.SASURL = redactQuery(d.SASURL)
		t.ArtifactsDestination = &d
	}
	return t
}

// clone deep-copies the mutable parts of t.
func (t *Task) clone() Task {
	c := *t
	if t.DebugLog != nil {
		c.DebugLog = append([]string(nil), t.DebugLog...)
	}
	if t.Configuration.SignIn != nil {
		s := *t.Configuration.SignIn
		c.Configuration.SignIn = &s
	}
	if t.ArtifactsDestination != nil {
		d := *t.ArtifactsDestination
		c.ArtifactsDestination = &d
	}
	if t.UploadedArtifact != nil {
		u := *t.UploadedArtifact
		c.UploadedArtifact = &u
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}

func redactQuery(u string) string {
	for i := 0; i < len(u); i++ {
		if u[i] == '?' {
			return u[:i] + "?<redacted>"
		}
	}
	return u
}

// FormatLogLine renders a debug log line the way it is stored on the task.
func FormatLogLine(ts time.Time, msg string) string {
	return fmt.Sprintf("[%s] %s", ts.Format("15:04:05"), msg)
}
