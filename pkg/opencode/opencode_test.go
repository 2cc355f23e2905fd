package opencode

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"agent-runtime/pkg/task"
)

func TestPrepareWritesDescriptor(t *testing.T) {
	root := t.TempDir()
	p := NewPreparer(root)
	p.now = func() time.Time { return time.UnixMilli(1700000000123) }

	d, created, err := p.Prepare("proj1", "sess1", "/work/dir")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !created {
		t.Error("expected a new descriptor")
	}

	b, err := os.ReadFile(filepath.Join(root, "session", "proj1", "sess1.json"))
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "version", "projectID", "directory", "title", "time"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("descriptor missing %q", key)
		}
	}
	if d.Title != "User Session - sess1" || d.Version != SessionVersion || d.Directory != "/work/dir" {
		t.Errorf("descriptor = %+v", d)
	}
	if d.Time.Created != 1700000000123 || d.Time.Updated != d.Time.Created {
		t.Errorf("time = %+v", d.Time)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "session", "proj1"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestPrepareReusesExisting(t *testing.T) {
	root := t.TempDir()
	p := NewPreparer(root)
	first, _, err := p.Prepare("proj", "s", "/a")
	if err != nil {
		t.Fatal(err)
	}
	second, created, err := p.Prepare("proj", "s", "/b")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("existing descriptor should be reused")
	}
	if second.Directory != first.Directory {
		t.Errorf("reused descriptor changed: %s vs %s", first.Directory, second.Directory)
	}
}

func TestPrepareFailureLeavesNothing(t *testing.T) {
	root := t.TempDir()
	// A regular file where the session dir should be makes MkdirAll fail.
	if err := os.WriteFile(filepath.Join(root, "session"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewPreparer(root)
	_, _, err := p.Prepare("proj", "s", "/a")
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SessionError, got %v", err)
	}
}

func TestPrepareCorruptExisting(t *testing.T) {
	root := t.TempDir()
	p := NewPreparer(root)
	path := p.DescriptorPath("proj", "s")
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte("{not json"), 0o644)

	if _, _, err := p.Prepare("proj", "s", "/a"); err == nil {
		t.Fatal("corrupt descriptor should be reported")
	}
}

func TestCommandArgs(t *testing.T) {
	c := Command{
		Executable:   "/usr/bin/opencode",
		Model:        ModelID("github-copilot", "claude-sonnet-4"),
		Session:      "s1",
		Agent:        AgentPlanner,
		Instructions: "do it with pw secret123",
		Secrets:      []string{"secret123"},
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	want := []string{"run", "-m", "github-copilot/claude-sonnet-4", "--session", "s1", "--agent", AgentPlanner, "do it with pw secret123"}
	if got := c.Args(); !reflect.DeepEqual(got, want) {
		t.Errorf("Args = %v, want %v", got, want)
	}
	if s := c.String(); strings.Contains(s, "secret123") || !strings.HasPrefix(s, "/usr/bin/opencode run") {
		t.Errorf("String = %s", s)
	}

	if err := (Command{Executable: "x", Model: "m", Agent: "a"}).Validate(); err == nil {
		t.Error("missing instructions accepted")
	}
}

func TestPlanFor(t *testing.T) {
	base := task.Configuration{TargetURL: "https://example.com"}
	tests := []struct {
		typ    task.Type
		agents []string
	}{
		{task.TypeComplete, []string{AgentPlanner, AgentGenerator, AgentFixer}},
		{task.TypePlan, []string{AgentPlanner}},
		{task.TypeGenerate, []string{AgentGenerator}},
		{task.TypeFix, []string{AgentFixer}},
		{task.TypeRun, []string{AgentFixer}},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			steps, err := PlanFor(task.Task{Type: tt.typ, Configuration: base}, "")
			if err != nil {
				t.Fatal(err)
			}
			var agents []string
			for _, s := range steps {
				agents = append(agents, s.Agent)
				if s.Instructions == "" {
					t.Errorf("%s has no instructions", s.Agent)
				}
			}
			if !reflect.DeepEqual(agents, tt.agents) {
				t.Errorf("agents = %v, want %v", agents, tt.agents)
			}
		})
	}
}

func TestPlanForInstructions(t *testing.T) {
	steps, _ := PlanFor(task.Task{
		Type: task.TypeComplete,
		Configuration: task.Configuration{
			TargetURL:    "https://example.com",
			Instructions: "Focus on checkout.",
			SignIn:       &task.SignIn{Method: task.SignInUsernamePassword, Username: "bob", Password: "pw1"},
		},
	}, "")
	if !strings.Contains(steps[0].Instructions, "'https://example.com'") {
		t.Errorf("planner instructions lack url: %s", steps[0].Instructions)
	}
	if !strings.HasPrefix(steps[1].Instructions, "Focus on checkout. based on the test plan I created") {
		t.Errorf("generator should continue the session: %s", steps[1].Instructions)
	}
	if !strings.Contains(steps[2].Instructions, "based on the tests I generated") {
		t.Errorf("fixer should continue the session: %s", steps[2].Instructions)
	}
	if !strings.Contains(steps[0].Instructions, "username 'bob'") || steps[0].Secrets[0] != "pw1" {
		t.Errorf("sign-in not carried: %+v", steps[0])
	}

	run, _ := PlanFor(task.Task{Type: task.TypeRun, Configuration: task.Configuration{TargetURL: "u"}}, "")
	if !strings.HasPrefix(run[0].Instructions, "run tests under `tests/`") {
		t.Errorf("run instructions = %s", run[0].Instructions)
	}
}

func TestPlanForCustom(t *testing.T) {
	if _, err := PlanFor(task.Task{Type: task.TypeCustom}, ""); err == nil {
		t.Fatal("custom without instructions accepted")
	}
	steps, err := PlanFor(task.Task{Type: task.TypeCustom, Configuration: task.Configuration{Instructions: "explore"}}, "explorer")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Agent != "explorer" || steps[0].Instructions != "explore" {
		t.Errorf("steps = %+v", steps)
	}
}

func TestSeedConfig(t *testing.T) {
	src := t.TempDir()
	cfg := filepath.Join(src, "opencode.json")
	os.WriteFile(cfg, []byte(`{"x":1}`), 0o644)
	prompts := filepath.Join(src, ".opencode")
	os.MkdirAll(filepath.Join(prompts, "agent"), 0o755)
	os.WriteFile(filepath.Join(prompts, "agent", "planner.md"), []byte("plan"), 0o644)

	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, ".opencode", "stale"), 0o755)

	s, err := SeedConfig(dir, cfg, prompts)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Config || !s.Prompts {
		t.Errorf("seeded = %+v", s)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, ".opencode", "agent", "planner.md")); string(b) != "plan" {
		t.Error("prompt not copied")
	}
	if _, err := os.Stat(filepath.Join(dir, ".opencode", "stale")); !os.IsNotExist(err) {
		t.Error("old prompts dir should be replaced")
	}

	s, err = SeedConfig(t.TempDir(), filepath.Join(src, "missing.json"), filepath.Join(src, "missing"))
	if err != nil || s.Config || s.Prompts {
		t.Errorf("missing sources: %+v %v", s, err)
	}
}
