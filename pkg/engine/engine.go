// Package engine drives tasks through their lifecycle: it prepares the
// workspace and the agent session, runs each agent step under the process
// supervisor, and publishes every state change to the broadcaster.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agent-runtime/pkg/artifacts"
	"agent-runtime/pkg/cleanup"
	"agent-runtime/pkg/opencode"
	"agent-runtime/pkg/stream"
	"agent-runtime/pkg/supervisor"
	"agent-runtime/pkg/task"
	"agent-runtime/pkg/workspace"
)

// ErrExecutableMissing means the agent tool could not be found on disk or
// in PATH.
var ErrExecutableMissing = errors.New("agent executable not found")

// Config holds the settings that shape every run.
type Config struct {
	Executable  string
	Model       string // provider/model
	Timeout     time.Duration
	Detector    supervisor.CompletionDetector
	ConfigPath  string
	PromptsPath string
	CustomAgent string
	Env         []string
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Tasks      *task.Registry
	Hub        *stream.Hub
	Resolver   *workspace.Resolver
	Preparer   *opencode.Preparer
	Supervisor *supervisor.Supervisor
	Uploader   artifacts.Uploader // optional
}

// Engine runs submitted tasks, one goroutine each.
type Engine struct {
	cfg      Config
	tasks    *task.Registry
	hub      *stream.Hub
	resolver *workspace.Resolver
	preparer *opencode.Preparer
	procs    *supervisor.Supervisor
	uploader artifacts.Uploader
	cleaner  *cleanup.Coordinator
	log      *logrus.Entry

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config, d Deps) *Engine {
	e := &Engine{
		cfg:      cfg,
		tasks:    d.Tasks,
		hub:      d.Hub,
		resolver: d.Resolver,
		preparer: d.Preparer,
		procs:    d.Supervisor,
		uploader: d.Uploader,
		log:      logrus.WithField("component", "engine"),
		cancels:  make(map[string]context.CancelFunc),
	}
	e.cleaner = cleanup.New(e, d.Tasks, d.Resolver.Root, d.Preparer.StorageRoot)
	e.cleaner.Observers = d.Hub
	return e
}

// Submit validates req, records a pending task and starts executing it in
// the background. The returned record already carries its working
// directory.
func (e *Engine) Submit(req Request) (task.Task, error) {
	if err := req.Validate(); err != nil {
		return task.Task{}, err
	}

	t := &task.Task{
		Type:                 req.Type,
		Configuration:        req.Configuration,
		SessionID:            req.SessionID,
		WorkingDirectory:     e.resolver.Path(req.Configuration.TargetURL, req.SessionID),
		ArtifactsDestination: req.ArtifactsDestination,
		Phase:                "Queued",
	}
	created, err := e.tasks.Create(t)
	if err != nil {
		return task.Task{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[created.ID] = cancel
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"task_id": created.ID, "type": created.Type, "session_id": created.SessionID}).Info("task submitted")
	e.hub.Debugf(created.ID, "Task created: type=%s target=%s session=%s", created.Type, created.Configuration.TargetURL, created.SessionID)

	e.wg.Add(1)
	go e.execute(ctx, created.ID)
	return created, nil
}

// Cancel stops a task. Cancelling a finished task returns it unchanged.
func (e *Engine) Cancel(ctx context.Context, id string) (task.Task, error) {
	t, err := e.tasks.Get(id)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	e.hub.Debug(id, stream.LevelWarn, "Cancellation requested", "")

	// The live process goes first; the task is recorded cancelled after it.
	e.mu.Lock()
	cancel := e.cancels[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if _, err := e.procs.Stop(ctx, id); err != nil {
		e.log.WithError(err).WithField("task_id", id).Warn("stop process")
	}

	t, err = e.tasks.Transition(id, task.StatusCancelled, func(t *task.Task) { t.Phase = "Cancelled" })
	if errors.Is(err, task.ErrTerminal) {
		// The task goroutine saw the stop and recorded the outcome itself.
		return e.tasks.Get(id)
	}
	if err != nil {
		return task.Task{}, err
	}

	e.hub.Status(id, task.StatusCancelled, t.Phase)
	e.hub.Complete(id, false, "Task cancelled")
	e.log.WithField("task_id", id).Info("task cancelled")
	return t, nil
}

// StopAll stops every live process, cancels every executing task and waits
// for the task goroutines to wind down or ctx to end. It returns the number of
// processes stopped.
func (e *Engine) StopAll(ctx context.Context) int {
	n := e.procs.StopAll(ctx)

	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("tasks still winding down after stop")
	}
	return n
}

// Shutdown stops all work. Interrupted tasks end up cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	n := e.StopAll(ctx)
	e.log.WithField("stopped", n).Info("engine shut down")
	return ctx.Err()
}

// Cleanup stops all work and deletes every task, workspace and stored
// agent session.
func (e *Engine) Cleanup(ctx context.Context) cleanup.Report {
	return e.cleaner.Run(ctx)
}

// Tasks exposes the registry the engine writes to.
func (e *Engine) Tasks() *task.Registry { return e.tasks }

// Hub exposes the broadcaster the engine publishes to.
func (e *Engine) Hub() *stream.Hub { return e.hub }

// ExecutableAvailable reports whether the agent tool can be found.
func (e *Engine) ExecutableAvailable() bool {
	_, err := lookExecutable(e.cfg.Executable)
	return err == nil
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	if cancel, ok := e.cancels[id]; ok {
		cancel()
		delete(e.cancels, id)
	}
	e.mu.Unlock()
}

func (e *Engine) execute(ctx context.Context, id string) {
	defer e.wg.Done()
	defer e.forget(id)
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("task_id", id).Errorf("panic in task: %v", r)
			e.fail(id, fmt.Errorf("internal error: %v", r))
		}
	}()

	t, err := e.tasks.Transition(id, task.StatusInitializing, func(t *task.Task) { t.Phase = "Preparing workspace" })
	if err != nil {
		// Cancelled before it started.
		return
	}
	e.hub.Status(id, t.Status, t.Phase)

	ws, exe, err := e.prepare(ctx, t)
	if err != nil {
		e.abort(ctx, id, err)
		return
	}

	steps, err := opencode.PlanFor(t, e.cfg.CustomAgent)
	if err != nil {
		e.fail(id, err)
		return
	}

	t, err = e.tasks.Transition(id, task.StatusRunning, func(t *task.Task) {
		t.Phase = fmt.Sprintf("Executing %s pipeline", t.Type)
	})
	if err != nil {
		return
	}
	e.hub.Status(id, t.Status, t.Phase)

	agents := make([]string, len(steps))
	for i, s := range steps {
		agents[i] = s.Agent
	}
	e.hub.Debugf(id, "Selected agents: %s", strings.Join(agents, ", "))

	for i, step := range steps {
		if ctx.Err() != nil {
			e.cancelled(id)
			return
		}
		if err := e.runStep(ctx, t, ws, exe, step, i, len(steps)); err != nil {
			e.abort(ctx, id, err)
			return
		}
	}
	e.hub.Debugf(id, "All agents completed successfully")
	e.succeed(ctx, id)
}

// prepare runs the initializing phase and returns the workspace and the
// resolved executable path.
func (e *Engine) prepare(ctx context.Context, t task.Task) (*workspace.Workspace, string, error) {
	id := t.ID
	ws, err := e.resolver.Resolve(ctx, t.Configuration.TargetURL, t.SessionID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve workspace: %w", err)
	}
	if ws.Created {
		e.hub.Debugf(id, "Created workspace %s", ws.Dir)
	} else {
		e.hub.Debugf(id, "Reusing workspace %s", ws.Dir)
	}
	e.hub.Debugf(id, "Project id: %s", ws.ProjectID)
	e.tasks.Update(id, func(t *task.Task) {
		t.WorkingDirectory = ws.Dir
		t.ProjectID = ws.ProjectID
	})

	seeded, err := opencode.SeedConfig(ws.Dir, e.cfg.ConfigPath, e.cfg.PromptsPath)
	if err != nil {
		return nil, "", fmt.Errorf("seed agent configuration: %w", err)
	}
	if !seeded.Config {
		e.hub.Debug(id, stream.LevelWarn, fmt.Sprintf("Agent configuration not found at %s, continuing without it", e.cfg.ConfigPath), "")
	}
	if !seeded.Prompts {
		e.hub.Debug(id, stream.LevelWarn, fmt.Sprintf("Agent prompts not found at %s, continuing without them", e.cfg.PromptsPath), "")
	}

	desc, created, err := e.preparer.Prepare(ws.ProjectID, t.SessionID, ws.Dir)
	if err != nil {
		return nil, "", err
	}
	if created {
		e.hub.Debugf(id, "Created agent session %s", desc.ID)
	} else {
		e.hub.Debugf(id, "Reusing agent session %s", desc.ID)
	}

	exe, err := lookExecutable(e.cfg.Executable)
	if err != nil {
		return nil, "", err
	}
	return ws, exe, nil
}

func (e *Engine) runStep(ctx context.Context, t task.Task, ws *workspace.Workspace, exe string, step opencode.Step, i, n int) error {
	id := t.ID
	phase := fmt.Sprintf("Running %s (%d/%d)", step.Agent, i+1, n)
	if cur, err := e.tasks.Update(id, func(t *task.Task) { t.Phase = phase }); err == nil {
		e.hub.Status(id, cur.Status, phase)
	}
	e.hub.Debug(id, stream.LevelInfo, fmt.Sprintf("Starting agent %d/%d: %s", i+1, n, step.Agent), step.Agent)

	cmd := opencode.Command{
		Executable:   exe,
		Model:        e.cfg.Model,
		Session:      t.SessionID,
		Agent:        step.Agent,
		Instructions: step.Instructions,
		Secrets:      step.Secrets,
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("agent '%s': %w", step.Agent, err)
	}
	e.hub.Debug(id, stream.LevelInfo, "About to execute command: "+cmd.String(), step.Agent)
	e.hub.Debug(id, stream.LevelInfo, "Working directory: "+ws.Dir, step.Agent)

	spec := supervisor.Spec{
		Path:     exe,
		Args:     cmd.Args(),
		Dir:      ws.Dir,
		Env:      e.cfg.Env,
		Agent:    step.Agent,
		Timeout:  e.cfg.Timeout,
		Detector: e.cfg.Detector,
	}
	res, err := e.procs.Run(ctx, id, spec, func(l supervisor.Line) {
		e.hub.Debug(id, stream.LevelInfo, fmt.Sprintf("OpenCode %s: %s", strings.ToUpper(string(l.Stream)), l.Text), l.Agent)
	})

	var exitErr *supervisor.ExitError
	var timeoutErr *supervisor.TimeoutError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		return fmt.Errorf("Agent '%s' failed with exit code %d\nCommand: %s\nWorking directory: %s\nSTDOUT:\n%s\nSTDERR:\n%s",
			step.Agent, exitErr.Code, cmd.String(), ws.Dir,
			strings.Join(exitErr.Stdout, "\n"), strings.Join(exitErr.Stderr, "\n"))
	case errors.As(err, &timeoutErr):
		return fmt.Errorf("Agent '%s' timed out after %s: %w", step.Agent, timeoutErr.Limit, err)
	default:
		return fmt.Errorf("agent '%s': %w", step.Agent, err)
	}

	if res.Reason == supervisor.ReasonDetected {
		e.hub.Debug(id, stream.LevelInfo, "Completion marker detected, agent process stopped", step.Agent)
	}
	e.hub.Debug(id, stream.LevelInfo, fmt.Sprintf("Agent '%s' completed successfully in %s", step.Agent, res.Duration.Round(time.Millisecond)), step.Agent)
	return nil
}

// abort ends a task that hit err: interrupted runs are cancelled, all else
// fails.
func (e *Engine) abort(ctx context.Context, id string, err error) {
	if ctx.Err() != nil || errors.Is(err, supervisor.ErrCanceled) || errors.Is(err, supervisor.ErrStopped) {
		e.cancelled(id)
		return
	}
	e.fail(id, err)
}

func (e *Engine) fail(id string, err error) {
	msg := err.Error()
	e.hub.Debug(id, stream.LevelError, "Task failed: "+msg, "")
	t, terr := e.tasks.Transition(id, task.StatusFailed, func(t *task.Task) { t.Error = msg })
	if terr != nil {
		return
	}
	e.log.WithError(err).WithField("task_id", id).Warn("task failed")
	e.hub.Status(id, t.Status, t.Phase)
	e.hub.Complete(id, false, msg)
}

func (e *Engine) cancelled(id string) {
	t, err := e.tasks.Transition(id, task.StatusCancelled, func(t *task.Task) { t.Phase = "Cancelled" })
	if err != nil {
		// Cancel already recorded it, or cleanup dropped the record.
		return
	}
	e.hub.Debug(id, stream.LevelWarn, "Task cancelled", "")
	e.hub.Status(id, t.Status, t.Phase)
	e.hub.Complete(id, false, "Task cancelled")
}

func (e *Engine) succeed(ctx context.Context, id string) {
	t, err := e.tasks.Transition(id, task.StatusCompleted, func(t *task.Task) { t.Phase = "Completed" })
	if err != nil {
		return
	}
	e.log.WithField("task_id", id).Info("task completed")
	e.hub.Status(id, t.Status, t.Phase)
	if t.ArtifactsDestination != nil {
		e.upload(ctx, t)
	}
	e.hub.Complete(id, true, "")
}

// upload ships the workspace archive. Failures are logged and leave the
// task completed.
func (e *Engine) upload(ctx context.Context, t task.Task) {
	if e.uploader == nil {
		e.hub.Debug(t.ID, stream.LevelWarn, "Artifact upload requested but no uploader is configured", "")
		return
	}
	e.hub.Debugf(t.ID, "Packaging workspace for upload")
	path, size, err := artifacts.Archive(t.WorkingDirectory)
	if err != nil {
		e.hub.Debug(t.ID, stream.LevelError, "Artifact packaging failed: "+err.Error(), "")
		return
	}
	defer os.Remove(path)

	name := artifacts.BlobName(t.SessionID, time.Now())
	up, err := e.uploader.Upload(ctx, *t.ArtifactsDestination, name, path)
	if err != nil {
		e.hub.Debug(t.ID, stream.LevelError, "Artifact upload failed: "+err.Error(), "")
		return
	}
	e.tasks.Update(t.ID, func(t *task.Task) { t.UploadedArtifact = up })
	e.hub.Debugf(t.ID, "Uploaded %s (%d bytes) to %s", up.Name, size, up.URL)
}

func lookExecutable(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: no executable configured", ErrExecutableMissing)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrExecutableMissing, name, err)
	}
	return path, nil
}
