// Package supervisor runs external agent processes: it streams their output
// line by line, watches for completion markers, enforces a wall-clock limit,
// and can stop one or all of them with a graceful-then-forced termination.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout is the wall-clock limit when Spec.Timeout is zero.
	DefaultTimeout = 3 * time.Hour
	// DefaultGracePeriod is how long a process gets between SIGTERM and SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	maxLineSize = 1 << 20
	tailLines   = 50
)

// Reason says why a run ended.
type Reason string

const (
	ReasonExited   Reason = "exited"
	ReasonDetected Reason = "completion_detected"
	ReasonTimeout  Reason = "timeout"
	ReasonCanceled Reason = "cancelled"
	ReasonStopped  Reason = "stopped"
)

// Spec describes one process to run.
type Spec struct {
	Path     string
	Args     []string
	Dir      string
	Env      []string // appended to the current environment; later entries win
	Agent    string   // tag attached to every line
	Timeout  time.Duration
	Detector CompletionDetector
}

// Line is one non-empty line of process output.
type Line struct {
	Stream Stream
	Text   string
	Agent  string
}

// LineFunc receives output lines. It is called from two goroutines at once
// and must be safe for concurrent use.
type LineFunc func(Line)

// Result describes a finished run.
type Result struct {
	Reason     Reason        `json:"reason"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	StdoutTail []string      `json:"stdout_tail,omitempty"`
	StderrTail []string      `json:"stderr_tail,omitempty"`
}

// Supervisor owns the table of live processes.
type Supervisor struct {
	grace time.Duration
	log   *logrus.Entry

	mu    sync.Mutex
	procs map[string]*proc
}

type proc struct {
	key  string
	stop chan struct{}
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	cmd *exec.Cmd
}

func (p *proc) requestStop() {
	p.once.Do(func() { close(p.stop) })
}

func (p *proc) forceKill() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd != nil {
		kill(cmd)
	}
}

// New creates a Supervisor. A zero grace uses DefaultGracePeriod.
func New(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Supervisor{
		grace: grace,
		log:   logrus.WithField("component", "supervisor"),
		procs: make(map[string]*proc),
	}
}

// Run starts the process described by spec under key and blocks until it
// ends. At most one process may be live per key.
//
// The returned error is nil when the process exited zero or a completion
// marker was seen. Otherwise it is a *SpawnError, an *ExitError, a
// *TimeoutError (matching ErrTimeout), or wraps ErrCanceled or ErrStopped.
// The Result is non-nil whenever the process was started.
func (s *Supervisor) Run(ctx context.Context, key string, spec Spec, onLine LineFunc) (*Result, error) {
	if spec.Path == "" {
		return nil, &SpawnError{Path: spec.Path, Err: errors.New("empty executable path")}
	}

	p := &proc{key: key, stop: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	if _, ok := s.procs[key]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", key, ErrAlreadyRunning)
	}
	s.procs[key] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.procs, key)
		s.mu.Unlock()
		close(p.done)
	}()

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"key": key, "agent": spec.Agent, "pid": cmd.Process.Pid})
	log.Debug("process started")

	detected := make(chan struct{})
	var detectOnce sync.Once
	outTail, errTail := newTail(tailLines), newTail(tailLines)

	var readers sync.WaitGroup
	emit := func(stream Stream, tail *tail, text string) {
		line := strings.TrimRight(text, "\r")
		if strings.TrimSpace(line) == "" {
			return
		}
		tail.add(line)
		if onLine != nil {
			onLine(Line{Stream: stream, Text: line, Agent: spec.Agent})
		}
		if spec.Detector != nil && spec.Detector(stream, line) {
			detectOnce.Do(func() { close(detected) })
		}
	}
	// read forwards lines longer than maxLineSize in maxLineSize chunks and
	// keeps the pipe drained until it is closed.
	read := func(r io.Reader, stream Stream, tail *tail) {
		defer readers.Done()
		br := bufio.NewReaderSize(r, 64*1024)
		var buf []byte
		for {
			frag, more, err := br.ReadLine()
			if err != nil {
				if len(buf) > 0 {
					emit(stream, tail, string(buf))
				}
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					log.WithError(err).WithField("stream", stream).Warn("read process output")
					io.Copy(io.Discard, r)
				}
				return
			}
			buf = append(buf, frag...)
			if more && len(buf) < maxLineSize {
				continue
			}
			emit(stream, tail, string(buf))
			buf = buf[:0]
		}
	}
	readers.Add(2)
	go read(stdout, Stdout, outTail)
	go read(stderr, Stderr, errTail)

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var reason Reason
	var waitErr error
	select {
	case waitErr = <-waitCh:
		reason = ReasonExited
	case <-detected:
		reason = ReasonDetected
	case <-timer.C:
		reason = ReasonTimeout
	case <-ctx.Done():
		reason = ReasonCanceled
	case <-p.stop:
		reason = ReasonStopped
	}
	if reason != ReasonExited {
		log.WithField("reason", reason).Info("terminating process")
		waitErr = s.shutdown(cmd, waitCh, stdout, stderr)
	}

	res := &Result{
		Reason:     reason,
		ExitCode:   exitCode(cmd, waitErr),
		Duration:   time.Since(start),
		StdoutTail: outTail.lines(),
		StderrTail: errTail.lines(),
	}
	log.WithFields(logrus.Fields{"reason": reason, "exit_code": res.ExitCode, "duration": res.Duration}).Debug("process finished")

	switch reason {
	case ReasonDetected:
		return res, nil
	case ReasonTimeout:
		return res, &TimeoutError{Limit: timeout}
	case ReasonCanceled:
		return res, fmt.Errorf("%w: %v", ErrCanceled, context.Cause(ctx))
	case ReasonStopped:
		return res, ErrStopped
	}

	if waitErr != nil {
		var ee *exec.ExitError
		if !errors.As(waitErr, &ee) {
			return res, fmt.Errorf("wait %s: %w", spec.Path, waitErr)
		}
	}
	if res.ExitCode != 0 {
		return res, &ExitError{Code: res.ExitCode, Stdout: res.StdoutTail, Stderr: res.StderrTail}
	}
	return res, nil
}

// shutdown sends SIGTERM, escalates to SIGKILL after the grace period, and
// finally closes the pipes if something still holds them open.
func (s *Supervisor) shutdown(cmd *exec.Cmd, waitCh <-chan error, pipes ...io.Closer) error {
	terminate(cmd)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(s.grace):
	}

	kill(cmd)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(s.grace):
	}

	for _, c := range pipes {
		c.Close()
	}
	return <-waitCh
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Stop terminates the process registered under key and waits for it to be
// gone. It reports whether a process was found.
func (s *Supervisor) Stop(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	p, ok := s.procs[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	p.requestStop()
	select {
	case <-p.done:
		return true, nil
	case <-ctx.Done():
		p.forceKill()
		return true, ctx.Err()
	}
}

// StopAll terminates every live process in parallel and waits for them.
// Processes still alive when ctx ends are killed outright. It returns how
// many processes were stopped.
func (s *Supervisor) StopAll(ctx context.Context) int {
	s.mu.Lock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.requestStop()
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-ctx.Done():
			s.log.WithField("key", p.key).Warn("process did not stop in time, killing")
			p.forceKill()
		}
	}
	return len(procs)
}

// Running returns the keys of all live processes.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.procs))
	for k := range s.procs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsRunning reports whether key has a live process.
func (s *Supervisor) IsRunning(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[key]
	return ok
}
