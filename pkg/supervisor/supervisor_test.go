//go:build unix

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

func requireSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

type collector struct {
	mu    sync.Mutex
	lines []Line
}

func (c *collector) add(l Line) {
	c.mu.Lock()
	c.lines = append(c.lines, l)
	c.mu.Unlock()
}

func (c *collector) texts(stream Stream) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, l := range c.lines {
		if l.Stream == stream {
			out = append(out, l.Text)
		}
	}
	return out
}

func script(sh, body string) Spec {
	return Spec{Path: sh, Args: []string{"-c", body}, Agent: "tester"}
}

func TestRunStreamsLinesInOrder(t *testing.T) {
	sh := requireSh(t)
	s := New(time.Second)
	c := &collector{}

	res, err := s.Run(context.Background(), "t1", script(sh, `
		for i in 1 2 3; do echo "out $i"; done
		echo ""
		echo "err line" >&2
	`), c.add)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Reason != ReasonExited || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := c.texts(Stdout); strings.Join(got, ",") != "out 1,out 2,out 3" {
		t.Errorf("stdout lines = %v", got)
	}
	if got := c.texts(Stderr); len(got) != 1 || got[0] != "err line" {
		t.Errorf("stderr lines = %v", got)
	}
	for _, l := range c.lines {
		if l.Agent != "tester" {
			t.Errorf("line missing agent tag: %+v", l)
		}
	}
	if s.IsRunning("t1") {
		t.Error("finished process still registered")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	sh := requireSh(t)
	s := New(time.Second)
	_, err := s.Run(context.Background(), "t1", script(sh, `echo "bad thing" >&2; exit 3`), nil)
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if ee.Code != 3 {
		t.Errorf("code = %d", ee.Code)
	}
	if len(ee.Stderr) != 1 || ee.Stderr[0] != "bad thing" {
		t.Errorf("stderr tail = %v", ee.Stderr)
	}
	if !strings.Contains(ee.Error(), "bad thing") {
		t.Errorf("error text lacks stderr: %s", ee.Error())
	}
}

func TestRunLongLineDoesNotStallProcess(t *testing.T) {
	sh := requireSh(t)
	for _, tool := range []string{"head", "tr"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
	s := New(time.Second)
	c := &collector{}
	spec := script(sh, `head -c 2000000 /dev/zero | tr '\0' a; echo; echo after`)
	spec.Timeout = 10 * time.Second

	res, err := s.Run(context.Background(), "t1", spec, c.add)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Reason != ReasonExited || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}

	out := c.texts(Stdout)
	if len(out) < 2 || out[len(out)-1] != "after" {
		t.Fatalf("got %d stdout lines, last should be %q", len(out), "after")
	}
	total := 0
	for _, l := range out[:len(out)-1] {
		if len(l) > maxLineSize {
			t.Errorf("chunk of %d bytes exceeds %d", len(l), maxLineSize)
		}
		total += len(l)
	}
	if total != 2000000 {
		t.Errorf("forwarded %d bytes of the long line, want 2000000", total)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	s := New(time.Second)
	_, err := s.Run(context.Background(), "t1", Spec{Path: "/nonexistent/agent-binary"}, nil)
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if s.IsRunning("t1") {
		t.Error("failed spawn left an entry behind")
	}
}

func TestRunTimeout(t *testing.T) {
	sh := requireSh(t)
	s := New(200 * time.Millisecond)
	spec := script(sh, `echo started; sleep 30`)
	spec.Timeout = 300 * time.Millisecond

	start := time.Now()
	res, err := s.Run(context.Background(), "t1", spec, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Limit != spec.Timeout {
		t.Errorf("timeout error = %v", err)
	}
	if res == nil || res.Reason != ReasonTimeout {
		t.Errorf("result = %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout took %s", time.Since(start))
	}
}

func TestRunIgnoresSIGTERMThenKills(t *testing.T) {
	sh := requireSh(t)
	s := New(200 * time.Millisecond)
	spec := script(sh, `trap "" TERM; echo ready; while true; do sleep 0.1; done`)
	spec.Timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := s.Run(context.Background(), "t1", spec, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("forced kill took %s", time.Since(start))
	}
}

func TestRunCompletionDetected(t *testing.T) {
	sh := requireSh(t)
	s := New(200 * time.Millisecond)
	spec := script(sh, `echo working; echo "INFO all done marker" >&2; sleep 30`)
	spec.Detector = SubstringDetector("done marker")

	start := time.Now()
	res, err := s.Run(context.Background(), "t1", spec, nil)
	if err != nil {
		t.Fatalf("detected completion should succeed, got %v", err)
	}
	if res.Reason != ReasonDetected {
		t.Errorf("reason = %s", res.Reason)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("detection took %s", time.Since(start))
	}
}

func TestSubstringDetectorOnlyWatchesStderr(t *testing.T) {
	d := SubstringDetector("marker")
	if d(Stdout, "marker") {
		t.Error("stdout should not trigger")
	}
	if !d(Stderr, "xx marker xx") {
		t.Error("stderr should trigger")
	}
	if SubstringDetector("") != nil {
		t.Error("empty marker should disable detection")
	}
}

func TestRunContextCancel(t *testing.T) {
	sh := requireSh(t)
	s := New(200 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	res, err := s.Run(ctx, "t1", script(sh, `sleep 30`), nil)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if res.Reason != ReasonCanceled {
		t.Errorf("reason = %s", res.Reason)
	}
}

func TestRunDuplicateKey(t *testing.T) {
	sh := requireSh(t)
	s := New(200 * time.Millisecond)
	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), "dup", script(sh, `echo up; sleep 30`), func(Line) {
			once.Do(func() { close(started) })
		})
		done <- err
	}()
	<-started

	if _, err := s.Run(context.Background(), "dup", script(sh, `true`), nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	ok, err := s.Stop(context.Background(), "dup")
	if !ok || err != nil {
		t.Fatalf("stop = %v, %v", ok, err)
	}
	if err := <-done; !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if ok, _ := s.Stop(context.Background(), "dup"); ok {
		t.Error("stopping a finished key should report false")
	}
}

func TestStopAll(t *testing.T) {
	sh := requireSh(t)
	s := New(200 * time.Millisecond)

	const n = 3
	var ready sync.WaitGroup
	ready.Add(n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("task-%d", i)
		var once sync.Once
		go func() {
			_, err := s.Run(context.Background(), key, script(sh, `echo up; sleep 30`), func(Line) {
				once.Do(ready.Done)
			})
			errs <- err
		}()
	}
	ready.Wait()
	if got := len(s.Running()); got != n {
		t.Fatalf("running = %d, want %d", got, n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopped := s.StopAll(ctx); stopped != n {
		t.Errorf("StopAll = %d, want %d", stopped, n)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; !errors.Is(err, ErrStopped) {
			t.Errorf("run %d: expected ErrStopped, got %v", i, err)
		}
	}
	if len(s.Running()) != 0 {
		t.Errorf("table not empty: %v", s.Running())
	}
	if s.StopAll(ctx) != 0 {
		t.Error("StopAll on empty table should stop nothing")
	}
}

func TestTail(t *testing.T) {
	tl := newTail(3)
	if len(tl.lines()) != 0 {
		t.Fatal("new tail not empty")
	}
	for i := 1; i <= 5; i++ {
		tl.add(fmt.Sprint(i))
	}
	if got := strings.Join(tl.lines(), ","); got != "3,4,5" {
		t.Errorf("tail = %s", got)
	}
}
