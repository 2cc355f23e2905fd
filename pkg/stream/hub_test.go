package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agent-runtime/pkg/task"
)

func newTestHub(t *testing.T, opts ...Option) (*Hub, *task.Registry, string) {
	t.Helper()
	reg := task.NewRegistry()
	created, err := reg.Create(&task.Task{Type: task.TypePlan, SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	return NewHub(reg, opts...), reg, created.ID
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return ev
}

func TestPublishWithoutObserversJournals(t *testing.T) {
	h, reg, id := newTestHub(t)
	h.Debugf(id, "hello %d", 1)
	h.Status(id, task.StatusRunning, "")
	h.Complete(id, true, "")

	logs, _ := reg.Logs(id)
	if len(logs) != 1 {
		t.Fatalf("expected 1 journaled line, got %v", logs)
	}
	if want := "] hello 1"; logs[0][len(logs[0])-len(want):] != want {
		t.Errorf("line = %q", logs[0])
	}
}

func TestSubscribeUnknownTask(t *testing.T) {
	h, _, _ := newTestHub(t)
	if _, err := h.Subscribe("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestReplayThenLive(t *testing.T) {
	h, _, id := newTestHub(t)
	for i := 0; i < 3; i++ {
		h.Debugf(id, "before %d", i)
	}

	sub, err := h.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	ev := next(t, sub)
	if ev.Type != KindStatus || ev.Data.(StatusData).Status != string(task.StatusPending) {
		t.Fatalf("first replayed event = %+v", ev)
	}
	for i := 0; i < 3; i++ {
		ev := next(t, sub)
		if ev.Type != KindDebug {
			t.Fatalf("replay %d: type %s", i, ev.Type)
		}
	}

	h.Debug(id, LevelInfo, "live", "planner")
	ev = next(t, sub)
	d := ev.Data.(DebugData)
	if d.Message != "live" || d.Agent != "planner" {
		t.Fatalf("live event = %+v", d)
	}
}

func TestReplayOfFinishedTaskEndsWithComplete(t *testing.T) {
	h, reg, id := newTestHub(t)
	reg.Transition(id, task.StatusInitializing, nil)
	reg.Transition(id, task.StatusFailed, func(tk *task.Task) { tk.Error = "boom" })

	sub, err := h.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	next(t, sub)
	ev := next(t, sub)
	if ev.Type != KindComplete {
		t.Fatalf("expected complete, got %s", ev.Type)
	}
	c := ev.Data.(CompleteData)
	if c.Success || c.Error != "boom" {
		t.Errorf("complete = %+v", c)
	}
}

// Lines published concurrently with Subscribe must show up exactly once,
// either in the replay or live.
func TestNoGapsNoDuplicates(t *testing.T) {
	h, _, id := newTestHub(t)
	const total = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			h.Debugf(id, "line-%d", i)
		}
	}()

	time.Sleep(time.Millisecond)
	sub, err := h.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	wg.Wait()
	h.Complete(id, true, "")

	seen := map[string]int{}
	for {
		ev := next(t, sub)
		if ev.Type == KindComplete {
			break
		}
		if ev.Type != KindDebug {
			continue
		}
		msg := ev.Data.(DebugData).Message
		for i := 0; i < total; i++ {
			tag := fmt.Sprintf("line-%d", i)
			if msg == tag || (len(msg) > len(tag) && msg[len(msg)-len(tag)-1:] == " "+tag) {
				seen[tag]++
				break
			}
		}
	}
	if len(seen) != total {
		t.Fatalf("saw %d distinct lines, want %d", len(seen), total)
	}
	for tag, n := range seen {
		if n != 1 {
			t.Fatalf("%s delivered %d times", tag, n)
		}
	}
}

func TestSlowObserverIsDroppedAlone(t *testing.T) {
	h, _, id := newTestHub(t, WithQueueLimit(5))
	slow, _ := h.Subscribe(id)
	fast, _ := h.Subscribe(id)
	defer fast.Close()

	// Drain the fast observer's replay.
	next(t, fast)

	for i := 0; i < 10; i++ {
		h.Debugf(id, "msg %d", i)
		next(t, fast)
	}

	if h.Observers(id) != 1 {
		t.Fatalf("observers = %d, want 1", h.Observers(id))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var err error
	for err == nil {
		_, err = slow.Next(ctx)
	}
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("slow observer error = %v, want ErrOverflow", err)
	}
}

func TestCloseDetaches(t *testing.T) {
	h, _, id := newTestHub(t)
	sub, _ := h.Subscribe(id)
	sub.Close()
	sub.Close()
	if h.Observers(id) != 0 {
		t.Fatal("observer still attached")
	}
	h.Debugf(id, "after close")
}

func TestCloseAll(t *testing.T) {
	h, _, id := newTestHub(t)
	sub, _ := h.Subscribe(id)
	h.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var err error
	for err == nil {
		_, err = sub.Next(ctx)
	}
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type recordingArchive struct {
	mu     sync.Mutex
	events []Event
}

func (a *recordingArchive) Enqueue(ev Event) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

func TestArchiveReceivesEvents(t *testing.T) {
	a := &recordingArchive{}
	h, _, id := newTestHub(t, WithArchive(a))
	h.Debugf(id, "x")
	h.Status(id, task.StatusInitializing, "Resolving workspace")
	h.Complete(id, false, "nope")
	if len(a.events) != 3 {
		t.Fatalf("archived %d events, want 3", len(a.events))
	}
	if a.events[1].TaskID() != id {
		t.Errorf("task id = %s", a.events[1].TaskID())
	}
}

func TestTopicsDoNotAccumulate(t *testing.T) {
	h, _, id := newTestHub(t)
	for i := 0; i < 1000; i++ {
		if _, err := h.Subscribe(fmt.Sprintf("nope-%d", i)); err == nil {
			t.Fatal("unknown task accepted")
		}
	}
	if n := h.Topics(); n != 0 {
		t.Fatalf("topics after unknown subscribes = %d, want 0", n)
	}

	h.Debugf(id, "no one listening")
	if h.Observers(id) != 0 || h.Topics() != 0 {
		t.Fatalf("publish without observers left %d topics", h.Topics())
	}

	a, _ := h.Subscribe(id)
	b, _ := h.Subscribe(id)
	if h.Topics() != 1 || h.Observers(id) != 2 {
		t.Fatalf("topics = %d, observers = %d", h.Topics(), h.Observers(id))
	}
	a.Close()
	if h.Topics() != 1 {
		t.Fatal("topic dropped while an observer is attached")
	}
	b.Close()
	if h.Topics() != 0 {
		t.Fatalf("topics after last close = %d, want 0", h.Topics())
	}
}

func TestCompleteIsDeliveredOnce(t *testing.T) {
	h, reg, id := newTestHub(t)
	reg.Transition(id, task.StatusInitializing, nil)
	reg.Transition(id, task.StatusCompleted, nil)

	// Subscribed after the terminal transition but before the broadcast.
	sub, err := h.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	h.Complete(id, true, "")
	h.Debugf(id, "marker")

	var completes int
	for {
		ev := next(t, sub)
		if ev.Type == KindComplete {
			completes++
		}
		if d, ok := ev.Data.(DebugData); ok && d.Message == "marker" {
			break
		}
	}
	if completes != 1 {
		t.Errorf("complete delivered %d times, want 1", completes)
	}
}
