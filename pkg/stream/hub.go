package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agent-runtime/pkg/task"
)

var (
	// ErrUnknownTask is returned when subscribing to a task the journal
	// does not know.
	ErrUnknownTask = errors.New("unknown task")
	// ErrClosed is returned by Next once a subscription has been closed.
	ErrClosed = errors.New("subscription closed")
	// ErrOverflow is returned by Next when the observer fell too far behind
	// and was dropped.
	ErrOverflow = errors.New("observer fell behind")
)

// DefaultQueueLimit bounds how many live events may wait for one observer.
const DefaultQueueLimit = 4096

// Journal is where debug lines are recorded and where replay state comes
// from. *task.Registry implements it.
type Journal interface {
	AppendLog(taskID, line string) error
	Snapshot(taskID string) (task.Snapshot, error)
}

// Archiver receives a copy of every published event. Enqueue must not block.
type Archiver interface {
	Enqueue(ev Event)
}

// Hub is the per-task publish/subscribe broadcaster. All publishes for one
// task are serialized under that task's lock, so every observer sees the
// same order, and a debug line is journaled and fanned out in one step.
type Hub struct {
	journal    Journal
	archive    Archiver
	queueLimit int
	now        func() time.Time
	log        *logrus.Entry

	mu     sync.Mutex
	topics map[string]*topic
}

// A topic exists only while a publish or subscribe is in flight or an
// observer is attached.
type topic struct {
	id   string
	refs int // guarded by Hub.mu

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithArchive mirrors every event to a.
func WithArchive(a Archiver) Option {
	return func(h *Hub) { h.archive = a }
}

// WithQueueLimit sets the per-observer backlog limit.
func WithQueueLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueLimit = n
		}
	}
}

// NewHub creates a Hub backed by journal.
func NewHub(journal Journal, opts ...Option) *Hub {
	h := &Hub{
		journal:    journal,
		queueLimit: DefaultQueueLimit,
		now:        time.Now,
		log:        logrus.WithField("component", "stream"),
		topics:     make(map[string]*topic),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) acquire(taskID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[taskID]
	if !ok {
		t = &topic{id: taskID, subs: make(map[*Subscription]struct{})}
		h.topics[taskID] = t
	}
	t.refs++
	return t
}

// release must be called without t.mu held.
func (h *Hub) release(t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.refs--
	h.dropIfIdle(t)
}

// dropIfIdle must be called with h.mu held.
func (h *Hub) dropIfIdle(t *topic) {
	if t.refs > 0 {
		return
	}
	t.mu.Lock()
	idle := len(t.subs) == 0
	t.mu.Unlock()
	if idle && h.topics[t.id] == t {
		delete(h.topics, t.id)
	}
}

// Debug journals one line for the task and broadcasts it.
func (h *Hub) Debug(taskID, level, message, agent string) {
	now := h.now()
	ev := Event{Type: KindDebug, Data: DebugData{
		Timestamp: now,
		Level:     level,
		Message:   message,
		TaskID:    taskID,
		Agent:     agent,
	}}

	t := h.acquire(taskID)
	defer h.release(t)
	t.mu.Lock()
	defer t.mu.Unlock()
	line := task.FormatLogLine(now, message)
	if agent != "" {
		line = task.FormatLogLine(now, "["+agent+"] "+message)
	}
	if err := h.journal.AppendLog(taskID, line); err != nil {
		h.log.WithError(err).WithField("task_id", taskID).Debug("journal debug line")
	}
	h.fanout(t, ev)
}

// Debugf is Debug with an INFO level and no agent tag.
func (h *Hub) Debugf(taskID, format string, args ...any) {
	h.Debug(taskID, LevelInfo, fmt.Sprintf(format, args...), "")
}

// Status broadcasts a status change.
func (h *Hub) Status(taskID string, status task.Status, phase string) {
	ev := Event{Type: KindStatus, Data: StatusData{
		TaskID:    taskID,
		Status:    string(status),
		Phase:     phase,
		Timestamp: h.now(),
	}}
	t := h.acquire(taskID)
	defer h.release(t)
	t.mu.Lock()
	defer t.mu.Unlock()
	h.fanout(t, ev)
}

// Complete broadcasts the final outcome of a task.
func (h *Hub) Complete(taskID string, success bool, errText string) {
	ev := Event{Type: KindComplete, Data: CompleteData{
		TaskID:    taskID,
		Success:   success,
		Error:     errText,
		Timestamp: h.now(),
	}}
	t := h.acquire(taskID)
	defer h.release(t)
	t.mu.Lock()
	defer t.mu.Unlock()
	h.fanout(t, ev)
}

// fanout must be called with t.mu held.
func (h *Hub) fanout(t *topic, ev Event) {
	for sub := range t.subs {
		if !sub.push(ev, h.queueLimit) {
			delete(t.subs, sub)
			h.log.WithField("task_id", ev.TaskID()).Warn("dropping observer that fell behind")
		}
	}
	if h.archive != nil {
		h.archive.Enqueue(ev)
	}
}

// Subscribe registers a new observer for taskID. The returned subscription
// already holds the current status, the full debug log and, for finished
// tasks, the complete event; live events follow with no gap.
func (h *Hub) Subscribe(taskID string) (*Subscription, error) {
	t := h.acquire(taskID)
	defer h.release(t)
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, err := h.journal.Snapshot(taskID)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %v", taskID, ErrUnknownTask, err)
	}

	now := h.now()
	sub := newSubscription(taskID, h, t)
	sub.queue = append(sub.queue, Event{Type: KindStatus, Data: StatusData{
		TaskID:    taskID,
		Status:    string(snap.Status),
		Phase:     snap.Phase,
		Timestamp: now,
	}})
	for _, line := range snap.DebugLog {
		sub.queue = append(sub.queue, Event{Type: KindDebug, Data: DebugData{
			Timestamp: now,
			Level:     LevelDebug,
			Message:   line,
			TaskID:    taskID,
		}})
	}
	if snap.Status.Terminal() {
		sub.queue = append(sub.queue, Event{Type: KindComplete, Data: CompleteData{
			TaskID:    taskID,
			Success:   snap.Status == task.StatusCompleted,
			Error:     snap.Error,
			Timestamp: now,
		}})
		sub.completed = true
	}
	sub.signal()
	t.subs[sub] = struct{}{}
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := sub.topic
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
	h.dropIfIdle(t)
}

// Observers returns how many observers are attached to taskID.
func (h *Hub) Observers(taskID string) int {
	h.mu.Lock()
	t, ok := h.topics[taskID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Topics returns how many tasks currently have broadcast state.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// CloseAll detaches and closes every observer of every task.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for sub := range t.subs {
			sub.close(ErrClosed)
		}
		t.subs = make(map[*Subscription]struct{})
		t.mu.Unlock()
	}
}
