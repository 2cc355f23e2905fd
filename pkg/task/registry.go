package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the in-memory owner of every task record. The map is guarded
// by one lock; each record has its own lock so mutations of different tasks
// never contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	mu   sync.Mutex
	task Task
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Create stores t as a new pending task and returns the stored copy.
// An empty ID is replaced with a fresh UUID v7.
func (r *Registry) Create(t *Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := r.now()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	t.CompletedAt = nil
	t.Error = ""

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[t.ID]; ok {
		return Task{}, fmt.Errorf("create task %s: %w", t.ID, ErrExists)
	}
	e := &entry{task: t.clone()}
	r.entries[t.ID] = e
	return e.task.clone(), nil
}

// Get returns a copy of the task with the given id.
func (r *Registry) Get(id string) (Task, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.clone(), nil
}

// List returns copies of all tasks, oldest first.
func (r *Registry) List() []Task {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	tasks := make([]Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		tasks = append(tasks, e.task.clone())
		e.mu.Unlock()
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Len returns the number of tasks held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Transition moves a task to status to, applying mutate (which may be nil)
// under the same lock. Leaving a terminal state fails with ErrTerminal and
// forbidden moves fail with ErrInvalidTransition; in both cases the record
// is left untouched.
func (r *Registry) Transition(id string, to Status, mutate func(*Task)) (Task, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.task.Status
	if from.Terminal() {
		return e.task.clone(), fmt.Errorf("task %s %s -> %s: %w", id, from, to, ErrTerminal)
	}
	if !CanTransition(from, to) {
		return e.task.clone(), fmt.Errorf("task %s %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}

	if mutate != nil {
		mutate(&e.task)
	}
	now := r.now()
	e.task.Status = to
	e.task.UpdatedAt = now
	if to.Terminal() {
		e.task.CompletedAt = &now
	}
	return e.task.clone(), nil
}

// Update applies fn to the task without touching its status.
func (r *Registry) Update(id string, fn func(*Task)) (Task, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	status, completedAt, log := e.task.Status, e.task.CompletedAt, e.task.DebugLog
	fn(&e.task)
	e.task.Status = status
	e.task.CompletedAt = completedAt
	e.task.DebugLog = log
	e.task.UpdatedAt = r.now()
	return e.task.clone(), nil
}

// AppendLog adds one line to the task's debug log.
func (r *Registry) AppendLog(id, line string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.task.DebugLog = append(e.task.DebugLog, line)
	e.task.UpdatedAt = r.now()
	return nil
}

// Logs returns a copy of the task's debug log.
func (r *Registry) Logs(id string) ([]string, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.task.DebugLog...), nil
}

// Snapshot is a consistent view of the parts of a task observers replay.
type Snapshot struct {
	Status   Status
	Phase    string
	Error    string
	DebugLog []string
}

// Snapshot reads status, phase, error and debug log in one consistent step.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Status:   e.task.Status,
		Phase:    e.task.Phase,
		Error:    e.task.Error,
		DebugLog: append([]string(nil), e.task.DebugLog...),
	}, nil
}

// Clear drops every task and returns how many were removed.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = make(map[string]*entry)
	return n
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return e, nil
}
