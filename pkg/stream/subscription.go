package stream

import (
	"context"
	"sync"
)

// Subscription is one observer's ordered queue of events for a single task.
type Subscription struct {
	TaskID string

	hub   *Hub
	topic *topic

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	err    error
	once   sync.Once

	// completed is set once a complete event has been queued; later ones
	// are dropped.
	completed bool
}

func newSubscription(taskID string, h *Hub, t *topic) *Subscription {
	return &Subscription{
		TaskID: taskID,
		hub:    h,
		topic:  t,
		notify: make(chan struct{}, 1),
	}
}

// push appends a live event. It reports false, and closes the subscription,
// when the backlog would exceed limit.
func (s *Subscription) push(ev Event, limit int) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= limit {
		s.err = ErrOverflow
		s.queue = nil
		s.mu.Unlock()
		s.signal()
		return false
	}
	if ev.Type == KindComplete {
		if s.completed {
			s.mu.Unlock()
			return true
		}
		s.completed = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription is closed, or
// ctx is done. Events queued before Close are still delivered.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return Event{}, err
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the observer. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
	s.close(ErrClosed)
}

func (s *Subscription) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		s.signal()
	})
}
