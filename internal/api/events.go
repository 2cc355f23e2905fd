package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"agent-runtime/pkg/stream"
)

const keepAlive = 15 * time.Second

// handleTaskStream serves a task's events as Server-Sent Events: the
// current status and debug log first, then live events. The stream stays
// open after the complete event until the client leaves or the hub closes.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}
	sub, err := s.hub.Subscribe(r.PathValue("id"))
	if err != nil {
		writeError(w, 404, "task not found")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ctx := r.Context()
	for {
		ev, err := nextOrIdle(ctx, sub)
		if errors.Is(err, errIdle) {
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			continue
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.WithError(err).WithField("task_id", sub.TaskID).Debug("sse stream ended")
			}
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.WithError(err).Warn("encode event")
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
}

var errIdle = errors.New("idle")

// nextOrIdle waits for the next event, giving up with errIdle after the
// keep-alive interval.
func nextOrIdle(ctx context.Context, sub *stream.Subscription) (stream.Event, error) {
	wait, cancel := context.WithTimeout(ctx, keepAlive)
	defer cancel()
	ev, err := sub.Next(wait)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ev, errIdle
	}
	return ev, err
}

// taskSocket serves the same stream over a WebSocket. Clients may send
// "ping" (answered with the text "pong") or "status" (answered with the
// current status event), before and after the task completes. Unknown
// tasks get their connection closed at once.
func (s *Server) taskSocket() http.Handler {
	return websocket.Server{
		// Origin checks are left to the CORS layer.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.serveTaskSocket,
	}
}

func (s *Server) serveTaskSocket(ws *websocket.Conn) {
	defer ws.Close()
	id := ws.Request().PathValue("id")
	sub, err := s.hub.Subscribe(id)
	if err != nil {
		return
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	var mu sync.Mutex
	send := func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		return websocket.JSON.Send(ws, v)
	}
	sendText := func(msg string) error {
		mu.Lock()
		defer mu.Unlock()
		return websocket.Message.Send(ws, msg)
	}

	go func() {
		defer cancel()
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
			switch strings.TrimSpace(msg) {
			case "ping":
				sendText("pong")
			case "status":
				if t, err := s.tasks.Get(id); err == nil {
					send(stream.Event{Type: stream.KindStatus, Data: stream.StatusData{
						TaskID:    id,
						Status:    string(t.Status),
						Phase:     t.Phase,
						Timestamp: time.Now().UTC(),
					}})
				}
			}
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := send(ev); err != nil {
			return
		}
	}
}
