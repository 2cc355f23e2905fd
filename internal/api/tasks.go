package api

import (
	"errors"
	"net/http"

	"agent-runtime/pkg/engine"
	"agent-runtime/pkg/task"
)

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	t, err := s.runner.Submit(req)
	var ve *engine.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, 422, ve.Error())
		return
	case err != nil:
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 201, t.Public())
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	tasks := []task.Task{}
	for _, t := range s.tasks.List() {
		if status != "" && string(t.Status) != status {
			continue
		}
		tasks = append(tasks, t.Public())
	}
	writeJSON(w, 200, map[string]any{
		"tasks":       tasks,
		"total_tasks": len(tasks),
	})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, 404, "task not found")
		return
	}
	writeJSON(w, 200, t.Public())
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logs, err := s.tasks.Logs(id)
	if err != nil {
		writeError(w, 404, "task not found")
		return
	}
	writeJSON(w, 200, map[string]any{
		"task_id":             id,
		"debug_logs":          logs,
		"total_debug_entries": len(logs),
	})
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.runner.Cancel(r.Context(), r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, 404, "task not found")
		return
	}
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, t.Public())
}
