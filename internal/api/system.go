package api

import (
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report := s.runner.Cleanup(r.Context())
	if !report.Success && report.Failures != nil {
		s.log.WithField("failures", report.Failures.TotalFailures).Warn(report.Message)
	}
	writeJSON(w, 200, report)
}

func (s *Server) handleArchiveEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		writeError(w, 404, "event archive is not enabled")
		return
	}
	id := r.PathValue("id")
	limit := queryInt(r, "limit", 500)
	records, err := s.opts.Archive.ByTask(r.Context(), id, limit)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{
		"task_id":      id,
		"events":       records,
		"total_events": len(records),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"version":        s.opts.Version,
		"tool_available": s.runner.ExecutableAvailable(),
		"total_tasks":    s.tasks.Len(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.PublicConfig == nil {
		writeJSON(w, 200, map[string]any{})
		return
	}
	writeJSON(w, 200, s.opts.PublicConfig)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}
