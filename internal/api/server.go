package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/sirupsen/logrus"

	"agent-runtime/pkg/artifacts"
	"agent-runtime/pkg/cleanup"
	"agent-runtime/pkg/engine"
	"agent-runtime/pkg/stream"
	"agent-runtime/pkg/task"
)

// Runner starts, stops and tears down tasks.
type Runner interface {
	Submit(req engine.Request) (task.Task, error)
	Cancel(ctx context.Context, id string) (task.Task, error)
	Cleanup(ctx context.Context) cleanup.Report
	ExecutableAvailable() bool
}

// Archive reads archived task events.
type Archive interface {
	ByTask(ctx context.Context, taskID string, limit int) ([]stream.Record, error)
}

// Options carries the optional parts of a Server.
type Options struct {
	SessionsRoot string
	Uploader     artifacts.Uploader // manual session uploads
	Archive      Archive            // nil disables /archive
	Version      string
	PublicConfig any // served at GET /config
	CORSOrigins  []string
}

// Server is the HTTP API server.
type Server struct {
	runner Runner
	tasks  *task.Registry
	hub    *stream.Hub
	opts   Options
	mux    *http.ServeMux
	log    *logrus.Entry
}

// New creates a new Server.
func New(runner Runner, tasks *task.Registry, hub *stream.Hub, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		runner: runner,
		tasks:  tasks,
		hub:    hub,
		opts:   opts,
		mux:    http.NewServeMux(),
		log:    logrus.WithField("component", "api"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.cors(w, r) {
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Tasks
	s.mux.HandleFunc("POST /tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /tasks", s.handleTaskList)
	s.mux.HandleFunc("GET /tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("GET /tasks/{id}/logs", s.handleTaskLogs)
	s.mux.HandleFunc("POST /tasks/{id}/cancel", s.handleTaskCancel)
	s.mux.HandleFunc("GET /tasks/{id}/stream", s.handleTaskStream)
	s.mux.Handle("GET /tasks/{id}/ws", s.taskSocket())

	// Sessions
	s.mux.HandleFunc("GET /sessions", s.handleSessionList)
	s.mux.HandleFunc("GET /sessions/{id}/files", s.handleSessionFiles)
	s.mux.HandleFunc("GET /sessions/{id}/files/{path...}", s.handleSessionFile)
	s.mux.HandleFunc("GET /sessions/{id}/download", s.handleSessionDownload)
	s.mux.HandleFunc("POST /sessions/{id}/upload", s.handleSessionUpload)

	// System
	s.mux.HandleFunc("POST /cleanup", s.handleCleanup)
	s.mux.HandleFunc("GET /archive/tasks/{id}/events", s.handleArchiveEvents)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /config", s.handleConfig)
}

// cors writes CORS headers and answers preflight requests. It reports
// whether the request should continue to the router.
func (s *Server) cors(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin != "" {
		switch {
		case slices.Contains(s.opts.CORSOrigins, "*"):
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case slices.Contains(s.opts.CORSOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
	}
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithField("component", "api").WithError(err).Debug("write json")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
