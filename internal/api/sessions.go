package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agent-runtime/pkg/artifacts"
	"agent-runtime/pkg/task"
	"agent-runtime/pkg/workspace"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	ids, err := workspace.ListSessions(s.opts.SessionsRoot)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{
		"sessions":       ids,
		"total_sessions": len(ids),
	})
}

// sessionDir resolves the {id} path value, writing the error response
// itself when it cannot.
func (s *Server) sessionDir(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	dir, err := workspace.FindSession(s.opts.SessionsRoot, id)
	switch {
	case errors.Is(err, workspace.ErrSessionNotFound):
		writeError(w, 404, "session not found")
		return "", false
	case err != nil:
		writeError(w, 400, err.Error())
		return "", false
	}
	return dir, true
}

func (s *Server) handleSessionFiles(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.sessionDir(w, r)
	if !ok {
		return
	}
	files, err := artifacts.ListFiles(dir)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{
		"session_id":  r.PathValue("id"),
		"files":       files,
		"total_files": len(files),
	})
}

func (s *Server) handleSessionFile(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.sessionDir(w, r)
	if !ok {
		return
	}
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	target, err := filepath.EvalSymlinks(filepath.Join(root, filepath.FromSlash(r.PathValue("path"))))
	if err != nil {
		writeError(w, 404, "file not found")
		return
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		writeError(w, 403, "Access denied: file outside session directory")
		return
	}

	f, err := os.Open(target)
	if err != nil {
		writeError(w, 404, "file not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, 404, "file not found")
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleSessionDownload(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.sessionDir(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="session_%s.zip"`, r.PathValue("id")))
	n, err := artifacts.WriteZip(w, dir)
	if err != nil {
		// Headers are gone by now; the client sees a truncated archive.
		s.log.WithError(err).WithField("session_id", r.PathValue("id")).Warn("write session archive")
		return
	}
	s.log.WithField("session_id", r.PathValue("id")).Debugf("streamed %d files", n)
}

type uploadRequest struct {
	SASURL string `json:"sas_url"`
}

func (s *Server) handleSessionUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if err := artifacts.ValidateSASURL(req.SASURL); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if s.opts.Uploader == nil {
		writeError(w, 503, "uploads are not configured")
		return
	}
	dir, ok := s.sessionDir(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	path, size, err := artifacts.Archive(dir)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	defer os.Remove(path)

	name := artifacts.BlobName(id, time.Now())
	up, err := s.opts.Uploader.Upload(r.Context(), task.ArtifactsDestination{SASURL: req.SASURL}, name, path)
	if err != nil {
		s.log.WithError(err).WithField("session_id", id).Warn("session upload failed")
		writeError(w, 502, err.Error())
		return
	}
	if up.Size == 0 {
		up.Size = size
	}
	writeJSON(w, 200, map[string]any{
		"session_id":  id,
		"blob_url":    up.URL,
		"blob_name":   up.Name,
		"file_size":   up.Size,
		"uploaded_at": up.UploadedAt,
	})
}
