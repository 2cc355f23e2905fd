// Package artifacts lists, archives and ships the contents of session
// working directories.
package artifacts

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	excludedDirs = map[string]bool{
		"node_modules": true,
		".git":         true,
		"__pycache__":  true,
		".vscode":      true,
		".idea":        true,
		".opencode":    true,
	}
	excludedFiles = map[string]bool{
		"opencode.json": true,
		".gitkeep":      true,
	}
)

// Excluded reports whether a path relative to a session directory is hidden
// from listings and archives.
func Excluded(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	for _, part := range strings.Split(rel, "/") {
		if excludedDirs[part] {
			return true
		}
	}
	return excludedFiles[path.Base(rel)]
}

// File is one entry in a session listing.
type File struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Type     string    `json:"type"`
}

// ListFiles returns every non-excluded regular file under dir, sorted by
// path. Unreadable entries are skipped.
func ListFiles(dir string) ([]File, error) {
	var files []File
	err := walk(dir, func(rel string, info fs.FileInfo) error {
		files = append(files, File{
			Name:     info.Name(),
			Path:     rel,
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
			Type:     "file",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// WriteZip writes a deflated archive of dir to w and returns the number of
// files added.
func WriteZip(w io.Writer, dir string) (int, error) {
	zw := zip.NewWriter(w)
	n := 0
	err := walk(dir, func(rel string, info fs.FileInfo) error {
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.Method = zip.Deflate
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("add %s: %w", rel, err)
		}
		n++
		return nil
	})
	if err != nil {
		zw.Close()
		return n, err
	}
	return n, zw.Close()
}

// Archive zips dir into a temporary file and returns its path and size.
// The caller removes the file.
func Archive(dir string) (string, int64, error) {
	f, err := os.CreateTemp("", "session-*.zip")
	if err != nil {
		return "", 0, fmt.Errorf("create archive: %w", err)
	}
	if _, err := WriteZip(f, dir); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("write archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("close archive: %w", err)
	}
	info, err := os.Stat(f.Name())
	if err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), info.Size(), nil
}

// BlobName is the object name used for a session archive uploaded at t.
func BlobName(sessionID string, t time.Time) string {
	return fmt.Sprintf("session_%s_%s.zip", sessionID, t.UTC().Format("20060102_150405"))
}

func walk(dir string, fn func(rel string, info fs.FileInfo) error) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || excludedFiles[d.Name()] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(filepath.ToSlash(rel), info)
	})
}
