package opencode

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Seeded reports what SeedConfig copied into a workspace.
type Seeded struct {
	Config  bool
	Prompts bool
}

// SeedConfig copies the opencode.json at configPath and the prompts
// directory at promptsPath into dir. Missing sources are skipped; an
// existing .opencode directory in dir is replaced.
func SeedConfig(dir, configPath, promptsPath string) (Seeded, error) {
	var s Seeded
	if configPath != "" {
		err := copyFile(configPath, filepath.Join(dir, "opencode.json"))
		switch {
		case err == nil:
			s.Config = true
		case !errors.Is(err, os.ErrNotExist):
			return s, fmt.Errorf("copy opencode config: %w", err)
		}
	}

	if promptsPath != "" {
		info, err := os.Stat(promptsPath)
		switch {
		case err == nil && info.IsDir():
			target := filepath.Join(dir, ".opencode")
			if err := os.RemoveAll(target); err != nil {
				return s, fmt.Errorf("remove old prompts: %w", err)
			}
			if err := copyTree(promptsPath, target); err != nil {
				return s, fmt.Errorf("copy prompts: %w", err)
			}
			s.Prompts = true
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return s, fmt.Errorf("stat prompts: %w", err)
		}
	}
	return s, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}
