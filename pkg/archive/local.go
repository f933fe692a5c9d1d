package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalArchiver keeps backups in a local directory.
type LocalArchiver struct {
	dir string
}

// NewLocalArchiver creates dir if needed.
func NewLocalArchiver(dir string) (*LocalArchiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalArchiver{dir: dir}, nil
}

// Dir returns the backup directory.
func (a *LocalArchiver) Dir() string {
	return a.dir
}

// Put writes the blob to a temp file and renames it into place.
func (a *LocalArchiver) Put(_ context.Context, name string, r io.Reader) error {
	if !validName(name) {
		return fmt.Errorf("invalid backup name: %q", name)
	}
	tmp, err := os.CreateTemp(a.dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(a.dir, name))
}

func (a *LocalArchiver) Get(_ context.Context, name string) (io.ReadCloser, error) {
	if !validName(name) {
		return nil, fmt.Errorf("invalid backup name: %q", name)
	}
	return os.Open(filepath.Join(a.dir, name))
}

func (a *LocalArchiver) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return sortedBackups(names), nil
}

func (a *LocalArchiver) Close() error { return nil }
