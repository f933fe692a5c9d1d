// Package fsutil holds the small file helpers shared by the store and the
// workspace manager: crash-atomic writes and tree copies.
package fsutil

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path so that readers observe either the old
// content or the complete new content, never a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return writeAtomic(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// writeAtomic streams fill into a temp file next to path, syncs it and
// renames it into place.
func writeAtomic(path string, perm os.FileMode, fill func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	syncDir(dir)
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal json: %w", err)
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// IsTempFile reports whether name was produced by WriteFileAtomic and never
// renamed into place.
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	if len(base) < 2 || base[0] != '.' {
		return false
	}
	for i := 1; i+5 <= len(base); i++ {
		if base[i:i+5] == ".tmp-" {
			return true
		}
	}
	return false
}

// CopyFile streams src into dst atomically, preserving the source mode.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	return writeAtomic(dst, info.Mode().Perm(), func(w io.Writer) error {
		if _, err := io.Copy(w, in); err != nil {
			return fmt.Errorf("failed to copy %s: %w", src, err)
		}
		return nil
	})
}

// CopyDir replaces dst with a recursive copy of src. Symlinks are recreated,
// not followed.
func CopyDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dst, err)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return CopyFile(path, target)
		}
	})
}

// ReplaceDir copies src next to dst and swaps it into place, so dst holds
// either the old tree or the complete new one.
func ReplaceDir(src, dst string) error {
	parent := filepath.Dir(dst)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := CopyDir(src, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	trash := ""
	if Exists(dst) {
		trash = staging + ".old"
		if err := os.Rename(dst, trash); err != nil {
			_ = os.RemoveAll(staging)
			return fmt.Errorf("failed to move %s aside: %w", dst, err)
		}
	}
	if err := os.Rename(staging, dst); err != nil {
		if trash != "" {
			_ = os.Rename(trash, dst)
		}
		_ = os.RemoveAll(staging)
		return fmt.Errorf("failed to swap %s: %w", dst, err)
	}
	if trash != "" {
		_ = os.RemoveAll(trash)
	}
	syncDir(parent)
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
