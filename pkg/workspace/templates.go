package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Templates is the read-only template tree the tool runs against.
//
// Top-level template files are *.tf, *.tf.json and .terraform.lock.hcl.
// Non-hidden subdirectories (local modules) are copied whole.
type Templates struct {
	dir    string
	logger zerolog.Logger

	mu     sync.Mutex
	digest string
}

// NewTemplates returns the template set rooted at dir.
func NewTemplates(dir string, logger zerolog.Logger) *Templates {
	return &Templates{
		dir:    dir,
		logger: logger.With().Str("component", "workspace-templates").Logger(),
	}
}

// Dir returns the template root.
func (t *Templates) Dir() string {
	return t.dir
}

// IsTemplateName reports whether a top-level file name belongs to the template set.
func IsTemplateName(name string) bool {
	return strings.HasSuffix(name, ".tf") ||
		strings.HasSuffix(name, ".tf.json") ||
		name == lockFileName
}

// Entries lists the top-level template entries, sorted.
func (t *Templates) Entries() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir():
			if !strings.HasPrefix(name, ".") {
				names = append(names, name)
			}
		case IsTemplateName(name):
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// CopyTo materializes every template entry into dst. A lock file already
// present in dst was updated by the tool and is kept.
func (t *Templates) CopyTo(dst string) error {
	names, err := t.Entries()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("template directory %s holds no template files", t.dir)
	}
	for _, name := range names {
		if name == lockFileName {
			if _, err := os.Stat(filepath.Join(dst, name)); err == nil {
				continue
			}
		}
		if err := copyEntry(filepath.Join(t.dir, name), filepath.Join(dst, name)); err != nil {
			return fmt.Errorf("failed to copy template %s: %w", name, err)
		}
	}
	return nil
}

// Digest returns the SHA-256 fingerprint of the template tree. The value is
// cached until Invalidate is called.
func (t *Templates) Digest() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.digest != "" {
		return t.digest, nil
	}

	names, err := t.Entries()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, name := range names {
		root := filepath.Join(t.dir, name)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(t.dir, path)
			fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(h, f)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("failed to hash template %s: %w", name, err)
		}
	}

	t.digest = hex.EncodeToString(h.Sum(nil))
	return t.digest, nil
}

// Invalidate drops the cached digest.
func (t *Templates) Invalidate() {
	t.mu.Lock()
	t.digest = ""
	t.mu.Unlock()
}

// Watch invalidates the digest whenever the template tree changes. It
// returns once the watcher is running; watching stops when ctx is done.
func (t *Templates) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(t.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != t.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch templates: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				t.Invalidate()
				t.logger.Debug().
					Str("file", event.Name).
					Str("op", event.Op.String()).
					Msg("Template changed")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logger.Error().Err(err).Msg("Watcher error")
			}
		}
	}()

	t.logger.Info().Str("dir", t.dir).Msg("Started watching templates")
	return nil
}
