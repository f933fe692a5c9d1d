package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/provisioner/pkg/fsutil"
)

const (
	indexFileName    = "deployments.json"
	metadataFileName = "metadata.json"
	recordsDirName   = "deployments"
)

// FileStore keeps one metadata.json per deployment plus a top-level index.
// Every file is replaced with write-temp-then-rename so a crash never leaves a
// partially written record visible.
type FileStore struct {
	root string

	indexMu sync.Mutex
	index   map[string]indexEntry
}

type indexEntry struct {
	CreatedAt time.Time `json:"created_at"`
}

// NewFileStore opens (or creates) a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, recordsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore{
		root:  dir,
		index: make(map[string]indexEntry),
	}

	data, err := os.ReadFile(s.indexPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read index: %w", err)
	default:
		if err := json.Unmarshal(data, &s.index); err != nil {
			return nil, fmt.Errorf("failed to parse index: %w", err)
		}
	}

	return s, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.root, indexFileName)
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.root, recordsDirName, id, metadataFileName)
}

// Get retrieves a deployment by ID
func (s *FileStore) Get(_ context.Context, id string) (*Deployment, error) {
	if !validID(id) {
		return nil, notFound(id)
	}
	return s.read(id)
}

func (s *FileStore) read(id string) (*Deployment, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment %s: %w", id, err)
	}

	d := &Deployment{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("failed to decode deployment %s: %w", id, err)
	}
	return d, nil
}

// Put writes the deployment record. The index is only rewritten when a new id
// appears, so puts for existing deployments never contend with each other.
func (s *FileStore) Put(_ context.Context, d *Deployment) error {
	if d == nil || !validID(d.ID) {
		return fmt.Errorf("invalid deployment id")
	}
	if err := d.Status.Validate(); err != nil {
		return err
	}

	if err := fsutil.WriteJSONAtomic(s.recordPath(d.ID), d); err != nil {
		return fmt.Errorf("failed to write deployment %s: %w", d.ID, err)
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if _, ok := s.index[d.ID]; ok {
		return nil
	}
	s.index[d.ID] = indexEntry{CreatedAt: d.CreatedAt}
	if err := fsutil.WriteJSONAtomic(s.indexPath(), s.index); err != nil {
		delete(s.index, d.ID)
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

// List returns all deployments ordered by creation time.
func (s *FileStore) List(ctx context.Context) ([]*Deployment, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	return sortedByCreation(all), nil
}

// LoadAll reads every record on disk. Record directories are the source of
// truth; ids missing from the index (a crash between the two writes) are
// added back.
func (s *FileStore) LoadAll(_ context.Context) (map[string]*Deployment, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, recordsDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	out := make(map[string]*Deployment, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !validID(e.Name()) {
			continue
		}
		d, err := s.read(e.Name())
		if errors.Is(err, ErrNotFound) {
			// Directory created but first record never landed.
			continue
		}
		if err != nil {
			return nil, err
		}
		out[d.ID] = d
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	dirty := false
	for id, d := range out {
		if _, ok := s.index[id]; !ok {
			s.index[id] = indexEntry{CreatedAt: d.CreatedAt}
			dirty = true
		}
	}
	if dirty {
		if err := fsutil.WriteJSONAtomic(s.indexPath(), s.index); err != nil {
			return nil, fmt.Errorf("failed to repair index: %w", err)
		}
	}

	return out, nil
}

// HealthCheck verifies the store directory is writable.
func (s *FileStore) HealthCheck(_ context.Context) error {
	f, err := os.CreateTemp(s.root, ".health-*")
	if err != nil {
		return fmt.Errorf("store directory not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func sortedByCreation(m map[string]*Deployment) []*Deployment {
	out := make([]*Deployment, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// validID rejects ids that could escape the store directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
