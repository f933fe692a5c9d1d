// Package workspace isolates the tool state of each deployment.
//
// The provisioning tool works against one fixed directory. The manager keeps
// every deployment's durable artifacts in its own directory under the work
// root and checks them in and out of the shared directory under a critical
// section, so only one deployment's state is ever staged there.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/provisioner/pkg/fsutil"
	"github.com/openfroyo/provisioner/pkg/telemetry"
)

const (
	// MarkerFileName names the ownership marker in the shared directory.
	MarkerFileName = ".deployment"

	stateFileName  = "terraform.tfstate"
	backupFileName = "terraform.tfstate.backup"
	varsFileName   = "terraform.tfvars"
	pluginDirName  = ".terraform"
	lockFileName   = ".terraform.lock.hcl"
)

// Artifacts lists the durable tool files moved between a workspace and the
// shared directory.
var Artifacts = []string{stateFileName, backupFileName, varsFileName, pluginDirName, lockFileName}

// ErrWorkspaceConflict is returned when the shared directory still holds
// another deployment's staged state.
var ErrWorkspaceConflict = errors.New("workspace conflict")

// ConflictError names the deployment whose state is staged.
type ConflictError struct {
	Owner     string
	Requested string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("shared directory holds state of deployment %s, cannot stage %s", e.Owner, e.Requested)
}

// Is matches ErrWorkspaceConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrWorkspaceConflict
}

// Outcome describes how the tool run under a lease ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Config configures a Manager.
type Config struct {
	// TemplateDir is the read-only template tree.
	TemplateDir string
	// SharedDir is the single directory the tool runs in.
	SharedDir string
	// WorkRoot holds one directory per deployment.
	WorkRoot string

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Manager owns the shared directory and the per-deployment workspaces.
type Manager struct {
	templates *Templates
	shared    string
	root      string
	logger    zerolog.Logger
	metrics   *telemetry.Metrics

	// sem is the critical section over the shared directory.
	sem *semaphore.Weighted
}

type marker struct {
	DeploymentID   string    `json:"deployment_id"`
	StagedAt       time.Time `json:"staged_at"`
	TemplateDigest string    `json:"template_digest,omitempty"`
}

// NewManager creates the shared and work directories.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TemplateDir == "" || cfg.SharedDir == "" || cfg.WorkRoot == "" {
		return nil, fmt.Errorf("template, shared and work directories are required")
	}
	for _, dir := range []string{cfg.SharedDir, cfg.WorkRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if info, err := os.Stat(cfg.TemplateDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("template directory %s is not a directory", cfg.TemplateDir)
	}

	logger := cfg.Logger.With().Str("component", "workspace").Logger()
	return &Manager{
		templates: NewTemplates(cfg.TemplateDir, cfg.Logger),
		shared:    cfg.SharedDir,
		root:      cfg.WorkRoot,
		logger:    logger,
		metrics:   cfg.Metrics,
		sem:       semaphore.NewWeighted(1),
	}, nil
}

// Templates returns the template set, so callers can start watching it.
func (m *Manager) Templates() *Templates {
	return m.templates
}

// Path returns the isolated directory of a deployment.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.root, id)
}

// IsInitialized reports whether the deployment's workspace holds an
// initialized plugin directory.
func (m *Manager) IsInitialized(id string) bool {
	return fsutil.Exists(filepath.Join(m.Path(id), pluginDirName))
}

// Remove deletes the isolated directory of a deployment. The caller must not
// hold a lease for id.
func (m *Manager) Remove(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(m.Path(id)); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", id, err)
	}
	m.logger.Info().Str("deployment_id", id).Msg("Workspace removed")
	return nil
}

// Prepare enters the critical section and stages the deployment's state in
// the shared directory. The returned lease must be finalized or released.
func (m *Manager) Prepare(ctx context.Context, id string) (*Lease, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	waitStart := time.Now()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	m.metrics.RecordWorkspaceWait(time.Since(waitStart))

	held := true
	defer func() {
		if held {
			m.sem.Release(1)
		}
	}()

	owner, err := m.readMarker()
	if err != nil {
		return nil, err
	}
	if owner != nil {
		m.logger.Error().
			Str("deployment_id", id).
			Str("owner", owner.DeploymentID).
			Time("staged_at", owner.StagedAt).
			Msg("Shared directory still holds staged state")
		return nil, &ConflictError{Owner: owner.DeploymentID, Requested: id}
	}

	digest, err := m.templates.Digest()
	if err != nil {
		return nil, err
	}

	ws := m.Path(id)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := m.templates.CopyTo(ws); err != nil {
		return nil, err
	}

	// No marker exists, so anything left in the shared directory is leftover
	// template content.
	if err := clearDir(m.shared, nil); err != nil {
		return nil, err
	}
	if err := m.templates.CopyTo(m.shared); err != nil {
		return nil, err
	}
	staged, err := copyArtifacts(ws, m.shared)
	if err != nil {
		_ = clearDir(m.shared, nil)
		return nil, fmt.Errorf("failed to stage state: %w", err)
	}

	// The marker is written last: a crash before this point leaves nothing
	// for Recover to copy back.
	mk := marker{DeploymentID: id, StagedAt: time.Now().UTC(), TemplateDigest: digest}
	if err := fsutil.WriteJSONAtomic(m.markerPath(), mk); err != nil {
		_ = clearDir(m.shared, nil)
		return nil, fmt.Errorf("failed to write ownership marker: %w", err)
	}

	m.logger.Info().
		Str("deployment_id", id).
		Str("template_digest", shortDigest(digest)).
		Strs("staged", staged).
		Dur("waited", time.Since(waitStart)).
		Msg("Workspace staged")

	held = false
	return &Lease{m: m, id: id}, nil
}

// Recover copies state left in the shared directory by a crashed process
// back to its owner and clears the directory. It returns the owner id, or ""
// when the directory was clean.
func (m *Manager) Recover(ctx context.Context) (string, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer m.sem.Release(1)

	owner, err := m.readMarker()
	if err != nil {
		return "", err
	}
	if owner == nil {
		return "", nil
	}

	ws := m.Path(owner.DeploymentID)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	recovered, err := copyArtifacts(m.shared, ws)
	if err != nil {
		return "", fmt.Errorf("failed to recover state of %s: %w", owner.DeploymentID, err)
	}
	if err := m.clearShared(); err != nil {
		return "", err
	}

	m.logger.Warn().
		Str("deployment_id", owner.DeploymentID).
		Time("staged_at", owner.StagedAt).
		Strs("recovered", recovered).
		Msg("Recovered staged state after unclean shutdown")
	return owner.DeploymentID, nil
}

// Owner returns the deployment whose state is staged, or "".
func (m *Manager) Owner() (string, error) {
	mk, err := m.readMarker()
	if err != nil || mk == nil {
		return "", err
	}
	return mk.DeploymentID, nil
}

func (m *Manager) markerPath() string {
	return filepath.Join(m.shared, MarkerFileName)
}

func (m *Manager) readMarker() (*marker, error) {
	data, err := os.ReadFile(m.markerPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ownership marker: %w", err)
	}
	var mk marker
	if err := json.Unmarshal(data, &mk); err != nil || mk.DeploymentID == "" {
		return nil, fmt.Errorf("corrupt ownership marker in %s", m.shared)
	}
	return &mk, nil
}

// clearShared removes every non-template entry from the shared directory,
// the marker last.
func (m *Manager) clearShared() error {
	names, err := m.templates.Entries()
	if err != nil {
		return err
	}
	keep := map[string]bool{MarkerFileName: true}
	for _, n := range names {
		keep[n] = true
	}
	// The lock file is tool state once staged
	delete(keep, lockFileName)

	if err := clearDir(m.shared, keep); err != nil {
		return err
	}
	if err := os.Remove(m.markerPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove ownership marker: %w", err)
	}
	return nil
}

// Lease is the right to run the tool in the shared directory.
type Lease struct {
	m  *Manager
	id string

	mu   sync.Mutex
	done bool
}

// Dir is the shared directory the tool must run in.
func (l *Lease) Dir() string {
	return l.m.shared
}

// ID returns the deployment holding the lease.
func (l *Lease) ID() string {
	return l.id
}

// Finalize copies the updated artifacts back to the deployment's workspace,
// clears the shared directory and leaves the critical section. It is safe to
// call more than once. When the copy fails the shared directory keeps its
// marker so Recover can retry, and the critical section is still released.
func (l *Lease) Finalize(outcome Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return nil
	}
	l.done = true
	defer l.m.sem.Release(1)

	copied, err := copyArtifacts(l.m.shared, l.m.Path(l.id))
	if err != nil {
		l.m.logger.Error().Err(err).Str("deployment_id", l.id).Msg("Failed to copy state back")
		return fmt.Errorf("failed to copy state back: %w", err)
	}
	if err := l.m.clearShared(); err != nil {
		return err
	}

	l.m.logger.Info().
		Str("deployment_id", l.id).
		Str("outcome", string(outcome)).
		Strs("copied", copied).
		Msg("Workspace finalized")
	return nil
}

// Release clears the shared directory without copying anything back and
// leaves the critical section. A no-op after Finalize.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return nil
	}
	l.done = true
	defer l.m.sem.Release(1)

	if err := l.m.clearShared(); err != nil {
		return err
	}
	l.m.logger.Debug().Str("deployment_id", l.id).Msg("Workspace released")
	return nil
}

// copyArtifacts copies every artifact present in src over dst. Artifacts
// missing from src are left untouched in dst.
func copyArtifacts(src, dst string) ([]string, error) {
	var copied []string
	for _, name := range Artifacts {
		from := filepath.Join(src, name)
		info, err := os.Lstat(from)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return copied, err
		}
		to := filepath.Join(dst, name)
		if info.IsDir() {
			err = fsutil.ReplaceDir(from, to)
		} else {
			err = fsutil.CopyFile(from, to)
		}
		if err != nil {
			return copied, fmt.Errorf("failed to copy %s: %w", name, err)
		}
		copied = append(copied, name)
	}
	return copied, nil
}

func copyEntry(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fsutil.CopyDir(src, dst)
	}
	return fsutil.CopyFile(src, dst)
}

// clearDir removes every entry of dir whose name is not in keep.
func clearDir(dir string, keep map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to clear %s: %w", e.Name(), err)
		}
	}
	return nil
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("invalid deployment id %q", id)
	}
	return nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
