package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDirs struct {
	templates string
	shared    string
	work      string
}

func setupDirs(t *testing.T) testDirs {
	t.Helper()
	root := t.TempDir()
	d := testDirs{
		templates: filepath.Join(root, "templates"),
		shared:    filepath.Join(root, "shared"),
		work:      filepath.Join(root, "workspaces"),
	}
	writeFile(t, filepath.Join(d.templates, "main.tf"), `resource "null_resource" "x" {}`)
	writeFile(t, filepath.Join(d.templates, "variables.tf"), `variable "rg_name" {}`)
	writeFile(t, filepath.Join(d.templates, "modules", "net", "main.tf"), `# module`)
	writeFile(t, filepath.Join(d.templates, ".terraform.lock.hcl"), "template-lock")
	writeFile(t, filepath.Join(d.templates, "README.md"), "not a template")
	return d
}

func newTestManager(t *testing.T, d testDirs) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		TemplateDir: d.templates,
		SharedDir:   d.shared,
		WorkRoot:    d.work,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestPrepareStagesTemplatesAndFinalizeCopiesBack(t *testing.T) {
	d := setupDirs(t)
	m := newTestManager(t, d)
	ctx := context.Background()

	lease, err := m.Prepare(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, d.shared, lease.Dir())
	assert.FileExists(t, filepath.Join(d.shared, "main.tf"))
	assert.FileExists(t, filepath.Join(d.shared, "modules", "net", "main.tf"))
	assert.NoFileExists(t, filepath.Join(d.shared, "README.md"))
	assert.FileExists(t, filepath.Join(d.work, "alpha", "variables.tf"))

	owner, err := m.Owner()
	require.NoError(t, err)
	assert.Equal(t, "alpha", owner)

	writeFile(t, filepath.Join(lease.Dir(), "terraform.tfstate"), "alpha-state")
	writeFile(t, filepath.Join(lease.Dir(), "terraform.tfvars"), `rg_name = "RG-alpha"`)
	writeFile(t, filepath.Join(lease.Dir(), ".terraform", "providers", "azurerm"), "bin")
	writeFile(t, filepath.Join(lease.Dir(), "crash.log"), "noise")

	require.NoError(t, lease.Finalize(OutcomeSucceeded))
	require.NoError(t, lease.Finalize(OutcomeSucceeded), "finalize must be idempotent")

	assert.Equal(t, "alpha-state", readFile(t, filepath.Join(d.work, "alpha", "terraform.tfstate")))
	assert.True(t, m.IsInitialized("alpha"))
	assert.False(t, m.IsInitialized("beta"))

	assert.NoFileExists(t, filepath.Join(d.shared, "terraform.tfstate"))
	assert.NoFileExists(t, filepath.Join(d.shared, "crash.log"))
	assert.NoFileExists(t, filepath.Join(d.shared, MarkerFileName))
	assert.NoDirExists(t, filepath.Join(d.shared, ".terraform"))

	owner, err = m.Owner()
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestPrepareWaitsForCriticalSection(t *testing.T) {
	d := setupDirs(t)
	m := newTestManager(t, d)

	first, err := m.Prepare(context.Background(), "alpha")
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		lease, err := m.Prepare(context.Background(), "beta")
		assert.NoError(t, err)
		got <- lease
	}()

	select {
	case <-got:
		t.Fatal("second prepare entered the critical section while the first was held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Finalize(OutcomeSucceeded))

	select {
	case lease := <-got:
		require.NotNil(t, lease)
		assert.Equal(t, "beta", lease.ID())
		require.NoError(t, lease.Finalize(OutcomeSucceeded))
	case <-time.After(5 * time.Second):
		t.Fatal("second prepare never acquired the critical section")
	}
}

func TestPrepareHonoursContext(t *testing.T) {
	d := setupDirs(t)
	m := newTestManager(t, d)

	held, err := m.Prepare(context.Background(), "alpha")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Prepare(ctx, "beta")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOverlappingRunsStayIsolated(t *testing.T) {
	d := setupDirs(t)
	m := newTestManager(t, d)

	const (
		deployments = 6
		rounds      = 4
	)

	var wg sync.WaitGroup
	for i := 0; i < deployments; i++ {
		id := fmt.Sprintf("dep-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				lease, err := m.Prepare(context.Background(), id)
				if !assert.NoError(t, err) {
					return
				}

				statePath := filepath.Join(lease.Dir(), "terraform.tfstate")
				if r > 0 {
					prev, err := os.ReadFile(statePath)
					assert.NoError(t, err)
					assert.Equal(t, fmt.Sprintf("%s:%d", id, r-1), string(prev), "staged state must be this deployment's own")
				} else {
					assert.NoFileExists(t, statePath)
				}

				assert.NoError(t, os.WriteFile(statePath, []byte(fmt.Sprintf("%s:%d", id, r)), 0o644))
				time.Sleep(time.Millisecond)
				assert.NoError(t, lease.Finalize(OutcomeSucceeded))
			}
		}()
	}
	wg.Wait()

	for i := 0; i < deployments; i++ {
		id := fmt.Sprintf("dep-%d", i)
		assert.Equal(t, fmt.Sprintf("%s:%d", id, rounds-1), readFile(t, filepath.Join(d.work, id, "terraform.tfstate")))
	}
}

func TestConflictLeavesSharedDirectoryUntouched(t *testing.T) {
	d := setupDirs(t)
	m := newTestManager(t, d)

	writeFile(t, filepath.Join(d.shared, MarkerFileName), `{"deployment_id":"other","staged_at":"2025-01-01T00:00:00Z"}`)
	writeFile(t, filepath.Join(d.shared, "terraform.tfstate"), "other-state")

	_, err := m.Prepare(context.Background(), "mine")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkspaceConflict))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "other", conflict.Owner)
	assert.Equal(t, "mine", conflict.Requested)

	assert.Equal(t, "other-state", readFile(t, filepath.Join(d.shared, "terraform.tfstate")))
	assert.NoDirExists(t, filepath.Join(d.work, "mine"))

	// The failed prepare must not keep the critical section
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = m.Prepare(ctx, "mine")
	assert.ErrorIs(t, err, ErrWorkspaceConflict)
}

func TestRecoverAfterCrashAllowsNextPrepare(t *testing.T) {
	d := setupDirs(t)
	crashed := newTestManager(t, d)

	lease, err := crashed.Prepare(context.Background(), "alpha")
	require.NoError(t, err)
	writeFile(t, filepath.Join(lease.Dir(), "terraform.tfstate"), "mid-apply")
	// The process dies here: no Finalize.

	restarted := newTestManager(t, d)
	owner, err := restarted.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alpha", owner)
	assert.Equal(t, "mid-apply", readFile(t, filepath.Join(d.work, "alpha", "terraform.tfstate")))

	owner, err = restarted.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, owner, "recover on a clean directory is a no-op")

	next, err := restarted.Prepare(context.Background(), "beta")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(next.Dir(), "terraform.tfstate"))
	require.NoError(t, next.Finalize(OutcomeSucceeded))

	again, err := restarted.Prepare(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "mid-apply", readFile(t, filepath.Join(again.Dir(), "terraform.tfstate")))
	require.NoError(t, again.Finalize(OutcomeFailed))
}

func TestReleaseDiscardsRunArtifacts(t *testing.T) {
	d := setupDirs(t)
	m := newTestManager(t, d)

	lease, err := m.Prepare(context.Background(), "alpha")
	require.NoError(t, err)
	writeFile(t, filepath.Join(lease.Dir(), "terraform.tfstate"), "half")

	require.NoError(t, lease.Release())
	require.NoError(t, lease.Finalize(OutcomeFailed), "finalize after release is a no-op")

	assert.NoFileExists(t, filepath.Join(d.work, "alpha", "terraform.tfstate"))
	assert.NoFileExists(t, filepath.Join(d.shared, "terraform.tfstate"))
	assert.NoFileExists(t, filepath.Join(d.shared, MarkerFileName))
}

func TestUpdatedLockFileIsKept(t *testing.T) {
	d := setupDirs(t)
	m := newTestManager(t, d)

	lease, err := m.Prepare(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "template-lock", readFile(t, filepath.Join(lease.Dir(), ".terraform.lock.hcl")))
	writeFile(t, filepath.Join(lease.Dir(), ".terraform.lock.hcl"), "updated-lock")
	require.NoError(t, lease.Finalize(OutcomeSucceeded))

	lease, err = m.Prepare(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "updated-lock", readFile(t, filepath.Join(lease.Dir(), ".terraform.lock.hcl")))
	require.NoError(t, lease.Finalize(OutcomeSucceeded))
}

func TestRemoveDeletesWorkspace(t *testing.T) {
	d := setupDirs(t)
	m := newTestManager(t, d)

	lease, err := m.Prepare(context.Background(), "alpha")
	require.NoError(t, err)
	require.NoError(t, lease.Finalize(OutcomeSucceeded))
	require.DirExists(t, m.Path("alpha"))

	require.NoError(t, m.Remove("alpha"))
	assert.NoDirExists(t, m.Path("alpha"))
	assert.Error(t, m.Remove("../alpha"))
}

func TestTemplateDigest(t *testing.T) {
	d := setupDirs(t)
	tpl := NewTemplates(d.templates, zerolog.Nop())

	first, err := tpl.Digest()
	require.NoError(t, err)
	assert.Len(t, first, 64)

	writeFile(t, filepath.Join(d.templates, "README.md"), "still not a template")
	tpl.Invalidate()
	same, err := tpl.Digest()
	require.NoError(t, err)
	assert.Equal(t, first, same)

	writeFile(t, filepath.Join(d.templates, "outputs.tf"), `output "x" { value = 1 }`)
	cached, err := tpl.Digest()
	require.NoError(t, err)
	assert.Equal(t, first, cached, "digest is cached until invalidated")

	tpl.Invalidate()
	changed, err := tpl.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestTemplateWatchInvalidatesDigest(t *testing.T) {
	d := setupDirs(t)
	tpl := NewTemplates(d.templates, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tpl.Watch(ctx))

	before, err := tpl.Digest()
	require.NoError(t, err)

	writeFile(t, filepath.Join(d.templates, "main.tf"), `resource "null_resource" "y" {}`)

	assert.Eventually(t, func() bool {
		after, err := tpl.Digest()
		return err == nil && after != before
	}, 5*time.Second, 20*time.Millisecond)
}
