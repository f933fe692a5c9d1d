package fsutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestIsTempFile(t *testing.T) {
	assert.True(t, IsTempFile(".metadata.json.tmp-12345"))
	assert.False(t, IsTempFile("metadata.json"))
	assert.False(t, IsTempFile(".terraform"))
}

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "providers", "azurerm"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "providers", "azurerm", "bin"), []byte("x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top"), []byte("y"), 0o644))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, os.MkdirAll(dst, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "stale"), []byte("z"), 0o644))

	require.NoError(t, CopyDir(src, dst))

	assert.True(t, Exists(filepath.Join(dst, "providers", "azurerm", "bin")))
	assert.True(t, Exists(filepath.Join(dst, "top")))
	assert.False(t, Exists(filepath.Join(dst, "stale")))

	info, err := os.Stat(filepath.Join(dst, "providers", "azurerm", "bin"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestReplaceDirSwapsTree(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "ws", ".terraform")

	require.NoError(t, os.MkdirAll(filepath.Join(dst, "stale"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "stale", "old"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "providers"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "providers", "azurerm"), []byte("bin"), 0o755))

	require.NoError(t, ReplaceDir(src, dst))

	assert.False(t, Exists(filepath.Join(dst, "stale")))
	data, err := os.ReadFile(filepath.Join(dst, "providers", "azurerm"))
	require.NoError(t, err)
	assert.Equal(t, "bin", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "ws"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging directories must not be left behind")
}

func TestCopyFileStreamsContentAndMode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "plugin")
	dst := filepath.Join(dir, "dst", "plugin")

	payload := bytes.Repeat([]byte("azurerm-provider-"), 256*1024)
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, payload, 0o750))
	require.NoError(t, WriteFileAtomic(dst, []byte("old"), 0o644))

	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, data), "copied content differs")

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestCopyFileFailureKeepsDestination(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out", "plugin")
	require.NoError(t, WriteFileAtomic(dst, []byte("old"), 0o644))

	// Reading a directory fails after the temp file exists.
	err := CopyFile(dir, dst)
	require.Error(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
