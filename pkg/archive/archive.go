package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/fsutil"
)

const (
	namePrefix = "provisioner-"
	nameSuffix = ".tar.gz"
	timeLayout = "20060102T150405Z"

	// Latest selects the newest backup in Restore.
	Latest = "latest"
)

// ErrNoBackups is returned when Restore is asked for the latest backup of an
// empty archive.
var ErrNoBackups = errors.New("no backups found")

// Archiver stores named backup blobs.
type Archiver interface {
	// Put stores r under name, replacing an existing blob.
	Put(ctx context.Context, name string, r io.Reader) error
	// Get opens the blob stored under name.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	// List returns the stored backup names in ascending order.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Open builds the archiver selected by cfg.Kind.
func Open(ctx context.Context, cfg config.ArchiveConfig, logger zerolog.Logger) (Archiver, error) {
	switch cfg.Kind {
	case "", "local":
		return NewLocalArchiver(cfg.Local.Dir)
	case "s3":
		return NewS3Archiver(ctx, cfg.S3, logger)
	case "sftp":
		return DialSFTP(ctx, cfg.SFTP, logger)
	default:
		return nil, fmt.Errorf("unsupported archive kind: %s", cfg.Kind)
	}
}

// BackupName returns the blob name of a backup taken at t.
func BackupName(t time.Time) string {
	return namePrefix + t.UTC().Format(timeLayout) + nameSuffix
}

func isBackupName(name string) bool {
	return strings.HasPrefix(name, namePrefix) && strings.HasSuffix(name, nameSuffix)
}

func validName(name string) bool {
	return isBackupName(name) && !strings.ContainsAny(name, `/\`)
}

func sortedBackups(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if validName(n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Backup packs dataDir and stores it in a. Paths listed in exclude, relative
// to dataDir, are left out. It returns the blob name.
func Backup(ctx context.Context, a Archiver, dataDir string, now time.Time, exclude ...string) (string, error) {
	tmp, err := os.CreateTemp("", "provisioner-backup-*"+nameSuffix)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := Pack(tmp, dataDir, exclude...); err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind archive: %w", err)
	}

	name := BackupName(now)
	if err := a.Put(ctx, name, tmp); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", name, err)
	}
	return name, nil
}

// Restore replaces dataDir with the contents of the named backup. The
// current tree stays in place until the backup is fully unpacked. Paths in
// keep, relative to dataDir, are carried over from the current tree.
func Restore(ctx context.Context, a Archiver, name, dataDir string, keep ...string) (string, error) {
	if name == "" || name == Latest {
		names, err := a.List(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list backups: %w", err)
		}
		if len(names) == 0 {
			return "", ErrNoBackups
		}
		name = names[len(names)-1]
	}

	rc, err := a.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer rc.Close()

	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return "", err
	}
	parent := filepath.Dir(abs)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(abs)+".restore-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := Unpack(rc, staging); err != nil {
		return "", fmt.Errorf("failed to unpack %s: %w", name, err)
	}
	for _, rel := range keep {
		if err := carryOver(filepath.Join(abs, rel), filepath.Join(staging, rel)); err != nil {
			return "", err
		}
	}
	if err := fsutil.ReplaceDir(staging, abs); err != nil {
		return "", err
	}
	return name, nil
}

func carryOver(src, dst string) error {
	info, err := os.Stat(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if info.IsDir() {
		return fsutil.CopyDir(src, dst)
	}
	return fsutil.CopyFile(src, dst)
}
