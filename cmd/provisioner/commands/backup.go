package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/archive"
	"github.com/openfroyo/provisioner/pkg/config"
)

func newBackupCommand() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the data directory",
		Long: `Archive the data directory to the configured archive (archive.kind:
local, s3 or sftp).

The backup includes:
  - Deployment records (file store, or the sqlite database)
  - Workspaces with their terraform state
  - Deployment logs

Take backups while no operation is running; a postgres store is backed up
with the database's own tooling.`,
		Example: `  # Create a backup
  provisioner backup

  # List existing backups
  provisioner backup --list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := archive.Open(ctx, cfg.Archive, log.Logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if list {
				return listBackups(ctx, a)
			}

			var exclude []string
			if rel, ok := localArchiveRel(cfg); ok {
				exclude = append(exclude, rel)
			}

			start := time.Now()
			name, err := archive.Backup(ctx, a, cfg.DataDir, start.UTC(), exclude...)
			if err != nil {
				return err
			}
			log.Info().
				Str("name", name).
				Str("archive", archiveKind(cfg)).
				Dur("duration", time.Since(start)).
				Msg("Backup created")
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{"name": name})
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list backups instead of creating one")
	return cmd
}

func listBackups(ctx context.Context, a archive.Archiver) error {
	names, err := a.List(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		if names == nil {
			names = []string{}
		}
		return printJSON(os.Stdout, names)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

// localArchiveRel returns the local archive directory relative to the data
// directory when it lives inside it.
func localArchiveRel(cfg *config.AppConfig) (string, bool) {
	if archiveKind(cfg) != "local" {
		return "", false
	}
	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return "", false
	}
	dir, err := filepath.Abs(cfg.Archive.Local.Dir)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(dataDir, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func archiveKind(cfg *config.AppConfig) string {
	if cfg.Archive.Kind == "" {
		return "local"
	}
	return cfg.Archive.Kind
}
