package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/archive"
)

func newRestoreCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [name|latest]",
		Short: "Restore the data directory from a backup",
		Long: `Replace the data directory with the contents of a backup.

WARNING: This will replace the current records, workspaces and logs.
Stop the server first; on its next start, operations that were running
when the backup was taken are marked as interrupted.

The restore process:
  - Downloads the backup from the configured archive
  - Unpacks it next to the data directory
  - Swaps the unpacked tree in place of the current one`,
		Example: `  # Restore the newest backup
  provisioner restore --force

  # Restore a specific backup
  provisioner restore provisioner-20260101T120000Z.tar.gz --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("restore replaces the data directory; pass --force to continue")
			}
			name := archive.Latest
			if len(args) > 0 {
				name = args[0]
			}

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

			var keep []string
			if rel, ok := localArchiveRel(cfg); ok {
				keep = append(keep, rel)
			}

			restored, err := archive.Restore(ctx, a, name, cfg.DataDir, keep...)
			if err != nil {
				return err
			}
			log.Info().Str("name", restored).Str("data_dir", cfg.DataDir).Msg("Backup restored")
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s into %s\n", restored, cfg.DataDir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace the data directory")
	return cmd
}
