package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/fsutil"
	"github.com/openfroyo/provisioner/pkg/stores"
)

func newEnvCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "env <deployment-id>",
		Short: "Write the environment file of a completed deployment",
		Long: `Render the outputs of a completed deployment as a dotenv file for
client applications. The file holds secrets and is written with mode 0600.`,
		Example: `  # Write .env.<short-id> in the current directory
  provisioner env 6f1c...

  # Print to stdout
  provisioner env 6f1c... -o -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app) error {
				d, _, err := a.view(ctx, args[0])
				if err != nil {
					return err
				}
				if d.Status != stores.StatusCompleted {
					return engine.NewValidationError(
						fmt.Sprintf("deployment %s is %s; env files need a completed deployment", d.ID, d.Status), nil)
				}

				data, err := engine.RenderEnv(d, time.Now())
				if err != nil {
					return err
				}

				if outFile == "-" {
					_, err := cmd.OutOrStdout().Write(data)
					return err
				}
				path := outFile
				if path == "" {
					path = engine.EnvFileName(d.ID)
				}
				if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
					return err
				}
				log.Info().Str("path", path).Msg("Environment file written")
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", `output file ("-" for stdout)`)
	return cmd
}
