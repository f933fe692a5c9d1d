package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/logstream"
)

func newLogsCommand() *cobra.Command {
	var after uint64

	cmd := &cobra.Command{
		Use:   "logs <deployment-id>",
		Short: "Print the log of a deployment",
		Long: `Print the durable log of a deployment. Use "serve" and the
/api/deployments/<id>/logs stream to follow a running operation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app) error {
				if _, _, err := a.view(ctx, args[0]); err != nil {
					return err
				}

				logs, err := logstream.NewBroadcaster(logstream.Config{Dir: a.cfg.LogsDir(), Logger: a.logger})
				if err != nil {
					return err
				}
				defer logs.Close()

				if !logs.Exists(args[0]) {
					return nil
				}
				l, err := logs.Open(args[0])
				if err != nil {
					return err
				}
				defer logs.Release(l)

				lines := l.Lines(after)
				if jsonOutput {
					if lines == nil {
						lines = []logstream.Line{}
					}
					return printJSON(cmd.OutOrStdout(), lines)
				}
				for _, ln := range lines {
					if ln.End {
						fmt.Fprintln(cmd.OutOrStdout(), "--")
						continue
					}
					fmt.Fprintln(cmd.OutOrStdout(), trimLine(ln.Text))
				}
				return nil
			})
		},
	}

	cmd.Flags().Uint64Var(&after, "after", 0, "only print lines after this sequence number")
	return cmd
}
