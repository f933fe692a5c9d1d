package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/stores"
)

func newCreateCommand() *cobra.Command {
	var paramsFile string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deployment",
		Long: `Create a deployment from a parameter file (YAML, JSON or CUE) and
follow its log until the workflow finishes.

Interrupting the command stops terraform and records the deployment as
failed with reason "interrupted"; retry it later with "provisioner retry".`,
		Example: `  # Create from a YAML parameter file
  provisioner create -f params.yaml

  # Print the final record as JSON
  provisioner create -f params.cue --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := config.LoadParameters(paramsFile)
			if err != nil {
				return err
			}

			return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
				id, err := a.engine.CreateDeployment(ctx, params)
				if err != nil {
					return err
				}
				log.Info().Str("deployment_id", id).Msg("Deployment started")
				return follow(ctx, a, id, 0)
			})
		},
	}

	cmd.Flags().StringVarP(&paramsFile, "file", "f", "", "parameter file (.yaml, .yml, .json or .cue)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newDestroyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <deployment-id>",
		Short: "Destroy a deployment",
		Long: `Destroy every resource of a completed or failed deployment and remove
its workspace. The record stays as a destroyed tombstone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
				after := logCursor(a, args[0])
				if err := a.engine.DestroyDeployment(ctx, args[0]); err != nil {
					return err
				}
				return follow(ctx, a, args[0], after)
			})
		},
	}
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <deployment-id>",
		Short: "Retry a failed deployment",
		Long: `Run the create workflow again for a deployment in error. Generated
names are kept; init is skipped when the workspace is already initialized.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
				after := logCursor(a, args[0])
				if err := a.engine.Retry(ctx, args[0]); err != nil {
					return err
				}
				return follow(ctx, a, args[0], after)
			})
		},
	}
}

// withEngine runs fn against a fully wired engine and shuts it down after.
func withEngine(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := newApp(ctx, appOptions{withEngine: true})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := shutdownContext()
		defer cancel()
		a.close(sctx)
	}()
	return fn(ctx, a)
}

// logCursor returns the last sequence number already in the log of id, so
// follow skips the output of earlier operations.
func logCursor(a *app, id string) uint64 {
	l, err := a.logs.Open(id)
	if err != nil {
		return 0
	}
	defer a.logs.Release(l)
	return l.LastSeq()
}

// follow prints the log of the running operation and then the final record.
func follow(ctx context.Context, a *app, id string, after uint64) error {
	sub, err := a.engine.SubscribeLogs(ctx, id, after)
	if err != nil {
		return err
	}
	defer sub.Close()

	w := logWriter()
	for {
		ln, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) || (err == nil && ln.End) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("interrupted; deployment %s will be marked as failed", id)
			}
			return err
		}
		fmt.Fprintln(w, trimLine(ln.Text))
	}

	v, err := a.engine.Wait(ctx, id)
	if err != nil {
		return err
	}
	if err := printView(os.Stdout, v); err != nil {
		return err
	}
	if v.Status == stores.StatusError {
		return fmt.Errorf("deployment %s failed (%s): %s", id, v.Reason, v.Error)
	}
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app) error {
				_, v, err := a.view(ctx, args[0])
				if err != nil {
					return err
				}
				return printView(os.Stdout, v)
			})
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app) error {
				records, err := a.store.List(ctx)
				if err != nil {
					return err
				}
				views := make([]engine.View, 0, len(records))
				for _, d := range records {
					views = append(views, engine.NewView(d, d.Status.IsActive()))
				}
				return printViews(os.Stdout, views)
			})
		},
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <deployment-id>",
		Short: "Show the status transitions of a deployment",
		Long: `Show the recorded status transitions. Only the sqlite and postgres
stores keep history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app) error {
				if _, _, err := a.view(ctx, args[0]); err != nil {
					return err
				}
				hs, ok := a.store.(stores.HistoryStore)
				if !ok {
					return fmt.Errorf("the %s store does not record history", a.cfg.Store.Driver)
				}
				history, err := hs.History(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(os.Stdout, history)
				}
				for _, tr := range history {
					fmt.Printf("%s  %-12s -> %-12s %s\n",
						tr.RecordedAt.Format("2006-01-02 15:04:05"), tr.From, tr.To, tr.Reason)
				}
				return nil
			})
		},
	}
}

// withStore runs fn with the store open and no engine, so no recovery runs.
func withStore(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := shutdownContext()
		defer cancel()
		a.close(sctx)
	}()
	return fn(ctx, a)
}
