package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provisioner",
		Short: "Provisioner - Azure AI deployment orchestration",
		Long: `Provisioner creates and destroys Azure AI environments by driving
terraform against a fixed template set.

Every deployment keeps its own workspace and durable record. The engine
allows one running operation per deployment, streams tool output to
subscribers and recovers interrupted operations on restart.

Commands that change deployments (create, destroy, retry) run the engine
in-process and must not share a data directory with a running server;
use the HTTP API instead while "serve" is up.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newEnvCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())

	return rootCmd
}
