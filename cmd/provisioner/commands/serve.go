package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/server"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the deployment engine behind the HTTP API.

On start the engine reloads every record, recovers the shared workspace
and marks operations interrupted by a previous crash as failed. Templates
and policy directories are watched and reloaded on change.

On SIGINT/SIGTERM the server stops accepting requests, closes log streams
and cancels running operations before exiting.`,
		Example: `  # Serve with the default configuration
  provisioner serve

  # Serve on another address
  provisioner serve --listen 127.0.0.1:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{withEngine: true, watch: true})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := shutdownContext()
				defer cancel()
				a.close(sctx)
			}()

			if listen != "" {
				a.cfg.Server.Listen = listen
			}
			if err := a.tel.Metrics.StartMetricsServer(); err != nil {
				return err
			}

			srv, err := server.New(server.Config{
				Listen:          a.cfg.Server.Listen,
				ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
				SSEHeartbeat:    a.cfg.Server.SSEHeartbeat,
				AllowReveal:     a.cfg.Server.AllowReveal,
				Deployments:     a.engine,
				Health:          a.store,
				Metrics:         a.tel.Metrics.Handler(),
				TracerProvider:  a.tel.Tracer.Provider(),
				Logger:          a.logger,
			})
			if err != nil {
				return err
			}

			log.Info().Str("listen", a.cfg.Server.Listen).Msg("Starting API server")
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}
