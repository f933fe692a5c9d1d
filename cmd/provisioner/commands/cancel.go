package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/engine"
)

func newCancelCommand() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "cancel <deployment-id>",
		Short: "Cancel the running operation of a deployment",
		Long: `Ask a running server to stop the operation of a deployment. The tool
process is interrupted, then killed after the grace period, and the
deployment ends in error with reason "cancelled".

Operations started by "provisioner create" in a terminal are cancelled
with Ctrl-C instead.`,
		Example: `  provisioner cancel 6f1c...
  provisioner cancel 6f1c... --server http://deploy.internal:8080`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				serverURL = baseURL(cfg.Server.Listen)
			}

			endpoint, err := url.JoinPath(serverURL, "api", "deployments", args[0], "cancel")
			if err != nil {
				return fmt.Errorf("invalid server URL: %w", err)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach server: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode >= 300 {
				var e struct {
					Error string `json:"error"`
					Code  string `json:"code"`
				}
				if json.Unmarshal(body, &e) == nil && e.Error != "" {
					return fmt.Errorf("%s: %s", e.Code, e.Error)
				}
				return fmt.Errorf("server returned %s", resp.Status)
			}

			var v engine.View
			if err := json.Unmarshal(body, &v); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return printView(os.Stdout, v)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (default derived from server.listen)")
	return cmd
}

// baseURL turns a listen address into a URL on the local host.
func baseURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}
