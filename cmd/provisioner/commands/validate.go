package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/policy"
	"github.com/openfroyo/provisioner/pkg/stores"
)

func newValidateCommand() *cobra.Command {
	var destroy bool

	cmd := &cobra.Command{
		Use:   "validate <parameter-file>",
		Short: "Validate a parameter file",
		Long: `Validate a parameter file without creating anything.

This command checks:
  - File syntax (YAML, JSON or the CUE schema)
  - Field constraints after normalization
  - Admission policies (built-in and policy.dirs)`,
		Example: `  # Validate a parameter file
  provisioner validate params.yaml

  # Evaluate the policies of the destroy operation
  provisioner validate --destroy params.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := config.LoadParameters(args[0])
			if err != nil {
				return err
			}
			params = engine.NormalizeParameters(params)

			op := stores.OperationCreate
			if destroy {
				op = stores.OperationDestroy
			}

			return withStore(cmd.Context(), func(ctx context.Context, a *app) error {
				res, verr := engine.ValidateParameters(ctx, a.policy, op, params)

				if jsonOutput {
					out := struct {
						Valid      bool              `json:"valid"`
						Error      string            `json:"error,omitempty"`
						Parameters stores.Parameters `json:"parameters"`
						Result     *policy.Result    `json:"policy,omitempty"`
					}{Valid: verr == nil, Parameters: params, Result: res}
					if verr != nil {
						out.Error = verr.Error()
					}
					if err := printJSON(os.Stdout, out); err != nil {
						return err
					}
					return verr
				}

				if res != nil {
					for _, w := range res.Warnings {
						fmt.Printf("warning: [%s] %s\n", w.Policy, w.Message)
					}
					for _, v := range res.Violations {
						fmt.Printf("violation: [%s] %s\n", v.Policy, v.Message)
					}
				}
				if verr != nil {
					return verr
				}
				fmt.Printf("%s is valid (resource group base %q)\n", args[0], params.ResourceGroupBase)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&destroy, "destroy", false, "evaluate destroy policies instead of create")
	return cmd
}
