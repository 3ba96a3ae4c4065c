package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"fcrelease/internal/orchestrator"
	"fcrelease/internal/step"
)

func newRunCommand(app *App, flags *globalFlags) *cobra.Command {
	var steps []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run all pending steps of a release",
		Long: `Run every pending step of the release in order, stopping at the first
failure. Steps already done or skipped are not repeated, so run can be
called again after fixing the cause of a failure.

--steps restricts the run to the given step kinds.

Example:
  fcrelease run
  fcrelease run --steps add-branch,test-branch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := step.ParseList(steps...)
			if err != nil {
				return fatal(err)
			}
			return app.runKinds(cmd.Context(), flags, orchestrator.Request{
				Steps:    kinds,
				Branches: app.branches(nil),
			})
		},
	}

	cmd.Flags().StringSliceVar(&steps, "steps", []string{"all"}, "step kinds to consider: all, or a list of "+strings.Join(step.Names(), ", "))
	return cmd
}

