package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fcrelease/internal/executor"
	"fcrelease/internal/orchestrator"
	"fcrelease/internal/output"
	"fcrelease/internal/planner"
	"fcrelease/internal/state"
	"fcrelease/internal/step"
)

func newStatusCommand(app *App, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the progress of a release",
		Long: `Show every step of the release with its recorded status and the steps
still pending. status reads the state directory only; it does not contact
the repository or the forge.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := app.releaseID(flags)
			if err != nil {
				return fatal(err)
			}

			orch := orchestrator.New(app.Store, planner.New(nil, app.Logger), nil, app.Logger)
			sr, err := orch.Status(cmd.Context(), id, app.branches(nil))
			if err != nil {
				return fatal(err)
			}

			app.printStatus(sr)
			return nil
		},
	}
}

func (app *App) printStatus(sr *orchestrator.StatusReport) {
	p := app.Printer

	p.Header("Release " + sr.ReleaseID)
	date := sr.ReleaseDate
	if date == "" {
		date = "not set"
	}
	p.Field("Release date", date)
	p.Field("Branches", strings.Join(sr.Branches, ", "))
	p.Info("")

	rows := make([]output.Row, 0, len(sr.Entries))
	for _, e := range sr.Entries {
		detail := e.Record.Cause
		if e.Status == state.StatusDone {
			detail = outcomeDetail(e.Key.Step, e.Record.Metadata)
		}
		if e.Status == state.StatusFailed {
			if url := e.Record.Meta(executor.MetaPullRequestURL); url != "" {
				detail += " (" + url + ")"
			}
		}
		rows = append(rows, output.Row{
			Step:   e.Key.Step.String(),
			Branch: e.Key.Branch,
			Status: string(e.Status),
			Detail: detail,
		})
	}
	p.Table(rows)
	p.Info("")

	if sr.Complete() {
		p.Info("Release %s is complete.", sr.ReleaseID)
		return
	}

	next := sr.Pending[0]
	if len(sr.Failed()) > 0 {
		p.Hint("Fix the failure above, then rerun: %s", nextCommand(sr.ReleaseID, next))
	} else {
		p.Hint("Next: %s", nextCommand(sr.ReleaseID, next))
	}
	p.Hint("Or continue with all pending steps: fcrelease --release %s run", sr.ReleaseID)
}

// nextCommand returns the command line that performs a.
func nextCommand(releaseID string, a planner.Action) string {
	if a.Step == step.Init {
		return fmt.Sprintf("fcrelease init %s", releaseID)
	}
	cmd := fmt.Sprintf("fcrelease --release %s %s", releaseID, a.Step)
	if a.Branch != "" {
		cmd += " " + a.Branch
	}
	return cmd
}
