package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fcrelease/internal/orchestrator"
	"fcrelease/internal/state"
	"fcrelease/internal/step"
)

func newInitCommand(app *App) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "init [RELEASE_ID]",
		Short: "Start a release cycle",
		Long: `Start a release cycle: sync the platform repository and record the
planned roll-out date.

Without RELEASE_ID the next free id of the roll-out year is used, taking
both the state directory and the releases published in the documentation
tree into account. The roll-out date defaults to the next Monday.

Example:
  fcrelease init --date 2024-03-25
  fcrelease init 2024_012`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var releaseDate time.Time
			if date != "" {
				d, err := state.ParseReleaseDate(date)
				if err != nil {
					return fatal(err)
				}
				releaseDate = d
			}

			svc, err := app.Connect(ctx, app)
			if err != nil {
				return fatal(err)
			}

			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				id, err = app.nextReleaseID(ctx, svc, releaseDate)
				if err != nil {
					return fatal(err)
				}
			}
			if err := state.ValidateReleaseID(id); err != nil {
				return fatal(err)
			}

			return app.runRelease(ctx, svc, id, orchestrator.Request{
				Steps:       []step.Kind{step.Init},
				Branches:    app.branches(nil),
				ReleaseDate: releaseDate,
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "planned roll-out date YYYY-MM-DD (default: next Monday)")
	return cmd
}

// nextReleaseID derives the id following the latest release of the roll-out
// year, from both the state directory and the published release notes.
func (app *App) nextReleaseID(ctx context.Context, svc *Services, releaseDate time.Time) (string, error) {
	if releaseDate.IsZero() {
		releaseDate = state.NextMonday(app.Now())
	}

	existing, err := app.Store.List()
	if err != nil {
		return "", err
	}
	if svc.Docs != nil {
		if err := svc.Docs.Sync(ctx); err != nil {
			return "", fmt.Errorf("sync docs: %w", err)
		}
		published, err := svc.Docs.LatestRelease()
		if err != nil {
			return "", err
		}
		if published != "" {
			existing = append(existing, published)
		}
	}
	return state.NextReleaseID(existing, releaseDate.Year()), nil
}
