package cli

import (
	"context"
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

// stepCommand describes a command that runs a single step kind.
type stepCommand struct {
	kind  step.Kind
	short string
	long  string
}

var (
	stepAddBranch = stepCommand{
		kind:  step.AddBranch,
		short: "Create and push the release branches",
		long: `Create the release branch of each platform version from its staging
branch and push it. Versions whose staging branch has nothing new since
the previous release are skipped.

Without arguments all configured platform versions are processed.`,
	}
	stepTestBranch = stepCommand{
		kind:  step.TestBranch,
		short: "Open, verify and merge the release pull requests",
		long: `Open the pull request of each release branch into its production
branch, wait for its checks and merge it. A rerun continues with the pull
request opened before.

Without arguments all configured platform versions are processed.`,
	}
	stepDoc = stepCommand{
		kind:  step.Doc,
		short: "Aggregate the changelog of the release",
		long: `Collect the changelog fragments merged into the production branches
and publish the release notes in the documentation tree.`,
	}
	stepTag = stepCommand{
		kind:  step.Tag,
		short: "Tag the released production branches",
		long:  `Tag the production branch of every platform version released in this cycle.`,
	}
)

func newBranchStepCommand(app *App, flags *globalFlags, sc stepCommand) *cobra.Command {
	return &cobra.Command{
		Use:   sc.kind.String() + " [BRANCH...]",
		Short: sc.short,
		Long:  sc.long,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runKinds(cmd.Context(), flags, orchestrator.Request{
				Steps:    []step.Kind{sc.kind},
				Branches: app.branches(args),
			})
		},
	}
}

func newGlobalStepCommand(app *App, flags *globalFlags, sc stepCommand) *cobra.Command {
	return &cobra.Command{
		Use:   sc.kind.String(),
		Short: sc.short,
		Long:  sc.long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runKinds(cmd.Context(), flags, orchestrator.Request{
				Steps:    []step.Kind{sc.kind},
				Branches: app.branches(nil),
			})
		},
	}
}

// runKinds runs req against the release selected by the global flags.
func (app *App) runKinds(ctx context.Context, flags *globalFlags, req orchestrator.Request) error {
	id, err := app.releaseID(flags)
	if err != nil {
		return fatal(err)
	}

	svc, err := app.Connect(ctx, app)
	if err != nil {
		return fatal(err)
	}
	return app.runRelease(ctx, svc, id, req)
}

// runRelease plans and executes req, printing progress and a summary.
func (app *App) runRelease(ctx context.Context, svc *Services, releaseID string, req orchestrator.Request) error {
	if err := app.requireBranches(releaseID, req); err != nil {
		return fatal(err)
	}

	exec := executor.New(app.Store, svc.Collaborators, app.Naming, executor.Options{
		PollInterval: app.Config.Forge.PollInterval,
		PollTimeout:  app.Config.Forge.PollTimeout,
		Logger:       app.Logger,
		Now:          app.Now,
	})
	plan := planner.New(executor.NewChangeDetector(svc.Collaborators.VCS, app.Naming), app.Logger)
	orch := orchestrator.New(app.Store, plan, &reportingExecutor{Executor: exec, printer: app.Printer}, app.Logger)
	orch.SetProgressCallback(func(index, total int, a planner.Action) {
		app.Printer.StepStart(index, total, a.String())
	})

	app.Printer.Header("Release " + releaseID)
	report, err := orch.Run(ctx, releaseID, req)
	if report != nil && len(report.Planned) > 0 {
		app.printSummary(report)
	}
	if err != nil {
		return fatal(err)
	}

	if len(report.Planned) == 0 {
		app.Printer.Info("Nothing to do: %s", describeSteps(req.Steps))
		return nil
	}
	if !report.OK() {
		return NewExitError(ExitFailed)
	}
	return nil
}

// requireBranches refuses per-branch work when no platform version is known.
func (app *App) requireBranches(releaseID string, req orchestrator.Request) error {
	if len(req.Branches) > 0 {
		return nil
	}
	perBranch := len(req.Steps) == 0
	for _, k := range req.Steps {
		perBranch = perBranch || k.PerBranch()
	}
	if !perBranch {
		return nil
	}

	rs, err := app.Store.Load(releaseID)
	if err != nil {
		return err
	}
	if len(rs.Branches()) == 0 {
		return fmt.Errorf("no platform versions configured: set branches in the config file or pass --branches")
	}
	return nil
}

func (app *App) printSummary(report *orchestrator.Report) {
	s := output.Summary{
		ReleaseID:   report.ReleaseID,
		Done:        report.Done,
		Skipped:     report.Skipped,
		Failed:      report.Failed,
		Interrupted: report.Interrupted,
		Duration:    report.Duration,
	}
	if f := report.FirstFailure; f != nil {
		s.FirstFailure = fmt.Sprintf("%s: %s", f.Action, f.Cause)
	}
	app.Printer.Summary(s)

	if remaining := report.Remaining(); len(remaining) > 0 && !report.Interrupted {
		names := make([]string, len(remaining))
		for i, a := range remaining {
			names[i] = a.String()
		}
		app.Printer.Hint("not attempted: %s", strings.Join(names, ", "))
	}
}

func describeSteps(kinds []step.Kind) string {
	if len(kinds) == 0 {
		return "all steps are done or skipped"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ", ") + " already done or skipped"
}

// reportingExecutor prints every recorded outcome as soon as it is known.
type reportingExecutor struct {
	orchestrator.Executor
	printer *output.Printer
}

func (r *reportingExecutor) Execute(ctx context.Context, params executor.Params, a planner.Action) (executor.Outcome, error) {
	out, err := r.Executor.Execute(ctx, params, a)
	if err == nil {
		detail := out.Cause
		if out.Status == state.StatusDone {
			detail = outcomeDetail(a.Step, out.Metadata)
		}
		r.printer.StepResult(a.String(), string(out.Status), detail, out.Duration)
	}
	return out, err
}

// outcomeDetail picks the most useful fact of a done step for display.
func outcomeDetail(k step.Kind, meta map[string]string) string {
	switch k {
	case step.Init:
		return meta[executor.MetaReleaseDate]
	case step.AddBranch:
		return meta[executor.MetaReleaseBranch]
	case step.TestBranch:
		return meta[executor.MetaPullRequestURL]
	case step.Doc:
		return meta[executor.MetaChangelogPath]
	case step.Tag:
		return strings.ReplaceAll(meta[executor.MetaTags], ",", ", ")
	}
	return ""
}
