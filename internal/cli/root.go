// Package cli implements the fcrelease command-line interface.
//
// Every release step has its own command (init, add-branch, test-branch,
// doc, tag); run performs all pending steps and status shows the progress of
// a release. Commands are thin: they resolve the release and its branches,
// wire the collaborators and hand over to [orchestrator.Orchestrator].
//
// Dependencies are collected in [App] so tests can substitute in-memory
// collaborators through [App.Connect].
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fcrelease/internal/config"
	"fcrelease/internal/executor"
	"fcrelease/internal/logging"
	"fcrelease/internal/output"
	"fcrelease/internal/state"
)

// ReleaseIndex finds releases already published in the documentation tree.
// [changelog.Publisher] implements it.
type ReleaseIndex interface {
	// Sync brings the documentation tree up to date with its remote.
	Sync(ctx context.Context) error
	LatestRelease() (string, error)
}

// Services are the external systems a release run talks to.
type Services struct {
	Collaborators executor.Collaborators
	Docs          ReleaseIndex
}

// App holds the dependencies shared by all commands. Nil fields are filled
// from the configuration before a command runs.
type App struct {
	Config  *config.Config
	Printer *output.Printer
	Logger  *zap.Logger
	Store   *state.Store
	Naming  *config.Naming

	// Connect opens the platform repository, the forge and the docs tree.
	// The status command never calls it.
	Connect func(ctx context.Context, app *App) (*Services, error)

	// Now returns the current time.
	Now func() time.Time
}

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	configPath string
	stateDir   string
	branches   []string
	release    string
	verbose    bool
}

// NewRootCommand creates the root command with all subcommands attached.
func NewRootCommand(app *App) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "fcrelease",
		Short: "Drive a platform release step by step",
		Long: `fcrelease drives the release of the platform across its parallel
release branches. Each step records its outcome in the state directory, so
any command can be rerun after a failure or interruption and continues where
the previous invocation stopped.

Steps, in order:
  init         start a release cycle and sync the platform repository
  add-branch   create and push the release branch of a platform version
  test-branch  open, verify and merge the release pull request
  doc          aggregate the changelog fragments into the release notes
  tag          tag the production branches`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.setup(cmd, flags); err != nil {
				return fatal(err)
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default: search FCRELEASE_CONFIG_PATH, user config dir, ./fcrelease.yaml)")
	pf.StringVar(&flags.stateDir, "state-dir", "", "directory holding the release state files")
	pf.StringSliceVar(&flags.branches, "branches", nil, "platform versions taking part in the release, e.g. 23.11,24.05")
	pf.StringVar(&flags.release, "release", "", "release id YYYY_NNN (default: latest initialized release)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log debug output")

	rootCmd.AddCommand(
		newInitCommand(app),
		newBranchStepCommand(app, flags, stepAddBranch),
		newBranchStepCommand(app, flags, stepTestBranch),
		newGlobalStepCommand(app, flags, stepDoc),
		newGlobalStepCommand(app, flags, stepTag),
		newRunCommand(app, flags),
		newStatusCommand(app, flags),
	)

	return rootCmd
}

// setup loads the configuration unless provided, applies the global flags
// and fills the remaining dependencies.
func (app *App) setup(cmd *cobra.Command, flags *globalFlags) error {
	if app.Config == nil {
		loader := config.NewLoader()
		var (
			cfg *config.Config
			err error
		)
		if flags.configPath != "" {
			cfg, err = loader.LoadFromFile(flags.configPath)
		} else {
			cfg, err = loader.Load()
		}
		if err != nil {
			return err
		}
		app.Config = cfg
	}

	if flags.stateDir != "" {
		app.Config.StateDir = flags.stateDir
	}
	if len(flags.branches) > 0 {
		app.Config.Branches = flags.branches
	}
	if flags.verbose {
		app.Config.Log.Level = "debug"
	}
	if err := app.Config.Validate(); err != nil {
		return err
	}

	if app.Logger == nil {
		logger, err := logging.New(logging.Config{Level: app.Config.Log.Level, Format: app.Config.Log.Format, Output: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}
		app.Logger = logger
	}
	if app.Printer == nil {
		app.Printer = output.NewPrinterWithWriter(cmd.OutOrStdout())
	}
	if app.Store == nil {
		app.Store = state.NewStore(app.Config.StateDir)
	}
	if app.Naming == nil {
		naming, err := config.NewNaming(app.Config)
		if err != nil {
			return err
		}
		app.Naming = naming
	}
	if app.Connect == nil {
		app.Connect = connect
	}
	if app.Now == nil {
		app.Now = time.Now
	}
	return nil
}

// releaseID returns the release named by --release, or the latest
// initialized release.
func (app *App) releaseID(flags *globalFlags) (string, error) {
	if flags.release != "" {
		if err := state.ValidateReleaseID(flags.release); err != nil {
			return "", err
		}
		return flags.release, nil
	}
	id, err := app.Store.Latest()
	if errors.Is(err, state.ErrNoRelease) {
		return "", fmt.Errorf("%w in %s, run 'fcrelease init' first", err, app.Store.Dir())
	}
	return id, err
}

// branches returns the platform versions a command works on: the given
// arguments, else the configured branches. Nil leaves the choice to the
// release state.
func (app *App) branches(args []string) []string {
	if len(args) > 0 {
		return args
	}
	if len(app.Config.Branches) > 0 {
		return app.Config.Branches
	}
	return nil
}

// ExecuteResult is the outcome of running the command line.
type ExecuteResult struct {
	ExitCode int
	Err      error
}

// Run executes the command line args against app.
func Run(ctx context.Context, app *App, args []string) ExecuteResult {
	rootCmd := NewRootCommand(app)
	rootCmd.SetArgs(args)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if code, ok := IsExitError(err); ok {
			return ExecuteResult{ExitCode: code, Err: err}
		}
		return ExecuteResult{ExitCode: ExitFatal, Err: err}
	}
	return ExecuteResult{}
}

// Execute runs the command line of the process and exits with its code.
// SIGINT and SIGTERM stop a run after the step in progress.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	result := Run(ctx, &App{}, os.Args[1:])
	stop()

	var exitErr *ExitError
	if result.Err != nil && (!errors.As(result.Err, &exitErr) || exitErr.Err != nil) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", result.Err)
	}
	os.Exit(result.ExitCode)
}
