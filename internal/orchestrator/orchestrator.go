// Package orchestrator drives a release from its persisted state to done.
//
// The orchestrator provides [Orchestrator], the entry point of every
// invocation: it loads the release state, asks the planner which actions are
// pending and hands them one at a time to the executor. It stops at the first
// failed action and between actions when its context is cancelled. Because
// the executor records every outcome durably before returning, stopping is
// always safe and the next run continues where this one ended.
//
// Key types:
//   - [Orchestrator] runs and inspects releases
//   - [Report] summarizes one run
//   - [StatusReport] is the read-only view used by the status command
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fcrelease/internal/executor"
	"fcrelease/internal/planner"
	"fcrelease/internal/state"
	"fcrelease/internal/step"
)

// StateReader loads release state. [state.Store] implements it.
type StateReader interface {
	Load(releaseID string) (*state.ReleaseState, error)
}

// Planner computes pending actions. [planner.Planner] implements it.
type Planner interface {
	Plan(ctx context.Context, rs *state.ReleaseState, req planner.Request) ([]planner.Action, error)
}

// Executor performs one action and records its outcome. [executor.Executor]
// implements it.
type Executor interface {
	Execute(ctx context.Context, params executor.Params, a planner.Action) (executor.Outcome, error)
}

// ProgressCallback is invoked before each action begins execution.
//
// The callback receives the 1-based index of the action, the number of
// planned actions and the action itself.
type ProgressCallback func(index, total int, a planner.Action)

// Request selects what a run considers.
type Request struct {
	// Steps restricts the run to these kinds. Nil means the full catalog.
	Steps []step.Kind

	// Branches are the platform versions of the release. Nil means the
	// branches already present in the state.
	Branches []string

	// ReleaseDate is passed to init. The zero value means the next Monday.
	ReleaseDate time.Time
}

// Orchestrator runs releases. Create one with [New].
type Orchestrator struct {
	store    StateReader
	planner  Planner
	executor Executor
	logger   *zap.Logger
	progress ProgressCallback
	newRunID func() string
	now      func() time.Time
}

// New creates an Orchestrator. A nil logger disables logging.
func New(store StateReader, p Planner, e Executor, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		planner:  p,
		executor: e,
		logger:   logger,
		newRunID: uuid.NewString,
		now:      time.Now,
	}
}

// SetProgressCallback configures an optional progress callback.
func (o *Orchestrator) SetProgressCallback(cb ProgressCallback) {
	o.progress = cb
}

// Run executes the pending actions of a release in planned order.
//
// Run returns a [Report] of what happened. It stops at the first failed
// action; later actions are left pending for the next run. When ctx is
// cancelled Run finishes the action in progress, stops and marks the report
// interrupted. An action cancelled while waiting for pull request checks is
// left pending as well.
//
// The error return is reserved for fatal conditions: an invalid release id,
// unreadable or inconsistent state, and unmet prerequisites. The report
// returned together with a fatal error covers the actions completed before it.
func (o *Orchestrator) Run(ctx context.Context, releaseID string, req Request) (*Report, error) {
	if err := state.ValidateReleaseID(releaseID); err != nil {
		return nil, err
	}

	start := o.now()
	report := &Report{RunID: o.newRunID(), ReleaseID: releaseID}
	log := o.logger.With(zap.String("release_id", releaseID), zap.String("run_id", report.RunID))

	rs, err := o.store.Load(releaseID)
	if err != nil {
		return nil, err
	}

	branches := req.Branches
	if len(branches) == 0 {
		branches = rs.Branches()
	}

	actions, err := o.planner.Plan(ctx, rs, planner.Request{Steps: req.Steps, Branches: branches})
	if err != nil {
		return nil, err
	}
	report.Planned = actions
	log.Info("planned release run", zap.Int("actions", len(actions)))

	params := executor.Params{
		ReleaseID:   releaseID,
		Branches:    branches,
		ReleaseDate: req.ReleaseDate,
		RunID:       report.RunID,
	}

	for i, a := range actions {
		if ctx.Err() != nil {
			report.Interrupted = true
			log.Warn("run interrupted", zap.Int("remaining", len(actions)-i))
			break
		}

		if o.progress != nil {
			o.progress(i+1, len(actions), a)
		}

		outcome, err := o.executor.Execute(ctx, params, a)
		if err != nil {
			report.Duration = o.now().Sub(start)
			return report, err
		}
		if outcome.Status == state.StatusPending {
			report.Interrupted = true
			log.Warn("run interrupted", zap.String("step", a.String()), zap.Int("remaining", len(actions)-i))
			break
		}
		report.add(outcome)

		if outcome.Status == state.StatusFailed {
			log.Warn("stopping at failed step",
				zap.String("step", a.String()),
				zap.String("cause", outcome.Cause),
			)
			break
		}
	}

	report.Duration = o.now().Sub(start)
	return report, nil
}

// Status reports the progress of a release without side effects.
//
// Branches default to those present in the state. The pending actions are
// planned against the full catalog, exactly what a run without a step filter
// would attempt next.
func (o *Orchestrator) Status(ctx context.Context, releaseID string, branches []string) (*StatusReport, error) {
	if err := state.ValidateReleaseID(releaseID); err != nil {
		return nil, err
	}

	rs, err := o.store.Load(releaseID)
	if err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		branches = rs.Branches()
	}

	pending, err := o.planner.Plan(ctx, rs, planner.Request{Branches: branches})
	if err != nil {
		return nil, err
	}

	return newStatusReport(rs, branches, pending), nil
}
