// Package executor performs single release steps.
//
// The executor receives one [planner.Action] at a time, performs exactly the
// external calls that step kind needs, and records the outcome in the
// [state.Store] before returning. Failures of external systems never escape
// as errors: they become a failed record with a human-readable cause, and the
// partial progress made so far (for example the number of an already opened
// pull request) is stored in the record's metadata so a rerun can continue.
//
// Only fatal conditions are returned as errors: unreadable or corrupt state
// ([state.StorageError], [state.InvariantViolation]) and actions whose
// prerequisites are not met ([planner.PrerequisiteError]).
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fcrelease/internal/planner"
	"fcrelease/internal/state"
	"fcrelease/internal/step"
)

// Store is the persistence the executor needs. [state.Store] implements it.
type Store interface {
	Load(releaseID string) (*state.ReleaseState, error)
	Record(releaseID string, rec state.Record) error
}

// Params describes the release an action belongs to.
type Params struct {
	// ReleaseID names the release cycle.
	ReleaseID string

	// Branches are all platform versions known for this release.
	Branches []string

	// ReleaseDate is the planned roll-out date, used by init. The zero value
	// means the next Monday.
	ReleaseDate time.Time

	// RunID identifies the invocation and is stored with every record.
	RunID string
}

// errInterrupted is returned by a handler that gave up waiting because the
// run was cancelled. Nothing external is left half done at that point.
var errInterrupted = errors.New("interrupted")

// Outcome is the result of executing one action.
//
// Status is [state.StatusPending] when the run was cancelled while the action
// was waiting; nothing is recorded for it then.
type Outcome struct {
	Action   planner.Action
	Status   state.Status
	Cause    string
	Metadata map[string]string
	Duration time.Duration
}

// Options tunes the executor. Zero values select the defaults.
type Options struct {
	// PollInterval is the pause between pull request status polls. Default: 30s.
	PollInterval time.Duration

	// PollTimeout bounds how long test-branch waits for checks. Default: 2h.
	PollTimeout time.Duration

	// Logger receives progress logs. Default: no-op.
	Logger *zap.Logger

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// handler performs the external calls of one step kind. It fills meta as it
// goes and returns the resulting status; a non-nil error means failed.
type handler func(ctx context.Context, run *execution) (state.Status, string, error)

// execution carries everything a handler needs for one action.
type execution struct {
	params Params
	action planner.Action
	state  *state.ReleaseState
	meta   map[string]string

	// interrupt is the caller's context. Handlers run detached from it so a
	// cancellation never cuts a collaborator call short; only waits watch it.
	interrupt context.Context
}

// Executor runs actions against the collaborators. Create one with [New].
type Executor struct {
	store    Store
	collab   Collaborators
	naming   Naming
	handlers map[step.Kind]handler

	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// New creates an Executor.
func New(store Store, collab Collaborators, naming Naming, opts Options) *Executor {
	e := &Executor{
		store:        store,
		collab:       collab,
		naming:       naming,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if e.pollInterval <= 0 {
		e.pollInterval = 30 * time.Second
	}
	if e.pollTimeout <= 0 {
		e.pollTimeout = 2 * time.Hour
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}

	e.handlers = map[step.Kind]handler{
		step.Init:       e.runInit,
		step.AddBranch:  e.runAddBranch,
		step.TestBranch: e.runTestBranch,
		step.Doc:        e.runDoc,
		step.Tag:        e.runTag,
	}
	return e
}

// Execute performs one action and durably records its outcome.
//
// Skip actions are recorded as skipped without any external call. Otherwise
// the prerequisites are checked against the persisted state, the step's
// handler runs, and the resulting done, skipped or failed status is written
// to the store before Execute returns.
//
// Cancelling ctx does not abort collaborator calls in flight. A step waiting
// for pull request checks stops waiting and returns a pending outcome without
// recording anything.
func (e *Executor) Execute(ctx context.Context, params Params, a planner.Action) (Outcome, error) {
	start := e.now()
	log := e.logger.With(
		zap.String("release_id", params.ReleaseID),
		zap.String("run_id", params.RunID),
		zap.String("step", a.Step.String()),
		zap.String("branch", a.Branch),
	)

	rs, err := e.store.Load(params.ReleaseID)
	if err != nil {
		return Outcome{}, err
	}

	run := &execution{
		params:    params,
		action:    a,
		state:     rs,
		meta:      previousMetadata(rs, a),
		interrupt: ctx,
	}

	var (
		status state.Status
		cause  string
	)

	if a.Skip {
		status, cause = state.StatusSkipped, a.Reason
		run.meta[MetaReason] = a.Reason
	} else {
		if err := planner.CheckPrerequisites(rs, a, params.Branches); err != nil {
			return Outcome{}, err
		}

		h, ok := e.handlers[a.Step]
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s", step.ErrUnknownStep, a.Step)
		}

		log.Info("running step")
		var herr error
		status, cause, herr = h(context.WithoutCancel(ctx), run)
		if errors.Is(herr, errInterrupted) {
			log.Warn("step interrupted, leaving it pending", zap.Error(herr))
			return Outcome{
				Action:   a,
				Status:   state.StatusPending,
				Cause:    herr.Error(),
				Duration: e.now().Sub(start),
			}, nil
		}
		if herr != nil {
			status, cause = state.StatusFailed, herr.Error()
		}
	}

	rec := state.Record{
		Step:     a.Step,
		Branch:   a.Branch,
		Status:   status,
		Cause:    cause,
		Metadata: run.meta,
		RunID:    params.RunID,
	}
	if len(rec.Metadata) == 0 {
		rec.Metadata = nil
	}
	if err := e.store.Record(params.ReleaseID, rec); err != nil {
		log.Error("recording step outcome failed", zap.Error(err))
		return Outcome{}, err
	}

	outcome := Outcome{
		Action:   a,
		Status:   status,
		Cause:    cause,
		Metadata: rec.Metadata,
		Duration: e.now().Sub(start),
	}

	switch status {
	case state.StatusFailed:
		log.Warn("step failed", zap.String("cause", cause))
	case state.StatusSkipped:
		log.Info("step skipped", zap.String("reason", cause))
	default:
		log.Info("step done", zap.Duration("duration", outcome.Duration))
	}

	return outcome, nil
}

// previousMetadata seeds a rerun with the facts recorded by the last attempt.
func previousMetadata(rs *state.ReleaseState, a planner.Action) map[string]string {
	meta := make(map[string]string)
	if rec, ok := rs.Get(a.Step, a.Branch); ok {
		for k, v := range rec.Metadata {
			meta[k] = v
		}
	}
	return meta
}
