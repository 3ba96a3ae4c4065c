// Package planner computes which release steps remain to be run.
//
// Given the persisted [state.ReleaseState] and a [Request], [Planner.Plan]
// returns the ordered list of [Action] values still pending. Steps already
// done or skipped are left out, so planning the same request twice after a
// successful run yields nothing.
//
// The planner applies the skip rule: a platform version whose staging branch
// has no commits beyond its production branch is skipped for the release,
// and skipping its add-branch step also skips its test-branch step.
package planner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fcrelease/internal/state"
	"fcrelease/internal/step"
)

// Action is one planned (step, branch) pair.
type Action struct {
	// Step is the kind of step to perform.
	Step step.Kind

	// Branch is the platform version for per-branch steps, empty otherwise.
	Branch string

	// Skip marks an action that is to be recorded as skipped without running.
	Skip bool

	// Reason explains a skip.
	Reason string
}

// Key returns the state key the action records under.
func (a Action) Key() state.Key {
	return state.Key{Step: a.Step, Branch: a.Branch}
}

// String formats the action like its state key, e.g. "test-branch(23.11)".
func (a Action) String() string {
	return a.Key().String()
}

// Request selects what to plan.
type Request struct {
	// Steps restricts planning to these kinds. Nil means the full catalog.
	Steps []step.Kind

	// Branches are the platform versions per-branch steps expand to, in
	// declaration order.
	Branches []string
}

// ChangeDetector reports whether a platform version has anything to release.
//
// HasChanges returns true when the version's staging branch holds commits
// that are not yet on its production branch.
type ChangeDetector interface {
	HasChanges(ctx context.Context, branch string) (bool, error)
}

// PrerequisiteError reports an action whose prerequisite step has not been
// done or skipped.
type PrerequisiteError struct {
	// Action is the action that cannot run yet.
	Action Action
	// Missing is the prerequisite that is not complete.
	Missing state.Key
	// Status is the current status of the prerequisite.
	Status state.Status
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("cannot run %s: %s is %s", e.Action, e.Missing, e.Status)
}

// ErrReleaseTagged is returned by [CheckPrerequisites] for any action other
// than tag once the release has a tag record.
var ErrReleaseTagged = errors.New("release has already been tagged")

// Planner computes pending actions. Create one with [New].
type Planner struct {
	detector ChangeDetector
	logger   *zap.Logger
}

// New creates a Planner. The detector may be nil, in which case the skip rule
// is never applied by the planner and the executor decides at run time.
func New(detector ChangeDetector, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{detector: detector, logger: logger}
}

// Plan returns the ordered actions still needed for req.
//
// Actions follow catalog order (init, add-branch, test-branch, doc, tag);
// per-branch actions follow the order of req.Branches. Plan fails fast with a
// [*PrerequisiteError] when an action depends on a step that is neither
// complete in rs nor planned before it. An empty result means there is
// nothing to do.
func (p *Planner) Plan(ctx context.Context, rs *state.ReleaseState, req Request) ([]Action, error) {
	kinds := req.Steps
	if len(kinds) == 0 {
		kinds = step.Catalog()
	}
	wanted := make(map[step.Kind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	var actions []Action
	planned := make(map[state.Key]Action)

	for _, k := range step.Catalog() {
		if !wanted[k] {
			continue
		}

		for _, candidate := range expand(k, req.Branches) {
			if rs.Complete(candidate.Step, candidate.Branch) {
				continue
			}

			a := p.decideSkip(ctx, rs, candidate, planned)

			if err := checkPrerequisites(rs, a, req.Branches, planned); err != nil {
				return nil, err
			}

			planned[a.Key()] = a
			actions = append(actions, a)
		}
	}

	return actions, nil
}

// expand instantiates a kind once per branch, or once for global kinds.
func expand(k step.Kind, branches []string) []Action {
	if !k.PerBranch() {
		return []Action{{Step: k}}
	}
	out := make([]Action, 0, len(branches))
	for _, b := range branches {
		out = append(out, Action{Step: k, Branch: b})
	}
	return out
}

// decideSkip applies the skip rule and its propagation.
func (p *Planner) decideSkip(ctx context.Context, rs *state.ReleaseState, a Action, planned map[state.Key]Action) Action {
	switch a.Step {
	case step.AddBranch:
		if p.detector == nil {
			return a
		}
		changed, err := p.detector.HasChanges(ctx, a.Branch)
		if err != nil {
			p.logger.Warn("change detection failed, leaving decision to execution",
				zap.String("branch", a.Branch),
				zap.Error(err),
			)
			return a
		}
		if !changed {
			a.Skip = true
			a.Reason = fmt.Sprintf("no changes for %s since the previous release", a.Branch)
		}

	case step.TestBranch:
		addKey := state.Key{Step: step.AddBranch, Branch: a.Branch}
		prev, ok := planned[addKey]
		if rs.StatusOf(step.AddBranch, a.Branch) == state.StatusSkipped || (ok && prev.Skip) {
			a.Skip = true
			a.Reason = addKey.String() + " was skipped"
		}
	}
	return a
}

// CheckPrerequisites verifies against rs alone that a can run now. The
// executor uses it as a guard before touching any collaborator. Once tag has
// been attempted only tag itself may run.
func CheckPrerequisites(rs *state.ReleaseState, a Action, branches []string) error {
	if a.Step != step.Tag {
		if tag, ok := rs.Get(step.Tag, ""); ok {
			return fmt.Errorf("cannot run %s: %w (tag is %s)", a, ErrReleaseTagged, tag.Status)
		}
	}
	if err := checkPrerequisites(rs, a, branches, nil); err != nil {
		return err
	}

	if a.Step == step.Tag && !a.Skip {
		for _, b := range branches {
			for _, k := range []step.Kind{step.AddBranch, step.TestBranch} {
				if !rs.Complete(k, b) {
					return &PrerequisiteError{Action: a, Missing: state.Key{Step: k, Branch: b}, Status: rs.StatusOf(k, b)}
				}
			}
		}
		for _, r := range rs.Records {
			if r.Step != step.Tag && !r.Status.Complete() {
				return &PrerequisiteError{Action: a, Missing: r.Key(), Status: r.Status}
			}
		}
	}
	return nil
}

func checkPrerequisites(rs *state.ReleaseState, a Action, branches []string, planned map[state.Key]Action) error {
	for _, req := range step.Requires(a.Step) {
		for _, key := range prerequisiteKeys(a, req, branches) {
			if rs.Complete(key.Step, key.Branch) {
				continue
			}
			if _, ok := planned[key]; ok {
				continue
			}
			return &PrerequisiteError{Action: a, Missing: key, Status: rs.StatusOf(key.Step, key.Branch)}
		}
	}
	return nil
}

// prerequisiteKeys resolves a required kind to concrete state keys: the same
// branch for per-branch actions, every branch for global actions.
func prerequisiteKeys(a Action, req step.Kind, branches []string) []state.Key {
	if !req.PerBranch() {
		return []state.Key{{Step: req}}
	}
	if a.Step.PerBranch() {
		return []state.Key{{Step: req, Branch: a.Branch}}
	}
	keys := make([]state.Key, 0, len(branches))
	for _, b := range branches {
		keys = append(keys, state.Key{Step: req, Branch: b})
	}
	return keys
}
