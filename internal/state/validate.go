package state

import (
	"fmt"

	"fcrelease/internal/step"
)

// Validate checks the release invariants and returns an [*InvariantViolation]
// describing the first one that does not hold.
//
//   - at most one record per (step, branch)
//   - per-branch steps carry a branch, global steps do not
//   - pending is never persisted
//   - a done test-branch requires its add-branch to be done or skipped
//   - once tag has been attempted every other record is done or skipped
func Validate(s *ReleaseState) error {
	violation := func(format string, args ...any) error {
		return &InvariantViolation{ReleaseID: s.ReleaseID, Reason: fmt.Sprintf(format, args...)}
	}

	seen := make(map[Key]bool, len(s.Records))
	tagAttempted := false
	for _, r := range s.Records {
		if !r.Step.Valid() {
			return violation("unknown step %d", int(r.Step))
		}
		if seen[r.Key()] {
			return violation("duplicate record for %s", r.Key())
		}
		seen[r.Key()] = true

		if r.Step.PerBranch() && r.Branch == "" {
			return violation("%s record without branch", r.Step)
		}
		if !r.Step.PerBranch() && r.Branch != "" {
			return violation("%s is a global step but has branch %q", r.Step, r.Branch)
		}
		if !r.Status.IsValid() || r.Status == StatusPending {
			return violation("%s has invalid status %q", r.Key(), r.Status)
		}
		if r.Step == step.Tag {
			tagAttempted = true
		}
	}

	for _, r := range s.Records {
		if r.Step == step.TestBranch && r.Status == StatusDone && !s.Complete(step.AddBranch, r.Branch) {
			return violation("%s is done but %s is %s", r.Key(), Key{step.AddBranch, r.Branch}, s.StatusOf(step.AddBranch, r.Branch))
		}
		if tagAttempted && r.Step != step.Tag && !r.Status.Complete() {
			return violation("tag was attempted while %s is %s", r.Key(), r.Status)
		}
	}

	return nil
}
