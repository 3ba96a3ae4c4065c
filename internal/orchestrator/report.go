package orchestrator

import (
	"time"

	"fcrelease/internal/executor"
	"fcrelease/internal/planner"
	"fcrelease/internal/state"
	"fcrelease/internal/step"
)

// Report summarizes one run.
type Report struct {
	// RunID identifies the run; every record it wrote carries the same id.
	RunID string

	ReleaseID string

	// Planned are the actions the run set out to perform.
	Planned []planner.Action

	// Outcomes are the executed actions in order.
	Outcomes []executor.Outcome

	Done    int
	Skipped int
	Failed  int

	// FirstFailure is the failed outcome that stopped the run, if any.
	FirstFailure *executor.Outcome

	// Interrupted is set when the run stopped because its context was cancelled.
	Interrupted bool

	Duration time.Duration
}

// OK reports whether the run completed everything it planned.
func (r *Report) OK() bool {
	return r.Failed == 0 && !r.Interrupted
}

// Remaining returns the planned actions that were not attempted.
func (r *Report) Remaining() []planner.Action {
	if len(r.Outcomes) >= len(r.Planned) {
		return nil
	}
	return r.Planned[len(r.Outcomes):]
}

func (r *Report) add(o executor.Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case state.StatusDone:
		r.Done++
	case state.StatusSkipped:
		r.Skipped++
	case state.StatusFailed:
		r.Failed++
		if r.FirstFailure == nil {
			first := o
			r.FirstFailure = &first
		}
	}
}

// Entry is the status of one (step, branch) pair.
type Entry struct {
	Key    state.Key
	Status state.Status

	// Record is the persisted record; the zero value for pending entries.
	Record state.Record
}

// StatusReport is the read-only view of a release.
type StatusReport struct {
	ReleaseID string

	// ReleaseDate is the planned roll-out date recorded by init, if any.
	ReleaseDate string

	Branches []string

	// Entries cover every step of the catalog for every branch, in catalog order.
	Entries []Entry

	// Pending are the actions the next full run would attempt.
	Pending []planner.Action
}

// Complete reports whether nothing is left to do.
func (s *StatusReport) Complete() bool {
	return len(s.Pending) == 0
}

// Failed returns the entries whose last attempt failed.
func (s *StatusReport) Failed() []Entry {
	var out []Entry
	for _, e := range s.Entries {
		if e.Status == state.StatusFailed {
			out = append(out, e)
		}
	}
	return out
}

func newStatusReport(rs *state.ReleaseState, branches []string, pending []planner.Action) *StatusReport {
	sr := &StatusReport{
		ReleaseID: rs.ReleaseID,
		Branches:  branches,
		Pending:   pending,
	}
	if rec, ok := rs.Get(step.Init, ""); ok {
		sr.ReleaseDate = rec.Meta(executor.MetaReleaseDate)
	}

	for _, k := range step.Catalog() {
		keys := []state.Key{{Step: k}}
		if k.PerBranch() {
			keys = keys[:0]
			for _, b := range branches {
				keys = append(keys, state.Key{Step: k, Branch: b})
			}
		}
		for _, key := range keys {
			rec, _ := rs.Get(key.Step, key.Branch)
			sr.Entries = append(sr.Entries, Entry{
				Key:    key,
				Status: rs.StatusOf(key.Step, key.Branch),
				Record: rec,
			})
		}
	}
	return sr
}
