// Package state persists the progress of a release cycle.
//
// Every release cycle has one human-readable YAML document in the state
// directory, named after its release identifier (e.g. 2024_012.yaml). The
// document holds one [Record] per (step, branch) pair that has been attempted.
// Pairs without a record are pending.
//
// The [Store] writes each record durably before returning, so an interrupted
// process always resumes from what actually happened. Loading refuses to
// guess: an unreadable file yields a [StorageError] and a file that breaks the
// release invariants yields an [InvariantViolation].
package state

import (
	"time"

	"fcrelease/internal/step"
)

// Status is the outcome of a step for one branch (or for the release, for
// global steps).
type Status string

// Status values. StatusPending is never persisted; a missing record means pending.
const (
	StatusPending Status = "pending"
	StatusSkipped Status = "skipped"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// IsValid reports whether s is one of the known status values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSkipped, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Complete reports whether the step needs no further work.
func (s Status) Complete() bool {
	return s == StatusDone || s == StatusSkipped
}

// Key identifies a record. Branch is empty for global steps.
type Key struct {
	Step   step.Kind
	Branch string
}

// String formats the key as "add-branch(23.11)" or "doc".
func (k Key) String() string {
	if k.Branch == "" {
		return k.Step.String()
	}
	return k.Step.String() + "(" + k.Branch + ")"
}

// Record is the persisted outcome of one attempted step.
type Record struct {
	// Step is the kind of step this record belongs to.
	Step step.Kind `yaml:"step"`

	// Branch is the platform version for per-branch steps, empty otherwise.
	Branch string `yaml:"branch,omitempty"`

	// Status is the outcome of the last attempt.
	Status Status `yaml:"status"`

	// Cause is the human-readable reason for a failed or skipped step.
	Cause string `yaml:"cause,omitempty"`

	// Metadata holds facts later steps or reruns need, such as the release
	// branch name or the number of an already opened pull request.
	Metadata map[string]string `yaml:"metadata,omitempty"`

	// RunID identifies the invocation that produced this record.
	RunID string `yaml:"run_id,omitempty"`

	// UpdatedAt is stamped by the store when the record is written.
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{Step: r.Step, Branch: r.Branch}
}

// Meta returns a metadata value, or "" when absent.
func (r Record) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// ReleaseState is the full set of records for one release.
type ReleaseState struct {
	// ReleaseID names the release cycle.
	ReleaseID string

	// Records are kept in the order they were first written.
	Records []Record
}

// New returns an empty state for the release.
func New(releaseID string) *ReleaseState {
	return &ReleaseState{ReleaseID: releaseID}
}

// Get returns the record for the key, if any.
func (s *ReleaseState) Get(k step.Kind, branch string) (Record, bool) {
	for _, r := range s.Records {
		if r.Step == k && r.Branch == branch {
			return r, true
		}
	}
	return Record{}, false
}

// StatusOf returns the status of a step, StatusPending when it has no record.
func (s *ReleaseState) StatusOf(k step.Kind, branch string) Status {
	if r, ok := s.Get(k, branch); ok {
		return r.Status
	}
	return StatusPending
}

// Complete reports whether the step is done or skipped.
func (s *ReleaseState) Complete(k step.Kind, branch string) bool {
	return s.StatusOf(k, branch).Complete()
}

// Set replaces the record with the same key, or appends it.
func (s *ReleaseState) Set(rec Record) {
	for i, r := range s.Records {
		if r.Key() == rec.Key() {
			s.Records[i] = rec
			return
		}
	}
	s.Records = append(s.Records, rec)
}

// Branches returns the branches that have per-branch records, in first-seen order.
func (s *ReleaseState) Branches() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.Records {
		if r.Branch == "" || seen[r.Branch] {
			continue
		}
		seen[r.Branch] = true
		out = append(out, r.Branch)
	}
	return out
}
