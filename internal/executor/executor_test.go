package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fcrelease/internal/changelog"
	"fcrelease/internal/forge"
	"fcrelease/internal/logging"
	"fcrelease/internal/planner"
	"fcrelease/internal/releasetest"
	"fcrelease/internal/state"
	"fcrelease/internal/step"
)

const releaseID = "2024_012"

var versions = []string{"23.11", "24.05"}

// wednesday is 2024-03-13; the following Monday is 2024-03-18.
var wednesday = time.Date(2024, 3, 13, 15, 4, 5, 0, time.UTC)

type harness struct {
	exec      *Executor
	store     *state.Store
	vcs       *releasetest.MockVCS
	forge     *releasetest.MockForge
	changelog *releasetest.MockChangelog
	params    Params
}

func newHarness(t *testing.T, unchanged ...string) *harness {
	t.Helper()
	h := &harness{
		store:     state.NewStore(t.TempDir()),
		vcs:       releasetest.NewMockVCS(versions, unchanged...),
		forge:     releasetest.NewMockForge(),
		changelog: releasetest.NewMockChangelog(),
		params:    Params{ReleaseID: releaseID, Branches: versions, RunID: "run-1"},
	}
	h.exec = New(h.store, Collaborators{VCS: h.vcs, Forge: h.forge, Changelog: h.changelog}, releasetest.Naming(), Options{
		PollInterval: time.Millisecond,
		PollTimeout:  50 * time.Millisecond,
		Now:          func() time.Time { return wednesday },
	})
	return h
}

func (h *harness) run(t *testing.T, a planner.Action) Outcome {
	t.Helper()
	out, err := h.exec.Execute(context.Background(), h.params, a)
	require.NoError(t, err)
	return out
}

func (h *harness) record(t *testing.T, k step.Kind, branch string) state.Record {
	t.Helper()
	rs, err := h.store.Load(releaseID)
	require.NoError(t, err)
	rec, ok := rs.Get(k, branch)
	require.True(t, ok, "no record for %s", state.Key{Step: k, Branch: branch})
	return rec
}

// through runs every action up to and including kind for all versions.
func (h *harness) through(t *testing.T, kind step.Kind) {
	t.Helper()
	for _, k := range step.Catalog() {
		if k > kind {
			return
		}
		if !k.PerBranch() {
			h.run(t, planner.Action{Step: k})
			continue
		}
		for _, v := range versions {
			h.run(t, planner.Action{Step: k, Branch: v})
		}
	}
}

func TestExecute_Init(t *testing.T) {
	tests := []struct {
		name     string
		date     time.Time
		previous string
		wantDate string
	}{
		{name: "default is next monday", wantDate: "2024-03-18"},
		{name: "explicit date", date: time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC), wantDate: "2024-04-02"},
		{name: "rerun keeps date", previous: "2024-03-25", wantDate: "2024-03-25"},
		{name: "explicit date overrides previous", previous: "2024-03-25", date: time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC), wantDate: "2024-04-02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.previous != "" {
				require.NoError(t, h.store.Record(releaseID, state.Record{
					Step: step.Init, Status: state.StatusFailed, Cause: "fetch failed",
					Metadata: map[string]string{MetaReleaseDate: tt.previous},
				}))
			}
			h.params.ReleaseDate = tt.date

			out := h.run(t, planner.Action{Step: step.Init})

			assert.Equal(t, state.StatusDone, out.Status)
			assert.Equal(t, tt.wantDate, h.record(t, step.Init, "").Meta(MetaReleaseDate))
			assert.Equal(t, "run-1", h.record(t, step.Init, "").RunID)
			assert.Equal(t, []string{"fetch"}, h.vcs.Calls)
		})
	}
}

func TestExecute_InitFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.vcs.Fail("fetch", errors.New("connection refused"))

	out := h.run(t, planner.Action{Step: step.Init})

	assert.Equal(t, state.StatusFailed, out.Status)
	assert.Equal(t, "fetch: connection refused", out.Cause)
	rec := h.record(t, step.Init, "")
	assert.Equal(t, state.StatusFailed, rec.Status)
	assert.Equal(t, "fetch: connection refused", rec.Cause)
}

func TestExecute_SkipActionRecordsWithoutCalls(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.Init)
	h.vcs.Calls = nil

	out := h.run(t, planner.Action{Step: step.AddBranch, Branch: "23.11", Skip: true, Reason: "no changes for 23.11 since the previous release"})

	assert.Equal(t, state.StatusSkipped, out.Status)
	assert.Empty(t, h.vcs.Calls)
	rec := h.record(t, step.AddBranch, "23.11")
	assert.Equal(t, state.StatusSkipped, rec.Status)
	assert.Equal(t, "no changes for 23.11 since the previous release", rec.Meta(MetaReason))
}

func TestExecute_PrerequisiteNotMet(t *testing.T) {
	tests := []struct {
		name   string
		setup  step.Kind
		action planner.Action
	}{
		{name: "add-branch before init", action: planner.Action{Step: step.AddBranch, Branch: "23.11"}},
		{name: "test-branch before add-branch", setup: step.Init, action: planner.Action{Step: step.TestBranch, Branch: "23.11"}},
		{name: "doc before test-branch", setup: step.AddBranch, action: planner.Action{Step: step.Doc}},
		{name: "tag before doc", setup: step.TestBranch, action: planner.Action{Step: step.Tag}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != 0 {
				h.through(t, tt.setup)
			}
			before, err := h.store.Load(releaseID)
			require.NoError(t, err)
			h.vcs.Calls, h.forge.Calls = nil, nil

			_, err = h.exec.Execute(context.Background(), h.params, tt.action)

			var prereq *planner.PrerequisiteError
			require.ErrorAs(t, err, &prereq)
			assert.Equal(t, tt.action.Step, prereq.Action.Step)

			after, err := h.store.Load(releaseID)
			require.NoError(t, err)
			assert.Equal(t, len(before.Records), len(after.Records), "nothing may be recorded")
			_, recorded := after.Get(tt.action.Step, tt.action.Branch)
			assert.False(t, recorded)
			assert.Empty(t, h.vcs.Calls)
			assert.Empty(t, h.forge.Calls)
		})
	}
}

func TestExecute_RefusesBranchWorkAfterTag(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.Tag)
	h.vcs.Calls = nil
	h.params.Branches = append(append([]string{}, versions...), "24.11")

	_, err := h.exec.Execute(context.Background(), h.params, planner.Action{Step: step.AddBranch, Branch: "24.11"})

	assert.ErrorIs(t, err, planner.ErrReleaseTagged)
	assert.Empty(t, h.vcs.Calls)
	rs, err := h.store.Load(releaseID)
	require.NoError(t, err)
	_, recorded := rs.Get(step.AddBranch, "24.11")
	assert.False(t, recorded)
}

func TestExecute_AddBranch(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.Init)

	out := h.run(t, planner.Action{Step: step.AddBranch, Branch: "23.11"})

	require.Equal(t, state.StatusDone, out.Status)
	assert.Equal(t, map[string]string{
		MetaReleaseBranch:     "fc-23.11-release-2024_012",
		MetaOrigStagingCommit: "staging-23.11",
		MetaOrigProdCommit:    "production-23.11",
		MetaBranchCreated:     "true",
		MetaPushed:            "true",
	}, h.record(t, step.AddBranch, "23.11").Metadata)
	assert.Equal(t, "staging-23.11", h.vcs.Refs["fc-23.11-release-2024_012"])
	assert.Equal(t, 1, h.vcs.Count("push fc-23.11-release-2024_012"))
}

func TestExecute_AddBranchWithoutChangesIsSkipped(t *testing.T) {
	h := newHarness(t, "24.05")
	h.through(t, step.Init)

	out := h.run(t, planner.Action{Step: step.AddBranch, Branch: "24.05"})

	assert.Equal(t, state.StatusSkipped, out.Status)
	assert.Equal(t, "no changes for 24.05 since the previous release", out.Cause)
	assert.Zero(t, h.vcs.Count("create-branch fc-24.05-release-2024_012"))
	assert.Zero(t, h.vcs.Count("push fc-24.05-release-2024_012"))
	assert.Empty(t, h.record(t, step.AddBranch, "24.05").Meta(MetaReleaseBranch))
}

func TestExecute_AddBranchResumesFromFrozenCommit(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.Init)
	h.vcs.Fail("push fc-23.11-release-2024_012", errors.New("permission denied"))

	out := h.run(t, planner.Action{Step: step.AddBranch, Branch: "23.11"})

	require.Equal(t, state.StatusFailed, out.Status)
	assert.Equal(t, "push fc-23.11-release-2024_012: permission denied", out.Cause)
	rec := h.record(t, step.AddBranch, "23.11")
	assert.Equal(t, "staging-23.11", rec.Meta(MetaOrigStagingCommit))
	assert.Empty(t, rec.Meta(MetaPushed))

	// New commits land on staging before the rerun; the release keeps the
	// commit it started with.
	h.vcs.Refs["fc-23.11-staging"] = "staging-23.11-later"
	h.vcs.Heal()

	out = h.run(t, planner.Action{Step: step.AddBranch, Branch: "23.11"})

	require.Equal(t, state.StatusDone, out.Status)
	assert.Equal(t, "staging-23.11", h.vcs.Refs["fc-23.11-release-2024_012"])
	assert.Equal(t, 1, h.vcs.Count("create-branch fc-23.11-release-2024_012"))
	assert.Equal(t, 1, h.vcs.Count("has-changes fc-23.11-staging"))
	assert.Empty(t, out.Cause)
}

func TestExecute_TestBranch(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.AddBranch)
	h.forge.Checks = []forge.CheckState{forge.CheckPending, forge.CheckPending, forge.CheckSuccess}

	out := h.run(t, planner.Action{Step: step.TestBranch, Branch: "23.11"})

	require.Equal(t, state.StatusDone, out.Status)
	rec := h.record(t, step.TestBranch, "23.11")
	assert.Equal(t, "1", rec.Meta(MetaPullRequest))
	assert.Equal(t, "https://forge.example/pull/1", rec.Meta(MetaPullRequestURL))
	assert.Equal(t, "merged", rec.Meta(MetaChecks))
	assert.Equal(t, "merge-1", rec.Meta(MetaNewProductionCommit))
	assert.Equal(t, 3, h.forge.Count("poll 1"))
	assert.Equal(t, 1, h.forge.Count("merge 1"))
}

func TestExecute_TestBranchChecks(t *testing.T) {
	tests := []struct {
		name      string
		checks    []forge.CheckState
		wantCause string
	}{
		{name: "red checks", checks: []forge.CheckState{forge.CheckPending, forge.CheckFailure}, wantCause: "pull request #1: pull request checks failed"},
		{name: "checks never settle", checks: []forge.CheckState{forge.CheckPending}, wantCause: "pull request #1: timed out waiting for pull request checks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.through(t, step.AddBranch)
			h.forge.Checks = tt.checks

			out := h.run(t, planner.Action{Step: step.TestBranch, Branch: "23.11"})

			assert.Equal(t, state.StatusFailed, out.Status)
			assert.Equal(t, tt.wantCause, out.Cause)
			assert.Zero(t, h.forge.Count("merge 1"))
			assert.Equal(t, "1", h.record(t, step.TestBranch, "23.11").Meta(MetaPullRequest))
		})
	}
}

func TestExecute_TestBranchReusesPullRequest(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.AddBranch)
	h.forge.Fail("merge 1", errors.New("merge conflict"))

	out := h.run(t, planner.Action{Step: step.TestBranch, Branch: "23.11"})
	require.Equal(t, state.StatusFailed, out.Status)
	assert.Equal(t, "merge pull request #1: merge conflict", out.Cause)

	h.forge.Heal()
	out = h.run(t, planner.Action{Step: step.TestBranch, Branch: "23.11"})

	require.Equal(t, state.StatusDone, out.Status)
	assert.Equal(t, 1, h.forge.Count("open-pr fc-23.11-release-2024_012"))
	assert.Len(t, h.forge.PullRequests, 1)
}

func TestExecute_TestBranchAlreadyMerged(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.AddBranch)
	_, err := h.forge.OpenOrFindPullRequest(context.Background(), "fc-23.11-release-2024_012", "fc-23.11-production", "Release 2024_012: 23.11")
	require.NoError(t, err)
	_, err = h.forge.MergePullRequest(context.Background(), 1, "merged by hand")
	require.NoError(t, err)
	require.NoError(t, h.store.Record(releaseID, state.Record{
		Step: step.TestBranch, Branch: "23.11", Status: state.StatusFailed,
		Metadata: map[string]string{MetaPullRequest: "1"},
	}))
	h.forge.Calls = nil

	out := h.run(t, planner.Action{Step: step.TestBranch, Branch: "23.11"})

	require.Equal(t, state.StatusDone, out.Status)
	assert.Equal(t, []string{"poll 1", "merge 1"}, h.forge.Calls)
	assert.Equal(t, "merge-1", h.record(t, step.TestBranch, "23.11").Meta(MetaNewProductionCommit))
	assert.Zero(t, h.vcs.Count("resolve fc-23.11-production"))
}

func TestExecute_TestBranchMergedBeforeRecord(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.AddBranch)
	// The merge went through but the outcome was never recorded.
	_, err := h.forge.OpenOrFindPullRequest(context.Background(), "fc-23.11-release-2024_012", "fc-23.11-production", "Release 2024_012: 23.11")
	require.NoError(t, err)
	_, err = h.forge.MergePullRequest(context.Background(), 1, "Release 2024_012 (23.11)")
	require.NoError(t, err)
	h.forge.Calls = nil

	out := h.run(t, planner.Action{Step: step.TestBranch, Branch: "23.11"})

	require.Equal(t, state.StatusDone, out.Status)
	assert.Equal(t, []string{"open-pr fc-23.11-release-2024_012"}, h.forge.Calls)
	assert.Len(t, h.forge.PullRequests, 1)
	rec := h.record(t, step.TestBranch, "23.11")
	assert.Equal(t, "1", rec.Meta(MetaPullRequest))
	assert.Equal(t, "merged", rec.Meta(MetaChecks))
	assert.Equal(t, "merge-1", rec.Meta(MetaNewProductionCommit))
}

func TestExecute_TestBranchInterruptedWhileWaiting(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.AddBranch)
	h.exec.pollTimeout = time.Minute
	h.forge.Checks = []forge.CheckState{forge.CheckPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(10*time.Millisecond, cancel)

	out, err := h.exec.Execute(ctx, h.params, planner.Action{Step: step.TestBranch, Branch: "23.11"})
	require.NoError(t, err)

	assert.Equal(t, state.StatusPending, out.Status)
	assert.Equal(t, "pull request #1: interrupted", out.Cause)
	assert.Zero(t, h.forge.Count("merge 1"))

	rs, err := h.store.Load(releaseID)
	require.NoError(t, err)
	_, recorded := rs.Get(step.TestBranch, "23.11")
	assert.False(t, recorded)
}

// cancellingVCS cancels the run while a push is in flight.
type cancellingVCS struct {
	*releasetest.MockVCS
	cancel context.CancelFunc
}

func (v cancellingVCS) Push(ctx context.Context, name string) error {
	v.cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.MockVCS.Push(ctx, name)
}

func TestExecute_CancellationDoesNotAbortCollaboratorCalls(t *testing.T) {
	h := newHarness(t)
	h.run(t, planner.Action{Step: step.Init})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.exec.collab.VCS = cancellingVCS{MockVCS: h.vcs, cancel: cancel}

	out, err := h.exec.Execute(ctx, h.params, planner.Action{Step: step.AddBranch, Branch: "23.11"})
	require.NoError(t, err)

	assert.Equal(t, state.StatusDone, out.Status)
	assert.Equal(t, 1, h.vcs.Count("push fc-23.11-release-2024_012"))
	assert.Equal(t, "true", h.record(t, step.AddBranch, "23.11").Meta(MetaPushed))
}

func TestExecute_TestBranchAfterSkippedAddBranch(t *testing.T) {
	h := newHarness(t, "24.05")
	h.through(t, step.AddBranch)

	out := h.run(t, planner.Action{Step: step.TestBranch, Branch: "24.05"})

	assert.Equal(t, state.StatusSkipped, out.Status)
	assert.Equal(t, "add-branch(24.05) was skipped", out.Cause)
	assert.Empty(t, h.forge.Calls)
}

func TestExecute_Doc(t *testing.T) {
	h := newHarness(t, "24.05")
	h.through(t, step.TestBranch)

	out := h.run(t, planner.Action{Step: step.Doc})

	require.Equal(t, state.StatusDone, out.Status)
	require.Len(t, h.changelog.Releases, 1)
	assert.Equal(t, changelog.Release{
		ID:   releaseID,
		Date: "2024-03-18",
		Branches: []changelog.Branch{
			{Version: "23.11", Ref: "fc-23.11-production", Since: "production-23.11"},
		},
	}, h.changelog.Releases[0])
	assert.Equal(t, "Release 2024_012 (2024-03-18): 23.11", h.changelog.Published[releaseID])

	rec := h.record(t, step.Doc, "")
	assert.Equal(t, "src/changes/2024/r012.md", rec.Meta(MetaChangelogPath))
	assert.Equal(t, "https://doc.flyingcircus.io/platform/changes/2024/r012.html", rec.Meta(MetaChangelogURL))
}

func TestExecute_DocPublishFailure(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.TestBranch)
	h.changelog.Fail("publish 2024_012", errors.New("disk full"))

	out := h.run(t, planner.Action{Step: step.Doc})

	assert.Equal(t, state.StatusFailed, out.Status)
	assert.Equal(t, "publish changelog: disk full", out.Cause)
}

func TestExecute_Tag(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.Doc)

	out := h.run(t, planner.Action{Step: step.Tag})

	require.Equal(t, state.StatusDone, out.Status)
	assert.Equal(t, []string{"fc/r2024_012/23.11", "fc/r2024_012/24.05"}, h.forge.TagNames())
	assert.Equal(t, "fc-24.05-production", h.forge.Tags["fc/r2024_012/24.05"])
	assert.Equal(t, "fc/r2024_012/23.11,fc/r2024_012/24.05", h.record(t, step.Tag, "").Meta(MetaTags))
}

func TestExecute_TagResumesAfterPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.through(t, step.Doc)
	h.forge.Fail("tag fc/r2024_012/24.05", errors.New("bad gateway"))

	out := h.run(t, planner.Action{Step: step.Tag})

	require.Equal(t, state.StatusFailed, out.Status)
	assert.Equal(t, "create tag fc/r2024_012/24.05: bad gateway", out.Cause)
	assert.Equal(t, "fc/r2024_012/23.11", h.record(t, step.Tag, "").Meta(MetaTags))

	h.forge.Heal()
	out = h.run(t, planner.Action{Step: step.Tag})

	require.Equal(t, state.StatusDone, out.Status)
	assert.Equal(t, 1, h.forge.Count("tag fc/r2024_012/23.11"))
	assert.Equal(t, 2, h.forge.Count("tag fc/r2024_012/24.05"))
}

func TestExecute_TagWithNothingReleased(t *testing.T) {
	h := newHarness(t, versions...)
	h.through(t, step.Doc)

	out := h.run(t, planner.Action{Step: step.Tag})

	assert.Equal(t, state.StatusSkipped, out.Status)
	assert.Equal(t, "no platform version changed in this release", out.Cause)
	assert.Empty(t, h.forge.Tags)
}

// brokenStore fails every write.
type brokenStore struct {
	*state.Store
}

func (s brokenStore) Record(string, state.Record) error {
	return &state.StorageError{Op: "write", Path: "2024_012.yaml", Err: errors.New("read-only file system")}
}

func TestExecute_StoreFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	logger, logs := logging.NewObserved()
	exec := New(brokenStore{h.store}, Collaborators{VCS: h.vcs, Forge: h.forge, Changelog: h.changelog}, releasetest.Naming(), Options{Logger: logger})

	_, err := exec.Execute(context.Background(), h.params, planner.Action{Step: step.Init})

	require.Error(t, err)
	assert.True(t, state.IsFatal(err))
	assert.Equal(t, 1, logs.FilterMessage("recording step outcome failed").Len())
}

func TestExecute_LogsStepContext(t *testing.T) {
	h := newHarness(t)
	logger, logs := logging.NewObserved()
	h.exec.logger = logger
	h.vcs.Fail("fetch", errors.New("timeout"))

	h.run(t, planner.Action{Step: step.Init})

	entries := logs.FilterMessage("step failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "2024_012", fields["release_id"])
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "init", fields["step"])
	assert.Equal(t, "fetch: timeout", fields["cause"])
}

func TestChangeDetector(t *testing.T) {
	vcs := releasetest.NewMockVCS(versions, "24.05")
	d := NewChangeDetector(vcs, releasetest.Naming())

	changed, err := d.HasChanges(context.Background(), "23.11")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = d.HasChanges(context.Background(), "24.05")
	require.NoError(t, err)
	assert.False(t, changed)

	vcs.Fail("has-changes fc-23.11-staging", errors.New("no such branch"))
	_, err = d.HasChanges(context.Background(), "23.11")
	assert.EqualError(t, err, "no such branch")
}
