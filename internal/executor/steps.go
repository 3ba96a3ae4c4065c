package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"fcrelease/internal/changelog"
	"fcrelease/internal/forge"
	"fcrelease/internal/state"
	"fcrelease/internal/step"
)

// Metadata keys written by the step handlers.
const (
	MetaReleaseDate         = "release_date"
	MetaReleaseBranch       = "release_branch"
	MetaOrigStagingCommit   = "orig_staging_commit"
	MetaOrigProdCommit      = "orig_production_commit"
	MetaBranchCreated       = "branch_created"
	MetaPushed              = "pushed"
	MetaReason              = "reason"
	MetaPullRequest         = "pull_request"
	MetaPullRequestURL      = "pull_request_url"
	MetaChecks              = "checks"
	MetaNewProductionCommit = "new_production_commit"
	MetaChangelogPath       = "changelog_path"
	MetaChangelogURL        = "changelog_url"
	MetaTags                = "tags"
)

// ErrChecksFailed is the cause of a test-branch failure due to red checks.
var ErrChecksFailed = errors.New("pull request checks failed")

// ErrChecksTimeout is the cause of a test-branch failure due to slow checks.
var ErrChecksTimeout = errors.New("timed out waiting for pull request checks")

func (e *Executor) runInit(ctx context.Context, run *execution) (state.Status, string, error) {
	if err := e.collab.VCS.Fetch(ctx); err != nil {
		return "", "", collabErr(err, "fetch")
	}

	date := run.params.ReleaseDate
	if date.IsZero() {
		if run.meta[MetaReleaseDate] != "" {
			return state.StatusDone, "", nil
		}
		date = state.NextMonday(e.now())
	}
	run.meta[MetaReleaseDate] = date.Format(time.DateOnly)
	return state.StatusDone, "", nil
}

func (e *Executor) runAddBranch(ctx context.Context, run *execution) (state.Status, string, error) {
	version := run.action.Branch
	staging := e.naming.StagingBranch(version)
	production := e.naming.ProductionBranch(version)
	release := e.naming.ReleaseBranch(version, run.params.ReleaseID)
	run.meta[MetaReleaseBranch] = release

	if err := e.collab.VCS.Fetch(ctx); err != nil {
		return "", "", collabErr(err, "fetch")
	}

	// A previous attempt may already have frozen the staging commit.
	if run.meta[MetaOrigStagingCommit] == "" {
		changed, err := e.collab.VCS.HasChangesSince(ctx, staging, production)
		if err != nil {
			return "", "", collabErr(err, "compare %s with %s", staging, production)
		}
		if !changed {
			reason := fmt.Sprintf("no changes for %s since the previous release", version)
			run.meta[MetaReason] = reason
			delete(run.meta, MetaReleaseBranch)
			return state.StatusSkipped, reason, nil
		}

		commit, err := e.collab.VCS.ResolveRef(ctx, staging)
		if err != nil {
			return "", "", collabErr(err, "resolve %s", staging)
		}
		prodCommit, err := e.collab.VCS.ResolveRef(ctx, production)
		if err != nil {
			return "", "", collabErr(err, "resolve %s", production)
		}
		run.meta[MetaOrigStagingCommit] = commit
		run.meta[MetaOrigProdCommit] = prodCommit
	}

	exists, err := e.collab.VCS.BranchExists(ctx, release)
	if err != nil {
		return "", "", collabErr(err, "look up branch %s", release)
	}
	if !exists {
		if err := e.collab.VCS.CreateBranch(ctx, release, run.meta[MetaOrigStagingCommit]); err != nil {
			return "", "", collabErr(err, "create branch %s", release)
		}
		run.meta[MetaBranchCreated] = "true"
	}

	if err := e.collab.VCS.Push(ctx, release); err != nil {
		return "", "", collabErr(err, "push %s", release)
	}
	run.meta[MetaPushed] = "true"

	return state.StatusDone, "", nil
}

func (e *Executor) runTestBranch(ctx context.Context, run *execution) (state.Status, string, error) {
	version := run.action.Branch

	add, _ := run.state.Get(step.AddBranch, version)
	if add.Status == state.StatusSkipped {
		reason := state.Key{Step: step.AddBranch, Branch: version}.String() + " was skipped"
		run.meta[MetaReason] = reason
		return state.StatusSkipped, reason, nil
	}

	release := add.Meta(MetaReleaseBranch)
	if release == "" {
		release = e.naming.ReleaseBranch(version, run.params.ReleaseID)
	}
	production := e.naming.ProductionBranch(version)

	number, _ := strconv.Atoi(run.meta[MetaPullRequest])
	if number == 0 {
		title := fmt.Sprintf("Release %s: %s", run.params.ReleaseID, version)
		pr, err := e.collab.Forge.OpenOrFindPullRequest(ctx, release, production, title)
		if err != nil {
			return "", "", collabErr(err, "open pull request %s -> %s", release, production)
		}
		number = pr.Number
		run.meta[MetaPullRequest] = strconv.Itoa(pr.Number)
		run.meta[MetaPullRequestURL] = pr.URL

		// Merged by an earlier attempt that never got to record it.
		if pr.Merged && pr.MergeCommitSHA != "" {
			run.meta[MetaChecks] = string(forge.CheckMerged)
			run.meta[MetaNewProductionCommit] = pr.MergeCommitSHA
			return state.StatusDone, "", nil
		}
	}

	checks, err := e.awaitChecks(ctx, run, number)
	run.meta[MetaChecks] = string(checks)
	if err != nil {
		return "", "", err
	}

	// Merging an already merged pull request returns its merge commit.
	msg := fmt.Sprintf("Release %s (%s)", run.params.ReleaseID, version)
	sha, err := e.collab.Forge.MergePullRequest(ctx, number, msg)
	if err != nil {
		return "", "", collabErr(err, "merge pull request #%d", number)
	}
	run.meta[MetaNewProductionCommit] = sha
	run.meta[MetaChecks] = string(forge.CheckMerged)

	return state.StatusDone, "", nil
}

// awaitChecks polls until the pull request checks settle. It returns
// CheckSuccess or CheckMerged on success and errInterrupted when the run is
// cancelled while waiting.
func (e *Executor) awaitChecks(ctx context.Context, run *execution, number int) (forge.CheckState, error) {
	ctx, cancel := context.WithTimeout(ctx, e.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		checks, err := e.collab.Forge.PollPullRequestStatus(ctx, number)
		if err != nil {
			if ctx.Err() != nil {
				return forge.CheckPending, e.pollStopped(ctx, number)
			}
			return forge.CheckPending, collabErr(err, "poll pull request #%d", number)
		}

		switch checks {
		case forge.CheckSuccess, forge.CheckMerged:
			return checks, nil
		case forge.CheckFailure:
			return checks, collabErr(ErrChecksFailed, "pull request #%d", number)
		}

		e.logger.Debug("waiting for pull request checks", zap.Int("pull_request", number))

		select {
		case <-run.interrupt.Done():
			return forge.CheckPending, fmt.Errorf("pull request #%d: %w", number, errInterrupted)
		case <-ctx.Done():
			return forge.CheckPending, e.pollStopped(ctx, number)
		case <-ticker.C:
		}
	}
}

func (e *Executor) pollStopped(ctx context.Context, number int) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return collabErr(ErrChecksTimeout, "pull request #%d", number)
	}
	return collabErr(ctx.Err(), "pull request #%d", number)
}

func (e *Executor) runDoc(ctx context.Context, run *execution) (state.Status, string, error) {
	if err := e.collab.VCS.Fetch(ctx); err != nil {
		return "", "", collabErr(err, "fetch")
	}

	initRec, _ := run.state.Get(step.Init, "")
	release := changelog.Release{
		ID:   run.params.ReleaseID,
		Date: initRec.Meta(MetaReleaseDate),
	}
	for _, version := range run.params.Branches {
		if run.state.StatusOf(step.AddBranch, version) == state.StatusSkipped {
			continue
		}
		add, _ := run.state.Get(step.AddBranch, version)
		release.Branches = append(release.Branches, changelog.Branch{
			Version: version,
			Ref:     e.naming.ProductionBranch(version),
			Since:   add.Meta(MetaOrigProdCommit),
		})
	}

	document, err := e.collab.Changelog.AggregateFragments(ctx, release)
	if err != nil {
		return "", "", collabErr(err, "aggregate changelog")
	}

	path, err := e.collab.Changelog.Publish(ctx, run.params.ReleaseID, document)
	if err != nil {
		return "", "", collabErr(err, "publish changelog")
	}
	run.meta[MetaChangelogPath] = path
	run.meta[MetaChangelogURL] = e.naming.ChangelogURL(run.params.ReleaseID)

	return state.StatusDone, "", nil
}

func (e *Executor) runTag(ctx context.Context, run *execution) (state.Status, string, error) {
	tagged := splitList(run.meta[MetaTags])
	done := make(map[string]bool, len(tagged))
	for _, t := range tagged {
		done[t] = true
	}

	for _, version := range run.params.Branches {
		if run.state.StatusOf(step.AddBranch, version) == state.StatusSkipped {
			continue
		}
		name := e.naming.TagName(version, run.params.ReleaseID)
		if done[name] {
			continue
		}
		if err := e.collab.Forge.CreateTag(ctx, name, e.naming.ProductionBranch(version)); err != nil {
			if len(tagged) > 0 {
				run.meta[MetaTags] = strings.Join(tagged, ",")
			}
			return "", "", collabErr(err, "create tag %s", name)
		}
		tagged = append(tagged, name)
		done[name] = true
	}

	if len(tagged) == 0 {
		return state.StatusSkipped, "no platform version changed in this release", nil
	}
	run.meta[MetaTags] = strings.Join(tagged, ",")
	return state.StatusDone, "", nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
