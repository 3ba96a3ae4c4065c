package executor

import (
	"context"
	"fmt"

	"fcrelease/internal/changelog"
	"fcrelease/internal/forge"
	"fcrelease/internal/planner"
)

// VersionControl is the narrow view of the platform repository the executor
// needs. The [vcs.Repository] type implements it.
type VersionControl interface {
	// Fetch updates remote-tracking branches and tags.
	Fetch(ctx context.Context) error
	// BranchExists reports whether a local or remote-tracking branch exists.
	BranchExists(ctx context.Context, name string) (bool, error)
	// CreateBranch creates a local branch at fromRef. An existing branch is left alone.
	CreateBranch(ctx context.Context, name, fromRef string) error
	// Push publishes a local branch to the remote.
	Push(ctx context.Context, name string) error
	// HasChangesSince reports whether name has commits not reachable from previousRef.
	HasChangesSince(ctx context.Context, name, previousRef string) (bool, error)
	// ResolveRef returns the commit hash a branch or revision points to.
	ResolveRef(ctx context.Context, name string) (string, error)
}

// Forge is the narrow view of the code forge. The [forge.Client] type implements it.
type Forge interface {
	// OpenOrFindPullRequest returns the open pull request from head into base,
	// creating it when none exists.
	OpenOrFindPullRequest(ctx context.Context, head, base, title string) (*forge.PullRequest, error)
	// PollPullRequestStatus returns the current check state of a pull request.
	PollPullRequestStatus(ctx context.Context, number int) (forge.CheckState, error)
	// MergePullRequest merges a pull request and returns the merge commit.
	MergePullRequest(ctx context.Context, number int, message string) (string, error)
	// CreateTag creates tag name at ref. A tag already at the same commit is not an error.
	CreateTag(ctx context.Context, name, ref string) error
}

// Changelog aggregates and publishes release notes. The [changelog.Aggregator]
// type implements it.
type Changelog interface {
	// AggregateFragments builds the release notes document for a release.
	AggregateFragments(ctx context.Context, release changelog.Release) (string, error)
	// Publish writes the document to the documentation tree and returns its path.
	Publish(ctx context.Context, releaseID, document string) (string, error)
}

// Naming expands the branch, tag and URL names of a release. The
// [config.Naming] type implements it.
type Naming interface {
	StagingBranch(version string) string
	ProductionBranch(version string) string
	ReleaseBranch(version, releaseID string) string
	TagName(version, releaseID string) string
	ChangelogURL(releaseID string) string
}

// Collaborators groups the external systems the executor calls.
type Collaborators struct {
	VCS       VersionControl
	Forge     Forge
	Changelog Changelog
}

// CollaboratorError wraps a failure of an external system. It is always
// converted into a failed step record and never escapes the executor.
type CollaboratorError struct {
	// Op names the failed call, e.g. "create branch fc-23.11-release-2024_012".
	Op string
	// Err is the collaborator's error.
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

func collabErr(err error, format string, args ...any) error {
	return &CollaboratorError{Op: fmt.Sprintf(format, args...), Err: err}
}

// changeDetector adapts VersionControl to the planner's skip rule.
type changeDetector struct {
	vcs    VersionControl
	naming Naming
}

// NewChangeDetector returns a planner.ChangeDetector that compares a
// version's staging branch with its production branch.
func NewChangeDetector(vcs VersionControl, naming Naming) planner.ChangeDetector {
	return &changeDetector{vcs: vcs, naming: naming}
}

func (d *changeDetector) HasChanges(ctx context.Context, branch string) (bool, error) {
	return d.vcs.HasChangesSince(ctx, d.naming.StagingBranch(branch), d.naming.ProductionBranch(branch))
}
