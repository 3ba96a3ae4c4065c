// Package releasetest provides in-memory collaborators for testing the
// release process without a repository, forge or docs tree.
//
// The mocks behave like the real systems where resumability depends on it:
// creating an existing branch is a no-op, opening a pull request finds the
// open one, merging twice returns the same commit and re-creating a tag at
// the same commit succeeds. Failures are injected per call with FailOn.
package releasetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"fcrelease/internal/changelog"
	"fcrelease/internal/config"
	"fcrelease/internal/forge"
)

// Naming returns the default name templates.
func Naming() *config.Naming {
	n, err := config.NewNaming(config.DefaultConfig())
	if err != nil {
		panic(err)
	}
	return n
}

// calls records call names and injects failures.
type calls struct {
	mu sync.Mutex
	// Calls records every call in order, e.g. "push fc-23.11-release-2024_012".
	Calls []string
	// FailOn maps a call name to the error it returns.
	FailOn map[string]error
}

func (c *calls) record(format string, args ...any) error {
	call := fmt.Sprintf(format, args...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, call)
	return c.FailOn[call]
}

// Count returns how often call was made.
func (c *calls) Count(call string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, got := range c.Calls {
		if got == call {
			n++
		}
	}
	return n
}

// Fail makes call return err until Heal is called.
func (c *calls) Fail(call string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOn == nil {
		c.FailOn = make(map[string]error)
	}
	c.FailOn[call] = err
}

// Heal removes all injected failures.
func (c *calls) Heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FailOn = nil
}

// MockVCS is an in-memory platform repository.
type MockVCS struct {
	calls
	// Refs maps branch names to commits.
	Refs map[string]string
	// Unchanged lists staging branches without commits beyond production.
	Unchanged map[string]bool
}

// NewMockVCS returns a repository with staging and production branches for
// versions. Versions in unchanged have nothing new on staging.
func NewMockVCS(versions []string, unchanged ...string) *MockVCS {
	naming := Naming()
	m := &MockVCS{Refs: make(map[string]string), Unchanged: make(map[string]bool)}
	for _, v := range versions {
		m.Refs[naming.StagingBranch(v)] = "staging-" + v
		m.Refs[naming.ProductionBranch(v)] = "production-" + v
	}
	for _, v := range unchanged {
		m.Unchanged[naming.StagingBranch(v)] = true
	}
	return m
}

func (m *MockVCS) Fetch(ctx context.Context) error {
	return m.record("fetch")
}

func (m *MockVCS) BranchExists(ctx context.Context, name string) (bool, error) {
	if err := m.record("branch-exists %s", name); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Refs[name]
	return ok, nil
}

func (m *MockVCS) CreateBranch(ctx context.Context, name, fromRef string) error {
	if err := m.record("create-branch %s", name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Refs[name]; !ok {
		m.Refs[name] = m.resolve(fromRef)
	}
	return nil
}

func (m *MockVCS) Push(ctx context.Context, name string) error {
	return m.record("push %s", name)
}

func (m *MockVCS) HasChangesSince(ctx context.Context, name, previousRef string) (bool, error) {
	if err := m.record("has-changes %s", name); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.Unchanged[name], nil
}

func (m *MockVCS) ResolveRef(ctx context.Context, name string) (string, error) {
	if err := m.record("resolve %s", name); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolve(name), nil
}

func (m *MockVCS) resolve(name string) string {
	if commit, ok := m.Refs[name]; ok {
		return commit
	}
	return name
}

// MockForge is an in-memory code forge.
type MockForge struct {
	calls
	// PullRequests maps head branches to their pull requests.
	PullRequests map[string]*forge.PullRequest
	// Checks are returned by successive polls; the last one repeats.
	// Empty means success.
	Checks []forge.CheckState
	// Tags maps tag names to refs.
	Tags map[string]string

	polls int
}

// NewMockForge returns a forge with green checks.
func NewMockForge() *MockForge {
	return &MockForge{PullRequests: make(map[string]*forge.PullRequest), Tags: make(map[string]string)}
}

func (m *MockForge) OpenOrFindPullRequest(ctx context.Context, head, base, title string) (*forge.PullRequest, error) {
	if err := m.record("open-pr %s", head); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// A merged head cannot get a second pull request; the forge reports the
	// merged one instead.
	if pr, ok := m.PullRequests[head]; ok {
		return pr, nil
	}
	n := len(m.PullRequests) + 1
	pr := &forge.PullRequest{Number: n, URL: fmt.Sprintf("https://forge.example/pull/%d", n)}
	m.PullRequests[head] = pr
	return pr, nil
}

func (m *MockForge) PollPullRequestStatus(ctx context.Context, number int) (forge.CheckState, error) {
	if err := m.record("poll %d", number); err != nil {
		return forge.CheckPending, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr := m.byNumber(number); pr != nil && pr.Merged {
		return forge.CheckMerged, nil
	}
	if len(m.Checks) == 0 {
		return forge.CheckSuccess, nil
	}
	i := min(m.polls, len(m.Checks)-1)
	m.polls++
	return m.Checks[i], nil
}

func (m *MockForge) MergePullRequest(ctx context.Context, number int, message string) (string, error) {
	if err := m.record("merge %d", number); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pr := m.byNumber(number)
	if pr == nil {
		return "", fmt.Errorf("pull request #%d not found", number)
	}
	if !pr.Merged {
		pr.Merged = true
		pr.MergeCommitSHA = fmt.Sprintf("merge-%d", number)
	}
	return pr.MergeCommitSHA, nil
}

func (m *MockForge) CreateTag(ctx context.Context, name, ref string) error {
	if err := m.record("tag %s", name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.Tags[name]; ok && existing != ref {
		return fmt.Errorf("tag %s already exists at %s", name, existing)
	}
	m.Tags[name] = ref
	return nil
}

// TagNames returns the created tags sorted.
func (m *MockForge) TagNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.Tags))
	for name := range m.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MockForge) byNumber(number int) *forge.PullRequest {
	for _, pr := range m.PullRequests {
		if pr.Number == number {
			return pr
		}
	}
	return nil
}

// MockChangelog records aggregated and published documents.
type MockChangelog struct {
	calls
	// Releases are the aggregation requests in order.
	Releases []changelog.Release
	// Published maps release ids to documents.
	Published map[string]string
}

// NewMockChangelog returns an empty MockChangelog.
func NewMockChangelog() *MockChangelog {
	return &MockChangelog{Published: make(map[string]string)}
}

func (m *MockChangelog) AggregateFragments(ctx context.Context, r changelog.Release) (string, error) {
	if err := m.record("aggregate %s", r.ID); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Releases = append(m.Releases, r)
	versions := make([]string, len(r.Branches))
	for i, b := range r.Branches {
		versions[i] = b.Version
	}
	return fmt.Sprintf("Release %s (%s): %s", r.ID, r.Date, strings.Join(versions, ", ")), nil
}

func (m *MockChangelog) Publish(ctx context.Context, releaseID, document string) (string, error) {
	if err := m.record("publish %s", releaseID); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published[releaseID] = document
	page, err := changelog.ReleasePage(releaseID)
	if err != nil {
		return "", err
	}
	return page, nil
}
