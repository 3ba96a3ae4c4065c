// Package forge talks to the code forge hosting the platform repository.
//
// [Client] wraps the GitHub REST API via go-github. It opens release pull
// requests, polls their checks, merges them and creates release tags. Every
// call goes through [retry] so rate limits and transient server errors do
// not fail a release step.
package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"fcrelease/internal/config"
)

// CheckState is the aggregated state of a pull request's checks.
type CheckState string

// Check states reported by [Client.PollPullRequestStatus].
const (
	CheckPending CheckState = "pending"
	CheckSuccess CheckState = "success"
	CheckFailure CheckState = "failure"
	CheckMerged  CheckState = "merged"
)

// PullRequest is the subset of a pull request the release process uses.
type PullRequest struct {
	Number         int
	URL            string
	HeadSHA        string
	Merged         bool
	MergeCommitSHA string
}

// DefaultRateLimit is the default cap on API requests per second.
const DefaultRateLimit = 10.0

const rateBurst = 20

// ErrNoToken is returned by [NewClient] when no API token is configured.
var ErrNoToken = errors.New("forge token not set")

// ErrPullRequestClosed reports a pull request closed without being merged.
var ErrPullRequestClosed = errors.New("pull request closed without merge")

// Options configures a [Client].
type Options struct {
	// Owner and Repo name the repository, e.g. "flyingcircus" and "fc-nixos".
	Owner string
	Repo  string

	// Token authenticates API calls.
	Token config.Secret

	// BaseURL overrides the API endpoint for GitHub Enterprise.
	BaseURL string

	// Retry tunes retries. Nil means [DefaultRetryConfig].
	Retry *RetryConfig

	// RateLimit caps API requests per second. Zero means [DefaultRateLimit].
	RateLimit float64

	// Logger receives retry logs. Default: no-op.
	Logger *zap.Logger
}

// Client implements the forge operations of the release process.
type Client struct {
	gh      *github.Client
	owner   string
	repo    string
	retry   *RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates an authenticated client.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if !opts.Token.IsSet() {
		return nil, ErrNoToken
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token.Value()})
	return newClient(oauth2.NewClient(ctx, ts), opts)
}

func newClient(httpClient *http.Client, opts Options) (*Client, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("forge repository not configured (owner %q, repo %q)", opts.Owner, opts.Repo)
	}

	gh := github.NewClient(httpClient)
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid forge base URL %q: %w", opts.BaseURL, err)
		}
		gh.BaseURL = u
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := opts.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}

	return &Client{
		gh:      gh,
		owner:   opts.Owner,
		repo:    opts.Repo,
		retry:   opts.Retry,
		limiter: rate.NewLimiter(rate.Limit(limit), rateBurst),
		logger:  logger,
	}, nil
}

// OpenOrFindPullRequest returns the pull request from head into base,
// creating one with title when none exists.
//
// An open pull request is preferred. Otherwise a merged one is returned, so
// a caller that merged before losing track of the number finds it again.
// Pull requests closed without merge are ignored.
func (c *Client) OpenOrFindPullRequest(ctx context.Context, head, base, title string) (*PullRequest, error) {
	var existing []*github.PullRequest
	_, err := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		existing, resp, err = c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
			State: "all",
			Head:  c.owner + ":" + head,
			Base:  base,
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	if pr := pickExisting(existing); pr != nil {
		c.logger.Debug("found existing pull request",
			zap.Int("number", pr.GetNumber()),
			zap.String("state", pr.GetState()),
			zap.Bool("merged", pr.GetMerged()),
		)
		return convert(pr), nil
	}

	var created *github.PullRequest
	_, err = c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		created, resp, err = c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
			Title: github.String(title),
			Head:  github.String(head),
			Base:  github.String(base),
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return convert(created), nil
}

// PollPullRequestStatus aggregates commit statuses and check runs on the
// pull request's head commit.
//
// A merged pull request reports [CheckMerged]. Any failing status or check
// run reports [CheckFailure]; any one still running reports [CheckPending].
// A head commit without statuses or checks counts as successful.
func (c *Client) PollPullRequestStatus(ctx context.Context, number int) (CheckState, error) {
	pr, err := c.getPullRequest(ctx, number)
	if err != nil {
		return CheckPending, err
	}
	if pr.GetMerged() {
		return CheckMerged, nil
	}
	if pr.GetState() == "closed" {
		return CheckFailure, fmt.Errorf("#%d: %w", number, ErrPullRequestClosed)
	}

	sha := pr.GetHead().GetSHA()

	var combined *github.CombinedStatus
	_, err = c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		combined, resp, err = c.gh.Repositories.GetCombinedStatus(ctx, c.owner, c.repo, sha, nil)
		return resp, err
	})
	if err != nil {
		return CheckPending, fmt.Errorf("get combined status: %w", err)
	}

	var runs *github.ListCheckRunsResults
	_, err = c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		runs, resp, err = c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, sha, nil)
		return resp, err
	})
	if err != nil {
		return CheckPending, fmt.Errorf("list check runs: %w", err)
	}

	return aggregate(combined, runs), nil
}

func aggregate(combined *github.CombinedStatus, runs *github.ListCheckRunsResults) CheckState {
	pending := false

	if combined.GetTotalCount() > 0 {
		switch combined.GetState() {
		case "failure", "error":
			return CheckFailure
		case "pending":
			pending = true
		}
	}

	for _, run := range runs.CheckRuns {
		if run.GetStatus() != "completed" {
			pending = true
			continue
		}
		switch run.GetConclusion() {
		case "success", "neutral", "skipped":
		default:
			return CheckFailure
		}
	}

	if pending {
		return CheckPending
	}
	return CheckSuccess
}

// MergePullRequest merges a pull request with a merge commit and returns
// the resulting commit hash. Merging an already merged pull request returns
// its existing merge commit.
func (c *Client) MergePullRequest(ctx context.Context, number int, message string) (string, error) {
	pr, err := c.getPullRequest(ctx, number)
	if err != nil {
		return "", err
	}
	if pr.GetMerged() {
		return pr.GetMergeCommitSHA(), nil
	}

	var result *github.PullRequestMergeResult
	_, err = c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		result, resp, err = c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, message, &github.PullRequestOptions{
			MergeMethod: "merge",
		})
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("merge pull request #%d: %w", number, err)
	}
	if !result.GetMerged() {
		return "", fmt.Errorf("merge pull request #%d: %s", number, result.GetMessage())
	}
	return result.GetSHA(), nil
}

// CreateTag creates a lightweight tag name at the commit ref points to. ref
// is a branch name or a commit hash. A tag already at that commit is not an
// error; a tag at a different commit is.
func (c *Client) CreateTag(ctx context.Context, name, ref string) error {
	sha, err := c.resolve(ctx, ref)
	if err != nil {
		return err
	}

	var existing *github.Reference
	resp, err := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		existing, resp, err = c.gh.Git.GetRef(ctx, c.owner, c.repo, "tags/"+name)
		return resp, err
	})
	switch {
	case err == nil:
		if got := existing.GetObject().GetSHA(); got != sha {
			return fmt.Errorf("tag %s already exists at %s, want %s", name, got, sha)
		}
		return nil
	case statusCode(resp) != http.StatusNotFound:
		return fmt.Errorf("look up tag %s: %w", name, err)
	}

	_, err = c.do(ctx, func() (*github.Response, error) {
		_, resp, err := c.gh.Git.CreateRef(ctx, c.owner, c.repo, &github.Reference{
			Ref:    github.String("refs/tags/" + name),
			Object: &github.GitObject{SHA: github.String(sha)},
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("create tag %s: %w", name, err)
	}
	return nil
}

func (c *Client) resolve(ctx context.Context, ref string) (string, error) {
	if isCommitHash(ref) {
		return ref, nil
	}

	var branch *github.Reference
	_, err := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		branch, resp, err = c.gh.Git.GetRef(ctx, c.owner, c.repo, "heads/"+ref)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return branch.GetObject().GetSHA(), nil
}

func (c *Client) getPullRequest(ctx context.Context, number int) (*github.PullRequest, error) {
	var pr *github.PullRequest
	_, err := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("get pull request #%d: %w", number, err)
	}
	return pr, nil
}

func (c *Client) do(ctx context.Context, operation func() (*github.Response, error)) (*github.Response, error) {
	return retry(ctx, c.retry, c.logger, func() (*github.Response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return operation()
	})
}

// pickExisting returns the first open pull request, else the first merged one.
func pickExisting(prs []*github.PullRequest) *github.PullRequest {
	var merged *github.PullRequest
	for _, pr := range prs {
		if pr.GetState() == "open" {
			return pr
		}
		if merged == nil && (pr.GetMerged() || pr.MergedAt != nil) {
			merged = pr
		}
	}
	return merged
}

func convert(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number:         pr.GetNumber(),
		URL:            pr.GetHTMLURL(),
		HeadSHA:        pr.GetHead().GetSHA(),
		Merged:         pr.GetMerged() || pr.MergedAt != nil,
		MergeCommitSHA: pr.GetMergeCommitSHA(),
	}
}

func isCommitHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
