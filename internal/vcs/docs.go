package vcs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"
)

// DefaultDocsBranch is the published branch of the documentation repository.
const DefaultDocsBranch = "master"

// Commit author used when none is configured.
const (
	DefaultAuthorName  = "fcrelease"
	DefaultAuthorEmail = "release@flyingcircus.io"
)

// DocsOptions configures [OpenDocs].
type DocsOptions struct {
	// Path is the working checkout. It is cloned from URL when missing.
	Path string

	// URL is the remote documentation repository.
	URL string

	// Remote names the remote. Default: "origin".
	Remote string

	// Branch is the published branch. Default: "master".
	Branch string

	// Auth authenticates fetch and push. Nil means anonymous.
	Auth transport.AuthMethod

	// AuthorName and AuthorEmail sign commits.
	AuthorName  string
	AuthorEmail string

	Logger *zap.Logger
}

// Docs is a working checkout of the documentation repository. Unlike
// [Repository] it has a worktree, since pages are written as plain files.
type Docs struct {
	*Repository
	dir    string
	branch string
	author object.Signature
}

// OpenDocs opens the checkout at opts.Path, cloning opts.URL if it does not
// exist yet.
func OpenDocs(ctx context.Context, opts DocsOptions) (*Docs, error) {
	if opts.Remote == "" {
		opts.Remote = DefaultRemote
	}
	if opts.Branch == "" {
		opts.Branch = DefaultDocsBranch
	}
	if opts.AuthorName == "" {
		opts.AuthorName = DefaultAuthorName
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = DefaultAuthorEmail
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	repo, err := git.PlainOpen(opts.Path)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists) && opts.URL != "":
		opts.Logger.Info("cloning docs", zap.String("url", opts.URL), zap.String("path", opts.Path))
		repo, err = git.PlainCloneContext(ctx, opts.Path, false, &git.CloneOptions{
			URL:           opts.URL,
			RemoteName:    opts.Remote,
			ReferenceName: plumbing.NewBranchReferenceName(opts.Branch),
			Auth:          opts.Auth,
		})
		if err != nil {
			return nil, fmt.Errorf("clone %s: %w", opts.URL, err)
		}
	case err != nil:
		return nil, fmt.Errorf("open docs %s: %w", opts.Path, err)
	}

	d := &Docs{
		Repository: &Repository{repo: repo, remote: opts.Remote, auth: opts.Auth, logger: opts.Logger},
		dir:        opts.Path,
		branch:     opts.Branch,
		author:     object.Signature{Name: opts.AuthorName, Email: opts.AuthorEmail},
	}
	if opts.URL != "" {
		if err := d.ensureRemote(opts.URL); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Dir returns the root of the checkout.
func (d *Docs) Dir() string {
	return d.dir
}

// Sync fetches the remote and resets the checkout to its published branch,
// dropping local commits and uncommitted files.
func (d *Docs) Sync(ctx context.Context) error {
	if err := d.Fetch(ctx); err != nil {
		return err
	}

	remoteRef, err := d.repo.Reference(plumbing.NewRemoteReferenceName(d.remote, d.branch), true)
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", d.remote, d.branch, err)
	}

	local := plumbing.NewBranchReferenceName(d.branch)
	if err := d.repo.Storer.SetReference(plumbing.NewHashReference(local, remoteRef.Hash())); err != nil {
		return fmt.Errorf("reset %s: %w", d.branch, err)
	}

	wt, err := d.repo.Worktree()
	if err != nil {
		return fmt.Errorf("docs worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: local, Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", d.branch, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean docs: %w", err)
	}

	d.logger.Debug("synced docs", zap.String("branch", d.branch), zap.String("commit", remoteRef.Hash().String()))
	return nil
}

// CommitAndPush stages paths, commits them when anything changed and
// pushes the published branch.
func (d *Docs) CommitAndPush(ctx context.Context, message string, paths ...string) error {
	wt, err := d.repo.Worktree()
	if err != nil {
		return fmt.Errorf("docs worktree: %w", err)
	}

	for _, p := range paths {
		if _, err := wt.Add(filepath.ToSlash(p)); err != nil {
			return fmt.Errorf("add %s: %w", p, err)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("docs status: %w", err)
	}
	staged := false
	for _, s := range status {
		if s.Staging != git.Unmodified && s.Staging != git.Untracked {
			staged = true
			break
		}
	}

	if staged {
		author := d.author
		author.When = time.Now()
		hash, err := wt.Commit(message, &git.CommitOptions{Author: &author})
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		d.logger.Info("committed docs", zap.String("commit", hash.String()), zap.String("message", message))
	} else {
		d.logger.Debug("docs unchanged, nothing to commit")
	}

	return d.Push(ctx, d.branch)
}
