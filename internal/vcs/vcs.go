// Package vcs operates on the local checkout of the platform repository.
//
// [Repository] wraps go-git and works purely on references: it never
// checks out a worktree, so a bare clone is enough. Branches of the remote
// are read through their remote-tracking references after [Repository.Fetch].
package vcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"go.uber.org/zap"

	"fcrelease/internal/config"
)

// DefaultRemote is the remote used when none is configured.
const DefaultRemote = "origin"

// Options configures [Open].
type Options struct {
	// Path is the local checkout. It is cloned from URL when missing.
	Path string

	// URL is the remote repository. When set, the remote's URL is updated
	// to match an existing checkout.
	URL string

	// Remote names the remote. Default: "origin".
	Remote string

	// Auth authenticates fetch and push. Nil means anonymous.
	Auth transport.AuthMethod

	// Logger receives progress logs. Default: no-op.
	Logger *zap.Logger
}

// Repository is a checkout of the platform repository.
type Repository struct {
	repo   *git.Repository
	remote string
	auth   transport.AuthMethod
	logger *zap.Logger
}

// Open opens the repository at opts.Path, cloning it bare from opts.URL if
// it does not exist yet.
func Open(ctx context.Context, opts Options) (*Repository, error) {
	if opts.Remote == "" {
		opts.Remote = DefaultRemote
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	repo, err := git.PlainOpen(opts.Path)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists) && opts.URL != "":
		opts.Logger.Info("cloning repository", zap.String("url", opts.URL), zap.String("path", opts.Path))
		repo, err = git.PlainCloneContext(ctx, opts.Path, true, &git.CloneOptions{
			URL:        opts.URL,
			RemoteName: opts.Remote,
			Auth:       opts.Auth,
		})
		if err != nil {
			return nil, fmt.Errorf("clone %s: %w", opts.URL, err)
		}
	case err != nil:
		return nil, fmt.Errorf("open repository %s: %w", opts.Path, err)
	}

	r := &Repository{repo: repo, remote: opts.Remote, auth: opts.Auth, logger: opts.Logger}
	if opts.URL != "" {
		if err := r.ensureRemote(opts.URL); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ensureRemote points the remote at url, replacing a stale configuration.
func (r *Repository) ensureRemote(url string) error {
	remote, err := r.repo.Remote(r.remote)
	if err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 && urls[0] == url {
			return nil
		}
		r.logger.Info("updating remote url", zap.String("remote", r.remote), zap.String("url", url))
		if err := r.repo.DeleteRemote(r.remote); err != nil {
			return fmt.Errorf("remove remote %s: %w", r.remote, err)
		}
	} else if !errors.Is(err, git.ErrRemoteNotFound) {
		return fmt.Errorf("read remote %s: %w", r.remote, err)
	}

	_, err = r.repo.CreateRemote(&gitconfig.RemoteConfig{
		Name:  r.remote,
		URLs:  []string{url},
		Fetch: []gitconfig.RefSpec{r.fetchSpec()},
	})
	if err != nil {
		return fmt.Errorf("create remote %s: %w", r.remote, err)
	}
	return nil
}

func (r *Repository) fetchSpec() gitconfig.RefSpec {
	return gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", r.remote))
}

// Fetch updates all remote-tracking branches and tags.
func (r *Repository) Fetch(ctx context.Context) error {
	err := r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: r.remote,
		RefSpecs:   []gitconfig.RefSpec{r.fetchSpec()},
		Tags:       git.AllTags,
		Force:      true,
		Auth:       r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", r.remote, err)
	}
	return nil
}

// BranchExists reports whether name exists locally or on the remote.
func (r *Repository) BranchExists(ctx context.Context, name string) (bool, error) {
	for _, ref := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(name),
		plumbing.NewRemoteReferenceName(r.remote, name),
	} {
		ok, err := r.hasReference(ref)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (r *Repository) hasReference(name plumbing.ReferenceName) (bool, error) {
	_, err := r.repo.Reference(name, true)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("read %s: %w", name, err)
	}
}

// CreateBranch creates the local branch name at fromRef. An existing local
// branch is left untouched.
func (r *Repository) CreateBranch(ctx context.Context, name, fromRef string) error {
	ref := plumbing.NewBranchReferenceName(name)
	exists, err := r.hasReference(ref)
	if err != nil || exists {
		return err
	}

	hash, err := r.resolve(fromRef)
	if err != nil {
		return err
	}

	r.logger.Debug("creating branch", zap.String("branch", name), zap.String("commit", hash.String()))
	return r.repo.Storer.SetReference(plumbing.NewHashReference(ref, hash))
}

// Push publishes the local branch name to the remote. A branch that exists
// only as a remote-tracking branch is already published.
func (r *Repository) Push(ctx context.Context, name string) error {
	local := plumbing.NewBranchReferenceName(name)
	ref, err := r.repo.Reference(local, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		if ok, rerr := r.hasReference(plumbing.NewRemoteReferenceName(r.remote, name)); rerr == nil && ok {
			return nil
		}
		return fmt.Errorf("push %s: no such branch", name)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", local, err)
	}

	err = r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: r.remote,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(local + ":" + local)},
		Auth:       r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s: %w", name, err)
	}

	tracking := plumbing.NewHashReference(plumbing.NewRemoteReferenceName(r.remote, name), ref.Hash())
	return r.repo.Storer.SetReference(tracking)
}

// HasChangesSince reports whether name holds commits that previousRef does
// not contain, i.e. name's head is not an ancestor of previousRef.
func (r *Repository) HasChangesSince(ctx context.Context, name, previousRef string) (bool, error) {
	head, err := r.commit(name)
	if err != nil {
		return false, err
	}
	previous, err := r.commit(previousRef)
	if err != nil {
		return false, err
	}
	if head.Hash == previous.Hash {
		return false, nil
	}

	contained, err := head.IsAncestor(previous)
	if err != nil {
		return false, fmt.Errorf("compare %s with %s: %w", name, previousRef, err)
	}
	return !contained, nil
}

// ResolveRef returns the commit hash name points to.
func (r *Repository) ResolveRef(ctx context.Context, name string) (string, error) {
	hash, err := r.resolve(name)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// ReadFiles returns the files below dir in the tree of ref, keyed by their
// path. With since set, only files added or modified between since and ref
// are returned. A missing dir yields an empty result.
func (r *Repository) ReadFiles(ctx context.Context, ref, since, dir string) (map[string]string, error) {
	commit, err := r.commit(ref)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", ref, err)
	}

	files := make(map[string]string)
	dir = strings.Trim(dir, "/")

	if since == "" {
		sub, err := tree.Tree(dir)
		if errors.Is(err, object.ErrDirectoryNotFound) {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s at %s: %w", dir, ref, err)
		}
		err = sub.Files().ForEach(func(f *object.File) error {
			content, err := f.Contents()
			if err != nil {
				return err
			}
			files[path.Join(dir, f.Name)] = content
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read %s at %s: %w", dir, ref, err)
		}
		return files, nil
	}

	base, err := r.commit(since)
	if err != nil {
		return nil, err
	}
	baseTree, err := base.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", since, err)
	}

	changes, err := baseTree.DiffContext(ctx, tree)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", since, ref, err)
	}
	for _, change := range changes {
		name := change.To.Name
		if name == "" || !strings.HasPrefix(name, dir+"/") {
			continue
		}
		f, err := tree.File(name)
		if err != nil {
			return nil, fmt.Errorf("read %s at %s: %w", name, ref, err)
		}
		content, err := f.Contents()
		if err != nil {
			return nil, fmt.Errorf("read %s at %s: %w", name, ref, err)
		}
		files[name] = content
	}
	return files, nil
}

func (r *Repository) commit(name string) (*object.Commit, error) {
	hash, err := r.resolve(name)
	if err != nil {
		return nil, err
	}
	c, err := r.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", name, err)
	}
	return c, nil
}

// resolve looks name up as a remote-tracking branch first, then as a local
// branch, then as any revision (tag, hash, full reference).
func (r *Repository) resolve(name string) (plumbing.Hash, error) {
	for _, ref := range []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName(r.remote, name),
		plumbing.NewBranchReferenceName(name),
	} {
		if found, err := r.repo.Reference(ref, true); err == nil {
			return found.Hash(), nil
		}
	}

	hash, err := r.repo.ResolveRevision(plumbing.Revision(name))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", name, err)
	}
	return *hash, nil
}

// AuthFor returns the transport authentication for url: HTTP basic auth with
// token for http(s) remotes, the SSH agent for SSH remotes and nothing for
// local paths.
func AuthFor(url string, token config.Secret) (transport.AuthMethod, error) {
	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, fmt.Errorf("parse remote url %q: %w", url, err)
	}

	switch ep.Protocol {
	case "http", "https":
		if !token.IsSet() {
			return nil, nil
		}
		return &http.BasicAuth{Username: "x-access-token", Password: token.Value()}, nil
	case "ssh":
		auth, err := ssh.NewSSHAgentAuth(ep.User)
		if err != nil {
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		return auth, nil
	default:
		return nil, nil
	}
}
