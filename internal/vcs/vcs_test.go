package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fcrelease/internal/config"
)

// origin is an upstream platform repository with two versions:
// 23.11 has nothing new on staging, 24.05 has one staged commit.
type origin struct {
	dir  string
	repo *git.Repository
	base plumbing.Hash
	new  plumbing.Hash
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary required for local transport")
	}

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	o := &origin{dir: dir, repo: repo}

	o.base = o.commit(t, "README.md", "fc-nixos\n", "initial")
	o.setBranch(t, "fc-23.11-production", o.base)
	o.setBranch(t, "fc-23.11-staging", o.base)
	o.setBranch(t, "fc-24.05-production", o.base)

	o.new = o.commit(t, "changelog.d/kernel.md", "# NixOS XX.XX platform\n\n- New kernel.\n", "kernel update")
	o.setBranch(t, "fc-24.05-staging", o.new)

	return o
}

func (o *origin) commit(t *testing.T, name, content, msg string) plumbing.Hash {
	t.Helper()
	full := filepath.Join(o.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))

	wt, err := o.repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "Release Test", Email: "release@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash
}

func (o *origin) setBranch(t *testing.T, name string, hash plumbing.Hash) {
	t.Helper()
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), hash)
	require.NoError(t, o.repo.Storer.SetReference(ref))
}

func (o *origin) branch(t *testing.T, name string) (plumbing.Hash, bool) {
	t.Helper()
	ref, err := o.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return plumbing.ZeroHash, false
	}
	return ref.Hash(), true
}

func openClone(t *testing.T, o *origin) *Repository {
	t.Helper()
	r, err := Open(context.Background(), Options{
		Path: filepath.Join(t.TempDir(), "fc-nixos"),
		URL:  o.dir,
	})
	require.NoError(t, err)
	return r
}

func TestOpen_Clones(t *testing.T) {
	o := newOrigin(t)
	r := openClone(t, o)
	ctx := context.Background()

	ok, err := r.BranchExists(ctx, "fc-23.11-staging")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.BranchExists(ctx, "fc-25.05-staging")
	require.NoError(t, err)
	assert.False(t, ok)

	hash, err := r.ResolveRef(ctx, "fc-24.05-staging")
	require.NoError(t, err)
	assert.Equal(t, o.new.String(), hash)
}

func TestOpen_MissingWithoutURL(t *testing.T) {
	_, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestOpen_UpdatesRemoteURL(t *testing.T) {
	o := newOrigin(t)
	path := filepath.Join(t.TempDir(), "fc-nixos")

	_, err := Open(context.Background(), Options{Path: path, URL: o.dir})
	require.NoError(t, err)

	other := newOrigin(t)
	r, err := Open(context.Background(), Options{Path: path, URL: other.dir})
	require.NoError(t, err)

	remote, err := r.repo.Remote(DefaultRemote)
	require.NoError(t, err)
	assert.Equal(t, []string{other.dir}, remote.Config().URLs)
}

func TestHasChangesSince(t *testing.T) {
	o := newOrigin(t)
	r := openClone(t, o)

	tests := []struct {
		name     string
		branch   string
		previous string
		want     bool
	}{
		{"same commit", "fc-23.11-staging", "fc-23.11-production", false},
		{"staged commit", "fc-24.05-staging", "fc-24.05-production", true},
		{"production ahead", "fc-24.05-production", "fc-24.05-staging", false},
		{"by hash", o.new.String(), o.base.String(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.HasChangesSince(context.Background(), tt.branch, tt.previous)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := r.HasChangesSince(context.Background(), "no-such-branch", "fc-23.11-production")
	assert.Error(t, err)
}

func TestFetch_SeesNewCommits(t *testing.T) {
	o := newOrigin(t)
	r := openClone(t, o)
	ctx := context.Background()

	require.NoError(t, r.Fetch(ctx), "fetch without changes is not an error")

	fix := o.commit(t, "changelog.d/fix.md", "- fix\n", "fix")
	o.setBranch(t, "fc-23.11-staging", fix)

	changed, err := r.HasChangesSince(ctx, "fc-23.11-staging", "fc-23.11-production")
	require.NoError(t, err)
	assert.False(t, changed, "not fetched yet")

	require.NoError(t, r.Fetch(ctx))

	changed, err = r.HasChangesSince(ctx, "fc-23.11-staging", "fc-23.11-production")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestCreateBranchAndPush(t *testing.T) {
	o := newOrigin(t)
	r := openClone(t, o)
	ctx := context.Background()
	const release = "fc-24.05-release-2024_012"

	require.NoError(t, r.CreateBranch(ctx, release, "fc-24.05-staging"))
	require.NoError(t, r.CreateBranch(ctx, release, "fc-24.05-production"), "existing branch is left alone")

	hash, err := r.ResolveRef(ctx, release)
	require.NoError(t, err)
	assert.Equal(t, o.new.String(), hash)

	_, published := o.branch(t, release)
	assert.False(t, published)

	require.NoError(t, r.Push(ctx, release))
	got, published := o.branch(t, release)
	require.True(t, published)
	assert.Equal(t, o.new, got)

	require.NoError(t, r.Push(ctx, release), "pushing again is a no-op")
}

func TestPush_RemoteOnlyBranch(t *testing.T) {
	o := newOrigin(t)
	r := openClone(t, o)

	assert.NoError(t, r.Push(context.Background(), "fc-23.11-staging"))
	assert.Error(t, r.Push(context.Background(), "no-such-branch"))
}

func TestReadFiles(t *testing.T) {
	o := newOrigin(t)
	r := openClone(t, o)
	ctx := context.Background()

	tests := []struct {
		name  string
		ref   string
		since string
		want  map[string]string
	}{
		{
			name: "all fragments",
			ref:  "fc-24.05-staging",
			want: map[string]string{"changelog.d/kernel.md": "# NixOS XX.XX platform\n\n- New kernel.\n"},
		},
		{
			name:  "fragments since base",
			ref:   "fc-24.05-staging",
			since: o.base.String(),
			want:  map[string]string{"changelog.d/kernel.md": "# NixOS XX.XX platform\n\n- New kernel.\n"},
		},
		{
			name:  "nothing new",
			ref:   "fc-24.05-staging",
			since: o.new.String(),
			want:  map[string]string{},
		},
		{
			name: "missing directory",
			ref:  "fc-23.11-production",
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ReadFiles(ctx, tt.ref, tt.since, "changelog.d")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthFor(t *testing.T) {
	token := config.NewSecret("s3cret")

	auth, err := AuthFor("https://github.com/flyingcircus/fc-nixos.git", token)
	require.NoError(t, err)
	basic, ok := auth.(*http.BasicAuth)
	require.True(t, ok)
	assert.Equal(t, "s3cret", basic.Password)

	auth, err = AuthFor("https://github.com/flyingcircus/fc-nixos.git", config.Secret(""))
	require.NoError(t, err)
	assert.Nil(t, auth)

	auth, err = AuthFor("/srv/git/fc-nixos", token)
	require.NoError(t, err)
	assert.Nil(t, auth)
}
