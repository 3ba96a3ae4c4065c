package changelog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"fcrelease/internal/state"
)

// changesDir is the location of release pages inside the docs tree.
const changesDir = "src/changes"

var yearIndexTemplate = template.Must(template.New("years").Parse("(changelog)=\n" +
	"\n" +
	"# Changelog\n" +
	"\n" +
	"Here follows a short description of all user-visible changes made to our\n" +
	"infrastructure in reverse chronological order.\n" +
	"\n" +
	"```{toctree}\n" +
	":maxdepth: 1\n" +
	"\n" +
	"{{range .}}{{.}}\n{{end}}" +
	"\n" +
	"```\n"))

var releaseIndexTemplate = template.Must(template.New("releases").Parse("# {{.Year}}\n" +
	"\n" +
	"Releases performed in {{.Year}}.\n" +
	"\n" +
	"```{toctree}\n" +
	":maxdepth: 1\n" +
	"\n" +
	"{{range .Releases}}{{.}}\n{{end}}" +
	"```\n"))

// DocsRepository versions the documentation tree. The [vcs.Docs] type
// implements it.
type DocsRepository interface {
	// Sync resets the checkout to the published branch of the remote.
	Sync(ctx context.Context) error
	// CommitAndPush commits paths with message and pushes the branch.
	// Nothing to commit and nothing to push are not errors.
	CommitAndPush(ctx context.Context, message string, paths ...string) error
}

// Publisher writes release pages into a documentation tree.
type Publisher struct {
	dir    string
	repo   DocsRepository
	logger *zap.Logger
}

// NewPublisher creates a Publisher for the docs checkout at dir. With a nil
// repo pages are only written to dir.
func NewPublisher(dir string, repo DocsRepository, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{dir: dir, repo: repo, logger: logger}
}

// ReleasePage returns the page path of releaseID relative to the docs tree,
// e.g. "src/changes/2024/r012.md".
func ReleasePage(releaseID string) (string, error) {
	year, num, err := state.SplitReleaseID(releaseID)
	if err != nil {
		return "", err
	}
	return filepath.Join(changesDir, year, "r"+num+".md"), nil
}

// Publish writes the release page, regenerates the index pages and, with a
// repository, commits and pushes them. The checkout is reset to the remote
// first, so a publication that was pushed before ends up with nothing to
// commit.
func (p *Publisher) Publish(ctx context.Context, releaseID, document string) (string, error) {
	page, err := ReleasePage(releaseID)
	if err != nil {
		return "", err
	}
	year, _, _ := state.SplitReleaseID(releaseID)

	if p.repo != nil {
		if err := p.repo.Sync(ctx); err != nil {
			return "", fmt.Errorf("sync docs: %w", err)
		}
	}

	if err := p.WriteRelease(page, document); err != nil {
		return "", err
	}
	if err := p.UpdateIndex(year); err != nil {
		return "", err
	}

	if p.repo != nil {
		paths := []string{
			page,
			filepath.Join(changesDir, "index.md"),
			filepath.Join(changesDir, year, "index.md"),
		}
		if err := p.repo.CommitAndPush(ctx, "add changelog "+releaseID, paths...); err != nil {
			return "", fmt.Errorf("commit docs: %w", err)
		}
	}

	p.logger.Info("published changelog", zap.String("release_id", releaseID), zap.String("path", page))
	return page, nil
}

// WriteRelease writes document to page, creating the year directory.
func (p *Publisher) WriteRelease(page, document string) error {
	full := filepath.Join(p.dir, page)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(full), err)
	}
	if err := os.WriteFile(full, []byte(document), 0644); err != nil {
		return fmt.Errorf("write %s: %w", full, err)
	}
	return nil
}

// UpdateIndex regenerates the changelog index listing all years, newest
// first, and the index of year listing its release pages.
func (p *Publisher) UpdateIndex(year string) error {
	root := filepath.Join(p.dir, changesDir)

	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read %s: %w", root, err)
	}
	var years []string
	for _, e := range entries {
		if e.IsDir() {
			years = append(years, e.Name()+"/index")
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(years)))

	if err := p.render(filepath.Join(root, "index.md"), yearIndexTemplate, years); err != nil {
		return err
	}

	pages, err := filepath.Glob(filepath.Join(root, year, "r*.md"))
	if err != nil {
		return err
	}
	releases := make([]string, 0, len(pages))
	for _, page := range pages {
		releases = append(releases, strings.TrimSuffix(filepath.Base(page), ".md"))
	}
	sort.Strings(releases)

	return p.render(filepath.Join(root, year, "index.md"), releaseIndexTemplate, struct {
		Year     string
		Releases []string
	}{year, releases})
}

func (p *Publisher) render(file string, tmpl *template.Template, data any) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render %s: %w", file, err)
	}
	if err := os.WriteFile(file, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

// Sync resets the docs checkout to its remote. Without a repository it
// does nothing.
func (p *Publisher) Sync(ctx context.Context) error {
	if p.repo == nil {
		return nil
	}
	return p.repo.Sync(ctx)
}

// LatestRelease scans the docs tree for the highest published release id.
// It returns "" when nothing has been published.
func (p *Publisher) LatestRelease() (string, error) {
	root := filepath.Join(p.dir, changesDir)
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", root, err)
	}

	var ids []string
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); !e.IsDir() || err != nil {
			continue
		}
		pages, _ := filepath.Glob(filepath.Join(root, e.Name(), "r*.md"))
		for _, page := range pages {
			num := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(page), "r"), ".md")
			id := e.Name() + "_" + num
			if state.ValidateReleaseID(id) == nil {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return "", nil
	}
	sort.Strings(ids)
	return ids[len(ids)-1], nil
}
