// Package changelog builds and publishes the release notes of a release.
//
// Platform changes are described by markdown fragments committed under a
// fragments directory (changelog.d) of the platform repository. For each
// released platform version, [Aggregator.AggregateFragments] reads the
// fragments that arrived on the production branch during the release and
// merges them into one document with a fixed section layout. [Publisher]
// writes that document into the documentation tree and regenerates the
// year and release index pages.
//
// Key types:
//   - [Tree] is an ordered markdown section tree
//   - [Aggregator] collects fragments through a [FragmentSource]
//   - [Publisher] writes release pages and index pages
package changelog

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Fixed section titles of a release document.
const (
	SectionImpact          = "Impact"
	SectionDocumentation   = "Documentation"
	SectionDetailedChanges = "Detailed Changes"

	// placeholderPlatform is the platform section title used in fragments,
	// renamed to the concrete version on aggregation.
	placeholderPlatform = "NixOS XX.XX platform"
)

// Branch is one platform version taking part in a release.
type Branch struct {
	// Version is the platform version, e.g. "23.11".
	Version string

	// Ref is the branch or commit holding the released fragments.
	Ref string

	// Since is the commit the release started from. When set, only fragments
	// added or changed after it are collected.
	Since string
}

// Release describes the release a document is built for.
type Release struct {
	ID       string
	Date     string
	Branches []Branch
}

// FragmentSource reads fragment files from the platform repository. The
// [vcs.Repository] type implements it.
type FragmentSource interface {
	// ReadFiles returns the contents of files under dir at ref, keyed by
	// path. When since is not empty only files that differ from since are
	// returned.
	ReadFiles(ctx context.Context, ref, since, dir string) (map[string]string, error)
}

// Aggregator merges fragments into release documents.
type Aggregator struct {
	source    FragmentSource
	dir       string
	publisher *Publisher
	logger    *zap.Logger
}

// NewAggregator creates an Aggregator reading fragments from dir through
// source and publishing through publisher.
func NewAggregator(source FragmentSource, dir string, publisher *Publisher, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = "changelog.d"
	}
	return &Aggregator{source: source, dir: dir, publisher: publisher, logger: logger}
}

// AggregateFragments builds the release document for r.
func (a *Aggregator) AggregateFragments(ctx context.Context, r Release) (string, error) {
	fragments := make(map[string]*Tree, len(r.Branches))
	for _, b := range r.Branches {
		files, err := a.source.ReadFiles(ctx, b.Ref, b.Since, a.dir)
		if err != nil {
			return "", fmt.Errorf("read fragments of %s at %s: %w", b.Version, b.Ref, err)
		}
		fragments[b.Version] = collect(files)
		a.logger.Debug("collected changelog fragments",
			zap.String("branch", b.Version),
			zap.Int("files", len(files)),
		)
	}

	return Build(r, fragments).String(), nil
}

// Publish writes document as the release page of releaseID and refreshes
// the index pages. It returns the page path relative to the docs tree.
func (a *Aggregator) Publish(ctx context.Context, releaseID, document string) (string, error) {
	if a.publisher == nil {
		return "", fmt.Errorf("no documentation tree configured")
	}
	return a.publisher.Publish(ctx, releaseID, document)
}

// collect merges fragment files in path order. CHANGELOG.md files hold
// already released notes and are ignored.
func collect(files map[string]string) *Tree {
	paths := make([]string, 0, len(files))
	for p := range files {
		if path.Ext(p) != ".md" || path.Base(p) == "CHANGELOG.md" {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	t := &Tree{}
	for _, p := range paths {
		t.merge(Parse(files[p]))
	}
	return t
}

// Build lays out the release document from per-version fragment trees.
//
// The document has the sections Impact (one subsection per version),
// "NixOS <version> platform" per version, Documentation and Detailed
// Changes, in that order, nested under a "Release <id> (<date>)" heading
// and preceded by Publish Date front matter. Empty sections are dropped.
func Build(r Release, fragments map[string]*Tree) *Tree {
	versions := make([]string, 0, len(fragments))
	for v := range fragments {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	titles := []string{SectionImpact}
	for _, v := range versions {
		titles = append(titles, platformSection(v))
	}
	titles = append(titles, SectionDocumentation, SectionDetailedChanges)
	doc := NewTree(titles...)

	for _, v := range versions {
		frag := fragments[v].Clone()

		impact := frag.Section(SectionImpact)
		impact.AddHeader(v)
		frag.Rename(placeholderPlatform, platformSection(v))

		if detailed, ok := frag.Lookup(SectionDetailedChanges); ok && len(detailed.Entries) > 0 {
			items := make([]string, len(detailed.Entries))
			for i, e := range detailed.Entries {
				items[i] = strings.TrimPrefix(e, "- ")
			}
			detailed.Entries = []string{fmt.Sprintf("- NixOS %s: %s", v, strings.Join(items, ", "))}
		}

		doc.merge(frag)
	}

	doc.MoveToEnd(SectionDetailedChanges)
	doc.AddHeader(fmt.Sprintf("Release %s (%s)", r.ID, r.Date))
	doc.Entries = append([]string{fmt.Sprintf("---\nPublish Date: '%s'\n---", r.Date)}, doc.Entries...)
	doc.Strip()
	return doc
}

func platformSection(version string) string {
	return "NixOS " + version + " platform"
}
