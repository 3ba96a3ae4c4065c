package config

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// NameData contains data for branch, tag and URL template expansion.
//
// Fields are accessible in templates using {{.FieldName}} syntax.
type NameData struct {
	// Version is the platform version, e.g. "23.11".
	Version string

	// ReleaseID is the release identifier, e.g. "2024_012".
	ReleaseID string

	// Year and Number are the two parts of ReleaseID, e.g. "2024" and "012".
	Year   string
	Number string
}

func newNameData(version, releaseID string) NameData {
	year, number, _ := strings.Cut(releaseID, "_")
	return NameData{Version: version, ReleaseID: releaseID, Year: year, Number: number}
}

// Naming expands the configured name templates.
type Naming struct {
	staging      *template.Template
	production   *template.Template
	release      *template.Template
	tag          *template.Template
	changelogURL *template.Template
}

// NewNaming compiles the name templates of cfg. Every template is expanded
// once with sample data so that errors surface here and not mid-release.
func NewNaming(cfg *Config) (*Naming, error) {
	n := &Naming{}
	for _, t := range []struct {
		key  string
		text string
		dst  **template.Template
	}{
		{"repository.staging_branch", cfg.Repository.StagingBranch, &n.staging},
		{"repository.production_branch", cfg.Repository.ProductionBranch, &n.production},
		{"repository.release_branch", cfg.Repository.ReleaseBranch, &n.release},
		{"tag.name", cfg.Tag.Name, &n.tag},
		{"doc.changelog_url", cfg.Doc.ChangelogURL, &n.changelogURL},
	} {
		if t.text == "" {
			return nil, fmt.Errorf("%s is empty", t.key)
		}
		tmpl, err := template.New(t.key).Option("missingkey=error").Parse(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid template %s: %w", t.key, err)
		}
		if _, err := ExpandTemplate(tmpl, newNameData("00.00", "2000_001")); err != nil {
			return nil, fmt.Errorf("invalid template %s: %w", t.key, err)
		}
		*t.dst = tmpl
	}
	return n, nil
}

// ExpandTemplate executes tmpl with data.
func ExpandTemplate(tmpl *template.Template, data NameData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (n *Naming) expand(tmpl *template.Template, version, releaseID string) string {
	// Templates were checked by NewNaming and NameData has no failing fields.
	s, _ := ExpandTemplate(tmpl, newNameData(version, releaseID))
	return s
}

// StagingBranch returns the staging branch of version.
func (n *Naming) StagingBranch(version string) string {
	return n.expand(n.staging, version, "")
}

// ProductionBranch returns the production branch of version.
func (n *Naming) ProductionBranch(version string) string {
	return n.expand(n.production, version, "")
}

// ReleaseBranch returns the release branch of version in releaseID.
func (n *Naming) ReleaseBranch(version, releaseID string) string {
	return n.expand(n.release, version, releaseID)
}

// TagName returns the release tag of version in releaseID.
func (n *Naming) TagName(version, releaseID string) string {
	return n.expand(n.tag, version, releaseID)
}

// ChangelogURL returns the public changelog page of releaseID.
func (n *Naming) ChangelogURL(releaseID string) string {
	return n.expand(n.changelogURL, "", releaseID)
}
