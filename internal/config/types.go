// Package config provides configuration loading and management for fcrelease.
//
// Configuration is loaded using Viper, supporting YAML config files and
// environment variable overrides. The defaults describe the Flying Circus
// platform repository layout and work without any configuration file apart
// from the forge token.
//
// Key types:
//   - [Config] is the root configuration container with all settings
//   - [Loader] handles Viper-based configuration loading
//   - [Naming] expands branch, tag and URL templates
//   - [Secret] holds credentials redacted from logs and output
//
// Configuration priority (highest to lowest):
//  1. Environment variables (FCRELEASE_ prefix, GITHUB_TOKEN for the forge token)
//  2. Config file specified by FCRELEASE_CONFIG_PATH
//  3. User config directory (platform-standard):
//     - Linux: ~/.config/fcrelease/fcrelease.yaml
//     - macOS: ~/Library/Application Support/fcrelease/fcrelease.yaml
//     - Windows: %APPDATA%\fcrelease\fcrelease.yaml
//  4. ./fcrelease.yaml
//  5. [DefaultConfig] defaults
package config

import "time"

// Config represents the root configuration structure.
type Config struct {
	// StateDir holds one state file per release.
	// Default: "work/releases"
	StateDir string `mapstructure:"state_dir"`

	// Branches are the platform versions taking part in releases, in order.
	// Example: ["23.11", "24.05"]
	Branches []string `mapstructure:"branches"`

	// Repository describes the platform repository and its branch names.
	Repository RepositoryConfig `mapstructure:"repository"`

	// Forge configures the code forge API.
	Forge ForgeConfig `mapstructure:"forge"`

	// Doc configures changelog publication.
	Doc DocConfig `mapstructure:"doc"`

	// Tag configures release tags.
	Tag TagConfig `mapstructure:"tag"`

	// Log configures structured logging.
	Log LogConfig `mapstructure:"log"`
}

// RepositoryConfig describes the platform repository.
//
// Branch names are Go templates expanded with [NameData].
type RepositoryConfig struct {
	// Path is the local checkout, cloned from URL when missing.
	Path string `mapstructure:"path"`

	// URL is the remote repository.
	URL string `mapstructure:"url"`

	// Remote names the git remote. Default: "origin"
	Remote string `mapstructure:"remote"`

	// StagingBranch receives changes until they are released.
	// Default: "fc-{{.Version}}-staging"
	StagingBranch string `mapstructure:"staging_branch"`

	// ProductionBranch holds what is rolled out.
	// Default: "fc-{{.Version}}-production"
	ProductionBranch string `mapstructure:"production_branch"`

	// ReleaseBranch freezes the staging state of a release.
	// Default: "fc-{{.Version}}-release-{{.ReleaseID}}"
	ReleaseBranch string `mapstructure:"release_branch"`
}

// ForgeConfig configures the code forge.
type ForgeConfig struct {
	// Owner and Repo name the repository on the forge.
	Owner string `mapstructure:"owner"`
	Repo  string `mapstructure:"repo"`

	// Token authenticates API calls and HTTPS pushes.
	// Can be set with FCRELEASE_FORGE_TOKEN or GITHUB_TOKEN.
	Token Secret `mapstructure:"token"`

	// BaseURL overrides the API endpoint for GitHub Enterprise.
	BaseURL string `mapstructure:"base_url"`

	// PollInterval is the pause between pull request check polls.
	// Default: 30s
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// PollTimeout bounds the wait for pull request checks.
	// Default: 2h
	PollTimeout time.Duration `mapstructure:"poll_timeout"`

	// RateLimit caps forge API requests per second. Default: 10
	RateLimit float64 `mapstructure:"rate_limit"`
}

// DocConfig configures changelog publication.
type DocConfig struct {
	// Path is the checkout of the documentation repository.
	// Default: "work/doc"
	Path string `mapstructure:"path"`

	// URL is the remote documentation repository, cloned into Path when
	// missing. Published pages are committed and pushed there.
	URL string `mapstructure:"url"`

	// Branch is the published branch of the documentation repository.
	// Default: "master"
	Branch string `mapstructure:"branch"`

	// ChangelogURL is the public URL of a release page, a template expanded
	// with [NameData].
	ChangelogURL string `mapstructure:"changelog_url"`

	// FragmentsDir is the fragment directory in the platform repository.
	// Default: "changelog.d"
	FragmentsDir string `mapstructure:"fragments_dir"`
}

// TagConfig configures release tags.
type TagConfig struct {
	// Name is the tag template expanded with [NameData].
	// Default: "fc/r{{.ReleaseID}}/{{.Version}}"
	Name string `mapstructure:"name"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: "info"
	Level string `mapstructure:"level"`

	// Format is "console" or "json". Default: "console"
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a new [Config] with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StateDir: "work/releases",
		Branches: []string{},
		Repository: RepositoryConfig{
			Path:             "work/fc-nixos",
			URL:              "git@github.com:flyingcircusio/fc-nixos.git",
			Remote:           "origin",
			StagingBranch:    "fc-{{.Version}}-staging",
			ProductionBranch: "fc-{{.Version}}-production",
			ReleaseBranch:    "fc-{{.Version}}-release-{{.ReleaseID}}",
		},
		Forge: ForgeConfig{
			Owner:        "flyingcircusio",
			Repo:         "fc-nixos",
			PollInterval: 30 * time.Second,
			PollTimeout:  2 * time.Hour,
			RateLimit:    10,
		},
		Doc: DocConfig{
			Path:         "work/doc",
			URL:          "git@github.com:flyingcircusio/doc.git",
			Branch:       "master",
			ChangelogURL: "https://doc.flyingcircus.io/platform/changes/{{.Year}}/r{{.Number}}.html",
			FragmentsDir: "changelog.d",
		},
		Tag: TagConfig{
			Name: "fc/r{{.ReleaseID}}/{{.Version}}",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
