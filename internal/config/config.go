package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appName        = "fcrelease"
	configFileName = "fcrelease.yaml"
	envPrefix      = "FCRELEASE"
)

// Loader handles Viper-based configuration loading.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader with a fresh Viper instance.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// Load reads the configuration from the first config file found in the
// search order, applies environment overrides and falls back to
// [DefaultConfig] for anything unset. A missing config file is not an error.
func (l *Loader) Load() (*Config, error) {
	l.setup()

	if path := l.findConfigFile(); path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return l.unmarshal()
}

// LoadFromFile reads the configuration from path, applying environment
// overrides and defaults like [Loader.Load].
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.setup()

	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return l.unmarshal()
}

func (l *Loader) setup() {
	defaults := DefaultConfig()
	l.v.SetDefault("state_dir", defaults.StateDir)
	l.v.SetDefault("branches", defaults.Branches)
	l.v.SetDefault("repository.path", defaults.Repository.Path)
	l.v.SetDefault("repository.url", defaults.Repository.URL)
	l.v.SetDefault("repository.remote", defaults.Repository.Remote)
	l.v.SetDefault("repository.staging_branch", defaults.Repository.StagingBranch)
	l.v.SetDefault("repository.production_branch", defaults.Repository.ProductionBranch)
	l.v.SetDefault("repository.release_branch", defaults.Repository.ReleaseBranch)
	l.v.SetDefault("forge.owner", defaults.Forge.Owner)
	l.v.SetDefault("forge.repo", defaults.Forge.Repo)
	l.v.SetDefault("forge.token", "")
	l.v.SetDefault("forge.base_url", defaults.Forge.BaseURL)
	l.v.SetDefault("forge.poll_interval", defaults.Forge.PollInterval)
	l.v.SetDefault("forge.rate_limit", defaults.Forge.RateLimit)
	l.v.SetDefault("forge.poll_timeout", defaults.Forge.PollTimeout)
	l.v.SetDefault("doc.path", defaults.Doc.Path)
	l.v.SetDefault("doc.url", defaults.Doc.URL)
	l.v.SetDefault("doc.branch", defaults.Doc.Branch)
	l.v.SetDefault("doc.changelog_url", defaults.Doc.ChangelogURL)
	l.v.SetDefault("doc.fragments_dir", defaults.Doc.FragmentsDir)
	l.v.SetDefault("tag.name", defaults.Tag.Name)
	l.v.SetDefault("log.level", defaults.Log.Level)
	l.v.SetDefault("log.format", defaults.Log.Format)

	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	_ = l.v.BindEnv("forge.token", envPrefix+"_FORGE_TOKEN", "GITHUB_TOKEN")
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return &cfg, nil
}

// findConfigFile returns the first existing config file in the search
// order, or "" when there is none.
func (l *Loader) findConfigFile() string {
	if path := os.Getenv(envPrefix + "_CONFIG_PATH"); path != "" {
		return path
	}

	candidates := []string{}
	if path, err := DefaultConfigPath(); err == nil {
		candidates = append(candidates, path)
	}
	candidates = append(candidates, configFileName)

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ConfigDir returns the platform-standard configuration directory.
func ConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(dir, appName), nil
}

// DefaultConfigPath returns the config file path in [ConfigDir].
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	var problems []string
	if c.StateDir == "" {
		problems = append(problems, "state_dir is empty")
	}
	if c.Repository.Path == "" {
		problems = append(problems, "repository.path is empty")
	}
	if c.Doc.Path == "" {
		problems = append(problems, "doc.path is empty")
	}
	if c.Forge.PollInterval <= 0 {
		problems = append(problems, "forge.poll_interval must be positive")
	}
	if c.Forge.PollTimeout < c.Forge.PollInterval {
		problems = append(problems, "forge.poll_timeout must not be shorter than forge.poll_interval")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	if _, err := NewNaming(c); err != nil {
		return err
	}
	return nil
}
