package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fcrelease/internal/changelog"
	"fcrelease/internal/config"
	"fcrelease/internal/executor"
	"fcrelease/internal/forge"
	"fcrelease/internal/vcs"
)

var (
	_ executor.VersionControl  = (*vcs.Repository)(nil)
	_ executor.Forge           = (*forge.Client)(nil)
	_ executor.Changelog       = (*changelog.Aggregator)(nil)
	_ executor.Naming          = (*config.Naming)(nil)
	_ changelog.FragmentSource = (*vcs.Repository)(nil)
	_ changelog.DocsRepository = (*vcs.Docs)(nil)
	_ ReleaseIndex             = (*changelog.Publisher)(nil)
)

// connect opens the real collaborators described by the configuration.
func connect(ctx context.Context, app *App) (*Services, error) {
	cfg := app.Config

	repoOpts := vcs.Options{
		Path:   cfg.Repository.Path,
		URL:    cfg.Repository.URL,
		Remote: cfg.Repository.Remote,
		Logger: app.Logger.Named("vcs"),
	}
	if cfg.Repository.URL != "" {
		auth, err := vcs.AuthFor(cfg.Repository.URL, cfg.Forge.Token)
		if err != nil {
			return nil, err
		}
		repoOpts.Auth = auth
	}

	repo, err := vcs.Open(ctx, repoOpts)
	if err != nil {
		return nil, fmt.Errorf("open platform repository: %w", err)
	}

	client, err := forge.NewClient(ctx, forge.Options{
		Owner:     cfg.Forge.Owner,
		Repo:      cfg.Forge.Repo,
		Token:     cfg.Forge.Token,
		BaseURL:   cfg.Forge.BaseURL,
		RateLimit: cfg.Forge.RateLimit,
		Logger:    app.Logger.Named("forge"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to forge (set FCRELEASE_FORGE_TOKEN or GITHUB_TOKEN): %w", err)
	}

	docOpts := vcs.DocsOptions{
		Path:   cfg.Doc.Path,
		URL:    cfg.Doc.URL,
		Remote: cfg.Repository.Remote,
		Branch: cfg.Doc.Branch,
		Logger: app.Logger.Named("doc"),
	}
	if cfg.Doc.URL != "" {
		auth, err := vcs.AuthFor(cfg.Doc.URL, cfg.Forge.Token)
		if err != nil {
			return nil, err
		}
		docOpts.Auth = auth
	}
	docs, err := vcs.OpenDocs(ctx, docOpts)
	if err != nil {
		return nil, fmt.Errorf("open documentation repository: %w", err)
	}

	publisher := changelog.NewPublisher(docs.Dir(), docs, app.Logger.Named("doc"))
	aggregator := changelog.NewAggregator(repo, cfg.Doc.FragmentsDir, publisher, app.Logger.Named("doc"))

	app.Logger.Debug("connected collaborators",
		zap.String("repository", cfg.Repository.Path),
		zap.String("forge", cfg.Forge.Owner+"/"+cfg.Forge.Repo),
		zap.String("docs", cfg.Doc.Path),
	)

	return &Services{
		Collaborators: executor.Collaborators{VCS: repo, Forge: client, Changelog: aggregator},
		Docs:          publisher,
	}, nil
}
