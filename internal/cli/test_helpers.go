package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"fcrelease/internal/config"
	"fcrelease/internal/executor"
	"fcrelease/internal/logging"
	"fcrelease/internal/output"
	"fcrelease/internal/releasetest"
	"fcrelease/internal/state"
)

// MockDocs implements ReleaseIndex for testing.
type MockDocs struct {
	// Latest is the release reported as published.
	Latest string
	Syncs  int
}

func (m *MockDocs) Sync(ctx context.Context) error {
	m.Syncs++
	return nil
}

func (m *MockDocs) LatestRelease() (string, error) {
	return m.Latest, nil
}

// testEnv is an App wired to in-memory collaborators.
type testEnv struct {
	app       *App
	out       *bytes.Buffer
	store     *state.Store
	vcs       *releasetest.MockVCS
	forge     *releasetest.MockForge
	changelog *releasetest.MockChangelog
	docs      *MockDocs
	connects  int
}

// wednesday is 2024-03-13; the following Monday is 2024-03-18.
var wednesday = time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, unchanged ...string) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.Branches = []string{"23.11", "24.05"}
	cfg.Forge.PollInterval = time.Millisecond
	cfg.Forge.PollTimeout = 50 * time.Millisecond

	env := &testEnv{
		out:       &bytes.Buffer{},
		store:     state.NewStore(cfg.StateDir),
		vcs:       releasetest.NewMockVCS(cfg.Branches, unchanged...),
		forge:     releasetest.NewMockForge(),
		changelog: releasetest.NewMockChangelog(),
		docs:      &MockDocs{},
	}
	env.app = &App{
		Config:  cfg,
		Printer: output.NewPrinterWithWriter(env.out),
		Logger:  logging.Nop(),
		Store:   env.store,
		Naming:  releasetest.Naming(),
		Connect: func(ctx context.Context, app *App) (*Services, error) {
			env.connects++
			return &Services{
				Collaborators: executor.Collaborators{VCS: env.vcs, Forge: env.forge, Changelog: env.changelog},
				Docs:          env.docs,
			}, nil
		},
		Now: func() time.Time { return wednesday },
	}
	return env
}

// run executes the command line and returns its result.
func (env *testEnv) run(args ...string) ExecuteResult {
	env.out.Reset()
	return Run(context.Background(), env.app, args)
}

func (env *testEnv) load(t *testing.T, releaseID string) *state.ReleaseState {
	t.Helper()
	rs, err := env.store.Load(releaseID)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return rs
}
