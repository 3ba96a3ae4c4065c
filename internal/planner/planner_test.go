package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fcrelease/internal/state"
	"fcrelease/internal/step"
)

// MockDetector reports changes for every branch except those listed in
// Unchanged, and fails for those listed in Failing.
type MockDetector struct {
	Unchanged map[string]bool
	Failing   map[string]bool
	Calls     []string
}

func (m *MockDetector) HasChanges(ctx context.Context, branch string) (bool, error) {
	m.Calls = append(m.Calls, branch)
	if m.Failing[branch] {
		return false, errors.New("fetch failed")
	}
	return !m.Unchanged[branch], nil
}

var branches = []string{"23.11", "24.05"}

func actionNames(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.String()
		if a.Skip {
			out[i] += "=skip"
		}
	}
	return out
}

func stateWith(records ...state.Record) *state.ReleaseState {
	rs := state.New("2024_012")
	for _, r := range records {
		rs.Set(r)
	}
	return rs
}

func done(k step.Kind, branch string) state.Record {
	return state.Record{Step: k, Branch: branch, Status: state.StatusDone}
}

func TestPlan_FullCatalogOrder(t *testing.T) {
	p := New(&MockDetector{}, nil)

	actions, err := p.Plan(context.Background(), state.New("2024_012"), Request{Branches: branches})

	require.NoError(t, err)
	assert.Equal(t, []string{
		"init",
		"add-branch(23.11)", "add-branch(24.05)",
		"test-branch(23.11)", "test-branch(24.05)",
		"doc", "tag",
	}, actionNames(actions))
}

func TestPlan_SkipsCompletedSteps(t *testing.T) {
	rs := stateWith(
		done(step.Init, ""),
		done(step.AddBranch, "23.11"),
		state.Record{Step: step.AddBranch, Branch: "24.05", Status: state.StatusSkipped},
		state.Record{Step: step.TestBranch, Branch: "23.11", Status: state.StatusFailed, Cause: "forge error"},
	)
	p := New(&MockDetector{}, nil)

	actions, err := p.Plan(context.Background(), rs, Request{Branches: branches})

	require.NoError(t, err)
	assert.Equal(t, []string{
		"test-branch(23.11)", "test-branch(24.05)=skip", "doc", "tag",
	}, actionNames(actions))
}

func TestPlan_Idempotence(t *testing.T) {
	p := New(&MockDetector{}, nil)
	rs := state.New("2024_012")

	actions, err := p.Plan(context.Background(), rs, Request{Branches: branches})
	require.NoError(t, err)

	for _, a := range actions {
		status := state.StatusDone
		if a.Skip {
			status = state.StatusSkipped
		}
		rs.Set(state.Record{Step: a.Step, Branch: a.Branch, Status: status})
	}

	again, err := p.Plan(context.Background(), rs, Request{Branches: branches})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPlan_SkipRule(t *testing.T) {
	detector := &MockDetector{Unchanged: map[string]bool{"24.05": true}}
	p := New(detector, nil)

	actions, err := p.Plan(context.Background(), state.New("2024_012"), Request{Branches: branches})

	require.NoError(t, err)
	assert.Equal(t, []string{
		"init",
		"add-branch(23.11)", "add-branch(24.05)=skip",
		"test-branch(23.11)", "test-branch(24.05)=skip",
		"doc", "tag",
	}, actionNames(actions))
	assert.Contains(t, actions[2].Reason, "no changes")
	assert.Contains(t, actions[4].Reason, "add-branch(24.05)")
	assert.Equal(t, []string{"23.11", "24.05"}, detector.Calls, "detector is only asked for add-branch")
}

func TestPlan_SkipPropagationFromState(t *testing.T) {
	rs := stateWith(
		done(step.Init, ""),
		state.Record{Step: step.AddBranch, Branch: "24.05", Status: state.StatusSkipped},
	)
	p := New(&MockDetector{}, nil)

	actions, err := p.Plan(context.Background(), rs, Request{Steps: []step.Kind{step.TestBranch}, Branches: []string{"24.05"}})

	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.True(t, actions[0].Skip, "test-branch must never execute for a skipped branch")
}

func TestPlan_DetectorFailureLeavesActionRunnable(t *testing.T) {
	p := New(&MockDetector{Failing: map[string]bool{"23.11": true}}, nil)

	actions, err := p.Plan(context.Background(), state.New("2024_012"), Request{Branches: []string{"23.11"}})

	require.NoError(t, err)
	require.GreaterOrEqual(t, len(actions), 2)
	assert.Equal(t, "add-branch(23.11)", actions[1].String())
	assert.False(t, actions[1].Skip)
}

func TestPlan_NilDetectorNeverSkips(t *testing.T) {
	p := New(nil, nil)

	actions, err := p.Plan(context.Background(), state.New("2024_012"), Request{Branches: branches})

	require.NoError(t, err)
	for _, a := range actions {
		assert.False(t, a.Skip, a.String())
	}
}

func TestPlan_GlobalStepsNeverPrecedePendingBranchSteps(t *testing.T) {
	states := []*state.ReleaseState{
		state.New("2024_012"),
		stateWith(done(step.Init, "")),
		stateWith(done(step.Init, ""), done(step.AddBranch, "23.11")),
		stateWith(done(step.Init, ""), done(step.AddBranch, "23.11"), done(step.AddBranch, "24.05"), done(step.TestBranch, "24.05")),
	}

	p := New(&MockDetector{}, nil)
	for _, rs := range states {
		actions, err := p.Plan(context.Background(), rs, Request{Branches: branches})
		require.NoError(t, err)

		seenGlobalTail := false
		for _, a := range actions {
			if a.Step == step.Doc || a.Step == step.Tag {
				seenGlobalTail = true
				continue
			}
			assert.False(t, seenGlobalTail, "%s planned after doc/tag", a)
		}
	}
}

func TestPlan_RequestedStep(t *testing.T) {
	tests := []struct {
		name    string
		rs      *state.ReleaseState
		req     Request
		want    []string
		wantErr string
	}{
		{
			name: "add-branch for one branch",
			rs:   stateWith(done(step.Init, "")),
			req:  Request{Steps: []step.Kind{step.AddBranch}, Branches: []string{"24.05"}},
			want: []string{"add-branch(24.05)"},
		},
		{
			name:    "add-branch before init",
			rs:      state.New("2024_012"),
			req:     Request{Steps: []step.Kind{step.AddBranch}, Branches: []string{"24.05"}},
			wantErr: "cannot run add-branch(24.05): init is pending",
		},
		{
			name:    "test-branch before add-branch",
			rs:      stateWith(done(step.Init, "")),
			req:     Request{Steps: []step.Kind{step.TestBranch}, Branches: []string{"23.11"}},
			wantErr: "cannot run test-branch(23.11): add-branch(23.11) is pending",
		},
		{
			name: "doc with a failed branch",
			rs: stateWith(
				done(step.Init, ""),
				done(step.AddBranch, "23.11"), done(step.AddBranch, "24.05"),
				done(step.TestBranch, "23.11"),
				state.Record{Step: step.TestBranch, Branch: "24.05", Status: state.StatusFailed},
			),
			req:     Request{Steps: []step.Kind{step.Doc}, Branches: branches},
			wantErr: "cannot run doc: test-branch(24.05) is failed",
		},
		{
			name:    "tag before doc",
			rs:      stateWith(done(step.Init, "")),
			req:     Request{Steps: []step.Kind{step.Tag}, Branches: branches},
			wantErr: "cannot run tag: doc is pending",
		},
		{
			name: "add and test together",
			rs:   stateWith(done(step.Init, "")),
			req:  Request{Steps: []step.Kind{step.TestBranch, step.AddBranch}, Branches: []string{"23.11"}},
			want: []string{"add-branch(23.11)", "test-branch(23.11)"},
		},
		{
			name: "init already done",
			rs:   stateWith(done(step.Init, "")),
			req:  Request{Steps: []step.Kind{step.Init}, Branches: branches},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(&MockDetector{}, nil)

			actions, err := p.Plan(context.Background(), tt.rs, tt.req)

			if tt.wantErr != "" {
				var pe *PrerequisiteError
				require.True(t, errors.As(err, &pe), "expected PrerequisiteError, got %v", err)
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, actionNames(actions))
		})
	}
}

func TestCheckPrerequisites_TagRequiresEverythingComplete(t *testing.T) {
	rs := stateWith(
		done(step.Init, ""),
		done(step.AddBranch, "23.11"),
		done(step.TestBranch, "23.11"),
		done(step.Doc, ""),
	)
	assert.NoError(t, CheckPrerequisites(rs, Action{Step: step.Tag}, []string{"23.11"}))

	rs.Set(state.Record{Step: step.AddBranch, Branch: "21.05", Status: state.StatusFailed})
	err := CheckPrerequisites(rs, Action{Step: step.Tag}, []string{"23.11"})
	assert.EqualError(t, err, "cannot run tag: add-branch(21.05) is failed")
}

func TestCheckPrerequisites_NothingButTagAfterTagging(t *testing.T) {
	rs := stateWith(
		done(step.Init, ""),
		done(step.AddBranch, "23.11"),
		done(step.TestBranch, "23.11"),
		done(step.Doc, ""),
		state.Record{Step: step.Tag, Status: state.StatusFailed, Cause: "bad gateway"},
	)
	all := []string{"23.11", "24.05"}

	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{name: "new branch", action: Action{Step: step.AddBranch, Branch: "24.05"}, wantErr: true},
		{name: "doc again", action: Action{Step: step.Doc}, wantErr: true},
		{name: "tag retry", action: Action{Step: step.Tag}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPrerequisites(rs, tt.action, []string{"23.11"})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrReleaseTagged)
				assert.Contains(t, err.Error(), "tag is failed")
				return
			}
			assert.NoError(t, err)
		})
	}

	assert.ErrorIs(t, CheckPrerequisites(rs, Action{Step: step.AddBranch, Branch: "24.05"}, all), ErrReleaseTagged)
}
