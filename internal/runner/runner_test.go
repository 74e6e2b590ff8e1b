package runner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/codetrace/internal/adapters"
	"github.com/ctagard/codetrace/internal/config"
	"github.com/ctagard/codetrace/internal/dap"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/launchconfig"
	"github.com/ctagard/codetrace/pkg/types"
)

const sum = "x = a + b\nprint(x)\n"

func newRunner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	cfg := config.DefaultConfig()
	return New(adapters.NewRegistry(cfg), append([]Option{WithLimits(cfg.Limits)}, opts...)...)
}

func TestExecute_Run(t *testing.T) {
	r := newRunner(t)
	report, err := r.Execute(context.Background(), &Job{
		Kind:     types.BuildRun,
		Language: types.LanguageLua,
		Title:    "sum.lua",
		Source:   sum,
		Inputs:   map[string]any{"a": 1, "b": 2},
		Outputs:  []string{"x"},
		Repeat:   3,
	})
	require.NoError(t, err)
	require.Len(t, report.Runs, 3)
	assert.False(t, report.Failed())
	assert.NotEmpty(t, report.Group)

	for _, run := range report.Runs {
		assert.Equal(t, OutcomeOK, run.Outcome)
		assert.Equal(t, map[string]any{"x": int64(3)}, run.Outputs)
		assert.Equal(t, "3\n", run.Stdout)
		assert.Equal(t, report.Group, run.Context.Parent)
	}
	assert.Nil(t, report.Recorder)
}

func TestExecute_Debug(t *testing.T) {
	sm := dap.NewSessionManager(10, time.Minute, zerolog.Nop())
	defer sm.Close()
	r := newRunner(t, WithSessions(sm))

	report, err := r.Execute(context.Background(), &Job{
		Kind:        types.BuildDebug,
		Language:    types.LanguageLua,
		Title:       "sum.lua",
		Source:      sum,
		Inputs:      map[string]any{"a": 1, "b": 2},
		Breakpoints: []launchconfig.BreakpointConfig{{Line: 2}},
		Repeat:      2,
	})
	require.NoError(t, err)
	require.Len(t, report.Runs, 2)

	ids := report.SessionIDs()
	require.Len(t, ids, 2)
	for _, run := range report.Runs {
		assert.Equal(t, OutcomeOK, run.Outcome)
		require.Len(t, run.Pauses, 1)
		assert.Equal(t, "breakpoint", run.Pauses[0].Stopped.Reason)
		assert.Equal(t, 2, run.Pauses[0].StackTrace.StackFrames[0].Line)
		assert.Equal(t, run.Context, run.Pauses[0].Context)

		s, err := sm.GetSession(run.SessionID)
		require.NoError(t, err)
		assert.Equal(t, dap.StatusCompleted, s.Status())
		assert.Equal(t, report.Group, s.GetInfo().Group)
	}

	compound, ok := sm.GetCompoundSession(report.Group)
	require.True(t, ok)
	assert.ElementsMatch(t, ids, compound.SessionIDs)
}

func TestExecute_DebugStop(t *testing.T) {
	sm := dap.NewSessionManager(10, time.Minute, zerolog.Nop())
	defer sm.Close()
	r := newRunner(t, WithSessions(sm))

	report, err := r.Execute(context.Background(), &Job{
		Kind:        types.BuildDebug,
		Language:    types.LanguageLua,
		Title:       "sum.lua",
		Source:      sum,
		Inputs:      map[string]any{"a": 1, "b": 2},
		Breakpoints: []launchconfig.BreakpointConfig{{Line: 1}},
		Actions:     []types.DebugAction{types.ActionStop},
	})
	require.NoError(t, err)
	run := report.Runs[0]
	assert.Equal(t, OutcomeStopped, run.Outcome)
	assert.False(t, report.Failed())
	assert.Empty(t, run.Stdout)

	s, err := sm.GetSession(run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, dap.StatusStopped, s.Status())
	_, ok := sm.GetCompoundSession(report.Group)
	assert.False(t, ok, "a single child is not tracked as a compound")
}

func TestExecute_Profile(t *testing.T) {
	r := newRunner(t)
	report, err := r.Execute(context.Background(), &Job{
		Kind:     types.BuildProfile,
		Language: types.LanguageLua,
		Title:    "sum.lua",
		Source:   sum,
		Inputs:   map[string]any{"a": 1, "b": 2},
		Repeat:   2,
	})
	require.NoError(t, err)
	require.NotNil(t, report.Recorder)
	assert.Equal(t, []int{1, 2}, report.Coverage)
	assert.Equal(t, 2, report.Recorder.GetRunCount())

	groups := report.Recorder.GetGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, report.Group, groups[0].ID)
	assert.True(t, groups[0].Closed)
}

func TestExecute_Failures(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, &Job{Kind: types.BuildRun, Language: types.LanguageLua, Title: "bad.lua", Source: "x = = 1"})
	assert.True(t, errors.IsCompile(err))

	_, err = r.Execute(ctx, &Job{Kind: types.BuildRun, Language: "python", Title: "p.py", Source: "x = 1"})
	assert.Equal(t, errors.CodeAdapterNotSupported, errors.CodeOf(err))

	_, err = r.Execute(ctx, &Job{
		Kind: types.BuildDebug, Language: types.LanguageLua, Title: "s.lua", Source: sum,
		Breakpoints: []launchconfig.BreakpointConfig{{Line: 1, Condition: "a >"}},
	})
	assert.Equal(t, errors.CodeInvalidParameter, errors.CodeOf(err))

	report, err := r.Execute(ctx, &Job{Kind: types.BuildRun, Language: types.LanguageLua, Title: "nil.lua", Source: sum})
	require.NoError(t, err)
	assert.True(t, report.Failed())
	require.NotNil(t, report.Runs[0].Error)
	assert.Equal(t, errors.CodeExecuteFailed, report.Runs[0].Error.Code)
}

func TestFromConfiguration(t *testing.T) {
	resolved, err := launchconfig.ResolveConfiguration(&launchconfig.Configuration{
		Name:        "double",
		Request:     "debug",
		Language:    "cel",
		Source:      "x = a * 2\n",
		Inputs:      map[string]any{"a": 4},
		Outputs:     []string{"x"},
		Breakpoints: []launchconfig.BreakpointConfig{{Line: 1}},
		Actions:     []string{"continue"},
	}, nil)
	require.NoError(t, err)

	j := FromConfiguration(resolved)
	assert.Equal(t, types.BuildDebug, j.Kind)
	assert.Equal(t, "double", j.Title)

	report, err := newRunner(t).Execute(context.Background(), j)
	require.NoError(t, err)
	require.Len(t, report.Runs, 1)
	assert.Equal(t, map[string]any{"x": int64(8)}, report.Runs[0].Outputs)
	assert.Len(t, report.Runs[0].Pauses, 1)
}
