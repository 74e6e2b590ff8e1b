package execution

import (
	"bytes"
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ctagard/codetrace/internal/adapters"
	"github.com/ctagard/codetrace/internal/config"
	"github.com/ctagard/codetrace/internal/controls"
	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/metrics"
	"github.com/ctagard/codetrace/internal/profiler"
	"github.com/ctagard/codetrace/pkg/types"
)

const sumSource = "x = a + b + 42\n"

func newCode(t *testing.T, lang types.Language, source string, opts ...CodeOption) *Code {
	t.Helper()
	c, err := NewCode(adapters.NewRegistry(config.DefaultConfig()), lang, "test", source, opts...)
	require.NoError(t, err)
	return c
}

// eventLog records pauses and every event a thread reports, and continues
type eventLog struct {
	debug.Base

	mu     sync.Mutex
	pauses []types.ExecFrame
	events []types.ExecEvent
	pushes int
	pops   int
}

func (l *eventLog) Pause(p *debug.Pause) types.DebugAction {
	l.mu.Lock()
	l.pauses = append(l.pauses, p.Frame)
	l.mu.Unlock()
	return types.ActionContinue
}

func (l *eventLog) FramePushed(f types.ExecFrame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, f.Event)
	l.pushes++
}

func (l *eventLog) FrameSwapped(_, pushed types.ExecFrame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, pushed.Event)
}

func (l *eventLog) FramePopped(types.ExecFrame, types.ExecFrame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pops++
}

func setInputs(t *testing.T, rc *RunContext, kv map[string]any) {
	t.Helper()
	for k, v := range kv {
		require.NoError(t, rc.Inputs.Set(k, v))
	}
}

func TestScenarioA_BreakpointSeesInputs(t *testing.T) {
	for _, lang := range []types.Language{types.LanguageLua, types.LanguageCEL} {
		t.Run(string(lang), func(t *testing.T) {
			code := newCode(t, lang, sumSource)
			verify := controls.NewVerifyVars(debug.NewBreakpoint(code.Ref(), 1), map[string]any{"a": 21, "b": 21})

			dc := NewDebugContext("scenario-a", verify, "x")
			dc.AutoApplyParams = true
			setInputs(t, &dc.RunContext, map[string]any{"a": 21, "b": 21})

			require.NoError(t, code.Debug(context.Background(), dc))
			require.NoError(t, verify.Err())
			assert.Equal(t, 1, verify.Verified())

			x, _ := dc.Outputs.Get("x")
			assert.Equal(t, int64(84), x)
			assert.False(t, dc.Identity().IsUnknown())
			assert.Empty(t, dc.Identity().Parent)
		})
	}
}

func TestScenarioB_DebugGroupSharesIdentity(t *testing.T) {
	code := newCode(t, types.LanguageLua, sumSource)
	rec := profiler.NewRecorder()
	ctrl := controls.NewContinueAll()
	ctrl.Breakpoints().Add(debug.NewBreakpoint(code.Ref(), 1))

	g, err := code.DebugWith("scenario-b", GroupProfiler(rec))
	require.NoError(t, err)

	var contexts []*DebugContext
	for i := 0; i < 3; i++ {
		dc := NewDebugContext("child", ctrl, "x")
		dc.AutoApplyParams = true
		setInputs(t, &dc.RunContext, map[string]any{"a": 21 + i, "b": 21})
		require.NoError(t, code.Debug(context.Background(), dc))
		contexts = append(contexts, dc)
	}
	require.NoError(t, g.Close())

	for i, dc := range contexts {
		assert.True(t, dc.Identity().IsChildOf(g.Identity()))
		x, _ := dc.Outputs.Get("x")
		assert.Equal(t, int64(84+i), x)
	}
	assert.Equal(t, 3, ctrl.Count())

	assert.Equal(t, 3, rec.GetRunCount())
	groups := rec.GetGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, g.ID(), groups[0].ID)
	assert.Equal(t, []int{0, 1, 2}, groups[0].Runs)
	assert.True(t, groups[0].Closed)
	for run := 0; run < 3; run++ {
		assert.Equal(t, g.ID(), rec.GetLastContextOf(run).Parent)
	}
	assert.Equal(t, []int{1}, rec.Coverage(code.Ref()))
}

func TestScenarioB_ParallelChildren(t *testing.T) {
	code := newCode(t, types.LanguageLua, sumSource, WithConcurrency(2))
	rec := profiler.NewRecorder()
	ctrl := controls.NewContinueAll()
	ctrl.Breakpoints().Add(debug.NewBreakpoint(code.Ref(), 1))

	g, err := code.ProfileWith("parallel", rec, GroupControls(ctrl))
	require.NoError(t, err)

	contexts := make([]*DebugContext, 3)
	for i := range contexts {
		dc := NewDebugContext("child", nil, "x")
		dc.AutoApplyParams = true
		setInputs(t, &dc.RunContext, map[string]any{"a": 21 + i, "b": 21})
		contexts[i] = dc
		g.Go(context.Background(), func(ctx context.Context) error {
			return g.Debug(ctx, dc)
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, g.Close())

	assert.Equal(t, 3, ctrl.Count(), "group controls serve children without their own")
	assert.Equal(t, 3, rec.GetRunCount())
	groups := rec.GetGroups()
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Runs, 3)

	seen := make(map[string]bool)
	for i, dc := range contexts {
		id := dc.Identity()
		assert.Equal(t, g.ID(), id.Parent)
		seen[id.ID] = true
		x, _ := dc.Outputs.Get("x")
		assert.Equal(t, int64(84+i), x)
	}
	assert.Len(t, seen, 3, "every child gets its own identity")
}

func TestScenarioC_ExceptionAfterBreakpoint(t *testing.T) {
	src := `local n = 1
error("boom")
`
	code := newCode(t, types.LanguageLua, src)
	log := &eventLog{}
	log.Breakpoints().Add(debug.NewBreakpoint(code.Ref(), 1))

	err := code.Debug(context.Background(), NewDebugContext("scenario-c", log))
	require.Error(t, err)
	assert.True(t, errors.IsExecute(err))
	assert.False(t, errors.IsStopped(err))

	require.Len(t, log.pauses, 1)
	assert.Equal(t, 1, log.pauses[0].Pos.Line)
	assert.Contains(t, log.events, types.EventException)
	assert.Equal(t, log.pushes, log.pops)
}

func TestRunGroupExists(t *testing.T) {
	code := newCode(t, types.LanguageLua, sumSource, WithControls(controls.NewContinueAll()), WithProfiler(profiler.NewRecorder()))

	g, err := code.RunWith("runs")
	require.NoError(t, err)
	assert.Same(t, g, code.OpenGroup())

	checks := map[string]func() error{
		"debug":        func() error { return code.Debug(context.Background(), NewDebugContext("d", nil)) },
		"profile":      func() error { return code.Profile(context.Background(), NewProfileContext("p", nil)) },
		"debug group":  func() error { _, err := code.DebugWith("d"); return err },
		"group debug":  func() error { return g.Debug(context.Background(), NewDebugContext("d", nil)) },
		"profile with": func() error { _, err := code.ProfileWith("p", nil); return err },
	}
	for name, fn := range checks {
		t.Run(name, func(t *testing.T) {
			err := fn()
			require.Error(t, err)
			assert.Equal(t, errors.CodeRunGroupExists, errors.CodeOf(err))

			var de *errors.DebugError
			require.True(t, stderrors.As(err, &de))
			assert.Equal(t, string(types.BuildRun), de.Details["buildKind"])
		})
	}

	rc := NewRunContext("child")
	setInputs(t, rc, map[string]any{"a": 1, "b": 2})
	require.NoError(t, code.Run(context.Background(), rc))
	assert.Equal(t, g.ID(), rc.Identity().Parent)

	require.NoError(t, g.Close())
	assert.Nil(t, code.OpenGroup())

	dc := NewDebugContext("d", nil)
	setInputs(t, &dc.RunContext, map[string]any{"a": 1, "b": 2})
	assert.NoError(t, code.Debug(context.Background(), dc), "the code's controls serve contexts without their own")
}

func TestMissingControlsAndProfiler(t *testing.T) {
	code := newCode(t, types.LanguageLua, sumSource)

	err := code.Debug(context.Background(), NewDebugContext("d", nil))
	assert.Equal(t, errors.CodeNoDebugControls, errors.CodeOf(err))

	err = code.Profile(context.Background(), NewProfileContext("p", nil))
	assert.Equal(t, errors.CodeNoProfiler, errors.CodeOf(err))

	_, err = code.ProfileWith("p", nil)
	assert.Equal(t, errors.CodeNoProfiler, errors.CodeOf(err))
	assert.Nil(t, code.OpenGroup())
}

func TestCompileErrors(t *testing.T) {
	code := newCode(t, types.LanguageLua, "x = = 1\n")

	_, err := code.Build(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCompile(err))
	assert.False(t, errors.IsExecute(err))

	err = code.Run(context.Background(), NewRunContext("run"))
	require.Error(t, err)
	assert.True(t, errors.IsExecute(err), "a run surfaces compile failures as execute errors")
	assert.True(t, errors.IsCompile(err))

	var de *errors.DebugError
	require.True(t, stderrors.As(err, &de))
	assert.Equal(t, 1, de.Details["line"])

	// compiling comes before looking up controls or a profiler
	err = code.Profile(context.Background(), NewProfileContext("profile", nil))
	assert.True(t, errors.IsExecute(err))
	assert.True(t, errors.IsCompile(err))

	err = code.Debug(context.Background(), NewDebugContext("debug", nil))
	assert.True(t, errors.IsExecute(err))
	assert.True(t, errors.IsCompile(err))
}

func TestGroupPendingClose(t *testing.T) {
	code := newCode(t, types.LanguageLua, sumSource)
	paused := make(chan struct{})
	resume := make(chan struct{})
	ctrl := debug.Func(func(*debug.Pause) types.DebugAction {
		close(paused)
		<-resume
		return types.ActionContinue
	}).Controls()
	ctrl.Breakpoints().Add(debug.NewBreakpoint(code.Ref(), 1))

	g, err := code.DebugWith("pending")
	require.NoError(t, err)

	dc := NewDebugContext("child", ctrl)
	setInputs(t, &dc.RunContext, map[string]any{"a": 1, "b": 1})
	g.Go(context.Background(), func(ctx context.Context) error {
		return g.Debug(ctx, dc)
	})
	<-paused

	err = g.Close()
	require.Error(t, err)
	assert.Equal(t, errors.CodeGroupPending, errors.CodeOf(err))
	assert.False(t, g.Closed())
	assert.Same(t, g, code.OpenGroup(), "a refused close leaves the group open")

	err = dc.Inputs.Set("a", 5)
	assert.Equal(t, errors.CodeInputsFrozen, errors.CodeOf(err), "inputs are frozen while the child runs")

	close(resume)
	require.NoError(t, g.Wait())
	assert.Zero(t, g.Pending())
	require.NoError(t, g.Close())
	require.NoError(t, g.Close(), "close is idempotent")

	assert.NoError(t, dc.Inputs.Set("a", 5))
	err = g.Run(context.Background(), NewRunContext("late"))
	assert.Equal(t, errors.CodeGroupClosed, errors.CodeOf(err))
}

func TestStopAndTimeout(t *testing.T) {
	t.Run("stop", func(t *testing.T) {
		code := newCode(t, types.LanguageLua, "x = 1\ny = 2\n")
		stopper := controls.NewStopper()
		stopper.Breakpoints().Add(debug.NewBreakpoint(code.Ref(), 2))

		err := code.Debug(context.Background(), NewDebugContext("stop", stopper))
		require.Error(t, err)
		assert.True(t, errors.IsStopped(err))
		assert.True(t, stderrors.Is(err, context.Canceled))
		assert.False(t, errors.IsExecute(err))
	})

	t.Run("timeout", func(t *testing.T) {
		code := newCode(t, types.LanguageLua, "while true do end\n", WithTimeout(50*time.Millisecond))
		err := code.Run(context.Background(), NewRunContext("spin"))
		require.Error(t, err)
		assert.True(t, errors.IsStopped(err))
	})
}

func TestProfileRecordsCoverage(t *testing.T) {
	src := `local function sq(v)
  return v * v
end
x = sq(a)
`
	code := newCode(t, types.LanguageLua, src)
	rec := profiler.NewRecorder()
	pc := NewProfileContext("profile", rec, "x")
	pc.AutoApplyParams = true
	setInputs(t, &pc.RunContext, map[string]any{"a": 4})

	require.NoError(t, code.Profile(context.Background(), pc))
	x, _ := pc.Outputs.Get("x")
	assert.Equal(t, int64(16), x)

	assert.Equal(t, 1, rec.GetRunCount())
	assert.Equal(t, pc.Identity(), rec.GetLastContext())
	assert.Equal(t, []int{1, 2, 4}, rec.Coverage(code.Ref()))
}

func TestKeepScopeInsideGroup(t *testing.T) {
	code := newCode(t, types.LanguageLua, "count = (count or 0) + 1\n")
	runCount := func(run func(context.Context, *RunContext) error) any {
		rc := NewRunContext("count", "count")
		rc.AutoApplyParams = true
		rc.Options = Options{"lua.keepScope": true}
		require.NoError(t, run(context.Background(), rc))
		v, _ := rc.Outputs.Get("count")
		return v
	}

	g, err := code.RunWith("scope")
	require.NoError(t, err)
	assert.Equal(t, int64(1), runCount(g.Run))
	assert.Equal(t, int64(2), runCount(g.Run))
	require.NoError(t, g.Close())

	assert.Equal(t, int64(1), runCount(code.Run), "executions outside a group start fresh")
}

func TestStdoutAndLogpoints(t *testing.T) {
	code := newCode(t, types.LanguageLua, "x = a * 2\nprint(x)\n")
	var stdout bytes.Buffer
	ctrl := controls.NewContinueAll()
	ctrl.Breakpoints().Add(debug.NewBreakpoint(code.Ref(), 2).Log("x is {x}"))

	dc := NewDebugContext("stdout", ctrl)
	dc.Stdout = &stdout
	setInputs(t, &dc.RunContext, map[string]any{"a": 3})

	require.NoError(t, code.Debug(context.Background(), dc))
	assert.Equal(t, "x is 6\n6\n", stdout.String())
	assert.Zero(t, ctrl.Count(), "logpoints never pause")
}

func TestObservability(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	m := metrics.New(prometheus.NewRegistry())

	code := newCode(t, types.LanguageCEL, "assert a > 1\n", WithTracerProvider(tp), WithMetrics(m))

	ok := NewRunContext("ok")
	setInputs(t, ok, map[string]any{"a": 2})
	require.NoError(t, code.Run(context.Background(), ok))

	bad := NewRunContext("bad")
	setInputs(t, bad, map[string]any{"a": 0})
	require.Error(t, code.Run(context.Background(), bad))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions().WithLabelValues("run", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions().WithLabelValues("run", "failed")))

	var runs []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "execution.run" {
			runs = append(runs, s)
		}
	}
	require.Len(t, runs, 2)
	assert.Equal(t, codes.Ok, runs[0].Status().Code)
	assert.Equal(t, codes.Error, runs[1].Status().Code)
}
