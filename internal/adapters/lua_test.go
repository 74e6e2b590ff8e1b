package adapters

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/xxh3"

	"github.com/ctagard/codetrace/internal/config"
	"github.com/ctagard/codetrace/internal/controls"
	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/pkg/types"
)

var luaRef = types.CodeReference{ID: "lua-1", Title: "test.lua", Language: types.LanguageLua}

func newLua() *LuaAdapter {
	return NewLuaAdapter(config.DefaultConfig().Adapters.Lua)
}

func TestLuaCompile_SyntaxError(t *testing.T) {
	_, err := newLua().Compile(luaRef, "x = 1\ny = = 2\n")
	require.Error(t, err)
	assert.True(t, errors.IsCompile(err))

	var de *errors.DebugError
	require.True(t, stderrors.As(err, &de))
	assert.Equal(t, 2, de.Details["line"])
}

func TestLuaCompile_Lines(t *testing.T) {
	unit, err := newLua().Compile(luaRef, "local a = 1\n\nlocal function f()\n  return a\nend\nprint(f())\n")
	require.NoError(t, err)

	lines, ok := unit.(interface{ Lines() []int })
	require.True(t, ok)
	assert.Equal(t, []int{1, 3, 4, 6}, lines.Lines())
}

func TestLuaExecute_AutoApplyParams(t *testing.T) {
	out := newOutputs("x")
	env := &Env{
		Inputs:          map[string]any{"a": 21, "b": 21},
		Outputs:         out,
		AutoApplyParams: true,
	}

	res := execute(t, newLua(), luaRef, "x = a + b + 42\n", controls.NewContinueAll(), env)
	require.NoError(t, res.err)
	assert.Equal(t, int64(84), out.values["x"])
	assertBalanced(t, res.thread)
}

func TestLuaExecute_SetOutput(t *testing.T) {
	out := newOutputs("y")
	env := &Env{Inputs: map[string]any{"a": 4}, Outputs: out}

	res := execute(t, newLua(), luaRef, "set_output(\"y\", a * 2)\ny = 100\n", controls.NewContinueAll(), env)
	require.NoError(t, res.err)
	assert.Equal(t, int64(8), out.values["y"], "globals are not applied without AutoApplyParams")

	res = execute(t, newLua(), luaRef, "set_output(\"z\", 1)\n", controls.NewContinueAll(), &Env{Outputs: out})
	require.Error(t, res.err)
	assert.True(t, errors.IsExecute(res.err))
	assert.Contains(t, res.err.Error(), "not declared")
	assertBalanced(t, res.thread)
}

func TestLuaExecute_Print(t *testing.T) {
	var stdout bytes.Buffer
	res := execute(t, newLua(), luaRef, "print(\"hello\", 1 + 1)\n", controls.NewContinueAll(), &Env{Stdout: &stdout})
	require.NoError(t, res.err)
	assert.Equal(t, "hello\t2\n", stdout.String())
}

func TestLuaExecute_StackTransitions(t *testing.T) {
	src := `local function add(a, b)
  return a + b
end
x = add(1, 2)
`
	rec := controls.NewStackActions()
	res := execute(t, newLua(), luaRef, src, rec, nil)
	require.NoError(t, res.err)

	var kinds []types.StackActionKind
	var names []string
	for _, a := range rec.Actions() {
		kinds = append(kinds, a.Kind)
		names = append(names, a.Frame.Name)
	}
	assert.Equal(t, []types.StackActionKind{
		types.StackPushed, types.StackSwapped, types.StackSwapped,
		types.StackPushed, types.StackSwapped,
		types.StackSwapped, types.StackPopped,
		types.StackSwapped, types.StackPopped,
	}, kinds)
	assert.Equal(t, []string{"", "", "", "add", "add", "add", "add", "", ""}, names)

	returns := rec.Actions()[5]
	assert.Equal(t, types.EventLine, returns.Other.Event)
	assert.Equal(t, types.EventReturn, returns.Frame.Event)
	assert.Equal(t, 2, returns.Frame.Pos.Line)
	assert.True(t, rec.Balanced())
	assertBalanced(t, res.thread)
}

func TestLuaCompile_ReusesChunks(t *testing.T) {
	a := NewLuaAdapter(config.LuaConfig{ChunkCacheSize: 2})
	src := "x = a + 1\n"

	first := luaRef
	first.Fingerprint = xxh3.HashString(src)
	second := first
	second.ID = "lua-2"

	u1, err := a.Compile(first, src)
	require.NoError(t, err)
	u2, err := a.Compile(second, src)
	require.NoError(t, err)
	assert.Same(t, u1.(*luaUnit).proto, u2.(*luaUnit).proto)
	assert.Equal(t, second, u2.Ref(), "a reused chunk is bound to the new reference")
	assert.Equal(t, 1, a.chunks.len())

	// the units still run independently
	out := newOutputs("x")
	res := run(context.Background(), u2, controls.NewContinueAll(), &Env{Inputs: map[string]any{"a": 1}, Outputs: out, AutoApplyParams: true})
	require.NoError(t, res.err)
	assert.Equal(t, int64(2), out.values["x"])

	u3, err := a.Compile(luaRef, "x = a + 2\n")
	require.NoError(t, err)
	assert.NotSame(t, u1.(*luaUnit).proto, u3.(*luaUnit).proto, "different source compiles a new chunk")

	_, err = a.Compile(types.CodeReference{ID: "other", Title: "other.lua"}, "y = 1\n")
	require.NoError(t, err)
	assert.Equal(t, 2, a.chunks.len(), "the oldest chunk is evicted")

	u4, err := a.Compile(first, src)
	require.NoError(t, err)
	assert.NotSame(t, u1.(*luaUnit).proto, u4.(*luaUnit).proto)

	_, err = a.Compile(luaRef, "x = = 1\n")
	assert.True(t, errors.IsCompile(err))
	assert.Equal(t, 2, a.chunks.len(), "failed compiles are not cached")

	uncached := NewLuaAdapter(config.LuaConfig{})
	v1, _ := uncached.Compile(first, src)
	v2, _ := uncached.Compile(first, src)
	assert.NotSame(t, v1.(*luaUnit).proto, v2.(*luaUnit).proto)
}

func TestLuaExecute_EmptyFunctionIsTraced(t *testing.T) {
	src := `local function f() end
f()
x = 1
`
	rec := controls.NewStackActions()
	res := execute(t, newLua(), luaRef, src, rec, nil)
	require.NoError(t, res.err)

	var pushed, popped []string
	for _, a := range rec.Actions() {
		switch a.Kind {
		case types.StackPushed:
			pushed = append(pushed, a.Frame.Name)
		case types.StackPopped:
			popped = append(popped, a.Frame.Name)
		}
	}
	assert.Equal(t, []string{"", "f"}, pushed)
	assert.Equal(t, []string{"f", ""}, popped)
	assert.True(t, rec.Balanced())

	pushes, pops := res.thread.Counts()
	assert.Equal(t, 2, pushes)
	assert.Equal(t, 2, pops)
}

func TestLuaExecute_BreakpointVariables(t *testing.T) {
	src := `local factor = 3
local function scale(v)
  local r = v * factor
  return r
end
y = scale(2)
`
	bp := debug.NewBreakpoint(luaRef, 4)
	verify := controls.NewVerifyVars(bp, map[string]any{
		"r":      int64(6),
		"v":      int64(2),
		"factor": int64(3),
		"limit":  int64(10),
	})

	res := execute(t, newLua(), luaRef, src, verify, &Env{Inputs: map[string]any{"limit": int64(10)}})
	require.NoError(t, res.err)
	require.NoError(t, verify.Err())
	assert.Equal(t, 1, verify.Verified())
}

func TestLuaExecute_VariableKinds(t *testing.T) {
	src := `count = 1
local t = {1, 2}
local m = {k = "v"}
local done = true
`
	bp := debug.NewBreakpoint(luaRef, 4)
	var snap []types.ExecVariable
	c := debug.Func(func(p *debug.Pause) types.DebugAction {
		s, err := p.Evaluate()
		require.NoError(t, err)
		snap = s
		return types.ActionContinue
	}).Controls()
	c.Breakpoints().Add(bp)

	res := execute(t, newLua(), luaRef, src, c, &Env{Inputs: map[string]any{"seed": 7}})
	require.NoError(t, res.err)

	byID := make(map[string]types.ExecVariable)
	for _, v := range snap {
		byID[v.ID] = v
	}
	assert.Equal(t, types.KindGlobal, byID["count"].Kind)
	assert.Equal(t, []any{int64(1), int64(2)}, byID["t"].Value)
	assert.True(t, byID["t"].Attributes.Has(types.AttrTable))
	assert.Equal(t, map[string]any{"k": "v"}, byID["m"].Value)
	assert.Equal(t, types.KindInput, byID["seed"].Kind)
	assert.True(t, byID["seed"].Attributes.Has(types.AttrReadOnly))
	_, visible := byID["done"]
	assert.False(t, visible, "locals declared by the paused statement are not visible yet")
}

func TestLuaExecute_Stepping(t *testing.T) {
	src := `local function inc(n)
  return n + 1
end
local a = 1
a = inc(a)
a = inc(a)
`
	script := controls.NewStepScript(
		controls.Step{Line: 5, Action: types.ActionStepOver},
		controls.Step{Line: 6, Action: types.ActionStepIn},
		controls.Step{Line: 2, Action: types.ActionStepOut, Check: func(p *debug.Pause) error {
			if p.Depth() != 2 {
				return stderrors.New("expected to step into inc")
			}
			return nil
		}},
	)
	script.Breakpoints().Add(debug.NewBreakpoint(luaRef, 5))

	res := execute(t, newLua(), luaRef, src, script, nil)
	require.NoError(t, res.err)
	require.NoError(t, script.Err())
	assert.NoError(t, res.detachErr)
	assertBalanced(t, res.thread)
}

func TestLuaExecute_RuntimeError(t *testing.T) {
	src := `local function fail()
  error("boom")
end
fail()
`
	capture := controls.NewExceptionCapture(debug.NewBreakpoint(luaRef, 4))
	res := execute(t, newLua(), luaRef, src, capture, nil, debug.WithExceptionBreaks(true))

	require.Error(t, res.err)
	assert.True(t, errors.IsExecute(res.err))
	assert.False(t, errors.IsStopped(res.err))
	assert.Contains(t, res.err.Error(), "boom")

	var de *errors.DebugError
	require.True(t, stderrors.As(res.err, &de))
	assert.Equal(t, 2, de.Details["line"])

	captured := capture.Captured()
	require.Len(t, captured, 1)
	assert.Equal(t, types.EventException, captured[0].Event)
	assert.Equal(t, "fail", captured[0].Name)
	assert.Equal(t, 2, captured[0].Pos.Line)
	assertBalanced(t, res.thread)
}

func TestLuaExecute_Stop(t *testing.T) {
	src := `total = 0
for i = 1, 10 do
  total = total + i
end
`
	stopper := controls.NewStopper()
	stopper.Breakpoints().Add(debug.NewBreakpoint(luaRef, 3))

	res := execute(t, newLua(), luaRef, src, stopper, nil)
	require.Error(t, res.err)
	assert.True(t, errors.IsStopped(res.err))
	assert.True(t, stderrors.Is(res.err, context.Canceled))
	assert.False(t, errors.IsExecute(res.err))

	f, ok := stopper.StoppedAt()
	require.True(t, ok)
	assert.Equal(t, 3, f.Pos.Line)
	assertBalanced(t, res.thread)
}

func TestLuaExecute_StopSurvivesScriptPcall(t *testing.T) {
	src := `local ok = pcall(function()
  local x = 1
end)
y = 2
`
	stopper := controls.NewStopper()
	stopper.Breakpoints().Add(debug.NewBreakpoint(luaRef, 2))

	res := execute(t, newLua(), luaRef, src, stopper, nil)
	require.Error(t, res.err)
	assert.True(t, errors.IsStopped(res.err))
	assertBalanced(t, res.thread)
}

func TestLuaExecute_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := executeCtx(t, ctx, newLua(), luaRef, "while true do end\n", controls.NewContinueAll(), nil)
	require.Error(t, res.err)
	assert.True(t, errors.IsStopped(res.err))
	assertBalanced(t, res.thread)
}

func TestLuaExecute_Sandbox(t *testing.T) {
	out := newOutputs("has_os", "has_load")
	res := execute(t, newLua(), luaRef, "set_output(\"has_os\", os ~= nil)\nset_output(\"has_load\", load ~= nil)\n",
		controls.NewContinueAll(), &Env{Outputs: out})
	require.NoError(t, res.err)
	assert.Equal(t, false, out.values["has_os"])
	assert.Equal(t, false, out.values["has_load"])

	open := NewLuaAdapter(config.LuaConfig{})
	res = execute(t, open, luaRef, "set_output(\"has_os\", os ~= nil)\n", controls.NewContinueAll(), &Env{Outputs: out})
	require.NoError(t, res.err)
	assert.Equal(t, true, out.values["has_os"])
}

func TestLuaExecute_KeepScope(t *testing.T) {
	a := NewLuaAdapter(config.LuaConfig{Sandbox: true, KeepScope: true})
	unit, err := a.Compile(luaRef, "count = (count or 0) + 1\nset_output(\"count\", count)\n")
	require.NoError(t, err)

	count := func(scope string) any {
		out := newOutputs("count")
		res := run(context.Background(), unit, controls.NewContinueAll(), &Env{Outputs: out, Scope: scope})
		require.NoError(t, res.err)
		return out.values["count"]
	}

	assert.Equal(t, int64(1), count("g1"))
	assert.Equal(t, int64(2), count("g1"))
	assert.Equal(t, int64(1), count("g2"))
	assert.Equal(t, int64(1), count(""), "executions outside groups get a fresh state")

	unit.(ScopeReleaser).ReleaseScope("g1")
	assert.Equal(t, int64(1), count("g1"))
}
