package dap

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/codetrace/internal/adapters"
	"github.com/ctagard/codetrace/internal/config"
	"github.com/ctagard/codetrace/internal/controls"
	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/internal/execution"
	"github.com/ctagard/codetrace/internal/vars"
	"github.com/ctagard/codetrace/pkg/types"
)

var ref = types.CodeReference{ID: "c1", Title: "main.lua", Language: types.LanguageLua}

func TestStackTrace(t *testing.T) {
	body := StackTrace([]types.ExecFrame{
		{Ref: ref, Pos: types.Position{Line: 5}, Depth: 1},
		{Ref: ref, Pos: types.Position{Line: 3}, Name: "scale", Depth: 2},
	})
	require.Len(t, body.StackFrames, 2)
	assert.Equal(t, 2, body.TotalFrames)

	top := body.StackFrames[0]
	assert.Equal(t, 2, top.Id)
	assert.Equal(t, "scale", top.Name)
	assert.Equal(t, 3, top.Line)
	assert.Equal(t, "main.lua", top.Source.Name)
	assert.Equal(t, "<module>", body.StackFrames[1].Name)
}

func TestScopes(t *testing.T) {
	snap := vars.Snapshot{
		{ID: "r", Value: []any{int64(2), int64(4)}, Kind: types.KindFrameVariable},
		{ID: "m", Value: map[string]any{"k": "v"}, Kind: types.KindGlobal},
		{ID: "a", Value: 2, Kind: types.KindInput, Attributes: types.AttrReadOnly},
	}
	var h Handles
	scopes := Scopes(snap, &h)

	var names []string
	for _, s := range scopes {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"Locals", "Globals", "Inputs"}, names)

	locals, ok := h.Variables(scopes[0].VariablesReference)
	require.True(t, ok)
	require.Len(t, locals, 1)
	assert.Equal(t, "table[2]", locals[0].Value)
	assert.Equal(t, 2, locals[0].IndexedVariables)

	items, ok := h.Variables(locals[0].VariablesReference)
	require.True(t, ok)
	assert.Equal(t, []dap.Variable{
		{Name: "[1]", Value: "2", Type: "number"},
		{Name: "[2]", Value: "4", Type: "number"},
	}, items)

	globals, _ := h.Variables(scopes[1].VariablesReference)
	fields, _ := h.Variables(globals[0].VariablesReference)
	assert.Equal(t, `"v"`, fields[0].Value)
}

func TestRecorder(t *testing.T) {
	src := `local function scale(v)
  local r = {v, v * 2}
  return r
end
out = scale(a)
`
	code, err := execution.NewCode(adapters.NewRegistry(config.DefaultConfig()), types.LanguageLua, "main.lua", src)
	require.NoError(t, err)

	inner := controls.NewContinueAll()
	bp := debug.NewBreakpoint(code.Ref(), 3)
	inner.Breakpoints().Add(bp)
	rec := NewRecorder(inner, 0)

	dc := execution.NewDebugContext("record", rec)
	require.NoError(t, dc.Inputs.Set("a", 2))
	require.NoError(t, code.Debug(context.Background(), dc))

	assert.Equal(t, 1, inner.Count())
	records := rec.Records()
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, dc.Identity(), r.Context)
	assert.Equal(t, "breakpoint", r.Stopped.Reason)
	assert.Equal(t, []int{rec.BreakpointID(bp)}, r.Stopped.HitBreakpointIds)
	assert.Equal(t, "continue", r.Action)

	require.Len(t, r.StackTrace.StackFrames, 2)
	assert.Equal(t, "scale", r.StackTrace.StackFrames[0].Name)
	assert.Equal(t, 3, r.StackTrace.StackFrames[0].Line)
	assert.Equal(t, 5, r.StackTrace.StackFrames[1].Line)

	require.NotEmpty(t, r.Scopes)
	assert.Equal(t, "Locals", r.Scopes[0].Name)
	locals := r.Variables[r.Scopes[0].VariablesReference]
	require.Len(t, locals, 2)
	assert.Equal(t, "v", locals[0].Name)
	assert.Equal(t, "r", locals[1].Name)
	assert.Equal(t, "table[2]", locals[1].Value)
}

func TestRecorder_Limit(t *testing.T) {
	inner := debug.Func(func(*debug.Pause) types.DebugAction { return types.ActionStepIn }).Controls()
	rec := NewRecorder(inner, 2)

	code, err := execution.NewCode(adapters.NewRegistry(config.DefaultConfig()), types.LanguageLua, "steps.lua", "x = 1\ny = 2\nz = 3\n")
	require.NoError(t, err)
	inner.Breakpoints().Add(debug.NewBreakpoint(code.Ref(), 1))

	require.NoError(t, code.Debug(context.Background(), execution.NewDebugContext("limit", rec)))
	records := rec.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "breakpoint", records[0].Stopped.Reason)
	assert.Equal(t, "step", records[1].Stopped.Reason)
}

func TestRecorder_ForwardsDetach(t *testing.T) {
	script := controls.NewStepScript(controls.Step{Line: 1, Action: types.ActionContinue})
	rec := NewRecorder(script, 0)
	require.Error(t, rec.OnDetached(), "pending steps fail the detach check")
}

func newManager(max int) (*SessionManager, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sm := NewSessionManager(max, time.Minute, zerolog.Nop())
	sm.now = func() time.Time { return now }
	return sm, &now
}

func TestSessionManager(t *testing.T) {
	sm, now := newManager(10)
	defer sm.Close()

	s, err := sm.CreateSession(types.LanguageLua, "main.lua", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s.Status())

	got, err := sm.GetSession(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	*now = now.Add(time.Hour)
	sm.cleanupExpiredSessions()
	_, err = sm.GetSession(s.ID)
	require.NoError(t, err, "running sessions never expire")

	boom := stderrors.New("boom")
	require.NoError(t, sm.Finish(s.ID, StatusFailed, boom))
	info := s.GetInfo()
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, "boom", info.Error)

	sm.cleanupExpiredSessions()
	_, err = sm.GetSession(s.ID)
	assert.Error(t, err)
}

func TestSessionManager_Eviction(t *testing.T) {
	sm, now := newManager(2)
	defer sm.Close()

	first, err := sm.CreateSession(types.LanguageLua, "a", nil)
	require.NoError(t, err)
	*now = now.Add(time.Second)
	second, err := sm.CreateSession(types.LanguageLua, "b", nil)
	require.NoError(t, err)

	_, err = sm.CreateSession(types.LanguageLua, "c", nil)
	require.Error(t, err, "running sessions are never evicted")

	require.NoError(t, sm.Finish(first.ID, StatusCompleted, nil))
	third, err := sm.CreateSession(types.LanguageLua, "c", nil)
	require.NoError(t, err)

	var ids []string
	for _, s := range sm.ListSessions() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{second.ID, third.ID}, ids)
}

func TestSessionManager_Compound(t *testing.T) {
	sm, _ := newManager(10)
	defer sm.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := sm.CreateSession(types.LanguageLua, "g", nil)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	loner, err := sm.CreateSession(types.LanguageLua, "solo", nil)
	require.NoError(t, err)

	sm.TrackCompoundSession("group-1", ids, true)
	compound, ok := sm.GetCompoundSession("group-1")
	require.True(t, ok)
	assert.Len(t, compound.SessionIDs, 3)

	require.NoError(t, sm.TerminateSession(ids[1]))
	assert.Len(t, sm.ListSessions(), 1)
	assert.Equal(t, loner.ID, sm.ListSessions()[0].ID)
	_, ok = sm.GetCompoundSession("group-1")
	assert.False(t, ok)

	assert.Error(t, sm.TerminateSession(ids[0]))
}
