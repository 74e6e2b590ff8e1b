package controls

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/trace"
	"github.com/ctagard/codetrace/internal/vars"
	"github.com/ctagard/codetrace/pkg/types"
)

var unit = types.CodeReference{ID: "unit-1", Title: "main.lua", Language: types.LanguageLua}

// run drives a thread through a small program against c: module lines 1..3
// with a call to f (lines 10..11) from line 2, and an exception on line 11
// when raise is set.
func run(c debug.Controls, raise bool) (*debug.Session, error) {
	s := debug.NewSession(c)
	opts := []trace.Option{trace.WithGate(s)}
	if o, ok := c.(trace.Observer); ok {
		opts = append(opts, trace.WithObserver(o))
	}
	th := trace.NewThread(context.Background(), opts...)
	th.SetEvaluator(vars.EvaluatorFunc(func(f types.ExecFrame) ([]types.ExecVariable, error) {
		if f.Name != "f" {
			return []types.ExecVariable{{ID: "x", Value: 1.0, Kind: types.KindGlobal}}, nil
		}
		return []types.ExecVariable{
			{ID: "x", Value: 1.0, Kind: types.KindGlobal},
			{ID: "y", Value: "two", Kind: types.KindFrameVariable},
		}, nil
	}))

	err := func() error {
		if err := th.Call(unit, types.Position{Line: 1}, ""); err != nil {
			return err
		}
		for _, line := range []int{1, 2} {
			if err := th.Line(types.Position{Line: line}); err != nil {
				return err
			}
		}
		if err := th.Call(unit, types.Position{Line: 10}, "f"); err != nil {
			return err
		}
		for _, line := range []int{10, 11} {
			if err := th.Line(types.Position{Line: line}); err != nil {
				return err
			}
		}
		if raise {
			if err := th.Exception(types.Position{Line: 11}, stderrors.New("bad")); err != nil {
				return err
			}
			th.Unwind()
			return stderrors.New("bad")
		}
		if err := th.Return(); err != nil {
			return err
		}
		if err := th.Line(types.Position{Line: 3}); err != nil {
			return err
		}
		return th.Return()
	}()
	if derr := s.Detach(); err == nil {
		err = derr
	}
	return s, err
}

func TestContinueAll(t *testing.T) {
	c := NewContinueAll()
	c.Breakpoints().Add(debug.NewBreakpoint(unit, 2), debug.NewBreakpoint(unit, 11))

	_, err := run(c, false)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Count())
	assert.Equal(t, []int{2, 11}, c.Lines())
}

func TestActionQueue(t *testing.T) {
	q := NewActionQueue(types.ActionStepIn)
	q.Breakpoints().Add(debug.NewBreakpoint(unit, 2))

	_, err := run(q, false)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Remaining())
	lines := q.Lines()
	require.Len(t, lines, 2, "the queue runs dry after the step and the rest continues")
	assert.Equal(t, 2, lines[0])

	q = NewActionQueue(types.ActionStop, types.ActionContinue)
	q.Breakpoints().Add(debug.NewBreakpoint(unit, 1))
	_, err = run(q, false)
	assert.True(t, errors.IsStopped(err))
	assert.Equal(t, 1, q.Remaining())
}

func TestPauseDetect(t *testing.T) {
	t.Run("in order", func(t *testing.T) {
		d := NewPauseDetect().
			Expect(debug.NewBreakpoint(unit, 2)).
			Expect(debug.NewBreakpoint(unit, 3)).
			DoNotExpect(debug.NewBreakpoint(unit, 99))

		_, err := run(d, false)
		require.NoError(t, err)
		assert.NoError(t, d.Pass())
		assert.Equal(t, 0, d.Pending())
	})

	t.Run("forbidden hit", func(t *testing.T) {
		d := NewPauseDetect().DoNotExpect(debug.NewBreakpoint(unit, 10))
		_, err := run(d, false)
		require.NoError(t, err)
		assert.Error(t, d.Pass())
	})

	t.Run("per pause action", func(t *testing.T) {
		d := NewPauseDetect().
			ExpectAction(debug.NewBreakpoint(unit, 2), types.ActionStepIn).
			Expect(debug.NewBreakpoint(unit, 3))
		_, err := run(d, false)
		require.NoError(t, err)
		assert.NoError(t, d.Pass(), "the step pause inside f is not a breakpoint pause")

		d = NewPauseDetect().ExpectAction(debug.NewBreakpoint(unit, 2), types.ActionStop)
		_, err = run(d, false)
		assert.True(t, errors.IsStopped(err))
		assert.NoError(t, d.Pass())
	})

	t.Run("missing pause", func(t *testing.T) {
		d := NewPauseDetect().Expect(debug.NewBreakpoint(unit, 42))
		_, err := run(d, false)
		require.NoError(t, err)
		assert.Equal(t, 1, d.Pending())
		assert.Error(t, d.Pass())
	})
}

func TestStepScript(t *testing.T) {
	t.Run("scripted steps", func(t *testing.T) {
		s := NewStepScript(
			Step{Line: 2, Action: types.ActionStepIn},
			Step{Line: 10, Action: types.ActionStepOut, Check: func(p *debug.Pause) error {
				if p.Depth() != 2 {
					return stderrors.New("expected depth 2")
				}
				return nil
			}},
			Step{Line: 3, Action: types.ActionContinue},
		)
		s.Breakpoints().Add(debug.NewBreakpoint(unit, 2))

		_, err := run(s, false)
		require.NoError(t, err)
		assert.NoError(t, s.Err())
	})

	t.Run("unscripted pause stops", func(t *testing.T) {
		s := NewStepScript()
		s.Breakpoints().Add(debug.NewBreakpoint(unit, 2))

		_, err := run(s, false)
		assert.True(t, errors.IsStopped(err))
		assert.Error(t, s.Err())
	})

	t.Run("unreached steps fail on detach", func(t *testing.T) {
		s := NewStepScript(Step{Line: 2}, Step{Line: 3})
		s.Breakpoints().Add(debug.NewBreakpoint(unit, 2))

		_, err := run(s, false)
		require.Error(t, err)
		assert.True(t, errors.IsProtocolViolation(err))
	})
}

func TestStopper(t *testing.T) {
	s := NewStopper()
	s.Breakpoints().Add(debug.NewBreakpoint(unit, 10))

	_, err := run(s, false)
	assert.True(t, errors.IsStopped(err))
	f, ok := s.StoppedAt()
	require.True(t, ok)
	assert.Equal(t, 10, f.Pos.Line)
	assert.Equal(t, "f", f.Name)
}

func TestVerifyVars(t *testing.T) {
	ok := NewVerifyVars(debug.NewBreakpoint(unit, 11), map[string]any{"x": 1.0, "y": "two"})
	_, err := run(ok, false)
	require.NoError(t, err)
	assert.NoError(t, ok.Err())
	assert.Equal(t, 1, ok.Verified())

	bad := NewVerifyVars(debug.NewBreakpoint(unit, 11), map[string]any{"y": 2.0, "z": true})
	_, err = run(bad, false)
	require.NoError(t, err)
	assert.Error(t, bad.Err())

	never := NewVerifyVars(debug.NewBreakpoint(unit, 50), nil)
	_, err = run(never, false)
	require.NoError(t, err)
	assert.Error(t, never.Err())
}

func TestVerifyEmptyVars(t *testing.T) {
	module := NewVerifyEmptyVars(debug.NewBreakpoint(unit, 2))
	_, err := run(module, false)
	require.NoError(t, err)
	assert.NoError(t, module.Err())

	inner := NewVerifyEmptyVars(debug.NewBreakpoint(unit, 10))
	_, err = run(inner, false)
	require.NoError(t, err)
	assert.Error(t, inner.Err())
}

func TestExceptionCapture(t *testing.T) {
	c := NewExceptionCapture(debug.NewBreakpoint(unit, 11))

	_, err := run(c, true)
	require.Error(t, err)

	captured := c.Captured()
	require.Len(t, captured, 1)
	assert.Equal(t, types.EventException, captured[0].Event)
	assert.EqualError(t, captured[0].Err, "bad")
}

func TestStackActions(t *testing.T) {
	s := NewStackActions()
	_, err := run(s, false)
	require.NoError(t, err)

	actions := s.Actions()
	require.NotEmpty(t, actions)
	assert.Equal(t, types.StackPushed, actions[0].Kind)
	assert.Equal(t, types.StackPopped, actions[len(actions)-1].Kind)
	assert.True(t, s.Balanced())

	var kinds []types.StackActionKind
	for _, a := range actions {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []types.StackActionKind{
		types.StackPushed, types.StackSwapped, types.StackSwapped,
		types.StackPushed, types.StackSwapped, types.StackSwapped,
		types.StackSwapped, types.StackPopped,
		types.StackSwapped, types.StackSwapped, types.StackPopped,
	}, kinds)
}

func TestStackActions_Expect(t *testing.T) {
	s := NewStackActions().Expect(
		ExpectPush(types.EventCall, 1),
		ExpectSwap(types.EventCall, 1, types.EventLine, 1),
		ExpectSwap(types.EventLine, 1, types.EventLine, 2),
		ExpectPush(types.EventCall, 10),
		ExpectSwap(types.EventCall, 10, types.EventLine, 10),
		ExpectSwap(types.EventLine, 10, types.EventLine, 11),
		ExpectSwap(types.EventLine, 11, types.EventReturn, 11),
		ExpectPop(types.EventReturn, 11),
		ExpectSwap(types.EventLine, 2, types.EventLine, 3),
		ExpectSwap(types.EventLine, 3, types.EventReturn, 3),
		ExpectPop(types.EventReturn, 3),
	)
	_, err := run(s, false)
	require.NoError(t, err)
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, s.Remaining())

	wrong := NewStackActions().Expect(ExpectPush(types.EventCall, 5))
	_, err = run(wrong, false)
	require.NoError(t, err)
	assert.ErrorContains(t, wrong.Err(), "got pushed call@1, expected pushed call@5")
	assert.ErrorContains(t, wrong.Err(), "unexpected swapped call@1 -> line@1")

	short := NewStackActions().Expect(ExpectPush(types.EventCall, 1), ExpectPush(types.EventCall, 99))
	assert.Equal(t, 2, short.Remaining())
	assert.ErrorContains(t, short.Err(), "expected pushed call@99 did not happen")
}
