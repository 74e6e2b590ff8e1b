package trace

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/pkg/types"
)

var unit = types.CodeReference{ID: "u1", Title: "unit.lua", Language: types.LanguageLua}

// recorder logs every transition as a compact string
type recorder struct {
	events []string
}

func (r *recorder) FramePushed(f types.ExecFrame) {
	r.events = append(r.events, fmt.Sprintf("push %s@%d d%d", f.Event, f.Pos.Line, f.Depth))
}

func (r *recorder) FrameSwapped(p, f types.ExecFrame) {
	r.events = append(r.events, fmt.Sprintf("swap %s@%d->%s@%d d%d", p.Event, p.Pos.Line, f.Event, f.Pos.Line, f.Depth))
}

func (r *recorder) FramePopped(f, to types.ExecFrame) {
	r.events = append(r.events, fmt.Sprintf("pop %s@%d d%d to d%d", f.Event, f.Pos.Line, f.Depth, to.Depth))
}

type gateFunc func(t *Thread, f types.ExecFrame) (types.DebugAction, error)

func (g gateFunc) Decide(t *Thread, f types.ExecFrame) (types.DebugAction, error) { return g(t, f) }

func TestThread_TransitionsInOrder(t *testing.T) {
	rec := &recorder{}
	th := NewThread(context.Background(), WithObserver(rec))

	require.NoError(t, th.Call(unit, types.Position{Line: 1}, ""))
	require.NoError(t, th.Line(types.Position{Line: 1}))
	require.NoError(t, th.Call(unit, types.Position{Line: 5}, "f"))
	require.NoError(t, th.Line(types.Position{Line: 6}))
	require.NoError(t, th.Return())
	require.NoError(t, th.Line(types.Position{Line: 2}))
	require.NoError(t, th.Return())

	assert.Equal(t, []string{
		"push call@1 d1",
		"swap call@1->line@1 d1",
		"push call@5 d2",
		"swap call@5->line@6 d2",
		"swap line@6->return@6 d2",
		"pop return@6 d2 to d1",
		"swap line@1->line@2 d1",
		"swap line@2->return@2 d1",
		"pop return@2 d1 to d0",
	}, rec.events)

	pushes, pops := th.Counts()
	assert.Equal(t, 2, pushes)
	assert.Equal(t, 2, pops)
	assert.Equal(t, 0, th.Depth())
}

func TestThread_ReturnSwapsBeforePop(t *testing.T) {
	rec := &recorder{}
	var gated []types.ExecEvent
	th := NewThread(context.Background(), WithObserver(rec), WithGate(gateFunc(func(_ *Thread, f types.ExecFrame) (types.DebugAction, error) {
		gated = append(gated, f.Event)
		return types.ActionContinue, nil
	})))

	require.NoError(t, th.Call(unit, types.Position{Line: 2}, ""))
	require.NoError(t, th.Line(types.Position{Line: 2}))
	require.NoError(t, th.Return())

	assert.Equal(t, []string{
		"push call@2 d1",
		"swap call@2->line@2 d1",
		"swap line@2->return@2 d1",
		"pop return@2 d1 to d0",
	}, rec.events)
	assert.Equal(t, []types.ExecEvent{types.EventLine}, gated, "return frames are not breakable")

	pushes, pops := th.Counts()
	assert.Equal(t, 1, pushes)
	assert.Equal(t, 1, pops)
}

func TestThread_ObserversNotifiedInRegistrationOrder(t *testing.T) {
	var order []string
	first := ObserverFuncs{Pushed: func(types.ExecFrame) { order = append(order, "first") }}
	second := ObserverFuncs{Pushed: func(types.ExecFrame) { order = append(order, "second") }}

	th := NewThread(context.Background(), WithObserver(first), WithObserver(second))
	require.NoError(t, th.Call(unit, types.Position{Line: 1}, ""))

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestThread_LineWithoutFrameIsViolation(t *testing.T) {
	th := NewThread(context.Background())

	err := th.Line(types.Position{Line: 3})
	require.Error(t, err)
	assert.True(t, errors.IsProtocolViolation(err))

	err = th.Return()
	assert.True(t, errors.IsProtocolViolation(err))
}

func TestThread_GateSeesSwappedFrame(t *testing.T) {
	var seen []types.ExecFrame
	th := NewThread(context.Background(), WithGate(gateFunc(func(th *Thread, f types.ExecFrame) (types.DebugAction, error) {
		cur, ok := th.Current()
		require.True(t, ok)
		assert.Equal(t, cur, f)
		seen = append(seen, f)
		return types.ActionContinue, nil
	})))

	require.NoError(t, th.Call(unit, types.Position{Line: 1}, ""))
	require.NoError(t, th.Line(types.Position{Line: 2}))
	require.NoError(t, th.Exception(types.Position{Line: 3}, stderrors.New("boom")))

	require.Len(t, seen, 2, "calls are not breakable")
	assert.Equal(t, types.EventLine, seen[0].Event)
	assert.Equal(t, types.EventException, seen[1].Event)
	assert.EqualError(t, seen[1].Err, "boom")
}

func TestThread_StopUnwindsEveryFrame(t *testing.T) {
	rec := &recorder{}
	th := NewThread(context.Background(), WithObserver(rec), WithGate(gateFunc(func(_ *Thread, f types.ExecFrame) (types.DebugAction, error) {
		if f.Pos.Line == 7 {
			return types.ActionStop, nil
		}
		return types.ActionContinue, nil
	})))

	require.NoError(t, th.Call(unit, types.Position{Line: 1}, ""))
	require.NoError(t, th.Call(unit, types.Position{Line: 5}, "f"))
	require.NoError(t, th.Call(unit, types.Position{Line: 6}, "g"))

	err := th.Line(types.Position{Line: 7})
	require.Error(t, err)
	assert.True(t, errors.IsStopped(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.IsExecute(err))

	assert.Equal(t, 0, th.Depth())
	pushes, pops := th.Counts()
	assert.Equal(t, pushes, pops)
	assert.Equal(t, []string{
		"pop return@7 d3 to d2",
		"pop return@5 d2 to d1",
		"pop return@1 d1 to d0",
	}, rec.events[len(rec.events)-3:])

	// adapter keeps unwinding its own frames
	assert.NoError(t, th.Return())
	assert.True(t, errors.IsStopped(th.Line(types.Position{Line: 8})))
}

func TestThread_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	th := NewThread(ctx)

	require.NoError(t, th.Call(unit, types.Position{Line: 1}, ""))
	cancel()

	err := th.Line(types.Position{Line: 2})
	assert.True(t, errors.IsStopped(err))
	assert.Equal(t, 0, th.Depth())
	assert.Equal(t, err, th.Stopped())
}

func TestThread_GateErrorAborts(t *testing.T) {
	boom := errors.ProtocolViolation("re-entered")
	th := NewThread(context.Background(), WithGate(gateFunc(func(*Thread, types.ExecFrame) (types.DebugAction, error) {
		return types.ActionContinue, boom
	})))

	require.NoError(t, th.Call(unit, types.Position{Line: 1}, ""))
	err := th.Line(types.Position{Line: 1})
	assert.Same(t, boom, err)
}

func TestThread_IDsAreUnique(t *testing.T) {
	a := NewThread(context.Background())
	b := NewThread(context.Background())
	assert.NotEqual(t, a.ID(), b.ID())

	require.NoError(t, a.Call(unit, types.Position{Line: 1}, ""))
	f, ok := a.Current()
	require.True(t, ok)
	assert.Equal(t, a.ID(), f.Thread)
	assert.Len(t, a.Frames(), 1)
}

func TestStack_SwapKeepsDepth(t *testing.T) {
	var s Stack
	s.Push(types.ExecFrame{Name: "a"})
	s.Push(types.ExecFrame{Name: "b"})

	popped, pushed, ok := s.Swap(types.ExecFrame{Name: "c"})
	require.True(t, ok)
	assert.Equal(t, "b", popped.Name)
	assert.Equal(t, 2, pushed.Depth)

	f, ok := s.At(1)
	require.True(t, ok)
	assert.Equal(t, "a", f.Name)
	_, ok = s.At(3)
	assert.False(t, ok)
}
