package trace

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/vars"
	"github.com/ctagard/codetrace/pkg/types"
)

// Gate decides whether a thread suspends at a breakable frame. It is called
// after the swap for that frame has been reported to observers. Returning an
// error aborts the execution.
type Gate interface {
	Decide(t *Thread, frame types.ExecFrame) (types.DebugAction, error)
}

var nextThreadID atomic.Int64

// Thread is the tracer state of one executing thread. It is not safe for
// concurrent use; adapters drive it from the goroutine running the code.
type Thread struct {
	id        int64
	ctx       context.Context
	stack     Stack
	observers observers
	gate      Gate
	evaluator vars.Evaluator
	logger    zerolog.Logger

	pushes  int
	pops    int
	stopped error
}

// Option configures a Thread
type Option func(*Thread)

// WithObserver appends an observer. Observers are notified in the order added.
func WithObserver(o Observer) Option {
	return func(t *Thread) {
		if o != nil {
			t.observers = append(t.observers, o)
		}
	}
}

// WithGate installs the pause decision point
func WithGate(g Gate) Option {
	return func(t *Thread) {
		t.gate = g
	}
}

// WithLogger sets the logger used for trace-level event logs
func WithLogger(l zerolog.Logger) Option {
	return func(t *Thread) {
		t.logger = l
	}
}

// NewThread creates a thread bound to ctx. Cancelling ctx stops the thread at
// its next event.
func NewThread(ctx context.Context, opts ...Option) *Thread {
	if ctx == nil {
		ctx = context.Background()
	}
	t := &Thread{
		id:     nextThreadID.Add(1),
		ctx:    ctx,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Int64("thread", t.id).Logger()
	return t
}

// ID returns the process-unique thread id
func (t *Thread) ID() int64 { return t.id }

// Context returns the context the thread was created with
func (t *Thread) Context() context.Context { return t.ctx }

// SetEvaluator installs the adapter's variable evaluator
func (t *Thread) SetEvaluator(ev vars.Evaluator) { t.evaluator = ev }

// Evaluator returns the installed evaluator, or vars.None
func (t *Thread) Evaluator() vars.Evaluator {
	if t.evaluator == nil {
		return vars.None
	}
	return t.evaluator
}

// Call pushes a frame for a new activation of ref
func (t *Thread) Call(ref types.CodeReference, pos types.Position, name string) error {
	if err := t.check(); err != nil {
		return err
	}
	f := t.stack.Push(types.ExecFrame{
		Event:  types.EventCall,
		Ref:    ref,
		Pos:    pos,
		Name:   name,
		Thread: t.id,
	})
	t.pushes++
	t.logger.Trace().Int("depth", f.Depth).Str("frame", f.String()).Msg("push")
	t.observers.pushed(f)
	return nil
}

// Line moves the current frame to pos
func (t *Thread) Line(pos types.Position) error {
	return t.breakable(types.EventLine, pos, nil)
}

// Exception marks the current frame as raising err at pos
func (t *Thread) Exception(pos types.Position, err error) error {
	return t.breakable(types.EventException, pos, err)
}

func (t *Thread) breakable(ev types.ExecEvent, pos types.Position, cause error) error {
	if err := t.check(); err != nil {
		return err
	}
	top, ok := t.stack.Top()
	if !ok {
		return errors.ProtocolViolation("%s event at line %d with no current frame", ev, pos.Line)
	}

	next := top
	next.Event = ev
	next.Pos = pos
	next.Err = cause
	popped, pushed, _ := t.stack.Swap(next)
	t.logger.Trace().Int("depth", pushed.Depth).Str("frame", pushed.String()).Msg("swap")
	t.observers.swapped(popped, pushed)

	if t.gate == nil {
		return nil
	}
	action, err := t.gate.Decide(t, pushed)
	if err != nil {
		return err
	}
	if action == types.ActionStop {
		return t.stop(errors.Stopped("stop requested at " + pushed.String()))
	}
	return nil
}

// Return swaps the current frame to a return frame at the same position and
// then pops it. Return frames are not breakable. After a stop, Return is a
// no-op so adapters can finish unwinding.
func (t *Thread) Return() error {
	if t.stopped != nil {
		return nil
	}
	top, ok := t.stack.Top()
	if !ok {
		return errors.ProtocolViolation("return event with no current frame")
	}

	next := top
	next.Event = types.EventReturn
	next.Err = nil
	popped, pushed, _ := t.stack.Swap(next)
	t.logger.Trace().Int("depth", pushed.Depth).Str("frame", pushed.String()).Msg("swap")
	t.observers.swapped(popped, pushed)

	t.pop(types.EventReturn)
	return nil
}

// Unwind pops every open frame, innermost first, and reports each pop.
func (t *Thread) Unwind() {
	for t.stack.Len() > 0 {
		t.pop(types.EventReturn)
	}
}

// Stop ends the thread: open frames are unwound and every later event
// returns the stop error.
func (t *Thread) Stop(reason string) error {
	if t.stopped != nil {
		return t.stopped
	}
	return t.stop(errors.Stopped(reason))
}

func (t *Thread) stop(err error) error {
	t.stopped = err
	t.Unwind()
	t.logger.Debug().Err(err).Msg("thread stopped")
	return err
}

func (t *Thread) pop(ev types.ExecEvent) {
	popped, _ := t.stack.Pop()
	popped.Event = ev
	returnTo, _ := t.stack.Top()
	t.pops++
	t.logger.Trace().Int("depth", popped.Depth).Str("frame", popped.String()).Msg("pop")
	t.observers.popped(popped, returnTo)
}

// check rejects events once the thread has stopped or its context is done
func (t *Thread) check() error {
	if t.stopped != nil {
		return t.stopped
	}
	if err := t.ctx.Err(); err != nil {
		return t.stop(errors.Stopped(err.Error()))
	}
	return nil
}

// Stopped returns the stop error, or nil while the thread is live
func (t *Thread) Stopped() error { return t.stopped }

// Depth returns the number of open frames
func (t *Thread) Depth() int { return t.stack.Len() }

// Current returns the innermost frame
func (t *Thread) Current() (types.ExecFrame, bool) { return t.stack.Top() }

// Frames copies the open frames, outermost first
func (t *Thread) Frames() []types.ExecFrame { return t.stack.Snapshot() }

// Counts returns the number of pushes and pops reported so far
func (t *Thread) Counts() (pushes, pops int) { return t.pushes, t.pops }
