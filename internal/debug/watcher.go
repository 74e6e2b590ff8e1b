package debug

import (
	"sync"

	"github.com/ctagard/codetrace/pkg/types"
)

// StackWatcher is a Controls that never pauses and forwards stack transitions
// to callbacks. The execution layer registers controls implementing
// trace.Observer on the thread, so a watcher sees every push, swap and pop.
type StackWatcher struct {
	Base

	mu      sync.Mutex
	pushed  []func(types.ExecFrame)
	swapped []func(popped, pushed types.ExecFrame)
	popped  []func(popped, returnTo types.ExecFrame)
}

// NewStackWatcher creates a watcher with no callbacks
func NewStackWatcher() *StackWatcher {
	return &StackWatcher{}
}

func (w *StackWatcher) OnPushed(fn func(types.ExecFrame)) *StackWatcher {
	w.mu.Lock()
	w.pushed = append(w.pushed, fn)
	w.mu.Unlock()
	return w
}

func (w *StackWatcher) OnSwapped(fn func(popped, pushed types.ExecFrame)) *StackWatcher {
	w.mu.Lock()
	w.swapped = append(w.swapped, fn)
	w.mu.Unlock()
	return w
}

func (w *StackWatcher) OnPopped(fn func(popped, returnTo types.ExecFrame)) *StackWatcher {
	w.mu.Lock()
	w.popped = append(w.popped, fn)
	w.mu.Unlock()
	return w
}

func (w *StackWatcher) Pause(*Pause) types.DebugAction { return types.ActionContinue }

func (w *StackWatcher) FramePushed(f types.ExecFrame) {
	w.mu.Lock()
	fns := w.pushed
	w.mu.Unlock()
	for _, fn := range fns {
		fn(f)
	}
}

func (w *StackWatcher) FrameSwapped(popped, pushed types.ExecFrame) {
	w.mu.Lock()
	fns := w.swapped
	w.mu.Unlock()
	for _, fn := range fns {
		fn(popped, pushed)
	}
}

func (w *StackWatcher) FramePopped(popped, returnTo types.ExecFrame) {
	w.mu.Lock()
	fns := w.popped
	w.mu.Unlock()
	for _, fn := range fns {
		fn(popped, returnTo)
	}
}
