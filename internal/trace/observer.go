package trace

import "github.com/ctagard/codetrace/pkg/types"

// Observer receives stack transitions. Calls happen on the thread that emitted
// the transition while that thread is blocked, so implementations must not
// block for long.
type Observer interface {
	FramePushed(pushed types.ExecFrame)
	FrameSwapped(popped, pushed types.ExecFrame)
	// FramePopped reports the removed frame and the frame execution returns to.
	// returnTo is the zero frame when the stack became empty.
	FramePopped(popped, returnTo types.ExecFrame)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Pushed  func(pushed types.ExecFrame)
	Swapped func(popped, pushed types.ExecFrame)
	Popped  func(popped, returnTo types.ExecFrame)
}

func (o ObserverFuncs) FramePushed(pushed types.ExecFrame) {
	if o.Pushed != nil {
		o.Pushed(pushed)
	}
}

func (o ObserverFuncs) FrameSwapped(popped, pushed types.ExecFrame) {
	if o.Swapped != nil {
		o.Swapped(popped, pushed)
	}
}

func (o ObserverFuncs) FramePopped(popped, returnTo types.ExecFrame) {
	if o.Popped != nil {
		o.Popped(popped, returnTo)
	}
}

// observers is an ordered list delivered front to back
type observers []Observer

func (os observers) pushed(f types.ExecFrame) {
	for _, o := range os {
		o.FramePushed(f)
	}
}

func (os observers) swapped(popped, pushed types.ExecFrame) {
	for _, o := range os {
		o.FrameSwapped(popped, pushed)
	}
}

func (os observers) popped(popped, returnTo types.ExecFrame) {
	for _, o := range os {
		o.FramePopped(popped, returnTo)
	}
}
