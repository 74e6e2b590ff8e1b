// Package debug coordinates breakpoints, pauses and stepping between an
// executing thread and the debug controls supplied by the host.
//
// A Session sits between the tracer and a Controls implementation. For every
// breakable frame it decides whether to pause: breakpoint matches first, then
// the step condition armed by the previous pause. While Controls.Pause runs the
// executing thread is blocked and the frame's variables can be inspected
// through the Pause. Once Pause returns, the snapshot is invalidated, the step
// condition for the next pause is armed and Controls.Proceed is called before
// the thread resumes.
package debug

import (
	"sync"

	"github.com/ctagard/codetrace/pkg/types"
)

// Controls is the host side of the debug protocol
type Controls interface {
	// Breakpoints returns the live breakpoint set
	Breakpoints() *Registry
	// Pause is called on the executing thread while it is suspended and
	// returns how execution should continue.
	Pause(p *Pause) types.DebugAction
	// Proceed is called once after Pause returned, before the thread resumes.
	Proceed(action types.DebugAction)
}

// Detacher is implemented by controls that validate their expectations when
// the session ends or disconnects. A non-nil error fails the execution.
type Detacher interface {
	OnDetached() error
}

// Base provides the breakpoint registry for Controls implementations.
// Embed it and implement Pause and Proceed.
type Base struct {
	once sync.Once
	bps  *Registry
}

// Breakpoints returns the registry, creating it on first use
func (b *Base) Breakpoints() *Registry {
	b.once.Do(func() {
		b.bps = NewRegistry()
	})
	return b.bps
}

// Proceed is a no-op
func (b *Base) Proceed(types.DebugAction) {}

// Func adapts a pause handler to Controls
type Func func(p *Pause) types.DebugAction

// Controls wraps f with its own registry
func (f Func) Controls() Controls {
	return &funcControls{fn: f}
}

type funcControls struct {
	Base
	fn Func
}

func (c *funcControls) Pause(p *Pause) types.DebugAction {
	return c.fn(p)
}
