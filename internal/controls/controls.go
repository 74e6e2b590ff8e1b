// Package controls provides ready-made debug.Controls implementations used by
// the CLI, the MCP server and tests: run-through, scripted stepping, pause
// expectations, variable verification, exception capture and stack recording.
//
// Every type here is safe to share between the children of a debug group.
package controls

import (
	"sync"

	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/pkg/types"
)

// ContinueAll resumes every pause and counts them
type ContinueAll struct {
	debug.Base

	mu     sync.Mutex
	pauses []debug.Pause
}

func NewContinueAll() *ContinueAll {
	return &ContinueAll{}
}

func (c *ContinueAll) Pause(p *debug.Pause) types.DebugAction {
	c.mu.Lock()
	c.pauses = append(c.pauses, *p)
	c.mu.Unlock()
	return types.ActionContinue
}

// Count returns the number of pauses seen
func (c *ContinueAll) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pauses)
}

// Lines returns the paused lines in order
func (c *ContinueAll) Lines() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.pauses))
	for i, p := range c.pauses {
		out[i] = p.Line()
	}
	return out
}

// Stopper stops the execution at the first pause
type Stopper struct {
	debug.Base

	mu      sync.Mutex
	stopped *types.ExecFrame
}

func NewStopper() *Stopper {
	return &Stopper{}
}

func (s *Stopper) Pause(p *debug.Pause) types.DebugAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped == nil {
		f := p.Frame
		s.stopped = &f
	}
	return types.ActionStop
}

// StoppedAt returns the frame the execution was stopped at
func (s *Stopper) StoppedAt() (types.ExecFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped == nil {
		return types.ExecFrame{}, false
	}
	return *s.stopped, true
}

// ActionQueue answers pauses with queued actions in order, then continues
type ActionQueue struct {
	debug.Base

	mu      sync.Mutex
	actions []types.DebugAction
	lines   []int
}

func NewActionQueue(actions ...types.DebugAction) *ActionQueue {
	return &ActionQueue{actions: append([]types.DebugAction(nil), actions...)}
}

func (q *ActionQueue) Pause(p *debug.Pause) types.DebugAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lines = append(q.lines, p.Line())
	if len(q.actions) == 0 {
		return types.ActionContinue
	}
	a := q.actions[0]
	q.actions = q.actions[1:]
	return a
}

// Remaining returns the number of actions not used yet
func (q *ActionQueue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Lines returns the paused lines in order
func (q *ActionQueue) Lines() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int(nil), q.lines...)
}
