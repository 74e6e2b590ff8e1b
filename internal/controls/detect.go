package controls

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/pkg/types"
)

// PauseDetect checks that breakpoints are hit in an expected order and that
// others are never hit. Expect and DoNotExpect register the breakpoint too.
type PauseDetect struct {
	debug.Base

	mu        sync.Mutex
	expected  []expectedPause
	forbidden map[*debug.Breakpoint]bool
	errs      []error
}

func NewPauseDetect() *PauseDetect {
	return &PauseDetect{forbidden: make(map[*debug.Breakpoint]bool)}
}

type expectedPause struct {
	bp     *debug.Breakpoint
	action types.DebugAction
}

// Expect queues bp as the next breakpoint that must be hit. The pause is
// answered with continue.
func (d *PauseDetect) Expect(bp *debug.Breakpoint) *PauseDetect {
	return d.ExpectAction(bp, types.ActionContinue)
}

// ExpectAction queues bp as the next breakpoint that must be hit and the
// action to answer it with. Pauses that are not at a breakpoint, such as the
// ones a step ends on, continue.
func (d *PauseDetect) ExpectAction(bp *debug.Breakpoint, action types.DebugAction) *PauseDetect {
	d.Breakpoints().Add(bp)
	d.mu.Lock()
	d.expected = append(d.expected, expectedPause{bp: bp, action: action})
	d.mu.Unlock()
	return d
}

// DoNotExpect registers bp as a breakpoint that must never be hit
func (d *PauseDetect) DoNotExpect(bp *debug.Breakpoint) *PauseDetect {
	d.Breakpoints().Add(bp)
	d.mu.Lock()
	d.forbidden[bp] = true
	d.mu.Unlock()
	return d
}

func (d *PauseDetect) Pause(p *debug.Pause) types.DebugAction {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, bp := range p.Breakpoints {
		if d.forbidden[bp] {
			d.errs = append(d.errs, fmt.Errorf("unexpected pause at %s", bp))
		}
	}
	if len(d.expected) == 0 {
		if len(p.Breakpoints) > 0 && !d.onlyForbidden(p) {
			d.errs = append(d.errs, fmt.Errorf("pause at line %d after all expected pauses", p.Line()))
		}
		return types.ActionContinue
	}
	next := d.expected[0]
	if p.Hit(next.bp) {
		d.expected = d.expected[1:]
		return next.action
	}
	if !d.onlyForbidden(p) {
		d.errs = append(d.errs, fmt.Errorf("paused at line %d, expected %s", p.Line(), next.bp))
	}
	return types.ActionContinue
}

func (d *PauseDetect) onlyForbidden(p *debug.Pause) bool {
	for _, bp := range p.Breakpoints {
		if !d.forbidden[bp] {
			return false
		}
	}
	return true
}

// Pending returns the number of expected pauses not seen yet
func (d *PauseDetect) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expected)
}

// Pass returns nil when every expected pause happened in order and no
// forbidden breakpoint was hit.
func (d *PauseDetect) Pass() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	errs := append([]error(nil), d.errs...)
	for _, e := range d.expected {
		errs = append(errs, fmt.Errorf("expected pause at %s did not happen", e.bp))
	}
	return stderrors.Join(errs...)
}

// Step is one scripted answer: the line the pause must be at and the action
// to take there.
type Step struct {
	Line   int
	Action types.DebugAction
	// Check runs during the pause, before the action is returned
	Check func(p *debug.Pause) error
}

// StepScript answers pauses from a fixed list of steps. A pause with no step
// left, or at the wrong line, stops the execution. Detaching with steps left
// fails the session.
type StepScript struct {
	debug.Base

	mu    sync.Mutex
	steps []Step
	seen  int
	errs  []error
}

func NewStepScript(steps ...Step) *StepScript {
	return &StepScript{steps: steps}
}

func (s *StepScript) Pause(p *debug.Pause) types.DebugAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.steps) == 0 {
		s.errs = append(s.errs, fmt.Errorf("unscripted pause at line %d", p.Line()))
		return types.ActionStop
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.seen++

	if step.Line != 0 && step.Line != p.Line() {
		s.errs = append(s.errs, fmt.Errorf("step %d: paused at line %d, expected line %d", s.seen, p.Line(), step.Line))
		return types.ActionStop
	}
	if step.Check != nil {
		if err := step.Check(p); err != nil {
			s.errs = append(s.errs, fmt.Errorf("step %d at line %d: %w", s.seen, p.Line(), err))
		}
	}
	return step.Action
}

// Err returns the mismatches recorded so far
func (s *StepScript) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stderrors.Join(s.errs...)
}

func (s *StepScript) OnDetached() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := append([]error(nil), s.errs...)
	if n := len(s.steps); n > 0 {
		errs = append(errs, fmt.Errorf("%d scripted steps were never reached", n))
	}
	return stderrors.Join(errs...)
}
