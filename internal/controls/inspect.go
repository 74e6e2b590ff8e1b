package controls

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/pkg/types"
)

// VerifyVars evaluates the frame at a breakpoint and compares the result
// against expected values.
type VerifyVars struct {
	debug.Base

	bp       *debug.Breakpoint
	expected map[string]any
	empty    bool

	mu       sync.Mutex
	verified int
	errs     []error
}

// NewVerifyVars checks that every expected id is bound to its value at bp
func NewVerifyVars(bp *debug.Breakpoint, expected map[string]any) *VerifyVars {
	v := &VerifyVars{bp: bp, expected: expected}
	v.Breakpoints().Add(bp)
	return v
}

// NewVerifyEmptyVars checks that no frame variables are visible at bp
func NewVerifyEmptyVars(bp *debug.Breakpoint) *VerifyVars {
	v := &VerifyVars{bp: bp, empty: true}
	v.Breakpoints().Add(bp)
	return v
}

func (v *VerifyVars) Pause(p *debug.Pause) types.DebugAction {
	if !p.Hit(v.bp) {
		return types.ActionContinue
	}
	snap, err := p.Evaluate()

	v.mu.Lock()
	defer v.mu.Unlock()
	v.verified++
	if err != nil {
		v.errs = append(v.errs, fmt.Errorf("line %d: evaluate: %w", p.Line(), err))
		return types.ActionContinue
	}
	if v.empty {
		for _, b := range snap {
			if b.Kind == types.KindFrameVariable {
				v.errs = append(v.errs, fmt.Errorf("line %d: unexpected variable %s", p.Line(), b.ID))
			}
		}
		return types.ActionContinue
	}
	for id, want := range v.expected {
		got, ok := snap.Get(id)
		if !ok {
			v.errs = append(v.errs, fmt.Errorf("line %d: variable %s not visible", p.Line(), id))
			continue
		}
		if !reflect.DeepEqual(got.Value, want) {
			v.errs = append(v.errs, fmt.Errorf("line %d: %s = %v (%T), want %v (%T)", p.Line(), id, got.Value, got.Value, want, want))
		}
	}
	return types.ActionContinue
}

// Verified returns how many pauses were checked
func (v *VerifyVars) Verified() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verified
}

// Err returns the mismatches, or an error if the breakpoint was never hit
func (v *VerifyVars) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verified == 0 {
		return fmt.Errorf("breakpoint %s was never hit", v.bp)
	}
	return stderrors.Join(v.errs...)
}

// ExceptionCapture steps over from its breakpoint and records the exception
// events that follow.
type ExceptionCapture struct {
	debug.Base

	bp *debug.Breakpoint

	mu       sync.Mutex
	captured []types.ExecFrame
}

func NewExceptionCapture(bp *debug.Breakpoint) *ExceptionCapture {
	c := &ExceptionCapture{bp: bp}
	c.Breakpoints().Add(bp)
	return c
}

func (c *ExceptionCapture) Pause(p *debug.Pause) types.DebugAction {
	if p.Reason == types.PauseException {
		c.mu.Lock()
		c.captured = append(c.captured, p.Frame)
		c.mu.Unlock()
		return types.ActionContinue
	}
	if p.Hit(c.bp) {
		return types.ActionStepOver
	}
	return types.ActionContinue
}

// Captured returns the exception frames seen
func (c *ExceptionCapture) Captured() []types.ExecFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ExecFrame, len(c.captured))
	copy(out, c.captured)
	return out
}

// StackAction is one recorded stack transition
type StackAction struct {
	Kind  types.StackActionKind
	Frame types.ExecFrame
	// Other is the popped frame of a swap, or the return-to frame of a pop
	Other types.ExecFrame
}

// StackExpectation is one expected stack transition. From is the frame a
// push adds, a swap replaces or a pop removes; To is the frame a swap puts in
// place and is ignored for pushes and pops.
type StackExpectation struct {
	Kind     types.StackActionKind
	From     types.ExecEvent
	FromLine int
	To       types.ExecEvent
	ToLine   int
}

// ExpectPush expects a push of a frame with ev at line
func ExpectPush(ev types.ExecEvent, line int) StackExpectation {
	return StackExpectation{Kind: types.StackPushed, From: ev, FromLine: line}
}

// ExpectSwap expects the top frame to move from one event and line to another
func ExpectSwap(from types.ExecEvent, fromLine int, to types.ExecEvent, toLine int) StackExpectation {
	return StackExpectation{Kind: types.StackSwapped, From: from, FromLine: fromLine, To: to, ToLine: toLine}
}

// ExpectPop expects the removal of a frame with ev at line
func ExpectPop(ev types.ExecEvent, line int) StackExpectation {
	return StackExpectation{Kind: types.StackPopped, From: ev, FromLine: line}
}

func (e StackExpectation) String() string {
	if e.Kind == types.StackSwapped {
		return fmt.Sprintf("%s %s@%d -> %s@%d", e.Kind, e.From, e.FromLine, e.To, e.ToLine)
	}
	return fmt.Sprintf("%s %s@%d", e.Kind, e.From, e.FromLine)
}

func (a StackAction) expectation() StackExpectation {
	switch a.Kind {
	case types.StackSwapped:
		return ExpectSwap(a.Other.Event, a.Other.Pos.Line, a.Frame.Event, a.Frame.Pos.Line)
	case types.StackPopped:
		return ExpectPop(a.Frame.Event, a.Frame.Pos.Line)
	}
	return ExpectPush(a.Frame.Event, a.Frame.Pos.Line)
}

// StackActions records every stack transition. It never pauses. Once Expect
// is used, every transition is also checked against the expected queue.
type StackActions struct {
	debug.Base

	mu       sync.Mutex
	actions  []StackAction
	checking bool
	expected []StackExpectation
	errs     []error
}

func NewStackActions() *StackActions {
	return &StackActions{}
}

func (s *StackActions) Pause(*debug.Pause) types.DebugAction { return types.ActionContinue }

func (s *StackActions) FramePushed(f types.ExecFrame) {
	s.record(StackAction{Kind: types.StackPushed, Frame: f})
}

func (s *StackActions) FrameSwapped(popped, pushed types.ExecFrame) {
	s.record(StackAction{Kind: types.StackSwapped, Frame: pushed, Other: popped})
}

func (s *StackActions) FramePopped(popped, returnTo types.ExecFrame) {
	s.record(StackAction{Kind: types.StackPopped, Frame: popped, Other: returnTo})
}

// Expect queues transitions that must happen next, in order
func (s *StackActions) Expect(exp ...StackExpectation) *StackActions {
	s.mu.Lock()
	s.checking = true
	s.expected = append(s.expected, exp...)
	s.mu.Unlock()
	return s
}

func (s *StackActions) record(a StackAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
	if !s.checking {
		return
	}
	got := a.expectation()
	if len(s.expected) == 0 {
		s.errs = append(s.errs, fmt.Errorf("transition %d: unexpected %s", len(s.actions), got))
		return
	}
	want := s.expected[0]
	s.expected = s.expected[1:]
	if got != want {
		s.errs = append(s.errs, fmt.Errorf("transition %d: got %s, expected %s", len(s.actions), got, want))
	}
}

// Remaining returns the number of expected transitions not seen yet
func (s *StackActions) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expected)
}

// Err returns the mismatched transitions and the expected ones that never
// happened
func (s *StackActions) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := append([]error(nil), s.errs...)
	for _, e := range s.expected {
		errs = append(errs, fmt.Errorf("expected %s did not happen", e))
	}
	return stderrors.Join(errs...)
}

// Actions returns the recorded transitions in order
func (s *StackActions) Actions() []StackAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StackAction, len(s.actions))
	copy(out, s.actions)
	return out
}

// Balanced reports whether every push was matched by a pop
func (s *StackActions) Balanced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := 0
	for _, a := range s.actions {
		switch a.Kind {
		case types.StackPushed:
			depth++
		case types.StackPopped:
			depth--
		}
	}
	return depth == 0
}
