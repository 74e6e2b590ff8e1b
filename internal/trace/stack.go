// Package trace implements the execution tracer that language adapters drive
// at every call, line, return and exception boundary.
//
// Each executing thread owns a Thread: an explicit frame stack plus an ordered
// observer list and an optional Gate that decides whether the thread suspends.
// Transitions are reported synchronously on the calling goroutine, exactly once,
// in emission order. A swap is delivered as one notification, never as a pop
// followed by a push.
package trace

import "github.com/ctagard/codetrace/pkg/types"

// Stack is a per-thread LIFO of frames stored in a flat slice.
type Stack struct {
	frames []types.ExecFrame
}

// Push appends f and returns it with its depth assigned
func (s *Stack) Push(f types.ExecFrame) types.ExecFrame {
	f.Depth = len(s.frames) + 1
	s.frames = append(s.frames, f)
	return f
}

// Pop removes the top frame
func (s *Stack) Pop() (types.ExecFrame, bool) {
	n := len(s.frames)
	if n == 0 {
		return types.ExecFrame{}, false
	}
	f := s.frames[n-1]
	s.frames[n-1] = types.ExecFrame{}
	s.frames = s.frames[:n-1]
	return f, true
}

// Swap replaces the top frame with f and returns both
func (s *Stack) Swap(f types.ExecFrame) (popped, pushed types.ExecFrame, ok bool) {
	n := len(s.frames)
	if n == 0 {
		return types.ExecFrame{}, types.ExecFrame{}, false
	}
	popped = s.frames[n-1]
	f.Depth = n
	s.frames[n-1] = f
	return popped, f, true
}

// Top returns the innermost frame
func (s *Stack) Top() (types.ExecFrame, bool) {
	n := len(s.frames)
	if n == 0 {
		return types.ExecFrame{}, false
	}
	return s.frames[n-1], true
}

// At returns the frame at a 1-based depth
func (s *Stack) At(depth int) (types.ExecFrame, bool) {
	if depth < 1 || depth > len(s.frames) {
		return types.ExecFrame{}, false
	}
	return s.frames[depth-1], true
}

// Len returns the number of open frames
func (s *Stack) Len() int {
	return len(s.frames)
}

// Snapshot copies the frames, outermost first
func (s *Stack) Snapshot() []types.ExecFrame {
	out := make([]types.ExecFrame, len(s.frames))
	copy(out, s.frames)
	return out
}
