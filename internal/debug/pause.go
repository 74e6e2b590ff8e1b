package debug

import (
	"github.com/ctagard/codetrace/internal/vars"
	"github.com/ctagard/codetrace/pkg/types"
)

// Pause describes a suspended thread. It is only valid during the
// Controls.Pause call it was passed to; Evaluate fails afterwards.
type Pause struct {
	Frame       types.ExecFrame
	Reason      types.PauseReason
	Breakpoints []*Breakpoint
	Context     types.ContextIdentity

	stack []types.ExecFrame
	vars  *vars.Lazy
}

// Line returns the line the thread is paused at
func (p *Pause) Line() int { return p.Frame.Pos.Line }

// Depth returns the depth of the paused frame
func (p *Pause) Depth() int { return p.Frame.Depth }

// Thread returns the id of the suspended thread
func (p *Pause) Thread() int64 { return p.Frame.Thread }

// Exception returns the error raised at the paused frame, if any
func (p *Pause) Exception() error { return p.Frame.Err }

// Stack returns the thread's frames at the pause, outermost first
func (p *Pause) Stack() []types.ExecFrame {
	out := make([]types.ExecFrame, len(p.stack))
	copy(out, p.stack)
	return out
}

// Evaluate returns the variables visible at the paused frame. Repeated calls
// during the same pause return the same snapshot without re-evaluating.
func (p *Pause) Evaluate() (vars.Snapshot, error) {
	return p.vars.Snapshot()
}

// Hit reports whether bp caused the pause
func (p *Pause) Hit(bp *Breakpoint) bool {
	for _, have := range p.Breakpoints {
		if have == bp {
			return true
		}
	}
	return false
}
