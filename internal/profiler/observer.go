package profiler

import (
	"github.com/ctagard/codetrace/internal/trace"
	"github.com/ctagard/codetrace/pkg/types"
)

// Observer feeds a thread's transitions into run. Pushes are traced as calls,
// swaps as the pushed frame and pops as returns. The swap to a return frame
// is skipped since the pop that follows it is traced.
func Observer(run Run) trace.Observer {
	return trace.ObserverFuncs{
		Pushed: run.Trace,
		Swapped: func(_, pushed types.ExecFrame) {
			if pushed.Event != types.EventReturn {
				run.Trace(pushed)
			}
		},
		Popped: func(popped, _ types.ExecFrame) {
			popped.Event = types.EventReturn
			run.Trace(popped)
		},
	}
}
