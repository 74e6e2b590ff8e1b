package dap

import (
	"sync"

	"github.com/google/go-dap"

	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/internal/trace"
	"github.com/ctagard/codetrace/pkg/types"
)

// PauseRecord is what a DAP client would have seen at one pause
type PauseRecord struct {
	Context    types.ContextIdentity      `json:"context"`
	Stopped    dap.StoppedEventBody       `json:"stopped"`
	StackTrace dap.StackTraceResponseBody `json:"stackTrace"`
	Scopes     []dap.Scope                `json:"scopes"`
	Variables  map[int][]dap.Variable     `json:"variables,omitempty"`
	EvalError  string                     `json:"evalError,omitempty"`
	Action     string                     `json:"action"`
}

// Recorder wraps debug controls and records every pause they decide. It
// forwards breakpoints, decisions, detach checks and stack notifications to
// the wrapped controls.
type Recorder struct {
	inner debug.Controls

	mu      sync.Mutex
	seq     int
	bpIDs   map[*debug.Breakpoint]int
	records []PauseRecord
	limit   int
}

// NewRecorder wraps inner. A positive limit caps the number of records kept;
// later pauses are still decided but not recorded.
func NewRecorder(inner debug.Controls, limit int) *Recorder {
	return &Recorder{
		inner: inner,
		bpIDs: make(map[*debug.Breakpoint]int),
		limit: limit,
	}
}

func (r *Recorder) Breakpoints() *debug.Registry { return r.inner.Breakpoints() }

// BreakpointID returns the id reported for bp in stopped events. Ids are
// assigned in order of first use, starting at 1.
func (r *Recorder) BreakpointID(bp *debug.Breakpoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idLocked(bp)
}

func (r *Recorder) idLocked(bp *debug.Breakpoint) int {
	id, ok := r.bpIDs[bp]
	if !ok {
		id = len(r.bpIDs) + 1
		r.bpIDs[bp] = id
	}
	return id
}

func (r *Recorder) Pause(p *debug.Pause) types.DebugAction {
	rec, keep := r.capture(p)
	action := r.inner.Pause(p)
	if keep {
		rec.Action = action.String()
		r.mu.Lock()
		r.records = append(r.records, rec)
		r.mu.Unlock()
	}
	return action
}

func (r *Recorder) capture(p *debug.Pause) (PauseRecord, bool) {
	r.mu.Lock()
	if r.limit > 0 && len(r.records) >= r.limit {
		r.mu.Unlock()
		return PauseRecord{}, false
	}
	r.seq++
	seq := r.seq
	stopped := StoppedEvent(seq, p, r.idLocked)
	r.mu.Unlock()

	rec := PauseRecord{
		Context:    p.Context,
		Stopped:    stopped.Body,
		StackTrace: StackTrace(p.Stack()),
	}
	snap, err := p.Evaluate()
	if err != nil {
		rec.EvalError = err.Error()
		return rec, true
	}
	var h Handles
	rec.Scopes = Scopes(snap, &h)
	rec.Variables = h.All()
	return rec, true
}

func (r *Recorder) Proceed(action types.DebugAction) { r.inner.Proceed(action) }

// OnDetached forwards the detach check of the wrapped controls
func (r *Recorder) OnDetached() error {
	if d, ok := r.inner.(debug.Detacher); ok {
		return d.OnDetached()
	}
	return nil
}

func (r *Recorder) FramePushed(f types.ExecFrame) {
	if o, ok := r.inner.(trace.Observer); ok {
		o.FramePushed(f)
	}
}

func (r *Recorder) FrameSwapped(popped, pushed types.ExecFrame) {
	if o, ok := r.inner.(trace.Observer); ok {
		o.FrameSwapped(popped, pushed)
	}
}

func (r *Recorder) FramePopped(popped, returnTo types.ExecFrame) {
	if o, ok := r.inner.(trace.Observer); ok {
		o.FramePopped(popped, returnTo)
	}
}

// Records returns the recorded pauses in order
func (r *Recorder) Records() []PauseRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PauseRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Inner returns the wrapped controls
func (r *Recorder) Inner() debug.Controls { return r.inner }
