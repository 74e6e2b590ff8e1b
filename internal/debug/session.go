package debug

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/trace"
	"github.com/ctagard/codetrace/internal/vars"
	"github.com/ctagard/codetrace/pkg/types"
)

// State is the pause state of a Session
type State int

const (
	// StateIdle means no pause is in progress and no step is armed
	StateIdle State = iota
	// StatePaused means Controls.Pause is running
	StatePaused
	// StateResuming means a step condition is armed for the next pause
	StateResuming
	// StateDetached means the controls are released; no further pauses happen
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePaused:
		return "paused"
	case StateResuming:
		return "resuming"
	case StateDetached:
		return "detached"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var errPauseEnded = errors.ProtocolViolation("variables read after the pause ended")

// Session drives one Controls instance for one execution thread. It
// implements trace.Gate.
type Session struct {
	controls    Controls
	context     types.ContextIdentity
	logger      zerolog.Logger
	output      io.Writer
	onPause     func(reason types.PauseReason, action types.DebugAction)
	breakOnErrs bool

	mu        sync.Mutex
	state     State
	step      types.DebugAction
	stepDepth int
	deciding  bool
	detachErr error
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithContext tags every pause with the execution's identity
func WithContext(id types.ContextIdentity) SessionOption {
	return func(s *Session) { s.context = id }
}

// WithLogger sets the session logger
func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithOutput sets where logpoint messages are written
func WithOutput(w io.Writer) SessionOption {
	return func(s *Session) { s.output = w }
}

// WithPauseHook registers a callback invoked after each pause decision
func WithPauseHook(fn func(reason types.PauseReason, action types.DebugAction)) SessionOption {
	return func(s *Session) { s.onPause = fn }
}

// WithExceptionBreaks pauses on every exception event, not only on those at a
// breakpoint or step target.
func WithExceptionBreaks(enabled bool) SessionOption {
	return func(s *Session) { s.breakOnErrs = enabled }
}

// NewSession attaches controls to a new session
func NewSession(controls Controls, opts ...SessionOption) *Session {
	s := &Session{
		controls: controls,
		logger:   zerolog.Nop(),
		output:   io.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Controls returns the attached controls
func (s *Session) Controls() Controls { return s.controls }

// State returns the current pause state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Decide implements trace.Gate
func (s *Session) Decide(t *trace.Thread, f types.ExecFrame) (types.DebugAction, error) {
	if !f.Event.Breakable() {
		return types.ActionContinue, nil
	}

	s.mu.Lock()
	if s.state == StateDetached {
		s.mu.Unlock()
		return types.ActionContinue, nil
	}
	if s.deciding {
		s.mu.Unlock()
		return types.ActionContinue, errors.ProtocolViolation("pause re-entered on thread %d before the previous pause proceeded", f.Thread)
	}
	if !f.Valid() || t.Depth() == 0 {
		s.mu.Unlock()
		return types.ActionContinue, errors.ProtocolViolation("pause requested with no current frame")
	}
	s.deciding = true
	stepping := s.stepSatisfied(f)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.deciding = false
		s.mu.Unlock()
	}()

	lazy := vars.NewLazy(t.Evaluator(), f, errPauseEnded)
	defer lazy.Invalidate()

	var hits []*Breakpoint
	for _, bp := range s.controls.Breakpoints().Matching(f, lazy.Snapshot) {
		if bp.IsLogpoint() {
			s.logpoint(bp, lazy)
			continue
		}
		hits = append(hits, bp)
	}

	var reason types.PauseReason
	switch {
	case f.Event == types.EventException && (len(hits) > 0 || stepping || s.breakOnErrs):
		reason = types.PauseException
	case len(hits) > 0:
		reason = types.PauseBreakpoint
	case stepping:
		reason = types.PauseStep
	default:
		return types.ActionContinue, nil
	}

	s.mu.Lock()
	s.state = StatePaused
	s.mu.Unlock()

	p := &Pause{
		Frame:       f,
		Reason:      reason,
		Breakpoints: hits,
		Context:     s.context,
		stack:       t.Frames(),
		vars:        lazy,
	}
	s.logger.Debug().
		Str("reason", string(reason)).
		Str("frame", f.String()).
		Int("breakpoints", len(hits)).
		Msg("paused")

	action := s.controls.Pause(p)
	lazy.Invalidate()

	s.mu.Lock()
	switch action {
	case types.ActionStepIn, types.ActionStepOver, types.ActionStepOut:
		s.state = StateResuming
		s.step = action
		s.stepDepth = f.Depth
	default:
		s.state = StateIdle
		s.step = types.ActionContinue
	}
	s.mu.Unlock()

	s.controls.Proceed(action)

	if s.onPause != nil {
		s.onPause(reason, action)
	}
	s.logger.Debug().Str("action", action.String()).Msg("resumed")

	if action == types.ActionDisconnect {
		s.detach()
		return types.ActionContinue, nil
	}
	return action, nil
}

// stepSatisfied reports whether f ends the armed step. Caller holds mu.
func (s *Session) stepSatisfied(f types.ExecFrame) bool {
	if s.state != StateResuming {
		return false
	}
	switch s.step {
	case types.ActionStepIn:
		return true
	case types.ActionStepOver:
		return f.Depth <= s.stepDepth
	case types.ActionStepOut:
		return f.Depth < s.stepDepth
	}
	return false
}

func (s *Session) logpoint(bp *Breakpoint, lazy *vars.Lazy) {
	snap, err := lazy.Snapshot()
	if err != nil {
		s.logger.Warn().Err(err).Str("breakpoint", bp.String()).Msg("logpoint evaluation failed")
		return
	}
	fmt.Fprintln(s.output, bp.Message(snap))
}

// Detach releases the controls. It is idempotent and returns the error
// reported by a Detacher, including one raised by an earlier disconnect.
func (s *Session) Detach() error {
	s.detach()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachErr
}

func (s *Session) detach() {
	s.mu.Lock()
	if s.state == StateDetached {
		s.mu.Unlock()
		return
	}
	s.state = StateDetached
	s.mu.Unlock()

	d, ok := s.controls.(Detacher)
	if !ok {
		return
	}
	if err := d.OnDetached(); err != nil {
		s.mu.Lock()
		s.detachErr = errors.ProtocolViolation("debug controls rejected detach: %v", err).WithCause(err)
		s.mu.Unlock()
	}
}
