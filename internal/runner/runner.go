// Package runner executes jobs on behalf of hosts: the MCP server and the CLI.
//
// A Job names a source unit, its bindings and how often to execute it. The
// runner compiles the unit once, opens a group of the job's kind and runs
// every repetition as a child of that group, so all of them share one group
// identity. Debug children pause under their own recorder and, when a session
// manager is configured, are kept as recorded sessions. Profile children
// share one recorder that is returned with the report.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ctagard/codetrace/internal/adapters"
	"github.com/ctagard/codetrace/internal/config"
	"github.com/ctagard/codetrace/internal/controls"
	"github.com/ctagard/codetrace/internal/dap"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/execution"
	"github.com/ctagard/codetrace/internal/launchconfig"
	"github.com/ctagard/codetrace/internal/metrics"
	"github.com/ctagard/codetrace/internal/profiler"
	"github.com/ctagard/codetrace/pkg/types"
)

// Job describes one request to execute code
type Job struct {
	Kind     types.BuildKind
	Language types.Language
	Title    string
	Source   string

	Inputs  map[string]any
	Outputs []string
	Options map[string]any

	Breakpoints     []launchconfig.BreakpointConfig
	Actions         []types.DebugAction
	ExceptionBreaks bool
	// MaxPauses caps the pauses recorded per debug child; zero means no cap
	MaxPauses int

	// Repeat is the number of children; values below 1 mean one
	Repeat int
}

// FromConfiguration turns a resolved launch configuration into a job
func FromConfiguration(r *launchconfig.ResolvedConfiguration) *Job {
	return &Job{
		Kind:            r.Kind,
		Language:        r.Language,
		Title:           r.Title,
		Source:          r.Text,
		Inputs:          r.Inputs,
		Outputs:         r.Outputs,
		Options:         r.Options,
		Breakpoints:     r.Configuration.Breakpoints,
		Actions:         r.Actions,
		ExceptionBreaks: r.ExceptionBreaks,
		Repeat:          r.Repeat,
	}
}

func (j *Job) runs() int {
	if j.Repeat < 1 {
		return 1
	}
	return j.Repeat
}

// RunReport is the outcome of one child execution
type RunReport struct {
	Context   types.ContextIdentity `json:"context"`
	Outcome   string                `json:"outcome"`
	Outputs   map[string]any        `json:"outputs,omitempty"`
	Stdout    string                `json:"stdout,omitempty"`
	Error     *errors.DebugError    `json:"error,omitempty"`
	SessionID string                `json:"sessionId,omitempty"`
	Pauses    []dap.PauseRecord     `json:"pauses,omitempty"`
}

// Report is the outcome of a job
type Report struct {
	Kind  types.BuildKind     `json:"kind"`
	Code  types.CodeReference `json:"code"`
	Group string              `json:"group"`
	Runs  []RunReport         `json:"runs"`

	// Profile jobs only
	Coverage   []int              `json:"coverage,omitempty"`
	DurationMs float64            `json:"durationMs,omitempty"`
	Recorder   *profiler.Recorder `json:"-"`
}

// Failed reports whether any child ended with an error other than a stop
func (r *Report) Failed() bool {
	for _, run := range r.Runs {
		if run.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// SessionIDs returns the recorded session of every debug child
func (r *Report) SessionIDs() []string {
	var ids []string
	for _, run := range r.Runs {
		if run.SessionID != "" {
			ids = append(ids, run.SessionID)
		}
	}
	return ids
}

// Outcomes of a child execution
const (
	OutcomeOK      = "ok"
	OutcomeStopped = "stopped"
	OutcomeFailed  = "failed"
)

// Runner executes jobs
type Runner struct {
	registry *adapters.Registry
	sessions *dap.SessionManager
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	timeout     time.Duration
	concurrency int
}

// Option configures a Runner
type Option func(*Runner)

// WithSessions keeps every debug child as a recorded session
func WithSessions(sm *dap.SessionManager) Option {
	return func(r *Runner) { r.sessions = sm }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLimits applies the execution timeout and concurrency limit
func WithLimits(l config.Limits) Option {
	return func(r *Runner) {
		r.timeout = l.ExecutionTimeout
		r.concurrency = l.MaxConcurrentRuns
	}
}

// New creates a runner compiling code with reg
func New(reg *adapters.Registry, opts ...Option) *Runner {
	r := &Runner{
		registry: reg,
		logger:   zerolog.Nop(),
		metrics:  metrics.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute compiles the job's source and runs it. Setup failures, such as an
// unknown language, a compile error or an invalid breakpoint, are returned as
// errors; the outcome of each child is reported in the Report.
func (r *Runner) Execute(ctx context.Context, j *Job) (*Report, error) {
	code, err := execution.NewCode(r.registry, j.Language, j.Title, j.Source,
		execution.WithLogger(r.logger),
		execution.WithMetrics(r.metrics),
		execution.WithTimeout(r.timeout),
		execution.WithConcurrency(r.concurrency),
	)
	if err != nil {
		return nil, err
	}
	if _, err := code.Build(ctx); err != nil {
		return nil, err
	}
	// Validate breakpoints before anything runs
	if _, err := launchconfig.NewBreakpoints(code.Ref(), j.Breakpoints); err != nil {
		return nil, errors.InvalidParameter("breakpoints", err.Error(), "breakpoints with positive lines and valid conditions")
	}

	report := &Report{Kind: j.Kind, Code: code.Ref(), Runs: make([]RunReport, j.runs())}

	var g *execution.Group
	var child func(ctx context.Context, i int) RunReport
	switch j.Kind {
	case types.BuildRun:
		g, err = code.RunWith(j.Title)
		child = func(ctx context.Context, i int) RunReport {
			var stdout bytes.Buffer
			rc := execution.NewRunContext(childTitle(j, i), j.Outputs...)
			bind(rc, j, &stdout)
			return r.report(rc, &stdout, g.Run(ctx, rc))
		}

	case types.BuildDebug:
		g, err = code.DebugWith(j.Title)
		child = func(ctx context.Context, i int) RunReport {
			return r.debugChild(ctx, g, code.Ref(), j, i)
		}

	case types.BuildProfile:
		rec := profiler.NewRecorder()
		report.Recorder = rec
		g, err = code.ProfileWith(j.Title, rec)
		child = func(ctx context.Context, i int) RunReport {
			var stdout bytes.Buffer
			pc := execution.NewProfileContext(childTitle(j, i), rec, j.Outputs...)
			bind(&pc.RunContext, j, &stdout)
			return r.report(&pc.RunContext, &stdout, g.Profile(ctx, pc))
		}

	default:
		return nil, errors.InvalidParameter("kind", j.Kind, "'run', 'debug' or 'profile'")
	}
	if err != nil {
		return nil, err
	}
	report.Group = g.ID()

	for i := range report.Runs {
		g.Go(ctx, func(ctx context.Context) error {
			report.Runs[i] = child(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	if err := g.Close(); err != nil {
		return nil, err
	}

	if j.Kind == types.BuildDebug && r.sessions != nil && len(report.Runs) > 1 {
		r.sessions.TrackCompoundSession(g.ID(), report.SessionIDs(), true)
	}
	if report.Recorder != nil {
		report.Coverage = report.Recorder.Coverage(code.Ref())
		report.DurationMs = float64(report.Recorder.Duration(code.Ref())) / float64(time.Millisecond)
	}

	r.logger.Debug().
		Str("code", code.Ref().String()).
		Str("group", g.ID()).
		Str("kind", string(j.Kind)).
		Int("runs", len(report.Runs)).
		Bool("failed", report.Failed()).
		Msg("job finished")
	return report, nil
}

func (r *Runner) debugChild(ctx context.Context, g *execution.Group, ref types.CodeReference, j *Job, i int) RunReport {
	queue := controls.NewActionQueue(j.Actions...)
	// Breakpoints were validated in Execute
	bps, _ := launchconfig.NewBreakpoints(ref, j.Breakpoints)
	queue.Breakpoints().Add(bps...)
	rec := dap.NewRecorder(queue, j.MaxPauses)

	var stdout bytes.Buffer
	dc := execution.NewDebugContext(childTitle(j, i), rec, j.Outputs...)
	dc.ExceptionBreaks = j.ExceptionBreaks
	bind(&dc.RunContext, j, &stdout)

	var session *dap.Session
	if r.sessions != nil {
		var err error
		session, err = r.sessions.CreateSession(j.Language, j.Title, rec)
		if err != nil {
			r.logger.Warn().Err(err).Msg("debug session not recorded")
		}
	}

	err := g.Debug(ctx, dc)
	rep := r.report(&dc.RunContext, &stdout, err)
	rep.Pauses = rec.Records()
	if session != nil {
		rep.SessionID = session.ID
		_ = r.sessions.Finish(session.ID, sessionStatus(err), err)
	}
	return rep
}

func childTitle(j *Job, i int) string {
	if j.runs() == 1 {
		return j.Title
	}
	return fmt.Sprintf("%s#%d", j.Title, i+1)
}

// bind copies the job bindings into rc
func bind(rc *execution.RunContext, j *Job, stdout *bytes.Buffer) {
	for k, v := range j.Inputs {
		// Inputs are only frozen while an execution is running
		_ = rc.Inputs.Set(k, v)
	}
	rc.Options = j.Options
	rc.AutoApplyParams = len(j.Outputs) > 0
	rc.Stdout = stdout
}

func (r *Runner) report(rc *execution.RunContext, stdout *bytes.Buffer, err error) RunReport {
	rep := RunReport{
		Context: rc.Identity(),
		Outcome: outcomeOf(err),
		Stdout:  stdout.String(),
	}
	if len(rc.Outputs.Keys()) > 0 {
		rep.Outputs = rc.Outputs.Map()
	}
	if err != nil {
		rep.Error = errors.FromError(err)
	}
	return rep
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.IsStopped(err):
		return OutcomeStopped
	default:
		return OutcomeFailed
	}
}

func sessionStatus(err error) dap.Status {
	switch outcomeOf(err) {
	case OutcomeOK:
		return dap.StatusCompleted
	case OutcomeStopped:
		return dap.StatusStopped
	default:
		return dap.StatusFailed
	}
}
