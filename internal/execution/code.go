// Package execution binds source units to language adapters and runs them
// under the three context kinds: plain runs, debug sessions and profiled runs.
//
// A Code compiles its source once and can be executed any number of times,
// sequentially or concurrently. Every execution gets its own trace thread,
// its own debug session and its own profiler run, so concurrent executions
// of one Code never share mutable tracer state. Executions started while a
// Group is open on the Code become children of that group.
package execution

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ctagard/codetrace/internal/adapters"
	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/metrics"
	"github.com/ctagard/codetrace/internal/profiler"
	"github.com/ctagard/codetrace/internal/trace"
	"github.com/ctagard/codetrace/pkg/types"
)

const tracerName = "codetrace.execution"

// Code is a source unit bound to a language adapter
type Code struct {
	ref     types.CodeReference
	source  string
	adapter adapters.Adapter

	logger   zerolog.Logger
	metrics  *metrics.Metrics
	tracer   oteltrace.Tracer
	controls debug.Controls
	profiler profiler.Profiler
	timeout  time.Duration
	limit    int

	buildMu  sync.Mutex
	built    bool
	unit     adapters.Unit
	buildErr error

	mu    sync.Mutex
	group *Group
}

// CodeOption configures a Code
type CodeOption func(*Code)

func WithLogger(l zerolog.Logger) CodeOption {
	return func(c *Code) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) CodeOption {
	return func(c *Code) { c.metrics = m }
}

// WithTracerProvider sets where execution spans are reported. The global
// provider is used otherwise.
func WithTracerProvider(tp oteltrace.TracerProvider) CodeOption {
	return func(c *Code) { c.tracer = tp.Tracer(tracerName) }
}

// WithControls sets the controls used by debug executions whose context and
// group carry none
func WithControls(ctrl debug.Controls) CodeOption {
	return func(c *Code) { c.controls = ctrl }
}

// WithProfiler sets the profiler used by profile executions whose context
// and group carry none
func WithProfiler(p profiler.Profiler) CodeOption {
	return func(c *Code) { c.profiler = p }
}

// WithTimeout bounds every execution. Zero means no limit.
func WithTimeout(d time.Duration) CodeOption {
	return func(c *Code) { c.timeout = d }
}

// WithConcurrency bounds the number of children a group runs at once with Go
func WithConcurrency(n int) CodeOption {
	return func(c *Code) { c.limit = n }
}

// NewCode binds source to the adapter registered for lang. Compilation is
// deferred to the first Build or execution.
func NewCode(reg *adapters.Registry, lang types.Language, title, source string, opts ...CodeOption) (*Code, error) {
	adapter, err := reg.Get(lang)
	if err != nil {
		return nil, err
	}
	c := &Code{
		ref: types.CodeReference{
			ID:          uuid.NewString(),
			Title:       title,
			Language:    lang,
			Fingerprint: xxh3.HashString(source),
		},
		source:  source,
		adapter: adapter,
		logger:  zerolog.Nop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Code) Ref() types.CodeReference { return c.ref }

func (c *Code) Source() string { return c.source }

// Build compiles the source once. The outcome, success or compile error, is
// cached.
func (c *Code) Build(ctx context.Context) (adapters.Unit, error) {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	if c.built {
		return c.unit, c.buildErr
	}

	_, span := c.tracer.Start(ctx, "execution.build", oteltrace.WithAttributes(
		attribute.String("code.title", c.ref.Title),
		attribute.String("code.language", string(c.ref.Language)),
	))
	defer span.End()

	c.unit, c.buildErr = c.adapter.Compile(c.ref, c.source)
	c.built = true
	if c.buildErr != nil {
		c.unit = nil
		span.RecordError(c.buildErr)
		span.SetStatus(codes.Error, c.buildErr.Error())
		c.logger.Warn().Err(c.buildErr).Str("code", c.ref.String()).Msg("compile failed")
	}
	return c.unit, c.buildErr
}

// Lines returns the lines that can carry a breakpoint, when the adapter
// reports them
func (c *Code) Lines(ctx context.Context) ([]int, error) {
	unit, err := c.Build(ctx)
	if err != nil {
		return nil, err
	}
	if l, ok := unit.(interface{ Lines() []int }); ok {
		return l.Lines(), nil
	}
	return nil, nil
}

// Run executes the code without instrumentation
func (c *Code) Run(ctx context.Context, rc *RunContext) error {
	g, err := c.openGroup(types.BuildRun)
	if err != nil {
		return err
	}
	return c.run(ctx, rc, g)
}

// Debug executes the code under the controls of dc, falling back to those of
// the open group and then to the Code's own
func (c *Code) Debug(ctx context.Context, dc *DebugContext) error {
	g, err := c.openGroup(types.BuildDebug)
	if err != nil {
		return err
	}
	return c.debug(ctx, dc, g)
}

// Profile executes the code while recording it into the profiler of pc,
// falling back to that of the open group and then to the Code's own
func (c *Code) Profile(ctx context.Context, pc *ProfileContext) error {
	g, err := c.openGroup(types.BuildProfile)
	if err != nil {
		return err
	}
	return c.profile(ctx, pc, g)
}

func (c *Code) run(ctx context.Context, rc *RunContext, g *Group) error {
	if rc == nil {
		return errors.InvalidParameter("context", nil, "a RunContext")
	}
	return c.execute(ctx, request{kind: types.BuildRun, rc: rc, group: g, profiler: g.recorder()})
}

func (c *Code) debug(ctx context.Context, dc *DebugContext, g *Group) error {
	if dc == nil {
		return errors.InvalidParameter("context", nil, "a DebugContext")
	}
	if err := c.compile(ctx); err != nil {
		return err
	}
	ctrl := dc.Controls
	if ctrl == nil && g != nil {
		ctrl = g.controls
	}
	if ctrl == nil {
		ctrl = c.controls
	}
	if ctrl == nil {
		return errors.NoDebugControls(c.ref.String())
	}
	return c.execute(ctx, request{
		kind:            types.BuildDebug,
		rc:              &dc.RunContext,
		group:           g,
		controls:        ctrl,
		exceptionBreaks: dc.ExceptionBreaks,
		profiler:        g.recorder(),
	})
}

func (c *Code) profile(ctx context.Context, pc *ProfileContext, g *Group) error {
	if pc == nil {
		return errors.InvalidParameter("context", nil, "a ProfileContext")
	}
	if err := c.compile(ctx); err != nil {
		return err
	}
	p := pc.Profiler
	if p == nil {
		p = g.recorder()
	}
	if p == nil {
		p = c.profiler
	}
	if p == nil {
		return errors.NoProfiler(c.ref.String())
	}
	return c.execute(ctx, request{kind: types.BuildProfile, rc: &pc.RunContext, group: g, profiler: p})
}

// compile builds the code before controls or a profiler are resolved
func (c *Code) compile(ctx context.Context) error {
	if _, err := c.Build(ctx); err != nil {
		return c.compileFailure(err)
	}
	return nil
}

func (c *Code) compileFailure(err error) error {
	return errors.ExecuteFailed(c.ref.String(), types.Position{Line: lineOf(err)}, err)
}

// openGroup returns the group executions of kind join, if any. Instrumented
// executions are refused while a run group is open.
func (c *Code) openGroup(kind types.BuildKind) (*Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.group
	if g != nil && g.kind == types.BuildRun && kind != types.BuildRun {
		return nil, errors.RunGroupExists(c.ref.String(), g.kind)
	}
	return g, nil
}

// request is one execution to perform
type request struct {
	kind            types.BuildKind
	rc              *RunContext
	group           *Group
	controls        debug.Controls
	exceptionBreaks bool
	profiler        profiler.Profiler
}

func (c *Code) execute(ctx context.Context, req request) (err error) {
	rc := req.rc
	if rc.Inputs == nil {
		rc.Inputs = NewInputs(nil)
	}

	if req.group != nil {
		if err := req.group.enter(); err != nil {
			return err
		}
		defer req.group.leave()
	}

	id := types.ContextIdentity{ID: uuid.NewString()}
	if req.group != nil {
		id.Parent = req.group.ID()
	}
	rc.setIdentity(id)

	release := rc.Inputs.freeze()
	defer release()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	log := c.logger.With().
		Str("code", c.ref.String()).
		Str("kind", string(req.kind)).
		Str("context", id.ID).
		Str("group", id.Parent).
		Logger()

	ctx, span := c.tracer.Start(ctx, "execution."+string(req.kind), oteltrace.WithAttributes(
		attribute.String("code.title", c.ref.Title),
		attribute.String("code.language", string(c.ref.Language)),
		attribute.String("context.id", id.ID),
		attribute.String("group.id", id.Parent),
	))
	defer span.End()

	start := time.Now()
	c.metrics.ExecutionStarted()
	var pushes, pops int
	defer func() {
		elapsed := time.Since(start)
		outcome := outcomeOf(err)
		c.metrics.ExecutionFinished(string(req.kind), outcome, elapsed)
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil && !errors.IsStopped(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		ev := log.Info()
		if err != nil && !errors.IsStopped(err) {
			ev = log.Warn().Err(err)
		}
		ev.Str("outcome", outcome).
			Int("pushes", pushes).
			Int("pops", pops).
			Dur("elapsed", elapsed).
			Msg("execution finished")
	}()

	unit, err := c.Build(ctx)
	if err != nil {
		return c.compileFailure(err)
	}

	log.Debug().Msg("execution started")

	run := profiler.Default.Begin()
	if req.profiler != nil {
		run = req.profiler.Begin()
	}
	run.BeginContext(id)
	defer func() {
		run.EndContext(id)
		run.End()
	}()

	topts := []trace.Option{trace.WithLogger(log)}
	if req.profiler != nil {
		topts = append(topts, trace.WithObserver(profiler.Observer(run)))
	}

	var session *debug.Session
	if req.controls != nil {
		session = debug.NewSession(req.controls,
			debug.WithContext(id),
			debug.WithLogger(log),
			debug.WithOutput(rc.stdout()),
			debug.WithExceptionBreaks(req.exceptionBreaks),
			debug.WithPauseHook(func(reason types.PauseReason, action types.DebugAction) {
				c.metrics.Paused(string(reason), action.String())
			}),
		)
		topts = append(topts, trace.WithGate(session))
		if o, ok := req.controls.(trace.Observer); ok {
			topts = append(topts, trace.WithObserver(o))
		}
	}

	thread := trace.NewThread(ctx, topts...)
	env := &adapters.Env{
		Thread:          thread,
		Inputs:          rc.inputs(),
		Options:         map[string]any(rc.Options),
		Stdout:          rc.stdout(),
		Logger:          log,
		AutoApplyParams: rc.AutoApplyParams,
	}
	if rc.Outputs != nil {
		env.Outputs = rc.Outputs
	}
	if req.group != nil {
		env.Scope = req.group.ID()
	}

	err = unit.Execute(ctx, env)

	if depth := thread.Depth(); depth != 0 {
		thread.Unwind()
		verr := errors.ProtocolViolation("%s left %d frames open", c.ref, depth)
		if err != nil {
			verr = verr.WithCause(err)
		}
		err = verr
	}
	pushes, pops = thread.Counts()

	if session != nil {
		if derr := session.Detach(); derr != nil {
			if err == nil || errors.IsStopped(err) {
				err = derr
			} else {
				log.Warn().Err(derr).Msg("detach failed after execution error")
			}
		}
	}
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsStopped(err):
		return "stopped"
	case errors.IsProtocolViolation(err):
		return "violation"
	case errors.IsCompile(err):
		return "compile_failed"
	case errors.IsExecute(err):
		return "failed"
	}
	return "error"
}

// lineOf returns the line recorded on a structured error, or zero
func lineOf(err error) int {
	var de *errors.DebugError
	if stderrors.As(err, &de) {
		if line, ok := de.Details["line"].(int); ok {
			return line
		}
	}
	return 0
}
