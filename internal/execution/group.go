package execution

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ctagard/codetrace/internal/adapters"
	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/profiler"
	"github.com/ctagard/codetrace/pkg/types"
)

// Group correlates the executions of one Code started while it is open.
// Every child records the group id as its parent identity.
type Group struct {
	code     *Code
	id       string
	title    string
	kind     types.BuildKind
	controls debug.Controls
	profiler profiler.Profiler

	eg errgroup.Group

	mu      sync.Mutex
	pending int
	closed  bool
}

// GroupOption configures a Group
type GroupOption func(*Group)

// GroupControls sets the controls used by debug children whose context has none
func GroupControls(ctrl debug.Controls) GroupOption {
	return func(g *Group) { g.controls = ctrl }
}

// GroupProfiler records every child of the group into p
func GroupProfiler(p profiler.Profiler) GroupOption {
	return func(g *Group) { g.profiler = p }
}

// RunWith opens a run group. Debug and profile executions of the code are
// refused until it is closed.
func (c *Code) RunWith(title string, opts ...GroupOption) (*Group, error) {
	return c.open(types.BuildRun, title, opts)
}

// DebugWith opens a debug group
func (c *Code) DebugWith(title string, opts ...GroupOption) (*Group, error) {
	return c.open(types.BuildDebug, title, opts)
}

// ProfileWith opens a profile group recording into p, or into the Code's
// profiler when p is nil
func (c *Code) ProfileWith(title string, p profiler.Profiler, opts ...GroupOption) (*Group, error) {
	if p == nil {
		p = c.profiler
	}
	if p == nil {
		return nil, errors.NoProfiler(c.ref.String())
	}
	return c.open(types.BuildProfile, title, append([]GroupOption{GroupProfiler(p)}, opts...))
}

func (c *Code) open(kind types.BuildKind, title string, opts []GroupOption) (*Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group != nil {
		return nil, errors.RunGroupExists(c.ref.String(), c.group.kind)
	}

	g := &Group{
		code:  c,
		id:    uuid.NewString(),
		title: title,
		kind:  kind,
	}
	for _, opt := range opts {
		opt(g)
	}
	if c.limit > 0 {
		g.eg.SetLimit(c.limit)
	}
	if g.profiler != nil {
		g.profiler.BeginContextGroup(g.id)
	}
	c.group = g

	c.logger.Debug().
		Str("code", c.ref.String()).
		Str("group", g.id).
		Str("kind", string(kind)).
		Str("title", title).
		Msg("group opened")
	return g, nil
}

// OpenGroup returns the group currently open on the code, or nil
func (c *Code) OpenGroup() *Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

func (c *Code) release(g *Group) {
	c.mu.Lock()
	if c.group == g {
		c.group = nil
	}
	c.mu.Unlock()

	c.buildMu.Lock()
	unit := c.unit
	c.buildMu.Unlock()
	if r, ok := unit.(adapters.ScopeReleaser); ok {
		r.ReleaseScope(g.id)
	}
}

func (g *Group) ID() string { return g.id }

func (g *Group) Title() string { return g.title }

func (g *Group) Kind() types.BuildKind { return g.kind }

// Identity returns the group identity children point at
func (g *Group) Identity() types.ContextIdentity {
	return types.ContextIdentity{ID: g.id}
}

// Pending returns the number of children that have not finished
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Closed reports whether Close succeeded
func (g *Group) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Run executes rc as a child of the group
func (g *Group) Run(ctx context.Context, rc *RunContext) error {
	return g.code.run(ctx, rc, g)
}

// Debug executes dc as a child of the group
func (g *Group) Debug(ctx context.Context, dc *DebugContext) error {
	if g.kind == types.BuildRun {
		return errors.RunGroupExists(g.code.ref.String(), g.kind)
	}
	return g.code.debug(ctx, dc, g)
}

// Profile executes pc as a child of the group
func (g *Group) Profile(ctx context.Context, pc *ProfileContext) error {
	if g.kind == types.BuildRun {
		return errors.RunGroupExists(g.code.ref.String(), g.kind)
	}
	return g.code.profile(ctx, pc, g)
}

// Go runs fn on its own goroutine. The call counts as a pending child from
// the moment Go returns until fn does.
func (g *Group) Go(ctx context.Context, fn func(ctx context.Context) error) {
	g.mu.Lock()
	g.pending++
	g.mu.Unlock()

	g.eg.Go(func() error {
		defer g.leave()
		return fn(ctx)
	})
}

// Wait blocks until every function started with Go has returned and reports
// the first error
func (g *Group) Wait() error {
	return g.eg.Wait()
}

// Close ends the group. It fails with GroupPending while children are still
// running and leaves the group open; closing a closed group is a no-op.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	if g.pending > 0 {
		n := g.pending
		g.mu.Unlock()
		return errors.GroupPending(g.id, n)
	}
	g.closed = true
	g.mu.Unlock()

	if g.profiler != nil {
		g.profiler.EndContextGroup(g.id)
	}
	g.code.release(g)

	g.code.logger.Debug().
		Str("code", g.code.ref.String()).
		Str("group", g.id).
		Msg("group closed")
	return nil
}

func (g *Group) enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors.GroupClosed(g.id)
	}
	g.pending++
	return nil
}

func (g *Group) leave() {
	g.mu.Lock()
	g.pending--
	g.mu.Unlock()
}

func (g *Group) recorder() profiler.Profiler {
	if g == nil {
		return nil
	}
	return g.profiler
}
