package execution

import (
	"io"
	"sort"
	"sync"

	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/internal/profiler"
	"github.com/ctagard/codetrace/pkg/types"
)

// RunContext carries the bindings of an execution. A context can be executed
// any number of times; each execution assigns it a new identity.
type RunContext struct {
	Title   string
	Inputs  *Inputs
	Outputs *Outputs
	Options Options
	Stdout  io.Writer
	// AutoApplyParams fills declared outputs from same-named script
	// variables when the execution finishes
	AutoApplyParams bool

	mu       sync.Mutex
	identity types.ContextIdentity
}

// NewRunContext creates a context with empty inputs and the given outputs
func NewRunContext(title string, outputs ...string) *RunContext {
	return &RunContext{
		Title:   title,
		Inputs:  NewInputs(nil),
		Outputs: NewOutputs(outputs...),
	}
}

// Identity returns the identity of the most recent execution, or
// types.Unknown before the first one
func (c *RunContext) Identity() types.ContextIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *RunContext) setIdentity(id types.ContextIdentity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *RunContext) stdout() io.Writer {
	if c.Stdout == nil {
		return io.Discard
	}
	return c.Stdout
}

func (c *RunContext) inputs() map[string]any {
	if c.Inputs == nil {
		return map[string]any{}
	}
	return c.Inputs.Map()
}

// DebugContext runs code under debug controls
type DebugContext struct {
	RunContext
	Controls debug.Controls
	// ExceptionBreaks pauses on every runtime fault
	ExceptionBreaks bool
}

// NewDebugContext creates a debug context driven by controls
func NewDebugContext(title string, controls debug.Controls, outputs ...string) *DebugContext {
	return &DebugContext{
		RunContext: RunContext{Title: title, Inputs: NewInputs(nil), Outputs: NewOutputs(outputs...)},
		Controls:   controls,
	}
}

// ProfileContext runs code while recording it
type ProfileContext struct {
	RunContext
	Profiler profiler.Profiler
}

// NewProfileContext creates a profile context recording into p
func NewProfileContext(title string, p profiler.Profiler, outputs ...string) *ProfileContext {
	return &ProfileContext{
		RunContext: RunContext{Title: title, Inputs: NewInputs(nil), Outputs: NewOutputs(outputs...)},
		Profiler:   p,
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
