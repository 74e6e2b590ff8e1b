// Package dap renders pauses as Debug Adapter Protocol messages.
//
// The embedded runtimes never speak DAP on a wire. Instead a Recorder wraps
// the controls of a debug execution and captures, at every pause, the bodies
// a DAP client would have received: the stopped event, the stack trace, the
// scopes of the top frame and the variables below them. Hosts such as the
// MCP server return these recordings to their callers.
package dap

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/google/go-dap"

	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/internal/vars"
	"github.com/ctagard/codetrace/pkg/types"
)

// maxVariableDepth bounds how deep nested tables are expanded
const maxVariableDepth = 4

// StoppedEvent renders p as a stopped event. ids maps the matched breakpoints
// to the ids reported in HitBreakpointIds.
func StoppedEvent(seq int, p *debug.Pause, ids func(*debug.Breakpoint) int) *dap.StoppedEvent {
	body := dap.StoppedEventBody{
		Reason:            string(p.Reason),
		Description:       fmt.Sprintf("Paused on %s", p.Reason),
		ThreadId:          int(p.Thread()),
		AllThreadsStopped: false,
	}
	if p.Reason == types.PauseException && p.Exception() != nil {
		body.Text = p.Exception().Error()
	}
	if ids != nil {
		for _, bp := range p.Breakpoints {
			body.HitBreakpointIds = append(body.HitBreakpointIds, ids(bp))
		}
	}
	return &dap.StoppedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "event"},
			Event:           "stopped",
		},
		Body: body,
	}
}

// StackTrace renders frames, given outermost first, innermost first as DAP
// expects. Frame ids are the frame depths.
func StackTrace(frames []types.ExecFrame) dap.StackTraceResponseBody {
	out := make([]dap.StackFrame, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		name := f.Name
		if name == "" {
			name = "<module>"
		}
		out = append(out, dap.StackFrame{
			Id:     f.Depth,
			Name:   name,
			Source: Source(f.Ref),
			Line:   f.Pos.Line,
			Column: f.Pos.Column,
		})
	}
	return dap.StackTraceResponseBody{StackFrames: out, TotalFrames: len(out)}
}

// Source renders a code reference
func Source(ref types.CodeReference) *dap.Source {
	return &dap.Source{Name: ref.String(), Path: ref.Title}
}

// scopeOrder lists the scopes in the order they are presented
var scopeOrder = []struct {
	kind types.VariableKind
	name string
	hint string
}{
	{types.KindFrameVariable, "Locals", "locals"},
	{types.KindUpvalue, "Closure", ""},
	{types.KindGlobal, "Globals", ""},
	{types.KindInput, "Inputs", "arguments"},
	{types.KindOutput, "Outputs", "returnValue"},
}

// Handles hands out variable references for scopes and nested values. The
// zero value is ready to use.
type Handles struct {
	next      int
	variables map[int][]dap.Variable
}

// Variables returns the children registered under ref
func (h *Handles) Variables(ref int) ([]dap.Variable, bool) {
	v, ok := h.variables[ref]
	return v, ok
}

// All returns every registered reference and its children
func (h *Handles) All() map[int][]dap.Variable {
	return h.variables
}

func (h *Handles) add(children []dap.Variable) int {
	if h.variables == nil {
		h.variables = make(map[int][]dap.Variable)
	}
	h.next++
	h.variables[h.next] = children
	return h.next
}

// Scopes groups snap by variable kind. Empty scopes are left out.
func Scopes(snap vars.Snapshot, h *Handles) []dap.Scope {
	byKind := make(map[types.VariableKind][]types.ExecVariable)
	for _, v := range snap {
		byKind[v.Kind] = append(byKind[v.Kind], v)
	}

	var scopes []dap.Scope
	for _, s := range scopeOrder {
		list := byKind[s.kind]
		if len(list) == 0 {
			continue
		}
		children := make([]dap.Variable, 0, len(list))
		for _, v := range list {
			children = append(children, variable(v.ID, v.Value, h, 0))
		}
		scopes = append(scopes, dap.Scope{
			Name:               s.name,
			PresentationHint:   s.hint,
			VariablesReference: h.add(children),
			NamedVariables:     len(children),
		})
	}
	return scopes
}

// variable renders one value, registering the children of tables
func variable(name string, value any, h *Handles, depth int) dap.Variable {
	v := dap.Variable{Name: name, Value: display(value), Type: typeName(value)}
	if depth >= maxVariableDepth {
		return v
	}
	switch x := value.(type) {
	case []any:
		children := make([]dap.Variable, len(x))
		for i, e := range x {
			children[i] = variable(fmt.Sprintf("[%d]", i+1), e, h, depth+1)
		}
		v.IndexedVariables = len(children)
		v.VariablesReference = h.add(children)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		children := make([]dap.Variable, len(keys))
		for i, k := range keys {
			children[i] = variable(k, x[k], h, depth+1)
		}
		v.NamedVariables = len(children)
		v.VariablesReference = h.add(children)
	}
	return v
}

func display(value any) string {
	switch x := value.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", x)
	case []any:
		return fmt.Sprintf("table[%d]", len(x))
	case map[string]any:
		return fmt.Sprintf("table{%d}", len(x))
	}
	return fmt.Sprint(value)
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "nil"
	case []any, map[string]any:
		return "table"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, float64:
		return "number"
	}
	return reflect.TypeOf(value).String()
}
