// Package types defines shared data types used across codetrace.
//
// This package provides type definitions for:
//   - ExecEvent: the control point a frame represents (call, line, return, exception)
//   - DebugAction: the decision returned from a pause handler
//   - CodeReference and Position: identity of a compiled unit and a point inside it
//   - ExecVariable: a variable binding visible at a paused frame
//   - ContextIdentity: correlation ids tying executions and groups together
//
// These types are shared by the tracer, the debug protocol, the profiler and the
// language adapters so none of them has to import another for its vocabulary.
package types

import (
	"fmt"
	"strings"
)

// Language represents an embedded script language
type Language string

const (
	LanguageLua Language = "lua"
	LanguageCEL Language = "cel"
)

// ExecEvent describes the control point a frame represents
type ExecEvent int

const (
	EventCall ExecEvent = iota
	EventLine
	EventReturn
	EventException
)

func (e ExecEvent) String() string {
	switch e {
	case EventCall:
		return "call"
	case EventLine:
		return "line"
	case EventReturn:
		return "return"
	case EventException:
		return "exception"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Breakable reports whether breakpoints and step conditions are evaluated on this event
func (e ExecEvent) Breakable() bool {
	return e == EventLine || e == EventException
}

// DebugAction is the decision returned from a pause
type DebugAction int

const (
	ActionContinue DebugAction = iota
	ActionStepOver
	ActionStepIn
	ActionStepOut
	ActionStop
	// ActionDisconnect releases the debug controls and lets the execution
	// run to completion without further pauses.
	ActionDisconnect
)

var actionNames = map[DebugAction]string{
	ActionContinue:   "continue",
	ActionStepOver:   "stepOver",
	ActionStepIn:     "stepIn",
	ActionStepOut:    "stepOut",
	ActionStop:       "stop",
	ActionDisconnect: "disconnect",
}

func (a DebugAction) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseDebugAction parses an action name (case-insensitive). Both "stepOver"
// and "over" style names are accepted.
func ParseDebugAction(s string) (DebugAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "continue", "c":
		return ActionContinue, nil
	case "stepover", "over", "next":
		return ActionStepOver, nil
	case "stepin", "in", "step":
		return ActionStepIn, nil
	case "stepout", "out":
		return ActionStepOut, nil
	case "stop":
		return ActionStop, nil
	case "disconnect":
		return ActionDisconnect, nil
	}
	return ActionContinue, fmt.Errorf("unknown debug action %q", s)
}

// Position is a point inside a code unit
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column,omitempty"`
}

func (p Position) String() string {
	if p.Column > 0 {
		return fmt.Sprintf("%d:%d", p.Line, p.Column)
	}
	return fmt.Sprintf("%d", p.Line)
}

// CodeReference is the opaque identity of a compiled source unit
type CodeReference struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	Language    Language `json:"language"`
	Fingerprint uint64   `json:"fingerprint,omitempty"`
}

// Same reports whether both references name the same code unit
func (r CodeReference) Same(other CodeReference) bool {
	return r.ID != "" && r.ID == other.ID
}

func (r CodeReference) String() string {
	if r.Title != "" {
		return r.Title
	}
	return r.ID
}

// VariableKind classifies where a binding comes from
type VariableKind string

const (
	KindFrameVariable VariableKind = "frame"
	KindGlobal        VariableKind = "global"
	KindInput         VariableKind = "input"
	KindOutput        VariableKind = "output"
	KindUpvalue       VariableKind = "upvalue"
)

// VariableAttribute is a set of flags describing a binding
type VariableAttribute uint8

const (
	AttrEmpty    VariableAttribute = 0
	AttrReadOnly VariableAttribute = 1 << iota
	AttrCallable
	AttrTable
)

// Has reports whether all flags in a are set
func (v VariableAttribute) Has(a VariableAttribute) bool {
	return v&a == a
}

// ExecVariable is a variable binding visible at a paused frame
type ExecVariable struct {
	ID         string            `json:"id"`
	Value      any               `json:"value"`
	Kind       VariableKind      `json:"kind"`
	Attributes VariableAttribute `json:"attributes,omitempty"`
}

// ContextIdentity correlates one logical invocation, optionally nested under a group
type ContextIdentity struct {
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`
}

// Unknown is the zero identity
var Unknown = ContextIdentity{}

// IsUnknown reports whether the identity was never assigned
func (c ContextIdentity) IsUnknown() bool {
	return c.ID == ""
}

// IsChildOf reports whether c was executed inside the group identified by group
func (c ContextIdentity) IsChildOf(group ContextIdentity) bool {
	return group.ID != "" && c.Parent == group.ID
}

func (c ContextIdentity) String() string {
	if c.Parent != "" {
		return c.Parent + "/" + c.ID
	}
	return c.ID
}

// BuildKind identifies how a code unit is being executed
type BuildKind string

const (
	BuildRun     BuildKind = "run"
	BuildDebug   BuildKind = "debug"
	BuildProfile BuildKind = "profile"
)

// PauseReason describes why an execution paused
type PauseReason string

const (
	PauseBreakpoint PauseReason = "breakpoint"
	PauseStep       PauseReason = "step"
	PauseException  PauseReason = "exception"
)

// StackActionKind names a stack transition
type StackActionKind string

const (
	StackPushed  StackActionKind = "pushed"
	StackSwapped StackActionKind = "swapped"
	StackPopped  StackActionKind = "popped"
)

// ExecFrame is one activation record on a thread's logical call stack, tagged
// with the event it currently represents and its source position.
type ExecFrame struct {
	Event  ExecEvent     `json:"event"`
	Ref    CodeReference `json:"ref"`
	Pos    Position      `json:"pos"`
	Name   string        `json:"name,omitempty"`
	Thread int64         `json:"thread"`
	// Depth is the 1-based index of the frame in its thread's stack. A zero
	// depth means "no frame".
	Depth int   `json:"depth"`
	Err   error `json:"-"`
}

// Valid reports whether f refers to an actual stack slot
func (f ExecFrame) Valid() bool {
	return f.Depth > 0
}

func (f ExecFrame) String() string {
	name := f.Name
	if name == "" {
		name = "<module>"
	}
	return fmt.Sprintf("%s %s:%s %s", f.Event, f.Ref, f.Pos, name)
}
