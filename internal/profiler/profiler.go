// Package profiler records traced frames per correlated context and answers
// duration and coverage queries over the recording.
//
// A recording is made of runs. Each execution opens its own Run with Begin and
// closes it with End; the Run handle is threaded through the execution so that
// concurrent executions sharing one Profiler never mix their events. Groups are
// bracketed on the Profiler itself with BeginContextGroup and EndContextGroup.
package profiler

import (
	"time"

	"github.com/ctagard/codetrace/pkg/types"
)

// Profiler is a recording shared by one or more executions
type Profiler interface {
	// Begin opens a top-level run
	Begin() Run
	BeginContextGroup(group string)
	EndContextGroup(group string)
	// Reset discards every recorded run and group
	Reset()

	GetRunCount() int
	// GetLastContext returns the most recent context of the most recent run
	GetLastContext() types.ContextIdentity
	// GetLastContextOf returns the most recent context of run
	GetLastContextOf(run int) types.ContextIdentity
	GetContexts(run int) []types.ContextIdentity
	// GetGroups returns the group brackets in the order they were opened
	GetGroups() []Group

	// Duration is the cumulative wall time spent inside ref over all runs
	Duration(ref types.CodeReference) time.Duration
	// Coverage is the sorted set of lines of ref reached over all runs
	Coverage(ref types.CodeReference) []int
}

// Run is one Begin/End bracket
type Run interface {
	Index() int
	BeginContext(id types.ContextIdentity)
	EndContext(id types.ContextIdentity)
	Trace(frame types.ExecFrame)
	End()
}

// Group is a recorded group bracket
type Group struct {
	ID     string
	Runs   []int
	Closed bool
}

// Empty records nothing
type Empty struct{}

// Default is the shared no-op profiler
var Default Profiler = Empty{}

func (Empty) Begin() Run                                 { return emptyRun{} }
func (Empty) BeginContextGroup(string)                   {}
func (Empty) EndContextGroup(string)                     {}
func (Empty) Reset()                                     {}
func (Empty) GetRunCount() int                           { return 0 }
func (Empty) GetLastContext() types.ContextIdentity      { return types.Unknown }
func (Empty) GetLastContextOf(int) types.ContextIdentity { return types.Unknown }
func (Empty) GetContexts(int) []types.ContextIdentity    { return nil }
func (Empty) GetGroups() []Group                         { return nil }
func (Empty) Duration(types.CodeReference) time.Duration { return 0 }
func (Empty) Coverage(types.CodeReference) []int         { return nil }

type emptyRun struct{}

func (emptyRun) Index() int                         { return -1 }
func (emptyRun) BeginContext(types.ContextIdentity) {}
func (emptyRun) EndContext(types.ContextIdentity)   {}
func (emptyRun) Trace(types.ExecFrame)              {}
func (emptyRun) End()                               {}
