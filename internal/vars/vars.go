// Package vars produces variable snapshots for a paused frame.
package vars

import (
	"reflect"
	"sort"
	"sync"

	"github.com/ctagard/codetrace/pkg/types"
)

// Evaluator produces the bindings visible at a frame. Implementations are
// supplied by language adapters and are only called while the frame's thread
// is suspended.
type Evaluator interface {
	Evaluate(frame types.ExecFrame) ([]types.ExecVariable, error)
}

// EvaluatorFunc adapts a function to Evaluator
type EvaluatorFunc func(frame types.ExecFrame) ([]types.ExecVariable, error)

func (f EvaluatorFunc) Evaluate(frame types.ExecFrame) ([]types.ExecVariable, error) {
	return f(frame)
}

// None evaluates every frame to an empty snapshot
var None Evaluator = EvaluatorFunc(func(types.ExecFrame) ([]types.ExecVariable, error) {
	return nil, nil
})

// Snapshot is an ordered set of bindings captured at one pause
type Snapshot []types.ExecVariable

// Get finds a binding by id. Frame variables shadow globals and inputs with
// the same id.
func (s Snapshot) Get(id string) (types.ExecVariable, bool) {
	var found types.ExecVariable
	ok := false
	for _, v := range s {
		if v.ID != id {
			continue
		}
		if !ok || rank(v.Kind) < rank(found.Kind) {
			found, ok = v, true
		}
	}
	return found, ok
}

func rank(k types.VariableKind) int {
	switch k {
	case types.KindFrameVariable:
		return 0
	case types.KindUpvalue:
		return 1
	case types.KindOutput:
		return 2
	case types.KindInput:
		return 3
	default:
		return 4
	}
}

// Names returns the distinct ids, sorted
func (s Snapshot) Names() []string {
	seen := make(map[string]struct{}, len(s))
	names := make([]string, 0, len(s))
	for _, v := range s {
		if _, dup := seen[v.ID]; dup {
			continue
		}
		seen[v.ID] = struct{}{}
		names = append(names, v.ID)
	}
	sort.Strings(names)
	return names
}

// Map flattens the snapshot to id -> value using Get's shadowing rules
func (s Snapshot) Map() map[string]any {
	out := make(map[string]any, len(s))
	for _, name := range s.Names() {
		v, _ := s.Get(name)
		out[name] = v.Value
	}
	return out
}

// Equal compares two snapshots binding by binding
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		a, b := s[i], other[i]
		if a.ID != b.ID || a.Kind != b.Kind || a.Attributes != b.Attributes {
			return false
		}
		if !reflect.DeepEqual(a.Value, b.Value) {
			return false
		}
	}
	return true
}

// Lazy evaluates a frame at most once while it stays valid. A pause owns one
// Lazy and invalidates it when the thread resumes; later calls fail instead of
// reading a stack that has moved on.
type Lazy struct {
	ev    Evaluator
	frame types.ExecFrame

	mu      sync.Mutex
	done    bool
	stale   bool
	snap    Snapshot
	err     error
	invalid error
}

// NewLazy wraps ev for a single frame. A nil evaluator yields empty snapshots.
func NewLazy(ev Evaluator, frame types.ExecFrame, invalid error) *Lazy {
	if ev == nil {
		ev = None
	}
	return &Lazy{ev: ev, frame: frame, invalid: invalid}
}

// Snapshot evaluates on first use and returns a copy of the cached result
func (l *Lazy) Snapshot() (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stale {
		return nil, l.invalid
	}
	if !l.done {
		vs, err := l.ev.Evaluate(l.frame)
		l.snap, l.err, l.done = Snapshot(vs), err, true
	}
	if l.err != nil {
		return nil, l.err
	}
	out := make(Snapshot, len(l.snap))
	copy(out, l.snap)
	return out, nil
}

// Evaluated reports whether the evaluator has run
func (l *Lazy) Evaluated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Invalidate drops the cached snapshot and rejects later reads
func (l *Lazy) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stale = true
	l.snap = nil
}
